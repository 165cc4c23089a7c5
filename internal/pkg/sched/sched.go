// Package sched provides the wall-clock ports.Scheduler used outside tests.
package sched

import (
	"sync"
	"time"

	"github.com/samirrijal/geowatch/internal/core/ports"
)

// Clock schedules callbacks on real timers. Callbacks run on timer
// goroutines; callers serialize their own state.
type Clock struct{}

// New returns a ready-to-use Clock.
func New() Clock {
	return Clock{}
}

// ScheduleRepeating runs fn every interval until stop is called. A stop
// issued while fn is running does not interrupt that run, only later ones.
func (Clock) ScheduleRepeating(interval time.Duration, fn func()) ports.CancelFunc {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

// ScheduleOnce runs fn once after delay unless cancelled first.
func (Clock) ScheduleOnce(delay time.Duration, fn func()) ports.CancelFunc {
	timer := time.AfterFunc(delay, fn)
	return func() {
		timer.Stop()
	}
}
