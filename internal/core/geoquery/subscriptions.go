package geoquery

import (
	"github.com/samirrijal/geowatch/internal/core/ports"
	"github.com/samirrijal/geowatch/internal/pkg/geohash"
)

// rangeSub is the subscription state for one geohash range. A stale sub
// (active=false) stays open until a cleanup sweep: a query that just moved
// tends to re-need overlapping ranges, and immediate cancellation would
// thrash the store.
type rangeSub struct {
	rng    geohash.Range
	active bool
	cancel ports.CancelFunc // nil until the store subscription is established
}

// subscriptionSet owns every open range subscription of one query. All
// methods are called under the owning query's lock.
type subscriptionSet struct {
	subs map[string]*rangeSub // keyed by Range.String()
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{subs: make(map[string]*rangeSub)}
}

// reconcile diffs the desired coverage against the open set: ranges in both
// stay active, open ranges no longer desired go stale, and desired ranges
// not yet open are registered and returned for subscription in desired
// order.
func (s *subscriptionSet) reconcile(desired []geohash.Range) (toSubscribe []geohash.Range) {
	for _, sub := range s.subs {
		sub.active = false
	}
	for _, r := range desired {
		id := r.String()
		if sub, open := s.subs[id]; open {
			sub.active = true
			continue
		}
		s.subs[id] = &rangeSub{rng: r, active: true}
		toSubscribe = append(toSubscribe, r)
	}
	return toSubscribe
}

func (s *subscriptionSet) setCancel(r geohash.Range, cancel ports.CancelFunc) {
	if sub := s.subs[r.String()]; sub != nil {
		sub.cancel = cancel
	}
}

// remove forgets a range without cancelling it; used to back out a
// registration whose store subscription failed.
func (s *subscriptionSet) remove(r geohash.Range) {
	delete(s.subs, r.String())
}

// covers reports whether any open subscription's range contains hash. Stale
// ranges count: their keys are still observed until swept.
func (s *subscriptionSet) covers(hash string) bool {
	for _, sub := range s.subs {
		if sub.rng.Contains(hash) {
			return true
		}
	}
	return false
}

// dropStale cancels and forgets every stale subscription.
func (s *subscriptionSet) dropStale() int {
	n := 0
	for id, sub := range s.subs {
		if sub.active {
			continue
		}
		if sub.cancel != nil {
			sub.cancel()
		}
		delete(s.subs, id)
		n++
	}
	return n
}

// cancelAll tears down every subscription, stale or not.
func (s *subscriptionSet) cancelAll() {
	for id, sub := range s.subs {
		if sub.cancel != nil {
			sub.cancel()
		}
		delete(s.subs, id)
	}
}

func (s *subscriptionSet) open() int {
	return len(s.subs)
}

func (s *subscriptionSet) activeCount() int {
	n := 0
	for _, sub := range s.subs {
		if sub.active {
			n++
		}
	}
	return n
}
