package geoquery_test

import (
	"context"
	"sync"
	"time"

	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/core/ports"
	"github.com/samirrijal/geowatch/internal/pkg/geohash"
)

// fakeStore is an in-memory ports.LocationStore with real range-subscription
// semantics: per-subscription known-key bookkeeping, added/modified/removed
// routing on writes, and an initial snapshot per subscription. With
// manualReady set, ready signals wait for fireReady calls. Callbacks are
// never invoked while the store lock is held.
type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]ports.LocationSnapshot
	subs        []*fakeSub
	batches     [][]ports.WriteOp
	manualReady bool
	getErr      error
	gets        int
}

type fakeSub struct {
	store      *fakeStore
	start, end string
	onChange   ports.ChangeFunc
	onReady    ports.ReadyFunc
	known      map[string]bool
	readySent  bool
	cancelled  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]ports.LocationSnapshot)}
}

func (f *fakeStore) Get(_ context.Context, key string) (*ports.LocationSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if snap, ok := f.rows[key]; ok {
		s := snap
		return &s, nil
	}
	return nil, nil
}

func (f *fakeStore) Put(_ context.Context, key string, rec ports.Record) error {
	f.apply(ports.WriteOp{Key: key, Record: &rec})
	return nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.apply(ports.WriteOp{Key: key})
	return nil
}

func (f *fakeStore) BatchWrite(_ context.Context, ops []ports.WriteOp) error {
	f.mu.Lock()
	f.batches = append(f.batches, ops)
	f.mu.Unlock()
	for _, op := range ops {
		f.apply(op)
	}
	return nil
}

func (f *fakeStore) SubscribeRange(_ context.Context, start, end string, onChange ports.ChangeFunc, onReady ports.ReadyFunc) (ports.CancelFunc, error) {
	sub := &fakeSub{store: f, start: start, end: end, onChange: onChange, onReady: onReady, known: make(map[string]bool)}

	f.mu.Lock()
	f.subs = append(f.subs, sub)
	var initial []ports.Change
	for _, snap := range f.rows {
		if sub.contains(snap.Geohash) {
			sub.known[snap.Key] = true
			initial = append(initial, ports.Change{Kind: ports.ChangeAdded, Snapshot: snap})
		}
	}
	fireReady := !f.manualReady
	if fireReady {
		sub.readySent = true
	}
	f.mu.Unlock()

	for _, ch := range initial {
		onChange(ch)
	}
	if fireReady {
		onReady()
	}
	return func() {
		f.mu.Lock()
		sub.cancelled = true
		f.mu.Unlock()
	}, nil
}

func (s *fakeSub) contains(hash string) bool {
	return s.start <= hash && hash <= s.end
}

// apply writes or deletes a row, then routes the change to every live
// subscription according to its own view of the range.
func (f *fakeStore) apply(op ports.WriteOp) {
	type delivery struct {
		fn ports.ChangeFunc
		ch ports.Change
	}
	var deliveries []delivery

	f.mu.Lock()
	if op.Record != nil {
		snap := ports.LocationSnapshot{Key: op.Key, Geohash: op.Record.Geohash, Location: op.Record.Location, Document: op.Record.Document}
		f.rows[op.Key] = snap
		for _, sub := range f.subs {
			if sub.cancelled {
				continue
			}
			inRange := sub.contains(snap.Geohash)
			switch {
			case inRange && !sub.known[op.Key]:
				sub.known[op.Key] = true
				deliveries = append(deliveries, delivery{sub.onChange, ports.Change{Kind: ports.ChangeAdded, Snapshot: snap}})
			case inRange:
				deliveries = append(deliveries, delivery{sub.onChange, ports.Change{Kind: ports.ChangeModified, Snapshot: snap}})
			case sub.known[op.Key]:
				delete(sub.known, op.Key)
				deliveries = append(deliveries, delivery{sub.onChange, ports.Change{Kind: ports.ChangeRemoved, Snapshot: ports.LocationSnapshot{Key: op.Key}}})
			}
		}
	} else {
		delete(f.rows, op.Key)
		for _, sub := range f.subs {
			if sub.cancelled || !sub.known[op.Key] {
				continue
			}
			delete(sub.known, op.Key)
			deliveries = append(deliveries, delivery{sub.onChange, ports.Change{Kind: ports.ChangeRemoved, Snapshot: ports.LocationSnapshot{Key: op.Key}}})
		}
	}
	f.mu.Unlock()

	for _, d := range deliveries {
		d.fn(d.ch)
	}
}

// fireAllReady delivers the pending ready signal of every live subscription.
func (f *fakeStore) fireAllReady() {
	f.mu.Lock()
	var pending []*fakeSub
	for _, sub := range f.subs {
		if !sub.cancelled && !sub.readySent {
			sub.readySent = true
			pending = append(pending, sub)
		}
	}
	f.mu.Unlock()
	for _, sub := range pending {
		sub.onReady()
	}
}

// pendingReadySubs returns live subscriptions still awaiting their ready.
func (f *fakeStore) pendingReadySubs() []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeSub
	for _, sub := range f.subs {
		if !sub.cancelled && !sub.readySent {
			out = append(out, sub)
		}
	}
	return out
}

func (s *fakeSub) fireReady() {
	s.store.mu.Lock()
	fire := !s.cancelled && !s.readySent
	s.readySent = true
	s.store.mu.Unlock()
	if fire {
		s.onReady()
	}
}

func (f *fakeStore) openSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sub := range f.subs {
		if !sub.cancelled {
			n++
		}
	}
	return n
}

func (f *fakeStore) getCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func (f *fakeStore) setGetErr(err error) {
	f.mu.Lock()
	f.getErr = err
	f.mu.Unlock()
}

func (f *fakeStore) recordedBatches() [][]ports.WriteOp {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]ports.WriteOp, len(f.batches))
	copy(out, f.batches)
	return out
}

// putPoint seeds or moves a key, encoding its geohash at the default
// precision like the write-side service does.
func (f *fakeStore) putPoint(key string, lat, lon float64, doc []byte) {
	p := domain.GeoPoint{Lat: lat, Lon: lon}
	f.apply(ports.WriteOp{Key: key, Record: &ports.Record{
		Geohash:  geohash.MustEncode(p, geohash.DefaultPrecision),
		Location: p,
		Document: doc,
	}})
}

// fakeScheduler records scheduled work and fires it only on demand.
type fakeScheduler struct {
	mu        sync.Mutex
	repeating []*fakeTimer
	oneshots  []*fakeTimer
}

type fakeTimer struct {
	fn      func()
	stopped bool
	fired   bool
	delay   time.Duration
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{}
}

func (s *fakeScheduler) ScheduleRepeating(interval time.Duration, fn func()) ports.CancelFunc {
	t := &fakeTimer{fn: fn, delay: interval}
	s.mu.Lock()
	s.repeating = append(s.repeating, t)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		t.stopped = true
		s.mu.Unlock()
	}
}

func (s *fakeScheduler) ScheduleOnce(delay time.Duration, fn func()) ports.CancelFunc {
	t := &fakeTimer{fn: fn, delay: delay}
	s.mu.Lock()
	s.oneshots = append(s.oneshots, t)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		t.stopped = true
		s.mu.Unlock()
	}
}

// tick runs every live repeating timer once.
func (s *fakeScheduler) tick() {
	s.mu.Lock()
	var run []func()
	for _, t := range s.repeating {
		if !t.stopped {
			run = append(run, t.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range run {
		fn()
	}
}

// fireOneshots runs every pending one-shot timer.
func (s *fakeScheduler) fireOneshots() {
	s.mu.Lock()
	var run []func()
	for _, t := range s.oneshots {
		if !t.stopped && !t.fired {
			t.fired = true
			run = append(run, t.fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range run {
		fn()
	}
}

func (s *fakeScheduler) pendingOneshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.oneshots {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (s *fakeScheduler) activeRepeating() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.repeating {
		if !t.stopped {
			n++
		}
	}
	return n
}
