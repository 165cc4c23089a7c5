package geoquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/core/ports"
	"github.com/samirrijal/geowatch/internal/pkg/geohash"
	"github.com/samirrijal/geowatch/internal/pkg/geospatial"
)

// ErrCancelled is returned by operations invoked on a query after Cancel.
var ErrCancelled = errors.New("geoquery: query cancelled")

// KeyCallback receives key_entered, key_exited and key_moved events.
// Location, distance and document are nil on an exit fired for a key that
// was deleted from the store. Distances are kilometers from the query
// center.
type KeyCallback func(key string, location *domain.GeoPoint, distanceKm *float64, document json.RawMessage)

// Criteria is a partial update for a live query; nil fields keep their
// current value.
type Criteria struct {
	Center       *domain.GeoPoint
	RadiusMeters *float64
}

type registration struct {
	id        int
	typ       domain.EventType
	key       KeyCallback
	rdy       func()
	cancelled atomic.Bool
}

// Query is a live radius query over the location store. It owns its registry
// of tracked locations and its set of range subscriptions. One mutex
// serializes every state change; callbacks are dispatched only after the
// lock is released, so a callback may safely call back into the query,
// including Cancel.
type Query struct {
	svc *Service

	cancelled atomic.Bool
	ctx       context.Context
	stop      context.CancelFunc

	mu      sync.Mutex
	center  domain.GeoPoint
	radiusM float64

	locations *registry
	subs      *subscriptionSet

	ready            bool
	outstandingReady map[string]struct{} // range ids awaiting their initial snapshot

	callbacks map[domain.EventType][]*registration
	nextRegID int

	stopSweep     ports.CancelFunc
	cancelOneshot ports.CancelFunc // pending coalesced cleanup, nil when none
}

// newQuery wires a query and opens its initial range subscriptions.
func newQuery(svc *Service, center domain.GeoPoint, radiusMeters float64) (*Query, error) {
	ctx, stop := context.WithCancel(context.Background())
	q := &Query{
		svc:              svc,
		ctx:              ctx,
		stop:             stop,
		center:           center,
		radiusM:          radiusMeters,
		locations:        newRegistry(),
		subs:             newSubscriptionSet(),
		outstandingReady: make(map[string]struct{}),
		callbacks:        make(map[domain.EventType][]*registration),
	}
	q.stopSweep = svc.scheduler.ScheduleRepeating(svc.cfg.CleanupInterval, q.sweep)
	if err := q.listen(); err != nil {
		q.Cancel()
		return nil, err
	}
	return q, nil
}

// Center returns the current query center.
func (q *Query) Center() domain.GeoPoint {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.center
}

// Radius returns the current query radius in meters.
func (q *Query) Radius() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.radiusM
}

// On registers fn for one of key_entered, key_exited or key_moved. For
// key_entered, fn is invoked synchronously for every currently in-query key
// before On returns. The returned cancel removes exactly this registration
// and is safe to call from within fn.
func (q *Query) On(typ domain.EventType, fn KeyCallback) (ports.CancelFunc, error) {
	switch typ {
	case domain.EventKeyEntered, domain.EventKeyExited, domain.EventKeyMoved:
	default:
		return nil, fmt.Errorf("%w: unsupported key event type %q", domain.ErrInvalidArgument, typ)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: callback must not be nil", domain.ErrInvalidArgument)
	}
	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return nil, ErrCancelled
	}
	reg := &registration{id: q.nextRegID, typ: typ, key: fn}
	q.nextRegID++
	q.callbacks[typ] = append(q.callbacks[typ], reg)
	var replay []event
	if typ == domain.EventKeyEntered {
		q.locations.each(func(t *trackedLocation) bool {
			if t.inQuery {
				replay = append(replay, t.event(domain.EventKeyEntered))
			}
			return true
		})
	}
	q.mu.Unlock()

	for _, ev := range replay {
		if q.cancelled.Load() || reg.cancelled.Load() {
			break
		}
		fn(ev.key, ev.location, ev.distanceKm, ev.document)
	}
	return q.deregisterFunc(reg), nil
}

// OnReady registers fn for the ready event. If the query is already ready,
// fn is invoked synchronously before OnReady returns.
func (q *Query) OnReady(fn func()) (ports.CancelFunc, error) {
	if fn == nil {
		return nil, fmt.Errorf("%w: callback must not be nil", domain.ErrInvalidArgument)
	}
	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return nil, ErrCancelled
	}
	reg := &registration{id: q.nextRegID, typ: domain.EventReady, rdy: fn}
	q.nextRegID++
	q.callbacks[domain.EventReady] = append(q.callbacks[domain.EventReady], reg)
	fireNow := q.ready
	q.mu.Unlock()

	if fireNow && !q.cancelled.Load() && !reg.cancelled.Load() {
		fn()
	}
	return q.deregisterFunc(reg), nil
}

func (q *Query) deregisterFunc(reg *registration) ports.CancelFunc {
	return func() {
		if reg.cancelled.Swap(true) {
			return
		}
		q.mu.Lock()
		regs := q.callbacks[reg.typ]
		for i, r := range regs {
			if r == reg {
				q.callbacks[reg.typ] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		q.mu.Unlock()
	}
}

// UpdateCriteria moves the query. Tracked keys are re-evaluated in
// first-seen order, firing key_exited/key_entered per boundary transition,
// then the coverage is recomputed and only the delta of ranges is
// resubscribed. The ready state resets and ready fires again once the new
// ranges deliver their snapshots; if no new ranges are needed it fires
// immediately.
func (q *Query) UpdateCriteria(c Criteria) error {
	if c.Center == nil && c.RadiusMeters == nil {
		return fmt.Errorf("%w: criteria update requires a center or a radius", domain.ErrInvalidArgument)
	}
	if c.Center != nil {
		if err := c.Center.Validate(); err != nil {
			return err
		}
	}
	if c.RadiusMeters != nil {
		if err := domain.ValidateRadius(*c.RadiusMeters); err != nil {
			return err
		}
	}

	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return ErrCancelled
	}
	if c.Center != nil {
		q.center = *c.Center
	}
	if c.RadiusMeters != nil {
		q.radiusM = *c.RadiusMeters
	}
	events := q.locations.applyCriteriaChange(q.center, q.radiusM, q.cancelled.Load)
	q.mu.Unlock()

	q.dispatch(events)
	return q.listen()
}

// Cancel terminates the query: no further events fire, every range
// subscription is torn down, callbacks and registry are cleared and both
// cleanup timers stop. Idempotent.
func (q *Query) Cancel() {
	if q.cancelled.Swap(true) {
		return
	}
	q.mu.Lock()
	q.callbacks = make(map[domain.EventType][]*registration)
	q.subs.cancelAll()
	q.locations = newRegistry()
	q.outstandingReady = make(map[string]struct{})
	stopSweep := q.stopSweep
	oneshot := q.cancelOneshot
	q.stopSweep, q.cancelOneshot = nil, nil
	q.mu.Unlock()

	if stopSweep != nil {
		stopSweep()
	}
	if oneshot != nil {
		oneshot()
	}
	q.stop()
}

// listen reconciles range subscriptions against the current criteria's
// coverage and resets the ready cycle. The outstanding-ready set is replaced
// wholesale: snapshots of ranges from an earlier cycle no longer gate ready.
func (q *Query) listen() error {
	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return ErrCancelled
	}
	ranges, err := geohash.CoverageRanges(q.center, q.radiusM)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	toSubscribe := q.subs.reconcile(ranges)
	q.outstandingReady = make(map[string]struct{}, len(toSubscribe))
	for _, r := range toSubscribe {
		q.outstandingReady[r.String()] = struct{}{}
	}
	q.ready = false
	var readyNow []event
	if len(toSubscribe) == 0 {
		q.ready = true
		readyNow = append(readyNow, event{typ: domain.EventReady})
	}
	needCleanup := q.subs.open() > q.svc.cfg.MaxOpenRanges
	q.mu.Unlock()

	if needCleanup {
		q.scheduleCleanup()
	}
	q.dispatch(readyNow)

	for _, r := range toSubscribe {
		r := r
		cancel, err := q.svc.store.SubscribeRange(q.ctx, r.Start, r.End,
			func(ch ports.Change) { q.onStoreChange(ch) },
			func() { q.onRangeReady(r) },
		)
		if err != nil {
			q.mu.Lock()
			q.subs.remove(r)
			delete(q.outstandingReady, r.String())
			q.mu.Unlock()
			return err
		}
		q.mu.Lock()
		if q.cancelled.Load() {
			q.mu.Unlock()
			cancel()
			return ErrCancelled
		}
		q.subs.setCancel(r, cancel)
		q.mu.Unlock()
	}
	return nil
}

func (q *Query) onStoreChange(ch ports.Change) {
	switch ch.Kind {
	case ports.ChangeAdded, ports.ChangeModified:
		q.onLocationChanged(ch.Snapshot)
	case ports.ChangeRemoved:
		q.onLocationRemoved(ch.Snapshot.Key)
	}
}

// onLocationChanged upserts the tracked state for a key and fires the
// boundary transition, if any. Keys inside subscribed ranges but outside the
// circle are tracked without events.
func (q *Query) onLocationChanged(snap ports.LocationSnapshot) {
	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return
	}
	events := q.upsertLocked(snap)
	q.mu.Unlock()
	q.dispatch(events)
}

func (q *Query) upsertLocked(snap ports.LocationSnapshot) []event {
	t := q.locations.get(snap.Key)
	wasIn := t != nil && t.inQuery
	var prevLocation domain.GeoPoint
	if t != nil {
		prevLocation = t.location
	}
	moved := t != nil && prevLocation != snap.Location
	if t == nil {
		t = &trackedLocation{key: snap.Key}
		q.locations.put(t)
	}
	t.location = snap.Location
	t.document = snap.Document
	t.geohash = snap.Geohash
	t.distanceMeters = geospatial.Haversine(snap.Location.Lat, snap.Location.Lon, q.center.Lat, q.center.Lon)
	t.inQuery = t.distanceMeters <= q.radiusM

	switch {
	case t.inQuery && !wasIn:
		return []event{t.event(domain.EventKeyEntered)}
	case t.inQuery && wasIn && moved:
		return []event{t.event(domain.EventKeyMoved)}
	case !t.inQuery && wasIn:
		return []event{t.event(domain.EventKeyExited)}
	}
	return nil
}

// onLocationRemoved re-checks the store before dropping a key: a removal
// reported by one range is a false signal when the key merely moved into
// another subscribed range. Confirmed-gone keys leave the registry and, if
// they were in-query, fire key_exited — with the re-fetched location when
// the key still exists somewhere uncovered, with nils when it was deleted.
func (q *Query) onLocationRemoved(key string) {
	q.mu.Lock()
	if q.cancelled.Load() || q.locations.get(key) == nil {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	go func() {
		snap, err := q.svc.store.Get(q.ctx, key)
		if err != nil {
			// Failed re-check: keep the entry; a later change or sweep
			// settles it.
			return
		}
		q.completeRemoval(key, snap)
	}()
}

func (q *Query) completeRemoval(key string, snap *ports.LocationSnapshot) {
	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return
	}
	t := q.locations.get(key)
	if t == nil {
		q.mu.Unlock()
		return
	}
	if snap != nil && q.subs.covers(snap.Geohash) {
		// Still inside a subscribed range; that range's own add/modify
		// stream owns the entry.
		q.mu.Unlock()
		return
	}
	wasIn := t.inQuery
	q.locations.delete(key)
	var events []event
	if wasIn {
		if snap != nil {
			loc := snap.Location
			km := geospatial.Haversine(loc.Lat, loc.Lon, q.center.Lat, q.center.Lon) / 1000
			events = append(events, event{typ: domain.EventKeyExited, key: key, location: &loc, distanceKm: &km, document: snap.Document})
		} else {
			events = append(events, event{typ: domain.EventKeyExited, key: key})
		}
	}
	q.mu.Unlock()
	q.dispatch(events)
}

// onRangeReady marks one range's initial snapshot as delivered. Ready fires
// when the cycle's outstanding set drains; snapshots from ranges of an
// earlier cycle are ignored.
func (q *Query) onRangeReady(r geohash.Range) {
	q.mu.Lock()
	if q.cancelled.Load() {
		q.mu.Unlock()
		return
	}
	id := r.String()
	if _, waiting := q.outstandingReady[id]; !waiting {
		q.mu.Unlock()
		return
	}
	delete(q.outstandingReady, id)
	var events []event
	if len(q.outstandingReady) == 0 && !q.ready {
		q.ready = true
		events = append(events, event{typ: domain.EventReady})
	}
	q.mu.Unlock()
	q.dispatch(events)
}

// scheduleCleanup arranges a near-immediate sweep when open subscriptions
// pile up under churn. Re-entrant calls coalesce onto the pending timer.
func (q *Query) scheduleCleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled.Load() || q.cancelOneshot != nil {
		return
	}
	q.cancelOneshot = q.svc.scheduler.ScheduleOnce(q.svc.cfg.CleanupDelay, func() {
		q.mu.Lock()
		q.cancelOneshot = nil
		q.mu.Unlock()
		q.sweep()
	})
}

// sweep drops stale range subscriptions, then evicts registry entries no
// longer covered by any open range. An in-query entry without coverage
// means the registry and the coverage set have desynchronized; that is a
// bug, not a recoverable condition.
func (q *Query) sweep() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelled.Load() {
		return
	}
	q.subs.dropStale()
	var evict []string
	q.locations.each(func(t *trackedLocation) bool {
		if q.subs.covers(t.geohash) {
			return true
		}
		if t.inQuery {
			panic(fmt.Sprintf("geoquery: tracked key %q is in-query but covered by no subscribed range", t.key))
		}
		evict = append(evict, t.key)
		return true
	})
	for _, key := range evict {
		q.locations.delete(key)
	}
}

// dispatch delivers collected events in order. The cancelled flag and each
// registration's own flag are re-checked before every callback so
// cancellation observed mid-dispatch stops further delivery.
func (q *Query) dispatch(events []event) {
	for _, ev := range events {
		if q.cancelled.Load() {
			return
		}
		q.mu.Lock()
		regs := q.callbacks[ev.typ]
		snapshot := make([]*registration, len(regs))
		copy(snapshot, regs)
		q.mu.Unlock()

		for _, reg := range snapshot {
			if q.cancelled.Load() {
				return
			}
			if reg.cancelled.Load() {
				continue
			}
			if ev.typ == domain.EventReady {
				reg.rdy()
			} else {
				reg.key(ev.key, ev.location, ev.distanceKm, ev.document)
			}
		}
	}
}
