package geoquery_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/core/geoquery"
	"github.com/samirrijal/geowatch/internal/core/ports"
	"github.com/samirrijal/geowatch/internal/pkg/geohash"
)

type recordedEvent struct {
	typ        domain.EventType
	key        string
	location   *domain.GeoPoint
	distanceKm *float64
	document   []byte
}

type eventLog struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (l *eventLog) keyCallback(typ domain.EventType) geoquery.KeyCallback {
	return func(key string, loc *domain.GeoPoint, km *float64, doc json.RawMessage) {
		l.mu.Lock()
		l.events = append(l.events, recordedEvent{typ: typ, key: key, location: loc, distanceKm: km, document: doc})
		l.mu.Unlock()
	}
}

func (l *eventLog) readyCallback() func() {
	return func() {
		l.mu.Lock()
		l.events = append(l.events, recordedEvent{typ: domain.EventReady})
		l.mu.Unlock()
	}
}

func (l *eventLog) snapshot() []recordedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]recordedEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) count(typ domain.EventType) int {
	n := 0
	for _, ev := range l.snapshot() {
		if ev.typ == typ {
			n++
		}
	}
	return n
}

// attachAll registers the log for the three key events and ready. With an
// auto-ready store the ready lands in the log before any subsequent writes.
func attachAll(t *testing.T, q *geoquery.Query, log *eventLog) {
	t.Helper()
	for _, typ := range []domain.EventType{domain.EventKeyEntered, domain.EventKeyExited, domain.EventKeyMoved} {
		if _, err := q.On(typ, log.keyCallback(typ)); err != nil {
			t.Fatalf("On(%s): %v", typ, err)
		}
	}
	if _, err := q.OnReady(log.readyCallback()); err != nil {
		t.Fatalf("OnReady: %v", err)
	}
}

func newTestQuery(t *testing.T, store *fakeStore, sched *fakeScheduler, center domain.GeoPoint, radiusMeters float64) *geoquery.Query {
	t.Helper()
	svc, err := geoquery.NewService(store, sched, geoquery.Config{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	q, err := svc.Query(center, radiusMeters)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	t.Cleanup(q.Cancel)
	return q
}

func wantKeyEvent(t *testing.T, ev recordedEvent, typ domain.EventType, key string, km float64) {
	t.Helper()
	if ev.typ != typ || ev.key != key {
		t.Fatalf("got event %s %q, want %s %q", ev.typ, ev.key, typ, key)
	}
	if ev.distanceKm == nil {
		t.Fatalf("%s %q: distance is nil, want %.4f km", typ, key, km)
	}
	if math.Abs(*ev.distanceKm-km) > 0.01 {
		t.Fatalf("%s %q: distance %.4f km, want %.4f km", typ, key, *ev.distanceKm, km)
	}
	if ev.location == nil {
		t.Fatalf("%s %q: location is nil", typ, key)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQueryStreamsEnterAndExitOnMovement(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)
	log := &eventLog{}
	attachAll(t, q, log)

	doc := []byte(`{"name":"alpha"}`)
	store.putPoint("alpha", 0, 0.005, doc)
	store.putPoint("alpha", 0.02, 0.02, doc)
	store.Delete(context.Background(), "alpha")

	waitFor(t, "removal re-check", func() bool { return store.getCalls() >= 1 })
	time.Sleep(20 * time.Millisecond)

	events := log.snapshot()
	if len(events) != 3 {
		t.Fatalf("got %d events %v, want 3", len(events), events)
	}
	if events[0].typ != domain.EventReady {
		t.Fatalf("first event %s, want ready", events[0].typ)
	}
	wantKeyEvent(t, events[1], domain.EventKeyEntered, "alpha", 0.556)
	if *events[1].location != (domain.GeoPoint{Lat: 0, Lon: 0.005}) {
		t.Errorf("entered location %v, want (0, 0.005)", *events[1].location)
	}
	if !bytes.Equal(events[1].document, doc) {
		t.Errorf("entered document %s, want %s", events[1].document, doc)
	}
	wantKeyEvent(t, events[2], domain.EventKeyExited, "alpha", 3.145)
	if *events[2].location != (domain.GeoPoint{Lat: 0.02, Lon: 0.02}) {
		t.Errorf("exited location %v, want (0.02, 0.02)", *events[2].location)
	}
}

func TestKeyMovedWithinRadius(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)
	log := &eventLog{}
	attachAll(t, q, log)

	store.putPoint("alpha", 0, 0.005, nil)
	store.putPoint("alpha", 0.001, 0.005, nil)
	// Same location again: no movement, no event.
	store.putPoint("alpha", 0.001, 0.005, nil)

	events := log.snapshot()
	if len(events) != 3 {
		t.Fatalf("got %d events %v, want ready+entered+moved", len(events), events)
	}
	wantKeyEvent(t, events[1], domain.EventKeyEntered, "alpha", 0.556)
	wantKeyEvent(t, events[2], domain.EventKeyMoved, "alpha", 0.567)
}

func TestTrackedOutsideCircleEntersOnApproach(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)
	log := &eventLog{}
	attachAll(t, q, log)

	// Inside the covered ranges but ~1022m out: tracked silently.
	store.putPoint("bravo", 0.0065, 0.0065, nil)
	if got := log.snapshot(); len(got) != 1 || got[0].typ != domain.EventReady {
		t.Fatalf("presence outside the circle fired %v", got)
	}

	store.putPoint("bravo", 0.005, 0.005, nil)
	store.putPoint("bravo", 0.0065, 0.0065, nil)

	events := log.snapshot()
	if len(events) != 3 {
		t.Fatalf("got %d events %v, want ready+entered+exited", len(events), events)
	}
	wantKeyEvent(t, events[1], domain.EventKeyEntered, "bravo", 0.786)
	wantKeyEvent(t, events[2], domain.EventKeyExited, "bravo", 1.022)
}

func TestEnteredReplayForLateSubscriber(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)

	store.putPoint("alpha", 0, 0.002, nil)
	store.putPoint("bravo", 0, 0.004, nil)
	store.putPoint("charlie", 0.012, 0, nil) // tracked, outside the circle

	log := &eventLog{}
	if _, err := q.On(domain.EventKeyEntered, log.keyCallback(domain.EventKeyEntered)); err != nil {
		t.Fatalf("On: %v", err)
	}

	events := log.snapshot()
	if len(events) != 2 {
		t.Fatalf("replayed %d events %v, want 2", len(events), events)
	}
	wantKeyEvent(t, events[0], domain.EventKeyEntered, "alpha", 0.222)
	wantKeyEvent(t, events[1], domain.EventKeyEntered, "bravo", 0.445)
}

func TestEnteredReplayFromSeededStore(t *testing.T) {
	store := newFakeStore()
	store.putPoint("xray", 0, 0.001, nil)
	store.putPoint("yankee", 0, -0.001, nil)
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)

	log := &eventLog{}
	if _, err := q.On(domain.EventKeyEntered, log.keyCallback(domain.EventKeyEntered)); err != nil {
		t.Fatalf("On: %v", err)
	}
	events := log.snapshot()
	keys := make([]string, 0, len(events))
	for _, ev := range events {
		keys = append(keys, ev.key)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "xray" || keys[1] != "yankee" {
		t.Fatalf("replayed keys %v, want [xray yankee]", keys)
	}
}

func TestReadyGatedByInitialSnapshots(t *testing.T) {
	store := newFakeStore()
	store.manualReady = true
	store.putPoint("alpha", 0, 0.002, nil)
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)
	log := &eventLog{}
	attachAll(t, q, log)

	// The seeded key replays before the snapshot cycle completes.
	events := log.snapshot()
	if len(events) != 1 || events[0].typ != domain.EventKeyEntered {
		t.Fatalf("before ready: got %v, want the entered replay only", events)
	}

	store.fireAllReady()
	if got := log.count(domain.EventReady); got != 1 {
		t.Fatalf("ready fired %d times, want 1", got)
	}

	// An update that changes nothing needs no new ranges: ready re-fires
	// immediately and no key events accompany it.
	center := domain.GeoPoint{}
	if err := q.UpdateCriteria(geoquery.Criteria{Center: &center}); err != nil {
		t.Fatalf("UpdateCriteria: %v", err)
	}
	if got := log.count(domain.EventReady); got != 2 {
		t.Fatalf("ready fired %d times after no-op update, want 2", got)
	}
	for _, typ := range []domain.EventType{domain.EventKeyEntered, domain.EventKeyExited, domain.EventKeyMoved} {
		want := 0
		if typ == domain.EventKeyEntered {
			want = 1
		}
		if got := log.count(typ); got != want {
			t.Errorf("%s fired %d times, want %d", typ, got, want)
		}
	}
}

func TestLateReadyFromPreviousCycleIgnored(t *testing.T) {
	store := newFakeStore()
	store.manualReady = true
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)
	log := &eventLog{}
	attachAll(t, q, log)

	old := store.pendingReadySubs()
	if len(old) == 0 {
		t.Fatal("no initial subscriptions awaiting ready")
	}

	center := domain.GeoPoint{Lat: 40, Lon: 40}
	if err := q.UpdateCriteria(geoquery.Criteria{Center: &center}); err != nil {
		t.Fatalf("UpdateCriteria: %v", err)
	}

	// Snapshots of ranges from before the move no longer gate ready.
	for _, sub := range old {
		sub.fireReady()
	}
	if got := log.count(domain.EventReady); got != 0 {
		t.Fatalf("ready fired %d times off stale snapshots, want 0", got)
	}

	store.fireAllReady()
	if got := log.count(domain.EventReady); got != 1 {
		t.Fatalf("ready fired %d times, want 1", got)
	}
}

func TestCancelStopsSubscriptionsAndCallbacks(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)
	log := &eventLog{}
	attachAll(t, q, log)
	store.putPoint("alpha", 0, 0.005, nil)

	q.Cancel()
	q.Cancel()

	if got := store.openSubs(); got != 0 {
		t.Errorf("%d subscriptions still open after cancel", got)
	}
	if got := sched.activeRepeating(); got != 0 {
		t.Errorf("%d sweep timers still active after cancel", got)
	}

	before := len(log.snapshot())
	store.putPoint("bravo", 0, 0.001, nil)
	if got := len(log.snapshot()); got != before {
		t.Errorf("events fired after cancel: %v", log.snapshot()[before:])
	}

	if _, err := q.On(domain.EventKeyEntered, log.keyCallback(domain.EventKeyEntered)); !errors.Is(err, geoquery.ErrCancelled) {
		t.Errorf("On after cancel: got %v, want ErrCancelled", err)
	}
	if _, err := q.OnReady(log.readyCallback()); !errors.Is(err, geoquery.ErrCancelled) {
		t.Errorf("OnReady after cancel: got %v, want ErrCancelled", err)
	}
	center := domain.GeoPoint{Lat: 1}
	if err := q.UpdateCriteria(geoquery.Criteria{Center: &center}); !errors.Is(err, geoquery.ErrCancelled) {
		t.Errorf("UpdateCriteria after cancel: got %v, want ErrCancelled", err)
	}
}

func TestCallbackDeregistersItselfMidDispatch(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)

	first := 0
	var cancelFirst ports.CancelFunc
	cancelFirst, err := q.On(domain.EventKeyEntered, func(string, *domain.GeoPoint, *float64, json.RawMessage) {
		first++
		cancelFirst()
	})
	if err != nil {
		t.Fatalf("On: %v", err)
	}
	log := &eventLog{}
	if _, err := q.On(domain.EventKeyEntered, log.keyCallback(domain.EventKeyEntered)); err != nil {
		t.Fatalf("On: %v", err)
	}

	store.putPoint("alpha", 0, 0.001, nil)
	store.putPoint("bravo", 0, 0.002, nil)

	if first != 1 {
		t.Errorf("self-cancelling callback fired %d times, want 1", first)
	}
	if got := log.count(domain.EventKeyEntered); got != 2 {
		t.Errorf("surviving callback fired %d times, want 2", got)
	}
}

func TestCancelFromCallbackHaltsDispatch(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)

	if _, err := q.On(domain.EventKeyEntered, func(string, *domain.GeoPoint, *float64, json.RawMessage) {
		q.Cancel()
	}); err != nil {
		t.Fatalf("On: %v", err)
	}
	after := 0
	if _, err := q.On(domain.EventKeyEntered, func(string, *domain.GeoPoint, *float64, json.RawMessage) {
		after++
	}); err != nil {
		t.Fatalf("On: %v", err)
	}

	store.putPoint("alpha", 0, 0.001, nil)

	if after != 0 {
		t.Errorf("callback after the cancelling one fired %d times, want 0", after)
	}
	if got := store.openSubs(); got != 0 {
		t.Errorf("%d subscriptions open after cancel from callback", got)
	}
}

func TestDeregisteredCallbacksStaySilent(t *testing.T) {
	store := newFakeStore()
	store.manualReady = true
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)

	entered := 0
	cancelEntered, err := q.On(domain.EventKeyEntered, func(string, *domain.GeoPoint, *float64, json.RawMessage) { entered++ })
	if err != nil {
		t.Fatalf("On: %v", err)
	}
	ready := 0
	cancelReady, err := q.OnReady(func() { ready++ })
	if err != nil {
		t.Fatalf("OnReady: %v", err)
	}
	cancelEntered()
	cancelReady()

	store.putPoint("alpha", 0, 0.001, nil)
	store.fireAllReady()

	if entered != 0 || ready != 0 {
		t.Errorf("deregistered callbacks fired: entered=%d ready=%d", entered, ready)
	}
}

func TestUpdateCriteriaSweepsRegistryInOrder(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)
	log := &eventLog{}
	attachAll(t, q, log)

	store.putPoint("alpha", 0, -0.005, nil)         // in the circle
	store.putPoint("bravo", 0, 0.002, nil)          // in the circle
	store.putPoint("charlie", 0.0065, 0.0065, nil)  // tracked, ~1022m out

	center := domain.GeoPoint{Lat: 0, Lon: 0.005}
	if err := q.UpdateCriteria(geoquery.Criteria{Center: &center}); err != nil {
		t.Fatalf("UpdateCriteria: %v", err)
	}

	events := log.snapshot()
	if len(events) != 6 {
		t.Fatalf("got %d events %v, want 6", len(events), events)
	}
	if events[0].typ != domain.EventReady {
		t.Fatalf("first event %s, want ready", events[0].typ)
	}
	wantKeyEvent(t, events[1], domain.EventKeyEntered, "alpha", 0.556)
	wantKeyEvent(t, events[2], domain.EventKeyEntered, "bravo", 0.222)
	// Transitions replay in first-seen order, then ready re-fires.
	wantKeyEvent(t, events[3], domain.EventKeyExited, "alpha", 1.112)
	wantKeyEvent(t, events[4], domain.EventKeyEntered, "charlie", 0.742)
	if events[5].typ != domain.EventReady {
		t.Fatalf("last event %s, want ready", events[5].typ)
	}

	if got := q.Center(); got != center {
		t.Errorf("Center() = %v, want %v", got, center)
	}
	if got := q.Radius(); got != 1000 {
		t.Errorf("Radius() = %v, want 1000 (radius untouched by center-only update)", got)
	}
}

func TestRadiusOnlyUpdateWidensCoverage(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)
	log := &eventLog{}
	attachAll(t, q, log)

	store.putPoint("alpha", 0, 0.012, nil) // tracked, ~1334m out
	if got := log.count(domain.EventKeyEntered); got != 0 {
		t.Fatalf("entered fired %d times before the radius grew", got)
	}

	radius := 1500.0
	if err := q.UpdateCriteria(geoquery.Criteria{RadiusMeters: &radius}); err != nil {
		t.Fatalf("UpdateCriteria: %v", err)
	}

	events := log.snapshot()
	wantKeyEvent(t, events[1], domain.EventKeyEntered, "alpha", 1.334)
	if got := log.count(domain.EventReady); got != 2 {
		t.Errorf("ready fired %d times, want 2", got)
	}
	if got := log.count(domain.EventKeyMoved) + log.count(domain.EventKeyExited); got != 0 {
		t.Errorf("%d spurious moved/exited events", got)
	}
	if got, want := q.Radius(), 1500.0; got != want {
		t.Errorf("Radius() = %v, want %v", got, want)
	}
	if got := q.Center(); got != (domain.GeoPoint{}) {
		t.Errorf("Center() = %v, want origin (center untouched by radius-only update)", got)
	}

	// The periodic sweep drops the superseded narrow ranges.
	ranges, err := geohash.CoverageRanges(domain.GeoPoint{}, radius)
	if err != nil {
		t.Fatalf("CoverageRanges: %v", err)
	}
	sched.tick()
	if got, want := store.openSubs(), len(ranges); got != want {
		t.Errorf("%d subscriptions open after sweep, want %d", got, want)
	}

	// The tracked key survived the sweep.
	store.putPoint("alpha", 0, 0.0125, nil)
	if got := log.count(domain.EventKeyMoved); got != 1 {
		t.Errorf("moved fired %d times after sweep, want 1", got)
	}
}

func TestChurnSchedulesCoalescedCleanup(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	svc, err := geoquery.NewService(store, sched, geoquery.Config{MaxOpenRanges: 6})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	q, err := svc.Query(domain.GeoPoint{}, 1000)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	t.Cleanup(q.Cancel)

	crossed := false
	for lat := 10.0; lat <= 70; lat += 10 {
		center := domain.GeoPoint{Lat: lat, Lon: lat}
		if err := q.UpdateCriteria(geoquery.Criteria{Center: &center}); err != nil {
			t.Fatalf("UpdateCriteria: %v", err)
		}
		if store.openSubs() > 6 {
			crossed = true
			break
		}
	}
	if !crossed {
		t.Fatalf("open subscriptions never exceeded the threshold: %d", store.openSubs())
	}
	if got := sched.pendingOneshots(); got != 1 {
		t.Fatalf("%d cleanup timers pending, want 1", got)
	}

	// Further churn while a cleanup is pending coalesces onto it.
	last := domain.GeoPoint{Lat: -40, Lon: -40}
	if err := q.UpdateCriteria(geoquery.Criteria{Center: &last}); err != nil {
		t.Fatalf("UpdateCriteria: %v", err)
	}
	if got := sched.pendingOneshots(); got != 1 {
		t.Fatalf("%d cleanup timers pending after more churn, want 1 (coalesced)", got)
	}

	sched.fireOneshots()
	ranges, err := geohash.CoverageRanges(last, 1000)
	if err != nil {
		t.Fatalf("CoverageRanges: %v", err)
	}
	if got, want := store.openSubs(), len(ranges); got != want {
		t.Errorf("%d subscriptions open after cleanup, want %d", got, want)
	}
	if got := sched.pendingOneshots(); got != 0 {
		t.Errorf("%d cleanup timers still pending", got)
	}
}

func TestMoveAcrossRangesStaysTracked(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)
	log := &eventLog{}
	attachAll(t, q, log)

	// Both points sit meters from the center but hash into different
	// covered ranges; the store reports the move as removed+added.
	store.putPoint("alpha", 0.0001, 0.0001, nil)
	store.putPoint("alpha", 0.0001, -0.0001, nil)

	waitFor(t, "removal re-check", func() bool { return store.getCalls() >= 1 })
	time.Sleep(20 * time.Millisecond)

	if got := log.count(domain.EventKeyEntered); got != 1 {
		t.Errorf("entered fired %d times, want 1", got)
	}
	if got := log.count(domain.EventKeyMoved); got != 1 {
		t.Errorf("moved fired %d times, want 1", got)
	}
	if got := log.count(domain.EventKeyExited); got != 0 {
		t.Errorf("exited fired %d times, want 0", got)
	}
}

func TestDeletedKeyExitsWithNilLocation(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)
	log := &eventLog{}
	attachAll(t, q, log)

	store.putPoint("alpha", 0, 0.005, []byte(`{"v":1}`))
	store.Delete(context.Background(), "alpha")

	waitFor(t, "exit after delete", func() bool { return log.count(domain.EventKeyExited) == 1 })
	events := log.snapshot()
	last := events[len(events)-1]
	if last.typ != domain.EventKeyExited || last.key != "alpha" {
		t.Fatalf("last event %v, want exited alpha", last)
	}
	if last.location != nil || last.distanceKm != nil || last.document != nil {
		t.Errorf("exit for a deleted key must carry nils, got loc=%v dist=%v doc=%s", last.location, last.distanceKm, last.document)
	}
}

func TestFailedRemovalRecheckKeepsEntry(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)
	log := &eventLog{}
	attachAll(t, q, log)

	store.putPoint("alpha", 0.0001, 0.0001, nil)
	store.setGetErr(errors.New("store offline"))
	store.putPoint("alpha", 50, 50, nil)

	waitFor(t, "failed re-check", func() bool { return store.getCalls() >= 1 })
	time.Sleep(20 * time.Millisecond)

	if got := log.count(domain.EventKeyExited); got != 0 {
		t.Errorf("exited fired %d times despite the failed re-check, want 0", got)
	}
	// The retained entry still holds its last confirmed geohash, so the
	// sweep leaves it alone.
	sched.tick()
	if got := log.count(domain.EventKeyExited); got != 0 {
		t.Errorf("sweep fired %d exits, want 0", got)
	}
}

func TestOnRejectsBadRegistrations(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)

	if _, err := q.On(domain.EventReady, func(string, *domain.GeoPoint, *float64, json.RawMessage) {}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("On(ready): got %v, want ErrInvalidArgument", err)
	}
	if _, err := q.On("bogus", func(string, *domain.GeoPoint, *float64, json.RawMessage) {}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("On(bogus): got %v, want ErrInvalidArgument", err)
	}
	if _, err := q.On(domain.EventKeyEntered, nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("On(nil): got %v, want ErrInvalidArgument", err)
	}
	if _, err := q.OnReady(nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("OnReady(nil): got %v, want ErrInvalidArgument", err)
	}
}

func TestUpdateCriteriaValidation(t *testing.T) {
	store := newFakeStore()
	sched := newFakeScheduler()
	q := newTestQuery(t, store, sched, domain.GeoPoint{}, 1000)

	if err := q.UpdateCriteria(geoquery.Criteria{}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("empty criteria: got %v, want ErrInvalidArgument", err)
	}
	bad := domain.GeoPoint{Lat: 91}
	if err := q.UpdateCriteria(geoquery.Criteria{Center: &bad}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("bad center: got %v, want ErrInvalidArgument", err)
	}
	negative := -10.0
	if err := q.UpdateCriteria(geoquery.Criteria{RadiusMeters: &negative}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("negative radius: got %v, want ErrInvalidArgument", err)
	}
	nan := math.NaN()
	if err := q.UpdateCriteria(geoquery.Criteria{RadiusMeters: &nan}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("NaN radius: got %v, want ErrInvalidArgument", err)
	}
	// A failed update leaves the criteria untouched.
	if got := q.Center(); got != (domain.GeoPoint{}) {
		t.Errorf("Center() = %v after failed updates, want origin", got)
	}
	if got := q.Radius(); got != 1000 {
		t.Errorf("Radius() = %v after failed updates, want 1000", got)
	}
}
