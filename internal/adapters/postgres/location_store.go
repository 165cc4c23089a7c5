package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/samirrijal/geowatch/internal/core/ports"
	"github.com/samirrijal/geowatch/internal/pkg/metrics"
)

// notifyChannel carries row-level change notifications emitted by the
// locations_notify trigger (migrations/001_locations.sql). Payloads are
// json_build_object('op', 'put'|'del', 'key', ..., 'geohash', ...).
const notifyChannel = "geo_locations"

const upsertLocationSQL = `
	INSERT INTO locations (key, geohash, lat, lon, document, updated_at)
	VALUES ($1, $2, $3, $4, $5, now())
	ON CONFLICT (key) DO UPDATE
	SET geohash = EXCLUDED.geohash, lat = EXCLUDED.lat, lon = EXCLUDED.lon,
	    document = EXCLUDED.document, updated_at = now()
`

const deleteLocationSQL = `DELETE FROM locations WHERE key = $1`

const selectLocationSQL = `
	SELECT key, geohash, lat, lon, document
	FROM locations
	WHERE key = $1
`

const scanRangeSQL = `
	SELECT key, geohash, lat, lon, document
	FROM locations
	WHERE geohash >= $1 AND geohash <= $2
	ORDER BY geohash
`

// LocationStore implements ports.LocationStore with pgx. Range subscriptions
// are served by one shared LISTEN connection: the trigger publishes (op, key,
// geohash) per row change, the listener re-reads changed rows through the
// pool and fans the change out to every subscription whose range it touches.
type LocationStore struct {
	db *DB

	mu        sync.Mutex
	subs      map[int64]*rangeSub
	nextID    int64
	listening bool
	stop      context.CancelFunc
	done      chan struct{}
}

// rangeSub tracks one subscription's own view of its range. known carries
// the keys the subscriber has been told about, so a geohash leaving the
// range surfaces as removed and a reconnect resync can diff instead of
// replaying blind.
type rangeSub struct {
	id       int64
	start    string
	end      string
	onChange ports.ChangeFunc
	known    map[string]struct{}
}

type delivery struct {
	fn     ports.ChangeFunc
	change ports.Change
}

type notifyPayload struct {
	Op      string `json:"op"`
	Key     string `json:"key"`
	Geohash string `json:"geohash"`
}

// NewLocationStore creates a new LocationStore. The listener connection is
// acquired lazily on the first SubscribeRange call.
func NewLocationStore(db *DB) *LocationStore {
	return &LocationStore{db: db, subs: make(map[int64]*rangeSub)}
}

// Get returns the current snapshot for key, or nil when absent.
func (s *LocationStore) Get(ctx context.Context, key string) (*ports.LocationSnapshot, error) {
	var snap ports.LocationSnapshot
	var doc []byte
	err := s.db.Pool.QueryRow(ctx, selectLocationSQL, key).
		Scan(&snap.Key, &snap.Geohash, &snap.Location.Lat, &snap.Location.Lon, &doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.Document = doc
	return &snap, nil
}

// Put inserts or updates a single location.
func (s *LocationStore) Put(ctx context.Context, key string, rec ports.Record) error {
	_, err := s.db.Pool.Exec(ctx, upsertLocationSQL,
		key, rec.Geohash, rec.Location.Lat, rec.Location.Lon, docArg(rec.Document))
	return err
}

// Delete removes a single location. Deleting an absent key is not an error.
func (s *LocationStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.Pool.Exec(ctx, deleteLocationSQL, key)
	return err
}

// BatchWrite applies ops in order inside one transaction.
func (s *LocationStore) BatchWrite(ctx context.Context, ops []ports.WriteOp) error {
	if len(ops) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, op := range ops {
		if op.Record != nil {
			batch.Queue(upsertLocationSQL,
				op.Key, op.Record.Geohash, op.Record.Location.Lat, op.Record.Location.Lon, docArg(op.Record.Document))
		} else {
			batch.Queue(deleteLocationSQL, op.Key)
		}
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	for range ops {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch exec: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("batch close: %w", err)
	}
	return tx.Commit(ctx)
}

// SubscribeRange registers the subscription before its initial scan so
// notifications racing the scan are not lost; the engine tolerates the
// duplicates this can produce.
func (s *LocationStore) SubscribeRange(ctx context.Context, start, end string, onChange ports.ChangeFunc, onReady ports.ReadyFunc) (ports.CancelFunc, error) {
	if onChange == nil || onReady == nil {
		return nil, fmt.Errorf("onChange and onReady are required")
	}
	s.ensureListener()

	sub := &rangeSub{start: start, end: end, onChange: onChange, known: make(map[string]struct{})}
	s.mu.Lock()
	s.nextID++
	sub.id = s.nextID
	s.subs[sub.id] = sub
	s.mu.Unlock()

	snaps, err := s.scanRange(ctx, start, end)
	if err != nil {
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	var out []ports.Change
	for _, snap := range snaps {
		if _, ok := sub.known[snap.Key]; ok {
			continue // a notification beat the scan to this key
		}
		sub.known[snap.Key] = struct{}{}
		out = append(out, ports.Change{Kind: ports.ChangeAdded, Snapshot: snap})
	}
	s.mu.Unlock()

	for _, c := range out {
		onChange(c)
	}
	onReady()

	return func() {
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()
	}, nil
}

// Close stops the change-feed listener. Open subscriptions stop receiving
// changes; cancel them first.
func (s *LocationStore) Close() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.listening = false
	s.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

func (s *LocationStore) ensureListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listening {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.listening = true
	s.stop = cancel
	s.done = make(chan struct{})
	go s.listen(ctx, s.done)
}

func (s *LocationStore) listen(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if err := s.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("postgres: location change feed dropped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *LocationStore) listenOnce(ctx context.Context) error {
	conn, err := s.db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	// Changes that happened while the feed was down are invisible to
	// LISTEN; rescan every open range to catch up.
	if err := s.resyncAll(ctx); err != nil {
		return fmt.Errorf("resync: %w", err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.handleNotification(ctx, n.Payload)
	}
}

func (s *LocationStore) handleNotification(ctx context.Context, payload string) {
	var n notifyPayload
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		slog.Warn("postgres: bad location notification", "payload", payload, "error", err)
		return
	}
	metrics.StoreChangeNotifications.WithLabelValues("postgres").Inc()
	switch n.Op {
	case "put":
		s.handlePut(ctx, n)
	case "del":
		s.handleRemove(n.Key)
	default:
		slog.Warn("postgres: unknown location notification op", "op", n.Op)
	}
}

// handlePut re-reads the row when any subscription's range contains the
// notified geohash; routing then follows the re-read geohash, which may be
// fresher than the payload. A nil re-read means the row was deleted in the
// meantime and the delete notification will confirm it; knowers are told now.
func (s *LocationStore) handlePut(ctx context.Context, n notifyPayload) {
	s.mu.Lock()
	needRow := false
	for _, sub := range s.subs {
		if n.Geohash >= sub.start && n.Geohash <= sub.end {
			needRow = true
			break
		}
	}
	s.mu.Unlock()

	var snap *ports.LocationSnapshot
	if needRow {
		var err error
		snap, err = s.Get(ctx, n.Key)
		if err != nil {
			// Skipping is safe: the next notification or reconnect
			// resync delivers the current state.
			slog.Warn("postgres: re-read notified location", "key", n.Key, "error", err)
			return
		}
	}

	s.mu.Lock()
	var out []delivery
	for _, sub := range s.subs {
		_, knows := sub.known[n.Key]
		inRange := snap != nil && snap.Geohash >= sub.start && snap.Geohash <= sub.end
		switch {
		case inRange && knows:
			out = append(out, delivery{sub.onChange, ports.Change{Kind: ports.ChangeModified, Snapshot: *snap}})
		case inRange:
			sub.known[n.Key] = struct{}{}
			out = append(out, delivery{sub.onChange, ports.Change{Kind: ports.ChangeAdded, Snapshot: *snap}})
		case knows:
			delete(sub.known, n.Key)
			out = append(out, delivery{sub.onChange, ports.Change{Kind: ports.ChangeRemoved, Snapshot: ports.LocationSnapshot{Key: n.Key}}})
		}
	}
	s.mu.Unlock()

	for _, d := range out {
		d.fn(d.change)
	}
}

func (s *LocationStore) handleRemove(key string) {
	s.mu.Lock()
	var out []delivery
	for _, sub := range s.subs {
		if _, knows := sub.known[key]; !knows {
			continue
		}
		delete(sub.known, key)
		out = append(out, delivery{sub.onChange, ports.Change{Kind: ports.ChangeRemoved, Snapshot: ports.LocationSnapshot{Key: key}}})
	}
	s.mu.Unlock()

	for _, d := range out {
		d.fn(d.change)
	}
}

func (s *LocationStore) resyncAll(ctx context.Context) error {
	s.mu.Lock()
	subs := make([]*rangeSub, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if err := s.resyncSub(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

// resyncSub diffs the subscription's known set against a fresh range scan:
// current rows go out as added or modified, vanished keys as removed.
func (s *LocationStore) resyncSub(ctx context.Context, sub *rangeSub) error {
	snaps, err := s.scanRange(ctx, sub.start, sub.end)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, live := s.subs[sub.id]; !live {
		s.mu.Unlock()
		return nil
	}
	seen := make(map[string]struct{}, len(snaps))
	var out []delivery
	for _, snap := range snaps {
		seen[snap.Key] = struct{}{}
		if _, knows := sub.known[snap.Key]; knows {
			out = append(out, delivery{sub.onChange, ports.Change{Kind: ports.ChangeModified, Snapshot: snap}})
		} else {
			sub.known[snap.Key] = struct{}{}
			out = append(out, delivery{sub.onChange, ports.Change{Kind: ports.ChangeAdded, Snapshot: snap}})
		}
	}
	for key := range sub.known {
		if _, ok := seen[key]; !ok {
			delete(sub.known, key)
			out = append(out, delivery{sub.onChange, ports.Change{Kind: ports.ChangeRemoved, Snapshot: ports.LocationSnapshot{Key: key}}})
		}
	}
	s.mu.Unlock()

	for _, d := range out {
		d.fn(d.change)
	}
	return nil
}

func (s *LocationStore) scanRange(ctx context.Context, start, end string) ([]ports.LocationSnapshot, error) {
	rows, err := s.db.Pool.Query(ctx, scanRangeSQL, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []ports.LocationSnapshot
	for rows.Next() {
		var snap ports.LocationSnapshot
		var doc []byte
		if err := rows.Scan(&snap.Key, &snap.Geohash, &snap.Location.Lat, &snap.Location.Lon, &doc); err != nil {
			return nil, err
		}
		snap.Document = doc
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func docArg(doc json.RawMessage) interface{} {
	if len(doc) == 0 {
		return nil
	}
	return []byte(doc)
}
