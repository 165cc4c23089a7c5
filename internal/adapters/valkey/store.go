package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/core/ports"
	"github.com/samirrijal/geowatch/internal/pkg/metrics"
)

const (
	locationsKey  = "geo:locations" // hash: field = key, value = storedRecord JSON
	indexKey      = "geo:index"     // zset at score 0: member = geohash + "#" + key
	changeChannel = "geo:changes"   // pub/sub: {"op":"put"|"del","key":...,"geohash":...}
)

// putScript atomically rewrites the record, moves its index member and
// publishes the change. The old index member is looked up from the previous
// record so a moved key never leaves a stale entry behind.
var putScript = valkey.NewLuaScript(`
local prev = redis.call('HGET', KEYS[1], ARGV[1])
if prev then
  local old = cjson.decode(prev)
  redis.call('ZREM', KEYS[2], old['g'] .. '#' .. ARGV[1])
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[2], 0, ARGV[2] .. '#' .. ARGV[1])
redis.call('PUBLISH', KEYS[3], ARGV[4])
return 1
`)

var delScript = valkey.NewLuaScript(`
local prev = redis.call('HGET', KEYS[1], ARGV[1])
if not prev then
  return 0
end
local old = cjson.decode(prev)
redis.call('ZREM', KEYS[2], old['g'] .. '#' .. ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('PUBLISH', KEYS[3], ARGV[2])
return 1
`)

// storedRecord is the value kept per key in the locations hash.
type storedRecord struct {
	Geohash  string          `json:"g"`
	Loc      [2]float64      `json:"l"` // [lat, lon]
	Document json.RawMessage `json:"d,omitempty"`
}

type changeMessage struct {
	Op      string `json:"op"`
	Key     string `json:"key"`
	Geohash string `json:"geohash,omitempty"`
}

// LocationStore implements ports.LocationStore on Valkey. The geohash order
// the range subscriptions need comes from a lexicographic sorted set whose
// members prefix the key with its geohash; writes go through Lua so record,
// index and change notification stay consistent per key.
type LocationStore struct {
	client valkey.Client

	mu        sync.Mutex
	subs      map[int64]*rangeSub
	nextID    int64
	listening bool
	stop      context.CancelFunc
	done      chan struct{}
}

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

// NewLocationStore creates a new LocationStore with its own client.
func NewLocationStore(addr string) (*LocationStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect: %w", err)
	}
	return &LocationStore{client: client, subs: make(map[int64]*rangeSub)}, nil
}

// Client exposes the underlying connection so the cache can share it.
func (s *LocationStore) Client() valkey.Client {
	return s.client
}

// Get returns the current snapshot for key, or nil when absent.
func (s *LocationStore) Get(ctx context.Context, key string) (*ports.LocationSnapshot, error) {
	data, err := s.client.Do(ctx, s.client.B().Hget().Key(locationsKey).Field(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeSnapshot(key, data)
}

// Put inserts or updates a single location.
func (s *LocationStore) Put(ctx context.Context, key string, rec ports.Record) error {
	recJSON, err := json.Marshal(storedRecord{
		Geohash:  rec.Geohash,
		Loc:      [2]float64{rec.Location.Lat, rec.Location.Lon},
		Document: rec.Document,
	})
	if err != nil {
		return err
	}
	note, err := json.Marshal(changeMessage{Op: "put", Key: key, Geohash: rec.Geohash})
	if err != nil {
		return err
	}
	return putScript.Exec(ctx, s.client,
		[]string{locationsKey, indexKey, changeChannel},
		[]string{key, rec.Geohash, string(recJSON), string(note)},
	).Error()
}

// Delete removes a single location. Deleting an absent key is not an error.
func (s *LocationStore) Delete(ctx context.Context, key string) error {
	note, err := json.Marshal(changeMessage{Op: "del", Key: key})
	if err != nil {
		return err
	}
	return delScript.Exec(ctx, s.client,
		[]string{locationsKey, indexKey, changeChannel},
		[]string{key, string(note)},
	).Error()
}

// BatchWrite applies ops in order. Each op is atomic on its own; there is no
// cross-key transaction here.
func (s *LocationStore) BatchWrite(ctx context.Context, ops []ports.WriteOp) error {
	for _, op := range ops {
		if op.Record != nil {
			if err := s.Put(ctx, op.Key, *op.Record); err != nil {
				return fmt.Errorf("batch put %s: %w", op.Key, err)
			}
		} else if err := s.Delete(ctx, op.Key); err != nil {
			return fmt.Errorf("batch delete %s: %w", op.Key, err)
		}
	}
	return nil
}

// SubscribeRange registers the subscription before its initial scan so
// changes racing the scan are not lost; the engine tolerates the duplicates
// this can produce.
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
			continue // a pub/sub message beat the scan to this key
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

// Close stops the change-feed listener and releases the client.
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
	s.client.Close()
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
			slog.Warn("valkey: location change feed dropped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// listenOnce subscribes on a dedicated connection, then rescans every open
// range: messages published while the feed was down are gone, and the
// subscribe-before-resync order means nothing slips between the two.
func (s *LocationStore) listenOnce(ctx context.Context) error {
	dc, release := s.client.Dedicate()
	defer release()

	wait := dc.SetPubSubHooks(valkey.PubSubHooks{
		OnMessage: func(m valkey.PubSubMessage) {
			s.handleMessage(ctx, m.Message)
		},
	})
	if err := dc.Do(ctx, dc.B().Subscribe().Channel(changeChannel).Build()).Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", changeChannel, err)
	}
	if err := s.resyncAll(ctx); err != nil {
		return fmt.Errorf("resync: %w", err)
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *LocationStore) handleMessage(ctx context.Context, payload string) {
	var m changeMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		slog.Warn("valkey: bad location change message", "payload", payload, "error", err)
		return
	}
	metrics.StoreChangeNotifications.WithLabelValues("valkey").Inc()
	switch m.Op {
	case "put":
		s.handlePut(ctx, m)
	case "del":
		s.handleRemove(m.Key)
	default:
		slog.Warn("valkey: unknown location change op", "op", m.Op)
	}
}

// handlePut re-reads the record when any subscription's range contains the
// published geohash; routing then follows the re-read geohash, which may be
// fresher than the message.
func (s *LocationStore) handlePut(ctx context.Context, m changeMessage) {
	s.mu.Lock()
	needRow := false
	for _, sub := range s.subs {
		if m.Geohash >= sub.start && m.Geohash <= sub.end {
			needRow = true
			break
		}
	}
	s.mu.Unlock()

	var snap *ports.LocationSnapshot
	if needRow {
		var err error
		snap, err = s.Get(ctx, m.Key)
		if err != nil {
			slog.Warn("valkey: re-read changed location", "key", m.Key, "error", err)
			return
		}
	}

	s.mu.Lock()
	var out []delivery
	for _, sub := range s.subs {
		_, knows := sub.known[m.Key]
		inRange := snap != nil && snap.Geohash >= sub.start && snap.Geohash <= sub.end
		switch {
		case inRange && knows:
			out = append(out, delivery{sub.onChange, ports.Change{Kind: ports.ChangeModified, Snapshot: *snap}})
		case inRange:
			sub.known[m.Key] = struct{}{}
			out = append(out, delivery{sub.onChange, ports.Change{Kind: ports.ChangeAdded, Snapshot: *snap}})
		case knows:
			delete(sub.known, m.Key)
			out = append(out, delivery{sub.onChange, ports.Change{Kind: ports.ChangeRemoved, Snapshot: ports.LocationSnapshot{Key: m.Key}}})
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

// scanRange reads the index members in [start, end] and fetches their
// records in one HMGET. Members deleted between the two reads are skipped;
// their delete message handles them.
func (s *LocationStore) scanRange(ctx context.Context, start, end string) ([]ports.LocationSnapshot, error) {
	// The end bound is inclusive for the hash itself. '#' sorts below the
	// hash alphabet, so members for a hash equal to end sit below end+"$"
	// while any longer hash sits above it.
	members, err := s.client.Do(ctx,
		s.client.B().Zrangebylex().Key(indexKey).Min("["+start).Max("("+end+"$").Build(),
	).AsStrSlice()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(members))
	for _, member := range members {
		// The geohash alphabet has no '#', so the first one ends it.
		i := strings.IndexByte(member, '#')
		if i < 0 {
			continue
		}
		keys = append(keys, member[i+1:])
	}

	vals, err := s.client.Do(ctx,
		s.client.B().Hmget().Key(locationsKey).Field(keys...).Build(),
	).ToArray()
	if err != nil {
		return nil, err
	}

	snaps := make([]ports.LocationSnapshot, 0, len(vals))
	for i, v := range vals {
		data, err := v.AsBytes()
		if err != nil {
			continue
		}
		snap, err := decodeSnapshot(keys[i], data)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, nil
}

func decodeSnapshot(key string, data []byte) (*ports.LocationSnapshot, error) {
	var rec storedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &ports.LocationSnapshot{
		Key:      key,
		Geohash:  rec.Geohash,
		Location: domain.GeoPoint{Lat: rec.Loc[0], Lon: rec.Loc[1]},
		Document: rec.Document,
	}, nil
}
