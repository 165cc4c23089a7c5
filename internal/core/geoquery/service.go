// Package geoquery implements live, radius-bounded geospatial queries over a
// keyed location store. A query converts its circle into a covering set of
// geohash ranges, subscribes to each range on the store, and streams
// key_entered/key_exited/key_moved/ready events as locations and criteria
// change. The package also carries the write-side API that persists
// locations in the geohash-ordered record layout the queries depend on.
package geoquery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/core/ports"
	"github.com/samirrijal/geowatch/internal/pkg/geohash"
)

const (
	defaultCleanupInterval = 10 * time.Second
	defaultMaxOpenRanges   = 25
	defaultCleanupDelay    = 10 * time.Millisecond
)

// Config tunes the engine. Zero values take the production defaults.
type Config struct {
	// Precision is the stored geohash length in characters.
	Precision int
	// CleanupInterval is the period of the stale-range sweep.
	CleanupInterval time.Duration
	// MaxOpenRanges is the open-subscription count above which a query
	// schedules an immediate cleanup instead of waiting for the sweep.
	MaxOpenRanges int
	// CleanupDelay is the delay of that immediate cleanup.
	CleanupDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Precision == 0 {
		c.Precision = geohash.DefaultPrecision
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	if c.MaxOpenRanges == 0 {
		c.MaxOpenRanges = defaultMaxOpenRanges
	}
	if c.CleanupDelay == 0 {
		c.CleanupDelay = defaultCleanupDelay
	}
	return c
}

// Service is the entry point for live queries and location writes against
// one store.
type Service struct {
	store     ports.LocationStore
	scheduler ports.Scheduler
	cfg       Config
}

// NewService validates the configuration and returns a ready service.
func NewService(store ports.LocationStore, scheduler ports.Scheduler, cfg Config) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", domain.ErrInvalidArgument)
	}
	if scheduler == nil {
		return nil, fmt.Errorf("%w: scheduler is required", domain.ErrInvalidArgument)
	}
	cfg = cfg.withDefaults()
	if err := geohash.ValidatePrecision(cfg.Precision); err != nil {
		return nil, err
	}
	return &Service{store: store, scheduler: scheduler, cfg: cfg}, nil
}

// Query opens a live radius query and subscribes its initial coverage.
func (s *Service) Query(center domain.GeoPoint, radiusMeters float64) (*Query, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if err := domain.ValidateRadius(radiusMeters); err != nil {
		return nil, err
	}
	return newQuery(s, center, radiusMeters)
}

// Set writes a single location. The geohash is encoded at the configured
// precision and doubles as the store's order key.
func (s *Service) Set(ctx context.Context, key string, location domain.GeoPoint, document json.RawMessage) error {
	if err := domain.ValidateKey(key); err != nil {
		return err
	}
	if err := location.Validate(); err != nil {
		return err
	}
	h, err := geohash.Encode(location, s.cfg.Precision)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, key, ports.Record{Geohash: h, Location: location, Document: document})
}

// SetMany writes a batch of locations in one store call. Every entry is
// validated before anything is written.
func (s *Service) SetMany(ctx context.Context, writes []domain.LocationWrite) error {
	if len(writes) == 0 {
		return nil
	}
	ops := make([]ports.WriteOp, 0, len(writes))
	for _, w := range writes {
		if err := domain.ValidateKey(w.Key); err != nil {
			return err
		}
		if err := w.Location.Validate(); err != nil {
			return err
		}
		h, err := geohash.Encode(w.Location, s.cfg.Precision)
		if err != nil {
			return err
		}
		ops = append(ops, ports.WriteOp{Key: w.Key, Record: &ports.Record{Geohash: h, Location: w.Location, Document: w.Document}})
	}
	return s.store.BatchWrite(ctx, ops)
}

// RemoveMany deletes a batch of keys in one store call.
func (s *Service) RemoveMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ops := make([]ports.WriteOp, 0, len(keys))
	for _, key := range keys {
		if err := domain.ValidateKey(key); err != nil {
			return err
		}
		ops = append(ops, ports.WriteOp{Key: key})
	}
	return s.store.BatchWrite(ctx, ops)
}

// Get reads one location, or nil when the key is absent.
func (s *Service) Get(ctx context.Context, key string) (*domain.Location, error) {
	if err := domain.ValidateKey(key); err != nil {
		return nil, err
	}
	snap, err := s.store.Get(ctx, key)
	if err != nil || snap == nil {
		return nil, err
	}
	return &domain.Location{Key: snap.Key, Location: snap.Location, Geohash: snap.Geohash, Document: snap.Document}, nil
}

// Remove deletes one location. Removing an absent key is not an error.
func (s *Service) Remove(ctx context.Context, key string) error {
	if err := domain.ValidateKey(key); err != nil {
		return err
	}
	return s.store.Delete(ctx, key)
}

// FindNearby runs a one-shot radius query: it opens a live query, waits for
// the initial snapshot (bounded by ctx), harvests the in-query set and
// cancels. Results are sorted by distance; limit <= 0 means unlimited.
func (s *Service) FindNearby(ctx context.Context, center domain.GeoPoint, radiusMeters float64, limit int) ([]domain.Location, error) {
	q, err := s.Query(center, radiusMeters)
	if err != nil {
		return nil, err
	}
	defer q.Cancel()

	ready := make(chan struct{})
	var once sync.Once
	cancelReady, err := q.OnReady(func() {
		once.Do(func() { close(ready) })
	})
	if err != nil {
		return nil, err
	}
	defer cancelReady()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var mu sync.Mutex
	found := make(map[string]domain.Location)
	cancelEntered, err := q.On(domain.EventKeyEntered, func(key string, loc *domain.GeoPoint, distKm *float64, doc json.RawMessage) {
		mu.Lock()
		found[key] = domain.Location{Key: key, Location: *loc, Document: doc, DistanceKm: distKm}
		mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	cancelEntered()

	mu.Lock()
	results := make([]domain.Location, 0, len(found))
	for _, l := range found {
		results = append(results, l)
	}
	mu.Unlock()
	sort.Slice(results, func(i, j int) bool {
		if *results[i].DistanceKm != *results[j].DistanceKm {
			return *results[i].DistanceKm < *results[j].DistanceKm
		}
		return results[i].Key < results[j].Key
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
