package usecases

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/core/geoquery"
	"github.com/samirrijal/geowatch/internal/core/ports"
)

// Engine is the geoquery surface the services in this package build on.
// *geoquery.Service satisfies it.
type Engine interface {
	Query(center domain.GeoPoint, radiusMeters float64) (*geoquery.Query, error)
	Set(ctx context.Context, key string, location domain.GeoPoint, document json.RawMessage) error
	SetMany(ctx context.Context, writes []domain.LocationWrite) error
	RemoveMany(ctx context.Context, keys []string) error
	Get(ctx context.Context, key string) (*domain.Location, error)
	Remove(ctx context.Context, key string) error
	FindNearby(ctx context.Context, center domain.GeoPoint, radiusMeters float64, limit int) ([]domain.Location, error)
}

// LocationService handles location reads and writes around the query engine.
type LocationService struct {
	engine Engine
	cache  ports.CacheService
}

// NewLocationService creates a new LocationService. cache may be nil.
func NewLocationService(engine Engine, cache ports.CacheService) *LocationService {
	return &LocationService{engine: engine, cache: cache}
}

// Set writes a single location and drops its cached read.
func (s *LocationService) Set(ctx context.Context, key string, location domain.GeoPoint, document json.RawMessage) error {
	if err := s.engine.Set(ctx, key, location, document); err != nil {
		return err
	}
	s.invalidate(ctx, key)
	return nil
}

// SetMany writes a batch of locations atomically.
func (s *LocationService) SetMany(ctx context.Context, writes []domain.LocationWrite) error {
	if err := s.engine.SetMany(ctx, writes); err != nil {
		return err
	}
	for _, w := range writes {
		s.invalidate(ctx, w.Key)
	}
	return nil
}

// Get returns a single location, or nil when the key is absent.
func (s *LocationService) Get(ctx context.Context, key string) (*domain.Location, error) {
	cacheKey := "locations:key:" + key
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, cacheKey); err == nil {
			var loc domain.Location
			if err := json.Unmarshal(data, &loc); err == nil {
				return &loc, nil
			}
		}
	}

	loc, err := s.engine.Get(ctx, key)
	if err != nil || loc == nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(loc); err == nil {
			_ = s.cache.Set(ctx, cacheKey, data, 30)
		}
	}
	return loc, nil
}

// Remove deletes a single location. Removing an absent key is not an error.
func (s *LocationService) Remove(ctx context.Context, key string) error {
	if err := s.engine.Remove(ctx, key); err != nil {
		return err
	}
	s.invalidate(ctx, key)
	return nil
}

// RemoveMany deletes a batch of keys atomically.
func (s *LocationService) RemoveMany(ctx context.Context, keys []string) error {
	if err := s.engine.RemoveMany(ctx, keys); err != nil {
		return err
	}
	for _, key := range keys {
		s.invalidate(ctx, key)
	}
	return nil
}

// FindNearby returns locations within radiusMeters of center, nearest first.
func (s *LocationService) FindNearby(ctx context.Context, center domain.GeoPoint, radiusMeters float64, limit int) ([]domain.Location, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	// Try cache. Results are live data, so the TTL is short.
	cacheKey := fmt.Sprintf("locations:nearby:%.4f:%.4f:%.0f:%d", center.Lat, center.Lon, radiusMeters, limit)
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, cacheKey); err == nil {
			var locations []domain.Location
			if err := json.Unmarshal(data, &locations); err == nil {
				return locations, nil
			}
		}
	}

	locations, err := s.engine.FindNearby(ctx, center, radiusMeters, limit)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(locations); err == nil {
			_ = s.cache.Set(ctx, cacheKey, data, 5)
		}
	}
	return locations, nil
}

// Query opens a live radius query on the underlying engine.
func (s *LocationService) Query(center domain.GeoPoint, radiusMeters float64) (*geoquery.Query, error) {
	return s.engine.Query(center, radiusMeters)
}

func (s *LocationService) invalidate(ctx context.Context, key string) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, "locations:key:"+key)
	}
}
