package usecases

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/core/geoquery"
	"github.com/samirrijal/geowatch/internal/core/ports"
)

// WatchService runs a standing live query per configured zone and publishes
// every boundary transition to the event bus. Registering the callbacks
// replays the current zone membership, so a restart re-announces who is
// inside each zone before streaming new transitions.
type WatchService struct {
	engine    Engine
	publisher ports.EventPublisher
	zones     []domain.Zone
	log       *slog.Logger

	mu      sync.Mutex
	queries []*geoquery.Query
}

// NewWatchService creates a new WatchService.
func NewWatchService(engine Engine, publisher ports.EventPublisher, zones []domain.Zone, log *slog.Logger) *WatchService {
	if log == nil {
		log = slog.Default()
	}
	return &WatchService{engine: engine, publisher: publisher, zones: zones, log: log}
}

// Start opens one live query per zone. On failure every query opened so far
// is cancelled.
func (s *WatchService) Start(ctx context.Context) error {
	for _, zone := range s.zones {
		if err := s.watch(ctx, zone); err != nil {
			s.Stop()
			return fmt.Errorf("watch zone %q: %w", zone.Name, err)
		}
	}
	return nil
}

func (s *WatchService) watch(ctx context.Context, zone domain.Zone) error {
	q, err := s.engine.Query(zone.Center, zone.RadiusMeters)
	if err != nil {
		return err
	}
	for _, typ := range []domain.EventType{domain.EventKeyEntered, domain.EventKeyExited, domain.EventKeyMoved} {
		typ := typ
		_, err := q.On(typ, func(key string, loc *domain.GeoPoint, km *float64, doc json.RawMessage) {
			s.publish(ctx, &domain.GeoEvent{
				Zone:       zone.Name,
				Type:       typ,
				Key:        key,
				Location:   loc,
				DistanceKm: km,
				Document:   doc,
				At:         time.Now().UTC(),
			})
		})
		if err != nil {
			q.Cancel()
			return err
		}
	}
	if _, err := q.OnReady(func() {
		s.publish(ctx, &domain.GeoEvent{Zone: zone.Name, Type: domain.EventReady, At: time.Now().UTC()})
	}); err != nil {
		q.Cancel()
		return err
	}

	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	return nil
}

func (s *WatchService) publish(ctx context.Context, event *domain.GeoEvent) {
	if err := s.publisher.PublishGeoEvent(ctx, event); err != nil {
		s.log.Warn("publish geo event",
			"zone", event.Zone, "type", event.Type, "key", event.Key, "error", err)
	}
}

// Stop cancels every zone query. Safe to call more than once.
func (s *WatchService) Stop() {
	s.mu.Lock()
	queries := s.queries
	s.queries = nil
	s.mu.Unlock()
	for _, q := range queries {
		q.Cancel()
	}
}
