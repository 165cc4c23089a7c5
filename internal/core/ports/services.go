package ports

import (
	"context"

	"github.com/samirrijal/geowatch/internal/core/domain"
)

// EventPublisher publishes domain events to a message broker.
type EventPublisher interface {
	PublishGeoEvent(ctx context.Context, event *domain.GeoEvent) error
	PublishLocationUpdate(ctx context.Context, write *domain.LocationWrite) error
	PublishLocationRemove(ctx context.Context, key string) error
}

// EventSubscriber subscribes to domain events from a message broker.
type EventSubscriber interface {
	SubscribeLocationUpdates(ctx context.Context, onUpdate func(ctx context.Context, write *domain.LocationWrite) error, onRemove func(ctx context.Context, key string) error) error
	SubscribeGeoEvents(ctx context.Context, handler func(ctx context.Context, event *domain.GeoEvent) error) error
}

// CacheService provides read-through caching.
type CacheService interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) error
	Delete(ctx context.Context, key string) error
}
