package workflows

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/core/ports"
)

// VisitActivities holds the activity implementations for the visit workflow.
type VisitActivities struct {
	Visits    ports.VisitRepository
	Publisher ports.EventPublisher
}

// RecordVisitStart opens the visit row. Retries re-run it with the same id,
// which the repository treats as already written.
func (a *VisitActivities) RecordVisitStart(ctx context.Context, visitID string, input VisitInput) error {
	visit := &domain.Visit{
		ID:        visitID,
		Zone:      input.Zone,
		Key:       input.Key,
		EnteredAt: input.EnteredAt,
	}
	if err := a.Visits.Create(ctx, visit); err != nil {
		return fmt.Errorf("create visit %s: %w", visitID, err)
	}
	return nil
}

// PublishDwellAlert marks the visit alerted and publishes the alert event.
func (a *VisitActivities) PublishDwellAlert(ctx context.Context, visitID string, input VisitInput) error {
	if err := a.Visits.MarkDwellAlerted(ctx, visitID); err != nil {
		return fmt.Errorf("mark visit %s alerted: %w", visitID, err)
	}
	event := &domain.GeoEvent{
		Zone: input.Zone,
		Type: domain.EventDwellAlert,
		Key:  input.Key,
		At:   time.Now().UTC(),
	}
	if err := a.Publisher.PublishGeoEvent(ctx, event); err != nil {
		return fmt.Errorf("publish dwell alert: %w", err)
	}
	return nil
}

// RecordVisitEnd closes the open visit. A missing open visit is not an
// error: the exit may belong to a visit the start activity never recorded.
func (a *VisitActivities) RecordVisitEnd(ctx context.Context, zone, key string, exitedAt time.Time) error {
	visit, err := a.Visits.CloseOpen(ctx, zone, key, exitedAt)
	if err != nil {
		return fmt.Errorf("close visit %s/%s: %w", zone, key, err)
	}
	if visit == nil {
		log.Printf("no open visit to close: zone=%s key=%s", zone, key)
	}
	return nil
}
