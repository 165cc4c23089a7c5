package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	natsadapter "github.com/samirrijal/geowatch/internal/adapters/nats"
	"github.com/samirrijal/geowatch/internal/adapters/postgres"
	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/core/usecases"
	"github.com/samirrijal/geowatch/internal/pkg/config"
	"github.com/samirrijal/geowatch/internal/pkg/logging"
	"github.com/samirrijal/geowatch/internal/workflows"
)

func main() {
	cfg, err := config.Load("geowatch-alerter")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logging.Setup("alerter", logLevel, "json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Zones carry the per-zone dwell thresholds the visit workflows need.
	zones := make([]domain.Zone, 0, len(cfg.Zones))
	for _, z := range cfg.Zones {
		zones = append(zones, domain.Zone{
			Name:            z.Name,
			Center:          domain.GeoPoint{Lat: z.Lat, Lon: z.Lon},
			RadiusMeters:    z.RadiusMeters,
			DwellAlertAfter: time.Duration(z.DwellAlertAfter) * time.Second,
		})
	}
	zoneSvc, err := usecases.NewZoneService(zones)
	if err != nil {
		log.Fatalf("zones: %v", err)
	}

	db, err := postgres.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	pub, err := natsadapter.NewPublisher(cfg.NATS.URL)
	if err != nil {
		log.Fatalf("nats: %v", err)
	}
	defer pub.Close()

	// Connect to Temporal
	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		log.Fatalf("temporal client: %v", err)
	}
	defer c.Close()

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})

	// Register workflow & activities
	w.RegisterWorkflow(workflows.VisitWorkflow)
	w.RegisterActivity(&workflows.VisitActivities{
		Visits:    postgres.NewVisitRepo(db),
		Publisher: pub,
	})

	// Zone events drive the workflows: entered opens (or re-signals) the
	// visit for that (zone, key), exited closes it. Everything else on the
	// stream is acked untouched.
	sub, err := natsadapter.NewSubscriber(cfg.NATS.URL)
	if err != nil {
		log.Fatalf("nats subscriber: %v", err)
	}
	defer sub.Close()

	handler := func(ctx context.Context, event *domain.GeoEvent) error {
		workflowID := workflows.VisitWorkflowID(event.Zone, event.Key)
		switch event.Type {
		case domain.EventKeyEntered:
			var dwell time.Duration
			if zone := zoneSvc.Get(event.Zone); zone != nil {
				dwell = zone.DwellAlertAfter
			}
			_, err := c.SignalWithStartWorkflow(ctx, workflowID,
				workflows.ReEnterSignal, nil,
				client.StartWorkflowOptions{
					ID:        workflowID,
					TaskQueue: cfg.Temporal.TaskQueue,
				},
				workflows.VisitWorkflow,
				workflows.VisitInput{
					Zone:            event.Zone,
					Key:             event.Key,
					EnteredAt:       event.At,
					DwellAlertAfter: dwell,
				},
			)
			return err
		case domain.EventKeyExited:
			err := c.SignalWorkflow(ctx, workflowID, "",
				workflows.ExitSignal, workflows.ExitPayload{ExitedAt: event.At})
			var notFound *serviceerror.NotFound
			if errors.As(err, &notFound) {
				// No open visit to close; the exit is older than the worker.
				slog.Debug("exit without open visit", "zone", event.Zone, "key", event.Key)
				return nil
			}
			return err
		default:
			return nil
		}
	}

	if err := sub.SubscribeGeoEvents(ctx, handler); err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	slog.Info("alerter worker started", "task_queue", cfg.Temporal.TaskQueue, "zones", len(zones))
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatalf("worker: %v", err)
	}
}
