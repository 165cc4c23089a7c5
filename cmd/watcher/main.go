package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	natsadapter "github.com/samirrijal/geowatch/internal/adapters/nats"
	"github.com/samirrijal/geowatch/internal/adapters/postgres"
	"github.com/samirrijal/geowatch/internal/adapters/valkey"
	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/core/geoquery"
	"github.com/samirrijal/geowatch/internal/core/ports"
	"github.com/samirrijal/geowatch/internal/core/usecases"
	"github.com/samirrijal/geowatch/internal/pkg/config"
	"github.com/samirrijal/geowatch/internal/pkg/logging"
	"github.com/samirrijal/geowatch/internal/pkg/metrics"
	"github.com/samirrijal/geowatch/internal/pkg/sched"
)

func main() {
	cfg, err := config.Load("geowatch-watcher")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logging.Setup("watcher", logLevel, "json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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
	if len(zones) == 0 {
		log.Fatal("no zones configured; the watcher has nothing to watch")
	}

	// Location store, per configured backend
	var store ports.LocationStore
	switch cfg.Store.Backend {
	case "valkey":
		vs, err := valkey.NewLocationStore(cfg.Valkey.Addr)
		if err != nil {
			log.Fatalf("valkey store: %v", err)
		}
		defer vs.Close()
		store = vs
	default:
		db, err := postgres.New(ctx, cfg.Database.DSN())
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer db.Close()
		ps := postgres.NewLocationStore(db)
		defer ps.Close()
		store = ps
	}

	engine, err := geoquery.NewService(store, sched.New(), geoquery.Config{
		Precision:       cfg.Engine.Precision,
		CleanupInterval: time.Duration(cfg.Engine.CleanupInterval) * time.Second,
		MaxOpenRanges:   cfg.Engine.MaxOpenRanges,
		CleanupDelay:    time.Duration(cfg.Engine.CleanupDelayMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("query engine: %v", err)
	}

	pub, err := natsadapter.NewPublisher(cfg.NATS.URL)
	if err != nil {
		log.Fatalf("nats: %v", err)
	}
	defer pub.Close()

	watch := usecases.NewWatchService(engine, pub, zoneSvc.List(), slog.Default())
	if err := watch.Start(ctx); err != nil {
		log.Fatalf("watch: %v", err)
	}
	defer watch.Stop()

	// Health + metrics endpoint
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/v1/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": "watcher", "zones": len(zones)})
	})
	app.Get("/metrics", metrics.Handler())
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}()

	slog.Info("watcher started", "backend", cfg.Store.Backend, "zones", len(zones))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down watcher", "signal", sig.String())
	watch.Stop()
	cancel()
	_ = app.Shutdown()
}
