package main

import (
	"context"
	"errors"
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
	cfg, err := config.Load("geowatch-ingestor")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logging.Setup("ingestor", logLevel, "json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Location store, per configured backend
	var (
		store ports.LocationStore
		cache *valkey.Cache
	)
	switch cfg.Store.Backend {
	case "valkey":
		vs, err := valkey.NewLocationStore(cfg.Valkey.Addr)
		if err != nil {
			log.Fatalf("valkey store: %v", err)
		}
		defer vs.Close()
		store = vs
		cache = valkey.NewFromClient(vs.Client())
	default:
		db, err := postgres.New(ctx, cfg.Database.DSN())
		if err != nil {
			log.Fatalf("database: %v", err)
		}
		defer db.Close()
		ps := postgres.NewLocationStore(db)
		defer ps.Close()
		store = ps

		c, err := valkey.New(cfg.Valkey.Addr)
		if err != nil {
			slog.Warn("valkey unavailable", "error", err)
		} else {
			defer c.Close()
			cache = c
		}
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

	// The cache is shared with the API through Valkey, so writing through
	// the same service keeps its invalidation working.
	var cacheSvc ports.CacheService
	if cache != nil {
		cacheSvc = cache
	}
	locationSvc := usecases.NewLocationService(engine, cacheSvc)

	sub, err := natsadapter.NewSubscriber(cfg.NATS.URL)
	if err != nil {
		log.Fatalf("nats: %v", err)
	}
	defer sub.Close()

	onUpdate := func(ctx context.Context, write *domain.LocationWrite) error {
		err := locationSvc.Set(ctx, write.Key, write.Location, write.Document)
		if errors.Is(err, domain.ErrInvalidArgument) {
			// Poison message; a redelivery cannot fix it.
			slog.Warn("dropping invalid location update", "key", write.Key, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		metrics.LocationWrites.WithLabelValues("nats", "set").Inc()
		return nil
	}
	onRemove := func(ctx context.Context, key string) error {
		err := locationSvc.Remove(ctx, key)
		if errors.Is(err, domain.ErrInvalidArgument) {
			slog.Warn("dropping invalid location remove", "key", key, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		metrics.LocationWrites.WithLabelValues("nats", "remove").Inc()
		return nil
	}

	if err := sub.SubscribeLocationUpdates(ctx, onUpdate, onRemove); err != nil {
		log.Fatalf("subscribe: %v", err)
	}

	// Health + metrics endpoint
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/v1/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": "ingestor"})
	})
	app.Get("/metrics", metrics.Handler())
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}()

	slog.Info("ingestor started", "backend", cfg.Store.Backend, "nats", cfg.NATS.URL)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down ingestor", "signal", sig.String())
	cancel()
	_ = app.Shutdown()
}
