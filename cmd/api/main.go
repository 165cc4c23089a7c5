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
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/samirrijal/geowatch/internal/adapters/http"
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
	"github.com/samirrijal/geowatch/internal/pkg/telemetry"
)

func main() {
	cfg, err := config.Load("geowatch-api")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Structured logging
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logging.Setup("api", logLevel, "json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.TempoAddr)
		if err != nil {
			slog.Warn("telemetry init failed", "error", err)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	// Location store, per configured backend
	var (
		store ports.LocationStore
		db    *postgres.DB
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
		// The store's client doubles as the cache connection.
		cache = valkey.NewFromClient(vs.Client())
	default:
		db, err = postgres.New(ctx, cfg.Database.DSN())
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

	// Query engine
	engine, err := geoquery.NewService(store, sched.New(), geoquery.Config{
		Precision:       cfg.Engine.Precision,
		CleanupInterval: time.Duration(cfg.Engine.CleanupInterval) * time.Second,
		MaxOpenRanges:   cfg.Engine.MaxOpenRanges,
		CleanupDelay:    time.Duration(cfg.Engine.CleanupDelayMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatalf("query engine: %v", err)
	}

	// Raw NATS connection for the WebSocket zone event relay
	natsConn, err := natsadapter.RawConn(cfg.NATS.URL)
	if err != nil {
		slog.Warn("nats ws conn unavailable", "error", err)
	}

	// Use cases
	var cacheSvc ports.CacheService
	if cache != nil {
		cacheSvc = cache
	}
	locationSvc := usecases.NewLocationService(engine, cacheSvc)

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

	deps := &http.Dependencies{
		Locations: locationSvc,
		Zones:     zoneSvc,
		Store:     store,
		NATS:      natsConn,
		DB:        db,
		Cache:     cache,
	}

	// DB pool gauges, only meaningful on the Postgres backend
	if db != nil {
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					metrics.UpdateDBPoolMetrics(db.Pool.Stat())
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Fiber
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    1024 * 1024, // 1 MB max request body
		AppName:      "GeoWatch API",
	})
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     "http://localhost:3000, http://localhost:5173",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: false,
		MaxAge:           3600,
	}))

	http.SetupRoutes(app, deps)

	// Graceful shutdown
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		slog.Info("API server starting", "addr", addr, "backend", cfg.Store.Backend)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received, draining connections...", "signal", sig.String())

	// Give in-flight requests up to 10s to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}
