//go:build integration
// +build integration

package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	handler "github.com/samirrijal/geowatch/internal/adapters/http"
	"github.com/samirrijal/geowatch/internal/adapters/postgres"
	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/core/geoquery"
	"github.com/samirrijal/geowatch/internal/core/usecases"
	"github.com/samirrijal/geowatch/internal/pkg/config"
	"github.com/samirrijal/geowatch/internal/pkg/sched"
)

// setupIntegrationApp wires a full Postgres-backed stack behind the Fiber app.
func setupIntegrationApp(t *testing.T) (*fiber.App, *postgres.DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	cfg, err := config.Load("geowatch-test")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := postgres.New(ctx, cfg.Database.DSN())
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	store := postgres.NewLocationStore(db)
	t.Cleanup(store.Close)

	engine, err := geoquery.NewService(store, sched.New(), geoquery.Config{})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	zones, err := usecases.NewZoneService([]domain.Zone{
		{Name: "itest-zone", Center: domain.GeoPoint{Lat: 43.263, Lon: -2.935}, RadiusMeters: 1000},
	})
	if err != nil {
		t.Fatalf("zone service: %v", err)
	}

	deps := &handler.Dependencies{
		Locations: usecases.NewLocationService(engine, nil),
		Zones:     zones,
		Store:     store,
		DB:        db,
	}
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	handler.SetupRoutes(app, deps)
	return app, db
}

func cleanKeys(t *testing.T, db *postgres.DB) {
	t.Helper()
	ctx := context.Background()
	if _, err := db.Pool.Exec(ctx, `DELETE FROM locations WHERE key LIKE 'htest-%'`); err != nil {
		t.Fatalf("clean locations: %v", err)
	}
}

func TestLocationLifecycle_Integration(t *testing.T) {
	app, db := setupIntegrationApp(t)
	cleanKeys(t, db)

	key := fmt.Sprintf("htest-%d", time.Now().UnixNano())

	// PUT creates the location.
	body := `{"lat": 43.2635, "lon": -2.9355, "document": {"line": "A3"}}`
	req := httptest.NewRequest("PUT", "/v1/locations/"+key, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 204 {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}

	// GET returns it with its geohash filled in.
	req = httptest.NewRequest("GET", "/v1/locations/"+key, nil)
	resp, _ = app.Test(req, -1)
	if resp.StatusCode != 200 {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	var loc domain.Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		t.Fatal(err)
	}
	if loc.Key != key || loc.Geohash == "" {
		t.Fatalf("GET body = %+v", loc)
	}

	// The nearby query finds it, nearest first with a distance.
	req = httptest.NewRequest("GET", "/v1/locations/nearby?lat=43.263&lon=-2.935&radius=500", nil)
	resp, _ = app.Test(req, -1)
	if resp.StatusCode != 200 {
		t.Fatalf("nearby status = %d", resp.StatusCode)
	}
	var page struct {
		Data []domain.Location `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, l := range page.Data {
		if l.Key == key {
			found = true
			if l.DistanceKm == nil || *l.DistanceKm > 0.5 {
				t.Errorf("distance_km = %v", l.DistanceKm)
			}
		}
	}
	if !found {
		t.Fatalf("nearby did not include %s: %+v", key, page.Data)
	}

	// DELETE removes it; a second GET misses.
	req = httptest.NewRequest("DELETE", "/v1/locations/"+key, nil)
	resp, _ = app.Test(req, -1)
	if resp.StatusCode != 204 {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}
	req = httptest.NewRequest("GET", "/v1/locations/"+key, nil)
	resp, _ = app.Test(req, -1)
	if resp.StatusCode != 404 {
		t.Fatalf("GET after delete status = %d", resp.StatusCode)
	}
}

func TestBatchAndZoneLocations_Integration(t *testing.T) {
	app, db := setupIntegrationApp(t)
	cleanKeys(t, db)

	stamp := time.Now().UnixNano()
	inZone := fmt.Sprintf("htest-in-%d", stamp)
	outZone := fmt.Sprintf("htest-out-%d", stamp)

	body := fmt.Sprintf(`{
		"set": [
			{"key": %q, "lat": 43.2635, "lon": -2.9355},
			{"key": %q, "lat": 10, "lon": 10}
		]
	}`, inZone, outZone)
	req := httptest.NewRequest("POST", "/v1/locations/batch", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, _ := app.Test(req, -1)
	if resp.StatusCode != 200 {
		t.Fatalf("batch status = %d", resp.StatusCode)
	}

	req = httptest.NewRequest("GET", "/v1/zones/itest-zone/locations", nil)
	resp, _ = app.Test(req, -1)
	if resp.StatusCode != 200 {
		t.Fatalf("zone locations status = %d", resp.StatusCode)
	}
	var locations []domain.Location
	if err := json.NewDecoder(resp.Body).Decode(&locations); err != nil {
		t.Fatal(err)
	}
	for _, l := range locations {
		if l.Key == outZone {
			t.Fatalf("zone query leaked far-away key %s", outZone)
		}
	}
	found := false
	for _, l := range locations {
		if l.Key == inZone {
			found = true
		}
	}
	if !found {
		t.Fatalf("zone query missed %s: %+v", inZone, locations)
	}

	cleanKeys(t, db)
}

func TestReady_Integration(t *testing.T) {
	app, _ := setupIntegrationApp(t)

	req := httptest.NewRequest("GET", "/v1/ready", nil)
	resp, _ := app.Test(req, -1)
	if resp.StatusCode != 200 {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}
	var result struct {
		Checks map[string]string `json:"checks"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	if result.Checks["store"] != "ok" {
		t.Errorf("store check = %q", result.Checks["store"])
	}
}
