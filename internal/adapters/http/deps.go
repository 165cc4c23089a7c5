package http

import (
	"github.com/nats-io/nats.go"

	"github.com/samirrijal/geowatch/internal/adapters/postgres"
	"github.com/samirrijal/geowatch/internal/adapters/valkey"
	"github.com/samirrijal/geowatch/internal/core/ports"
	"github.com/samirrijal/geowatch/internal/core/usecases"
)

// Dependencies holds all services needed by HTTP handlers. Store is the
// backing location store regardless of backend; DB is set only when that
// backend is Postgres.
type Dependencies struct {
	Locations *usecases.LocationService
	Zones     *usecases.ZoneService
	Store     ports.LocationStore
	NATS      *nats.Conn
	DB        *postgres.DB
	Cache     *valkey.Cache
}
