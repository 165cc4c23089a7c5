package http

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/pkg/metrics"
)

// nearbyFetchLimit is how many rows the nearby handler asks the service for
// before slicing the requested page. Fetching the service maximum once means
// every page of the same query shares one cache entry.
const nearbyFetchLimit = 500

// NearbyLocationsHandler returns locations within a radius of a point,
// nearest first, paginated.
func NearbyLocationsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Query("lat") == "" || c.Query("lon") == "" {
			return errBadRequest(c, "lat and lon are required")
		}
		lat := c.QueryFloat("lat", 0)
		lon := c.QueryFloat("lon", 0)
		radius := c.QueryFloat("radius", 1000)

		if radius <= 0 || radius > 100000 {
			return errBadRequest(c, "radius must be between 1 and 100000 meters")
		}

		offset := c.QueryInt("offset", 0)
		limit := c.QueryInt("limit", 100)
		if offset < 0 {
			offset = 0
		}
		if limit <= 0 || limit > nearbyFetchLimit {
			limit = 100
		}

		locations, err := deps.Locations.FindNearby(c.Context(),
			domain.GeoPoint{Lat: lat, Lon: lon}, radius, nearbyFetchLimit)
		if err != nil {
			return errFromService(c, err)
		}

		total := len(locations)
		if offset >= total {
			locations = nil
		} else {
			end := offset + limit
			if end > total {
				end = total
			}
			locations = locations[offset:end]
		}

		pg := Pagination{Offset: offset, Limit: limit, Total: total}
		SetLinkHeaders(c, pg)
		c.Set("Cache-Control", "public, max-age=5")
		return c.JSON(PaginatedResponse{Data: locations, Pagination: pg})
	}
}

// GetLocationHandler returns a single location by key.
func GetLocationHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Params("key")
		if key == "" {
			return errBadRequest(c, "location key is required")
		}
		loc, err := deps.Locations.Get(c.Context(), key)
		if err != nil {
			return errFromService(c, err)
		}
		if loc == nil {
			return errNotFound(c, "location not found")
		}
		return c.JSON(loc)
	}
}

// locationBody is the PUT payload. Lat and lon are pointers so a missing
// coordinate is distinguishable from zero, which is a valid coordinate.
type locationBody struct {
	Lat      *float64        `json:"lat"`
	Lon      *float64        `json:"lon"`
	Document json.RawMessage `json:"document,omitempty"`
}

// PutLocationHandler creates or moves a location.
func PutLocationHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Params("key")
		if key == "" {
			return errBadRequest(c, "location key is required")
		}

		var body locationBody
		if err := c.BodyParser(&body); err != nil {
			return errBadRequest(c, "invalid request body")
		}
		if body.Lat == nil || body.Lon == nil {
			return errBadRequest(c, "lat and lon are required")
		}
		if len(body.Document) > 0 && !json.Valid(body.Document) {
			return errBadRequest(c, "document must be valid JSON")
		}

		point := domain.GeoPoint{Lat: *body.Lat, Lon: *body.Lon}
		if err := deps.Locations.Set(c.Context(), key, point, body.Document); err != nil {
			return errFromService(c, err)
		}
		metrics.LocationWrites.WithLabelValues("http", "set").Inc()
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// DeleteLocationHandler removes a location. Deleting an absent key succeeds.
func DeleteLocationHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Params("key")
		if key == "" {
			return errBadRequest(c, "location key is required")
		}
		if err := deps.Locations.Remove(c.Context(), key); err != nil {
			return errFromService(c, err)
		}
		metrics.LocationWrites.WithLabelValues("http", "remove").Inc()
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// batchSet is one write inside a batch request.
type batchSet struct {
	Key      string          `json:"key"`
	Lat      *float64        `json:"lat"`
	Lon      *float64        `json:"lon"`
	Document json.RawMessage `json:"document,omitempty"`
}

// batchRequest mixes writes and removals. Writes apply as one atomic batch,
// removals as another.
type batchRequest struct {
	Set    []batchSet `json:"set"`
	Remove []string   `json:"remove"`
}

// BatchLocationsHandler applies a mixed set/remove batch.
func BatchLocationsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req batchRequest
		if err := c.BodyParser(&req); err != nil {
			return errBadRequest(c, "invalid request body")
		}
		if len(req.Set) == 0 && len(req.Remove) == 0 {
			return errBadRequest(c, "batch must contain at least one set or remove")
		}
		if len(req.Set)+len(req.Remove) > 500 {
			return errBadRequest(c, "maximum 500 operations per batch")
		}

		writes := make([]domain.LocationWrite, 0, len(req.Set))
		for _, s := range req.Set {
			if s.Key == "" || s.Lat == nil || s.Lon == nil {
				return errBadRequest(c, "every set entry needs key, lat and lon")
			}
			if len(s.Document) > 0 && !json.Valid(s.Document) {
				return errBadRequest(c, "document must be valid JSON")
			}
			writes = append(writes, domain.LocationWrite{
				Key:      s.Key,
				Location: domain.GeoPoint{Lat: *s.Lat, Lon: *s.Lon},
				Document: s.Document,
			})
		}

		if len(writes) > 0 {
			if err := deps.Locations.SetMany(c.Context(), writes); err != nil {
				return errFromService(c, err)
			}
			metrics.LocationWrites.WithLabelValues("http", "set").Add(float64(len(writes)))
		}
		if len(req.Remove) > 0 {
			if err := deps.Locations.RemoveMany(c.Context(), req.Remove); err != nil {
				return errFromService(c, err)
			}
			metrics.LocationWrites.WithLabelValues("http", "remove").Add(float64(len(req.Remove)))
		}

		return c.JSON(fiber.Map{
			"set":     len(writes),
			"removed": len(req.Remove),
		})
	}
}

// ListZonesHandler returns the configured watch zones.
func ListZonesHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Cache-Control", "public, max-age=3600")
		return c.JSON(deps.Zones.List())
	}
}

// ZoneLocationsHandler returns the locations currently inside a zone.
func ZoneLocationsHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		name := c.Params("name")
		if name == "" {
			return errBadRequest(c, "zone name is required")
		}
		zone := deps.Zones.Get(name)
		if zone == nil {
			return errNotFound(c, "zone not found")
		}

		limit := c.QueryInt("limit", 100)
		if limit <= 0 || limit > nearbyFetchLimit {
			limit = 100
		}

		locations, err := deps.Locations.FindNearby(c.Context(), zone.Center, zone.RadiusMeters, limit)
		if err != nil {
			return errFromService(c, err)
		}

		c.Set("Cache-Control", "public, max-age=5")
		return c.JSON(locations)
	}
}
