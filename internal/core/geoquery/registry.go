package geoquery

import (
	"encoding/json"

	"github.com/samirrijal/geowatch/internal/core/domain"
	"github.com/samirrijal/geowatch/internal/pkg/geospatial"
)

// trackedLocation is one key's state within a single query. Entries exist
// for every key observed inside the query's subscribed ranges, including
// keys outside the circle: the exact distance check needs them when the
// criteria move.
type trackedLocation struct {
	key            string
	location       domain.GeoPoint
	document       json.RawMessage
	distanceMeters float64
	inQuery        bool
	geohash        string
}

// event is one pending callback dispatch, assembled under the query lock and
// delivered after it is released.
type event struct {
	typ        domain.EventType
	key        string
	location   *domain.GeoPoint
	distanceKm *float64
	document   json.RawMessage
}

func (t *trackedLocation) event(typ domain.EventType) event {
	loc := t.location
	km := t.distanceMeters / 1000
	return event{typ: typ, key: t.key, location: &loc, distanceKm: &km, document: t.document}
}

// registry tracks the locations observed by one query, preserving first-seen
// order so criteria sweeps replay deterministically.
type registry struct {
	order   []string
	entries map[string]*trackedLocation
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*trackedLocation)}
}

func (r *registry) get(key string) *trackedLocation {
	return r.entries[key]
}

func (r *registry) put(t *trackedLocation) {
	if _, exists := r.entries[t.key]; !exists {
		r.order = append(r.order, t.key)
	}
	r.entries[t.key] = t
}

func (r *registry) delete(key string) {
	if _, exists := r.entries[key]; !exists {
		return
	}
	delete(r.entries, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *registry) len() int {
	return len(r.entries)
}

// each visits entries in insertion order until fn returns false.
func (r *registry) each(fn func(*trackedLocation) bool) {
	for _, key := range r.order {
		if !fn(r.entries[key]) {
			return
		}
	}
}

// applyCriteriaChange recomputes distance and in/out state for every entry
// against the new criteria, in insertion order, and returns the boundary
// transitions. cancelled is consulted before each entry so a concurrent
// cancellation stops the sweep without producing further events.
func (r *registry) applyCriteriaChange(center domain.GeoPoint, radiusMeters float64, cancelled func() bool) []event {
	var events []event
	for _, key := range r.order {
		if cancelled() {
			return events
		}
		t := r.entries[key]
		wasIn := t.inQuery
		t.distanceMeters = geospatial.Haversine(t.location.Lat, t.location.Lon, center.Lat, center.Lon)
		t.inQuery = t.distanceMeters <= radiusMeters
		switch {
		case t.inQuery && !wasIn:
			events = append(events, t.event(domain.EventKeyEntered))
		case !t.inQuery && wasIn:
			events = append(events, t.event(domain.EventKeyExited))
		}
	}
	return events
}
