package domain

import (
	"encoding/json"
	"time"
)

// EventType enumerates live query callback kinds.
type EventType string

const (
	EventReady      EventType = "ready"
	EventKeyEntered EventType = "key_entered"
	EventKeyExited  EventType = "key_exited"
	EventKeyMoved   EventType = "key_moved"

	// EventDwellAlert appears on the event bus when a key overstays a
	// zone's dwell threshold. Live queries cannot subscribe to it.
	EventDwellAlert EventType = "dwell_alert"
)

// Valid reports whether t names a subscribable event.
func (t EventType) Valid() bool {
	switch t {
	case EventReady, EventKeyEntered, EventKeyExited, EventKeyMoved:
		return true
	}
	return false
}

// GeoEvent is the serialized form of a live query transition. The zone
// watcher publishes these to NATS; the WebSocket layer relays them and emits
// the same shape for per-connection queries. Location, DistanceKm and
// Document are null on an exit fired for a key deleted from the store.
type GeoEvent struct {
	Zone       string          `json:"zone,omitempty"`
	Type       EventType       `json:"type"`
	Key        string          `json:"key,omitempty"`
	Location   *GeoPoint       `json:"location,omitempty"`
	DistanceKm *float64        `json:"distance_km,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
	At         time.Time       `json:"at"`
}
