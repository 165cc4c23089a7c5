package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxKeyBytes bounds location keys so they stay usable as primary keys and
// sorted-set members across every store backend.
const MaxKeyBytes = 768

// Location is a keyed position tracked by the platform. Geohash is the
// store's order key. DistanceKm is a computed field, populated only on query
// results and measured from the query center.
type Location struct {
	Key        string          `json:"key"`
	Location   GeoPoint        `json:"location"`
	Geohash    string          `json:"geohash,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
	DistanceKm *float64        `json:"distance_km,omitempty"` // computed field
	UpdatedAt  time.Time       `json:"updated_at,omitempty"`
}

// LocationWrite is one entry of a batched location write.
type LocationWrite struct {
	Key      string          `json:"key"`
	Location GeoPoint        `json:"location"`
	Document json.RawMessage `json:"document,omitempty"`
}

// ValidateKey rejects keys the stores cannot index.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}
	if len(key) > MaxKeyBytes {
		return fmt.Errorf("%w: key exceeds %d bytes", ErrInvalidArgument, MaxKeyBytes)
	}
	return nil
}

// Zone is a named circular region watched server-side. Movement across its
// boundary produces GeoEvents on the event bus.
type Zone struct {
	Name            string        `json:"name"`
	Center          GeoPoint      `json:"center"`
	RadiusMeters    float64       `json:"radius_meters"`
	DwellAlertAfter time.Duration `json:"dwell_alert_after,omitempty"`
}

// Validate rejects zones that cannot be watched or whose name cannot be used
// as a NATS subject token.
func (z Zone) Validate() error {
	if z.Name == "" {
		return fmt.Errorf("%w: zone name must not be empty", ErrInvalidArgument)
	}
	for i := 0; i < len(z.Name); i++ {
		switch z.Name[i] {
		case '.', '*', '>', ' ':
			return fmt.Errorf("%w: zone name %q contains reserved character %q", ErrInvalidArgument, z.Name, z.Name[i])
		}
	}
	if err := z.Center.Validate(); err != nil {
		return err
	}
	return ValidateRadius(z.RadiusMeters)
}

// Visit is one contiguous presence of a key inside a zone.
type Visit struct {
	ID           string     `json:"id"`
	Zone         string     `json:"zone"`
	Key          string     `json:"key"`
	EnteredAt    time.Time  `json:"entered_at"`
	ExitedAt     *time.Time `json:"exited_at,omitempty"`
	DwellAlerted bool       `json:"dwell_alerted"`
}
