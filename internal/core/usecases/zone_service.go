package usecases

import (
	"fmt"

	"github.com/samirrijal/geowatch/internal/core/domain"
)

// ZoneService serves the configured watch zones. Zones are static for the
// lifetime of the process; changing them is a config rollout.
type ZoneService struct {
	zones  []domain.Zone
	byName map[string]domain.Zone
}

// NewZoneService validates the configured zones and indexes them by name.
func NewZoneService(zones []domain.Zone) (*ZoneService, error) {
	byName := make(map[string]domain.Zone, len(zones))
	for _, z := range zones {
		if err := z.Validate(); err != nil {
			return nil, fmt.Errorf("zone %q: %w", z.Name, err)
		}
		if _, dup := byName[z.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate zone name %q", domain.ErrInvalidArgument, z.Name)
		}
		byName[z.Name] = z
	}
	return &ZoneService{zones: append([]domain.Zone(nil), zones...), byName: byName}, nil
}

// List returns every configured zone in configuration order.
func (s *ZoneService) List() []domain.Zone {
	return append([]domain.Zone(nil), s.zones...)
}

// Get returns the named zone, or nil when no such zone is configured.
func (s *ZoneService) Get(name string) *domain.Zone {
	if z, ok := s.byName[name]; ok {
		return &z
	}
	return nil
}
