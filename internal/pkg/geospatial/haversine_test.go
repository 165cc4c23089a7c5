package geospatial_test

import (
	"math"
	"testing"

	"github.com/samirrijal/geowatch/internal/pkg/geospatial"
)

func TestHaversine(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		wantMeters             float64
		tolerance              float64
	}{
		{"same point", 43.263, -2.935, 43.263, -2.935, 0, 0.001},
		{"half arcminute of latitude", 0, 0, 0.005, 0, 556, 1},
		{"bilbao to san sebastian", 43.263, -2.935, 43.3183, -1.9812, 77430, 800},
		{"across the antimeridian", 0, 179.995, 0, -179.995, 1112, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := geospatial.Haversine(tc.lat1, tc.lon1, tc.lat2, tc.lon2)
			if math.Abs(got-tc.wantMeters) > tc.tolerance {
				t.Errorf("Haversine = %vm, want %vm (±%vm)", got, tc.wantMeters, tc.tolerance)
			}
		})
	}
}
