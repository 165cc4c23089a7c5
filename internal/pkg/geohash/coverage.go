package geohash

import (
	"fmt"
	"math"
	"strings"

	"github.com/samirrijal/geowatch/internal/core/domain"
)

// Range is a lexicographic span of geohashes. Stores compare inclusively on
// both bounds: End names the first cell after the span, so a boundary cell
// can be over-included but a covered hash is never dropped.
type Range struct {
	Start string
	End   string
}

// Contains reports whether hash falls inside the range under the stores'
// inclusive bound comparison.
func (r Range) Contains(hash string) bool {
	return r.Start <= hash && hash <= r.End
}

// String encodes the range for use as a set key.
func (r Range) String() string {
	return r.Start + ":" + r.End
}

// BoundingBoxBits returns the number of leading geohash bits at which a
// single cell is at least as large as the circle's bounding box. Longitude
// bits are evaluated at both box edge latitudes and kept conservative.
func BoundingBoxBits(center domain.GeoPoint, radiusMeters float64) int {
	latDelta := radiusMeters / metersPerDegreeLatitude
	latNorth := math.Min(90, center.Lat+latDelta)
	latSouth := math.Max(-90, center.Lat-latDelta)
	bitsLat := int(math.Floor(BitsForLatitudeResolution(radiusMeters))) * 2
	bitsLonNorth := int(math.Floor(BitsForLongitudeResolution(radiusMeters*2, latNorth)))*2 - 1
	bitsLonSouth := int(math.Floor(BitsForLongitudeResolution(radiusMeters*2, latSouth)))*2 - 1
	return min(bitsLat, bitsLonNorth, bitsLonSouth, maxBits)
}

// BoundingBoxCoordinates returns the center plus eight samples of the
// circle's bounding box: three longitudes at each of the center, north and
// south latitudes. Longitudes wrap at the antimeridian, latitudes clamp at
// the poles.
func BoundingBoxCoordinates(center domain.GeoPoint, radiusMeters float64) []domain.GeoPoint {
	latDelta := radiusMeters / metersPerDegreeLatitude
	latNorth := math.Min(90, center.Lat+latDelta)
	latSouth := math.Max(-90, center.Lat-latDelta)
	lonDelta := math.Max(
		metersToLongitudeDegrees(radiusMeters, latNorth),
		metersToLongitudeDegrees(radiusMeters, latSouth),
	)
	return []domain.GeoPoint{
		{Lat: center.Lat, Lon: center.Lon},
		{Lat: center.Lat, Lon: WrapLongitude(center.Lon - lonDelta)},
		{Lat: center.Lat, Lon: WrapLongitude(center.Lon + lonDelta)},
		{Lat: latNorth, Lon: center.Lon},
		{Lat: latNorth, Lon: WrapLongitude(center.Lon - lonDelta)},
		{Lat: latNorth, Lon: WrapLongitude(center.Lon + lonDelta)},
		{Lat: latSouth, Lon: center.Lon},
		{Lat: latSouth, Lon: WrapLongitude(center.Lon - lonDelta)},
		{Lat: latSouth, Lon: WrapLongitude(center.Lon + lonDelta)},
	}
}

// WrapLongitude normalizes a longitude into [-180, 180] across the
// antimeridian.
func WrapLongitude(lon float64) float64 {
	if lon >= -180 && lon <= 180 {
		return lon
	}
	adjusted := lon + 180
	if adjusted > 0 {
		return math.Mod(adjusted, 360) - 180
	}
	return 180 - math.Mod(-adjusted, 360)
}

// RangeForPrefix converts a geohash into the lexicographic range of stored
// hashes sharing its leading bits. The unused low bits of the last
// significant character are masked; overflow past the final alphabet symbol
// produces an open-ended range terminated by '~'.
func RangeForPrefix(hash string, bits int) (Range, error) {
	if err := ValidateHash(hash); err != nil {
		return Range{}, err
	}
	if bits < 1 || bits > maxBits {
		return Range{}, fmt.Errorf("%w: bits %d out of range [1, %d]", domain.ErrInvalidArgument, bits, maxBits)
	}
	precision := (bits + bitsPerChar - 1) / bitsPerChar
	if len(hash) < precision {
		return Range{Start: hash, End: hash + rangeEnd}, nil
	}
	hash = hash[:precision]
	base := hash[:len(hash)-1]
	lastValue := strings.IndexByte(Base32, hash[len(hash)-1])
	significantBits := bits - len(base)*bitsPerChar
	unusedBits := bitsPerChar - significantBits
	startValue := (lastValue >> unusedBits) << unusedBits
	endValue := startValue + (1 << unusedBits)
	if endValue > 31 {
		return Range{Start: base + string(Base32[startValue]), End: base + rangeEnd}, nil
	}
	return Range{Start: base + string(Base32[startValue]), End: base + string(Base32[endValue])}, nil
}

// CoverageRanges returns a deduplicated set of hash ranges whose union
// covers every location within radiusMeters of center. Ranges may include
// hashes outside the circle; callers filter those by exact distance. They
// never exclude a hash inside it.
func CoverageRanges(center domain.GeoPoint, radiusMeters float64) ([]Range, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if err := domain.ValidateRadius(radiusMeters); err != nil {
		return nil, err
	}
	bits := max(1, BoundingBoxBits(center, radiusMeters))
	precision := (bits + bitsPerChar - 1) / bitsPerChar
	coords := BoundingBoxCoordinates(center, radiusMeters)
	ranges := make([]Range, 0, len(coords))
	seen := make(map[Range]struct{}, len(coords))
	for _, c := range coords {
		h, err := Encode(c, precision)
		if err != nil {
			return nil, err
		}
		r, err := RangeForPrefix(h, bits)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		ranges = append(ranges, r)
	}
	return ranges, nil
}
