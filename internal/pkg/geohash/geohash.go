// Package geohash implements the base-32 geohash encoding used as the order
// key for location records, and the coverage math that converts a circular
// search region into lexicographic hash ranges.
package geohash

import (
	"fmt"
	"math"
	"strings"

	"github.com/samirrijal/geowatch/internal/core/domain"
)

// Base32 is the geohash alphabet, in the byte order the stores sort by.
const Base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

const (
	// DefaultPrecision is the stored hash length in characters.
	DefaultPrecision = 10
	// MaxPrecision is the longest supported hash.
	MaxPrecision = 22

	bitsPerChar = 5
	maxBits     = MaxPrecision * bitsPerChar

	// rangeEnd closes an open-ended range; '~' sorts after every
	// alphabet character.
	rangeEnd = "~"
)

// WGS 84 ellipsoid constants for meter/degree conversions.
const (
	earthEquatorialRadiusM        = 6378137.0
	earthE2                       = 0.00669447819799
	earthMeridionalCircumferenceM = 40007860.0
	metersPerDegreeLatitude       = 110574.0

	epsilon = 1e-12
)

// Encode returns the geohash of p with the given number of characters. The
// encoding interleaves binary bisections of the longitude and latitude
// ranges, longitude first; values on a bisection midpoint take the upper
// half.
func Encode(p domain.GeoPoint, precision int) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if err := ValidatePrecision(precision); err != nil {
		return "", err
	}

	var (
		b        strings.Builder
		latRange = [2]float64{-90, 90}
		lonRange = [2]float64{-180, 180}
		lonTurn  = true
		charVal  int
		bits     int
	)
	b.Grow(precision)
	for b.Len() < precision {
		var (
			val float64
			rng *[2]float64
		)
		if lonTurn {
			val, rng = p.Lon, &lonRange
		} else {
			val, rng = p.Lat, &latRange
		}
		mid := (rng[0] + rng[1]) / 2
		charVal <<= 1
		if val >= mid {
			charVal |= 1
			rng[0] = mid
		} else {
			rng[1] = mid
		}
		lonTurn = !lonTurn
		if bits++; bits == bitsPerChar {
			b.WriteByte(Base32[charVal])
			bits, charVal = 0, 0
		}
	}
	return b.String(), nil
}

// MustEncode is Encode for inputs already validated by the caller.
func MustEncode(p domain.GeoPoint, precision int) string {
	h, err := Encode(p, precision)
	if err != nil {
		panic(err)
	}
	return h
}

// ValidatePrecision rejects hash lengths outside [1, MaxPrecision].
func ValidatePrecision(precision int) error {
	if precision < 1 || precision > MaxPrecision {
		return fmt.Errorf("%w: precision %d out of range [1, %d]", domain.ErrInvalidArgument, precision, MaxPrecision)
	}
	return nil
}

// ValidateHash rejects strings that are not geohashes.
func ValidateHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: geohash must not be empty", domain.ErrInvalidArgument)
	}
	for i := 0; i < len(hash); i++ {
		if strings.IndexByte(Base32, hash[i]) < 0 {
			return fmt.Errorf("%w: geohash %q contains invalid character %q", domain.ErrInvalidArgument, hash, hash[i])
		}
	}
	return nil
}

// metersToLongitudeDegrees converts an east-west distance at the given
// latitude into degrees of longitude, correcting for the ellipsoid. Near the
// poles a meridian's parallels collapse: any positive distance spans every
// longitude.
func metersToLongitudeDegrees(distance, latitude float64) float64 {
	radians := latitude * math.Pi / 180
	num := math.Cos(radians) * earthEquatorialRadiusM * math.Pi / 180
	denom := 1 / math.Sqrt(1-earthE2*math.Sin(radians)*math.Sin(radians))
	deltaDeg := num * denom
	if deltaDeg < epsilon {
		if distance > 0 {
			return 360
		}
		return 0
	}
	return math.Min(360, distance/deltaDeg)
}

// BitsForLongitudeResolution returns how many longitude bits resolve the
// given east-west distance in meters at a latitude. Never less than 1.
func BitsForLongitudeResolution(meters, latitude float64) float64 {
	degs := metersToLongitudeDegrees(meters, latitude)
	if math.Abs(degs) > 1e-6 {
		return math.Max(1, math.Log2(360/degs))
	}
	return 1
}

// BitsForLatitudeResolution returns how many latitude bits resolve the given
// north-south distance in meters.
func BitsForLatitudeResolution(meters float64) float64 {
	return math.Min(math.Log2(earthMeridionalCircumferenceM/2/meters), maxBits)
}
