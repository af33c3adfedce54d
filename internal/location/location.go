// Package location provides canonical location keys for air quality polling.
package location

import (
	"errors"
	"fmt"
	"math"
)

// Precision is the number of decimal places a Key keeps (about 11 m at the equator).
const Precision = 4

var scale = math.Pow10(Precision)

// ErrInvalidCoordinate is returned when latitude or longitude is out of range.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Key is the canonical identity of a geographic point.
// Two requests that normalize to the same Key share one upstream poll.
type Key struct {
	Lat float64
	Lon float64
}

// Normalize validates a coordinate pair and rounds it to a Key.
// Rounding is half away from zero so equal inputs always produce equal keys.
func Normalize(lat, lon float64) (Key, error) {
	if err := Validate(lat, lon); err != nil {
		return Key{}, err
	}
	return Key{Lat: round(lat), Lon: round(lon)}, nil
}

// MustNormalize is like Normalize but panics on invalid input.
// Intended for static configuration such as warm-up targets.
func MustNormalize(lat, lon float64) Key {
	k, err := Normalize(lat, lon)
	if err != nil {
		panic(err)
	}
	return k
}

// Validate checks that lat is within [-90, 90] and lon within [-180, 180].
func Validate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return fmt.Errorf("%w: latitude %v, longitude %v", ErrInvalidCoordinate, lat, lon)
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v must be between -90 and 90", ErrInvalidCoordinate, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v must be between -180 and 180", ErrInvalidCoordinate, lon)
	}
	return nil
}

// Coordinates returns the rounded coordinates of the key.
func (k Key) Coordinates() (lat, lon float64) {
	return k.Lat, k.Lon
}

// String renders the key as "lat,lon" with fixed precision.
func (k Key) String() string {
	return fmt.Sprintf("%.4f,%.4f", k.Lat, k.Lon)
}

func round(v float64) float64 {
	r := math.Round(v*scale) / scale
	if r == 0 {
		// Collapse -0 so it shares a key with +0.
		return 0
	}
	return r
}
