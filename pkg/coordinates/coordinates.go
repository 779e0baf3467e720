package coordinates

import (
	"errors"
	"fmt"
	"math"

	geo "github.com/kellydunn/golang-geo"
)

// Constants for coordinate calculations
const (
	// DegreesToRadians converts degrees to radians
	DegreesToRadians = math.Pi / 180.0

	// RadiansToDegrees converts radians to degrees
	RadiansToDegrees = 180.0 / math.Pi

	// EarthRadiusKm is the Earth's mean radius in kilometers.
	// golang-geo uses the same value for its great-circle math.
	EarthRadiusKm = 6371.0

	// MetersPerDegreeLatitude is the approximate length of one degree of latitude.
	MetersPerDegreeLatitude = 111320.0

	// MinAltitudeMeters and MaxAltitudeMeters bound plausible station and
	// balloon altitudes (MSL).
	MinAltitudeMeters = -1000.0
	MaxAltitudeMeters = 100000.0
)

var (
	// ErrUnsetPosition is returned for the (0, 0) "not yet known" sentinel.
	ErrUnsetPosition = errors.New("position is unset (0, 0)")

	// ErrOutOfRange is returned when a coordinate is outside its valid range.
	ErrOutOfRange = errors.New("coordinate out of range")
)

// Geographic represents a position on Earth's surface.
// Uses the WGS84 coordinate system (same as GPS).
type Geographic struct {
	// Latitude in decimal degrees (-90 to +90)
	// Positive = North, Negative = South
	Latitude float64

	// Longitude in decimal degrees (-180 to +180)
	// Positive = East, Negative = West
	Longitude float64

	// Altitude in meters above mean sea level (MSL)
	Altitude float64
}

// IsUnset reports whether the position is the (0, 0) sentinel used for
// "not yet known". Altitude is ignored.
func (g Geographic) IsUnset() bool {
	return g.Latitude == 0 && g.Longitude == 0
}

// IsFinite reports whether every component is a finite number.
func (g Geographic) IsFinite() bool {
	return isFinite(g.Latitude) && isFinite(g.Longitude) && isFinite(g.Altitude)
}

func (g Geographic) point() *geo.Point {
	return geo.NewPoint(g.Latitude, g.Longitude)
}

// HorizontalCoordinates represents a position in the local horizontal coordinate system.
// This is the command space of an alt-azimuth mount.
type HorizontalCoordinates struct {
	// Altitude (elevation) in degrees above the horizon (-90 to 90)
	// 0 = horizon, 90 = zenith (straight up)
	Altitude float64

	// Azimuth in degrees from north (0-360)
	// 0/360 = North, 90 = East, 180 = South, 270 = West
	Azimuth float64
}

// Normalized returns the coordinates with azimuth in [0, 360) and altitude
// clamped to [-90, 90].
func (h HorizontalCoordinates) Normalized() HorizontalCoordinates {
	return HorizontalCoordinates{
		Altitude: ClampAltitude(h.Altitude),
		Azimuth:  NormalizeAzimuth(h.Azimuth),
	}
}

// String formats the coordinates the way they are logged.
func (h HorizontalCoordinates) String() string {
	return fmt.Sprintf("Az %.2f° Alt %.2f°", h.Azimuth, h.Altitude)
}

// NormalizeAzimuth ensures azimuth is in the range [0, 360).
func NormalizeAzimuth(azimuth float64) float64 {
	az := math.Mod(azimuth, 360.0)
	if az < 0 {
		az += 360.0
	}
	// A tiny negative input rounds up to exactly 360 above
	if az >= 360.0 {
		az = 0
	}
	return az
}

// ClampAltitude limits altitude to the physical range [-90, 90].
func ClampAltitude(altitude float64) float64 {
	return math.Max(-90.0, math.Min(90.0, altitude))
}

// AzimuthDifference returns the smallest angle between two azimuths, in [0, 180].
// 359° and 1° are 2° apart, not 358°.
func AzimuthDifference(a, b float64) float64 {
	diff := math.Abs(NormalizeAzimuth(a) - NormalizeAzimuth(b))
	if diff > 180.0 {
		diff = 360.0 - diff
	}
	return diff
}

// SignedAzimuthDelta returns the shortest signed rotation from one azimuth to
// another, in (-180, 180]. Positive is clockwise.
func SignedAzimuthDelta(from, to float64) float64 {
	delta := NormalizeAzimuth(to - from)
	if delta > 180.0 {
		delta -= 360.0
	}
	return delta
}

// Bearing calculates the initial bearing (forward azimuth) from one point to another
// along a great circle.
// Returns bearing in degrees [0, 360), where 0 = North, 90 = East, 180 = South, 270 = West.
func Bearing(from, to Geographic) float64 {
	// BearingTo reports (-180, 180]
	return NormalizeAzimuth(from.point().BearingTo(to.point()))
}

// DistanceKm calculates the great-circle distance between two points using the
// haversine formula. Altitude is ignored. Identical points are 0 km apart.
func DistanceKm(from, to Geographic) float64 {
	if from.Latitude == to.Latitude && from.Longitude == to.Longitude {
		return 0
	}
	return from.point().GreatCircleDistance(to.point())
}

// Destination projects a point distanceKm along the given initial bearing.
// The altitude of the origin is carried over unchanged.
func Destination(from Geographic, bearing, distanceKm float64) Geographic {
	p := from.point().PointAtDistanceAndBearing(distanceKm, bearing)

	lon := p.Lng()
	if lon > 180.0 {
		lon -= 360.0
	} else if lon < -180.0 {
		lon += 360.0
	}

	return Geographic{
		Latitude:  p.Lat(),
		Longitude: lon,
		Altitude:  from.Altitude,
	}
}

// Validate checks that a position is known and inside plausible ranges.
// The (0, 0) sentinel yields ErrUnsetPosition; anything else out of range
// wraps ErrOutOfRange.
func Validate(g Geographic) error {
	if !g.IsFinite() {
		return fmt.Errorf("%w: non-finite component in %+v", ErrOutOfRange, g)
	}
	if g.IsUnset() {
		return ErrUnsetPosition
	}
	if g.Latitude < -90 || g.Latitude > 90 {
		return fmt.Errorf("%w: latitude %.6f not in [-90, 90]", ErrOutOfRange, g.Latitude)
	}
	if g.Longitude < -180 || g.Longitude > 180 {
		return fmt.Errorf("%w: longitude %.6f not in [-180, 180]", ErrOutOfRange, g.Longitude)
	}
	if g.Altitude < MinAltitudeMeters || g.Altitude > MaxAltitudeMeters {
		return fmt.Errorf("%w: altitude %.1fm not in [%.0f, %.0f]",
			ErrOutOfRange, g.Altitude, MinAltitudeMeters, MaxAltitudeMeters)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
