package coordinates

import (
	"fmt"
	"math"
)

// TrackingSolution is the look angle from a ground station to a target.
type TrackingSolution struct {
	// Bearing is the great-circle initial bearing in degrees [0, 360)
	Bearing float64

	// Elevation is the flat-Earth look-up angle in degrees
	Elevation float64

	// DistanceKm is the surface (great-circle) distance in kilometers
	DistanceKm float64

	// Valid is false when either endpoint was unset. The other fields are
	// zero in that case and must not be sent to a mount.
	Valid bool
}

// String formats the solution for log output.
func (s TrackingSolution) String() string {
	if !s.Valid {
		return "invalid solution"
	}
	return fmt.Sprintf("bearing %.2f° elevation %.2f° distance %.3fkm", s.Bearing, s.Elevation, s.DistanceKm)
}

// Mount converts the solution to mount command coordinates.
func (s TrackingSolution) Mount() HorizontalCoordinates {
	return MountCoordinates(s.Bearing, s.Elevation)
}

// ElevationDeg returns the angle above the local horizontal from the ground
// station to the target, in degrees.
//
// Earth curvature and refraction are ignored: the target is treated as
// distanceKm away on a flat plane. A target directly overhead is at 90°.
//
// Parameters:
//   - groundAltM: ground station altitude in meters MSL
//   - targetAltM: target altitude in meters MSL
//   - distanceKm: surface distance between the two in kilometers
func ElevationDeg(groundAltM, targetAltM, distanceKm float64) float64 {
	return math.Atan2(targetAltM-groundAltM, distanceKm*1000.0) * RadiansToDegrees
}

// TrackingParameters computes bearing, distance and elevation from the ground
// station to the target.
//
// If either point is the (0, 0) sentinel the returned solution has
// Valid == false and zero values. Non-finite inputs are treated the same way.
func TrackingParameters(ground, target Geographic) TrackingSolution {
	if ground.IsUnset() || target.IsUnset() {
		return TrackingSolution{}
	}
	if !ground.IsFinite() || !target.IsFinite() {
		return TrackingSolution{}
	}

	distance := DistanceKm(ground, target)
	return TrackingSolution{
		Bearing:    Bearing(ground, target),
		Elevation:  ElevationDeg(ground.Altitude, target.Altitude, distance),
		DistanceKm: distance,
		Valid:      true,
	}
}

// MountCoordinates maps a bearing and elevation to alt-az mount coordinates.
// Azimuth is the bearing reduced to [0, 360) and altitude is the elevation
// clamped to [-90, 90].
//
// The mount is assumed to be aligned to true north with a level base. No
// declination or alignment offset is applied.
func MountCoordinates(bearing, elevation float64) HorizontalCoordinates {
	return HorizontalCoordinates{
		Altitude: ClampAltitude(elevation),
		Azimuth:  NormalizeAzimuth(bearing),
	}
}
