package tracking

import (
	"github.com/unklstewy/balloon-scope/pkg/coordinates"
)

// LimitEvent describes whether a pointing target is inside the mount's safe envelope.
type LimitEvent int

const (
	// WithinLimits means tracking can continue normally
	WithinLimits LimitEvent = iota

	// BelowMinimum means the target is under the horizon mask
	BelowMinimum

	// AboveMaximum means the target is too close to zenith for the mount
	AboveMaximum
)

// String returns a short description of the event.
func (e LimitEvent) String() string {
	switch e {
	case WithinLimits:
		return "within limits"
	case BelowMinimum:
		return "below minimum altitude"
	case AboveMaximum:
		return "above maximum altitude"
	default:
		return "unknown"
	}
}

// TrackingLimits defines the safe altitude envelope for the mount.
type TrackingLimits struct {
	// MinAltitude is the minimum altitude in degrees.
	// Terrestrial balloon tracking usually allows the full range down to the horizon or below.
	MinAltitude float64

	// MaxAltitude is the maximum altitude in degrees.
	MaxAltitude float64
}

// DefaultTrackingLimits returns the full physical range; no target is masked.
func DefaultTrackingLimits() TrackingLimits {
	return TrackingLimits{
		MinAltitude: -90.0,
		MaxAltitude: 90.0,
	}
}

// Check classifies a target against the limits.
func (l TrackingLimits) Check(target coordinates.HorizontalCoordinates) LimitEvent {
	if target.Altitude < l.MinAltitude {
		return BelowMinimum
	}
	if target.Altitude > l.MaxAltitude {
		return AboveMaximum
	}
	return WithinLimits
}
