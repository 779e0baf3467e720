package tracking

import (
	"math"
	"time"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
)

// LeadConfig controls how far ahead of the latest estimate the mount is aimed.
type LeadConfig struct {
	// SystemLatency covers telemetry transport and command round-trip
	SystemLatency time.Duration

	// SlewRateDegPerSec is the mount's slew rate, used to estimate travel time
	SlewRateDegPerSec float64

	// MaxLead caps the total lead so a long slew does not extrapolate wildly
	MaxLead time.Duration
}

// DefaultLeadConfig returns lead settings for a slow consumer alt-az mount.
func DefaultLeadConfig() LeadConfig {
	return LeadConfig{
		SystemLatency:     2 * time.Second,
		SlewRateDegPerSec: 4.0,
		MaxLead:           30 * time.Second,
	}
}

// CalculateLeadTime estimates how long the mount takes to move from its
// current pointing to the target. Both axes move simultaneously, so the
// larger of the two deltas dominates. Azimuth wrap-around is honoured.
//
// Parameters:
//   - current: Mount's current position
//   - target: Desired position
//   - slewRateDegPerSec: Mount slew rate in degrees per second
//
// Returns: Estimated time in seconds for the mount to reach the target
func CalculateLeadTime(current, target coordinates.HorizontalCoordinates, slewRateDegPerSec float64) float64 {
	if slewRateDegPerSec <= 0 {
		return 0
	}

	deltaAlt := math.Abs(target.Altitude - current.Altitude)
	deltaAz := coordinates.AzimuthDifference(current.Azimuth, target.Azimuth)

	return math.Max(deltaAlt, deltaAz) / slewRateDegPerSec
}

// Lead returns the total prediction horizon in seconds: system latency plus
// the slew time from current to target, capped at MaxLead.
func (c LeadConfig) Lead(current, target coordinates.HorizontalCoordinates) float64 {
	lead := c.SystemLatency.Seconds() + CalculateLeadTime(current, target, c.SlewRateDegPerSec)
	if c.MaxLead > 0 {
		lead = math.Min(lead, c.MaxLead.Seconds())
	}
	return math.Max(lead, 0)
}
