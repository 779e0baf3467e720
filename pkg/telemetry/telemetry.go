// Package telemetry defines the position reports the tracker consumes and a
// simulated balloon that produces them.
package telemetry

import (
	"context"
	"time"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
)

// Sample is one decoded position report from the tracked balloon.
type Sample struct {
	// Time is when the fix was taken. Zero means "now" to the consumer.
	Time time.Time `json:"time"`

	Latitude  float64 `json:"lat"` // degrees
	Longitude float64 `json:"lon"` // degrees
	Altitude  float64 `json:"alt"` // meters MSL

	// Acceleration in the local east/north/up frame, m/s²
	AccelEast  float64 `json:"accel_east"`
	AccelNorth float64 `json:"accel_north"`
	AccelUp    float64 `json:"accel_up"`
}

// Position returns the sample's geodetic position.
func (s Sample) Position() coordinates.Geographic {
	return coordinates.Geographic{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Altitude:  s.Altitude,
	}
}

// Source produces samples until the context is cancelled. The returned
// channel is closed when the source stops.
type Source interface {
	Stream(ctx context.Context) (<-chan Sample, error)
}
