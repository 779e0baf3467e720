package telemetry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
)

// BalloonConfig shapes the simulated flight.
type BalloonConfig struct {
	// Start is the launch position
	Start coordinates.Geographic

	// Interval between samples
	Interval time.Duration

	// StepMeters is the horizontal distance covered per sample
	StepMeters float64

	// HeadingJitter is the largest heading change per sample, degrees
	HeadingJitter float64

	// VerticalJitter is the largest vertical speed change per sample, m/s
	VerticalJitter float64

	// MaxVerticalSpeed bounds climb and sink rate, m/s
	MaxVerticalSpeed float64

	// MinAltitude and MaxAltitude bound the flight, meters MSL
	MinAltitude float64
	MaxAltitude float64

	// Seed makes a run reproducible
	Seed uint64
}

// DefaultBalloonConfig returns a slow tethered-style wander around start.
func DefaultBalloonConfig(start coordinates.Geographic) BalloonConfig {
	return BalloonConfig{
		Start:            start,
		Interval:         time.Second,
		StepMeters:       11.0,
		HeadingJitter:    30.0,
		VerticalJitter:   0.5,
		MaxVerticalSpeed: 5.0,
		MinAltitude:      start.Altitude + 50,
		MaxAltitude:      start.Altitude + 500,
		Seed:             1,
	}
}

// SimulatedBalloon is a Source that random-walks a balloon on a clock.
type SimulatedBalloon struct {
	cfg   BalloonConfig
	clock clock.Clock

	mu       sync.Mutex
	rng      *rand.Rand
	position coordinates.Geographic
	heading  float64
	vUp      float64
	vEast    float64
	vNorth   float64
	started  bool
}

// NewSimulatedBalloon creates a balloon at cfg.Start. A nil clock uses the
// wall clock.
func NewSimulatedBalloon(cfg BalloonConfig, clk clock.Clock) *SimulatedBalloon {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxAltitude < cfg.MinAltitude {
		cfg.MinAltitude, cfg.MaxAltitude = cfg.MaxAltitude, cfg.MinAltitude
	}
	start := cfg.Start
	start.Altitude = math.Min(math.Max(start.Altitude, cfg.MinAltitude), cfg.MaxAltitude)

	return &SimulatedBalloon{
		cfg:      cfg,
		clock:    clk,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		position: start,
	}
}

// Next advances the balloon by one interval and returns the new sample.
func (b *SimulatedBalloon) Next() Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	dt := b.cfg.Interval.Seconds()

	b.heading = coordinates.NormalizeAzimuth(b.heading + b.jitter(b.cfg.HeadingJitter))
	b.position = coordinates.Destination(b.position, b.heading, b.cfg.StepMeters/1000.0)

	vUp := b.vUp + b.jitter(b.cfg.VerticalJitter)
	vUp = math.Max(-b.cfg.MaxVerticalSpeed, math.Min(b.cfg.MaxVerticalSpeed, vUp))
	alt := b.position.Altitude + vUp*dt
	if alt <= b.cfg.MinAltitude || alt >= b.cfg.MaxAltitude {
		alt = math.Max(b.cfg.MinAltitude, math.Min(b.cfg.MaxAltitude, alt))
		vUp = 0
	}
	b.position.Altitude = alt

	speed := b.cfg.StepMeters / dt
	rad := b.heading * coordinates.DegreesToRadians
	vEast, vNorth := speed*math.Sin(rad), speed*math.Cos(rad)

	var sample Sample
	if b.started {
		sample.AccelEast = (vEast - b.vEast) / dt
		sample.AccelNorth = (vNorth - b.vNorth) / dt
		sample.AccelUp = (vUp - b.vUp) / dt
	}
	b.vEast, b.vNorth, b.vUp = vEast, vNorth, vUp
	b.started = true

	sample.Time = b.clock.Now()
	sample.Latitude = b.position.Latitude
	sample.Longitude = b.position.Longitude
	sample.Altitude = b.position.Altitude
	return sample
}

// Position returns the current true position.
func (b *SimulatedBalloon) Position() coordinates.Geographic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position
}

// Stream emits one sample per interval until ctx is done.
func (b *SimulatedBalloon) Stream(ctx context.Context) (<-chan Sample, error) {
	out := make(chan Sample, 1)
	ticker := b.clock.Ticker(b.cfg.Interval)

	go func() {
		defer close(out)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				select {
				case out <- b.Next():
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *SimulatedBalloon) jitter(limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return (b.rng.Float64()*2 - 1) * limit
}
