package pointing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
)

// GotoCall is one command received by a SimulatedMount.
type GotoCall struct {
	Azimuth       float64
	Altitude      float64
	HighPrecision bool
	At            time.Time
}

// SimulatedMount is an in-memory Driver that slews at a fixed rate on the
// given clock. It is used for dry runs and tests.
type SimulatedMount struct {
	clock    clock.Clock
	slewRate float64 // degrees per second

	mu       sync.Mutex
	from     coordinates.HorizontalCoordinates
	to       coordinates.HorizontalCoordinates
	started  time.Time
	duration time.Duration
	calls    []GotoCall
	failures int
	offline  bool
}

// NewSimulatedMount creates a simulated mount parked at home. A slew rate of
// zero or less makes every goto complete instantly.
func NewSimulatedMount(clk clock.Clock, slewRate float64, home coordinates.HorizontalCoordinates) *SimulatedMount {
	if clk == nil {
		clk = clock.New()
	}
	home = home.Normalized()
	return &SimulatedMount{
		clock:    clk,
		slewRate: slewRate,
		from:     home,
		to:       home,
		started:  clk.Now(),
	}
}

// Position returns the interpolated pointing along the current slew.
func (s *SimulatedMount) Position(ctx context.Context) (float64, float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offline {
		return 0, 0, fmt.Errorf("simulated mount offline: %w", ErrPositionUnavailable)
	}
	p := s.positionLocked()
	return p.Azimuth, p.Altitude, nil
}

// IsMoving reports whether the current slew is still running.
func (s *SimulatedMount) IsMoving(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offline {
		return false, fmt.Errorf("simulated mount offline: %w", ErrPositionUnavailable)
	}
	return s.clock.Since(s.started) < s.duration, nil
}

// Goto starts a slew from the current position. A slew in progress is
// abandoned where it is.
func (s *SimulatedMount) Goto(ctx context.Context, az, alt float64, highPrecision bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.calls = append(s.calls, GotoCall{Azimuth: az, Altitude: alt, HighPrecision: highPrecision, At: now})

	if s.offline {
		return fmt.Errorf("simulated mount offline: %w", ErrGotoRejected)
	}
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("simulated failure: %w", ErrGotoRejected)
	}

	target := coordinates.HorizontalCoordinates{Altitude: alt, Azimuth: az}.Normalized()
	s.from = s.positionLocked()
	s.to = target
	s.started = now
	s.duration = 0
	if s.slewRate > 0 {
		seconds := AngularDistance(s.from, s.to) / s.slewRate
		s.duration = time.Duration(seconds * float64(time.Second))
	}
	return nil
}

// FailNext makes the next n gotos fail with ErrGotoRejected.
func (s *SimulatedMount) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// SetOffline makes every call fail until cleared.
func (s *SimulatedMount) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Calls returns a copy of the gotos received so far, failed ones included.
func (s *SimulatedMount) Calls() []GotoCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GotoCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *SimulatedMount) positionLocked() coordinates.HorizontalCoordinates {
	if s.duration <= 0 {
		return s.to
	}
	elapsed := s.clock.Since(s.started)
	if elapsed >= s.duration {
		return s.to
	}
	fraction := math.Max(0, float64(elapsed)/float64(s.duration))
	return Interpolate(s.from, s.to, fraction)
}
