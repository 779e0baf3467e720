package pointing

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
)

func TestSimulatedMountSlew(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mount := NewSimulatedMount(mock, 2, coordinates.HorizontalCoordinates{})

	if err := mount.Goto(ctx, 20, 0, true); err != nil {
		t.Fatalf("goto failed: %v", err)
	}

	moving, _ := mount.IsMoving(ctx)
	if !moving {
		t.Error("Expected mount to be moving right after goto")
	}

	mock.Add(5 * time.Second)
	az, alt, err := mount.Position(ctx)
	if err != nil {
		t.Fatalf("position failed: %v", err)
	}
	if math.Abs(az-10) > 1e-6 || alt != 0 {
		t.Errorf("Expected halfway at (10, 0), got (%v, %v)", az, alt)
	}

	mock.Add(5 * time.Second)
	moving, _ = mount.IsMoving(ctx)
	if moving {
		t.Error("Expected mount to have stopped")
	}
	az, _, _ = mount.Position(ctx)
	if az != 20 {
		t.Errorf("Expected 20, got %v", az)
	}

	calls := mount.Calls()
	if len(calls) != 1 || !calls[0].HighPrecision {
		t.Errorf("Expected one high precision call, got %+v", calls)
	}
}

func TestSimulatedMountFailures(t *testing.T) {
	ctx := context.Background()
	mount := NewSimulatedMount(clock.NewMock(), 0, coordinates.HorizontalCoordinates{Altitude: 10, Azimuth: 90})

	mount.FailNext(1)
	if err := mount.Goto(ctx, 100, 10, false); !errors.Is(err, ErrGotoRejected) {
		t.Errorf("Expected ErrGotoRejected, got %v", err)
	}
	if err := mount.Goto(ctx, 100, 10, false); err != nil {
		t.Errorf("Expected second goto to succeed, got %v", err)
	}
	if az, _, _ := mount.Position(ctx); az != 100 {
		t.Errorf("Expected instant slew to 100, got %v", az)
	}

	mount.SetOffline(true)
	if _, _, err := mount.Position(ctx); !errors.Is(err, ErrPositionUnavailable) {
		t.Errorf("Expected ErrPositionUnavailable, got %v", err)
	}
}

func TestControllerDrivesSimulatedMount(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	mount := NewSimulatedMount(mock, 4, coordinates.HorizontalCoordinates{})
	c := NewController(mount, DefaultOptions(), WithClock(mock))
	defer c.Close()

	sent, err := c.Track(ctx, coordinates.HorizontalCoordinates{Altitude: 5, Azimuth: 5})
	if err != nil || !sent {
		t.Fatalf("Expected first track to send, got %v, %v", sent, err)
	}

	mock.Add(10 * time.Second)
	sent, err = c.Track(ctx, coordinates.HorizontalCoordinates{Altitude: 5, Azimuth: 5})
	if err != nil || sent {
		t.Errorf("Expected hold once on target, got %v, %v", sent, err)
	}
	if !c.State().AtTarget() {
		t.Errorf("Expected settled, got %v", c.State())
	}
}
