// Package pointing decides when and how to command an alt-azimuth mount so
// that it follows a moving target without hunting around small errors.
package pointing

import (
	"context"
	"errors"
)

var (
	// ErrPositionUnavailable is returned by drivers that cannot report where
	// the mount is pointing.
	ErrPositionUnavailable = errors.New("mount position unavailable")

	// ErrGotoRejected is returned by drivers when the mount refuses a goto.
	ErrGotoRejected = errors.New("goto rejected by mount")

	// ErrCommandInFlight is returned when another command is being dispatched.
	ErrCommandInFlight = errors.New("mount command already in flight")

	// ErrControllerClosed is returned after Close.
	ErrControllerClosed = errors.New("pointing controller closed")
)

// Driver is the contract every mount implementation satisfies.
//
// Azimuth is in [0, 360) and altitude in [-90, 90], both in degrees. The
// controller normalizes values before calling Goto, so a driver may treat
// out-of-range input as a programming error.
type Driver interface {
	// Position returns the current pointing. Drivers that cannot report it
	// return an error wrapping ErrPositionUnavailable.
	Position(ctx context.Context) (az, alt float64, err error)

	// IsMoving reports whether the mount is currently slewing.
	IsMoving(ctx context.Context) (bool, error)

	// Goto starts a slew to the given position. highPrecision selects the
	// driver's precise (slower, multi-stage) goto where one exists.
	Goto(ctx context.Context, az, alt float64, highPrecision bool) error
}
