package pointing

import (
	"fmt"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
)

// Phase is the controller's view of the mount.
type Phase int

const (
	// Idle means no command has been sent yet
	Idle Phase = iota

	// Slewing means a command was sent and the mount has not been confirmed on target
	Slewing

	// Settled means the mount stopped within the settled tolerance of the target
	Settled
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Slewing:
		return "slewing"
	case Settled:
		return "settled"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Event drives a State transition.
type Event int

const (
	// Commanded is a successfully dispatched command
	Commanded Event = iota

	// ConfirmedOnTarget is a stopped mount within the settled tolerance
	ConfirmedOnTarget

	// ConfirmedOffTarget is a stopped mount outside the settled tolerance
	ConfirmedOffTarget

	// Cleared forgets the last command
	Cleared
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case Commanded:
		return "commanded"
	case ConfirmedOnTarget:
		return "on-target"
	case ConfirmedOffTarget:
		return "off-target"
	case Cleared:
		return "cleared"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// State is the controller state. Target is meaningful only outside Idle.
type State struct {
	Phase  Phase
	Target coordinates.HorizontalCoordinates
}

// AtTarget reports whether the mount was last confirmed on target.
func (s State) AtTarget() bool {
	return s.Phase == Settled
}

// String formats the state for logs.
func (s State) String() string {
	if s.Phase == Idle {
		return Idle.String()
	}
	return fmt.Sprintf("%s{%v}", s.Phase, s.Target)
}

// Next is the single transition function for the controller state.
//
//	Idle     --Commanded(t)-->          Slewing{t}
//	Slewing  --ConfirmedOnTarget-->     Settled{t}
//	Settled  --ConfirmedOffTarget-->    Slewing{t}
//	any      --Commanded(t')-->         Slewing{t'}
//	any      --Cleared-->               Idle
//
// Confirmations are ignored while Idle since there is no target to confirm.
func (s State) Next(ev Event, target coordinates.HorizontalCoordinates) State {
	switch ev {
	case Commanded:
		return State{Phase: Slewing, Target: target}
	case ConfirmedOnTarget:
		if s.Phase == Idle {
			return s
		}
		return State{Phase: Settled, Target: s.Target}
	case ConfirmedOffTarget:
		if s.Phase == Idle {
			return s
		}
		return State{Phase: Slewing, Target: s.Target}
	case Cleared:
		return State{Phase: Idle}
	default:
		return s
	}
}
