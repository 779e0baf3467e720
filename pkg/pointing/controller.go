package pointing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
)

// MinTolerance is the floor for both gate tolerances, in degrees.
const MinTolerance = 0.1

// Options tunes the gate and the slew strategy. All angles are in degrees.
type Options struct {
	// PositionTolerance is the change in target that always triggers a new command
	PositionTolerance float64

	// SettledTolerance is how close a stopped mount must be to count as on target
	SettledTolerance float64

	// MinimumMove is the distance below which a move is skipped
	MinimumMove float64

	// IntermediateThreshold is the distance above which the slew is split
	// into an intermediate move and a deferred final approach
	IntermediateThreshold float64

	// IntermediateFraction is how far along the path the intermediate move goes
	IntermediateFraction float64

	// IntermediateHighPrecision selects precise mode for the intermediate move
	IntermediateHighPrecision bool

	// SettleDelay is the wait between the intermediate move and the final approach
	SettleDelay time.Duration

	// PrecisionThreshold is the distance below which FineHighPrecision applies
	PrecisionThreshold float64

	// FineHighPrecision selects precise mode for moves under PrecisionThreshold.
	// Off by default: the precise goto overshoots on short hops.
	FineHighPrecision bool

	// FallbackHighPrecision selects precise mode for the recovery goto
	FallbackHighPrecision bool

	// CommandTimeout bounds the deferred final approach, which has no caller context
	CommandTimeout time.Duration
}

// DefaultOptions returns the tuning used in the field.
func DefaultOptions() Options {
	return Options{
		PositionTolerance:         0.5,
		SettledTolerance:          0.2,
		MinimumMove:               0.1,
		IntermediateThreshold:     15.0,
		IntermediateFraction:      0.8,
		IntermediateHighPrecision: true,
		SettleDelay:               3 * time.Second,
		PrecisionThreshold:        1.0,
		FineHighPrecision:         false,
		FallbackHighPrecision:     true,
		CommandTimeout:            10 * time.Second,
	}
}

func (o Options) sanitized() Options {
	o.PositionTolerance = math.Max(o.PositionTolerance, MinTolerance)
	o.SettledTolerance = math.Max(o.SettledTolerance, MinTolerance)
	if o.IntermediateFraction <= 0 || o.IntermediateFraction > 1 {
		o.IntermediateFraction = 0.8
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 10 * time.Second
	}
	return o
}

// Status is a point-in-time report for display.
type Status struct {
	// Reachable is false when the driver could not report a position
	Reachable bool
	Moving    bool
	AtTarget  bool
	Phase     Phase
	Current   coordinates.HorizontalCoordinates
	Target    coordinates.HorizontalCoordinates

	// FinalApproachPending is true while a deferred final approach is scheduled
	FinalApproachPending bool
}

// pendingApproach is a scheduled final approach. It only fires if the
// controller generation still matches when the timer runs. The timer is nil
// until the command that scheduled it releases the dispatch slot.
type pendingApproach struct {
	timer        *clock.Timer
	delay        time.Duration
	generation   uint64
	intermediate coordinates.HorizontalCoordinates
	target       coordinates.HorizontalCoordinates
}

// Controller gates and shapes commands to a single mount.
//
// At most one command is dispatched at a time. A deferred final approach is
// tied to the command generation that scheduled it; any newer command stops
// the timer and bumps the generation so a stale approach can never fire.
type Controller struct {
	driver  Driver
	logger  *zap.SugaredLogger
	clock   clock.Clock
	metrics *Metrics

	mu         sync.Mutex
	opts       Options
	state      State
	lastSent   coordinates.HorizontalCoordinates
	hasSent    bool
	inFlight   bool
	generation uint64
	approach   *pendingApproach
	closed     bool
	wg         sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithClock sets the clock used for the settle delay.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// NewController creates a controller for the given driver.
func NewController(driver Driver, opts Options, options ...Option) *Controller {
	c := &Controller{
		driver: driver,
		logger: zap.NewNop().Sugar(),
		clock:  clock.New(),
		opts:   opts.sanitized(),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// SetPositionTolerance changes the re-command tolerance. Values under
// MinTolerance are raised to it.
func (c *Controller) SetPositionTolerance(deg float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.PositionTolerance = math.Max(deg, MinTolerance)
}

// SetSettledTolerance changes the on-target tolerance. Values under
// MinTolerance are raised to it.
func (c *Controller) SetSettledTolerance(deg float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.SettledTolerance = math.Max(deg, MinTolerance)
}

// Options returns the current tuning.
func (c *Controller) Options() Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSent returns the last successfully commanded target.
func (c *Controller) LastSent() (coordinates.HorizontalCoordinates, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSent, c.hasSent
}

// ShouldSendNewPosition decides whether the target warrants a new command.
//
// It returns true when nothing has been sent yet or when the target moved by
// at least PositionTolerance on either axis. Otherwise it never asks for a
// command: a moving mount is left alone, and a stopped mount is checked
// against SettledTolerance only to update the Settled state. Small steady
// errors are tolerated rather than chased.
func (c *Controller) ShouldSendNewPosition(ctx context.Context, target coordinates.HorizontalCoordinates) bool {
	target = target.Normalized()

	c.mu.Lock()
	if !c.hasSent {
		c.mu.Unlock()
		c.metrics.decision(DecisionSend)
		return true
	}

	azChange := coordinates.AzimuthDifference(target.Azimuth, c.lastSent.Azimuth)
	altChange := math.Abs(target.Altitude - c.lastSent.Altitude)
	if azChange >= c.opts.PositionTolerance || altChange >= c.opts.PositionTolerance {
		c.mu.Unlock()
		c.metrics.decision(DecisionSend)
		return true
	}
	settledTolerance := c.opts.SettledTolerance
	generation := c.generation
	c.mu.Unlock()

	moving, err := c.driver.IsMoving(ctx)
	if err != nil {
		c.logger.Warnw("failed to query mount motion", "error", err)
		c.metrics.decision(DecisionError)
		return false
	}
	if moving {
		c.metrics.decision(DecisionMoving)
		return false
	}

	az, alt, err := c.driver.Position(ctx)
	if err != nil {
		c.logger.Warnw("failed to read mount position", "error", err)
		c.metrics.decision(DecisionError)
		return false
	}

	onTarget := coordinates.AzimuthDifference(az, target.Azimuth) <= settledTolerance &&
		math.Abs(alt-target.Altitude) <= settledTolerance

	c.mu.Lock()
	// A command issued while we were polling makes this reading stale
	if c.generation == generation {
		if onTarget {
			c.state = c.state.Next(ConfirmedOnTarget, target)
		} else {
			c.state = c.state.Next(ConfirmedOffTarget, target)
		}
	}
	c.mu.Unlock()

	if onTarget {
		c.metrics.decision(DecisionSettled)
	} else {
		c.logger.Debugw("mount stopped off target, holding",
			"target", target, "az", az, "alt", alt, "tolerance", settledTolerance)
		c.metrics.decision(DecisionOffset)
	}
	return false
}

// Track runs one gate-and-dispatch cycle for the target. It returns true when
// a goto was sent. A cycle that finds another command in flight is skipped
// without error.
func (c *Controller) Track(ctx context.Context, target coordinates.HorizontalCoordinates) (bool, error) {
	if c.busy() {
		c.metrics.decision(DecisionInFlight)
		return false, nil
	}
	if !c.ShouldSendNewPosition(ctx, target) {
		return false, nil
	}

	sent, err := c.move(ctx, target)
	if errors.Is(err, ErrCommandInFlight) {
		c.metrics.decision(DecisionInFlight)
		return false, nil
	}
	return sent, err
}

// MoveToPositionPrecise moves the mount to the target with a strategy chosen
// by angular distance from the current pointing:
//
//   - under MinimumMove: nothing is sent
//   - over IntermediateThreshold: an intermediate move IntermediateFraction of
//     the way, then the exact target after SettleDelay in reduced precision
//   - otherwise: the exact target in reduced precision, or FineHighPrecision
//     under PrecisionThreshold
//
// If the driver fails at any step, one plain goto to the target is attempted.
// If that fails too, both errors are returned and the last sent target is
// left unchanged so the next cycle retries.
func (c *Controller) MoveToPositionPrecise(ctx context.Context, target coordinates.HorizontalCoordinates) error {
	_, err := c.move(ctx, target)
	return err
}

// move implements MoveToPositionPrecise and reports whether a goto was sent.
func (c *Controller) move(ctx context.Context, target coordinates.HorizontalCoordinates) (bool, error) {
	target = target.Normalized()

	generation, err := c.begin()
	if err != nil {
		return false, err
	}
	defer c.end()

	opts := c.Options()

	az, alt, err := c.driver.Position(ctx)
	if err != nil {
		return c.fallback(ctx, generation, target, fmt.Errorf("failed to read mount position: %w", err))
	}
	current := coordinates.HorizontalCoordinates{Altitude: alt, Azimuth: az}.Normalized()

	distance := AngularDistance(current, target)
	c.metrics.observeDistance(distance)

	switch {
	case distance < opts.MinimumMove:
		c.logger.Debugw("target within minimum move, skipping", "target", target, "distance", distance)
		c.record(generation, target, ConfirmedOnTarget)
		return false, nil

	case distance > opts.IntermediateThreshold:
		intermediate := Interpolate(current, target, opts.IntermediateFraction)
		c.logger.Infow("large move, sending intermediate position",
			"from", current, "intermediate", intermediate, "target", target, "distance", distance)

		if err := c.driver.Goto(ctx, intermediate.Azimuth, intermediate.Altitude, opts.IntermediateHighPrecision); err != nil {
			c.metrics.gotoFailed()
			return c.fallback(ctx, generation, target, fmt.Errorf("intermediate goto to %v failed: %w", intermediate, err))
		}
		c.metrics.command(StrategyIntermediate)
		c.record(generation, target, Commanded)
		c.scheduleFinalApproach(generation, intermediate, target, opts.SettleDelay)
		return true, nil

	default:
		highPrecision := false
		strategy := StrategyDirect
		if distance < opts.PrecisionThreshold {
			highPrecision = opts.FineHighPrecision
			strategy = StrategyFine
		}
		c.logger.Infow("moving to target",
			"from", current, "target", target, "distance", distance, "high_precision", highPrecision)

		if err := c.driver.Goto(ctx, target.Azimuth, target.Altitude, highPrecision); err != nil {
			c.metrics.gotoFailed()
			return c.fallback(ctx, generation, target, fmt.Errorf("goto to %v failed: %w", target, err))
		}
		c.metrics.command(strategy)
		c.record(generation, target, Commanded)
		return true, nil
	}
}

// ForceMoveToPosition forgets the last sent target and issues one plain goto.
// It is meant for explicit resets, not for tracking.
func (c *Controller) ForceMoveToPosition(ctx context.Context, target coordinates.HorizontalCoordinates) error {
	target = target.Normalized()

	generation, err := c.begin()
	if err != nil {
		return err
	}
	defer c.end()

	c.mu.Lock()
	c.hasSent = false
	c.state = c.state.Next(Cleared, target)
	highPrecision := c.opts.FallbackHighPrecision
	c.mu.Unlock()

	c.logger.Infow("forcing move", "target", target)
	if err := c.driver.Goto(ctx, target.Azimuth, target.Altitude, highPrecision); err != nil {
		c.metrics.gotoFailed()
		return fmt.Errorf("forced goto to %v failed: %w", target, err)
	}
	c.metrics.command(StrategyForced)
	c.record(generation, target, Commanded)
	return nil
}

// Reset cancels any pending final approach and returns to Idle. The next
// gate check will ask for a command.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelApproachLocked()
	c.generation++
	c.hasSent = false
	c.state = c.state.Next(Cleared, coordinates.HorizontalCoordinates{})
}

// Status queries the mount and reports the controller's view of it.
func (c *Controller) Status(ctx context.Context) Status {
	c.mu.Lock()
	st := Status{
		Phase:                c.state.Phase,
		AtTarget:             c.state.AtTarget(),
		Target:               c.state.Target,
		FinalApproachPending: c.approach != nil,
	}
	c.mu.Unlock()

	az, alt, err := c.driver.Position(ctx)
	if err != nil {
		return st
	}
	st.Reachable = true
	st.Current = coordinates.HorizontalCoordinates{Altitude: alt, Azimuth: az}

	if moving, err := c.driver.IsMoving(ctx); err == nil {
		st.Moving = moving
	}
	return st
}

// Close cancels any pending final approach and waits for a running one to
// finish. Further commands return ErrControllerClosed.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cancelApproachLocked()
	c.generation++
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}

// begin claims the single dispatch slot and invalidates any pending final
// approach. It returns the generation of the new command.
func (c *Controller) begin() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrControllerClosed
	}
	if c.inFlight {
		return 0, ErrCommandInFlight
	}
	c.inFlight = true
	if c.cancelApproachLocked() {
		c.metrics.superseded()
	}
	c.generation++
	return c.generation, nil
}

// end releases the dispatch slot and starts the settle delay of a final
// approach scheduled by the command that just finished.
func (c *Controller) end() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight = false
	if p := c.approach; p != nil && p.timer == nil && !c.closed {
		p.timer = c.clock.AfterFunc(p.delay, func() { c.fireFinalApproach(p) })
	}
}

func (c *Controller) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// record stores a successful command, unless a newer one already replaced it.
func (c *Controller) record(generation uint64, target coordinates.HorizontalCoordinates, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		return
	}
	c.lastSent = target
	c.hasSent = true
	if ev == ConfirmedOnTarget {
		c.state = c.state.Next(Commanded, target).Next(ConfirmedOnTarget, target)
		return
	}
	c.state = c.state.Next(ev, target)
}

// fallback makes the single unconditional recovery goto.
func (c *Controller) fallback(ctx context.Context, generation uint64, target coordinates.HorizontalCoordinates, cause error) (bool, error) {
	highPrecision := c.Options().FallbackHighPrecision

	c.logger.Warnw("precise move failed, trying plain goto", "target", target, "error", cause)
	if err := c.driver.Goto(ctx, target.Azimuth, target.Altitude, highPrecision); err != nil {
		c.metrics.gotoFailed()
		return false, multierr.Combine(cause, fmt.Errorf("fallback goto to %v failed: %w", target, err))
	}
	c.metrics.command(StrategyFallback)
	c.record(generation, target, Commanded)
	return true, nil
}

// scheduleFinalApproach records the deferred exact-target command. end arms
// its timer.
func (c *Controller) scheduleFinalApproach(generation uint64, intermediate, target coordinates.HorizontalCoordinates, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || generation != c.generation {
		return
	}
	c.approach = &pendingApproach{
		delay:        delay,
		generation:   generation,
		intermediate: intermediate,
		target:       target,
	}
}

// fireFinalApproach runs on the timer goroutine.
func (c *Controller) fireFinalApproach(p *pendingApproach) {
	c.mu.Lock()
	if c.closed || c.approach != p || c.generation != p.generation || c.inFlight {
		c.mu.Unlock()
		return
	}
	c.approach = nil
	c.inFlight = true
	timeout := c.opts.CommandTimeout
	c.wg.Add(1)
	c.mu.Unlock()

	defer func() {
		c.end()
		c.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c.logger.Infow("final approach", "target", p.target)
	if err := c.driver.Goto(ctx, p.target.Azimuth, p.target.Altitude, false); err != nil {
		c.metrics.gotoFailed()
		c.logger.Errorw("final approach failed", "target", p.target, "error", err)

		// The mount only reached the intermediate point; remember that so the
		// next gate check sees the target as new and re-commands it.
		c.mu.Lock()
		if c.generation == p.generation {
			c.lastSent = p.intermediate
			c.state = c.state.Next(Commanded, p.intermediate)
		}
		c.mu.Unlock()
		return
	}
	c.metrics.command(StrategyFinalApproach)
}

// cancelApproachLocked stops the pending final approach, if any. The last
// sent target falls back to the intermediate point the mount was sent to.
func (c *Controller) cancelApproachLocked() bool {
	if c.approach == nil {
		return false
	}
	if c.approach.timer != nil {
		c.approach.timer.Stop()
	}
	c.lastSent = c.approach.intermediate
	c.approach = nil
	return true
}

// AngularDistance is the wrap-aware Euclidean distance between two pointings,
// treating azimuth and altitude deltas as orthogonal.
func AngularDistance(a, b coordinates.HorizontalCoordinates) float64 {
	return math.Hypot(
		coordinates.AzimuthDifference(a.Azimuth, b.Azimuth),
		b.Altitude-a.Altitude,
	)
}

// Interpolate returns the point a fraction of the way from one pointing to
// another along the shortest azimuth rotation.
func Interpolate(from, to coordinates.HorizontalCoordinates, fraction float64) coordinates.HorizontalCoordinates {
	return coordinates.HorizontalCoordinates{
		Azimuth:  coordinates.NormalizeAzimuth(from.Azimuth + fraction*coordinates.SignedAzimuthDelta(from.Azimuth, to.Azimuth)),
		Altitude: coordinates.ClampAltitude(from.Altitude + fraction*(to.Altitude-from.Altitude)),
	}
}
