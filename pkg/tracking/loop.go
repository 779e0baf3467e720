package tracking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
	"github.com/unklstewy/balloon-scope/pkg/pointing"
	"github.com/unklstewy/balloon-scope/pkg/telemetry"
)

var (
	// ErrNoEstimate is returned when a cycle runs before the first fix.
	ErrNoEstimate = errors.New("no target estimate yet")

	// ErrInvalidSolution is returned when the look angle cannot be computed.
	ErrInvalidSolution = errors.New("invalid tracking solution")
)

// Pointer is the part of the pointing controller the loop drives. Status
// talks to the mount; State does not.
type Pointer interface {
	Track(ctx context.Context, target coordinates.HorizontalCoordinates) (bool, error)
	Status(ctx context.Context) pointing.Status
	State() pointing.State
}

// Decision is one evaluated tracking cycle, as handed to a Recorder.
type Decision struct {
	Time      time.Time
	Estimate  coordinates.Geographic
	Predicted coordinates.Geographic
	Solution  coordinates.TrackingSolution
	Command   coordinates.HorizontalCoordinates
	Lead      float64
	Limit     LimitEvent
	Sent      bool
	Phase     pointing.Phase
	Err       error
}

// Recorder persists samples and decisions. Recorder errors are logged and
// never stop tracking.
type Recorder interface {
	RecordSample(ctx context.Context, s telemetry.Sample) error
	RecordDecision(ctx context.Context, d Decision) error
}

// Snapshot is the latest view of the tracker for display.
type Snapshot struct {
	Decision
	Ground     coordinates.Geographic
	Target     TargetState
	Controller pointing.Status
	Samples    uint64
}

// LoopConfig controls the evaluation cadence and targeting.
type LoopConfig struct {
	// Interval between evaluations
	Interval time.Duration

	Lead   LeadConfig
	Limits TrackingLimits
}

// DefaultLoopConfig evaluates every 15 seconds with default lead and limits.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Interval: 15 * time.Second,
		Lead:     DefaultLeadConfig(),
		Limits:   DefaultTrackingLimits(),
	}
}

// Loop feeds telemetry into the estimator and periodically points the mount
// at the predicted target.
type Loop struct {
	cfg       LoopConfig
	estimator *Estimator
	pointer   Pointer
	logger    *zap.SugaredLogger
	clock     clock.Clock
	metrics   *Metrics
	recorder  Recorder

	groundMu sync.RWMutex
	ground   coordinates.Geographic

	snapMu   sync.RWMutex
	snapshot Snapshot
	samples  uint64
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopLogger sets the logger.
func WithLoopLogger(logger *zap.SugaredLogger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// WithLoopClock sets the clock driving the evaluation ticker.
func WithLoopClock(clk clock.Clock) LoopOption {
	return func(l *Loop) { l.clock = clk }
}

// WithLoopMetrics attaches Prometheus metrics.
func WithLoopMetrics(m *Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// WithRecorder forwards samples and decisions to r.
func WithRecorder(r Recorder) LoopOption {
	return func(l *Loop) { l.recorder = r }
}

// NewLoop creates a tracking loop. The ground station must be set before
// the first evaluation can command the mount.
func NewLoop(est *Estimator, pointer Pointer, cfg LoopConfig, opts ...LoopOption) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultLoopConfig().Interval
	}
	l := &Loop{
		cfg:       cfg,
		estimator: est,
		pointer:   pointer,
		logger:    zap.NewNop().Sugar(),
		clock:     clock.New(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetGroundStation validates and stores the observer position.
func (l *Loop) SetGroundStation(g coordinates.Geographic) error {
	if err := coordinates.Validate(g); err != nil {
		return fmt.Errorf("invalid ground station: %w", err)
	}
	l.groundMu.Lock()
	l.ground = g
	l.groundMu.Unlock()
	l.logger.Infow("ground station set", "lat", g.Latitude, "lon", g.Longitude, "alt", g.Altitude)
	return nil
}

// GroundStation returns the current observer position.
func (l *Loop) GroundStation() coordinates.Geographic {
	l.groundMu.RLock()
	defer l.groundMu.RUnlock()
	return l.ground
}

// Snapshot returns the most recent evaluation.
func (l *Loop) Snapshot() Snapshot {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	return l.snapshot
}

// Ingest feeds one telemetry sample to the estimator.
func (l *Loop) Ingest(ctx context.Context, s telemetry.Sample) error {
	err := l.estimator.Update(Measurement{
		Time:     s.Time,
		Position: s.Position(),
		Accel:    Acceleration{East: s.AccelEast, North: s.AccelNorth, Up: s.AccelUp},
	})
	l.metrics.sample(err == nil)
	if err != nil {
		l.logger.Warnw("rejected telemetry sample", "sample", s, "error", err)
		return err
	}

	l.snapMu.Lock()
	l.samples++
	l.snapMu.Unlock()

	if l.recorder != nil {
		if err := l.recorder.RecordSample(ctx, s); err != nil {
			l.logger.Warnw("failed to record sample", "error", err)
		}
	}
	return nil
}

// Evaluate runs one tracking cycle: predict with lead, solve the look angle,
// check limits and hand the command to the pointer.
//
// The mount is queried once per cycle. The snapshot's mount position is from
// the start of the cycle; its phase and target reflect the command just sent.
func (l *Loop) Evaluate(ctx context.Context) (Snapshot, error) {
	d := Decision{Time: l.clock.Now()}
	ground := l.GroundStation()
	status := l.pointer.Status(ctx)

	outcome, err := l.evaluate(ctx, ground, status, &d)
	d.Err = err
	l.metrics.evaluation(outcome)

	state := l.pointer.State()
	status.Phase = state.Phase
	status.Target = state.Target
	status.AtTarget = state.AtTarget()
	d.Phase = status.Phase
	snap := Snapshot{
		Decision:   d,
		Ground:     ground,
		Target:     l.estimator.Snapshot(),
		Controller: status,
	}

	l.snapMu.Lock()
	snap.Samples = l.samples
	l.snapshot = snap
	l.snapMu.Unlock()

	if d.Solution.Valid {
		l.metrics.solution(d.Lead, snap)
		if l.recorder != nil {
			if rerr := l.recorder.RecordDecision(ctx, d); rerr != nil {
				l.logger.Warnw("failed to record decision", "error", rerr)
			}
		}
	}
	return snap, err
}

func (l *Loop) evaluate(ctx context.Context, ground coordinates.Geographic, status pointing.Status, d *Decision) (string, error) {
	if err := coordinates.Validate(ground); err != nil {
		return OutcomeNoGroundStation, fmt.Errorf("ground station: %w", err)
	}
	if !l.estimator.Initialized() {
		return OutcomeNoEstimate, ErrNoEstimate
	}

	d.Estimate = l.estimator.State(0)
	now := coordinates.TrackingParameters(ground, d.Estimate)
	if !now.Valid {
		return OutcomeInvalidSolution, ErrInvalidSolution
	}

	// Aim where the target will be once the mount gets there.
	current := now.Mount()
	if status.Reachable {
		current = status.Current
	}
	d.Lead = l.cfg.Lead.Lead(current, now.Mount())

	d.Predicted = l.estimator.State(d.Lead)
	d.Solution = coordinates.TrackingParameters(ground, d.Predicted)
	if !d.Solution.Valid {
		return OutcomeInvalidSolution, ErrInvalidSolution
	}
	d.Command = d.Solution.Mount()

	d.Limit = l.cfg.Limits.Check(d.Command)
	if d.Limit != WithinLimits {
		l.logger.Infow("target outside tracking limits", "command", d.Command, "limit", d.Limit.String())
		return OutcomeOutsideLimits, nil
	}

	sent, err := l.pointer.Track(ctx, d.Command)
	d.Sent = sent
	if err != nil {
		l.logger.Errorw("pointing failed", "command", d.Command, "error", err)
		return OutcomeError, err
	}
	if sent {
		l.logger.Infow("commanded mount", "command", d.Command, "solution", d.Solution, "lead", d.Lead)
		return OutcomeSent, nil
	}
	return OutcomeHeld, nil
}

// Run ingests samples and evaluates on every interval until ctx is done or
// samples is closed. Evaluation errors are logged, not returned; a closed
// source ends the loop with a nil error.
func (l *Loop) Run(ctx context.Context, samples <-chan telemetry.Sample) error {
	ticker := l.clock.Ticker(l.cfg.Interval)
	defer ticker.Stop()

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-samples:
				if !ok {
					l.logger.Info("telemetry source closed")
					return
				}
				_ = l.Ingest(ctx, s)
			}
		}
	}()

	l.logger.Infow("tracking loop started", "interval", l.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return parent.Err()
		case <-ticker.C:
			snap, err := l.Evaluate(ctx)
			if err != nil && !errors.Is(err, ErrNoEstimate) {
				l.logger.Warnw("tracking cycle failed", "error", err)
				continue
			}
			l.logger.Debugw("tracking cycle", "command", snap.Command, "sent", snap.Sent, "phase", snap.Controller.Phase.String())
		}
	}
}
