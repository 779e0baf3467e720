package pointing

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unklstewy/balloon-scope/internal/observability"
)

// Strategy labels for issued commands.
const (
	StrategyIntermediate  = "intermediate"
	StrategyDirect        = "direct"
	StrategyFine          = "fine"
	StrategyFinalApproach = "final_approach"
	StrategyFallback      = "fallback"
	StrategyForced        = "forced"
)

// Gate decision labels.
const (
	DecisionSend     = "send"
	DecisionMoving   = "moving"
	DecisionSettled  = "settled"
	DecisionOffset   = "offset"
	DecisionInFlight = "in_flight"
	DecisionError    = "driver_error"
)

// Metrics exposes pointing controller counters to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Commands        *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	GotoFailures    prometheus.Counter
	Superseded      prometheus.Counter
	CommandDistance prometheus.Histogram
}

// NewMetrics registers pointing metrics against the provided registerer.
// Registering twice against the same registerer returns the existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	commands, err := observability.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pointing_commands_total",
		Help: "Goto commands issued to the mount, by strategy.",
	}, []string{"strategy"}), "pointing_commands_total")
	if err != nil {
		return nil, err
	}

	decisions, err := observability.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pointing_gate_decisions_total",
		Help: "Outcomes of the should-send gate.",
	}, []string{"decision"}), "pointing_gate_decisions_total")
	if err != nil {
		return nil, err
	}

	failures, err := observability.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pointing_goto_failures_total",
		Help: "Goto commands the mount driver failed.",
	}), "pointing_goto_failures_total")
	if err != nil {
		return nil, err
	}

	superseded, err := observability.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pointing_final_approach_superseded_total",
		Help: "Deferred final approaches cancelled by a newer command.",
	}), "pointing_final_approach_superseded_total")
	if err != nil {
		return nil, err
	}

	distance, err := observability.Register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pointing_command_distance_degrees",
		Help:    "Angular distance from current pointing to the commanded target.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30, 60, 120, 180},
	}), "pointing_command_distance_degrees")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Commands:        commands,
		Decisions:       decisions,
		GotoFailures:    failures,
		Superseded:      superseded,
		CommandDistance: distance,
	}, nil
}

func (m *Metrics) command(strategy string) {
	if m == nil || m.Commands == nil {
		return
	}
	m.Commands.WithLabelValues(strategy).Inc()
}

func (m *Metrics) decision(decision string) {
	if m == nil || m.Decisions == nil {
		return
	}
	m.Decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) gotoFailed() {
	if m == nil || m.GotoFailures == nil {
		return
	}
	m.GotoFailures.Inc()
}

func (m *Metrics) superseded() {
	if m == nil || m.Superseded == nil {
		return
	}
	m.Superseded.Inc()
}

func (m *Metrics) observeDistance(deg float64) {
	if m == nil || m.CommandDistance == nil {
		return
	}
	m.CommandDistance.Observe(deg)
}
