package tracking

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unklstewy/balloon-scope/internal/observability"
)

// Evaluation outcome labels.
const (
	OutcomeSent            = "sent"
	OutcomeHeld            = "held"
	OutcomeOutsideLimits   = "outside_limits"
	OutcomeNoEstimate      = "no_estimate"
	OutcomeNoGroundStation = "no_ground_station"
	OutcomeInvalidSolution = "invalid_solution"
	OutcomeError           = "error"
)

// Metrics exposes tracking loop state to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Samples         prometheus.Counter
	RejectedSamples prometheus.Counter
	Evaluations     *prometheus.CounterVec
	LeadSeconds     prometheus.Gauge
	DistanceKm      prometheus.Gauge
	Elevation       prometheus.Gauge
}

// NewMetrics registers tracking metrics against reg, defaulting to the
// global registry when nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	samples, err := observability.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracking_samples_total",
		Help: "Telemetry samples accepted by the estimator.",
	}), "tracking_samples_total")
	if err != nil {
		return nil, err
	}
	rejected, err := observability.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tracking_samples_rejected_total",
		Help: "Telemetry samples the estimator refused.",
	}), "tracking_samples_rejected_total")
	if err != nil {
		return nil, err
	}
	evaluations, err := observability.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tracking_evaluations_total",
		Help: "Tracking cycles, by outcome.",
	}, []string{"outcome"}), "tracking_evaluations_total")
	if err != nil {
		return nil, err
	}
	lead, err := observability.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_lead_seconds",
		Help: "Prediction horizon used for the last command.",
	}), "tracking_lead_seconds")
	if err != nil {
		return nil, err
	}
	distance, err := observability.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_target_distance_km",
		Help: "Surface distance from the ground station to the predicted target.",
	}), "tracking_target_distance_km")
	if err != nil {
		return nil, err
	}
	elevation, err := observability.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tracking_target_elevation_degrees",
		Help: "Elevation of the predicted target.",
	}), "tracking_target_elevation_degrees")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Samples:         samples,
		RejectedSamples: rejected,
		Evaluations:     evaluations,
		LeadSeconds:     lead,
		DistanceKm:      distance,
		Elevation:       elevation,
	}, nil
}

func (m *Metrics) sample(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.Samples.Inc()
	} else {
		m.RejectedSamples.Inc()
	}
}

func (m *Metrics) evaluation(outcome string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) solution(lead float64, s Snapshot) {
	if m == nil {
		return
	}
	m.LeadSeconds.Set(lead)
	m.DistanceKm.Set(s.Solution.DistanceKm)
	m.Elevation.Set(s.Solution.Elevation)
}
