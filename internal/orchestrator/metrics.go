package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sprite-ai/tiergate/internal/model"
)

const metricsNamespace = "tiergate"

// Metrics are the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	Candidates  *prometheus.CounterVec
	Tiers       *prometheus.CounterVec
	Escalations *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	InFlight    prometheus.Gauge
	Runs        *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Candidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "candidates_total",
			Help:      "Candidates processed by terminal status",
		}, []string{"status"}),
		Tiers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tier_assignments_total",
			Help:      "Final tier assignments",
		}, []string{"tier"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "escalations_total",
			Help:      "Tier escalations after failed validation",
		}, []string{"from", "to"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "candidate_duration_seconds",
			Help:      "Time from dispatch to terminal status",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"status"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "candidates_in_flight",
			Help:      "Candidate pipelines currently running",
		}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Completed runs by mode",
		}, []string{"mode"}),
	}
}

// Escalated records one escalation. It matches gate.Gate.OnEscalate.
func (m *Metrics) Escalated(from, to model.RiskTier) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) finished(e model.ReportEntry, d time.Duration) {
	if m == nil {
		return
	}
	m.InFlight.Dec()
	m.Candidates.WithLabelValues(string(e.Status)).Inc()
	m.Duration.WithLabelValues(string(e.Status)).Observe(d.Seconds())
	if e.Metrics != nil {
		m.Tiers.WithLabelValues(e.Tier.String()).Inc()
	}
}

// skipped records a candidate that never ran.
func (m *Metrics) skipped(e model.ReportEntry) {
	if m == nil {
		return
	}
	m.Candidates.WithLabelValues(string(e.Status)).Inc()
}

func (m *Metrics) run(dryRun bool) {
	if m == nil {
		return
	}
	mode := "live"
	if dryRun {
		mode = "dry_run"
	}
	m.Runs.WithLabelValues(mode).Inc()
}
