package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the audit pipeline.
type Metrics struct {
	// Audit outcomes by verdict and the last stage run
	Outcomes *prometheus.CounterVec

	// End-to-end audit latency
	AuditLatency prometheus.Histogram

	// Per-stage latency
	StageLatency *prometheus.HistogramVec

	// Provider attempts by provider and outcome (success or error category)
	ProviderAttempts *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	// Retrieval failures absorbed by the reasoning stage
	RetrievalFailures prometheus.Counter

	// Panics recovered at the coordinator boundary
	RecoveredPanics prometheus.Counter
}

// New registers the audit metrics with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the audit metrics with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nfaudit_audit_outcomes_total",
			Help: "Audit results by verdict and stage reached",
		}, []string{"verdict", "stage"}),

		AuditLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nfaudit_audit_duration_seconds",
			Help:    "Duration of a full audit including reasoning",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
		}),

		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nfaudit_stage_duration_seconds",
			Help:    "Duration of each audit stage",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.1, 1, 5, 30, 90},
		}, []string{"stage"}),

		ProviderAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nfaudit_provider_attempts_total",
			Help: "Reasoning provider invocations by provider and outcome",
		}, []string{"provider", "outcome"}),

		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nfaudit_provider_attempt_duration_seconds",
			Help:    "Duration of single reasoning provider attempts",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"provider"}),

		RetrievalFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "nfaudit_retrieval_failures_total",
			Help: "Context retrieval failures tolerated by the reasoning stage",
		}),

		RecoveredPanics: f.NewCounter(prometheus.CounterOpts{
			Name: "nfaudit_recovered_panics_total",
			Help: "Panics recovered at the audit boundary",
		}),
	}
}

// IncrementOutcome records an audit result.
func (m *Metrics) IncrementOutcome(verdict, stage string) {
	if m != nil {
		m.Outcomes.WithLabelValues(verdict, stage).Inc()
	}
}

// ObserveAuditLatency records the total audit duration.
func (m *Metrics) ObserveAuditLatency(d time.Duration) {
	if m != nil {
		m.AuditLatency.Observe(d.Seconds())
	}
}

// ObserveStageLatency records how long one stage took.
func (m *Metrics) ObserveStageLatency(stage string, d time.Duration) {
	if m != nil {
		m.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// ProviderAttempt records one provider invocation.
func (m *Metrics) ProviderAttempt(provider, outcome string, d time.Duration) {
	if m != nil {
		m.ProviderAttempts.WithLabelValues(provider, outcome).Inc()
		m.ProviderLatency.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// RetrievalFailed counts a tolerated retrieval failure.
func (m *Metrics) RetrievalFailed() {
	if m != nil {
		m.RetrievalFailures.Inc()
	}
}

// IncrementRecoveredPanics counts a recovered panic.
func (m *Metrics) IncrementRecoveredPanics() {
	if m != nil {
		m.RecoveredPanics.Inc()
	}
}
