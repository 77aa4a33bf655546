// Package monitoring exposes the platform's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the job platform.
type Metrics struct {
	// Job lifecycle
	JobsSubmitted *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec

	// Queue
	QueueDepth   *prometheus.GaugeVec
	DLQRoutes    prometheus.Counter
	DelayedDepth prometheus.Gauge

	// Policy / safety
	PolicyDecisions *prometheus.CounterVec
	RateLimitHits   *prometheus.CounterVec
	CircuitOpens    *prometheus.CounterVec

	// Reflection
	ReflectionsApplied *prometheus.CounterVec
	SignalsEmitted     *prometheus.CounterVec
}

// NewMetrics creates and registers all platform metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		JobsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagegrab_jobs_submitted_total",
				Help: "Jobs accepted through the API",
			},
			[]string{"strategy", "priority"},
		),

		JobsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagegrab_jobs_finished_total",
				Help: "Jobs reaching a terminal status",
			},
			[]string{"status"}, // completed, failed, cancelled, dlq
		),

		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagegrab_job_duration_seconds",
				Help:    "Wall time of executor runs",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"strategy", "outcome"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pagegrab_queue_depth",
				Help: "Entries per priority stream",
			},
			[]string{"stream"},
		),

		DLQRoutes: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagegrab_dlq_routed_total",
				Help: "Jobs routed to the dead-letter stream",
			},
		),

		DelayedDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagegrab_delayed_depth",
				Help: "Jobs waiting in the delayed set",
			},
		),

		PolicyDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagegrab_policy_decisions_total",
				Help: "Policy check outcomes",
			},
			[]string{"action"}, // allow, deny, rate_limit, concurrency_limit, strategy_restricted
		),

		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagegrab_rate_limit_rejections_total",
				Help: "Acquisitions rejected by the sliding-window limiter",
			},
			[]string{"domain"},
		),

		CircuitOpens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagegrab_circuit_opens_total",
				Help: "Circuit breaker trips per domain",
			},
			[]string{"domain"},
		),

		ReflectionsApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagegrab_reflections_applied_total",
				Help: "Adapter mutations per rule",
			},
			[]string{"rule"},
		),

		SignalsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagegrab_reflection_signals_total",
				Help: "Signals emitted by the reflection publisher",
			},
			[]string{"type"},
		),
	}
}

// RecordSubmission counts one accepted job.
func (m *Metrics) RecordSubmission(strategy, priority string) {
	m.JobsSubmitted.WithLabelValues(strategy, priority).Inc()
}

// RecordCompletion counts a terminal transition.
func (m *Metrics) RecordCompletion(status string) {
	m.JobsCompleted.WithLabelValues(status).Inc()
}

// RecordExecution observes one executor run.
func (m *Metrics) RecordExecution(strategy string, success bool, seconds float64) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.JobDuration.WithLabelValues(strategy, outcome).Observe(seconds)
}

// RecordPolicyDecision counts one policy outcome.
func (m *Metrics) RecordPolicyDecision(action string) {
	m.PolicyDecisions.WithLabelValues(action).Inc()
}

// RecordDLQRoute counts one job moved to the dead-letter stream.
func (m *Metrics) RecordDLQRoute() {
	m.DLQRoutes.Inc()
}

// RecordRateLimited counts one rate-limited safety deferral.
func (m *Metrics) RecordRateLimited(domain string) {
	m.RateLimitHits.WithLabelValues(domain).Inc()
}

// RecordCircuitOpen counts one open-circuit safety deferral.
func (m *Metrics) RecordCircuitOpen(domain string) {
	m.CircuitOpens.WithLabelValues(domain).Inc()
}

// RecordReflections counts applied adapter mutation rules.
func (m *Metrics) RecordReflections(rules []string) {
	for _, rule := range rules {
		m.ReflectionsApplied.WithLabelValues(rule).Inc()
	}
}

// RecordSignal counts one emitted reflection signal.
func (m *Metrics) RecordSignal(sigType string) {
	m.SignalsEmitted.WithLabelValues(sigType).Inc()
}

// UpdateQueueDepths refreshes the per-stream gauges.
func (m *Metrics) UpdateQueueDepths(depths map[string]int64, delayed int64) {
	for stream, depth := range depths {
		m.QueueDepth.WithLabelValues(stream).Set(float64(depth))
	}
	m.DelayedDepth.Set(float64(delayed))
}
