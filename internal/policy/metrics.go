package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_policy_evaluations_total",
			Help: "Total number of policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pai_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_policy_errors_total",
			Help: "Total number of policy evaluation errors",
		},
		[]string{"error_type", "mode"},
	)

	policyCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_policy_cache_total",
			Help: "Policy decision cache lookups by result",
		},
		[]string{"result"},
	)

	policiesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pai_policies_loaded",
			Help: "Number of policy modules currently compiled",
		},
	)
)

// RecordEvaluation records one completed policy evaluation.
func RecordEvaluation(allow bool, mode Mode, seconds float64) {
	decision := "deny"
	if allow {
		decision = "allow"
	}
	policyEvaluations.WithLabelValues(decision, string(mode)).Inc()
	policyEvaluationDuration.WithLabelValues(string(mode)).Observe(seconds)
}

// RecordError records a policy evaluation error.
func RecordError(errorType string, mode Mode) {
	policyErrors.WithLabelValues(errorType, string(mode)).Inc()
}
