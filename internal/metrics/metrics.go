package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_runs_started_total",
			Help: "Total number of workflow runs dispatched",
		},
		[]string{"workflow", "mode"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_runs_completed_total",
			Help: "Total number of workflow runs completed by overall status",
		},
		[]string{"workflow", "mode", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pai_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 150, 300, 600, 900},
		},
		[]string{"workflow", "mode"},
	)

	// Task metrics
	TaskOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_task_outcomes_total",
			Help: "Worker task outcomes by status",
		},
		[]string{"workflow", "status"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pai_task_duration_seconds",
			Help:    "Worker task duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"workflow", "status"},
	)

	TaskQueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pai_task_queue_wait_seconds",
			Help:    "Time a worker task waited for pool capacity",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 5, 30, 120},
		},
	)

	LateResultsIgnored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pai_task_late_results_ignored_total",
			Help: "Executor results discarded because the slot was already settled",
		},
	)

	ActiveTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pai_tasks_active",
			Help: "Number of worker tasks currently executing",
		},
	)

	// Routing metrics
	IntentResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_intent_resolutions_total",
			Help: "Intent resolutions by result (matched, no_match, ambiguous)",
		},
		[]string{"result"},
	)

	// Sink metrics
	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_sink_errors_total",
			Help: "Report sink failures by sink",
		},
		[]string{"sink"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pai_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "code"},
	)

	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pai_http_rate_limited_total",
			Help: "API requests rejected by the rate limiter",
		},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pai_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
