// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// and the event-to-metric bridge for the rollout engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// QUEUE METRICS
// =============================================================================

var (
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rollout_queue_depth",
			Help: "Jobs currently waiting per environment",
		},
		[]string{"env"},
	)

	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_jobs_enqueued_total",
			Help: "Total jobs placed on the work queue",
		},
		[]string{"env"},
	)

	jobsDequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_jobs_dequeued_total",
			Help: "Total jobs claimed by workers",
		},
		[]string{"env"},
	)
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_llm_calls_total",
			Help: "Total LLM API calls",
		},
		[]string{"model", "role", "status"}, // status: success, error
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollout_llm_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model", "role"},
	)

	llmRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_llm_retries_total",
			Help: "Total LLM call retry attempts",
		},
		[]string{"model"},
	)

	budgetWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollout_budget_wait_seconds",
			Help:    "Time spent waiting for rate budget refill",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"budget"}, // budget: requests, tokens
	)

	scoringDegeneracyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_scoring_degeneracy_total",
			Help: "Distribution requests that produced no usable answer token",
		},
		[]string{"model"},
	)
)

// =============================================================================
// TRAJECTORY METRICS
// =============================================================================

var (
	trajectoriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_trajectories_total",
			Help: "Total trajectories generated",
		},
		[]string{"env", "status"}, // status: success, error
	)

	trajectoryTurns = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollout_trajectory_turns",
			Help:    "Turns per completed trajectory",
			Buckets: []float64{1, 2, 4, 6, 8, 12, 16, 24, 32},
		},
		[]string{"env"},
	)

	trajectoryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollout_trajectory_duration_seconds",
			Help:    "Wall-clock duration per trajectory",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"env"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordQueueDepth sets the waiting-job gauge for an environment.
func RecordQueueDepth(env string, depth int) {
	queueDepth.WithLabelValues(env).Set(float64(depth))
}

// RecordJobEnqueued counts a job placed on the queue.
func RecordJobEnqueued(env string) {
	jobsEnqueuedTotal.WithLabelValues(env).Inc()
}

// RecordJobDequeued counts a job claimed by a worker.
func RecordJobDequeued(env string) {
	jobsDequeuedTotal.WithLabelValues(env).Inc()
}

// RecordLLMCall records one LLM call attempt outcome.
func RecordLLMCall(model, role, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(model, role, status).Inc()
	llmDurationSeconds.WithLabelValues(model, role).Observe(float64(durationMS) / 1000.0)
}

// RecordLLMRetry counts a retry attempt after a transient failure.
func RecordLLMRetry(model string) {
	llmRetriesTotal.WithLabelValues(model).Inc()
}

// RecordBudgetWait records time a caller spent blocked on a rate budget.
func RecordBudgetWait(budget string, waitMS int) {
	budgetWaitSeconds.WithLabelValues(budget).Observe(float64(waitMS) / 1000.0)
}

// RecordScoringDegeneracy counts a distribution request whose reasoning
// produced no marker or an out-of-range answer index.
func RecordScoringDegeneracy(model string) {
	scoringDegeneracyTotal.WithLabelValues(model).Inc()
}

// RecordTrajectory records a finished trajectory.
func RecordTrajectory(env, status string, turns, durationMS int) {
	trajectoriesTotal.WithLabelValues(env, status).Inc()
	trajectoryTurns.WithLabelValues(env).Observe(float64(turns))
	trajectoryDurationSeconds.WithLabelValues(env).Observe(float64(durationMS) / 1000.0)
}
