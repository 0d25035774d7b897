package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	requestsTotal         *prometheus.CounterVec
	latencySeconds        *prometheus.HistogramVec
	errorsTotal           *prometheus.CounterVec
	stageTransitionsTotal *prometheus.CounterVec
	stageConflictsTotal   *prometheus.CounterVec
	tasksSubmittedTotal   *prometheus.CounterVec
	taskOutcomesTotal     *prometheus.CounterVec
	awaitOutcomesTotal    *prometheus.CounterVec
	policyErrorsTotal     *prometheus.CounterVec
	scoresComputedTotal   *prometheus.CounterVec
	lateDecisionsTotal    *prometheus.CounterVec
	overridesTotal        prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the grading pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_requests_total",
			Help: "Total number of grading API requests served.",
		}, []string{"method", "route", "status"})

		latencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_latency_seconds",
			Help:    "Latency distribution for grading API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_errors_total",
			Help: "Total number of error responses returned by grading endpoints.",
		}, []string{"method", "route", "status"})

		stageTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_stage_transitions_total",
			Help: "Master migration stage transitions, by target stage.",
		}, []string{"stage"})

		stageConflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_stage_conflicts_total",
			Help: "Stage transitions lost to a concurrent request.",
		}, []string{"stage"})

		tasksSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_tasks_submitted_total",
			Help: "Tasks submitted to the job system, by kind.",
		}, []string{"kind"})

		taskOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_task_outcomes_total",
			Help: "Terminal task outcomes, by kind and status.",
		}, []string{"kind", "status"})

		awaitOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_await_outcomes_total",
			Help: "Results of awaiting a task batch: completed, failed or pending.",
		}, []string{"outcome"})

		policyErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_policy_errors_total",
			Help: "Score rows whose policy raised an error, by runtime.",
		}, []string{"runtime"})

		scoresComputedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_scores_computed_total",
			Help: "Score rows written by the evaluator, by submission status.",
		}, []string{"status"})

		lateDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_late_request_decisions_total",
			Help: "Late request decisions, by type and outcome.",
		}, []string{"type", "outcome"})

		overridesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grading_score_overrides_total",
			Help: "Instructor score overrides recorded.",
		})

		prometheus.MustRegister(
			requestsTotal,
			latencySeconds,
			errorsTotal,
			stageTransitionsTotal,
			stageConflictsTotal,
			tasksSubmittedTotal,
			taskOutcomesTotal,
			awaitOutcomesTotal,
			policyErrorsTotal,
			scoresComputedTotal,
			lateDecisionsTotal,
			overridesTotal,
		)
	})
}

// Requests exposes the counter for grading API requests.
func Requests() *prometheus.CounterVec {
	RegisterMetrics()
	return requestsTotal
}

// Latency exposes the latency histogram for grading API requests.
func Latency() *prometheus.HistogramVec {
	RegisterMetrics()
	return latencySeconds
}

// Errors exposes the counter for grading API error responses.
func Errors() *prometheus.CounterVec {
	RegisterMetrics()
	return errorsTotal
}

func StageTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return stageTransitionsTotal
}

func StageConflicts() *prometheus.CounterVec {
	RegisterMetrics()
	return stageConflictsTotal
}

func TasksSubmitted() *prometheus.CounterVec {
	RegisterMetrics()
	return tasksSubmittedTotal
}

func TaskOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return taskOutcomesTotal
}

func AwaitOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return awaitOutcomesTotal
}

func PolicyErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return policyErrorsTotal
}

func ScoresComputed() *prometheus.CounterVec {
	RegisterMetrics()
	return scoresComputedTotal
}

func LateDecisions() *prometheus.CounterVec {
	RegisterMetrics()
	return lateDecisionsTotal
}

func Overrides() prometheus.Counter {
	RegisterMetrics()
	return overridesTotal
}
