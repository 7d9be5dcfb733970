// Package metrics exposes the prometheus counters and histograms the
// orchestration package's best-effort metrics collector feeds.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tombee/orchkit/pkg/orchestration"
)

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchkit_executions_total",
			Help: "Total executions by terminal status",
		},
		[]string{"status"},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchkit_persistence_errors_total",
			Help: "Total persistence operation errors by operation",
		},
		[]string{"operation"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchkit_step_duration_seconds",
			Help:    "Step execution duration by normalized step type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step_type"},
	)

	retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchkit_retry_attempts_total",
			Help: "Total retry attempts by outcome",
		},
		[]string{"outcome"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchkit_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"name"},
	)
)

// RecordExecution increments the execution counter for a terminal status.
func RecordExecution(status string) {
	executionsTotal.WithLabelValues(status).Inc()
}

// RecordPersistenceError increments the persistence error counter.
func RecordPersistenceError(operation string) {
	persistenceErrors.WithLabelValues(operation).Inc()
}

// ObserveStepDuration records a step's wall-clock duration.
func ObserveStepDuration(stepType string, d time.Duration) {
	stepDuration.WithLabelValues(stepType).Observe(d.Seconds())
}

// RecordRetryAttempt increments the retry counter for an outcome
// ("succeeded", "exhausted", "non_retryable").
func RecordRetryAttempt(outcome string) {
	retryAttempts.WithLabelValues(outcome).Inc()
}

// SetCircuitBreakerState reports a named breaker's current state.
func SetCircuitBreakerState(name string, numericState float64) {
	circuitBreakerState.WithLabelValues(name).Set(numericState)
}

// Collector adapts this package's prometheus counters to the State
// Manager's MetricsCollector collaborator.
type Collector struct{}

// NewCollector returns a Collector ready to pass to
// statemanager.WithMetricsCollector.
func NewCollector() *Collector {
	return &Collector{}
}

// CollectMetrics records a completed execution's terminal counters. It is
// called only once an execution reaches StatusCompleted, so it always
// reports "completed"; failures and cancellations are recorded at their
// own call sites in the engine package, closer to the error that caused
// them.
func (c *Collector) CollectMetrics(ctx context.Context, executionID, agentID string, execCtx orchestration.ExecutionContext) {
	RecordExecution(string(orchestration.StatusCompleted))
	ObserveStepDuration("execution_total", execCtx.TotalExecutionTime())
}
