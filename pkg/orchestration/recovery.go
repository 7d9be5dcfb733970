package orchestration

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StepExecutor is the collaborator every step invocation ultimately goes
// through; Error Recovery and Parallel Executor both dispatch through it
// (§6).
type StepExecutor interface {
	Execute(ctx context.Context, step StepDescriptor, execCtx ExecutionContext) (StepOutput, error)
}

// ClassifiedError carries a machine-readable code/status alongside the
// human message, so executeWithRetry and determineRecoveryStrategy can
// classify it without string-parsing a Go error type. Plain errors are
// still accepted everywhere: an unclassified error's code/status are empty
// and only its Error() text is matched against retryable substrings.
type ClassifiedError struct {
	Message string
	Code    string
	Status  int
	cause   error
}

func (e *ClassifiedError) Error() string { return e.Message }
func (e *ClassifiedError) Unwrap() error { return e.cause }

// NewClassifiedError wraps cause with a code and/or status for recovery
// classification.
func NewClassifiedError(cause error, code string, status int) *ClassifiedError {
	msg := code
	if cause != nil {
		msg = cause.Error()
	}
	return &ClassifiedError{Message: msg, Code: code, Status: status, cause: cause}
}

func errorCode(err error) string {
	var ce *ClassifiedError
	if as, ok := err.(*ClassifiedError); ok {
		ce = as
	}
	if ce != nil {
		return ce.Code
	}
	return ""
}

func errorStatus(err error) string {
	var ce *ClassifiedError
	if as, ok := err.(*ClassifiedError); ok {
		ce = as
	}
	if ce != nil && ce.Status != 0 {
		return strconv.Itoa(ce.Status)
	}
	return ""
}

// isRetryable classifies err against policy's retryableErrors: a match
// iff any pattern occurs as a substring of the error message, or equals
// the error's code, or equals its status/statusCode rendered as a string
// (§4.4).
func isRetryable(err error, policy RetryPolicy) bool {
	msg := strings.ToLower(err.Error())
	code := errorCode(err)
	status := errorStatus(err)

	for _, pattern := range policy.RetryableErrors {
		p := strings.ToLower(pattern)
		if strings.Contains(msg, p) {
			return true
		}
		if pattern == code || pattern == status {
			return true
		}
	}
	return false
}

// calculateBackoff returns the delay before retry attempt k (1-based):
// floor(baseDelay × multiplier^(k−1) + jitter), jitter ~ U(-0.2,+0.2) × delay
// (§4.4).
func calculateBackoff(policy RetryPolicy, attempt int) time.Duration {
	base := float64(policy.BackoffMs)
	multiplier := policy.BackoffMultiplier
	if multiplier == 0 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt-1))
	jitter := (rand.Float64()*0.4 - 0.2) * delay
	total := math.Floor(delay + jitter)
	if total < 0 {
		total = 0
	}
	return time.Duration(total) * time.Millisecond
}

// RetryableFunc is the operation executeWithRetry wraps.
type RetryableFunc func(ctx context.Context) (StepOutput, error)

// ExecuteWithRetry invokes fn, retrying on retryable errors per policy
// (merged over DefaultRetryPolicy), sleeping calculateBackoff between
// attempts. A non-retryable error, or exhaustion of maxRetries, rethrows
// immediately (§4.4).
func ExecuteWithRetry(ctx context.Context, fn RetryableFunc, override *RetryPolicy) (StepOutput, error) {
	policy := DefaultRetryPolicy().Merge(override)

	attempt := 0
	for {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}

		attempt++
		if !isRetryable(err, policy) {
			return out, err
		}
		if attempt > policy.MaxRetries {
			return out, err
		}

		delay := calculateBackoff(policy, attempt)
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// RecoveryStrategy is determineRecoveryStrategy's verdict (§4.4).
type RecoveryStrategy struct {
	Retry    bool
	Fallback bool
	Rollback bool
	Fail     bool
}

// DetermineRecoveryStrategy classifies err by substring of its code/message
// into one of four strategies (§4.4).
func DetermineRecoveryStrategy(err error) RecoveryStrategy {
	msg := strings.ToLower(err.Error())
	code := strings.ToLower(errorCode(err))
	haystack := msg + " " + code

	switch {
	case containsAny(haystack, "unauthorized", "forbidden", "auth"):
		return RecoveryStrategy{Fail: true}
	case containsAny(haystack, "plugin-execution-failed", "plugin-not-available", "plugin_execution_failed", "plugin_not_available"):
		return RecoveryStrategy{Fallback: true}
	case containsAny(haystack, "validation", "constraint", "integrity"):
		return RecoveryStrategy{Rollback: true}
	case containsAny(haystack, "transient", "network", "timeout", "rate-limit", "rate_limit"):
		return RecoveryStrategy{Retry: true}
	default:
		return RecoveryStrategy{Retry: true}
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// ExecuteWithFallback invokes primary; on failure it dispatches each of
// fallbackSteps, in order, through executor. If every fallback also fails,
// it raises a composite ALL_FALLBACKS_FAILED error bundling every message
// (§4.4).
func ExecuteWithFallback(ctx context.Context, primary RetryableFunc, fallbackSteps []StepDescriptor, execCtx ExecutionContext, executor StepExecutor) (StepOutput, error) {
	out, err := primary(ctx)
	if err == nil {
		return out, nil
	}

	messages := []string{fmt.Sprintf("primary: %s", err.Error())}
	for _, step := range fallbackSteps {
		fout, ferr := executor.Execute(ctx, step, execCtx)
		if ferr == nil {
			return fout, nil
		}
		messages = append(messages, fmt.Sprintf("%s: %s", step.ID, ferr.Error()))
	}

	return StepOutput{}, NewClassifiedError(
		fmt.Errorf("all fallbacks failed: %s", strings.Join(messages, "; ")),
		"ALL_FALLBACKS_FAILED", 0,
	)
}

// PluginExecutor is the minimal collaborator rollbackStep needs: invoke a
// named plugin action with resolved params.
type PluginExecutor interface {
	Execute(ctx context.Context, userID, plugin, action string, params map[string]any) (success bool, errMsg string, data any, err error)
}

// RollbackStep invokes step's rollbackAction (if any) through plugins,
// after resolving its param variables against execCtx. It never returns an
// error to the caller — failures are reported via the bool return only
// (§4.4 "never throw").
func RollbackStep(ctx context.Context, step StepDescriptor, execCtx ExecutionContext, plugins PluginExecutor) bool {
	rb := step.Payload.RollbackAction
	if rb == nil {
		return true
	}

	resolved, err := execCtx.ResolveAllVariables(rb.Params)
	if err != nil {
		resolved = rb.Params
	}

	success, _, _, err := plugins.Execute(ctx, execCtx.UserID(), rb.Plugin, rb.Action, resolved)
	if err != nil {
		return false
	}
	return success
}

// RollbackSteps rolls back steps in reverse order, best-effort.
func RollbackSteps(ctx context.Context, steps []StepDescriptor, execCtx ExecutionContext, plugins PluginExecutor) {
	for i := len(steps) - 1; i >= 0; i-- {
		RollbackStep(ctx, steps[i], execCtx, plugins)
	}
}

// ShouldContinueOnError reports whether a step's failure should be
// swallowed: step.continueOnError, or the error is warning-level (§4.4).
func ShouldContinueOnError(step StepDescriptor, err error) bool {
	if step.Payload.ContinueOnError {
		return true
	}
	return isWarningLevel(err)
}

func isWarningLevel(err error) bool {
	code := errorCode(err)
	switch code {
	case "VALIDATION_WARNING", "PARTIAL_SUCCESS", "DEPRECATED_FEATURE":
		return true
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "VALIDATION_WARNING") ||
		strings.Contains(msg, "PARTIAL_SUCCESS") ||
		strings.Contains(msg, "DEPRECATED_FEATURE")
}

// AggregateErrors produces a single MULTIPLE_STEP_FAILURES error listing
// each failing stepId: message (§4.4).
func AggregateErrors(entries map[string]error) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(entries))
	parts := make([]string, 0, len(entries))
	for id, err := range entries {
		ids = append(ids, id)
		parts = append(parts, fmt.Sprintf("%s: %s", id, err.Error()))
	}
	return NewClassifiedError(
		fmt.Errorf("multiple step failures: %s", strings.Join(parts, "; ")),
		"MULTIPLE_STEP_FAILURES", 0,
	)
}

// CircuitBreaker guards any step invocation with closed/open/half-open
// state, generalized from a single LLM provider's failover scope to any
// step invocation (§4.4). executor.go hands out one breaker per plugin
// name to every concurrent caller, so its state must be guarded by mu
// rather than assuming a single-writer caller like Controller's callers
// do.
type CircuitBreaker struct {
	name string

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time

	maxFailures    int
	resetTimeoutMs int
}

// NewCircuitBreaker creates a closed breaker with the given bounds.
func NewCircuitBreaker(name string, maxFailures, resetTimeoutMs int) *CircuitBreaker {
	return &CircuitBreaker{
		name:           name,
		state:          CircuitClosed,
		maxFailures:    maxFailures,
		resetTimeoutMs: resetTimeoutMs,
	}
}

// ErrCircuitOpen is returned by Call when the breaker is open and the
// reset timeout has not yet elapsed.
var ErrCircuitOpen = NewClassifiedError(fmt.Errorf("circuit breaker open"), "CIRCUIT_BREAKER_OPEN", 0)

// Call runs fn through the breaker, transitioning state per the closed /
// open / half-open rules (§4.4). The lock is released while fn runs, so
// concurrent callers sharing this breaker don't serialize on the step
// invocation itself, only on the state transitions around it.
func (b *CircuitBreaker) Call(fn func() error) error {
	b.mu.Lock()
	if b.state == CircuitOpen {
		if time.Since(b.lastFailureTime).Milliseconds() > int64(b.resetTimeoutMs) {
			b.state = CircuitHalfOpen
		} else {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.consecutiveFailures++
		b.lastFailureTime = time.Now()
		if b.state == CircuitHalfOpen || b.consecutiveFailures >= b.maxFailures {
			b.state = CircuitOpen
		}
		return err
	}

	b.consecutiveFailures = 0
	b.state = CircuitClosed
	return nil
}

// State returns the breaker's durable-shape snapshot.
func (b *CircuitBreaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitBreakerState{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureTime:     b.lastFailureTime,
		MaxFailures:         b.maxFailures,
		ResetTimeoutMs:      b.resetTimeoutMs,
	}
}
