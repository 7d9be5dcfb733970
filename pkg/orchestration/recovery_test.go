package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	fn := func(ctx context.Context) (StepOutput, error) {
		attempts++
		if attempts < 3 {
			return StepOutput{}, errors.New("TIMEOUT talking to upstream")
		}
		return StepOutput{StepID: "s1"}, nil
	}

	override := &RetryPolicy{MaxRetries: 5, BackoffMs: 1, BackoffMultiplier: 1}
	out, err := ExecuteWithRetry(context.Background(), fn, override)
	require.NoError(t, err)
	assert.Equal(t, "s1", out.StepID)
	assert.Equal(t, 3, attempts)
}

func TestExecuteWithRetry_NonRetryableFailsImmediately(t *testing.T) {
	attempts := 0
	fn := func(ctx context.Context) (StepOutput, error) {
		attempts++
		return StepOutput{}, errors.New("permission denied")
	}

	_, err := ExecuteWithRetry(context.Background(), fn, &RetryPolicy{MaxRetries: 5, BackoffMs: 1})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestExecuteWithRetry_ExhaustsMaxRetries(t *testing.T) {
	attempts := 0
	fn := func(ctx context.Context) (StepOutput, error) {
		attempts++
		return StepOutput{}, errors.New("503 service unavailable")
	}

	_, err := ExecuteWithRetry(context.Background(), fn, &RetryPolicy{MaxRetries: 2, BackoffMs: 1, BackoffMultiplier: 1})
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestExecuteWithRetry_ClassifiedErrorByCode(t *testing.T) {
	attempts := 0
	fn := func(ctx context.Context) (StepOutput, error) {
		attempts++
		if attempts < 2 {
			return StepOutput{}, NewClassifiedError(errors.New("boom"), "RATE_LIMIT", 0)
		}
		return StepOutput{}, nil
	}
	_, err := ExecuteWithRetry(context.Background(), fn, &RetryPolicy{MaxRetries: 3, BackoffMs: 1})
	require.NoError(t, err)
}

func TestCalculateBackoff_MatchesFormulaBounds(t *testing.T) {
	policy := RetryPolicy{BackoffMs: 1000, BackoffMultiplier: 2}
	for attempt := 1; attempt <= 3; attempt++ {
		base := 1000.0
		for k := 1; k < attempt; k++ {
			base *= 2
		}
		d := calculateBackoff(policy, attempt)
		lower := time.Duration(base*0.8) * time.Millisecond
		upper := time.Duration(base*1.2) * time.Millisecond
		assert.GreaterOrEqual(t, d, lower)
		assert.LessOrEqual(t, d, upper)
	}
}

func TestDetermineRecoveryStrategy(t *testing.T) {
	assert.True(t, DetermineRecoveryStrategy(errors.New("request timeout")).Retry)
	assert.True(t, DetermineRecoveryStrategy(errors.New("unauthorized access")).Fail)
	assert.True(t, DetermineRecoveryStrategy(errors.New("plugin-not-available: x")).Fallback)
	assert.True(t, DetermineRecoveryStrategy(errors.New("constraint violation")).Rollback)
	assert.True(t, DetermineRecoveryStrategy(errors.New("something unexpected")).Retry)
}

func TestShouldContinueOnError(t *testing.T) {
	step := StepDescriptor{Payload: StepPayload{ContinueOnError: true}}
	assert.True(t, ShouldContinueOnError(step, errors.New("anything")))

	step2 := StepDescriptor{}
	assert.True(t, ShouldContinueOnError(step2, errors.New("VALIDATION_WARNING: minor issue")))
	assert.False(t, ShouldContinueOnError(step2, errors.New("fatal crash")))
}

func TestAggregateErrors(t *testing.T) {
	err := AggregateErrors(map[string]error{
		"step-1": errors.New("boom1"),
		"step-2": errors.New("boom2"),
	})
	require.Error(t, err)
	assert.Equal(t, "MULTIPLE_STEP_FAILURES", errorCode(err))
	assert.Contains(t, err.Error(), "step-1: boom1")
	assert.Contains(t, err.Error(), "step-2: boom2")
}

func TestAggregateErrors_EmptyReturnsNil(t *testing.T) {
	assert.NoError(t, AggregateErrors(nil))
}

type stubPluginExecutor struct {
	calls   int
	success bool
}

func (s *stubPluginExecutor) Execute(ctx context.Context, userID, plugin, action string, params map[string]any) (bool, string, any, error) {
	s.calls++
	return s.success, "", nil, nil
}

func TestRollbackStep_InvokesRollbackAction(t *testing.T) {
	step := StepDescriptor{
		Payload: StepPayload{
			RollbackAction: &PluginCall{Plugin: "db", Action: "undo", Params: map[string]any{"id": "{{item_id}}"}},
		},
	}
	ctx := NewMemoryContext("agent", "user", "exec", map[string]any{"item_id": "42"}, time.Now())
	exec := &stubPluginExecutor{success: true}

	ok := RollbackStep(context.Background(), step, ctx, exec)
	assert.True(t, ok)
	assert.Equal(t, 1, exec.calls)
}

func TestRollbackStep_NoRollbackActionIsNoop(t *testing.T) {
	ctx := NewMemoryContext("agent", "user", "exec", nil, time.Now())
	exec := &stubPluginExecutor{success: false}
	ok := RollbackStep(context.Background(), StepDescriptor{}, ctx, exec)
	assert.True(t, ok)
	assert.Equal(t, 0, exec.calls)
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	b := NewCircuitBreaker("test", 2, 1000)

	failing := func() error { return errors.New("boom") }
	assert.Error(t, b.Call(failing))
	assert.Equal(t, CircuitClosed, b.State().State)
	assert.Error(t, b.Call(failing))
	assert.Equal(t, CircuitOpen, b.State().State)

	err := b.Call(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenRecoversOnSuccess(t *testing.T) {
	b := NewCircuitBreaker("test", 1, 10)
	assert.Error(t, b.Call(func() error { return errors.New("boom") }))
	assert.Equal(t, CircuitOpen, b.State().State)

	time.Sleep(15 * time.Millisecond)
	assert.NoError(t, b.Call(func() error { return nil }))
	assert.Equal(t, CircuitClosed, b.State().State)
	assert.Equal(t, 0, b.State().ConsecutiveFailures)
}

func TestCircuitBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	b := NewCircuitBreaker("test", 1, 10)
	assert.Error(t, b.Call(func() error { return errors.New("boom") }))
	time.Sleep(15 * time.Millisecond)
	assert.Error(t, b.Call(func() error { return errors.New("still broken") }))
	assert.Equal(t, CircuitOpen, b.State().State)
}

// TestCircuitBreaker_SharedAcrossConcurrentCallersIsRaceFree exercises the
// one-breaker-per-plugin-name sharing pattern executor.go uses: many
// goroutines calling the same breaker at once. It asserts nothing beyond
// "no panic, consistent counts" — its purpose is to give `go test -race`
// something to catch if the mutex regresses.
func TestCircuitBreaker_SharedAcrossConcurrentCallersIsRaceFree(t *testing.T) {
	b := NewCircuitBreaker("shared", 1000, 1000)

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			_ = b.Call(func() error {
				if i%2 == 0 {
					return errors.New("boom")
				}
				return nil
			})
			_ = b.State()
		}(i)
	}
	wg.Wait()

	st := b.State()
	assert.GreaterOrEqual(t, st.ConsecutiveFailures, 0)
}
