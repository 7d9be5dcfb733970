package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/orchkit/internal/plugin"
	"github.com/tombee/orchkit/pkg/orchestration"
)

func TestExecutor_SucceedsOnFirstTry(t *testing.T) {
	reg := plugin.NewRegistry()
	reg.Register("db", plugin.HandlerFunc(func(ctx context.Context, userID, action string, params map[string]any) (plugin.Result, error) {
		return plugin.Result{Success: true, Data: map[string]any{"rows": 3}}, nil
	}))

	exec := New(reg, Config{})
	ctx := orchestration.NewMemoryContext("agent", "user", "exec-1", nil, time.Now())
	step := orchestration.StepDescriptor{
		ID:      "step-1",
		Payload: orchestration.StepPayload{Plugin: "db", Action: "query", Params: map[string]any{}},
	}

	out, err := exec.Execute(context.Background(), step, ctx)
	require.NoError(t, err)
	assert.True(t, out.Metadata.Success)
	assert.Equal(t, "db", out.Plugin)
}

func TestExecutor_RetriesThenSucceeds(t *testing.T) {
	reg := plugin.NewRegistry()
	attempts := 0
	reg.Register("flaky", plugin.HandlerFunc(func(ctx context.Context, userID, action string, params map[string]any) (plugin.Result, error) {
		attempts++
		if attempts < 3 {
			return plugin.Result{Success: false, Error: "TIMEOUT upstream unavailable"}, nil
		}
		return plugin.Result{Success: true, Data: "ok"}, nil
	}))

	exec := New(reg, Config{})
	ctx := orchestration.NewMemoryContext("agent", "user", "exec-2", nil, time.Now())
	step := orchestration.StepDescriptor{
		ID: "step-1",
		Payload: orchestration.StepPayload{
			Plugin: "flaky", Action: "act",
			RetryPolicy: &orchestration.RetryPolicy{MaxRetries: 5, BackoffMs: 1, BackoffMultiplier: 1},
		},
	}

	out, err := exec.Execute(context.Background(), step, ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Data)
	assert.Equal(t, 3, attempts)
}

func TestExecutor_UnknownPluginFailsWithoutPanicking(t *testing.T) {
	reg := plugin.NewRegistry()
	exec := New(reg, Config{})
	ctx := orchestration.NewMemoryContext("agent", "user", "exec-3", nil, time.Now())
	step := orchestration.StepDescriptor{
		ID:      "step-1",
		Payload: orchestration.StepPayload{Plugin: "missing", Action: "act", RetryPolicy: &orchestration.RetryPolicy{MaxRetries: 0}},
	}

	_, err := exec.Execute(context.Background(), step, ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown plugin")
}

func TestExecutor_CircuitBreakerOpensPerPluginAfterRepeatedFailures(t *testing.T) {
	reg := plugin.NewRegistry()
	reg.Register("broken", plugin.HandlerFunc(func(ctx context.Context, userID, action string, params map[string]any) (plugin.Result, error) {
		return plugin.Result{Success: false, Error: "permanent failure"}, nil
	}))

	exec := New(reg, Config{CircuitBreakerMaxFailures: 2, CircuitBreakerResetMs: 60_000})
	ctx := orchestration.NewMemoryContext("agent", "user", "exec-4", nil, time.Now())
	step := orchestration.StepDescriptor{
		ID:      "step-1",
		Payload: orchestration.StepPayload{Plugin: "broken", Action: "act", RetryPolicy: &orchestration.RetryPolicy{MaxRetries: 0}},
	}

	_, err1 := exec.Execute(context.Background(), step, ctx)
	require.Error(t, err1)
	_, err2 := exec.Execute(context.Background(), step, ctx)
	require.Error(t, err2)

	_, err3 := exec.Execute(context.Background(), step, ctx)
	require.Error(t, err3)
	assert.ErrorIs(t, err3, orchestration.ErrCircuitOpen)

	states := exec.CircuitBreakerStates()
	require.Contains(t, states, "broken")
	assert.Equal(t, orchestration.CircuitOpen, states["broken"].State)
}

func TestRegistryPluginExecutor_AdaptsRegistry(t *testing.T) {
	reg := plugin.NewRegistry()
	reg.Register("db", plugin.HandlerFunc(func(ctx context.Context, userID, action string, params map[string]any) (plugin.Result, error) {
		return plugin.Result{Success: true, Data: "value"}, nil
	}))

	adapter := &RegistryPluginExecutor{Registry: reg}
	success, errMsg, data, err := adapter.Execute(context.Background(), "user", "db", "get", nil)
	require.NoError(t, err)
	assert.True(t, success)
	assert.Empty(t, errMsg)
	assert.Equal(t, "value", data)
}

func TestExecutor_NonRetryableErrorFailsImmediately(t *testing.T) {
	reg := plugin.NewRegistry()
	attempts := 0
	reg.Register("auth", plugin.HandlerFunc(func(ctx context.Context, userID, action string, params map[string]any) (plugin.Result, error) {
		attempts++
		return plugin.Result{}, errors.New("unauthorized: invalid token")
	}))

	exec := New(reg, Config{})
	ctx := orchestration.NewMemoryContext("agent", "user", "exec-5", nil, time.Now())
	step := orchestration.StepDescriptor{
		ID:      "step-1",
		Payload: orchestration.StepPayload{Plugin: "auth", Action: "act", RetryPolicy: &orchestration.RetryPolicy{MaxRetries: 5, BackoffMs: 1}},
	}

	_, err := exec.Execute(context.Background(), step, ctx)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
