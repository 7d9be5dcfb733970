// Package executor wires the plugin registry to the orchestration package's
// retry and circuit-breaker machinery, producing the concrete
// orchestration.StepExecutor that the Parallel Executor and Error Recovery
// subsystems dispatch leaf steps through.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/orchkit/internal/plugin"
	"github.com/tombee/orchkit/pkg/orchestration"
)

// DefaultCircuitBreakerMaxFailures and DefaultCircuitBreakerResetMs are the
// circuit-breaker defaults applied per-plugin when Config leaves them unset.
const (
	DefaultCircuitBreakerMaxFailures = 5
	DefaultCircuitBreakerResetMs     = 30_000
)

// Config tunes the per-plugin circuit breakers the Executor opens lazily.
type Config struct {
	CircuitBreakerMaxFailures int
	CircuitBreakerResetMs     int64
}

// Executor implements orchestration.StepExecutor by resolving a step's
// params, invoking its plugin through a per-plugin circuit breaker, and
// retrying per the step's (or the default) retry policy.
type Executor struct {
	registry *plugin.Registry
	cfg      Config

	mu       sync.Mutex
	breakers map[string]*orchestration.CircuitBreaker
}

var _ orchestration.StepExecutor = (*Executor)(nil)

// New creates an Executor dispatching through registry.
func New(registry *plugin.Registry, cfg Config) *Executor {
	if cfg.CircuitBreakerMaxFailures <= 0 {
		cfg.CircuitBreakerMaxFailures = DefaultCircuitBreakerMaxFailures
	}
	if cfg.CircuitBreakerResetMs <= 0 {
		cfg.CircuitBreakerResetMs = DefaultCircuitBreakerResetMs
	}
	return &Executor{
		registry: registry,
		cfg:      cfg,
		breakers: make(map[string]*orchestration.CircuitBreaker),
	}
}

// Execute resolves step.Payload.Params against execCtx, then invokes the
// step's plugin/action behind that plugin's circuit breaker, retrying per
// step.Payload.RetryPolicy (or the package default when nil).
func (e *Executor) Execute(ctx context.Context, step orchestration.StepDescriptor, execCtx orchestration.ExecutionContext) (orchestration.StepOutput, error) {
	params, err := execCtx.ResolveAllVariables(step.Payload.Params)
	if err != nil {
		return orchestration.StepOutput{}, fmt.Errorf("resolve params for step %s: %w", step.ID, err)
	}

	breaker := e.breakerFor(step.Payload.Plugin)

	fn := func(ctx context.Context) (orchestration.StepOutput, error) {
		start := time.Now()

		var success bool
		var errMsg string
		var data any

		callErr := breaker.Call(func() error {
			result, err := e.registry.Execute(ctx, execCtx.UserID(), step.Payload.Plugin, step.Payload.Action, params)
			if err != nil {
				return err
			}
			success, errMsg, data = result.Success, result.Error, result.Data
			if !success {
				return orchestration.NewClassifiedError(errors.New(errMsg), "", 0)
			}
			return nil
		})
		if callErr != nil {
			return orchestration.StepOutput{}, callErr
		}

		return orchestration.StepOutput{
			StepID: step.ID,
			Plugin: step.Payload.Plugin,
			Action: step.Payload.Action,
			Data:   data,
			Metadata: orchestration.StepMetadata{
				Success:       true,
				ExecutedAt:    start,
				ExecutionTime: time.Since(start).Milliseconds(),
			},
		}, nil
	}

	return orchestration.ExecuteWithRetry(ctx, fn, step.Payload.RetryPolicy)
}

func (e *Executor) breakerFor(pluginName string) *orchestration.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.breakers[pluginName]
	if !ok {
		b = orchestration.NewCircuitBreaker(pluginName, e.cfg.CircuitBreakerMaxFailures, e.cfg.CircuitBreakerResetMs)
		e.breakers[pluginName] = b
	}
	return b
}

// CircuitBreakerStates snapshots every plugin circuit breaker this Executor
// has opened, for metrics export.
func (e *Executor) CircuitBreakerStates() map[string]orchestration.CircuitBreakerState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]orchestration.CircuitBreakerState, len(e.breakers))
	for name, b := range e.breakers {
		out[name] = b.State()
	}
	return out
}

// RegistryPluginExecutor adapts plugin.Registry to orchestration.PluginExecutor,
// the narrow shape ExecuteWithFallback and RollbackStep depend on.
type RegistryPluginExecutor struct {
	Registry *plugin.Registry
}

var _ orchestration.PluginExecutor = (*RegistryPluginExecutor)(nil)

// Execute satisfies orchestration.PluginExecutor.
func (r *RegistryPluginExecutor) Execute(ctx context.Context, userID, pluginName, action string, params map[string]any) (bool, string, any, error) {
	result, err := r.Registry.Execute(ctx, userID, pluginName, action, params)
	if err != nil {
		return false, "", nil, err
	}
	return result.Success, result.Error, result.Data, nil
}
