package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/orchkit/pkg/orchestration"
)

// Rollback invokes every completed step's compensating rollbackAction, in
// reverse order, for an execution that is no longer running, then marks
// the durable record rolled_back. It is best-effort: an individual
// rollbackAction failure does not stop the rest from being attempted
// (orchestration.RollbackSteps never returns an error).
func (r *Runner) Rollback(ctx context.Context, executionID string) error {
	if r.registry.Running(executionID) {
		return fmt.Errorf("execution %s is still running: pause or cancel it before rolling back", executionID)
	}

	run, err := r.backend.GetRun(ctx, executionID)
	if err != nil {
		return fmt.Errorf("rollback: load execution: %w", err)
	}

	execCtx := orchestration.NewMemoryContext(run.AgentID, run.UserID, run.ExecutionID, run.Inputs, run.StartedAt)
	for stepID, cached := range run.Trace.CachedOutputs {
		execCtx.SetStepOutput(stepID, orchestration.StepOutput{StepID: stepID, Data: cached.Data})
	}

	completed := stepsByID(run.Plan.Steps, run.Trace.CompletedSteps)
	orchestration.RollbackSteps(ctx, completed, execCtx, r.plugins)

	now := time.Now()
	run.Status = orchestration.StatusRolledBack
	run.UpdatedAt = now
	if err := r.backend.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("rollback: persist status: %w", err)
	}
	return nil
}

// stepsByID resolves a list of completed step ids back to their
// StepDescriptors, in plan order, for steps nested arbitrarily deep under
// loop/scatter/parallel-group/conditional bodies.
func stepsByID(steps []orchestration.StepDescriptor, ids []string) []orchestration.StepDescriptor {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	var out []orchestration.StepDescriptor
	var walk func([]orchestration.StepDescriptor)
	walk = func(level []orchestration.StepDescriptor) {
		for _, s := range level {
			if want[s.ID] {
				out = append(out, s)
			}
			if len(s.Payload.Steps) > 0 {
				walk(s.Payload.Steps)
			}
			if s.Payload.Scatter != nil {
				walk(s.Payload.Scatter.Steps)
			}
		}
	}
	walk(steps)
	return out
}
