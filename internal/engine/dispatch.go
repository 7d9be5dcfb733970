package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/orchkit/pkg/orchestration"
)

// runLevel dispatches one dependency level. A level of two or more steps,
// all of them leaf steps (no nested control flow), runs through the Parallel Executor's
// settle-all path so independent steps fan out together; a single-step
// level, or one containing any control-flow step, runs sequentially, since loop/scatter/
// parallel-group/conditional steps manage their own concurrency.
func (r *Runner) runLevel(ctx context.Context, steps []orchestration.StepDescriptor, execCtx orchestration.ExecutionContext) error {
	if len(steps) > 1 && allLeaf(steps) {
		return r.runLeafLevel(ctx, steps, execCtx)
	}
	for _, step := range steps {
		if err := r.runStep(ctx, step, execCtx); err != nil {
			return err
		}
	}
	return nil
}

func allLeaf(steps []orchestration.StepDescriptor) bool {
	for _, s := range steps {
		if !isLeafKind(s.Kind) {
			return false
		}
	}
	return true
}

func isLeafKind(kind orchestration.StepKind) bool {
	switch kind {
	case orchestration.StepKindAction, orchestration.StepKindAIProcessing,
		orchestration.StepKindTransform, orchestration.StepKindSubWorkflow,
		orchestration.StepKindHumanApproval:
		return true
	default:
		return false
	}
}

// runLeafLevel fans a level of independent leaf steps out through
// ExecuteParallelSettled, then folds the settled results back into
// execCtx: successes get a recorded StepOutput, failures are marked
// failed and either swallowed (ContinueOnError) or aggregated into one
// MULTIPLE_STEP_FAILURES error for the caller to treat as the level's
// result.
func (r *Runner) runLeafLevel(ctx context.Context, steps []orchestration.StepDescriptor, execCtx orchestration.ExecutionContext) error {
	results := orchestration.ExecuteParallelSettled(ctx, steps, execCtx, r.executor, r.cfg.MaxConcurrency)

	failures := make(map[string]error)
	for _, step := range steps {
		out := results[step.ID]
		if out.Metadata.Success {
			execCtx.SetStepOutput(step.ID, out)
			continue
		}
		execCtx.MarkStepFailed(step.ID)
		if step.Payload.ContinueOnError {
			continue
		}
		failures[step.ID] = fmt.Errorf("%s", out.Metadata.Error)
	}
	if len(failures) > 0 {
		return orchestration.AggregateErrors(failures)
	}
	return nil
}

// runStep dispatches a single step by kind, wrapping it in its own span.
// A failure is recorded against execCtx and swallowed when the step opts
// into continueOnError; otherwise it propagates to the caller, ending the
// run.
func (r *Runner) runStep(ctx context.Context, step orchestration.StepDescriptor, execCtx orchestration.ExecutionContext) error {
	execCtx.SetCurrentStep(step.ID)
	stepCtx, span := r.startStepSpan(ctx, step.ID, step.Payload.Plugin, step.Payload.Action)

	var stepErr error
	switch step.Kind {
	case orchestration.StepKindLoop:
		_, stepErr = orchestration.ExecuteLoop(stepCtx, step, execCtx, r.executor)
	case orchestration.StepKindScatterGather:
		_, stepErr = orchestration.ExecuteScatterGather(stepCtx, step, execCtx, r.executor, nil)
	case orchestration.StepKindParallelGroup:
		_, stepErr = orchestration.ExecuteParallel(stepCtx, step.Payload.Steps, execCtx, r.executor, r.cfg.MaxConcurrency)
	case orchestration.StepKindDelay:
		stepErr = runDelay(stepCtx, step, execCtx)
	case orchestration.StepKindConditional, orchestration.StepKindSwitch:
		stepErr = r.runBranch(stepCtx, step, execCtx)
	default:
		var out orchestration.StepOutput
		out, stepErr = r.executor.Execute(stepCtx, step, execCtx)
		if stepErr == nil {
			execCtx.SetStepOutput(step.ID, out)
		}
	}
	r.endSpan(span, stepErr)

	if stepErr == nil {
		return nil
	}
	execCtx.MarkStepFailed(step.ID)
	if step.Payload.ContinueOnError {
		return nil
	}
	return stepErr
}

// runDelay pauses for the step's configured duration. duration_ms takes
// precedence over seconds when both are set; an unset or non-numeric
// duration is treated as zero.
func runDelay(ctx context.Context, step orchestration.StepDescriptor, execCtx orchestration.ExecutionContext) error {
	params, err := execCtx.ResolveAllVariables(step.Payload.Params)
	if err != nil {
		return fmt.Errorf("resolve delay params for step %s: %w", step.ID, err)
	}

	d := numericParam(params, "duration_ms") * float64(time.Millisecond)
	if d == 0 {
		d = numericParam(params, "seconds") * float64(time.Second)
	}

	select {
	case <-time.After(time.Duration(d)):
		execCtx.SetStepOutput(step.ID, orchestration.StepOutput{
			StepID:   step.ID,
			Metadata: orchestration.StepMetadata{Success: true, ExecutedAt: time.Now()},
		})
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func numericParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// runBranch evaluates a conditional/switch step's test expression and, on
// a match, runs its nested Steps sequentially against the same execCtx;
// on no match, every nested step is recorded as skipped so downstream
// resume/checkpoint accounting stays accurate.
//
// conditional steps test Params["condition"] with expr-lang/expr against
// the variable bag and completed step outputs; switch steps compare
// Params["switch"] against Params["case"] for equality, a plain variable
// lookup rather than a boolean expression.
func (r *Runner) runBranch(ctx context.Context, step orchestration.StepDescriptor, execCtx orchestration.ExecutionContext) error {
	match, err := r.evaluateBranch(step, execCtx)
	if err != nil {
		return err
	}

	if !match {
		for _, nested := range step.Payload.Steps {
			execCtx.MarkStepSkipped(nested.ID)
		}
		return nil
	}

	for _, nested := range step.Payload.Steps {
		if err := r.runStep(ctx, nested, execCtx); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) evaluateBranch(step orchestration.StepDescriptor, execCtx orchestration.ExecutionContext) (bool, error) {
	switch step.Kind {
	case orchestration.StepKindSwitch:
		switchExpr, _ := step.Payload.Params["switch"].(string)
		caseValue, _ := step.Payload.Params["case"].(string)
		resolved, err := execCtx.ResolveVariable(switchExpr)
		if err != nil {
			return false, fmt.Errorf("resolve switch expression for step %s: %w", step.ID, err)
		}
		return fmt.Sprintf("%v", resolved) == caseValue, nil
	default:
		condition, _ := step.Payload.Params["condition"].(string)
		match, err := r.cond.evaluate(condition, conditionEnv(execCtx))
		if err != nil {
			return false, fmt.Errorf("condition for step %s: %w", step.ID, err)
		}
		return match, nil
	}
}
