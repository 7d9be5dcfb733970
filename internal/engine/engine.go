package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/orchkit/internal/backend"
	"github.com/tombee/orchkit/internal/errreport"
	"github.com/tombee/orchkit/internal/metrics"
	"github.com/tombee/orchkit/internal/statemanager"
	"github.com/tombee/orchkit/internal/tracing"
	"github.com/tombee/orchkit/pkg/orchestration"
)

// DefaultMaxConcurrency is the fan-out width used for a dependency level
// made entirely of leaf steps, when Config leaves it unset.
const DefaultMaxConcurrency = orchestration.DefaultMaxConcurrency

// errExecutionHalted marks a run loop exit driven by the Controller's
// cooperative pause/stop flags rather than a step failure: ShouldContinue
// is only consulted between dependency levels, so a step already dispatched
// always runs to completion first.
var errExecutionHalted = errors.New("execution halted: pause or cancel requested")

// Config tunes how a Runner dispatches an ExecutionPlan.
type Config struct {
	MaxConcurrency int
}

// Runner drives one ExecutionPlan to completion: it walks the plan's
// dependency levels, dispatching each step through the Parallel
// Executor/Error Recovery machinery per its kind, checkpointing through the
// State Manager between levels, and completing or failing the durable
// record at the end. It is the collaborator the HTTP surface starts
// executions through and reaches in-flight executions via for
// pause/cancel.
type Runner struct {
	state    *statemanager.StateManager
	backend  backend.Backend
	executor orchestration.StepExecutor
	plugins  orchestration.PluginExecutor
	tracer   *tracing.Provider
	reporter *errreport.Reporter
	registry *Registry
	logger   *slog.Logger
	cfg      Config
	cond     *conditionEvaluator
}

// New builds a Runner. tracer and reporter may be nil; a nil tracer starts
// no-op spans and a nil reporter skips error reporting.
func New(
	state *statemanager.StateManager,
	be backend.Backend,
	executor orchestration.StepExecutor,
	plugins orchestration.PluginExecutor,
	tracer *tracing.Provider,
	reporter *errreport.Reporter,
	registry *Registry,
	logger *slog.Logger,
	cfg Config,
) *Runner {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		state:    state,
		backend:  be,
		executor: executor,
		plugins:  plugins,
		tracer:   tracer,
		reporter: reporter,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		cond:     newConditionEvaluator(),
	}
}

// Start persists a new execution record and, if that succeeds, drives its
// plan to completion on a detached goroutine. It returns the assigned
// execution id immediately; callers poll state via the backend or
// subscribe to the broadcast hub for progress.
func (r *Runner) Start(
	ctx context.Context,
	agentID, userID, sessionID string,
	plan orchestration.ExecutionPlan,
	inputs map[string]any,
	providedExecutionID string,
	runMode orchestration.RunMode,
) (string, error) {
	executionID, err := r.state.CreateExecution(ctx, agentID, userID, sessionID, plan, inputs, providedExecutionID, runMode)
	if err != nil {
		return "", err
	}

	execCtx := orchestration.NewMemoryContext(agentID, userID, executionID, inputs, time.Now())
	ctrl := orchestration.NewController(executionID)
	r.registry.put(executionID, execCtx, ctrl)

	go r.run(context.Background(), executionID, plan, execCtx, ctrl)

	return executionID, nil
}

// Resume reconstructs a paused or interrupted execution from its durable
// record and resumes driving its plan, starting from the first step not
// already present in the restored trace.
func (r *Runner) Resume(ctx context.Context, executionID string) error {
	result, err := r.state.ResumeExecution(ctx, executionID)
	if err != nil {
		return err
	}

	run, err := r.backend.GetRun(ctx, executionID)
	if err != nil {
		return fmt.Errorf("resume: reload plan: %w", err)
	}

	ctrl := r.rebuildController(ctx, executionID, result.Context)
	ctrl.Resume()

	r.registry.put(executionID, result.Context, ctrl)

	go r.run(context.Background(), executionID, run.Plan, result.Context, ctrl)

	return nil
}

// rebuildController reconstructs a Controller for a resumed execution from
// its durably persisted checkpoint history, so a resumed run's rollback
// horizon survives the process restart that made resuming necessary.
func (r *Runner) rebuildController(ctx context.Context, executionID string, execCtx orchestration.ExecutionContext) *orchestration.Controller {
	snapshot := orchestration.Snapshot{
		WorkflowID:     executionID,
		Status:         orchestration.StatusRunning,
		CompletedSteps: execCtx.CompletedSteps(),
		FailedSteps:    execCtx.FailedSteps(),
		Checkpoints:    make(map[string]*orchestration.Checkpoint),
		StartedAt:      time.Now(),
	}

	checkpoints, err := r.backend.ListCheckpoints(ctx, executionID)
	if err != nil {
		r.logger.Warn("resume: load checkpoint history failed", "execution_id", executionID, "error", err.Error())
		return orchestration.ImportState(snapshot)
	}
	for _, cp := range checkpoints {
		snapshot.Checkpoints[cp.ID] = cp
		snapshot.CheckpointOrder = append(snapshot.CheckpointOrder, cp.ID)
		snapshot.StartedAt = cp.Metadata.StartedAt
	}
	return orchestration.ImportState(snapshot)
}

// run walks plan.Steps in dependency-level order until the plan is
// exhausted, a pause/cancel is observed at a level boundary, or a level
// fails. ctrl tracks step lifecycle and checkpoints alongside execCtx;
// unlike execCtx it survives only for this process's lifetime of the run,
// rebuilt from durable checkpoints on resume (see rebuildController).
//
// ctx is never cancelled by Pause/Cancel — those act purely through ctrl's
// cooperative flags, consulted only between levels — so a step already
// dispatched, and any retry backoff it is sleeping through, always runs to
// completion.
func (r *Runner) run(ctx context.Context, executionID string, plan orchestration.ExecutionPlan, execCtx orchestration.ExecutionContext, ctrl *orchestration.Controller) {
	defer r.registry.remove(executionID)

	ctx, span := r.startExecutionSpan(ctx, executionID, execCtx.AgentID())
	var runErr error
	defer func() { r.endSpan(span, runErr) }()

	levels := groupByLevel(plan.Steps)
	for _, level := range levels {
		if alreadyDone(level, execCtx) {
			continue
		}

		if !ctrl.ShouldContinue() {
			runErr = errExecutionHalted
			r.finish(executionID, execCtx, ctrl, runErr)
			return
		}

		for _, step := range level {
			ctrl.MarkStepStarted(step.ID)
		}

		if err := r.runLevel(ctx, level, execCtx); err != nil {
			for _, step := range level {
				if _, ok := execCtx.StepOutput(step.ID); !ok {
					ctrl.MarkStepFailed(step.ID, step.Payload.ContinueOnError)
				}
			}
			runErr = err
			r.finish(executionID, execCtx, ctrl, runErr)
			return
		}

		for _, step := range level {
			if contains(execCtx.FailedSteps(), step.ID) {
				ctrl.MarkStepFailed(step.ID, true)
				continue
			}
			ctrl.MarkStepCompleted(step.ID)
		}

		r.state.Checkpoint(context.Background(), executionID, execCtx)
		r.saveCheckpoint(context.Background(), executionID, execCtx, ctrl, level, plan.Steps)
	}

	ctrl.MarkCompleted()
	if err := r.state.CompleteExecution(context.Background(), executionID, finalOutput(plan, execCtx), execCtx); err != nil {
		r.logger.Error("complete execution failed", "execution_id", executionID, "error", err.Error())
	}
}

// saveCheckpoint builds a Controller checkpoint for the level just
// completed and persists it through the backend's CheckpointStore, so a
// future resume can reconstruct the Controller's rollback horizon (see
// rebuildController) instead of starting with an empty one.
func (r *Runner) saveCheckpoint(ctx context.Context, executionID string, execCtx orchestration.ExecutionContext, ctrl *orchestration.Controller, level []orchestration.StepDescriptor, allSteps []orchestration.StepDescriptor) {
	stepResults := make(map[string]orchestration.StepOutput)
	for _, id := range execCtx.CompletedSteps() {
		if out, ok := execCtx.StepOutput(id); ok {
			stepResults[id] = out
		}
	}

	completedStep := ""
	if len(level) > 0 {
		completedStep = level[len(level)-1].ID
	}

	remaining := stepsByID(allSteps, remainingStepIDs(allSteps, execCtx))

	remainingIDs := make([]string, 0, len(remaining))
	for _, s := range remaining {
		remainingIDs = append(remainingIDs, s.ID)
	}

	cp := ctrl.CreateCheckpoint(completedStep, stepResults, execCtx.Variables(), remainingIDs)
	if err := r.backend.SaveCheckpoint(ctx, executionID, cp); err != nil {
		r.logger.Error("save checkpoint failed", "execution_id", executionID, "error", err.Error())
	}
}

// remainingStepIDs reports every plan step not yet completed, failed, or
// skipped in execCtx, in plan order.
func remainingStepIDs(allSteps []orchestration.StepDescriptor, execCtx orchestration.ExecutionContext) []string {
	var remaining []string
	var walk func([]orchestration.StepDescriptor)
	walk = func(level []orchestration.StepDescriptor) {
		for _, s := range level {
			if _, ok := execCtx.StepOutput(s.ID); !ok &&
				!contains(execCtx.FailedSteps(), s.ID) &&
				!contains(execCtx.SkippedSteps(), s.ID) {
				remaining = append(remaining, s.ID)
			}
			if len(s.Payload.Steps) > 0 {
				walk(s.Payload.Steps)
			}
		}
	}
	walk(allSteps)
	return remaining
}

// finish records a non-nil run error as a pause or cancellation requested
// through the Registry, or a genuine step failure otherwise.
func (r *Runner) finish(executionID string, execCtx orchestration.ExecutionContext, ctrl *orchestration.Controller, runErr error) {
	bg := context.Background()

	if errors.Is(runErr, errExecutionHalted) {
		switch r.registry.reasonFor(executionID) {
		case reasonPause:
			if err := r.state.PauseExecution(bg, executionID, execCtx); err != nil {
				r.logger.Error("pause execution failed", "execution_id", executionID, "error", err.Error())
			}
			metrics.RecordExecution(string(orchestration.StatusPaused))
		default:
			if err := r.state.CancelExecution(bg, executionID, execCtx); err != nil {
				r.logger.Error("cancel execution failed", "execution_id", executionID, "error", err.Error())
			}
			metrics.RecordExecution(string(orchestration.StatusCancelled))
		}
		return
	}

	ctrl.MarkFailed(runErr)
	if err := r.state.FailExecution(bg, executionID, runErr, execCtx); err != nil {
		r.logger.Error("fail execution failed", "execution_id", executionID, "error", err.Error())
	}
	metrics.RecordExecution(string(orchestration.StatusFailed))
	if r.reporter != nil {
		r.reporter.ReportExecutionFailure(bg, runErr, executionID, execCtx.AgentID(), execCtx.UserID())
	}
}

// Pause requests a graceful pause of a running execution: its driver
// goroutine observes the Controller's pause flag at its next level
// boundary, letting any step already in flight run to completion, and
// persists status=paused. It returns an error if executionID is not
// currently running.
func (r *Runner) Pause(executionID string) error {
	if !r.registry.Pause(executionID) {
		return fmt.Errorf("execution %s is not running", executionID)
	}
	return nil
}

// Cancel requests a stop of a running execution at its next level
// boundary, letting any step already in flight run to completion, and
// persists status=cancelled once its driver goroutine observes the
// Controller's stop flag.
func (r *Runner) Cancel(executionID string) error {
	if !r.registry.Stop(executionID) {
		return fmt.Errorf("execution %s is not running", executionID)
	}
	return nil
}

// alreadyDone reports whether every step in level is already recorded as
// completed, skipped, or failed-with-continueOnError in execCtx — the
// resume-from-checkpoint fast path.
func alreadyDone(level []orchestration.StepDescriptor, execCtx orchestration.ExecutionContext) bool {
	for _, step := range level {
		if _, ok := execCtx.StepOutput(step.ID); ok {
			continue
		}
		if contains(execCtx.SkippedSteps(), step.ID) {
			continue
		}
		if contains(execCtx.FailedSteps(), step.ID) && step.Payload.ContinueOnError {
			continue
		}
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// groupByLevel buckets steps by DependencyLevel, ascending, preserving
// each level's relative order. It is the engine's substitute for a full
// topological sort: the compiler that produced the ExecutionPlan is
// expected to have already assigned levels consistent with DependsOn.
func groupByLevel(steps []orchestration.StepDescriptor) [][]orchestration.StepDescriptor {
	if len(steps) == 0 {
		return nil
	}
	byLevel := make(map[int][]orchestration.StepDescriptor)
	maxLevel := 0
	for _, s := range steps {
		byLevel[s.DependencyLevel] = append(byLevel[s.DependencyLevel], s)
		if s.DependencyLevel > maxLevel {
			maxLevel = s.DependencyLevel
		}
	}
	levels := make([][]orchestration.StepDescriptor, 0, maxLevel+1)
	for i := 0; i <= maxLevel; i++ {
		if group, ok := byLevel[i]; ok {
			levels = append(levels, group)
		}
	}
	return levels
}

// finalOutput collects the data of every top-level plan step that has an
// output, keyed by step id, into the map persisted as the execution's
// final_output. Steps nested under control-flow steps are not included.
func finalOutput(plan orchestration.ExecutionPlan, execCtx orchestration.ExecutionContext) map[string]any {
	out := make(map[string]any)
	for _, step := range plan.Steps {
		if o, ok := execCtx.StepOutput(step.ID); ok {
			out[step.ID] = o.Data
		}
	}
	return out
}
