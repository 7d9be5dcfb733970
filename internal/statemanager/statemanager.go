// Package statemanager implements the durable State Manager / Durable
// Resume subsystem: execution record and step-row persistence, checkpoint
// read-modify-write, and resume-from-checkpoint reconstruction.
package statemanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/orchkit/internal/analytics"
	"github.com/tombee/orchkit/internal/backend"
	"github.com/tombee/orchkit/internal/broadcast"
	"github.com/tombee/orchkit/internal/metrics"
	"github.com/tombee/orchkit/pkg/orchestration"
)

// QuotaChecker is the quota collaborator consulted before createExecution
// and recorded (best-effort) after (§4.2).
type QuotaChecker interface {
	CheckExecutionAvailable(userID string) error
	RecordExecution(userID string) error
}

// OutputCache is the external Execution Output Cache. On resume, a
// non-empty result from it replaces the run's own trace cached_outputs as
// the outputs replayed for completed steps (§3, §4.2).
type OutputCache interface {
	GetAllOutputs(ctx context.Context, executionID string) (map[string]orchestration.CachedOutput, error)
}

// MetricsCollector is the best-effort metrics collaborator; it must never
// receive customer payload (§6).
type MetricsCollector interface {
	CollectMetrics(ctx context.Context, executionID, agentID string, execCtx orchestration.ExecutionContext)
}

// StateManager persists execution records and step rows, checkpoints
// in-flight progress, and reconstructs resumable state. Persistence
// failures never halt a run except at CreateExecution (§4.2).
type StateManager struct {
	backend  backend.Backend
	quota    QuotaChecker
	cache    OutputCache
	metrics  MetricsCollector
	hub      *broadcast.Hub
	history  analytics.Recorder
	logger   *slog.Logger

	progressTrackingEnabled bool
}

// Option configures a StateManager.
type Option func(*StateManager)

func WithQuota(q QuotaChecker) Option                 { return func(s *StateManager) { s.quota = q } }
func WithOutputCache(c OutputCache) Option            { return func(s *StateManager) { s.cache = c } }
func WithMetricsCollector(m MetricsCollector) Option  { return func(s *StateManager) { s.metrics = m } }
func WithBroadcastHub(h *broadcast.Hub) Option        { return func(s *StateManager) { s.hub = h } }
func WithHistoryRecorder(r analytics.Recorder) Option { return func(s *StateManager) { s.history = r } }
func WithLogger(l *slog.Logger) Option                { return func(s *StateManager) { s.logger = l } }
func WithProgressTracking(enabled bool) Option {
	return func(s *StateManager) { s.progressTrackingEnabled = enabled }
}

// New creates a StateManager backed by be, applying opts.
func New(be backend.Backend, opts ...Option) *StateManager {
	s := &StateManager{
		backend:                 be,
		progressTrackingEnabled: true,
		logger:                  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ErrQuotaExceeded is returned by CreateExecution when the user is over
// their execution quota.
var ErrQuotaExceeded = errors.New("execution quota exceeded")

// CreateExecution inserts a new running execution record, rejecting the
// call if the user is over quota. providedExecutionID, if non-empty, is
// used as the primary key so an authoring UI can pre-register an id for
// polling (§4.2).
func (s *StateManager) CreateExecution(
	ctx context.Context,
	agentID, userID, sessionID string,
	plan orchestration.ExecutionPlan,
	inputs map[string]any,
	providedExecutionID string,
	runMode orchestration.RunMode,
) (string, error) {
	if s.quota != nil {
		if err := s.quota.CheckExecutionAvailable(userID); err != nil {
			return "", fmt.Errorf("%w: %s", ErrQuotaExceeded, err.Error())
		}
	}

	if runMode == "" {
		runMode = orchestration.RunModeProduction
	}

	executionID := providedExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}

	now := time.Now()
	record := &orchestration.ExecutionRecord{
		ExecutionID: executionID,
		AgentID:     agentID,
		UserID:      userID,
		SessionID:   sessionID,
		Status:      orchestration.StatusRunning,
		Plan:        plan,
		Inputs:      inputs,
		RunMode:     runMode,
		StartedAt:   now,
		UpdatedAt:   now,
		Trace: orchestration.ExecutionTrace{
			CachedOutputs: make(map[string]orchestration.CachedOutput),
		},
	}

	if err := s.backend.CreateRun(ctx, record); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	if s.quota != nil {
		if err := s.quota.RecordExecution(userID); err != nil {
			s.logger.Warn("quota record-execution failed", attr("execution_id", executionID), attr("error", err.Error()))
		}
	}

	if s.hub != nil {
		s.hub.Open(executionID)
	}

	return executionID, nil
}

// Checkpoint writes execCtx's step lists, counts, current step and totals
// onto the stored run, keeping the stored cached_outputs; execCtx itself is
// not modified. It is gated by progressTracking
// and swallows its own failures (§4.2).
func (s *StateManager) Checkpoint(ctx context.Context, executionID string, execCtx orchestration.ExecutionContext) {
	if !s.progressTrackingEnabled {
		return
	}

	run, err := s.backend.GetRun(ctx, executionID)
	if err != nil {
		s.logger.Warn("checkpoint: read failed", attr("execution_id", executionID), attr("error", err.Error()))
		metrics.RecordPersistenceError("checkpoint")
		return
	}

	run.Trace.CompletedSteps = execCtx.CompletedSteps()
	run.Trace.FailedSteps = execCtx.FailedSteps()
	run.Trace.SkippedSteps = execCtx.SkippedSteps()
	// cached_outputs is owned by storage: the in-memory trace never wins
	// that key (a separate writer populates it).
	run.Status = orchestration.StatusRunning
	run.CurrentStep = execCtx.CurrentStep()
	run.Completed = len(run.Trace.CompletedSteps)
	run.Failed = len(run.Trace.FailedSteps)
	run.Skipped = len(run.Trace.SkippedSteps)
	run.TotalTokensUsed = execCtx.TotalTokensUsed()
	run.TotalExecutionTime = execCtx.TotalExecutionTime()
	run.UpdatedAt = time.Now()

	if err := s.backend.UpdateRun(ctx, run); err != nil {
		s.logger.Warn("checkpoint: write failed", attr("execution_id", executionID), attr("error", err.Error()))
		metrics.RecordPersistenceError("checkpoint")
	}
}

// CompleteExecution sanitizes finalOutput, builds the structured
// execution_results summary, invokes the metrics collector best-effort,
// persists the terminal record, broadcasts and closes the progress
// channel, and writes a best-effort history row (§4.2).
func (s *StateManager) CompleteExecution(ctx context.Context, executionID string, finalOutput map[string]any, execCtx orchestration.ExecutionContext) error {
	run, err := s.backend.GetRun(ctx, executionID)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}

	sanitized := orchestration.SanitizeFinalOutput(finalOutput)

	now := time.Now()
	run.Status = orchestration.StatusCompleted
	run.CompletedAt = &now
	run.FinalOutput = sanitized
	run.Trace.CompletedSteps = execCtx.CompletedSteps()
	run.Trace.FailedSteps = execCtx.FailedSteps()
	run.Trace.SkippedSteps = execCtx.SkippedSteps()
	run.Completed = len(run.Trace.CompletedSteps)
	run.Failed = len(run.Trace.FailedSteps)
	run.Skipped = len(run.Trace.SkippedSteps)
	run.TotalTokensUsed = execCtx.TotalTokensUsed()
	run.TotalExecutionTime = execCtx.TotalExecutionTime()
	run.Results = &orchestration.ExecutionResults{
		Completed: run.Completed,
		Failed:    run.Failed,
		Skipped:   run.Skipped,
	}
	run.UpdatedAt = now

	if s.metrics != nil {
		s.metrics.CollectMetrics(ctx, executionID, run.AgentID, execCtx)
	}

	if err := s.backend.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}

	metrics.RecordExecution(string(orchestration.StatusCompleted))

	if s.hub != nil {
		s.hub.Publish(broadcast.Event{
			ExecutionID: executionID, Status: string(orchestration.StatusCompleted),
			Completed: run.Completed, Failed: run.Failed, Skipped: run.Skipped, Final: true,
		})
		s.hub.Close(executionID)
	}

	if s.history != nil {
		row := analytics.Row{
			ExecutionID: executionID, AgentID: run.AgentID, UserID: run.UserID,
			Status: run.Status, RunMode: run.RunMode,
			Completed: run.Completed, Failed: run.Failed, Skipped: run.Skipped,
			TotalTokensUsed: run.TotalTokensUsed, DurationMs: run.TotalExecutionTime,
			RecordedAt: now,
		}
		if err := s.history.Record(ctx, row); err != nil {
			s.logger.Warn("history record failed", attr("execution_id", executionID), attr("error", err.Error()))
		}
	}

	return nil
}

const (
	failExecutionPollAttempts = 10
	failExecutionPollInterval = 100 * time.Millisecond
)

// FailExecution polls storage, up to 10 times at 100ms intervals, for
// cached_outputs to cover every completed step before writing the failed
// record, so a concurrent output-cache writer has a chance to catch up
// (§4.2).
func (s *StateManager) FailExecution(ctx context.Context, executionID string, failure error, execCtx orchestration.ExecutionContext) error {
	completed := execCtx.CompletedSteps()

	for attempt := 0; attempt < failExecutionPollAttempts; attempt++ {
		run, err := s.backend.GetRun(ctx, executionID)
		if err == nil && len(run.Trace.CachedOutputs) >= len(completed) {
			break
		}
		if attempt == failExecutionPollAttempts-1 {
			s.logger.Warn("failExecution: cached_outputs did not catch up in time",
				attr("execution_id", executionID))
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(failExecutionPollInterval):
		}
	}

	run, err := s.backend.GetRun(ctx, executionID)
	if err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}

	now := time.Now()
	run.Status = orchestration.StatusFailed
	run.ErrorMessage = failure.Error()
	run.FailedAt = &now
	run.Trace.CompletedSteps = completed
	run.Trace.FailedSteps = execCtx.FailedSteps()
	run.Trace.SkippedSteps = execCtx.SkippedSteps()
	run.Completed = len(run.Trace.CompletedSteps)
	run.Failed = len(run.Trace.FailedSteps)
	run.Skipped = len(run.Trace.SkippedSteps)
	run.TotalTokensUsed = execCtx.TotalTokensUsed()
	run.TotalExecutionTime = execCtx.TotalExecutionTime()
	run.UpdatedAt = now

	if err := s.backend.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("fail execution: %w", err)
	}

	verify, verr := s.backend.GetRun(ctx, executionID)
	if verr != nil || verify.Status != orchestration.StatusFailed {
		s.logger.Error("failExecution: status verification mismatch", attr("execution_id", executionID))
	}

	metrics.RecordExecution(string(orchestration.StatusFailed))

	if s.history != nil {
		_ = s.history.Record(ctx, analytics.Row{
			ExecutionID: executionID, AgentID: run.AgentID, UserID: run.UserID,
			Status: run.Status, RunMode: run.RunMode,
			Completed: run.Completed, Failed: run.Failed, Skipped: run.Skipped,
			TotalTokensUsed: run.TotalTokensUsed, DurationMs: run.TotalExecutionTime,
			RecordedAt: now,
		})
	}

	return nil
}

// PauseExecution persists status=paused with the current counts/trace.
func (s *StateManager) PauseExecution(ctx context.Context, executionID string, execCtx orchestration.ExecutionContext) error {
	return s.setTerminalish(ctx, executionID, orchestration.StatusPaused, execCtx, func(run *orchestration.ExecutionRecord, now time.Time) {
		run.PausedAt = &now
	})
}

// CancelExecution persists status=cancelled with the current counts/trace.
func (s *StateManager) CancelExecution(ctx context.Context, executionID string, execCtx orchestration.ExecutionContext) error {
	return s.setTerminalish(ctx, executionID, orchestration.StatusCancelled, execCtx, func(run *orchestration.ExecutionRecord, now time.Time) {
		run.CancelledAt = &now
	})
}

func (s *StateManager) setTerminalish(ctx context.Context, executionID string, status orchestration.ExecutionStatus, execCtx orchestration.ExecutionContext, stamp func(*orchestration.ExecutionRecord, time.Time)) error {
	run, err := s.backend.GetRun(ctx, executionID)
	if err != nil {
		return fmt.Errorf("%s execution: %w", status, err)
	}

	now := time.Now()
	run.Status = status
	run.Trace.CompletedSteps = execCtx.CompletedSteps()
	run.Trace.FailedSteps = execCtx.FailedSteps()
	run.Trace.SkippedSteps = execCtx.SkippedSteps()
	run.Completed = len(run.Trace.CompletedSteps)
	run.Failed = len(run.Trace.FailedSteps)
	run.Skipped = len(run.Trace.SkippedSteps)
	run.TotalTokensUsed = execCtx.TotalTokensUsed()
	run.TotalExecutionTime = execCtx.TotalExecutionTime()
	run.UpdatedAt = now
	stamp(run, now)

	if err := s.backend.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("%s execution: %w", status, err)
	}
	metrics.RecordExecution(string(status))
	return nil
}

// ResumeResult is resumeExecution's return shape.
type ResumeResult struct {
	Context orchestration.ExecutionContext
	RunMode orchestration.RunMode
	AgentID string
}

// ErrInvalidResumeStatus is returned when the record's status is not
// {paused, running}.
var ErrInvalidResumeStatus = errors.New("execution is not resumable from its current status")

// ResumeExecution reconstructs a context from the durable record,
// detecting a fresh restart (both completedSteps and failedSteps empty)
// versus a partial resume, restoring cached outputs for every completed
// step, and downgrading to a fresh restart if the cache turns out to be
// empty (§4.2).
func (s *StateManager) ResumeExecution(ctx context.Context, executionID string) (*ResumeResult, error) {
	run, err := s.backend.GetRun(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("resume execution: %w", err)
	}
	if run.Status != orchestration.StatusPaused && run.Status != orchestration.StatusRunning {
		return nil, ErrInvalidResumeStatus
	}

	execCtx := orchestration.NewMemoryContext(run.AgentID, run.UserID, run.ExecutionID, run.Inputs, run.StartedAt)

	isFresh := len(run.Trace.CompletedSteps) == 0 && len(run.Trace.FailedSteps) == 0

	if !isFresh {
		s.restorePartialState(ctx, execCtx, run)
	}

	now := time.Now()
	run.Status = orchestration.StatusRunning
	run.ResumedAt = &now
	run.UpdatedAt = now
	if err := s.backend.UpdateRun(ctx, run); err != nil {
		s.logger.Warn("resumeExecution: persist status failed", attr("execution_id", executionID), attr("error", err.Error()))
	}

	return &ResumeResult{Context: execCtx, RunMode: run.RunMode, AgentID: run.AgentID}, nil
}

// restorePartialState restores a non-fresh run's currentStep,
// completed/failed/skipped step lists, and token/time totals, then
// reinstalls cached outputs; an empty cache downgrades the output restore
// to fresh, but the step-status lists and totals are restored regardless
// since they come from the durable run row itself, not the cache (§4.2).
func (s *StateManager) restorePartialState(ctx context.Context, execCtx *orchestration.MemoryContext, run *orchestration.ExecutionRecord) {
	execCtx.SetCurrentStep(run.CurrentStep)
	for _, stepID := range run.Trace.FailedSteps {
		execCtx.MarkStepFailed(stepID)
	}
	for _, stepID := range run.Trace.SkippedSteps {
		execCtx.MarkStepSkipped(stepID)
	}
	execCtx.AddTokensUsed(run.TotalTokensUsed)
	execCtx.AddExecutionTime(run.TotalExecutionTime)

	outputs := run.Trace.CachedOutputs
	if s.cache != nil {
		if fromCache, err := s.cache.GetAllOutputs(ctx, run.ExecutionID); err == nil && len(fromCache) > 0 {
			outputs = fromCache
		}
	}

	if len(outputs) == 0 {
		s.logger.Warn("resumeExecution: cached_outputs empty, downgrading output restore to fresh",
			attr("execution_id", run.ExecutionID))
		return
	}

	for _, stepID := range run.Trace.CompletedSteps {
		cached, ok := outputs[stepID]
		if !ok {
			continue
		}
		plugin, _ := cached.Metadata["plugin"].(string)
		action, _ := cached.Metadata["action"].(string)
		execCtx.SetStepOutput(stepID, orchestration.StepOutput{
			StepID: stepID, Plugin: plugin, Action: action, Data: cached.Data,
		})
	}
}

func attr(key string, value any) slog.Attr {
	return slog.Any(key, value)
}

// LogStepExecution upserts the step row for (executionID, stepID). A
// pre-existing row (a re-run after rollback or retry) is reset: status back
// to running, completed_at/failed_at/error_message/tokens_used/
// execution_time_ms cleared, started_at and execution_metadata refreshed, so
// stale failure state from a prior attempt never leaks into the new one
// (§4.2). Errors are logged and swallowed; this must never abort a run.
func (s *StateManager) LogStepExecution(ctx context.Context, executionID, stepID, stepName string, stepType orchestration.NormalizedStepType, plugin, action string, metadata map[string]any) {
	now := time.Now()
	record := &orchestration.StepExecutionRecord{
		ExecutionID:       executionID,
		StepID:            stepID,
		StepName:          stepName,
		StepType:          stepType,
		Status:            orchestration.StepStatusRunning,
		StartedAt:         &now,
		Plugin:            plugin,
		Action:            action,
		ExecutionMetadata: metadata,
	}

	if err := s.backend.SaveStepResult(ctx, record); err != nil {
		s.logger.Warn("logStepExecution: save failed",
			attr("execution_id", executionID), attr("step_id", stepID), attr("error", err.Error()))
	}
}

// UpdateStepExecution stamps completed_at or failed_at depending on success,
// copies tokens_used (collapsing a `{total, ...}` usage object down to its
// scalar total), execution_time_ms, and item_count from metadata (§4.2).
// Errors are logged and swallowed.
func (s *StateManager) UpdateStepExecution(ctx context.Context, executionID, stepID string, success bool, errMessage string, metadata map[string]any) {
	record, err := s.backend.GetStepResult(ctx, executionID, stepID)
	if err != nil {
		s.logger.Warn("updateStepExecution: read failed",
			attr("execution_id", executionID), attr("step_id", stepID), attr("error", err.Error()))
		return
	}

	now := time.Now()
	if success {
		record.Status = orchestration.StepStatusCompleted
		record.CompletedAt = &now
	} else {
		record.Status = orchestration.StepStatusFailed
		record.FailedAt = &now
		record.ErrorMessage = errMessage
	}

	record.TokensUsed = tokensUsedFromMetadata(metadata)
	if ms, ok := metadata["execution_time_ms"]; ok {
		if v, ok := toInt64(ms); ok {
			record.ExecutionTimeMs = v
		}
	}
	if count, ok := metadata["item_count"]; ok {
		if v, ok := toInt64(count); ok {
			record.ItemCount = int(v)
		}
	}

	if err := s.backend.SaveStepResult(ctx, record); err != nil {
		s.logger.Warn("updateStepExecution: save failed",
			attr("execution_id", executionID), attr("step_id", stepID), attr("error", err.Error()))
	}
}

// tokensUsedFromMetadata collapses a usage object shaped like
// {"total": n, ...} down to its scalar total, or reads a bare numeric
// tokens_used entry.
func tokensUsedFromMetadata(metadata map[string]any) int {
	raw, ok := metadata["tokens_used"]
	if !ok {
		return 0
	}
	if usage, ok := raw.(map[string]any); ok {
		if total, ok := usage["total"]; ok {
			if v, ok := toInt64(total); ok {
				return int(v)
			}
		}
		return 0
	}
	if v, ok := toInt64(raw); ok {
		return int(v)
	}
	return 0
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
