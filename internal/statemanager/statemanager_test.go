package statemanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/orchkit/internal/analytics"
	"github.com/tombee/orchkit/internal/backend/memory"
	"github.com/tombee/orchkit/pkg/orchestration"
)

type fakeQuota struct {
	allow bool
}

func (f *fakeQuota) CheckExecutionAvailable(userID string) error {
	if !f.allow {
		return errors.New("over limit")
	}
	return nil
}
func (f *fakeQuota) RecordExecution(userID string) error { return nil }

type fakeOutputCache struct {
	outputs map[string]orchestration.CachedOutput
}

func (f *fakeOutputCache) GetAllOutputs(ctx context.Context, executionID string) (map[string]orchestration.CachedOutput, error) {
	return f.outputs, nil
}

func TestCreateExecution_RejectsOverQuota(t *testing.T) {
	sm := New(memory.New(), WithQuota(&fakeQuota{allow: false}))
	_, err := sm.CreateExecution(context.Background(), "agent", "user", "sess", orchestration.ExecutionPlan{}, nil, "", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestCreateExecution_UsesProvidedIDAndDefaultsRunMode(t *testing.T) {
	sm := New(memory.New(), WithQuota(&fakeQuota{allow: true}))
	id, err := sm.CreateExecution(context.Background(), "agent", "user", "sess", orchestration.ExecutionPlan{}, nil, "exec-123", "")
	require.NoError(t, err)
	assert.Equal(t, "exec-123", id)
}

func TestCheckpoint_MergesCountsAndPreservesCachedOutputs(t *testing.T) {
	be := memory.New()
	sm := New(be)
	ctx := context.Background()

	id, err := sm.CreateExecution(ctx, "agent", "user", "sess", orchestration.ExecutionPlan{}, nil, "", "")
	require.NoError(t, err)

	run, _ := be.GetRun(ctx, id)
	run.Trace.CachedOutputs["step-1"] = orchestration.CachedOutput{Data: "cached"}
	require.NoError(t, be.UpdateRun(ctx, run))

	execCtx := orchestration.NewMemoryContext("agent", "user", id, nil, time.Now())
	execCtx.SetStepOutput("step-1", orchestration.StepOutput{StepID: "step-1"})

	sm.Checkpoint(ctx, id, execCtx)

	reloaded, err := be.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Completed)
	assert.Equal(t, "cached", reloaded.Trace.CachedOutputs["step-1"].Data)
}

func TestCompleteExecution_SanitizesOutputAndWritesHistory(t *testing.T) {
	be := memory.New()
	history := analytics.NewMemoryRecorder()
	sm := New(be, WithHistoryRecorder(history))
	ctx := context.Background()

	id, err := sm.CreateExecution(ctx, "agent", "user", "sess", orchestration.ExecutionPlan{}, nil, "", "")
	require.NoError(t, err)

	execCtx := orchestration.NewMemoryContext("agent", "user", id, nil, time.Now())
	execCtx.SetStepOutput("step-1", orchestration.StepOutput{StepID: "step-1"})

	err = sm.CompleteExecution(ctx, id, map[string]any{
		"step1": map[string]any{"secret": "leak-me-not"},
	}, execCtx)
	require.NoError(t, err)

	run, err := be.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, orchestration.StatusCompleted, run.Status)
	step1 := run.FinalOutput["step1"].(map[string]any)
	assert.Equal(t, "object", step1["type"])
	assert.NotContains(t, step1, "secret")

	rows := history.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].ExecutionID)
}

func TestFailExecution_PersistsErrorAndVerifiesStatus(t *testing.T) {
	be := memory.New()
	sm := New(be)
	ctx := context.Background()

	id, err := sm.CreateExecution(ctx, "agent", "user", "sess", orchestration.ExecutionPlan{}, nil, "", "")
	require.NoError(t, err)

	execCtx := orchestration.NewMemoryContext("agent", "user", id, nil, time.Now())
	err = sm.FailExecution(ctx, id, errors.New("boom"), execCtx)
	require.NoError(t, err)

	run, err := be.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, orchestration.StatusFailed, run.Status)
	assert.Equal(t, "boom", run.ErrorMessage)
}

func TestResumeExecution_FreshRestartWhenTraceEmpty(t *testing.T) {
	be := memory.New()
	sm := New(be)
	ctx := context.Background()

	id, err := sm.CreateExecution(ctx, "agent", "user", "sess", orchestration.ExecutionPlan{}, map[string]any{"x": 1}, "", "")
	require.NoError(t, err)

	run, _ := be.GetRun(ctx, id)
	run.Status = orchestration.StatusPaused
	require.NoError(t, be.UpdateRun(ctx, run))

	result, err := sm.ResumeExecution(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, result.Context.CompletedSteps())

	reloaded, _ := be.GetRun(ctx, id)
	assert.Equal(t, orchestration.StatusRunning, reloaded.Status)
	assert.NotNil(t, reloaded.ResumedAt)
}

func TestResumeExecution_PartialRestoresCachedOutputs(t *testing.T) {
	be := memory.New()
	cache := &fakeOutputCache{outputs: map[string]orchestration.CachedOutput{
		"step-1": {Data: "restored", Metadata: map[string]any{"plugin": "db", "action": "get"}},
	}}
	sm := New(be, WithOutputCache(cache))
	ctx := context.Background()

	id, err := sm.CreateExecution(ctx, "agent", "user", "sess", orchestration.ExecutionPlan{}, nil, "", "")
	require.NoError(t, err)

	run, _ := be.GetRun(ctx, id)
	run.Status = orchestration.StatusPaused
	run.Trace.CompletedSteps = []string{"step-1"}
	require.NoError(t, be.UpdateRun(ctx, run))

	result, err := sm.ResumeExecution(ctx, id)
	require.NoError(t, err)

	out, ok := result.Context.StepOutput("step-1")
	require.True(t, ok)
	assert.Equal(t, "restored", out.Data)
	assert.Equal(t, "db", out.Plugin)
}

func TestResumeExecution_EmptyCacheDowngradesToFreshRestart(t *testing.T) {
	be := memory.New()
	cache := &fakeOutputCache{outputs: map[string]orchestration.CachedOutput{}}
	sm := New(be, WithOutputCache(cache))
	ctx := context.Background()

	id, err := sm.CreateExecution(ctx, "agent", "user", "sess", orchestration.ExecutionPlan{}, nil, "", "")
	require.NoError(t, err)

	run, _ := be.GetRun(ctx, id)
	run.Status = orchestration.StatusPaused
	run.Trace.CompletedSteps = []string{"step-1"}
	require.NoError(t, be.UpdateRun(ctx, run))

	result, err := sm.ResumeExecution(ctx, id)
	require.NoError(t, err)
	_, ok := result.Context.StepOutput("step-1")
	assert.False(t, ok, "downgraded fresh restart must not carry forward any step output")
}

func TestResumeExecution_RestoresCurrentStepFailedSkippedAndTotals(t *testing.T) {
	be := memory.New()
	sm := New(be)
	ctx := context.Background()

	id, err := sm.CreateExecution(ctx, "agent", "user", "sess", orchestration.ExecutionPlan{}, nil, "", "")
	require.NoError(t, err)

	run, _ := be.GetRun(ctx, id)
	run.Status = orchestration.StatusPaused
	run.CurrentStep = "step-3"
	run.Trace.CompletedSteps = []string{"step-1"}
	run.Trace.FailedSteps = []string{"step-2"}
	run.Trace.SkippedSteps = []string{"step-4"}
	run.TotalTokensUsed = 150
	run.TotalExecutionTime = 2500
	require.NoError(t, be.UpdateRun(ctx, run))

	result, err := sm.ResumeExecution(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, "step-3", result.Context.CurrentStep())
	assert.Contains(t, result.Context.FailedSteps(), "step-2")
	assert.Contains(t, result.Context.SkippedSteps(), "step-4")
	assert.Equal(t, int64(150), result.Context.TotalTokensUsed())
	assert.Equal(t, int64(2500), result.Context.TotalExecutionTime())
}

func TestResumeExecution_RejectsInvalidStatus(t *testing.T) {
	be := memory.New()
	sm := New(be)
	ctx := context.Background()

	id, err := sm.CreateExecution(ctx, "agent", "user", "sess", orchestration.ExecutionPlan{}, nil, "", "")
	require.NoError(t, err)

	execCtx := orchestration.NewMemoryContext("agent", "user", id, nil, time.Now())
	require.NoError(t, sm.CompleteExecution(ctx, id, nil, execCtx))

	_, err = sm.ResumeExecution(ctx, id)
	assert.ErrorIs(t, err, ErrInvalidResumeStatus)
}

func TestLogStepExecution_ResetsStaleStateOnReentry(t *testing.T) {
	be := memory.New()
	sm := New(be)
	ctx := context.Background()

	id, err := sm.CreateExecution(ctx, "agent", "user", "sess", orchestration.ExecutionPlan{}, nil, "", "")
	require.NoError(t, err)

	sm.LogStepExecution(ctx, id, "step-1", "Do thing", orchestration.NormalizedAction, "db", "get", nil)
	sm.UpdateStepExecution(ctx, id, "step-1", false, "boom", nil)

	row, err := be.GetStepResult(ctx, id, "step-1")
	require.NoError(t, err)
	assert.Equal(t, orchestration.StepStatusFailed, row.Status)
	assert.Equal(t, "boom", row.ErrorMessage)

	sm.LogStepExecution(ctx, id, "step-1", "Do thing", orchestration.NormalizedAction, "db", "get", nil)

	row, err = be.GetStepResult(ctx, id, "step-1")
	require.NoError(t, err)
	assert.Equal(t, orchestration.StepStatusRunning, row.Status)
	assert.Empty(t, row.ErrorMessage)
	assert.Nil(t, row.FailedAt)
}

func TestUpdateStepExecution_CollapsesTotalUsageAndStampsCounts(t *testing.T) {
	be := memory.New()
	sm := New(be)
	ctx := context.Background()

	id, err := sm.CreateExecution(ctx, "agent", "user", "sess", orchestration.ExecutionPlan{}, nil, "", "")
	require.NoError(t, err)

	sm.LogStepExecution(ctx, id, "step-1", "Scatter rows", orchestration.NormalizedAction, "", "", nil)
	sm.UpdateStepExecution(ctx, id, "step-1", true, "", map[string]any{
		"tokens_used":       map[string]any{"total": 42, "prompt": 10, "completion": 32},
		"execution_time_ms": 1500,
		"item_count":        7,
	})

	row, err := be.GetStepResult(ctx, id, "step-1")
	require.NoError(t, err)
	assert.Equal(t, orchestration.StepStatusCompleted, row.Status)
	assert.Equal(t, 42, row.TokensUsed)
	assert.Equal(t, int64(1500), row.ExecutionTimeMs)
	assert.Equal(t, 7, row.ItemCount)
	assert.NotNil(t, row.CompletedAt)
}

func TestPauseAndCancelExecution(t *testing.T) {
	be := memory.New()
	sm := New(be)
	ctx := context.Background()

	id, err := sm.CreateExecution(ctx, "agent", "user", "sess", orchestration.ExecutionPlan{}, nil, "", "")
	require.NoError(t, err)

	execCtx := orchestration.NewMemoryContext("agent", "user", id, nil, time.Now())
	require.NoError(t, sm.PauseExecution(ctx, id, execCtx))

	run, _ := be.GetRun(ctx, id)
	assert.Equal(t, orchestration.StatusPaused, run.Status)
	assert.NotNil(t, run.PausedAt)

	require.NoError(t, sm.CancelExecution(ctx, id, execCtx))
	run, _ = be.GetRun(ctx, id)
	assert.Equal(t, orchestration.StatusCancelled, run.Status)
	assert.NotNil(t, run.CancelledAt)
}
