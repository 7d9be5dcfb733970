package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/orchkit/internal/backend"
	"github.com/tombee/orchkit/pkg/orchestration"
)

func createTestBackend(t *testing.T) *Backend {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	be, err := New(Config{Path: dbPath, WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	return be
}

func newTestRun(id string) *orchestration.ExecutionRecord {
	return &orchestration.ExecutionRecord{
		ExecutionID: id,
		AgentID:     "agent-1",
		UserID:      "user-1",
		SessionID:   "sess-1",
		Status:      orchestration.StatusRunning,
		Plan:        orchestration.ExecutionPlan{Steps: []orchestration.StepDescriptor{{ID: "step-1"}}},
		Inputs:      map[string]any{"key": "value"},
		RunMode:     orchestration.RunModeProduction,
		StartedAt:   time.Now(),
		Trace: orchestration.ExecutionTrace{
			CachedOutputs: map[string]orchestration.CachedOutput{},
		},
	}
}

func TestSQLiteBackend_CreateAndGetRun(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run := newTestRun("exec-1")
	require.NoError(t, be.CreateRun(ctx, run))

	fetched, err := be.GetRun(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", fetched.AgentID)
	assert.Equal(t, orchestration.StatusRunning, fetched.Status)
	assert.Equal(t, "value", fetched.Inputs["key"])
	assert.Len(t, fetched.Plan.Steps, 1)
}

func TestSQLiteBackend_GetRunNotFound(t *testing.T) {
	be := createTestBackend(t)
	_, err := be.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestSQLiteBackend_UpdateRunRoundTripsTraceAndFinalOutput(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run := newTestRun("exec-2")
	require.NoError(t, be.CreateRun(ctx, run))

	run.Status = orchestration.StatusCompleted
	run.Trace.CompletedSteps = []string{"step-1"}
	run.Trace.CachedOutputs["step-1"] = orchestration.CachedOutput{Data: "ok"}
	run.FinalOutput = map[string]any{"result": "done"}
	require.NoError(t, be.UpdateRun(ctx, run))

	fetched, err := be.GetRun(ctx, "exec-2")
	require.NoError(t, err)
	assert.Equal(t, orchestration.StatusCompleted, fetched.Status)
	assert.Equal(t, []string{"step-1"}, fetched.Trace.CompletedSteps)
	assert.Equal(t, "ok", fetched.Trace.CachedOutputs["step-1"].Data)
	assert.Equal(t, "done", fetched.FinalOutput["result"])
}

func TestSQLiteBackend_UpdateRunMissingFails(t *testing.T) {
	be := createTestBackend(t)
	err := be.UpdateRun(context.Background(), newTestRun("missing"))
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestSQLiteBackend_ListRunsFiltersAndOrders(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	r1 := newTestRun("exec-a")
	r1.AgentID = "agent-x"
	require.NoError(t, be.CreateRun(ctx, r1))

	time.Sleep(2 * time.Millisecond)
	r2 := newTestRun("exec-b")
	r2.AgentID = "agent-y"
	r2.Status = orchestration.StatusCompleted
	require.NoError(t, be.CreateRun(ctx, r2))

	runs, err := be.ListRuns(ctx, backend.RunFilter{AgentID: "agent-x"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "exec-a", runs[0].ExecutionID)

	runs, err = be.ListRuns(ctx, backend.RunFilter{Status: orchestration.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "exec-b", runs[0].ExecutionID)
}

func TestSQLiteBackend_DeleteRunCascadesCheckpointsAndSteps(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run := newTestRun("exec-del")
	require.NoError(t, be.CreateRun(ctx, run))
	require.NoError(t, be.SaveCheckpoint(ctx, "exec-del", &orchestration.Checkpoint{ID: "checkpoint_1_abcdefg", Timestamp: time.Now()}))
	require.NoError(t, be.SaveStepResult(ctx, &orchestration.StepExecutionRecord{ExecutionID: "exec-del", StepID: "step-1"}))

	require.NoError(t, be.DeleteRun(ctx, "exec-del"))

	_, err := be.GetRun(ctx, "exec-del")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	_, err = be.GetCheckpoint(ctx, "exec-del")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	_, err = be.GetStepResult(ctx, "exec-del", "step-1")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestSQLiteBackend_CheckpointsUpsertAndListOrdered(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()
	run := newTestRun("exec-cp")
	require.NoError(t, be.CreateRun(ctx, run))

	cp1 := &orchestration.Checkpoint{
		ID: "checkpoint_1000_aaaaaaa", Timestamp: time.UnixMilli(1000),
		CompletedStep: "step-1", Variables: map[string]any{"x": 1},
	}
	cp2 := &orchestration.Checkpoint{
		ID: "checkpoint_2000_bbbbbbb", Timestamp: time.UnixMilli(2000),
		CompletedStep: "step-2", Variables: map[string]any{"x": 2},
	}
	require.NoError(t, be.SaveCheckpoint(ctx, "exec-cp", cp1))
	require.NoError(t, be.SaveCheckpoint(ctx, "exec-cp", cp2))

	latest, err := be.GetCheckpoint(ctx, "exec-cp")
	require.NoError(t, err)
	assert.Equal(t, "step-2", latest.CompletedStep)

	all, err := be.ListCheckpoints(ctx, "exec-cp")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "step-1", all[0].CompletedStep)
	assert.Equal(t, "step-2", all[1].CompletedStep)
}

func TestSQLiteBackend_StepResultUpsertResetsOnReentry(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()
	run := newTestRun("exec-step")
	require.NoError(t, be.CreateRun(ctx, run))

	failedAt := time.Now()
	require.NoError(t, be.SaveStepResult(ctx, &orchestration.StepExecutionRecord{
		ExecutionID: "exec-step", StepID: "step-1",
		Status: orchestration.StepStatusFailed, FailedAt: &failedAt, ErrorMessage: "boom",
	}))

	require.NoError(t, be.SaveStepResult(ctx, &orchestration.StepExecutionRecord{
		ExecutionID: "exec-step", StepID: "step-1",
		Status: orchestration.StepStatusRunning,
	}))

	rec, err := be.GetStepResult(ctx, "exec-step", "step-1")
	require.NoError(t, err)
	assert.Equal(t, orchestration.StepStatusRunning, rec.Status)
	assert.Nil(t, rec.FailedAt)
	assert.Empty(t, rec.ErrorMessage)
}

func TestSQLiteBackend_ListStepResultsOrderedByStepID(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()
	run := newTestRun("exec-steps")
	require.NoError(t, be.CreateRun(ctx, run))

	require.NoError(t, be.SaveStepResult(ctx, &orchestration.StepExecutionRecord{ExecutionID: "exec-steps", StepID: "b"}))
	require.NoError(t, be.SaveStepResult(ctx, &orchestration.StepExecutionRecord{ExecutionID: "exec-steps", StepID: "a"}))

	list, err := be.ListStepResults(ctx, "exec-steps")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].StepID)
	assert.Equal(t, "b", list[1].StepID)
}
