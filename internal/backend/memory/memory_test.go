package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/orchkit/internal/backend"
	"github.com/tombee/orchkit/pkg/orchestration"
)

func TestBackend_CreateGetUpdateRun(t *testing.T) {
	ctx := context.Background()
	b := New()

	run := &orchestration.ExecutionRecord{ExecutionID: "exec-1", AgentID: "agent-1", Status: orchestration.StatusRunning}
	require.NoError(t, b.CreateRun(ctx, run))

	err := b.CreateRun(ctx, run)
	assert.Error(t, err, "duplicate create must fail")

	got, err := b.GetRun(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)

	got.Status = orchestration.StatusCompleted
	require.NoError(t, b.UpdateRun(ctx, got))

	reloaded, err := b.GetRun(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, orchestration.StatusCompleted, reloaded.Status)

	_, err = b.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestBackend_ListRunsFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	b := New()

	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		require.NoError(t, b.CreateRun(ctx, &orchestration.ExecutionRecord{
			ExecutionID: id, AgentID: "agent-1", Status: orchestration.StatusRunning,
		}))
	}
	require.NoError(t, b.CreateRun(ctx, &orchestration.ExecutionRecord{
		ExecutionID: "other", AgentID: "agent-2", Status: orchestration.StatusCompleted,
	}))

	running, err := b.ListRuns(ctx, backend.RunFilter{Status: orchestration.StatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 3)

	limited, err := b.ListRuns(ctx, backend.RunFilter{AgentID: "agent-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestBackend_CheckpointsAppendAndReturnLatest(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.SaveCheckpoint(ctx, "exec-1", &orchestration.Checkpoint{ID: "cp1"}))
	require.NoError(t, b.SaveCheckpoint(ctx, "exec-1", &orchestration.Checkpoint{ID: "cp2"}))

	latest, err := b.GetCheckpoint(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "cp2", latest.ID)

	all, err := b.ListCheckpoints(ctx, "exec-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestBackend_StepResultsUpsertBySortedStepID(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.SaveStepResult(ctx, &orchestration.StepExecutionRecord{ExecutionID: "exec-1", StepID: "b"}))
	require.NoError(t, b.SaveStepResult(ctx, &orchestration.StepExecutionRecord{ExecutionID: "exec-1", StepID: "a"}))
	require.NoError(t, b.SaveStepResult(ctx, &orchestration.StepExecutionRecord{
		ExecutionID: "exec-1", StepID: "a", Status: orchestration.StepStatusCompleted,
	}))

	list, err := b.ListStepResults(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].StepID)
	assert.Equal(t, orchestration.StepStatusCompleted, list[0].Status)
}

func TestBackend_DeleteRunClearsAssociatedState(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.CreateRun(ctx, &orchestration.ExecutionRecord{ExecutionID: "exec-1"}))
	require.NoError(t, b.SaveCheckpoint(ctx, "exec-1", &orchestration.Checkpoint{ID: "cp1"}))
	require.NoError(t, b.SaveStepResult(ctx, &orchestration.StepExecutionRecord{ExecutionID: "exec-1", StepID: "a"}))

	require.NoError(t, b.DeleteRun(ctx, "exec-1"))

	_, err := b.GetRun(ctx, "exec-1")
	assert.ErrorIs(t, err, backend.ErrNotFound)
	_, err = b.GetCheckpoint(ctx, "exec-1")
	assert.ErrorIs(t, err, backend.ErrNotFound)
	list, err := b.ListStepResults(ctx, "exec-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}
