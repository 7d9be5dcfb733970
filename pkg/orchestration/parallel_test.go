package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu          sync.Mutex
	inFlight    int32
	maxInFlight int32
	fail        map[string]error
	delay       time.Duration
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{fail: map[string]error{}}
}

func (f *fakeExecutor) Execute(ctx context.Context, step StepDescriptor, execCtx ExecutionContext) (StepOutput, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	if cur > f.maxInFlight {
		f.maxInFlight = cur
	}
	err := f.fail[step.ID]
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return StepOutput{}, err
	}
	return StepOutput{StepID: step.ID, Data: map[string]any{"n": step.ID}}, nil
}

func stepsNamed(n int) []StepDescriptor {
	steps := make([]StepDescriptor, n)
	for i := range steps {
		steps[i] = StepDescriptor{ID: fmt.Sprintf("s%d", i)}
	}
	return steps
}

func TestExecuteParallel_WaitAllSucceeds(t *testing.T) {
	exec := newFakeExecutor()
	ctx := NewMemoryContext("a", "u", "e", nil, time.Now())
	out, err := ExecuteParallel(context.Background(), stepsNamed(5), ctx, exec, 2)
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.LessOrEqual(t, exec.maxInFlight, int32(2))
}

func TestExecuteParallel_FailurePropagates(t *testing.T) {
	exec := newFakeExecutor()
	exec.fail["s1"] = errors.New("boom")
	ctx := NewMemoryContext("a", "u", "e", nil, time.Now())
	_, err := ExecuteParallel(context.Background(), stepsNamed(3), ctx, exec, 3)
	assert.Error(t, err)
}

func TestExecuteParallelSettled_ConvertsFailuresToSyntheticOutput(t *testing.T) {
	exec := newFakeExecutor()
	exec.fail["s1"] = errors.New("boom")
	ctx := NewMemoryContext("a", "u", "e", nil, time.Now())
	out := ExecuteParallelSettled(context.Background(), stepsNamed(3), ctx, exec, 3)
	require.Len(t, out, 3)
	assert.False(t, out["s1"].Metadata.Success)
	assert.Equal(t, "boom", out["s1"].Metadata.Error)
	assert.True(t, out["s0"].Metadata.Success == false && out["s0"].Data != nil)
}

func TestExecuteLoop_SequentialOverArray(t *testing.T) {
	exec := newFakeExecutor()
	ctx := NewMemoryContext("a", "u", "e", map[string]any{
		"items": []any{"x", "y", "z"},
	}, time.Now())

	loopStep := StepDescriptor{
		ID: "loop1",
		Payload: StepPayload{
			Loop:  &LoopConfig{IterateOver: "items"},
			Steps: []StepDescriptor{{ID: "body"}},
		},
	}

	results, err := ExecuteLoop(context.Background(), loopStep, ctx, exec)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestExecuteLoop_InvalidIterateOverFails(t *testing.T) {
	exec := newFakeExecutor()
	ctx := NewMemoryContext("a", "u", "e", map[string]any{"items": "not-an-array"}, time.Now())
	loopStep := StepDescriptor{Payload: StepPayload{Loop: &LoopConfig{IterateOver: "items"}}}
	_, err := ExecuteLoop(context.Background(), loopStep, ctx, exec)
	require.Error(t, err)
	var target *ErrInvalidIterateOver
	assert.ErrorAs(t, err, &target)
}

func TestExecuteLoop_MaxIterationsCapsViaPrefixSlice(t *testing.T) {
	exec := newFakeExecutor()
	items := make([]any, 10)
	for i := range items {
		items[i] = i
	}
	ctx := NewMemoryContext("a", "u", "e", map[string]any{"items": items}, time.Now())
	loopStep := StepDescriptor{
		Payload: StepPayload{
			Loop:  &LoopConfig{IterateOver: "items", MaxIterations: 3},
			Steps: []StepDescriptor{{ID: "body"}},
		},
	}
	results, err := ExecuteLoop(context.Background(), loopStep, ctx, exec)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestExecuteLoop_ContinueOnErrorProducesErrorEntry(t *testing.T) {
	exec := newFakeExecutor()
	exec.fail["body"] = errors.New("step failed")
	ctx := NewMemoryContext("a", "u", "e", map[string]any{"items": []any{1, 2}}, time.Now())
	loopStep := StepDescriptor{
		Payload: StepPayload{
			Loop:  &LoopConfig{IterateOver: "items", ContinueOnError: true},
			Steps: []StepDescriptor{{ID: "body"}},
		},
	}
	results, err := ExecuteLoop(context.Background(), loopStep, ctx, exec)
	require.NoError(t, err)
	for _, r := range results {
		m := r.(map[string]any)
		assert.Contains(t, m, "error")
	}
}

func TestExecuteScatterGather_CollectMergesSingleStepItems(t *testing.T) {
	exec := newFakeExecutorWithFn(func(step StepDescriptor, item any) StepOutput {
		m := item.(map[string]any)
		return StepOutput{StepID: step.ID, Data: map[string]any{"enriched": true, "name": m["name"]}}
	})
	ctx := NewMemoryContext("a", "u", "e", map[string]any{
		"rows": []any{
			map[string]any{"id": 1, "name": "a"},
			map[string]any{"id": 2, "name": "b"},
		},
	}, time.Now())

	step := StepDescriptor{
		ID: "sg1",
		Payload: StepPayload{
			Scatter: &ScatterConfig{Input: "rows", ItemVariable: "item", Steps: []StepDescriptor{{ID: "enrich"}}},
			Gather:  &GatherConfig{Operation: GatherCollect},
		},
	}

	result, err := ExecuteScatterGather(context.Background(), step, ctx, exec, nil)
	require.NoError(t, err)
	items := result.([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, 1, first["id"])
	assert.Equal(t, true, first["enriched"])
}

func TestExecuteScatterGather_InvalidInputFails(t *testing.T) {
	exec := newFakeExecutor()
	ctx := NewMemoryContext("a", "u", "e", map[string]any{"rows": map[string]any{"total": 5}}, time.Now())
	step := StepDescriptor{
		Payload: StepPayload{
			Scatter: &ScatterConfig{Input: "rows", Steps: []StepDescriptor{{ID: "enrich"}}},
			Gather:  &GatherConfig{Operation: GatherCollect},
		},
	}
	_, err := ExecuteScatterGather(context.Background(), step, ctx, exec, nil)
	require.Error(t, err)
	var target *ErrInvalidScatterInput
	assert.ErrorAs(t, err, &target)
}

func TestApplyGather_Operations(t *testing.T) {
	items := []any{
		map[string]any{"a": 1},
		map[string]any{"b": 2},
	}
	merged, err := applyGather(GatherConfig{Operation: GatherMerge}, items)
	require.NoError(t, err)
	m := merged.(map[string]any)
	assert.Equal(t, 1, m["a"])
	assert.Equal(t, 2, m["b"])

	flattened, err := applyGather(GatherConfig{Operation: GatherFlatten}, []any{[]any{1, 2}, []any{3}})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, flattened)

	_, err = applyGather(GatherConfig{Operation: "bogus"}, items)
	require.Error(t, err)
}

func TestExecuteBatched_RunsInBatches(t *testing.T) {
	exec := newFakeExecutor()
	ctx := NewMemoryContext("a", "u", "e", nil, time.Now())
	out, err := ExecuteBatched(context.Background(), stepsNamed(5), ctx, exec, 2)
	require.NoError(t, err)
	assert.Len(t, out, 5)
}

func TestExecuteRace_ReturnsFirstResolved(t *testing.T) {
	exec := newFakeExecutor()
	ctx := NewMemoryContext("a", "u", "e", nil, time.Now())
	out, err := ExecuteRace(context.Background(), stepsNamed(3), ctx, exec)
	require.NoError(t, err)
	assert.NotEmpty(t, out.StepID)
}

func TestExecuteWithTimeout_TimesOut(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = 50 * time.Millisecond
	ctx := NewMemoryContext("a", "u", "e", nil, time.Now())
	_, err := ExecuteWithTimeout(context.Background(), stepsNamed(3), ctx, exec, 3, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParallelExecutionTimeout)
}

func TestExecuteWithTimeout_CompletesWithinDeadline(t *testing.T) {
	exec := newFakeExecutor()
	ctx := NewMemoryContext("a", "u", "e", nil, time.Now())
	out, err := ExecuteWithTimeout(context.Background(), stepsNamed(3), ctx, exec, 3, 500)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

type fnExecutor struct {
	fn func(step StepDescriptor, item any) StepOutput
}

func newFakeExecutorWithFn(fn func(step StepDescriptor, item any) StepOutput) StepExecutor {
	return &fnExecutor{fn: fn}
}

func (f *fnExecutor) Execute(ctx context.Context, step StepDescriptor, execCtx ExecutionContext) (StepOutput, error) {
	item, _ := execCtx.ResolveVariable("item")
	return f.fn(step, item), nil
}
