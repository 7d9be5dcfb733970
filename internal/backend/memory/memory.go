// Package memory provides an in-memory backend implementation, useful for
// tests and single-process deployments that don't need durability across
// restarts.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombee/orchkit/internal/backend"
	"github.com/tombee/orchkit/pkg/orchestration"
)

var (
	_ backend.RunStore        = (*Backend)(nil)
	_ backend.RunLister       = (*Backend)(nil)
	_ backend.CheckpointStore = (*Backend)(nil)
	_ backend.StepResultStore = (*Backend)(nil)
	_ backend.Backend         = (*Backend)(nil)
)

// Backend is an in-memory storage backend guarded by a single RWMutex.
type Backend struct {
	mu          sync.RWMutex
	runs        map[string]*orchestration.ExecutionRecord
	checkpoints map[string][]*orchestration.Checkpoint
	steps       map[string]map[string]*orchestration.StepExecutionRecord
}

// New creates an empty in-memory backend.
func New() *Backend {
	return &Backend{
		runs:        make(map[string]*orchestration.ExecutionRecord),
		checkpoints: make(map[string][]*orchestration.Checkpoint),
		steps:       make(map[string]map[string]*orchestration.StepExecutionRecord),
	}
}

func (b *Backend) CreateRun(ctx context.Context, run *orchestration.ExecutionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ExecutionID]; exists {
		return fmt.Errorf("execution already exists: %s", run.ExecutionID)
	}
	run.UpdatedAt = time.Now()
	b.runs[run.ExecutionID] = run
	return nil
}

func (b *Backend) GetRun(ctx context.Context, executionID string) (*orchestration.ExecutionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, exists := b.runs[executionID]
	if !exists {
		return nil, backend.ErrNotFound
	}
	return run, nil
}

func (b *Backend) UpdateRun(ctx context.Context, run *orchestration.ExecutionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ExecutionID]; !exists {
		return backend.ErrNotFound
	}
	run.UpdatedAt = time.Now()
	b.runs[run.ExecutionID] = run
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*orchestration.ExecutionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*orchestration.ExecutionRecord
	for _, run := range b.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && run.AgentID != filter.AgentID {
			continue
		}
		result = append(result, run)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})

	if filter.Offset > 0 && filter.Offset < len(result) {
		result = result[filter.Offset:]
	} else if filter.Offset >= len(result) {
		result = nil
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (b *Backend) DeleteRun(ctx context.Context, executionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.runs, executionID)
	delete(b.checkpoints, executionID)
	delete(b.steps, executionID)
	return nil
}

func (b *Backend) SaveCheckpoint(ctx context.Context, executionID string, checkpoint *orchestration.Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkpoints[executionID] = append(b.checkpoints[executionID], checkpoint)
	return nil
}

func (b *Backend) GetCheckpoint(ctx context.Context, executionID string) (*orchestration.Checkpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := b.checkpoints[executionID]
	if len(list) == 0 {
		return nil, backend.ErrNotFound
	}
	return list[len(list)-1], nil
}

func (b *Backend) ListCheckpoints(ctx context.Context, executionID string) ([]*orchestration.Checkpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	list := b.checkpoints[executionID]
	out := make([]*orchestration.Checkpoint, len(list))
	copy(out, list)
	return out, nil
}

func (b *Backend) SaveStepResult(ctx context.Context, result *orchestration.StepExecutionRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	byStep, ok := b.steps[result.ExecutionID]
	if !ok {
		byStep = make(map[string]*orchestration.StepExecutionRecord)
		b.steps[result.ExecutionID] = byStep
	}
	byStep[result.StepID] = result
	return nil
}

func (b *Backend) GetStepResult(ctx context.Context, executionID, stepID string) (*orchestration.StepExecutionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byStep, ok := b.steps[executionID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	rec, ok := byStep[stepID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return rec, nil
}

func (b *Backend) ListStepResults(ctx context.Context, executionID string) ([]*orchestration.StepExecutionRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byStep := b.steps[executionID]
	out := make([]*orchestration.StepExecutionRecord, 0, len(byStep))
	for _, rec := range byStep {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (b *Backend) Close() error { return nil }
