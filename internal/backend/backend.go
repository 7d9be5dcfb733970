// Package backend provides durable storage for the orchestration package's
// execution records, step rows, and checkpoints.
//
// # Interface hierarchy
//
// Interface segregation lets callers depend on the narrowest capability they
// need and lets a minimal backend implement only part of the surface:
//
//   - RunStore (core, required): CreateRun, GetRun, UpdateRun
//   - RunLister (optional): ListRuns, DeleteRun
//   - CheckpointStore (optional): SaveCheckpoint, GetCheckpoint, ListCheckpoints
//   - StepResultStore (optional): SaveStepResult, GetStepResult, ListStepResults
//
// Backend composes all of these plus io.Closer for full-featured
// implementations; a caller that only needs create/get/update can accept
// RunStore and type-assert for the rest.
package backend

import (
	"context"
	"io"

	"github.com/tombee/orchkit/pkg/orchestration"
)

// RunStore is the minimal interface the State Manager needs to create,
// fetch, and update execution records.
type RunStore interface {
	CreateRun(ctx context.Context, run *orchestration.ExecutionRecord) error
	GetRun(ctx context.Context, executionID string) (*orchestration.ExecutionRecord, error)
	UpdateRun(ctx context.Context, run *orchestration.ExecutionRecord) error
}

// RunLister is an optional capability for listing and deleting runs.
type RunLister interface {
	ListRuns(ctx context.Context, filter RunFilter) ([]*orchestration.ExecutionRecord, error)
	DeleteRun(ctx context.Context, executionID string) error
}

// CheckpointStore is an optional capability for checkpoint persistence.
// Only the most recent checkpoint per run is required for durable resume;
// backends may retain more for forensic rollback.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, executionID string, checkpoint *orchestration.Checkpoint) error
	GetCheckpoint(ctx context.Context, executionID string) (*orchestration.Checkpoint, error)
	ListCheckpoints(ctx context.Context, executionID string) ([]*orchestration.Checkpoint, error)
}

// StepResultStore is an optional capability for step-level inspection.
type StepResultStore interface {
	SaveStepResult(ctx context.Context, result *orchestration.StepExecutionRecord) error
	GetStepResult(ctx context.Context, executionID, stepID string) (*orchestration.StepExecutionRecord, error)
	ListStepResults(ctx context.Context, executionID string) ([]*orchestration.StepExecutionRecord, error)
}

// Backend is the full storage surface the orchestration package's State
// Manager is built against.
type Backend interface {
	RunStore
	RunLister
	CheckpointStore
	StepResultStore
	io.Closer
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status   orchestration.ExecutionStatus
	AgentID  string
	Limit    int
	Offset   int
}

// ErrNotFound is returned by Get* methods when the requested record does
// not exist.
var ErrNotFound = notFoundErr("record not found")

type notFoundErr string

func (e notFoundErr) Error() string { return string(e) }
