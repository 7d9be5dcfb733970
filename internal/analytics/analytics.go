// Package analytics implements the execution-history collaborator: a
// best-effort row written per terminal execution, consumed by reporting and
// never read back by the orchestration core itself.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/tombee/orchkit/pkg/orchestration"
)

// Row is one terminal-execution history entry.
type Row struct {
	ExecutionID     string
	AgentID         string
	UserID          string
	Status          orchestration.ExecutionStatus
	RunMode         orchestration.RunMode
	Completed       int
	Failed          int
	Skipped         int
	TotalTokensUsed int64
	DurationMs      int64
	RecordedAt      time.Time
}

// Recorder persists Rows. Implementations must be safe for concurrent use;
// callers treat Record's error as best-effort (logged, not propagated).
type Recorder interface {
	Record(ctx context.Context, row Row) error
}

// MemoryRecorder is an in-memory Recorder, useful for tests and for
// deployments without a separate analytics warehouse.
type MemoryRecorder struct {
	mu   sync.Mutex
	rows []Row
}

// NewMemoryRecorder creates an empty MemoryRecorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(ctx context.Context, row Row) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, row)
	return nil
}

// Rows returns a copy of every row recorded so far.
func (r *MemoryRecorder) Rows() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Row, len(r.rows))
	copy(out, r.rows)
	return out
}
