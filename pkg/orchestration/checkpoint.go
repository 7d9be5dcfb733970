package orchestration

import (
	"fmt"
	"math/rand"
	"time"
)

// Checkpoint is an immutable, in-memory snapshot of run state taken after a
// completed step (§3). Checkpoints are append-only in creation order;
// rollback truncates the suffix (I2, I3).
type Checkpoint struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	Timestamp      time.Time         `json:"timestamp"`
	CompletedStep  string            `json:"completed_step"`
	CompletedSteps []string          `json:"completed_steps"`
	StepResults    map[string]StepOutput `json:"step_results"`
	Variables      map[string]any    `json:"variables"`
	RemainingSteps []string          `json:"remaining_steps"`
	Metadata       CheckpointMetadata `json:"metadata"`
}

// CheckpointMetadata is descriptive, non-authoritative bookkeeping attached
// to a Checkpoint at creation time.
type CheckpointMetadata struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	StepCount  int           `json:"step_count"`
	ErrorCount int           `json:"error_count"`
}

const checkpointIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newCheckpointID generates an id of the form
// `checkpoint_{unixMillis}_{7-char-base36}` (§3, §6).
func newCheckpointID(now time.Time) string {
	suffix := make([]byte, 7)
	for i := range suffix {
		suffix[i] = checkpointIDAlphabet[rand.Intn(len(checkpointIDAlphabet))]
	}
	return fmt.Sprintf("checkpoint_%d_%s", now.UnixMilli(), string(suffix))
}

// clone returns a deep copy of the checkpoint so neither the caller's live
// state nor a later mutation of the checkpoint can alias the other
// (I1/§9 "Deep-clone for checkpoints").
func (c *Checkpoint) clone() *Checkpoint {
	out := &Checkpoint{
		ID:             c.ID,
		WorkflowID:     c.WorkflowID,
		Timestamp:      c.Timestamp,
		CompletedStep:  c.CompletedStep,
		CompletedSteps: deepCopyStringSlice(c.CompletedSteps),
		StepResults:    deepCopyStepOutputs(c.StepResults),
		Variables:      deepCopyMap(c.Variables),
		RemainingSteps: deepCopyStringSlice(c.RemainingSteps),
		Metadata:       c.Metadata,
	}
	return out
}
