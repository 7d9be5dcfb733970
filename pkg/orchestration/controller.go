package orchestration

import (
	"sync"
	"time"
)

// RollbackResult is the outcome of a rollback operation; Controller
// operations never throw (§4.1, §7), they return result objects instead.
type RollbackResult struct {
	Success               bool
	RolledBackToCheckpoint string
	StepsReverted          []string
	Error                  string
}

// Controller is the in-memory coordinator for a single run: checkpoint ring,
// cooperative pause/stop flags, and rollback semantics. It performs no I/O;
// its only external effect is the RollbackResult it returns (§4.1, §7).
//
// Controller is safe for concurrent use; the spec's concurrency model
// assumes a single writer (the outer driver) but read access (ShouldContinue
// from a parallel dispatch loop) must never race with a write.
type Controller struct {
	mu sync.Mutex

	workflowID string
	status     ExecutionStatus

	currentStep    string
	completedSteps []string
	failedSteps    []string

	checkpoints   []*Checkpoint
	checkpointIdx map[string]*Checkpoint

	pauseRequested bool
	stopRequested  bool

	startedAt time.Time
	endedAt   *time.Time
}

// NewController creates a Controller for workflowID, already running.
func NewController(workflowID string) *Controller {
	return &Controller{
		workflowID:    workflowID,
		status:        StatusRunning,
		checkpointIdx: make(map[string]*Checkpoint),
		startedAt:     time.Now(),
	}
}

// MarkStepStarted sets currentStep. No other side effects.
func (c *Controller) MarkStepStarted(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentStep = stepID
}

// MarkStepCompleted appends stepID to completedSteps if absent and clears
// currentStep. Idempotent.
func (c *Controller) MarkStepCompleted(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !contains(c.completedSteps, stepID) {
		c.completedSteps = append(c.completedSteps, stepID)
	}
	c.currentStep = ""
}

// MarkStepFailed appends stepID to failedSteps if absent and clears
// currentStep. continueOnError mirrors shouldContinueOnError's verdict for
// this step/error: when true, the run's overall status is NOT forced to
// failed. The upstream source unconditionally transitioned status to
// failed here, which conflicts with shouldContinueOnError; that is treated
// as a bug and fixed in this implementation (§9, Open Questions).
func (c *Controller) MarkStepFailed(stepID string, continueOnError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !contains(c.failedSteps, stepID) {
		c.failedSteps = append(c.failedSteps, stepID)
	}
	c.currentStep = ""
	if !continueOnError {
		c.status = StatusFailed
	}
}

// CreateCheckpoint generates a fresh checkpoint, deep-cloning stepResults and
// variables so the stored snapshot never aliases the caller's live state
// (I1). completedStep is appended to the running completedSteps list, unless
// it is already there, to form the checkpoint's CompletedSteps.
func (c *Controller) CreateCheckpoint(completedStep string, stepResults map[string]StepOutput, variables map[string]any, remainingSteps []string) *Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	completed := deepCopyStringSlice(c.completedSteps)
	if !contains(completed, completedStep) {
		completed = append(completed, completedStep)
	}

	cp := &Checkpoint{
		ID:             newCheckpointID(now),
		WorkflowID:     c.workflowID,
		Timestamp:      now,
		CompletedStep:  completedStep,
		CompletedSteps: completed,
		StepResults:    deepCopyStepOutputs(stepResults),
		Variables:      deepCopyMap(variables),
		RemainingSteps: deepCopyStringSlice(remainingSteps),
		Metadata: CheckpointMetadata{
			StartedAt:  c.startedAt,
			Duration:   now.Sub(c.startedAt),
			StepCount:  len(completed),
			ErrorCount: len(c.failedSteps),
		},
	}

	c.checkpoints = append(c.checkpoints, cp)
	c.checkpointIdx[cp.ID] = cp
	return cp.clone()
}

// RequestPause sets the pause flag and transitions status to paused. It is
// a cooperative signal: the outer driver must consult ShouldContinue before
// dispatching the next step or parallel chunk (§5).
func (c *Controller) RequestPause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseRequested = true
	c.status = StatusPaused
}

// RequestStop sets the stop flag. Stop is not clearable; a stopped run is
// terminal for the Controller.
func (c *Controller) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRequested = true
}

// ShouldContinue reports whether the outer driver may dispatch the next
// step: ¬pauseRequested ∧ ¬stopRequested ∧ status=running.
func (c *Controller) ShouldContinue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.pauseRequested && !c.stopRequested && c.status == StatusRunning
}

// Resume clears pauseRequested and transitions status back to running.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pauseRequested = false
	c.status = StatusRunning
}

// RollbackToCheckpoint rolls completedSteps back to the named checkpoint,
// clears failedSteps, and truncates the checkpoint list to entries with
// timestamp ≤ the target's (the target itself is kept) (I3).
func (c *Controller) RollbackToCheckpoint(id string) RollbackResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.checkpointIdx[id]
	if !ok {
		return RollbackResult{Success: false, Error: "checkpoint not found: " + id}
	}

	reverted := stringSetDifference(c.completedSteps, target.CompletedSteps)

	c.completedSteps = deepCopyStringSlice(target.CompletedSteps)
	c.failedSteps = nil
	c.status = StatusRunning
	c.currentStep = ""

	kept := c.checkpoints[:0:0]
	keptIdx := make(map[string]*Checkpoint)
	for _, cp := range c.checkpoints {
		if !cp.Timestamp.After(target.Timestamp) {
			kept = append(kept, cp)
			keptIdx[cp.ID] = cp
		}
	}
	c.checkpoints = kept
	c.checkpointIdx = keptIdx

	return RollbackResult{
		Success:                true,
		RolledBackToCheckpoint: id,
		StepsReverted:          reverted,
	}
}

// RollbackToLastCheckpoint rolls back to the most recent checkpoint; it
// fails if none exist.
func (c *Controller) RollbackToLastCheckpoint() RollbackResult {
	c.mu.Lock()
	if len(c.checkpoints) == 0 {
		c.mu.Unlock()
		return RollbackResult{Success: false, Error: "no checkpoints available"}
	}
	id := c.checkpoints[len(c.checkpoints)-1].ID
	c.mu.Unlock()
	return c.RollbackToCheckpoint(id)
}

// RollbackSteps rolls back to the checkpoint at index max(0, count-n); it
// fails on non-positive n or an empty checkpoint list.
func (c *Controller) RollbackSteps(n int) RollbackResult {
	if n <= 0 {
		return RollbackResult{Success: false, Error: "n must be positive"}
	}

	c.mu.Lock()
	if len(c.checkpoints) == 0 {
		c.mu.Unlock()
		return RollbackResult{Success: false, Error: "no checkpoints available"}
	}
	idx := len(c.checkpoints) - n
	if idx < 0 {
		idx = 0
	}
	id := c.checkpoints[idx].ID
	c.mu.Unlock()
	return c.RollbackToCheckpoint(id)
}

// MarkCompleted transitions the run to a terminal completed status and
// stamps endedAt.
func (c *Controller) MarkCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusCompleted
	now := time.Now()
	c.endedAt = &now
}

// MarkFailed transitions the run to a terminal failed status and stamps
// endedAt. err is accepted for symmetry with the spec's signature but the
// Controller does not store error text (that is the State Manager's job).
func (c *Controller) MarkFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusFailed
	now := time.Now()
	c.endedAt = &now
}

// ClearOldCheckpoints retains only the last keepLast checkpoints, bounding
// memory in long runs without affecting completedSteps; only the rollback
// horizon shrinks.
func (c *Controller) ClearOldCheckpoints(keepLast int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if keepLast < 0 {
		keepLast = 0
	}
	if len(c.checkpoints) <= keepLast {
		return
	}
	drop := len(c.checkpoints) - keepLast
	for _, cp := range c.checkpoints[:drop] {
		delete(c.checkpointIdx, cp.ID)
	}
	c.checkpoints = append([]*Checkpoint(nil), c.checkpoints[drop:]...)
}

// Snapshot is the exported shape produced by ExportState / consumed by
// ImportState.
type Snapshot struct {
	WorkflowID     string                 `json:"workflow_id"`
	Status         ExecutionStatus        `json:"status"`
	CurrentStep    string                 `json:"current_step"`
	CompletedSteps []string               `json:"completed_steps"`
	FailedSteps    []string               `json:"failed_steps"`
	Checkpoints    map[string]*Checkpoint `json:"checkpoints"`
	CheckpointOrder []string              `json:"checkpoint_order"`
	PauseRequested bool                   `json:"pause_requested"`
	StopRequested  bool                   `json:"stop_requested"`
	StartedAt      time.Time              `json:"started_at"`
	EndedAt        *time.Time             `json:"ended_at,omitempty"`
}

// ExportState serializes the controller's full state, including the
// checkpoint ring keyed by id, so ImportState can reconstruct an equivalent
// Controller (ExportState ∘ ImportState is identity, §8).
func (c *Controller) ExportState() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	checkpoints := make(map[string]*Checkpoint, len(c.checkpointIdx))
	order := make([]string, len(c.checkpoints))
	for i, cp := range c.checkpoints {
		checkpoints[cp.ID] = cp.clone()
		order[i] = cp.ID
	}

	return Snapshot{
		WorkflowID:      c.workflowID,
		Status:          c.status,
		CurrentStep:     c.currentStep,
		CompletedSteps:  deepCopyStringSlice(c.completedSteps),
		FailedSteps:     deepCopyStringSlice(c.failedSteps),
		Checkpoints:     checkpoints,
		CheckpointOrder: order,
		PauseRequested:  c.pauseRequested,
		StopRequested:   c.stopRequested,
		StartedAt:       c.startedAt,
		EndedAt:         c.endedAt,
	}
}

// ImportState reconstructs a Controller from a Snapshot produced by
// ExportState.
func ImportState(s Snapshot) *Controller {
	c := &Controller{
		workflowID:     s.WorkflowID,
		status:         s.Status,
		currentStep:    s.CurrentStep,
		completedSteps: deepCopyStringSlice(s.CompletedSteps),
		failedSteps:    deepCopyStringSlice(s.FailedSteps),
		checkpointIdx:  make(map[string]*Checkpoint, len(s.Checkpoints)),
		pauseRequested: s.PauseRequested,
		stopRequested:  s.StopRequested,
		startedAt:      s.StartedAt,
		endedAt:        s.EndedAt,
	}
	for _, id := range s.CheckpointOrder {
		if cp, ok := s.Checkpoints[id]; ok {
			cloned := cp.clone()
			c.checkpoints = append(c.checkpoints, cloned)
			c.checkpointIdx[id] = cloned
		}
	}
	return c
}

// Status returns the current run status.
func (c *Controller) Status() ExecutionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// CompletedSteps returns a copy of the completed step id list.
func (c *Controller) CompletedSteps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return deepCopyStringSlice(c.completedSteps)
}

// FailedSteps returns a copy of the failed step id list.
func (c *Controller) FailedSteps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return deepCopyStringSlice(c.failedSteps)
}

// Checkpoints returns clones of every live checkpoint in creation order.
func (c *Controller) Checkpoints() []*Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Checkpoint, len(c.checkpoints))
	for i, cp := range c.checkpoints {
		out[i] = cp.clone()
	}
	return out
}

func stringSetDifference(all, subset []string) []string {
	present := make(map[string]bool, len(subset))
	for _, s := range subset {
		present[s] = true
	}
	var diff []string
	for _, s := range all {
		if !present[s] {
			diff = append(diff, s)
		}
	}
	return diff
}
