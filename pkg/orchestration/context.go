package orchestration

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ExecutionContext is the in-memory variable bag and step-output map for one
// run (§6, "collaborator contract"). Implementations must support cheap
// forking with an explicit merge-back (design note, §9): Clone produces a
// value-semantics snapshot with no back-pointer to the parent.
type ExecutionContext interface {
	ResolveVariable(expr string) (any, error)
	ResolveAllVariables(obj map[string]any) (map[string]any, error)
	SetVariable(key string, value any)
	SetStepOutput(stepID string, out StepOutput)
	StepOutput(stepID string) (StepOutput, bool)
	Clone(resetMetrics bool) ExecutionContext

	Variables() map[string]any
	TotalTokensUsed() int64
	TotalExecutionTime() int64
	AddTokensUsed(int64)
	AddExecutionTime(int64)
	CompletedSteps() []string
	FailedSteps() []string
	SkippedSteps() []string
	// MarkStepFailed and MarkStepSkipped are the failure/skip counterparts
	// to SetStepOutput: idempotent appends to the respective status list,
	// so a driver loop has one place to report every step's outcome.
	MarkStepFailed(stepID string)
	MarkStepSkipped(stepID string)
	StartedAt() time.Time
	CurrentStep() string
	SetCurrentStep(stepID string)
	AgentID() string
	UserID() string
	ExecutionID() string
}

// MemoryContext is the reference ExecutionContext implementation: a plain
// map-backed variable bag guarded by a mutex, with dotted-path and
// `{{expr}}` template variable resolution.
type MemoryContext struct {
	mu sync.RWMutex

	agentID     string
	userID      string
	executionID string
	startedAt   time.Time
	currentStep string

	variables   map[string]any
	stepOutputs map[string]StepOutput

	completedSteps []string
	failedSteps    []string
	skippedSteps   []string

	totalTokensUsed    int64
	totalExecutionTime int64
}

// NewMemoryContext creates a context seeded with the given inputs.
func NewMemoryContext(agentID, userID, executionID string, inputs map[string]any, startedAt time.Time) *MemoryContext {
	vars := make(map[string]any, len(inputs)+1)
	for k, v := range inputs {
		vars[k] = v
	}
	return &MemoryContext{
		agentID:     agentID,
		userID:      userID,
		executionID: executionID,
		startedAt:   startedAt,
		variables:   vars,
		stepOutputs: make(map[string]StepOutput),
	}
}

// ResolveVariable resolves a `{{path.to.value}}` expression, a bare
// `path.to.value` dotted path, or a step-output reference of the form
// `step.data.field`/`step.field` against the live variable bag and step
// outputs. Literal (non-expression) strings are returned unchanged.
func (c *MemoryContext) ResolveVariable(expr string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	trimmed := strings.TrimSpace(expr)
	inner := trimmed
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		inner = strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	} else if !looksLikePath(trimmed) {
		return expr, nil
	}

	return c.resolvePath(inner)
}

func looksLikePath(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '.' || r == '_' || r == '[' || r == ']' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

func (c *MemoryContext) resolvePath(path string) (any, error) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty variable path")
	}

	root := parts[0]
	var current any
	if out, ok := c.stepOutputs[root]; ok {
		stepMap := map[string]any{
			"stepId": out.StepID,
			"plugin": out.Plugin,
			"action": out.Action,
			"data":   out.Data,
		}
		current = any(stepMap)
	} else if v, ok := c.variables[root]; ok {
		current = v
	} else {
		return nil, &notFoundVariableError{Path: path}
	}

	for _, p := range parts[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot resolve %q: %q is not an object", path, p)
		}
		current, ok = m[p]
		if !ok {
			return nil, &notFoundVariableError{Path: path}
		}
	}
	return current, nil
}

type notFoundVariableError struct{ Path string }

func (e *notFoundVariableError) Error() string {
	return fmt.Sprintf("variable not found: %s", e.Path)
}

// ResolveAllVariables passes every string value in obj through
// ResolveVariable (`{{...}}` expressions and bare dotted paths), keeping a
// string as-is when it does not resolve, and leaves other types untouched.
// Nested maps are resolved recursively one level at a time (mirrors the spec's "resolve
// variables in params" used by rollbackStep and scatter item binding).
func (c *MemoryContext) ResolveAllVariables(obj map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			resolved, err := c.ResolveVariable(val)
			if err != nil {
				out[k] = val
				continue
			}
			out[k] = resolved
		case map[string]any:
			resolved, err := c.ResolveAllVariables(val)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		default:
			out[k] = v
		}
	}
	return out, nil
}

// SetVariable sets a variable in the live context.
func (c *MemoryContext) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// SetStepOutput records a completed step's output and appends it to
// completedSteps if not already present (mirrors markStepCompleted's
// idempotency, §4.1).
func (c *MemoryContext) SetStepOutput(stepID string, out StepOutput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepOutputs[stepID] = out
	if !contains(c.completedSteps, stepID) {
		c.completedSteps = append(c.completedSteps, stepID)
	}
}

// MarkStepFailed appends stepID to failedSteps if not already present.
func (c *MemoryContext) MarkStepFailed(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !contains(c.failedSteps, stepID) {
		c.failedSteps = append(c.failedSteps, stepID)
	}
}

// MarkStepSkipped appends stepID to skippedSteps if not already present.
func (c *MemoryContext) MarkStepSkipped(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !contains(c.skippedSteps, stepID) {
		c.skippedSteps = append(c.skippedSteps, stepID)
	}
}

func (c *MemoryContext) StepOutput(stepID string) (StepOutput, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.stepOutputs[stepID]
	return out, ok
}

// Clone returns a value-semantics fork of the context: deep-copied
// variables and step outputs, no shared backing storage with the parent.
// When resetMetrics is true (loop/scatter children, §4.3) token/time
// counters and step-status lists start empty.
func (c *MemoryContext) Clone(resetMetrics bool) ExecutionContext {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &MemoryContext{
		agentID:     c.agentID,
		userID:      c.userID,
		executionID: c.executionID,
		startedAt:   c.startedAt,
		currentStep: c.currentStep,
		variables:   deepCopyMap(c.variables),
		stepOutputs: deepCopyStepOutputs(c.stepOutputs),
	}

	if resetMetrics {
		clone.totalTokensUsed = 0
		clone.totalExecutionTime = 0
		clone.completedSteps = nil
		clone.failedSteps = nil
		clone.skippedSteps = nil
	} else {
		clone.totalTokensUsed = c.totalTokensUsed
		clone.totalExecutionTime = c.totalExecutionTime
		clone.completedSteps = deepCopyStringSlice(c.completedSteps)
		clone.failedSteps = deepCopyStringSlice(c.failedSteps)
		clone.skippedSteps = deepCopyStringSlice(c.skippedSteps)
	}
	return clone
}

func (c *MemoryContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.variables)
}

func (c *MemoryContext) TotalTokensUsed() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalTokensUsed
}

func (c *MemoryContext) TotalExecutionTime() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalExecutionTime
}

func (c *MemoryContext) AddTokensUsed(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalTokensUsed += n
}

func (c *MemoryContext) AddExecutionTime(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalExecutionTime += ms
}

func (c *MemoryContext) CompletedSteps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyStringSlice(c.completedSteps)
}

func (c *MemoryContext) FailedSteps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyStringSlice(c.failedSteps)
}

func (c *MemoryContext) SkippedSteps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyStringSlice(c.skippedSteps)
}

func (c *MemoryContext) StartedAt() time.Time { return c.startedAt }

func (c *MemoryContext) CurrentStep() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentStep
}

// SetCurrentStep records the step id a driver loop is about to dispatch,
// so a concurrent Checkpoint call reports an accurate current_step.
func (c *MemoryContext) SetCurrentStep(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentStep = stepID
}

func (c *MemoryContext) AgentID() string     { return c.agentID }
func (c *MemoryContext) UserID() string      { return c.userID }
func (c *MemoryContext) ExecutionID() string { return c.executionID }

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
