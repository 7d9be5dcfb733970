// Package orchestration implements the execution controller, durable state
// manager, parallel executor, and error recovery layer that drive a
// precompiled workflow execution plan to completion.
package orchestration

import "time"

// RunMode distinguishes analytics routing for a run; it has no effect on
// execution semantics.
type RunMode string

const (
	RunModeCalibration RunMode = "calibration"
	RunModeProduction  RunMode = "production"
)

// ExecutionStatus is the lifecycle state of a durable execution record.
type ExecutionStatus string

const (
	StatusRunning     ExecutionStatus = "running"
	StatusPaused      ExecutionStatus = "paused"
	StatusCompleted   ExecutionStatus = "completed"
	StatusFailed      ExecutionStatus = "failed"
	StatusCancelled   ExecutionStatus = "cancelled"
	StatusRolledBack  ExecutionStatus = "rolled_back"
)

// StepKind enumerates the shapes a step descriptor can take in a plan.
type StepKind string

const (
	StepKindAction        StepKind = "action"
	StepKindAIProcessing  StepKind = "ai_processing"
	StepKindTransform     StepKind = "transform"
	StepKindConditional   StepKind = "conditional"
	StepKindSwitch        StepKind = "switch"
	StepKindLoop          StepKind = "loop"
	StepKindScatterGather StepKind = "scatter_gather"
	StepKindSubWorkflow   StepKind = "sub_workflow"
	StepKindHumanApproval StepKind = "human_approval"
	StepKindDelay         StepKind = "delay"
	StepKindParallelGroup StepKind = "parallel_group"
)

// StepDescriptor is one entry in an execution plan: a stable id, its
// dependencies, and a kind-specific payload.
type StepDescriptor struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Kind            StepKind       `json:"kind"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	DependencyLevel int            `json:"dependency_level"`
	ParallelGroupID string         `json:"parallel_group_id,omitempty"`
	Payload         StepPayload    `json:"payload"`
}

// StepPayload carries the kind-specific configuration for a step. Only the
// fields relevant to Kind are populated; the rest are zero-valued.
type StepPayload struct {
	// Plugin invocation (action / ai_processing / sub_workflow / human_approval).
	Plugin string         `json:"plugin,omitempty"`
	Action string         `json:"action,omitempty"`
	Params map[string]any `json:"params,omitempty"`

	// rollbackAction for compensating rollback (§4.4 rollbackStep).
	RollbackAction *PluginCall `json:"rollback_action,omitempty"`

	// ContinueOnError lets the step's failure be swallowed by the caller.
	ContinueOnError bool `json:"continue_on_error,omitempty"`

	// Retry policy override for this step, merged over the default.
	RetryPolicy *RetryPolicy `json:"retry_policy,omitempty"`

	// Loop configuration (kind=loop).
	Loop *LoopConfig `json:"loop,omitempty"`

	// Scatter/gather configuration (kind=scatter_gather).
	Scatter *ScatterConfig `json:"scatter,omitempty"`
	Gather  *GatherConfig  `json:"gather,omitempty"`

	// Nested steps for parallel groups / loop bodies / scatter bodies that
	// are expressed as an inline sub-plan rather than Scatter.Steps.
	Steps []StepDescriptor `json:"steps,omitempty"`
}

// PluginCall names a single plugin invocation with resolved-later params.
type PluginCall struct {
	Plugin string         `json:"plugin"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// LoopConfig configures executeLoop (§4.3).
type LoopConfig struct {
	IterateOver     string `json:"iterate_over"`
	MaxIterations   int    `json:"max_iterations,omitempty"`
	Parallel        bool   `json:"parallel,omitempty"`
	MaxConcurrency  int    `json:"max_concurrency,omitempty"`
	ContinueOnError bool   `json:"continue_on_error,omitempty"`
}

// ScatterConfig configures the scatter phase of executeScatterGather.
type ScatterConfig struct {
	Input          string           `json:"input"`
	ItemVariable   string           `json:"item_variable,omitempty"`
	MaxConcurrency int              `json:"max_concurrency,omitempty"`
	Steps          []StepDescriptor `json:"steps"`
}

// GatherOperation names the fold applied to per-item scatter results.
type GatherOperation string

const (
	GatherCollect GatherOperation = "collect"
	GatherMerge   GatherOperation = "merge"
	GatherReduce  GatherOperation = "reduce"
	GatherFlatten GatherOperation = "flatten"
)

// GatherConfig configures the gather phase of executeScatterGather.
type GatherConfig struct {
	Operation        GatherOperation `json:"operation"`
	ReduceExpression string          `json:"reduce_expression,omitempty"`
}

// ExecutionPlan is the immutable, topologically ordered input to a run.
type ExecutionPlan struct {
	Steps []StepDescriptor `json:"steps"`
}

// StepOutput is the typed result of one leaf step invocation (§6).
type StepOutput struct {
	StepID   string         `json:"step_id"`
	Plugin   string         `json:"plugin"`
	Action   string         `json:"action"`
	Data     any            `json:"data"`
	Metadata StepMetadata   `json:"metadata"`
}

// StepMetadata is the metadata sidecar carried on every StepOutput.
type StepMetadata struct {
	Success       bool      `json:"success"`
	ExecutedAt    time.Time `json:"executed_at"`
	ExecutionTime int64     `json:"execution_time_ms"`
	TokensUsed    int       `json:"tokens_used,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// CachedOutput is what execution_trace.cached_outputs stores per step id:
// the data plus just enough metadata to replay it on resume.
type CachedOutput struct {
	Data     any            `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

// ExecutionTrace is embedded in a durable ExecutionRecord (§3).
type ExecutionTrace struct {
	CompletedSteps []string                `json:"completed_steps"`
	FailedSteps    []string                `json:"failed_steps"`
	SkippedSteps   []string                `json:"skipped_steps"`
	CachedOutputs  map[string]CachedOutput `json:"cached_outputs"`
}

// cloneTrace returns a deep copy so checkpoints never alias live state.
func (t ExecutionTrace) clone() ExecutionTrace {
	out := ExecutionTrace{
		CompletedSteps: append([]string(nil), t.CompletedSteps...),
		FailedSteps:    append([]string(nil), t.FailedSteps...),
		SkippedSteps:   append([]string(nil), t.SkippedSteps...),
		CachedOutputs:  make(map[string]CachedOutput, len(t.CachedOutputs)),
	}
	for k, v := range t.CachedOutputs {
		out.CachedOutputs[k] = CachedOutput{Data: deepCopyValue(v.Data), Metadata: deepCopyMap(v.Metadata)}
	}
	return out
}

// ExecutionResults is the structured, payload-free summary persisted
// alongside a terminal execution record.
type ExecutionResults struct {
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
	Skipped   int            `json:"skipped"`
	StepTypes map[string]int `json:"step_types,omitempty"`
}

// ExecutionRecord is the durable, one-per-run record (§3).
type ExecutionRecord struct {
	ExecutionID  string          `json:"execution_id"`
	AgentID      string          `json:"agent_id"`
	UserID       string          `json:"user_id"`
	SessionID    string          `json:"session_id"`
	Status       ExecutionStatus `json:"status"`
	Completed    int             `json:"completed"`
	Failed       int             `json:"failed"`
	Skipped      int             `json:"skipped"`
	CurrentStep  string          `json:"current_step,omitempty"`
	Plan         ExecutionPlan   `json:"plan"`
	Inputs       map[string]any  `json:"inputs"`
	RunMode      RunMode         `json:"run_mode"`
	StartedAt    time.Time       `json:"started_at"`
	PausedAt     *time.Time      `json:"paused_at,omitempty"`
	ResumedAt    *time.Time      `json:"resumed_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	FailedAt     *time.Time      `json:"failed_at,omitempty"`
	CancelledAt  *time.Time      `json:"cancelled_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`

	TotalTokensUsed     int64 `json:"total_tokens_used"`
	TotalExecutionTime  int64 `json:"total_execution_time_ms"`

	Trace         ExecutionTrace    `json:"execution_trace"`
	FinalOutput   map[string]any    `json:"final_output,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ErrorStack    string            `json:"error_stack,omitempty"`
	Results       *ExecutionResults `json:"execution_results,omitempty"`
}

// StepExecutionStatus is the lifecycle of one durable step row (§3).
type StepExecutionStatus string

const (
	StepStatusPending   StepExecutionStatus = "pending"
	StepStatusRunning   StepExecutionStatus = "running"
	StepStatusCompleted StepExecutionStatus = "completed"
	StepStatusFailed    StepExecutionStatus = "failed"
	StepStatusSkipped   StepExecutionStatus = "skipped"
)

// NormalizedStepType is the closed set step rows are normalized into (§6).
type NormalizedStepType string

const (
	NormalizedAction        NormalizedStepType = "action"
	NormalizedLLMDecision   NormalizedStepType = "llm_decision"
	NormalizedConditional   NormalizedStepType = "conditional"
	NormalizedLoop          NormalizedStepType = "loop"
	NormalizedTransform     NormalizedStepType = "transform"
	NormalizedDelay         NormalizedStepType = "delay"
	NormalizedParallelGroup NormalizedStepType = "parallel_group"
)

// stepTypeNormalization implements the mapping table in §6.
var stepTypeNormalization = map[string]NormalizedStepType{
	"ai_processing":  NormalizedLLMDecision,
	"switch":         NormalizedConditional,
	"validation":     NormalizedTransform,
	"enrichment":     NormalizedTransform,
	"comparison":     NormalizedTransform,
	"sub_workflow":   NormalizedAction,
	"human_approval": NormalizedAction,
	"scatter_gather": NormalizedParallelGroup,
	"summarize":      NormalizedLLMDecision,
	"extract":        NormalizedLLMDecision,
	"generate":       NormalizedLLMDecision,
}

// NormalizeStepType maps an arbitrary input step type to the closed set of
// normalized types persisted on step rows. Unknown values pass through.
func NormalizeStepType(raw string) NormalizedStepType {
	if normalized, ok := stepTypeNormalization[raw]; ok {
		return normalized
	}
	return NormalizedStepType(raw)
}

// StepExecutionRecord is the durable, one-row-per-step-per-run record (§3).
type StepExecutionRecord struct {
	ExecutionID       string              `json:"execution_id"`
	StepID            string              `json:"step_id"`
	StepName          string              `json:"step_name"`
	StepType          NormalizedStepType  `json:"step_type"`
	Status            StepExecutionStatus `json:"status"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	CompletedAt       *time.Time          `json:"completed_at,omitempty"`
	FailedAt          *time.Time          `json:"failed_at,omitempty"`
	Plugin            string              `json:"plugin,omitempty"`
	Action            string              `json:"action,omitempty"`
	TokensUsed        int                 `json:"tokens_used"`
	ExecutionTimeMs   int64               `json:"execution_time_ms"`
	ItemCount         int                 `json:"item_count"`
	ErrorMessage      string              `json:"error_message,omitempty"`
	ExecutionMetadata map[string]any      `json:"execution_metadata,omitempty"`
}

// RetryPolicy configures Error Recovery's backoff loop (§3, §4.4).
type RetryPolicy struct {
	MaxRetries        int      `json:"max_retries"`
	BackoffMs         int      `json:"backoff_ms"`
	BackoffMultiplier float64  `json:"backoff_multiplier"`
	RetryableErrors   []string `json:"retryable_errors"`
}

// DefaultRetryPolicy matches the spec's default, grounded on the shape of
// pkg/llm/retry.go's RetryConfig but with the spec's exact field semantics.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BackoffMs:         1000,
		BackoffMultiplier: 2,
		RetryableErrors: []string{
			"TIMEOUT", "RATE_LIMIT", "NETWORK_ERROR", "ECONNRESET",
			"ECONNREFUSED", "ETIMEDOUT", "ENOTFOUND", "429", "503", "504",
		},
	}
}

// Merge overlays non-zero fields of override onto the receiver, returning a
// new policy. A nil override returns the receiver unchanged.
func (p RetryPolicy) Merge(override *RetryPolicy) RetryPolicy {
	if override == nil {
		return p
	}
	out := p
	if override.MaxRetries != 0 {
		out.MaxRetries = override.MaxRetries
	}
	if override.BackoffMs != 0 {
		out.BackoffMs = override.BackoffMs
	}
	if override.BackoffMultiplier != 0 {
		out.BackoffMultiplier = override.BackoffMultiplier
	}
	if len(override.RetryableErrors) > 0 {
		out.RetryableErrors = override.RetryableErrors
	}
	return out
}

// CircuitState is the state of a circuit breaker (§4.4).
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerState is the durable-shape snapshot of a breaker (§3).
type CircuitBreakerState struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastFailureTime     time.Time    `json:"last_failure_time"`
	MaxFailures         int          `json:"max_failures"`
	ResetTimeoutMs      int          `json:"reset_timeout_ms"`
}
