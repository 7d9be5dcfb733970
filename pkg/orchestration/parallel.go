package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrency is the fan-out width N used when a caller does not
// override it (§4.3).
const DefaultMaxConcurrency = 3

// DefaultMaxLoopIterations caps executeLoop when loopStep.MaxIterations is
// unset (§4.3).
const DefaultMaxLoopIterations = 100

// chunkSteps splits steps into contiguous chunks of at most size n.
func chunkSteps(steps []StepDescriptor, n int) [][]StepDescriptor {
	if n <= 0 {
		n = DefaultMaxConcurrency
	}
	var chunks [][]StepDescriptor
	for i := 0; i < len(steps); i += n {
		end := i + n
		if end > len(steps) {
			end = len(steps)
		}
		chunks = append(chunks, steps[i:end])
	}
	return chunks
}

type stepResult struct {
	id     string
	output StepOutput
	err    error
}

// runChunk dispatches every step in chunk concurrently via an errgroup and
// waits for all of them to settle before returning — "wait-all" for one
// chunk (§4.3). Individual step errors are captured per-result rather than
// short-circuiting the group, so siblings already in flight always finish.
func runChunk(ctx context.Context, chunk []StepDescriptor, execCtx ExecutionContext, executor StepExecutor) []stepResult {
	results := make([]stepResult, len(chunk))
	g, gctx := errgroup.WithContext(ctx)
	for i, step := range chunk {
		i, step := i, step
		g.Go(func() error {
			out, err := executor.Execute(gctx, step, execCtx)
			results[i] = stepResult{id: step.ID, output: out, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ExecuteParallel runs steps in chunks of maxConcurrency (0 → default),
// wait-all within a chunk; the first chunk to contain a failure aborts the
// whole call, propagating that failure (§4.3).
func ExecuteParallel(ctx context.Context, steps []StepDescriptor, execCtx ExecutionContext, executor StepExecutor, maxConcurrency int) (map[string]StepOutput, error) {
	out := make(map[string]StepOutput, len(steps))
	for _, chunk := range chunkSteps(steps, maxConcurrency) {
		results := runChunk(ctx, chunk, execCtx, executor)
		for _, r := range results {
			if r.err != nil {
				return out, r.err
			}
			out[r.id] = r.output
		}
	}
	return out, nil
}

// ExecuteParallelSettled is ExecuteParallel's settle-all counterpart: a
// failing step's rejection becomes a synthetic failed StepOutput so
// siblings in the chunk still complete, and execution proceeds through
// every chunk regardless of earlier failures (§4.3).
func ExecuteParallelSettled(ctx context.Context, steps []StepDescriptor, execCtx ExecutionContext, executor StepExecutor, maxConcurrency int) map[string]StepOutput {
	out := make(map[string]StepOutput, len(steps))
	for _, chunk := range chunkSteps(steps, maxConcurrency) {
		results := runChunk(ctx, chunk, execCtx, executor)
		for _, r := range results {
			if r.err != nil {
				out[r.id] = StepOutput{
					StepID: r.id,
					Data:   nil,
					Metadata: StepMetadata{
						Success:       false,
						Error:         r.err.Error(),
						ExecutedAt:    time.Now(),
						ExecutionTime: 0,
					},
				}
				continue
			}
			out[r.id] = r.output
		}
	}
	return out
}

// ErrInvalidIterateOver is raised when a loop's iterateOver does not
// resolve to an array.
type ErrInvalidIterateOver struct {
	Observed any
}

func (e *ErrInvalidIterateOver) Error() string {
	return fmt.Sprintf("INVALID_ITERATE_OVER: expected array, got %T", e.Observed)
}

const (
	loopReservedLoop    = "loop"
	loopReservedCurrent = "current"
	loopReservedIndex   = "index"
)

// ExecuteLoop resolves loopStep's iterateOver, applies maxIterations, and
// runs the loop body once per item in a reset-metrics cloned child context,
// sequentially or chunked-parallel per loopStep.Parallel (§4.3).
func ExecuteLoop(ctx context.Context, loopStep StepDescriptor, execCtx ExecutionContext, executor StepExecutor) ([]any, error) {
	cfg := loopStep.Payload.Loop
	if cfg == nil {
		return nil, fmt.Errorf("loop step %s has no loop config", loopStep.ID)
	}

	resolved, err := execCtx.ResolveVariable(cfg.IterateOver)
	if err != nil {
		return nil, err
	}
	items, ok := resolved.([]any)
	if !ok {
		return nil, &ErrInvalidIterateOver{Observed: resolved}
	}

	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxLoopIterations
	}
	if len(items) > maxIter {
		items = items[:maxIter]
	}

	results := make([]any, len(items))

	runIteration := func(i int, item any) error {
		child := execCtx.Clone(true)
		child.SetVariable(loopReservedLoop, map[string]any{
			"item": item, "index": i, "iteration": i + 1,
		})
		child.SetVariable(loopReservedCurrent, item)
		child.SetVariable(loopReservedIndex, i)

		var iterErr error
		for _, step := range loopStep.Payload.Steps {
			out, err := executor.Execute(ctx, step, child)
			if err != nil {
				iterErr = err
				break
			}
			child.SetStepOutput(step.ID, out)
			execCtx.SetStepOutput(fmt.Sprintf("%s_iteration%d", step.ID, i), out)
			execCtx.SetStepOutput(step.ID, out)
		}

		propagateNonReserved(execCtx, child)
		execCtx.AddTokensUsed(child.TotalTokensUsed())
		execCtx.AddExecutionTime(child.TotalExecutionTime())

		if iterErr != nil {
			if !cfg.ContinueOnError {
				return iterErr
			}
			results[i] = map[string]any{"error": iterErr.Error(), "iteration": i}
			return nil
		}
		results[i] = lastStepData(child, loopStep.Payload.Steps)
		return nil
	}

	if cfg.Parallel {
		n := cfg.MaxConcurrency
		if n <= 0 {
			n = DefaultMaxConcurrency
		}
		for start := 0; start < len(items); start += n {
			end := start + n
			if end > len(items) {
				end = len(items)
			}
			var wg sync.WaitGroup
			errs := make([]error, end-start)
			for i := start; i < end; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i-start] = runIteration(i, items[i])
				}(i)
			}
			wg.Wait()
			for _, e := range errs {
				if e != nil {
					return results, e
				}
			}
		}
		return results, nil
	}

	for i, item := range items {
		if err := runIteration(i, item); err != nil {
			return results, err
		}
	}
	return results, nil
}

func lastStepData(child ExecutionContext, steps []StepDescriptor) any {
	if len(steps) == 0 {
		return nil
	}
	if out, ok := child.StepOutput(steps[len(steps)-1].ID); ok {
		return out.Data
	}
	return nil
}

// propagateNonReserved copies every variable the child wrote that is not
// one of the loop/scatter reserved keys back into the parent (§4.3).
func propagateNonReserved(parent, child ExecutionContext) {
	reserved := map[string]bool{loopReservedLoop: true, loopReservedCurrent: true, loopReservedIndex: true}
	for k, v := range child.Variables() {
		if reserved[k] {
			continue
		}
		parent.SetVariable(k, v)
	}
}

// SchemaExtractor is the external collaborator that, given a StepOutput's
// data object plus its source plugin/action, picks the first array-typed
// field — used when a scatter's input resolves to an object rather than an
// array (§4.3).
type SchemaExtractor interface {
	ExtractArray(data map[string]any, sourcePlugin, sourceAction string) ([]any, bool)
}

// defaultSchemaExtractor picks the first array-valued field in data, in
// the map's (unordered) iteration order.
type defaultSchemaExtractor struct{}

func (defaultSchemaExtractor) ExtractArray(data map[string]any, sourcePlugin, sourceAction string) ([]any, bool) {
	for _, v := range data {
		if arr, ok := v.([]any); ok {
			return arr, true
		}
	}
	return nil, false
}

// DefaultSchemaExtractor is used when ExecuteScatterGather is not given an
// explicit extractor.
var DefaultSchemaExtractor SchemaExtractor = defaultSchemaExtractor{}

// ErrInvalidScatterInput is raised when scatter.input cannot be resolved
// to an array by any means.
type ErrInvalidScatterInput struct {
	Observed any
}

func (e *ErrInvalidScatterInput) Error() string {
	return fmt.Sprintf("INVALID_SCATTER_INPUT: could not resolve an array from %#v; bind the array directly, e.g. {{step.data.FIELD}}", e.Observed)
}

// ErrUnknownGatherOperation is raised for an unrecognized gather.operation.
type ErrUnknownGatherOperation struct {
	Operation GatherOperation
}

func (e *ErrUnknownGatherOperation) Error() string {
	return fmt.Sprintf("UNKNOWN_GATHER_OPERATION: %s", e.Operation)
}

// resolveScatterInput implements the scatter phase's input-resolution step
// (§4.3).
func resolveScatterInput(resolved any, extractor SchemaExtractor) ([]any, error) {
	if arr, ok := resolved.([]any); ok {
		return arr, nil
	}

	if m, ok := resolved.(map[string]any); ok {
		if data, hasData := m["data"]; hasData {
			if arr, ok := data.([]any); ok {
				return arr, nil
			}
			if dataMap, ok := data.(map[string]any); ok {
				sourcePlugin, _ := dataMap["_sourcePlugin"].(string)
				sourceAction, _ := dataMap["_sourceAction"].(string)
				if arr, ok := extractor.ExtractArray(dataMap, sourcePlugin, sourceAction); ok {
					return arr, nil
				}
			}
			return nil, &ErrInvalidScatterInput{Observed: data}
		}
	}

	return nil, &ErrInvalidScatterInput{Observed: resolved}
}

// ExecuteScatterGather resolves scatter.input to an array, runs
// scatter.steps per item in a reset-metrics cloned child context (chunked
// by scatter.maxConcurrency or the default), merges each item's result per
// the single-step/multi-step rule, and folds the ordered per-item results
// through gather.operation (§4.3).
func ExecuteScatterGather(ctx context.Context, step StepDescriptor, execCtx ExecutionContext, executor StepExecutor, extractor SchemaExtractor) (any, error) {
	if extractor == nil {
		extractor = DefaultSchemaExtractor
	}
	scatter := step.Payload.Scatter
	gather := step.Payload.Gather
	if scatter == nil || gather == nil {
		return nil, fmt.Errorf("scatter_gather step %s missing scatter/gather config", step.ID)
	}

	resolved, err := execCtx.ResolveVariable(scatter.Input)
	if err != nil {
		return nil, err
	}
	items, err := resolveScatterInput(resolved, extractor)
	if err != nil {
		return nil, err
	}

	itemVar := scatter.ItemVariable
	if itemVar == "" {
		itemVar = "item"
	}
	maxConcurrency := scatter.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	itemResults := make([]any, len(items))

	runItem := func(i int, item any) {
		child := execCtx.Clone(true)
		child.SetVariable(itemVar, item)
		child.SetVariable("index", i)

		stepData := make([]any, 0, len(scatter.Steps))
		var itemErr error
		for _, s := range scatter.Steps {
			out, err := executor.Execute(ctx, s, child)
			if err != nil {
				itemErr = err
				break
			}
			child.SetStepOutput(s.ID, out)
			stepData = append(stepData, out.Data)
		}

		execCtx.AddTokensUsed(child.TotalTokensUsed())
		execCtx.AddExecutionTime(child.TotalExecutionTime())

		if itemErr != nil {
			itemResults[i] = map[string]any{"error": itemErr.Error(), "item": i}
			return
		}
		itemResults[i] = mergeScatterItem(item, stepData)
	}

	for start := 0; start < len(items); start += maxConcurrency {
		end := start + maxConcurrency
		if end > len(items) {
			end = len(items)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				runItem(i, items[i])
			}(i)
		}
		wg.Wait()
	}

	return applyGather(*gather, itemResults)
}

// mergeScatterItem implements the per-item result merge rule: one step
// with both item and stepData non-array objects → shallow merge with step
// fields winning; multiple steps → fold every step's object data over
// {...item} in order; otherwise the raw ordered stepData list (§4.3).
func mergeScatterItem(item any, stepData []any) any {
	itemObj, itemIsObj := item.(map[string]any)

	if len(stepData) == 1 {
		if dataObj, ok := stepData[0].(map[string]any); ok && itemIsObj {
			out := deepCopyMap(itemObj)
			for k, v := range dataObj {
				out[k] = v
			}
			return out
		}
		return stepData[0]
	}

	if len(stepData) > 1 {
		out := map[string]any{}
		if itemIsObj {
			out = deepCopyMap(itemObj)
		}
		allObjects := true
		for _, d := range stepData {
			dataObj, ok := d.(map[string]any)
			if !ok {
				allObjects = false
				break
			}
			for k, v := range dataObj {
				out[k] = v
			}
		}
		if allObjects {
			return out
		}
		return stepData
	}

	return item
}

// applyGather folds ordered per-item results through operation (§4.3).
func applyGather(gather GatherConfig, items []any) (any, error) {
	switch gather.Operation {
	case GatherCollect:
		return items, nil
	case GatherMerge:
		out := map[string]any{}
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			for k, v := range obj {
				out[k] = v
			}
		}
		return out, nil
	case GatherReduce:
		if gather.ReduceExpression != "" {
			return items, nil
		}
		return reduceItems(items), nil
	case GatherFlatten:
		return deepFlatten(items), nil
	default:
		return nil, &ErrUnknownGatherOperation{Operation: gather.Operation}
	}
}

func reduceItems(items []any) any {
	if len(items) == 0 {
		return nil
	}
	acc := items[0]
	for _, item := range items[1:] {
		acc = reducePair(acc, item)
	}
	return acc
}

func reducePair(a, b any) any {
	switch av := a.(type) {
	case float64:
		if bv, ok := toFloat(b); ok {
			return av + bv
		}
	case int:
		if bv, ok := toFloat(b); ok {
			return float64(av) + bv
		}
	case []any:
		if bv, ok := b.([]any); ok {
			return append(append([]any{}, av...), bv...)
		}
	case map[string]any:
		if bv, ok := b.(map[string]any); ok {
			out := deepCopyMap(av)
			for k, v := range bv {
				out[k] = v
			}
			return out
		}
	}
	return b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func deepFlatten(items []any) []any {
	var out []any
	for _, item := range items {
		if nested, ok := item.([]any); ok {
			out = append(out, deepFlatten(nested)...)
		} else {
			out = append(out, item)
		}
	}
	return out
}

// ExecuteBatched runs steps in fixed-size batches with a 100ms inter-batch
// delay, for very large groups where full concurrency would overwhelm
// downstream systems (§4.3).
func ExecuteBatched(ctx context.Context, steps []StepDescriptor, execCtx ExecutionContext, executor StepExecutor, batchSize int) (map[string]StepOutput, error) {
	out := make(map[string]StepOutput, len(steps))
	batches := chunkSteps(steps, batchSize)
	for i, batch := range batches {
		results := runChunk(ctx, batch, execCtx, executor)
		for _, r := range results {
			if r.err != nil {
				return out, r.err
			}
			out[r.id] = r.output
		}
		if i < len(batches)-1 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	return out, nil
}

// ExecuteRace runs every step concurrently and returns the first to
// resolve, successful or not (§4.3).
func ExecuteRace(ctx context.Context, steps []StepDescriptor, execCtx ExecutionContext, executor StepExecutor) (StepOutput, error) {
	type raceResult struct {
		out StepOutput
		err error
	}
	resultCh := make(chan raceResult, len(steps))
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, step := range steps {
		go func(step StepDescriptor) {
			out, err := executor.Execute(raceCtx, step, execCtx)
			select {
			case resultCh <- raceResult{out, err}:
			default:
			}
		}(step)
	}

	select {
	case r := <-resultCh:
		return r.out, r.err
	case <-ctx.Done():
		return StepOutput{}, ctx.Err()
	}
}

// ErrParallelExecutionTimeout is raised by ExecuteWithTimeout when the
// deadline elapses before the chunked execution settles.
var ErrParallelExecutionTimeout = NewClassifiedError(
	fmt.Errorf("parallel execution did not settle before the deadline"),
	"PARALLEL_EXECUTION_TIMEOUT", 0,
)

// ExecuteWithTimeout races ExecuteParallel against a deadline of ms
// milliseconds (§4.3).
func ExecuteWithTimeout(ctx context.Context, steps []StepDescriptor, execCtx ExecutionContext, executor StepExecutor, maxConcurrency int, ms int) (map[string]StepOutput, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
	defer cancel()

	type outcome struct {
		out map[string]StepOutput
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		out, err := ExecuteParallel(deadlineCtx, steps, execCtx, executor, maxConcurrency)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-deadlineCtx.Done():
		return nil, ErrParallelExecutionTimeout
	}
}
