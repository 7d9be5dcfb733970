package engine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/orchkit/pkg/orchestration"
)

// conditionEvaluator evaluates a conditional step's test expression with
// expr-lang/expr, caching each expression's compiled program so a condition
// reused across loop iterations or scatter-gather branches isn't
// recompiled on every evaluation.
type conditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newConditionEvaluator() *conditionEvaluator {
	return &conditionEvaluator{cache: make(map[string]*vm.Program)}
}

// evaluate compiles (or reuses a cached compile of) expression and runs it
// against env, requiring a boolean result. An empty expression defaults to
// true, matching step authors who omit Params["condition"] to mean
// "always run".
func (e *conditionEvaluator) evaluate(expression string, env map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", expression, err)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expression, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q must evaluate to a boolean, got %T", expression, result)
	}
	return b, nil
}

func (e *conditionEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if program, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return program, nil
	}
	e.mu.RUnlock()

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = program
	e.mu.Unlock()
	return program, nil
}

// conditionEnv flattens execCtx's variable bag and completed step outputs
// into the single namespace ResolveVariable already resolves dotted paths
// against, so a condition expression can reference anything a `{{...}}`
// template could: plain inputs/variables by name, and a completed step's
// stepId/plugin/action/data by the step's own ID.
func conditionEnv(execCtx orchestration.ExecutionContext) map[string]any {
	env := make(map[string]any, len(execCtx.Variables()))
	for k, v := range execCtx.Variables() {
		env[k] = v
	}
	for _, stepID := range execCtx.CompletedSteps() {
		out, ok := execCtx.StepOutput(stepID)
		if !ok {
			continue
		}
		env[stepID] = map[string]any{
			"stepId": out.StepID,
			"plugin": out.Plugin,
			"action": out.Action,
			"data":   out.Data,
		}
	}
	return env
}
