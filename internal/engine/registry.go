// Package engine drives one compiled ExecutionPlan to completion:
// dispatching each step through the Parallel Executor/Error Recovery
// machinery by its kind, checkpointing and completing through the State
// Manager, and tracing/reporting each step along the way.
package engine

import (
	"sync"

	"github.com/tombee/orchkit/pkg/orchestration"
)

// stopReason records whether a live execution's halt was requested as a
// pause or a cancel, so run's deferred finish logic persists the status
// the caller actually asked for. Pause and cancel are both cooperative: the
// Controller's RequestPause/RequestStop only set flags that ShouldContinue
// consults before the next level is dispatched, so in-flight steps always
// run to completion.
type stopReason string

const (
	reasonCancel stopReason = "cancel"
	reasonPause  stopReason = "pause"
)

// liveExecution is what the Registry keeps for one in-flight run: the
// ExecutionContext a handler needs to pass to StateManager's pause/cancel
// calls, and the Controller whose cooperative pause/stop flags gate the
// driver goroutine's next level dispatch.
type liveExecution struct {
	execCtx orchestration.ExecutionContext
	ctrl    *orchestration.Controller
	reason  stopReason
}

// Registry maps an execution id to its live, in-memory ExecutionContext
// and cancellation handle, so an HTTP handler can reach a running
// execution without holding a reference to the goroutine driving it.
// Entries are added when a run starts and removed when it reaches a
// terminal or paused state.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*liveExecution
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*liveExecution)}
}

func (r *Registry) put(executionID string, execCtx orchestration.ExecutionContext, ctrl *orchestration.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[executionID] = &liveExecution{execCtx: execCtx, ctrl: ctrl, reason: reasonCancel}
}

func (r *Registry) remove(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, executionID)
}

// Context returns the live ExecutionContext for executionID, if it is
// currently running.
func (r *Registry) Context(executionID string) (orchestration.ExecutionContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[executionID]
	if !ok {
		return nil, false
	}
	return e.execCtx, true
}

// Controller returns the live Controller for executionID, if it is
// currently running.
func (r *Registry) Controller(executionID string) (*orchestration.Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[executionID]
	if !ok {
		return nil, false
	}
	return e.ctrl, true
}

// Stop requests a cooperative stop of the driver goroutine for executionID,
// if it is running: the Controller's stop flag is set, and the run loop
// observes it at the next level boundary rather than tearing down whatever
// step is currently in flight. It reports whether a running execution was
// found.
func (r *Registry) Stop(executionID string) bool {
	return r.halt(executionID, reasonCancel)
}

// Pause requests a graceful pause of the driver goroutine for executionID,
// if it is running: the run loop persists status=paused instead of
// status=cancelled when it next observes the Controller's pause flag. It
// reports whether a running execution was found.
func (r *Registry) Pause(executionID string) bool {
	return r.halt(executionID, reasonPause)
}

func (r *Registry) halt(executionID string, reason stopReason) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[executionID]
	if !ok {
		return false
	}
	e.reason = reason
	switch reason {
	case reasonPause:
		e.ctrl.RequestPause()
	default:
		e.ctrl.RequestStop()
	}
	return true
}

func (r *Registry) reasonFor(executionID string) stopReason {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[executionID]; ok {
		return e.reason
	}
	return reasonCancel
}

// Running reports whether executionID currently has a live entry.
func (r *Registry) Running(executionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[executionID]
	return ok
}
