package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/execution"
)

// Named entry types pair a hook implementation with the hook name
// captured at registration time. This avoids type-asserting back to
// Hook inside the emit methods.
type executionStartedEntry struct {
	name string
	hook ExecutionStarted
}

type executionSucceededEntry struct {
	name string
	hook ExecutionSucceeded
}

type executionFailedEntry struct {
	name string
	hook ExecutionFailed
}

type executionSuspendedEntry struct {
	name string
	hook ExecutionSuspended
}

type executionResumedEntry struct {
	name string
	hook ExecutionResumed
}

type executionTimedOutEntry struct {
	name string
	hook ExecutionTimedOut
}

type stepCompletedEntry struct {
	name string
	hook StepCompleted
}

type stepFailedEntry struct {
	name string
	hook StepFailed
}

type triggerIgnoredEntry struct {
	name string
	hook TriggerIgnored
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered hooks and dispatches lifecycle events to
// them. It type-caches hooks at registration time so emit calls iterate
// only over hooks that implement the relevant event.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	// Type-cached slices for each lifecycle event.
	executionStarted   []executionStartedEntry
	executionSucceeded []executionSucceededEntry
	executionFailed    []executionFailedEntry
	executionSuspended []executionSuspendedEntry
	executionResumed   []executionResumedEntry
	executionTimedOut  []executionTimedOutEntry
	stepCompleted      []stepCompletedEntry
	stepFailed         []stepFailedEntry
	triggerIgnored     []triggerIgnoredEntry
	shutdown           []shutdownEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a hook and type-asserts it into all applicable event
// caches. Hooks are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if e, ok := h.(ExecutionStarted); ok {
		r.executionStarted = append(r.executionStarted, executionStartedEntry{name, e})
	}
	if e, ok := h.(ExecutionSucceeded); ok {
		r.executionSucceeded = append(r.executionSucceeded, executionSucceededEntry{name, e})
	}
	if e, ok := h.(ExecutionFailed); ok {
		r.executionFailed = append(r.executionFailed, executionFailedEntry{name, e})
	}
	if e, ok := h.(ExecutionSuspended); ok {
		r.executionSuspended = append(r.executionSuspended, executionSuspendedEntry{name, e})
	}
	if e, ok := h.(ExecutionResumed); ok {
		r.executionResumed = append(r.executionResumed, executionResumedEntry{name, e})
	}
	if e, ok := h.(ExecutionTimedOut); ok {
		r.executionTimedOut = append(r.executionTimedOut, executionTimedOutEntry{name, e})
	}
	if e, ok := h.(StepCompleted); ok {
		r.stepCompleted = append(r.stepCompleted, stepCompletedEntry{name, e})
	}
	if e, ok := h.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, stepFailedEntry{name, e})
	}
	if e, ok := h.(TriggerIgnored); ok {
		r.triggerIgnored = append(r.triggerIgnored, triggerIgnoredEntry{name, e})
	}
	if e, ok := h.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, e})
	}
}

// Hooks returns all registered hooks.
func (r *Registry) Hooks() []Hook { return r.hooks }

// ──────────────────────────────────────────────────
// Execution event emitters
// ──────────────────────────────────────────────────

// EmitExecutionStarted notifies all hooks that implement ExecutionStarted.
func (r *Registry) EmitExecutionStarted(ctx context.Context, ex *execution.Execution) {
	for _, e := range r.executionStarted {
		r.invoke("OnExecutionStarted", e.name, func() error {
			return e.hook.OnExecutionStarted(ctx, ex)
		})
	}
}

// EmitExecutionSucceeded notifies all hooks that implement ExecutionSucceeded.
func (r *Registry) EmitExecutionSucceeded(ctx context.Context, ex *execution.Execution, elapsed time.Duration) {
	for _, e := range r.executionSucceeded {
		r.invoke("OnExecutionSucceeded", e.name, func() error {
			return e.hook.OnExecutionSucceeded(ctx, ex, elapsed)
		})
	}
}

// EmitExecutionFailed notifies all hooks that implement ExecutionFailed.
func (r *Registry) EmitExecutionFailed(ctx context.Context, ex *execution.Execution, execErr error) {
	for _, e := range r.executionFailed {
		r.invoke("OnExecutionFailed", e.name, func() error {
			return e.hook.OnExecutionFailed(ctx, ex, execErr)
		})
	}
}

// EmitExecutionSuspended notifies all hooks that implement ExecutionSuspended.
func (r *Registry) EmitExecutionSuspended(ctx context.Context, ex *execution.Execution) {
	for _, e := range r.executionSuspended {
		r.invoke("OnExecutionSuspended", e.name, func() error {
			return e.hook.OnExecutionSuspended(ctx, ex)
		})
	}
}

// EmitExecutionResumed notifies all hooks that implement ExecutionResumed.
func (r *Registry) EmitExecutionResumed(ctx context.Context, ex *execution.Execution) {
	for _, e := range r.executionResumed {
		r.invoke("OnExecutionResumed", e.name, func() error {
			return e.hook.OnExecutionResumed(ctx, ex)
		})
	}
}

// EmitExecutionTimedOut notifies all hooks that implement ExecutionTimedOut.
func (r *Registry) EmitExecutionTimedOut(ctx context.Context, ex *execution.Execution) {
	for _, e := range r.executionTimedOut {
		r.invoke("OnExecutionTimedOut", e.name, func() error {
			return e.hook.OnExecutionTimedOut(ctx, ex)
		})
	}
}

// ──────────────────────────────────────────────────
// Step event emitters
// ──────────────────────────────────────────────────

// EmitStepCompleted notifies all hooks that implement StepCompleted.
func (r *Registry) EmitStepCompleted(ctx context.Context, ex *execution.Execution, stepID string, elapsed time.Duration) {
	for _, e := range r.stepCompleted {
		r.invoke("OnStepCompleted", e.name, func() error {
			return e.hook.OnStepCompleted(ctx, ex, stepID, elapsed)
		})
	}
}

// EmitStepFailed notifies all hooks that implement StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, ex *execution.Execution, stepID string, stepErr error) {
	for _, e := range r.stepFailed {
		r.invoke("OnStepFailed", e.name, func() error {
			return e.hook.OnStepFailed(ctx, ex, stepID, stepErr)
		})
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitTriggerIgnored notifies all hooks that implement TriggerIgnored.
func (r *Registry) EmitTriggerIgnored(ctx context.Context, kind, correlationKey, reason string) {
	for _, e := range r.triggerIgnored {
		r.invoke("OnTriggerIgnored", e.name, func() error {
			return e.hook.OnTriggerIgnored(ctx, kind, correlationKey, reason)
		})
	}
}

// EmitShutdown notifies all hooks that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		r.invoke("OnShutdown", e.name, func() error {
			return e.hook.OnShutdown(ctx)
		})
	}
}

// invoke runs a single hook call, logging errors and containing panics.
// A misbehaving hook must never take down the execution that fired it.
func (r *Registry) invoke(event, name string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("hook panicked",
				slog.String("event", event),
				slog.String("hook", name),
				slog.Any("panic", rec),
			)
		}
	}()
	if err := fn(); err != nil {
		r.logger.Error("hook error",
			slog.String("event", event),
			slog.String("hook", name),
			slog.String("error", err.Error()),
		)
	}
}
