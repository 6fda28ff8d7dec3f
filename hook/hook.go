// Package hook defines the observer system for the orchestration core.
// Hooks are notified of lifecycle events (execution started, step
// completed, trigger ignored, etc.) and can react to them — audit
// trails, notifications, metrics.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about. Hook failures are logged and never affect
// the execution that emitted them.
package hook

import (
	"context"
	"time"

	"github.com/loomworks/loom/execution"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// ──────────────────────────────────────────────────
// Execution lifecycle hooks
// ──────────────────────────────────────────────────

// ExecutionStarted is called when a new execution is created.
type ExecutionStarted interface {
	OnExecutionStarted(ctx context.Context, ex *execution.Execution) error
}

// ExecutionSucceeded is called after an execution completes its last step.
type ExecutionSucceeded interface {
	OnExecutionSucceeded(ctx context.Context, ex *execution.Execution, elapsed time.Duration) error
}

// ExecutionFailed is called when an execution fails terminally.
type ExecutionFailed interface {
	OnExecutionFailed(ctx context.Context, ex *execution.Execution, err error) error
}

// ExecutionSuspended is called when an execution parks at a
// wait-for-trigger node.
type ExecutionSuspended interface {
	OnExecutionSuspended(ctx context.Context, ex *execution.Execution) error
}

// ExecutionResumed is called when a trigger wakes a waiting execution.
type ExecutionResumed interface {
	OnExecutionResumed(ctx context.Context, ex *execution.Execution) error
}

// ExecutionTimedOut is called when a wait deadline expires before a
// matching trigger arrives.
type ExecutionTimedOut interface {
	OnExecutionTimedOut(ctx context.Context, ex *execution.Execution) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepCompleted is called after a task step completes successfully.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, ex *execution.Execution, stepID string, elapsed time.Duration) error
}

// StepFailed is called when a task step fails its retry budget.
type StepFailed interface {
	OnStepFailed(ctx context.Context, ex *execution.Execution, stepID string, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// TriggerIgnored is called when an incoming trigger matches no waiting
// execution and no start condition.
type TriggerIgnored interface {
	OnTriggerIgnored(ctx context.Context, kind, correlationKey, reason string) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
