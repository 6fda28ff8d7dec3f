// Package task defines the task registry: named executable units with
// declared retry policies. Tasks are the only boundary to external
// collaborators (chat APIs, issue trackers, LLM inference, object storage);
// the orchestration core never knows anything about them beyond their
// input/output shape.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/id"
)

// ErrUnknownTask is returned by Resolve when no task is registered
// under the requested name. This is a configuration error: workflow
// definitions are validated against the registry at load time, so it
// never occurs mid-execution.
var ErrUnknownTask = errors.New("task: unknown task")

// HandlerFunc is a type-erased task executor. It receives the mapped
// input subset of the execution context as JSON and returns its output
// as JSON. The typed Definition[T, R] is converted to a HandlerFunc at
// registration time by closing over JSON marshalling + the typed handler.
type HandlerFunc func(ctx context.Context, input []byte) ([]byte, error)

// Invocation describes one attempt at executing a task step. It is the
// unit middleware operates on.
type Invocation struct {
	ExecutionID id.ExecutionID
	StepID      string
	Task        string
	Attempt     int
	Timeout     time.Duration
}

// ──────────────────────────────────────────────────
// Error kinds
// ──────────────────────────────────────────────────

// Error kinds used by retry policies to classify task failures.
const (
	// KindTransient marks failures worth retrying (network errors,
	// throttling, 5xx responses). Plain errors default to this kind.
	KindTransient = "transient"
	// KindTimeout marks task deadline expiry. Retryable by default.
	KindTimeout = "timeout"
	// KindTerminal marks failures that retrying cannot fix (bad input,
	// 4xx responses, permission errors).
	KindTerminal = "terminal"
)

// Error is a task failure tagged with a classification kind.
type Error struct {
	Kind string
	Err  error
}

// NewError wraps err with the given kind.
func NewError(kind string, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf formats a new task error with the given kind.
func Errorf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Terminal wraps err as a non-retryable task error.
func Terminal(err error) *Error {
	return &Error{Kind: KindTerminal, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("task error (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies an error for retry decisions. Tagged task errors
// report their own kind; context deadline expiry maps to KindTimeout;
// everything else defaults to KindTransient, matching the at-least-once
// posture of the external integrations tasks wrap.
func KindOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindTransient
}

// ──────────────────────────────────────────────────
// Retry policy
// ──────────────────────────────────────────────────

// RetryPolicy configures the retry behavior of a task. Pure
// configuration, no mutable state.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts"`

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `json:"backoff_base"`

	// BackoffMultiplier grows the delay geometrically per attempt.
	BackoffMultiplier float64 `json:"backoff_multiplier"`

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration `json:"max_delay"`

	// RetryableKinds lists the error kinds worth retrying.
	RetryableKinds []string `json:"retryable_kinds"`
}

// DefaultRetryPolicy returns the policy applied to tasks registered
// without explicit retry options: 3 attempts, exponential backoff from
// 1s doubling up to 1m, retrying transient and timeout failures.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BackoffBase:       1 * time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          1 * time.Minute,
		RetryableKinds:    []string{KindTransient, KindTimeout},
	}
}

// Retryable reports whether the given error kind is in the policy's
// retryable set.
func (p RetryPolicy) Retryable(kind string) bool {
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}
