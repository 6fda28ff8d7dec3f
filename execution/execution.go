// Package execution defines workflow executions, their step history,
// and the persistence contract the engine drives them through.
package execution

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom/id"
)

// Status represents the lifecycle state of an execution.
type Status string

const (
	// StatusRunning means the engine is actively advancing the execution.
	StatusRunning Status = "running"
	// StatusSucceeded means the execution reached the end of its
	// definition with every step completed.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means a step failed terminally, or the execution was
	// cancelled.
	StatusFailed Status = "failed"
	// StatusWaiting means the execution is suspended at a
	// wait-for-trigger node and consumes no compute until a matching
	// trigger arrives or the wait times out.
	StatusWaiting Status = "waiting_for_trigger"
	// StatusTimedOut means a wait expired before a matching trigger arrived.
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether the status admits no further transitions.
// Terminal executions are archived, never deleted.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal
// state-machine edge.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusRunning:
		return next == StatusSucceeded || next == StatusFailed ||
			next == StatusWaiting || next == StatusTimedOut
	case StatusWaiting:
		return next == StatusRunning || next == StatusTimedOut || next == StatusFailed
	default:
		return false
	}
}

// WaitState captures where and why an execution is suspended.
type WaitState struct {
	// StepID is the wait-for-trigger node the execution stopped at.
	StepID string `json:"step_id"`

	// CorrelationKey is the key an incoming trigger must carry to
	// resume this execution.
	CorrelationKey string `json:"correlation_key"`

	// OutputKey, if set, is the context variable the resuming trigger's
	// payload is merged under.
	OutputKey string `json:"output_key,omitempty"`

	// Deadline is when the wait expires and the execution transitions
	// to StatusTimedOut.
	Deadline time.Time `json:"deadline"`
}

// Execution is one instantiation of a workflow definition. It is owned
// exclusively by the engine; the store only persists and retrieves it.
type Execution struct {
	ID         id.ExecutionID `json:"id"`
	WorkflowID string         `json:"workflow_id"`

	// IdempotencyKey is derived from the triggering event's correlation
	// key so duplicate deliveries do not start duplicate executions.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Status Status `json:"status"`

	// Context accumulates step outputs under their declared output keys.
	Context map[string]any `json:"context"`

	// Wait is non-nil while Status is StatusWaiting.
	Wait *WaitState `json:"wait,omitempty"`

	// History is the ordered sequence of step records, one per attempt.
	History []StepRecord `json:"history"`

	// FailedStep names the node whose terminal failure failed the
	// execution, when Status is StatusFailed.
	FailedStep string `json:"failed_step,omitempty"`

	// Error holds the terminal failure reason, when there is one.
	Error string `json:"error,omitempty"`

	// Version advances on every persisted write and backs the store's
	// optimistic concurrency check (single-writer-per-execution rule).
	Version int `json:"version"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a running execution for the given workflow with an
// initial context.
func New(workflowID string, initial map[string]any, idempotencyKey string) *Execution {
	if initial == nil {
		initial = make(map[string]any)
	}
	return &Execution{
		ID:             id.NewExecutionID(),
		WorkflowID:     workflowID,
		IdempotencyKey: idempotencyKey,
		Status:         StatusRunning,
		Context:        initial,
		StartedAt:      time.Now().UTC(),
	}
}

// LastRecord returns the most recent history record for the given step,
// or nil if the step has never been attempted.
func (e *Execution) LastRecord(stepID string) *StepRecord {
	for i := len(e.History) - 1; i >= 0; i-- {
		if e.History[i].StepID == stepID {
			return &e.History[i]
		}
	}
	return nil
}

// StepSucceeded reports whether the given step has a successful record
// in history. Used by the engine's replay walk to skip completed work
// when resuming from persisted state.
func (e *Execution) StepSucceeded(stepID string) bool {
	rec := e.LastRecord(stepID)
	return rec != nil && rec.Error == ""
}

// Attempts counts the history records for the given step.
func (e *Execution) Attempts(stepID string) int {
	n := 0
	for i := range e.History {
		if e.History[i].StepID == stepID {
			n++
		}
	}
	return n
}

// StepRecord is the immutable record of one task attempt. For a given
// (execution, step) pair there is at most one record per attempt, and
// attempts are monotonically increasing.
type StepRecord struct {
	ID        id.StepRecordID `json:"id"`
	StepID    string          `json:"step_id"`
	Attempt   int             `json:"attempt"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
}
