package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/id"
)

var (
	// ErrNotFound is returned when no execution exists for the given id
	// or correlation key.
	ErrNotFound = errors.New("execution: not found")

	// ErrDuplicateExecution is returned by Create when an execution with
	// the same idempotency key already exists. Wrapped by a
	// DuplicateError carrying the existing execution's id, so duplicate
	// deliveries are treated as success.
	ErrDuplicateExecution = errors.New("execution: duplicate execution")

	// ErrConcurrentModification is returned by versioned writes when the
	// execution has advanced since the writer's last read. The losing
	// writer must reload and retry its transition.
	ErrConcurrentModification = errors.New("execution: concurrent modification")

	// ErrDuplicateStepRecord is returned by AppendStepRecord when a
	// record for the same (step, attempt) pair already exists.
	ErrDuplicateStepRecord = errors.New("execution: duplicate step record")
)

// DuplicateError reports an idempotency collision on Create and carries
// the id of the execution that already owns the key.
type DuplicateError struct {
	ExistingID id.ExecutionID
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%v: existing execution %s", ErrDuplicateExecution, e.ExistingID)
}

// Is makes errors.Is(err, ErrDuplicateExecution) match.
func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicateExecution
}

// ListOpts controls filtering for execution list queries.
type ListOpts struct {
	// Limit is the maximum number of executions to return. Zero means
	// no limit.
	Limit int
	// Offset is the number of executions to skip.
	Offset int
}

// Store is the durable record of executions and their step history.
// All writes are atomic with respect to the version check; readers
// always observe a complete, consistent execution.
type Store interface {
	// Create persists a new execution. Fails with a DuplicateError if an
	// execution with the same idempotency key already exists.
	Create(ctx context.Context, ex *Execution) error

	// Load retrieves an execution by id.
	Load(ctx context.Context, execID id.ExecutionID) (*Execution, error)

	// AppendStepRecord appends one immutable step record, failing with
	// ErrConcurrentModification if the execution's version has advanced
	// past expectedVersion, and with ErrDuplicateStepRecord if the
	// (step, attempt) pair is already recorded.
	AppendStepRecord(ctx context.Context, execID id.ExecutionID, rec StepRecord, expectedVersion int) error

	// UpdateState persists the execution's status, context, wait state,
	// and failure fields, failing with ErrConcurrentModification if the
	// version has advanced past expectedVersion.
	UpdateState(ctx context.Context, ex *Execution, expectedVersion int) error

	// ListByStatus returns executions in the given status, oldest first.
	ListByStatus(ctx context.Context, status Status, opts ListOpts) ([]*Execution, error)

	// FindWaiting returns the execution suspended on the given
	// correlation key, or ErrNotFound.
	FindWaiting(ctx context.Context, correlationKey string) (*Execution, error)

	// ExpiredWaits returns waiting executions whose deadline is at or
	// before now, oldest first.
	ExpiredWaits(ctx context.Context, now time.Time) ([]*Execution, error)
}
