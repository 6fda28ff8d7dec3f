// Package memory provides a fully in-memory execution.Store. It is the
// reference backend: all version-check and idempotency semantics other
// backends must honor are implemented here under a single mutex.
// Intended for unit testing and single-process deployments.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

// Ensure Store implements execution.Store at compile time.
var _ execution.Store = (*Store)(nil)

// Store is an in-memory implementation of execution.Store. Safe for
// concurrent access; every read returns an isolated copy so callers can
// never observe a partially-updated execution.
type Store struct {
	mu sync.RWMutex

	executions map[string]*execution.Execution
	byIdemKey  map[string]string // idempotency key → execution id
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		executions: make(map[string]*execution.Execution),
		byIdemKey:  make(map[string]string),
	}
}

// Create persists a new execution at version 1. Duplicate idempotency
// keys fail with a DuplicateError carrying the existing execution's id.
func (m *Store) Create(_ context.Context, ex *execution.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ex.IdempotencyKey != "" {
		if existing, ok := m.byIdemKey[ex.IdempotencyKey]; ok {
			return &execution.DuplicateError{ExistingID: id.MustParse(existing)}
		}
	}

	cp := copyExecution(ex)
	cp.Version = 1
	m.executions[ex.ID.String()] = cp
	if ex.IdempotencyKey != "" {
		m.byIdemKey[ex.IdempotencyKey] = ex.ID.String()
	}

	ex.Version = 1
	return nil
}

// Load retrieves an execution by id.
func (m *Store) Load(_ context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ex, ok := m.executions[execID.String()]
	if !ok {
		return nil, execution.ErrNotFound
	}
	return copyExecution(ex), nil
}

// AppendStepRecord appends one immutable record and bumps the version.
func (m *Store) AppendStepRecord(_ context.Context, execID id.ExecutionID, rec execution.StepRecord, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.executions[execID.String()]
	if !ok {
		return execution.ErrNotFound
	}
	if ex.Version != expectedVersion {
		return execution.ErrConcurrentModification
	}
	for i := range ex.History {
		if ex.History[i].StepID == rec.StepID && ex.History[i].Attempt == rec.Attempt {
			return execution.ErrDuplicateStepRecord
		}
	}

	rec.Input = slices.Clone(rec.Input)
	rec.Output = slices.Clone(rec.Output)
	ex.History = append(ex.History, rec)
	ex.Version++
	return nil
}

// UpdateState persists status, context, wait state, and failure fields,
// and bumps the version. The caller's copy is stamped with the new
// version on success.
func (m *Store) UpdateState(_ context.Context, ex *execution.Execution, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.executions[ex.ID.String()]
	if !ok {
		return execution.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return execution.ErrConcurrentModification
	}

	stored.Status = ex.Status
	stored.Context = cloneContext(ex.Context)
	stored.FailedStep = ex.FailedStep
	stored.Error = ex.Error
	stored.CompletedAt = ex.CompletedAt
	if ex.Wait != nil {
		w := *ex.Wait
		stored.Wait = &w
	} else {
		stored.Wait = nil
	}
	stored.Version++

	ex.Version = stored.Version
	return nil
}

// ListByStatus returns executions in the given status, oldest first.
func (m *Store) ListByStatus(_ context.Context, status execution.Status, opts execution.ListOpts) ([]*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*execution.Execution, 0)
	for _, ex := range m.executions {
		if ex.Status != status {
			continue
		}
		result = append(result, copyExecution(ex))
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].StartedAt.Before(result[k].StartedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// FindWaiting returns the execution suspended on the given correlation key.
func (m *Store) FindWaiting(_ context.Context, correlationKey string) (*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ex := range m.executions {
		if ex.Status == execution.StatusWaiting && ex.Wait != nil && ex.Wait.CorrelationKey == correlationKey {
			return copyExecution(ex), nil
		}
	}
	return nil, execution.ErrNotFound
}

// ExpiredWaits returns waiting executions whose deadline has passed.
func (m *Store) ExpiredWaits(_ context.Context, now time.Time) ([]*execution.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*execution.Execution, 0)
	for _, ex := range m.executions {
		if ex.Status == execution.StatusWaiting && ex.Wait != nil && !ex.Wait.Deadline.After(now) {
			result = append(result, copyExecution(ex))
		}
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].StartedAt.Before(result[k].StartedAt)
	})
	return result, nil
}

// copyExecution returns a deep copy so callers and the store never
// share mutable state, however nested.
func copyExecution(ex *execution.Execution) *execution.Execution {
	cp := *ex
	cp.Context = cloneContext(ex.Context)
	cp.History = slices.Clone(ex.History)
	for i := range cp.History {
		cp.History[i].Input = slices.Clone(cp.History[i].Input)
		cp.History[i].Output = slices.Clone(cp.History[i].Output)
	}
	if ex.Wait != nil {
		w := *ex.Wait
		cp.Wait = &w
	}
	if ex.CompletedAt != nil {
		t := *ex.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneContext(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue recursively copies the JSON-shaped values an execution
// context holds: objects, arrays, and scalars.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneContext(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return t
	}
}
