// Package engine drives workflow executions: it instantiates
// definitions into executions, walks their step trees, suspends them at
// wait nodes, and resumes them when triggers or the timeout sweep say
// so. Recovery is replay-based: the engine re-walks the definition from
// the top and skips every step whose successful record is already in
// history, so a crash at any point resumes without repeating completed
// work.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/hook"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/worker"
)

// ErrNotWaiting is returned by ResumeForTrigger when the execution is
// not suspended at a wait node — usually because the wait already timed
// out or a duplicate trigger delivery lost the race.
var ErrNotWaiting = errors.New("engine: execution is not waiting")

// Engine advances executions through their workflow definitions.
type Engine struct {
	defs     *definition.Registry
	store    execution.Store
	executor *worker.Executor
	hooks    *hook.Registry
	logger   *slog.Logger
}

// New creates an Engine.
func New(
	defs *definition.Registry,
	store execution.Store,
	executor *worker.Executor,
	hooks *hook.Registry,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		defs:     defs,
		store:    store,
		executor: executor,
		hooks:    hooks,
		logger:   logger,
	}
}

// Create instantiates the workflow as a new running execution without
// advancing it. Duplicate creates — same non-empty idempotency key —
// return the existing execution instead of creating a second one; the
// boolean reports whether the returned execution is new.
func (e *Engine) Create(ctx context.Context, workflowID string, initial map[string]any, idempotencyKey string) (*execution.Execution, bool, error) {
	if _, err := e.defs.Get(workflowID); err != nil {
		return nil, false, err
	}

	ex := execution.New(workflowID, initial, idempotencyKey)
	if err := e.store.Create(ctx, ex); err != nil {
		var dup *execution.DuplicateError
		if errors.As(err, &dup) {
			e.logger.Info("duplicate start absorbed",
				slog.String("workflow_id", workflowID),
				slog.String("idempotency_key", idempotencyKey),
				slog.String("existing_id", dup.ExistingID.String()),
			)
			existing, loadErr := e.store.Load(ctx, dup.ExistingID)
			return existing, false, loadErr
		}
		return nil, false, err
	}

	e.logger.Info("execution started",
		slog.String("execution_id", ex.ID.String()),
		slog.String("workflow_id", workflowID),
	)
	e.hooks.EmitExecutionStarted(ctx, ex)
	return ex, true, nil
}

// Start instantiates the workflow as a new execution and advances it
// until it finishes or suspends. Duplicate starts — same non-empty
// idempotency key — return the existing execution instead of creating a
// second one.
func (e *Engine) Start(ctx context.Context, workflowID string, initial map[string]any, idempotencyKey string) (*execution.Execution, error) {
	ex, created, err := e.Create(ctx, workflowID, initial, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !created {
		return ex, nil
	}

	def, err := e.defs.Get(workflowID)
	if err != nil {
		return ex, err
	}
	if err := e.advance(ctx, ex, def); err != nil {
		return ex, err
	}
	return ex, nil
}

// Resume re-walks an execution from its persisted state. Used by crash
// recovery for executions left in running state.
func (e *Engine) Resume(ctx context.Context, execID id.ExecutionID) error {
	ex, err := e.store.Load(ctx, execID)
	if err != nil {
		return err
	}
	if ex.Status != execution.StatusRunning {
		return fmt.Errorf("engine: execution %s is %s, not running", execID, ex.Status)
	}
	def, err := e.defs.Get(ex.WorkflowID)
	if err != nil {
		return err
	}
	return e.advance(ctx, ex, def)
}

// ResumeForTrigger wakes the waiting execution with the trigger's
// payload: the wait node completes with the payload as its output and
// the walk continues past it. Fails with ErrNotWaiting when the
// execution is no longer suspended.
func (e *Engine) ResumeForTrigger(ctx context.Context, execID id.ExecutionID, payload json.RawMessage) (*execution.Execution, error) {
	ex, err := e.store.Load(ctx, execID)
	if err != nil {
		return nil, err
	}
	if ex.Status != execution.StatusWaiting || ex.Wait == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotWaiting, execID, ex.Status)
	}

	wait := *ex.Wait

	// The completion record makes the trigger payload replayable: after
	// a crash the wait node is skipped and its output recovered from
	// history like any other step.
	rec := execution.StepRecord{
		ID:        id.NewStepRecordID(),
		StepID:    wait.StepID,
		Attempt:   ex.Attempts(wait.StepID) + 1,
		Output:    payload,
		StartedAt: time.Now().UTC(),
		EndedAt:   time.Now().UTC(),
	}
	// Version conflicts here race against the timeout sweep: re-check
	// the status before retrying so a wait that just timed out is not
	// resurrected.
	for {
		err := e.store.AppendStepRecord(ctx, ex.ID, rec, ex.Version)
		if err == nil {
			ex.Version++
			ex.History = append(ex.History, rec)
			break
		}
		if !errors.Is(err, execution.ErrConcurrentModification) {
			return nil, err
		}
		fresh, loadErr := e.store.Load(ctx, ex.ID)
		if loadErr != nil {
			return nil, loadErr
		}
		if fresh.Status != execution.StatusWaiting {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotWaiting, execID, fresh.Status)
		}
		ex.Version = fresh.Version
	}

	if wait.OutputKey != "" {
		v, decodeErr := decodeOutput(payload)
		if decodeErr != nil {
			return nil, fmt.Errorf("decode trigger payload for %s: %w", wait.StepID, decodeErr)
		}
		ex.Context[wait.OutputKey] = v
	}
	ex.Status = execution.StatusRunning
	ex.Wait = nil
	if err := e.saveState(ctx, ex); err != nil {
		return nil, err
	}

	e.logger.Info("execution resumed",
		slog.String("execution_id", ex.ID.String()),
		slog.String("step_id", wait.StepID),
		slog.String("correlation_key", wait.CorrelationKey),
	)
	e.hooks.EmitExecutionResumed(ctx, ex)

	def, err := e.defs.Get(ex.WorkflowID)
	if err != nil {
		return nil, err
	}
	if err := e.advance(ctx, ex, def); err != nil {
		return ex, err
	}
	return ex, nil
}

// Cancel terminally fails a running or waiting execution with the given
// reason. Cancelling an execution that already reached a terminal
// status is an error.
func (e *Engine) Cancel(ctx context.Context, execID id.ExecutionID, reason string) error {
	ex, err := e.store.Load(ctx, execID)
	if err != nil {
		return err
	}
	if !ex.Status.CanTransition(execution.StatusFailed) {
		return fmt.Errorf("engine: cannot cancel execution %s in status %s", execID, ex.Status)
	}
	if reason == "" {
		reason = "cancelled"
	}

	now := time.Now().UTC()
	ex.Status = execution.StatusFailed
	ex.Error = reason
	ex.Wait = nil
	ex.CompletedAt = &now
	if err := e.saveState(ctx, ex); err != nil {
		return err
	}

	e.logger.Info("execution cancelled",
		slog.String("execution_id", ex.ID.String()),
		slog.String("reason", reason),
	)
	e.hooks.EmitExecutionFailed(ctx, ex, errors.New(reason))
	return nil
}

// SweepExpiredWaits transitions every waiting execution whose deadline
// passed to timed out. The version check makes the transition
// exactly-once: an execution resumed between the scan and the write is
// skipped, not clobbered. Returns the number of executions timed out.
func (e *Engine) SweepExpiredWaits(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.store.ExpiredWaits(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, ex := range expired {
		stepID := ex.Wait.StepID
		completedAt := now
		ex.Status = execution.StatusTimedOut
		ex.Error = fmt.Sprintf("wait %s expired before a matching trigger arrived", stepID)
		ex.Wait = nil
		ex.CompletedAt = &completedAt

		if err := e.store.UpdateState(ctx, ex, ex.Version); err != nil {
			if errors.Is(err, execution.ErrConcurrentModification) {
				// A trigger resumed it first. The resume wins.
				continue
			}
			return swept, err
		}

		swept++
		e.logger.Warn("execution timed out waiting for trigger",
			slog.String("execution_id", ex.ID.String()),
			slog.String("step_id", stepID),
		)
		e.hooks.EmitExecutionTimedOut(ctx, ex)
	}
	return swept, nil
}

// RecoverInterrupted advances every execution left in running state, in
// start order. Called once at startup so work interrupted by a crash or
// shutdown picks up where its history ends.
func (e *Engine) RecoverInterrupted(ctx context.Context) error {
	running, err := e.store.ListByStatus(ctx, execution.StatusRunning, execution.ListOpts{})
	if err != nil {
		return err
	}

	for _, ex := range running {
		def, defErr := e.defs.Get(ex.WorkflowID)
		if defErr != nil {
			e.logger.Warn("cannot recover execution: workflow not registered",
				slog.String("execution_id", ex.ID.String()),
				slog.String("workflow_id", ex.WorkflowID),
			)
			continue
		}
		e.logger.Info("recovering interrupted execution",
			slog.String("execution_id", ex.ID.String()),
			slog.String("workflow_id", ex.WorkflowID),
		)
		if advErr := e.advance(ctx, ex, def); advErr != nil {
			e.logger.Error("recovery advance failed",
				slog.String("execution_id", ex.ID.String()),
				slog.String("error", advErr.Error()),
			)
		}
	}
	return nil
}

// Get loads an execution by id.
func (e *Engine) Get(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	return e.store.Load(ctx, execID)
}

// List returns executions in the given status, oldest first.
func (e *Engine) List(ctx context.Context, status execution.Status, opts execution.ListOpts) ([]*execution.Execution, error) {
	return e.store.ListByStatus(ctx, status, opts)
}

// ──────────────────────────────────────────────────
// Persistence helpers
// ──────────────────────────────────────────────────

// saveState persists the execution's state with its current version,
// reloading and retrying on version conflicts. The retry aborts if the
// execution reached a terminal status in the meantime — the other
// writer's transition wins.
func (e *Engine) saveState(ctx context.Context, ex *execution.Execution) error {
	for {
		err := e.store.UpdateState(ctx, ex, ex.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, execution.ErrConcurrentModification) {
			return err
		}
		fresh, loadErr := e.store.Load(ctx, ex.ID)
		if loadErr != nil {
			return loadErr
		}
		if fresh.Status.Terminal() {
			return fmt.Errorf("engine: execution %s already %s", ex.ID, fresh.Status)
		}
		ex.Version = fresh.Version
	}
}

// appendRecord persists rec against the execution's current version,
// reloading and retrying on conflicts.
func (e *Engine) appendRecord(ctx context.Context, ex *execution.Execution, rec execution.StepRecord) error {
	for {
		err := e.store.AppendStepRecord(ctx, ex.ID, rec, ex.Version)
		if err == nil {
			ex.Version++
			ex.History = append(ex.History, rec)
			return nil
		}
		if !errors.Is(err, execution.ErrConcurrentModification) {
			return err
		}
		fresh, loadErr := e.store.Load(ctx, ex.ID)
		if loadErr != nil {
			return loadErr
		}
		ex.Version = fresh.Version
	}
}
