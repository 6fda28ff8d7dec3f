// Package worker provides the step execution engine — an Executor that
// drives a single task step through retries and middleware while
// persisting one step record per attempt, and a Pool of goroutines the
// engine and trigger gateway submit execution work to.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/task"
)

// Executor runs one task step to completion: it resolves the handler,
// attempts it up to the retry budget with backoff between attempts, and
// appends an immutable step record for every attempt before looking at
// the outcome. The caller (the engine) owns input mapping and output
// merging; the executor only sees opaque JSON.
type Executor struct {
	registry *task.Registry
	store    execution.Store
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor. Middleware are applied outermost
// first around every attempt.
func NewExecutor(
	registry *task.Registry,
	store execution.Store,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Run executes the given task step against the execution. Attempts
// resume from the persisted history, so a step interrupted by a crash
// continues counting from its recorded attempts rather than starting
// over. The execution's History and Version are advanced in place as
// records land.
//
// The returned error carries the step's final classification: a
// non-retryable kind fails immediately, an exhausted retry budget fails
// with the last attempt's error.
func (e *Executor) Run(ctx context.Context, ex *execution.Execution, step definition.Step, input json.RawMessage) (json.RawMessage, error) {
	handler, opts, err := e.registry.Resolve(step.Task)
	if err != nil {
		return nil, err
	}

	policy := opts.Retry
	if step.Retry != nil {
		policy = *step.Retry
	}
	timeout := opts.Timeout
	if step.Timeout.Std() > 0 {
		timeout = step.Timeout.Std()
	}
	strat := strategyFor(policy)

	attempt := ex.Attempts(step.ID)
	var lastErr error

	for attempt < policy.MaxAttempts {
		attempt++

		if attempt > 1 {
			// Backoff counts retries, not attempts: the delay before
			// attempt N is Delay(N-1).
			if err := sleep(ctx, strat.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		inv := &task.Invocation{
			ExecutionID: ex.ID,
			StepID:      step.ID,
			Task:        step.Task,
			Attempt:     attempt,
			Timeout:     timeout,
		}

		rec := execution.StepRecord{
			ID:        id.NewStepRecordID(),
			StepID:    step.ID,
			Attempt:   attempt,
			Input:     input,
			StartedAt: time.Now().UTC(),
		}

		out, attemptErr := e.mw(ctx, inv, func(ctx context.Context) ([]byte, error) {
			return handler(ctx, input)
		})

		rec.EndedAt = time.Now().UTC()
		if attemptErr != nil {
			rec.Error = attemptErr.Error()
		} else {
			rec.Output = out
		}

		// The record is persisted before the outcome is acted on, so a
		// crash between persist and act replays as a completed attempt.
		if err := e.appendRecord(ctx, ex, rec); err != nil {
			return nil, fmt.Errorf("append step record for %s: %w", step.ID, err)
		}

		if attemptErr == nil {
			return out, nil
		}
		lastErr = attemptErr

		kind := task.KindOf(attemptErr)
		if !policy.Retryable(kind) {
			e.logger.Warn("step failed terminally",
				slog.String("execution_id", ex.ID.String()),
				slog.String("step_id", step.ID),
				slog.String("task", step.Task),
				slog.Int("attempt", attempt),
				slog.String("kind", kind),
				slog.String("error", attemptErr.Error()),
			)
			return nil, fmt.Errorf("step %s: %w", step.ID, attemptErr)
		}

		e.logger.Info("step attempt failed, will retry",
			slog.String("execution_id", ex.ID.String()),
			slog.String("step_id", step.ID),
			slog.String("task", step.Task),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.String("kind", kind),
		)
	}

	if lastErr == nil {
		// The budget was spent in a previous run: history already holds
		// MaxAttempts records, so the loop never executed. Surface the
		// last recorded failure.
		if rec := ex.LastRecord(step.ID); rec != nil && rec.Error != "" {
			lastErr = errors.New(rec.Error)
		} else {
			lastErr = errors.New("no attempts remaining")
		}
	}

	e.logger.Warn("step exhausted retry budget",
		slog.String("execution_id", ex.ID.String()),
		slog.String("step_id", step.ID),
		slog.String("task", step.Task),
		slog.Int("attempts", attempt),
	)
	return nil, fmt.Errorf("step %s: retries exhausted after %d attempts: %w", step.ID, attempt, lastErr)
}

// appendRecord persists rec with the execution's current version,
// transparently reloading and retrying when a concurrent branch has
// advanced the version first.
func (e *Executor) appendRecord(ctx context.Context, ex *execution.Execution, rec execution.StepRecord) error {
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

// strategyFor builds the backoff strategy a retry policy describes.
func strategyFor(p task.RetryPolicy) backoff.Strategy {
	if p.BackoffBase <= 0 {
		return backoff.DefaultStrategy()
	}
	return backoff.NewExponential(p.BackoffBase, p.BackoffMultiplier, p.MaxDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
