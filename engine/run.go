package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

// errSuspended signals that the walk parked the execution at a wait
// node. Not a failure: the caller just stops advancing.
var errSuspended = errors.New("engine: execution suspended")

// stepError carries the id of the step whose terminal failure fails the
// execution.
type stepError struct {
	stepID string
	err    error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

// advance walks the definition from the top, skipping steps whose
// successful records are already in history, and settles the
// execution's final status. Store-level failures leave the execution
// running so the recovery sweep retries it later.
func (e *Engine) advance(ctx context.Context, ex *execution.Execution, def *definition.Definition) error {
	err := e.runSequence(ctx, ex, def.Steps)

	switch {
	case err == nil:
		return e.markSucceeded(ctx, ex)
	case errors.Is(err, errSuspended):
		return nil
	default:
		var se *stepError
		if errors.As(err, &se) {
			return e.markFailed(ctx, ex, se)
		}
		e.logger.Error("advance interrupted, execution stays running",
			slog.String("execution_id", ex.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
}

func (e *Engine) runSequence(ctx context.Context, ex *execution.Execution, steps []definition.Step) error {
	for i := range steps {
		step := steps[i]
		var err error
		switch step.Kind {
		case definition.KindTask:
			err = e.runTask(ctx, ex, step)
		case definition.KindParallel:
			err = e.runParallel(ctx, ex, step)
		case definition.KindChoice:
			err = e.runChoice(ctx, ex, step)
		case definition.KindWait:
			err = e.runWait(ctx, ex, step)
		default:
			err = &stepError{stepID: step.ID, err: fmt.Errorf("unknown step kind %q", step.Kind)}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// runTask executes one task step, or replays its recorded output when
// history already shows it succeeded.
func (e *Engine) runTask(ctx context.Context, ex *execution.Execution, step definition.Step) error {
	if ex.StepSucceeded(step.ID) {
		return e.recoverOutput(ex, step.ID, step.OutputKey)
	}

	input, err := mapInput(ex.Context, step.Input)
	if err != nil {
		return &stepError{stepID: step.ID, err: err}
	}

	start := time.Now()
	out, runErr := e.executor.Run(ctx, ex, step, input)
	if runErr != nil {
		if ctx.Err() != nil {
			// Interrupted, not failed: recovery re-attempts the step.
			return runErr
		}
		e.hooks.EmitStepFailed(ctx, ex, step.ID, runErr)
		return &stepError{stepID: step.ID, err: runErr}
	}

	v, decodeErr := decodeOutput(out)
	if decodeErr != nil {
		return &stepError{stepID: step.ID, err: fmt.Errorf("decode output of task %s: %w", step.Task, decodeErr)}
	}
	ex.Context[step.OutputKey] = v

	e.hooks.EmitStepCompleted(ctx, ex, step.ID, time.Since(start))
	return nil
}

// runParallel executes every branch concurrently against its own copy
// of the execution, then joins their outputs back into the shared
// context. A failing branch fails the step, but only after every
// sibling has run to completion — their finished work stays in history
// and is never repeated.
func (e *Engine) runParallel(ctx context.Context, ex *execution.Execution, step definition.Step) error {
	base := maps.Clone(ex.Context)
	clones := make([]*execution.Execution, len(step.Branches))

	var g errgroup.Group
	for i := range step.Branches {
		branch := step.Branches[i]
		clones[i] = cloneForBranch(ex)
		cl := clones[i]
		g.Go(func() error {
			return e.runSequence(ctx, cl, branch)
		})
	}
	err := g.Wait()

	// Reload the authoritative history: every branch appended records
	// under its own version counter.
	fresh, loadErr := e.store.Load(ctx, ex.ID)
	if loadErr != nil {
		return loadErr
	}
	ex.History = fresh.History
	ex.Version = fresh.Version

	// Join: branches only add new output keys, so merging is collecting
	// the keys absent from the pre-fork snapshot. A failed fork keeps
	// sibling results in history only; their outputs never reach the
	// context.
	if err == nil {
		for _, cl := range clones {
			for k, v := range cl.Context {
				if _, existed := base[k]; !existed {
					ex.Context[k] = v
				}
			}
		}
	}

	return err
}

// runChoice evaluates the step's condition against the current context
// and runs the chosen branch. The decision itself is recorded in
// history, so a replay follows the branch taken originally even if the
// context would now evaluate differently.
func (e *Engine) runChoice(ctx context.Context, ex *execution.Execution, step definition.Step) error {
	var branch string
	if rec := ex.LastRecord(step.ID); rec != nil && rec.Error == "" {
		var decision struct {
			Branch string `json:"branch"`
		}
		if err := json.Unmarshal(rec.Output, &decision); err != nil {
			return &stepError{stepID: step.ID, err: fmt.Errorf("decode recorded decision: %w", err)}
		}
		branch = decision.Branch
	} else {
		matched, err := step.When.Evaluate(ex.Context)
		if err != nil {
			return &stepError{stepID: step.ID, err: err}
		}
		branch = "else"
		if matched {
			branch = "then"
		}

		now := time.Now().UTC()
		dec := execution.StepRecord{
			ID:        id.NewStepRecordID(),
			StepID:    step.ID,
			Attempt:   ex.Attempts(step.ID) + 1,
			Output:    json.RawMessage(fmt.Sprintf(`{"branch":%q}`, branch)),
			StartedAt: now,
			EndedAt:   now,
		}
		if err := e.appendRecord(ctx, ex, dec); err != nil {
			return err
		}
	}

	if branch == "then" {
		return e.runSequence(ctx, ex, step.Then)
	}
	return e.runSequence(ctx, ex, step.Else)
}

// runWait parks the execution at the wait node: persists the wait state
// with its correlation key and deadline, then stops the walk. A wait
// the history already shows completed — a trigger arrived before a
// crash-replay got here — is skipped like any succeeded step.
func (e *Engine) runWait(ctx context.Context, ex *execution.Execution, step definition.Step) error {
	if ex.StepSucceeded(step.ID) {
		return e.recoverOutput(ex, step.ID, step.OutputKey)
	}

	key := step.CorrelationKey
	if step.CorrelationFrom != "" {
		v, ok := ex.Context[step.CorrelationFrom]
		if !ok {
			return &stepError{stepID: step.ID, err: fmt.Errorf("correlation variable %q not in context", step.CorrelationFrom)}
		}
		key = fmt.Sprintf("%v", v)
	}

	ex.Status = execution.StatusWaiting
	ex.Wait = &execution.WaitState{
		StepID:         step.ID,
		CorrelationKey: key,
		OutputKey:      step.OutputKey,
		Deadline:       time.Now().UTC().Add(step.Timeout.Std()),
	}
	if err := e.saveState(ctx, ex); err != nil {
		return err
	}

	e.logger.Info("execution waiting for trigger",
		slog.String("execution_id", ex.ID.String()),
		slog.String("step_id", step.ID),
		slog.String("correlation_key", key),
		slog.Time("deadline", ex.Wait.Deadline),
	)
	e.hooks.EmitExecutionSuspended(ctx, ex)
	return errSuspended
}

// recoverOutput restores a replayed step's output into the context from
// its history record, covering the crash window between record append
// and the next state save.
func (e *Engine) recoverOutput(ex *execution.Execution, stepID, outputKey string) error {
	if outputKey == "" {
		return nil
	}
	if _, ok := ex.Context[outputKey]; ok {
		return nil
	}
	rec := ex.LastRecord(stepID)
	if rec == nil {
		return nil
	}
	v, err := decodeOutput(rec.Output)
	if err != nil {
		return &stepError{stepID: stepID, err: fmt.Errorf("recover recorded output: %w", err)}
	}
	ex.Context[outputKey] = v
	return nil
}

func (e *Engine) markSucceeded(ctx context.Context, ex *execution.Execution) error {
	now := time.Now().UTC()
	ex.Status = execution.StatusSucceeded
	ex.Wait = nil
	ex.CompletedAt = &now
	if err := e.saveState(ctx, ex); err != nil {
		return err
	}

	e.logger.Info("execution succeeded",
		slog.String("execution_id", ex.ID.String()),
		slog.String("workflow_id", ex.WorkflowID),
		slog.Duration("elapsed", now.Sub(ex.StartedAt)),
	)
	e.hooks.EmitExecutionSucceeded(ctx, ex, now.Sub(ex.StartedAt))
	return nil
}

func (e *Engine) markFailed(ctx context.Context, ex *execution.Execution, se *stepError) error {
	now := time.Now().UTC()
	ex.Status = execution.StatusFailed
	ex.FailedStep = se.stepID
	ex.Error = se.err.Error()
	ex.Wait = nil
	ex.CompletedAt = &now
	if err := e.saveState(ctx, ex); err != nil {
		return err
	}

	e.logger.Warn("execution failed",
		slog.String("execution_id", ex.ID.String()),
		slog.String("workflow_id", ex.WorkflowID),
		slog.String("failed_step", se.stepID),
		slog.String("error", se.err.Error()),
	)
	e.hooks.EmitExecutionFailed(ctx, ex, se.err)
	return nil
}

// mapInput builds a task's input document from the context. An empty
// mapping passes the whole context snapshot; otherwise each parameter
// is filled from the named context variable.
func mapInput(ctx map[string]any, mapping map[string]string) (json.RawMessage, error) {
	src := ctx
	if len(mapping) > 0 {
		src = make(map[string]any, len(mapping))
		for param, variable := range mapping {
			src[param] = ctx[variable]
		}
	}
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("marshal task input: %w", err)
	}
	return data, nil
}

// decodeOutput parses a task's JSON output for storage in the context.
// An empty output decodes to nil.
func decodeOutput(out json.RawMessage) (any, error) {
	if len(out) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(out, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// cloneForBranch copies the execution deeply enough that a branch can
// mutate its context and version without touching its siblings.
func cloneForBranch(ex *execution.Execution) *execution.Execution {
	cp := *ex
	cp.Context = maps.Clone(ex.Context)
	cp.History = slices.Clone(ex.History)
	return &cp
}
