package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/hook"
	"github.com/loomworks/loom/id"
)

// Runner is the slice of the engine the gateway drives. Satisfied by
// *engine.Engine.
type Runner interface {
	ResumeForTrigger(ctx context.Context, execID id.ExecutionID, payload json.RawMessage) (*execution.Execution, error)
	Create(ctx context.Context, workflowID string, initial map[string]any, idempotencyKey string) (*execution.Execution, bool, error)
	Resume(ctx context.Context, execID id.ExecutionID) error
}

// Submitter hands execution work to the worker pool. Satisfied by
// *worker.Pool.
type Submitter interface {
	Submit(ctx context.Context, fn func(context.Context)) error
}

// Gateway matches incoming triggers against waiting executions first,
// then against registered start rules. Dispatch never fails upstream:
// whatever goes wrong, the event source gets a Result, and strays are
// logged and ignored so at-least-once delivery stays cheap to provide.
type Gateway struct {
	store  execution.Store
	runner Runner
	pool   Submitter
	hooks  *hook.Registry
	logger *slog.Logger

	mu    sync.RWMutex
	rules []StartRule
}

// NewGateway creates a Gateway.
func NewGateway(
	store execution.Store,
	runner Runner,
	pool Submitter,
	hooks *hook.Registry,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		store:  store,
		runner: runner,
		pool:   pool,
		hooks:  hooks,
		logger: logger,
	}
}

// RegisterStart adds a start rule. Rules are matched in registration
// order; the first match wins.
func (g *Gateway) RegisterStart(rule StartRule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(g.rules, rule)
}

// Dispatch routes one trigger. Resume matching runs first: an execution
// waiting on the exact correlation key wins over any start rule. The
// actual execution work runs on the worker pool; Dispatch returns as
// soon as the trigger is matched and submitted.
func (g *Gateway) Dispatch(ctx context.Context, trg Trigger) Result {
	if trg.CorrelationKey != "" {
		if waiting, err := g.store.FindWaiting(ctx, trg.CorrelationKey); err == nil {
			return g.submitResume(ctx, trg, waiting)
		} else if !errors.Is(err, execution.ErrNotFound) {
			return g.ignore(ctx, trg, fmt.Sprintf("waiting lookup failed: %v", err))
		}
	}

	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	for _, rule := range rules {
		if rule.Matches(trg) {
			return g.submitStart(ctx, trg, rule)
		}
	}

	return g.ignore(ctx, trg, "no waiting execution and no start rule matched")
}

func (g *Gateway) submitResume(ctx context.Context, trg Trigger, waiting *execution.Execution) Result {
	execID := waiting.ID
	err := g.pool.Submit(ctx, func(ctx context.Context) {
		if _, resumeErr := g.runner.ResumeForTrigger(ctx, execID, trg.Payload); resumeErr != nil {
			// Losing the race against the timeout sweep or a duplicate
			// delivery is expected under at-least-once delivery.
			g.logger.Info("trigger resume not applied",
				slog.String("execution_id", execID.String()),
				slog.String("correlation_key", trg.CorrelationKey),
				slog.String("error", resumeErr.Error()),
			)
		}
	})
	if err != nil {
		return g.ignore(ctx, trg, fmt.Sprintf("submit resume: %v", err))
	}

	g.logger.Info("trigger resumed execution",
		slog.String("kind", string(trg.Kind)),
		slog.String("correlation_key", trg.CorrelationKey),
		slog.String("execution_id", execID.String()),
	)
	return Result{Outcome: OutcomeResumed, ExecutionID: execID}
}

// submitStart creates the execution synchronously, so the caller gets
// its id and a redelivered event resolves to the id of the execution
// the first delivery started. Only the advancement walk runs on the
// pool.
func (g *Gateway) submitStart(ctx context.Context, trg Trigger, rule StartRule) Result {
	initial := initialContext(trg)
	// The correlation key doubles as the idempotency key, so redelivery
	// of the same event cannot start a second execution. A keyless
	// event carries no identity to dedupe on; each one starts fresh.
	var idemKey string
	if trg.CorrelationKey != "" {
		idemKey = fmt.Sprintf("%s:%s", trg.Kind, trg.CorrelationKey)
	}

	ex, created, err := g.runner.Create(ctx, rule.WorkflowID, initial, idemKey)
	if err != nil {
		return g.ignore(ctx, trg, fmt.Sprintf("create execution: %v", err))
	}

	if created {
		execID := ex.ID
		if err := g.pool.Submit(ctx, func(ctx context.Context) {
			if advErr := g.runner.Resume(ctx, execID); advErr != nil {
				g.logger.Error("trigger start advance failed",
					slog.String("execution_id", execID.String()),
					slog.String("workflow_id", rule.WorkflowID),
					slog.String("error", advErr.Error()),
				)
			}
		}); err != nil {
			// The execution is already durable; the restart recovery
			// sweep picks it up if no worker ever advances it.
			g.logger.Warn("trigger start not submitted",
				slog.String("execution_id", execID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	g.logger.Info("trigger starting workflow",
		slog.String("kind", string(trg.Kind)),
		slog.String("correlation_key", trg.CorrelationKey),
		slog.String("workflow_id", rule.WorkflowID),
		slog.String("execution_id", ex.ID.String()),
	)
	return Result{Outcome: OutcomeStarted, ExecutionID: ex.ID, WorkflowID: rule.WorkflowID}
}

func (g *Gateway) ignore(ctx context.Context, trg Trigger, reason string) Result {
	g.logger.Info("trigger ignored",
		slog.String("kind", string(trg.Kind)),
		slog.String("correlation_key", trg.CorrelationKey),
		slog.String("reason", reason),
	)
	g.hooks.EmitTriggerIgnored(ctx, string(trg.Kind), trg.CorrelationKey, reason)
	return Result{Outcome: OutcomeIgnored, Reason: reason}
}

// initialContext builds the started execution's initial context from
// the trigger. An object payload becomes the context itself; anything
// else lands under the "trigger" key. The correlation key is always
// available to the workflow.
func initialContext(trg Trigger) map[string]any {
	initial := make(map[string]any)
	if len(trg.Payload) > 0 {
		var v any
		if err := json.Unmarshal(trg.Payload, &v); err == nil {
			if obj, ok := v.(map[string]any); ok {
				initial = obj
			} else {
				initial["trigger"] = v
			}
		}
	}
	initial["correlation_key"] = trg.CorrelationKey
	return initial
}
