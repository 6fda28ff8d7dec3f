package loom

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/engine"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/hook"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/task"
	"github.com/loomworks/loom/trigger"
	"github.com/loomworks/loom/worker"
)

// Orchestrator is the central coordinator: it owns the task and
// workflow registries, the worker pool, the engine, the trigger
// gateway, and the timer source, and wires them together.
//
// Create one with New and functional options, register tasks and
// workflows, then call Start. Registration after Start is not
// supported.
type Orchestrator struct {
	config Config
	logger *slog.Logger
	store  execution.Store

	// collected by options, consumed by New
	rateLimit    rate.Limit
	rateBurst    int
	extraMW      []middleware.Middleware
	pendingHooks []hook.Hook

	tasks   *task.Registry
	defs    *definition.Registry
	hooks   *hook.Registry
	engine  *engine.Engine
	pool    *worker.Pool
	gateway *trigger.Gateway
	timer   *trigger.TimerSource

	mu        sync.Mutex
	started   bool
	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
}

// New creates an Orchestrator. A store is required; everything else
// defaults.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.store == nil {
		return nil, ErrNoStore
	}

	o.tasks = task.NewRegistry()
	o.defs = definition.NewRegistry()
	o.hooks = hook.NewRegistry(o.logger)
	for _, h := range o.pendingHooks {
		o.hooks.Register(h)
	}

	// Recovery outermost so a panic anywhere in the stack still lands
	// as a terminal task error; timeout innermost so the deadline
	// covers only the handler itself.
	mws := []middleware.Middleware{
		middleware.Recover(o.logger),
		middleware.Tracing(),
		middleware.Metrics(),
		middleware.Logging(o.logger),
	}
	mws = append(mws, o.extraMW...)
	mws = append(mws, middleware.Timeout())

	executor := worker.NewExecutor(o.tasks, o.store, o.logger, mws...)
	o.engine = engine.New(o.defs, o.store, executor, o.hooks, o.logger)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(o.config.Concurrency),
		worker.WithQueueDepth(o.config.QueueDepth),
	}
	if o.rateLimit > 0 {
		poolOpts = append(poolOpts, worker.WithRateLimit(o.rateLimit, o.rateBurst))
	}
	o.pool = worker.NewPool(o.logger, poolOpts...)

	o.gateway = trigger.NewGateway(o.store, o.engine, o.pool, o.hooks, o.logger)
	o.timer = trigger.NewTimerSource(o.gateway, o.logger,
		trigger.WithTickInterval(o.config.TimerTick),
	)

	return o, nil
}

// Tasks returns the task registry. Register handlers before Start.
func (o *Orchestrator) Tasks() *task.Registry { return o.tasks }

// RegisterTask registers a typed task definition on the orchestrator's
// task registry.
func RegisterTask[T, R any](o *Orchestrator, def *task.Definition[T, R]) {
	task.RegisterDefinition(o.tasks, def)
}

// Hooks returns the lifecycle hook registry.
func (o *Orchestrator) Hooks() *hook.Registry { return o.hooks }

// LoadWorkflow parses, validates, and registers a workflow definition
// document. Task references are checked against the task registry, so
// register handlers first.
func (o *Orchestrator) LoadWorkflow(data []byte) (*definition.Definition, error) {
	return o.defs.Load(data, o.tasks)
}

// RegisterWorkflow validates and registers an already-built definition.
func (o *Orchestrator) RegisterWorkflow(def *definition.Definition) error {
	return o.defs.Register(def, o.tasks)
}

// RegisterStart binds a trigger pattern to a workflow start.
func (o *Orchestrator) RegisterStart(rule trigger.StartRule) {
	o.gateway.RegisterStart(rule)
}

// AddSchedule registers a named cron schedule on the timer source.
func (o *Orchestrator) AddSchedule(name, expr string) error {
	return o.timer.AddSchedule(name, expr)
}

// Dispatch routes one external trigger through the gateway.
func (o *Orchestrator) Dispatch(ctx context.Context, trg trigger.Trigger) trigger.Result {
	return o.gateway.Dispatch(ctx, trg)
}

// StartWorkflow starts an execution of the named workflow and runs it
// until it finishes or suspends. An empty idempotency key disables
// duplicate-start absorption.
func (o *Orchestrator) StartWorkflow(ctx context.Context, workflowID string, initial map[string]any, idempotencyKey string) (*execution.Execution, error) {
	return o.engine.Start(ctx, workflowID, initial, idempotencyKey)
}

// Cancel fails a non-terminal execution with the given reason.
func (o *Orchestrator) Cancel(ctx context.Context, execID id.ExecutionID, reason string) error {
	return o.engine.Cancel(ctx, execID, reason)
}

// Get loads one execution.
func (o *Orchestrator) Get(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	return o.engine.Get(ctx, execID)
}

// List returns executions with the given status.
func (o *Orchestrator) List(ctx context.Context, status execution.Status, opts execution.ListOpts) ([]*execution.Execution, error) {
	return o.engine.List(ctx, status, opts)
}

// Start brings up the worker pool, the timer source, and the wait
// sweeper, then re-drives executions left running by a previous
// process. It returns once everything is launched.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return ErrAlreadyStarted
	}

	if err := o.pool.Start(ctx); err != nil {
		return err
	}
	if err := o.timer.Start(ctx); err != nil {
		return err
	}

	o.stopSweep = make(chan struct{})
	o.sweepWG.Add(1)
	go o.sweepLoop()

	// Crash recovery replays interrupted executions; completed steps
	// are skipped via their persisted records.
	o.sweepWG.Add(1)
	go func() {
		defer o.sweepWG.Done()
		if err := o.engine.RecoverInterrupted(context.Background()); err != nil {
			o.logger.Error("crash recovery failed", slog.String("error", err.Error()))
		}
	}()

	o.started = true
	o.logger.Info("orchestrator started",
		slog.Int("concurrency", o.config.Concurrency),
		slog.Duration("sweep_interval", o.config.SweepInterval),
	)
	return nil
}

// Stop shuts everything down: the timer stops firing, the sweeper
// stops, and the pool drains in-flight work within the shutdown
// budget. Hooks get a final Shutdown notification.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return ErrNotStarted
	}
	o.started = false
	o.mu.Unlock()

	if err := o.timer.Stop(ctx); err != nil {
		o.logger.Error("timer stop error", slog.String("error", err.Error()))
	}

	close(o.stopSweep)
	o.sweepWG.Wait()

	stopCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, o.config.ShutdownTimeout)
		defer cancel()
	}
	if err := o.pool.Stop(stopCtx); err != nil {
		o.logger.Error("pool stop error", slog.String("error", err.Error()))
	}

	o.hooks.EmitShutdown(ctx)
	o.logger.Info("orchestrator stopped")
	return nil
}

func (o *Orchestrator) sweepLoop() {
	defer o.sweepWG.Done()

	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopSweep:
			return
		case <-ticker.C:
			n, err := o.engine.SweepExpiredWaits(context.Background(), time.Now().UTC())
			if err != nil {
				o.logger.Error("wait sweep failed", slog.String("error", err.Error()))
			} else if n > 0 {
				o.logger.Info("wait sweep timed out executions", slog.Int("count", n))
			}
		}
	}
}
