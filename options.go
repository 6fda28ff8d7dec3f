package loom

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/hook"
	"github.com/loomworks/loom/middleware"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// WithStore sets the persistence backend. Required.
func WithStore(s execution.Store) Option {
	return func(o *Orchestrator) error {
		o.store = s
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = l
		return nil
	}
}

// WithConcurrency sets the maximum number of concurrently advancing
// executions.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) error {
		o.config.Concurrency = n
		return nil
	}
}

// WithQueueDepth sets the worker pool's queue capacity.
func WithQueueDepth(n int) Option {
	return func(o *Orchestrator) error {
		o.config.QueueDepth = n
		return nil
	}
}

// WithSweepInterval sets how often expired waits are timed out.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.SweepInterval = d
		return nil
	}
}

// WithTimerTick sets the timer source's tick interval.
func WithTimerTick(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.TimerTick = d
		return nil
	}
}

// WithShutdownTimeout sets the graceful shutdown budget.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.ShutdownTimeout = d
		return nil
	}
}

// WithRateLimit caps how fast workers pick up new executions.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(o *Orchestrator) error {
		o.rateLimit = r
		o.rateBurst = burst
		return nil
	}
}

// WithMiddleware appends task middleware inside the built-in stack
// (recovery, tracing, metrics, logging, timeout).
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *Orchestrator) error {
		o.extraMW = append(o.extraMW, mws...)
		return nil
	}
}

// WithHook registers a lifecycle hook.
func WithHook(h hook.Hook) Option {
	return func(o *Orchestrator) error {
		o.pendingHooks = append(o.pendingHooks, h)
		return nil
	}
}
