package middleware

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/loomworks/loom/task"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to terminal task errors and logged with a stack
// trace, since a panicking handler is a bug and retrying cannot fix it.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *task.Invocation, next Handler) (out []byte, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("task handler panicked",
					slog.String("task", inv.Task),
					slog.String("step_id", inv.StepID),
					slog.String("execution_id", inv.ExecutionID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				out = nil
				retErr = task.Errorf(task.KindTerminal, "panic in task %s: %v", inv.Task, r)
			}
		}()
		return next(ctx)
	}
}
