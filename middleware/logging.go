package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/loom/task"
)

// Logging returns middleware that logs the start and outcome of each
// task attempt.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *task.Invocation, next Handler) ([]byte, error) {
		logger.Info("task attempt started",
			slog.String("task", inv.Task),
			slog.String("step_id", inv.StepID),
			slog.String("execution_id", inv.ExecutionID.String()),
			slog.Int("attempt", inv.Attempt),
		)

		start := time.Now()
		out, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("task attempt failed",
				slog.String("task", inv.Task),
				slog.String("step_id", inv.StepID),
				slog.String("execution_id", inv.ExecutionID.String()),
				slog.Int("attempt", inv.Attempt),
				slog.String("kind", task.KindOf(err)),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("task attempt completed",
				slog.String("task", inv.Task),
				slog.String("step_id", inv.StepID),
				slog.String("execution_id", inv.ExecutionID.String()),
				slog.Int("attempt", inv.Attempt),
				slog.Duration("elapsed", elapsed),
			)
		}

		return out, err
	}
}
