package middleware

import (
	"context"

	"github.com/loomworks/loom/task"
)

// Timeout returns middleware that enforces a per-attempt execution
// deadline. If the invocation has a non-zero Timeout, a
// context.WithTimeout wraps the handler call. When the deadline is
// exceeded the context is cancelled and the handler's error classifies
// as a timeout kind.
func Timeout() Middleware {
	return func(ctx context.Context, inv *task.Invocation, next Handler) ([]byte, error) {
		if inv.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
