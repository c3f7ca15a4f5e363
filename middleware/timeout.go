package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conduct/action"
	"github.com/xraph/conduct/execution"
)

// Timeout returns middleware that enforces a per-step execution deadline.
// With a non-zero duration, a context.WithTimeout wraps the handler call.
// When the deadline is exceeded the context is cancelled and the handler
// should return context.DeadlineExceeded. This bounds synchronous
// executor calls only; awaiting steps carry their own TimeoutAt deadline
// enforced by the sweep.
func Timeout(logger *slog.Logger, d time.Duration) Middleware {
	return func(ctx context.Context, step *execution.Step, next Handler) (*action.Result, error) {
		if d > 0 {
			logger.Debug("step deadline set",
				slog.String("step_id", step.StepID),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
