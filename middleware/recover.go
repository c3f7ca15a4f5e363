package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/conduct/action"
	"github.com/xraph/conduct/execution"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, step *execution.Step, next Handler) (res *action.Result, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("step executor panicked",
					slog.String("step_id", step.StepID),
					slog.String("action_type", step.ActionType),
					slog.String("step_record_id", step.ID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				res = nil
				retErr = fmt.Errorf("panic in step %s: %v", step.StepID, r)
			}
		}()
		return next(ctx)
	}
}
