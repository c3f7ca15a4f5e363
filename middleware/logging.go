package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conduct/action"
	"github.com/xraph/conduct/execution"
)

// Logging returns middleware that logs step start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, step *execution.Step, next Handler) (*action.Result, error) {
		logger.Info("step started",
			slog.String("step_id", step.StepID),
			slog.String("action_type", step.ActionType),
			slog.String("execution_id", step.ExecutionID.String()),
		)

		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start)

		switch {
		case err != nil:
			logger.Error("step failed",
				slog.String("step_id", step.StepID),
				slog.String("action_type", step.ActionType),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		case res != nil && res.AwaitingEvent:
			logger.Info("step awaiting external event",
				slog.String("step_id", step.StepID),
				slog.String("external_workflow_id", res.ExternalWorkflowID),
				slog.Duration("elapsed", elapsed),
			)
		default:
			logger.Info("step completed",
				slog.String("step_id", step.StepID),
				slog.String("action_type", step.ActionType),
				slog.Duration("elapsed", elapsed),
			)
		}

		return res, err
	}
}
