package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/id"
	"github.com/xraph/conduct/progress"
)

// refreshAttempts bounds the re-read-and-retry loop on version
// conflicts while recomputing execution state. Three concurrent writers
// (progress path, event router, timeout sweep) can race per row.
const refreshAttempts = 5

// ApplyStepTransition validates the step's status edge against the
// state machine, writes the step under the version guard, emits the
// matching lifecycle hooks, and recomputes the owning execution's
// derived state. Hook and refresh failures never roll back the step
// write.
func (s *Service) ApplyStepTransition(ctx context.Context, step *execution.Step, expectedVersion int64) (*execution.Step, error) {
	old, err := s.GetStep(ctx, step.ID)
	if err != nil {
		return nil, err
	}
	if old.Status != step.Status && !old.Status.CanTransition(step.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", conduct.ErrInvalidTransition, old.Status, step.Status)
	}

	updated, err := s.UpdateStep(ctx, step, expectedVersion)
	if err != nil {
		return nil, err
	}

	exec, err := s.GetExecution(ctx, updated.ExecutionID)
	if err != nil {
		s.logger.Warn("step updated but execution read failed",
			slog.String("step_id", updated.ID.String()),
			slog.String("execution_id", updated.ExecutionID.String()),
			slog.String("error", err.Error()),
		)
		return updated, nil
	}

	s.emitStepHooks(ctx, exec, old, updated)

	if _, err := s.RefreshExecution(ctx, updated.ExecutionID); err != nil {
		s.logger.Warn("execution refresh failed after step transition",
			slog.String("execution_id", updated.ExecutionID.String()),
			slog.String("error", err.Error()),
		)
	}
	return updated, nil
}

// emitStepHooks derives which lifecycle events the old→new step pair
// represents and notifies the registry.
func (s *Service) emitStepHooks(ctx context.Context, exec *execution.Execution, old, updated *execution.Step) {
	if s.hooks == nil {
		return
	}

	if old.Status != execution.StatusRunning && updated.Status == execution.StatusRunning && !updated.AwaitingEvent {
		s.hooks.EmitStepStarted(ctx, exec, updated)
	}
	if !old.AwaitingEvent && updated.AwaitingEvent {
		s.hooks.EmitStepAwaiting(ctx, exec, updated)
	}

	if old.Status == updated.Status {
		return
	}
	switch updated.Status {
	case execution.StatusCompleted:
		s.hooks.EmitStepCompleted(ctx, exec, updated, stepElapsed(updated))
	case execution.StatusFailed:
		s.hooks.EmitStepFailed(ctx, exec, updated, errors.New(updated.ErrorMessage))
	case execution.StatusTimeout:
		s.hooks.EmitStepTimedOut(ctx, exec, updated)
	}
}

func stepElapsed(step *execution.Step) time.Duration {
	if step.StartedAt == nil || step.CompletedAt == nil {
		return 0
	}
	return step.CompletedAt.Sub(*step.StartedAt)
}

// RefreshExecution recomputes the execution's aggregate progress, ETA,
// and derived status from its steps, writing under the version guard
// with a bounded conflict-retry loop. Derivation: any FAILED or TIMEOUT
// step fails the execution; all steps terminal-success completes it
// with merged final outputs; otherwise it keeps running.
func (s *Service) RefreshExecution(ctx context.Context, execID id.ExecutionID) (*execution.Execution, error) {
	var lastErr error
	for range refreshAttempts {
		exec, err := s.GetExecution(ctx, execID)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return exec, nil
		}

		steps, err := s.ListSteps(ctx, execID)
		if err != nil {
			return nil, err
		}

		prevStatus := exec.Status
		prevProgress := exec.Progress
		s.deriveExecution(exec, steps)

		updated, err := s.UpdateExecution(ctx, exec, exec.Version)
		if err != nil {
			if errors.Is(err, conduct.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}

		s.emitExecutionHooks(ctx, updated, prevStatus, prevProgress)
		if updated.Status.Terminal() {
			s.tracker.Forget(updated.ID.String())
		}
		return updated, nil
	}
	return nil, fmt.Errorf("conduct/persist: refresh execution %s: %w", execID, lastErr)
}

// deriveExecution folds step state into the execution record in place.
func (s *Service) deriveExecution(exec *execution.Execution, steps []*execution.Step) {
	pct := progress.Aggregate(steps)
	exec.Progress = s.tracker.Clamp(exec.ID.String(), pct)

	if eta, ok := progress.EstimateETA(steps); ok {
		exec.ETA = &eta
	} else {
		exec.ETA = nil
	}

	var (
		failed     bool
		allSuccess = len(steps) > 0
		errMsg     string
	)
	for _, step := range steps {
		switch step.Status {
		case execution.StatusFailed, execution.StatusTimeout:
			failed = true
			if errMsg == "" {
				errMsg = stepFailureMessage(step)
			}
		}
		if !step.Status.TerminalSuccess() {
			allSuccess = false
		}
	}

	now := time.Now().UTC()
	switch {
	case failed:
		exec.Status = execution.StatusFailed
		exec.ErrorInfo = errMsg
		exec.ETA = nil
		exec.CompletedAt = &now
	case allSuccess:
		exec.Status = execution.StatusCompleted
		exec.Progress = 100
		exec.ETA = nil
		exec.CompletedAt = &now
		exec.FinalOutputs = mergeOutputs(steps)
	}
}

func stepFailureMessage(step *execution.Step) string {
	if step.ErrorMessage != "" {
		return fmt.Sprintf("step %s: %s", step.StepID, step.ErrorMessage)
	}
	if step.Status == execution.StatusTimeout {
		return fmt.Sprintf("step %s: timed out awaiting external event", step.StepID)
	}
	return fmt.Sprintf("step %s: failed", step.StepID)
}

// mergeOutputs collects step outputs keyed by step id.
func mergeOutputs(steps []*execution.Step) map[string]any {
	merged := make(map[string]any)
	for _, step := range steps {
		if len(step.Outputs) > 0 {
			merged[step.StepID] = step.Outputs
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

func (s *Service) emitExecutionHooks(ctx context.Context, exec *execution.Execution, prevStatus execution.Status, prevProgress float64) {
	if s.hooks == nil {
		return
	}

	if exec.Status == prevStatus {
		if exec.Progress != prevProgress {
			s.hooks.EmitExecutionProgress(ctx, exec, exec.Progress)
		}
		return
	}
	switch exec.Status {
	case execution.StatusCompleted:
		s.hooks.EmitExecutionCompleted(ctx, exec, executionElapsed(exec))
	case execution.StatusFailed:
		s.hooks.EmitExecutionFailed(ctx, exec, errors.New(exec.ErrorInfo))
	}
}

func executionElapsed(exec *execution.Execution) time.Duration {
	if exec.CompletedAt == nil || exec.StartedAt.IsZero() {
		return 0
	}
	return exec.CompletedAt.Sub(exec.StartedAt)
}
