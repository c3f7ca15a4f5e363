package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/action"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/id"
)

// HandleEvent routes an inbound completion or progress event to the
// unique running step awaiting the given correlation id and dispatches
// the action's OnEvent. Events with no matching awaiting step are
// dropped silently: the step already finished, timed out, or never
// existed, and redelivered events must be idempotent.
func (e *Engine) HandleEvent(ctx context.Context, externalWorkflowID string, payload map[string]any) error {
	step, err := e.persist.FindAwaitingStep(ctx, externalWorkflowID)
	if err != nil {
		if errors.Is(err, conduct.ErrStepNotFound) {
			e.logger.Debug("event matched no awaiting step, dropped",
				slog.String("external_workflow_id", externalWorkflowID),
			)
			return nil
		}
		return err
	}

	executor, err := e.actions.Executor(step.ActionType)
	if err != nil {
		e.failStep(ctx, step, err.Error(), nil, nil)
		return err
	}

	ec := &action.EventContext{
		ExecutionID:        step.ExecutionID,
		StepRecord:         step.ID,
		StepID:             step.StepID,
		ExternalWorkflowID: externalWorkflowID,
		Payload:            payload,
		Outputs:            step.Outputs,
	}

	evres, err := executor.OnEvent(ctx, ec)
	if err != nil {
		// A handler failure is a business failure of the step, not of
		// the router.
		e.failStep(ctx, step, err.Error(), nil, nil)
		return nil
	}
	if evres == nil {
		return nil
	}

	switch evres.Directive {
	case action.DirectiveIgnore:
		return nil
	case action.DirectiveUpdateProgress:
		return e.applyProgressEvent(ctx, step, evres)
	case action.DirectiveComplete:
		return e.applyCompleteEvent(ctx, step, evres)
	default:
		return fmt.Errorf("engine: step %q: unknown event directive %q", step.StepID, evres.Directive)
	}
}

// applyProgressEvent updates the awaiting step's progress and ETA while
// it keeps waiting. Conflicts mean a racing writer moved the step on;
// the stale update is dropped.
func (e *Engine) applyProgressEvent(ctx context.Context, step *execution.Step, evres *action.EventResult) error {
	cp := *step
	if evres.Progress != nil {
		cp.Progress = *evres.Progress
	}
	if evres.ETA != nil {
		cp.ETA = evres.ETA
	}

	if _, err := e.persist.ApplyStepTransition(ctx, &cp, step.Version); err != nil {
		if errors.Is(err, conduct.ErrVersionConflict) {
			e.logger.Debug("progress event lost a write race, dropped",
				slog.String("step_id", step.StepID),
			)
			return nil
		}
		return err
	}
	return nil
}

// completeAttempts bounds the re-read-and-retry loop when a completion
// write races a concurrent progress update on the same step.
const completeAttempts = 5

// applyCompleteEvent finishes the awaiting step with the terminal status
// the handler decided, then resumes the drive loop when successors may
// now be eligible. A version conflict means another writer touched the
// row between the lookup and this write; the step is re-read and, while
// it is still awaiting this correlation id, the completion is re-applied
// with the fresh version. Only a step that is no longer awaiting drops
// the directive.
func (e *Engine) applyCompleteEvent(ctx context.Context, step *execution.Step, evres *action.EventResult) error {
	if !evres.Status.Terminal() {
		return fmt.Errorf("engine: step %q: complete directive carries non-terminal status %q", step.StepID, evres.Status)
	}

	cur := step
	var lastErr error
	for range completeAttempts {
		now := time.Now().UTC()
		cp := *cur
		cp.Status = evres.Status
		cp.AwaitingEvent = false
		cp.CompletedAt = &now
		cp.Outputs = mergeParams(cur.Outputs, evres.Outputs)
		if evres.Status.TerminalSuccess() {
			cp.Progress = 100
			cp.ErrorMessage = ""
		} else if evres.Message != "" {
			cp.ErrorMessage = evres.Message
		}

		if _, err := e.persist.ApplyStepTransition(ctx, &cp, cur.Version); err != nil {
			if errors.Is(err, conduct.ErrVersionConflict) {
				lastErr = err
				reread, rerr := e.persist.GetStep(ctx, cur.ID)
				if rerr != nil {
					return rerr
				}
				if reread.AwaitingEvent && reread.Status == execution.StatusRunning &&
					reread.ExternalWorkflowID == cur.ExternalWorkflowID {
					cur = reread
					continue
				}
				e.logger.Debug("completion event superseded by another writer, dropped",
					slog.String("step_id", step.StepID),
				)
				return nil
			}
			return err
		}

		if evres.Status.TerminalSuccess() {
			e.resume(ctx, step.ExecutionID)
		}
		return nil
	}
	return fmt.Errorf("engine: step %q: apply completion event: %w", step.StepID, lastErr)
}

// RetryStep re-enters a failed or timed-out step into the state machine.
// Retries are strictly caller-driven: nothing in the engine retries a
// step on its own. An action declaring a retry budget in its metadata
// caps how often a step may be re-entered. The owning execution is
// revived to running when the failure had already made it terminal.
func (e *Engine) RetryStep(ctx context.Context, stepID id.StepID) (*execution.Step, error) {
	step, err := e.persist.GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if step.Status != execution.StatusFailed && step.Status != execution.StatusTimeout {
		return nil, fmt.Errorf("%w: retry from %s", conduct.ErrInvalidTransition, step.Status)
	}
	if meta, ok := e.actions.Meta(step.ActionType); ok && meta.MaxRetries > 0 && step.RetryCount >= meta.MaxRetries {
		return nil, fmt.Errorf("%w: step %q used %d of %d retries", conduct.ErrRetryExhausted, step.StepID, step.RetryCount, meta.MaxRetries)
	}

	cp := *step
	cp.Status = execution.StatusRetrying
	cp.RetryCount++
	cp.ErrorMessage = ""
	cp.AwaitingEvent = false
	cp.ExternalWorkflowID = ""
	cp.HandlerType = ""
	cp.TimeoutAt = nil
	cp.CompletedAt = nil

	retrying, err := e.persist.ApplyStepTransition(ctx, &cp, step.Version)
	if err != nil {
		return nil, err
	}

	if err := e.reviveExecution(ctx, step.ExecutionID); err != nil {
		return retrying, err
	}

	e.resume(ctx, step.ExecutionID)
	return retrying, nil
}

// reviveExecution moves a failed execution back to running so the drive
// loop picks the retried step up.
func (e *Engine) reviveExecution(ctx context.Context, execID id.ExecutionID) error {
	exec, err := e.persist.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if !exec.Status.Terminal() {
		return nil
	}

	exec.Status = execution.StatusRunning
	exec.ErrorInfo = ""
	exec.CompletedAt = nil
	if _, err := e.persist.UpdateExecution(ctx, exec, exec.Version); err != nil {
		return fmt.Errorf("engine: revive execution %s: %w", execID, err)
	}
	return nil
}
