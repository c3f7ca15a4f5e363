package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/action"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/id"
)

// resume launches (or relaunches) the drive loop for an execution. The
// loop runs detached from the caller's cancellation: once submitted, an
// execution advances on its own.
func (e *Engine) resume(ctx context.Context, execID id.ExecutionID) {
	e.wg.Add(1)
	go e.drive(context.WithoutCancel(ctx), execID)
}

// drive advances an execution sequence group by sequence group until it
// is terminal or until the frontier is waiting on external events. Fan-
// out siblings at one sequence run concurrently; a later sequence starts
// only once every earlier step is terminal.
func (e *Engine) drive(ctx context.Context, execID id.ExecutionID) {
	defer e.wg.Done()

	for {
		exec, err := e.persist.GetExecution(ctx, execID)
		if err != nil {
			e.logger.Error("drive loop read failed",
				slog.String("execution_id", execID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		if exec.Status.Terminal() {
			return
		}

		steps, err := e.persist.ListSteps(ctx, execID)
		if err != nil {
			e.logger.Error("drive loop step list failed",
				slog.String("execution_id", execID.String()),
				slog.String("error", err.Error()),
			)
			return
		}

		frontier, ok := nextFrontier(steps)
		if !ok {
			// Every step is terminal; make sure the execution record
			// caught up.
			if _, err := e.persist.RefreshExecution(ctx, execID); err != nil {
				e.logger.Warn("final execution refresh failed",
					slog.String("execution_id", execID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		if blockedByFailure(steps, frontier) {
			// A failed or timed-out predecessor blocks its successors;
			// the refresh drives the execution to failed.
			if _, err := e.persist.RefreshExecution(ctx, execID); err != nil {
				e.logger.Warn("execution refresh failed on blocked frontier",
					slog.String("execution_id", execID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		ready := readySteps(steps, frontier)
		if len(ready) == 0 {
			// Frontier steps are running or awaiting events; an inbound
			// event or the sweep resumes the loop later.
			return
		}

		prior := priorOutputs(steps)
		g, gctx := errgroup.WithContext(ctx)
		for _, step := range ready {
			g.Go(func() error {
				e.executeStep(gctx, exec, step, prior)
				return nil
			})
		}
		_ = g.Wait() // executeStep records failures in the store
	}
}

// nextFrontier returns the lowest sequence that still has a non-terminal
// step. ok is false when every step is terminal.
func nextFrontier(steps []*execution.Step) (int, bool) {
	frontier := 0
	found := false
	for _, step := range steps {
		if step.Status.Terminal() {
			continue
		}
		if !found || step.Sequence < frontier {
			frontier = step.Sequence
			found = true
		}
	}
	return frontier, found
}

// blockedByFailure reports whether any step before the frontier reached
// a terminal failure.
func blockedByFailure(steps []*execution.Step, frontier int) bool {
	for _, step := range steps {
		if step.Sequence < frontier && step.Status.Terminal() && !step.Status.TerminalSuccess() {
			return true
		}
	}
	return false
}

// readySteps returns the frontier steps eligible to start now.
func readySteps(steps []*execution.Step, frontier int) []*execution.Step {
	var ready []*execution.Step
	for _, step := range steps {
		if step.Sequence != frontier {
			continue
		}
		if step.Status == execution.StatusPending || step.Status == execution.StatusRetrying {
			ready = append(ready, step)
		}
	}
	return ready
}

// priorOutputs collects terminal-success steps' outputs keyed by DAG
// step id, for successor lookups.
func priorOutputs(steps []*execution.Step) map[string]map[string]any {
	prior := make(map[string]map[string]any)
	for _, step := range steps {
		if step.Status.TerminalSuccess() && len(step.Outputs) > 0 {
			prior[step.StepID] = step.Outputs
		}
	}
	return prior
}

// executeStep claims one pending or retrying step, runs its action
// through the middleware chain, and records the outcome. Claim conflicts
// mean another instance won the step; they are logged and dropped.
func (e *Engine) executeStep(ctx context.Context, exec *execution.Execution, step *execution.Step, prior map[string]map[string]any) {
	now := time.Now().UTC()
	claim := *step
	claim.Status = execution.StatusRunning
	claim.StartedAt = &now
	claim.ErrorMessage = ""

	running, err := e.persist.ApplyStepTransition(ctx, &claim, step.Version)
	if err != nil {
		if errors.Is(err, conduct.ErrVersionConflict) {
			e.logger.Debug("step claimed by another writer",
				slog.String("step_id", step.StepID),
				slog.String("execution_id", exec.ID.String()),
			)
			return
		}
		e.logger.Error("step claim failed",
			slog.String("step_id", step.StepID),
			slog.String("execution_id", exec.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	executor, err := e.actions.Executor(step.ActionType)
	if err != nil {
		e.failStep(ctx, running, err.Error(), nil, nil)
		return
	}

	actx := action.NewContext(
		exec.ID, step.ID, step.StepID,
		step.Params, exec.Params, prior,
		e.invoker, e.logger,
	)

	res, err := e.chain(ctx, running, func(hctx context.Context) (*action.Result, error) {
		return executor.Execute(hctx, actx)
	})

	if err == nil && res != nil {
		if verr := res.Validate(); verr != nil {
			e.failStep(ctx, running, verr.Error(), executor, actx)
			return
		}
	}

	switch {
	case err != nil:
		e.failStep(ctx, running, err.Error(), executor, actx)
	case res == nil:
		e.failStep(ctx, running, "action returned no result", executor, actx)
	case !res.Success:
		e.failStep(ctx, running, res.ErrorMessage, executor, actx)
	case res.AwaitingEvent:
		e.suspendStep(ctx, running, res)
	default:
		e.completeStep(ctx, running, res)
	}
}

func (e *Engine) completeStep(ctx context.Context, step *execution.Step, res *action.Result) {
	now := time.Now().UTC()
	cp := *step
	cp.Status = execution.StatusCompleted
	cp.Progress = 100
	cp.Outputs = res.Outputs
	cp.CompletedAt = &now

	if _, err := e.persist.ApplyStepTransition(ctx, &cp, step.Version); err != nil {
		e.logger.Error("step completion write failed",
			slog.String("step_id", step.StepID),
			slog.String("error", err.Error()),
		)
	}
}

// suspendStep parks a running step awaiting its external completion
// event, stamping the correlation id and deadline.
func (e *Engine) suspendStep(ctx context.Context, step *execution.Step, res *action.Result) {
	timeout := res.Timeout
	if timeout <= 0 {
		timeout = e.cfg.AwaitTimeout
	}
	deadline := time.Now().UTC().Add(timeout)

	cp := *step
	cp.AwaitingEvent = true
	cp.ExternalWorkflowID = res.ExternalWorkflowID
	cp.HandlerType = res.HandlerType
	cp.TimeoutAt = &deadline
	cp.Outputs = res.Outputs

	if _, err := e.persist.ApplyStepTransition(ctx, &cp, step.Version); err != nil {
		e.logger.Error("step suspend write failed",
			slog.String("step_id", step.StepID),
			slog.String("external_workflow_id", res.ExternalWorkflowID),
			slog.String("error", err.Error()),
		)
	}
}

// failStep records a business failure and runs best-effort cleanup.
func (e *Engine) failStep(ctx context.Context, step *execution.Step, msg string, executor action.Executor, actx *action.Context) {
	now := time.Now().UTC()
	cp := *step
	cp.Status = execution.StatusFailed
	cp.ErrorMessage = msg
	cp.AwaitingEvent = false
	cp.CompletedAt = &now

	if _, err := e.persist.ApplyStepTransition(ctx, &cp, step.Version); err != nil {
		e.logger.Error("step failure write failed",
			slog.String("step_id", step.StepID),
			slog.String("error", err.Error()),
		)
	}

	if executor != nil && actx != nil {
		executor.Cleanup(ctx, actx)
	}
}
