package hook

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conduct/execution"
)

// Named entry types pair a hook implementation with the observer name
// captured at registration time. This avoids type-asserting back to
// Hook inside the emit methods.
type stepStartedEntry struct {
	name string
	hook StepStarted
}

type stepCompletedEntry struct {
	name string
	hook StepCompleted
}

type stepFailedEntry struct {
	name string
	hook StepFailed
}

type stepAwaitingEntry struct {
	name string
	hook StepAwaiting
}

type stepTimedOutEntry struct {
	name string
	hook StepTimedOut
}

type executionStartedEntry struct {
	name string
	hook ExecutionStarted
}

type executionProgressEntry struct {
	name string
	hook ExecutionProgress
}

type executionCompletedEntry struct {
	name string
	hook ExecutionCompleted
}

type executionFailedEntry struct {
	name string
	hook ExecutionFailed
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered observers and dispatches lifecycle events
// to them. It type-caches observers at registration time so emit calls
// iterate only over observers that implement the relevant hook.
type Registry struct {
	hooks  []Hook
	logger *slog.Logger

	// Type-cached slices for each lifecycle hook.
	stepStarted        []stepStartedEntry
	stepCompleted      []stepCompletedEntry
	stepFailed         []stepFailedEntry
	stepAwaiting       []stepAwaitingEntry
	stepTimedOut       []stepTimedOutEntry
	executionStarted   []executionStartedEntry
	executionProgress  []executionProgressEntry
	executionCompleted []executionCompletedEntry
	executionFailed    []executionFailedEntry
	shutdown           []shutdownEntry
}

// NewRegistry creates a hook registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an observer and type-asserts it into all applicable
// hook caches. Observers are notified in registration order.
func (r *Registry) Register(h Hook) {
	r.hooks = append(r.hooks, h)
	name := h.Name()

	if hk, ok := h.(StepStarted); ok {
		r.stepStarted = append(r.stepStarted, stepStartedEntry{name, hk})
	}
	if hk, ok := h.(StepCompleted); ok {
		r.stepCompleted = append(r.stepCompleted, stepCompletedEntry{name, hk})
	}
	if hk, ok := h.(StepFailed); ok {
		r.stepFailed = append(r.stepFailed, stepFailedEntry{name, hk})
	}
	if hk, ok := h.(StepAwaiting); ok {
		r.stepAwaiting = append(r.stepAwaiting, stepAwaitingEntry{name, hk})
	}
	if hk, ok := h.(StepTimedOut); ok {
		r.stepTimedOut = append(r.stepTimedOut, stepTimedOutEntry{name, hk})
	}
	if hk, ok := h.(ExecutionStarted); ok {
		r.executionStarted = append(r.executionStarted, executionStartedEntry{name, hk})
	}
	if hk, ok := h.(ExecutionProgress); ok {
		r.executionProgress = append(r.executionProgress, executionProgressEntry{name, hk})
	}
	if hk, ok := h.(ExecutionCompleted); ok {
		r.executionCompleted = append(r.executionCompleted, executionCompletedEntry{name, hk})
	}
	if hk, ok := h.(ExecutionFailed); ok {
		r.executionFailed = append(r.executionFailed, executionFailedEntry{name, hk})
	}
	if hk, ok := h.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, hk})
	}
}

// Hooks returns all registered observers.
func (r *Registry) Hooks() []Hook { return r.hooks }

// ──────────────────────────────────────────────────
// Step event emitters
// ──────────────────────────────────────────────────

// EmitStepStarted notifies all observers that implement StepStarted.
func (r *Registry) EmitStepStarted(ctx context.Context, exec *execution.Execution, step *execution.Step) {
	for _, e := range r.stepStarted {
		if err := e.hook.OnStepStarted(ctx, exec, step); err != nil {
			r.logHookError("OnStepStarted", e.name, err)
		}
	}
}

// EmitStepCompleted notifies all observers that implement StepCompleted.
func (r *Registry) EmitStepCompleted(ctx context.Context, exec *execution.Execution, step *execution.Step, elapsed time.Duration) {
	for _, e := range r.stepCompleted {
		if err := e.hook.OnStepCompleted(ctx, exec, step, elapsed); err != nil {
			r.logHookError("OnStepCompleted", e.name, err)
		}
	}
}

// EmitStepFailed notifies all observers that implement StepFailed.
func (r *Registry) EmitStepFailed(ctx context.Context, exec *execution.Execution, step *execution.Step, stepErr error) {
	for _, e := range r.stepFailed {
		if err := e.hook.OnStepFailed(ctx, exec, step, stepErr); err != nil {
			r.logHookError("OnStepFailed", e.name, err)
		}
	}
}

// EmitStepAwaiting notifies all observers that implement StepAwaiting.
func (r *Registry) EmitStepAwaiting(ctx context.Context, exec *execution.Execution, step *execution.Step) {
	for _, e := range r.stepAwaiting {
		if err := e.hook.OnStepAwaiting(ctx, exec, step); err != nil {
			r.logHookError("OnStepAwaiting", e.name, err)
		}
	}
}

// EmitStepTimedOut notifies all observers that implement StepTimedOut.
func (r *Registry) EmitStepTimedOut(ctx context.Context, exec *execution.Execution, step *execution.Step) {
	for _, e := range r.stepTimedOut {
		if err := e.hook.OnStepTimedOut(ctx, exec, step); err != nil {
			r.logHookError("OnStepTimedOut", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Execution event emitters
// ──────────────────────────────────────────────────

// EmitExecutionStarted notifies all observers that implement ExecutionStarted.
func (r *Registry) EmitExecutionStarted(ctx context.Context, exec *execution.Execution) {
	for _, e := range r.executionStarted {
		if err := e.hook.OnExecutionStarted(ctx, exec); err != nil {
			r.logHookError("OnExecutionStarted", e.name, err)
		}
	}
}

// EmitExecutionProgress notifies all observers that implement ExecutionProgress.
func (r *Registry) EmitExecutionProgress(ctx context.Context, exec *execution.Execution, pct float64) {
	for _, e := range r.executionProgress {
		if err := e.hook.OnExecutionProgress(ctx, exec, pct); err != nil {
			r.logHookError("OnExecutionProgress", e.name, err)
		}
	}
}

// EmitExecutionCompleted notifies all observers that implement ExecutionCompleted.
func (r *Registry) EmitExecutionCompleted(ctx context.Context, exec *execution.Execution, elapsed time.Duration) {
	for _, e := range r.executionCompleted {
		if err := e.hook.OnExecutionCompleted(ctx, exec, elapsed); err != nil {
			r.logHookError("OnExecutionCompleted", e.name, err)
		}
	}
}

// EmitExecutionFailed notifies all observers that implement ExecutionFailed.
func (r *Registry) EmitExecutionFailed(ctx context.Context, exec *execution.Execution, execErr error) {
	for _, e := range r.executionFailed {
		if err := e.hook.OnExecutionFailed(ctx, exec, execErr); err != nil {
			r.logHookError("OnExecutionFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitShutdown notifies all observers that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the
// state machine.
func (r *Registry) logHookError(hookName, observer string, err error) {
	r.logger.Warn("lifecycle hook error",
		slog.String("hook", hookName),
		slog.String("observer", observer),
		slog.String("error", err.Error()),
	)
}
