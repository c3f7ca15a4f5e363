// Package hook defines the lifecycle hook system for conduct.
// Hooks are notified of execution and step transitions (started,
// completed, failed, awaiting, timed out, etc.) and can react to
// them — metrics, outbound notifications, audit trails.
//
// Each lifecycle hook is a separate interface so observers opt in only
// to the events they care about. Hook errors are logged and never
// propagated; a misbehaving observer must not block the state machine.
package hook

import (
	"context"
	"time"

	"github.com/xraph/conduct/execution"
)

// Hook is the base interface all lifecycle observers must implement.
type Hook interface {
	// Name returns a unique human-readable name for the observer.
	Name() string
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepStarted is called when a step enters RUNNING.
type StepStarted interface {
	OnStepStarted(ctx context.Context, exec *execution.Execution, step *execution.Step) error
}

// StepCompleted is called after a step finishes successfully.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, exec *execution.Execution, step *execution.Step, elapsed time.Duration) error
}

// StepFailed is called when a step fails.
type StepFailed interface {
	OnStepFailed(ctx context.Context, exec *execution.Execution, step *execution.Step, stepErr error) error
}

// StepAwaiting is called when a step suspends awaiting an external event.
type StepAwaiting interface {
	OnStepAwaiting(ctx context.Context, exec *execution.Execution, step *execution.Step) error
}

// StepTimedOut is called when the sweep forces an awaiting step to TIMEOUT.
type StepTimedOut interface {
	OnStepTimedOut(ctx context.Context, exec *execution.Execution, step *execution.Step) error
}

// ──────────────────────────────────────────────────
// Execution lifecycle hooks
// ──────────────────────────────────────────────────

// ExecutionStarted is called when an execution begins.
type ExecutionStarted interface {
	OnExecutionStarted(ctx context.Context, exec *execution.Execution) error
}

// ExecutionProgress is called when an execution's aggregate progress
// changes.
type ExecutionProgress interface {
	OnExecutionProgress(ctx context.Context, exec *execution.Execution, pct float64) error
}

// ExecutionCompleted is called after an execution finishes successfully.
type ExecutionCompleted interface {
	OnExecutionCompleted(ctx context.Context, exec *execution.Execution, elapsed time.Duration) error
}

// ExecutionFailed is called when an execution fails terminally.
type ExecutionFailed interface {
	OnExecutionFailed(ctx context.Context, exec *execution.Execution, execErr error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
