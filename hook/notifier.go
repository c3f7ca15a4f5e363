package hook

import (
	"context"
	"time"

	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/notify"
)

// Compile-time interface checks.
var (
	_ Hook               = (*Notifier)(nil)
	_ StepStarted        = (*Notifier)(nil)
	_ StepCompleted      = (*Notifier)(nil)
	_ StepFailed         = (*Notifier)(nil)
	_ StepTimedOut       = (*Notifier)(nil)
	_ ExecutionStarted   = (*Notifier)(nil)
	_ ExecutionProgress  = (*Notifier)(nil)
	_ ExecutionCompleted = (*Notifier)(nil)
	_ ExecutionFailed    = (*Notifier)(nil)
	_ Shutdown           = (*Notifier)(nil)
)

// EventPublisher is the slice of the notify publisher the bridge needs.
type EventPublisher interface {
	PublishToTopics(ctx context.Context, exec *execution.Execution, eventType notify.EventType, eventName string, data map[string]any, opts ...notify.EnvelopeOption) ([]string, error)
	Stop()
}

// Notifier bridges lifecycle hooks onto the event publisher. Publish
// errors surface through the registry's logging, never past it.
type Notifier struct {
	publisher EventPublisher
}

// NewNotifier creates the bridge.
func NewNotifier(publisher EventPublisher) *Notifier {
	return &Notifier{publisher: publisher}
}

// Name implements Hook.
func (n *Notifier) Name() string { return "notify-bridge" }

// OnStepStarted implements StepStarted.
func (n *Notifier) OnStepStarted(ctx context.Context, exec *execution.Execution, step *execution.Step) error {
	_, err := n.publisher.PublishToTopics(ctx, exec, notify.EventStepStarted, step.StepID, nil, stepCorrelation(step)...)
	return err
}

// OnStepCompleted implements StepCompleted.
func (n *Notifier) OnStepCompleted(ctx context.Context, exec *execution.Execution, step *execution.Step, _ time.Duration) error {
	_, err := n.publisher.PublishToTopics(ctx, exec, notify.EventStepCompleted, step.StepID, step.Outputs, stepCorrelation(step)...)
	return err
}

// OnStepFailed implements StepFailed.
func (n *Notifier) OnStepFailed(ctx context.Context, exec *execution.Execution, step *execution.Step, stepErr error) error {
	data := map[string]any{}
	if stepErr != nil {
		data["error"] = stepErr.Error()
	}
	_, err := n.publisher.PublishToTopics(ctx, exec, notify.EventStepFailed, step.StepID, data, stepCorrelation(step)...)
	return err
}

// OnStepTimedOut implements StepTimedOut.
func (n *Notifier) OnStepTimedOut(ctx context.Context, exec *execution.Execution, step *execution.Step) error {
	_, err := n.publisher.PublishToTopics(ctx, exec, notify.EventStepTimedOut, step.StepID, nil, stepCorrelation(step)...)
	return err
}

// stepCorrelation carries the step's external workflow id onto the
// envelope when the step has one.
func stepCorrelation(step *execution.Step) []notify.EnvelopeOption {
	if step.ExternalWorkflowID == "" {
		return nil
	}
	return []notify.EnvelopeOption{notify.WithCorrelationID(step.ExternalWorkflowID)}
}

// OnExecutionStarted implements ExecutionStarted.
func (n *Notifier) OnExecutionStarted(ctx context.Context, exec *execution.Execution) error {
	_, err := n.publisher.PublishToTopics(ctx, exec, notify.EventWorkflowStarted, "", nil)
	return err
}

// OnExecutionProgress implements ExecutionProgress.
func (n *Notifier) OnExecutionProgress(ctx context.Context, exec *execution.Execution, pct float64) error {
	_, err := n.publisher.PublishToTopics(ctx, exec, notify.EventWorkflowProgress, "", map[string]any{"progress": pct})
	return err
}

// OnExecutionCompleted implements ExecutionCompleted.
func (n *Notifier) OnExecutionCompleted(ctx context.Context, exec *execution.Execution, _ time.Duration) error {
	_, err := n.publisher.PublishToTopics(ctx, exec, notify.EventWorkflowCompleted, "", exec.FinalOutputs)
	return err
}

// OnExecutionFailed implements ExecutionFailed.
func (n *Notifier) OnExecutionFailed(ctx context.Context, exec *execution.Execution, execErr error) error {
	data := map[string]any{}
	if execErr != nil {
		data["error"] = execErr.Error()
	}
	_, err := n.publisher.PublishToTopics(ctx, exec, notify.EventWorkflowFailed, "", data)
	return err
}

// OnShutdown implements Shutdown: stop the publisher's redelivery loop
// and wait for in-flight deliveries.
func (n *Notifier) OnShutdown(context.Context) error {
	n.publisher.Stop()
	return nil
}
