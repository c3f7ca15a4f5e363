package hook

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/conduct/execution"
)

// Compile-time interface checks.
var (
	_ Hook               = (*Metrics)(nil)
	_ StepStarted        = (*Metrics)(nil)
	_ StepCompleted      = (*Metrics)(nil)
	_ StepFailed         = (*Metrics)(nil)
	_ StepTimedOut       = (*Metrics)(nil)
	_ ExecutionStarted   = (*Metrics)(nil)
	_ ExecutionCompleted = (*Metrics)(nil)
	_ ExecutionFailed    = (*Metrics)(nil)
)

// Metrics records lifecycle metrics via OpenTelemetry. Register it on
// the hook registry to track step throughput, step durations, failure
// counts, and execution outcomes.
type Metrics struct {
	stepsStarted  metric.Int64Counter
	stepsFailed   metric.Int64Counter
	stepsTimedOut metric.Int64Counter
	stepDuration  metric.Float64Histogram
	execStarted   metric.Int64Counter
	execCompleted metric.Int64Counter
	execFailed    metric.Int64Counter
	execDuration  metric.Float64Histogram
}

// NewMetrics creates a Metrics hook using the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("github.com/xraph/conduct/hook"))
}

// NewMetricsWithMeter creates a Metrics hook with the provided meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.stepsStarted, err = meter.Int64Counter("conduct.step.started",
		metric.WithDescription("Steps that entered RUNNING")); err != nil {
		return nil, err
	}
	if m.stepsFailed, err = meter.Int64Counter("conduct.step.failed",
		metric.WithDescription("Steps that failed")); err != nil {
		return nil, err
	}
	if m.stepsTimedOut, err = meter.Int64Counter("conduct.step.timed_out",
		metric.WithDescription("Awaiting steps forced to TIMEOUT")); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram("conduct.step.duration",
		metric.WithDescription("Step wall-clock duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.execStarted, err = meter.Int64Counter("conduct.execution.started",
		metric.WithDescription("Executions started")); err != nil {
		return nil, err
	}
	if m.execCompleted, err = meter.Int64Counter("conduct.execution.completed",
		metric.WithDescription("Executions completed successfully")); err != nil {
		return nil, err
	}
	if m.execFailed, err = meter.Int64Counter("conduct.execution.failed",
		metric.WithDescription("Executions that failed terminally")); err != nil {
		return nil, err
	}
	if m.execDuration, err = meter.Float64Histogram("conduct.execution.duration",
		metric.WithDescription("Execution wall-clock duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

// Name implements Hook.
func (m *Metrics) Name() string { return "otel-metrics" }

// OnStepStarted implements StepStarted.
func (m *Metrics) OnStepStarted(ctx context.Context, _ *execution.Execution, step *execution.Step) error {
	m.stepsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("action_type", step.ActionType)))
	return nil
}

// OnStepCompleted implements StepCompleted.
func (m *Metrics) OnStepCompleted(ctx context.Context, _ *execution.Execution, step *execution.Step, elapsed time.Duration) error {
	m.stepDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("action_type", step.ActionType)))
	return nil
}

// OnStepFailed implements StepFailed.
func (m *Metrics) OnStepFailed(ctx context.Context, _ *execution.Execution, step *execution.Step, _ error) error {
	m.stepsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("action_type", step.ActionType)))
	return nil
}

// OnStepTimedOut implements StepTimedOut.
func (m *Metrics) OnStepTimedOut(ctx context.Context, _ *execution.Execution, step *execution.Step) error {
	m.stepsTimedOut.Add(ctx, 1, metric.WithAttributes(attribute.String("action_type", step.ActionType)))
	return nil
}

// OnExecutionStarted implements ExecutionStarted.
func (m *Metrics) OnExecutionStarted(ctx context.Context, _ *execution.Execution) error {
	m.execStarted.Add(ctx, 1)
	return nil
}

// OnExecutionCompleted implements ExecutionCompleted.
func (m *Metrics) OnExecutionCompleted(ctx context.Context, _ *execution.Execution, elapsed time.Duration) error {
	m.execCompleted.Add(ctx, 1)
	m.execDuration.Record(ctx, elapsed.Seconds())
	return nil
}

// OnExecutionFailed implements ExecutionFailed.
func (m *Metrics) OnExecutionFailed(ctx context.Context, _ *execution.Execution, _ error) error {
	m.execFailed.Add(ctx, 1)
	return nil
}
