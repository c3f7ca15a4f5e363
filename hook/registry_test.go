package hook_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/hook"
	"github.com/xraph/conduct/id"
)

// stepObserver implements only the step-level hooks.
type stepObserver struct {
	name      string
	started   int
	completed int
	failed    int
	err       error
}

func (o *stepObserver) Name() string { return o.name }

func (o *stepObserver) OnStepStarted(context.Context, *execution.Execution, *execution.Step) error {
	o.started++
	return o.err
}

func (o *stepObserver) OnStepCompleted(context.Context, *execution.Execution, *execution.Step, time.Duration) error {
	o.completed++
	return o.err
}

func (o *stepObserver) OnStepFailed(context.Context, *execution.Execution, *execution.Step, error) error {
	o.failed++
	return o.err
}

// shutdownObserver implements only Shutdown.
type shutdownObserver struct {
	name  string
	calls int
}

func (o *shutdownObserver) Name() string { return o.name }

func (o *shutdownObserver) OnShutdown(context.Context) error {
	o.calls++
	return nil
}

func testRecords() (*execution.Execution, *execution.Step) {
	return &execution.Execution{ID: id.NewExecutionID()}, &execution.Step{ID: id.NewStepID(), ActionType: "noop"}
}

func TestRegistry_DispatchesOnlyImplementedHooks(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	steps := &stepObserver{name: "steps"}
	shut := &shutdownObserver{name: "shutdown"}
	r.Register(steps)
	r.Register(shut)

	ctx := context.Background()
	exec, step := testRecords()

	r.EmitStepStarted(ctx, exec, step)
	r.EmitStepCompleted(ctx, exec, step, time.Second)
	r.EmitStepFailed(ctx, exec, step, errors.New("boom"))
	r.EmitExecutionStarted(ctx, exec) // nobody listens
	r.EmitShutdown(ctx)

	if steps.started != 1 || steps.completed != 1 || steps.failed != 1 {
		t.Errorf("step observer calls = %d/%d/%d, want 1/1/1",
			steps.started, steps.completed, steps.failed)
	}
	if shut.calls != 1 {
		t.Errorf("shutdown observer calls = %d, want 1", shut.calls)
	}
}

func TestRegistry_HookErrorsDoNotStopOthers(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	failing := &stepObserver{name: "failing", err: errors.New("observer broke")}
	healthy := &stepObserver{name: "healthy"}
	r.Register(failing)
	r.Register(healthy)

	exec, step := testRecords()
	r.EmitStepStarted(context.Background(), exec, step)

	if failing.started != 1 {
		t.Errorf("failing observer calls = %d, want 1", failing.started)
	}
	if healthy.started != 1 {
		t.Errorf("healthy observer calls = %d, want 1: errors must not stop the chain", healthy.started)
	}
}

func TestRegistry_Hooks(t *testing.T) {
	r := hook.NewRegistry(slog.Default())
	r.Register(&stepObserver{name: "a"})
	r.Register(&shutdownObserver{name: "b"})

	if got := len(r.Hooks()); got != 2 {
		t.Errorf("len(Hooks()) = %d, want 2", got)
	}
}

func TestMetricsHookRegisters(t *testing.T) {
	m, err := hook.NewMetrics()
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	r := hook.NewRegistry(slog.Default())
	r.Register(m)

	// The global provider defaults to noop; emitting must not panic.
	ctx := context.Background()
	exec, step := testRecords()
	r.EmitStepStarted(ctx, exec, step)
	r.EmitStepCompleted(ctx, exec, step, 250*time.Millisecond)
	r.EmitExecutionCompleted(ctx, exec, time.Second)
}
