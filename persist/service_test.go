package persist_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/backoff"
	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/hook"
	"github.com/xraph/conduct/id"
	"github.com/xraph/conduct/persist"
	"github.com/xraph/conduct/store"
	"github.com/xraph/conduct/store/memory"
)

// flakyStore wraps a healthy backend and fails UpdateStep a configured
// number of times with a transient error.
type flakyStore struct {
	store.Store

	mu                 sync.Mutex
	updateStepFailures int
	updateStepCalls    int
}

func (f *flakyStore) UpdateStep(ctx context.Context, step *execution.Step, expectedVersion int64) (*execution.Step, error) {
	f.mu.Lock()
	f.updateStepCalls++
	fail := f.updateStepFailures > 0
	if fail {
		f.updateStepFailures--
	}
	f.mu.Unlock()

	if fail {
		return nil, errors.New("primary unavailable")
	}
	return f.Store.UpdateStep(ctx, step, expectedVersion)
}

func (f *flakyStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateStepCalls
}

// recorderHook records every lifecycle event it observes.
type recorderHook struct {
	mu     sync.Mutex
	events []string
}

func (r *recorderHook) Name() string { return "recorder" }

func (r *recorderHook) record(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorderHook) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorderHook) OnStepStarted(_ context.Context, _ *execution.Execution, step *execution.Step) error {
	r.record("step-started:" + step.StepID)
	return nil
}

func (r *recorderHook) OnStepCompleted(_ context.Context, _ *execution.Execution, step *execution.Step, _ time.Duration) error {
	r.record("step-completed:" + step.StepID)
	return nil
}

func (r *recorderHook) OnStepFailed(_ context.Context, _ *execution.Execution, step *execution.Step, _ error) error {
	r.record("step-failed:" + step.StepID)
	return nil
}

func (r *recorderHook) OnStepAwaiting(_ context.Context, _ *execution.Execution, step *execution.Step) error {
	r.record("step-awaiting:" + step.StepID)
	return nil
}

func (r *recorderHook) OnStepTimedOut(_ context.Context, _ *execution.Execution, step *execution.Step) error {
	r.record("step-timed-out:" + step.StepID)
	return nil
}

func (r *recorderHook) OnExecutionProgress(_ context.Context, _ *execution.Execution, pct float64) error {
	r.record(fmt.Sprintf("execution-progress:%.2f", pct))
	return nil
}

func (r *recorderHook) OnExecutionCompleted(_ context.Context, _ *execution.Execution, _ time.Duration) error {
	r.record("execution-completed")
	return nil
}

func (r *recorderHook) OnExecutionFailed(_ context.Context, _ *execution.Execution, _ error) error {
	r.record("execution-failed")
	return nil
}

func contains(events []string, want string) bool {
	for _, ev := range events {
		if ev == want {
			return true
		}
	}
	return false
}

// seedExecution creates an execution with two pending steps through the
// service and returns them with their stored versions.
func seedExecution(t *testing.T, svc *persist.Service) (*execution.Execution, []*execution.Step) {
	t.Helper()
	ctx := context.Background()

	exec := &execution.Execution{
		Entity:    conduct.NewEntity(),
		ID:        id.NewExecutionID(),
		Name:      "deploy",
		Status:    execution.StatusRunning,
		Version:   1,
		StartedAt: time.Now().UTC(),
	}
	if err := svc.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("CreateExecution() error = %v", err)
	}

	steps := []*execution.Step{
		{Entity: conduct.NewEntity(), ID: id.NewStepID(), ExecutionID: exec.ID, StepID: "build", Sequence: 1, ActionType: "container_build", Status: execution.StatusPending, Version: 1},
		{Entity: conduct.NewEntity(), ID: id.NewStepID(), ExecutionID: exec.ID, StepID: "rollout", Sequence: 2, ActionType: "k8s_rollout", Status: execution.StatusPending, Version: 1},
	}
	if err := svc.CreateSteps(ctx, steps); err != nil {
		t.Fatalf("CreateSteps() error = %v", err)
	}
	return exec, steps
}

func TestService_RetriesTransientFailures(t *testing.T) {
	flaky := &flakyStore{Store: memory.New(), updateStepFailures: 2}
	svc := persist.New(flaky,
		persist.WithStrategy(backoff.NewConstant(0)),
		persist.WithMaxRetries(3),
	)
	_, steps := seedExecution(t, svc)

	step := steps[0]
	step.Status = execution.StatusRunning
	updated, err := svc.UpdateStep(context.Background(), step, 1)
	if err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}
	if got := flaky.calls(); got != 3 {
		t.Errorf("primary attempts = %d, want 3 (2 failures + success)", got)
	}
}

func TestService_ConflictIsNotRetried(t *testing.T) {
	flaky := &flakyStore{Store: memory.New()}
	svc := persist.New(flaky, persist.WithStrategy(backoff.NewConstant(0)))
	_, steps := seedExecution(t, svc)

	step := steps[0]
	step.Status = execution.StatusRunning
	if _, err := svc.UpdateStep(context.Background(), step, 1); err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}
	flaky.mu.Lock()
	flaky.updateStepCalls = 0
	flaky.mu.Unlock()

	_, err := svc.UpdateStep(context.Background(), step, 1) // stale: current is 2
	if !errors.Is(err, conduct.ErrVersionConflict) {
		t.Fatalf("UpdateStep() error = %v, want ErrVersionConflict", err)
	}
	if got := flaky.calls(); got != 1 {
		t.Errorf("primary attempts = %d, want 1: conflicts must not be retried", got)
	}

	// The losing write left the row unchanged.
	got, err := svc.GetStep(context.Background(), step.ID)
	if err != nil {
		t.Fatalf("GetStep() error = %v", err)
	}
	if got.Version != 2 || got.Status != execution.StatusRunning {
		t.Errorf("row = version %d status %s, want untouched 2/running", got.Version, got.Status)
	}
}

func TestService_FallbackServesWhileBreakerOpen(t *testing.T) {
	flaky := &flakyStore{Store: memory.New(), updateStepFailures: 100}
	svc := persist.New(flaky,
		persist.WithStrategy(backoff.NewConstant(0)),
		persist.WithMaxRetries(1),
		persist.WithBreaker(persist.NewBreaker(1, time.Hour)),
	)
	_, steps := seedExecution(t, svc)
	ctx := context.Background()

	// Retries exhaust, the breaker opens, and the write lands on the
	// fallback store seeded from the caller's record.
	step := steps[0]
	step.Status = execution.StatusRunning
	updated, err := svc.UpdateStep(ctx, step, 1)
	if err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2 from the fallback write", updated.Version)
	}
	if !svc.Degraded() {
		t.Error("Degraded() = false, want true after the breaker opened")
	}
	if err := svc.Ping(ctx); !errors.Is(err, conduct.ErrStorageUnavailable) {
		t.Errorf("Ping() error = %v, want ErrStorageUnavailable", err)
	}

	// Reads now come from the fallback too.
	got, err := svc.GetStep(ctx, step.ID)
	if err != nil {
		t.Fatalf("GetStep() error = %v", err)
	}
	if got.Status != execution.StatusRunning {
		t.Errorf("Status = %s from fallback, want running", got.Status)
	}

	fromFallback, err := svc.Fallback().GetStep(ctx, step.ID)
	if err != nil {
		t.Fatalf("Fallback().GetStep() error = %v", err)
	}
	if fromFallback.Version != 2 {
		t.Errorf("fallback Version = %d, want 2", fromFallback.Version)
	}
}

func TestService_SanitizesOutputsBeforeWrite(t *testing.T) {
	svc := persist.New(memory.New(), persist.WithStrategy(backoff.NewConstant(0)))
	_, steps := seedExecution(t, svc)

	step := steps[0]
	step.Status = execution.StatusRunning
	step.Outputs = map[string]any{
		"image":      "app:1",
		"registry":   map[string]any{"host": "r.internal", "password": "p"},
		"auth_token": "t",
	}
	updated, err := svc.UpdateStep(context.Background(), step, 1)
	if err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}

	if _, ok := updated.Outputs["auth_token"]; ok {
		t.Error("auth_token survived sanitization")
	}
	nested, _ := updated.Outputs["registry"].(map[string]any)
	if _, ok := nested["password"]; ok {
		t.Error("nested password survived sanitization")
	}
	if updated.Outputs["image"] != "app:1" {
		t.Errorf("Outputs = %v, want benign fields kept", updated.Outputs)
	}
}

func TestApplyStepTransition_RejectsInvalidEdge(t *testing.T) {
	svc := persist.New(memory.New(), persist.WithStrategy(backoff.NewConstant(0)))
	_, steps := seedExecution(t, svc)

	step := steps[0]
	step.Status = execution.StatusCompleted // pending cannot jump to completed
	_, err := svc.ApplyStepTransition(context.Background(), step, 1)
	if !errors.Is(err, conduct.ErrInvalidTransition) {
		t.Fatalf("ApplyStepTransition() error = %v, want ErrInvalidTransition", err)
	}
}

func TestApplyStepTransition_DrivesExecutionToCompleted(t *testing.T) {
	recorder := &recorderHook{}
	hooks := hook.NewRegistry(slog.Default())
	hooks.Register(recorder)

	svc := persist.New(memory.New(),
		persist.WithStrategy(backoff.NewConstant(0)),
		persist.WithHooks(hooks),
	)
	exec, steps := seedExecution(t, svc)
	ctx := context.Background()

	complete := func(step *execution.Step) {
		t.Helper()
		started := time.Now().UTC().Add(-time.Minute)
		step.Status = execution.StatusRunning
		step.StartedAt = &started
		running, err := svc.ApplyStepTransition(ctx, step, step.Version)
		if err != nil {
			t.Fatalf("ApplyStepTransition(running) error = %v", err)
		}

		done := time.Now().UTC()
		running.Status = execution.StatusCompleted
		running.CompletedAt = &done
		running.Outputs = map[string]any{"ok": true}
		if _, err := svc.ApplyStepTransition(ctx, running, running.Version); err != nil {
			t.Fatalf("ApplyStepTransition(completed) error = %v", err)
		}
	}

	complete(steps[0])

	mid, err := svc.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if mid.Status != execution.StatusRunning || mid.Progress != 50 {
		t.Errorf("after first step: status=%s progress=%v, want running/50", mid.Status, mid.Progress)
	}

	complete(steps[1])

	final, err := svc.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if final.Status != execution.StatusCompleted || final.Progress != 100 {
		t.Errorf("final: status=%s progress=%v, want completed/100", final.Status, final.Progress)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt not set on completion")
	}
	if _, ok := final.FinalOutputs["build"]; !ok {
		t.Errorf("FinalOutputs = %v, want step outputs keyed by step id", final.FinalOutputs)
	}

	events := recorder.recorded()
	for _, want := range []string{
		"step-started:build",
		"step-completed:build",
		"step-started:rollout",
		"step-completed:rollout",
		"execution-progress:50.00",
		"execution-completed",
	} {
		if !contains(events, want) {
			t.Errorf("events %v missing %q", events, want)
		}
	}
}

func TestApplyStepTransition_FailedStepFailsExecution(t *testing.T) {
	recorder := &recorderHook{}
	hooks := hook.NewRegistry(slog.Default())
	hooks.Register(recorder)

	svc := persist.New(memory.New(),
		persist.WithStrategy(backoff.NewConstant(0)),
		persist.WithHooks(hooks),
	)
	exec, steps := seedExecution(t, svc)
	ctx := context.Background()

	step := steps[0]
	step.Status = execution.StatusRunning
	running, err := svc.ApplyStepTransition(ctx, step, 1)
	if err != nil {
		t.Fatalf("ApplyStepTransition(running) error = %v", err)
	}

	running.Status = execution.StatusFailed
	running.ErrorMessage = "image push rejected"
	if _, err := svc.ApplyStepTransition(ctx, running, running.Version); err != nil {
		t.Fatalf("ApplyStepTransition(failed) error = %v", err)
	}

	final, err := svc.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if final.Status != execution.StatusFailed {
		t.Errorf("Status = %s, want failed", final.Status)
	}
	if !strings.Contains(final.ErrorInfo, "build") || !strings.Contains(final.ErrorInfo, "image push rejected") {
		t.Errorf("ErrorInfo = %q, want step id and message", final.ErrorInfo)
	}

	events := recorder.recorded()
	if !contains(events, "step-failed:build") || !contains(events, "execution-failed") {
		t.Errorf("events %v missing failure notifications", events)
	}
}

func TestRefreshExecution_ProgressIsMonotonic(t *testing.T) {
	svc := persist.New(memory.New(), persist.WithStrategy(backoff.NewConstant(0)))
	exec, steps := seedExecution(t, svc)
	ctx := context.Background()

	step := steps[0]
	step.Status = execution.StatusRunning
	step.Progress = 80
	running, err := svc.UpdateStep(ctx, step, 1)
	if err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}
	refreshed, err := svc.RefreshExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("RefreshExecution() error = %v", err)
	}
	if refreshed.Progress != 40 {
		t.Fatalf("Progress = %v, want 40", refreshed.Progress)
	}

	// A late lower update must not walk the execution backwards.
	running.Progress = 20
	if _, err := svc.UpdateStep(ctx, running, running.Version); err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}
	refreshed, err = svc.RefreshExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("RefreshExecution() error = %v", err)
	}
	if refreshed.Progress != 40 {
		t.Errorf("Progress = %v after lower recomputation, want clamped 40", refreshed.Progress)
	}
}

func TestRefreshExecution_TerminalExecutionUntouched(t *testing.T) {
	svc := persist.New(memory.New(), persist.WithStrategy(backoff.NewConstant(0)))
	exec, steps := seedExecution(t, svc)
	ctx := context.Background()

	step := steps[0]
	step.Status = execution.StatusRunning
	running, err := svc.UpdateStep(ctx, step, 1)
	if err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}
	running.Status = execution.StatusFailed
	if _, err := svc.ApplyStepTransition(ctx, running, running.Version); err != nil {
		t.Fatalf("ApplyStepTransition() error = %v", err)
	}

	failed, err := svc.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	version := failed.Version

	again, err := svc.RefreshExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("RefreshExecution() error = %v", err)
	}
	if again.Version != version {
		t.Errorf("Version = %d, want %d: terminal executions are not rewritten", again.Version, version)
	}
}
