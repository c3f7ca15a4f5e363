package hook_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/hook"
	"github.com/xraph/conduct/notify"
)

type publishCall struct {
	eventType     notify.EventType
	eventName     string
	data          map[string]any
	correlationID string
}

type fakePublisher struct {
	mu      sync.Mutex
	calls   []publishCall
	stopped bool
	err     error
}

func (f *fakePublisher) PublishToTopics(_ context.Context, _ *execution.Execution, eventType notify.EventType, eventName string, data map[string]any, opts ...notify.EnvelopeOption) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var env notify.Envelope
	for _, opt := range opts {
		opt(&env)
	}
	f.calls = append(f.calls, publishCall{eventType, eventName, data, env.CorrelationID})
	return nil, f.err
}

func (f *fakePublisher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func TestNotifier_MapsHooksToEventTypes(t *testing.T) {
	pub := &fakePublisher{}
	n := hook.NewNotifier(pub)
	ctx := context.Background()

	exec, step := testRecords()
	step.StepID = "build"
	step.Outputs = map[string]any{"image": "app:1"}

	if err := n.OnStepStarted(ctx, exec, step); err != nil {
		t.Fatalf("OnStepStarted() error = %v", err)
	}
	if err := n.OnStepCompleted(ctx, exec, step, time.Second); err != nil {
		t.Fatalf("OnStepCompleted() error = %v", err)
	}
	if err := n.OnStepFailed(ctx, exec, step, errors.New("boom")); err != nil {
		t.Fatalf("OnStepFailed() error = %v", err)
	}
	if err := n.OnExecutionProgress(ctx, exec, 42.5); err != nil {
		t.Fatalf("OnExecutionProgress() error = %v", err)
	}

	want := []struct {
		eventType notify.EventType
		eventName string
	}{
		{notify.EventStepStarted, "build"},
		{notify.EventStepCompleted, "build"},
		{notify.EventStepFailed, "build"},
		{notify.EventWorkflowProgress, ""},
	}
	if len(pub.calls) != len(want) {
		t.Fatalf("publish calls = %d, want %d", len(pub.calls), len(want))
	}
	for i, w := range want {
		if pub.calls[i].eventType != w.eventType || pub.calls[i].eventName != w.eventName {
			t.Errorf("call %d = %v/%q, want %v/%q",
				i, pub.calls[i].eventType, pub.calls[i].eventName, w.eventType, w.eventName)
		}
	}

	if pub.calls[1].data["image"] != "app:1" {
		t.Errorf("completed data = %v, want step outputs", pub.calls[1].data)
	}
	if pub.calls[2].data["error"] != "boom" {
		t.Errorf("failed data = %v, want error message", pub.calls[2].data)
	}
	if pub.calls[3].data["progress"] != 42.5 {
		t.Errorf("progress data = %v, want 42.5", pub.calls[3].data)
	}
}

func TestNotifier_StepEventsCarryCorrelationID(t *testing.T) {
	pub := &fakePublisher{}
	n := hook.NewNotifier(pub)
	ctx := context.Background()

	exec, step := testRecords()
	step.StepID = "deploy"
	step.ExternalWorkflowID = "wf-ext-9"

	if err := n.OnStepStarted(ctx, exec, step); err != nil {
		t.Fatalf("OnStepStarted() error = %v", err)
	}
	if err := n.OnStepTimedOut(ctx, exec, step); err != nil {
		t.Fatalf("OnStepTimedOut() error = %v", err)
	}

	for i, call := range pub.calls {
		if call.correlationID != "wf-ext-9" {
			t.Errorf("call %d correlation id = %q, want wf-ext-9", i, call.correlationID)
		}
	}

	// Workflow-level events carry none.
	if err := n.OnExecutionProgress(ctx, exec, 10); err != nil {
		t.Fatalf("OnExecutionProgress() error = %v", err)
	}
	if got := pub.calls[len(pub.calls)-1].correlationID; got != "" {
		t.Errorf("workflow event correlation id = %q, want empty", got)
	}
}

func TestNotifier_ShutdownStopsPublisher(t *testing.T) {
	pub := &fakePublisher{}
	n := hook.NewNotifier(pub)

	if err := n.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown() error = %v", err)
	}
	if !pub.stopped {
		t.Error("publisher not stopped on shutdown")
	}
}
