package notify_test

import (
	"testing"

	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/id"
	"github.com/xraph/conduct/notify"
)

func TestEventType_Mapping(t *testing.T) {
	tests := []struct {
		eventType    notify.EventType
		wantCategory string
		wantStatus   string
	}{
		{notify.EventStepStarted, "step", "STARTED"},
		{notify.EventStepCompleted, "step", "COMPLETED"},
		{notify.EventStepFailed, "step", "FAILED"},
		{notify.EventStepTimedOut, "step", "TIMEOUT"},
		{notify.EventWorkflowStarted, "workflow", "STARTED"},
		{notify.EventWorkflowProgress, "workflow", "RUNNING"},
		{notify.EventWorkflowCompleted, "workflow", "COMPLETED"},
		{notify.EventWorkflowFailed, "workflow", "FAILED"},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			if got := tt.eventType.Category(); got != tt.wantCategory {
				t.Errorf("Category() = %q, want %q", got, tt.wantCategory)
			}
			if got := tt.eventType.Status(); got != tt.wantStatus {
				t.Errorf("Status() = %q, want %q", got, tt.wantStatus)
			}
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	exec := &execution.Execution{
		ID:            id.NewExecutionID(),
		SubscriberIDs: []string{"user-1", "user-2"},
	}

	env := notify.NewEnvelope(exec, notify.EventStepCompleted, "build", map[string]any{"image": "app:1"})

	if env.ID.IsNil() {
		t.Error("envelope ID not assigned")
	}
	if env.WorkflowID != exec.ID.String() {
		t.Errorf("WorkflowID = %q, want execution id %q", env.WorkflowID, exec.ID)
	}
	if env.EventName != "build" {
		t.Errorf("EventName = %q, want build", env.EventName)
	}
	if env.Status != "COMPLETED" || env.Category != "step" {
		t.Errorf("got status=%q category=%q, want COMPLETED/step", env.Status, env.Category)
	}
	if len(env.SubscriberIDs) != 2 {
		t.Errorf("SubscriberIDs = %v, want carried through", env.SubscriberIDs)
	}
	if env.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestNewEnvelope_WorkflowIDOverride(t *testing.T) {
	exec := &execution.Execution{
		ID:                 id.NewExecutionID(),
		WorkflowIDOverride: "legacy-wf-42",
	}

	env := notify.NewEnvelope(exec, notify.EventWorkflowProgress, "", nil)
	if env.WorkflowID != "legacy-wf-42" {
		t.Errorf("WorkflowID = %q, want the override", env.WorkflowID)
	}
}

func TestNewEnvelope_CorrelationID(t *testing.T) {
	exec := &execution.Execution{ID: id.NewExecutionID()}

	env := notify.NewEnvelope(exec, notify.EventStepCompleted, "deploy", nil,
		notify.WithCorrelationID("wf-ext-9"))
	if env.CorrelationID != "wf-ext-9" {
		t.Errorf("CorrelationID = %q, want wf-ext-9", env.CorrelationID)
	}

	bare := notify.NewEnvelope(exec, notify.EventStepCompleted, "deploy", nil)
	if bare.CorrelationID != "" {
		t.Errorf("CorrelationID = %q, want empty without option", bare.CorrelationID)
	}
}
