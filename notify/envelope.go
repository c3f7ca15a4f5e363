// Package notify fans execution and step status changes out to
// subscriber topics. Delivery is best-effort and at-most-once: a failed
// publish lands on a bounded retry queue and is eventually discarded,
// never blocking the state machine that produced it.
package notify

import (
	"time"

	"github.com/xraph/conduct/execution"
	"github.com/xraph/conduct/id"
)

// EventType identifies what happened. The category and subscriber-facing
// status are derived from it deterministically.
type EventType string

const (
	EventStepStarted   EventType = "step-started"
	EventStepCompleted EventType = "step-completed"
	EventStepFailed    EventType = "step-failed"
	EventStepTimedOut  EventType = "step-timed-out"

	EventWorkflowStarted   EventType = "workflow-started"
	EventWorkflowProgress  EventType = "workflow-progress"
	EventWorkflowCompleted EventType = "workflow-completed"
	EventWorkflowFailed    EventType = "workflow-failed"
)

// Category returns "step" or "workflow" depending on the event level.
func (t EventType) Category() string {
	switch t {
	case EventStepStarted, EventStepCompleted, EventStepFailed, EventStepTimedOut:
		return "step"
	default:
		return "workflow"
	}
}

// Status returns the subscriber-facing status for the event type.
func (t EventType) Status() string {
	switch t {
	case EventStepStarted, EventWorkflowStarted:
		return "STARTED"
	case EventStepCompleted, EventWorkflowCompleted:
		return "COMPLETED"
	case EventStepFailed, EventWorkflowFailed:
		return "FAILED"
	case EventStepTimedOut:
		return "TIMEOUT"
	case EventWorkflowProgress:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the uniform wrapper every outbound event is delivered in.
type Envelope struct {
	ID       id.EventID `json:"id"`
	Category string     `json:"category"`
	Type     EventType  `json:"type"`

	// WorkflowID defaults to the execution id unless the execution
	// carries an explicit override.
	WorkflowID string `json:"workflow_id"`

	// EventName is the originating step id for step-level events, empty
	// for workflow-level events.
	EventName string `json:"event_name,omitempty"`

	Status        string   `json:"status"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	SubscriberIDs []string `json:"subscriber_ids,omitempty"`

	Data map[string]any `json:"data,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// EnvelopeOption customizes an envelope at construction.
type EnvelopeOption func(*Envelope)

// WithCorrelationID stamps the external workflow correlation id on the
// envelope so subscribers can match step events to the workflow they
// started.
func WithCorrelationID(cid string) EnvelopeOption {
	return func(env *Envelope) { env.CorrelationID = cid }
}

// NewEnvelope wraps event data for the given execution.
func NewEnvelope(exec *execution.Execution, eventType EventType, eventName string, data map[string]any, opts ...EnvelopeOption) *Envelope {
	env := &Envelope{
		ID:            id.NewEventID(),
		Category:      eventType.Category(),
		Type:          eventType,
		WorkflowID:    exec.WorkflowID(),
		EventName:     eventName,
		Status:        eventType.Status(),
		SubscriberIDs: exec.SubscriberIDs,
		Data:          data,
		Timestamp:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(env)
	}
	return env
}
