// Package execution defines the pipeline execution and step records, their
// status machine, and the optimistic-concurrency store contract they are
// persisted through.
package execution

import (
	"time"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/id"
)

// Execution is one run of a pipeline definition (or an ad-hoc DAG
// snapshot). Its status and progress are derived from aggregate step
// state; Version is the sole concurrency-control token.
type Execution struct {
	conduct.Entity

	ID           id.ExecutionID  `json:"id"`
	DefinitionID id.DefinitionID `json:"definition_id"` // Nil for ad-hoc DAGs
	Name         string          `json:"name"`
	Status       Status          `json:"status"`
	Progress     float64         `json:"progress"`
	Version      int64           `json:"version"`

	// Params are the workflow-level parameters supplied at submission,
	// visible to every step.
	Params map[string]any `json:"params,omitempty"`

	// FinalOutputs collects step outputs keyed by step id once the
	// execution completes.
	FinalOutputs map[string]any `json:"final_outputs,omitempty"`

	ErrorInfo string `json:"error_info,omitempty"`
	Initiator string `json:"initiator,omitempty"`

	// ETA is the estimated remaining duration, present only while the
	// execution is running and at least one step has completed.
	ETA *time.Duration `json:"eta,omitempty"`

	// Notification routing.
	SubscriberIDs      []string `json:"subscriber_ids,omitempty"`
	PayloadType        string   `json:"payload_type,omitempty"`
	WorkflowIDOverride string   `json:"workflow_id_override,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkflowID returns the identifier carried on outbound event envelopes:
// the override when set, otherwise the execution id.
func (e *Execution) WorkflowID() string {
	if e.WorkflowIDOverride != "" {
		return e.WorkflowIDOverride
	}
	return e.ID.String()
}

// Step is one DAG node's run within an execution. Steps sharing a
// Sequence run concurrently; a step may start only once every step at the
// previous sequence is terminal.
type Step struct {
	conduct.Entity

	ID          id.StepID      `json:"id"`
	ExecutionID id.ExecutionID `json:"execution_id"`

	// StepID is the DAG node identifier from the pipeline definition,
	// distinct from the record ID.
	StepID     string `json:"step_id"`
	Sequence   int    `json:"sequence"`
	ActionType string `json:"action_type"`

	Status     Status  `json:"status"`
	Progress   float64 `json:"progress"`
	Version    int64   `json:"version"`
	RetryCount int     `json:"retry_count"`

	// AwaitingEvent marks a running step suspended on an external
	// completion signal. It implies a non-empty ExternalWorkflowID and a
	// non-nil TimeoutAt.
	AwaitingEvent      bool       `json:"awaiting_event"`
	ExternalWorkflowID string     `json:"external_workflow_id,omitempty"`
	HandlerType        string     `json:"handler_type,omitempty"`
	TimeoutAt          *time.Time `json:"timeout_at,omitempty"`

	Params       map[string]any `json:"params,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	// ETA is the estimated remaining duration reported by the external
	// workflow, when it reports one.
	ETA *time.Duration `json:"eta,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EffectiveProgress returns the progress value the step contributes to
// aggregation: terminal-success steps count as fully done regardless of
// the stored value, everything else contributes its clamped stored value.
func (s *Step) EffectiveProgress() float64 {
	if s.Status.TerminalSuccess() {
		return 100
	}
	p := s.Progress
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
