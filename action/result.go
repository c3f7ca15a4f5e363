package action

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/conduct/execution"
)

// Result is the transient outcome of an Execute call. It is never
// persisted as-is; the engine reads it to drive the step transition.
type Result struct {
	Success bool

	// AwaitingEvent marks the step as suspended on an external
	// completion signal instead of finishing now. Requires Success and a
	// non-empty ExternalWorkflowID; enforced at construction.
	AwaitingEvent      bool
	ExternalWorkflowID string

	// HandlerType names the event handler variant recorded on the step.
	HandlerType string

	// Timeout bounds how long the step waits for its event. Zero means
	// the orchestrator default.
	Timeout time.Duration

	Outputs      map[string]any
	ErrorMessage string
}

// Complete returns a successful synchronous result.
func Complete(outputs map[string]any) *Result {
	return &Result{Success: true, Outputs: outputs}
}

// Fail returns a failed result with the given message.
func Fail(msg string) *Result {
	return &Result{Success: false, ErrorMessage: msg}
}

// Failf returns a failed result with a formatted message.
func Failf(format string, args ...any) *Result {
	return Fail(fmt.Sprintf(format, args...))
}

// Await returns a result that suspends the step until an event carrying
// externalWorkflowID arrives. The correlation id is mandatory.
func Await(externalWorkflowID, handlerType string, timeout time.Duration, outputs map[string]any) (*Result, error) {
	r := &Result{
		Success:            true,
		AwaitingEvent:      true,
		ExternalWorkflowID: externalWorkflowID,
		HandlerType:        handlerType,
		Timeout:            timeout,
		Outputs:            outputs,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate enforces the awaiting invariants: an awaiting result must be
// successful and must carry a correlation id.
func (r *Result) Validate() error {
	if r.AwaitingEvent && !r.Success {
		return fmt.Errorf("action: awaiting result must be successful")
	}
	if r.AwaitingEvent && r.ExternalWorkflowID == "" {
		return fmt.Errorf("action: awaiting result requires an external workflow id")
	}
	return nil
}

// Directive tells the engine what an OnEvent call decided.
type Directive string

const (
	// DirectiveComplete finishes the step with the supplied terminal
	// status.
	DirectiveComplete Directive = "complete"

	// DirectiveUpdateProgress keeps the step running and updates its
	// progress and/or ETA.
	DirectiveUpdateProgress Directive = "update_progress"

	// DirectiveIgnore leaves the step untouched.
	DirectiveIgnore Directive = "ignore"
)

// EventResult is the transient outcome of an OnEvent call.
type EventResult struct {
	Directive Directive

	// Status is the terminal status applied under DirectiveComplete.
	Status execution.Status

	// Progress, when non-nil, replaces the step's progress percentage
	// under DirectiveUpdateProgress.
	Progress *float64

	// ETA, when non-nil, is the remaining duration reported by the
	// external workflow.
	ETA *time.Duration

	Outputs map[string]any
	Message string
}

// CompleteEvent returns an event result that finishes the step with the
// given terminal status.
func CompleteEvent(status execution.Status, outputs map[string]any) (*EventResult, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("action: complete directive requires a terminal status, got %q", status)
	}
	return &EventResult{Directive: DirectiveComplete, Status: status, Outputs: outputs}, nil
}

// ProgressEvent returns an event result that updates progress and/or ETA
// while the step keeps waiting. Either value may be nil.
func ProgressEvent(progress *float64, eta *time.Duration) *EventResult {
	return &EventResult{Directive: DirectiveUpdateProgress, Progress: progress, ETA: eta}
}

// IgnoreEvent returns an event result that changes nothing.
func IgnoreEvent() *EventResult {
	return &EventResult{Directive: DirectiveIgnore}
}

// ParseETAMinutes interprets a free-form upstream value as an ETA in
// minutes. Upstream systems report ETAs as numbers, numeric strings, or
// strings like "15 minutes"; anything unparsable means "no ETA", never an
// error.
func ParseETAMinutes(v any) *time.Duration {
	var minutes float64

	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		minutes = t
	case float32:
		minutes = float64(t)
	case int:
		minutes = float64(t)
	case int64:
		minutes = float64(t)
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		s = strings.TrimSuffix(s, "minutes")
		s = strings.TrimSuffix(s, "minute")
		s = strings.TrimSuffix(s, "mins")
		s = strings.TrimSuffix(s, "min")
		s = strings.TrimSpace(s)
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		minutes = parsed
	default:
		return nil
	}

	if minutes < 0 {
		return nil
	}
	d := time.Duration(minutes * float64(time.Minute))
	return &d
}
