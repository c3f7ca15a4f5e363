package execution

// Status represents the lifecycle state of an execution or a step.
type Status string

const (
	// StatusPending means the step has been created but not started.
	StatusPending Status = "pending"

	// StatusRunning means the step is executing, or — with AwaitingEvent
	// set — waiting on an external completion event.
	StatusRunning Status = "running"

	// StatusRetrying marks a caller-driven re-entry into running after a
	// terminal failure. It is transient: the step moves back to running
	// as soon as re-execution begins.
	StatusRetrying Status = "retrying"

	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"

	// StatusFailed is terminal failure.
	StatusFailed Status = "failed"

	// StatusSkipped is terminal: the step was deliberately not run but
	// counts as done for ordering and progress.
	StatusSkipped Status = "skipped"

	// StatusTimeout is terminal: an awaiting step exceeded its deadline.
	StatusTimeout Status = "timeout"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusTimeout:
		return true
	default:
		return false
	}
}

// TerminalSuccess reports whether the status is terminal and unblocks
// successor steps (completed or skipped).
func (s Status) TerminalSuccess() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// validTransitions maps each status to the statuses it may move to.
// Retrying is reachable only from terminal failures (caller-driven).
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusSkipped, StatusFailed},
	StatusRunning:  {StatusRunning, StatusCompleted, StatusFailed, StatusSkipped, StatusTimeout},
	StatusRetrying: {StatusRunning, StatusFailed},
	StatusFailed:   {StatusRetrying},
	StatusTimeout:  {StatusRetrying},
}

// CanTransition reports whether moving from s to next is a legal
// state-machine edge. A self-transition on running is allowed because
// awaiting/progress updates rewrite the row without changing status.
func (s Status) CanTransition(next Status) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
