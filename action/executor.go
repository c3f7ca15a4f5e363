package action

import (
	"context"

	"github.com/xraph/conduct"
)

// Executor is the unit-of-work contract. One instance per action type is
// created lazily on first use and cached for the process lifetime, so
// implementations must be safe for concurrent use.
type Executor interface {
	// Execute performs the action. Synchronous actions finish their work
	// and return Complete/Fail; event-driven actions start external work
	// and return Await.
	Execute(ctx context.Context, ac *Context) (*Result, error)

	// OnEvent handles an inbound event routed to a step this executor
	// suspended. Only called while the step is awaiting and the
	// correlation id matches.
	OnEvent(ctx context.Context, ec *EventContext) (*EventResult, error)

	// ValidateParams applies business rules beyond the declared
	// parameter schema. A nil or empty slice means the parameters are
	// acceptable.
	ValidateParams(params map[string]any) []error

	// Cleanup releases external resources after a failure or
	// cancellation. Best-effort: errors are logged, never propagated.
	Cleanup(ctx context.Context, ac *Context)
}

// Base provides default implementations for the optional Executor
// methods. Embed it and override what the action needs.
type Base struct{}

// OnEvent rejects events: synchronous actions never wait on them.
func (Base) OnEvent(context.Context, *EventContext) (*EventResult, error) {
	return nil, conduct.ErrEventNotSupported
}

// ValidateParams accepts everything beyond the declared schema.
func (Base) ValidateParams(map[string]any) []error { return nil }

// Cleanup does nothing.
func (Base) Cleanup(context.Context, *Context) {}

// Factory constructs an action's executor. Called at most once per action
// type.
type Factory func() (Executor, error)
