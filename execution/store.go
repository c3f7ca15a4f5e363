package execution

import (
	"context"
	"time"

	"github.com/xraph/conduct/id"
)

// ListOpts filters and paginates execution listings.
type ListOpts struct {
	// Status filters by execution status. Empty means all.
	Status Status

	// Limit is the maximum number of results. Zero means no limit.
	Limit int

	// Offset skips that many results for pagination.
	Offset int
}

// Store is the persistence contract for executions and steps.
//
// Every update takes the version the caller last observed. On a mismatch
// the store mutates nothing and returns a *ConflictError carrying the
// current version; the caller re-reads and retries. On success the
// returned record carries the incremented version.
type Store interface {
	// ── Executions ──

	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, execID id.ExecutionID) (*Execution, error)
	UpdateExecution(ctx context.Context, exec *Execution, expectedVersion int64) (*Execution, error)
	ListExecutions(ctx context.Context, opts ListOpts) ([]*Execution, error)

	// ── Steps ──

	// CreateSteps persists the execution's step records in one batch at
	// submission time.
	CreateSteps(ctx context.Context, steps []*Step) error
	GetStep(ctx context.Context, stepID id.StepID) (*Step, error)
	UpdateStep(ctx context.Context, step *Step, expectedVersion int64) (*Step, error)
	ListSteps(ctx context.Context, execID id.ExecutionID) ([]*Step, error)

	// FindAwaitingStep returns the unique running step awaiting an event
	// whose correlation id matches externalWorkflowID, or
	// conduct.ErrStepNotFound when none is awaiting.
	FindAwaitingStep(ctx context.Context, externalWorkflowID string) (*Step, error)

	// ListTimedOutSteps returns awaiting steps whose deadline has passed
	// at the given instant.
	ListTimedOutSteps(ctx context.Context, now time.Time) ([]*Step, error)
}
