package pipeline

import (
	"context"

	"github.com/xraph/conduct/id"
)

// ListOpts filters and paginates definition listings.
type ListOpts struct {
	// OwnerID filters by owner. Empty means all owners.
	OwnerID string

	// Status filters by lifecycle state. Empty means active only;
	// deleted definitions must be asked for explicitly.
	Status Status

	// Limit is the maximum number of results. Zero means no limit.
	Limit int

	// Offset skips that many results for pagination.
	Offset int
}

// Store is the persistence contract for pipeline definitions. Updates and
// deletes are version-checked; a mismatch returns *execution.ConflictError
// and mutates nothing.
type Store interface {
	CreateDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, defID id.DefinitionID) (*Definition, error)
	UpdateDefinition(ctx context.Context, def *Definition, expectedVersion int64) (*Definition, error)

	// DeleteDefinition soft-deletes: the record stays readable with
	// status deleted.
	DeleteDefinition(ctx context.Context, defID id.DefinitionID, expectedVersion int64) error

	ListDefinitions(ctx context.Context, opts ListOpts) ([]*Definition, error)
}
