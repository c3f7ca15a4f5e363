package execution

import (
	"fmt"

	"github.com/xraph/conduct"
	"github.com/xraph/conduct/id"
)

// ConflictError reports an optimistic-lock failure: the caller supplied a
// version that no longer matches the stored row. Nothing was mutated; the
// caller must re-read and retry.
//
// It matches conduct.ErrVersionConflict under errors.Is, so callers can
// branch without importing this package's concrete type:
//
//	if errors.Is(err, conduct.ErrVersionConflict) { … }
//
// Use errors.As to recover the current version for the re-read.
type ConflictError struct {
	Kind     string // "definition", "execution" or "step"
	ID       id.ID
	Expected int64 // version the caller observed
	Current  int64 // version stored now
}

// NewConflict builds a ConflictError for the given record.
func NewConflict(kind string, recordID id.ID, expected, current int64) *ConflictError {
	return &ConflictError{Kind: kind, ID: recordID, Expected: expected, Current: current}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conduct: version conflict on %s %s: expected %d, current %d",
		e.Kind, e.ID.String(), e.Expected, e.Current)
}

// Is makes errors.Is(err, conduct.ErrVersionConflict) succeed.
func (e *ConflictError) Is(target error) bool {
	return target == conduct.ErrVersionConflict
}
