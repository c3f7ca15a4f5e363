package conduct

import "errors"

var (
	// Store errors.
	ErrNoStore            = errors.New("conduct: no store configured")
	ErrStorageUnavailable = errors.New("conduct: storage unavailable")

	// Not found errors.
	ErrDefinitionNotFound = errors.New("conduct: pipeline definition not found")
	ErrExecutionNotFound  = errors.New("conduct: execution not found")
	ErrStepNotFound       = errors.New("conduct: step not found")
	ErrActionNotFound     = errors.New("conduct: action type not registered")

	// Conflict errors.
	ErrDefinitionExists = errors.New("conduct: pipeline definition already exists")
	ErrExecutionExists  = errors.New("conduct: execution already exists")
	ErrVersionConflict  = errors.New("conduct: version conflict")

	// State errors.
	ErrInvalidTransition = errors.New("conduct: invalid state transition")
	ErrEventNotSupported = errors.New("conduct: action does not support events")
	ErrNotAwaiting       = errors.New("conduct: step is not awaiting an event")
	ErrRetryExhausted    = errors.New("conduct: step retry budget exhausted")
)
