package scrape

import "errors"

// Error taxonomy for the pipeline. Callers classify with errors.Is.
var (
	// ErrValidation marks a rejected job request; nothing was persisted.
	ErrValidation = errors.New("validation error")
	// ErrPersistence marks a store failure other than an expected duplicate hash.
	ErrPersistence = errors.New("persistence error")
	// ErrCollection marks a failure of the collection capability.
	ErrCollection = errors.New("collection error")
	// ErrDuplicateContent is returned when a result record hash already exists.
	ErrDuplicateContent = errors.New("duplicate content")
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a status change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid status transition")
)
