package records

import "errors"

var (
	// ErrNotFound indicates no record exists for the requested key.
	ErrNotFound = errors.New("processing record not found")
	// ErrConflict indicates an optimistic concurrency collision: the caller's
	// version token is stale and the write was rejected.
	ErrConflict = errors.New("processing record version conflict")
)
