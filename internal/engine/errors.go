package engine

import "errors"

// ErrMaxRetriesExceeded rejects a reprocess request against a dead-lettered
// form when no force flag is supplied.
var ErrMaxRetriesExceeded = errors.New("form exceeded max retries; reprocess requires force")
