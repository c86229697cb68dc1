package forms

import "errors"

// ErrInvalidDocument indicates the source document is empty or cannot be
// parsed as a PDF. This is fatal for the document; no retry is attempted.
var ErrInvalidDocument = errors.New("invalid document")
