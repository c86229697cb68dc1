// Package extraction wraps the external document-understanding service behind
// a single-attempt client. Remote failures are classified into tagged Failure
// values so the retry machine can match on kind without inspecting transport
// errors across goroutine boundaries.
package extraction

import (
	"fmt"
	"time"
)

// Field is one extracted value with its confidence score in [0, 1].
type Field struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Result is the successful outcome of one extraction attempt.
type Result struct {
	Fields          map[string]Field `json:"fields"`
	ModelID         string           `json:"model_id"`
	ModelConfidence float64          `json:"model_confidence"`
}

// Request identifies the content and model for one extraction attempt.
// ContentURL must be independently fetchable by the remote service for the
// lifetime of the attempt (a signed blob URL).
type Request struct {
	ContentURL string
	ModelID    string
}

// FailureKind classifies a remote extraction failure.
type FailureKind string

const (
	// FailureRateLimited is a 429-equivalent rejection, optionally carrying a
	// server-suggested retry delay.
	FailureRateLimited FailureKind = "rate_limited"
	// FailureTimeout covers request deadlines and poll-budget exhaustion.
	FailureTimeout FailureKind = "timeout"
	// FailureTransient is a 5xx-equivalent service fault.
	FailureTransient FailureKind = "transient"
	// FailureInvalidInput is a non-rate-limit 4xx-equivalent rejection.
	FailureInvalidInput FailureKind = "invalid_input"
	// FailureModelNotFound indicates the requested model does not exist.
	FailureModelNotFound FailureKind = "model_not_found"
)

// Retryable reports whether a failure of this kind may succeed on re-submission.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureRateLimited, FailureTimeout, FailureTransient:
		return true
	default:
		return false
	}
}

// Failure is a classified extraction error. It is the sole signal the retry
// machine acts on.
type Failure struct {
	Kind FailureKind
	// RetryAfter is the server-suggested delay, when one was provided.
	// It takes precedence over computed backoff.
	RetryAfter *time.Duration
	Message    string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("extraction %s: %s", f.Kind, f.Message)
}

// Retryable reports whether the failure may succeed on re-submission.
func (f *Failure) Retryable() bool {
	return f.Kind.Retryable()
}

func newFailure(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
