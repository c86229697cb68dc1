// Package records implements the durable processing record for one form.
// Records are keyed deterministically by (sourceFile, formNumber) so
// re-processing overwrites rather than duplicates, and guarded by an
// optimistic version token so concurrent reprocessors cannot silently
// overwrite newer data with older data.
package records

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal state of a processed form.
type Status string

const (
	// StatusCompleted means every extracted field met the confidence threshold.
	StatusCompleted Status = "completed"
	// StatusPartial means at least one field fell below the threshold and is
	// flagged for human review.
	StatusPartial Status = "partial"
	// StatusFailed means the form was dead-lettered.
	StatusFailed Status = "failed"
)

// FieldValue is an accepted extracted value.
type FieldValue struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// LowConfidenceField is a flagged extracted value retained for review.
// Low-confidence fields are never dropped.
type LowConfidenceField struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ProcessingRecord is the durable result for one form, partitioned by
// SourceFile. RetryCount is owned by the engine's retry machine; the store
// only persists the snapshot it is given.
type ProcessingRecord struct {
	ID                  uuid.UUID            `json:"id"`
	SourceFile          string               `json:"source_file"`
	FormNumber          int                  `json:"form_number"`
	Status              Status               `json:"status"`
	Fields              map[string]FieldValue `json:"fields"`
	LowConfidenceFields []LowConfidenceField `json:"low_confidence_fields"`
	ModelID             string               `json:"model_id"`
	ModelConfidence     *float64             `json:"model_confidence"`
	ProcessedAt         time.Time            `json:"processed_at"`
	RetryCount          int                  `json:"retry_count"`
	Error               *string              `json:"error"`
	Version             int64                `json:"version"`
}

// DeadLettered reports whether the record represents an exhausted form that
// requires manual intervention before re-processing.
func (r *ProcessingRecord) DeadLettered(maxRetries int) bool {
	return r.Status == StatusFailed && r.RetryCount >= maxRetries
}

// recordNamespace seeds deterministic record ids. Changing it would orphan
// every existing record.
var recordNamespace = uuid.MustParse("7a3c5e16-42bd-49d2-8f0e-3f2b6a1d9c44")

// RecordID derives the record id as a pure function of (sourceFile, formNumber).
func RecordID(sourceFile string, formNumber int) uuid.UUID {
	return uuid.NewSHA1(recordNamespace, fmt.Appendf(nil, "%s#%d", sourceFile, formNumber))
}

// Store defines the durable contract the engine requires: idempotent
// conditional upsert and partition-scoped reads. Cross-document scans are
// deliberately absent.
type Store interface {
	// Find returns the record for the given key, or ErrNotFound.
	Find(ctx context.Context, sourceFile string, formNumber int) (*ProcessingRecord, error)
	// List returns all records for one source document.
	List(ctx context.Context, sourceFile string) ([]ProcessingRecord, error)
	// Save inserts the record when Version is zero, otherwise performs a
	// conditional update against the held version. On success the record's
	// Version reflects the stored value; ErrConflict means the caller holds
	// a stale snapshot and must re-read before writing again.
	Save(ctx context.Context, record *ProcessingRecord) error
}
