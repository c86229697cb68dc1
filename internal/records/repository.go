package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/docuflow/docuflow/pkg/repository"
)

const projection = `
	id, source_file, form_number, status, fields, low_confidence_fields,
	model_id, model_confidence, processed_at, retry_count, error, version`

type repo struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a PostgreSQL-backed record store.
func New(db *sql.DB, logger *slog.Logger) Store {
	return &repo{
		db:     db,
		logger: logger.With("system", "records"),
	}
}

func (r *repo) Find(ctx context.Context, sourceFile string, formNumber int) (*ProcessingRecord, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM processing_records
		WHERE source_file = $1 AND form_number = $2`, projection)

	rec, err := repository.QueryOne(ctx, r.db, q, []any{sourceFile, formNumber}, scanRecord)
	if err != nil {
		return nil, repository.MapError(err, ErrNotFound, ErrConflict)
	}
	return &rec, nil
}

func (r *repo) List(ctx context.Context, sourceFile string) ([]ProcessingRecord, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM processing_records
		WHERE source_file = $1
		ORDER BY form_number`, projection)

	recs, err := repository.QueryMany(ctx, r.db, q, []any{sourceFile}, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("list records for %s: %w", sourceFile, err)
	}
	return recs, nil
}

func (r *repo) Save(ctx context.Context, record *ProcessingRecord) error {
	record.ID = RecordID(record.SourceFile, record.FormNumber)

	fields, lowConfidence, err := marshalPayload(record)
	if err != nil {
		return err
	}

	if record.Version == 0 {
		return r.insert(ctx, record, fields, lowConfidence)
	}
	return r.update(ctx, record, fields, lowConfidence)
}

func (r *repo) insert(ctx context.Context, record *ProcessingRecord, fields, lowConfidence []byte) error {
	// ON CONFLICT DO NOTHING keeps the insert race explicit: the loser gets
	// no row back and must re-read the winner's version before writing.
	q := `
		INSERT INTO processing_records(
			id, source_file, form_number, status, fields, low_confidence_fields,
			model_id, model_confidence, processed_at, retry_count, error, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1)
		ON CONFLICT (id) DO NOTHING
		RETURNING version`

	args := []any{
		record.ID,
		record.SourceFile,
		record.FormNumber,
		record.Status,
		fields,
		lowConfidence,
		record.ModelID,
		record.ModelConfidence,
		record.ProcessedAt,
		record.RetryCount,
		record.Error,
	}

	var version int64
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&version); err != nil {
		return repository.MapError(err, ErrConflict, ErrConflict)
	}

	record.Version = version
	r.logger.Info(
		"record created",
		"source_file", record.SourceFile,
		"form_number", record.FormNumber,
		"status", record.Status,
	)
	return nil
}

func (r *repo) update(ctx context.Context, record *ProcessingRecord, fields, lowConfidence []byte) error {
	q := `
		UPDATE processing_records
		SET status = $3, fields = $4, low_confidence_fields = $5, model_id = $6,
			model_confidence = $7, processed_at = $8, retry_count = $9, error = $10,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`

	args := []any{
		record.ID,
		record.Version,
		record.Status,
		fields,
		lowConfidence,
		record.ModelID,
		record.ModelConfidence,
		record.ProcessedAt,
		record.RetryCount,
		record.Error,
	}

	var version int64
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&version); err != nil {
		return repository.MapError(err, ErrConflict, ErrConflict)
	}

	record.Version = version
	r.logger.Info(
		"record updated",
		"source_file", record.SourceFile,
		"form_number", record.FormNumber,
		"status", record.Status,
		"retry_count", record.RetryCount,
	)
	return nil
}

func marshalPayload(record *ProcessingRecord) (fields, lowConfidence []byte, err error) {
	if record.Fields == nil {
		record.Fields = map[string]FieldValue{}
	}
	if record.LowConfidenceFields == nil {
		record.LowConfidenceFields = []LowConfidenceField{}
	}

	fields, err = json.Marshal(record.Fields)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal fields: %w", err)
	}
	lowConfidence, err = json.Marshal(record.LowConfidenceFields)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal low confidence fields: %w", err)
	}
	return fields, lowConfidence, nil
}

func scanRecord(s repository.Scanner) (ProcessingRecord, error) {
	var (
		rec           ProcessingRecord
		fields        []byte
		lowConfidence []byte
	)

	err := s.Scan(
		&rec.ID,
		&rec.SourceFile,
		&rec.FormNumber,
		&rec.Status,
		&fields,
		&lowConfidence,
		&rec.ModelID,
		&rec.ModelConfidence,
		&rec.ProcessedAt,
		&rec.RetryCount,
		&rec.Error,
		&rec.Version,
	)
	if err != nil {
		return ProcessingRecord{}, err
	}

	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return ProcessingRecord{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	if err := json.Unmarshal(lowConfidence, &rec.LowConfidenceFields); err != nil {
		return ProcessingRecord{}, fmt.Errorf("unmarshal low confidence fields: %w", err)
	}

	return rec, nil
}
