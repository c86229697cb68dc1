// Package engine orchestrates document processing: splitting, rate-limited
// extraction dispatch, retry/dead-letter handling, confidence validation,
// idempotent persistence, and completion notification.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/docuflow/docuflow/internal/extraction"
	"github.com/docuflow/docuflow/internal/forms"
	"github.com/docuflow/docuflow/internal/notify"
	"github.com/docuflow/docuflow/internal/records"
)

// persistAttempts bounds local re-read-modify-write cycles on version
// conflicts. Conflicts do not count against the extraction retry budget.
const persistAttempts = 3

// statusPending marks a form that was never dispatched (shutdown before
// admission). It is resumable: nothing was persisted for the attempt.
const statusPending = "pending"

// Splitter partitions a source document into archived forms.
type Splitter interface {
	Split(ctx context.Context, sourceFile string, chunkSize int) ([]forms.Form, error)
}

// Extractor performs a single extraction attempt with no internal retry.
type Extractor interface {
	Analyze(ctx context.Context, req extraction.Request) (*extraction.Result, error)
}

// BlobStore is the slice of blob storage the engine needs: signed content
// URLs for the extractor and copies for dead-letter preservation.
type BlobStore interface {
	SignURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
}

// Notifier publishes best-effort terminal events.
type Notifier interface {
	Publish(ctx context.Context, evt notify.Event)
}

// Request asks the engine to process one source document.
type Request struct {
	SourceFile string
	ModelID    string
	// Force re-admits dead-lettered forms and resets their retry budget.
	Force bool
}

// FormResult reports the terminal state of one form within a Process call.
type FormResult struct {
	FormNumber int    `json:"form_number"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error,omitempty"`
}

// Summary reports the outcome of processing one source document.
type Summary struct {
	SourceFile     string       `json:"source_file"`
	TotalForms     int          `json:"total_forms"`
	FormsProcessed int          `json:"forms_processed"`
	Results        []FormResult `json:"results"`
}

// Engine wires the processing pipeline together. All collaborators are
// injected; the engine holds no global state beyond its semaphore.
type Engine struct {
	cfg       Config
	splitter  Splitter
	extractor Extractor
	store     records.Store
	blobs     BlobStore
	notifier  Notifier
	retry     retryPolicy
	// sem bounds concurrently in-flight extraction calls. It is held only
	// for the duration of an attempt: backoff waits release the slot, so a
	// retry re-enters the pool as a new dispatch competing fairly with
	// fresh forms.
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// New creates an engine from explicit collaborators.
func New(
	cfg Config,
	splitter Splitter,
	extractor Extractor,
	store records.Store,
	blobs BlobStore,
	notifier Notifier,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		splitter:  splitter,
		extractor: extractor,
		store:     store,
		blobs:     blobs,
		notifier:  notifier,
		retry:     newRetryPolicy(cfg),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		logger:    logger.With("system", "engine"),
	}
}

// Process splits the source document and drives every form to a terminal
// state. Form outcomes are independent: one form dead-lettering never fails
// the document. The returned error is reserved for failures that prevent
// processing from starting at all, such as an unsplittable document.
func (e *Engine) Process(ctx context.Context, req Request) (*Summary, error) {
	fms, err := e.splitter.Split(ctx, req.SourceFile, e.cfg.ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", req.SourceFile, err)
	}

	results := make([]FormResult, len(fms))

	var wg sync.WaitGroup
	for i := range fms {
		wg.Go(func() {
			results[i] = e.processForm(ctx, fms[i], req.ModelID, req.Force)
		})
	}
	wg.Wait()

	processed := 0
	for _, res := range results {
		if res.Status == string(records.StatusCompleted) || res.Status == string(records.StatusPartial) {
			processed++
		}
	}

	summary := &Summary{
		SourceFile:     req.SourceFile,
		TotalForms:     len(fms),
		FormsProcessed: processed,
		Results:        results,
	}

	e.logger.Info(
		"document processed",
		"source_file", req.SourceFile,
		"total_forms", summary.TotalForms,
		"forms_processed", summary.FormsProcessed,
	)

	return summary, nil
}

// processForm runs the per-form state machine:
// Pending → InFlight → {Completed | Retrying | DeadLetter}, with
// Retrying → Pending after the backoff delay elapses.
func (e *Engine) processForm(ctx context.Context, form forms.Form, modelID string, force bool) FormResult {
	logger := e.logger.With("source_file", form.SourceFile, "form_number", form.FormNumber)

	retryCount, version, blocked := e.seedRetryState(ctx, form, force, logger)
	if blocked != nil {
		return FormResult{
			FormNumber: form.FormNumber,
			Status:     string(records.StatusFailed),
			RetryCount: retryCount,
			Error:      blocked.Error(),
		}
	}

	for {
		// Pending → InFlight. A cancelled context admits nothing new; the
		// form stays pending and is resumable from the persisted record.
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return FormResult{
				FormNumber: form.FormNumber,
				Status:     statusPending,
				RetryCount: retryCount,
				Error:      "shutdown before dispatch",
			}
		}

		// Once admitted, the attempt runs to its own completion even if the
		// engine is shutting down: in-flight calls drain rather than abort.
		attemptCtx := context.WithoutCancel(ctx)
		result, err := e.dispatch(attemptCtx, form, modelID)
		e.sem.Release(1)

		if err == nil {
			return e.complete(attemptCtx, form, result, retryCount, version, logger)
		}

		failure := asFailure(err)
		if e.retry.decide(failure, retryCount) == decisionDeadLetter {
			return e.deadLetter(attemptCtx, form, modelID, failure, retryCount, version, logger)
		}

		delay := e.retry.delay(retryCount, failure.RetryAfter)
		logger.Warn(
			"extraction attempt failed, retrying",
			"kind", failure.Kind,
			"retry_count", retryCount,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return FormResult{
				FormNumber: form.FormNumber,
				Status:     statusPending,
				RetryCount: retryCount,
				Error:      "shutdown during backoff",
			}
		case <-time.After(delay):
		}

		// Retrying → Pending. This is the only place retryCount advances.
		retryCount++
	}
}

// seedRetryState resumes the retry budget from any persisted record and
// enforces the reprocess gate for dead-lettered forms.
func (e *Engine) seedRetryState(
	ctx context.Context,
	form forms.Form,
	force bool,
	logger *slog.Logger,
) (retryCount int, version int64, blocked error) {
	existing, err := e.store.Find(ctx, form.SourceFile, form.FormNumber)
	if err != nil {
		if !errors.Is(err, records.ErrNotFound) {
			logger.Warn("record lookup failed, treating form as new", "error", err)
		}
		return 0, 0, nil
	}

	switch {
	case existing.DeadLettered(e.cfg.MaxRetries) && !force:
		logger.Info("reprocess rejected", "retry_count", existing.RetryCount)
		return existing.RetryCount, existing.Version, ErrMaxRetriesExceeded
	case existing.Status == records.StatusFailed && !force:
		// Resume the remaining budget from the persisted snapshot.
		return existing.RetryCount, existing.Version, nil
	default:
		// Completed/partial reprocess, or forced reset of a dead letter.
		return 0, existing.Version, nil
	}
}

// dispatch performs one extraction attempt: sign a content URL the remote
// service can fetch for the attempt's lifetime, then submit.
func (e *Engine) dispatch(ctx context.Context, form forms.Form, modelID string) (*extraction.Result, error) {
	contentURL, err := e.blobs.SignURL(ctx, form.StorageKey, e.cfg.TokenTTLDuration())
	if err != nil {
		return nil, fmt.Errorf("sign content url: %w", err)
	}

	return e.extractor.Analyze(ctx, extraction.Request{
		ContentURL: contentURL,
		ModelID:    modelID,
	})
}

// complete validates the extraction result, persists the record, and fires
// the completion event. InFlight → Completed.
func (e *Engine) complete(
	ctx context.Context,
	form forms.Form,
	result *extraction.Result,
	retryCount int,
	version int64,
	logger *slog.Logger,
) FormResult {
	accepted, flagged := partitionFields(result.Fields, e.cfg.ConfidenceThreshold)
	status := recordStatus(flagged)
	confidence := result.ModelConfidence

	rec := &records.ProcessingRecord{
		SourceFile:          form.SourceFile,
		FormNumber:          form.FormNumber,
		Status:              status,
		Fields:              accepted,
		LowConfidenceFields: flagged,
		ModelID:             result.ModelID,
		ModelConfidence:     &confidence,
		ProcessedAt:         time.Now().UTC(),
		RetryCount:          retryCount,
		Version:             version,
	}

	if err := e.persist(ctx, rec); err != nil {
		logger.Error("persist completed record failed", "error", err)
		return FormResult{
			FormNumber: form.FormNumber,
			Status:     statusPending,
			RetryCount: retryCount,
			Error:      err.Error(),
		}
	}

	logger.Info(
		"form completed",
		"status", status,
		"retry_count", retryCount,
		"low_confidence_fields", len(flagged),
	)

	e.notifier.Publish(ctx, notify.Event{
		Event:      notify.EventFormCompleted,
		SourceFile: form.SourceFile,
		Status:     string(status),
		FormNumber: form.FormNumber,
		RetryCount: retryCount,
	})

	return FormResult{
		FormNumber: form.FormNumber,
		Status:     string(status),
		RetryCount: retryCount,
	}
}

// deadLetter preserves the form content for triage, persists the failed
// record, and fires the dead-letter event. InFlight → DeadLetter.
func (e *Engine) deadLetter(
	ctx context.Context,
	form forms.Form,
	modelID string,
	failure *extraction.Failure,
	retryCount int,
	version int64,
	logger *slog.Logger,
) FormResult {
	triageKey := forms.DeadLetterKey(form.SourceFile, form.FormNumber)
	if err := e.blobs.Copy(ctx, form.StorageKey, triageKey); err != nil {
		logger.Warn("dead-letter content preservation failed", "key", triageKey, "error", err)
	}

	message := failure.Error()
	rec := &records.ProcessingRecord{
		SourceFile:  form.SourceFile,
		FormNumber:  form.FormNumber,
		Status:      records.StatusFailed,
		ModelID:     modelID,
		ProcessedAt: time.Now().UTC(),
		RetryCount:  retryCount,
		Error:       &message,
		Version:     version,
	}

	if err := e.persist(ctx, rec); err != nil {
		logger.Error("persist dead-letter record failed", "error", err)
	}

	logger.Error(
		"form dead-lettered",
		"kind", failure.Kind,
		"retry_count", retryCount,
		"error", message,
	)

	e.notifier.Publish(ctx, notify.Event{
		Event:      notify.EventFormDeadLettered,
		SourceFile: form.SourceFile,
		Status:     string(records.StatusFailed),
		FormNumber: form.FormNumber,
		RetryCount: retryCount,
	})

	return FormResult{
		FormNumber: form.FormNumber,
		Status:     string(records.StatusFailed),
		RetryCount: retryCount,
		Error:      message,
	}
}

// persist writes the record, resolving optimistic concurrency collisions by
// re-reading the current version token and re-applying this snapshot.
func (e *Engine) persist(ctx context.Context, rec *records.ProcessingRecord) error {
	for attempt := 0; attempt < persistAttempts; attempt++ {
		err := e.store.Save(ctx, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, records.ErrConflict) {
			return err
		}

		current, findErr := e.store.Find(ctx, rec.SourceFile, rec.FormNumber)
		switch {
		case findErr == nil:
			rec.Version = current.Version
		case errors.Is(findErr, records.ErrNotFound):
			rec.Version = 0
		default:
			return findErr
		}
	}

	return fmt.Errorf("persist record after %d attempts: %w", persistAttempts, records.ErrConflict)
}

// asFailure coerces any dispatch error into a classified failure so the
// state machine never has to branch on raw errors. Unclassified errors are
// treated as transient.
func asFailure(err error) *extraction.Failure {
	var failure *extraction.Failure
	if errors.As(err, &failure) {
		return failure
	}
	return &extraction.Failure{
		Kind:    extraction.FailureTransient,
		Message: err.Error(),
	}
}
