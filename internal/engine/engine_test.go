package engine_test

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docuflow/docuflow/internal/engine"
	"github.com/docuflow/docuflow/internal/extraction"
	"github.com/docuflow/docuflow/internal/forms"
	"github.com/docuflow/docuflow/internal/notify"
	"github.com/docuflow/docuflow/internal/records"
)

const testSource = "inbox/claims-batch.pdf"

func testConfig() engine.Config {
	return engine.Config{
		ChunkSize:           2,
		MaxConcurrency:      3,
		MaxRetries:          3,
		RetryBase:           "1ms",
		RetryCap:            "4ms",
		ConfidenceThreshold: 0.80,
		TokenTTL:            "30m",
	}
}

func testForms(count int) []forms.Form {
	fms := make([]forms.Form, count)
	for i := range fms {
		number := i + 1
		fms[i] = forms.Form{
			SourceFile: testSource,
			FormNumber: number,
			PageStart:  i*2 + 1,
			PageEnd:    i*2 + 2,
			TotalForms: count,
			StorageKey: forms.FormKey(testSource, number),
		}
	}
	return fms
}

func goodResult() *extraction.Result {
	return &extraction.Result{
		Fields: map[string]extraction.Field{
			"claimNumber": {Value: "CLM-2291", Confidence: 0.99},
			"memberName":  {Value: "J. Rivera", Confidence: 0.95},
		},
		ModelID:         "claims-v3",
		ModelConfidence: 0.97,
	}
}

type fakeSplitter struct {
	fms []forms.Form
	err error
}

func (s *fakeSplitter) Split(_ context.Context, _ string, _ int) ([]forms.Form, error) {
	return s.fms, s.err
}

type attempt struct {
	result *extraction.Result
	err    error
}

// fakeExtractor replays a per-form script of attempt outcomes, keyed by the
// signed content URL. Forms without a script always succeed. The final
// scripted outcome repeats once the script is exhausted.
type fakeExtractor struct {
	mu          sync.Mutex
	script      map[string][]attempt
	calls       map[string]int
	hold        time.Duration
	inFlight    int
	maxInFlight int
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		script: make(map[string][]attempt),
		calls:  make(map[string]int),
	}
}

func (f *fakeExtractor) Analyze(_ context.Context, req extraction.Request) (*extraction.Result, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	idx := f.calls[req.ContentURL]
	f.calls[req.ContentURL]++
	outcomes := f.script[req.ContentURL]
	hold := f.hold
	f.mu.Unlock()

	if hold > 0 {
		time.Sleep(hold)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if len(outcomes) == 0 {
		return goodResult(), nil
	}
	if idx >= len(outcomes) {
		idx = len(outcomes) - 1
	}
	return outcomes[idx].result, outcomes[idx].err
}

func (f *fakeExtractor) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// memStore mirrors the durable store's optimistic concurrency contract:
// zero-version saves insert, non-zero saves must match the stored version.
type memStore struct {
	mu        sync.Mutex
	recs      map[uuid.UUID]records.ProcessingRecord
	failSaves int
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[uuid.UUID]records.ProcessingRecord)}
}

func (s *memStore) Find(_ context.Context, sourceFile string, formNumber int) (*records.ProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[records.RecordID(sourceFile, formNumber)]
	if !ok {
		return nil, records.ErrNotFound
	}
	return &rec, nil
}

func (s *memStore) List(_ context.Context, sourceFile string) ([]records.ProcessingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []records.ProcessingRecord
	for _, rec := range s.recs {
		if rec.SourceFile == sourceFile {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) Save(_ context.Context, rec *records.ProcessingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failSaves > 0 {
		s.failSaves--
		return records.ErrConflict
	}

	id := records.RecordID(rec.SourceFile, rec.FormNumber)
	existing, ok := s.recs[id]
	if rec.Version == 0 {
		if ok {
			return records.ErrConflict
		}
		rec.ID = id
		rec.Version = 1
	} else {
		if !ok || existing.Version != rec.Version {
			return records.ErrConflict
		}
		rec.ID = id
		rec.Version = existing.Version + 1
	}
	s.recs[id] = *rec
	return nil
}

func (s *memStore) seed(rec records.ProcessingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = records.RecordID(rec.SourceFile, rec.FormNumber)
	s.recs[rec.ID] = rec
}

type fakeBlobs struct {
	mu     sync.Mutex
	copies map[string]string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{copies: make(map[string]string)}
}

func (b *fakeBlobs) SignURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return key, nil
}

func (b *fakeBlobs) Copy(_ context.Context, srcKey, dstKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.copies[dstKey] = srcKey
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *fakeNotifier) Publish(_ context.Context, evt notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *fakeNotifier) count(eventType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, evt := range n.events {
		if evt.Event == eventType {
			total++
		}
	}
	return total
}

type harness struct {
	splitter  *fakeSplitter
	extractor *fakeExtractor
	store     *memStore
	blobs     *fakeBlobs
	notifier  *fakeNotifier
	engine    *engine.Engine
}

func newHarness(cfg engine.Config, fms []forms.Form) *harness {
	h := &harness{
		splitter:  &fakeSplitter{fms: fms},
		extractor: newFakeExtractor(),
		store:     newMemStore(),
		blobs:     newFakeBlobs(),
		notifier:  &fakeNotifier{},
	}
	h.engine = engine.New(
		cfg,
		h.splitter,
		h.extractor,
		h.store,
		h.blobs,
		h.notifier,
		slog.New(slog.DiscardHandler),
	)
	return h
}

func result(t *testing.T, summary *engine.Summary, formNumber int) engine.FormResult {
	t.Helper()
	for _, res := range summary.Results {
		if res.FormNumber == formNumber {
			return res
		}
	}
	t.Fatalf("no result for form %d", formNumber)
	return engine.FormResult{}
}

func TestProcessCompletesAllForms(t *testing.T) {
	h := newHarness(testConfig(), testForms(3))

	summary, err := h.engine.Process(context.Background(), engine.Request{
		SourceFile: testSource,
		ModelID:    "claims-v3",
	})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}

	if summary.TotalForms != 3 || summary.FormsProcessed != 3 {
		t.Errorf("summary = %d/%d processed, want 3/3", summary.FormsProcessed, summary.TotalForms)
	}
	for _, res := range summary.Results {
		if res.Status != string(records.StatusCompleted) {
			t.Errorf("form %d status = %s, want completed", res.FormNumber, res.Status)
		}
		if res.RetryCount != 0 {
			t.Errorf("form %d retry count = %d, want 0", res.FormNumber, res.RetryCount)
		}
	}

	stored, err := h.store.List(context.Background(), testSource)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored %d records, want 3", len(stored))
	}
	for _, rec := range stored {
		if rec.Version != 1 {
			t.Errorf("form %d version = %d, want 1 after first write", rec.FormNumber, rec.Version)
		}
		if len(rec.Fields) != 2 || len(rec.LowConfidenceFields) != 0 {
			t.Errorf("form %d fields = %d accepted / %d flagged, want 2/0", rec.FormNumber, len(rec.Fields), len(rec.LowConfidenceFields))
		}
	}

	if got := h.notifier.count(notify.EventFormCompleted); got != 3 {
		t.Errorf("completed events = %d, want 3", got)
	}
}

func TestProcessRecoversFromRateLimit(t *testing.T) {
	h := newHarness(testConfig(), testForms(3))

	hint := time.Millisecond
	h.extractor.script[forms.FormKey(testSource, 2)] = []attempt{
		{err: &extraction.Failure{Kind: extraction.FailureRateLimited, RetryAfter: &hint, Message: "throttled"}},
		{result: goodResult()},
	}

	summary, err := h.engine.Process(context.Background(), engine.Request{
		SourceFile: testSource,
		ModelID:    "claims-v3",
	})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}

	if summary.FormsProcessed != 3 {
		t.Errorf("forms processed = %d, want 3", summary.FormsProcessed)
	}

	res := result(t, summary, 2)
	if res.Status != string(records.StatusCompleted) {
		t.Errorf("form 2 status = %s, want completed", res.Status)
	}
	if res.RetryCount != 1 {
		t.Errorf("form 2 retry count = %d, want 1", res.RetryCount)
	}

	rec, err := h.store.Find(context.Background(), testSource, 2)
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if rec.Status != records.StatusCompleted || rec.RetryCount != 1 {
		t.Errorf("record = %s/%d retries, want completed/1", rec.Status, rec.RetryCount)
	}
	if len(rec.LowConfidenceFields) != 0 {
		t.Errorf("low confidence fields = %d, want 0", len(rec.LowConfidenceFields))
	}

	if got := h.notifier.count(notify.EventFormDeadLettered); got != 0 {
		t.Errorf("dead-letter events = %d, want 0", got)
	}
}

func TestProcessDeadLettersExhaustedForm(t *testing.T) {
	h := newHarness(testConfig(), testForms(1))

	key := forms.FormKey(testSource, 1)
	h.extractor.script[key] = []attempt{
		{err: &extraction.Failure{Kind: extraction.FailureTransient, Message: "upstream fault"}},
	}

	summary, err := h.engine.Process(context.Background(), engine.Request{
		SourceFile: testSource,
		ModelID:    "claims-v3",
	})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}

	if summary.FormsProcessed != 0 {
		t.Errorf("forms processed = %d, want 0", summary.FormsProcessed)
	}

	res := result(t, summary, 1)
	if res.Status != string(records.StatusFailed) {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if res.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", res.RetryCount)
	}

	// Initial attempt plus one per budgeted retry.
	if got := h.extractor.callCount(key); got != 4 {
		t.Errorf("extraction attempts = %d, want 4", got)
	}

	rec, err := h.store.Find(context.Background(), testSource, 1)
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if rec.Status != records.StatusFailed || rec.RetryCount != 3 {
		t.Errorf("record = %s/%d retries, want failed/3", rec.Status, rec.RetryCount)
	}
	if rec.Error == nil || !strings.Contains(*rec.Error, "upstream fault") {
		t.Errorf("record error = %v, want the failure message preserved", rec.Error)
	}

	if got := h.notifier.count(notify.EventFormDeadLettered); got != 1 {
		t.Errorf("dead-letter events = %d, want exactly 1", got)
	}

	triageKey := forms.DeadLetterKey(testSource, 1)
	h.blobs.mu.Lock()
	src, copied := h.blobs.copies[triageKey]
	h.blobs.mu.Unlock()
	if !copied || src != key {
		t.Errorf("dead-letter copy = %q from %q, want %q from %q", triageKey, src, triageKey, key)
	}
}

func TestProcessDeadLettersInvalidInputImmediately(t *testing.T) {
	h := newHarness(testConfig(), testForms(1))

	key := forms.FormKey(testSource, 1)
	h.extractor.script[key] = []attempt{
		{err: &extraction.Failure{Kind: extraction.FailureInvalidInput, Message: "unreadable content"}},
	}

	summary, err := h.engine.Process(context.Background(), engine.Request{
		SourceFile: testSource,
		ModelID:    "claims-v3",
	})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}

	res := result(t, summary, 1)
	if res.Status != string(records.StatusFailed) || res.RetryCount != 0 {
		t.Errorf("result = %s/%d retries, want failed/0", res.Status, res.RetryCount)
	}
	if got := h.extractor.callCount(key); got != 1 {
		t.Errorf("extraction attempts = %d, want 1 (no retry for invalid input)", got)
	}
}

func TestProcessPartialOnLowConfidence(t *testing.T) {
	h := newHarness(testConfig(), testForms(1))

	h.extractor.script[forms.FormKey(testSource, 1)] = []attempt{
		{result: &extraction.Result{
			Fields: map[string]extraction.Field{
				"claimNumber": {Value: "CLM-2291", Confidence: 0.99},
				"memberId":    {Value: "M-4417", Confidence: 0.40},
			},
			ModelID:         "claims-v3",
			ModelConfidence: 0.70,
		}},
	}

	summary, err := h.engine.Process(context.Background(), engine.Request{
		SourceFile: testSource,
		ModelID:    "claims-v3",
	})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}

	// Partial is still processed: the document-level count includes it.
	if summary.FormsProcessed != 1 {
		t.Errorf("forms processed = %d, want 1", summary.FormsProcessed)
	}

	rec, err := h.store.Find(context.Background(), testSource, 1)
	if err != nil {
		t.Fatalf("Find error: %v", err)
	}
	if rec.Status != records.StatusPartial {
		t.Errorf("status = %s, want partial", rec.Status)
	}
	if len(rec.Fields) != 1 || len(rec.LowConfidenceFields) != 1 {
		t.Errorf("fields = %d accepted / %d flagged, want 1/1", len(rec.Fields), len(rec.LowConfidenceFields))
	}
	if rec.LowConfidenceFields[0].Name != "memberId" || rec.LowConfidenceFields[0].Value != "M-4417" {
		t.Errorf("flagged field = %+v, want memberId retained with its value", rec.LowConfidenceFields[0])
	}
}

func TestProcessHonorsConcurrencyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 3

	h := newHarness(cfg, testForms(10))
	h.extractor.hold = 5 * time.Millisecond

	summary, err := h.engine.Process(context.Background(), engine.Request{
		SourceFile: testSource,
		ModelID:    "claims-v3",
	})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}

	if summary.FormsProcessed != 10 {
		t.Errorf("forms processed = %d, want 10", summary.FormsProcessed)
	}

	h.extractor.mu.Lock()
	peak := h.extractor.maxInFlight
	h.extractor.mu.Unlock()
	if peak > 3 {
		t.Errorf("peak in-flight extractions = %d, want at most 3", peak)
	}
	if peak < 2 {
		t.Errorf("peak in-flight extractions = %d, limiter appears serialized", peak)
	}
}

func TestProcessReprocessGate(t *testing.T) {
	deadLettered := func() records.ProcessingRecord {
		message := "extraction transient: upstream fault"
		return records.ProcessingRecord{
			SourceFile:  testSource,
			FormNumber:  1,
			Status:      records.StatusFailed,
			ModelID:     "claims-v3",
			ProcessedAt: time.Now().UTC(),
			RetryCount:  3,
			Error:       &message,
			Version:     1,
		}
	}

	t.Run("rejected without force", func(t *testing.T) {
		h := newHarness(testConfig(), testForms(1))
		h.store.seed(deadLettered())

		summary, err := h.engine.Process(context.Background(), engine.Request{
			SourceFile: testSource,
			ModelID:    "claims-v3",
		})
		if err != nil {
			t.Fatalf("Process error: %v", err)
		}

		res := result(t, summary, 1)
		if res.Status != string(records.StatusFailed) {
			t.Errorf("status = %s, want failed", res.Status)
		}
		if !strings.Contains(res.Error, "max retries") {
			t.Errorf("error = %q, want a max-retries rejection", res.Error)
		}
		if got := h.extractor.callCount(forms.FormKey(testSource, 1)); got != 0 {
			t.Errorf("extraction attempts = %d, want 0 for a gated form", got)
		}
	})

	t.Run("force resets the budget", func(t *testing.T) {
		h := newHarness(testConfig(), testForms(1))
		h.store.seed(deadLettered())

		summary, err := h.engine.Process(context.Background(), engine.Request{
			SourceFile: testSource,
			ModelID:    "claims-v3",
			Force:      true,
		})
		if err != nil {
			t.Fatalf("Process error: %v", err)
		}

		res := result(t, summary, 1)
		if res.Status != string(records.StatusCompleted) || res.RetryCount != 0 {
			t.Errorf("result = %s/%d retries, want completed/0", res.Status, res.RetryCount)
		}

		rec, err := h.store.Find(context.Background(), testSource, 1)
		if err != nil {
			t.Fatalf("Find error: %v", err)
		}
		if rec.Version != 2 {
			t.Errorf("version = %d, want 2 after conditional overwrite", rec.Version)
		}
		if rec.Status != records.StatusCompleted {
			t.Errorf("record status = %s, want completed", rec.Status)
		}
	})
}

func TestProcessResumesRetryBudget(t *testing.T) {
	h := newHarness(testConfig(), testForms(1))

	// A failed-but-not-exhausted record resumes with its persisted count.
	message := "extraction timeout: poll budget exhausted"
	h.store.seed(records.ProcessingRecord{
		SourceFile:  testSource,
		FormNumber:  1,
		Status:      records.StatusFailed,
		ModelID:     "claims-v3",
		ProcessedAt: time.Now().UTC(),
		RetryCount:  2,
		Error:       &message,
		Version:     1,
	})

	summary, err := h.engine.Process(context.Background(), engine.Request{
		SourceFile: testSource,
		ModelID:    "claims-v3",
	})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}

	res := result(t, summary, 1)
	if res.Status != string(records.StatusCompleted) {
		t.Errorf("status = %s, want completed", res.Status)
	}
	if res.RetryCount != 2 {
		t.Errorf("retry count = %d, want the resumed value 2", res.RetryCount)
	}
}

func TestProcessResolvesVersionConflict(t *testing.T) {
	h := newHarness(testConfig(), testForms(1))
	h.store.failSaves = 1

	summary, err := h.engine.Process(context.Background(), engine.Request{
		SourceFile: testSource,
		ModelID:    "claims-v3",
	})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}

	res := result(t, summary, 1)
	if res.Status != string(records.StatusCompleted) {
		t.Errorf("status = %s, want completed after conflict retry", res.Status)
	}
	if _, err := h.store.Find(context.Background(), testSource, 1); err != nil {
		t.Errorf("record not persisted after conflict resolution: %v", err)
	}
}

func TestProcessLeavesFormsPendingOnShutdown(t *testing.T) {
	h := newHarness(testConfig(), testForms(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := h.engine.Process(ctx, engine.Request{
		SourceFile: testSource,
		ModelID:    "claims-v3",
	})
	if err != nil {
		t.Fatalf("Process error: %v", err)
	}

	if summary.FormsProcessed != 0 {
		t.Errorf("forms processed = %d, want 0 after cancellation", summary.FormsProcessed)
	}
	for _, res := range summary.Results {
		if res.Status != "pending" {
			t.Errorf("form %d status = %s, want pending", res.FormNumber, res.Status)
		}
	}
	if got := h.extractor.callCount(forms.FormKey(testSource, 1)); got != 0 {
		t.Errorf("extraction attempts = %d, want 0 after cancellation", got)
	}
	if len(h.notifier.events) != 0 {
		t.Errorf("events published = %d, want 0 for pending forms", len(h.notifier.events))
	}
}
