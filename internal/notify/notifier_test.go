package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/docuflow/docuflow/internal/notify"
)

type sink struct {
	mu       sync.Mutex
	failures int
	events   []receivedEvent
}

type receivedEvent struct {
	eventType string
	body      notify.Event
}

func (s *sink) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.failures > 0 {
			s.failures--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read event body: %v", err)
		}
		var evt notify.Event
		if err := json.Unmarshal(body, &evt); err != nil {
			t.Errorf("decode event body: %v", err)
		}
		s.events = append(s.events, receivedEvent{
			eventType: r.Header.Get("Ce-Type"),
			body:      evt,
		})
		w.WriteHeader(http.StatusOK)
	}
}

func (s *sink) received() []receivedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]receivedEvent(nil), s.events...)
}

func newNotifier(t *testing.T, target string) *notify.Notifier {
	t.Helper()
	cfg := &notify.Config{Target: target, Attempts: 3, Backoff: "1ms"}
	if err := cfg.Finalize(nil); err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	n, err := notify.New(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return n
}

func testEvent() notify.Event {
	return notify.Event{
		Event:      notify.EventFormCompleted,
		SourceFile: "inbox/claims.pdf",
		Status:     "completed",
		FormNumber: 2,
		RetryCount: 1,
	}
}

func TestPublishDelivers(t *testing.T) {
	s := &sink{}
	srv := httptest.NewServer(s.handler(t))
	defer srv.Close()

	n := newNotifier(t, srv.URL)
	n.Publish(context.Background(), testEvent())

	got := s.received()
	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	if got[0].eventType != notify.EventFormCompleted {
		t.Errorf("event type = %q, want %q", got[0].eventType, notify.EventFormCompleted)
	}
	if got[0].body.SourceFile != "inbox/claims.pdf" || got[0].body.FormNumber != 2 {
		t.Errorf("payload = %+v, want the form identity preserved", got[0].body)
	}
}

func TestPublishRetriesThenDelivers(t *testing.T) {
	s := &sink{failures: 2}
	srv := httptest.NewServer(s.handler(t))
	defer srv.Close()

	n := newNotifier(t, srv.URL)
	n.Publish(context.Background(), testEvent())

	if got := s.received(); len(got) != 1 {
		t.Errorf("delivered %d events, want 1 after transient sink failures", len(got))
	}
}

func TestPublishGivesUpQuietly(t *testing.T) {
	var requests int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := newNotifier(t, srv.URL)
	// Must return without error: delivery failure never propagates.
	n.Publish(context.Background(), testEvent())

	mu.Lock()
	defer mu.Unlock()
	if requests != 3 {
		t.Errorf("delivery attempts = %d, want exactly 3", requests)
	}
}

func TestPublishDisabledWithoutTarget(t *testing.T) {
	n := newNotifier(t, "")
	// No target configured: the event is dropped without any network call.
	n.Publish(context.Background(), testEvent())
}
