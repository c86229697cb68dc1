// Package notify publishes best-effort completion events. Delivery failures
// are logged and never influence processing outcomes.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

const eventSource = "docuflow/engine"

// Event type names for terminal form transitions.
const (
	EventFormCompleted    = "io.docuflow.form.completed"
	EventFormDeadLettered = "io.docuflow.form.deadlettered"
)

// Event is the payload delivered on terminal success or dead-letter.
type Event struct {
	Event      string `json:"event"`
	SourceFile string `json:"source_file"`
	Status     string `json:"status"`
	FormNumber int    `json:"form_number"`
	RetryCount int    `json:"retry_count"`
}

// Notifier delivers CloudEvents to a configured HTTP target.
type Notifier struct {
	client   cloudevents.Client
	target   string
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// New creates a notifier. An empty target yields a notifier that drops
// events silently.
func New(cfg *Config, logger *slog.Logger) (*Notifier, error) {
	client, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, fmt.Errorf("create cloudevents client: %w", err)
	}

	return &Notifier{
		client:   client,
		target:   cfg.Target,
		attempts: cfg.Attempts,
		backoff:  cfg.BackoffDuration(),
		logger:   logger.With("system", "notify"),
	}, nil
}

// Publish delivers one event, retrying up to the configured attempt limit
// with a short fixed backoff. Failure to deliver is logged, not returned:
// notification must never sit on the consistency-critical path.
func (n *Notifier) Publish(ctx context.Context, evt Event) {
	if n.target == "" {
		n.logger.Debug("no notification target configured, dropping event", "event", evt.Event)
		return
	}

	ce := cloudevents.NewEvent()
	ce.SetID(uuid.NewString())
	ce.SetSource(eventSource)
	ce.SetType(evt.Event)
	if err := ce.SetData(cloudevents.ApplicationJSON, evt); err != nil {
		n.logger.Error("encode notification failed", "event", evt.Event, "error", err)
		return
	}

	sendCtx := cloudevents.ContextWithTarget(ctx, n.target)

	for attempt := 1; attempt <= n.attempts; attempt++ {
		result := n.client.Send(sendCtx, ce)
		if cloudevents.IsACK(result) {
			n.logger.Info(
				"notification delivered",
				"event", evt.Event,
				"source_file", evt.SourceFile,
				"form_number", evt.FormNumber,
			)
			return
		}

		n.logger.Warn(
			"notification delivery failed",
			"event", evt.Event,
			"attempt", attempt,
			"error", result,
		)

		if attempt < n.attempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.backoff):
			}
		}
	}

	n.logger.Error(
		"notification abandoned after max attempts",
		"event", evt.Event,
		"source_file", evt.SourceFile,
		"form_number", evt.FormNumber,
		"attempts", n.attempts,
	)
}
