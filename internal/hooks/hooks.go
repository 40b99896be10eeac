// Package hooks fans out the typed domain events of spec.md §6 to a list
// of configured sinks. Script-hook execution and template rendering are
// out of scope (spec.md §1); Dispatcher only ever hands a sink the
// already-serialized event body.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Event is the common envelope every outbound hook event carries, per
// spec.md §6: `{event, timestamp, project: {name, path}}` plus an
// event-specific body.
type Event struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Project   ProjectRef      `json:"project"`
	Body      json.RawMessage `json:"body"`
}

type ProjectRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

const (
	EventTaskCompleted     = "task.completed"
	EventTaskFailed        = "task.failed"
	EventSectionCompleted  = "section.completed"
	EventHealthChanged     = "health.changed"
	EventDisputeCreated    = "dispute.created"
	EventDisputeResolved   = "dispute.resolved"
	EventCreditExhausted   = "credit.exhausted"
	EventCreditResolved    = "credit.resolved"
	EventProjectCompleted  = "project.completed"
)

// NewEvent marshals body into the envelope's Body field. It panics on a
// marshal failure since every body type passed by this package's callers
// is a plain struct of serializable fields.
func NewEvent(name string, project ProjectRef, now time.Time, body any) Event {
	raw, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("hooks: event body for %q does not marshal: %v", name, err))
	}
	return Event{Event: name, Timestamp: now, Project: project, Body: raw}
}

// Sink delivers one event. Implementations must not block indefinitely;
// Dispatcher does not impose its own timeout on top of whatever the sink
// does internally.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
	Name() string
}

// Dispatcher fans an event out to every configured sink. A sink error is
// logged and never blocks or drops delivery to the remaining sinks
// (SPEC_FULL.md testable property 9).
type Dispatcher struct {
	Sinks  []Sink
	Logger *zap.Logger
}

func NewDispatcher(logger *zap.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{Sinks: sinks, Logger: logger}
}

func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	for _, sink := range d.Sinks {
		if err := sink.Deliver(ctx, ev); err != nil {
			d.Logger.Warn("hook sink delivery failed",
				zap.String("sink", sink.Name()),
				zap.String("event", ev.Event),
				zap.Error(err))
		}
	}
}

// LogSink writes every event through zap at info level. It never fails.
type LogSink struct {
	Logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{Logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	s.Logger.Info("hook event",
		zap.String("event", ev.Event),
		zap.String("project", ev.Project.Path),
		zap.ByteString("body", ev.Body))
	return nil
}

// WebhookSink POSTs the JSON event body to a configured URL with a
// bounded timeout. It never retries; retry/backoff policy for webhook
// delivery is an external collaborator's concern (spec.md §1).
type WebhookSink struct {
	URL        string
	httpClient *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Name() string { return "webhook:" + s.URL }

func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
