// Package events publishes research run progress.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	rerrors "github.com/spawn-mcp/research-coordinator/pkg/errors"
	"github.com/spawn-mcp/research-coordinator/pkg/logging"
)

// Type identifies an event.
type Type string

const (
	PhaseChanged   Type = "phase_changed"
	StaleArtifacts Type = "stale_artifacts"
	TaskFinished   Type = "task_finished"
	RunCompleted   Type = "run_completed"
	RunFailed      Type = "run_failed"
)

// DefaultTopic is the Pub/Sub topic run events are published to.
const DefaultTopic = "research-status"

// Event is one progress notification.
type Event struct {
	SessionID string         `json:"session_id"`
	Type      Type           `json:"type"`
	Phase     string         `json:"phase,omitempty"`
	Progress  int            `json:"progress,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher delivers events. Callers treat failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher returns a publisher backed by the default logger.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{log: logging.For("events")}
}

// Publish logs e at INFO.
func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.log.InfoContext(ctx, "research event",
		slog.String("session_id", e.SessionID),
		slog.String("type", string(e.Type)),
		slog.String("phase", e.Phase),
		slog.Int("progress", e.Progress),
		slog.Any("payload", e.Payload))
	return nil
}

// JSONPublisher is the slice of the GCP client used for Pub/Sub.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, topic string, v any, attributes map[string]string) error
}

// PubSubPublisher publishes events as JSON messages to a topic.
type PubSubPublisher struct {
	client JSONPublisher
	topic  string
}

// NewPubSubPublisher publishes to topic, DefaultTopic when empty.
func NewPubSubPublisher(client JSONPublisher, topic string) *PubSubPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &PubSubPublisher{client: client, topic: topic}
}

// Publish sends e with session and type attributes for subscription filters.
func (p *PubSubPublisher) Publish(ctx context.Context, e Event) error {
	attrs := map[string]string{
		"session_id": e.SessionID,
		"type":       string(e.Type),
	}
	if err := p.client.PublishJSON(ctx, p.topic, e, attrs); err != nil {
		return rerrors.Wrap(err, rerrors.CodePublishFailed, "publish "+string(e.Type)).
			WithContext("topic", p.topic)
	}
	return nil
}

// Multi fans an event out to every publisher and returns the first error.
type Multi []Publisher

// Publish delivers e to all publishers even when one fails.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records e.
func (r *Recorder) Publish(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
