// Package events publishes case lifecycle events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/segmentio/kafka-go"
)

// Type names a lifecycle event.
type Type string

const (
	CaseAutoResolved Type = "CaseAutoResolved"
	CaseRejected     Type = "CaseRejected"
	CaseEscalated    Type = "CaseEscalated"
	CaseAssigned     Type = "CaseAssigned"
	CaseResolved     Type = "CaseResolved" // closed by a human reviewer
	ActionFailed     Type = "ActionFailed"
)

// Event is one case lifecycle fact.
type Event struct {
	Type           Type              `json:"type"`
	CaseID         string            `json:"case_id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	CustomerID     string            `json:"customer_id,omitempty"`
	Status         models.CaseStatus `json:"status"`
	Reason         string            `json:"reason,omitempty"`
	ReviewerID     string            `json:"reviewer_id,omitempty"`
	At             time.Time         `json:"at"`
}

// FromCase builds an event of type t describing c.
func FromCase(t Type, c models.ResolutionCase, at time.Time) Event {
	return Event{
		Type:           t,
		CaseID:         c.ID,
		ConversationID: c.ConversationID,
		CustomerID:     c.CustomerID,
		Status:         c.Status,
		Reason:         c.Reason,
		ReviewerID:     c.ReviewerID,
		At:             at,
	}
}

// Publisher delivers events. Publishing is best effort: callers log failures
// and carry on, since events never gate a state change.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer used here.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by case id, so every
// event of one case lands on the same partition in order.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		topic: topic,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.CaseID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(ev.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write event to %s: %w: %w", p.topic, models.ErrExternalService, err)
	}
	slog.Debug("KafkaPublisher.Publish: event sent", "type", ev.Type, "caseID", ev.CaseID, "topic", p.topic)
	return nil
}

// Close flushes and closes the Kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher logs events instead of shipping them. Used when no broker is configured.
type LogPublisher struct{}

var _ Publisher = LogPublisher{}

func (LogPublisher) Publish(_ context.Context, ev Event) error {
	slog.Info("LogPublisher.Publish: case event", "type", ev.Type, "caseID", ev.CaseID, "status", ev.Status, "reason", ev.Reason)
	return nil
}

func (LogPublisher) Close() error { return nil }

// Recorder keeps published events in memory for inspection.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// PublishSafely publishes ev and logs instead of returning a failure.
func PublishSafely(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		slog.Warn("events.PublishSafely: publish failed", "type", ev.Type, "caseID", ev.CaseID, "error", err)
	}
}
