package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisherKeysByCase(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, topic: "case-events"}
	c := models.ResolutionCase{ID: "case-1", ConversationID: "conv-1", Status: models.CaseEscalated, Reason: "uncertain"}

	if err := p.Publish(context.Background(), FromCase(CaseEscalated, c, time.Unix(0, 0).UTC())); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "case-1" {
		t.Fatalf("messages = %+v", w.msgs)
	}
	var ev Event
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != CaseEscalated || ev.ConversationID != "conv-1" || ev.Status != models.CaseEscalated {
		t.Errorf("event = %+v", ev)
	}
	if string(w.msgs[0].Headers[0].Value) != string(CaseEscalated) {
		t.Errorf("type header = %s", w.msgs[0].Headers[0].Value)
	}
	p.Close()
	if !w.closed {
		t.Error("writer not closed")
	}
}

func TestKafkaPublisherWrapsFailure(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("broker down")}, topic: "t"}
	err := p.Publish(context.Background(), Event{Type: CaseResolved, CaseID: "c"})
	if !errors.Is(err, models.ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	// PublishSafely must swallow it.
	PublishSafely(context.Background(), p, Event{Type: CaseResolved, CaseID: "c"})
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(context.Background(), Event{Type: CaseEscalated, CaseID: "a"})
	r.Publish(context.Background(), Event{Type: CaseResolved, CaseID: "a"})
	if got := r.OfType(CaseResolved); len(got) != 1 {
		t.Fatalf("OfType = %+v", got)
	}
	if len(r.Events()) != 2 {
		t.Fatalf("Events = %+v", r.Events())
	}
}
