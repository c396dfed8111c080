package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/util"
	"github.com/google/uuid"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued   OutboxStatus = "queued"
	OutboxStatusSending  OutboxStatus = "sending"
	OutboxStatusSent     OutboxStatus = "sent"
	OutboxStatusFailed   OutboxStatus = "failed"
	OutboxStatusCanceled OutboxStatus = "canceled"
)

// DefaultOutboxMaxAttempts bounds send retries of one message.
const DefaultOutboxMaxAttempts = 8

// OutboxMessage is a durable outgoing customer message.
type OutboxMessage struct {
	ID            string       `json:"id"`
	Recipient     string       `json:"recipient"` // customer id
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	DedupeKey     string       `json:"dedupe_key,omitempty"`
	LockedAt      *time.Time   `json:"locked_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OutboxRepo defines durable outbox persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a message. A non-empty dedupeKey makes the
	// insert at-most-once for the lifetime of the store, whatever the status of
	// the earlier message; the existing ID is returned with created=false.
	EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (id string, created bool, err error)
	// ClaimDueOutboxMessages marks up to limit due queued messages as sending.
	ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error)
	MarkOutboxMessageSent(ctx context.Context, id string) error
	FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error
	RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error)
	ListOutboxMessages(ctx context.Context, recipient string) ([]OutboxMessage, error)
}

// DocumentOutboxRepo implements OutboxRepo on a DocumentStore.
type DocumentOutboxRepo struct {
	docs DocumentStore
	mu   sync.Mutex
}

var _ OutboxRepo = (*DocumentOutboxRepo)(nil)

var outboxNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("carepipe:outbox"))

// NewDocumentOutboxRepo creates an outbox repository backed by docs.
func NewDocumentOutboxRepo(docs DocumentStore) *DocumentOutboxRepo {
	return &DocumentOutboxRepo{docs: docs}
}

func (r *DocumentOutboxRepo) EnqueueOutboxMessage(ctx context.Context, recipient, kind, payloadJSON, dedupeKey string) (string, bool, error) {
	id := util.GenerateRandomID("out_", 32)
	if dedupeKey != "" {
		// Derived ids turn the dedupe check into the store's create-if-absent.
		id = "out_" + uuid.NewSHA1(outboxNamespace, []byte(dedupeKey)).String()
	}
	now := time.Now()
	msg := OutboxMessage{
		ID:          id,
		Recipient:   recipient,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := CreateJSON(ctx, r.docs, CollOutbox, id, msg)
	if errors.Is(err, models.ErrAlreadyExists) {
		return id, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	return id, true, nil
}

func (r *DocumentOutboxRepo) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	queued, err := QueryJSON[OutboxMessage](ctx, r.docs, CollOutbox, Filter{"status": string(OutboxStatusQueued)})
	if err != nil {
		return nil, fmt.Errorf("claim outbox query failed: %w", err)
	}
	due := queued[:0]
	for _, m := range queued {
		if m.NextAttemptAt == nil || !m.NextAttemptAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].CreatedAt.Before(due[b].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = OutboxStatusSending
		due[i].LockedAt = &now
		due[i].UpdatedAt = now
		if err := PutJSON(ctx, r.docs, CollOutbox, due[i].ID, due[i]); err != nil {
			return nil, fmt.Errorf("mark outbox message sending failed: %w", err)
		}
	}
	return due, nil
}

func (r *DocumentOutboxRepo) MarkOutboxMessageSent(ctx context.Context, id string) error {
	return r.update(ctx, id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
}

func (r *DocumentOutboxRepo) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	return r.update(ctx, id, func(m *OutboxMessage) {
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
		if m.Attempts >= DefaultOutboxMaxAttempts {
			m.Status = OutboxStatusFailed
			return
		}
		m.Status = OutboxStatusQueued
		m.NextAttemptAt = &nextAttemptAt
	})
}

func (r *DocumentOutboxRepo) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sending, err := QueryJSON[OutboxMessage](ctx, r.docs, CollOutbox, Filter{"status": string(OutboxStatusSending)})
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox query failed: %w", err)
	}
	n := 0
	for _, m := range sending {
		if m.LockedAt != nil && m.LockedAt.After(staleBefore) {
			continue
		}
		m.Status = OutboxStatusQueued
		m.LockedAt = nil
		m.UpdatedAt = time.Now()
		if err := PutJSON(ctx, r.docs, CollOutbox, m.ID, m); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *DocumentOutboxRepo) ListOutboxMessages(ctx context.Context, recipient string) ([]OutboxMessage, error) {
	msgs, err := QueryJSON[OutboxMessage](ctx, r.docs, CollOutbox, Filter{"recipient": recipient})
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(a, b int) bool { return msgs[a].CreatedAt.Before(msgs[b].CreatedAt) })
	return msgs, nil
}

func (r *DocumentOutboxRepo) update(ctx context.Context, id string, fn func(*OutboxMessage)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := GetJSON[OutboxMessage](ctx, r.docs, CollOutbox, id)
	if err != nil {
		return fmt.Errorf("load outbox message %s: %w", id, err)
	}
	fn(&m)
	m.UpdatedAt = time.Now()
	return PutJSON(ctx, r.docs, CollOutbox, id, m)
}
