package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// DedupRecord is an inbound message seen by a webhook.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Sender      string     `json:"sender"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// DedupRepo tracks inbound message ids so provider retries are handled once.
type DedupRepo interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	// RecordInbound returns false if the message was already recorded.
	RecordInbound(ctx context.Context, messageID, sender string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// DocumentDedupRepo implements DedupRepo on a DocumentStore.
type DocumentDedupRepo struct {
	docs DocumentStore
}

var _ DedupRepo = (*DocumentDedupRepo)(nil)

// NewDocumentDedupRepo creates a dedup repository backed by docs.
func NewDocumentDedupRepo(docs DocumentStore) *DocumentDedupRepo {
	return &DocumentDedupRepo{docs: docs}
}

func (r *DocumentDedupRepo) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	_, err := r.docs.Get(ctx, CollInbound, messageID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (r *DocumentDedupRepo) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	rec := DedupRecord{MessageID: messageID, Sender: sender, ReceivedAt: time.Now()}
	err := CreateJSON(ctx, r.docs, CollInbound, messageID, rec)
	if errors.Is(err, models.ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return true, nil
}

func (r *DocumentDedupRepo) MarkProcessed(ctx context.Context, messageID string) error {
	rec, err := GetJSON[DedupRecord](ctx, r.docs, CollInbound, messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	now := time.Now()
	rec.ProcessedAt = &now
	return PutJSON(ctx, r.docs, CollInbound, messageID, rec)
}
