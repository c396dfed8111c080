package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// ConversationMessage is one line of a conversation transcript.
type ConversationMessage struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// conversationRecord is the persisted form of a conversation: the state
// snapshot plus a bounded transcript handed to the classifier.
type conversationRecord struct {
	models.ConversationState
	History []ConversationMessage `json:"history,omitempty"`
}

// customerLines returns the customer side of the transcript, oldest first.
func (r conversationRecord) customerLines() []string {
	var out []string
	for _, m := range r.History {
		if m.Role == "user" {
			out = append(out, m.Content)
		}
	}
	return out
}

func (r conversationRecord) withExchange(user, assistant string, at time.Time, limit int) conversationRecord {
	h := make([]ConversationMessage, 0, len(r.History)+2)
	h = append(h, r.History...)
	if user != "" {
		h = append(h, ConversationMessage{Role: "user", Content: user, Timestamp: at})
	}
	h = append(h, ConversationMessage{Role: "assistant", Content: assistant, Timestamp: at})
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	r.History = h
	return r
}

// StateStore persists conversation records in the document store. Live
// conversations sit in one collection; expired ones move to the archive.
type StateStore struct {
	docs store.DocumentStore
}

// NewStateStore creates a StateStore backed by docs.
func NewStateStore(docs store.DocumentStore) *StateStore {
	slog.Debug("Creating StateStore")
	return &StateStore{docs: docs}
}

func (s *StateStore) load(ctx context.Context, id string) (conversationRecord, error) {
	rec, err := store.GetJSON[conversationRecord](ctx, s.docs, store.CollConversations, id)
	if err != nil {
		return conversationRecord{}, fmt.Errorf("conversation %s: %w", id, err)
	}
	return rec, nil
}

// loadOrRestore returns a live conversation, moving it back from the archive
// if it expired. restored reports the latter.
func (s *StateStore) loadOrRestore(ctx context.Context, id string) (rec conversationRecord, restored bool, err error) {
	rec, err = s.load(ctx, id)
	if err == nil || !errors.Is(err, models.ErrNotFound) {
		return rec, false, err
	}
	rec, err = store.GetJSON[conversationRecord](ctx, s.docs, store.CollConversationArchive, id)
	if err != nil {
		return conversationRecord{}, false, fmt.Errorf("conversation %s: %w", id, err)
	}
	slog.Debug("StateStore.loadOrRestore: restoring archived conversation", "conversationID", id)
	return rec, true, nil
}

func (s *StateStore) save(ctx context.Context, rec conversationRecord) error {
	if err := store.PutJSON(ctx, s.docs, store.CollConversations, rec.ConversationID, rec); err != nil {
		slog.Error("StateStore.save: failed", "conversationID", rec.ConversationID, "error", err)
		return fmt.Errorf("save conversation %s: %w", rec.ConversationID, err)
	}
	return nil
}

// archive copies rec to the archive and removes the live copy. A crash between
// the two steps leaves both copies, and the next expiry pass finishes the move.
func (s *StateStore) archive(ctx context.Context, rec conversationRecord) error {
	if err := store.PutJSON(ctx, s.docs, store.CollConversationArchive, rec.ConversationID, rec); err != nil {
		return fmt.Errorf("archive conversation %s: %w", rec.ConversationID, err)
	}
	if err := s.docs.Delete(ctx, store.CollConversations, rec.ConversationID); err != nil {
		return fmt.Errorf("remove live conversation %s: %w", rec.ConversationID, err)
	}
	return nil
}

func (s *StateStore) unarchive(ctx context.Context, id string) error {
	if err := s.docs.Delete(ctx, store.CollConversationArchive, id); err != nil {
		return fmt.Errorf("remove archived conversation %s: %w", id, err)
	}
	return nil
}

func (s *StateStore) listByStatus(ctx context.Context, status models.ConversationStatus) ([]conversationRecord, error) {
	recs, err := store.QueryJSON[conversationRecord](ctx, s.docs, store.CollConversations,
		store.Filter{"status": string(status)})
	if err != nil {
		return nil, fmt.Errorf("list %s conversations: %w", status, err)
	}
	return recs, nil
}
