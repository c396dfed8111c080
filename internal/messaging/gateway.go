package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// MessageHandler runs one conversation turn.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg models.Message) (models.Reply, error)
}

// Inbound is a chat message received on a customer channel.
type Inbound struct {
	MessageID   string // provider message id, used for deduplication
	From        string // sender phone number
	Text        string
	Attachments []models.Attachment
}

// Gateway connects a chat channel to the orchestrator. Each phone number is
// one conversation; replies go back through the notifier.
type Gateway struct {
	docs     store.DocumentStore
	handler  MessageHandler
	notifier Notifier
	dedup    store.DedupRepo
}

// NewGateway creates a gateway.
func NewGateway(docs store.DocumentStore, handler MessageHandler, notifier Notifier, dedup store.DedupRepo) *Gateway {
	return &Gateway{docs: docs, handler: handler, notifier: notifier, dedup: dedup}
}

// ConversationIDFor derives the conversation id of a chat channel sender.
func ConversationIDFor(phone string) string {
	return "chat:" + phone
}

// Receive runs the turn for an inbound message and sends the reply. It
// returns handled=false for a message id that was already received.
func (g *Gateway) Receive(ctx context.Context, in Inbound) (reply models.Reply, handled bool, err error) {
	if in.MessageID == "" || in.From == "" {
		return models.Reply{}, false, fmt.Errorf("inbound message needs id and sender: %w", models.ErrInvalidInput)
	}
	fresh, err := g.dedup.RecordInbound(ctx, in.MessageID, in.From)
	if err != nil {
		return models.Reply{}, false, err
	}
	if !fresh {
		slog.Debug("Gateway.Receive: duplicate message ignored", "messageID", in.MessageID, "from", in.From)
		return models.Reply{}, false, nil
	}

	customerID, err := g.customerFor(ctx, in.From)
	if err != nil {
		return models.Reply{}, false, err
	}
	reply, err = g.handler.HandleMessage(ctx, models.Message{
		ConversationID: ConversationIDFor(in.From),
		CustomerID:     customerID,
		Text:           in.Text,
		Attachments:    in.Attachments,
	})
	if err != nil {
		return models.Reply{}, false, fmt.Errorf("handle message %s: %w", in.MessageID, err)
	}
	if err := g.notifier.SendMessage(ctx, in.From, reply.Text); err != nil {
		// The turn is persisted; the customer sees the reply on a later turn's state.
		slog.Error("Gateway.Receive: reply not delivered", "messageID", in.MessageID, "from", in.From, "error", err)
	}
	if err := g.dedup.MarkProcessed(ctx, in.MessageID); err != nil {
		slog.Warn("Gateway.Receive: mark processed failed", "messageID", in.MessageID, "error", err)
	}
	slog.Info("Gateway.Receive: message handled", "messageID", in.MessageID, "conversationID", reply.ConversationID,
		"status", reply.Status)
	return reply, true, nil
}

// customerFor resolves the customer registered with phone. Unknown senders
// chat without a customer id.
func (g *Gateway) customerFor(ctx context.Context, phone string) (string, error) {
	custs, err := store.QueryJSON[models.Customer](ctx, g.docs, store.CollCustomers, store.Filter{"phone": phone})
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return "", fmt.Errorf("look up customer by phone: %w", err)
	}
	if len(custs) == 0 {
		slog.Debug("Gateway.customerFor: unknown sender", "from", phone)
		return "", nil
	}
	return custs[0].ID, nil
}
