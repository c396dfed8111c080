package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/escalation"
	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// ReviewNoticeKind is the outbox kind of reviewer decisions sent to customers.
const ReviewNoticeKind = "review_notice"

// Payload is the part of an outbox body every message kind carries.
type Payload struct {
	Text string `json:"text"`
}

// OutboxSendFunc returns the outbox send function that looks up the
// recipient customer's phone number and delivers the payload text through n.
func OutboxSendFunc(docs store.DocumentStore, n Notifier) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var p Payload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("decode outbox payload %s: %w", msg.ID, err)
		}
		if p.Text == "" {
			return fmt.Errorf("outbox message %s has no text: %w", msg.ID, models.ErrInvalidInput)
		}
		cust, err := store.GetJSON[models.Customer](ctx, docs, store.CollCustomers, msg.Recipient)
		if err != nil {
			return fmt.Errorf("recipient %s: %w", msg.Recipient, err)
		}
		if cust.Phone == "" {
			return fmt.Errorf("customer %s has no phone number: %w", cust.ID, models.ErrNotFound)
		}
		if err := n.SendMessage(ctx, cust.Phone, p.Text); err != nil {
			return fmt.Errorf("send %s to %s: %w: %w", msg.Kind, cust.ID, models.ErrExternalService, err)
		}
		return nil
	}
}

// NotifyCustomerOnReview returns the escalation hook that queues the
// reviewer's decision as a direct customer message. The outbox dedupe key is
// the case id, so a replayed resolution never messages the customer twice.
func NotifyCustomerOnReview(outbox store.OutboxRepo) escalation.ResolvedHook {
	return func(ctx context.Context, c models.ResolutionCase, r models.EscalationResolution) {
		if c.CustomerID == "" {
			slog.Debug("NotifyCustomerOnReview: case has no customer", "caseID", c.ID)
			return
		}
		body, err := json.Marshal(Payload{Text: flow.ReviewNotice(c, r.Outcome)})
		if err != nil {
			slog.Error("NotifyCustomerOnReview: encode failed", "caseID", c.ID, "error", err)
			return
		}
		id, created, err := outbox.EnqueueOutboxMessage(ctx, c.CustomerID, ReviewNoticeKind, string(body), "review:"+c.ID)
		if err != nil {
			slog.Error("NotifyCustomerOnReview: enqueue failed", "caseID", c.ID, "error", err)
			return
		}
		slog.Info("NotifyCustomerOnReview: review notice queued", "caseID", c.ID, "outboxID", id, "created", created)
	}
}
