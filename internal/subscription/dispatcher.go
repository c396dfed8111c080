package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// NotificationKind is the outbox kind of subscription reminders.
const NotificationKind = "subscription_notification"

// NotificationPayload is the outbox body of a reminder.
type NotificationPayload struct {
	Event models.NotificationEvent `json:"event"`
	Text  string                   `json:"text"`
}

// Dispatcher moves notification events into the outbox. The outbox id is
// derived from the event's dedupe key, so an event seen twice is sent once.
type Dispatcher struct {
	outbox store.OutboxRepo
}

// NewDispatcher creates a dispatcher writing to outbox.
func NewDispatcher(outbox store.OutboxRepo) *Dispatcher {
	return &Dispatcher{outbox: outbox}
}

// Dispatch enqueues one event. It reports whether a new message was queued.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.NotificationEvent) (bool, error) {
	payload, err := json.Marshal(NotificationPayload{Event: ev, Text: ev.Text()})
	if err != nil {
		return false, fmt.Errorf("encode notification: %w", err)
	}
	id, created, err := d.outbox.EnqueueOutboxMessage(ctx, ev.CustomerID, NotificationKind, string(payload), ev.DedupeKey())
	if err != nil {
		return false, fmt.Errorf("enqueue notification %s: %w", ev.DedupeKey(), err)
	}
	if created {
		slog.Info("Dispatcher.Dispatch: notification queued", "outboxID", id, "subscriptionID", ev.SubscriptionID,
			"customerID", ev.CustomerID, "leadDays", ev.LeadDays)
	} else {
		slog.Debug("Dispatcher.Dispatch: duplicate notification skipped", "key", ev.DedupeKey())
	}
	return created, nil
}

// Run drains events until ctx is done or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, events <-chan models.NotificationEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := d.Dispatch(ctx, ev); err != nil {
				slog.Error("Dispatcher.Run: dispatch failed", "subscriptionID", ev.SubscriptionID, "error", err)
			}
		}
	}
}
