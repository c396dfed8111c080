// Package messaging delivers CarePipe's customer-facing messages.
//
// Outbound notices (subscription reminders, review decisions) are queued in
// the durable outbox and sent through a Notifier. Inbound chat from WhatsApp
// channels is deduplicated and handed to the conversation orchestrator through
// a Gateway.
package messaging

import (
	"context"
	"log/slog"
)

// Notifier sends a text message to a customer's phone number.
type Notifier interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// LogNotifier only logs messages. It is used when no channel is configured.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) SendMessage(ctx context.Context, to string, body string) error {
	slog.Info("LogNotifier.SendMessage: message not delivered (no channel configured)", "to", to, "body_length", len(body))
	return nil
}
