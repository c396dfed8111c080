package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/CarePipe/internal/actions"
	"github.com/BTreeMap/CarePipe/internal/escalation"
	"github.com/BTreeMap/CarePipe/internal/events"
	"github.com/BTreeMap/CarePipe/internal/models"
)

// ReviewNotice is the customer-facing text for a reviewer's decision.
func ReviewNotice(c models.ResolutionCase, outcome models.ReviewOutcome) string {
	if outcome == models.ReviewApproved {
		if c.Action == models.ActionIssueRefund && c.OrderID != "" {
			return fmt.Sprintf("Update on order %s: our specialist approved your refund. It will be credited to your wallet shortly.", c.OrderID)
		}
		return "Update: our specialist approved your request."
	}
	if c.OrderID != "" {
		return fmt.Sprintf("Update on order %s: after review we couldn't approve your request.", c.OrderID)
	}
	return "Update: after review we couldn't approve your request."
}

// ReviewHook returns the escalation hook that reports a reviewer's decision
// back to the originating conversation. The notice is prefixed to the next
// reply, and a conversation still waiting on this case becomes RESOLVED.
func (o *Orchestrator) ReviewHook() escalation.ResolvedHook {
	return func(ctx context.Context, c models.ResolutionCase, r models.EscalationResolution) {
		text := ReviewNotice(c, r.Outcome)
		err := o.withConversation(ctx, c.ConversationID, func(st models.ConversationState) models.ConversationState {
			if st.CaseID == c.ID && st.Status == models.ConversationEscalated {
				st = st.WithStatus(models.ConversationResolved)
			}
			return st.WithNotice(text)
		})
		if err != nil {
			slog.Warn("Orchestrator.ReviewHook: notice not queued", "conversationID", c.ConversationID, "caseID", c.ID, "error", err)
			return
		}
		slog.Info("Orchestrator.ReviewHook: notice queued", "conversationID", c.ConversationID, "caseID", c.ID, "outcome", r.Outcome)
	}
}

// RetrySucceeded is the executor hook for deferred actions that finally
// applied. It closes the case that was left PENDING and tells the customer.
func (o *Orchestrator) RetrySucceeded(ctx context.Context, p actions.RetryPayload, res actions.Result) {
	if p.CaseID == "" {
		return
	}
	c, err := o.updateCase(ctx, p.CaseID, models.CaseEvent{Kind: models.EventAutoResolved, Reason: "fixed on retry", At: o.opts.Now()})
	if errors.Is(err, models.ErrImmutable) {
		// Human-approved refunds run through the same job and are already closed.
		slog.Debug("Orchestrator.RetrySucceeded: case already closed", "caseID", p.CaseID, "status", c.Status)
		return
	}
	if err != nil {
		slog.Warn("Orchestrator.RetrySucceeded: case not closed", "caseID", p.CaseID, "error", err)
		return
	}
	events.PublishSafely(ctx, o.opts.Publisher, events.FromCase(events.CaseAutoResolved, c, c.UpdatedAt))

	var text string
	switch p.Action {
	case models.ActionIssueRefund:
		text = fmt.Sprintf("Update on order %s: your refund has now been credited to your wallet.", p.Target)
	case models.ActionConfirmPayment:
		text = fmt.Sprintf("Update on order %s: your payment is now confirmed.", p.Target)
	default:
		text = "Update: your wallet balance has now been corrected."
	}
	if err := o.DeliverNotice(ctx, c.ConversationID, text); err != nil {
		slog.Warn("Orchestrator.RetrySucceeded: notice not queued", "conversationID", c.ConversationID, "error", err)
	}
	slog.Info("Orchestrator.RetrySucceeded: deferred action completed", "caseID", c.ID, "action", p.Action, "changed", res.Changed)
}
