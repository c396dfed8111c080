package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CarePipe/internal/actions"
	"github.com/BTreeMap/CarePipe/internal/events"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/util"
)

const (
	apologyText        = "I'm sorry, something went wrong on our side. Please try again in a moment."
	askOrderText       = "Could you share your order number? It looks like ORD001."
	helpText           = "I can help with order status, refunds, delivery problems, wallet or payment issues and subscriptions."
	escalatedText      = "Thanks. I've passed your case to a specialist for review. We'll message you as soon as there's a decision."
	retryLaterText     = "I'm sorry, I couldn't complete that right now. I've scheduled another attempt and will let you know when it's done."
	askEvidenceText    = "I'm sorry about that. Please send a photo or short video showing the problem with order %s so I can check it."
	remindEvidenceText = "To continue with order %s I still need a photo or video of the problem."
)

func (o *Orchestrator) fetchOrder(ctx context.Context, st models.ConversationState, t *turn) (models.ConversationState, Outcome) {
	if st.Slots.OrderID == "" {
		if st.Intent == models.IntentWalletIssue && st.CustomerID != "" {
			return o.inspectWallet(ctx, st, t)
		}
		slots := st.Slots
		slots.PendingIntent = st.Intent
		t.text = askOrderText
		return st.WithSlots(slots), OutcomeNotFound
	}

	cctx, cancel := o.callContext(ctx)
	defer cancel()

	orderID := st.Slots.OrderID
	order, err := store.GetJSON[models.Order](cctx, o.docs, store.CollOrders, orderID)
	if errors.Is(err, models.ErrNotFound) || (err == nil && st.CustomerID != "" && order.CustomerID != st.CustomerID) {
		t.text = fmt.Sprintf("I couldn't find order %s. Please check the number and try again.", orderID)
		return st, OutcomeNotFound
	}
	if err != nil {
		slog.Warn("Orchestrator.fetchOrder: order lookup failed", "orderID", orderID, "error", err)
		t.text = apologyText
		return st, OutcomeError
	}
	if st.CustomerID == "" {
		st.CustomerID = order.CustomerID
	}

	var (
		customer models.Customer
		payments []models.Payment
	)
	g, gctx := errgroup.WithContext(cctx)
	g.Go(func() error {
		var err error
		customer, err = store.GetJSON[models.Customer](gctx, o.docs, store.CollCustomers, order.CustomerID)
		return err
	})
	g.Go(func() error {
		var err error
		payments, err = store.QueryJSON[models.Payment](gctx, o.docs, store.CollPayments, store.Filter{"order_id": order.ID})
		return err
	})
	if err := g.Wait(); err != nil {
		slog.Warn("Orchestrator.fetchOrder: related data lookup failed", "orderID", orderID, "error", err)
		t.text = apologyText
		return st, OutcomeError
	}

	if isSensitive(st) {
		return o.openRefundCase(cctx, st, order, t)
	}
	for _, p := range payments {
		if p.NeedsConfirmation() {
			return o.openFixCase(cctx, st, models.ActionConfirmPayment, t)
		}
	}
	if !customer.WalletInSync() {
		return o.openFixCase(cctx, st, models.ActionResyncWallet, t)
	}

	t.text = orderSummary(order, payments)
	return st.WithStatus(models.ConversationResolved), OutcomeInformational
}

// inspectWallet serves wallet questions that name no order.
func (o *Orchestrator) inspectWallet(ctx context.Context, st models.ConversationState, t *turn) (models.ConversationState, Outcome) {
	cctx, cancel := o.callContext(ctx)
	defer cancel()
	customer, err := store.GetJSON[models.Customer](cctx, o.docs, store.CollCustomers, st.CustomerID)
	if errors.Is(err, models.ErrNotFound) {
		t.text = "I couldn't find your customer record."
		return st, OutcomeNotFound
	}
	if err != nil {
		slog.Warn("Orchestrator.inspectWallet: customer lookup failed", "customerID", st.CustomerID, "error", err)
		t.text = apologyText
		return st, OutcomeError
	}
	if !customer.WalletInSync() {
		return o.openFixCase(cctx, st, models.ActionResyncWallet, t)
	}
	t.text = fmt.Sprintf("Your wallet balance is $%.2f and matches your transaction history.", customer.WalletBalance)
	return st.WithStatus(models.ConversationResolved), OutcomeInformational
}

func orderSummary(order models.Order, payments []models.Payment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s is %s.", order.ID, order.Status)
	if order.Status != models.OrderDelivered && order.Status != models.OrderCancelled && !order.ExpectedDelivery.IsZero() {
		fmt.Fprintf(&b, " Expected delivery: %s.", order.ExpectedDelivery.Format("Mon, Jan 2"))
	}
	if order.Refunded {
		b.WriteString(" It has been refunded to your wallet.")
	}
	for _, p := range payments {
		if p.Status == models.PaymentFailed {
			b.WriteString(" The payment for it failed; please pay again from the app.")
			break
		}
	}
	return b.String()
}

func (o *Orchestrator) openRefundCase(ctx context.Context, st models.ConversationState, order models.Order, t *turn) (models.ConversationState, Outcome) {
	switch {
	case order.Status == models.OrderCancelled:
		t.text = fmt.Sprintf("Order %s was cancelled, so there is nothing to refund.", order.ID)
		return st.WithStatus(models.ConversationResolved), OutcomeIneligible
	case order.Refunded:
		t.text = fmt.Sprintf("Order %s has already been refunded to your wallet.", order.ID)
		return st.WithStatus(models.ConversationResolved), OutcomeIneligible
	}

	existing, err := store.QueryJSON[models.ResolutionCase](ctx, o.docs, store.CollCases, store.Filter{"order_id": order.ID})
	if err != nil {
		slog.Warn("Orchestrator.openRefundCase: case lookup failed", "orderID", order.ID, "error", err)
		t.text = apologyText
		return st, OutcomeError
	}
	own := models.CaseIDFor(st.ConversationID, st.Cycle)
	for _, c := range existing {
		if c.ID != own && c.Action == models.ActionIssueRefund && !c.Status.Terminal() {
			t.text = fmt.Sprintf("A request for order %s is already being handled. We'll update you as soon as it's decided.", order.ID)
			return st, OutcomeIneligible
		}
	}
	return o.openCase(ctx, st, models.ActionIssueRefund, OutcomeSensitive, t)
}

func (o *Orchestrator) openFixCase(ctx context.Context, st models.ConversationState, action models.ActionType, t *turn) (models.ConversationState, Outcome) {
	return o.openCase(ctx, st, action, OutcomeAutoFixable, t)
}

// openCase creates the cycle's case. A case left by an earlier attempt at the
// same cycle is reused.
func (o *Orchestrator) openCase(ctx context.Context, st models.ConversationState, action models.ActionType, outcome Outcome, t *turn) (models.ConversationState, Outcome) {
	c := models.NewResolutionCase(st, action, o.opts.Now())
	err := store.CreateJSON(ctx, o.docs, store.CollCases, c.ID, c)
	if err != nil && !errors.Is(err, models.ErrAlreadyExists) {
		slog.Warn("Orchestrator.openCase: case not saved", "caseID", c.ID, "error", err)
		t.text = apologyText
		return st, OutcomeError
	}
	slog.Info("Orchestrator.openCase: case opened", "caseID", c.ID, "conversationID", st.ConversationID, "action", action)
	return st.WithCase(c.ID), outcome
}

// updateCase applies ev to a stored case under the case lock.
func (o *Orchestrator) updateCase(ctx context.Context, id string, ev models.CaseEvent) (models.ResolutionCase, error) {
	unlock := o.opts.Locks.Lock(caseKey(id))
	defer unlock()
	cctx, cancel := o.callContext(ctx)
	defer cancel()

	c, err := store.GetJSON[models.ResolutionCase](cctx, o.docs, store.CollCases, id)
	if err != nil {
		return models.ResolutionCase{}, fmt.Errorf("load case %s: %w", id, err)
	}
	next, err := c.Apply(ev)
	if err != nil {
		return c, err
	}
	if err := store.PutJSON(cctx, o.docs, store.CollCases, id, next); err != nil {
		return c, fmt.Errorf("save case %s: %w", id, err)
	}
	return next, nil
}

func (o *Orchestrator) loadCase(ctx context.Context, id string) (models.ResolutionCase, error) {
	cctx, cancel := o.callContext(ctx)
	defer cancel()
	c, err := store.GetJSON[models.ResolutionCase](cctx, o.docs, store.CollCases, id)
	if err != nil {
		return models.ResolutionCase{}, fmt.Errorf("load case %s: %w", id, err)
	}
	return c, nil
}

func actionTarget(c models.ResolutionCase) string {
	if c.Action == models.ActionResyncWallet {
		return c.CustomerID
	}
	return c.OrderID
}

// deferAction records an action failure and queues a durable retry. The case
// stays PENDING.
func (o *Orchestrator) deferAction(ctx context.Context, c models.ResolutionCase, cause error) {
	slog.Error("Orchestrator.deferAction: action failed, scheduling retry", "caseID", c.ID,
		"action", c.Action, "target", actionTarget(c), "error", cause)
	ev := events.FromCase(events.ActionFailed, c, o.opts.Now())
	ev.Reason = cause.Error()
	events.PublishSafely(ctx, o.opts.Publisher, ev)
	if o.deps.Retries == nil {
		return
	}
	p := actions.RetryPayload{Action: c.Action, Target: actionTarget(c), CaseID: c.ID}
	cctx, cancel := o.callContext(ctx)
	defer cancel()
	if _, err := actions.ScheduleRetry(cctx, o.deps.Retries, p, o.opts.RetryDelay); err != nil {
		slog.Error("Orchestrator.deferAction: retry not scheduled", "caseID", c.ID, "error", err)
	}
}

func (o *Orchestrator) autoFix(ctx context.Context, st models.ConversationState, t *turn) (models.ConversationState, Outcome) {
	c, err := o.loadCase(ctx, st.CaseID)
	if err != nil {
		slog.Warn("Orchestrator.autoFix: case unavailable", "caseID", st.CaseID, "error", err)
		t.text = apologyText
		return st, OutcomeFailure
	}

	cctx, cancel := o.callContext(ctx)
	_, err = o.deps.Executor.Execute(cctx, c.Action, actionTarget(c))
	cancel()
	if err != nil {
		o.deferAction(ctx, c, err)
		t.text = retryLaterText
		return st, OutcomeFailure
	}

	resolved, err := o.updateCase(ctx, c.ID, models.CaseEvent{Kind: models.EventAutoResolved, Reason: "fixed automatically", At: o.opts.Now()})
	if err != nil {
		slog.Warn("Orchestrator.autoFix: case not closed", "caseID", c.ID, "error", err)
	} else {
		events.PublishSafely(ctx, o.opts.Publisher, events.FromCase(events.CaseAutoResolved, resolved, resolved.UpdatedAt))
	}

	switch c.Action {
	case models.ActionResyncWallet:
		t.text = "I found a mismatch in your wallet and corrected the balance to match your transaction history."
	case models.ActionConfirmPayment:
		t.text = fmt.Sprintf("Your payment for order %s was received but not confirmed. It is confirmed now.", c.OrderID)
	default:
		t.text = "That's been fixed."
	}
	return st.WithStatus(models.ConversationResolved), OutcomeSuccess
}

func (o *Orchestrator) requestEvidence(st models.ConversationState, t *turn) (models.ConversationState, Outcome) {
	st = st.WithStatus(models.ConversationAwaitingEvidence)
	if len(t.media) > 0 {
		slots := st.Slots
		slots.EvidenceRef = util.GenerateEvidenceRef()
		return st.WithSlots(slots), OutcomeEvidence
	}
	if !t.resumed {
		t.text = fmt.Sprintf(askEvidenceText, st.Slots.OrderID)
		return st, OutcomeNoEvidence
	}
	st.AwaitingTurns++
	if st.AwaitingTurns >= o.opts.MaxEvidenceTurns {
		t.reason = "no evidence provided"
		return st, OutcomeExhausted
	}
	t.text = fmt.Sprintf(remindEvidenceText, st.Slots.OrderID)
	return st, OutcomeNoEvidence
}

func (o *Orchestrator) validateEvidence(ctx context.Context, st models.ConversationState, t *turn) (models.ConversationState, Outcome) {
	dec := o.deps.Validator.Validate(ctx, t.media, st.Slots.ClaimedIssue)
	slog.Info("Orchestrator.validateEvidence: evidence judged", "caseID", st.CaseID,
		"outcome", dec.Outcome, "confidence", dec.Confidence)

	c, err := o.updateCase(ctx, st.CaseID, models.CaseEvent{
		Kind:        models.EventValidated,
		Outcome:     dec.Outcome,
		Confidence:  dec.Confidence,
		EvidenceRef: st.Slots.EvidenceRef,
		At:          o.opts.Now(),
	})
	if err != nil {
		slog.Warn("Orchestrator.validateEvidence: case not updated", "caseID", st.CaseID, "error", err)
		t.text = apologyText
		return st.WithStatus(models.ConversationActive), OutcomeError
	}

	switch dec.Outcome {
	case models.ValidationValid:
		cctx, cancel := o.callContext(ctx)
		_, err := o.deps.Executor.Execute(cctx, models.ActionIssueRefund, c.OrderID)
		cancel()
		if err != nil {
			o.deferAction(ctx, c, err)
			t.text = "Thanks, your evidence checks out. " + retryLaterText
			return st.WithStatus(models.ConversationActive), OutcomeFailure
		}
		resolved, err := o.updateCase(ctx, c.ID, models.CaseEvent{Kind: models.EventAutoResolved, Reason: "evidence valid", At: o.opts.Now()})
		if err != nil {
			slog.Warn("Orchestrator.validateEvidence: case not closed", "caseID", c.ID, "error", err)
		} else {
			events.PublishSafely(ctx, o.opts.Publisher, events.FromCase(events.CaseAutoResolved, resolved, resolved.UpdatedAt))
		}
		t.text = fmt.Sprintf("Thanks, your evidence confirms the problem. A refund for order %s has been credited to your wallet.", c.OrderID)
		return st.WithStatus(models.ConversationResolved), OutcomeValid

	case models.ValidationInvalid:
		rejected, err := o.updateCase(ctx, c.ID, models.CaseEvent{Kind: models.EventRejected, Reason: dec.Reason, At: o.opts.Now()})
		if err != nil {
			slog.Warn("Orchestrator.validateEvidence: case not rejected", "caseID", c.ID, "error", err)
		} else {
			events.PublishSafely(ctx, o.opts.Publisher, events.FromCase(events.CaseRejected, rejected, rejected.UpdatedAt))
		}
		t.text = fmt.Sprintf("I'm sorry, the evidence doesn't show the problem described, so I can't approve a refund for order %s.", c.OrderID)
		return st.WithStatus(models.ConversationResolved), OutcomeInvalid
	}

	t.reason = "evidence uncertain"
	if dec.Reason != "" {
		t.reason += ": " + dec.Reason
	}
	return st, OutcomeUncertain
}

func (o *Orchestrator) escalate(ctx context.Context, st models.ConversationState, t *turn) (models.ConversationState, Outcome) {
	c, err := o.loadCase(ctx, st.CaseID)
	if err == nil {
		cctx, cancel := o.callContext(ctx)
		_, err = o.deps.Escalator.Enqueue(cctx, c, t.reason)
		cancel()
	}
	if err != nil {
		slog.Error("Orchestrator.escalate: case not escalated", "caseID", st.CaseID, "error", err)
		t.text = apologyText
		return st, OutcomeError
	}
	t.text = escalatedText
	return st.WithStatus(models.ConversationEscalated), OutcomeDone
}

func (o *Orchestrator) subscriptionFlow(ctx context.Context, st models.ConversationState, t *turn) (models.ConversationState, Outcome) {
	if o.deps.Subscriptions == nil {
		t.text = "Subscriptions can't be managed in chat right now."
		return st, OutcomeError
	}
	if st.CustomerID == "" {
		t.text = "I need to know who you are before I can manage subscriptions."
		return st, OutcomeDone
	}

	cctx, cancel := o.callContext(ctx)
	defer cancel()
	req := t.class.Subscription
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "create":
		day, err := models.ParseWeekday(req.Day)
		if err != nil {
			t.text = "Which day of the week should the delivery come?"
			return st, OutcomeDone
		}
		sub, err := o.deps.Subscriptions.Create(cctx, st.CustomerID, req.Items, day)
		if err != nil {
			return st, subscriptionFailure(err, "", t)
		}
		t.text = fmt.Sprintf("Done! Subscription %s (%s) will arrive every %s, starting %s.",
			sub.ID, describeItems(sub.Items), sub.RecurrenceDay, sub.NextDelivery.Format("Mon, Jan 2"))
		return st.WithStatus(models.ConversationResolved), OutcomeDone

	case "cancel":
		id := strings.TrimSpace(req.SubscriptionID)
		if id == "" {
			subs, err := o.deps.Subscriptions.List(cctx, st.CustomerID)
			if err != nil {
				return st, subscriptionFailure(err, "", t)
			}
			active := activeOnly(subs)
			if len(active) != 1 {
				t.text = "Which subscription should I cancel? " + describeSubscriptions(active)
				return st, OutcomeDone
			}
			id = active[0].ID
		}
		sub, err := o.deps.Subscriptions.Cancel(cctx, id)
		if err != nil {
			return st, subscriptionFailure(err, id, t)
		}
		t.text = fmt.Sprintf("Subscription %s is cancelled.", sub.ID)
		return st.WithStatus(models.ConversationResolved), OutcomeDone
	}

	subs, err := o.deps.Subscriptions.List(cctx, st.CustomerID)
	if err != nil {
		return st, subscriptionFailure(err, "", t)
	}
	t.text = describeSubscriptions(activeOnly(subs))
	return st.WithStatus(models.ConversationResolved), OutcomeDone
}

func subscriptionFailure(err error, id string, t *turn) Outcome {
	switch {
	case errors.Is(err, models.ErrNotFound):
		if id != "" {
			t.text = fmt.Sprintf("Subscription %s was not found.", id)
		} else {
			t.text = "Not found."
		}
		return OutcomeDone
	case errors.Is(err, models.ErrInvalidInput):
		t.text = "Tell me which items, how many of each and on which weekday you'd like them."
		return OutcomeDone
	}
	slog.Warn("Orchestrator.subscriptionFlow: subscription call failed", "error", err)
	t.text = apologyText
	return OutcomeError
}

func activeOnly(subs []models.Subscription) []models.Subscription {
	var out []models.Subscription
	for _, s := range subs {
		if s.Status == models.SubscriptionActive {
			out = append(out, s)
		}
	}
	return out
}

func describeItems(items []models.SubscriptionItem) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%d x %s", it.Quantity, it.Item))
	}
	return strings.Join(parts, ", ")
}

func describeSubscriptions(subs []models.Subscription) string {
	if len(subs) == 0 {
		return "You have no active subscriptions."
	}
	lines := make([]string, 0, len(subs)+1)
	lines = append(lines, "Your active subscriptions:")
	for _, s := range subs {
		lines = append(lines, fmt.Sprintf("- %s: %s every %s, next on %s",
			s.ID, describeItems(s.Items), s.RecurrenceDay, s.NextDelivery.Format("Mon, Jan 2")))
	}
	return strings.Join(lines, "\n")
}

func (o *Orchestrator) respondOther(st models.ConversationState, t *turn) (models.ConversationState, Outcome) {
	switch {
	case t.text != "":
	case t.classifyFailed:
		t.text = "I'm sorry, I'm having trouble understanding messages right now. Please try again in a moment."
	case strings.TrimSpace(t.class.Reply) != "":
		t.text = t.class.Reply
	default:
		t.text = helpText
	}
	return st, OutcomeDone
}
