// Package actions performs autonomous remediations against the document store.
//
// Each action is idempotent for its target: the effect is checked before it is
// applied, so repeating a successful action changes nothing and still reports
// success. Mutations of one target are serialised by a keyed lock.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/keylock"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/cenkalti/backoff/v4"
)

// Status is the outcome of an action.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Result reports what Execute did.
type Result struct {
	Action  models.ActionType `json:"action"`
	Target  string            `json:"target"`
	Status  Status            `json:"status"`
	Changed bool              `json:"changed"` // false when the effect was already in place
	Detail  string            `json:"detail,omitempty"`
}

// RetryJobKind is the job kind for durable action retries.
const RetryJobKind = "action_retry"

// RetryPayload is the job payload of a deferred action.
type RetryPayload struct {
	Action models.ActionType `json:"action"`
	Target string            `json:"target"`
	CaseID string            `json:"case_id,omitempty"`
}

// RetryHook runs after a deferred action finally succeeds.
type RetryHook func(ctx context.Context, p RetryPayload, res Result)

// Opts configures the executor.
type Opts struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	Locks           *keylock.Map
	OnRetrySuccess  RetryHook
}

// Option configures the executor.
type Option func(*Opts)

// WithMaxRetries bounds in-call retries of transient store errors.
func WithMaxRetries(n uint64) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithInitialInterval sets the first backoff delay.
func WithInitialInterval(d time.Duration) Option {
	return func(o *Opts) { o.InitialInterval = d }
}

// WithLocks shares a keyed lock map with other writers of orders and customers.
func WithLocks(l *keylock.Map) Option {
	return func(o *Opts) { o.Locks = l }
}

// WithRetrySuccessHook registers a callback for deferred actions that succeed.
func WithRetrySuccessHook(h RetryHook) Option {
	return func(o *Opts) { o.OnRetrySuccess = h }
}

// Executor applies remediation actions.
type Executor struct {
	docs store.DocumentStore
	opts Opts
}

// NewExecutor creates an executor over docs.
func NewExecutor(docs store.DocumentStore, opts ...Option) *Executor {
	cfg := Opts{MaxRetries: 2, InitialInterval: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Locks == nil {
		cfg.Locks = keylock.New()
	}
	return &Executor{docs: docs, opts: cfg}
}

// SetRetrySuccessHook replaces the deferred-success callback. Call before the
// job runner starts.
func (e *Executor) SetRetrySuccessHook(h RetryHook) {
	e.opts.OnRetrySuccess = h
}

// Execute performs action on target (a customer id for RESYNC_WALLET, an
// order id otherwise). A FAILURE result comes with an error wrapping
// models.ErrActionFailure.
func (e *Executor) Execute(ctx context.Context, action models.ActionType, target string) (Result, error) {
	res := Result{Action: action, Target: target}
	var apply func(context.Context, string) (bool, error)
	switch action {
	case models.ActionResyncWallet:
		apply = e.resyncWallet
	case models.ActionConfirmPayment:
		apply = e.confirmPayment
	case models.ActionIssueRefund:
		apply = e.issueRefund
	default:
		res.Status = StatusFailure
		res.Detail = "unsupported action"
		return res, fmt.Errorf("action %q: %w", action, models.ErrActionFailure)
	}
	if target == "" {
		res.Status = StatusFailure
		res.Detail = "missing target"
		return res, fmt.Errorf("%s without target: %w", action, models.ErrActionFailure)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, e.opts.MaxRetries), ctx)

	var changed bool
	op := func() error {
		var err error
		changed, err = apply(ctx, target)
		if err != nil && !errors.Is(err, models.ErrExternalService) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("Executor.Execute: transient failure, retrying", "action", action, "target", target, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		res.Status = StatusFailure
		res.Detail = err.Error()
		slog.Error("Executor.Execute: action failed", "action", action, "target", target, "error", err)
		return res, fmt.Errorf("%s %s: %w: %w", action, target, models.ErrActionFailure, err)
	}
	res.Status = StatusSuccess
	res.Changed = changed
	slog.Info("Executor.Execute: action applied", "action", action, "target", target, "changed", changed)
	return res, nil
}

func customerKey(id string) string { return "customer:" + id }
func orderKey(id string) string    { return "order:" + id }

// resyncWallet recomputes the wallet balance from the ledger.
func (e *Executor) resyncWallet(ctx context.Context, customerID string) (bool, error) {
	unlock := e.opts.Locks.Lock(customerKey(customerID))
	defer unlock()

	c, err := store.GetJSON[models.Customer](ctx, e.docs, store.CollCustomers, customerID)
	if err != nil {
		return false, fmt.Errorf("load customer: %w", err)
	}
	if c.WalletInSync() {
		return false, nil
	}
	c.WalletBalance = c.LedgerBalance()
	if err := store.PutJSON(ctx, e.docs, store.CollCustomers, c.ID, c); err != nil {
		return false, fmt.Errorf("save customer: %w", err)
	}
	return true, nil
}

// confirmPayment confirms a payment the gateway captured but we never recorded.
func (e *Executor) confirmPayment(ctx context.Context, orderID string) (bool, error) {
	unlock := e.opts.Locks.Lock(orderKey(orderID))
	defer unlock()

	payments, err := store.QueryJSON[models.Payment](ctx, e.docs, store.CollPayments, store.Filter{"order_id": orderID})
	if err != nil {
		return false, fmt.Errorf("load payment: %w", err)
	}
	if len(payments) == 0 {
		return false, fmt.Errorf("payment for order %s: %w", orderID, models.ErrNotFound)
	}
	p := payments[0]
	switch {
	case p.Status == models.PaymentConfirmed:
		return false, nil
	case !p.NeedsConfirmation():
		return false, fmt.Errorf("payment %s is %s/%s and cannot be confirmed", p.ID, p.Status, p.GatewayStatus)
	}
	p.Status = models.PaymentConfirmed
	if err := store.PutJSON(ctx, e.docs, store.CollPayments, p.ID, p); err != nil {
		return false, fmt.Errorf("save payment: %w", err)
	}
	return true, nil
}

// issueRefund credits the order amount to the customer's wallet once and then
// marks the order refunded. A crash between the two writes is repaired by the
// next call: the ledger entry is found and only the order flag is written.
func (e *Executor) issueRefund(ctx context.Context, orderID string) (bool, error) {
	unlock := e.opts.Locks.Lock(orderKey(orderID))
	defer unlock()

	o, err := store.GetJSON[models.Order](ctx, e.docs, store.CollOrders, orderID)
	if err != nil {
		return false, fmt.Errorf("load order: %w", err)
	}
	if o.Refunded {
		return false, nil
	}
	if o.Status == models.OrderCancelled {
		return false, fmt.Errorf("order %s is cancelled", orderID)
	}

	changed, err := e.creditWallet(ctx, o.CustomerID, "refund:"+orderID, o.Amount)
	if err != nil {
		return false, err
	}

	o.Refunded = true
	if err := store.PutJSON(ctx, e.docs, store.CollOrders, o.ID, o); err != nil {
		return changed, fmt.Errorf("save order: %w", err)
	}
	if payments, err := store.QueryJSON[models.Payment](ctx, e.docs, store.CollPayments, store.Filter{"order_id": orderID}); err == nil {
		for _, p := range payments {
			if p.Status == models.PaymentRefunded {
				continue
			}
			p.Status = models.PaymentRefunded
			if err := store.PutJSON(ctx, e.docs, store.CollPayments, p.ID, p); err != nil {
				slog.Warn("Executor.issueRefund: payment status not updated", "payment", p.ID, "error", err)
			}
		}
	}
	return true, nil
}

func (e *Executor) creditWallet(ctx context.Context, customerID, ref string, amount float64) (bool, error) {
	unlock := e.opts.Locks.Lock(customerKey(customerID))
	defer unlock()

	c, err := store.GetJSON[models.Customer](ctx, e.docs, store.CollCustomers, customerID)
	if err != nil {
		return false, fmt.Errorf("load customer: %w", err)
	}
	if c.HasLedgerRef(ref) {
		return false, nil
	}
	c.WalletLedger = append(c.WalletLedger, models.WalletEntry{Ref: ref, Amount: amount})
	c.WalletBalance = c.LedgerBalance()
	if err := store.PutJSON(ctx, e.docs, store.CollCustomers, c.ID, c); err != nil {
		return false, fmt.Errorf("save customer: %w", err)
	}
	return true, nil
}

// HandleRetryJob is the store.JobHandler for RetryJobKind.
func (e *Executor) HandleRetryJob(ctx context.Context, payload string) error {
	var p RetryPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("decode retry payload: %w", err)
	}
	res, err := e.Execute(ctx, p.Action, p.Target)
	if err != nil {
		return err
	}
	if e.opts.OnRetrySuccess != nil {
		e.opts.OnRetrySuccess(ctx, p, res)
	}
	return nil
}

// Enqueuer is the subset of the job runner used to defer actions.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, runAt time.Time, payloadJSON, dedupeKey string) (string, error)
}

// ScheduleRetry queues a durable retry of p after delay. Retries of the same
// action on the same target collapse into one pending job.
func ScheduleRetry(ctx context.Context, q Enqueuer, p RetryPayload, delay time.Duration) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return q.Enqueue(ctx, RetryJobKind, time.Now().Add(delay), string(raw), fmt.Sprintf("%s:%s", p.Action, p.Target))
}
