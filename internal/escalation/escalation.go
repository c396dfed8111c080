// Package escalation implements the durable human-review queue.
//
// Every ESCALATED case has exactly one open entry. Resolving an entry closes it
// and moves the case to HUMAN_RESOLVED or REJECTED. Concurrent resolutions of
// one case are serialised by a keyed lock inside the process and by a
// create-if-absent resolution record across processes, so exactly one
// reviewer's outcome wins and the losers see models.ErrConcurrencyConflict.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/BTreeMap/CarePipe/internal/actions"
	"github.com/BTreeMap/CarePipe/internal/events"
	"github.com/BTreeMap/CarePipe/internal/keylock"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// ResolvedHook runs after a resolution is committed.
type ResolvedHook func(ctx context.Context, c models.ResolutionCase, r models.EscalationResolution)

// Option configures a Queue.
type Option func(*Queue)

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(q *Queue) { q.pub = p }
}

// WithLocks shares a keyed lock map with other writers of cases.
func WithLocks(l *keylock.Map) Option {
	return func(q *Queue) { q.locks = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Queue is the escalation queue.
type Queue struct {
	docs  store.DocumentStore
	locks *keylock.Map
	pub   events.Publisher
	now   func() time.Time
	hooks []ResolvedHook
}

// NewQueue creates a queue persisted in docs.
func NewQueue(docs store.DocumentStore, opts ...Option) *Queue {
	q := &Queue{docs: docs, now: time.Now, pub: events.LogPublisher{}}
	for _, opt := range opts {
		opt(q)
	}
	if q.locks == nil {
		q.locks = keylock.New()
	}
	return q
}

// OnResolved registers a post-commit hook. Register hooks before serving.
func (q *Queue) OnResolved(h ResolvedHook) {
	q.hooks = append(q.hooks, h)
}

func caseLockKey(id string) string { return "case:" + id }

// Enqueue escalates a PENDING case with reason and opens its entry. Enqueuing
// a case that already has an entry returns that entry.
func (q *Queue) Enqueue(ctx context.Context, c models.ResolutionCase, reason string) (models.EscalationEntry, error) {
	unlock := q.locks.Lock(caseLockKey(c.ID))
	defer unlock()

	now := q.now()
	escalated := c
	if c.Status != models.CaseEscalated {
		var err error
		escalated, err = c.Apply(models.CaseEvent{Kind: models.EventEscalated, Reason: reason, At: now})
		if err != nil {
			return models.EscalationEntry{}, fmt.Errorf("escalate case %s: %w", c.ID, err)
		}
	}

	entry := models.EscalationEntry{Case: escalated, EnqueuedAt: now, Open: true}
	err := store.CreateJSON(ctx, q.docs, store.CollEscalations, c.ID, entry)
	if errors.Is(err, models.ErrAlreadyExists) {
		existing, gerr := store.GetJSON[models.EscalationEntry](ctx, q.docs, store.CollEscalations, c.ID)
		if gerr != nil {
			return models.EscalationEntry{}, fmt.Errorf("load existing entry %s: %w", c.ID, gerr)
		}
		if existing.Open {
			// A previous attempt may have stopped before the case was written.
			if err := store.PutJSON(ctx, q.docs, store.CollCases, c.ID, existing.Case); err != nil {
				return models.EscalationEntry{}, fmt.Errorf("save case %s: %w", c.ID, err)
			}
		}
		slog.Debug("Queue.Enqueue: entry already present", "caseID", c.ID, "open", existing.Open)
		return existing, nil
	}
	if err != nil {
		return models.EscalationEntry{}, fmt.Errorf("create entry %s: %w", c.ID, err)
	}
	if err := store.PutJSON(ctx, q.docs, store.CollCases, c.ID, escalated); err != nil {
		return models.EscalationEntry{}, fmt.Errorf("save case %s: %w", c.ID, err)
	}

	slog.Info("Queue.Enqueue: case escalated", "caseID", c.ID, "conversationID", c.ConversationID, "reason", reason)
	events.PublishSafely(ctx, q.pub, events.FromCase(events.CaseEscalated, escalated, now))
	return entry, nil
}

// ListPending returns the open entries, oldest first.
func (q *Queue) ListPending(ctx context.Context) ([]models.EscalationEntry, error) {
	entries, err := store.QueryJSON[models.EscalationEntry](ctx, q.docs, store.CollEscalations,
		store.Filter{"case.status": string(models.CaseEscalated)})
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	open := entries[:0]
	for _, e := range entries {
		if e.Open {
			open = append(open, e)
		}
	}
	sort.SliceStable(open, func(i, j int) bool {
		if !open[i].EnqueuedAt.Equal(open[j].EnqueuedAt) {
			return open[i].EnqueuedAt.Before(open[j].EnqueuedAt)
		}
		return open[i].Case.ID < open[j].Case.ID
	})
	return open, nil
}

// Case returns the current snapshot of a case.
func (q *Queue) Case(ctx context.Context, caseID string) (models.ResolutionCase, error) {
	c, err := store.GetJSON[models.ResolutionCase](ctx, q.docs, store.CollCases, caseID)
	if err != nil {
		return models.ResolutionCase{}, fmt.Errorf("case %s: %w", caseID, err)
	}
	return c, nil
}

// Assign records reviewerID on an open entry.
func (q *Queue) Assign(ctx context.Context, caseID, reviewerID string) (models.EscalationEntry, error) {
	if reviewerID == "" {
		return models.EscalationEntry{}, fmt.Errorf("reviewer id required: %w", models.ErrInvalidInput)
	}
	unlock := q.locks.Lock(caseLockKey(caseID))
	defer unlock()

	entry, err := store.GetJSON[models.EscalationEntry](ctx, q.docs, store.CollEscalations, caseID)
	if err != nil {
		return models.EscalationEntry{}, fmt.Errorf("escalation %s: %w", caseID, err)
	}
	if !entry.Open {
		return models.EscalationEntry{}, fmt.Errorf("escalation %s already closed: %w", caseID, models.ErrConcurrencyConflict)
	}
	entry.ReviewerID = &reviewerID
	if err := store.PutJSON(ctx, q.docs, store.CollEscalations, caseID, entry); err != nil {
		return models.EscalationEntry{}, fmt.Errorf("save escalation %s: %w", caseID, err)
	}
	ev := events.FromCase(events.CaseAssigned, entry.Case, q.now())
	ev.ReviewerID = reviewerID
	events.PublishSafely(ctx, q.pub, ev)
	return entry, nil
}

// Resolve closes the entry of caseID with outcome. Unknown cases fail with
// models.ErrNotFound; a case that is no longer ESCALATED, or that another
// resolver already claimed, fails with models.ErrConcurrencyConflict.
func (q *Queue) Resolve(ctx context.Context, caseID string, outcome models.ReviewOutcome, reviewerID string) (models.ResolutionCase, error) {
	if reviewerID == "" {
		return models.ResolutionCase{}, fmt.Errorf("reviewer id required: %w", models.ErrInvalidInput)
	}
	if outcome != models.ReviewApproved && outcome != models.ReviewRejected {
		return models.ResolutionCase{}, fmt.Errorf("review outcome %q: %w", outcome, models.ErrInvalidInput)
	}

	resolved, rec, err := q.commitResolution(ctx, caseID, outcome, reviewerID)
	if err != nil {
		return models.ResolutionCase{}, err
	}

	slog.Info("Queue.Resolve: case resolved", "caseID", caseID, "outcome", outcome, "reviewer", reviewerID, "status", resolved.Status)
	events.PublishSafely(ctx, q.pub, events.FromCase(events.CaseResolved, resolved, rec.ResolvedAt))
	for _, h := range q.hooks {
		h(ctx, resolved, rec)
	}
	return resolved, nil
}

func (q *Queue) commitResolution(ctx context.Context, caseID string, outcome models.ReviewOutcome, reviewerID string) (models.ResolutionCase, models.EscalationResolution, error) {
	unlock := q.locks.Lock(caseLockKey(caseID))
	defer unlock()

	entry, err := store.GetJSON[models.EscalationEntry](ctx, q.docs, store.CollEscalations, caseID)
	if err != nil {
		return models.ResolutionCase{}, models.EscalationResolution{}, fmt.Errorf("escalation %s: %w", caseID, err)
	}
	current, err := store.GetJSON[models.ResolutionCase](ctx, q.docs, store.CollCases, caseID)
	if err != nil {
		return models.ResolutionCase{}, models.EscalationResolution{}, fmt.Errorf("case %s: %w", caseID, err)
	}
	if !entry.Open || current.Status != models.CaseEscalated {
		return models.ResolutionCase{}, models.EscalationResolution{},
			fmt.Errorf("case %s is %s: %w", caseID, current.Status, models.ErrConcurrencyConflict)
	}

	now := q.now()
	rec := models.EscalationResolution{CaseID: caseID, Outcome: outcome, ReviewerID: reviewerID, ResolvedAt: now}
	next, err := current.Apply(models.CaseEvent{Kind: models.EventReviewed, Review: outcome, ReviewerID: reviewerID, At: now})
	if err != nil {
		return models.ResolutionCase{}, models.EscalationResolution{}, err
	}

	err = store.CreateJSON(ctx, q.docs, store.CollResolutions, caseID, rec)
	if errors.Is(err, models.ErrAlreadyExists) {
		// Another process claimed the case first; finish its work if it stopped early.
		if _, ferr := q.rollForward(ctx, entry, current); ferr != nil {
			slog.Error("Queue.Resolve: roll forward failed", "caseID", caseID, "error", ferr)
		}
		return models.ResolutionCase{}, models.EscalationResolution{},
			fmt.Errorf("case %s already resolved: %w", caseID, models.ErrConcurrencyConflict)
	}
	if err != nil {
		return models.ResolutionCase{}, models.EscalationResolution{}, fmt.Errorf("record resolution %s: %w", caseID, err)
	}

	if err := q.close(ctx, entry, next, now); err != nil {
		return models.ResolutionCase{}, models.EscalationResolution{}, err
	}
	return next, rec, nil
}

// close writes the terminal case and the closed entry.
func (q *Queue) close(ctx context.Context, entry models.EscalationEntry, next models.ResolutionCase, at time.Time) error {
	if err := store.PutJSON(ctx, q.docs, store.CollCases, next.ID, next); err != nil {
		return fmt.Errorf("save case %s: %w", next.ID, err)
	}
	entry.Case = next
	entry.Open = false
	entry.ClosedAt = &at
	if err := store.PutJSON(ctx, q.docs, store.CollEscalations, next.ID, entry); err != nil {
		return fmt.Errorf("close escalation %s: %w", next.ID, err)
	}
	return nil
}

// rollForward applies a recorded resolution whose case was never closed.
func (q *Queue) rollForward(ctx context.Context, entry models.EscalationEntry, current models.ResolutionCase) (bool, error) {
	rec, err := store.GetJSON[models.EscalationResolution](ctx, q.docs, store.CollResolutions, current.ID)
	if err != nil {
		return false, err
	}
	if current.Status != models.CaseEscalated {
		return false, nil
	}
	next, err := current.Apply(models.CaseEvent{Kind: models.EventReviewed, Review: rec.Outcome, ReviewerID: rec.ReviewerID, At: rec.ResolvedAt})
	if err != nil {
		return false, err
	}
	if err := q.close(ctx, entry, next, rec.ResolvedAt); err != nil {
		return false, err
	}
	slog.Warn("Queue.rollForward: completed interrupted resolution", "caseID", current.ID, "outcome", rec.Outcome)
	return true, nil
}

// RecoverInterrupted completes resolutions that were recorded but not applied
// before the process stopped. Call once at startup.
func (q *Queue) RecoverInterrupted(ctx context.Context) (int, error) {
	pending, err := q.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range pending {
		if _, err := q.docs.Get(ctx, store.CollResolutions, entry.Case.ID); errors.Is(err, models.ErrNotFound) {
			continue
		} else if err != nil {
			return n, err
		}
		unlock := q.locks.Lock(caseLockKey(entry.Case.ID))
		current, err := store.GetJSON[models.ResolutionCase](ctx, q.docs, store.CollCases, entry.Case.ID)
		if err == nil {
			var done bool
			done, err = q.rollForward(ctx, entry, current)
			if done {
				n++
			}
		}
		unlock()
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", entry.Case.ID, err)
		}
	}
	if n > 0 {
		slog.Info("Queue.RecoverInterrupted: completed resolutions", "count", n)
	}
	return n, nil
}

// RefundOnApproval returns a hook that queues the case's refund when a reviewer
// approves it. The job runner executes it through the action executor.
func RefundOnApproval(jobs actions.Enqueuer) ResolvedHook {
	return func(ctx context.Context, c models.ResolutionCase, r models.EscalationResolution) {
		if r.Outcome != models.ReviewApproved || c.Action != models.ActionIssueRefund || c.OrderID == "" {
			return
		}
		p := actions.RetryPayload{Action: models.ActionIssueRefund, Target: c.OrderID, CaseID: c.ID}
		if _, err := actions.ScheduleRetry(ctx, jobs, p, 0); err != nil {
			slog.Error("escalation.RefundOnApproval: could not queue refund", "caseID", c.ID, "orderID", c.OrderID, "error", err)
		}
	}
}
