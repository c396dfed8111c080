// Package flow implements the resolution workflow: a finite state machine per
// conversation that routes each message by intent, fetches order data, runs
// automatic fixes, gates refunds behind evidence and hands uncertain cases to
// the escalation queue.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CarePipe/internal/actions"
	"github.com/BTreeMap/CarePipe/internal/events"
	"github.com/BTreeMap/CarePipe/internal/evidence"
	"github.com/BTreeMap/CarePipe/internal/genai"
	"github.com/BTreeMap/CarePipe/internal/keylock"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// Classifier is the external text-understanding service.
type Classifier interface {
	Classify(ctx context.Context, utterance string, history []string) (genai.Classification, error)
}

// EvidenceValidator decides whether evidence supports a claim.
type EvidenceValidator interface {
	Validate(ctx context.Context, media []models.Attachment, claim string) evidence.Decision
}

// ActionExecutor applies remediations.
type ActionExecutor interface {
	Execute(ctx context.Context, action models.ActionType, target string) (actions.Result, error)
}

// Escalator opens human-review entries.
type Escalator interface {
	Enqueue(ctx context.Context, c models.ResolutionCase, reason string) (models.EscalationEntry, error)
}

// SubscriptionManager is the subscription surface reachable from chat.
type SubscriptionManager interface {
	Create(ctx context.Context, customerID string, items []models.SubscriptionItem, day models.Weekday) (models.Subscription, error)
	Cancel(ctx context.Context, id string) (models.Subscription, error)
	List(ctx context.Context, customerID string) ([]models.Subscription, error)
}

// Dependencies are the collaborators of an Orchestrator. Subscriptions and
// Retries may be nil; the related features then answer with an apology or
// skip the durable retry.
type Dependencies struct {
	Classifier    Classifier
	Validator     EvidenceValidator
	Executor      ActionExecutor
	Escalator     Escalator
	Subscriptions SubscriptionManager
	Retries       actions.Enqueuer
}

// Defaults.
const (
	DefaultMaxEvidenceTurns = 3
	DefaultCallTimeout      = 10 * time.Second
	DefaultRetryDelay       = time.Minute
	DefaultHistoryLimit     = 20

	maxStepsPerTurn = 8
)

// Opts holds orchestrator policy.
type Opts struct {
	MaxEvidenceTurns int
	CallTimeout      time.Duration
	RetryDelay       time.Duration
	HistoryLimit     int
	Locks            *keylock.Map
	Publisher        events.Publisher
	Now              func() time.Time
}

// Option mutates Opts.
type Option func(*Opts)

// WithMaxEvidenceTurns sets how many turns without evidence are tolerated
// before the case is escalated.
func WithMaxEvidenceTurns(n int) Option {
	return func(o *Opts) { o.MaxEvidenceTurns = n }
}

// WithCallTimeout bounds every external call made during a turn.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Opts) { o.CallTimeout = d }
}

// WithRetryDelay sets when a failed action is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Opts) { o.RetryDelay = d }
}

// WithHistoryLimit caps the stored transcript.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithLocks shares a keyed lock map. Case keys are shared with the escalation
// queue and the executor's retry hook.
func WithLocks(l *keylock.Map) Option {
	return func(o *Opts) { o.Locks = l }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Opts) { o.Publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Orchestrator runs conversations. Turns on one conversation are serialised;
// different conversations proceed in parallel.
type Orchestrator struct {
	docs   store.DocumentStore
	states *StateStore
	deps   Dependencies
	opts   Opts
}

// NewOrchestrator wires an orchestrator over docs.
func NewOrchestrator(docs store.DocumentStore, deps Dependencies, opts ...Option) (*Orchestrator, error) {
	if docs == nil || deps.Classifier == nil || deps.Validator == nil || deps.Executor == nil || deps.Escalator == nil {
		return nil, fmt.Errorf("orchestrator needs a store, classifier, validator, executor and escalator: %w", models.ErrInvalidInput)
	}
	o := Opts{
		MaxEvidenceTurns: DefaultMaxEvidenceTurns,
		CallTimeout:      DefaultCallTimeout,
		RetryDelay:       DefaultRetryDelay,
		HistoryLimit:     DefaultHistoryLimit,
		Publisher:        events.LogPublisher{},
		Now:              time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxEvidenceTurns < 1 {
		return nil, fmt.Errorf("max evidence turns %d: %w", o.MaxEvidenceTurns, models.ErrInvalidInput)
	}
	if o.CallTimeout <= 0 {
		return nil, fmt.Errorf("call timeout %s: %w", o.CallTimeout, models.ErrInvalidInput)
	}
	if o.Locks == nil {
		o.Locks = keylock.New()
	}
	if deps.Retries == nil {
		slog.Warn("NewOrchestrator: no retry queue configured, failed actions will not be retried")
	}
	return &Orchestrator{docs: docs, states: NewStateStore(docs), deps: deps, opts: o}, nil
}

func conversationKey(id string) string { return "conversation:" + id }
func caseKey(id string) string         { return "case:" + id }

func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.opts.CallTimeout)
}

// turn carries what one inbound message produced while nodes run.
type turn struct {
	msg            models.Message
	media          []models.Attachment
	class          genai.Classification
	classifyFailed bool
	resumed        bool // REQUEST_EVIDENCE re-entered from an earlier turn
	reason         string
	text           string
}

func usableMedia(in []models.Attachment) []models.Attachment {
	var out []models.Attachment
	for _, a := range in {
		if !a.Empty() {
			out = append(out, a)
		}
	}
	return out
}

// HandleMessage processes one inbound message and returns the reply. The
// conversation is created on its first message.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg models.Message) (models.Reply, error) {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return models.Reply{}, fmt.Errorf("conversation id is required: %w", models.ErrInvalidInput)
	}
	unlock := o.opts.Locks.Lock(conversationKey(msg.ConversationID))
	defer unlock()

	now := o.opts.Now()
	rec, restored, err := o.loadForTurn(ctx, msg.ConversationID, now)
	if err != nil {
		return models.Reply{}, err
	}
	st := rec.ConversationState
	if st.CustomerID == "" {
		st.CustomerID = msg.CustomerID
	}
	st = st.Turn(now)
	st, notices := st.DrainNotices()

	t := &turn{msg: msg, media: usableMedia(msg.Attachments)}
	var start models.Node
	if !st.CycleFinished() && st.CaseID != "" {
		t.resumed = true
		start = models.NodeRequestEvidence
	} else {
		st, start = o.startCycle(ctx, st, rec, t)
	}
	slog.Debug("Orchestrator.HandleMessage: turn started", "conversationID", st.ConversationID,
		"cycle", st.Cycle, "intent", st.Intent, "node", start, "resumed", t.resumed)

	st, last, err := o.run(ctx, st, start, t)
	if err != nil {
		slog.Error("Orchestrator.HandleMessage: workflow error", "conversationID", st.ConversationID, "error", err)
		return models.Reply{}, err
	}

	text := t.text
	if len(notices) > 0 {
		text = strings.Join(append(notices, text), "\n\n")
	}
	rec.ConversationState = st
	rec = rec.withExchange(msg.Text, text, now, o.opts.HistoryLimit)
	cctx, cancel := o.callContext(ctx)
	defer cancel()
	if err := o.states.save(cctx, rec); err != nil {
		return models.Reply{}, fmt.Errorf("save conversation %s: %w", st.ConversationID, err)
	}
	if restored {
		if err := o.states.unarchive(cctx, st.ConversationID); err != nil {
			slog.Warn("Orchestrator.HandleMessage: archived copy not removed", "conversationID", st.ConversationID, "error", err)
		}
	}

	slog.Info("Orchestrator.HandleMessage: turn complete", "conversationID", st.ConversationID,
		"node", last, "status", st.Status, "caseID", st.CaseID)
	return models.Reply{
		ConversationID: st.ConversationID,
		Text:           text,
		Status:         st.Status,
		Node:           last,
		CaseID:         st.CaseID,
	}, nil
}

func (o *Orchestrator) loadForTurn(ctx context.Context, id string, now time.Time) (conversationRecord, bool, error) {
	cctx, cancel := o.callContext(ctx)
	defer cancel()
	rec, restored, err := o.states.loadOrRestore(cctx, id)
	if errors.Is(err, models.ErrNotFound) {
		slog.Debug("Orchestrator.loadForTurn: new conversation", "conversationID", id)
		return conversationRecord{ConversationState: models.NewConversationState(id, now)}, false, nil
	}
	if err != nil {
		return conversationRecord{}, false, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return rec, restored, nil
}

// startCycle classifies the message and begins a new router-rooted cycle.
func (o *Orchestrator) startCycle(ctx context.Context, st models.ConversationState, rec conversationRecord, t *turn) (models.ConversationState, models.Node) {
	cctx, cancel := o.callContext(ctx)
	class, err := o.deps.Classifier.Classify(cctx, t.msg.Text, rec.customerLines())
	cancel()
	if err != nil {
		slog.Warn("Orchestrator.startCycle: classification failed", "conversationID", st.ConversationID, "error", err)
		t.classifyFailed = true
		class = genai.Classification{Intent: models.IntentOther}
	}
	t.class = class

	slots := st.Slots
	if id := ExtractOrderID(t.msg.Text); id != "" {
		slots.OrderID = id
	} else if id := ExtractOrderID(class.OrderID); id != "" {
		slots.OrderID = id
	}
	st = st.WithSlots(slots)

	intent := ResolveIntent(class.Intent, st)
	resumedPending := intent != class.Intent
	st = st.BeginCycle(intent)

	slots = st.Slots
	if !resumedPending && (intent == models.IntentRefundRequest || intent == models.IntentDeliveryIssue) {
		slots.ClaimedIssue = t.msg.Text
	}
	if intent != models.IntentOther {
		slots.PendingIntent = ""
	}
	st = st.WithSlots(slots)

	if t.classifyFailed {
		return st, models.NodeRespondOther
	}
	return st, Route(intent, st)
}

// run executes nodes until the turn reaches DONE.
func (o *Orchestrator) run(ctx context.Context, st models.ConversationState, node models.Node, t *turn) (models.ConversationState, models.Node, error) {
	last := node
	for steps := 0; node != models.NodeDone; steps++ {
		if steps >= maxStepsPerTurn {
			return st, last, fmt.Errorf("conversation %s: workflow did not settle after %d steps", st.ConversationID, steps)
		}
		var outcome Outcome
		st, outcome = o.exec(ctx, node, st, t)
		slog.Debug("Orchestrator.run: node executed", "conversationID", st.ConversationID, "node", node, "outcome", outcome)
		next, ok := Next(node, outcome)
		if !ok {
			return st, node, &ErrNoTransition{From: node, Outcome: outcome}
		}
		last, node = node, next
	}
	if st.Status == models.ConversationAwaitingEvidence {
		return st.AtNode(models.NodeRequestEvidence), last, nil
	}
	return st.AtNode(models.NodeDone), last, nil
}

func (o *Orchestrator) exec(ctx context.Context, node models.Node, st models.ConversationState, t *turn) (models.ConversationState, Outcome) {
	switch node {
	case models.NodeFetchOrder:
		return o.fetchOrder(ctx, st, t)
	case models.NodeAutoFix:
		return o.autoFix(ctx, st, t)
	case models.NodeRequestEvidence:
		return o.requestEvidence(st, t)
	case models.NodeValidateEvidence:
		return o.validateEvidence(ctx, st, t)
	case models.NodeEscalate:
		return o.escalate(ctx, st, t)
	case models.NodeSubscriptionFlow:
		return o.subscriptionFlow(ctx, st, t)
	case models.NodeRespondOther:
		return o.respondOther(st, t)
	}
	return st, Outcome("unknown_node")
}

// DeliverNotice queues text for the next reply on a conversation. Archived
// conversations are brought back so the notice is not lost.
func (o *Orchestrator) DeliverNotice(ctx context.Context, conversationID, text string) error {
	return o.withConversation(ctx, conversationID, func(st models.ConversationState) models.ConversationState {
		return st.WithNotice(text)
	})
}

func (o *Orchestrator) withConversation(ctx context.Context, id string, fn func(models.ConversationState) models.ConversationState) error {
	unlock := o.opts.Locks.Lock(conversationKey(id))
	defer unlock()
	cctx, cancel := o.callContext(ctx)
	defer cancel()

	rec, restored, err := o.states.loadOrRestore(cctx, id)
	if err != nil {
		return err
	}
	rec.ConversationState = fn(rec.ConversationState)
	rec.UpdatedAt = o.opts.Now()
	if err := o.states.save(cctx, rec); err != nil {
		return err
	}
	if restored {
		return o.states.unarchive(cctx, id)
	}
	return nil
}

// ExpireIdle archives RESOLVED and ESCALATED conversations not updated within
// olderThan. It returns how many were archived.
func (o *Orchestrator) ExpireIdle(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := o.opts.Now().Add(-olderThan)
	archived := 0
	for _, status := range []models.ConversationStatus{models.ConversationResolved, models.ConversationEscalated} {
		recs, err := o.states.listByStatus(ctx, status)
		if err != nil {
			return archived, err
		}
		for _, candidate := range recs {
			if !candidate.UpdatedAt.Before(cutoff) {
				continue
			}
			ok, err := o.archiveIfIdle(ctx, candidate.ConversationID, status, cutoff)
			if err != nil {
				return archived, err
			}
			if ok {
				archived++
			}
		}
	}
	if archived > 0 {
		slog.Info("Orchestrator.ExpireIdle: conversations archived", "count", archived, "cutoff", cutoff)
	}
	return archived, nil
}

func (o *Orchestrator) archiveIfIdle(ctx context.Context, id string, status models.ConversationStatus, cutoff time.Time) (bool, error) {
	unlock := o.opts.Locks.Lock(conversationKey(id))
	defer unlock()
	cctx, cancel := o.callContext(ctx)
	defer cancel()

	rec, err := o.states.load(cctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Status != status || !rec.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	if err := o.states.archive(cctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// Conversation returns the current snapshot of a live conversation.
func (o *Orchestrator) Conversation(ctx context.Context, id string) (models.ConversationState, error) {
	rec, err := o.states.load(ctx, id)
	if err != nil {
		return models.ConversationState{}, err
	}
	return rec.ConversationState, nil
}
