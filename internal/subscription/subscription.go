// Package subscription manages recurring deliveries and their lead-time
// notifications.
//
// A pass over the subscriptions runs on a periodic trigger independent of
// conversation handling. It advances every subscription whose delivery date
// has been reached and emits due NotificationEvents on a channel; a Dispatcher
// turns those into deduplicated outbox messages.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CarePipe/internal/keylock"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// DefaultConcurrency bounds how many subscriptions a pass processes at once.
const DefaultConcurrency = 8

// DefaultBuffer is the capacity of the notification channel.
const DefaultBuffer = 256

// Opts configures a Service.
type Opts struct {
	LeadDays    []int
	Concurrency int
	Buffer      int
	Locks       *keylock.Map
	Now         func() time.Time
}

// Option mutates Opts.
type Option func(*Opts)

// WithLeadDays sets the notification lead days.
func WithLeadDays(days []int) Option {
	return func(o *Opts) { o.LeadDays = days }
}

// WithConcurrency sets the pass fan-out limit.
func WithConcurrency(n int) Option {
	return func(o *Opts) { o.Concurrency = n }
}

// WithBuffer sets the notification channel capacity.
func WithBuffer(n int) Option {
	return func(o *Opts) { o.Buffer = n }
}

// WithLocks shares a keyed lock map with other writers of subscriptions.
func WithLocks(l *keylock.Map) Option {
	return func(o *Opts) { o.Locks = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Service owns subscription records.
type Service struct {
	docs        store.DocumentStore
	locks       *keylock.Map
	now         func() time.Time
	leadDays    []int
	concurrency int
	out         chan models.NotificationEvent
}

// advanceMarker records that a subscription was advanced past one delivery date.
type advanceMarker struct {
	SubscriptionID string    `json:"subscription_id"`
	DeliveryDate   time.Time `json:"delivery_date"`
	NextDelivery   time.Time `json:"next_delivery"`
	AdvancedAt     time.Time `json:"advanced_at"`
}

// PassReport summarises one RunPass.
type PassReport struct {
	Scanned  int `json:"scanned"`
	Advanced int `json:"advanced"`
	Notified int `json:"notified"`
}

// NewService creates a subscription service backed by docs.
func NewService(docs store.DocumentStore, opts ...Option) *Service {
	o := Opts{LeadDays: DefaultLeadDays, Concurrency: DefaultConcurrency, Buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Locks == nil {
		o.Locks = keylock.New()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Buffer < 0 {
		o.Buffer = 0
	}
	return &Service{
		docs:        docs,
		locks:       o.Locks,
		now:         o.Now,
		leadDays:    append([]int(nil), o.LeadDays...),
		concurrency: o.Concurrency,
		out:         make(chan models.NotificationEvent, o.Buffer),
	}
}

// Notifications returns the channel RunPass emits due notifications on.
func (s *Service) Notifications() <-chan models.NotificationEvent {
	return s.out
}

func lockKey(id string) string { return "subscription:" + id }

func validateItems(items []models.SubscriptionItem) ([]models.SubscriptionItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("subscription needs at least one item: %w", models.ErrInvalidInput)
	}
	out := make([]models.SubscriptionItem, 0, len(items))
	for _, it := range items {
		name := strings.TrimSpace(it.Item)
		if name == "" {
			return nil, fmt.Errorf("subscription item without a name: %w", models.ErrInvalidInput)
		}
		if it.Quantity < 1 {
			return nil, fmt.Errorf("item %q quantity %d: %w", name, it.Quantity, models.ErrInvalidInput)
		}
		out = append(out, models.SubscriptionItem{Item: name, Quantity: it.Quantity})
	}
	return out, nil
}

// Create starts a subscription for an existing customer. The first delivery is
// the next occurrence of day strictly after today.
func (s *Service) Create(ctx context.Context, customerID string, items []models.SubscriptionItem, day models.Weekday) (models.Subscription, error) {
	if strings.TrimSpace(customerID) == "" {
		return models.Subscription{}, fmt.Errorf("customer id is required: %w", models.ErrInvalidInput)
	}
	if day < models.Weekday(time.Sunday) || day > models.Weekday(time.Saturday) {
		return models.Subscription{}, fmt.Errorf("recurrence day %d: %w", day, models.ErrInvalidInput)
	}
	clean, err := validateItems(items)
	if err != nil {
		return models.Subscription{}, err
	}
	if _, err := store.GetJSON[models.Customer](ctx, s.docs, store.CollCustomers, customerID); err != nil {
		return models.Subscription{}, fmt.Errorf("customer %s: %w", customerID, err)
	}

	now := s.now()
	sub := models.Subscription{
		ID:            util.GenerateSubscriptionID(),
		CustomerID:    customerID,
		Items:         clean,
		RecurrenceDay: day,
		NextDelivery:  ComputeNextDelivery(day, now),
		Status:        models.SubscriptionActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.CreateJSON(ctx, s.docs, store.CollSubscriptions, sub.ID, sub); err != nil {
		return models.Subscription{}, fmt.Errorf("save subscription: %w", err)
	}
	slog.Info("Service.Create: subscription created", "subscriptionID", sub.ID, "customerID", customerID,
		"day", day, "nextDelivery", sub.NextDelivery.Format(models.DateLayout))
	return sub, nil
}

// Get returns one subscription.
func (s *Service) Get(ctx context.Context, id string) (models.Subscription, error) {
	sub, err := store.GetJSON[models.Subscription](ctx, s.docs, store.CollSubscriptions, id)
	if err != nil {
		return models.Subscription{}, fmt.Errorf("subscription %s: %w", id, err)
	}
	return sub, nil
}

// Cancel marks a subscription CANCELLED. Cancelling a cancelled subscription
// returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id string) (models.Subscription, error) {
	unlock := s.locks.Lock(lockKey(id))
	defer unlock()

	sub, err := s.Get(ctx, id)
	if err != nil {
		return models.Subscription{}, err
	}
	if sub.Status == models.SubscriptionCancelled {
		return sub, nil
	}
	now := s.now()
	sub.Status = models.SubscriptionCancelled
	sub.CancelledAt = &now
	sub.UpdatedAt = now
	if err := store.PutJSON(ctx, s.docs, store.CollSubscriptions, id, sub); err != nil {
		return models.Subscription{}, fmt.Errorf("save subscription %s: %w", id, err)
	}
	slog.Info("Service.Cancel: subscription cancelled", "subscriptionID", id, "customerID", sub.CustomerID)
	return sub, nil
}

// List returns a customer's subscriptions, oldest first, including cancelled ones.
func (s *Service) List(ctx context.Context, customerID string) ([]models.Subscription, error) {
	subs, err := store.QueryJSON[models.Subscription](ctx, s.docs, store.CollSubscriptions,
		store.Filter{"customer_id": customerID})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions of %s: %w", customerID, err)
	}
	sort.SliceStable(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
	return subs, nil
}

// Poll returns the notifications due today for a customer. It does not
// record anything; callers deduplicate with NotificationEvent.DedupeKey.
func (s *Service) Poll(ctx context.Context, customerID string) ([]models.NotificationEvent, error) {
	subs, err := s.List(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return DueNotifications(subs, s.now(), s.leadDays), nil
}

// RunPass advances every ACTIVE subscription whose delivery date is today or
// earlier and emits the notifications due today on the Notifications channel.
// Overlapping passes advance each subscription at most once per delivery date.
func (s *Service) RunPass(ctx context.Context, today time.Time) (PassReport, error) {
	today = models.Date(today)
	subs, err := store.QueryJSON[models.Subscription](ctx, s.docs, store.CollSubscriptions,
		store.Filter{"status": string(models.SubscriptionActive)})
	if err != nil {
		return PassReport{}, fmt.Errorf("scan subscriptions: %w", err)
	}

	var (
		mu     sync.Mutex
		report = PassReport{Scanned: len(subs)}
		errs   []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, sub := range subs {
		g.Go(func() error {
			current, advanced, err := s.advance(gctx, sub.ID, today)
			if err != nil {
				slog.Warn("Service.RunPass: advance failed", "subscriptionID", sub.ID, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			due := DueNotifications([]models.Subscription{current}, today, s.leadDays)
			for _, ev := range due {
				select {
				case s.out <- ev:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			mu.Lock()
			if advanced {
				report.Advanced++
			}
			report.Notified += len(due)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	slog.Info("Service.RunPass: pass complete", "today", today.Format(models.DateLayout),
		"scanned", report.Scanned, "advanced", report.Advanced, "notified", report.Notified)
	return report, errors.Join(errs...)
}

// advance re-reads a subscription under its lock and moves a reached delivery
// date forward. The advance marker makes the move happen once per date even
// when passes in other processes overlap.
func (s *Service) advance(ctx context.Context, id string, today time.Time) (models.Subscription, bool, error) {
	unlock := s.locks.Lock(lockKey(id))
	defer unlock()

	sub, err := s.Get(ctx, id)
	if err != nil {
		return models.Subscription{}, false, err
	}
	if sub.Status != models.SubscriptionActive || models.Date(sub.NextDelivery).After(today) {
		return sub, false, nil
	}

	reached := models.Date(sub.NextDelivery)
	next := ComputeNextDelivery(sub.RecurrenceDay, today)
	now := s.now()
	marker := advanceMarker{SubscriptionID: id, DeliveryDate: reached, NextDelivery: next, AdvancedAt: now}
	markerID := id + ":" + reached.Format(models.DateLayout)
	created := true
	if err := store.CreateJSON(ctx, s.docs, store.CollAdvanceMarkers, markerID, marker); err != nil {
		if !errors.Is(err, models.ErrAlreadyExists) {
			return sub, false, fmt.Errorf("record advance %s: %w", markerID, err)
		}
		created = false
	}

	sub.NextDelivery = next
	sub.UpdatedAt = now
	if err := store.PutJSON(ctx, s.docs, store.CollSubscriptions, id, sub); err != nil {
		return sub, false, fmt.Errorf("save subscription %s: %w", id, err)
	}
	if created {
		slog.Info("Service.advance: delivery date advanced", "subscriptionID", id,
			"reached", reached.Format(models.DateLayout), "next", next.Format(models.DateLayout))
	} else {
		slog.Debug("Service.advance: already advanced elsewhere", "subscriptionID", id, "reached", reached.Format(models.DateLayout))
	}
	return sub, created, nil
}
