package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format for civil dates.
const DateLayout = "2006-01-02"

// Date truncates t to a civil date at UTC midnight.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole days from a to b, both taken as civil dates.
func DaysBetween(a, b time.Time) int {
	return int(Date(b).Sub(Date(a)).Hours() / 24)
}

// Weekday is a recurrence day. It encodes as its English name in JSON.
type Weekday time.Weekday

// ParseWeekday accepts full or three-letter English day names in any case.
func ParseWeekday(s string) (Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) == 3 && strings.HasPrefix(name, s)) {
			return Weekday(d), nil
		}
	}
	return 0, fmt.Errorf("weekday %q: %w", s, ErrInvalidInput)
}

func (w Weekday) String() string { return time.Weekday(w).String() }

func (w Weekday) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

func (w *Weekday) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	d, err := ParseWeekday(s)
	if err != nil {
		return err
	}
	*w = d
	return nil
}

// SubscriptionStatus is ACTIVE or CANCELLED.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
)

// SubscriptionItem is one line of a recurring order.
type SubscriptionItem struct {
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
}

// Subscription is a recurring delivery. Cancelled subscriptions are kept for
// audit and never change again.
type Subscription struct {
	ID            string             `json:"id"`
	CustomerID    string             `json:"customer_id"`
	Items         []SubscriptionItem `json:"items"`
	RecurrenceDay Weekday            `json:"recurrence_day"`
	NextDelivery  time.Time          `json:"next_delivery"`
	Status        SubscriptionStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	CancelledAt   *time.Time         `json:"cancelled_at,omitempty"`
}

// NotificationEvent is a derived lead-time alert for an upcoming delivery.
type NotificationEvent struct {
	SubscriptionID string    `json:"subscription_id"`
	CustomerID     string    `json:"customer_id"`
	DeliveryDate   time.Time `json:"delivery_date"`
	LeadDays       int       `json:"lead_days"`
}

// DedupeKey identifies the event for at-most-once delivery to the customer.
func (e NotificationEvent) DedupeKey() string {
	return fmt.Sprintf("notify:%s:%s:%d", e.SubscriptionID, e.DeliveryDate.Format(DateLayout), e.LeadDays)
}

// Text is the customer-facing alert body.
func (e NotificationEvent) Text() string {
	day := "tomorrow"
	if e.LeadDays != 1 {
		day = fmt.Sprintf("in %d days", e.LeadDays)
	}
	return fmt.Sprintf("Reminder: your subscription delivery is scheduled %s (%s).",
		day, e.DeliveryDate.Format("Mon Jan 2"))
}
