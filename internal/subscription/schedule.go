package subscription

import (
	"sort"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// DefaultLeadDays are the days before a delivery on which customers are alerted.
var DefaultLeadDays = []int{1, 2}

// ComputeNextDelivery returns the first date strictly after from that falls on
// day. When from is already on day the result is one week later.
func ComputeNextDelivery(day models.Weekday, from time.Time) time.Time {
	from = models.Date(from)
	delta := (int(day) - int(from.Weekday()) + 7) % 7
	if delta == 0 {
		delta = 7
	}
	return from.AddDate(0, 0, delta)
}

// DueNotifications returns the lead-time alerts due today for the ACTIVE
// subscriptions in subs. The result depends only on its arguments and is
// ordered by subscription id then lead days, so repeated calls on the same
// day yield equal events.
func DueNotifications(subs []models.Subscription, today time.Time, leadDays []int) []models.NotificationEvent {
	today = models.Date(today)
	var out []models.NotificationEvent
	for _, s := range subs {
		if s.Status != models.SubscriptionActive {
			continue
		}
		remaining := models.DaysBetween(today, s.NextDelivery)
		for _, lead := range leadDays {
			if remaining == lead {
				out = append(out, models.NotificationEvent{
					SubscriptionID: s.ID,
					CustomerID:     s.CustomerID,
					DeliveryDate:   models.Date(s.NextDelivery),
					LeadDays:       lead,
				})
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SubscriptionID != out[j].SubscriptionID {
			return out[i].SubscriptionID < out[j].SubscriptionID
		}
		return out[i].LeadDays < out[j].LeadDays
	})
	return out
}
