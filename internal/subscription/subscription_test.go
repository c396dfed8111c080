package subscription

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/testutil"
)

// 2024-05-03 is a Friday.
var friday = time.Date(2024, 5, 3, 15, 30, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestComputeNextDeliveryIsStrictlyAfterOnDay(t *testing.T) {
	start := time.Date(2024, 2, 20, 23, 59, 0, 0, time.UTC)
	for i := 0; i < 21; i++ {
		from := start.AddDate(0, 0, i)
		for d := time.Sunday; d <= time.Saturday; d++ {
			got := ComputeNextDelivery(models.Weekday(d), from)
			if !got.After(models.Date(from)) {
				t.Fatalf("ComputeNextDelivery(%s, %s) = %s, not after from", d, from, got)
			}
			if got.Weekday() != d {
				t.Fatalf("ComputeNextDelivery(%s, %s) fell on %s", d, from, got.Weekday())
			}
			if days := models.DaysBetween(from, got); days < 1 || days > 7 {
				t.Fatalf("ComputeNextDelivery(%s, %s) is %d days out", d, from, days)
			}
		}
	}
}

func TestComputeNextDeliverySameWeekdayIsNextWeek(t *testing.T) {
	got := ComputeNextDelivery(models.Weekday(time.Friday), friday)
	want := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("next Friday = %s, want %s", got, want)
	}
}

func TestDueNotifications(t *testing.T) {
	today := models.Date(friday)
	subs := []models.Subscription{
		{ID: "b", CustomerID: "c", NextDelivery: today.AddDate(0, 0, 2), Status: models.SubscriptionActive},
		{ID: "a", CustomerID: "c", NextDelivery: today.AddDate(0, 0, 1), Status: models.SubscriptionActive},
		{ID: "x", CustomerID: "c", NextDelivery: today.AddDate(0, 0, 1), Status: models.SubscriptionCancelled},
		{ID: "y", CustomerID: "c", NextDelivery: today.AddDate(0, 0, 3), Status: models.SubscriptionActive},
		{ID: "z", CustomerID: "c", NextDelivery: today, Status: models.SubscriptionActive},
	}

	first := DueNotifications(subs, friday, DefaultLeadDays)
	if len(first) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(first), first)
	}
	if first[0].SubscriptionID != "a" || first[0].LeadDays != 1 || first[1].SubscriptionID != "b" || first[1].LeadDays != 2 {
		t.Fatalf("unexpected events: %+v", first)
	}

	second := DueNotifications(subs, friday.Add(3*time.Hour), DefaultLeadDays)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("repeated poll differs:\n%+v\n%+v", first, second)
	}
	if first[0].DedupeKey() != second[0].DedupeKey() {
		t.Fatal("dedupe keys differ across polls")
	}
}

func TestCreateSubscription(t *testing.T) {
	ctx := context.Background()
	docs := testutil.NewSeededStore(t)
	svc := NewService(docs, WithClock(fixedClock(friday)))

	sub, err := svc.Create(ctx, testutil.CustomerInSync,
		[]models.SubscriptionItem{{Item: " milk ", Quantity: 2}}, models.Weekday(time.Friday))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !sub.NextDelivery.Equal(time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("NextDelivery = %s, want 2024-05-10", sub.NextDelivery)
	}
	if sub.Items[0].Item != "milk" || sub.Status != models.SubscriptionActive {
		t.Errorf("unexpected subscription: %+v", sub)
	}

	stored := testutil.MustGet[models.Subscription](t, docs, store.CollSubscriptions, sub.ID)
	if stored.RecurrenceDay != models.Weekday(time.Friday) {
		t.Errorf("stored day = %s", stored.RecurrenceDay)
	}
}

func TestCreateSubscriptionErrors(t *testing.T) {
	ctx := context.Background()
	svc := NewService(testutil.NewSeededStore(t), WithClock(fixedClock(friday)))
	milk := []models.SubscriptionItem{{Item: "milk", Quantity: 1}}

	tests := []struct {
		name     string
		customer string
		items    []models.SubscriptionItem
		day      models.Weekday
		want     error
	}{
		{"unknown customer", "CUST999", milk, models.Weekday(time.Monday), models.ErrNotFound},
		{"no customer", "", milk, models.Weekday(time.Monday), models.ErrInvalidInput},
		{"no items", testutil.CustomerInSync, nil, models.Weekday(time.Monday), models.ErrInvalidInput},
		{"zero quantity", testutil.CustomerInSync, []models.SubscriptionItem{{Item: "eggs"}}, models.Weekday(time.Monday), models.ErrInvalidInput},
		{"bad day", testutil.CustomerInSync, milk, models.Weekday(9), models.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tt.customer, tt.items, tt.day); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCancelIsIdempotentAndFinal(t *testing.T) {
	ctx := context.Background()
	docs := testutil.NewSeededStore(t)
	svc := NewService(docs, WithClock(fixedClock(friday)))
	sub, err := svc.Create(ctx, testutil.CustomerInSync,
		[]models.SubscriptionItem{{Item: "bread", Quantity: 1}}, models.Weekday(time.Monday))
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := svc.Cancel(ctx, sub.ID)
	if err != nil || cancelled.Status != models.SubscriptionCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("Cancel = %+v, %v", cancelled, err)
	}
	again, err := svc.Cancel(ctx, sub.ID)
	if err != nil || !again.UpdatedAt.Equal(cancelled.UpdatedAt) {
		t.Fatalf("second Cancel = %+v, %v", again, err)
	}
	if _, err := svc.Cancel(ctx, "sub_missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("Cancel unknown: %v", err)
	}

	// A pass well past the delivery date leaves the cancelled record alone.
	if _, err := svc.RunPass(ctx, friday.AddDate(0, 0, 30)); err != nil {
		t.Fatal(err)
	}
	after := testutil.MustGet[models.Subscription](t, docs, store.CollSubscriptions, sub.ID)
	if !after.NextDelivery.Equal(sub.NextDelivery) {
		t.Fatalf("cancelled subscription advanced to %s", after.NextDelivery)
	}

	list, err := svc.List(ctx, testutil.CustomerInSync)
	if err != nil || len(list) != 1 || list[0].Status != models.SubscriptionCancelled {
		t.Fatalf("List = %+v, %v", list, err)
	}
}

func TestPollReturnsDueNotifications(t *testing.T) {
	ctx := context.Background()
	docs := testutil.NewSeededStore(t)
	today := models.Date(friday)
	testutil.MustPut(t, docs, store.CollSubscriptions, "sub_sun", models.Subscription{
		ID: "sub_sun", CustomerID: testutil.CustomerInSync, RecurrenceDay: models.Weekday(time.Sunday),
		NextDelivery: today.AddDate(0, 0, 2), Status: models.SubscriptionActive, CreatedAt: friday,
	})
	svc := NewService(docs, WithClock(fixedClock(friday)))

	events, err := svc.Poll(ctx, testutil.CustomerInSync)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].LeadDays != 2 {
		t.Fatalf("Poll = %+v", events)
	}
	if none, _ := svc.Poll(ctx, testutil.CustomerMismatch); len(none) != 0 {
		t.Fatalf("other customer got %+v", none)
	}
}

func seedDue(t *testing.T, docs store.DocumentStore) {
	t.Helper()
	today := models.Date(friday)
	testutil.MustPut(t, docs, store.CollSubscriptions, "sub_fri", models.Subscription{
		ID: "sub_fri", CustomerID: testutil.CustomerInSync, RecurrenceDay: models.Weekday(time.Friday),
		NextDelivery: today, Status: models.SubscriptionActive, CreatedAt: friday,
	})
	testutil.MustPut(t, docs, store.CollSubscriptions, "sub_sat", models.Subscription{
		ID: "sub_sat", CustomerID: testutil.CustomerInSync, RecurrenceDay: models.Weekday(time.Saturday),
		NextDelivery: today.AddDate(0, 0, -6), Status: models.SubscriptionActive, CreatedAt: friday,
	})
	testutil.MustPut(t, docs, store.CollSubscriptions, "sub_sun", models.Subscription{
		ID: "sub_sun", CustomerID: testutil.CustomerMismatch, RecurrenceDay: models.Weekday(time.Sunday),
		NextDelivery: today.AddDate(0, 0, 2), Status: models.SubscriptionActive, CreatedAt: friday,
	})
}

func drain(ch <-chan models.NotificationEvent) []models.NotificationEvent {
	var out []models.NotificationEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRunPassAdvancesDueSubscriptions(t *testing.T) {
	ctx := context.Background()
	docs := testutil.NewSeededStore(t)
	seedDue(t, docs)
	svc := NewService(docs, WithClock(fixedClock(friday)))

	report, err := svc.RunPass(ctx, friday)
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if report.Scanned != 3 || report.Advanced != 2 {
		t.Fatalf("report = %+v", report)
	}

	fri := testutil.MustGet[models.Subscription](t, docs, store.CollSubscriptions, "sub_fri")
	if want := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC); !fri.NextDelivery.Equal(want) {
		t.Errorf("sub_fri next = %s, want %s", fri.NextDelivery, want)
	}
	// Overdue subscriptions advance from today, not from their stale date.
	sat := testutil.MustGet[models.Subscription](t, docs, store.CollSubscriptions, "sub_sat")
	if want := time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC); !sat.NextDelivery.Equal(want) {
		t.Errorf("sub_sat next = %s, want %s", sat.NextDelivery, want)
	}

	// sub_sat is now one day out and sub_sun two days out.
	events := drain(svc.Notifications())
	if len(events) != 2 || report.Notified != 2 {
		t.Fatalf("events = %+v, report = %+v", events, report)
	}
}

func TestOverlappingPassesAdvanceOnce(t *testing.T) {
	ctx := context.Background()
	docs := testutil.NewSeededStore(t)
	seedDue(t, docs)

	// Separate services model separate processes sharing one store.
	const passes = 6
	services := make([]*Service, passes)
	for i := range services {
		services[i] = NewService(docs, WithClock(fixedClock(friday)))
	}

	var wg sync.WaitGroup
	reports := make([]PassReport, passes)
	errs := make([]error, passes)
	for i, svc := range services {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i], errs[i] = svc.RunPass(ctx, friday)
		}()
	}
	wg.Wait()

	advanced := 0
	for i := range reports {
		if errs[i] != nil {
			t.Fatalf("pass %d: %v", i, errs[i])
		}
		advanced += reports[i].Advanced
	}
	if advanced != 2 {
		t.Fatalf("subscriptions advanced %d times in total, want 2", advanced)
	}
	markers, err := docs.Query(ctx, store.CollAdvanceMarkers, nil)
	if err != nil || len(markers) != 2 {
		t.Fatalf("markers = %d, %v", len(markers), err)
	}
	fri := testutil.MustGet[models.Subscription](t, docs, store.CollSubscriptions, "sub_fri")
	if want := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC); !fri.NextDelivery.Equal(want) {
		t.Fatalf("sub_fri next = %s, want %s", fri.NextDelivery, want)
	}
}

func TestDispatcherSendsEachNotificationOnce(t *testing.T) {
	ctx := context.Background()
	docs := testutil.NewSeededStore(t)
	seedDue(t, docs)
	svc := NewService(docs, WithClock(fixedClock(friday)))
	outbox := store.NewDocumentOutboxRepo(docs)
	d := NewDispatcher(outbox)

	for i := 0; i < 3; i++ {
		if _, err := svc.RunPass(ctx, friday); err != nil {
			t.Fatal(err)
		}
		for _, ev := range drain(svc.Notifications()) {
			if _, err := d.Dispatch(ctx, ev); err != nil {
				t.Fatal(err)
			}
		}
	}

	msgs, err := outbox.ListOutboxMessages(ctx, testutil.CustomerInSync)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Kind != NotificationKind {
		t.Fatalf("CUST001 outbox = %+v", msgs)
	}
	msgs, _ = outbox.ListOutboxMessages(ctx, testutil.CustomerMismatch)
	if len(msgs) != 1 {
		t.Fatalf("CUST002 outbox = %+v", msgs)
	}
}

func TestDispatcherRunStopsOnClose(t *testing.T) {
	docs := store.NewInMemoryStore()
	d := NewDispatcher(store.NewDocumentOutboxRepo(docs))
	ch := make(chan models.NotificationEvent, 1)
	ch <- models.NotificationEvent{SubscriptionID: "s", CustomerID: "c", DeliveryDate: models.Date(friday), LeadDays: 1}
	close(ch)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
}
