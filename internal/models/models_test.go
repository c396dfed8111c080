package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseIntent(t *testing.T) {
	tests := []struct {
		in   string
		want Intent
	}{
		{"ORDER_STATUS", IntentOrderStatus},
		{" refund_request ", IntentRefundRequest},
		{"delivery_issue", IntentDeliveryIssue},
		{"SUBSCRIPTION_REQUEST", IntentSubscriptionRequest},
		{"wallet_issue", IntentWalletIssue},
		{"PAYMENT_PROBLEM", IntentPaymentProblem},
		{"greeting", IntentOther},
		{"", IntentOther},
	}
	for _, tt := range tests {
		if got := ParseIntent(tt.in); got != tt.want {
			t.Errorf("ParseIntent(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNodeTextRoundTrip(t *testing.T) {
	for _, n := range AllNodes() {
		b, err := n.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", n, err)
		}
		var back Node
		if err := back.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%s): %v", b, err)
		}
		if back != n {
			t.Errorf("round trip of %s gave %s", n, back)
		}
	}
	var n Node
	_ = n.UnmarshalText([]byte("NOPE"))
	if n != 0 {
		t.Errorf("unknown name decoded to %v", n)
	}
}

func TestConversationStateIsValue(t *testing.T) {
	now := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	s := NewConversationState("c1", now).WithNotice("first")
	s2 := s.WithNotice("second")
	if len(s.Notices) != 1 || len(s2.Notices) != 2 {
		t.Fatalf("WithNotice mutated the original: %v / %v", s.Notices, s2.Notices)
	}
	drained, notices := s2.DrainNotices()
	if len(drained.Notices) != 0 || len(notices) != 2 {
		t.Fatalf("DrainNotices = %v, %v", drained.Notices, notices)
	}

	next := s.BeginCycle(IntentRefundRequest).WithCase("x")
	if s.Cycle != 0 || next.Cycle != 1 {
		t.Errorf("BeginCycle cycles: original %d, next %d", s.Cycle, next.Cycle)
	}
	if again := next.BeginCycle(IntentOther); again.CaseID != "" || again.AwaitingTurns != 0 {
		t.Errorf("BeginCycle kept per-cycle data: %+v", again)
	}
}

func TestCaseIDForDeterministic(t *testing.T) {
	a := CaseIDFor("conv-1", 1)
	if a != CaseIDFor("conv-1", 1) {
		t.Fatal("case id not deterministic")
	}
	if a == CaseIDFor("conv-1", 2) || a == CaseIDFor("conv-2", 1) {
		t.Fatal("case id collides across cycles or conversations")
	}
}

func TestResolutionCaseApply(t *testing.T) {
	now := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	st := NewConversationState("conv", now).BeginCycle(IntentRefundRequest)
	c := NewResolutionCase(st, ActionIssueRefund, now)

	escalated, err := c.Apply(CaseEvent{Kind: EventEscalated, Reason: "uncertain", At: now})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if c.Status != CasePending {
		t.Fatalf("Apply mutated receiver: %s", c.Status)
	}

	resolved, err := escalated.Apply(CaseEvent{Kind: EventReviewed, Review: ReviewApproved, ReviewerID: "r1", At: now})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if resolved.Status != CaseHumanResolved || resolved.ReviewerID != "r1" {
		t.Fatalf("resolved = %+v", resolved)
	}

	if _, err := resolved.Apply(CaseEvent{Kind: EventReviewed, Review: ReviewRejected, At: now}); !errors.Is(err, ErrImmutable) {
		t.Errorf("terminal case accepted event, err = %v", err)
	}
	if _, err := c.Apply(CaseEvent{Kind: EventReviewed, Review: ReviewApproved, At: now}); !errors.Is(err, ErrConcurrencyConflict) {
		t.Errorf("review of pending case: err = %v", err)
	}
	if _, err := escalated.Apply(CaseEvent{Kind: EventReviewed, Review: "MAYBE", At: now}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad review outcome: err = %v", err)
	}
}

func TestParseReviewOutcome(t *testing.T) {
	for in, want := range map[string]ReviewOutcome{"approve": ReviewApproved, "APPROVED": ReviewApproved, "Reject": ReviewRejected} {
		got, err := ParseReviewOutcome(in)
		if err != nil || got != want {
			t.Errorf("ParseReviewOutcome(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParseReviewOutcome("later"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestWeekdayJSON(t *testing.T) {
	b, err := json.Marshal(Weekday(time.Friday))
	if err != nil || string(b) != `"Friday"` {
		t.Fatalf("Marshal = %s, %v", b, err)
	}
	var w Weekday
	if err := json.Unmarshal([]byte(`"fri"`), &w); err != nil || time.Weekday(w) != time.Friday {
		t.Fatalf("Unmarshal fri = %v, %v", w, err)
	}
	if err := json.Unmarshal([]byte(`"someday"`), &w); err == nil {
		t.Fatal("expected error for unknown weekday")
	}
}

func TestCustomerWallet(t *testing.T) {
	c := Customer{WalletBalance: 10, WalletLedger: []WalletEntry{{Ref: "a", Amount: 10.1}, {Ref: "b", Amount: 0.2}}}
	if c.WalletInSync() {
		t.Fatal("expected mismatch")
	}
	if got := c.LedgerBalance(); got != 10.3 {
		t.Fatalf("LedgerBalance = %v", got)
	}
	c.WalletBalance = c.LedgerBalance()
	if !c.WalletInSync() || !c.HasLedgerRef("b") || c.HasLedgerRef("z") {
		t.Fatalf("wallet helpers wrong: %+v", c)
	}
}

func TestNotificationDedupeKey(t *testing.T) {
	e := NotificationEvent{SubscriptionID: "s1", DeliveryDate: time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), LeadDays: 2}
	if got := e.DedupeKey(); got != "notify:s1:2024-05-10:2" {
		t.Fatalf("DedupeKey = %s", got)
	}
}

func TestAPIResponseBuilders(t *testing.T) {
	if r := Success(1); r.Status != string(APIStatusOK) || r.Result != 1 {
		t.Errorf("Success = %+v", r)
	}
	if r := Error("boom"); r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("Error = %+v", r)
	}
}
