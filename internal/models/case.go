package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValidationOutcome is the evidence gate's verdict on a claim.
type ValidationOutcome string

const (
	ValidationValid       ValidationOutcome = "VALID"
	ValidationInvalid     ValidationOutcome = "INVALID"
	ValidationUncertain   ValidationOutcome = "UNCERTAIN"
	ValidationNotRequired ValidationOutcome = "NOT_REQUIRED"
)

// CaseStatus is the resolution status of a ResolutionCase.
type CaseStatus string

const (
	CasePending       CaseStatus = "PENDING"
	CaseAutoResolved  CaseStatus = "AUTO_RESOLVED"
	CaseEscalated     CaseStatus = "ESCALATED"
	CaseHumanResolved CaseStatus = "HUMAN_RESOLVED"
	CaseRejected      CaseStatus = "REJECTED"
)

// Terminal reports whether no further event may change a case in this status.
func (s CaseStatus) Terminal() bool {
	return s == CaseAutoResolved || s == CaseHumanResolved || s == CaseRejected
}

// ReviewOutcome is a human reviewer's decision on an escalated case.
type ReviewOutcome string

const (
	ReviewApproved ReviewOutcome = "APPROVED"
	ReviewRejected ReviewOutcome = "REJECTED"
)

// ParseReviewOutcome accepts APPROVED/APPROVE and REJECTED/REJECT in any case.
func ParseReviewOutcome(s string) (ReviewOutcome, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "APPROVED", "APPROVE":
		return ReviewApproved, nil
	case "REJECTED", "REJECT":
		return ReviewRejected, nil
	}
	return "", fmt.Errorf("review outcome %q: %w", s, ErrInvalidInput)
}

// ResolutionCase records one sensitive or remedial request raised in a
// conversation cycle. Values are snapshots; Apply returns the next snapshot.
type ResolutionCase struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Cycle          int               `json:"cycle"`
	CustomerID     string            `json:"customer_id,omitempty"`
	OrderID        string            `json:"order_id,omitempty"`
	Intent         Intent            `json:"intent"`
	Action         ActionType        `json:"action,omitempty"`
	Claim          string            `json:"claim,omitempty"`
	EvidenceRef    string            `json:"evidence_ref,omitempty"`
	Validation     ValidationOutcome `json:"validation"`
	Confidence     float64           `json:"confidence,omitempty"`
	Status         CaseStatus        `json:"status"`
	Reason         string            `json:"reason,omitempty"`
	ReviewerID     string            `json:"reviewer_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

var caseNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("carepipe:resolution-case"))

// CaseIDFor derives the case id of a conversation cycle. The same inputs always
// yield the same id, so re-running a turn cannot open a second case.
func CaseIDFor(conversationID string, cycle int) string {
	return uuid.NewSHA1(caseNamespace, []byte(conversationID+"#"+strconv.Itoa(cycle))).String()
}

// NewResolutionCase opens a PENDING case for a conversation cycle.
func NewResolutionCase(st ConversationState, action ActionType, now time.Time) ResolutionCase {
	return ResolutionCase{
		ID:             CaseIDFor(st.ConversationID, st.Cycle),
		ConversationID: st.ConversationID,
		Cycle:          st.Cycle,
		CustomerID:     st.CustomerID,
		OrderID:        st.Slots.OrderID,
		Intent:         st.Intent,
		Action:         action,
		Claim:          st.Slots.ClaimedIssue,
		Validation:     ValidationNotRequired,
		Status:         CasePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// CaseEventKind enumerates the events a case accepts.
type CaseEventKind string

const (
	EventValidated    CaseEventKind = "validated"
	EventAutoResolved CaseEventKind = "auto_resolved"
	EventEscalated    CaseEventKind = "escalated"
	EventRejected     CaseEventKind = "rejected"
	EventReviewed     CaseEventKind = "reviewed"
)

// CaseEvent is an input to ResolutionCase.Apply.
type CaseEvent struct {
	Kind        CaseEventKind
	Outcome     ValidationOutcome // EventValidated
	Confidence  float64           // EventValidated
	EvidenceRef string            // EventValidated
	Review      ReviewOutcome     // EventReviewed
	ReviewerID  string            // EventReviewed
	Reason      string
	At          time.Time
}

// Apply returns the case that results from ev. It never mutates c. Terminal
// cases reject every event with ErrImmutable; a review of a case that is not
// ESCALATED fails with ErrConcurrencyConflict.
func (c ResolutionCase) Apply(ev CaseEvent) (ResolutionCase, error) {
	if c.Status.Terminal() {
		return c, fmt.Errorf("case %s is %s: %w", c.ID, c.Status, ErrImmutable)
	}
	next := c
	next.UpdatedAt = ev.At
	if ev.Reason != "" {
		next.Reason = ev.Reason
	}

	switch ev.Kind {
	case EventValidated:
		if c.Status != CasePending {
			return c, fmt.Errorf("validate case %s in status %s: %w", c.ID, c.Status, ErrConcurrencyConflict)
		}
		next.Validation = ev.Outcome
		next.Confidence = ev.Confidence
		if ev.EvidenceRef != "" {
			next.EvidenceRef = ev.EvidenceRef
		}
	case EventAutoResolved:
		if c.Status != CasePending {
			return c, fmt.Errorf("auto-resolve case %s in status %s: %w", c.ID, c.Status, ErrConcurrencyConflict)
		}
		next.Status = CaseAutoResolved
	case EventRejected:
		if c.Status != CasePending {
			return c, fmt.Errorf("reject case %s in status %s: %w", c.ID, c.Status, ErrConcurrencyConflict)
		}
		next.Status = CaseRejected
	case EventEscalated:
		if c.Status != CasePending {
			return c, fmt.Errorf("escalate case %s in status %s: %w", c.ID, c.Status, ErrConcurrencyConflict)
		}
		next.Status = CaseEscalated
	case EventReviewed:
		if c.Status != CaseEscalated {
			return c, fmt.Errorf("review case %s in status %s: %w", c.ID, c.Status, ErrConcurrencyConflict)
		}
		switch ev.Review {
		case ReviewApproved:
			next.Status = CaseHumanResolved
		case ReviewRejected:
			next.Status = CaseRejected
		default:
			return c, fmt.Errorf("review outcome %q: %w", ev.Review, ErrInvalidInput)
		}
		next.ReviewerID = ev.ReviewerID
	default:
		return c, fmt.Errorf("unknown case event %q: %w", ev.Kind, ErrInvalidInput)
	}
	return next, nil
}

// EscalationEntry wraps an escalated case awaiting human review.
type EscalationEntry struct {
	Case       ResolutionCase `json:"case"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	ReviewerID *string        `json:"reviewer_id"`
	Open       bool           `json:"open"`
	ClosedAt   *time.Time     `json:"closed_at,omitempty"`
}

// EscalationResolution is the single record written by the winning resolver.
type EscalationResolution struct {
	CaseID     string        `json:"case_id"`
	Outcome    ReviewOutcome `json:"outcome"`
	ReviewerID string        `json:"reviewer_id"`
	ResolvedAt time.Time     `json:"resolved_at"`
}
