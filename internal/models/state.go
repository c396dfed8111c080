package models

import "time"

// Slots holds the values a conversation accumulates across turns.
type Slots struct {
	OrderID       string `json:"order_id,omitempty"`
	ClaimedIssue  string `json:"claimed_issue,omitempty"`
	EvidenceRef   string `json:"evidence_ref,omitempty"`
	PendingIntent Intent `json:"pending_intent,omitempty"` // intent waiting for an order id
}

// ConversationState is an immutable snapshot of one conversation. Methods
// return modified copies; the orchestrator persists the final snapshot of a turn.
type ConversationState struct {
	ConversationID string             `json:"conversation_id"`
	CustomerID     string             `json:"customer_id,omitempty"`
	Node           Node               `json:"node"`
	Intent         Intent             `json:"intent,omitempty"`
	Slots          Slots              `json:"slots"`
	Status         ConversationStatus `json:"status"`
	Cycle          int                `json:"cycle"`
	TurnCount      int                `json:"turn_count"`
	AwaitingTurns  int                `json:"awaiting_turns"`
	CaseID         string             `json:"case_id,omitempty"`
	Notices        []string           `json:"notices,omitempty"` // out-of-band messages for the next reply
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// NewConversationState creates the snapshot for a conversation's first message.
func NewConversationState(conversationID string, now time.Time) ConversationState {
	return ConversationState{
		ConversationID: conversationID,
		Node:           NodeDone,
		Status:         ConversationActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AtNode returns a copy positioned at node.
func (s ConversationState) AtNode(n Node) ConversationState {
	s.Node = n
	return s
}

// WithStatus returns a copy with the given status.
func (s ConversationState) WithStatus(st ConversationStatus) ConversationState {
	s.Status = st
	return s
}

// WithSlots returns a copy with the given slots.
func (s ConversationState) WithSlots(slots Slots) ConversationState {
	s.Slots = slots
	return s
}

// WithCase returns a copy bound to caseID.
func (s ConversationState) WithCase(caseID string) ConversationState {
	s.CaseID = caseID
	return s
}

// BeginCycle returns a copy starting a fresh router-rooted cycle. Slots are kept
// for continuity; per-cycle counters and the case binding are cleared.
func (s ConversationState) BeginCycle(intent Intent) ConversationState {
	s.Cycle++
	s.Intent = intent
	s.AwaitingTurns = 0
	s.CaseID = ""
	s.Status = ConversationActive
	return s
}

// Turn returns a copy with the turn counter advanced.
func (s ConversationState) Turn(now time.Time) ConversationState {
	s.TurnCount++
	s.UpdatedAt = now
	return s
}

// WithNotice returns a copy carrying an extra out-of-band notice.
func (s ConversationState) WithNotice(text string) ConversationState {
	notices := make([]string, 0, len(s.Notices)+1)
	notices = append(notices, s.Notices...)
	s.Notices = append(notices, text)
	return s
}

// DrainNotices returns a copy without notices together with the removed notices.
func (s ConversationState) DrainNotices() (ConversationState, []string) {
	notices := s.Notices
	s.Notices = nil
	return s, notices
}

// CycleFinished reports whether the previous cycle reached a terminal node, so
// the next inbound message starts again at the router.
func (s ConversationState) CycleFinished() bool {
	return s.Status != ConversationAwaitingEvidence
}

// Attachment is a piece of evidence sent with a message.
type Attachment struct {
	MediaType string `json:"media_type"` // e.g. image/jpeg, video/mp4, application/pdf
	Filename  string `json:"filename,omitempty"`
	Data      []byte `json:"data,omitempty"` // raw bytes (base64 in JSON)
	URL       string `json:"url,omitempty"`  // remote reference when bytes are not inlined
}

// Empty reports whether the attachment carries neither bytes nor a reference.
func (a Attachment) Empty() bool {
	return len(a.Data) == 0 && a.URL == ""
}

// Message is one inbound customer message.
type Message struct {
	ConversationID string       `json:"conversation_id"`
	CustomerID     string       `json:"customer_id,omitempty"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Reply is the outbound answer to a message.
type Reply struct {
	ConversationID string             `json:"conversation_id"`
	Text           string             `json:"response"`
	Status         ConversationStatus `json:"status"`
	Node           Node               `json:"node"`
	CaseID         string             `json:"case_id,omitempty"`
}
