package models

import "strings"

// Intent is the classified purpose of a customer utterance.
type Intent string

// Intent constants. WALLET_ISSUE and PAYMENT_PROBLEM are accepted aliases that
// reach the same data-fetch node as ORDER_STATUS.
const (
	IntentOrderStatus         Intent = "ORDER_STATUS"
	IntentRefundRequest       Intent = "REFUND_REQUEST"
	IntentDeliveryIssue       Intent = "DELIVERY_ISSUE"
	IntentSubscriptionRequest Intent = "SUBSCRIPTION_REQUEST"
	IntentWalletIssue         Intent = "WALLET_ISSUE"
	IntentPaymentProblem      Intent = "PAYMENT_PROBLEM"
	IntentOther               Intent = "OTHER"
)

// ParseIntent normalizes a label returned by the classifier. Anything it does
// not recognise becomes IntentOther.
func ParseIntent(label string) Intent {
	switch in := Intent(strings.ToUpper(strings.TrimSpace(label))); in {
	case IntentOrderStatus, IntentRefundRequest, IntentDeliveryIssue, IntentSubscriptionRequest,
		IntentWalletIssue, IntentPaymentProblem:
		return in
	default:
		return IntentOther
	}
}

// Node names a step of the resolution workflow. The set is closed: every value
// is declared below and the transition table in package flow covers all of them.
type Node uint8

const (
	NodeFetchOrder Node = iota + 1
	NodeAutoFix
	NodeRequestEvidence
	NodeValidateEvidence
	NodeEscalate
	NodeSubscriptionFlow
	NodeRespondOther
	NodeDone
)

var nodeNames = map[Node]string{
	NodeFetchOrder:       "FETCH_ORDER",
	NodeAutoFix:          "AUTO_FIX",
	NodeRequestEvidence:  "REQUEST_EVIDENCE",
	NodeValidateEvidence: "VALIDATE_EVIDENCE",
	NodeEscalate:         "ESCALATE",
	NodeSubscriptionFlow: "SUBSCRIPTION_FLOW",
	NodeRespondOther:     "RESPOND_OTHER",
	NodeDone:             "DONE",
}

// AllNodes lists every node in declaration order.
func AllNodes() []Node {
	return []Node{NodeFetchOrder, NodeAutoFix, NodeRequestEvidence, NodeValidateEvidence,
		NodeEscalate, NodeSubscriptionFlow, NodeRespondOther, NodeDone}
}

func (n Node) String() string {
	if name, ok := nodeNames[n]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText stores nodes by name so persisted state survives reordering.
func (n Node) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText parses a node name; unknown names decode to the zero Node.
func (n *Node) UnmarshalText(b []byte) error {
	*n = 0
	for node, name := range nodeNames {
		if name == string(b) {
			*n = node
			return nil
		}
	}
	return nil
}

// ConversationStatus is the externally visible status of a conversation.
type ConversationStatus string

const (
	ConversationActive           ConversationStatus = "ACTIVE"
	ConversationAwaitingEvidence ConversationStatus = "AWAITING_EVIDENCE"
	ConversationEscalated        ConversationStatus = "ESCALATED"
	ConversationResolved         ConversationStatus = "RESOLVED"
)

// ActionType names an autonomous remediation.
type ActionType string

const (
	ActionResyncWallet   ActionType = "RESYNC_WALLET"
	ActionConfirmPayment ActionType = "CONFIRM_PAYMENT"
	ActionIssueRefund    ActionType = "ISSUE_REFUND"
)

// IsValidActionType checks if the given action type is supported.
func IsValidActionType(a ActionType) bool {
	switch a {
	case ActionResyncWallet, ActionConfirmPayment, ActionIssueRefund:
		return true
	default:
		return false
	}
}
