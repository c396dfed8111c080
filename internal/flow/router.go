package flow

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// routes maps every classified intent to the node that starts its cycle.
var routes = map[models.Intent]models.Node{
	models.IntentOrderStatus:         models.NodeFetchOrder,
	models.IntentRefundRequest:       models.NodeFetchOrder,
	models.IntentDeliveryIssue:       models.NodeFetchOrder,
	models.IntentWalletIssue:         models.NodeFetchOrder,
	models.IntentPaymentProblem:      models.NodeFetchOrder,
	models.IntentSubscriptionRequest: models.NodeSubscriptionFlow,
	models.IntentOther:               models.NodeRespondOther,
}

// ResolveIntent applies the conversation context to a classified intent. An
// OTHER reply that supplies the order id a previous cycle asked for resumes
// that cycle's intent.
func ResolveIntent(intent models.Intent, st models.ConversationState) models.Intent {
	if intent == models.IntentOther && st.Slots.PendingIntent != "" && st.Slots.OrderID != "" {
		return st.Slots.PendingIntent
	}
	return intent
}

// Route picks the first node of a cycle. It never fails: intents without a
// mapping go to RESPOND_OTHER.
func Route(intent models.Intent, st models.ConversationState) models.Node {
	if node, ok := routes[ResolveIntent(intent, st)]; ok {
		return node
	}
	return models.NodeRespondOther
}

var orderIDPattern = regexp.MustCompile(`(?i)\bORD\d{3,}\b`)

// ExtractOrderID returns the first order id mentioned in text, upper-cased.
func ExtractOrderID(text string) string {
	return strings.ToUpper(orderIDPattern.FindString(text))
}

var damageWords = []string{
	"damaged", "damage", "broken", "smashed", "crushed", "spoiled", "rotten",
	"leaking", "leaked", "expired", "mouldy", "moldy", "torn", "wrong item",
}

// IsDamageClaim reports whether text describes damaged or wrong goods.
func IsDamageClaim(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range damageWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// isSensitive reports whether the cycle asks for money back and therefore
// needs evidence first.
func isSensitive(st models.ConversationState) bool {
	switch st.Intent {
	case models.IntentRefundRequest:
		return true
	case models.IntentDeliveryIssue:
		return IsDamageClaim(st.Slots.ClaimedIssue)
	}
	return false
}
