package models

import "time"

// Order statuses the workflow reads.
const (
	OrderPlaced    = "placed"
	OrderShipped   = "shipped"
	OrderDelivered = "delivered"
	OrderCancelled = "cancelled"
)

// Order holds the order fields the workflow reads and writes.
type Order struct {
	ID               string    `json:"id"`
	CustomerID       string    `json:"customer_id"`
	Status           string    `json:"status"`
	Amount           float64   `json:"amount"`
	ExpectedDelivery time.Time `json:"expected_delivery"`
	Refunded         bool      `json:"refunded"`
}

// Payment statuses.
const (
	PaymentPending   = "pending"
	PaymentConfirmed = "confirmed"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
)

// GatewayCaptured is the gateway status of money that was actually taken.
const GatewayCaptured = "captured"

// Payment links an order to its charge.
type Payment struct {
	ID            string  `json:"id"`
	OrderID       string  `json:"order_id"`
	CustomerID    string  `json:"customer_id"`
	Amount        float64 `json:"amount"`
	Status        string  `json:"status"`
	GatewayStatus string  `json:"gateway_status"`
}

// NeedsConfirmation reports a captured charge whose payment was never confirmed.
func (p Payment) NeedsConfirmation() bool {
	return p.Status == PaymentPending && p.GatewayStatus == GatewayCaptured
}

// WalletEntry is one credit or debit on a customer's wallet ledger.
type WalletEntry struct {
	Ref    string  `json:"ref"`
	Amount float64 `json:"amount"`
}

// Customer holds the customer fields the workflow reads and writes.
type Customer struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Phone         string        `json:"phone,omitempty"`
	WalletBalance float64       `json:"wallet_balance"`
	WalletLedger  []WalletEntry `json:"wallet_ledger"`
}

// LedgerBalance sums the wallet ledger in cents to avoid float drift.
func (c Customer) LedgerBalance() float64 {
	var cents int64
	for _, e := range c.WalletLedger {
		cents += toCents(e.Amount)
	}
	return float64(cents) / 100
}

// WalletInSync reports whether the stored balance matches the ledger.
func (c Customer) WalletInSync() bool {
	return toCents(c.WalletBalance) == toCents(c.LedgerBalance())
}

// HasLedgerRef reports whether an entry with ref was already booked.
func (c Customer) HasLedgerRef(ref string) bool {
	for _, e := range c.WalletLedger {
		if e.Ref == ref {
			return true
		}
	}
	return false
}

func toCents(v float64) int64 {
	if v < 0 {
		return int64(v*100 - 0.5)
	}
	return int64(v*100 + 0.5)
}
