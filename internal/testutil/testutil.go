// Package testutil provides fixtures and HTTP helpers shared by CarePipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
)

// Fixture ids.
const (
	CustomerInSync   = "CUST001" // wallet balance matches ledger
	CustomerMismatch = "CUST002" // wallet balance drifted from ledger

	OrderDelivered      = "ORD001" // CUST001, refundable
	OrderCancelled      = "ORD002" // CUST001
	OrderRefunded       = "ORD003" // CUST001, refund already issued
	OrderUnconfirmedPay = "ORD004" // CUST002, payment captured but pending
	OrderMismatchWallet = "ORD005" // CUST002, delivered
)

// ExpectedDelivery is the expected delivery date stored on fixture orders.
var ExpectedDelivery = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

// Customers returns the fixture customers.
func Customers() []models.Customer {
	return []models.Customer{
		{
			ID: CustomerInSync, Name: "Asha", Phone: "+15550000001", WalletBalance: 50,
			WalletLedger: []models.WalletEntry{{Ref: "topup:1", Amount: 50}},
		},
		{
			ID: CustomerMismatch, Name: "Ben", Phone: "+15550000002", WalletBalance: 20,
			WalletLedger: []models.WalletEntry{{Ref: "topup:1", Amount: 20}, {Ref: "topup:2", Amount: 15}},
		},
	}
}

// Orders returns the fixture orders.
func Orders() []models.Order {
	return []models.Order{
		{ID: OrderDelivered, CustomerID: CustomerInSync, Status: models.OrderDelivered, Amount: 42.5, ExpectedDelivery: ExpectedDelivery},
		{ID: OrderCancelled, CustomerID: CustomerInSync, Status: models.OrderCancelled, Amount: 10, ExpectedDelivery: ExpectedDelivery},
		{ID: OrderRefunded, CustomerID: CustomerInSync, Status: models.OrderDelivered, Amount: 12, ExpectedDelivery: ExpectedDelivery, Refunded: true},
		{ID: OrderUnconfirmedPay, CustomerID: CustomerMismatch, Status: models.OrderShipped, Amount: 30, ExpectedDelivery: ExpectedDelivery},
		{ID: OrderMismatchWallet, CustomerID: CustomerMismatch, Status: models.OrderDelivered, Amount: 8, ExpectedDelivery: ExpectedDelivery},
	}
}

// Payments returns the fixture payments.
func Payments() []models.Payment {
	return []models.Payment{
		{ID: "PAY001", OrderID: OrderDelivered, CustomerID: CustomerInSync, Amount: 42.5, Status: models.PaymentConfirmed, GatewayStatus: models.GatewayCaptured},
		{ID: "PAY004", OrderID: OrderUnconfirmedPay, CustomerID: CustomerMismatch, Amount: 30, Status: models.PaymentPending, GatewayStatus: models.GatewayCaptured},
		{ID: "PAY005", OrderID: OrderMismatchWallet, CustomerID: CustomerMismatch, Amount: 8, Status: models.PaymentConfirmed, GatewayStatus: models.GatewayCaptured},
	}
}

// Seed writes the fixture customers, orders and payments into docs.
func Seed(t testing.TB, docs store.DocumentStore) {
	t.Helper()
	for _, c := range Customers() {
		MustPut(t, docs, store.CollCustomers, c.ID, c)
	}
	for _, o := range Orders() {
		MustPut(t, docs, store.CollOrders, o.ID, o)
	}
	for _, p := range Payments() {
		MustPut(t, docs, store.CollPayments, p.ID, p)
	}
}

// NewSeededStore returns an in-memory store holding the fixtures.
func NewSeededStore(t testing.TB) *store.InMemoryStore {
	t.Helper()
	docs := store.NewInMemoryStore()
	Seed(t, docs)
	return docs
}

// MustPut writes v or fails the test.
func MustPut(t testing.TB, docs store.DocumentStore, collection, id string, v any) {
	t.Helper()
	if err := store.PutJSON(context.Background(), docs, collection, id, v); err != nil {
		t.Fatalf("put %s/%s: %v", collection, id, err)
	}
}

// MustGet reads a document or fails the test.
func MustGet[T any](t testing.TB, docs store.DocumentStore, collection, id string) T {
	t.Helper()
	v, err := store.GetJSON[T](context.Background(), docs, collection, id)
	if err != nil {
		t.Fatalf("get %s/%s: %v", collection, id, err)
	}
	return v
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeResponse decodes an APIResponse envelope and checks its status field.
func DecodeResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus models.APIStatus, result any) models.APIResponse {
	t.Helper()
	var env struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	if env.Status != string(expectedStatus) {
		t.Errorf("expected status %q, got %q (message %q)", expectedStatus, env.Status, env.Message)
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
	return models.APIResponse{Status: env.Status, Message: env.Message}
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}
	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}
