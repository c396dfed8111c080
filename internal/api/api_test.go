package api

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CarePipe/internal/escalation"
	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/subscription"
	"github.com/BTreeMap/CarePipe/internal/testutil"
)

// 2024-05-03 is a Friday.
var testNow = time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)

type fakeConversations struct {
	mu    sync.Mutex
	msgs  []models.Message
	err   error
	state map[string]models.ConversationState
}

func (f *fakeConversations) HandleMessage(ctx context.Context, msg models.Message) (models.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	if f.err != nil {
		return models.Reply{}, f.err
	}
	return models.Reply{ConversationID: msg.ConversationID, Text: "ok", Status: models.ConversationActive, Node: models.NodeDone}, nil
}

func (f *fakeConversations) Conversation(ctx context.Context, id string) (models.ConversationState, error) {
	st, ok := f.state[id]
	if !ok {
		return models.ConversationState{}, models.ErrNotFound
	}
	return st, nil
}

// scriptedEscalations fails Resolve with the queued errors before delegating.
type scriptedEscalations struct {
	*escalation.Queue
	resolveErrs []error
	calls       int
}

func (s *scriptedEscalations) Resolve(ctx context.Context, caseID string, outcome models.ReviewOutcome, reviewerID string) (models.ResolutionCase, error) {
	s.calls++
	if len(s.resolveErrs) > 0 {
		err := s.resolveErrs[0]
		s.resolveErrs = s.resolveErrs[1:]
		return models.ResolutionCase{}, err
	}
	return s.Queue.Resolve(ctx, caseID, outcome, reviewerID)
}

type fakeInbound struct {
	got []messaging.Inbound
	err error
}

func (f *fakeInbound) Receive(ctx context.Context, in messaging.Inbound) (models.Reply, bool, error) {
	f.got = append(f.got, in)
	return models.Reply{}, f.err == nil, f.err
}

type rejectAll struct{}

func (rejectAll) ValidSignature(string, *http.Request) bool { return false }

type harness struct {
	docs  *store.InMemoryStore
	conv  *fakeConversations
	esc   *scriptedEscalations
	subs  *subscription.Service
	queue *escalation.Queue
	h     http.Handler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	docs := testutil.NewSeededStore(t)
	clock := func() time.Time { return testNow }
	queue := escalation.NewQueue(docs, escalation.WithClock(clock))
	h := &harness{
		docs:  docs,
		conv:  &fakeConversations{state: map[string]models.ConversationState{}},
		queue: queue,
		esc:   &scriptedEscalations{Queue: queue},
		subs:  subscription.NewService(docs, subscription.WithClock(clock)),
	}
	srv, err := NewServer(docs, h.conv, h.subs, h.esc, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	h.h = srv.Routes()
	return h
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.h.ServeHTTP(rr, testutil.CreateHTTPRequest(t, method, path, body))
	return rr
}

func (h *harness) escalate(t *testing.T, convID string) models.ResolutionCase {
	t.Helper()
	st := models.NewConversationState(convID, testNow).BeginCycle(models.IntentRefundRequest)
	st.CustomerID = testutil.CustomerInSync
	st.Slots.OrderID = testutil.OrderDelivered
	entry, err := h.queue.Enqueue(context.Background(), models.NewResolutionCase(st, models.ActionIssueRefund, testNow), "evidence uncertain")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return entry.Case
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	if _, err := NewServer(nil, nil, nil, nil); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}

func TestHealthHandler(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/health", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
	testutil.DecodeResponse(t, rr, models.APIStatusOK, nil)
}

func TestPostMessageHandler(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/conversations/conv-1/messages",
		map[string]string{"customer_id": testutil.CustomerInSync, "text": "refund ORD001"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "post message")

	var reply models.Reply
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &reply)
	if reply.ConversationID != "conv-1" || reply.Text != "ok" {
		t.Errorf("reply = %+v", reply)
	}
	if len(h.conv.msgs) != 1 || h.conv.msgs[0].CustomerID != testutil.CustomerInSync || h.conv.msgs[0].Text != "refund ORD001" {
		t.Errorf("handled = %+v", h.conv.msgs)
	}
}

func TestPostMessageHandlerErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     interface{}
		convErr  error
		wantCode int
	}{
		{"empty message", map[string]string{"text": "  "}, nil, http.StatusBadRequest},
		{"invalid input", map[string]string{"text": "hi"}, models.ErrInvalidInput, http.StatusBadRequest},
		{"store down", map[string]string{"text": "hi"}, models.ErrExternalService, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.conv.err = tt.convErr
			rr := h.do(t, http.MethodPost, "/conversations/c/messages", tt.body)
			testutil.AssertHTTPStatus(t, tt.wantCode, rr.Code, tt.name)
			testutil.DecodeResponse(t, rr, models.APIStatusError, nil)
		})
	}

	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/conversations/c/messages", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.h.ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "bad json")
}

func evidenceRequest(t *testing.T, mediaType string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if data != nil {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Disposition": {`form-data; name="file"; filename="box.jpg"`},
			"Content-Type":        {mediaType},
		})
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		part.Write(data)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/conversations/conv-1/evidence", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadEvidenceHandler(t *testing.T) {
	h := newHarness(t)
	rr := httptest.NewRecorder()
	h.h.ServeHTTP(rr, evidenceRequest(t, "image/jpeg", []byte{0xff, 0xd8, 0xff}, map[string]string{"text": "crushed box"}))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "upload")

	if len(h.conv.msgs) != 1 {
		t.Fatalf("handled = %d messages", len(h.conv.msgs))
	}
	msg := h.conv.msgs[0]
	if msg.Text != "crushed box" || len(msg.Attachments) != 1 {
		t.Fatalf("message = %+v", msg)
	}
	if a := msg.Attachments[0]; a.MediaType != "image/jpeg" || a.Filename != "box.jpg" || len(a.Data) != 3 {
		t.Errorf("attachment = %+v", a)
	}
}

func TestUploadEvidenceHandlerRejects(t *testing.T) {
	tests := []struct {
		name      string
		mediaType string
		data      []byte
		wantCode  int
	}{
		{"missing file", "", nil, http.StatusBadRequest},
		{"unsupported type", "text/plain", []byte("hello"), http.StatusBadRequest},
		{"empty file", "image/png", []byte{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rr := httptest.NewRecorder()
			h.h.ServeHTTP(rr, evidenceRequest(t, tt.mediaType, tt.data, nil))
			testutil.AssertHTTPStatus(t, tt.wantCode, rr.Code, tt.name)
			if len(h.conv.msgs) != 0 {
				t.Errorf("rejected upload reached the workflow")
			}
		})
	}

	h := newHarness(t, WithMaxUploadBytes(16))
	rr := httptest.NewRecorder()
	h.h.ServeHTTP(rr, evidenceRequest(t, "image/jpeg", bytes.Repeat([]byte{1}, 1024), nil))
	if rr.Code != http.StatusRequestEntityTooLarge && rr.Code != http.StatusBadRequest {
		t.Errorf("oversized upload: status %d", rr.Code)
	}
}

func TestGetConversationHandler(t *testing.T) {
	h := newHarness(t)
	h.conv.state["conv-1"] = models.NewConversationState("conv-1", testNow)

	rr := h.do(t, http.MethodGet, "/conversations/conv-1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get conversation")
	var st models.ConversationState
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &st)
	if st.ConversationID != "conv-1" {
		t.Errorf("state = %+v", st)
	}

	rr = h.do(t, http.MethodGet, "/conversations/nope", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown conversation")
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodPost, "/subscriptions", map[string]interface{}{
		"customer_id": testutil.CustomerInSync,
		"items":       []map[string]interface{}{{"item": "milk", "quantity": 2}},
		"day":         "Sunday",
	})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create subscription")
	var sub models.Subscription
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &sub)
	if want := time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC); !sub.NextDelivery.Equal(want) {
		t.Errorf("next delivery = %v, want %v", sub.NextDelivery, want)
	}

	rr = h.do(t, http.MethodGet, "/customers/"+testutil.CustomerInSync+"/subscriptions", nil)
	var subs []models.Subscription
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &subs)
	if len(subs) != 1 || subs[0].ID != sub.ID {
		t.Fatalf("list = %+v", subs)
	}

	// Sunday is two days after the fixed clock's Friday.
	rr = h.do(t, http.MethodGet, "/customers/"+testutil.CustomerInSync+"/notifications", nil)
	var notes []struct {
		SubscriptionID string `json:"subscription_id"`
		LeadDays       int    `json:"lead_days"`
		Message        string `json:"message"`
	}
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &notes)
	if len(notes) != 1 || notes[0].LeadDays != 2 || notes[0].Message == "" {
		t.Fatalf("notifications = %+v", notes)
	}

	rr = h.do(t, http.MethodPost, "/subscriptions/"+sub.ID+"/cancel", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cancel")
	var cancelled models.Subscription
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &cancelled)
	if cancelled.Status != models.SubscriptionCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}

	rr = h.do(t, http.MethodPost, "/subscriptions/"+sub.ID+"/cancel", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cancel again")
}

func TestSubscriptionErrors(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name     string
		method   string
		path     string
		body     interface{}
		wantCode int
	}{
		{"bad day", http.MethodPost, "/subscriptions", map[string]interface{}{
			"customer_id": testutil.CustomerInSync, "items": []map[string]interface{}{{"item": "milk", "quantity": 1}}, "day": "someday",
		}, http.StatusBadRequest},
		{"no items", http.MethodPost, "/subscriptions", map[string]interface{}{
			"customer_id": testutil.CustomerInSync, "day": "Monday",
		}, http.StatusBadRequest},
		{"unknown customer", http.MethodPost, "/subscriptions", map[string]interface{}{
			"customer_id": "CUST404", "items": []map[string]interface{}{{"item": "milk", "quantity": 1}}, "day": "Monday",
		}, http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/subscriptions/SUB-missing/cancel", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.do(t, tt.method, tt.path, tt.body)
			testutil.AssertHTTPStatus(t, tt.wantCode, rr.Code, tt.name)
			resp := testutil.DecodeResponse(t, rr, models.APIStatusError, nil)
			if tt.wantCode == http.StatusNotFound && !strings.Contains(resp.Message, "not found") {
				t.Errorf("message = %q", resp.Message)
			}
		})
	}
}

func TestEscalationEndpoints(t *testing.T) {
	h := newHarness(t)
	c := h.escalate(t, "conv-esc")

	rr := h.do(t, http.MethodGet, "/escalations", nil)
	var pending []models.EscalationEntry
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &pending)
	if len(pending) != 1 || pending[0].Case.ID != c.ID {
		t.Fatalf("pending = %+v", pending)
	}

	rr = h.do(t, http.MethodPost, "/escalations/"+c.ID+"/assign", map[string]string{"reviewer_id": "r1"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "assign")

	rr = h.do(t, http.MethodPost, "/escalations/"+c.ID+"/resolve", map[string]string{"outcome": "approve", "reviewer_id": "r1"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "resolve")
	var resolved models.ResolutionCase
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &resolved)
	if resolved.Status != models.CaseHumanResolved || resolved.ReviewerID != "r1" {
		t.Errorf("resolved = %+v", resolved)
	}

	rr = h.do(t, http.MethodGet, "/cases/"+c.ID, nil)
	var stored models.ResolutionCase
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &stored)
	if stored.Status != models.CaseHumanResolved {
		t.Errorf("stored status = %s", stored.Status)
	}

	// The retry also conflicts, so the second resolver gets 409.
	h.esc.calls = 0
	rr = h.do(t, http.MethodPost, "/escalations/"+c.ID+"/resolve", map[string]string{"outcome": "reject", "reviewer_id": "r2"})
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "second resolve")
	if h.esc.calls != 2 {
		t.Errorf("resolve attempts = %d, want 2", h.esc.calls)
	}

	rr = h.do(t, http.MethodGet, "/escalations", nil)
	pending = nil
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &pending)
	if len(pending) != 0 {
		t.Errorf("closed entry still listed: %+v", pending)
	}
}

func TestResolveRetriesTransientConflict(t *testing.T) {
	h := newHarness(t)
	c := h.escalate(t, "conv-retry")
	h.esc.resolveErrs = []error{models.ErrConcurrencyConflict}

	rr := h.do(t, http.MethodPost, "/escalations/"+c.ID+"/resolve", map[string]string{"outcome": "REJECTED", "reviewer_id": "r1"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "resolve after retry")
	if h.esc.calls != 2 {
		t.Errorf("resolve attempts = %d, want 2", h.esc.calls)
	}
}

func TestResolveErrors(t *testing.T) {
	h := newHarness(t)
	c := h.escalate(t, "conv-err")
	tests := []struct {
		name     string
		caseID   string
		body     map[string]string
		wantCode int
	}{
		{"unknown case", "missing", map[string]string{"outcome": "approve", "reviewer_id": "r1"}, http.StatusNotFound},
		{"bad outcome", c.ID, map[string]string{"outcome": "later", "reviewer_id": "r1"}, http.StatusBadRequest},
		{"no reviewer", c.ID, map[string]string{"outcome": "approve"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.do(t, http.MethodPost, "/escalations/"+tt.caseID+"/resolve", tt.body)
			testutil.AssertHTTPStatus(t, tt.wantCode, rr.Code, tt.name)
		})
	}
	rr := h.do(t, http.MethodGet, "/cases/missing", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown case")
}

func TestCustomerSummaryHandler(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/customers/"+testutil.CustomerMismatch, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "summary")

	var sum CustomerSummary
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &sum)
	if sum.Customer.ID != testutil.CustomerMismatch || sum.WalletInSync || sum.LedgerBalance != 35 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Orders) != 2 || len(sum.Payments) != 2 {
		t.Errorf("orders %d payments %d", len(sum.Orders), len(sum.Payments))
	}

	rr = h.do(t, http.MethodGet, "/customers/CUST404", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown customer")
}

func TestListCustomersHandler(t *testing.T) {
	h := newHarness(t)
	rr := h.do(t, http.MethodGet, "/customers", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list customers")

	var customers []models.Customer
	testutil.DecodeResponse(t, rr, models.APIStatusOK, &customers)
	if len(customers) != 2 || customers[0].ID != testutil.CustomerInSync || customers[1].ID != testutil.CustomerMismatch {
		t.Fatalf("customers = %+v", customers)
	}
}

func twilioRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestTwilioWebhook(t *testing.T) {
	in := &fakeInbound{}
	h := newHarness(t, WithInbound(in))

	form := url.Values{
		"MessageSid":        {"SM1"},
		"From":              {"whatsapp:+15550000001"},
		"Body":              {"my box arrived crushed"},
		"MediaUrl0":         {"https://media.example/1.jpg"},
		"MediaContentType0": {"image/jpeg"},
	}
	rr := httptest.NewRecorder()
	h.h.ServeHTTP(rr, twilioRequest(form))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "webhook")
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content type = %q", ct)
	}
	if len(in.got) != 1 {
		t.Fatalf("inbound = %+v", in.got)
	}
	got := in.got[0]
	if got.MessageID != "SM1" || got.From != "+15550000001" || len(got.Attachments) != 1 || got.Attachments[0].URL != "https://media.example/1.jpg" {
		t.Errorf("inbound = %+v", got)
	}

	rr = httptest.NewRecorder()
	h.h.ServeHTTP(rr, twilioRequest(url.Values{"From": {"whatsapp:+1"}, "Body": {"hi"}}))
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing sid")
}

func TestTwilioWebhookGuards(t *testing.T) {
	form := url.Values{"MessageSid": {"SM1"}, "From": {"whatsapp:+1555"}, "Body": {"hi"}}

	h := newHarness(t)
	rr := httptest.NewRecorder()
	h.h.ServeHTTP(rr, twilioRequest(form))
	testutil.AssertHTTPStatus(t, http.StatusServiceUnavailable, rr.Code, "no channel")

	in := &fakeInbound{}
	h = newHarness(t, WithInbound(in), WithWebhookSignatures(rejectAll{}, "https://example.com/webhooks/twilio"))
	rr = httptest.NewRecorder()
	h.h.ServeHTTP(rr, twilioRequest(form))
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "bad signature")
	if len(in.got) != 0 {
		t.Error("unsigned webhook reached the gateway")
	}
}
