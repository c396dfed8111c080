package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/twiliowhatsapp"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// emptyTwiML acknowledges a Twilio webhook without an inline reply; replies
// are sent through the REST API.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"status":     "healthy",
		"uptime_sec": int(time.Since(s.startTime).Seconds()),
		"time":       time.Now().UTC().Format(time.RFC3339),
	}))
}

// CustomerSummary is the result of GET /customers/{id}.
type CustomerSummary struct {
	Customer      models.Customer       `json:"customer"`
	WalletInSync  bool                  `json:"wallet_in_sync"`
	LedgerBalance float64               `json:"ledger_balance"`
	Orders        []models.Order        `json:"orders"`
	Payments      []models.Payment      `json:"payments"`
	Subscriptions []models.Subscription `json:"subscriptions"`
}

// customerSummaryHandler handles GET /customers/{id}
// listCustomersHandler returns every customer ordered by id.
func (s *Server) listCustomersHandler(w http.ResponseWriter, r *http.Request) {
	customers, err := store.QueryJSON[models.Customer](r.Context(), s.docs, store.CollCustomers, nil)
	if err != nil {
		writeError(w, "listCustomersHandler", err)
		return
	}
	if customers == nil {
		customers = []models.Customer{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(customers))
}

func (s *Server) customerSummaryHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()
	cust, err := store.GetJSON[models.Customer](ctx, s.docs, store.CollCustomers, id)
	if err != nil {
		writeError(w, "customerSummaryHandler", fmt.Errorf("customer %s: %w", id, err))
		return
	}

	sum := CustomerSummary{
		Customer:      cust,
		WalletInSync:  cust.WalletInSync(),
		LedgerBalance: cust.LedgerBalance(),
	}
	byCustomer := store.Filter{"customer_id": id}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sum.Orders, err = store.QueryJSON[models.Order](gctx, s.docs, store.CollOrders, byCustomer)
		return err
	})
	g.Go(func() error {
		var err error
		sum.Payments, err = store.QueryJSON[models.Payment](gctx, s.docs, store.CollPayments, byCustomer)
		return err
	})
	g.Go(func() error {
		var err error
		sum.Subscriptions, err = s.subs.List(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		writeError(w, "customerSummaryHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sum))
}

// twilioWebhookHandler handles POST /webhooks/twilio. Redeliveries of the
// same MessageSid are acknowledged without running the turn again.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Inbound == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Chat channel not configured"))
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form body"))
		return
	}
	if s.opts.Validator != nil && !s.opts.Validator.ValidSignature(s.opts.WebhookURL, r) {
		slog.Warn("Server.twilioWebhookHandler: invalid signature", "remote", r.RemoteAddr)
		writeJSONResponse(w, http.StatusForbidden, models.Error("Invalid signature"))
		return
	}
	msg, err := twiliowhatsapp.ParseInbound(r)
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: unusable webhook", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	in := messaging.Inbound{MessageID: msg.MessageSid, From: msg.From, Text: msg.Body}
	for i, url := range msg.MediaURLs {
		in.Attachments = append(in.Attachments, models.Attachment{MediaType: msg.MediaTypes[i], URL: url})
	}
	_, handled, err := s.opts.Inbound.Receive(r.Context(), in)
	if err != nil {
		writeError(w, "twilioWebhookHandler", err)
		return
	}
	slog.Debug("Server.twilioWebhookHandler: webhook processed", "messageSid", msg.MessageSid, "handled", handled)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}
