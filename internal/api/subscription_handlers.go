package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/go-chi/chi/v5"
)

// createSubscriptionRequest is the body of POST /subscriptions.
type createSubscriptionRequest struct {
	CustomerID string                    `json:"customer_id"`
	Items      []models.SubscriptionItem `json:"items"`
	Day        string                    `json:"day"`
}

func (s *Server) createSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createSubscriptionHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	day, err := models.ParseWeekday(req.Day)
	if err != nil {
		writeError(w, "createSubscriptionHandler", err)
		return
	}
	sub, err := s.subs.Create(r.Context(), req.CustomerID, req.Items, day)
	if err != nil {
		writeError(w, "createSubscriptionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Subscription created", sub))
}

func (s *Server) cancelSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	sub, err := s.subs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "cancelSubscriptionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Subscription cancelled", sub))
}

func (s *Server) listSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "listSubscriptionsHandler", err)
		return
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(subs))
}

// notificationsHandler handles GET /customers/{id}/notifications and returns
// the reminders due today.
func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	events, err := s.subs.Poll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "notificationsHandler", err)
		return
	}
	type notification struct {
		models.NotificationEvent
		Message string `json:"message"`
	}
	out := make([]notification, 0, len(events))
	for _, ev := range events {
		out = append(out, notification{NotificationEvent: ev, Message: ev.Text()})
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}
