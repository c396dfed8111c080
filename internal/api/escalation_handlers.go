package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/go-chi/chi/v5"
)

type resolveRequest struct {
	Outcome    string `json:"outcome"`
	ReviewerID string `json:"reviewer_id"`
}

type assignRequest struct {
	ReviewerID string `json:"reviewer_id"`
}

func (s *Server) listEscalationsHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.esc.ListPending(r.Context())
	if err != nil {
		writeError(w, "listEscalationsHandler", err)
		return
	}
	if entries == nil {
		entries = []models.EscalationEntry{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

func (s *Server) assignEscalationHandler(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	entry, err := s.esc.Assign(r.Context(), chi.URLParam(r, "caseID"), req.ReviewerID)
	if err != nil {
		writeError(w, "assignEscalationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entry))
}

// resolveEscalationHandler handles POST /escalations/{caseID}/resolve. A
// conflicting resolve is retried once; a second conflict is an operational
// alert and answered with 409.
func (s *Server) resolveEscalationHandler(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	outcome, err := models.ParseReviewOutcome(req.Outcome)
	if err != nil {
		writeError(w, "resolveEscalationHandler", err)
		return
	}

	c, err := s.esc.Resolve(r.Context(), caseID, outcome, req.ReviewerID)
	if errors.Is(err, models.ErrConcurrencyConflict) {
		slog.Warn("Server.resolveEscalationHandler: conflict, retrying once", "caseID", caseID, "error", err)
		c, err = s.esc.Resolve(r.Context(), caseID, outcome, req.ReviewerID)
		if errors.Is(err, models.ErrConcurrencyConflict) {
			slog.Error("Server.resolveEscalationHandler: operational alert: resolve conflict persisted",
				"caseID", caseID, "reviewer", req.ReviewerID, "error", err)
			writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
			return
		}
	}
	if err != nil {
		writeError(w, "resolveEscalationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Case resolved", c))
}

func (s *Server) getCaseHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.esc.Case(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, "getCaseHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}
