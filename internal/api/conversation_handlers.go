package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/go-chi/chi/v5"
)

// messageRequest is the body of POST /conversations/{id}/messages.
type messageRequest struct {
	CustomerID  string              `json:"customer_id"`
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// evidenceMediaTypes lists the accepted upload type prefixes.
var evidenceMediaTypes = []string{"image/", "video/", "application/pdf"}

func acceptedMediaType(mt string) bool {
	for _, p := range evidenceMediaTypes {
		if strings.HasPrefix(mt, p) {
			return true
		}
	}
	return false
}

// postMessageHandler handles POST /conversations/{id}/messages
func (s *Server) postMessageHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.postMessageHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Message needs text or attachments"))
		return
	}
	reply, err := s.conv.HandleMessage(r.Context(), models.Message{
		ConversationID: id,
		CustomerID:     req.CustomerID,
		Text:           req.Text,
		Attachments:    req.Attachments,
	})
	if err != nil {
		writeError(w, "postMessageHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

// uploadEvidenceHandler handles POST /conversations/{id}/evidence. The form
// carries the file under "file" and optional "text" and "customer_id" fields.
func (s *Server) uploadEvidenceHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Upload too large"))
			return
		}
		slog.Warn("Server.uploadEvidenceHandler: invalid multipart form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid multipart form"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: file"))
		return
	}
	defer file.Close()

	mediaType := header.Header.Get("Content-Type")
	if !acceptedMediaType(mediaType) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("Unsupported media type %q", mediaType)))
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, "uploadEvidenceHandler", fmt.Errorf("read upload: %w", err))
		return
	}
	if len(data) == 0 {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Uploaded file is empty"))
		return
	}
	slog.Debug("Server.uploadEvidenceHandler: evidence received", "conversationID", id,
		"mediaType", mediaType, "bytes", len(data))

	reply, err := s.conv.HandleMessage(r.Context(), models.Message{
		ConversationID: id,
		CustomerID:     r.FormValue("customer_id"),
		Text:           r.FormValue("text"),
		Attachments:    []models.Attachment{{MediaType: mediaType, Filename: header.Filename, Data: data}},
	})
	if err != nil {
		writeError(w, "uploadEvidenceHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(reply))
}

// getConversationHandler handles GET /conversations/{id}
func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.conv.Conversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "getConversationHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}
