package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/MediBot/internal/models"
	"github.com/BTreeMap/MediBot/internal/store"
)

// DefaultDecisionLimit caps GET /participants/{id}/decisions without ?limit.
const DefaultDecisionLimit = 20

const dayLayout = "2006-01-02"

// statusHandler reports transport readiness (GET /status).
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	ready := s.msgService != nil && s.msgService.IsReady()
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"is_ready":  ready,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}))
}

// statsHandler returns conversation and handler statistics (GET /stats).
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"conversations": s.conversations.Stats(),
	}
	if s.handlerStats != nil {
		stats["handler"] = s.handlerStats.Stats()
	}
	if s.timers != nil {
		stats["pending_follow_ups"] = len(s.timers.ListActive())
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

// receiptsHandler returns recorded send and delivery receipts (GET /receipts).
func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.st.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to fetch receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch receipts"))
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

// conversationHandler returns the chat history of one conversation
// (GET /conversations/{id}). Unknown ids return an empty history.
func (s *Server) conversationHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history := s.conversations.History(id)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"conversation_id": id,
		"messages":        history,
		"count":           len(history),
	}))
}

// timersHandler lists pending follow-up timers (GET /timers).
func (s *Server) timersHandler(w http.ResponseWriter, r *http.Request) {
	timers := s.timers.ListActive()
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]interface{}{
		"timers": timers,
		"count":  len(timers),
	}))
}

// saveParticipantHandler creates or replaces a participant (POST /participants).
func (s *Server) saveParticipantHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var p models.Participant
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		slog.Warn("Server.saveParticipantHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	p.ID = strings.TrimSpace(p.ID)
	if err := p.Validate(); err != nil {
		slog.Warn("Server.saveParticipantHandler: validation failed", "id", p.ID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	_, err := s.st.GetParticipant(p.ID)
	existed := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("Server.saveParticipantHandler: failed to check participant", "id", p.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save participant"))
		return
	}
	if err := s.st.SaveParticipant(p); err != nil {
		slog.Error("Server.saveParticipantHandler: failed to save participant", "id", p.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save participant"))
		return
	}
	saved, err := s.st.GetParticipant(p.ID)
	if err != nil {
		slog.Error("Server.saveParticipantHandler: failed to reload participant", "id", p.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save participant"))
		return
	}

	status, msg := http.StatusCreated, "Participant created"
	if existed {
		status, msg = http.StatusOK, "Participant updated"
	}
	slog.Info("Server.saveParticipantHandler: participant saved", "id", p.ID, "created", !existed)
	writeJSONResponse(w, status, models.SuccessWithMessage(msg, saved))
}

// listParticipantsHandler lists all participants (GET /participants).
func (s *Server) listParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	participants, err := s.st.ListParticipants()
	if err != nil {
		slog.Error("Server.listParticipantsHandler: failed to list participants", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list participants"))
		return
	}
	if participants == nil {
		participants = []models.Participant{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(participants))
}

// getParticipantHandler returns one participant (GET /participants/{id}).
func (s *Server) getParticipantHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadParticipant(w, chi.URLParam(r, "id"), "Server.getParticipantHandler")
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

// deleteParticipantHandler removes a participant and its history
// (DELETE /participants/{id}).
func (s *Server) deleteParticipantHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.st.DeleteParticipant(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Participant not found"))
			return
		}
		slog.Error("Server.deleteParticipantHandler: failed to delete participant", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete participant"))
		return
	}
	slog.Info("Server.deleteParticipantHandler: participant deleted", "id", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Participant deleted", nil))
}

// adherenceRequest is the body of POST /participants/{id}/adherence.
type adherenceRequest struct {
	Date  string `json:"date"`
	Taken *bool  `json:"taken"`
}

// recordAdherenceHandler records whether a dose was taken on a day
// (POST /participants/{id}/adherence). Date defaults to the participant's local today.
func (s *Server) recordAdherenceHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	p, ok := s.loadParticipant(w, chi.URLParam(r, "id"), "Server.recordAdherenceHandler")
	if !ok {
		return
	}
	var req adherenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Taken == nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("taken is required"))
		return
	}
	day := strings.TrimSpace(req.Date)
	if day == "" {
		day = s.builder.Today(*p)
	} else if _, err := time.Parse(dayLayout, day); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("date must look like YYYY-MM-DD"))
		return
	}

	ev := models.AdherenceEvent{ParticipantID: p.ID, Day: day, Taken: *req.Taken, RecordedAt: s.now().UTC()}
	if err := s.st.RecordAdherence(ev); err != nil {
		slog.Error("Server.recordAdherenceHandler: failed to record adherence", "id", p.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record adherence"))
		return
	}
	slog.Info("Server.recordAdherenceHandler: adherence recorded", "id", p.ID, "day", day, "taken", ev.Taken)
	writeJSONResponse(w, http.StatusCreated, models.Recorded())
}

// decideRequest is the body of POST /participants/{id}/decide.
type decideRequest struct {
	DecisionPoint string `json:"decision_point"`
}

// decideHandler runs a decision immediately (POST /participants/{id}/decide).
func (s *Server) decideHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if s.decider == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Decision engine not configured"))
		return
	}
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	point, err := models.ParseDecisionPoint(req.DecisionPoint)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	id := chi.URLParam(r, "id")
	rec, err := s.decider.DecideFor(r.Context(), id, point)
	switch {
	case err == nil:
		slog.Info("Server.decideHandler: decision made", "id", id, "point", point, "send", rec.Decision.Send, "delivered", rec.Delivered)
		writeJSONResponse(w, http.StatusOK, models.Success(rec))
	case rec != nil:
		slog.Error("Server.decideHandler: decision saved but not delivered", "id", id, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage("Decision recorded but outreach delivery failed").
			WithResult(rec).
			Build())
	case errors.Is(err, store.ErrNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Participant not found"))
	default:
		slog.Error("Server.decideHandler: decision failed", "id", id, "point", point, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Decision failed"))
	}
}

// listDecisionsHandler returns recent decisions, newest first
// (GET /participants/{id}/decisions?limit=N).
func (s *Server) listDecisionsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadParticipant(w, chi.URLParam(r, "id"), "Server.listDecisionsHandler")
	if !ok {
		return
	}
	limit := DefaultDecisionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	records, err := s.st.ListDecisions(p.ID, limit)
	if err != nil {
		slog.Error("Server.listDecisionsHandler: failed to list decisions", "id", p.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list decisions"))
		return
	}
	if records == nil {
		records = []models.DecisionRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

// loadParticipant writes the error response itself and reports whether to continue.
func (s *Server) loadParticipant(w http.ResponseWriter, id, caller string) (*models.Participant, bool) {
	p, err := s.st.GetParticipant(id)
	if err == nil {
		return p, true
	}
	if errors.Is(err, store.ErrNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Participant not found"))
		return nil, false
	}
	slog.Error(caller+": failed to load participant", "id", id, "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load participant"))
	return nil, false
}
