package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/voice-receptionist/internal/persistence"
	"github.com/wolfman30/voice-receptionist/internal/pipeline"
	"github.com/wolfman30/voice-receptionist/internal/session"
	"github.com/wolfman30/voice-receptionist/pkg/logging"
)

const maxAudioBytes = 4 << 20

// SessionAPI is the orchestrator surface exposed over HTTP.
type SessionAPI interface {
	StartSession(ctx context.Context, id string, initial session.Context, channel session.Channel) (*session.Session, error)
	SubmitTurn(ctx context.Context, id string, in session.Input) (session.TurnResult, error)
	EndSession(ctx context.Context, id string, reason session.EndReason) (session.Summary, error)
	Snapshot(id string) (session.Snapshot, error)
	ListActive() []session.View
	Analytics() session.Analytics
}

// SummaryLookup finds summaries of sessions that already ended.
type SummaryLookup interface {
	LoadSummary(ctx context.Context, sessionID string) (session.Summary, error)
}

// SummaryHistory lists recently ended sessions.
type SummaryHistory interface {
	RecentSummaries(ctx context.Context, limit int) ([]persistence.SummaryRecord, error)
}

// SessionsHandler serves the session admin and inbound-trigger endpoints.
type SessionsHandler struct {
	sessions  SessionAPI
	summaries SummaryLookup
	history   SummaryHistory
	logger    *logging.Logger
}

func NewSessionsHandler(sessions SessionAPI, summaries SummaryLookup, history SummaryHistory, logger *logging.Logger) *SessionsHandler {
	if sessions == nil {
		panic("handlers: sessions cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SessionsHandler{sessions: sessions, summaries: summaries, history: history, logger: logger}
}

type startSessionRequest struct {
	ID      string            `json:"id"`
	Channel string            `json:"channel"`
	Context map[string]string `json:"context"`
}

// Start handles POST /sessions.
func (h *SessionsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	channel, ok := pipeline.ParseChannel(req.Channel)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown channel")
		return
	}
	s, err := h.sessions.StartSession(r.Context(), req.ID, session.Context(req.Context), channel)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

// List handles GET /sessions.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	views := h.sessions.ListActive()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views, "count": len(views)})
}

// Get handles GET /sessions/{id}. Ended sessions are served from the
// summary store when one is configured.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.sessions.Snapshot(id)
	if err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if h.summaries != nil {
		if summary, lerr := h.summaries.LoadSummary(r.Context(), id); lerr == nil {
			writeJSON(w, http.StatusOK, map[string]any{"ended": true, "summary": summary})
			return
		} else if !errors.Is(lerr, persistence.ErrNotFound) {
			h.logger.Warn("summary lookup failed", "session_id", id, "error", lerr)
		}
	}
	h.fail(w, err)
}

type turnRequest struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Turn handles POST /sessions/{id}/turns with a text utterance.
func (h *SessionsHandler) Turn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	h.submit(w, r, session.Input{Text: req.Text, Confidence: req.Confidence})
}

// Audio handles POST /sessions/{id}/audio with a raw audio body.
func (h *SessionsHandler) Audio(w http.ResponseWriter, r *http.Request) {
	audio, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid audio body")
		return
	}
	if len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "audio is required")
		return
	}
	if len(audio) > maxAudioBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "audio too large")
		return
	}
	h.submit(w, r, session.Input{Audio: audio})
}

func (h *SessionsHandler) submit(w http.ResponseWriter, r *http.Request, in session.Input) {
	res, err := h.sessions.SubmitTurn(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// End handles POST /sessions/{id}/end.
func (h *SessionsHandler) End(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	summary, err := h.sessions.EndSession(r.Context(), chi.URLParam(r, "id"), session.ParseEndReason(req.Reason))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Analytics handles GET /analytics.
func (h *SessionsHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Analytics())
}

// History handles GET /sessions/history.
func (h *SessionsHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "session history store not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.history.RecentSummaries(r.Context(), limit)
	if err != nil {
		h.logger.Error("list session history failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (h *SessionsHandler) fail(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= 500 && status != http.StatusServiceUnavailable {
		h.logger.Error("session request failed", "error", err)
	}
	var admission *session.AdmissionError
	if errors.As(err, &admission) {
		writeJSON(w, status, map[string]any{
			"error":   err.Error(),
			"active":  admission.Active,
			"ceiling": admission.Ceiling,
		})
		return
	}
	writeError(w, status, err.Error())
}

// StatusFor maps orchestrator errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrCapacityExceeded), errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrDuplicateSession):
		return http.StatusConflict
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, session.ErrTurnQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
