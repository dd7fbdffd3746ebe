package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lewisedginton/whatsapp_dispatch/internal/dispatch"
	"github.com/lewisedginton/whatsapp_dispatch/internal/session_manager"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
)

// SessionService is the session surface the handlers depend on.
type SessionService interface {
	CreateSession(ctx context.Context, name string) (string, error)
	StartSession(ctx context.Context, sessionID string, announceQR bool) session_manager.StartResult
	ListSessions() []string
	Send(ctx context.Context, sessionID, recipient, body string) session_manager.SendResult
}

// DispatchService is the scheduling surface the handlers depend on.
type DispatchService interface {
	Enqueue(ctx context.Context, sender string, recipients []string, body, scheduledTime string) (*dispatch.ScheduledMessage, error)
	List(ctx context.Context) ([]dispatch.ScheduledMessage, error)
}

// Handlers holds the HTTP handlers for the dispatch API.
type Handlers struct {
	sessions SessionService
	dispatch DispatchService
	logger   logger.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(sessions SessionService, dispatchSvc DispatchService, log logger.Logger) *Handlers {
	return &Handlers{
		sessions: sessions,
		dispatch: dispatchSvc,
		logger:   log,
	}
}

// Routes mounts the API on the router.
func (h *Handlers) Routes(r chi.Router) {
	r.Post("/sessions", h.createSession)
	r.Post("/sessions/start", h.startSession)
	r.Post("/sessions/send", h.sendMessage)
	r.Get("/sessions", h.listSessions)
	r.Post("/scheduled-messages", h.createScheduledMessage)
	r.Get("/scheduled-messages", h.listScheduledMessages)
}

type createSessionRequest struct {
	Name string `json:"name"`
}

type createSessionResponse struct {
	SessionID string `json:"sessionId"`
}

func (h *Handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !h.decode(w, r, &req) {
		return
	}

	sessionID, err := h.sessions.CreateSession(r.Context(), req.Name)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sessionID})
}

type startSessionRequest struct {
	SessionID string `json:"sessionId"`
	// AnnounceQR defaults to true; boot reconnects use false.
	AnnounceQR *bool `json:"announceQr,omitempty"`
}

func (h *Handlers) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	announceQR := true
	if req.AnnounceQR != nil {
		announceQR = *req.AnnounceQR
	}

	result := h.sessions.StartSession(r.Context(), req.SessionID, announceQR)
	h.writeJSON(w, http.StatusOK, result)
}

type sendMessageRequest struct {
	SessionID string `json:"sessionId"`
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}

func (h *Handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Recipient == "" {
		h.writeError(w, http.StatusBadRequest, "sessionId and recipient are required")
		return
	}

	result := h.sessions.Send(r.Context(), req.SessionID, req.Recipient, req.Body)
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := h.sessions.ListSessions()
	if sessions == nil {
		sessions = []string{}
	}
	h.writeJSON(w, http.StatusOK, sessions)
}

type createScheduledMessageRequest struct {
	Sender        string   `json:"sender"`
	Recipients    []string `json:"recipients"`
	Body          string   `json:"body"`
	ScheduledTime string   `json:"scheduledTime"`
}

func (h *Handlers) createScheduledMessage(w http.ResponseWriter, r *http.Request) {
	var req createScheduledMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	_, err := h.dispatch.Enqueue(r.Context(), req.Sender, req.Recipients, req.Body, req.ScheduledTime)
	if err != nil {
		var validationErr *dispatch.ValidationError
		if errors.As(err, &validationErr) {
			h.writeError(w, http.StatusBadRequest, validationErr.Error())
			return
		}
		h.logger.Error("failed to enqueue scheduled message", logger.ErrorField(err))
		h.writeError(w, http.StatusInternalServerError, "failed to schedule message")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{"message": "accepted"})
}

func (h *Handlers) listScheduledMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.dispatch.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list scheduled messages", logger.ErrorField(err))
		h.writeError(w, http.StatusInternalServerError, "failed to list scheduled messages")
		return
	}
	if messages == nil {
		messages = []dispatch.ScheduledMessage{}
	}
	h.writeJSON(w, http.StatusOK, messages)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", logger.ErrorField(err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
