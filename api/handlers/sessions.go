package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/shellbox/sandbox"
)

// Handler serves the worker API on top of a sandbox service.
type Handler struct {
	svc    *sandbox.Service
	logger *zap.Logger
}

// New creates the API handler set.
func New(svc *sandbox.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:    svc,
		logger: logger.With(zap.String("component", "api")),
	}
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	UserID     string `json:"user_id"`
	ThreadID   string `json:"thread_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// CreateSession returns the thread's active session, creating one if
// needed. Idempotent per thread.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if req.ThreadID == "" {
		WriteJSON(w, http.StatusBadRequest, Response{
			Success:   false,
			Error:     &ErrorInfo{Code: "INVALID_REQUEST", Message: "thread_id is required"},
			Timestamp: time.Now(),
		})
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	sess, err := h.svc.CreateOrGetSession(r.Context(), req.UserID, req.ThreadID, ttl)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, sess)
}

// GetSession returns a live session's record.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, sess)
}

// DeleteSession terminates a session and destroys its unit.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Cleanup(r.Context(), r.PathValue("id")); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]string{"status": "cleaned"})
}
