package handlers

import (
	"net/http"
	"time"
)

// ExecuteRequest is the body of POST /v1/sessions/{id}/execute.
type ExecuteRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Execute runs a command in the session's unit. Nonzero exit codes come
// back as successful responses; only platform errors use the error
// envelope.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if req.Command == "" {
		WriteJSON(w, http.StatusBadRequest, Response{
			Success:   false,
			Error:     &ErrorInfo{Code: "INVALID_REQUEST", Message: "command is required"},
			Timestamp: time.Now(),
		})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result, err := h.svc.Execute(r.Context(), r.PathValue("id"), req.Command, timeout)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, result)
}
