package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/shellbox/types"
)

// Response is the unified API envelope. Error carries the typed error
// code so remote clients reconstruct the exact same error a local caller
// would have seen.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorInfo is the wire form of types.Error.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Rule      string `json:"rule,omitempty"`
	Dimension string `json:"dimension,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ToError rebuilds the typed error.
func (e *ErrorInfo) ToError() *types.Error {
	err := types.NewError(types.ErrorCode(e.Code), e.Message).WithRetryable(e.Retryable)
	if e.Rule != "" {
		err = err.WithRule(e.Rule)
	}
	if e.Dimension != "" {
		err = err.WithDimension(e.Dimension)
	}
	return err
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a success envelope.
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteError writes an error envelope with the HTTP status derived from
// the typed error code.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var typed *types.Error
	if !errors.As(err, &typed) {
		typed = types.NewError(types.ErrContainerFault, err.Error())
	}
	status := HTTPStatusFor(typed.Code)

	if logger != nil {
		logger.Warn("request failed",
			zap.String("code", string(typed.Code)),
			zap.String("message", typed.Message),
			zap.Int("status", status))
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(typed.Code),
			Message:   typed.Message,
			Rule:      typed.Rule,
			Dimension: typed.Dimension,
			Retryable: typed.Retryable,
		},
		Timestamp: time.Now(),
	})
}

// HTTPStatusFor maps a typed error code to its HTTP status.
func HTTPStatusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrValidationRejected, types.ErrPathTraversal:
		return http.StatusBadRequest
	case types.ErrSessionNotFound, types.ErrFileNotFound:
		return http.StatusNotFound
	case types.ErrSessionExpired:
		return http.StatusGone
	case types.ErrExecutionTimeout:
		return http.StatusRequestTimeout
	case types.ErrQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case types.ErrPoolExhausted, types.ErrSpawnFailure, types.ErrNoHealthyWorker:
		return http.StatusServiceUnavailable
	case types.ErrContainerFault, types.ErrWorkerUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSONBody strictly decodes the request body into dst, writing the
// error response itself on failure.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		WriteJSON(w, http.StatusBadRequest, Response{
			Success: false,
			Error: &ErrorInfo{
				Code:    "INVALID_REQUEST",
				Message: "invalid JSON body: " + err.Error(),
			},
			Timestamp: time.Now(),
		})
		return false
	}
	return true
}

// ResponseWriter wraps http.ResponseWriter to capture the status code for
// access logging and metrics.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	written    bool
}

// NewResponseWriter wraps w.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader captures the status code.
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.StatusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write marks the response as written.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
