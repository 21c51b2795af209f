package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the runtime.
type ErrorCode string

// Pool error codes
const (
	ErrPoolExhausted ErrorCode = "POOL_EXHAUSTED"
	ErrSpawnFailure  ErrorCode = "SPAWN_FAILURE"
)

// Session error codes
const (
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionExpired  ErrorCode = "SESSION_EXPIRED"
)

// Execution and transfer error codes
const (
	ErrValidationRejected ErrorCode = "VALIDATION_REJECTED"
	ErrQuotaExceeded      ErrorCode = "QUOTA_EXCEEDED"
	ErrFileNotFound       ErrorCode = "FILE_NOT_FOUND"
	ErrPathTraversal      ErrorCode = "PATH_TRAVERSAL"
	ErrExecutionTimeout   ErrorCode = "EXECUTION_TIMEOUT"
	ErrContainerFault     ErrorCode = "CONTAINER_FAULT"
)

// Router error codes
const (
	ErrNoHealthyWorker   ErrorCode = "NO_HEALTHY_WORKER"
	ErrWorkerUnreachable ErrorCode = "WORKER_UNREACHABLE"
)

// Quota dimensions reported by QuotaExceeded errors.
const (
	DimensionFileSize      = "file_size"
	DimensionFileCount     = "file_count"
	DimensionWorkspaceSize = "workspace_size"
)

// Error represents a structured error with code, message, and metadata.
// A failing user program is never an Error; exit codes travel in ExecResult.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Rule      string    `json:"rule,omitempty"`      // failing validation rule
	Dimension string    `json:"dimension,omitempty"` // violated quota dimension
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRule sets the failing validation rule identifier.
func (e *Error) WithRule(rule string) *Error {
	e.Rule = rule
	return e
}

// WithDimension sets the violated quota dimension.
func (e *Error) WithDimension(dim string) *Error {
	e.Dimension = dim
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
