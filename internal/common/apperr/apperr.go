// Package apperr defines the coordinator's structured error taxonomy.
// Every externally visible failure carries a stable "error" discriminator
// that clients (including AI orchestrators) can branch on.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error discriminators.
const (
	CodeParameterValidationFailed = "parameter_validation_failed"
	CodeAgentNotFound             = "agent_not_found"
	CodeSessionNotFound           = "session_not_found"
	CodeRunNotFound               = "run_not_found"
	CodeRunnerNotFound            = "runner_not_found"
	CodeAgentNameCollision        = "agent_name_collision"
	CodeNoRunnerAvailable         = "no_runner_available"
	CodeRunnerDisconnected        = "runner_disconnected"
	CodeHookBlocked               = "hook_blocked"
	CodeHookFailed                = "hook_failed"
	CodePlaceholderUnresolved     = "placeholder_unresolved"
	CodeSessionConflict           = "session_conflict"
	CodeInvalidRequest            = "invalid_request"
	CodeInternal                  = "internal_error"
)

// Error is a structured application error. Details are merged into the JSON
// response body next to the discriminator.
type Error struct {
	Code       string         `json:"error"`
	Message    string         `json:"message"`
	HTTPStatus int            `json:"-"`
	Details    map[string]any `json:"-"`
	cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches one extra response field and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error and returns the error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Body renders the wire shape: discriminator, message, and detail fields.
func (e *Error) Body() map[string]any {
	body := make(map[string]any, len(e.Details)+2)
	for k, v := range e.Details {
		body[k] = v
	}
	body["error"] = e.Code
	body["message"] = e.Message
	return body
}

// New creates an error with an explicit code and HTTP status.
func New(code string, status int, msg string) *Error {
	return &Error{Code: code, Message: msg, HTTPStatus: status}
}

// NotFound creates a 404 error with the given discriminator.
func NotFound(code, msg string) *Error {
	return New(code, http.StatusNotFound, msg)
}

// Conflict creates a 409 error with the given discriminator.
func Conflict(code, msg string) *Error {
	return New(code, http.StatusConflict, msg)
}

// BadRequest creates a 400 invalid_request error.
func BadRequest(msg string) *Error {
	return New(CodeInvalidRequest, http.StatusBadRequest, msg)
}

// Internal creates a 500 error carrying a correlation ID for log lookup.
func Internal(correlationID string, cause error) *Error {
	e := New(CodeInternal, http.StatusInternalServerError, "internal error")
	e.cause = cause
	return e.WithDetail("correlation_id", correlationID)
}

// From converts any error into an *Error, defaulting to an internal error.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{
		Code:       CodeInternal,
		Message:    err.Error(),
		HTTPStatus: http.StatusInternalServerError,
		cause:      err,
	}
}
