// Package apperr defines the coded error taxonomy shared by handlers,
// middleware and the transports.
//
// Handlers return *Error for expected conditions (validation, auth, not
// found). Anything else is unclassified and becomes a generic 500 at the
// dispatch boundary. Only Status, Message, Code and Details ever reach the
// wire; the wrapped cause is for logs.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error is a coded error.
type Error struct {
	// Status is an HTTP-style status code.
	Status int
	// Message is the client-visible message.
	Message string
	// Code is an optional machine-readable code.
	Code string
	// Details is an optional client-visible payload.
	Details any
	// ShouldClose asks the WebSocket lifecycle to close the connection
	// after the error frame is delivered.
	ShouldClose bool

	cause error
}

// Error implements error.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Message, e.cause)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error with the same status and message so sentinels
// such as ErrUnknownCommand work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Status == t.Status && e.Message == t.Message
}

// Temporary reports whether retrying the same request later may succeed.
func (e *Error) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable
}

// New creates a coded error.
func New(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// Wrap creates a coded error carrying cause for logging.
func Wrap(status int, message string, cause error) *Error {
	return &Error{Status: status, Message: message, cause: cause}
}

// WithCode returns a copy of e with code set.
func (e *Error) WithCode(code string) *Error {
	cp := *e
	cp.Code = code
	return &cp
}

// WithDetails returns a copy of e with details set.
func (e *Error) WithDetails(details any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Closing returns a copy of e that closes the WebSocket connection.
func (e *Error) Closing() *Error {
	cp := *e
	cp.ShouldClose = true
	return &cp
}

// BadRequest returns a 400 error.
func BadRequest(message string) *Error { return New(http.StatusBadRequest, message) }

// Unauthorized returns a 401 error.
func Unauthorized(message string) *Error { return New(http.StatusUnauthorized, message) }

// NotFound returns a 404 error.
func NotFound(message string) *Error { return New(http.StatusNotFound, message) }

// MethodNotAllowed returns a 405 error.
func MethodNotAllowed(message string) *Error { return New(http.StatusMethodNotAllowed, message) }

// Unprocessable returns a 422 error.
func Unprocessable(message string) *Error { return New(http.StatusUnprocessableEntity, message) }

// TooManyRequests returns a 429 error.
func TooManyRequests(message string) *Error { return New(http.StatusTooManyRequests, message) }

// Internal returns the generic 500 error with cause attached for logs.
func Internal(cause error) *Error {
	return Wrap(http.StatusInternalServerError, "Internal server error", cause)
}

// Unavailable returns a 503 error.
func Unavailable(message string, cause error) *Error {
	return Wrap(http.StatusServiceUnavailable, message, cause)
}

// MissingField returns the 400 error for an absent required body field.
func MissingField(field string) *Error {
	return BadRequest(fmt.Sprintf("Missing required field: %s", field)).WithCode("MISSING_FIELD")
}

// From classifies any error into a coded error. Coded errors pass through;
// timeouts become a retryable 503; everything else is a generic 500.
// Returns nil for a nil error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Unavailable("Upstream timeout", err).WithCode("TIMEOUT")
	}
	return Internal(err)
}

// FromUpstream maps a backend HTTP status to the coded error a client sees.
// Backend auth failures never expose backend detail.
func FromUpstream(status int, cause error) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Wrap(http.StatusBadRequest, "Invalid or expired token", cause)
	case status == http.StatusNotFound:
		return Wrap(http.StatusBadRequest, "Resource not found", cause)
	case status == http.StatusTooManyRequests:
		return Wrap(http.StatusTooManyRequests, "Too many requests", cause)
	case status >= 500:
		return Unavailable("Service unavailable", cause)
	default:
		return Internal(cause)
	}
}
