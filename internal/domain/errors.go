// Package domain provides the canonical types and error taxonomy for the bot.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a pipeline error.
type ErrorType string

const (
	// ErrorTypeValidation indicates a user-correctable request problem, such
	// as a wrong Content-Type.
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeAdapter indicates the platform envelope could not be decoded
	// or authenticated.
	ErrorTypeAdapter ErrorType = "adapter"

	// ErrorTypeBackend indicates the question-answering backend failed:
	// network, timeout or malformed response.
	ErrorTypeBackend ErrorType = "backend"

	// ErrorTypeSinkWrite indicates an audit record could not be persisted.
	ErrorTypeSinkWrite ErrorType = "sink_write"
)

// Error is the canonical error carried through the request pipeline.
type Error struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// StatusCode overrides the default HTTP status mapping when non-zero
	StatusCode int `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// HTTPStatusCode returns the HTTP status this error maps to when it reaches
// a route boundary. Backend and sink errors never reach the client; their
// codes only appear in logs.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusUnsupportedMediaType
	case ErrorTypeBackend:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new pipeline error.
func NewError(errType ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		cause:   cause,
	}
}

// WithStatusCode sets a specific HTTP status code.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// Convenience constructors

// ErrValidation creates a validation error.
func ErrValidation(message string) *Error {
	return NewError(ErrorTypeValidation, message, nil)
}

// ErrAdapter creates a platform adapter error.
func ErrAdapter(message string, cause error) *Error {
	return NewError(ErrorTypeAdapter, message, cause)
}

// ErrBackend wraps a question-answering backend failure.
func ErrBackend(message string, cause error) *Error {
	return NewError(ErrorTypeBackend, message, cause)
}

// ErrSinkWrite wraps an audit persistence failure.
func ErrSinkWrite(cause error) *Error {
	return NewError(ErrorTypeSinkWrite, "append audit record", cause)
}

// IsType reports whether err (or anything it wraps) is a *Error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == t
	}
	return false
}

// TypeOf returns the category of err, or "" when err is not a *Error.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ""
}
