package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeInternal                ErrorType = "internal"
	ErrorTypeNotFound                ErrorType = "not_found"
	ErrorTypeProbeTimeout            ErrorType = "probe_timeout"
	ErrorTypeProbeConnection         ErrorType = "probe_connection_failure"
	ErrorTypeProbeBadStatus          ErrorType = "probe_bad_status"
	ErrorTypeNoHealthyBackend        ErrorType = "no_healthy_backend"
	ErrorTypeRequestTimeout          ErrorType = "request_timeout"
	ErrorTypeBadGateway              ErrorType = "bad_gateway"
	ErrorTypeOrchestratorUnavailable ErrorType = "orchestrator_unavailable"
	ErrorTypeInvalidConfiguration    ErrorType = "invalid_configuration"
)

// Sentinels for errors.Is comparisons. Matching is by type only.
var (
	ErrNotFound                = &Error{Type: ErrorTypeNotFound, Message: "not found"}
	ErrProbeTimeout            = &Error{Type: ErrorTypeProbeTimeout, Message: "probe timed out"}
	ErrProbeConnection         = &Error{Type: ErrorTypeProbeConnection, Message: "probe connection failed"}
	ErrProbeBadStatus          = &Error{Type: ErrorTypeProbeBadStatus, Message: "probe returned unhealthy status"}
	ErrNoHealthyBackend        = &Error{Type: ErrorTypeNoHealthyBackend, Message: "no healthy backend"}
	ErrRequestTimeout          = &Error{Type: ErrorTypeRequestTimeout, Message: "request timed out"}
	ErrBadGateway              = &Error{Type: ErrorTypeBadGateway, Message: "bad gateway"}
	ErrOrchestratorUnavailable = &Error{Type: ErrorTypeOrchestratorUnavailable, Message: "orchestrator unavailable"}
	ErrInvalidConfiguration    = &Error{Type: ErrorTypeInvalidConfiguration, Message: "invalid configuration"}
)

// Error represents a structured error with additional context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]any
}

// NewError creates a new structured error
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Details: make(map[string]any),
	}
}

// Errorf creates a new structured error with a formatted message
func Errorf(errType ErrorType, format string, args ...any) *Error {
	return NewError(errType, fmt.Sprintf(format, args...))
}

// WithCause adds the underlying cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// HTTPStatusCode returns the status the traffic entry point should surface
func (e *Error) HTTPStatusCode() int {
	switch e.Type {
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeInvalidConfiguration:
		return http.StatusBadRequest
	case ErrorTypeNoHealthyBackend, ErrorTypeOrchestratorUnavailable:
		return http.StatusServiceUnavailable
	case ErrorTypeRequestTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeBadGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// TypeOf returns the ErrorType of the first *Error in err's chain, or
// ErrorTypeInternal when there is none.
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// StatusCode maps any error to an HTTP status code
func StatusCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) {
		return e.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
