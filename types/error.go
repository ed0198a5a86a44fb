package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the gateway.
type ErrorCode string

// Request plane error codes
const (
	ErrValidation     ErrorCode = "VALIDATION"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
	ErrNoProvider     ErrorCode = "NO_PROVIDER"
	ErrModelNotFound  ErrorCode = "MODEL_NOT_FOUND"
	ErrRequestTooLong ErrorCode = "REQUEST_TOO_LONG"
)

// Provider plane error codes
const (
	ErrAuthentication      ErrorCode = "AUTHENTICATION"
	ErrProviderError       ErrorCode = "PROVIDER_ERROR"
	ErrProviderRateLimited ErrorCode = "PROVIDER_RATE_LIMITED"
	ErrProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
)

// Session error codes
const (
	ErrSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrSessionStore    ErrorCode = "SESSION_STORE"
)

// Tool error codes
const (
	ErrToolNotFound   ErrorCode = "TOOL_NOT_FOUND"
	ErrToolValidation ErrorCode = "TOOL_VALIDATION"
	ErrToolExecution  ErrorCode = "TOOL_EXECUTION"
	ErrToolTimeout    ErrorCode = "TOOL_TIMEOUT"
)

// Resilience error codes
const (
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrFallbackExhausted  ErrorCode = "FALLBACK_EXHAUSTED"
	ErrDownstreamError    ErrorCode = "DOWNSTREAM_ERROR"
	ErrCompressionFailed  ErrorCode = "COMPRESSION_FAILED"
	ErrContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
	Cause      error     `json:"-"`
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
	return &Error{Code: code, Message: message, HTTPStatus: defaultHTTPStatus(code)}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// defaultHTTPStatus maps every error code to the status the HTTP surface
// reports when the caller does not override it.
func defaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrValidation, ErrToolValidation:
		return http.StatusUnprocessableEntity
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrNoProvider, ErrModelNotFound, ErrSessionNotFound, ErrToolNotFound:
		return http.StatusNotFound
	case ErrAuthentication, ErrProviderError, ErrProviderRateLimited, ErrUpstreamTimeout:
		return http.StatusBadGateway
	case ErrSessionStore, ErrCircuitOpen, ErrFallbackExhausted,
		ErrProviderUnavailable, ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case ErrTimeout, ErrToolTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Common constructors used across handler and orchestrator code.

// NewValidationError reports a malformed or out-of-range request field.
func NewValidationError(format string, args ...any) *Error {
	return Errorf(ErrValidation, format, args...)
}

// NewNoProviderError reports that no loaded provider serves the model.
func NewNoProviderError(model string) *Error {
	return Errorf(ErrNoProvider, "no provider available for model %q", model)
}

// NewSessionNotFoundError reports an unknown or expired session ID.
func NewSessionNotFoundError(sessionID string) *Error {
	return Errorf(ErrSessionNotFound, "session %q not found", sessionID)
}

// NewSessionStoreError reports a session store that could not be reached.
func NewSessionStoreError(cause error) *Error {
	return NewError(ErrSessionStore, "session store unavailable").
		WithCause(cause).WithRetryable(true)
}

// NewCircuitOpenError reports a request rejected by an open breaker.
func NewCircuitOpenError(resource string) *Error {
	return Errorf(ErrCircuitOpen, "circuit open for %s", resource).WithRetryable(true)
}

// NewFallbackExhaustedError reports that every backend and the cache failed.
func NewFallbackExhaustedError(resource string) *Error {
	return Errorf(ErrFallbackExhausted, "all backends failed for %s", resource)
}
