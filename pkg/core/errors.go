package core

import (
	"fmt"
)

// Error is the canonical error carried across the gateway surface.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Param     string    `json:"param,omitempty"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id,omitempty"`

	// ProviderError holds the raw upstream detail. It is logged, never
	// serialized to callers for unknown upstream failures.
	ProviderError any `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// Rejected before any external call is made. Never retried.
	ErrInvalidDestination ErrorType = "invalid_destination"
	ErrConfigIncomplete   ErrorType = "config_incomplete"

	// A provider callback arrived without its correlation token. Fatal for
	// that callback; no context can ever be resolved for it.
	ErrMissingToken ErrorType = "missing_token"

	// Mapped from provider-specific error classes.
	ErrUpstreamAuth     ErrorType = "upstream_auth"
	ErrUpstreamRejected ErrorType = "upstream_rejected"
	ErrUpstreamUnknown  ErrorType = "upstream_unknown"

	// Idle or retry exhaustion mid-call. Ends the call; not an application
	// error from the caller's point of view.
	ErrSessionTimeout ErrorType = "session_timeout"

	// HTTP-surface plumbing.
	ErrInvalidRequest ErrorType = "invalid_request"
	ErrNotFound       ErrorType = "not_found"
	ErrAPI            ErrorType = "api_error"
)

// NewInvalidDestination reports a destination that failed E.164 validation.
func NewInvalidDestination(destination string) *Error {
	return &Error{
		Type:    ErrInvalidDestination,
		Message: "destination must be an E.164 phone number",
		Param:   "to",
		Code:    "invalid_destination",
		// The raw destination is kept out of the message on purpose.
		ProviderError: destination,
	}
}

// NewConfigIncomplete names every missing credential field.
func NewConfigIncomplete(missing []string) *Error {
	return &Error{
		Type:    ErrConfigIncomplete,
		Message: fmt.Sprintf("missing required configuration: %v", missing),
		Code:    "config_incomplete",
	}
}

// NewMissingToken reports a provider callback with no correlation token.
func NewMissingToken() *Error {
	return &Error{
		Type:    ErrMissingToken,
		Message: "callback carries no correlation token",
		Param:   "token",
		Code:    "missing_token",
	}
}

// NewUpstreamAuth reports rejected provider credentials.
func NewUpstreamAuth(message string) *Error {
	return &Error{
		Type:    ErrUpstreamAuth,
		Message: message,
		Code:    "upstream_auth",
	}
}

// NewUpstreamRejected reports a provider refusing the call for a known,
// user-attributable reason.
func NewUpstreamRejected(message string) *Error {
	return &Error{
		Type:    ErrUpstreamRejected,
		Message: message,
		Code:    "upstream_rejected",
	}
}

// NewUpstreamUnknown wraps an opaque provider failure. The underlying error
// is retained for logging; callers see only a generic message.
func NewUpstreamUnknown(underlying error) *Error {
	return &Error{
		Type:          ErrUpstreamUnknown,
		Message:       "upstream provider request failed",
		Code:          "upstream_unknown",
		ProviderError: underlying,
	}
}

// NewSessionTimeout reports an idle or retry-exhausted session.
func NewSessionTimeout(message string) *Error {
	return &Error{
		Type:    ErrSessionTimeout,
		Message: message,
		Code:    "session_timeout",
	}
}

// NewInvalidRequest creates a request-shape error.
func NewInvalidRequest(message, param string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
		Param:   param,
	}
}

// NewNotFound creates a not found error.
func NewNotFound(message string) *Error {
	return &Error{
		Type:    ErrNotFound,
		Message: message,
	}
}

// NewAPIError creates a generic internal error.
func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// Retryable reports whether an automatic retry could succeed. Validation and
// configuration errors never qualify.
func (e *Error) Retryable() bool {
	switch e.Type {
	case ErrUpstreamUnknown, ErrAPI:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	if ue, ok := e.ProviderError.(error); ok {
		return ue
	}
	return nil
}
