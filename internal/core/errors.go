// internal/core/errors.go
package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error represents a structured error with code and optional cause.
type Error struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// MarshalJSON renders the error with its cause flattened to text.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Cause   string `json:"cause,omitempty"`
	}{Code: e.Code, Message: e.Message}
	if e.Cause != nil {
		out.Cause = e.Cause.Error()
	}
	return json.Marshal(out)
}

// Is implements errors.Is matching by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WrapError creates a new error with the same code but with a cause.
func WrapError(base *Error, cause error) *Error {
	return &Error{
		Code:    base.Code,
		Message: base.Message,
		Cause:   cause,
	}
}

// Errorf creates a new error with the same code and a formatted cause.
func Errorf(base *Error, format string, args ...any) *Error {
	return WrapError(base, fmt.Errorf(format, args...))
}

// Predefined errors
var (
	// Provider call errors
	ErrAuthFailure         = &Error{Code: "AUTH_FAILURE", Message: "provider rejected credentials"}
	ErrRateLimited         = &Error{Code: "RATE_LIMITED", Message: "provider rate limit exceeded"}
	ErrAPI                 = &Error{Code: "API_ERROR", Message: "provider API error"}
	ErrConnectionFailure   = &Error{Code: "CONNECTION_FAILURE", Message: "provider connection failed"}
	ErrTimeout             = &Error{Code: "TIMEOUT", Message: "provider request timeout"}
	ErrExtractionFailure   = &Error{Code: "EXTRACTION_FAILURE", Message: "no text in provider response"}
	ErrInsufficientBalance = &Error{Code: "INSUFFICIENT_BALANCE", Message: "insufficient provider balance"}
	ErrEndpointNotFound    = &Error{Code: "ENDPOINT_NOT_FOUND", Message: "provider model or endpoint not found"}

	// Async job errors
	ErrMissingRequestID = &Error{Code: "MISSING_REQUEST_ID", Message: "job response has no request_id"}
	ErrJobFailed        = &Error{Code: "JOB_FAILED", Message: "provider job failed"}
	ErrPollTimeout      = &Error{Code: "POLL_TIMEOUT", Message: "job did not finish in time"}

	// Selection errors
	ErrNoProviderAvailable      = &Error{Code: "NO_PROVIDER_AVAILABLE", Message: "no LLM provider available"}
	ErrUnknownProviderKey       = &Error{Code: "UNKNOWN_PROVIDER_KEY", Message: "unknown LLM provider key"}
	ErrProviderNotConstructible = &Error{Code: "PROVIDER_NOT_CONSTRUCTIBLE", Message: "selected LLM provider could not be initialized"}

	// Config errors
	ErrConfigInvalid = &Error{Code: "CONFIG_INVALID", Message: "configuration invalid"}
	ErrConfigMissing = &Error{Code: "CONFIG_MISSING", Message: "required configuration missing"}

	// Lookup errors
	ErrNotFound = &Error{Code: "NOT_FOUND", Message: "resource not found"}
)

var transientCodes = map[string]struct{}{
	ErrTimeout.Code:           {},
	ErrConnectionFailure.Code: {},
	ErrRateLimited.Code:       {},
	ErrPollTimeout.Code:       {},
}

// Code returns the code of the first *Error in err's chain, or "" when there is none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	_, ok := transientCodes[Code(err)]
	return ok
}
