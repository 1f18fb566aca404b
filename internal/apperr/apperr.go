// Package apperr defines the structured error type routed through the
// request pipeline and mapped into each protocol's native error shape.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies the category of a pipeline error as surfaced to callers.
type Kind string

const (
	KindNoAccountAvailable    Kind = "no_account_available"
	KindAuthenticationFailed  Kind = "authentication_failed"
	KindRateLimitedAll        Kind = "rate_limited_all_accounts"
	KindContentLengthExceeded Kind = "content_length_exceeded"
	KindUpstreamUnavailable   Kind = "upstream_unavailable"
	KindBadRequest            Kind = "bad_request"
	KindUnsupportedFeature    Kind = "unsupported_feature"
	KindInternal              Kind = "internal"
)

// Error is a structured application error.
type Error struct {
	// HTTPStatusCode is the HTTP status code to return.
	HTTPStatusCode int `json:"-"`
	// Kind is the stable error category string.
	Kind Kind `json:"code"`
	// Message is the user-facing error message.
	Message string `json:"message"`
	// Err is the underlying error (not marshaled to JSON).
	Err error `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode reports the HTTP status associated with the error.
func (e *Error) StatusCode() int {
	if e.HTTPStatusCode > 0 {
		return e.HTTPStatusCode
	}
	return http.StatusInternalServerError
}

// New creates an Error with an explicit status code.
func New(statusCode int, kind Kind, message string, err error) *Error {
	return &Error{
		HTTPStatusCode: statusCode,
		Kind:           kind,
		Message:        message,
		Err:            err,
	}
}

// NoAccountAvailable reports that no account was selectable.
func NoAccountAvailable(message string) *Error {
	return New(http.StatusServiceUnavailable, KindNoAccountAvailable, message, nil)
}

// AuthenticationFailed reports that every attempted account was rejected upstream.
func AuthenticationFailed(message string, err error) *Error {
	return New(http.StatusUnauthorized, KindAuthenticationFailed, message, err)
}

// RateLimitedAll reports that every selectable account is rate limited.
func RateLimitedAll(message string) *Error {
	return New(http.StatusTooManyRequests, KindRateLimitedAll, message, nil)
}

// ContentLengthExceeded reports that the conversation could not be brought
// under the upstream length threshold.
func ContentLengthExceeded(message string, err error) *Error {
	return New(http.StatusRequestEntityTooLarge, KindContentLengthExceeded, message, err)
}

// UpstreamUnavailable reports repeated upstream 5xx or transport failures.
func UpstreamUnavailable(message string, err error) *Error {
	return New(http.StatusBadGateway, KindUpstreamUnavailable, message, err)
}

// BadRequest reports an inbound validation failure.
func BadRequest(message string, err error) *Error {
	return New(http.StatusBadRequest, KindBadRequest, message, err)
}

// UnsupportedFeature reports a request feature the gateway cannot express upstream.
func UnsupportedFeature(message string) *Error {
	return New(http.StatusBadRequest, KindUnsupportedFeature, message, nil)
}

// Internal wraps an unexpected invariant violation.
func Internal(message string, err error) *Error {
	return New(http.StatusInternalServerError, KindInternal, message, err)
}

// From extracts an *Error from err, wrapping unknown errors as KindInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err.Error(), err)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
