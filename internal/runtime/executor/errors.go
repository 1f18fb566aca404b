package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
)

// Category classifies an upstream failure for the orchestrator's retry
// policy. Each category maps to exactly one reaction: cooldown, refresh,
// history truncation, account switch, or pass-through.
type Category string

const (
	CategoryRateLimited Category = "rate_limited"
	CategoryAuthFailed  Category = "auth_failed"
	CategoryLength      Category = "length_exceeded"
	CategoryServer      Category = "server_error"
	CategoryTransport   Category = "transport_error"
	CategoryClient      Category = "client_error"
)

// UpstreamError is a categorized failure from the CodeWhisperer call.
type UpstreamError struct {
	Category Category
	// Status is the upstream HTTP status, zero for transport failures.
	Status  int
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("upstream %s (status %d): %s", e.Category, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Category, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// App maps the failure onto the client-facing error model for rendering.
func (e *UpstreamError) App() *apperr.Error {
	switch e.Category {
	case CategoryRateLimited:
		return apperr.RateLimitedAll(e.Message)
	case CategoryAuthFailed:
		return apperr.AuthenticationFailed(e.Message, e.Err)
	case CategoryLength:
		return apperr.ContentLengthExceeded(e.Message, e.Err)
	case CategoryClient:
		return apperr.BadRequest(e.Message, e.Err)
	default:
		return apperr.UpstreamUnavailable(e.Message, e.Err)
	}
}

// CategoryOf extracts the failure category, defaulting to
// transport_error for uncategorized errors.
func CategoryOf(err error) Category {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Category
	}
	return CategoryTransport
}

// categorize buckets an upstream HTTP failure. The raw body text is
// consulted because the context-window rejection arrives as a 400 whose
// status alone is indistinguishable from other client errors.
func categorize(status int, body string) *UpstreamError {
	msg := strings.TrimSpace(body)
	if m := gjson.Get(body, "message").Str; m != "" {
		msg = m
	} else if m := gjson.Get(body, "Message").Str; m != "" {
		msg = m
	}
	if msg == "" {
		msg = fmt.Sprintf("upstream returned status %d", status)
	}
	switch {
	case status == 429:
		return &UpstreamError{Category: CategoryRateLimited, Status: status, Message: msg}
	case status == 401 || status == 403:
		return &UpstreamError{Category: CategoryAuthFailed, Status: status, Message: msg}
	case isLengthExceeded(body):
		return &UpstreamError{Category: CategoryLength, Status: status, Message: msg}
	case status >= 500:
		return &UpstreamError{Category: CategoryServer, Status: status, Message: msg}
	default:
		return &UpstreamError{Category: CategoryClient, Status: status, Message: msg}
	}
}

// isLengthExceeded reports whether an upstream error message indicates
// the conversation exceeded the model's context window.
func isLengthExceeded(msg string) bool {
	if strings.Contains(msg, "CONTENT_LENGTH_EXCEEDS_THRESHOLD") {
		return true
	}
	low := strings.ToLower(msg)
	if strings.Contains(low, "input is too long") {
		return true
	}
	if strings.Contains(low, "context length") || strings.Contains(low, "token limit") {
		return true
	}
	if strings.Contains(low, "too long") {
		for _, subject := range []string{"input", "content", "message"} {
			if strings.Contains(low, subject) {
				return true
			}
		}
	}
	return false
}
