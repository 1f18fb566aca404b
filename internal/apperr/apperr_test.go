package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name    string
		appErr  *Error
		wantMsg string
	}{
		{
			name:    "message only",
			appErr:  &Error{Message: "no accounts configured"},
			wantMsg: "no accounts configured",
		},
		{
			name: "message with wrapped error",
			appErr: &Error{
				Message: "upstream call failed",
				Err:     errors.New("connection refused"),
			},
			wantMsg: "upstream call failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.appErr.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("root cause")
	appErr := UpstreamUnavailable("wrapper", underlying)

	if got := appErr.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
	if !errors.Is(appErr, underlying) {
		t.Error("errors.Is should see through the wrapper")
	}
}

func TestConstructors_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        *Error
		wantStatus int
		wantKind   Kind
	}{
		{"no account", NoAccountAvailable("none"), http.StatusServiceUnavailable, KindNoAccountAvailable},
		{"auth failed", AuthenticationFailed("denied", nil), http.StatusUnauthorized, KindAuthenticationFailed},
		{"rate limited", RateLimitedAll("throttled"), http.StatusTooManyRequests, KindRateLimitedAll},
		{"length", ContentLengthExceeded("too long", nil), http.StatusRequestEntityTooLarge, KindContentLengthExceeded},
		{"upstream", UpstreamUnavailable("down", nil), http.StatusBadGateway, KindUpstreamUnavailable},
		{"bad request", BadRequest("invalid", nil), http.StatusBadRequest, KindBadRequest},
		{"unsupported", UnsupportedFeature("nope"), http.StatusBadRequest, KindUnsupportedFeature},
		{"internal", Internal("boom", nil), http.StatusInternalServerError, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.StatusCode() != tt.wantStatus {
				t.Errorf("StatusCode() = %d, want %d", tt.err.StatusCode(), tt.wantStatus)
			}
			if tt.err.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", tt.err.Kind, tt.wantKind)
			}
		})
	}
}

func TestFrom(t *testing.T) {
	appErr := RateLimitedAll("all throttled")
	wrapped := fmt.Errorf("attempt 3: %w", appErr)

	got := From(wrapped)
	if got.Kind != KindRateLimitedAll {
		t.Errorf("From(wrapped).Kind = %s, want %s", got.Kind, KindRateLimitedAll)
	}

	plain := From(errors.New("surprise"))
	if plain.Kind != KindInternal {
		t.Errorf("From(plain).Kind = %s, want %s", plain.Kind, KindInternal)
	}
	if plain.StatusCode() != http.StatusInternalServerError {
		t.Errorf("From(plain).StatusCode() = %d, want 500", plain.StatusCode())
	}

	if From(nil) != nil {
		t.Error("From(nil) should be nil")
	}
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", ContentLengthExceeded("too big", nil))
	if !IsKind(err, KindContentLengthExceeded) {
		t.Error("IsKind should match through wrapping")
	}
	if IsKind(err, KindBadRequest) {
		t.Error("IsKind should not match a different kind")
	}
	if IsKind(errors.New("plain"), KindInternal) {
		t.Error("IsKind on a plain error should be false")
	}
}
