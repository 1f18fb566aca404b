// Package auth owns the upstream credential pool: account state, selection,
// and background token refresh.
package auth

import (
	"strings"
	"time"
)

// HealthState describes an account's availability for selection.
type HealthState string

const (
	// HealthActive means the account is selectable.
	HealthActive HealthState = "active"
	// HealthCooldown means the account was rate limited and sits out until
	// its cooldown deadline passes.
	HealthCooldown HealthState = "cooldown"
	// HealthUnhealthy means the last refresh or live call failed with a
	// non-rate-limit auth or server error.
	HealthUnhealthy HealthState = "unhealthy"
	// HealthDisabled means an operator switched the account off.
	HealthDisabled HealthState = "disabled"
)

// Provenance values record where an account's credentials came from.
const (
	ProvenanceDeviceCode   = "aws-device-code"
	ProvenanceSocialGoogle = "social-google"
	ProvenanceSocialGithub = "social-github"
	ProvenanceScanned      = "scanned-local-cache"
	ProvenanceManual       = "manual-import"
)

// AuthKind values select the refresh endpoint for an account.
const (
	AuthKindIdC       = "idc"
	AuthKindSocial    = "social"
	AuthKindBuilderID = "builder-id"
)

// CredentialEnvelope carries one credential lineage.
type CredentialEnvelope struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	AuthKind     string    `json:"auth_kind"`
}

// Valid reports whether the envelope satisfies the structural invariants:
// a non-empty access token, and a refresh token when the kind is social.
func (e CredentialEnvelope) Valid() bool {
	if strings.TrimSpace(e.AccessToken) == "" {
		return false
	}
	if e.AuthKind == AuthKindSocial && strings.TrimSpace(e.RefreshToken) == "" {
		return false
	}
	return true
}

// QuotaSnapshot is the most recent quota observation for an account.
type QuotaSnapshot struct {
	Remaining     float64   `json:"remaining"`
	Total         float64   `json:"total,omitempty"`
	ResetAt       time.Time `json:"reset_at,omitempty"`
	BalanceStatus string    `json:"balance_status,omitempty"`
	ObservedAt    time.Time `json:"observed_at"`
}

// Balance status values for QuotaSnapshot.
const (
	BalanceNormal    = "normal"
	BalanceLow       = "low"
	BalanceExhausted = "exhausted"
)

// NewQuotaSnapshot builds a snapshot stamped with the current time. The
// balance status derives from the remaining fraction: exhausted at or
// below zero, low at or below 20% of the total.
func NewQuotaSnapshot(remaining, total float64, resetAt time.Time) QuotaSnapshot {
	s := QuotaSnapshot{
		Remaining:  remaining,
		Total:      total,
		ResetAt:    resetAt,
		ObservedAt: time.Now().UTC(),
	}
	switch {
	case remaining <= 0:
		s.BalanceStatus = BalanceExhausted
	case total > 0 && remaining/total <= 0.2:
		s.BalanceStatus = BalanceLow
	default:
		s.BalanceStatus = BalanceNormal
	}
	return s
}

// Account is one upstream credential pair plus its derived health metadata.
// Instances are owned by the Store; callers outside the store only ever see
// clones.
type Account struct {
	ID          string             `json:"id"`
	Label       string             `json:"label,omitempty"`
	Provenance  string             `json:"provenance"`
	Credentials CredentialEnvelope `json:"credentials"`
	Enabled     bool               `json:"enabled"`

	// status is active or unhealthy; cooldown and disabled are derived in
	// Health from CooldownDeadline and Enabled.
	status           HealthState
	UnhealthyReason  string    `json:"unhealthy_reason,omitempty"`
	CooldownDeadline time.Time `json:"cooldown_deadline,omitempty"`

	LastUsedAt    time.Time `json:"last_used_at,omitempty"`
	InFlight      int64     `json:"in_flight"`
	RequestCount  int64     `json:"request_count"`
	ErrorCount    int64     `json:"error_count"`
	LastError     string    `json:"last_error,omitempty"`
	LastRefreshed time.Time `json:"last_refreshed,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
	Quota    *QuotaSnapshot    `json:"quota,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Health reports the effective health state at the given instant. The
// cooldown deadline is evaluated lazily: a passed deadline reads as active
// without any background transition.
func (a *Account) Health(now time.Time) HealthState {
	if !a.Enabled {
		return HealthDisabled
	}
	if !a.CooldownDeadline.IsZero() && now.Before(a.CooldownDeadline) {
		return HealthCooldown
	}
	if a.status == HealthUnhealthy {
		return HealthUnhealthy
	}
	return HealthActive
}

// Selectable reports whether the account may serve a request right now.
func (a *Account) Selectable(now time.Time) bool {
	return a.Health(now) == HealthActive
}

// Email returns the account's email metadata, if known.
func (a *Account) Email() string {
	if a.Metadata == nil {
		return ""
	}
	return a.Metadata["email"]
}

// ProfileARN returns the CodeWhisperer profile ARN metadata, if known.
func (a *Account) ProfileARN() string {
	if a.Metadata == nil {
		return ""
	}
	return a.Metadata["profile_arn"]
}

// Clone returns a deep copy safe to use outside the store's lock.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	dup := *a
	if a.Metadata != nil {
		dup.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			dup.Metadata[k] = v
		}
	}
	if a.Quota != nil {
		quota := *a.Quota
		dup.Quota = &quota
	}
	return &dup
}
