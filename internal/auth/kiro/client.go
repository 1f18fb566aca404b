// Package kiro talks to the Kiro authentication endpoints: the AWS SSO OIDC
// device flow for IdC and Builder ID accounts, and the Kiro desktop identity
// service for social (Google or GitHub) accounts.
package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// OIDCBaseURL is the AWS SSO OIDC endpoint used for device
	// authorization and token refresh of IdC and Builder ID credentials.
	OIDCBaseURL = "https://oidc.us-east-1.amazonaws.com"
	// SocialBaseURL is the Kiro desktop identity service used for social
	// login and refresh.
	SocialBaseURL = "https://prod.us-east-1.auth.desktop.kiro.dev"
	// BuilderIDStartURL is the start URL registered for device flows.
	BuilderIDStartURL = "https://view.awsapps.com/start"
)

// Scopes requested during client registration.
var Scopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
	"codewhisperer:transformations",
	"codewhisperer:taskassist",
}

// Device flow terminal errors.
var (
	ErrAuthorizationPending = errors.New("authorization pending")
	ErrSlowDown             = errors.New("slow down")
	ErrDeviceCodeExpired    = errors.New("device code expired")
	ErrAccessDenied         = errors.New("access denied by user")
)

// TokenSet is the result of any login or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ProfileARN   string
	ClientID     string
	ClientSecret string
	AuthKind     string
}

// Client calls the Kiro auth endpoints.
type Client struct {
	httpClient *http.Client
	oidcBase   string
	socialBase string
	now        func() time.Time
}

// Option adjusts a Client.
type Option func(*Client)

// WithHTTPClient substitutes the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURLs overrides the endpoints, mainly for tests.
func WithBaseURLs(oidc, social string) Option {
	return func(c *Client) {
		if oidc != "" {
			c.oidcBase = oidc
		}
		if social != "" {
			c.socialBase = social
		}
	}
}

// NewClient returns a Client against the production endpoints.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		oidcBase:   OIDCBaseURL,
		socialBase: SocialBaseURL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registration identifies this proxy instance to the OIDC service.
type Registration struct {
	ClientID     string
	ClientSecret string
	ExpiresAt    time.Time
}

// RegisterClient registers a public OIDC client with the CodeWhisperer
// scopes.
func (c *Client) RegisterClient(ctx context.Context) (*Registration, error) {
	body := map[string]any{
		"clientName": fmt.Sprintf("kiro-proxy-%d", c.now().Unix()),
		"clientType": "public",
		"scopes":     Scopes,
	}
	raw, err := c.postJSON(ctx, c.oidcBase+"/client/register", body)
	if err != nil {
		return nil, fmt.Errorf("register client: %w", err)
	}
	reg := &Registration{
		ClientID:     gjson.GetBytes(raw, "clientId").String(),
		ClientSecret: gjson.GetBytes(raw, "clientSecret").String(),
	}
	if expires := gjson.GetBytes(raw, "clientSecretExpiresAt").Int(); expires > 0 {
		reg.ExpiresAt = time.Unix(expires, 0)
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		return nil, errors.New("register client: response missing client credentials")
	}
	return reg, nil
}

// DeviceAuthorization is the verification prompt shown to the user.
type DeviceAuthorization struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresIn               int
	Interval                int
}

// StartDeviceAuthorization begins the device flow against the Builder ID
// start URL.
func (c *Client) StartDeviceAuthorization(ctx context.Context, reg *Registration) (*DeviceAuthorization, error) {
	body := map[string]any{
		"clientId":     reg.ClientID,
		"clientSecret": reg.ClientSecret,
		"startUrl":     BuilderIDStartURL,
	}
	raw, err := c.postJSON(ctx, c.oidcBase+"/device_authorization", body)
	if err != nil {
		return nil, fmt.Errorf("start device authorization: %w", err)
	}
	auth := &DeviceAuthorization{
		DeviceCode:              gjson.GetBytes(raw, "deviceCode").String(),
		UserCode:                gjson.GetBytes(raw, "userCode").String(),
		VerificationURI:         gjson.GetBytes(raw, "verificationUri").String(),
		VerificationURIComplete: gjson.GetBytes(raw, "verificationUriComplete").String(),
		ExpiresIn:               int(gjson.GetBytes(raw, "expiresIn").Int()),
		Interval:                int(gjson.GetBytes(raw, "interval").Int()),
	}
	if auth.DeviceCode == "" || auth.UserCode == "" {
		return nil, errors.New("start device authorization: response missing device code")
	}
	if auth.Interval <= 0 {
		auth.Interval = 5
	}
	return auth, nil
}

// CreateDeviceToken exchanges a device code once. It returns
// ErrAuthorizationPending or ErrSlowDown while the user has not finished.
func (c *Client) CreateDeviceToken(ctx context.Context, reg *Registration, deviceCode string) (*TokenSet, error) {
	body := map[string]any{
		"clientId":     reg.ClientID,
		"clientSecret": reg.ClientSecret,
		"deviceCode":   deviceCode,
		"grantType":    "urn:ietf:params:oauth:grant-type:device_code",
	}
	raw, err := c.postJSON(ctx, c.oidcBase+"/token", body)
	if err != nil {
		var oidcErr *oidcError
		if errors.As(err, &oidcErr) {
			switch oidcErr.code {
			case "authorization_pending":
				return nil, ErrAuthorizationPending
			case "slow_down":
				return nil, ErrSlowDown
			case "expired_token":
				return nil, ErrDeviceCodeExpired
			case "access_denied":
				return nil, ErrAccessDenied
			}
		}
		return nil, fmt.Errorf("create token: %w", err)
	}
	return c.tokenSetFromOIDC(raw, reg), nil
}

// PollDeviceToken polls until the user completes the verification, the
// device code expires, or ctx is done.
func (c *Client) PollDeviceToken(ctx context.Context, reg *Registration, auth *DeviceAuthorization) (*TokenSet, error) {
	interval := time.Duration(auth.Interval) * time.Second
	deadline := c.now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	for {
		if auth.ExpiresIn > 0 && c.now().After(deadline) {
			return nil, ErrDeviceCodeExpired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		tokens, err := c.CreateDeviceToken(ctx, reg, auth.DeviceCode)
		switch {
		case err == nil:
			return tokens, nil
		case errors.Is(err, ErrAuthorizationPending):
			continue
		case errors.Is(err, ErrSlowDown):
			interval += 5 * time.Second
			log.WithField("interval", interval).Debug("Device token polling slowed down")
			continue
		default:
			return nil, err
		}
	}
}

// RefreshIdC refreshes an IdC or Builder ID credential through the OIDC
// refresh grant. The registration must be the one the token was issued to.
func (c *Client) RefreshIdC(ctx context.Context, reg *Registration, refreshToken string) (*TokenSet, error) {
	body := map[string]any{
		"clientId":     reg.ClientID,
		"clientSecret": reg.ClientSecret,
		"refreshToken": refreshToken,
		"grantType":    "refresh_token",
	}
	raw, err := c.postJSON(ctx, c.oidcBase+"/token", body)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	ts := c.tokenSetFromOIDC(raw, reg)
	if ts.RefreshToken == "" {
		ts.RefreshToken = refreshToken
	}
	return ts, nil
}

func (c *Client) tokenSetFromOIDC(raw []byte, reg *Registration) *TokenSet {
	ts := &TokenSet{
		AccessToken:  gjson.GetBytes(raw, "accessToken").String(),
		RefreshToken: gjson.GetBytes(raw, "refreshToken").String(),
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		AuthKind:     "idc",
	}
	if expiresIn := gjson.GetBytes(raw, "expiresIn").Int(); expiresIn > 0 {
		ts.ExpiresAt = c.now().Add(time.Duration(expiresIn) * time.Second).UTC()
	}
	return ts
}

// Refresh renews a credential by its auth kind. Social tokens go through
// the desktop identity service; IdC and Builder ID tokens go through the
// OIDC refresh grant and need the client credentials they were issued to.
func (c *Client) Refresh(ctx context.Context, ts *TokenSet) (*TokenSet, error) {
	if ts.RefreshToken == "" {
		return nil, errors.New("refresh: no refresh token")
	}
	if ts.AuthKind == "social" {
		return c.RefreshSocial(ctx, ts.RefreshToken)
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return nil, errors.New("refresh: missing client registration for idc token")
	}
	reg := &Registration{ClientID: ts.ClientID, ClientSecret: ts.ClientSecret}
	renewed, err := c.RefreshIdC(ctx, reg, ts.RefreshToken)
	if err != nil {
		return nil, err
	}
	renewed.AuthKind = ts.AuthKind
	renewed.ProfileARN = ts.ProfileARN
	return renewed, nil
}

// oidcError carries the OIDC error code so device flow polling can branch
// on it.
type oidcError struct {
	status int
	code   string
	desc   string
}

func (e *oidcError) Error() string {
	if e.desc != "" {
		return fmt.Sprintf("oidc %s: %s (HTTP %d)", e.code, e.desc, e.status)
	}
	return fmt.Sprintf("oidc %s (HTTP %d)", e.code, e.status)
}

func (c *Client) postJSON(ctx context.Context, url string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		if code := gjson.GetBytes(raw, "error").String(); code != "" {
			return nil, &oidcError{
				status: resp.StatusCode,
				code:   code,
				desc:   gjson.GetBytes(raw, "error_description").String(),
			}
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateBody(raw))
	}
	return raw, nil
}

func truncateBody(raw []byte) string {
	const max = 512
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
