package kiro

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
)

// Social identity providers accepted by the desktop identity service.
const (
	ProviderGoogle = "Google"
	ProviderGithub = "Github"
)

// PKCE holds the verifier pair for one social login attempt.
type PKCE struct {
	Verifier  string
	Challenge string
	State     string
}

// NewPKCE generates a fresh S256 verifier, challenge, and state nonce.
func NewPKCE() (*PKCE, error) {
	verifier, err := randomURLSafe(32)
	if err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}
	state, err := randomURLSafe(16)
	if err != nil {
		return nil, fmt.Errorf("generate pkce state: %w", err)
	}
	sum := sha256.Sum256([]byte(verifier))
	return &PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
		State:     state,
	}, nil
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SocialLoginURL builds the browser URL that starts a social login.
func (c *Client) SocialLoginURL(provider, redirectURI string, pkce *PKCE) string {
	q := url.Values{}
	q.Set("idp", provider)
	q.Set("redirect_uri", redirectURI)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", pkce.State)
	return c.socialBase + "/login?" + q.Encode()
}

// ExchangeSocialCode trades the callback code for tokens.
func (c *Client) ExchangeSocialCode(ctx context.Context, code, verifier, redirectURI string) (*TokenSet, error) {
	body := map[string]any{
		"code":         code,
		"codeVerifier": verifier,
		"redirectUri":  redirectURI,
	}
	raw, err := c.postJSON(ctx, c.socialBase+"/oauth/token", body)
	if err != nil {
		return nil, fmt.Errorf("exchange social code: %w", err)
	}
	ts := c.tokenSetFromSocial(raw)
	if ts.AccessToken == "" {
		return nil, errors.New("exchange social code: response missing access token")
	}
	return ts, nil
}

// RefreshSocial refreshes a social credential.
func (c *Client) RefreshSocial(ctx context.Context, refreshToken string) (*TokenSet, error) {
	body := map[string]any{"refreshToken": refreshToken}
	raw, err := c.postJSON(ctx, c.socialBase+"/refreshToken", body)
	if err != nil {
		return nil, fmt.Errorf("refresh social token: %w", err)
	}
	ts := c.tokenSetFromSocial(raw)
	if ts.AccessToken == "" {
		return nil, errors.New("refresh social token: response missing access token")
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = refreshToken
	}
	return ts, nil
}

// tokenSetFromSocial reads the desktop identity service's camelCase payload.
// Expiry arrives either as expiresIn seconds or an expiresAt timestamp.
func (c *Client) tokenSetFromSocial(raw []byte) *TokenSet {
	ts := &TokenSet{
		AccessToken:  gjson.GetBytes(raw, "accessToken").String(),
		RefreshToken: gjson.GetBytes(raw, "refreshToken").String(),
		ProfileARN:   gjson.GetBytes(raw, "profileArn").String(),
		AuthKind:     "social",
	}
	if expiresIn := gjson.GetBytes(raw, "expiresIn").Int(); expiresIn > 0 {
		ts.ExpiresAt = c.now().Add(time.Duration(expiresIn) * time.Second).UTC()
	} else if expiresAt := gjson.GetBytes(raw, "expiresAt").String(); expiresAt != "" {
		if t, err := time.Parse(time.RFC3339, expiresAt); err == nil {
			ts.ExpiresAt = t.UTC()
		}
	}
	return ts
}
