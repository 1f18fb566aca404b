package kiro

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kiroproxy/kiroproxy/internal/util"
)

// TokenStorage mirrors the JSON layout the Kiro desktop app writes, so
// tokens saved by the proxy stay interchangeable with the app's own files.
type TokenStorage struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Region       string `json:"region,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
}

// TokenDir returns ~/.kiro-proxy/tokens, creating it on first use.
func TokenDir() (string, error) {
	base, err := util.StateDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "tokens")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create token dir: %w", err)
	}
	return dir, nil
}

// ToStorage converts a token set into the on-disk layout.
func (ts *TokenSet) ToStorage(provider string) *TokenStorage {
	st := &TokenStorage{
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		AuthMethod:   ts.AuthKind,
		Provider:     provider,
		Region:       "us-east-1",
		ProfileARN:   ts.ProfileARN,
	}
	if !ts.ExpiresAt.IsZero() {
		st.ExpiresAt = ts.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return st
}

// TokenSet converts the on-disk layout back into a token set.
func (st *TokenStorage) TokenSet() *TokenSet {
	ts := &TokenSet{
		AccessToken:  st.AccessToken,
		RefreshToken: st.RefreshToken,
		ClientID:     st.ClientID,
		ClientSecret: st.ClientSecret,
		ProfileARN:   st.ProfileARN,
		AuthKind:     st.AuthMethod,
	}
	if ts.AuthKind == "" {
		if st.ClientID != "" {
			ts.AuthKind = "idc"
		} else {
			ts.AuthKind = "social"
		}
	}
	if st.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, st.ExpiresAt); err == nil {
			ts.ExpiresAt = t.UTC()
		}
	}
	return ts
}

// SaveTokenFile writes the storage JSON under the proxy's token directory.
// The name should be stable per account so re-login overwrites rather than
// accumulates.
func SaveTokenFile(name string, st *TokenStorage) (string, error) {
	dir, err := TokenDir()
	if err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode token file: %w", err)
	}
	path := filepath.Join(dir, name+".json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}
	return path, nil
}

// LoadTokenFile reads one storage JSON file.
func LoadTokenFile(path string) (*TokenStorage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st TokenStorage
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", filepath.Base(path), err)
	}
	return &st, nil
}
