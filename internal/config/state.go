package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kiroproxy/kiroproxy/internal/util"
)

// CurrentSchemaVersion is written into every saved state document.
const CurrentSchemaVersion = 1

// State is the persisted account document at ~/.kiro-proxy/config.json.
// Volatile account fields (health, in-flight count, last-used) are never
// part of it.
type State struct {
	SchemaVersion int             `json:"schema_version"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Accounts      []AccountRecord `json:"accounts"`
	Governor      GovernorToggles `json:"governor"`
	// TokenPaths lists extra directories scanned for importable token files.
	TokenPaths []string `json:"token_paths,omitempty"`
}

// AccountRecord is the persisted shape of one account.
type AccountRecord struct {
	ID           string            `json:"id"`
	Label        string            `json:"label,omitempty"`
	Provenance   string            `json:"provenance"`
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time         `json:"expires_at"`
	AuthKind     string            `json:"auth_kind"`
	Enabled      bool              `json:"enabled"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RequestCount int64             `json:"request_count,omitempty"`
	ErrorCount   int64             `json:"error_count,omitempty"`
	CreatedAt    time.Time         `json:"created_at,omitempty"`
}

// GovernorToggles are the per-strategy switches. Only ErrorRetry defaults on.
type GovernorToggles struct {
	AutoTruncate bool `json:"auto_truncate"`
	PreEstimate  bool `json:"pre_estimate"`
	SmartSummary bool `json:"smart_summary"`
	ErrorRetry   bool `json:"error_retry"`
}

// DefaultGovernorToggles returns the default strategy switches.
func DefaultGovernorToggles() GovernorToggles {
	return GovernorToggles{ErrorRetry: true}
}

// DefaultStatePath returns ~/.kiro-proxy/config.json.
func DefaultStatePath() string {
	return filepath.Join(util.HomeDir(), ".kiro-proxy", "config.json")
}

// DefaultState returns an empty document with default toggles.
func DefaultState() *State {
	return &State{
		SchemaVersion: CurrentSchemaVersion,
		Governor:      DefaultGovernorToggles(),
	}
}

// LoadState reads the state document. A missing file yields an empty state
// with defaults; a malformed file is an error so the operator notices before
// the proxy silently forgets accounts.
func LoadState(path string) (*State, error) {
	if path == "" {
		path = DefaultStatePath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{
				SchemaVersion: CurrentSchemaVersion,
				Governor:      DefaultGovernorToggles(),
			}, nil
		}
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if st.SchemaVersion == 0 {
		st.SchemaVersion = CurrentSchemaVersion
	}
	return &st, nil
}

// SaveState writes the document atomically: marshal, write to a temp file in
// the same directory, fsync, rename over the target.
func SaveState(path string, st *State) error {
	if path == "" {
		path = DefaultStatePath()
	}
	st.SchemaVersion = CurrentSchemaVersion
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp state: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
