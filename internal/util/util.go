// Package util holds small helpers shared across the proxy: path resolution
// and credential masking for logs and management responses.
package util

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// HomeDir returns the user home directory, falling back to the working
// directory when the home cannot be resolved.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		wd, _ := os.Getwd()
		return wd
	}
	return home
}

// StateDir returns the proxy's state directory (~/.kiro-proxy), creating it
// if needed.
func StateDir() (string, error) {
	dir := filepath.Join(HomeDir(), ".kiro-proxy")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// WritablePath returns a base directory suitable for spool files when the
// state directory cannot be used, preferring the state dir and falling back
// to the OS temp dir.
func WritablePath() string {
	if dir, err := StateDir(); err == nil {
		return dir
	}
	return os.TempDir()
}

var sensitiveQueryKeys = []string{"key", "token", "secret", "api_key", "apikey", "access_token", "code"}

// MaskSensitiveQuery replaces the values of credential-bearing query
// parameters so raw URLs are safe to log.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	changed := false
	for key := range values {
		lower := strings.ToLower(key)
		for _, sensitive := range sensitiveQueryKeys {
			if strings.Contains(lower, sensitive) {
				values.Set(key, "***")
				changed = true
				break
			}
		}
	}
	if !changed {
		return rawQuery
	}
	return values.Encode()
}

// MaskToken shortens a credential to its first and last few characters for
// display in account listings.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}
