package kiro

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/util"
)

// ScannedToken is one credential discovered on disk.
type ScannedToken struct {
	Source   string
	Provider string
	Tokens   *TokenSet
}

// ssoRegistration is an AWS SSO cache client registration file.
type ssoRegistration struct {
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret"`
	ExpiresAt    string   `json:"expiresAt"`
	Scopes       []string `json:"scopes"`
}

// ssoToken is an AWS SSO cache access token file.
type ssoToken struct {
	StartURL     string `json:"startUrl"`
	Region       string `json:"region"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
}

// DefaultScanDirs returns the directories scanned when no extra paths are
// configured: the proxy's own token directory and the AWS SSO cache.
func DefaultScanDirs() []string {
	home := util.HomeDir()
	return []string{
		filepath.Join(home, ".kiro-proxy", "tokens"),
		filepath.Join(home, ".aws", "sso", "cache"),
	}
}

// Scan walks the given directories for Kiro-usable credentials. The AWS SSO
// cache is read only; the scanner never rewrites or deletes files there.
// IdC tokens found without client credentials borrow them from a
// registration file in the same directory whose scopes cover CodeWhisperer.
func Scan(dirs ...string) []ScannedToken {
	if len(dirs) == 0 {
		dirs = DefaultScanDirs()
	}
	var found []ScannedToken
	for _, dir := range dirs {
		found = append(found, scanDir(dir)...)
	}
	return found
}

func scanDir(dir string) []ScannedToken {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).WithField("dir", dir).Debug("Token scan skipped directory")
		}
		return nil
	}

	var (
		tokens       []ScannedToken
		registration *ssoRegistration
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		// Registration files carry client credentials but no access token.
		var reg ssoRegistration
		if err := json.Unmarshal(raw, &reg); err == nil &&
			reg.ClientID != "" && reg.ClientSecret != "" && !hasAccessToken(raw) {
			if coversCodeWhisperer(reg.Scopes) && registrationValid(&reg) {
				registration = &reg
			}
			continue
		}

		if st := parseTokenPayload(raw, entry.Name()); st != nil {
			tokens = append(tokens, ScannedToken{
				Source:   path,
				Provider: st.Provider,
				Tokens:   st.TokenSet(),
			})
		}
	}

	// Attach the directory's registration to IdC tokens that lack client
	// credentials; the OIDC refresh grant needs them.
	if registration != nil {
		for i := range tokens {
			ts := tokens[i].Tokens
			if ts.AuthKind != "social" && ts.ClientID == "" {
				ts.ClientID = registration.ClientID
				ts.ClientSecret = registration.ClientSecret
			}
		}
	}
	return tokens
}

func hasAccessToken(raw []byte) bool {
	var probe struct {
		AccessToken string `json:"accessToken"`
	}
	return json.Unmarshal(raw, &probe) == nil && probe.AccessToken != ""
}

func registrationValid(reg *ssoRegistration) bool {
	if reg.ExpiresAt == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, reg.ExpiresAt)
	if err != nil {
		return true
	}
	return time.Now().Before(t)
}

func coversCodeWhisperer(scopes []string) bool {
	for _, s := range scopes {
		if strings.HasPrefix(s, "codewhisperer:") {
			return true
		}
	}
	return false
}

// parseTokenPayload accepts both the Kiro desktop layout and the plain AWS
// SSO cache token layout.
func parseTokenPayload(raw []byte, filename string) *TokenStorage {
	var st TokenStorage
	if err := json.Unmarshal(raw, &st); err != nil || st.AccessToken == "" {
		return nil
	}
	if st.AuthMethod != "" || strings.EqualFold(filename, "kiro-auth-token.json") {
		return &st
	}

	// Plain SSO cache entry: usable when it carries a refresh token, since
	// an access token alone expires within the hour.
	var sso ssoToken
	if err := json.Unmarshal(raw, &sso); err != nil || sso.RefreshToken == "" {
		return nil
	}
	st.AuthMethod = "idc"
	st.RefreshToken = sso.RefreshToken
	if st.Region == "" {
		st.Region = sso.Region
	}
	return &st
}
