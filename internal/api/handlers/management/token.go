package management

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/util"
)

// scannedCard describes one token file found on disk.
type scannedCard struct {
	Path            string    `json:"path"`
	Name            string    `json:"name"`
	Provider        string    `json:"provider,omitempty"`
	AuthKind        string    `json:"auth_kind"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	Expired         bool      `json:"expired"`
	TokenPreview    string    `json:"token_preview,omitempty"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	AlreadyAdded    bool      `json:"already_added"`
}

func (h *Handler) scanDirs() []string {
	if paths := h.store.TokenPaths(); len(paths) > 0 {
		return paths
	}
	return kiro.DefaultScanDirs()
}

// knownToken reports whether a scanned token already backs a pooled
// account, either by access token or by recorded source path.
func (h *Handler) knownToken(tok kiro.ScannedToken) bool {
	for _, acc := range h.store.List() {
		if acc.Credentials.AccessToken == tok.Tokens.AccessToken {
			return true
		}
		if acc.Metadata != nil && acc.Metadata["token_path"] == tok.Source {
			return true
		}
	}
	return false
}

func (h *Handler) scannedCards(tokens []kiro.ScannedToken) []scannedCard {
	now := time.Now()
	cards := make([]scannedCard, 0, len(tokens))
	for _, tok := range tokens {
		cards = append(cards, scannedCard{
			Path:            tok.Source,
			Name:            filepath.Base(tok.Source),
			Provider:        tok.Provider,
			AuthKind:        tok.Tokens.AuthKind,
			ExpiresAt:       tok.Tokens.ExpiresAt,
			Expired:         !tok.Tokens.ExpiresAt.IsZero() && tok.Tokens.ExpiresAt.Before(now),
			TokenPreview:    util.MaskToken(tok.Tokens.AccessToken),
			HasRefreshToken: tok.Tokens.RefreshToken != "",
			AlreadyAdded:    h.knownToken(tok),
		})
	}
	return cards
}

// ScanTokens walks the configured token directories and reports every
// credential file found, without importing anything.
// POST /api/token/scan
func (h *Handler) ScanTokens(c *gin.Context) {
	tokens := kiro.Scan(h.scanDirs()...)
	c.JSON(http.StatusOK, gin.H{
		"ok":     true,
		"tokens": h.scannedCards(tokens),
	})
}

type addFromScanRequest struct {
	Path  string `json:"path"`
	Label string `json:"label"`
}

// AddFromScan imports one previously scanned token file as an account.
// POST /api/token/add-from-scan
func (h *Handler) AddFromScan(c *gin.Context) {
	var req addFromScanRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Path == "" {
		badRequest(c, "path is required")
		return
	}

	// Rescan the file's directory so both desktop and SSO cache layouts
	// parse the same way they did during discovery.
	var found *kiro.ScannedToken
	for _, tok := range kiro.Scan(filepath.Dir(req.Path)) {
		if tok.Source == req.Path {
			t := tok
			found = &t
			break
		}
	}
	if found == nil {
		notFound(c, "no usable token at "+req.Path)
		return
	}

	label := req.Label
	if label == "" {
		label = filepath.Base(req.Path)
	}
	acc, merged, err := h.store.Add(auth.AddOptions{
		Label:      label,
		Provenance: auth.ProvenanceScanned,
		Credentials: auth.CredentialEnvelope{
			AccessToken:  found.Tokens.AccessToken,
			RefreshToken: found.Tokens.RefreshToken,
			ExpiresAt:    found.Tokens.ExpiresAt,
			AuthKind:     found.Tokens.AuthKind,
		},
		Metadata: scanMetadata(found),
	})
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	log.WithFields(log.Fields{"account": acc.ID, "path": req.Path, "merged": merged}).
		Info("scanned token imported")
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"account": cardFor(acc, time.Now()),
		"merged":  merged,
	})
}

func scanMetadata(tok *kiro.ScannedToken) map[string]string {
	md := metadataFromTokenSet(tok.Tokens)
	if md == nil {
		md = map[string]string{}
	}
	md["token_path"] = tok.Source
	return md
}

// refreshCheckRow reports one account's token expiry standing.
type refreshCheckRow struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Valid           bool      `json:"valid"`
	ExpiringSoon    bool      `json:"expiring_soon"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	AuthKind        string    `json:"auth_kind"`
	HasRefreshToken bool      `json:"has_refresh_token"`
}

// RefreshCheck reports which accounts hold valid, expiring, or expired
// access tokens against the configured refresh lead.
// GET /api/token/refresh-check
func (h *Handler) RefreshCheck(c *gin.Context) {
	lead := h.getConfig().Refresh.GetLead()
	now := time.Now()
	accounts := h.store.List()
	rows := make([]refreshCheckRow, 0, len(accounts))
	for _, acc := range accounts {
		exp := acc.Credentials.ExpiresAt
		row := refreshCheckRow{
			ID:              acc.ID,
			Name:            acc.Label,
			ExpiresAt:       exp,
			AuthKind:        acc.Credentials.AuthKind,
			HasRefreshToken: acc.Credentials.RefreshToken != "",
		}
		if exp.IsZero() {
			// No recorded expiry reads as valid until proven otherwise.
			row.Valid = true
		} else {
			row.Valid = exp.After(now)
			row.ExpiringSoon = row.Valid && exp.Before(now.Add(lead))
		}
		rows = append(rows, row)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": rows})
}
