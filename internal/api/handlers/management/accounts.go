package management

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/util"
)

// accountCard is the list/detail view of one account. Raw tokens never
// leave the server through this surface, only the masked preview.
type accountCard struct {
	ID              string    `json:"id"`
	Label           string    `json:"label,omitempty"`
	Email           string    `json:"email,omitempty"`
	Provenance      string    `json:"provenance"`
	AuthKind        string    `json:"auth_kind"`
	Enabled         bool      `json:"enabled"`
	Health          string    `json:"health"`
	UnhealthyReason string    `json:"unhealthy_reason,omitempty"`
	CooldownSecs    int64     `json:"cooldown_remaining_seconds,omitempty"`
	InFlight        int64     `json:"in_flight"`
	RequestCount    int64     `json:"request_count"`
	ErrorCount      int64     `json:"error_count"`
	LastError       string    `json:"last_error,omitempty"`
	LastUsedAt      time.Time `json:"last_used_at,omitempty"`
	LastRefreshed   time.Time `json:"last_refreshed,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	TokenPreview    string    `json:"token_preview,omitempty"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	QuotaRemaining  *float64  `json:"quota_remaining,omitempty"`
	BalanceStatus   string    `json:"balance_status,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func cardFor(acc *auth.Account, now time.Time) accountCard {
	card := accountCard{
		ID:              acc.ID,
		Label:           acc.Label,
		Email:           acc.Email(),
		Provenance:      acc.Provenance,
		AuthKind:        acc.Credentials.AuthKind,
		Enabled:         acc.Enabled,
		Health:          string(acc.Health(now)),
		UnhealthyReason: acc.UnhealthyReason,
		InFlight:        acc.InFlight,
		RequestCount:    acc.RequestCount,
		ErrorCount:      acc.ErrorCount,
		LastError:       acc.LastError,
		LastUsedAt:      acc.LastUsedAt,
		LastRefreshed:   acc.LastRefreshed,
		ExpiresAt:       acc.Credentials.ExpiresAt,
		TokenPreview:    util.MaskToken(acc.Credentials.AccessToken),
		HasRefreshToken: acc.Credentials.RefreshToken != "",
		CreatedAt:       acc.CreatedAt,
	}
	if d := acc.CooldownDeadline.Sub(now); d > 0 {
		card.CooldownSecs = int64(d.Seconds() + 0.5)
	}
	if acc.Quota != nil {
		remaining := acc.Quota.Remaining
		card.QuotaRemaining = &remaining
		card.BalanceStatus = acc.Quota.BalanceStatus
	}
	return card
}

// ListAccounts reports every pooled account as a card.
// GET /api/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	now := time.Now()
	accounts := h.store.List()
	cards := make([]accountCard, 0, len(accounts))
	for _, acc := range accounts {
		cards = append(cards, cardFor(acc, now))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": cards})
}

type addAccountRequest struct {
	Label        string `json:"label"`
	TokenPath    string `json:"token_path"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at"`
	AuthKind     string `json:"auth_kind"`
	ProfileARN   string `json:"profile_arn"`
	Email        string `json:"email"`
}

// AddAccount registers an account from a desktop token file or from
// inline credentials.
// POST /api/accounts
func (h *Handler) AddAccount(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	opts := auth.AddOptions{
		Label:      req.Label,
		Provenance: auth.ProvenanceManual,
		Metadata:   map[string]string{},
	}
	switch {
	case req.TokenPath != "":
		st, err := kiro.LoadTokenFile(req.TokenPath)
		if err != nil {
			badRequest(c, "token file unreadable: "+err.Error())
			return
		}
		ts := st.TokenSet()
		opts.Credentials = envelopeFromTokenSet(ts)
		for k, v := range metadataFromTokenSet(ts) {
			opts.Metadata[k] = v
		}
		opts.Metadata["token_path"] = req.TokenPath
	case req.AccessToken != "":
		env := auth.CredentialEnvelope{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			AuthKind:     req.AuthKind,
		}
		if env.AuthKind == "" {
			env.AuthKind = auth.AuthKindSocial
		}
		if req.ExpiresAt != "" {
			at, err := time.Parse(time.RFC3339, req.ExpiresAt)
			if err != nil {
				badRequest(c, "expires_at must be RFC 3339")
				return
			}
			env.ExpiresAt = at
		}
		opts.Credentials = env
		if req.ProfileARN != "" {
			opts.Metadata["profile_arn"] = req.ProfileARN
		}
	default:
		badRequest(c, "either token_path or access_token is required")
		return
	}
	if req.Email != "" {
		opts.Metadata["email"] = req.Email
	}

	acc, merged, err := h.store.Add(opts)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	log.WithFields(log.Fields{"account": acc.ID, "merged": merged}).Info("account added via management API")
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"account": cardFor(acc, time.Now()),
		"merged":  merged,
	})
}

// DeleteAccount removes an account from the pool.
// DELETE /api/accounts/{id}
func (h *Handler) DeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Remove(id); err != nil {
		notFound(c, err.Error())
		return
	}
	log.WithField("account", id).Info("account removed via management API")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ToggleAccount flips the enabled flag.
// POST /api/accounts/{id}/toggle
func (h *Handler) ToggleAccount(c *gin.Context) {
	id := c.Param("id")
	acc, err := h.store.Get(id)
	if err != nil {
		notFound(c, err.Error())
		return
	}
	enabled := !acc.Enabled
	if err := h.store.SetEnabled(id, enabled); err != nil {
		notFound(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "enabled": enabled})
}

// RefreshAccount forces a token refresh for one account.
// POST /api/accounts/{id}/refresh
func (h *Handler) RefreshAccount(c *gin.Context) {
	if h.refresher == nil {
		unavailable(c, "refresher is not wired")
		return
	}
	id := c.Param("id")
	if _, err := h.store.Get(id); err != nil {
		notFound(c, err.Error())
		return
	}
	if err := h.refresher.RefreshAccount(c.Request.Context(), id, true); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "message": "token refreshed"})
}

// RestoreAccount clears unhealthy and cooldown standing so the account
// is immediately selectable again.
// POST /api/accounts/{id}/restore
func (h *Handler) RestoreAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.MarkActive(id); err != nil {
		notFound(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// AccountUsage reports the upstream quota standing for one account.
// GET /api/accounts/{id}/usage?force=true
func (h *Handler) AccountUsage(c *gin.Context) {
	if h.quota == nil {
		unavailable(c, "quota service is not wired")
		return
	}
	id := c.Param("id")
	acc, err := h.store.Get(id)
	if err != nil {
		notFound(c, err.Error())
		return
	}
	force := c.Query("force") == "true"
	u, err := h.quota.Account(c.Request.Context(), id, force)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"account_id":   acc.ID,
		"account_name": acc.Label,
		"usage":        u,
	})
}

// RefreshAllAccounts forces a refresh across the pool.
// POST /api/accounts/refresh-all
func (h *Handler) RefreshAllAccounts(c *gin.Context) {
	if h.refresher == nil {
		unavailable(c, "refresher is not wired")
		return
	}
	refreshed, failed := h.refresher.RefreshAll(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"refreshed": refreshed,
		"failed":    failed,
	})
}
