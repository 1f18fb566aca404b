package management

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
)

// loginSessionTTL bounds how long an unfinished interactive login may be
// polled before it must be restarted.
const loginSessionTTL = 10 * time.Minute

type loginSession struct {
	id        string
	label     string
	reg       *kiro.Registration
	device    *kiro.DeviceAuthorization
	createdAt time.Time
}

type socialSession struct {
	provider    string
	label       string
	pkce        *kiro.PKCE
	redirectURI string
	createdAt   time.Time
}

func (h *Handler) sweepSessionsLocked(now time.Time) {
	for id, s := range h.logins {
		if now.Sub(s.createdAt) > loginSessionTTL {
			delete(h.logins, id)
		}
	}
	for state, s := range h.socials {
		if now.Sub(s.createdAt) > loginSessionTTL {
			delete(h.socials, state)
		}
	}
}

type loginStartRequest struct {
	Label string `json:"label"`
}

// StartLogin begins a device-code login and hands the caller the code to
// show the user.
// POST /api/kiro/login/start
func (h *Handler) StartLogin(c *gin.Context) {
	var req loginStartRequest
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	reg, err := h.kiro.RegisterClient(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "client registration failed: " + err.Error()})
		return
	}
	device, err := h.kiro.StartDeviceAuthorization(ctx, reg)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": "device authorization failed: " + err.Error()})
		return
	}

	session := &loginSession{
		id:        uuid.NewString(),
		label:     req.Label,
		reg:       reg,
		device:    device,
		createdAt: time.Now(),
	}
	h.mu.Lock()
	h.sweepSessionsLocked(session.createdAt)
	h.logins[session.id] = session
	h.mu.Unlock()

	log.WithField("session", session.id).Info("device login started")
	c.JSON(http.StatusOK, gin.H{
		"ok":                        true,
		"session_id":                session.id,
		"user_code":                 device.UserCode,
		"verification_uri":          device.VerificationURI,
		"verification_uri_complete": device.VerificationURIComplete,
		"expires_in":                device.ExpiresIn,
		"interval":                  device.Interval,
	})
}

type loginPollRequest struct {
	SessionID string `json:"session_id"`
}

// PollLogin makes one token attempt for a pending device login. The
// caller is expected to poll at the interval returned from start.
// POST /api/kiro/login/poll
func (h *Handler) PollLogin(c *gin.Context) {
	var req loginPollRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		badRequest(c, "session_id is required")
		return
	}

	h.mu.Lock()
	h.sweepSessionsLocked(time.Now())
	session := h.logins[req.SessionID]
	h.mu.Unlock()
	if session == nil {
		notFound(c, "unknown or expired login session")
		return
	}

	ts, err := h.kiro.CreateDeviceToken(c.Request.Context(), session.reg, session.device.DeviceCode)
	switch {
	case errors.Is(err, kiro.ErrAuthorizationPending):
		c.JSON(http.StatusOK, gin.H{"ok": true, "completed": false, "status": "pending"})
		return
	case errors.Is(err, kiro.ErrSlowDown):
		c.JSON(http.StatusOK, gin.H{"ok": true, "completed": false, "status": "slow_down"})
		return
	case errors.Is(err, kiro.ErrDeviceCodeExpired):
		h.dropLogin(req.SessionID)
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "device code expired, start over"})
		return
	case errors.Is(err, kiro.ErrAccessDenied):
		h.dropLogin(req.SessionID)
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "authorization was denied"})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}

	h.dropLogin(req.SessionID)
	acc, merged, err := h.store.Add(auth.AddOptions{
		Label:       session.label,
		Provenance:  auth.ProvenanceDeviceCode,
		Credentials: envelopeFromTokenSet(ts),
		Metadata:    metadataFromTokenSet(ts),
	})
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	log.WithFields(log.Fields{"account": acc.ID, "merged": merged}).Info("device login completed")
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"completed":  true,
		"account_id": acc.ID,
		"merged":     merged,
	})
}

// CancelLogin abandons a pending device login session.
// POST /api/kiro/login/cancel
func (h *Handler) CancelLogin(c *gin.Context) {
	var req loginPollRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		badRequest(c, "session_id is required")
		return
	}
	h.dropLogin(req.SessionID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) dropLogin(id string) {
	h.mu.Lock()
	delete(h.logins, id)
	h.mu.Unlock()
}

type socialStartRequest struct {
	Provider    string `json:"provider"`
	Label       string `json:"label"`
	RedirectURI string `json:"redirect_uri"`
}

// StartSocialLogin builds the browser URL for a Google or GitHub login
// and parks the PKCE verifier under the state nonce.
// POST /api/kiro/social/start
func (h *Handler) StartSocialLogin(c *gin.Context) {
	var req socialStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	provider, err := normalizeProvider(req.Provider)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	pkce, err := kiro.NewPKCE()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = "http://" + c.Request.Host + "/"
	}

	session := &socialSession{
		provider:    provider,
		label:       req.Label,
		pkce:        pkce,
		redirectURI: redirectURI,
		createdAt:   time.Now(),
	}
	h.mu.Lock()
	h.sweepSessionsLocked(session.createdAt)
	h.socials[pkce.State] = session
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"provider":  provider,
		"login_url": h.kiro.SocialLoginURL(provider, redirectURI, pkce),
		"state":     pkce.State,
	})
}

type socialExchangeRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// ExchangeSocialLogin trades the callback code for tokens and registers
// the account.
// POST /api/kiro/social/exchange
func (h *Handler) ExchangeSocialLogin(c *gin.Context) {
	var req socialExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" || req.State == "" {
		badRequest(c, "code and state are required")
		return
	}

	h.mu.Lock()
	session := h.socials[req.State]
	delete(h.socials, req.State)
	h.mu.Unlock()
	if session == nil {
		notFound(c, "unknown or expired social login session")
		return
	}

	ts, err := h.kiro.ExchangeSocialCode(c.Request.Context(), req.Code, session.pkce.Verifier, session.redirectURI)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}

	provenance := auth.ProvenanceSocialGoogle
	if session.provider == kiro.ProviderGithub {
		provenance = auth.ProvenanceSocialGithub
	}
	acc, merged, err := h.store.Add(auth.AddOptions{
		Label:       session.label,
		Provenance:  provenance,
		Credentials: envelopeFromTokenSet(ts),
		Metadata:    metadataFromTokenSet(ts),
	})
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	log.WithFields(log.Fields{"account": acc.ID, "provider": session.provider}).Info("social login completed")
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"completed":  true,
		"account_id": acc.ID,
		"provider":   session.provider,
		"merged":     merged,
	})
}

func normalizeProvider(p string) (string, error) {
	switch p {
	case kiro.ProviderGoogle, "google":
		return kiro.ProviderGoogle, nil
	case kiro.ProviderGithub, "github":
		return kiro.ProviderGithub, nil
	}
	return "", errors.New("provider must be Google or Github")
}

func envelopeFromTokenSet(ts *kiro.TokenSet) auth.CredentialEnvelope {
	return auth.CredentialEnvelope{
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		ExpiresAt:    ts.ExpiresAt,
		AuthKind:     ts.AuthKind,
	}
}

// metadataFromTokenSet keeps the refresh-relevant extras: the IdC client
// registration the refresher replays, and the profile ARN.
func metadataFromTokenSet(ts *kiro.TokenSet) map[string]string {
	md := map[string]string{}
	if ts.ClientID != "" {
		md["client_id"] = ts.ClientID
	}
	if ts.ClientSecret != "" {
		md["client_secret"] = ts.ClientSecret
	}
	if ts.ProfileARN != "" {
		md["profile_arn"] = ts.ProfileARN
	}
	if len(md) == 0 {
		return nil
	}
	return md
}
