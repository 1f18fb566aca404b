package usage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/auth"
)

// Usage-limits endpoint of the CodeWhisperer service.
const (
	quotaEndpoint    = "https://codewhisperer.us-east-1.amazonaws.com/getUsageLimits"
	quotaTarget      = "AmazonCodeWhispererService.GetUsageLimits"
	quotaContentType = "application/x-amz-json-1.0"
)

// Quota source values.
const (
	SourceHeaders = "headers"
	SourceAPI     = "api"
)

// AccountUsage is one account's quota standing as served by the
// management API.
type AccountUsage struct {
	AccountID       string     `json:"account_id"`
	Label           string     `json:"label,omitempty"`
	Limit           float64    `json:"limit"`
	Used            float64    `json:"used"`
	Remaining       float64    `json:"remaining"`
	BalanceStatus   string     `json:"balance_status,omitempty"`
	ResetAt         *time.Time `json:"reset_at,omitempty"`
	Subscription    string     `json:"subscription,omitempty"`
	FreeTrialStatus string     `json:"free_trial_status,omitempty"`
	FreeTrialExpiry *time.Time `json:"free_trial_expiry,omitempty"`
	FetchedAt       time.Time  `json:"fetched_at"`
	Source          string     `json:"source"`
	Error           string     `json:"error,omitempty"`
}

// QuotaService caches per-account quota standing. Opportunistic header
// harvests from the upstream client land here; on-demand lookups hit
// the usage-limits API, coalesced so concurrent callers share one
// fetch.
type QuotaService struct {
	store    *auth.Store
	client   *http.Client
	endpoint string
	ttl      time.Duration
	now      func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]AccountUsage
}

// QuotaOption configures a QuotaService.
type QuotaOption func(*QuotaService)

// WithQuotaEndpoint overrides the usage-limits endpoint, for tests.
func WithQuotaEndpoint(url string) QuotaOption {
	return func(s *QuotaService) { s.endpoint = url }
}

// WithQuotaHTTPClient overrides the HTTP client.
func WithQuotaHTTPClient(c *http.Client) QuotaOption {
	return func(s *QuotaService) { s.client = c }
}

// NewQuotaService builds a quota service over the account store.
func NewQuotaService(store *auth.Store, ttl time.Duration, opts ...QuotaOption) *QuotaService {
	if ttl <= 0 {
		ttl = time.Minute
	}
	s := &QuotaService{
		store:    store,
		client:   &http.Client{Timeout: 30 * time.Second},
		endpoint: quotaEndpoint,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]AccountUsage),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Harvest ingests a header-derived snapshot from the upstream client.
// It refreshes both the account store and the local cache.
func (s *QuotaService) Harvest(accountID string, snap auth.QuotaSnapshot) {
	s.store.SetQuota(accountID, snap)

	usage := AccountUsage{
		AccountID:     accountID,
		Limit:         snap.Total,
		Remaining:     snap.Remaining,
		BalanceStatus: snap.BalanceStatus,
		FetchedAt:     snap.ObservedAt,
		Source:        SourceHeaders,
	}
	if snap.Total > snap.Remaining {
		usage.Used = snap.Total - snap.Remaining
	}
	if !snap.ResetAt.IsZero() {
		reset := snap.ResetAt
		usage.ResetAt = &reset
	}
	if acc, err := s.store.Get(accountID); err == nil {
		usage.Label = acc.Label
	}

	s.mu.Lock()
	s.cache[accountID] = usage
	s.mu.Unlock()
}

// Account returns one account's quota, fetching from the usage-limits
// API when the cached value is stale or force is set.
func (s *QuotaService) Account(ctx context.Context, accountID string, force bool) (AccountUsage, error) {
	if !force {
		s.mu.RLock()
		cached, ok := s.cache[accountID]
		s.mu.RUnlock()
		if ok && s.now().Sub(cached.FetchedAt) < s.ttl {
			return cached, nil
		}
	}

	v, err, _ := s.group.Do(accountID, func() (interface{}, error) {
		return s.fetch(ctx, accountID)
	})
	if err != nil {
		return AccountUsage{}, err
	}
	return v.(AccountUsage), nil
}

// All returns the quota standing of every account. Per-account fetch
// failures are carried in the entry rather than failing the listing.
func (s *QuotaService) All(ctx context.Context, force bool) []AccountUsage {
	accounts := s.store.List()
	out := make([]AccountUsage, 0, len(accounts))
	for _, acc := range accounts {
		usage, err := s.Account(ctx, acc.ID, force)
		if err != nil {
			usage = AccountUsage{
				AccountID: acc.ID,
				Label:     acc.Label,
				Error:     err.Error(),
				FetchedAt: s.now(),
			}
		}
		out = append(out, usage)
	}
	return out
}

func (s *QuotaService) fetch(ctx context.Context, accountID string) (AccountUsage, error) {
	acc, err := s.store.Get(accountID)
	if err != nil {
		return AccountUsage{}, err
	}
	if acc.Credentials.AccessToken == "" {
		return AccountUsage{}, apperr.AuthenticationFailed("account has no access token", nil)
	}

	payload := map[string]string{}
	if arn := acc.ProfileARN(); arn != "" {
		payload["profileArn"] = arn
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return AccountUsage{}, apperr.Internal("encode usage-limits request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return AccountUsage{}, apperr.Internal("build usage-limits request", err)
	}
	req.Header.Set("Content-Type", quotaContentType)
	req.Header.Set("X-Amz-Target", quotaTarget)
	req.Header.Set("Authorization", "Bearer "+acc.Credentials.AccessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return AccountUsage{}, apperr.UpstreamUnavailable("usage-limits request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AccountUsage{}, apperr.UpstreamUnavailable("read usage-limits response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return AccountUsage{}, apperr.AuthenticationFailed("usage-limits auth rejected", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return AccountUsage{}, apperr.RateLimitedAll("usage-limits rate limited")
	default:
		return AccountUsage{}, apperr.UpstreamUnavailable(fmt.Sprintf("usage-limits status %d", resp.StatusCode), nil)
	}

	usage := s.parseUsage(acc, raw)

	// A response without a limit says nothing about the balance; do
	// not overwrite the store with a bogus exhausted snapshot.
	if usage.Limit > 0 {
		snap := auth.NewQuotaSnapshot(usage.Remaining, usage.Limit, derefTime(usage.ResetAt))
		s.store.SetQuota(accountID, snap)
		usage.BalanceStatus = snap.BalanceStatus
	}

	s.mu.Lock()
	s.cache[accountID] = usage
	s.mu.Unlock()

	log.WithFields(log.Fields{
		"account":   acc.Label,
		"remaining": usage.Remaining,
		"limit":     usage.Limit,
		"status":    usage.BalanceStatus,
	}).Debug("Fetched usage limits")
	return usage, nil
}

// parseUsage tolerates both the flat and the limits-array response
// shapes the service has used.
func (s *QuotaService) parseUsage(acc *auth.Account, raw []byte) AccountUsage {
	root := gjson.ParseBytes(raw)

	limit := root.Get("usageLimit").Float()
	used := root.Get("currentUsage").Float()
	reset := root.Get("nextDateReset")
	if !root.Get("usageLimit").Exists() {
		if arr := root.Get("limits"); arr.IsArray() && len(arr.Array()) > 0 {
			first := arr.Array()[0]
			limit = first.Get("value").Float()
			used = first.Get("currentUsage").Float()
			reset = first.Get("nextDateReset")
		}
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	usage := AccountUsage{
		AccountID:       acc.ID,
		Label:           acc.Label,
		Limit:           limit,
		Used:            used,
		Remaining:       remaining,
		Subscription:    strings.TrimSpace(root.Get("subscriptionInfo.title").String()),
		FreeTrialStatus: strings.TrimSpace(root.Get("freeTrialInfo.status").String()),
		FetchedAt:       s.now(),
		Source:          SourceAPI,
	}
	if t, ok := parseFlexibleTime(reset); ok {
		usage.ResetAt = &t
	}
	if t, ok := parseFlexibleTime(root.Get("freeTrialInfo.expiryDate")); ok {
		usage.FreeTrialExpiry = &t
	}
	return usage
}

// parseFlexibleTime accepts RFC3339 strings or unix epoch numbers.
func parseFlexibleTime(v gjson.Result) (time.Time, bool) {
	if !v.Exists() {
		return time.Time{}, false
	}
	if v.Type == gjson.String {
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			return t, true
		}
		return time.Time{}, false
	}
	if sec := v.Int(); sec > 0 {
		return time.Unix(sec, 0).UTC(), true
	}
	return time.Time{}, false
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
