package usage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/config"
)

type nopPersister struct{}

func (nopPersister) Save(_ context.Context, _ *config.State) error { return nil }

func newQuotaStore(t *testing.T) (*auth.Store, string) {
	t.Helper()
	store := auth.NewStore(nopPersister{})
	acc, _, err := store.Add(auth.AddOptions{
		Label: "work@example.com",
		Credentials: auth.CredentialEnvelope{
			AccessToken:  "tok-1",
			RefreshToken: "ref-1",
			ExpiresAt:    time.Now().Add(time.Hour),
			AuthKind:     auth.AuthKindSocial,
		},
		Metadata: map[string]string{"profile_arn": "arn:aws:codewhisperer:us-east-1:123456789012:profile/p1"},
	})
	require.NoError(t, err)
	return store, acc.ID
}

func newQuotaService(t *testing.T, store *auth.Store, handler http.HandlerFunc) *QuotaService {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewQuotaService(store, time.Minute,
		WithQuotaEndpoint(server.URL),
		WithQuotaHTTPClient(server.Client()),
	)
}

func TestHarvestPopulatesCacheAndStore(t *testing.T) {
	store, id := newQuotaStore(t)
	svc := NewQuotaService(store, time.Minute)

	svc.Harvest(id, auth.NewQuotaSnapshot(80, 100, time.Time{}))

	usage, err := svc.Account(context.Background(), id, false)
	require.NoError(t, err)
	assert.Equal(t, SourceHeaders, usage.Source)
	assert.Equal(t, 100.0, usage.Limit)
	assert.Equal(t, 80.0, usage.Remaining)
	assert.Equal(t, 20.0, usage.Used)
	assert.Equal(t, auth.BalanceNormal, usage.BalanceStatus)
	assert.Equal(t, "work@example.com", usage.Label)

	acc, err := store.Get(id)
	require.NoError(t, err)
	require.NotNil(t, acc.Quota)
	assert.Equal(t, 80.0, acc.Quota.Remaining)
}

func TestAccountFetchesFromAPI(t *testing.T) {
	store, id := newQuotaStore(t)

	hits := 0
	svc := newQuotaService(t, store, func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, quotaTarget, r.Header.Get("X-Amz-Target"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, gjson.GetBytes(body, "profileArn").String(), "profile/p1")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"usageLimit": 100,
			"currentUsage": 87.5,
			"nextDateReset": "2026-09-01T00:00:00Z",
			"subscriptionInfo": {"title": "Kiro Pro"},
			"freeTrialInfo": {"status": "EXPIRED"}
		}`))
	})

	usage, err := svc.Account(context.Background(), id, true)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
	assert.Equal(t, SourceAPI, usage.Source)
	assert.Equal(t, 100.0, usage.Limit)
	assert.Equal(t, 87.5, usage.Used)
	assert.Equal(t, 12.5, usage.Remaining)
	assert.Equal(t, auth.BalanceLow, usage.BalanceStatus)
	assert.Equal(t, "Kiro Pro", usage.Subscription)
	assert.Equal(t, "EXPIRED", usage.FreeTrialStatus)
	require.NotNil(t, usage.ResetAt)
	assert.Equal(t, 2026, usage.ResetAt.Year())

	// The fresh result is served from cache.
	_, err = svc.Account(context.Background(), id, false)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	acc, err := store.Get(id)
	require.NoError(t, err)
	require.NotNil(t, acc.Quota)
	assert.Equal(t, auth.BalanceLow, acc.Quota.BalanceStatus)
}

func TestAccountParsesLimitsArray(t *testing.T) {
	store, id := newQuotaStore(t)

	svc := newQuotaService(t, store, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"limits":[{"type":"CREDIT","value":50,"currentUsage":10,"nextDateReset":1767225600}]}`))
	})

	usage, err := svc.Account(context.Background(), id, true)
	require.NoError(t, err)
	assert.Equal(t, 50.0, usage.Limit)
	assert.Equal(t, 10.0, usage.Used)
	assert.Equal(t, 40.0, usage.Remaining)
	assert.Equal(t, auth.BalanceNormal, usage.BalanceStatus)
	require.NotNil(t, usage.ResetAt)
	assert.Equal(t, int64(1767225600), usage.ResetAt.Unix())
}

func TestAccountAuthFailure(t *testing.T) {
	store, id := newQuotaStore(t)

	svc := newQuotaService(t, store, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := svc.Account(context.Background(), id, true)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindAuthenticationFailed))
}

func TestAllCollectsPerAccountErrors(t *testing.T) {
	store, id := newQuotaStore(t)

	svc := newQuotaService(t, store, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	all := svc.All(context.Background(), true)
	require.Len(t, all, 1)
	assert.Equal(t, id, all[0].AccountID)
	assert.Equal(t, "work@example.com", all[0].Label)
	assert.NotEmpty(t, all[0].Error)
}

func TestAccountUnknown(t *testing.T) {
	store, _ := newQuotaStore(t)
	svc := NewQuotaService(store, time.Minute)

	_, err := svc.Account(context.Background(), "missing", true)
	assert.Error(t, err)
}
