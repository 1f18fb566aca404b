package management

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/flows"
	"github.com/kiroproxy/kiroproxy/internal/logging"
	"github.com/kiroproxy/kiroproxy/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nopPersister struct{}

func (nopPersister) Save(context.Context, *config.State) error { return nil }

type testRig struct {
	handler *Handler
	engine  *gin.Engine
	store   *auth.Store
	flows   *flows.Recorder
	tracker *usage.Tracker
}

func newTestRig(t *testing.T, mutate func(*Options)) *testRig {
	t.Helper()
	store := auth.NewStore(nopPersister{})
	rec := flows.New(100, time.Hour)
	tracker := usage.NewTracker()
	opts := Options{
		Store:   store,
		Flows:   rec,
		Tracker: tracker,
		Version: "test",
	}
	if mutate != nil {
		mutate(&opts)
	}
	h := NewHandler(opts)

	engine := gin.New()
	api := engine.Group("/api")
	api.GET("/status", h.GetStatus)
	api.GET("/stats", h.GetStats)
	api.GET("/stats/detailed", h.GetStatsDetailed)
	api.GET("/quota", h.GetQuota)
	api.GET("/logs", h.GetLogs)
	api.GET("/logs/stream", h.StreamLogs)
	api.GET("/accounts", h.ListAccounts)
	api.POST("/accounts", h.AddAccount)
	api.POST("/accounts/refresh-all", h.RefreshAllAccounts)
	api.DELETE("/accounts/:id", h.DeleteAccount)
	api.POST("/accounts/:id/toggle", h.ToggleAccount)
	api.POST("/accounts/:id/refresh", h.RefreshAccount)
	api.POST("/accounts/:id/restore", h.RestoreAccount)
	api.GET("/accounts/:id/usage", h.AccountUsage)
	api.POST("/token/scan", h.ScanTokens)
	api.POST("/token/add-from-scan", h.AddFromScan)
	api.GET("/token/refresh-check", h.RefreshCheck)
	api.POST("/kiro/login/start", h.StartLogin)
	api.POST("/kiro/login/poll", h.PollLogin)
	api.POST("/kiro/login/cancel", h.CancelLogin)
	api.POST("/kiro/social/start", h.StartSocialLogin)
	api.POST("/kiro/social/exchange", h.ExchangeSocialLogin)
	api.GET("/flows", h.ListFlows)
	api.GET("/flows/stream", h.StreamFlows)
	api.GET("/flows/:id", h.GetFlow)
	api.POST("/flows/:id/bookmark", h.BookmarkFlow)
	api.DELETE("/flows", h.ClearFlows)
	api.GET("/config/export", h.ExportConfig)
	api.POST("/config/import", h.ImportConfig)

	return &testRig{handler: h, engine: engine, store: store, flows: rec, tracker: tracker}
}

func (r *testRig) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, req)
	return w
}

func (r *testRig) addAccount(t *testing.T, label, token string) *auth.Account {
	t.Helper()
	acc, _, err := r.store.Add(auth.AddOptions{
		Label: label,
		Credentials: auth.CredentialEnvelope{
			AccessToken:  token,
			RefreshToken: "refresh-" + token,
			ExpiresAt:    time.Now().Add(time.Hour),
			AuthKind:     auth.AuthKindSocial,
		},
	})
	require.NoError(t, err)
	return acc
}

func TestGetStatus(t *testing.T) {
	r := newTestRig(t, nil)
	r.addAccount(t, "one", "tok-1")

	w := r.do(http.MethodGet, "/api/status", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, gjson.Get(body, "ok").Bool())
	assert.Equal(t, "test", gjson.Get(body, "version").String())
	assert.Equal(t, int64(1), gjson.Get(body, "accounts.total").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "accounts.active").Int())
	assert.False(t, gjson.Get(body, "last_persist_error").Exists())
}

func TestGetStats(t *testing.T) {
	r := newTestRig(t, nil)
	r.addAccount(t, "one", "tok-1")
	r.tracker.Record(usage.Event{
		Protocol: "openai", Model: "claude-sonnet-4", AccountID: "a",
		InputTokens: 100, OutputTokens: 20, LatencyMs: 50,
	})
	r.tracker.Record(usage.Event{
		Protocol: "claude", Model: "claude-sonnet-4", AccountID: "a",
		LatencyMs: 10, Failed: true,
	})

	w := r.do(http.MethodGet, "/api/stats", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, int64(2), gjson.Get(body, "total_requests").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "total_errors").Int())
	assert.Equal(t, "50.0%", gjson.Get(body, "error_rate").String())
	assert.Equal(t, int64(100), gjson.Get(body, "input_tokens").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "accounts_total").Int())

	w = r.do(http.MethodGet, "/api/stats/detailed", "")
	require.Equal(t, http.StatusOK, w.Code)
	detailed := w.Body.String()
	assert.Equal(t, int64(1), gjson.Get(detailed, "protocols.openai.requests").Int())
	assert.Equal(t, int64(1), gjson.Get(detailed, "protocols.claude.requests").Int())
}

func TestGetLogsNewestFirst(t *testing.T) {
	logging.GlobalBuffer.Clear()
	for i, msg := range []string{"first", "second", "third"} {
		logging.GlobalBuffer.Write(logging.LogEntry{
			Timestamp: time.Now().Add(time.Duration(i) * time.Second),
			Level:     "info",
			Message:   msg,
		})
	}
	r := newTestRig(t, nil)

	w := r.do(http.MethodGet, "/api/logs?limit=2", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, int64(3), gjson.Get(body, "total").Int())
	logs := gjson.Get(body, "logs").Array()
	require.Len(t, logs, 2)
	assert.Equal(t, "third", logs[0].Get("message").String())
	assert.Equal(t, "second", logs[1].Get("message").String())
}

func TestAccountLifecycle(t *testing.T) {
	r := newTestRig(t, nil)

	w := r.do(http.MethodPost, "/api/accounts", `{
		"label": "work",
		"access_token": "tok-inline",
		"refresh_token": "refresh-inline",
		"auth_kind": "social",
		"email": "dev@example.com"
	}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, gjson.Get(body, "ok").Bool())
	assert.False(t, gjson.Get(body, "merged").Bool())
	id := gjson.Get(body, "account.id").String()
	require.NotEmpty(t, id)

	w = r.do(http.MethodGet, "/api/accounts", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = w.Body.String()
	cards := gjson.Get(body, "accounts").Array()
	require.Len(t, cards, 1)
	assert.Equal(t, "work", cards[0].Get("label").String())
	assert.Equal(t, "dev@example.com", cards[0].Get("email").String())
	assert.Equal(t, "active", cards[0].Get("health").String())
	assert.True(t, cards[0].Get("has_refresh_token").Bool())
	assert.Equal(t, "****", cards[0].Get("token_preview").String())
	// Credentials must not leak through the card view.
	assert.NotContains(t, body, "tok-inline")
	assert.NotContains(t, body, "refresh-inline")

	w = r.do(http.MethodPost, "/api/accounts/"+id+"/toggle", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "enabled").Bool())

	w = r.do(http.MethodPost, "/api/accounts/"+id+"/toggle", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "enabled").Bool())

	require.NoError(t, r.store.MarkUnhealthy(id, "refresh failed"))
	w = r.do(http.MethodPost, "/api/accounts/"+id+"/restore", "")
	require.Equal(t, http.StatusOK, w.Code)
	acc, err := r.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, auth.HealthActive, acc.Health(time.Now()))

	w = r.do(http.MethodDelete, "/api/accounts/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, r.store.Count())

	w = r.do(http.MethodDelete, "/api/accounts/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddAccountRequiresCredentials(t *testing.T) {
	r := newTestRig(t, nil)

	w := r.do(http.MethodPost, "/api/accounts", `{"label":"empty"}`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "token_path or access_token")
}

func TestAddAccountMergesDuplicates(t *testing.T) {
	r := newTestRig(t, nil)
	r.addAccount(t, "orig", "tok-dup")

	w := r.do(http.MethodPost, "/api/accounts", `{"access_token":"tok-dup","refresh_token":"r","auth_kind":"social"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "merged").Bool())
	assert.Equal(t, 1, r.store.Count())
}

func TestRefreshCheck(t *testing.T) {
	r := newTestRig(t, nil)
	fresh := r.addAccount(t, "fresh", "tok-fresh")
	soon, _, err := r.store.Add(auth.AddOptions{
		Label: "soon",
		Credentials: auth.CredentialEnvelope{
			AccessToken:  "tok-soon",
			RefreshToken: "r",
			ExpiresAt:    time.Now().Add(5 * time.Minute),
			AuthKind:     auth.AuthKindSocial,
		},
	})
	require.NoError(t, err)

	w := r.do(http.MethodGet, "/api/token/refresh-check", "")

	require.Equal(t, http.StatusOK, w.Code)
	rows := gjson.Get(w.Body.String(), "accounts").Array()
	require.Len(t, rows, 2)
	byID := map[string]gjson.Result{}
	for _, row := range rows {
		byID[row.Get("id").String()] = row
	}
	assert.True(t, byID[fresh.ID].Get("valid").Bool())
	assert.False(t, byID[fresh.ID].Get("expiring_soon").Bool())
	assert.True(t, byID[soon.ID].Get("valid").Bool())
	assert.True(t, byID[soon.ID].Get("expiring_soon").Bool())
}

func writeTokenFixture(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	payload := map[string]string{
		"accessToken":  "scan-tok",
		"refreshToken": "scan-refresh",
		"expiresAt":    time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"authMethod":   "social",
		"provider":     "Google",
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestScanAndImportToken(t *testing.T) {
	dir := t.TempDir()
	path := writeTokenFixture(t, dir, "kiro-auth-token.json")
	r := newTestRig(t, nil)
	r.store.SetTokenPaths([]string{dir})

	w := r.do(http.MethodPost, "/api/token/scan", "")
	require.Equal(t, http.StatusOK, w.Code)
	tokens := gjson.Get(w.Body.String(), "tokens").Array()
	require.Len(t, tokens, 1)
	assert.Equal(t, path, tokens[0].Get("path").String())
	assert.Equal(t, "social", tokens[0].Get("auth_kind").String())
	assert.True(t, tokens[0].Get("has_refresh_token").Bool())
	assert.False(t, tokens[0].Get("already_added").Bool())

	w = r.do(http.MethodPost, "/api/token/add-from-scan", `{"path":"`+path+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	id := gjson.Get(w.Body.String(), "account.id").String()
	require.NotEmpty(t, id)

	acc, err := r.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, auth.ProvenanceScanned, acc.Provenance)
	assert.Equal(t, path, acc.Metadata["token_path"])
	assert.Equal(t, "scan-tok", acc.Credentials.AccessToken)

	w = r.do(http.MethodPost, "/api/token/scan", "")
	require.Equal(t, http.StatusOK, w.Code)
	tokens = gjson.Get(w.Body.String(), "tokens").Array()
	require.Len(t, tokens, 1)
	assert.True(t, tokens[0].Get("already_added").Bool())
}

func TestAddFromScanUnknownPath(t *testing.T) {
	r := newTestRig(t, nil)

	w := r.do(http.MethodPost, "/api/token/add-from-scan", `{"path":"`+filepath.Join(t.TempDir(), "missing.json")+`"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// stubOIDC fakes the SSO OIDC endpoints for device login tests. The
// token endpoint reports pending until approve is flipped.
type stubOIDC struct {
	approved atomic.Bool
	polls    atomic.Int64
}

func (s *stubOIDC) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/client/register":
		json.NewEncoder(w).Encode(map[string]any{
			"clientId":              "client-1",
			"clientSecret":          "secret-1",
			"clientSecretExpiresAt": time.Now().Add(24 * time.Hour).Unix(),
		})
	case "/device_authorization":
		json.NewEncoder(w).Encode(map[string]any{
			"deviceCode":              "device-1",
			"userCode":                "WXYZ-1234",
			"verificationUri":         "https://device.sso.test/activate",
			"verificationUriComplete": "https://device.sso.test/activate?user_code=WXYZ-1234",
			"expiresIn":               600,
			"interval":                1,
		})
	case "/token":
		s.polls.Add(1)
		if !s.approved.Load() {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "device-access",
			"refreshToken": "device-refresh",
			"expiresIn":    3600,
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestDeviceLoginFlow(t *testing.T) {
	stub := &stubOIDC{}
	srv := httptest.NewServer(http.HandlerFunc(stub.serve))
	defer srv.Close()

	r := newTestRig(t, func(o *Options) {
		o.Kiro = kiro.NewClient(kiro.WithBaseURLs(srv.URL, ""))
	})

	w := r.do(http.MethodPost, "/api/kiro/login/start", `{"label":"builder"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	session := gjson.Get(body, "session_id").String()
	require.NotEmpty(t, session)
	assert.Equal(t, "WXYZ-1234", gjson.Get(body, "user_code").String())
	assert.Equal(t, int64(1), gjson.Get(body, "interval").Int())

	w = r.do(http.MethodPost, "/api/kiro/login/poll", `{"session_id":"`+session+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body = w.Body.String()
	assert.True(t, gjson.Get(body, "ok").Bool())
	assert.False(t, gjson.Get(body, "completed").Bool())
	assert.Equal(t, "pending", gjson.Get(body, "status").String())

	stub.approved.Store(true)
	w = r.do(http.MethodPost, "/api/kiro/login/poll", `{"session_id":"`+session+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body = w.Body.String()
	assert.True(t, gjson.Get(body, "completed").Bool())
	id := gjson.Get(body, "account_id").String()
	require.NotEmpty(t, id)

	acc, err := r.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, auth.ProvenanceDeviceCode, acc.Provenance)
	assert.Equal(t, "builder", acc.Label)
	assert.Equal(t, "device-access", acc.Credentials.AccessToken)
	assert.Equal(t, "client-1", acc.Metadata["client_id"])

	// The session is spent after completion.
	w = r.do(http.MethodPost, "/api/kiro/login/poll", `{"session_id":"`+session+`"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoginCancel(t *testing.T) {
	stub := &stubOIDC{}
	srv := httptest.NewServer(http.HandlerFunc(stub.serve))
	defer srv.Close()

	r := newTestRig(t, func(o *Options) {
		o.Kiro = kiro.NewClient(kiro.WithBaseURLs(srv.URL, ""))
	})

	w := r.do(http.MethodPost, "/api/kiro/login/start", `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	session := gjson.Get(w.Body.String(), "session_id").String()

	w = r.do(http.MethodPost, "/api/kiro/login/cancel", `{"session_id":"`+session+`"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = r.do(http.MethodPost, "/api/kiro/login/poll", `{"session_id":"`+session+`"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSocialLoginFlow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "social-access",
			"refreshToken": "social-refresh",
			"expiresIn":    3600,
			"profileArn":   "arn:aws:codewhisperer:us-east-1:1:profile/p",
		})
	}))
	defer srv.Close()

	r := newTestRig(t, func(o *Options) {
		o.Kiro = kiro.NewClient(kiro.WithBaseURLs("", srv.URL))
	})

	w := r.do(http.MethodPost, "/api/kiro/social/start", `{"provider":"github","label":"gh"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	state := gjson.Get(body, "state").String()
	require.NotEmpty(t, state)
	assert.Equal(t, "Github", gjson.Get(body, "provider").String())
	loginURL := gjson.Get(body, "login_url").String()
	assert.Contains(t, loginURL, "idp=Github")
	assert.Contains(t, loginURL, "code_challenge_method=S256")

	w = r.do(http.MethodPost, "/api/kiro/social/exchange", `{"code":"cb-code","state":"`+state+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	body = w.Body.String()
	assert.True(t, gjson.Get(body, "completed").Bool())
	id := gjson.Get(body, "account_id").String()

	acc, err := r.store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, auth.ProvenanceSocialGithub, acc.Provenance)
	assert.Equal(t, "social-access", acc.Credentials.AccessToken)
	assert.NotEmpty(t, acc.Metadata["profile_arn"])

	// State nonces are single use.
	w = r.do(http.MethodPost, "/api/kiro/social/exchange", `{"code":"cb-code","state":"`+state+`"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSocialStartRejectsUnknownProvider(t *testing.T) {
	r := newTestRig(t, nil)

	w := r.do(http.MethodPost, "/api/kiro/social/start", `{"provider":"gitlab"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFlowInspector(t *testing.T) {
	r := newTestRig(t, nil)
	fl := r.flows.Begin("openai", "claude-sonnet-4")
	fl.SetAccount("acc-1")
	fl.Finish("")
	failed := r.flows.Begin("claude", "claude-opus-4.5")
	failed.Finish("upstream_unavailable")

	w := r.do(http.MethodGet, "/api/flows", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, int64(2), gjson.Get(body, "total").Int())
	require.Len(t, gjson.Get(body, "flows").Array(), 2)

	w = r.do(http.MethodGet, "/api/flows?errors=true", "")
	records := gjson.Get(w.Body.String(), "flows").Array()
	require.Len(t, records, 1)
	assert.Equal(t, "failed", records[0].Get("status").String())

	w = r.do(http.MethodGet, "/api/flows/"+fl.ID(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "openai", gjson.Get(w.Body.String(), "client_protocol").String())

	w = r.do(http.MethodPost, "/api/flows/"+fl.ID()+"/bookmark", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "bookmarked").Bool())

	// Clear keeps the bookmarked record unless all=true.
	w = r.do(http.MethodDelete, "/api/flows", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), gjson.Get(w.Body.String(), "removed").Int())
	assert.Equal(t, 1, r.flows.Len())

	w = r.do(http.MethodDelete, "/api/flows?all=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, r.flows.Len())

	w = r.do(http.MethodGet, "/api/flows/"+fl.ID(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFlowStreamWebsocket(t *testing.T) {
	r := newTestRig(t, nil)
	srv := httptest.NewServer(r.engine)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/flows/stream"
	conn, resp, err := ws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the handler a beat to register its subscription.
	time.Sleep(100 * time.Millisecond)
	fl := r.flows.Begin("gemini", "claude-sonnet-4")
	fl.Finish("")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var sawFinished bool
	for i := 0; i < 2; i++ {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		if gjson.GetBytes(msg, "status").String() == "completed" {
			assert.Equal(t, "gemini", gjson.GetBytes(msg, "client_protocol").String())
			sawFinished = true
			break
		}
	}
	assert.True(t, sawFinished)
}

func TestExportImportRoundtrip(t *testing.T) {
	source := newTestRig(t, nil)
	source.addAccount(t, "one", "tok-1")
	source.addAccount(t, "two", "tok-2")
	source.store.SetGovernor(config.GovernorToggles{AutoTruncate: true, ErrorRetry: true})

	w := source.do(http.MethodGet, "/api/config/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	exported := w.Body.String()
	assert.True(t, gjson.Get(exported, "ok").Bool())
	require.Equal(t, int64(2), gjson.Get(exported, "state.accounts.#").Int())

	target := newTestRig(t, nil)
	w = target.do(http.MethodPost, "/api/config/import", exported)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, int64(2), gjson.Get(body, "added").Int())
	assert.Equal(t, int64(0), gjson.Get(body, "merged").Int())
	assert.Equal(t, 2, target.store.Count())
	assert.True(t, target.store.Governor().AutoTruncate)

	// Importing again merges instead of duplicating.
	w = target.do(http.MethodPost, "/api/config/import", exported)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), gjson.Get(w.Body.String(), "merged").Int())
	assert.Equal(t, 2, target.store.Count())
}

func TestImportRejectsEmptyState(t *testing.T) {
	r := newTestRig(t, nil)

	w := r.do(http.MethodPost, "/api/config/import", `{"state":{"accounts":[]}}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQuotaUnavailableWithoutService(t *testing.T) {
	r := newTestRig(t, nil)

	w := r.do(http.MethodGet, "/api/quota", "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
