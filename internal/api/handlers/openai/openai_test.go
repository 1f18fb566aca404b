package openai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/api/handlers"
	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/flows"
	"github.com/kiroproxy/kiroproxy/internal/orchestrator"
	"github.com/kiroproxy/kiroproxy/internal/registry"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type nopPersister struct{}

func (nopPersister) Save(context.Context, *config.State) error { return nil }

type fakeUpstream struct {
	execute func(acc *auth.Account, req *translator.Request) (*translator.Result, error)
	stream  func(acc *auth.Account, req *translator.Request) (<-chan translator.StreamEvent, error)
}

func (f *fakeUpstream) Execute(_ context.Context, acc *auth.Account, req *translator.Request) (*translator.Result, error) {
	return f.execute(acc, req)
}

func (f *fakeUpstream) ExecuteStream(_ context.Context, acc *auth.Account, req *translator.Request) (<-chan translator.StreamEvent, error) {
	return f.stream(acc, req)
}

type rig struct {
	engine *gin.Engine
	flows  *flows.Recorder
}

func newRig(t *testing.T, accounts int, up *fakeUpstream) *rig {
	t.Helper()
	store := auth.NewStore(nopPersister{})
	for i := 0; i < accounts; i++ {
		_, _, err := store.Add(auth.AddOptions{
			Label: "acc",
			Credentials: auth.CredentialEnvelope{
				AccessToken: "tok",
				ExpiresAt:   time.Now().Add(time.Hour),
				AuthKind:    auth.AuthKindSocial,
			},
		})
		require.NoError(t, err)
	}
	rec := flows.New(100, time.Hour)
	orch := orchestrator.New(orchestrator.Options{
		Store:    store,
		Selector: auth.NewSelector(store, time.Minute),
		Upstream: up,
		Flows:    rec,
	})
	h := NewHandler(handlers.NewBase(orch, nil, nil))
	engine := gin.New()
	engine.POST("/v1/chat/completions", h.ChatCompletions)
	engine.GET("/v1/models", h.Models)
	return &rig{engine: engine, flows: rec}
}

func (r *rig) post(body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, req)
	return w
}

func streamOf(events ...translator.StreamEvent) <-chan translator.StreamEvent {
	ch := make(chan translator.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestChatCompletionsNonStream(t *testing.T) {
	up := &fakeUpstream{
		execute: func(_ *auth.Account, req *translator.Request) (*translator.Result, error) {
			assert.Equal(t, registry.ModelSonnet4, req.Model)
			return &translator.Result{
				Text:       "Hello there",
				StopReason: "end_turn",
				Usage:      translator.Usage{InputTokens: 12, OutputTokens: 4},
			}, nil
		},
	}
	r := newRig(t, 1, up)

	w := r.post(`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "chat.completion", gjson.Get(body, "object").String())
	assert.Equal(t, "claude-sonnet-4", gjson.Get(body, "model").String())
	assert.Equal(t, "Hello there", gjson.Get(body, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.Get(body, "choices.0.finish_reason").String())
	assert.Equal(t, int64(12), gjson.Get(body, "usage.prompt_tokens").Int())
	assert.Equal(t, int64(16), gjson.Get(body, "usage.total_tokens").Int())

	recs := r.flows.List(flows.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, flows.StatusCompleted, recs[0].Status)
	assert.Greater(t, recs[0].BytesOut, int64(0))
}

func TestChatCompletionsEchoesRequestedAlias(t *testing.T) {
	up := &fakeUpstream{
		execute: func(_ *auth.Account, req *translator.Request) (*translator.Result, error) {
			assert.Equal(t, registry.ModelSonnet4, req.Model)
			return &translator.Result{Text: "ok", StopReason: "end_turn"}, nil
		},
	}
	r := newRig(t, 1, up)

	w := r.post(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gpt-4o", gjson.Get(w.Body.String(), "model").String())
}

func TestSessionHeaderOverridesBodyKey(t *testing.T) {
	var seen []string
	up := &fakeUpstream{
		execute: func(_ *auth.Account, req *translator.Request) (*translator.Result, error) {
			seen = append(seen, req.SessionKey)
			return &translator.Result{Text: "ok", StopReason: "end_turn"}, nil
		},
	}
	r := newRig(t, 1, up)
	body := `{"model":"claude-sonnet-4","user":"body-key","messages":[{"role":"user","content":"hi"}]}`

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-Id", "header-key")
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = r.post(body)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, seen, 2)
	assert.Equal(t, "header-key", seen[0])
	assert.Equal(t, "body-key", seen[1])
}

func TestChatCompletionsStream(t *testing.T) {
	up := &fakeUpstream{
		stream: func(_ *auth.Account, _ *translator.Request) (<-chan translator.StreamEvent, error) {
			return streamOf(
				translator.StreamEvent{Kind: translator.EventTextDelta, Text: "Hel"},
				translator.StreamEvent{Kind: translator.EventTextDelta, Text: "lo"},
				translator.StreamEvent{
					Kind:       translator.EventDone,
					StopReason: "end_turn",
					Usage:      &translator.Usage{InputTokens: 9, OutputTokens: 2},
				},
			), nil
		},
	}
	r := newRig(t, 1, up)

	w := r.post(`{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, `"object":"chat.completion.chunk"`)
	assert.Contains(t, body, `"content":"Hel"`)
	assert.Contains(t, body, `"content":"lo"`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	recs := r.flows.List(flows.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, flows.StatusCompleted, recs[0].Status)
}

func TestChatCompletionsMalformedBody(t *testing.T) {
	r := newRig(t, 1, &fakeUpstream{})

	w := r.post(`{"model":`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := w.Body.String()
	assert.Equal(t, "invalid_request_error", gjson.Get(body, "error.type").String())
	assert.NotEmpty(t, gjson.Get(body, "error.message").String())

	recs := r.flows.List(flows.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, flows.StatusFailed, recs[0].Status)
}

func TestChatCompletionsNoAccounts(t *testing.T) {
	r := newRig(t, 0, &fakeUpstream{})

	w := r.post(`{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "no_account_available", gjson.Get(w.Body.String(), "error.code").String())
}

func TestModels(t *testing.T) {
	r := newRig(t, 1, &fakeUpstream{})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Equal(t, "list", gjson.Get(body, "object").String())
	assert.Equal(t, int64(len(registry.AllModels())), gjson.Get(body, "data.#").Int())
	assert.True(t, gjson.Get(body, `data.#(id=="claude-sonnet-4")`).Exists())
	assert.True(t, gjson.Get(body, `data.#(id=="gpt-4o")`).Exists())
}
