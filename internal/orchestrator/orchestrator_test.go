package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/flows"
	"github.com/kiroproxy/kiroproxy/internal/registry"
	"github.com/kiroproxy/kiroproxy/internal/runtime/executor"
	"github.com/kiroproxy/kiroproxy/internal/translator"
	_ "github.com/kiroproxy/kiroproxy/internal/translator/openai"
	"github.com/kiroproxy/kiroproxy/internal/usage"
)

type nopPersister struct{}

func (nopPersister) Save(context.Context, *config.State) error { return nil }

type attempt struct {
	account  string
	messages int
}

// scriptedUpstream records every call and answers from the injected
// per-call functions.
type scriptedUpstream struct {
	mu      sync.Mutex
	calls   []attempt
	execute func(n int, acc *auth.Account, req *translator.Request) (*translator.Result, error)
	stream  func(n int, acc *auth.Account, req *translator.Request) (<-chan translator.StreamEvent, error)
}

func (s *scriptedUpstream) record(acc *auth.Account, req *translator.Request) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, attempt{account: acc.ID, messages: len(req.Messages)})
	return len(s.calls)
}

func (s *scriptedUpstream) attempts() []attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]attempt(nil), s.calls...)
}

func (s *scriptedUpstream) Execute(_ context.Context, acc *auth.Account, req *translator.Request) (*translator.Result, error) {
	n := s.record(acc, req)
	return s.execute(n, acc, req)
}

func (s *scriptedUpstream) ExecuteStream(_ context.Context, acc *auth.Account, req *translator.Request) (<-chan translator.StreamEvent, error) {
	n := s.record(acc, req)
	return s.stream(n, acc, req)
}

type testRig struct {
	orch    *Orchestrator
	store   *auth.Store
	flows   *flows.Recorder
	tracker *usage.Tracker
	up      *scriptedUpstream
}

func newRig(t *testing.T, accounts int, up *scriptedUpstream) *testRig {
	t.Helper()
	store := auth.NewStore(nopPersister{})
	for i := 0; i < accounts; i++ {
		_, _, err := store.Add(auth.AddOptions{
			Label: fmt.Sprintf("acc-%d", i+1),
			Credentials: auth.CredentialEnvelope{
				AccessToken:  fmt.Sprintf("tok-%d", i+1),
				RefreshToken: "refresh",
				ExpiresAt:    time.Now().Add(time.Hour),
				AuthKind:     auth.AuthKindSocial,
			},
		})
		require.NoError(t, err)
	}
	rec := flows.New(100, time.Hour)
	tracker := usage.NewTracker()
	orch := New(Options{
		Store:    store,
		Selector: auth.NewSelector(store, time.Minute),
		Upstream: up,
		Flows:    rec,
		Tracker:  tracker,
	})
	return &testRig{orch: orch, store: store, flows: rec, tracker: tracker, up: up}
}

func (r *testRig) exchange(msgs ...translator.Message) *Exchange {
	req := &translator.Request{
		Model:          registry.ModelSonnet4,
		RequestedModel: registry.ModelSonnet4,
		ModelKnown:     true,
		Messages:       msgs,
		SessionKey:     "sess-1",
	}
	fl := r.flows.Begin(translator.FormatOpenAI.String(), req.RequestedModel)
	fl.SetModel(req.Model)
	return &Exchange{Format: translator.FormatOpenAI, Request: req, Flow: fl}
}

func turns(n int) []translator.Message {
	msgs := make([]translator.Message, 0, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			msgs = append(msgs, translator.UserText(fmt.Sprintf("turn %02d", i)))
		} else {
			msgs = append(msgs, translator.AssistantText(fmt.Sprintf("turn %02d", i)))
		}
	}
	return msgs
}

func okResult() *translator.Result {
	return &translator.Result{
		Text:       "hello",
		Usage:      translator.Usage{InputTokens: 12, OutputTokens: 5},
		StopReason: translator.StopEndTurn,
	}
}

func eventsOf(evs ...translator.StreamEvent) <-chan translator.StreamEvent {
	ch := make(chan translator.StreamEvent, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch
}

func upstreamErr(cat executor.Category, status int, msg string) error {
	return &executor.UpstreamError{Category: cat, Status: status, Message: msg}
}

func TestExecuteHappyPath(t *testing.T) {
	up := &scriptedUpstream{
		execute: func(int, *auth.Account, *translator.Request) (*translator.Result, error) {
			return okResult(), nil
		},
	}
	rig := newRig(t, 1, up)
	ex := rig.exchange(turns(1)...)

	res, err := rig.orch.Execute(context.Background(), ex)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)

	accs := rig.store.List()
	require.Len(t, accs, 1)
	assert.Zero(t, accs[0].InFlight)
	assert.Equal(t, int64(1), accs[0].RequestCount)
	assert.Zero(t, accs[0].ErrorCount)

	// Success leaves the flow open for the handler's byte accounting.
	rec, ok := rig.flows.Get(ex.Flow.ID())
	require.True(t, ok)
	assert.Equal(t, flows.StatusRunning, rec.Status)
	assert.Equal(t, accs[0].ID, rec.AccountID)
	assert.Contains(t, rec.Notes, fmt.Sprintf("attempt 1 on %s", accs[0].ID))

	snap := rig.tracker.Snapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.SuccessCount)
	assert.Equal(t, int64(12), snap.InputTokens)
	assert.Equal(t, int64(5), snap.OutputTokens)
	assert.Zero(t, snap.EstimatedCount)
}

func TestExecuteEstimatesMissingUsage(t *testing.T) {
	up := &scriptedUpstream{
		execute: func(int, *auth.Account, *translator.Request) (*translator.Result, error) {
			return &translator.Result{Text: "four token answer here", StopReason: translator.StopEndTurn}, nil
		},
	}
	rig := newRig(t, 1, up)

	_, err := rig.orch.Execute(context.Background(), rig.exchange(turns(1)...))
	require.NoError(t, err)

	snap := rig.tracker.Snapshot()
	assert.Equal(t, int64(1), snap.EstimatedCount)
	assert.Greater(t, snap.InputTokens, int64(0))
	assert.Greater(t, snap.OutputTokens, int64(0))
}

func TestExecuteRotatesOnRateLimit(t *testing.T) {
	up := &scriptedUpstream{
		execute: func(n int, _ *auth.Account, _ *translator.Request) (*translator.Result, error) {
			if n == 1 {
				return nil, upstreamErr(executor.CategoryRateLimited, 429, "throttled")
			}
			return okResult(), nil
		},
	}
	rig := newRig(t, 2, up)
	ex := rig.exchange(turns(1)...)

	res, err := rig.orch.Execute(context.Background(), ex)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)

	calls := rig.up.attempts()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].account, calls[1].account)

	first, err := rig.store.Get(calls[0].account)
	require.NoError(t, err)
	assert.Equal(t, auth.HealthCooldown, first.Health(time.Now()))
	assert.Zero(t, first.InFlight)

	rec, _ := rig.flows.Get(ex.Flow.ID())
	assert.Contains(t, rec.Notes, fmt.Sprintf("rate limited on %s, cooling down", calls[0].account))
}

func TestExecuteAuthFailureMarksUnhealthy(t *testing.T) {
	up := &scriptedUpstream{
		execute: func(n int, _ *auth.Account, _ *translator.Request) (*translator.Result, error) {
			if n == 1 {
				return nil, upstreamErr(executor.CategoryAuthFailed, 403, "token rejected")
			}
			return okResult(), nil
		},
	}
	rig := newRig(t, 2, up)

	_, err := rig.orch.Execute(context.Background(), rig.exchange(turns(1)...))
	require.NoError(t, err)

	calls := rig.up.attempts()
	require.Len(t, calls, 2)
	first, err := rig.store.Get(calls[0].account)
	require.NoError(t, err)
	assert.Equal(t, auth.HealthUnhealthy, first.Health(time.Now()))
}

func TestExecuteAllRateLimitedSurfaces(t *testing.T) {
	up := &scriptedUpstream{
		execute: func(int, *auth.Account, *translator.Request) (*translator.Result, error) {
			return nil, upstreamErr(executor.CategoryRateLimited, 429, "throttled")
		},
	}
	rig := newRig(t, 2, up)
	ex := rig.exchange(turns(1)...)

	_, err := rig.orch.Execute(context.Background(), ex)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindRateLimitedAll))
	assert.Len(t, rig.up.attempts(), 2)

	rec, _ := rig.flows.Get(ex.Flow.ID())
	assert.Equal(t, flows.StatusFailed, rec.Status)
	assert.Equal(t, string(apperr.KindRateLimitedAll), rec.ErrorKind)

	snap := rig.tracker.Snapshot()
	assert.Equal(t, int64(1), snap.FailureCount)
}

func TestExecuteCooldownPoolReadsAsRateLimited(t *testing.T) {
	// Every account sits in cooldown before the request arrives. The
	// selection failure must read as a rate limit, not as an
	// unconfigured pool.
	up := &scriptedUpstream{}
	rig := newRig(t, 1, up)
	for _, acc := range rig.store.List() {
		require.NoError(t, rig.store.MarkCooldown(acc.ID, time.Minute))
	}

	_, err := rig.orch.Execute(context.Background(), rig.exchange(turns(1)...))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindRateLimitedAll))
	assert.Empty(t, rig.up.attempts())
}

func TestExecuteNoAccounts(t *testing.T) {
	up := &scriptedUpstream{}
	rig := newRig(t, 0, up)
	ex := rig.exchange(turns(1)...)

	_, err := rig.orch.Execute(context.Background(), ex)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNoAccountAvailable))

	rec, _ := rig.flows.Get(ex.Flow.ID())
	assert.Equal(t, flows.StatusFailed, rec.Status)
}

func TestExecuteClientErrorSurfacesImmediately(t *testing.T) {
	up := &scriptedUpstream{
		execute: func(int, *auth.Account, *translator.Request) (*translator.Result, error) {
			return nil, upstreamErr(executor.CategoryClient, 400, "malformed conversation")
		},
	}
	rig := newRig(t, 2, up)

	_, err := rig.orch.Execute(context.Background(), rig.exchange(turns(1)...))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindBadRequest))
	assert.Len(t, rig.up.attempts(), 1)

	// A client error is the request's fault; the account stays healthy.
	acc, err := rig.store.Get(rig.up.attempts()[0].account)
	require.NoError(t, err)
	assert.Equal(t, auth.HealthActive, acc.Health(time.Now()))
	assert.Zero(t, acc.InFlight)
}

func TestExecuteLengthRetryShrinksOnSameAccount(t *testing.T) {
	up := &scriptedUpstream{
		execute: func(n int, _ *auth.Account, _ *translator.Request) (*translator.Result, error) {
			if n == 1 {
				return nil, upstreamErr(executor.CategoryLength, 400, "input is too long")
			}
			return okResult(), nil
		},
	}
	rig := newRig(t, 2, up)
	ex := rig.exchange(turns(13)...)

	res, err := rig.orch.Execute(context.Background(), ex)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)

	calls := rig.up.attempts()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].account, calls[1].account)
	assert.Equal(t, 13, calls[0].messages)
	assert.Less(t, calls[1].messages, 13)
	assert.Len(t, ex.Request.Messages, calls[1].messages)
}

func TestExecuteLengthErrorSurfacesWhenUnshrinkable(t *testing.T) {
	up := &scriptedUpstream{
		execute: func(int, *auth.Account, *translator.Request) (*translator.Result, error) {
			return nil, upstreamErr(executor.CategoryLength, 400, "input is too long")
		},
	}
	rig := newRig(t, 1, up)

	// A single oversized message leaves the governor nothing to drop.
	_, err := rig.orch.Execute(context.Background(), rig.exchange(turns(1)...))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindContentLengthExceeded))
	assert.Len(t, rig.up.attempts(), 1)
}

func TestExecuteCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	up := &scriptedUpstream{
		execute: func(int, *auth.Account, *translator.Request) (*translator.Result, error) {
			cancel()
			return nil, upstreamErr(executor.CategoryTransport, 0, "connection reset")
		},
	}
	rig := newRig(t, 2, up)
	ex := rig.exchange(turns(1)...)

	_, err := rig.orch.Execute(ctx, ex)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, rig.up.attempts(), 1)

	// Cancellation never mutates account health and always restores
	// the in-flight count.
	acc, err := rig.store.Get(rig.up.attempts()[0].account)
	require.NoError(t, err)
	assert.Equal(t, auth.HealthActive, acc.Health(time.Now()))
	assert.Zero(t, acc.InFlight)

	rec, _ := rig.flows.Get(ex.Flow.ID())
	assert.Equal(t, flows.StatusCompleted, rec.Status)
	assert.Contains(t, rec.Notes, "client disconnected")
}

func TestStreamDeliversAndFinishesFlow(t *testing.T) {
	up := &scriptedUpstream{
		stream: func(int, *auth.Account, *translator.Request) (<-chan translator.StreamEvent, error) {
			return eventsOf(
				translator.StreamEvent{Kind: translator.EventTextDelta, Text: "hel"},
				translator.StreamEvent{Kind: translator.EventTextDelta, Text: "lo"},
				translator.StreamEvent{Kind: translator.EventUsage, Usage: &translator.Usage{InputTokens: 9, OutputTokens: 2}},
				translator.StreamEvent{Kind: translator.EventDone, StopReason: translator.StopEndTurn},
			), nil
		},
	}
	rig := newRig(t, 1, up)
	ex := rig.exchange(turns(1)...)

	events, err := rig.orch.Stream(context.Background(), ex)
	require.NoError(t, err)

	var text string
	var kinds []translator.EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
		text += ev.Text
	}
	assert.Equal(t, "hello", text)
	assert.Equal(t, translator.EventDone, kinds[len(kinds)-1])

	require.Eventually(t, func() bool {
		rec, ok := rig.flows.Get(ex.Flow.ID())
		return ok && rec.Status == flows.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	accs := rig.store.List()
	assert.Zero(t, accs[0].InFlight)

	snap := rig.tracker.Snapshot()
	assert.Equal(t, int64(1), snap.SuccessCount)
	assert.Equal(t, int64(9), snap.InputTokens)
	assert.Equal(t, int64(2), snap.OutputTokens)
}

func TestStreamSwitchesAccountBeforeFirstEvent(t *testing.T) {
	up := &scriptedUpstream{
		stream: func(n int, _ *auth.Account, _ *translator.Request) (<-chan translator.StreamEvent, error) {
			if n == 1 {
				return nil, upstreamErr(executor.CategoryRateLimited, 429, "throttled")
			}
			return eventsOf(
				translator.StreamEvent{Kind: translator.EventTextDelta, Text: "ok"},
				translator.StreamEvent{Kind: translator.EventDone, StopReason: translator.StopEndTurn},
			), nil
		},
	}
	rig := newRig(t, 2, up)
	ex := rig.exchange(turns(1)...)

	events, err := rig.orch.Stream(context.Background(), ex)
	require.NoError(t, err)
	var text string
	for ev := range events {
		text += ev.Text
	}
	assert.Equal(t, "ok", text)

	calls := rig.up.attempts()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].account, calls[1].account)

	first, err := rig.store.Get(calls[0].account)
	require.NoError(t, err)
	assert.Equal(t, auth.HealthCooldown, first.Health(time.Now()))
}

func TestStreamRetriesWhenFirstEventIsError(t *testing.T) {
	up := &scriptedUpstream{
		stream: func(n int, _ *auth.Account, _ *translator.Request) (<-chan translator.StreamEvent, error) {
			if n == 1 {
				return eventsOf(translator.StreamEvent{
					Kind: translator.EventError,
					Err:  apperr.RateLimitedAll("throttled mid-handshake"),
				}), nil
			}
			return eventsOf(
				translator.StreamEvent{Kind: translator.EventTextDelta, Text: "ok"},
				translator.StreamEvent{Kind: translator.EventDone, StopReason: translator.StopEndTurn},
			), nil
		},
	}
	rig := newRig(t, 2, up)

	events, err := rig.orch.Stream(context.Background(), rig.exchange(turns(1)...))
	require.NoError(t, err)
	var text string
	for ev := range events {
		text += ev.Text
	}
	assert.Equal(t, "ok", text)
	assert.Len(t, rig.up.attempts(), 2)
}

func TestStreamMidStreamErrorIsTerminal(t *testing.T) {
	up := &scriptedUpstream{
		stream: func(int, *auth.Account, *translator.Request) (<-chan translator.StreamEvent, error) {
			return eventsOf(
				translator.StreamEvent{Kind: translator.EventTextDelta, Text: "partial"},
				translator.StreamEvent{
					Kind: translator.EventError,
					Err:  apperr.UpstreamUnavailable("stream truncated", nil),
				},
			), nil
		},
	}
	rig := newRig(t, 2, up)
	ex := rig.exchange(turns(1)...)

	events, err := rig.orch.Stream(context.Background(), ex)
	require.NoError(t, err)

	var kinds []translator.EventKind
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	// The text was already committed; the failure must arrive as a
	// terminal event, not an account switch.
	assert.Equal(t, []translator.EventKind{translator.EventTextDelta, translator.EventError}, kinds)
	assert.Len(t, rig.up.attempts(), 1)

	require.Eventually(t, func() bool {
		rec, ok := rig.flows.Get(ex.Flow.ID())
		return ok && rec.Status == flows.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	rec, _ := rig.flows.Get(ex.Flow.ID())
	assert.Equal(t, string(apperr.KindUpstreamUnavailable), rec.ErrorKind)

	snap := rig.tracker.Snapshot()
	assert.Equal(t, int64(1), snap.FailureCount)
}

func TestPrepareParsesNormalizesAndRecords(t *testing.T) {
	up := &scriptedUpstream{}
	rig := newRig(t, 1, up)

	body := []byte(`{"model":"claude-sonnet-4","messages":[
		{"role":"system","content":"be brief"},
		{"role":"user","content":"hi"}]}`)
	ex, err := rig.orch.Prepare(translator.FormatOpenAI, "", body, false)
	require.NoError(t, err)

	// The leading system block folds into the first user turn.
	require.Len(t, ex.Request.Messages, 1)
	assert.Equal(t, translator.RoleUser, ex.Request.Messages[0].Role)
	assert.Contains(t, ex.Request.Messages[0].Text(), "be brief")
	assert.Contains(t, ex.Request.Messages[0].Text(), "hi")
	assert.NotEmpty(t, ex.Request.SessionKey)

	rec, ok := rig.flows.Get(ex.Flow.ID())
	require.True(t, ok)
	assert.Equal(t, "openai", rec.ClientProtocol)
	assert.Equal(t, "claude-sonnet-4", rec.ModelRequested)
	assert.Equal(t, registry.ModelSonnet4, rec.ModelActual)
	assert.Equal(t, int64(len(body)), rec.BytesIn)
}

func TestPrepareRejectsMalformedBody(t *testing.T) {
	up := &scriptedUpstream{}
	rig := newRig(t, 1, up)

	_, err := rig.orch.Prepare(translator.FormatOpenAI, "", []byte("{not json"), false)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindBadRequest))

	recs := rig.flows.List(flows.Filter{})
	require.Len(t, recs, 1)
	assert.Equal(t, flows.StatusFailed, recs[0].Status)
	assert.Equal(t, string(apperr.KindBadRequest), recs[0].ErrorKind)
}

func TestCountTokens(t *testing.T) {
	up := &scriptedUpstream{}
	rig := newRig(t, 1, up)

	req := &translator.Request{Messages: turns(3)}
	assert.Greater(t, rig.orch.CountTokens(req), int64(0))
}
