// Package orchestrator drives translated requests through the account
// pool and the upstream executor. It owns the per-request state
// machine: parse, normalize, governor pre-processing, account
// selection, the bounded retry loop with per-category reactions, and
// usage accounting.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/flows"
	"github.com/kiroproxy/kiroproxy/internal/governor"
	"github.com/kiroproxy/kiroproxy/internal/registry"
	"github.com/kiroproxy/kiroproxy/internal/runtime/executor"
	"github.com/kiroproxy/kiroproxy/internal/translator"
	"github.com/kiroproxy/kiroproxy/internal/usage"
)

// maxSelectionAttempts caps how many accounts one request may try.
const maxSelectionAttempts = 3

// refreshTimeout bounds the fire-and-forget refresh queued after an
// upstream auth rejection.
const refreshTimeout = 30 * time.Second

// Upstream is the executor surface the orchestrator drives.
type Upstream interface {
	Execute(ctx context.Context, acc *auth.Account, req *translator.Request) (*translator.Result, error)
	ExecuteStream(ctx context.Context, acc *auth.Account, req *translator.Request) (<-chan translator.StreamEvent, error)
}

// Options wires the orchestrator's collaborators. Store, Selector,
// Upstream, and Flows are required; the rest degrade gracefully when
// absent.
type Options struct {
	Store    *auth.Store
	Selector *auth.Selector
	Upstream Upstream
	Flows    *flows.Recorder

	// Refresher, when set, is triggered after upstream auth rejections.
	Refresher *auth.Refresher
	// Tracker, when set, receives one usage event per finished request.
	Tracker *usage.Tracker
	// Config supplies live server settings; nil falls back to defaults.
	Config func() *config.Config
	// Registry overrides the protocol registry, mainly for tests.
	Registry *translator.Registry
}

// Orchestrator is the request pipeline root shared by all protocol
// handlers.
type Orchestrator struct {
	store     *auth.Store
	selector  *auth.Selector
	upstream  Upstream
	flows     *flows.Recorder
	refresher *auth.Refresher
	tracker   *usage.Tracker
	config    func() *config.Config
	registry  *translator.Registry
	governor  *governor.Governor
	now       func() time.Time
}

// New builds the orchestrator and its governor. Strategy toggles are
// read live from the account store so management-API flips apply
// without a restart.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:     opts.Store,
		selector:  opts.Selector,
		upstream:  opts.Upstream,
		flows:     opts.Flows,
		refresher: opts.Refresher,
		tracker:   opts.Tracker,
		config:    opts.Config,
		registry:  opts.Registry,
		now:       time.Now,
	}
	if o.registry == nil {
		o.registry = translator.Default()
	}
	var govCfg config.GovernorConfig
	if opts.Config != nil {
		if cfg := opts.Config(); cfg != nil {
			govCfg = cfg.Governor
		}
	}
	o.governor = governor.New(govCfg,
		governor.WithToggles(o.store.Governor),
		governor.WithSummarizer(o.summarize),
	)
	return o
}

// Governor exposes the governor for the management surface.
func (o *Orchestrator) Governor() *governor.Governor { return o.governor }

// CountTokens estimates the token footprint of a request for the
// count-token surfaces.
func (o *Orchestrator) CountTokens(req *translator.Request) int64 {
	return int64(o.governor.Estimator().EstimateRequest(req))
}

// Exchange is one inbound request tracked end to end. Handlers render
// from it and own the final byte accounting on its flow record.
type Exchange struct {
	Format  translator.Format
	Request *translator.Request
	Flow    *flows.Handle
}

// Prepare parses and normalizes an inbound body and opens its flow
// record. Parse failures are recorded as finished flows and returned
// as bad-request errors for the handler to render.
func (o *Orchestrator) Prepare(f translator.Format, pathModel string, body []byte, stream bool) (*Exchange, error) {
	req, err := o.registry.Parse(f, pathModel, body, stream)
	if err != nil {
		appErr := apperr.From(err)
		fl := o.flows.Begin(f.String(), "")
		fl.SetBytesIn(int64(len(body)))
		fl.Note("%s", appErr.Message)
		fl.Finish(string(appErr.Kind))
		return nil, appErr
	}

	req.Messages = translator.Normalize(req.Messages)
	if req.SessionKey == "" {
		req.SessionKey = translator.SessionKeyFallback(f, req.Messages)
	}

	fl := o.flows.Begin(f.String(), req.RequestedModel)
	fl.SetBytesIn(int64(len(body)))
	fl.SetModel(req.Model)
	for _, w := range req.Warnings {
		fl.Note("%s", w)
	}
	return &Exchange{Format: f, Request: req, Flow: fl}, nil
}

// Execute runs a non-streaming exchange to completion. The flow record
// is finished here on every path except success, where the handler
// closes it after writing the rendered response.
func (o *Orchestrator) Execute(ctx context.Context, ex *Exchange) (*translator.Result, error) {
	cctx, cancel := o.withDeadline(ctx)
	defer cancel()
	start := o.now()

	if out := o.governor.PreProcess(cctx, ex.Request); out.Applied {
		ex.Flow.Note("%s", out.Info)
	}

	excluded := make(map[string]bool)
	lengthRetried := false
	var last *apperr.Error
	max := o.maxAttempts()

	for attempt := 1; attempt <= max; attempt++ {
		acc, err := o.selector.Pick(ex.Request.SessionKey, excluded)
		if err != nil {
			return nil, o.fail(ex, start, "", o.noAccount(err, last))
		}
		ex.Flow.SetAccount(acc.ID)
		ex.Flow.Note("attempt %d on %s", attempt, acc.ID)

		res, appErr, cancelled := o.callOnce(cctx, acc, ex, &lengthRetried)
		if cancelled {
			o.store.Release(acc.ID, false, "request cancelled")
			return nil, o.abandon(ex, start, acc.ID, cctx)
		}
		if appErr == nil {
			o.store.Release(acc.ID, true, "")
			o.recordUsage(ex, acc.ID, res.Usage, res.Text, start, false)
			return res, nil
		}

		o.store.Release(acc.ID, false, appErr.Message)
		if !o.reactAndContinue(ex, acc.ID, appErr) {
			return nil, o.fail(ex, start, acc.ID, appErr)
		}
		excluded[acc.ID] = true
		last = appErr
	}
	return nil, o.fail(ex, start, "", last)
}

// Stream opens a streaming exchange. Account switching happens only
// until the first upstream event; from there the stream is committed
// and failures surface as terminal error events on the returned
// channel. The flow record is finished by the pump when the stream
// ends.
func (o *Orchestrator) Stream(ctx context.Context, ex *Exchange) (<-chan translator.StreamEvent, error) {
	cctx, cancel := o.withDeadline(ctx)
	start := o.now()

	if out := o.governor.PreProcess(cctx, ex.Request); out.Applied {
		ex.Flow.Note("%s", out.Info)
	}

	excluded := make(map[string]bool)
	lengthRetried := false
	var last *apperr.Error
	max := o.maxAttempts()

	for attempt := 1; attempt <= max; attempt++ {
		acc, err := o.selector.Pick(ex.Request.SessionKey, excluded)
		if err != nil {
			cancel()
			return nil, o.fail(ex, start, "", o.noAccount(err, last))
		}
		ex.Flow.SetAccount(acc.ID)
		ex.Flow.Note("attempt %d on %s", attempt, acc.ID)

		first, events, appErr, cancelled := o.openStream(cctx, acc, ex, &lengthRetried)
		if cancelled {
			o.store.Release(acc.ID, false, "request cancelled")
			err := o.abandon(ex, start, acc.ID, cctx)
			cancel()
			return nil, err
		}
		if appErr == nil {
			out := make(chan translator.StreamEvent, 16)
			go o.pump(cctx, cancel, ex, acc.ID, first, events, out, start)
			return out, nil
		}

		o.store.Release(acc.ID, false, appErr.Message)
		if !o.reactAndContinue(ex, acc.ID, appErr) {
			cancel()
			return nil, o.fail(ex, start, acc.ID, appErr)
		}
		excluded[acc.ID] = true
		last = appErr
	}
	cancel()
	return nil, o.fail(ex, start, "", last)
}

// callOnce runs one upstream call against a held account, retrying on
// the same account after a governor shrink when the upstream rejects
// the conversation length. A nil appErr means res is valid.
func (o *Orchestrator) callOnce(ctx context.Context, acc *auth.Account, ex *Exchange, lengthRetried *bool) (res *translator.Result, appErr *apperr.Error, cancelled bool) {
	for {
		r, err := o.upstream.Execute(ctx, acc, ex.Request)
		if err == nil {
			return r, nil, false
		}
		if ctx.Err() != nil {
			return nil, nil, true
		}
		appErr = callError(err)
		if o.shrinkAfterLength(ex, appErr, lengthRetried) {
			continue
		}
		return nil, appErr, false
	}
}

// openStream issues one upstream stream call and peeks the first event.
// An error event arriving before anything was forwarded is treated
// like a failed call so the attempt loop can still switch accounts.
func (o *Orchestrator) openStream(ctx context.Context, acc *auth.Account, ex *Exchange, lengthRetried *bool) (first translator.StreamEvent, events <-chan translator.StreamEvent, appErr *apperr.Error, cancelled bool) {
	for {
		ch, err := o.upstream.ExecuteStream(ctx, acc, ex.Request)
		if err != nil {
			if ctx.Err() != nil {
				return translator.StreamEvent{}, nil, nil, true
			}
			appErr = callError(err)
			if o.shrinkAfterLength(ex, appErr, lengthRetried) {
				continue
			}
			return translator.StreamEvent{}, nil, appErr, false
		}

		select {
		case ev, open := <-ch:
			if !open {
				// Upstream closed without a single event; synthesize
				// the terminal event so the pump still runs its
				// accounting.
				ev = translator.StreamEvent{Kind: translator.EventDone, StopReason: translator.StopEndTurn}
			}
			if ev.Kind == translator.EventError {
				appErr = apperr.From(ev.Err)
				if o.shrinkAfterLength(ex, appErr, lengthRetried) {
					continue
				}
				return translator.StreamEvent{}, nil, appErr, false
			}
			return ev, ch, nil, false
		case <-ctx.Done():
			return translator.StreamEvent{}, nil, nil, true
		}
	}
}

// shrinkAfterLength applies the governor's post-length-error shrink at
// most once per request and reports whether the call should be retried.
func (o *Orchestrator) shrinkAfterLength(ex *Exchange, appErr *apperr.Error, lengthRetried *bool) bool {
	if appErr.Kind != apperr.KindContentLengthExceeded || *lengthRetried {
		return false
	}
	*lengthRetried = true
	out, ok := o.governor.OnLengthError(ex.Request, 0)
	if !ok {
		return false
	}
	ex.Flow.Note("%s", out.Info)
	return true
}

// reactAndContinue applies the per-category reaction for a failed
// attempt and reports whether another account should be tried.
func (o *Orchestrator) reactAndContinue(ex *Exchange, accountID string, appErr *apperr.Error) bool {
	switch appErr.Kind {
	case apperr.KindRateLimitedAll:
		if err := o.store.MarkCooldown(accountID, o.cooldown()); err != nil {
			log.WithError(err).WithField("account", accountID).Debug("Cooldown mark failed")
		}
		ex.Flow.Note("rate limited on %s, cooling down", accountID)
		return true
	case apperr.KindAuthenticationFailed:
		if err := o.store.MarkUnhealthy(accountID, appErr.Message); err != nil {
			log.WithError(err).WithField("account", accountID).Debug("Unhealthy mark failed")
		}
		o.triggerRefresh(accountID)
		ex.Flow.Note("auth rejected on %s, refresh queued", accountID)
		return true
	case apperr.KindUpstreamUnavailable:
		ex.Flow.Note("upstream failure on %s: %s", accountID, appErr.Message)
		return true
	default:
		return false
	}
}

// pump forwards upstream events to the handler, accumulating usage and
// closing the flow record when the stream ends. It owns the request's
// cancel func.
func (o *Orchestrator) pump(ctx context.Context, cancel context.CancelFunc, ex *Exchange, accountID string, first translator.StreamEvent, in <-chan translator.StreamEvent, out chan<- translator.StreamEvent, start time.Time) {
	defer cancel()
	defer close(out)

	var total translator.Usage
	var text strings.Builder
	var errKind string
	delivered := false

	deliver := func(ev translator.StreamEvent) bool {
		select {
		case out <- ev:
			if !delivered {
				delivered = true
				ex.Flow.FirstByte()
			}
			return true
		case <-ctx.Done():
			return false
		}
	}

	ev, open := first, true
	for open {
		switch ev.Kind {
		case translator.EventTextDelta:
			text.WriteString(ev.Text)
		case translator.EventUsage, translator.EventDone:
			if ev.Usage != nil {
				if ev.Usage.InputTokens > 0 {
					total.InputTokens = ev.Usage.InputTokens
				}
				if ev.Usage.OutputTokens > 0 {
					total.OutputTokens = ev.Usage.OutputTokens
				}
			}
		case translator.EventError:
			errKind = string(apperr.From(ev.Err).Kind)
			ex.Flow.Note("stream failed: %v", ev.Err)
		}
		if !deliver(ev) {
			break
		}
		ev, open = <-in
	}
	// Cancelled exits leave the upstream decoder running until it
	// notices the context; drain so its channel can close.
	for range in {
	}

	failed := errKind != ""
	o.store.Release(accountID, !failed, errKind)
	if ctx.Err() != nil && !failed {
		ex.Flow.Note("client disconnected")
	}
	o.recordUsage(ex, accountID, total, text.String(), start, failed)
	ex.Flow.Finish(errKind)
}

// fail finishes the flow record, books the failed request, and returns
// the error for the handler to render.
func (o *Orchestrator) fail(ex *Exchange, start time.Time, accountID string, appErr *apperr.Error) *apperr.Error {
	if appErr == nil {
		appErr = apperr.Internal("request failed without a categorized error", nil)
	}
	ex.Flow.Note("%s", appErr.Message)
	ex.Flow.Finish(string(appErr.Kind))
	o.recordUsage(ex, accountID, translator.Usage{}, "", start, true)
	return appErr
}

// abandon closes out a cancelled request. A deadline hit surfaces as
// upstream_unavailable; a client disconnect returns the bare context
// error since nobody is left to read a response.
func (o *Orchestrator) abandon(ex *Exchange, start time.Time, accountID string, ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return o.fail(ex, start, accountID, apperr.UpstreamUnavailable("request deadline exceeded", ctx.Err()))
	}
	ex.Flow.Note("client disconnected")
	ex.Flow.Finish("")
	return ctx.Err()
}

// recordUsage books one finished request. When the upstream reported no
// counts on a successful exchange, local estimates fill in and the
// event is flagged estimated.
func (o *Orchestrator) recordUsage(ex *Exchange, accountID string, total translator.Usage, text string, start time.Time, failed bool) {
	if o.tracker == nil {
		return
	}
	in, out := int64(total.InputTokens), int64(total.OutputTokens)
	estimated := false
	if in == 0 && out == 0 && !failed {
		est := o.governor.Estimator()
		in = int64(est.EstimateRequest(ex.Request))
		out = int64(est.EstimateText(text))
		estimated = true
	}
	o.tracker.Record(usage.Event{
		Timestamp:    o.now(),
		Protocol:     ex.Format.String(),
		Model:        ex.Request.Model,
		AccountID:    accountID,
		InputTokens:  in,
		OutputTokens: out,
		LatencyMs:    o.now().Sub(start).Milliseconds(),
		Failed:       failed,
		Estimated:    estimated,
	})
}

// summarize backs the governor's smart-summary strategy with a plain
// upstream call on the least loaded account. It bypasses the request
// pipeline so a summarization can never recurse into the governor.
func (o *Orchestrator) summarize(ctx context.Context, model, prompt string) (string, error) {
	upstreamModel, known := registry.Resolve(model)
	req := &translator.Request{
		Model:          upstreamModel,
		RequestedModel: model,
		ModelKnown:     known,
		Messages:       []translator.Message{translator.UserText(prompt)},
	}
	acc, err := o.selector.Pick("", nil)
	if err != nil {
		return "", err
	}
	res, err := o.upstream.Execute(ctx, acc, req)
	if err != nil {
		o.store.Release(acc.ID, false, err.Error())
		return "", err
	}
	o.store.Release(acc.ID, true, "")
	return strings.TrimSpace(res.Text), nil
}

// triggerRefresh queues a forced token refresh off the request path.
func (o *Orchestrator) triggerRefresh(accountID string) {
	if o.refresher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := o.refresher.RefreshAccount(ctx, accountID, true); err != nil {
			log.WithError(err).WithField("account", accountID).Warn("Post-failure token refresh failed")
		}
	}()
}

// noAccount maps a failed selection onto the client-facing error model,
// preferring the rate-limit shape when the pool is exhausted by
// cooldowns or the previous attempt already hit a limit.
func (o *Orchestrator) noAccount(err error, last *apperr.Error) *apperr.Error {
	var na *auth.NoAccountError
	if errors.As(err, &na) {
		if last != nil && last.Kind == apperr.KindRateLimitedAll {
			return last
		}
		if na.Enabled > 0 && na.InCooldown == na.Enabled {
			return apperr.RateLimitedAll(na.Error())
		}
		return apperr.NoAccountAvailable(na.Error())
	}
	return apperr.From(err)
}

func (o *Orchestrator) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := o.requestTimeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (o *Orchestrator) requestTimeout() time.Duration {
	if o.config != nil {
		if cfg := o.config(); cfg != nil {
			return cfg.GetRequestTimeout()
		}
	}
	return 120 * time.Second
}

func (o *Orchestrator) cooldown() time.Duration {
	if o.config != nil {
		if cfg := o.config(); cfg != nil {
			return cfg.GetCooldown()
		}
	}
	return 5 * time.Minute
}

func (o *Orchestrator) maxAttempts() int {
	n := o.store.ActiveCount()
	if n > maxSelectionAttempts {
		n = maxSelectionAttempts
	}
	if n < 1 {
		n = 1
	}
	return n
}

// callError normalizes an upstream failure into the structured error
// model.
func callError(err error) *apperr.Error {
	var uerr *executor.UpstreamError
	if errors.As(err, &uerr) {
		return uerr.App()
	}
	return apperr.From(err)
}
