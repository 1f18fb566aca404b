package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/translator"
	"github.com/kiroproxy/kiroproxy/internal/util"
)

const (
	kiroEndpoint    = "https://codewhisperer.us-east-1.amazonaws.com/generateAssistantResponse"
	kiroTarget      = "AmazonCodeWhispererStreamingService.GenerateAssistantResponse"
	kiroContentType = "application/x-amz-json-1.0"

	// originEditor is tried first; a 429 there is retried once on
	// originCLI, which is throttled independently upstream.
	originEditor = "AI_EDITOR"
	originCLI    = "CLI"

	kiroUserAgent = "KiroIDE/1.0 aws-sdk-js/1.0.7"

	streamBufferSize = 256 << 10
)

// Quota headers opportunistically attached by the upstream.
const (
	headerQuotaRemaining = "x-amzn-kiro-usage-remaining"
	headerQuotaLimit     = "x-amzn-kiro-usage-limit"
	headerQuotaReset     = "x-amzn-kiro-usage-reset"
)

// QuotaSink receives quota snapshots harvested from response headers.
type QuotaSink func(accountID string, snapshot auth.QuotaSnapshot)

// Executor issues generateAssistantResponse calls for one account at a
// time. It holds no account state; selection, in-flight bookkeeping and
// retry policy belong to the caller.
type Executor struct {
	endpoint string
	client   *http.Client
	quota    QuotaSink
}

// Option adjusts an Executor.
type Option func(*Executor)

// WithEndpoint overrides the upstream URL.
func WithEndpoint(url string) Option {
	return func(e *Executor) { e.endpoint = url }
}

// WithHTTPClient overrides the pooled HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithQuotaSink installs a receiver for harvested quota snapshots.
func WithQuotaSink(sink QuotaSink) Option {
	return func(e *Executor) { e.quota = sink }
}

// New builds an Executor backed by the shared connection pool.
func New(opts ...Option) *Executor {
	e := &Executor{
		endpoint: kiroEndpoint,
		client:   pooledClient(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var (
	poolOnce   sync.Once
	poolClient *http.Client
)

// pooledClient returns the process-wide upstream HTTP client. Streams
// run unbounded; per-request deadlines come from the caller's context.
func pooledClient() *http.Client {
	poolOnce.Do(func() {
		poolClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				ForceAttemptHTTP2:     true,
			},
		}
	})
	return poolClient
}

// Execute runs a non-streaming call by draining the event stream into a
// single Result.
func (e *Executor) Execute(ctx context.Context, acc *auth.Account, req *translator.Request) (*translator.Result, error) {
	events, err := e.ExecuteStream(ctx, acc, req)
	if err != nil {
		return nil, err
	}
	res := &translator.Result{}
	var text strings.Builder
	for ev := range events {
		switch ev.Kind {
		case translator.EventTextDelta:
			text.WriteString(ev.Text)
		case translator.EventToolUse:
			res.ToolUses = append(res.ToolUses, *ev.ToolUse)
		case translator.EventWebLinks:
			res.WebLinks = append(res.WebLinks, ev.WebLinks...)
		case translator.EventFollowup:
			res.Followups = append(res.Followups, ev.Followup)
		case translator.EventUsage:
			mergeUsage(&res.Usage, ev.Usage)
		case translator.EventDone:
			mergeUsage(&res.Usage, ev.Usage)
			res.StopReason = ev.StopReason
		case translator.EventError:
			return nil, ev.Err
		}
	}
	res.Text = text.String()
	if res.StopReason == "" {
		res.StopReason = translator.StopEndTurn
		if res.FinishedWithTools() {
			res.StopReason = translator.StopToolUse
		}
	}
	return res, nil
}

// ExecuteStream issues the upstream call and decodes the event stream
// into neutral events. The returned channel closes when the stream
// ends; a failure after the first event arrives as EventError. Errors
// before any event are returned directly as *UpstreamError.
func (e *Executor) ExecuteStream(ctx context.Context, acc *auth.Account, req *translator.Request) (<-chan translator.StreamEvent, error) {
	if strings.TrimSpace(acc.Credentials.AccessToken) == "" {
		return nil, &UpstreamError{Category: CategoryAuthFailed, Message: fmt.Sprintf("account %s has no access token", acc.ID)}
	}

	var rateLimited *UpstreamError
	for _, origin := range []string{originEditor, originCLI} {
		payload, err := buildKiroRequest(req, acc, origin)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, &UpstreamError{Category: CategoryClient, Message: "encode conversation payload", Err: err}
		}
		if log.IsLevelEnabled(log.DebugLevel) {
			log.WithFields(log.Fields{"account": acc.ID, "origin": origin, "bytes": len(body)}).
				Debugf("Upstream payload: %s", util.RedactSensitiveJSON(body))
		}

		resp, err := e.post(ctx, acc, body)
		if err != nil {
			return nil, &UpstreamError{Category: CategoryTransport, Message: "call upstream", Err: err}
		}
		e.harvestQuota(acc.ID, resp.Header)

		if resp.StatusCode == http.StatusOK {
			reader, err := decodeBody(resp)
			if err != nil {
				resp.Body.Close()
				return nil, &UpstreamError{Category: CategoryTransport, Message: "open response body", Err: err}
			}
			ch := make(chan translator.StreamEvent, 16)
			go decodeStream(ctx, reader, resp.Body, ch)
			return ch, nil
		}

		uerr := categorize(resp.StatusCode, readErrorBody(resp))
		resp.Body.Close()
		if uerr.Category == CategoryRateLimited && origin == originEditor {
			rateLimited = uerr
			log.WithFields(log.Fields{"account": acc.ID, "origin": origin}).
				Warn("Rate limited on primary origin, retrying on fallback origin")
			continue
		}
		return nil, uerr
	}
	return nil, rateLimited
}

func (e *Executor) post(ctx context.Context, acc *auth.Account, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", kiroContentType)
	httpReq.Header.Set("X-Amz-Target", kiroTarget)
	httpReq.Header.Set("Authorization", "Bearer "+acc.Credentials.AccessToken)
	// Setting Accept-Encoding ourselves disables the transport's
	// transparent gzip, so decodeBody must handle both encodings.
	httpReq.Header.Set("Accept-Encoding", "gzip, br")
	httpReq.Header.Set("User-Agent", kiroUserAgent)
	httpReq.Header.Set("X-Amz-User-Agent", kiroUserAgent)
	httpReq.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
	httpReq.Header.Set("Amz-Sdk-Request", "attempt=1; max=3")
	return e.client.Do(httpReq)
}

// harvestQuota records a quota snapshot when the response carries the
// usage headers. Any response qualifies, throttled ones included.
func (e *Executor) harvestQuota(accountID string, header http.Header) {
	if e.quota == nil {
		return
	}
	remaining, okRemaining := parseFloatHeader(header, headerQuotaRemaining)
	total, okTotal := parseFloatHeader(header, headerQuotaLimit)
	if !okRemaining && !okTotal {
		return
	}
	var resetAt time.Time
	if raw := header.Get(headerQuotaReset); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			resetAt = ts
		} else if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			resetAt = time.Unix(secs, 0).UTC()
		}
	}
	e.quota(accountID, auth.NewQuotaSnapshot(remaining, total, resetAt))
}

func parseFloatHeader(header http.Header, name string) (float64, bool) {
	raw := strings.TrimSpace(header.Get(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// decodeBody unwraps the response body according to Content-Encoding.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// readErrorBody drains a failed response for categorization. The raw
// text is returned so body-level error markers survive; categorize
// extracts the display message.
func readErrorBody(resp *http.Response) string {
	reader, err := decodeBody(resp)
	if err != nil {
		return ""
	}
	raw, err := io.ReadAll(io.LimitReader(reader, 64<<10))
	if err != nil {
		return ""
	}
	return string(raw)
}

func mergeUsage(dst *translator.Usage, src *translator.Usage) {
	if src == nil {
		return
	}
	if src.InputTokens > 0 {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens > 0 {
		dst.OutputTokens = src.OutputTokens
	}
}

// Upstream event payloads.

type assistantEvent struct {
	Content string `json:"content"`
}

// toolUseEvent streams one tool invocation as input fragments; the
// frame with stop=true completes it.
type toolUseEvent struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     string `json:"input"`
	Stop      bool   `json:"stop"`
}

type metadataEvent struct {
	TokenUsage *tokenUsage `json:"tokenUsage"`
	// Flat fields appear on older metadata shapes without tokenUsage.
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

type tokenUsage struct {
	OutputTokens         int `json:"outputTokens"`
	TotalTokens          int `json:"totalTokens"`
	UncachedInputTokens  int `json:"uncachedInputTokens"`
	CacheReadInputTokens int `json:"cacheReadInputTokens"`
}

type webLinksEvent struct {
	SupplementaryWebLinks []webLinkPayload `json:"supplementaryWebLinks"`
	InputTokens           int              `json:"inputTokens"`
	OutputTokens          int              `json:"outputTokens"`
}

type webLinkPayload struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

type followupEvent struct {
	FollowupPrompt struct {
		Content string `json:"content"`
	} `json:"followupPrompt"`
}

// toolUseState accumulates streamed input fragments for one tool call.
type toolUseState struct {
	name  string
	input strings.Builder
}

// decodeStream reads event-stream frames and emits neutral events. It
// owns the decompressed reader and the underlying body, closing the
// body and the channel on every exit path.
func decodeStream(ctx context.Context, r io.Reader, body io.Closer, ch chan<- translator.StreamEvent) {
	defer close(ch)
	defer body.Close()

	send := func(ev translator.StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := bufio.NewReaderSize(r, streamBufferSize)
	pending := make(map[string]*toolUseState)
	processed := make(map[string]bool)
	sawTool := false

	for {
		frame, err := readEventFrame(reader)
		if err == io.EOF {
			if len(pending) > 0 {
				log.WithField("count", len(pending)).Warn("Stream ended with unfinished tool invocations")
			}
			stop := translator.StopEndTurn
			if sawTool {
				stop = translator.StopToolUse
			}
			send(translator.StreamEvent{Kind: translator.EventDone, StopReason: stop})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			uerr := &UpstreamError{Category: CategoryTransport, Message: "upstream stream truncated", Err: err}
			send(translator.StreamEvent{Kind: translator.EventError, Err: uerr.App()})
			return
		}

		if frame.MessageType == "exception" {
			send(translator.StreamEvent{Kind: translator.EventError, Err: exceptionError(frame).App()})
			return
		}

		switch frame.EventType {
		case "assistantResponseEvent":
			var ev assistantEvent
			if err := json.Unmarshal(frame.Payload, &ev); err != nil {
				log.WithError(err).Debug("Skipping malformed assistantResponseEvent")
				continue
			}
			if ev.Content == "" {
				continue
			}
			if !send(translator.StreamEvent{Kind: translator.EventTextDelta, Text: ev.Content}) {
				return
			}

		case "toolUseEvent":
			var ev toolUseEvent
			if err := json.Unmarshal(frame.Payload, &ev); err != nil {
				log.WithError(err).Debug("Skipping malformed toolUseEvent")
				continue
			}
			if ev.ToolUseID == "" || processed[ev.ToolUseID] {
				continue
			}
			st := pending[ev.ToolUseID]
			if st == nil {
				st = &toolUseState{}
				pending[ev.ToolUseID] = st
			}
			if ev.Name != "" {
				st.name = ev.Name
			}
			st.input.WriteString(ev.Input)
			if !ev.Stop {
				continue
			}
			processed[ev.ToolUseID] = true
			delete(pending, ev.ToolUseID)
			input := strings.TrimSpace(st.input.String())
			if input == "" {
				input = "{}"
			}
			if !gjson.Valid(input) {
				log.WithFields(log.Fields{"tool": st.name, "id": ev.ToolUseID}).
					Warn("Replacing malformed tool input from upstream with empty object")
				input = "{}"
			}
			sawTool = true
			use := &translator.ToolUse{ID: ev.ToolUseID, Name: st.name, Input: json.RawMessage(input)}
			if !send(translator.StreamEvent{Kind: translator.EventToolUse, ToolUse: use}) {
				return
			}

		case "messageMetadataEvent", "metadataEvent", "meteringEvent":
			var ev metadataEvent
			if err := json.Unmarshal(frame.Payload, &ev); err != nil {
				log.WithError(err).Debug("Skipping malformed metadata event")
				continue
			}
			if usage := usageFromMetadata(&ev); usage != nil {
				if !send(translator.StreamEvent{Kind: translator.EventUsage, Usage: usage}) {
					return
				}
			}

		case "supplementaryWebLinksEvent":
			var ev webLinksEvent
			if err := json.Unmarshal(frame.Payload, &ev); err != nil {
				log.WithError(err).Debug("Skipping malformed supplementaryWebLinksEvent")
				continue
			}
			if ev.InputTokens > 0 || ev.OutputTokens > 0 {
				usage := &translator.Usage{InputTokens: ev.InputTokens, OutputTokens: ev.OutputTokens}
				if !send(translator.StreamEvent{Kind: translator.EventUsage, Usage: usage}) {
					return
				}
			}
			if len(ev.SupplementaryWebLinks) == 0 {
				continue
			}
			links := make([]translator.WebLink, 0, len(ev.SupplementaryWebLinks))
			for _, l := range ev.SupplementaryWebLinks {
				links = append(links, translator.WebLink{URL: l.URL, Title: l.Title, Snippet: l.Snippet})
			}
			if !send(translator.StreamEvent{Kind: translator.EventWebLinks, WebLinks: links}) {
				return
			}

		case "followupPromptEvent":
			var ev followupEvent
			if err := json.Unmarshal(frame.Payload, &ev); err != nil {
				log.WithError(err).Debug("Skipping malformed followupPromptEvent")
				continue
			}
			if ev.FollowupPrompt.Content == "" {
				continue
			}
			if !send(translator.StreamEvent{Kind: translator.EventFollowup, Followup: ev.FollowupPrompt.Content}) {
				return
			}

		default:
			log.WithField("event", frame.EventType).Debug("Ignoring unrecognized upstream event")
		}
	}
}

// usageFromMetadata converts a metadata event to token usage, or nil
// when it carries no counts. Cache-read input tokens count as input.
func usageFromMetadata(ev *metadataEvent) *translator.Usage {
	usage := &translator.Usage{InputTokens: ev.InputTokens, OutputTokens: ev.OutputTokens}
	if tu := ev.TokenUsage; tu != nil {
		usage.InputTokens = tu.UncachedInputTokens + tu.CacheReadInputTokens
		usage.OutputTokens = tu.OutputTokens
		if usage.InputTokens == 0 && tu.TotalTokens > tu.OutputTokens {
			usage.InputTokens = tu.TotalTokens - tu.OutputTokens
		}
	}
	if usage.InputTokens == 0 && usage.OutputTokens == 0 {
		return nil
	}
	return usage
}

// exceptionError categorizes an exception frame. Throttling maps to
// rate limiting, context-window rejections to length_exceeded, and
// everything else to a server error.
func exceptionError(frame *eventFrame) *UpstreamError {
	body := string(frame.Payload)
	msg := strings.TrimSpace(body)
	if m := gjson.Get(body, "message").Str; m != "" {
		msg = m
	}
	switch {
	case strings.Contains(frame.ExceptionType, "Throttling"):
		return &UpstreamError{Category: CategoryRateLimited, Message: msg}
	case isLengthExceeded(body) || isLengthExceeded(frame.ExceptionType):
		return &UpstreamError{Category: CategoryLength, Message: msg}
	default:
		if msg == "" {
			msg = "upstream reported " + frame.ExceptionType
		}
		return &UpstreamError{Category: CategoryServer, Message: msg}
	}
}
