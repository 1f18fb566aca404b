// Package governor bounds conversation size against the upstream
// context window. Four strategies compose per request: an automatic
// pre-call truncation, an earlier estimate-based variant, an optional
// summary of the dropped prefix synthesized by a cheaper model, and a
// post-error shrink that halves the kept window per retry.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

// Strategy names recorded on outcomes and flow records.
const (
	StrategyAutoTruncate = "auto_truncate"
	StrategyPreEstimate  = "pre_estimate"
	StrategySmartSummary = "smart_summary"
	StrategyErrorRetry   = "error_retry"
)

// Caps applied when the dropped prefix is rendered for the summary
// model. Each turn is capped before the transcript is, so one giant
// message cannot crowd out the rest.
const (
	summaryTurnChars  = 800
	summaryInputChars = 15000
)

// Summarizer produces a short summary of prompt using the named model.
// The orchestrator supplies one backed by its own pipeline so summary
// calls ride the same account pool as everything else.
type Summarizer func(ctx context.Context, model, prompt string) (string, error)

// TogglesFunc reports the live strategy toggles. Reading through a
// function lets runtime toggle flips take effect without a restart.
type TogglesFunc func() config.GovernorToggles

// Outcome describes what the governor did to a request.
type Outcome struct {
	Applied    bool
	Strategy   string
	Kept       int
	Dropped    int
	Summarized bool
	Info       string
}

// Governor applies the long-context strategies to normalized requests.
// Message lists reaching it are user/assistant alternating and end
// with a user turn.
type Governor struct {
	cfg       config.GovernorConfig
	toggles   TogglesFunc
	summarize Summarizer
	estimator *Estimator
	cache     *summaryCache
	now       func() time.Time
}

// Option configures a Governor.
type Option func(*Governor)

// WithToggles sets the live toggle source.
func WithToggles(fn TogglesFunc) Option {
	return func(g *Governor) {
		if fn != nil {
			g.toggles = fn
		}
	}
}

// WithSummarizer enables smart summaries through fn. Without one the
// smart_summary toggle degrades to plain truncation.
func WithSummarizer(fn Summarizer) Option {
	return func(g *Governor) { g.summarize = fn }
}

// WithEstimator replaces the token estimator.
func WithEstimator(e *Estimator) Option {
	return func(g *Governor) {
		if e != nil {
			g.estimator = e
		}
	}
}

// New builds a Governor with the static default toggles. Callers that
// persist toggle state pass WithToggles to read it live.
func New(cfg config.GovernorConfig, opts ...Option) *Governor {
	g := &Governor{
		cfg:       cfg,
		toggles:   func() config.GovernorToggles { return config.DefaultGovernorToggles() },
		estimator: NewEstimator(),
		cache:     newSummaryCache(summaryCacheSize, summaryCacheMaxAge),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Estimator exposes the shared token estimator for the count-token
// surfaces and for usage fallbacks when a stream ends without
// metadata.
func (g *Governor) Estimator() *Estimator { return g.estimator }

// PreProcess applies the enabled pre-call strategies. When the
// serialized conversation exceeds the active threshold it is truncated
// in place to the safe limit, optionally with a summary of the dropped
// prefix attached to the first retained message.
func (g *Governor) PreProcess(ctx context.Context, req *translator.Request) Outcome {
	toggles := g.toggles()

	var threshold int
	var strategy string
	switch {
	case toggles.AutoTruncate:
		threshold = g.cfg.GetTruncateThreshold()
		strategy = StrategyAutoTruncate
	case toggles.PreEstimate:
		threshold = g.cfg.GetPreEstimateThreshold()
		strategy = StrategyPreEstimate
	default:
		return Outcome{}
	}

	size := conversationSize(req.Messages)
	if size <= threshold {
		return Outcome{}
	}

	kept, dropped := g.shrink(req.Messages, g.cfg.GetSafeLimit())
	if len(dropped) == 0 {
		return Outcome{}
	}

	out := Outcome{
		Applied:  true,
		Strategy: strategy,
		Kept:     len(kept),
		Dropped:  len(dropped),
	}
	if toggles.SmartSummary && g.summarize != nil {
		if summary, ok := g.summarizePrefix(ctx, req.SessionKey, dropped, len(kept)); ok {
			attachSummaryNote(kept, summary)
			out.Strategy = StrategySmartSummary
			out.Summarized = true
		}
	}

	req.Messages = kept
	out.Info = fmt.Sprintf("%s: %d chars, kept %d of %d messages", out.Strategy, size, out.Kept, out.Kept+out.Dropped)
	log.WithFields(log.Fields{
		"strategy": out.Strategy,
		"chars":    size,
		"kept":     out.Kept,
		"dropped":  out.Dropped,
	}).Info("Conversation truncated before upstream call")
	return out
}

// OnLengthError shrinks the conversation after an upstream length
// rejection. The kept ratio halves with each retry. The second return
// reports whether retrying is worthwhile; false means the window
// cannot shrink further and the error should surface.
func (g *Governor) OnLengthError(req *translator.Request, retry int) (Outcome, bool) {
	if !g.toggles().ErrorRetry {
		return Outcome{}, false
	}
	msgs := req.Messages
	if len(msgs) < 2 {
		return Outcome{}, false
	}

	ratio := math.Pow(0.5, float64(retry+1))
	keep := int(float64(len(msgs)) * ratio)
	if min := g.cfg.GetMinKeepMessages(); keep < min {
		keep = min
	}
	if keep >= len(msgs) {
		return Outcome{}, false
	}

	start := retainStart(msgs, keep)
	if start == 0 {
		return Outcome{}, false
	}
	kept := pruneOrphanResults(msgs[start:])
	req.Messages = kept

	out := Outcome{
		Applied:  true,
		Strategy: StrategyErrorRetry,
		Kept:     len(kept),
		Dropped:  start,
		Info:     fmt.Sprintf("%s %d: kept %d of %d messages", StrategyErrorRetry, retry+1, len(kept), len(msgs)),
	}
	log.WithFields(log.Fields{
		"retry":   retry + 1,
		"kept":    out.Kept,
		"dropped": out.Dropped,
	}).Warn("Shrinking conversation after length rejection")
	return out, true
}

// shrink drops the oldest turns until the serialized remainder fits
// targetChars. The returned slices are the retained suffix, cleaned of
// orphaned tool results, and the dropped prefix.
func (g *Governor) shrink(msgs []translator.Message, targetChars int) (kept, dropped []translator.Message) {
	keep := g.keepCount(msgs, targetChars)
	if keep >= len(msgs) {
		return msgs, nil
	}
	start := retainStart(msgs, keep)
	if start == 0 {
		return msgs, nil
	}
	return pruneOrphanResults(msgs[start:]), msgs[:start]
}

// keepCount walks from the newest message, accumulating serialized
// sizes until the target would be exceeded. The count is clamped to
// the configured floor and ceiling and leaves at least one message to
// drop.
func (g *Governor) keepCount(msgs []translator.Message, targetChars int) int {
	minKeep := g.cfg.GetMinKeepMessages()
	maxKeep := g.cfg.GetMaxKeepMessages()

	total := 0
	count := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		size := messageSize(msgs[i])
		if total+size > targetChars && count >= minKeep {
			break
		}
		total += size
		count++
		if count >= maxKeep {
			break
		}
	}
	if count > len(msgs)-1 {
		count = len(msgs) - 1
	}
	if count < minKeep {
		count = minKeep
	}
	return count
}

// retainStart returns the index of the first retained message: keep
// messages from the tail, advanced so the window opens on a user turn.
// The final message is never crossed, keeping the trailing user turn
// intact.
func retainStart(msgs []translator.Message, keep int) int {
	start := len(msgs) - keep
	if start < 0 {
		start = 0
	}
	for start < len(msgs)-1 && msgs[start].Role != translator.RoleUser {
		start++
	}
	return start
}

// pruneOrphanResults removes tool results whose invocations were
// dropped with the prefix. The first retained message predates every
// surviving invocation, so all of its results go; later messages keep
// only results whose tool use id survived. An emptied message keeps a
// blank text part so turn alternation holds.
func pruneOrphanResults(msgs []translator.Message) []translator.Message {
	surviving := make(map[string]bool)
	for _, msg := range msgs {
		if msg.Role != translator.RoleAssistant {
			continue
		}
		for _, part := range msg.Parts {
			if part.Kind == translator.PartToolUse && part.ToolUse != nil {
				surviving[part.ToolUse.ID] = true
			}
		}
	}

	out := make([]translator.Message, 0, len(msgs))
	for i, msg := range msgs {
		parts := make([]translator.Part, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			if part.Kind == translator.PartToolResult {
				if i == 0 {
					continue
				}
				if part.ToolResult == nil || !surviving[part.ToolResult.ToolUseID] {
					continue
				}
			}
			parts = append(parts, part)
		}
		if len(parts) == 0 {
			parts = append(parts, translator.TextPart(" "))
		}
		msg.Parts = parts
		out = append(out, msg)
	}
	return out
}

// summarizePrefix returns a summary of the dropped turns, from cache
// when the same session already summarized the same prefix. A failed
// or empty summary reports false and truncation proceeds without one.
func (g *Governor) summarizePrefix(ctx context.Context, sessionKey string, dropped []translator.Message, keepCount int) (string, bool) {
	prefixKey := fmt.Sprintf("%d:%d", len(dropped), conversationSize(dropped))
	cacheKey := ""
	if sessionKey != "" {
		cacheKey = fmt.Sprintf("%s:%d", sessionKey, keepCount)
		if summary, ok := g.cache.get(cacheKey, prefixKey, g.now()); ok {
			return summary, true
		}
	}

	sctx, cancel := context.WithTimeout(ctx, g.cfg.GetSummaryTimeout())
	defer cancel()

	maxChars := g.cfg.GetSummaryMaxChars()
	summary, err := g.summarize(sctx, g.cfg.GetSummaryModel(), summaryPrompt(dropped, maxChars))
	if err != nil {
		log.WithError(err).Warn("History summarization failed, falling back to plain truncation")
		return "", false
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", false
	}
	if cut, ok := cutRunes(summary, maxChars); ok {
		summary = cut + "..."
	}
	if cacheKey != "" {
		g.cache.put(cacheKey, summary, prefixKey, g.now())
	}
	return summary, true
}

// summaryPrompt renders the dropped turns for the summary model.
func summaryPrompt(dropped []translator.Message, maxChars int) string {
	lines := make([]string, 0, len(dropped))
	for _, msg := range dropped {
		content := msg.Text()
		if cut, ok := cutRunes(content, summaryTurnChars); ok {
			content = cut + "..."
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", msg.Role, content))
	}
	transcript := strings.Join(lines, "\n")
	if cut, ok := cutRunes(transcript, summaryInputChars); ok {
		transcript = cut + "\n...(truncated)"
	}
	return fmt.Sprintf(`Summarize the key information from this conversation concisely:
1. The user's main goals
2. Important actions taken and decisions made
3. The current working state and key context

Conversation:
%s

Keep the summary under %d characters and focus on what is needed to continue the conversation.`, transcript, maxChars)
}

// attachSummaryNote prefixes the first retained message with the
// summary, the same way a leading system block is folded in.
func attachSummaryNote(msgs []translator.Message, summary string) {
	if len(msgs) == 0 {
		return
	}
	note := "[Earlier conversation summary]\n" + summary + "\n\n[Continuing from recent context...]"
	first := &msgs[0]
	for i := range first.Parts {
		if first.Parts[i].Kind != translator.PartText {
			continue
		}
		if strings.TrimSpace(first.Parts[i].Text) == "" {
			first.Parts[i].Text = note
		} else {
			first.Parts[i].Text = note + "\n\n" + first.Parts[i].Text
		}
		return
	}
	first.Parts = append([]translator.Part{translator.TextPart(note)}, first.Parts...)
}

// conversationSize is the JSON length of the message list, mirroring
// what the upstream payload carries.
func conversationSize(msgs []translator.Message) int {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return 0
	}
	return len(raw)
}

func messageSize(msg translator.Message) int {
	raw, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	return len(raw)
}

// cutRunes truncates s to at most max runes, reporting whether a cut
// happened.
func cutRunes(s string, max int) (string, bool) {
	if len(s) <= max {
		return s, false
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return string(runes[:max]), true
}
