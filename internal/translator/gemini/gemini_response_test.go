package gemini

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

func TestRenderNonStream(t *testing.T) {
	res := &translator.Result{
		Text: "nine degrees",
		ToolUses: []translator.ToolUse{
			{ID: "weather", Name: "weather", Input: json.RawMessage(`{"city":"Oslo"}`)},
		},
		Usage: translator.Usage{InputTokens: 14, OutputTokens: 6},
	}
	out := RenderNonStream(context.Background(), "gemini-1.5-pro", res)
	if !gjson.Valid(out) {
		t.Fatalf("invalid json: %s", out)
	}
	if got := gjson.Get(out, "candidates.0.content.role").String(); got != "model" {
		t.Errorf("role = %q", got)
	}
	if got := gjson.Get(out, "candidates.0.content.parts.0.text").String(); got != "nine degrees" {
		t.Errorf("text = %q", got)
	}
	call := gjson.Get(out, "candidates.0.content.parts.1.functionCall")
	if call.Get("name").String() != "weather" || call.Get("args.city").String() != "Oslo" {
		t.Errorf("functionCall = %s", call.Raw)
	}
	if got := gjson.Get(out, "candidates.0.finishReason").String(); got != "STOP" {
		t.Errorf("finishReason = %q", got)
	}
	if got := gjson.Get(out, "usageMetadata.totalTokenCount").Int(); got != 20 {
		t.Errorf("totalTokenCount = %d", got)
	}
	if got := gjson.Get(out, "modelVersion").String(); got != "gemini-1.5-pro" {
		t.Errorf("modelVersion = %q", got)
	}
}

func renderAll(t *testing.T, events []translator.StreamEvent) []string {
	t.Helper()
	var param any
	var out []string
	for _, ev := range events {
		out = append(out, RenderStream(context.Background(), "gemini-1.5-pro", ev, &param)...)
	}
	return out
}

func TestRenderStreamSequence(t *testing.T) {
	payloads := renderAll(t, []translator.StreamEvent{
		{Kind: translator.EventTextDelta, Text: "Hel"},
		{Kind: translator.EventTextDelta, Text: "lo"},
		{Kind: translator.EventDone, Usage: &translator.Usage{InputTokens: 5, OutputTokens: 2}},
	})
	if len(payloads) != 3 {
		t.Fatalf("payloads = %v", payloads)
	}

	var text strings.Builder
	for _, p := range payloads {
		text.WriteString(gjson.Get(p, "candidates.0.content.parts.0.text").String())
	}
	if text.String() != "Hello" {
		t.Errorf("concatenated partials = %q", text.String())
	}

	if gjson.Get(payloads[0], "candidates.0.finishReason").Exists() {
		t.Error("finishReason should only appear on the final partial")
	}
	last := payloads[2]
	if got := gjson.Get(last, "candidates.0.finishReason").String(); got != "STOP" {
		t.Errorf("finishReason = %q", got)
	}
	if got := gjson.Get(last, "usageMetadata.promptTokenCount").Int(); got != 5 {
		t.Errorf("promptTokenCount = %d", got)
	}
	if got := gjson.Get(last, "usageMetadata.totalTokenCount").Int(); got != 7 {
		t.Errorf("totalTokenCount = %d", got)
	}
}

func TestRenderStreamFunctionCall(t *testing.T) {
	payloads := renderAll(t, []translator.StreamEvent{
		{Kind: translator.EventToolUse, ToolUse: &translator.ToolUse{ID: "weather", Name: "weather", Input: json.RawMessage(`{"city":"Oslo"}`)}},
		{Kind: translator.EventDone, StopReason: translator.StopToolUse},
	})
	call := gjson.Get(payloads[0], "candidates.0.content.parts.0.functionCall")
	if call.Get("name").String() != "weather" {
		t.Errorf("functionCall = %s", call.Raw)
	}
	if got := gjson.Get(payloads[1], "candidates.0.finishReason").String(); got != "STOP" {
		t.Errorf("finishReason = %q", got)
	}
}

func TestRenderStreamMaxTokens(t *testing.T) {
	payloads := renderAll(t, []translator.StreamEvent{
		{Kind: translator.EventDone, StopReason: translator.StopMaxTokens},
	})
	if got := gjson.Get(payloads[0], "candidates.0.finishReason").String(); got != "MAX_TOKENS" {
		t.Errorf("finishReason = %q", got)
	}
}

func TestRenderTokenCount(t *testing.T) {
	out := RenderTokenCount(context.Background(), 77)
	if out != `{"totalTokens":77}` {
		t.Errorf("out = %s", out)
	}
}

func TestRenderErrorEnvelope(t *testing.T) {
	tests := []struct {
		err        *apperr.Error
		wantCode   int64
		wantStatus string
	}{
		{apperr.BadRequest("bad", nil), 400, "INVALID_ARGUMENT"},
		{apperr.AuthenticationFailed("expired", nil), 401, "UNAUTHENTICATED"},
		{apperr.RateLimitedAll("throttled"), 429, "RESOURCE_EXHAUSTED"},
		{apperr.NoAccountAvailable("none"), 503, "UNAVAILABLE"},
		{apperr.UpstreamUnavailable("down", nil), 502, "UNAVAILABLE"},
		{apperr.Internal("boom", nil), 500, "INTERNAL"},
	}
	for _, tt := range tests {
		out := RenderError(tt.err)
		if got := gjson.Get(out, "error.code").Int(); got != tt.wantCode {
			t.Errorf("%s: code = %d, want %d", tt.err.Kind, got, tt.wantCode)
		}
		if got := gjson.Get(out, "error.status").String(); got != tt.wantStatus {
			t.Errorf("%s: status = %q, want %q", tt.err.Kind, got, tt.wantStatus)
		}
	}
}
