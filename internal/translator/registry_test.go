package translator

import (
	"context"
	"strings"
	"testing"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
)

func TestRegistryParse(t *testing.T) {
	r := NewRegistry()
	r.Register(FormatOpenAI,
		func(modelName string, rawJSON []byte, stream bool) (*Request, error) {
			return &Request{Model: modelName, Stream: stream, Messages: []Message{UserText(string(rawJSON))}}, nil
		},
		ResponseRenderer{},
	)

	req, err := r.Parse(FormatOpenAI, "claude-sonnet-4", []byte("hello"), true)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if req.Model != "claude-sonnet-4" || !req.Stream {
		t.Errorf("Parse() = %+v, want model and stream passed through", req)
	}

	if _, err = r.Parse(FormatGemini, "m", nil, false); err == nil {
		t.Fatal("Parse() with unregistered format should fail")
	} else if appErr := apperr.From(err); appErr.Kind != apperr.KindInternal {
		t.Errorf("Parse() error kind = %q, want %q", appErr.Kind, apperr.KindInternal)
	}
}

func TestRegistryRenderFallbacks(t *testing.T) {
	r := NewRegistry()

	if got := r.RenderNonStream(context.Background(), FormatClaude, "m", &Result{Text: "x"}); got != "" {
		t.Errorf("RenderNonStream() without renderer = %q, want empty", got)
	}
	if got := r.RenderStream(context.Background(), FormatClaude, "m", StreamEvent{Kind: EventDone}, new(any)); got != nil {
		t.Errorf("RenderStream() without renderer = %v, want nil", got)
	}
	if got := r.RenderTokenCount(context.Background(), FormatClaude, 42); got != `{"tokens":42}` {
		t.Errorf("RenderTokenCount() fallback = %q", got)
	}
	got := r.RenderError(FormatClaude, apperr.BadRequest("bad body", nil))
	if !strings.Contains(got, "bad_request") || !strings.Contains(got, "bad body") {
		t.Errorf("RenderError() fallback = %q, want kind and message present", got)
	}
}

func TestRegistryRenderDispatch(t *testing.T) {
	r := NewRegistry()
	r.Register(FormatGemini, nil, ResponseRenderer{
		Stream: func(ctx context.Context, modelName string, ev StreamEvent, param *any) []string {
			return []string{string(ev.Kind)}
		},
		NonStream: func(ctx context.Context, modelName string, res *Result) string {
			return res.Text
		},
		TokenCount: func(ctx context.Context, count int64) string {
			return "count"
		},
		Error: func(err *apperr.Error) string {
			return "err:" + string(err.Kind)
		},
	})

	if got := r.RenderStream(context.Background(), FormatGemini, "m", StreamEvent{Kind: EventTextDelta}, new(any)); len(got) != 1 || got[0] != "text_delta" {
		t.Errorf("RenderStream() = %v", got)
	}
	if got := r.RenderNonStream(context.Background(), FormatGemini, "m", &Result{Text: "body"}); got != "body" {
		t.Errorf("RenderNonStream() = %q", got)
	}
	if got := r.RenderTokenCount(context.Background(), FormatGemini, 7); got != "count" {
		t.Errorf("RenderTokenCount() = %q", got)
	}
	if got := r.RenderError(FormatGemini, apperr.Internal("boom", nil)); got != "err:internal" {
		t.Errorf("RenderError() = %q", got)
	}

	// Renderer-only registration does not claim the inbound surface.
	if r.Has(FormatGemini) {
		t.Error("Has() should require a parser")
	}
}

func TestRegistryFormats(t *testing.T) {
	r := NewRegistry()
	parser := func(modelName string, rawJSON []byte, stream bool) (*Request, error) { return &Request{}, nil }
	r.Register(FormatOpenAI, parser, ResponseRenderer{})
	r.Register(FormatClaude, parser, ResponseRenderer{})
	r.Register(FormatGemini, parser, ResponseRenderer{})

	formats := r.Formats()
	if len(formats) != 3 {
		t.Fatalf("Formats() = %v, want 3 entries", formats)
	}
	for i := 1; i < len(formats); i++ {
		if formats[i-1] >= formats[i] {
			t.Errorf("Formats() not sorted: %v", formats)
		}
	}
	if !r.Has(FormatOpenAI) || !r.Has(FormatClaude) || !r.Has(FormatGemini) {
		t.Error("Has() should report registered formats")
	}
}
