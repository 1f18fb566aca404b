package claude

import (
	"errors"
	"strings"
	"testing"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

func TestParseRequestBasic(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4",
		"max_tokens": 1024,
		"stream": true,
		"messages": [{"role": "user", "content": "hello"}]
	}`
	req, err := ParseRequest("", []byte(body), false)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", req.Model)
	}
	if !req.ModelKnown {
		t.Error("model should be known")
	}
	if !req.Stream {
		t.Error("stream flag from body not honored")
	}
	if req.MaxTokens != 1024 {
		t.Errorf("max_tokens = %d", req.MaxTokens)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != translator.RoleUser {
		t.Fatalf("messages = %+v", req.Messages)
	}
	if got := req.Messages[0].Text(); got != "hello" {
		t.Errorf("text = %q", got)
	}
	if len(req.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", req.Warnings)
	}
}

func TestParseRequestModelMapping(t *testing.T) {
	tests := []struct {
		model string
		want  string
		known bool
	}{
		{"sonnet", "claude-sonnet-4", true},
		{"opus", "claude-opus-4.5", true},
		{"haiku", "claude-haiku-4.5", true},
		{"auto", "auto", true},
		{"totally-unknown-model", "claude-sonnet-4", false},
	}
	for _, tt := range tests {
		body := `{"messages":[{"role":"user","content":"x"}],"model":"` + tt.model + `"}`
		req, err := ParseRequest("", []byte(body), false)
		if err != nil {
			t.Fatalf("%s: %v", tt.model, err)
		}
		if req.Model != tt.want {
			t.Errorf("%s: model = %q, want %q", tt.model, req.Model, tt.want)
		}
		if req.ModelKnown != tt.known {
			t.Errorf("%s: known = %v, want %v", tt.model, req.ModelKnown, tt.known)
		}
		if req.RequestedModel != tt.model {
			t.Errorf("%s: requested = %q", tt.model, req.RequestedModel)
		}
		if !tt.known && len(req.Warnings) == 0 {
			t.Errorf("%s: expected a mapping warning", tt.model)
		}
	}
}

func TestParseRequestSystemForms(t *testing.T) {
	asString := `{"model":"sonnet","system":"be brief","messages":[{"role":"user","content":"x"}]}`
	req, err := ParseRequest("", []byte(asString), false)
	if err != nil {
		t.Fatal(err)
	}
	if req.Messages[0].Role != translator.RoleSystem || req.Messages[0].Text() != "be brief" {
		t.Errorf("system string: %+v", req.Messages[0])
	}

	asBlocks := `{"model":"sonnet","system":[{"type":"text","text":"a"},{"type":"text","text":"b"}],"messages":[{"role":"user","content":"x"}]}`
	req, err = ParseRequest("", []byte(asBlocks), false)
	if err != nil {
		t.Fatal(err)
	}
	if got := req.Messages[0].Text(); got != "a\n\nb" {
		t.Errorf("system blocks joined = %q", got)
	}
}

func TestParseRequestContentBlocks(t *testing.T) {
	body := `{
		"model": "sonnet",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "look"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "aWdub3JlZA=="}}
			]},
			{"role": "assistant", "content": [
				{"type": "text", "text": "ok"},
				{"type": "tool_use", "id": "tu_1", "name": "lookup", "input": {"q": "go"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "tu_1", "content": "found it"}
			]}
		]
	}`
	req, err := ParseRequest("", []byte(body), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d", len(req.Messages))
	}
	img := req.Messages[0].Parts[1]
	if img.Kind != translator.PartImage || img.Image.MediaType != "image/png" {
		t.Errorf("image part = %+v", img)
	}
	uses := req.Messages[1].ToolUses()
	if len(uses) != 1 || uses[0].ID != "tu_1" || string(uses[0].Input) != `{"q": "go"}` {
		t.Errorf("tool uses = %+v", uses)
	}
	results := req.Messages[2].ToolResults()
	if len(results) != 1 || results[0].Content != "found it" {
		t.Errorf("tool results = %+v", results)
	}
}

func TestParseRequestToolResultForms(t *testing.T) {
	body := `{
		"model": "sonnet",
		"messages": [
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "a", "content": [{"type":"text","text":"one"},{"type":"text","text":"two"}]},
				{"type": "tool_result", "tool_use_id": "b", "content": {"status": "ok"}, "is_error": false}
			]}
		]
	}`
	req, err := ParseRequest("", []byte(body), false)
	if err != nil {
		t.Fatal(err)
	}
	results := req.Messages[0].ToolResults()
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Content != "one\ntwo" {
		t.Errorf("block content = %q", results[0].Content)
	}
	if results[1].Content != `{"status": "ok"}` {
		t.Errorf("object content = %q", results[1].Content)
	}
}

func TestParseRequestDropsNonBase64Images(t *testing.T) {
	body := `{
		"model": "sonnet",
		"messages": [{"role": "user", "content": [
			{"type": "text", "text": "see"},
			{"type": "image", "source": {"type": "url", "url": "https://example.com/x.png"}}
		]}]
	}`
	req, err := ParseRequest("", []byte(body), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Messages[0].Parts) != 1 {
		t.Errorf("url image should be dropped: %+v", req.Messages[0].Parts)
	}
	if len(req.Warnings) == 0 {
		t.Error("expected a dropped-image warning")
	}
}

func TestParseRequestSessionKey(t *testing.T) {
	body := `{"model":"sonnet","metadata":{"user_id":"team-42"},"messages":[{"role":"user","content":"x"}]}`
	req, err := ParseRequest("", []byte(body), false)
	if err != nil {
		t.Fatal(err)
	}
	if req.SessionKey != "team-42" {
		t.Errorf("session key = %q", req.SessionKey)
	}
}

func TestParseRequestTools(t *testing.T) {
	body := `{
		"model": "sonnet",
		"messages": [{"role": "user", "content": "x"}],
		"tools": [
			{"name": "web_search", "description": "search the web", "input_schema": {"type":"object"}},
			{"name": "lookup", "description": "find things", "input_schema": {"type":"object"}}
		]
	}`
	req, err := ParseRequest("", []byte(body), false)
	if err != nil {
		t.Fatal(err)
	}
	if !req.WebSearch {
		t.Error("web_search tool should set the flag")
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "lookup" {
		t.Errorf("tools = %+v", req.Tools)
	}
}

func TestParseRequestToolChoice(t *testing.T) {
	base := `{"model":"sonnet","messages":[{"role":"user","content":"x"}],"tools":[{"name":"lookup","input_schema":{}}],"tool_choice":%s}`

	req, err := ParseRequest("", []byte(strings.Replace(base, "%s", `{"type":"tool","name":"lookup"}`, 1)), false)
	if err != nil {
		t.Fatal(err)
	}
	if req.Messages[0].Role != translator.RoleSystem || !strings.Contains(req.Messages[0].Text(), `"lookup"`) {
		t.Errorf("forced tool should inject a system instruction: %+v", req.Messages[0])
	}

	req, err = ParseRequest("", []byte(strings.Replace(base, "%s", `{"type":"any"}`, 1)), false)
	if err != nil {
		t.Fatal(err)
	}
	if req.Messages[0].Role != translator.RoleSystem {
		t.Error("any choice should inject a system instruction")
	}

	req, err = ParseRequest("", []byte(strings.Replace(base, "%s", `{"type":"none"}`, 1)), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Tools) != 0 {
		t.Errorf("none choice should drop tools: %+v", req.Tools)
	}

	noTools := `{"model":"sonnet","messages":[{"role":"user","content":"x"}],"tool_choice":{"type":"any"}}`
	_, err = ParseRequest("", []byte(noTools), false)
	if !apperr.IsKind(err, apperr.KindBadRequest) {
		t.Errorf("forced choice without tools = %v", err)
	}
}

func TestParseRequestCapsToolList(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"model":"sonnet","messages":[{"role":"user","content":"x"}],"tools":[`)
	for i := 0; i < 55; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"name":"t`)
		sb.WriteString(strings.Repeat("x", i%3))
		sb.WriteString(string(rune('a'+i%26)))
		sb.WriteString(`","input_schema":{}}`)
	}
	sb.WriteString(`]}`)
	req, err := ParseRequest("", []byte(sb.String()), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(req.Tools) != translator.MaxTools {
		t.Errorf("tools = %d, want %d", len(req.Tools), translator.MaxTools)
	}
	if len(req.Warnings) == 0 {
		t.Error("expected a cap warning")
	}
}

func TestParseRequestErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{"model":`},
		{"no messages", `{"model":"sonnet","messages":[]}`},
		{"system role in messages", `{"model":"sonnet","messages":[{"role":"system","content":"x"}]}`},
	}
	for _, tc := range cases {
		_, err := ParseRequest("", []byte(tc.body), false)
		var appErr *apperr.Error
		if !errors.As(err, &appErr) || appErr.Kind != apperr.KindBadRequest {
			t.Errorf("%s: err = %v", tc.name, err)
		}
	}
}

func TestParseRequestStreamParamOverride(t *testing.T) {
	body := `{"model":"sonnet","messages":[{"role":"user","content":"x"}]}`
	req, err := ParseRequest("", []byte(body), true)
	if err != nil {
		t.Fatal(err)
	}
	if !req.Stream {
		t.Error("stream parameter should force streaming")
	}
}
