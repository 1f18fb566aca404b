// Package openai translates between the OpenAI chat completions protocol and
// the neutral request/response model.
package openai

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/registry"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

type chatRequest struct {
	Model               string          `json:"model"`
	Messages            []chatMessageIn `json:"messages"`
	Tools               []chatToolIn    `json:"tools"`
	ToolChoice          json.RawMessage `json:"tool_choice"`
	MaxTokens           int             `json:"max_tokens"`
	MaxCompletionTokens int             `json:"max_completion_tokens"`
	Temperature         *float64        `json:"temperature"`
	TopP                *float64        `json:"top_p"`
	N                   int             `json:"n"`
	Stop                json.RawMessage `json:"stop"`
	Stream              bool            `json:"stream"`
	User                string          `json:"user"`
}

type chatMessageIn struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []toolCallIn    `json:"tool_calls"`
	ToolCallID string          `json:"tool_call_id"`
}

type toolCallIn struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatToolIn struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type contentPartIn struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

// ParseRequest decodes an OpenAI chat completions request into neutral form.
func ParseRequest(modelName string, rawJSON []byte, stream bool) (*translator.Request, error) {
	var in chatRequest
	if err := json.Unmarshal(rawJSON, &in); err != nil {
		return nil, apperr.BadRequest("invalid request body", err)
	}
	if len(in.Messages) == 0 {
		return nil, apperr.BadRequest("messages must not be empty", nil)
	}
	if in.N > 1 {
		return nil, apperr.UnsupportedFeature("n > 1 is not supported")
	}

	requested := strings.TrimSpace(in.Model)
	if requested == "" {
		requested = strings.TrimSpace(modelName)
	}
	upstream, known := registry.Resolve(requested)

	maxTokens := in.MaxCompletionTokens
	if maxTokens == 0 {
		maxTokens = in.MaxTokens
	}
	req := &translator.Request{
		Model:          upstream,
		RequestedModel: requested,
		ModelKnown:     known,
		Stream:         stream || in.Stream,
		MaxTokens:      maxTokens,
		Temperature:    in.Temperature,
		TopP:           in.TopP,
		StopSequences:  decodeStop(in.Stop),
		SessionKey:     in.User,
	}
	if !known {
		req.Warn("unknown model %q mapped to %s", requested, upstream)
	}

	for _, m := range in.Messages {
		msg, err := decodeMessage(m, req)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	if err := applyTools(in, req); err != nil {
		return nil, err
	}
	return req, nil
}

func decodeMessage(m chatMessageIn, req *translator.Request) (translator.Message, error) {
	switch m.Role {
	case "system", "developer":
		return translator.SystemText(contentText(m.Content)), nil
	case "user":
		parts, err := decodeUserContent(m.Content, req)
		if err != nil {
			return translator.Message{}, err
		}
		return translator.Message{Role: translator.RoleUser, Parts: parts}, nil
	case "assistant":
		msg := translator.Message{Role: translator.RoleAssistant}
		if text := contentText(m.Content); text != "" {
			msg.Parts = append(msg.Parts, translator.TextPart(text))
		}
		for _, tc := range m.ToolCalls {
			msg.Parts = append(msg.Parts, translator.ToolUsePart(tc.ID, tc.Function.Name, decodeArguments(tc.Function.Arguments, req)))
		}
		return msg, nil
	case "tool":
		return translator.ToolResultMessage(m.ToolCallID, contentText(m.Content)), nil
	}
	return translator.Message{}, apperr.BadRequest("unsupported message role "+strings.TrimSpace(m.Role), nil)
}

// decodeArguments keeps tool call arguments verbatim when they are valid
// JSON and substitutes an empty object otherwise.
func decodeArguments(args string, req *translator.Request) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}")
	}
	if !gjson.Valid(args) {
		req.Warn("tool call arguments are not valid JSON, substituting {}")
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

// contentText flattens string-or-array content into plain text.
func contentText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
		return ""
	}
	var parts []contentPartIn
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// decodeUserContent keeps text parts and inline base64 images. Remote image
// URLs cannot be fetched on the client's behalf and are dropped.
func decodeUserContent(raw json.RawMessage, req *translator.Request) ([]translator.Part, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, apperr.BadRequest("invalid message content", err)
		}
		return []translator.Part{translator.TextPart(s)}, nil
	}
	var partsIn []contentPartIn
	if err := json.Unmarshal(raw, &partsIn); err != nil {
		return nil, apperr.BadRequest("invalid message content", err)
	}
	parts := make([]translator.Part, 0, len(partsIn))
	for _, p := range partsIn {
		switch p.Type {
		case "text":
			parts = append(parts, translator.TextPart(p.Text))
		case "image_url":
			media, data, ok := parseDataURL(p.ImageURL.URL)
			if !ok {
				req.Warn("dropped image_url that is not a data URL")
				continue
			}
			parts = append(parts, translator.ImagePart(media, data))
		}
	}
	return parts, nil
}

// parseDataURL splits a data:image/png;base64,... URL into media type and
// payload.
func parseDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	meta, found = strings.CutSuffix(meta, ";base64")
	if !found {
		return "", "", false
	}
	if meta == "" {
		meta = "image/png"
	}
	return meta, payload, true
}

func decodeStop(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return []string{s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil
	}
	return list
}

func applyTools(in chatRequest, req *translator.Request) error {
	tools := make([]translator.Tool, 0, len(in.Tools))
	for _, t := range in.Tools {
		if t.Type != "" && t.Type != "function" {
			req.Warn("ignoring tool of type %q", t.Type)
			continue
		}
		tools = append(tools, translator.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	tools, req.WebSearch = translator.ExtractWebSearch(tools)
	tools, dropped := translator.CapTools(tools)
	if dropped > 0 {
		req.Warn("tool list capped at %d, dropped %d", translator.MaxTools, dropped)
	}
	req.Tools = tools

	choice := bytes.TrimSpace(in.ToolChoice)
	if len(choice) == 0 || bytes.Equal(choice, []byte("null")) {
		return nil
	}
	if choice[0] == '"' {
		var mode string
		if err := json.Unmarshal(choice, &mode); err != nil {
			return apperr.BadRequest("invalid tool_choice", err)
		}
		switch mode {
		case "auto", "":
		case "none":
			req.Tools = nil
		case "required":
			if len(req.Tools) == 0 && !req.WebSearch {
				return apperr.BadRequest("tool_choice requires at least one tool", nil)
			}
			req.Messages = translator.InsertLeadingSystem(req.Messages, translator.ToolChoiceInstruction(""))
		default:
			req.Warn("ignoring unsupported tool_choice %q", mode)
		}
		return nil
	}
	name := gjson.GetBytes(choice, "function.name").String()
	if name == "" {
		req.Warn("ignoring tool_choice object without a function name")
		return nil
	}
	if len(req.Tools) == 0 && !req.WebSearch {
		return apperr.BadRequest("tool_choice requires at least one tool", nil)
	}
	req.Messages = translator.InsertLeadingSystem(req.Messages, translator.ToolChoiceInstruction(name))
	return nil
}
