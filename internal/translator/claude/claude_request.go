// Package claude translates between the Anthropic messages protocol and the
// neutral request/response model. Inbound bodies decode into typed structs
// with unknown fields ignored; outbound responses are built as typed structs
// and marshaled.
package claude

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/registry"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

type messagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        json.RawMessage `json:"system"`
	Messages      []messageIn     `json:"messages"`
	Tools         []toolIn        `json:"tools"`
	ToolChoice    *toolChoiceIn   `json:"tool_choice"`
	Temperature   *float64        `json:"temperature"`
	TopP          *float64        `json:"top_p"`
	StopSequences []string        `json:"stop_sequences"`
	Stream        bool            `json:"stream"`
	Metadata      struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
}

type messageIn struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type toolIn struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoiceIn struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type contentBlockIn struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
	Source    *imageSourceIn  `json:"source"`
}

type imageSourceIn struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
	URL       string `json:"url"`
}

// ParseRequest decodes an Anthropic messages request into the neutral form.
// The model comes from the body, falling back to modelName when absent.
func ParseRequest(modelName string, rawJSON []byte, stream bool) (*translator.Request, error) {
	var in messagesRequest
	if err := json.Unmarshal(rawJSON, &in); err != nil {
		return nil, apperr.BadRequest("invalid request body", err)
	}
	if len(in.Messages) == 0 {
		return nil, apperr.BadRequest("messages must not be empty", nil)
	}

	requested := strings.TrimSpace(in.Model)
	if requested == "" {
		requested = strings.TrimSpace(modelName)
	}
	upstream, known := registry.Resolve(requested)

	req := &translator.Request{
		Model:          upstream,
		RequestedModel: requested,
		ModelKnown:     known,
		Stream:         stream || in.Stream,
		MaxTokens:      in.MaxTokens,
		Temperature:    in.Temperature,
		TopP:           in.TopP,
		StopSequences:  in.StopSequences,
		SessionKey:     in.Metadata.UserID,
	}
	if !known {
		req.Warn("unknown model %q mapped to %s", requested, upstream)
	}

	if sys := decodeSystem(in.System); sys != "" {
		req.Messages = append(req.Messages, translator.SystemText(sys))
	}
	for _, m := range in.Messages {
		role := translator.Role(m.Role)
		if role != translator.RoleUser && role != translator.RoleAssistant {
			return nil, apperr.BadRequest("message role must be user or assistant", nil)
		}
		parts, err := decodeContent(m.Content, req)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, translator.Message{Role: role, Parts: parts})
	}

	if err := applyTools(in, req); err != nil {
		return nil, err
	}
	return req, nil
}

// applyTools converts the tool list and tool_choice into neutral form,
// applying the web-search extraction and the upstream caps.
func applyTools(in messagesRequest, req *translator.Request) error {
	tools := make([]translator.Tool, 0, len(in.Tools))
	for _, t := range in.Tools {
		tools = append(tools, translator.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	tools, req.WebSearch = translator.ExtractWebSearch(tools)
	tools, dropped := translator.CapTools(tools)
	if dropped > 0 {
		req.Warn("tool list capped at %d, dropped %d", translator.MaxTools, dropped)
	}
	req.Tools = tools

	if in.ToolChoice == nil {
		return nil
	}
	switch in.ToolChoice.Type {
	case "", "auto":
	case "none":
		req.Tools = nil
	case "any", "tool":
		if len(req.Tools) == 0 && !req.WebSearch {
			return apperr.BadRequest("tool_choice requires at least one tool", nil)
		}
		name := ""
		if in.ToolChoice.Type == "tool" {
			name = in.ToolChoice.Name
		}
		req.Messages = translator.InsertLeadingSystem(req.Messages, translator.ToolChoiceInstruction(name))
	default:
		req.Warn("ignoring unsupported tool_choice type %q", in.ToolChoice.Type)
	}
	return nil
}

// decodeSystem accepts the system field as either a plain string or an
// array of text blocks.
func decodeSystem(raw json.RawMessage) string {
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
	var blocks []contentBlockIn
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

// decodeContent accepts message content as either a plain string or an
// array of content blocks. Unknown block types are skipped.
func decodeContent(raw json.RawMessage, req *translator.Request) ([]translator.Part, error) {
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
	var blocks []contentBlockIn
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, apperr.BadRequest("invalid message content", err)
	}
	parts := make([]translator.Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, translator.TextPart(b.Text))
		case "image":
			if b.Source == nil {
				continue
			}
			if b.Source.Type != "base64" {
				req.Warn("dropped image with unsupported source type %q", b.Source.Type)
				continue
			}
			parts = append(parts, translator.ImagePart(b.Source.MediaType, b.Source.Data))
		case "tool_use":
			parts = append(parts, translator.ToolUsePart(b.ID, b.Name, b.Input))
		case "tool_result":
			parts = append(parts, translator.ToolResultPart(b.ToolUseID, decodeResultContent(b.Content), b.IsError))
		}
	}
	return parts, nil
}

// decodeResultContent flattens a tool_result content field (string or text
// block array) into plain text.
func decodeResultContent(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var blocks []contentBlockIn
	if err := json.Unmarshal(raw, &blocks); err != nil {
		// Arbitrary JSON results pass through serialized.
		return string(raw)
	}
	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}
