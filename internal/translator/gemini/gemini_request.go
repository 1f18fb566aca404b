// Package gemini translates between the Gemini generateContent protocol and
// the neutral request/response model. The model name arrives in the URL path
// rather than the body, and function calls carry no IDs, so the function name
// doubles as the pairing key.
package gemini

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/registry"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

type generateRequest struct {
	Contents          []contentIn     `json:"contents"`
	SystemInstruction json.RawMessage `json:"systemInstruction"`
	Tools             []toolEntryIn   `json:"tools"`
	ToolConfig        *toolConfigIn   `json:"toolConfig"`
	GenerationConfig  *genConfigIn    `json:"generationConfig"`
}

type contentIn struct {
	Role  string   `json:"role"`
	Parts []partIn `json:"parts"`
}

type partIn struct {
	Text             string              `json:"text"`
	InlineData       *inlineDataIn       `json:"inlineData"`
	FunctionCall     *functionCallIn     `json:"functionCall"`
	FunctionResponse *functionResponseIn `json:"functionResponse"`
}

type inlineDataIn struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCallIn struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type functionResponseIn struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type toolEntryIn struct {
	FunctionDeclarations  []declarationIn `json:"functionDeclarations"`
	GoogleSearch          json.RawMessage `json:"googleSearch"`
	GoogleSearchRetrieval json.RawMessage `json:"googleSearchRetrieval"`
}

type declarationIn struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type toolConfigIn struct {
	FunctionCallingConfig struct {
		Mode                 string   `json:"mode"`
		AllowedFunctionNames []string `json:"allowedFunctionNames"`
	} `json:"functionCallingConfig"`
}

type genConfigIn struct {
	MaxOutputTokens int      `json:"maxOutputTokens"`
	Temperature     *float64 `json:"temperature"`
	TopP            *float64 `json:"topP"`
	StopSequences   []string `json:"stopSequences"`
}

// ParseRequest decodes a Gemini generateContent request into neutral form.
// modelName is the model segment from the URL path.
func ParseRequest(modelName string, rawJSON []byte, stream bool) (*translator.Request, error) {
	var in generateRequest
	if err := json.Unmarshal(rawJSON, &in); err != nil {
		return nil, apperr.BadRequest("invalid request body", err)
	}
	if len(in.Contents) == 0 {
		return nil, apperr.BadRequest("contents must not be empty", nil)
	}

	requested := strings.TrimSpace(modelName)
	upstream, known := registry.Resolve(requested)

	req := &translator.Request{
		Model:          upstream,
		RequestedModel: requested,
		ModelKnown:     known,
		Stream:         stream,
	}
	if !known {
		req.Warn("unknown model %q mapped to %s", requested, upstream)
	}
	if gc := in.GenerationConfig; gc != nil {
		req.MaxTokens = gc.MaxOutputTokens
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.StopSequences = gc.StopSequences
	}

	if sys := decodeSystemInstruction(in.SystemInstruction); sys != "" {
		req.Messages = append(req.Messages, translator.SystemText(sys))
	}
	for _, c := range in.Contents {
		msg, err := decodeContent(c, req)
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

func decodeContent(c contentIn, req *translator.Request) (translator.Message, error) {
	var role translator.Role
	switch c.Role {
	case "model":
		role = translator.RoleAssistant
	case "user", "":
		role = translator.RoleUser
	case "function":
		role = translator.RoleTool
	default:
		return translator.Message{}, apperr.BadRequest("unsupported content role "+c.Role, nil)
	}
	msg := translator.Message{Role: role}
	for _, p := range c.Parts {
		switch {
		case p.FunctionCall != nil:
			input := p.FunctionCall.Args
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			msg.Parts = append(msg.Parts, translator.ToolUsePart(p.FunctionCall.Name, p.FunctionCall.Name, input))
		case p.FunctionResponse != nil:
			msg.Parts = append(msg.Parts, translator.ToolResultPart(p.FunctionResponse.Name, string(p.FunctionResponse.Response), false))
		case p.InlineData != nil:
			if !strings.HasPrefix(p.InlineData.MimeType, "image/") {
				req.Warn("dropped inline data with mime type %q", p.InlineData.MimeType)
				continue
			}
			msg.Parts = append(msg.Parts, translator.ImagePart(p.InlineData.MimeType, p.InlineData.Data))
		default:
			msg.Parts = append(msg.Parts, translator.TextPart(p.Text))
		}
	}
	return msg, nil
}

// decodeSystemInstruction accepts the field as a plain string or as a
// content object with text parts.
func decodeSystemInstruction(raw json.RawMessage) string {
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
	var c contentIn
	if err := json.Unmarshal(raw, &c); err != nil {
		return ""
	}
	texts := make([]string, 0, len(c.Parts))
	for _, p := range c.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}

func applyTools(in generateRequest, req *translator.Request) error {
	var tools []translator.Tool
	for _, entry := range in.Tools {
		if len(entry.GoogleSearch) > 0 || len(entry.GoogleSearchRetrieval) > 0 {
			req.WebSearch = true
		}
		for _, d := range entry.FunctionDeclarations {
			tools = append(tools, translator.Tool{
				Name:        d.Name,
				Description: d.Description,
				InputSchema: d.Parameters,
			})
		}
	}
	var namedSearch bool
	tools, namedSearch = translator.ExtractWebSearch(tools)
	req.WebSearch = req.WebSearch || namedSearch
	tools, dropped := translator.CapTools(tools)
	if dropped > 0 {
		req.Warn("tool list capped at %d, dropped %d", translator.MaxTools, dropped)
	}
	req.Tools = tools

	if in.ToolConfig == nil {
		return nil
	}
	cfg := in.ToolConfig.FunctionCallingConfig
	switch cfg.Mode {
	case "", "AUTO", "VALIDATED":
	case "NONE":
		req.Tools = nil
	case "ANY":
		if len(req.Tools) == 0 && !req.WebSearch {
			return apperr.BadRequest("toolConfig mode ANY requires at least one tool", nil)
		}
		name := ""
		if len(cfg.AllowedFunctionNames) == 1 {
			name = cfg.AllowedFunctionNames[0]
		}
		req.Messages = translator.InsertLeadingSystem(req.Messages, translator.ToolChoiceInstruction(name))
	default:
		req.Warn("ignoring unsupported function calling mode %q", cfg.Mode)
	}
	return nil
}
