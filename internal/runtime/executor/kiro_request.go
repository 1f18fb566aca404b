package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

// Wire types for the generateAssistantResponse payload. The request
// wraps the conversation in a conversationState envelope; the last user
// message rides as currentMessage and everything before it as history.

type kiroRequest struct {
	ConversationState conversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

type conversationState struct {
	ConversationID  string         `json:"conversationId"`
	ChatTriggerType string         `json:"chatTriggerType"`
	CurrentMessage  currentMessage `json:"currentMessage"`
	History         []historyEntry `json:"history,omitempty"`
}

type currentMessage struct {
	UserInputMessage userInputMessage `json:"userInputMessage"`
}

// historyEntry holds exactly one of the two message arms.
type historyEntry struct {
	UserInputMessage         *userInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *assistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type userInputMessage struct {
	Content                 string          `json:"content"`
	ModelID                 string          `json:"modelId,omitempty"`
	Origin                  string          `json:"origin,omitempty"`
	Images                  []imagePayload  `json:"images,omitempty"`
	UserInputMessageContext *messageContext `json:"userInputMessageContext,omitempty"`
}

type messageContext struct {
	ToolResults []toolResultPayload `json:"toolResults,omitempty"`
	Tools       []toolSpec          `json:"tools,omitempty"`
}

type toolResultPayload struct {
	ToolUseID string              `json:"toolUseId"`
	Content   []toolResultContent `json:"content"`
	Status    string              `json:"status"`
}

type toolResultContent struct {
	Text string `json:"text"`
}

type toolSpec struct {
	ToolSpecification toolSpecification `json:"toolSpecification"`
}

type toolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema inputSchema `json:"inputSchema"`
}

type inputSchema struct {
	JSON json.RawMessage `json:"json"`
}

type imagePayload struct {
	Format string      `json:"format"`
	Source imageSource `json:"source"`
}

type imageSource struct {
	Bytes string `json:"bytes"`
}

type assistantResponseMessage struct {
	Content  string           `json:"content"`
	ToolUses []toolUsePayload `json:"toolUses,omitempty"`
}

type toolUsePayload struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// emptyObjectSchema stands in for tools declared without parameters.
var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// webSearchSpec is the tool definition injected when a client requested
// the upstream's native web search. It never counts against the tool
// list cap.
var webSearchSpec = toolSpec{ToolSpecification: toolSpecification{
	Name:        translator.WebSearchToolName,
	Description: "Search the web for current information.",
	InputSchema: inputSchema{JSON: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"The search query"}},"required":["query"]}`)},
}}

// buildKiroRequest converts a normalized neutral request into the
// conversationState payload. The message list is assumed normalized:
// it begins and ends with a user message and roles strictly alternate,
// so the split into history pairs plus currentMessage cannot fail.
func buildKiroRequest(req *translator.Request, acc *auth.Account, origin string) (*kiroRequest, error) {
	if len(req.Messages) == 0 {
		return nil, &UpstreamError{Category: CategoryClient, Message: "conversation is empty after normalization"}
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != translator.RoleUser {
		return nil, &UpstreamError{Category: CategoryClient, Message: fmt.Sprintf("conversation must end with a user message, got %s", last.Role)}
	}

	out := &kiroRequest{ConversationState: conversationState{
		ConversationID:  uuid.NewString(),
		ChatTriggerType: "MANUAL",
	}}

	for _, msg := range req.Messages[:len(req.Messages)-1] {
		switch msg.Role {
		case translator.RoleUser:
			entry := buildUserMessage(msg, req.Model, origin)
			out.ConversationState.History = append(out.ConversationState.History, historyEntry{UserInputMessage: entry})
		case translator.RoleAssistant:
			entry := buildAssistantMessage(msg)
			out.ConversationState.History = append(out.ConversationState.History, historyEntry{AssistantResponseMessage: entry})
		default:
			return nil, &UpstreamError{Category: CategoryClient, Message: fmt.Sprintf("role %s is not representable upstream", msg.Role)}
		}
	}

	current := buildUserMessage(last, req.Model, origin)
	attachTools(current, req)
	out.ConversationState.CurrentMessage = currentMessage{UserInputMessage: *current}

	if acc.Credentials.AuthKind == auth.AuthKindSocial {
		arn := acc.ProfileARN()
		if arn == "" {
			return nil, &UpstreamError{Category: CategoryAuthFailed, Message: fmt.Sprintf("account %s has social credentials but no profile ARN", acc.ID)}
		}
		out.ProfileArn = arn
	}
	return out, nil
}

func buildUserMessage(msg translator.Message, modelID, origin string) *userInputMessage {
	out := &userInputMessage{
		Content: msg.Text(),
		ModelID: modelID,
		Origin:  origin,
	}
	var ctx messageContext
	for _, part := range msg.Parts {
		switch part.Kind {
		case translator.PartImage:
			out.Images = append(out.Images, imagePayload{
				Format: imageFormat(part.Image.MediaType),
				Source: imageSource{Bytes: part.Image.Data},
			})
		case translator.PartToolResult:
			status := "success"
			if part.ToolResult.IsError {
				status = "error"
			}
			ctx.ToolResults = append(ctx.ToolResults, toolResultPayload{
				ToolUseID: part.ToolResult.ToolUseID,
				Content:   []toolResultContent{{Text: part.ToolResult.Content}},
				Status:    status,
			})
		}
	}
	if len(ctx.ToolResults) > 0 {
		out.UserInputMessageContext = &ctx
	}
	return out
}

func buildAssistantMessage(msg translator.Message) *assistantResponseMessage {
	out := &assistantResponseMessage{Content: msg.Text()}
	for _, part := range msg.Parts {
		if part.Kind != translator.PartToolUse {
			continue
		}
		input := part.ToolUse.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		out.ToolUses = append(out.ToolUses, toolUsePayload{
			ToolUseID: part.ToolUse.ID,
			Name:      part.ToolUse.Name,
			Input:     input,
		})
	}
	return out
}

// attachTools places the tool definitions on the current message only;
// history turns reference tools by result, never by definition.
func attachTools(current *userInputMessage, req *translator.Request) {
	if len(req.Tools) == 0 && !req.WebSearch {
		return
	}
	if current.UserInputMessageContext == nil {
		current.UserInputMessageContext = &messageContext{}
	}
	ctx := current.UserInputMessageContext
	for _, tool := range req.Tools {
		schema := tool.InputSchema
		if len(schema) == 0 {
			schema = emptyObjectSchema
		}
		ctx.Tools = append(ctx.Tools, toolSpec{ToolSpecification: toolSpecification{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: inputSchema{JSON: schema},
		}})
	}
	if req.WebSearch {
		ctx.Tools = append(ctx.Tools, webSearchSpec)
	}
}

// imageFormat converts a MIME media type to the upstream's bare format
// token, e.g. "image/png" to "png".
func imageFormat(mediaType string) string {
	format := strings.ToLower(mediaType)
	if idx := strings.IndexByte(format, '/'); idx >= 0 {
		format = format[idx+1:]
	}
	if format == "jpg" {
		format = "jpeg"
	}
	return format
}
