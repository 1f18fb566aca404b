package openai

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

// DoneMarker is the literal sentinel terminating an OpenAI SSE stream.
const DoneMarker = "[DONE]"

type completionOut struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []choiceOut `json:"choices"`
	Usage   *usageOut   `json:"usage,omitempty"`
}

type choiceOut struct {
	Index        int         `json:"index"`
	Message      *messageOut `json:"message,omitempty"`
	Delta        *deltaOut   `json:"delta,omitempty"`
	FinishReason *string     `json:"finish_reason"`
}

type messageOut struct {
	Role      string        `json:"role"`
	Content   *string       `json:"content"`
	ToolCalls []toolCallOut `json:"tool_calls,omitempty"`
}

type deltaOut struct {
	Role      string        `json:"role,omitempty"`
	Content   string        `json:"content,omitempty"`
	ToolCalls []toolCallOut `json:"tool_calls,omitempty"`
}

type toolCallOut struct {
	Index    int     `json:"index"`
	ID       string  `json:"id,omitempty"`
	Type     string  `json:"type,omitempty"`
	Function funcOut `json:"function"`
}

type funcOut struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type usageOut struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorOut struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    string  `json:"code"`
}

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":{"message":"response encoding failed","type":"server_error","param":null,"code":"internal"}}`
	}
	return string(b)
}

// RenderNonStream builds a complete chat.completion response.
func RenderNonStream(ctx context.Context, modelName string, res *translator.Result) string {
	msg := messageOut{Role: "assistant"}
	if res.Text != "" || len(res.ToolUses) == 0 {
		text := res.Text
		msg.Content = &text
	}
	for i, tu := range res.ToolUses {
		msg.ToolCalls = append(msg.ToolCalls, toolCallOut{
			Index:    i,
			ID:       tu.ID,
			Type:     "function",
			Function: funcOut{Name: tu.Name, Arguments: argumentsString(tu)},
		})
	}
	finish := finishReason(res.StopReason, res.FinishedWithTools())
	return marshal(completionOut{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelName,
		Choices: []choiceOut{{Message: &msg, FinishReason: &finish}},
		Usage: &usageOut{
			PromptTokens:     res.Usage.InputTokens,
			CompletionTokens: res.Usage.OutputTokens,
			TotalTokens:      res.Usage.InputTokens + res.Usage.OutputTokens,
		},
	})
}

// streamState tracks chunk identity and tool indexing across one response.
type streamState struct {
	id        string
	created   int64
	sentRole  bool
	toolIndex int
	usage     usageOut
	sawTool   bool
}

func newStreamState() *streamState {
	return &streamState{id: newCompletionID(), created: time.Now().Unix()}
}

func (st *streamState) chunk(modelName string, delta deltaOut, finish *string, usage *usageOut) string {
	return marshal(completionOut{
		ID:      st.id,
		Object:  "chat.completion.chunk",
		Created: st.created,
		Model:   modelName,
		Choices: []choiceOut{{Delta: &delta, FinishReason: finish}},
		Usage:   usage,
	})
}

// RenderStream converts one neutral stream event into zero or more SSE data
// payloads. The final payload of a stream is the DoneMarker sentinel.
func RenderStream(ctx context.Context, modelName string, ev translator.StreamEvent, param *any) []string {
	if *param == nil {
		*param = newStreamState()
	}
	st := (*param).(*streamState)

	switch ev.Kind {
	case translator.EventTextDelta:
		if ev.Text == "" {
			return nil
		}
		delta := deltaOut{Content: ev.Text}
		if !st.sentRole {
			st.sentRole = true
			delta.Role = "assistant"
		}
		return []string{st.chunk(modelName, delta, nil, nil)}

	case translator.EventToolUse:
		if ev.ToolUse == nil {
			return nil
		}
		delta := deltaOut{ToolCalls: []toolCallOut{{
			Index:    st.toolIndex,
			ID:       ev.ToolUse.ID,
			Type:     "function",
			Function: funcOut{Name: ev.ToolUse.Name, Arguments: argumentsString(*ev.ToolUse)},
		}}}
		if !st.sentRole {
			st.sentRole = true
			delta.Role = "assistant"
		}
		st.toolIndex++
		st.sawTool = true
		return []string{st.chunk(modelName, delta, nil, nil)}

	case translator.EventUsage:
		if ev.Usage != nil {
			st.recordUsage(*ev.Usage)
		}
		return nil

	case translator.EventDone:
		if ev.Usage != nil {
			st.recordUsage(*ev.Usage)
		}
		finish := finishReason(ev.StopReason, st.sawTool)
		usage := st.usage
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		return []string{st.chunk(modelName, deltaOut{}, &finish, &usage), DoneMarker}

	case translator.EventError:
		return []string{RenderError(apperr.From(ev.Err)), DoneMarker}
	}
	// Web links and follow-up prompts have no chunk in this protocol.
	return nil
}

func (st *streamState) recordUsage(u translator.Usage) {
	if u.InputTokens > 0 {
		st.usage.PromptTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		st.usage.CompletionTokens = u.OutputTokens
	}
}

// RenderTokenCount renders a token count in OpenAI vocabulary.
func RenderTokenCount(ctx context.Context, count int64) string {
	b, _ := json.Marshal(struct {
		PromptTokens int64 `json:"prompt_tokens"`
	}{count})
	return string(b)
}

// RenderError renders an OpenAI error envelope.
func RenderError(err *apperr.Error) string {
	return marshal(errorOut{Error: errorBody{
		Message: err.Message,
		Type:    errorType(err.Kind),
		Code:    errorCode(err.Kind),
	}})
}

func argumentsString(tu translator.ToolUse) string {
	if len(tu.Input) == 0 {
		return "{}"
	}
	return string(tu.Input)
}

func finishReason(stop string, sawTool bool) string {
	switch stop {
	case translator.StopToolUse:
		return "tool_calls"
	case translator.StopMaxTokens:
		return "length"
	}
	if sawTool {
		return "tool_calls"
	}
	return "stop"
}

func errorType(kind apperr.Kind) string {
	switch kind {
	case apperr.KindBadRequest, apperr.KindUnsupportedFeature, apperr.KindContentLengthExceeded:
		return "invalid_request_error"
	case apperr.KindAuthenticationFailed:
		return "authentication_error"
	case apperr.KindRateLimitedAll:
		return "rate_limit_error"
	default:
		return "server_error"
	}
}

func errorCode(kind apperr.Kind) string {
	switch kind {
	case apperr.KindContentLengthExceeded:
		return "context_length_exceeded"
	case apperr.KindRateLimitedAll:
		return "rate_limit_exceeded"
	}
	return string(kind)
}
