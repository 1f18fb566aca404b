package claude

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

type messageOut struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Role         string     `json:"role"`
	Model        string     `json:"model"`
	Content      []blockOut `json:"content"`
	StopReason   *string    `json:"stop_reason"`
	StopSequence *string    `json:"stop_sequence"`
	Usage        usageOut   `json:"usage"`
}

type blockOut struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type usageOut struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type deltaOut struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type eventMessageStart struct {
	Type    string     `json:"type"`
	Message messageOut `json:"message"`
}

type eventBlockStart struct {
	Type         string   `json:"type"`
	Index        int      `json:"index"`
	ContentBlock blockOut `json:"content_block"`
}

type eventBlockDelta struct {
	Type  string   `json:"type"`
	Index int      `json:"index"`
	Delta deltaOut `json:"delta"`
}

type eventBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type eventMessageDelta struct {
	Type  string       `json:"type"`
	Delta stopDeltaOut `json:"delta"`
	Usage outputUsage  `json:"usage"`
}

type stopDeltaOut struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type outputUsage struct {
	OutputTokens int `json:"output_tokens"`
}

type errorOut struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func marshalEvent(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"type":"error","error":{"type":"api_error","message":"event encoding failed"}}`
	}
	return string(b)
}

// RenderNonStream builds a complete Anthropic message response.
func RenderNonStream(ctx context.Context, modelName string, res *translator.Result) string {
	content := make([]blockOut, 0, 1+len(res.ToolUses))
	if res.Text != "" {
		content = append(content, blockOut{Type: "text", Text: res.Text})
	}
	for _, tu := range res.ToolUses {
		content = append(content, blockOut{Type: "tool_use", ID: tu.ID, Name: tu.Name, Input: toolInput(tu)})
	}
	stop := stopReason(res.StopReason, res.FinishedWithTools())
	return marshalEvent(messageOut{
		ID:         newMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      modelName,
		Content:    content,
		StopReason: &stop,
		Usage: usageOut{
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
		},
	})
}

// streamState tracks the Anthropic event sequence across one response.
type streamState struct {
	id         string
	started    bool
	blockIndex int
	textOpen   bool
	usage      usageOut
	sawTool    bool
}

// RenderStream converts one neutral stream event into zero or more Anthropic
// SSE payloads, each a single JSON event object. The SSE event name is the
// payload's "type" field; the transport layer reads it from the payload.
func RenderStream(ctx context.Context, modelName string, ev translator.StreamEvent, param *any) []string {
	if *param == nil {
		*param = &streamState{id: newMessageID()}
	}
	st := (*param).(*streamState)

	switch ev.Kind {
	case translator.EventTextDelta:
		if ev.Text == "" {
			return nil
		}
		var out []string
		out = st.ensureStarted(modelName, out)
		out = st.ensureTextBlock(out)
		return append(out, marshalEvent(eventBlockDelta{
			Type:  "content_block_delta",
			Index: st.blockIndex,
			Delta: deltaOut{Type: "text_delta", Text: ev.Text},
		}))

	case translator.EventToolUse:
		if ev.ToolUse == nil {
			return nil
		}
		var out []string
		out = st.ensureStarted(modelName, out)
		out = st.closeBlock(out)
		out = append(out, marshalEvent(eventBlockStart{
			Type:  "content_block_start",
			Index: st.blockIndex,
			ContentBlock: blockOut{
				Type:  "tool_use",
				ID:    ev.ToolUse.ID,
				Name:  ev.ToolUse.Name,
				Input: json.RawMessage("{}"),
			},
		}))
		out = append(out, marshalEvent(eventBlockDelta{
			Type:  "content_block_delta",
			Index: st.blockIndex,
			Delta: deltaOut{Type: "input_json_delta", PartialJSON: string(toolInput(*ev.ToolUse))},
		}))
		out = append(out, marshalEvent(eventBlockStop{Type: "content_block_stop", Index: st.blockIndex}))
		st.blockIndex++
		st.sawTool = true
		return out

	case translator.EventUsage:
		if ev.Usage != nil {
			if ev.Usage.InputTokens > 0 {
				st.usage.InputTokens = ev.Usage.InputTokens
			}
			if ev.Usage.OutputTokens > 0 {
				st.usage.OutputTokens = ev.Usage.OutputTokens
			}
		}
		return nil

	case translator.EventDone:
		if ev.Usage != nil {
			st.usage.InputTokens = ev.Usage.InputTokens
			st.usage.OutputTokens = ev.Usage.OutputTokens
		}
		var out []string
		out = st.ensureStarted(modelName, out)
		out = st.closeBlock(out)
		out = append(out, marshalEvent(eventMessageDelta{
			Type:  "message_delta",
			Delta: stopDeltaOut{StopReason: stopReason(ev.StopReason, st.sawTool)},
			Usage: outputUsage{OutputTokens: st.usage.OutputTokens},
		}))
		return append(out, `{"type":"message_stop"}`)

	case translator.EventError:
		e := apperr.From(ev.Err)
		var out errorOut
		out.Type = "error"
		out.Error.Type = errorType(e.Kind)
		out.Error.Message = e.Message
		return []string{marshalEvent(out)}
	}
	// Web links and follow-up prompts have no event in this protocol.
	return nil
}

func (st *streamState) ensureStarted(modelName string, out []string) []string {
	if st.started {
		return out
	}
	st.started = true
	return append(out, marshalEvent(eventMessageStart{
		Type: "message_start",
		Message: messageOut{
			ID:      st.id,
			Type:    "message",
			Role:    "assistant",
			Model:   modelName,
			Content: []blockOut{},
			Usage:   usageOut{InputTokens: st.usage.InputTokens},
		},
	}))
}

func (st *streamState) ensureTextBlock(out []string) []string {
	if st.textOpen {
		return out
	}
	st.textOpen = true
	return append(out, marshalEvent(eventBlockStart{
		Type:         "content_block_start",
		Index:        st.blockIndex,
		ContentBlock: blockOut{Type: "text"},
	}))
}

func (st *streamState) closeBlock(out []string) []string {
	if !st.textOpen {
		return out
	}
	st.textOpen = false
	out = append(out, marshalEvent(eventBlockStop{Type: "content_block_stop", Index: st.blockIndex}))
	st.blockIndex++
	return out
}

// RenderTokenCount renders the count_tokens response body.
func RenderTokenCount(ctx context.Context, count int64) string {
	b, _ := json.Marshal(struct {
		InputTokens int64 `json:"input_tokens"`
	}{count})
	return string(b)
}

// RenderError renders an Anthropic error envelope.
func RenderError(err *apperr.Error) string {
	var out errorOut
	out.Type = "error"
	out.Error.Type = errorType(err.Kind)
	out.Error.Message = err.Message
	return marshalEvent(out)
}

func toolInput(tu translator.ToolUse) json.RawMessage {
	if len(tu.Input) == 0 {
		return json.RawMessage("{}")
	}
	return tu.Input
}

func stopReason(stop string, toolUse bool) string {
	switch stop {
	case translator.StopToolUse, translator.StopMaxTokens, translator.StopEndTurn:
		return stop
	}
	if toolUse {
		return translator.StopToolUse
	}
	return translator.StopEndTurn
}

func errorType(kind apperr.Kind) string {
	switch kind {
	case apperr.KindBadRequest, apperr.KindUnsupportedFeature, apperr.KindContentLengthExceeded:
		return "invalid_request_error"
	case apperr.KindAuthenticationFailed:
		return "authentication_error"
	case apperr.KindRateLimitedAll:
		return "rate_limit_error"
	case apperr.KindNoAccountAvailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}
