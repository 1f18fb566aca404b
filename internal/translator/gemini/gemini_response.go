package gemini

import (
	"context"
	"encoding/json"

	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

type generateResponse struct {
	Candidates    []candidateOut `json:"candidates"`
	UsageMetadata *usageOut      `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

type candidateOut struct {
	Content      contentOut `json:"content"`
	FinishReason string     `json:"finishReason,omitempty"`
	Index        int        `json:"index"`
}

type contentOut struct {
	Role  string    `json:"role"`
	Parts []partOut `json:"parts"`
}

type partOut struct {
	Text         string           `json:"text,omitempty"`
	FunctionCall *functionCallOut `json:"functionCall,omitempty"`
}

type functionCallOut struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type usageOut struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type errorOut struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"error":{"code":500,"message":"response encoding failed","status":"INTERNAL"}}`
	}
	return string(b)
}

// RenderNonStream builds a complete generateContent response.
func RenderNonStream(ctx context.Context, modelName string, res *translator.Result) string {
	parts := make([]partOut, 0, 1+len(res.ToolUses))
	if res.Text != "" {
		parts = append(parts, partOut{Text: res.Text})
	}
	for _, tu := range res.ToolUses {
		parts = append(parts, partOut{FunctionCall: functionCall(tu)})
	}
	return marshal(generateResponse{
		Candidates: []candidateOut{{
			Content:      contentOut{Role: "model", Parts: parts},
			FinishReason: finishReason(res.StopReason),
		}},
		UsageMetadata: &usageOut{
			PromptTokenCount:     res.Usage.InputTokens,
			CandidatesTokenCount: res.Usage.OutputTokens,
			TotalTokenCount:      res.Usage.InputTokens + res.Usage.OutputTokens,
		},
		ModelVersion: modelName,
	})
}

type streamState struct {
	usage usageOut
}

// RenderStream converts one neutral stream event into zero or more partial
// generateContent payloads. The transport layer frames them as a JSON array
// or as SSE data lines depending on the alt query parameter.
func RenderStream(ctx context.Context, modelName string, ev translator.StreamEvent, param *any) []string {
	if *param == nil {
		*param = &streamState{}
	}
	st := (*param).(*streamState)

	switch ev.Kind {
	case translator.EventTextDelta:
		if ev.Text == "" {
			return nil
		}
		return []string{marshal(generateResponse{
			Candidates: []candidateOut{{
				Content: contentOut{Role: "model", Parts: []partOut{{Text: ev.Text}}},
			}},
			ModelVersion: modelName,
		})}

	case translator.EventToolUse:
		if ev.ToolUse == nil {
			return nil
		}
		return []string{marshal(generateResponse{
			Candidates: []candidateOut{{
				Content: contentOut{Role: "model", Parts: []partOut{{FunctionCall: functionCall(*ev.ToolUse)}}},
			}},
			ModelVersion: modelName,
		})}

	case translator.EventUsage:
		if ev.Usage != nil {
			st.record(*ev.Usage)
		}
		return nil

	case translator.EventDone:
		if ev.Usage != nil {
			st.record(*ev.Usage)
		}
		st.usage.TotalTokenCount = st.usage.PromptTokenCount + st.usage.CandidatesTokenCount
		usage := st.usage
		return []string{marshal(generateResponse{
			Candidates: []candidateOut{{
				Content:      contentOut{Role: "model", Parts: []partOut{}},
				FinishReason: finishReason(ev.StopReason),
			}},
			UsageMetadata: &usage,
			ModelVersion:  modelName,
		})}

	case translator.EventError:
		return []string{RenderError(apperr.From(ev.Err))}
	}
	// Web links and follow-up prompts have no partial in this protocol.
	return nil
}

func (st *streamState) record(u translator.Usage) {
	if u.InputTokens > 0 {
		st.usage.PromptTokenCount = u.InputTokens
	}
	if u.OutputTokens > 0 {
		st.usage.CandidatesTokenCount = u.OutputTokens
	}
}

// RenderTokenCount renders a countTokens response body.
func RenderTokenCount(ctx context.Context, count int64) string {
	b, _ := json.Marshal(struct {
		TotalTokens int64 `json:"totalTokens"`
	}{count})
	return string(b)
}

// RenderError renders a Google API error envelope.
func RenderError(err *apperr.Error) string {
	var out errorOut
	out.Error.Code = err.StatusCode()
	out.Error.Message = err.Message
	out.Error.Status = statusString(err.Kind)
	return marshal(out)
}

func functionCall(tu translator.ToolUse) *functionCallOut {
	args := tu.Input
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return &functionCallOut{Name: tu.Name, Args: args}
}

func finishReason(stop string) string {
	if stop == translator.StopMaxTokens {
		return "MAX_TOKENS"
	}
	return "STOP"
}

func statusString(kind apperr.Kind) string {
	switch kind {
	case apperr.KindBadRequest, apperr.KindUnsupportedFeature, apperr.KindContentLengthExceeded:
		return "INVALID_ARGUMENT"
	case apperr.KindAuthenticationFailed:
		return "UNAUTHENTICATED"
	case apperr.KindRateLimitedAll:
		return "RESOURCE_EXHAUSTED"
	case apperr.KindNoAccountAvailable, apperr.KindUpstreamUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
