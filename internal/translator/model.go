package translator

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
)

// Role is a conversation role as decoded from a client protocol.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind discriminates the content part union.
type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolUse    PartKind = "tool_use"
	PartToolResult PartKind = "tool_result"
)

// ToolUse is a tool invocation requested by the assistant. Input is the raw
// JSON argument object.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the client-supplied outcome of an earlier tool invocation.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Image is an inline base64 image reference.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Part is one ordered content part of a message.
type Part struct {
	Kind       PartKind    `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Image      *Image      `json:"image,omitempty"`
	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// ImagePart builds an inline image content part.
func ImagePart(mediaType, data string) Part {
	return Part{Kind: PartImage, Image: &Image{MediaType: mediaType, Data: data}}
}

// ToolUsePart builds an assistant tool invocation part.
func ToolUsePart(id, name string, input json.RawMessage) Part {
	return Part{Kind: PartToolUse, ToolUse: &ToolUse{ID: id, Name: name, Input: input}}
}

// ToolResultPart builds a tool result part.
func ToolResultPart(toolUseID, content string, isError bool) Part {
	return Part{Kind: PartToolResult, ToolResult: &ToolResult{ToolUseID: toolUseID, Content: content, IsError: isError}}
}

// Message is a protocol-independent conversation message.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// UserText builds a user message holding a single text part.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

// AssistantText builds an assistant message holding a single text part.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{TextPart(text)}}
}

// SystemText builds a system message holding a single text part.
func SystemText(text string) Message {
	return Message{Role: RoleSystem, Parts: []Part{TextPart(text)}}
}

// ToolResultMessage builds a tool role message carrying one result.
func ToolResultMessage(toolUseID, content string) Message {
	return Message{Role: RoleTool, Parts: []Part{ToolResultPart(toolUseID, content, false)}}
}

// Text concatenates the message's text parts, newline separated.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind != PartText || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// Empty reports whether the message carries no renderable content. A message
// whose only content is whitespace text counts as empty; tool and image
// parts never do.
func (m Message) Empty() bool {
	for _, p := range m.Parts {
		if p.Kind != PartText {
			return false
		}
		if strings.TrimSpace(p.Text) != "" {
			return false
		}
	}
	return true
}

// ToolUses returns the tool invocations carried by the message, in order.
func (m Message) ToolUses() []ToolUse {
	var uses []ToolUse
	for _, p := range m.Parts {
		if p.Kind == PartToolUse && p.ToolUse != nil {
			uses = append(uses, *p.ToolUse)
		}
	}
	return uses
}

// ToolResults returns the tool results carried by the message, in order.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range m.Parts {
		if p.Kind == PartToolResult && p.ToolResult != nil {
			results = append(results, *p.ToolResult)
		}
	}
	return results
}

// Clone deep-copies the message. Raw JSON payloads are shared; they are
// treated as immutable throughout the pipeline.
func (m Message) Clone() Message {
	out := Message{Role: m.Role}
	if m.Parts == nil {
		return out
	}
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		cp := Part{Kind: p.Kind, Text: p.Text}
		if p.Image != nil {
			img := *p.Image
			cp.Image = &img
		}
		if p.ToolUse != nil {
			tu := *p.ToolUse
			cp.ToolUse = &tu
		}
		if p.ToolResult != nil {
			tr := *p.ToolResult
			cp.ToolResult = &tr
		}
		out.Parts[i] = cp
	}
	return out
}

// Size is the serialized length of the message in characters, the unit the
// governor thresholds are expressed in.
func (m Message) Size() int {
	b, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(b)
}

// Tool is a protocol-independent tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request is the protocol-independent form of an inbound completion request.
type Request struct {
	// Model is the upstream model id after alias mapping.
	Model string
	// RequestedModel is the verbatim model string from the client, echoed
	// back in responses.
	RequestedModel string
	// ModelKnown is false when an unrecognized model name fell back to the
	// default.
	ModelKnown bool
	Stream     bool

	Messages []Message
	Tools    []Tool
	// WebSearch requests the upstream's native web-search capability.
	WebSearch bool

	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	StopSequences []string

	// SessionKey is the protocol-derived affinity key, empty when the
	// protocol carried none.
	SessionKey string
	// Warnings collects non-fatal translation notes for the flow record.
	Warnings []string
}

// Warn appends a translation note.
func (r *Request) Warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Stop reasons reported by the upstream.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Usage is the upstream token accounting for one request.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// WebLink is one supplementary web reference attached to a response.
type WebLink struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

// Result is a complete upstream response in neutral form.
type Result struct {
	Text       string
	ToolUses   []ToolUse
	WebLinks   []WebLink
	Followups  []string
	Usage      Usage
	StopReason string
}

// FinishedWithTools reports whether the response requested tool calls.
func (r *Result) FinishedWithTools() bool {
	return len(r.ToolUses) > 0
}

// EventKind discriminates neutral stream events.
type EventKind string

const (
	// EventTextDelta carries one chunk of assistant text.
	EventTextDelta EventKind = "text_delta"
	// EventToolUse carries one complete tool invocation.
	EventToolUse EventKind = "tool_use"
	// EventWebLinks carries supplementary web references.
	EventWebLinks EventKind = "web_links"
	// EventFollowup carries a suggested follow-up prompt.
	EventFollowup EventKind = "followup"
	// EventUsage carries token accounting, possibly before the stream ends.
	EventUsage EventKind = "usage"
	// EventDone terminates the stream.
	EventDone EventKind = "done"
	// EventError terminates the stream with a failure after bytes were
	// already committed to the client.
	EventError EventKind = "error"
)

// StreamEvent is one neutral event produced by the upstream decoder.
type StreamEvent struct {
	Kind       EventKind
	Text       string
	ToolUse    *ToolUse
	WebLinks   []WebLink
	Followup   string
	Usage      *Usage
	StopReason string
	Err        error
}

// SessionKeyFallback derives a stable affinity key from the first user
// message for requests whose protocol carries no explicit session key.
func SessionKeyFallback(f Format, msgs []Message) string {
	h := fnv.New64a()
	h.Write([]byte(f.String()))
	h.Write([]byte{0})
	for _, m := range msgs {
		if m.Role != RoleUser {
			continue
		}
		h.Write([]byte(m.Text()))
		break
	}
	return fmt.Sprintf("conv-%016x", h.Sum64())
}
