// Package translator defines the neutral conversation model shared by every
// protocol surface, the normalizer that rewrites decoded conversations into
// the strict alternating shape the upstream accepts, and the registry binding
// each client protocol to its request parser and response renderers.
package translator

// Format identifies a client protocol surface.
type Format string

const (
	// FormatOpenAI is the OpenAI chat-completions protocol.
	FormatOpenAI Format = "openai"
	// FormatClaude is the Anthropic messages protocol.
	FormatClaude Format = "claude"
	// FormatGemini is the Gemini generateContent protocol.
	FormatGemini Format = "gemini"
)

// String returns the wire name of the format.
func (f Format) String() string { return string(f) }
