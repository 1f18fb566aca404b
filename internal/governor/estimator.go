package governor

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/kiroproxy/kiroproxy/internal/translator"
)

// fallbackCharsPerToken approximates Claude tokenization when the BPE
// encoder is unavailable or rejects the input.
const fallbackCharsPerToken = 3.0

// Per-message framing overheads for chat-shaped prompts.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPerRequest = 3
)

// imageTokens is a flat charge per inline image part. Upstream billing
// for images is opaque, so a fixed floor keeps estimates stable.
const imageTokens = 85

// Estimator approximates prompt token counts ahead of the upstream's
// own accounting. Counts feed the count-token surfaces and the usage
// fallback when a stream ends without metadata; they are estimates,
// not billing truth.
type Estimator struct {
	once sync.Once
	enc  tokenizer.Codec
}

// NewEstimator returns an estimator backed by the cl100k_base encoding.
// The encoder loads lazily on first use.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) codec() tokenizer.Codec {
	e.once.Do(func() {
		enc, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err == nil {
			e.enc = enc
		}
	})
	return e.enc
}

// EstimateText counts the tokens of a single string.
func (e *Estimator) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	if enc := e.codec(); enc != nil {
		if _, toks, err := enc.Encode(text); err == nil {
			return len(toks)
		}
	}
	n := int(float64(len(text)) / fallbackCharsPerToken)
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateMessages counts a conversation, charging framing overhead per
// message and a flat rate per inline image.
func (e *Estimator) EstimateMessages(msgs []translator.Message) int {
	total := tokensPerRequest
	for _, msg := range msgs {
		total += tokensPerMessage + tokensPerRole
		for _, part := range msg.Parts {
			switch part.Kind {
			case translator.PartText:
				total += e.EstimateText(part.Text)
			case translator.PartToolUse:
				if part.ToolUse != nil {
					total += e.EstimateText(part.ToolUse.Name)
					total += e.EstimateText(string(part.ToolUse.Input))
				}
			case translator.PartToolResult:
				if part.ToolResult != nil {
					total += e.EstimateText(part.ToolResult.Content)
				}
			case translator.PartImage:
				total += imageTokens
			}
		}
	}
	return total
}

// EstimateRequest counts the full prompt: conversation plus declared
// tool schemas.
func (e *Estimator) EstimateRequest(req *translator.Request) int {
	total := e.EstimateMessages(req.Messages)
	for _, tool := range req.Tools {
		total += e.EstimateText(tool.Name)
		total += e.EstimateText(tool.Description)
		total += e.EstimateText(string(tool.InputSchema))
	}
	return total
}
