package governor

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kiroproxy/kiroproxy/internal/translator"
)

func TestEstimateText(t *testing.T) {
	est := NewEstimator()

	assert.Equal(t, 0, est.EstimateText(""))

	short := est.EstimateText("Hello, how are you today?")
	assert.Greater(t, short, 0)
	assert.Less(t, short, 15)

	long := est.EstimateText(strings.Repeat("the quick brown fox ", 50))
	assert.Greater(t, long, short)
}

func TestEstimateTextFallback(t *testing.T) {
	// An estimator whose encoder never loaded falls back to the
	// chars-per-token heuristic.
	est := &Estimator{}
	est.once.Do(func() {})

	assert.Equal(t, 0, est.EstimateText(""))
	assert.Equal(t, 1, est.EstimateText("ab"))
	assert.Equal(t, 10, est.EstimateText(strings.Repeat("x", 30)))
}

func TestEstimateMessages(t *testing.T) {
	est := NewEstimator()

	assert.Equal(t, tokensPerRequest, est.EstimateMessages(nil))

	msgs := []translator.Message{translator.UserText("What's the weather in Oslo?")}
	base := est.EstimateMessages(msgs)
	assert.Greater(t, base, tokensPerRequest+tokensPerMessage+tokensPerRole)

	withTools := append(msgs,
		translator.Message{Role: translator.RoleAssistant, Parts: []translator.Part{
			translator.ToolUsePart("t1", "get_weather", json.RawMessage(`{"city":"Oslo"}`)),
		}},
		translator.Message{Role: translator.RoleUser, Parts: []translator.Part{
			translator.ToolResultPart("t1", "Sunny, 18C", false),
		}},
	)
	assert.Greater(t, est.EstimateMessages(withTools), base)

	withImage := []translator.Message{{Role: translator.RoleUser, Parts: []translator.Part{
		translator.ImagePart("image/png", "aWNvbg=="),
	}}}
	assert.GreaterOrEqual(t, est.EstimateMessages(withImage), imageTokens)
}

func TestEstimateRequestCountsTools(t *testing.T) {
	est := NewEstimator()

	req := &translator.Request{
		Model:    "claude-sonnet-4",
		Messages: []translator.Message{translator.UserText("hi")},
	}
	bare := est.EstimateRequest(req)

	req.Tools = []translator.Tool{{
		Name:        "get_weather",
		Description: "Look up current conditions for a city.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
	}}
	assert.Greater(t, est.EstimateRequest(req), bare)
}
