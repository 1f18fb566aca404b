package executor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

func builderAccount() *auth.Account {
	return &auth.Account{
		ID: "acc-1",
		Credentials: auth.CredentialEnvelope{
			AccessToken: "token-1",
			AuthKind:    auth.AuthKindBuilderID,
		},
	}
}

func socialAccount(arn string) *auth.Account {
	acc := &auth.Account{
		ID: "acc-2",
		Credentials: auth.CredentialEnvelope{
			AccessToken:  "token-2",
			RefreshToken: "refresh-2",
			AuthKind:     auth.AuthKindSocial,
		},
	}
	if arn != "" {
		acc.Metadata = map[string]string{"profile_arn": arn}
	}
	return acc
}

func marshalKiroRequest(t *testing.T, req *translator.Request, acc *auth.Account, origin string) string {
	t.Helper()
	payload, err := buildKiroRequest(req, acc, origin)
	require.NoError(t, err)
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return string(raw)
}

func TestBuildKiroRequestBasic(t *testing.T) {
	req := &translator.Request{
		Model:    "claude-sonnet-4",
		Messages: []translator.Message{translator.UserText("Hello")},
	}
	raw := marshalKiroRequest(t, req, builderAccount(), originEditor)

	assert.Equal(t, "MANUAL", gjson.Get(raw, "conversationState.chatTriggerType").Str)
	assert.Len(t, gjson.Get(raw, "conversationState.conversationId").Str, 36)
	current := gjson.Get(raw, "conversationState.currentMessage.userInputMessage")
	assert.Equal(t, "Hello", current.Get("content").Str)
	assert.Equal(t, "claude-sonnet-4", current.Get("modelId").Str)
	assert.Equal(t, "AI_EDITOR", current.Get("origin").Str)
	assert.False(t, gjson.Get(raw, "conversationState.history").Exists())
	assert.False(t, gjson.Get(raw, "profileArn").Exists())
}

func TestBuildKiroRequestHistory(t *testing.T) {
	req := &translator.Request{
		Model: "claude-haiku-4.5",
		Messages: []translator.Message{
			translator.UserText("first question"),
			translator.AssistantText("first answer"),
			translator.UserText("second question"),
		},
	}
	raw := marshalKiroRequest(t, req, builderAccount(), originCLI)

	history := gjson.Get(raw, "conversationState.history").Array()
	require.Len(t, history, 2)
	assert.Equal(t, "first question", history[0].Get("userInputMessage.content").Str)
	assert.Equal(t, "claude-haiku-4.5", history[0].Get("userInputMessage.modelId").Str)
	assert.Equal(t, "CLI", history[0].Get("userInputMessage.origin").Str)
	assert.Equal(t, "first answer", history[1].Get("assistantResponseMessage.content").Str)
	assert.Equal(t, "second question", gjson.Get(raw, "conversationState.currentMessage.userInputMessage.content").Str)
}

func TestBuildKiroRequestToolFlow(t *testing.T) {
	assistant := translator.Message{Role: translator.RoleAssistant, Parts: []translator.Part{
		translator.TextPart("checking"),
		translator.ToolUsePart("t1", "get_weather", json.RawMessage(`{"city":"Oslo"}`)),
	}}
	followup := translator.Message{Role: translator.RoleUser, Parts: []translator.Part{
		translator.ToolResultPart("t1", "sunny", false),
		translator.ToolResultPart("t2", "lookup failed", true),
		translator.TextPart("and now?"),
	}}
	req := &translator.Request{
		Model: "claude-sonnet-4",
		Messages: []translator.Message{
			translator.UserText("weather in Oslo?"),
			assistant,
			followup,
		},
	}
	raw := marshalKiroRequest(t, req, builderAccount(), originEditor)

	uses := gjson.Get(raw, "conversationState.history.1.assistantResponseMessage.toolUses").Array()
	require.Len(t, uses, 1)
	assert.Equal(t, "t1", uses[0].Get("toolUseId").Str)
	assert.Equal(t, "get_weather", uses[0].Get("name").Str)
	assert.Equal(t, "Oslo", uses[0].Get("input.city").Str)

	results := gjson.Get(raw, "conversationState.currentMessage.userInputMessage.userInputMessageContext.toolResults").Array()
	require.Len(t, results, 2)
	assert.Equal(t, "t1", results[0].Get("toolUseId").Str)
	assert.Equal(t, "sunny", results[0].Get("content.0.text").Str)
	assert.Equal(t, "success", results[0].Get("status").Str)
	assert.Equal(t, "error", results[1].Get("status").Str)
}

func TestBuildKiroRequestTools(t *testing.T) {
	req := &translator.Request{
		Model: "claude-sonnet-4",
		Messages: []translator.Message{
			translator.UserText("earlier"),
			translator.AssistantText("noted"),
			translator.UserText("search for gophers"),
		},
		Tools: []translator.Tool{
			{Name: "lookup", Description: "Find a record", InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}}}`)},
			{Name: "bare"},
		},
		WebSearch: true,
	}
	raw := marshalKiroRequest(t, req, builderAccount(), originEditor)

	tools := gjson.Get(raw, "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools").Array()
	require.Len(t, tools, 3)
	assert.Equal(t, "lookup", tools[0].Get("toolSpecification.name").Str)
	assert.Equal(t, "string", tools[0].Get("toolSpecification.inputSchema.json.properties.id.type").Str)
	assert.Equal(t, "object", tools[1].Get("toolSpecification.inputSchema.json.type").Str)
	assert.Equal(t, "web_search", tools[2].Get("toolSpecification.name").Str)

	assert.False(t, gjson.Get(raw, "conversationState.history.0.userInputMessage.userInputMessageContext").Exists())
}

func TestBuildKiroRequestImages(t *testing.T) {
	msg := translator.Message{Role: translator.RoleUser, Parts: []translator.Part{
		translator.TextPart("what is this?"),
		translator.ImagePart("image/jpg", "aGVsbG8="),
		translator.ImagePart("image/png", "d29ybGQ="),
	}}
	req := &translator.Request{Model: "claude-sonnet-4", Messages: []translator.Message{msg}}
	raw := marshalKiroRequest(t, req, builderAccount(), originEditor)

	images := gjson.Get(raw, "conversationState.currentMessage.userInputMessage.images").Array()
	require.Len(t, images, 2)
	assert.Equal(t, "jpeg", images[0].Get("format").Str)
	assert.Equal(t, "aGVsbG8=", images[0].Get("source.bytes").Str)
	assert.Equal(t, "png", images[1].Get("format").Str)
}

func TestBuildKiroRequestProfileArn(t *testing.T) {
	req := &translator.Request{Model: "claude-sonnet-4", Messages: []translator.Message{translator.UserText("hi")}}

	raw := marshalKiroRequest(t, req, socialAccount("arn:aws:codewhisperer:us-east-1:1234:profile/p1"), originEditor)
	assert.Equal(t, "arn:aws:codewhisperer:us-east-1:1234:profile/p1", gjson.Get(raw, "profileArn").Str)

	_, err := buildKiroRequest(req, socialAccount(""), originEditor)
	require.Error(t, err)
	assert.Equal(t, CategoryAuthFailed, CategoryOf(err))

	builder := builderAccount()
	builder.Metadata = map[string]string{"profile_arn": "arn:aws:codewhisperer:us-east-1:1234:profile/p2"}
	raw = marshalKiroRequest(t, req, builder, originEditor)
	assert.False(t, gjson.Get(raw, "profileArn").Exists())
}

func TestBuildKiroRequestShapeErrors(t *testing.T) {
	empty := &translator.Request{Model: "claude-sonnet-4"}
	_, err := buildKiroRequest(empty, builderAccount(), originEditor)
	require.Error(t, err)
	assert.Equal(t, CategoryClient, CategoryOf(err))

	endsAssistant := &translator.Request{
		Model: "claude-sonnet-4",
		Messages: []translator.Message{
			translator.UserText("hi"),
			translator.AssistantText("hello"),
		},
	}
	_, err = buildKiroRequest(endsAssistant, builderAccount(), originEditor)
	require.Error(t, err)
	assert.Equal(t, CategoryClient, CategoryOf(err))
}
