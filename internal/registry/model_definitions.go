// Package registry is the model catalog: the Kiro-native models the proxy
// serves, the public aliases that map onto them, and the resolution rules
// that turn an arbitrary requested name into an upstream model ID.
package registry

// Kiro-native model IDs accepted by the upstream verbatim.
const (
	ModelSonnet4  = "claude-sonnet-4"
	ModelSonnet45 = "claude-sonnet-4.5"
	ModelHaiku45  = "claude-haiku-4.5"
	ModelOpus45   = "claude-opus-4.5"
	// ModelAuto defers model choice to the upstream.
	ModelAuto = "auto"
)

// ModelInfo is one model card as served by the listing endpoints.
type ModelInfo struct {
	ID                  string `json:"id"`
	Object              string `json:"object"`
	Created             int64  `json:"created"`
	OwnedBy             string `json:"owned_by"`
	Type                string `json:"type,omitempty"`
	DisplayName         string `json:"display_name,omitempty"`
	Description         string `json:"description,omitempty"`
	ContextLength       int    `json:"context_length,omitempty"`
	MaxCompletionTokens int    `json:"max_completion_tokens,omitempty"`
	// AliasFor names the native model an alias card resolves to.
	AliasFor string `json:"alias_for,omitempty"`
}

// NativeModels returns the models the upstream serves directly.
func NativeModels() []*ModelInfo {
	return []*ModelInfo{
		{
			ID:                  ModelSonnet4,
			Object:              "model",
			Created:             1747872000, // 2025-05-22
			OwnedBy:             "anthropic",
			Type:                "claude",
			DisplayName:         "Claude Sonnet 4",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
		},
		{
			ID:                  ModelSonnet45,
			Object:              "model",
			Created:             1759104000, // 2025-09-29
			OwnedBy:             "anthropic",
			Type:                "claude",
			DisplayName:         "Claude Sonnet 4.5",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
		},
		{
			ID:                  ModelHaiku45,
			Object:              "model",
			Created:             1759276800, // 2025-10-01
			OwnedBy:             "anthropic",
			Type:                "claude",
			DisplayName:         "Claude Haiku 4.5",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
		},
		{
			ID:                  ModelOpus45,
			Object:              "model",
			Created:             1761955200, // 2025-11-01
			OwnedBy:             "anthropic",
			Type:                "claude",
			DisplayName:         "Claude Opus 4.5",
			ContextLength:       200000,
			MaxCompletionTokens: 64000,
		},
		{
			ID:          ModelAuto,
			Object:      "model",
			Created:     1747872000,
			OwnedBy:     "kiro",
			Type:        "claude",
			DisplayName: "Auto",
			Description: "Lets the upstream pick a model",
		},
	}
}

// AliasModels returns the public names clients use that map onto native
// models.
func AliasModels() []*ModelInfo {
	return []*ModelInfo{
		{
			ID:       "gpt-4o",
			Object:   "model",
			Created:  1715558400, // 2024-05-13
			OwnedBy:  "openai",
			Type:     "openai",
			AliasFor: ModelSonnet4,
		},
		{
			ID:       "gpt-4",
			Object:   "model",
			Created:  1678752000, // 2023-03-14
			OwnedBy:  "openai",
			Type:     "openai",
			AliasFor: ModelSonnet4,
		},
		{
			ID:       "gpt-4o-mini",
			Object:   "model",
			Created:  1721260800, // 2024-07-18
			OwnedBy:  "openai",
			Type:     "openai",
			AliasFor: ModelHaiku45,
		},
		{
			ID:       "gpt-3.5-turbo",
			Object:   "model",
			Created:  1677628800, // 2023-03-01
			OwnedBy:  "openai",
			Type:     "openai",
			AliasFor: ModelHaiku45,
		},
		{
			ID:       "o1",
			Object:   "model",
			Created:  1734393600, // 2024-12-17
			OwnedBy:  "openai",
			Type:     "openai",
			AliasFor: ModelOpus45,
		},
		{
			ID:       "o1-preview",
			Object:   "model",
			Created:  1726099200, // 2024-09-12
			OwnedBy:  "openai",
			Type:     "openai",
			AliasFor: ModelOpus45,
		},
		{
			ID:       "gemini-1.5-pro",
			Object:   "model",
			Created:  1715644800, // 2024-05-14
			OwnedBy:  "google",
			Type:     "gemini",
			AliasFor: ModelSonnet45,
		},
	}
}

// AllModels returns the full catalog, native models first.
func AllModels() []*ModelInfo {
	return append(NativeModels(), AliasModels()...)
}
