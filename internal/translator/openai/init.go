package openai

import "github.com/kiroproxy/kiroproxy/internal/translator"

func init() {
	translator.Register(translator.FormatOpenAI, ParseRequest, translator.ResponseRenderer{
		Stream:     RenderStream,
		NonStream:  RenderNonStream,
		TokenCount: RenderTokenCount,
		Error:      RenderError,
	})
}
