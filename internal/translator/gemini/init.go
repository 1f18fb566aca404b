package gemini

import "github.com/kiroproxy/kiroproxy/internal/translator"

func init() {
	translator.Register(translator.FormatGemini, ParseRequest, translator.ResponseRenderer{
		Stream:     RenderStream,
		NonStream:  RenderNonStream,
		TokenCount: RenderTokenCount,
		Error:      RenderError,
	})
}
