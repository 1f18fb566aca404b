// Package openai serves the OpenAI-compatible surface: chat completions
// and the model listing.
package openai

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/api/handlers"
	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/orchestrator"
	"github.com/kiroproxy/kiroproxy/internal/registry"
	"github.com/kiroproxy/kiroproxy/internal/translator"

	// Activate the OpenAI request/response codec.
	_ "github.com/kiroproxy/kiroproxy/internal/translator/openai"
)

// Handler serves /v1/chat/completions and /v1/models.
type Handler struct {
	*handlers.Base
}

// NewHandler returns a Handler sharing the given base wiring.
func NewHandler(base *handlers.Base) *Handler {
	return &Handler{Base: base}
}

// ChatCompletions handles POST /v1/chat/completions for both streaming
// and non-streaming requests.
func (h *Handler) ChatCompletions(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.WriteAppError(c, translator.FormatOpenAI, apperr.BadRequest("failed to read request body", err))
		return
	}

	stream := gjson.GetBytes(body, "stream").Bool()
	ex, err := h.Orch.Prepare(translator.FormatOpenAI, "", body, stream)
	if err != nil {
		h.WriteAppError(c, translator.FormatOpenAI, err)
		return
	}
	h.ApplySessionHeader(c, ex)
	h.TagRequest(c, translator.FormatOpenAI, ex)

	if stream {
		h.streamCompletion(c, ex)
		return
	}
	h.completion(c, ex)
}

func (h *Handler) completion(c *gin.Context, ex *orchestrator.Exchange) {
	res, err := h.Orch.Execute(c.Request.Context(), ex)
	if err != nil {
		h.WriteAppError(c, translator.FormatOpenAI, err)
		return
	}

	payload := h.Registry.RenderNonStream(c.Request.Context(), translator.FormatOpenAI, ex.Request.RequestedModel, res)
	h.TagUsage(c, res.Usage)
	c.Data(http.StatusOK, "application/json", []byte(payload))
	ex.Flow.AddBytesOut(int64(len(payload)))
	ex.Flow.Finish("")
}

func (h *Handler) streamCompletion(c *gin.Context, ex *orchestrator.Exchange) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		ex.Flow.Finish(string(apperr.KindInternal))
		h.WriteAppError(c, translator.FormatOpenAI, apperr.Internal("streaming unsupported by this connection", nil))
		return
	}

	events, err := h.Orch.Stream(c.Request.Context(), ex)
	if err != nil {
		h.WriteAppError(c, translator.FormatOpenAI, err)
		return
	}

	handlers.SSEHeaders(c)
	var param any
	var usage translator.Usage
	for ev := range events {
		if ev.Usage != nil {
			usage = *ev.Usage
		}
		for _, frame := range h.Registry.RenderStream(c.Request.Context(), translator.FormatOpenAI, ex.Request.RequestedModel, ev, &param) {
			n := handlers.WriteSSEData(c.Writer, frame)
			ex.Flow.AddBytesOut(int64(n))
		}
		flusher.Flush()
	}
	h.TagUsage(c, usage)
}

// Models handles GET /v1/models with the full catalog, aliases included.
func (h *Handler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   registry.AllModels(),
	})
}
