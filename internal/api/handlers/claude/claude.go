// Package claude serves the Anthropic-compatible surface: messages and
// token counting.
package claude

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/api/handlers"
	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/orchestrator"
	"github.com/kiroproxy/kiroproxy/internal/translator"

	// Activate the Anthropic request/response codec.
	_ "github.com/kiroproxy/kiroproxy/internal/translator/claude"
)

// Handler serves /v1/messages and /v1/messages/count_tokens.
type Handler struct {
	*handlers.Base
}

// NewHandler returns a Handler sharing the given base wiring.
func NewHandler(base *handlers.Base) *Handler {
	return &Handler{Base: base}
}

// Messages handles POST /v1/messages for both streaming and
// non-streaming requests.
func (h *Handler) Messages(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.WriteAppError(c, translator.FormatClaude, apperr.BadRequest("failed to read request body", err))
		return
	}

	stream := gjson.GetBytes(body, "stream").Bool()
	ex, err := h.Orch.Prepare(translator.FormatClaude, "", body, stream)
	if err != nil {
		h.WriteAppError(c, translator.FormatClaude, err)
		return
	}
	h.ApplySessionHeader(c, ex)
	h.TagRequest(c, translator.FormatClaude, ex)

	if stream {
		h.streamMessage(c, ex)
		return
	}
	h.message(c, ex)
}

func (h *Handler) message(c *gin.Context, ex *orchestrator.Exchange) {
	res, err := h.Orch.Execute(c.Request.Context(), ex)
	if err != nil {
		h.WriteAppError(c, translator.FormatClaude, err)
		return
	}

	payload := h.Registry.RenderNonStream(c.Request.Context(), translator.FormatClaude, ex.Request.RequestedModel, res)
	h.TagUsage(c, res.Usage)
	c.Data(http.StatusOK, "application/json", []byte(payload))
	ex.Flow.AddBytesOut(int64(len(payload)))
	ex.Flow.Finish("")
}

func (h *Handler) streamMessage(c *gin.Context, ex *orchestrator.Exchange) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		ex.Flow.Finish(string(apperr.KindInternal))
		h.WriteAppError(c, translator.FormatClaude, apperr.Internal("streaming unsupported by this connection", nil))
		return
	}

	events, err := h.Orch.Stream(c.Request.Context(), ex)
	if err != nil {
		h.WriteAppError(c, translator.FormatClaude, err)
		return
	}

	handlers.SSEHeaders(c)
	var param any
	var usage translator.Usage
	for ev := range events {
		if ev.Usage != nil {
			usage = *ev.Usage
		}
		for _, frame := range h.Registry.RenderStream(c.Request.Context(), translator.FormatClaude, ex.Request.RequestedModel, ev, &param) {
			// Anthropic SSE names each event after the payload's type field.
			name := gjson.Get(frame, "type").String()
			n := handlers.WriteSSEEvent(c.Writer, name, frame)
			ex.Flow.AddBytesOut(int64(n))
		}
		flusher.Flush()
	}
	h.TagUsage(c, usage)
}

// CountTokens handles POST /v1/messages/count_tokens. The request is
// parsed but never dispatched, so no flow record is kept for it.
func (h *Handler) CountTokens(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		h.WriteAppError(c, translator.FormatClaude, apperr.BadRequest("failed to read request body", err))
		return
	}

	req, err := h.Registry.Parse(translator.FormatClaude, "", body, false)
	if err != nil {
		h.WriteAppError(c, translator.FormatClaude, err)
		return
	}

	count := h.Orch.CountTokens(req)
	payload := h.Registry.RenderTokenCount(c.Request.Context(), translator.FormatClaude, count)
	c.Data(http.StatusOK, "application/json", []byte(payload))
}
