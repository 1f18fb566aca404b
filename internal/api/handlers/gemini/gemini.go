// Package gemini serves the Gemini-compatible surface. Both verbs share
// one wildcard route because the model name and the action travel in the
// same path segment, split on a colon.
package gemini

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kiroproxy/kiroproxy/internal/api/handlers"
	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/orchestrator"
	"github.com/kiroproxy/kiroproxy/internal/translator"

	// Activate the Gemini request/response codec.
	_ "github.com/kiroproxy/kiroproxy/internal/translator/gemini"
)

const (
	verbGenerate       = "generateContent"
	verbStreamGenerate = "streamGenerateContent"
)

// Handler serves /v1/models/{model}:generateContent and
// /v1/models/{model}:streamGenerateContent.
type Handler struct {
	*handlers.Base
}

// NewHandler returns a Handler sharing the given base wiring.
func NewHandler(base *handlers.Base) *Handler {
	return &Handler{Base: base}
}

// splitAction breaks "model:verb" out of the wildcard path segment.
// A leading "models/" echo from clients that send the full resource
// name is tolerated.
func splitAction(action string) (model, verb string, ok bool) {
	idx := strings.LastIndex(action, ":")
	if idx <= 0 || idx == len(action)-1 {
		return "", "", false
	}
	model = strings.TrimPrefix(action[:idx], "models/")
	verb = action[idx+1:]
	if model == "" || (verb != verbGenerate && verb != verbStreamGenerate) {
		return "", "", false
	}
	return model, verb, true
}

// Generate handles both generateContent verbs behind the models
// wildcard route.
func (h *Handler) Generate(c *gin.Context) {
	action := strings.TrimPrefix(c.Param("action"), "/")
	model, verb, ok := splitAction(action)
	if !ok {
		h.WriteAppError(c, translator.FormatGemini, apperr.BadRequest("unrecognized model action "+action, nil))
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		h.WriteAppError(c, translator.FormatGemini, apperr.BadRequest("failed to read request body", err))
		return
	}

	stream := verb == verbStreamGenerate
	ex, err := h.Orch.Prepare(translator.FormatGemini, model, body, stream)
	if err != nil {
		h.WriteAppError(c, translator.FormatGemini, err)
		return
	}
	h.ApplySessionHeader(c, ex)
	h.TagRequest(c, translator.FormatGemini, ex)

	if stream {
		h.streamGenerate(c, ex)
		return
	}
	h.generate(c, ex)
}

func (h *Handler) generate(c *gin.Context, ex *orchestrator.Exchange) {
	res, err := h.Orch.Execute(c.Request.Context(), ex)
	if err != nil {
		h.WriteAppError(c, translator.FormatGemini, err)
		return
	}

	payload := h.Registry.RenderNonStream(c.Request.Context(), translator.FormatGemini, ex.Request.RequestedModel, res)
	h.TagUsage(c, res.Usage)
	c.Data(http.StatusOK, "application/json", []byte(payload))
	ex.Flow.AddBytesOut(int64(len(payload)))
	ex.Flow.Finish("")
}

// streamGenerate picks the framing from the alt query parameter: SSE
// data lines for alt=sse, a streamed JSON array otherwise.
func (h *Handler) streamGenerate(c *gin.Context, ex *orchestrator.Exchange) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		ex.Flow.Finish(string(apperr.KindInternal))
		h.WriteAppError(c, translator.FormatGemini, apperr.Internal("streaming unsupported by this connection", nil))
		return
	}

	events, err := h.Orch.Stream(c.Request.Context(), ex)
	if err != nil {
		h.WriteAppError(c, translator.FormatGemini, err)
		return
	}

	if strings.EqualFold(c.Query("alt"), "sse") {
		h.streamSSE(c, ex, events, flusher)
		return
	}
	h.streamArray(c, ex, events, flusher)
}

func (h *Handler) streamSSE(c *gin.Context, ex *orchestrator.Exchange, events <-chan translator.StreamEvent, flusher http.Flusher) {
	handlers.SSEHeaders(c)
	var param any
	var usage translator.Usage
	for ev := range events {
		if ev.Usage != nil {
			usage = *ev.Usage
		}
		for _, frame := range h.Registry.RenderStream(c.Request.Context(), translator.FormatGemini, ex.Request.RequestedModel, ev, &param) {
			n := handlers.WriteSSEData(c.Writer, frame)
			ex.Flow.AddBytesOut(int64(n))
		}
		flusher.Flush()
	}
	h.TagUsage(c, usage)
}

func (h *Handler) streamArray(c *gin.Context, ex *orchestrator.Exchange, events <-chan translator.StreamEvent, flusher http.Flusher) {
	c.Header("Content-Type", "application/json")
	write := func(s string) {
		n, _ := c.Writer.WriteString(s)
		ex.Flow.AddBytesOut(int64(n))
	}

	write("[")
	flusher.Flush()
	var param any
	var usage translator.Usage
	first := true
	for ev := range events {
		if ev.Usage != nil {
			usage = *ev.Usage
		}
		for _, frame := range h.Registry.RenderStream(c.Request.Context(), translator.FormatGemini, ex.Request.RequestedModel, ev, &param) {
			if !first {
				write(",")
			}
			first = false
			write(frame)
		}
		flusher.Flush()
	}
	write("]")
	flusher.Flush()
	h.TagUsage(c, usage)
}
