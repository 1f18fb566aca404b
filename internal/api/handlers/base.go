// Package handlers carries what the protocol surfaces share: the base
// handler wiring, SSE framing, and the protocol error envelopes.
package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kiroproxy/kiroproxy/internal/api/middleware"
	"github.com/kiroproxy/kiroproxy/internal/apperr"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/orchestrator"
	"github.com/kiroproxy/kiroproxy/internal/translator"
)

// Base bundles the dependencies every protocol handler needs. The
// protocol packages embed it.
type Base struct {
	Orch      *orchestrator.Orchestrator
	Registry  *translator.Registry
	GetConfig func() *config.Config
}

// NewBase builds the shared handler state. A nil registry falls back to
// the package default.
func NewBase(orch *orchestrator.Orchestrator, reg *translator.Registry, getConfig func() *config.Config) *Base {
	if reg == nil {
		reg = translator.Default()
	}
	if getConfig == nil {
		getConfig = func() *config.Config { return &config.Config{} }
	}
	return &Base{Orch: orch, Registry: reg, GetConfig: getConfig}
}

// WriteAppError renders err in the protocol's native error envelope
// with its mapped HTTP status.
func (b *Base) WriteAppError(c *gin.Context, f translator.Format, err error) {
	appErr := apperr.From(err)
	payload := b.Registry.RenderError(f, appErr)
	c.Data(appErr.StatusCode(), "application/json", []byte(payload))
}

// TagRequest labels the gin context so the metrics middleware can
// attribute this request to a protocol and model.
func (b *Base) TagRequest(c *gin.Context, f translator.Format, ex *orchestrator.Exchange) {
	c.Set(middleware.CtxKeyProtocol, f.String())
	c.Set(middleware.CtxKeyModel, ex.Request.Model)
}

// ApplySessionHeader lets an X-Session-Id header outrank the session key
// the protocol body carried.
func (b *Base) ApplySessionHeader(c *gin.Context, ex *orchestrator.Exchange) {
	if sid := strings.TrimSpace(c.GetHeader("X-Session-Id")); sid != "" {
		ex.Request.SessionKey = sid
	}
}

// TagUsage labels the gin context with final token counts for the
// metrics middleware.
func (b *Base) TagUsage(c *gin.Context, usage translator.Usage) {
	if usage.InputTokens > 0 {
		c.Set(middleware.CtxKeyInputTokens, int64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		c.Set(middleware.CtxKeyOutputTokens, int64(usage.OutputTokens))
	}
}
