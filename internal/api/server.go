// Package api assembles the HTTP server: the OpenAI, Anthropic, and Gemini
// model surfaces, the /api management plane, health, and metrics. Routing
// and middleware live here; request semantics live in the handler packages.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/api/handlers"
	"github.com/kiroproxy/kiroproxy/internal/api/handlers/claude"
	"github.com/kiroproxy/kiroproxy/internal/api/handlers/gemini"
	"github.com/kiroproxy/kiroproxy/internal/api/handlers/management"
	"github.com/kiroproxy/kiroproxy/internal/api/handlers/openai"
	"github.com/kiroproxy/kiroproxy/internal/api/middleware"
	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/flows"
	"github.com/kiroproxy/kiroproxy/internal/logging"
	"github.com/kiroproxy/kiroproxy/internal/orchestrator"
	"github.com/kiroproxy/kiroproxy/internal/usage"
)

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	engineConfigurator func(*gin.Engine)
	version            string
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends additional Gin middleware during server construction.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithEngineConfigurator allows callers to mutate the Gin engine prior to
// middleware setup.
func WithEngineConfigurator(fn func(*gin.Engine)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.engineConfigurator = fn
	}
}

// WithVersion sets the version string reported by /api/status and the root
// info card.
func WithVersion(v string) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.version = v
	}
}

// Deps carries the long-lived collaborators the server exposes over HTTP.
// Store and Orch are required; the rest degrade their routes gracefully
// when nil.
type Deps struct {
	Store     *auth.Store
	Refresher *auth.Refresher
	Orch      *orchestrator.Orchestrator
	Flows     *flows.Recorder
	Tracker   *usage.Tracker
	Quota     *usage.QuotaService
	Kiro      *kiro.Client
}

// Server hosts the model and management surfaces on one listener.
type Server struct {
	engine *gin.Engine
	server *http.Server

	// cfgHolder provides race-safe config snapshots for middleware reads.
	cfgHolder atomic.Value

	store   *auth.Store
	tracker *usage.Tracker
	base    *handlers.Base
	mgmt    *management.Handler
	version string
}

// NewServer creates and initializes the API server: gin engine, middleware
// stack, and the full route table.
func NewServer(cfg *config.Config, deps Deps, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	if optionState.engineConfigurator != nil {
		optionState.engineConfigurator(engine)
	}

	s := &Server{
		engine:  engine,
		store:   deps.Store,
		tracker: deps.Tracker,
		version: optionState.version,
	}
	s.cfgHolder.Store(cfg)

	middleware.SetMetricsEnabled(cfg.GetMetricsEnabled())
	if deps.Store != nil {
		middleware.SetAccountStateSource(s.accountStates)
	}
	if deps.Tracker != nil {
		deps.Tracker.SetEnabled(cfg.GetUsageStatisticsEnabled())
	}

	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	engine.Use(middleware.PrometheusMiddleware())
	engine.Use(middleware.RequestDecompression())
	engine.Use(corsMiddleware())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}

	s.base = handlers.NewBase(deps.Orch, nil, s.getConfig)
	s.mgmt = management.NewHandler(management.Options{
		Store:     deps.Store,
		Refresher: deps.Refresher,
		Flows:     deps.Flows,
		Tracker:   deps.Tracker,
		Quota:     deps.Quota,
		Kiro:      deps.Kiro,
		GetConfig: s.getConfig,
		Version:   optionState.version,
	})

	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.GetPort()),
		Handler: engine,
	}

	return s
}

// setupRoutes wires the route table. Model-surface API keys are accepted
// but never validated; the /api plane is gated by the management key when
// one is configured.
func (s *Server) setupRoutes() {
	openaiHandlers := openai.NewHandler(s.base)
	claudeHandlers := claude.NewHandler(s.base)
	geminiHandlers := gemini.NewHandler(s.base)

	v1 := s.engine.Group("/v1")
	v1.Use(middleware.InflightLimit(s.maxInflight))
	{
		v1.GET("/models", openaiHandlers.Models)
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
		v1.POST("/messages", claudeHandlers.Messages)
		v1.POST("/messages/count_tokens", claudeHandlers.CountTokens)
		// Gemini encodes the verb into the path, models/{model}:generateContent,
		// so the whole tail is one wildcard split by the handler.
		v1.POST("/models/*action", geminiHandlers.Generate)
	}

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "port": s.getConfig().GetPort()})
	})
	s.engine.GET("/metrics", middleware.MetricsHandler())

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"name":    "kiro-proxy",
			"version": s.version,
			"endpoints": []string{
				"POST /v1/chat/completions",
				"GET /v1/models",
				"POST /v1/messages",
				"POST /v1/messages/count_tokens",
				"POST /v1/models/{model}:generateContent",
				"POST /v1/models/{model}:streamGenerateContent",
			},
		})
	})

	api := s.engine.Group("/api")
	api.Use(middleware.ManagementAuth(s.managementKey))
	{
		api.GET("/status", s.mgmt.GetStatus)
		api.GET("/stats", s.mgmt.GetStats)
		api.GET("/stats/detailed", s.mgmt.GetStatsDetailed)
		api.GET("/quota", s.mgmt.GetQuota)
		api.GET("/logs", s.mgmt.GetLogs)
		api.GET("/logs/stream", s.mgmt.StreamLogs)

		api.GET("/accounts", s.mgmt.ListAccounts)
		api.POST("/accounts", s.mgmt.AddAccount)
		api.POST("/accounts/refresh-all", s.mgmt.RefreshAllAccounts)
		api.DELETE("/accounts/:id", s.mgmt.DeleteAccount)
		api.POST("/accounts/:id/toggle", s.mgmt.ToggleAccount)
		api.POST("/accounts/:id/refresh", s.mgmt.RefreshAccount)
		api.POST("/accounts/:id/restore", s.mgmt.RestoreAccount)
		api.GET("/accounts/:id/usage", s.mgmt.AccountUsage)

		api.POST("/token/scan", s.mgmt.ScanTokens)
		api.POST("/token/add-from-scan", s.mgmt.AddFromScan)
		api.GET("/token/refresh-check", s.mgmt.RefreshCheck)

		api.POST("/kiro/login/start", s.mgmt.StartLogin)
		api.POST("/kiro/login/poll", s.mgmt.PollLogin)
		api.POST("/kiro/login/cancel", s.mgmt.CancelLogin)
		api.POST("/kiro/social/start", s.mgmt.StartSocialLogin)
		api.POST("/kiro/social/exchange", s.mgmt.ExchangeSocialLogin)

		api.GET("/flows", s.mgmt.ListFlows)
		api.GET("/flows/stream", s.mgmt.StreamFlows)
		api.GET("/flows/:id", s.mgmt.GetFlow)
		api.POST("/flows/:id/bookmark", s.mgmt.BookmarkFlow)
		api.DELETE("/flows", s.mgmt.ClearFlows)

		api.GET("/config/export", s.mgmt.ExportConfig)
		api.POST("/config/import", s.mgmt.ImportConfig)
	}
}

// UpdateConfig applies a hot-reloaded configuration. Listen address changes
// require a restart; everything else takes effect immediately.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if s == nil || cfg == nil {
		return
	}
	old := s.getConfig()
	s.cfgHolder.Store(cfg)

	middleware.SetMetricsEnabled(cfg.GetMetricsEnabled())
	if s.tracker != nil {
		s.tracker.SetEnabled(cfg.GetUsageStatisticsEnabled())
	}
	if old != nil && (old.Debug != cfg.Debug || old.LogLevel != cfg.LogLevel) {
		logging.SetLogLevel(effectiveLogLevel(cfg))
	}
	if old != nil && (old.Host != cfg.Host || old.GetPort() != cfg.GetPort()) {
		log.Warnf("listen address change to %s:%d requires a restart", cfg.Host, cfg.GetPort())
	}
	log.Debug("server configuration updated")
}

// Start begins serving. It blocks until the listener closes and returns
// nil after a graceful shutdown.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("start server: not initialized")
	}
	log.Infof("listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down, letting in-flight requests drain
// until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) getConfig() *config.Config {
	if v := s.cfgHolder.Load(); v != nil {
		if cfg, ok := v.(*config.Config); ok {
			return cfg
		}
	}
	return &config.Config{}
}

func (s *Server) maxInflight() int {
	return s.getConfig().MaxInflight
}

// managementKey resolves the /api secret. The environment variable wins so
// a key can be injected without touching the config file.
func (s *Server) managementKey() string {
	if key := strings.TrimSpace(os.Getenv("KIRO_PROXY_MANAGEMENT_KEY")); key != "" {
		return key
	}
	return s.getConfig().ManagementKey
}

// accountStates feeds the account health gauge.
func (s *Server) accountStates() map[string]int {
	now := time.Now()
	states := make(map[string]int, 4)
	for _, acc := range s.store.List() {
		states[string(acc.Health(now))]++
	}
	return states
}

// corsMiddleware echoes the caller's origin. Browser dashboards on other
// local ports talk to both surfaces; the proxy trusts its network position.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "*")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func effectiveLogLevel(cfg *config.Config) string {
	if cfg.LogLevel != "" {
		return cfg.LogLevel
	}
	if cfg.Debug {
		return "debug"
	}
	return "info"
}
