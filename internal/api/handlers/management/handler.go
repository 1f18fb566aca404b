// Package management implements the /api surface: status and stats,
// account CRUD and refresh, token discovery, interactive Kiro logins,
// the flow inspector, and state export/import.
package management

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/flows"
	"github.com/kiroproxy/kiroproxy/internal/usage"
)

// Handler carries the collaborators behind the management routes. Every
// route method hangs off this one struct.
type Handler struct {
	store     *auth.Store
	refresher *auth.Refresher
	flows     *flows.Recorder
	tracker   *usage.Tracker
	quota     *usage.QuotaService
	kiro      *kiro.Client
	getConfig func() *config.Config
	version   string
	startedAt time.Time

	mu       sync.Mutex
	logins   map[string]*loginSession
	socials  map[string]*socialSession
	upgrader ws.Upgrader
}

// Options wires a Handler. Store is required; nil collaborators disable
// the routes that need them with a 503 instead of a panic.
type Options struct {
	Store     *auth.Store
	Refresher *auth.Refresher
	Flows     *flows.Recorder
	Tracker   *usage.Tracker
	Quota     *usage.QuotaService
	Kiro      *kiro.Client
	GetConfig func() *config.Config
	Version   string
}

// NewHandler builds the management handler.
func NewHandler(opts Options) *Handler {
	h := &Handler{
		store:     opts.Store,
		refresher: opts.Refresher,
		flows:     opts.Flows,
		tracker:   opts.Tracker,
		quota:     opts.Quota,
		kiro:      opts.Kiro,
		getConfig: opts.GetConfig,
		version:   opts.Version,
		startedAt: time.Now(),
		logins:    make(map[string]*loginSession),
		socials:   make(map[string]*socialSession),
	}
	if h.kiro == nil {
		h.kiro = kiro.NewClient()
	}
	if h.getConfig == nil {
		h.getConfig = func() *config.Config { return &config.Config{} }
	}
	h.upgrader = ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkWSOrigin,
	}
	return h
}

// checkWSOrigin admits same-host browsers and non-browser clients that
// send no Origin header at all.
func checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": msg})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": msg})
}

func unavailable(c *gin.Context, msg string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": msg})
}
