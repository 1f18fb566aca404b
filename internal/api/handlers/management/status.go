package management

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/logging"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 90 * time.Second
	wsPingInterval = 30 * time.Second
)

type accountTally struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Cooldown  int `json:"cooldown"`
	Unhealthy int `json:"unhealthy"`
	Disabled  int `json:"disabled"`
}

func (h *Handler) tallyAccounts(now time.Time) accountTally {
	var t accountTally
	for _, acc := range h.store.List() {
		t.Total++
		switch acc.Health(now) {
		case auth.HealthActive:
			t.Active++
		case auth.HealthCooldown:
			t.Cooldown++
		case auth.HealthUnhealthy:
			t.Unhealthy++
		case auth.HealthDisabled:
			t.Disabled++
		}
	}
	return t
}

// GetStatus reports the service card shown on the dashboard landing view.
// GET /api/status
func (h *Handler) GetStatus(c *gin.Context) {
	now := time.Now()
	cfg := h.getConfig()
	resp := gin.H{
		"ok":             true,
		"version":        h.version,
		"uptime_seconds": int64(now.Sub(h.startedAt).Seconds()),
		"accounts":       h.tallyAccounts(now),
		"usage_tracking": h.tracker != nil && h.tracker.Enabled(),
		"metrics":        cfg.GetMetricsEnabled(),
	}
	if err, at := h.store.LastPersistError(); err != nil {
		resp["last_persist_error"] = err.Error()
		resp["last_persist_at"] = at
	}
	c.JSON(http.StatusOK, resp)
}

// GetStats reports aggregate counters for the stats header row.
// GET /api/stats
func (h *Handler) GetStats(c *gin.Context) {
	now := time.Now()
	tally := h.tallyAccounts(now)
	resp := gin.H{
		"uptime_seconds":     int64(now.Sub(h.startedAt).Seconds()),
		"accounts_total":     tally.Total,
		"accounts_available": tally.Active,
		"accounts_cooldown":  tally.Cooldown,
	}
	if h.tracker != nil {
		sum := h.tracker.Snapshot()
		rate := 0.0
		if sum.TotalRequests > 0 {
			rate = float64(sum.FailureCount) / float64(sum.TotalRequests) * 100
		}
		resp["total_requests"] = sum.TotalRequests
		resp["total_errors"] = sum.FailureCount
		resp["error_rate"] = fmt.Sprintf("%.1f%%", rate)
		resp["input_tokens"] = sum.InputTokens
		resp["output_tokens"] = sum.OutputTokens
		resp["avg_latency_ms"] = sum.AvgLatencyMs
		resp["cost_avoided_usd"] = sum.CostAvoidedUSD
	}
	c.JSON(http.StatusOK, resp)
}

// GetStatsDetailed reports per-model, per-account, and per-protocol
// breakdowns plus the daily history.
// GET /api/stats/detailed
func (h *Handler) GetStatsDetailed(c *gin.Context) {
	if h.tracker == nil {
		unavailable(c, "usage tracking is not wired")
		return
	}
	c.JSON(http.StatusOK, h.tracker.DetailedSnapshot())
}

// GetQuota reports upstream quota standing for every account. The cached
// value is served unless ?force=true.
// GET /api/quota
func (h *Handler) GetQuota(c *gin.Context) {
	if h.quota == nil {
		unavailable(c, "quota service is not wired")
		return
	}
	force := c.Query("force") == "true"
	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"accounts": h.quota.All(c.Request.Context(), force),
	})
}

// GetLogs serves the most recent in-memory log lines, newest first.
// GET /api/logs?limit=N
func (h *Handler) GetLogs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	entries := logging.GlobalBuffer.GetRecentEntries(limit)
	// Reverse so the newest entry leads.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":  entries,
		"total": logging.GlobalBuffer.Len(),
	})
}

// StreamLogs upgrades to a websocket and pushes log entries as they are
// emitted, after replaying a short tail of history.
// GET /api/logs/stream
func (h *Handler) StreamLogs(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("log stream upgrade failed")
		return
	}
	defer conn.Close()

	entries, cancel := logging.GlobalBroadcaster.Subscribe()
	defer cancel()

	for _, entry := range logging.GlobalBuffer.GetRecentEntries(50) {
		if err := writeWSJSON(conn, entry); err != nil {
			return
		}
	}
	h.pumpWS(c, conn, func() (any, bool) {
		entry, ok := <-entries
		return entry, ok
	})
}

// pumpWS forwards values from next() to the socket until either side
// goes away. A reader goroutine watches for the client closing and pings
// keep intermediaries from idling the connection out.
func (h *Handler) pumpWS(c *gin.Context, conn *ws.Conn, next func() (any, bool)) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingInterval)
	defer pings.Stop()

	values := make(chan any)
	go func() {
		defer close(values)
		for {
			v, ok := next()
			if !ok {
				return
			}
			select {
			case values <- v:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case <-pings.C:
			if err := conn.WriteControl(ws.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case v, ok := <-values:
			if !ok {
				return
			}
			if err := writeWSJSON(conn, v); err != nil {
				return
			}
		}
	}
}

func writeWSJSON(conn *ws.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
