package management

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/flows"
)

// ListFlows reports recent request flows, newest first, filtered by the
// query parameters.
// GET /api/flows?protocol=&model=&account=&status=&bookmarked=&errors=&limit=
func (h *Handler) ListFlows(c *gin.Context) {
	if h.flows == nil {
		unavailable(c, "flow recorder is not wired")
		return
	}
	filter := flows.Filter{
		Protocol:   c.Query("protocol"),
		Model:      c.Query("model"),
		AccountID:  c.Query("account"),
		Status:     c.Query("status"),
		Bookmarked: c.Query("bookmarked") == "true",
		ErrorsOnly: c.Query("errors") == "true",
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	records := h.flows.List(filter)
	c.JSON(http.StatusOK, gin.H{
		"flows": records,
		"total": h.flows.Len(),
	})
}

// GetFlow reports one flow record by id.
// GET /api/flows/{id}
func (h *Handler) GetFlow(c *gin.Context) {
	if h.flows == nil {
		unavailable(c, "flow recorder is not wired")
		return
	}
	rec, ok := h.flows.Get(c.Param("id"))
	if !ok {
		notFound(c, "no flow with that id")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// BookmarkFlow toggles the bookmark flag, which also exempts the record
// from eviction.
// POST /api/flows/{id}/bookmark
func (h *Handler) BookmarkFlow(c *gin.Context) {
	if h.flows == nil {
		unavailable(c, "flow recorder is not wired")
		return
	}
	bookmarked, ok := h.flows.ToggleBookmark(c.Param("id"))
	if !ok {
		notFound(c, "no flow with that id")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "bookmarked": bookmarked})
}

// ClearFlows drops finished flow records. Bookmarked records survive
// unless ?all=true.
// DELETE /api/flows
func (h *Handler) ClearFlows(c *gin.Context) {
	if h.flows == nil {
		unavailable(c, "flow recorder is not wired")
		return
	}
	removed := h.flows.Clear(c.Query("all") == "true")
	c.JSON(http.StatusOK, gin.H{"ok": true, "removed": removed})
}

// StreamFlows upgrades to a websocket and pushes every flow transition
// as it is recorded.
// GET /api/flows/stream
func (h *Handler) StreamFlows(c *gin.Context) {
	if h.flows == nil {
		unavailable(c, "flow recorder is not wired")
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("flow stream upgrade failed")
		return
	}
	defer conn.Close()

	records, cancel := h.flows.Subscribe()
	defer cancel()

	h.pumpWS(c, conn, func() (any, bool) {
		rec, ok := <-records
		return rec, ok
	})
}
