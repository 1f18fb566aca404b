package management

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/kiroproxy/kiroproxy/internal/config"
)

// ExportConfig serves the portable state document: accounts with
// credentials, governor toggles, and token scan paths.
// GET /api/config/export
func (h *Handler) ExportConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"exported_at": time.Now().UTC(),
		"state":       h.store.ExportSnapshot(),
	})
}

// ImportConfig merges a previously exported state document into the
// running pool. Both the bare document and the export wrapper are
// accepted.
// POST /api/config/import
func (h *Handler) ImportConfig(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		badRequest(c, "failed to read request body")
		return
	}
	raw := body
	if nested := gjson.GetBytes(body, "state"); nested.Exists() && nested.IsObject() {
		raw = []byte(nested.Raw)
	}

	var st config.State
	if err := json.Unmarshal(raw, &st); err != nil {
		badRequest(c, "invalid state document: "+err.Error())
		return
	}
	if len(st.Accounts) == 0 {
		badRequest(c, "state document holds no accounts")
		return
	}

	added, merged := h.store.ImportSnapshot(&st)
	log.WithFields(log.Fields{"added": added, "merged": merged}).Info("state imported via management API")
	c.JSON(http.StatusOK, gin.H{
		"ok":     true,
		"added":  added,
		"merged": merged,
	})
}
