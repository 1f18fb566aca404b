package middleware

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// InflightLimit caps concurrent model-surface requests. The limit is
// read per request so config reloads take effect without restarting;
// zero or negative means unlimited. Over-limit requests are rejected
// immediately rather than queued, matching how clients retry.
func InflightLimit(limit func() int) gin.HandlerFunc {
	var inflight atomic.Int64
	return func(c *gin.Context) {
		max := limit()
		if max <= 0 {
			c.Next()
			return
		}
		if inflight.Add(1) > int64(max) {
			inflight.Add(-1)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"message": "too many concurrent requests",
					"type":    "rate_limit_error",
				},
			})
			return
		}
		defer inflight.Add(-1)
		c.Next()
	}
}
