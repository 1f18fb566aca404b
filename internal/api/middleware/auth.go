package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// ManagementAuth gates the /api surface behind the management key. An
// empty key leaves the surface open, the default for a local tool. The
// configured value may be plaintext or a bcrypt hash; clients present
// the secret via X-Management-Key, a bearer token, or the key query
// parameter (websocket clients cannot set headers).
func ManagementAuth(secret func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		want := strings.TrimSpace(secret())
		if want == "" {
			c.Next()
			return
		}

		got := presentedKey(c)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "management key required"})
			return
		}
		if !keyMatches(want, got) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}
		c.Next()
	}
}

func presentedKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("X-Management-Key")); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(c.Query("key"))
}

func keyMatches(want, got string) bool {
	if strings.HasPrefix(want, "$2a$") || strings.HasPrefix(want, "$2b$") || strings.HasPrefix(want, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(want), []byte(got)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
