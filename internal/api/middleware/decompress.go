package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
)

// maxDecompressedBytes caps inflated request bodies. Real client
// requests sit far below this.
const maxDecompressedBytes = 128 << 20 // 128MiB

// RequestDecompression transparently inflates gzip and brotli request
// bodies. net/http does not decode request bodies, so without this a
// compressed JSON payload reaches the parsers as raw bytes and fails
// with confusing 400s.
func RequestDecompression() gin.HandlerFunc {
	return func(c *gin.Context) {
		enc := strings.ToLower(strings.TrimSpace(c.GetHeader("Content-Encoding")))

		var reader io.Reader
		switch {
		case enc == "" || enc == "identity":
			c.Next()
			return
		case strings.Contains(enc, "gzip"):
			gzr, err := gzip.NewReader(c.Request.Body)
			if err != nil {
				abortDecompress(c, http.StatusBadRequest, "invalid gzip request body")
				return
			}
			defer gzr.Close()
			reader = gzr
		case strings.Contains(enc, "br"):
			reader = brotli.NewReader(c.Request.Body)
		default:
			abortDecompress(c, http.StatusUnsupportedMediaType, "unsupported content-encoding: "+enc)
			return
		}

		decoded, err := io.ReadAll(io.LimitReader(reader, maxDecompressedBytes+1))
		if err != nil {
			abortDecompress(c, http.StatusBadRequest, "failed to decompress request body")
			return
		}
		if int64(len(decoded)) > maxDecompressedBytes {
			abortDecompress(c, http.StatusRequestEntityTooLarge, "decompressed request body too large")
			return
		}

		c.Request.Body = io.NopCloser(bytes.NewReader(decoded))
		c.Request.ContentLength = int64(len(decoded))
		c.Request.Header.Del("Content-Encoding")
		c.Next()
	}
}

func abortDecompress(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    "invalid_request_error",
		},
	})
}
