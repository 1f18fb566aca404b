package handlers

import (
	"bytes"
	"io"
	"sync"

	"github.com/gin-gonic/gin"
)

var sseBufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

var (
	sseDataPrefix  = []byte("data: ")
	sseEventPrefix = []byte("event: ")
	sseSuffix      = []byte("\n\n")
)

// SSEHeaders sets the response headers for a server-sent event stream.
func SSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
}

// WriteSSEData writes one "data:" frame and reports the bytes written.
func WriteSSEData(w io.Writer, data string) int {
	if w == nil || data == "" {
		return 0
	}
	buf := sseBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	buf.Grow(len(sseDataPrefix) + len(data) + len(sseSuffix))
	_, _ = buf.Write(sseDataPrefix)
	_, _ = buf.WriteString(data)
	_, _ = buf.Write(sseSuffix)
	n, _ := w.Write(buf.Bytes())
	buf.Reset()
	sseBufferPool.Put(buf)
	return n
}

// WriteSSEEvent writes a named event frame ("event: name\ndata: ...")
// and reports the bytes written. An empty name degrades to a plain
// data frame.
func WriteSSEEvent(w io.Writer, event, data string) int {
	if w == nil || data == "" {
		return 0
	}
	if event == "" {
		return WriteSSEData(w, data)
	}
	buf := sseBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	buf.Grow(len(sseEventPrefix) + len(event) + 1 + len(sseDataPrefix) + len(data) + len(sseSuffix))
	_, _ = buf.Write(sseEventPrefix)
	_, _ = buf.WriteString(event)
	_ = buf.WriteByte('\n')
	_, _ = buf.Write(sseDataPrefix)
	_, _ = buf.WriteString(data)
	_, _ = buf.Write(sseSuffix)
	n, _ := w.Write(buf.Bytes())
	buf.Reset()
	sseBufferPool.Put(buf)
	return n
}
