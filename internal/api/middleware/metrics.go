// Package middleware holds the gin middleware shared by the model and
// management surfaces: Prometheus metrics, request decompression, the
// management-key gate, and the in-flight cap.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Context keys the protocol handlers set so the metrics middleware can
// label upstream counters after the response is written.
const (
	CtxKeyProtocol     = "proxy_protocol"
	CtxKeyModel        = "proxy_model"
	CtxKeyInputTokens  = "proxy_input_tokens"
	CtxKeyOutputTokens = "proxy_output_tokens"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiroproxy_http_requests_total",
			Help: "Total HTTP requests by method, path, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiroproxy_http_request_duration_seconds",
			Help:    "HTTP request latency by method and path.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"method", "path"},
	)

	httpResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiroproxy_http_response_size_bytes",
			Help:    "HTTP response body size by method and path.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		},
		[]string{"method", "path"},
	)

	activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiroproxy_active_requests",
			Help: "Requests currently being served.",
		},
	)

	modelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiroproxy_model_requests_total",
			Help: "Completion requests by client protocol and upstream model.",
		},
		[]string{"protocol", "model"},
	)

	tokenUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiroproxy_token_usage_total",
			Help: "Token usage by protocol, model, and direction.",
		},
		[]string{"protocol", "model", "direction"},
	)

	requestErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiroproxy_request_errors_total",
			Help: "Failed requests by error class and client protocol.",
		},
		[]string{"class", "protocol"},
	)

	accountStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiroproxy_accounts",
			Help: "Accounts in the pool by health state.",
		},
		[]string{"state"},
	)
)

var (
	metricsEnabled    atomic.Bool
	metricsRegistered atomic.Bool
	accountStateFn    atomic.Value // func() map[string]int
)

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled toggles metric collection and the /metrics endpoint.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// IsMetricsEnabled reports whether metric collection is active.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// SetAccountStateSource installs the callback that reports how many
// accounts sit in each health state. The gauge refreshes on request
// traffic, not on a timer.
func SetAccountStateSource(fn func() map[string]int) {
	if fn != nil {
		accountStateFn.Store(fn)
	}
}

// RegisterMetrics registers all collectors with the default registry.
// Safe to call more than once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		httpResponseSize,
		activeRequests,
		modelRequestsTotal,
		tokenUsageTotal,
		requestErrorsTotal,
		accountStates,
	)
}

// PrometheusMiddleware records request counters and latency. Disabled
// metrics make it a pass-through.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.Next()
			return
		}
		RegisterMetrics()

		start := time.Now()
		path := normalizePath(c.Request.URL.Path)
		method := c.Request.Method

		activeRequests.Inc()
		c.Next()
		activeRequests.Dec()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size > 0 {
			httpResponseSize.WithLabelValues(method, path).Observe(float64(size))
		}

		protocol := c.GetString(CtxKeyProtocol)
		if model := c.GetString(CtxKeyModel); model != "" && protocol != "" {
			modelRequestsTotal.WithLabelValues(protocol, model).Inc()
			if in := c.GetInt64(CtxKeyInputTokens); in > 0 {
				tokenUsageTotal.WithLabelValues(protocol, model, "input").Add(float64(in))
			}
			if out := c.GetInt64(CtxKeyOutputTokens); out > 0 {
				tokenUsageTotal.WithLabelValues(protocol, model, "output").Add(float64(out))
			}
		}

		if c.Writer.Status() >= 400 {
			class := "client_error"
			if c.Writer.Status() >= 500 {
				class = "server_error"
			}
			if protocol == "" {
				protocol = "unknown"
			}
			requestErrorsTotal.WithLabelValues(class, protocol).Inc()
		}

		if fn, ok := accountStateFn.Load().(func() map[string]int); ok {
			for state, n := range fn() {
				accountStates.WithLabelValues(state).Set(float64(n))
			}
		}
	}
}

// normalizePath collapses dynamic segments so metric cardinality stays
// bounded.
func normalizePath(path string) string {
	switch {
	case path == "/" || path == "/healthz" || path == "/metrics":
		return path
	case path == "/v1/models" || path == "/v1/chat/completions" ||
		path == "/v1/messages" || path == "/v1/messages/count_tokens":
		return path
	case strings.HasPrefix(path, "/v1/models/"):
		return "/v1/models/*"
	case strings.HasPrefix(path, "/api/accounts"):
		return "/api/accounts/*"
	case strings.HasPrefix(path, "/api/flows"):
		return "/api/flows/*"
	case strings.HasPrefix(path, "/api/"):
		return "/api/*"
	default:
		if len(path) > 50 {
			return path[:50] + "..."
		}
		return path
	}
}

// MetricsHandler serves /metrics, hidden entirely while metrics are
// disabled.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}
