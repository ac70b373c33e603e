package middleware

import (
	"log/slog"
	"strconv"
	"time"

	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Logger logs one line per request and records its latency. Probes of
// /health and /metrics are logged at debug.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		metrics.HTTPRequests.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(status/100)+"xx").
			Observe(latency.Seconds())

		ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{Component: "parley.http"})
		attrs := []any{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if sessionID := c.Param("session_id"); sessionID != "" {
			attrs = append(attrs, "session_id", sessionID)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			slog.ErrorContext(ctx, "request failed", attrs...)
		case status >= 400:
			slog.WarnContext(ctx, "request rejected", attrs...)
		case route == "/health" || route == "/metrics":
			slog.DebugContext(ctx, "probe served", attrs...)
		default:
			slog.InfoContext(ctx, "request served", attrs...)
		}
	}
}
