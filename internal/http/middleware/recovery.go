package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"basegraph.app/parley/common/logger"
	"github.com/gin-gonic/gin"
)

// Recovery turns a handler panic into a 500 without exposing its cause.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				ctx := logger.WithLogFields(c.Request.Context(), logger.LogFields{Component: "parley.http"})

				slog.ErrorContext(ctx, "panic recovered",
					"panic", r,
					"method", c.Request.Method,
					"route", c.FullPath(),
					"stack", string(debug.Stack()))

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()
		c.Next()
	}
}
