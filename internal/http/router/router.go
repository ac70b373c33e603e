package router

import (
	"basegraph.app/parley/internal/http/handler"
	"basegraph.app/parley/internal/http/middleware"
	"basegraph.app/parley/internal/queue"
	"basegraph.app/parley/internal/tool"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	TraceHeaderName string
	AdminAPIKey     string
}

type Dependencies struct {
	Registry *tool.Registry
	Sessions handler.SessionRegistry
	Producer queue.Producer
}

func SetupRoutes(router *gin.Engine, deps Dependencies, cfg RouterConfig) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(middleware.RequireAdminKey(cfg.AdminAPIKey))
	{
		toolsHandler := handler.NewToolsHandler(deps.Registry)
		ToolsRouter(v1.Group("/tools"), toolsHandler)

		sessionHandler := handler.NewSessionHandler(deps.Sessions, deps.Producer, cfg.TraceHeaderName)
		SessionRouter(v1.Group("/sessions"), sessionHandler)
	}
}

func ToolsRouter(rg *gin.RouterGroup, h *handler.ToolsHandler) {
	rg.GET("", h.List)
}

func SessionRouter(rg *gin.RouterGroup, h *handler.SessionHandler) {
	rg.GET("", h.List)
	rg.DELETE("/:session_id", h.Abort)
	rg.POST("/:session_id/messages", h.Enqueue)
}
