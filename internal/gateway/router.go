// Package gateway exposes the orchestrator over HTTP and WebSocket.
package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loomhq/loom/internal/common/httpmw"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/orchestrator"
	"github.com/loomhq/loom/internal/orchestrator/streaming"
)

// NewRouter configures the gateway routes on a fresh gin engine.
func NewRouter(coord *orchestrator.Coordinator, hub *streaming.Hub, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "gateway"))
	router.Use(httpmw.OtelTracing("gateway"))
	router.Use(corsMiddleware())

	handler := NewHandler(coord, hub, log)

	router.GET("/health", handler.Health)

	// WebSocket endpoint - primary realtime transport
	router.GET("/ws/projects/:id", handler.StreamProject)

	projects := router.Group("/api/v1/projects")
	{
		projects.POST("", handler.CreateProject)
		projects.GET("", handler.ListProjects)
		projects.GET("/:id", handler.GetProject)
		projects.POST("/:id/chat", handler.Chat)
		projects.POST("/:id/step", handler.Step)
		projects.POST("/:id/cancel", handler.CancelProject)
		projects.DELETE("/:id", handler.DeleteProject)
		projects.GET("/:id/messages", handler.GetMessages)
		projects.GET("/:id/artifacts", handler.ListArtifacts)
		projects.GET("/:id/artifacts/:name", handler.GetArtifact)
		projects.GET("/:id/runs", handler.GetRuns)
	}

	return router
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, X-User-ID, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
