package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/flumeworks/flume/cmd/flumed/container"
	"github.com/flumeworks/flume/cmd/flumed/handlers"
)

// RegisterExecutionRoutes registers all execution-related routes
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewExecutionHandler(c)

	executions := e.Group("/api/v1/executions")
	{
		executions.POST("", h.Submit)             // POST /api/v1/executions
		executions.GET("", h.List)                // GET /api/v1/executions?limit=50
		executions.GET("/:id", h.Get)             // GET /api/v1/executions/{execution_id}
		executions.POST("/:id/cancel", h.Cancel)  // POST /api/v1/executions/{execution_id}/cancel
		executions.POST("/:id/resume", h.Resume)  // POST /api/v1/executions/{execution_id}/resume
	}
}
