package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/flumeworks/flume/cmd/flumed/container"
	"github.com/flumeworks/flume/cmd/flumed/handlers"
	commonmw "github.com/flumeworks/flume/common/middleware"
)

// RegisterWorkflowRoutes registers all workflow catalog routes
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c)
	cfg := c.Components.Config

	workflows := e.Group("/api/v1/workflows")
	workflows.Use(commonmw.TenantRateLimitMiddleware(c.Limiter, int64(cfg.API.TenantRateLimit)))
	{
		workflows.POST("/validate", h.Validate)  // POST /api/v1/workflows/validate
		workflows.POST("", h.Register)           // POST /api/v1/workflows
		workflows.GET("", h.List)                // GET /api/v1/workflows
		workflows.GET("/:id", h.Get)             // GET /api/v1/workflows/{workflow_id}
		workflows.DELETE("/:id", h.Delete)       // DELETE /api/v1/workflows/{workflow_id}
	}
}
