package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/flumeworks/flume/cmd/flumed/container"
	"github.com/flumeworks/flume/cmd/flumed/handlers"
)

// RegisterWebhookRoutes registers webhook trigger ingress routes
func RegisterWebhookRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWebhookHandler(c)

	webhooks := e.Group("/api/v1/webhooks")
	{
		webhooks.POST("/:workflow_id", h.Trigger)  // POST /api/v1/webhooks/{workflow_id}
	}
}
