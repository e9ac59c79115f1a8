package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/flumeworks/flume/cmd/flumed/container"
	flumemw "github.com/flumeworks/flume/cmd/flumed/middleware"
	"github.com/flumeworks/flume/cmd/flumed/routes"
	"github.com/flumeworks/flume/common/bootstrap"
	commonmw "github.com/flumeworks/flume/common/middleware"
	"github.com/flumeworks/flume/common/server"
	"github.com/flumeworks/flume/common/telemetry"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (config, logger, DB, Redis, queue, cache)
	components, err := bootstrap.Setup(ctx, "flumed")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap flumed: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize engine container (singleton pattern - all components created once)
	engineContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize engine container: %v\n", err)
		os.Exit(1)
	}

	// Migrate, recover interrupted executions, start cron and the wait sweeper
	if err := engineContainer.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start engine container: %v\n", err)
		os.Exit(1)
	}

	if components.Config.Service.EnablePprof {
		t := telemetry.New(components.Config.Service.PprofPort, components.Logger)
		if err := t.Start(ctx); err != nil {
			components.Logger.Warn("failed to start telemetry", "error", err)
		}
	}

	// Initialize Echo server
	e := setupEcho()

	// Setup middleware
	setupMiddleware(e, engineContainer)

	// Setup health checks
	setupHealthChecks(e, components)

	// Register all routes
	registerRoutes(e, engineContainer)

	// Start server with graceful shutdown
	startServer(e, engineContainer)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo, c *container.Container) {
	cfg := c.Components.Config

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(flumemw.ExtractTenant(cfg.API.TenantHeader))
	e.Use(commonmw.GlobalRateLimitMiddleware(c.Limiter, int64(cfg.API.GlobalRateLimit)))
}

// setupHealthChecks registers liveness and readiness endpoints
func setupHealthChecks(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "flumed",
		})
	})

	// Readiness fails while Postgres or Redis are unreachable so load
	// balancers hold traffic until the engine can persist.
	e.GET("/ready", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}
		return c.JSON(http.StatusOK, map[string]string{
			"status": "ready",
		})
	})
}

// registerRoutes registers all application routes using the engine container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterExecutionRoutes(e, c)
	routes.RegisterWorkflowRoutes(e, c)
	routes.RegisterWebhookRoutes(e, c)
}

// startServer runs the HTTP listener until SIGINT/SIGTERM, then drains
// requests and stops the engine container. Interrupted executions keep
// their running status and recover on the next boot.
func startServer(e *echo.Echo, c *container.Container) {
	components := c.Components
	srv := server.New("flumed", components.Config.Service.Port, e, components.Logger)
	srv.OnShutdown(c.Stop)

	if err := srv.Start(); err != nil {
		components.Logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
