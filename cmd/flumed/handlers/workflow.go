package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/flumeworks/flume/cmd/flumed/container"
	"github.com/flumeworks/flume/cmd/flumed/middleware"
	"github.com/flumeworks/flume/common/graph"
	"github.com/flumeworks/flume/common/ratelimit"
	"github.com/flumeworks/flume/common/repository"
)

// WorkflowHandler handles HTTP requests for the workflow catalog
type WorkflowHandler struct {
	container *container.Container
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(c *container.Container) *WorkflowHandler {
	return &WorkflowHandler{container: c}
}

// Validate checks a workflow document without registering or running it.
// Always responds 200; the verdict is in the body.
// POST /api/v1/workflows/validate
func (h *WorkflowHandler) Validate(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "failed to read request body",
		})
	}

	wf, err := graph.Parse(body)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"valid": false,
			"error": err.Error(),
		})
	}

	profile := ratelimit.InspectWorkflow(wf)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"valid":       true,
		"workflow_id": wf.ID,
		"nodes":       len(wf.Nodes),
		"edges":       len(wf.Edges),
		"tier":        string(profile.Tier),
	})
}

// Register stores a workflow in the catalog so webhooks and cron
// schedules can reference it by ID. Re-registering the same ID replaces
// the definition and its schedule.
// POST /api/v1/workflows
func (h *WorkflowHandler) Register(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := middleware.GetTenant(c)
	log := h.container.Components.Logger

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "failed to read request body",
		})
	}

	wf, err := graph.Parse(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
	}
	wf.TenantID = tenantID

	if err := h.container.Catalog.Put(ctx, wf); err != nil {
		log.Error("failed to register workflow",
			"workflow_id", wf.ID,
			"tenant", tenantID,
			"error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to register workflow",
		})
	}

	scheduled, err := h.container.Cron.Register(wf)
	if err != nil {
		// The definition is stored but its schedule is unusable; surface
		// that instead of silently never firing.
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
	}

	// Webhooks read through the cache; drop any stale definition.
	if err := h.container.Components.Cache.Delete(ctx, workflowCacheKey(tenantID, wf.ID)); err != nil {
		log.Warn("failed to invalidate workflow cache",
			"workflow_id", wf.ID,
			"error", err)
	}

	log.Info("workflow registered",
		"workflow_id", wf.ID,
		"tenant", tenantID,
		"scheduled", scheduled)

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"workflow_id": wf.ID,
		"scheduled":   scheduled,
	})
}

// Get returns a registered workflow definition.
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := middleware.GetTenant(c)
	workflowID := c.Param("id")

	if workflowID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "workflow id is required",
		})
	}

	wf, err := h.container.Catalog.Get(ctx, tenantID, workflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"error": "workflow not found",
			})
		}
		h.container.Components.Logger.Error("failed to load workflow",
			"workflow_id", workflowID,
			"error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to load workflow",
		})
	}

	return c.JSON(http.StatusOK, wf)
}

// List returns the tenant's registered workflows.
// GET /api/v1/workflows
func (h *WorkflowHandler) List(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := middleware.GetTenant(c)

	workflows, err := h.container.Catalog.List(ctx, tenantID)
	if err != nil {
		h.container.Components.Logger.Error("failed to list workflows",
			"tenant", tenantID,
			"error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to list workflows",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// Delete removes a workflow from the catalog and unschedules it.
// Running executions keep their workflow snapshot and are unaffected.
// DELETE /api/v1/workflows/:id
func (h *WorkflowHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := middleware.GetTenant(c)
	workflowID := c.Param("id")
	log := h.container.Components.Logger

	if workflowID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "workflow id is required",
		})
	}

	if err := h.container.Catalog.Delete(ctx, tenantID, workflowID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"error": "workflow not found",
			})
		}
		log.Error("failed to delete workflow",
			"workflow_id", workflowID,
			"error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to delete workflow",
		})
	}

	h.container.Cron.Unregister(workflowID)
	if err := h.container.Components.Cache.Delete(ctx, workflowCacheKey(tenantID, workflowID)); err != nil {
		log.Warn("failed to invalidate workflow cache",
			"workflow_id", workflowID,
			"error", err)
	}

	log.Info("workflow deleted",
		"workflow_id", workflowID,
		"tenant", tenantID)

	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflow_id": workflowID,
		"deleted":     true,
	})
}
