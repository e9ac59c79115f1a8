package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/flumeworks/flume/cmd/flumed/container"
	"github.com/flumeworks/flume/cmd/flumed/middleware"
	"github.com/flumeworks/flume/common/graph"
	"github.com/flumeworks/flume/common/ratelimit"
	"github.com/flumeworks/flume/common/scheduler"
	"github.com/flumeworks/flume/common/store"
)

// ExecutionHandler handles HTTP requests for workflow executions
type ExecutionHandler struct {
	container *container.Container
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(c *container.Container) *ExecutionHandler {
	return &ExecutionHandler{container: c}
}

// Submit accepts a workflow document plus input and queues it for launch.
// The 202 response carries the execution ID before the run is durable;
// the queue consumer makes it so.
// POST /api/v1/executions
func (h *ExecutionHandler) Submit(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := middleware.GetTenant(c)
	log := h.container.Components.Logger

	var req struct {
		Workflow json.RawMessage        `json:"workflow"`
		Input    map[string]interface{} `json:"input"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if len(req.Workflow) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "workflow is required",
		})
	}

	// Validate the document before accepting it; a 202 for a workflow
	// that can never start is a lie.
	wf, err := graph.Parse(req.Workflow)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
	}

	if req.Input != nil {
		if err := h.container.Validator.Validate(req.Input); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	// Tiered rate limiting: heavy workflows (many script/http nodes)
	// burn a smaller budget than simple ones.
	profile := ratelimit.InspectWorkflow(wf)
	limit, err := h.container.Limiter.CheckTieredLimit(ctx, tenantID, profile.Tier)
	if err == nil && !limit.Allowed {
		return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
			"error": "rate_limit_exceeded",
			"details": map[string]interface{}{
				"tier":                string(profile.Tier),
				"limit":               limit.Limit,
				"retry_after_seconds": limit.RetryAfterSeconds,
			},
		})
	}

	executionID := uuid.NewString()
	payload, err := json.Marshal(container.LaunchRequest{
		ExecutionID: executionID,
		TenantID:    tenantID,
		Workflow:    req.Workflow,
		Input:       req.Input,
		TriggerMeta: map[string]interface{}{"triggerType": "manual"},
	})
	if err != nil {
		log.Error("failed to encode launch request", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to accept execution",
		})
	}

	if err := h.container.Components.Queue.Publish(ctx, container.TopicLaunchRequests, executionID, payload); err != nil {
		log.Error("failed to queue launch request",
			"execution_id", executionID,
			"error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to accept execution",
		})
	}

	log.Info("execution accepted",
		"execution_id", executionID,
		"workflow_id", wf.ID,
		"tenant", tenantID,
		"tier", string(profile.Tier))

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"execution_id": executionID,
		"workflow_id":  wf.ID,
		"status":       "accepted",
	})
}

// Get returns the execution row plus its per-node history.
// GET /api/v1/executions/:id
func (h *ExecutionHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("id")

	if executionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "execution id is required",
		})
	}

	exec, err := h.container.Store.LoadExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"error": "execution not found",
			})
		}
		h.container.Components.Logger.Error("failed to load execution",
			"execution_id", executionID,
			"error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to load execution",
		})
	}

	nodes, err := h.container.Store.ListNodeLogs(ctx, executionID)
	if err != nil {
		h.container.Components.Logger.Error("failed to load node logs",
			"execution_id", executionID,
			"error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to load execution history",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"execution": exec,
		"nodes":     nodes,
	})
}

// List returns the tenant's recent executions, newest first.
// GET /api/v1/executions?limit=50
func (h *ExecutionHandler) List(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := middleware.GetTenant(c)

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "limit must be a positive integer",
			})
		}
		limit = parsed
	}

	execs, err := h.container.Store.ListExecutions(ctx, tenantID, limit)
	if err != nil {
		h.container.Components.Logger.Error("failed to list executions",
			"tenant", tenantID,
			"error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to list executions",
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"executions": execs,
		"count":      len(execs),
	})
}

// Cancel requests cancellation of a live execution. In-flight nodes wind
// down through their contexts, so the terminal status lands shortly
// after the 202.
// POST /api/v1/executions/:id/cancel
func (h *ExecutionHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("id")

	if executionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "execution id is required",
		})
	}

	err := h.container.Engine.Cancel(executionID)
	if err == nil {
		return c.JSON(http.StatusAccepted, map[string]interface{}{
			"execution_id": executionID,
			"status":       "cancelling",
		})
	}
	if !errors.Is(err, scheduler.ErrNotActive) {
		h.container.Components.Logger.Error("failed to cancel execution",
			"execution_id", executionID,
			"error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to cancel execution",
		})
	}

	// Not live in this process: either it never existed or it already
	// settled. Distinguish for the caller.
	exec, err := h.container.Store.LoadExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"error": "execution not found",
			})
		}
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to load execution",
		})
	}
	return c.JSON(http.StatusConflict, map[string]interface{}{
		"error":  "execution already settled",
		"status": exec.Status,
	})
}

// Resume completes a suspended wait node. The first resume of a ticket
// wins; replays of the same ticket return 200 without re-running
// anything downstream.
// POST /api/v1/executions/:id/resume
func (h *ExecutionHandler) Resume(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("id")
	log := h.container.Components.Logger

	if executionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "execution id is required",
		})
	}

	var req struct {
		WaitTicket string                 `json:"waitTicket"`
		Payload    map[string]interface{} `json:"payload"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if req.WaitTicket == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "waitTicket is required",
		})
	}
	if req.Payload != nil {
		if err := h.container.Validator.Validate(req.Payload); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	err := h.container.Engine.Resume(ctx, executionID, req.WaitTicket, req.Payload)
	switch {
	case err == nil:
		log.Info("resume accepted",
			"execution_id", executionID,
			"wait_ticket", req.WaitTicket)
		return c.JSON(http.StatusOK, map[string]interface{}{
			"execution_id": executionID,
			"status":       "resumed",
		})

	case errors.Is(err, scheduler.ErrUnknownTicket):
		return c.JSON(http.StatusNotFound, map[string]interface{}{
			"error": "unknown wait ticket",
		})

	case errors.Is(err, scheduler.ErrNotActive):
		exec, loadErr := h.container.Store.LoadExecution(ctx, executionID)
		if loadErr != nil {
			if errors.Is(loadErr, store.ErrNotFound) {
				return c.JSON(http.StatusNotFound, map[string]interface{}{
					"error": "execution not found",
				})
			}
			return c.JSON(http.StatusInternalServerError, map[string]interface{}{
				"error": "failed to load execution",
			})
		}
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":  "execution is not waiting",
			"status": exec.Status,
		})

	default:
		log.Error("failed to resume execution",
			"execution_id", executionID,
			"wait_ticket", req.WaitTicket,
			"error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to resume execution",
		})
	}
}
