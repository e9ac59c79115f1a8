package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/flumeworks/flume/cmd/flumed/container"
	"github.com/flumeworks/flume/cmd/flumed/middleware"
	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/repository"
)

// workflowCacheTTL bounds how long webhook ingress serves a stale
// definition after re-registration on another node.
const workflowCacheTTL = 30 * time.Second

// WebhookHandler turns inbound webhooks into executions of registered
// workflows. The request body becomes the execution input and selected
// headers become trigger metadata.
type WebhookHandler struct {
	container *container.Container
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(c *container.Container) *WebhookHandler {
	return &WebhookHandler{container: c}
}

// Trigger launches the registered workflow for an inbound webhook.
// POST /api/v1/webhooks/:workflow_id
func (h *WebhookHandler) Trigger(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := middleware.GetTenant(c)
	workflowID := c.Param("workflow_id")
	log := h.container.Components.Logger

	if workflowID == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "workflow id is required",
		})
	}

	cfg := h.container.Components.Config
	limit, err := h.container.Limiter.CheckWebhookLimit(ctx, tenantID, workflowID,
		int64(cfg.API.WebhookRateLimit), 60)
	if err == nil && !limit.Allowed {
		return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
			"error": "webhook_rate_limit_exceeded",
			"details": map[string]interface{}{
				"limit":               limit.Limit,
				"retry_after_seconds": limit.RetryAfterSeconds,
			},
		})
	}

	wf, err := h.loadWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]interface{}{
				"error": "workflow not found",
			})
		}
		log.Error("failed to load workflow for webhook",
			"workflow_id", workflowID,
			"error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to load workflow",
		})
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "failed to read request body",
		})
	}

	input, err := h.container.Validator.ValidateBytes(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
	}

	executionID := uuid.NewString()
	wfDoc, err := json.Marshal(wf)
	if err != nil {
		log.Error("failed to encode workflow", "workflow_id", workflowID, "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to accept webhook",
		})
	}

	payload, err := json.Marshal(container.LaunchRequest{
		ExecutionID: executionID,
		TenantID:    tenantID,
		Workflow:    wfDoc,
		Input:       input,
		TriggerMeta: map[string]interface{}{
			"triggerType":    "webhook",
			"webhookHeaders": headerMeta(c.Request().Header),
			"receivedAt":     time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		log.Error("failed to encode launch request", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to accept webhook",
		})
	}

	if err := h.container.Components.Queue.Publish(ctx, container.TopicLaunchRequests, executionID, payload); err != nil {
		log.Error("failed to queue webhook launch",
			"execution_id", executionID,
			"workflow_id", workflowID,
			"error", err)
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{
			"error": "failed to accept webhook",
		})
	}

	log.Info("webhook accepted",
		"execution_id", executionID,
		"workflow_id", workflowID,
		"tenant", tenantID)

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"execution_id": executionID,
		"workflow_id":  workflowID,
		"status":       "accepted",
	})
}

// loadWorkflow reads the definition through the cache; misses fall back
// to the catalog and prime the cache for the next delivery.
func (h *WebhookHandler) loadWorkflow(ctx context.Context, tenantID, workflowID string) (*models.Workflow, error) {
	key := workflowCacheKey(tenantID, workflowID)

	if cached, found, err := h.container.Components.Cache.Get(ctx, key); err == nil && found {
		wf := &models.Workflow{}
		if err := json.Unmarshal(cached, wf); err == nil {
			return wf, nil
		}
		// Corrupt entry: fall through to the catalog and overwrite it.
	}

	wf, err := h.container.Catalog.Get(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(wf); err == nil {
		if err := h.container.Components.Cache.Set(ctx, key, encoded, workflowCacheTTL); err != nil {
			h.container.Components.Logger.Warn("failed to cache workflow",
				"workflow_id", workflowID,
				"error", err)
		}
	}
	return wf, nil
}

// workflowCacheKey names the cached definition for webhook ingress.
func workflowCacheKey(tenantID, workflowID string) string {
	return fmt.Sprintf("wf:%s:%s", tenantID, workflowID)
}

// headerMeta copies request headers into trigger metadata, skipping
// credentials. Multi-valued headers keep their first value.
func headerMeta(header http.Header) map[string]interface{} {
	meta := make(map[string]interface{}, len(header))
	for name, values := range header {
		switch strings.ToLower(name) {
		case "authorization", "cookie", "x-internal-service":
			continue
		}
		if len(values) > 0 {
			meta[name] = values[0]
		}
	}
	return meta
}
