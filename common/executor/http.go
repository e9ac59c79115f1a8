package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flumeworks/flume/common/httpguard"
	"github.com/flumeworks/flume/common/models"
)

// HTTPExecutor performs one outbound request per node. Cancellation
// and deadlines come from the dispatcher context, so the client itself
// carries no timeout.
type HTTPExecutor struct {
	client *http.Client
	guard  *httpguard.URLValidator
}

// NewHTTPExecutor creates an HTTP executor. A nil guard disables
// target validation.
func NewHTTPExecutor(guard *httpguard.URLValidator) *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{},
		guard:  guard,
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) *models.NodeResult {
	started := time.Now()

	resolved, err := ectx.Resolver.ResolveMap(node.Config, ectx.Scope)
	if err != nil {
		return models.FailureResult(node.ID, models.KindOf(err), err.Error(), started)
	}

	url, _ := resolved["url"].(string)
	if url == "" {
		return models.FailureResult(node.ID, models.ErrValidation, "http node requires a url", started)
	}

	if e.guard != nil {
		if err := e.guard.Validate(url); err != nil {
			return models.FailureResult(node.ID, models.KindOf(err), err.Error(), started)
		}
	}

	method := "GET"
	if m, ok := resolved["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if raw, ok := resolved["body"].(string); ok && raw != "" {
		body = strings.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return models.FailureResult(node.ID, models.ErrValidation,
			fmt.Sprintf("failed to build request: %v", err), started)
	}

	req.Header.Set("User-Agent", "flume-engine/1.0")
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := resolved["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		kind := models.ErrRemoteFailure
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			kind = models.ErrTimeout
		}
		return models.FailureResult(node.ID, kind, fmt.Sprintf("request failed: %v", err), started)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.FailureResult(node.ID, models.ErrRemoteFailure,
			fmt.Sprintf("failed to read response body: %v", err), started)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	output := map[string]any{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    string(respBody),
	}

	ectx.Logger.Info("http request completed",
		"node_id", node.ID,
		"method", method,
		"url", url,
		"status", resp.StatusCode,
		"duration_ms", time.Since(started).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res := models.FailureResult(node.ID, models.ErrRemoteFailure,
			fmt.Sprintf("request returned status %d", resp.StatusCode), started)
		res.Output = output
		return res
	}

	return models.SuccessResult(node.ID, output, started)
}
