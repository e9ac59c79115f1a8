package executor

import (
	"context"
	"time"

	"github.com/flumeworks/flume/common/models"
	"github.com/google/uuid"
)

// WaitExecutor suspends the execution path at this node. It mints a
// wait ticket and returns immediately with a waiting result; the
// scheduler registers the ticket and parks the path until an external
// resume (or the deadline sweeper) settles it.
type WaitExecutor struct {
	defaultTimeout time.Duration
}

func (e *WaitExecutor) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) *models.NodeResult {
	started := time.Now()

	timeout := e.defaultTimeout
	if ms := node.ConfigInt("timeout", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	ticket := uuid.New().String()
	timeoutAt := time.Now().UTC().Add(timeout)

	output := map[string]any{
		"status":     "WAITING",
		"waitTicket": ticket,
		"timeoutAt":  timeoutAt.Format(time.RFC3339),
	}

	if callbackURL := node.ConfigString("callbackUrl", ""); callbackURL != "" {
		resolved, err := ectx.Resolver.Resolve(callbackURL, ectx.Scope)
		if err != nil {
			return models.FailureResult(node.ID, models.KindOf(err), err.Error(), started)
		}
		output["callbackUrl"] = resolved
	}
	if raw, ok := node.Config["callbackData"]; ok {
		resolved, err := ectx.Resolver.ResolveValue(raw, ectx.Scope)
		if err != nil {
			return models.FailureResult(node.ID, models.KindOf(err), err.Error(), started)
		}
		output["callbackData"] = resolved
	}

	ectx.Logger.Info("node suspended on wait",
		"node_id", node.ID,
		"wait_ticket", ticket,
		"timeout_at", timeoutAt)

	return models.WaitingResult(node.ID, output, started)
}
