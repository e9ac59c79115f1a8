package executor

import (
	"context"
	"time"

	"github.com/flumeworks/flume/common/models"
)

// LogExecutor resolves a message template and emits it through the
// execution's logger at the configured level.
type LogExecutor struct{}

func (e *LogExecutor) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) *models.NodeResult {
	started := time.Now()

	message, err := ectx.Resolver.ResolveValue(node.Config["message"], ectx.Scope)
	if err != nil {
		return models.FailureResult(node.ID, models.KindOf(err), err.Error(), started)
	}

	// Unknown levels fall back to info; a log node never fails over
	// formatting choices.
	switch node.ConfigString("level", "info") {
	case "debug":
		ectx.Logger.Debug("workflow log", "node_id", node.ID, "message", message)
	case "warn":
		ectx.Logger.Warn("workflow log", "node_id", node.ID, "message", message)
	case "error":
		ectx.Logger.Error("workflow log", "node_id", node.ID, "message", message)
	default:
		ectx.Logger.Info("workflow log", "node_id", node.ID, "message", message)
	}

	return models.SuccessResult(node.ID, map[string]any{}, started)
}
