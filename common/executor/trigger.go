package executor

import (
	"context"
	"time"

	"github.com/flumeworks/flume/common/models"
)

// TriggerExecutor seeds the execution: it copies the execution input
// and any trigger metadata (webhook headers, cron schedule time, event
// payload) into its output so downstream nodes can address them as
// node-scoped paths.
type TriggerExecutor struct{}

func (e *TriggerExecutor) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) *models.NodeResult {
	started := time.Now()

	output := make(map[string]any, len(ectx.Scope.Input)+len(ectx.TriggerMeta)+1)
	for k, v := range ectx.Scope.Input {
		output[k] = v
	}
	for k, v := range ectx.TriggerMeta {
		output[k] = v
	}

	if _, ok := output["triggerType"]; !ok {
		output["triggerType"] = node.ConfigString("triggerType", "manual")
	}

	return models.SuccessResult(node.ID, output, started)
}
