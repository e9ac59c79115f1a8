package executor

import (
	"context"
	"time"

	"github.com/flumeworks/flume/common/models"
)

// IfExecutor evaluates the node's condition and records which branch
// label was selected. The actual flow split happens downstream via
// edge conditions; this node only makes the decision observable.
type IfExecutor struct{}

func (e *IfExecutor) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) *models.NodeResult {
	started := time.Now()

	condition := node.ConfigString("condition", "")
	result, err := ectx.Evaluator.EvalBool(condition, ectx.Scope)
	if err != nil {
		return models.FailureResult(node.ID, models.KindOf(err), err.Error(), started)
	}

	selected := node.ConfigString("trueValue", "true")
	if !result {
		selected = node.ConfigString("falseValue", "false")
	}

	ectx.Logger.Debug("if node evaluated",
		"node_id", node.ID,
		"condition", condition,
		"result", result,
		"selected", selected)

	return models.SuccessResult(node.ID, map[string]any{
		"result":   result,
		"selected": selected,
	}, started)
}
