package executor

import (
	"context"
	"time"

	"github.com/flumeworks/flume/common/models"
)

// EndExecutor assembles the execution's final output. Without explicit
// aggregation config it maps every contributing predecessor id to its
// output; aggregateOutputs entries override that with either collected
// fromNodes outputs or a resolver-transformed value. A _metadata block
// summarizing the execution is always appended.
type EndExecutor struct{}

func (e *EndExecutor) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) *models.NodeResult {
	started := time.Now()

	output := make(map[string]any)

	if raw, ok := node.Config["aggregateOutputs"].(map[string]any); ok && len(raw) > 0 {
		for outKey, spec := range raw {
			value, err := e.aggregate(spec, ectx)
			if err != nil {
				return models.FailureResult(node.ID, models.KindOf(err), err.Error(), started)
			}
			output[outKey] = value
		}
	} else {
		for _, edge := range ectx.Graph.InEdges(node.ID) {
			res, ok := ectx.Scope.Results.Get(edge.SourceNodeID)
			if !ok || res.Status != models.NodeSuccess {
				continue
			}
			passed, err := ectx.Evaluator.EvalBool(edge.Condition, ectx.Scope)
			if err != nil {
				return models.FailureResult(node.ID, models.KindOf(err), err.Error(), started)
			}
			if passed {
				output[edge.SourceNodeID] = res.Output
			}
		}
	}

	results := ectx.Scope.Results
	output["_metadata"] = map[string]any{
		"executionId":  ectx.Execution.ID,
		"workflowId":   ectx.Execution.WorkflowID,
		"nodeCount":    ectx.Graph.NodeCount(),
		"successCount": results.CountByStatus(models.NodeSuccess),
		"failedCount":  results.CountByStatus(models.NodeFailed),
		"completedAt":  time.Now().UTC().Format(time.RFC3339),
	}

	return models.SuccessResult(node.ID, output, started)
}

// aggregate computes one aggregateOutputs entry. A transform wins over
// fromNodes collection; a single source node contributes its output
// directly, several contribute a map keyed by node id.
func (e *EndExecutor) aggregate(spec any, ectx *ExecContext) (any, error) {
	m, ok := spec.(map[string]any)
	if !ok {
		return spec, nil
	}

	if transform, ok := m["transform"]; ok && transform != nil {
		return ectx.Resolver.ResolveValue(transform, ectx.Scope)
	}

	fromNodes, _ := m["fromNodes"].([]any)
	ids := make([]string, 0, len(fromNodes))
	for _, raw := range fromNodes {
		if id, ok := raw.(string); ok {
			ids = append(ids, id)
		}
	}

	switch len(ids) {
	case 0:
		return nil, nil
	case 1:
		if res, ok := ectx.Scope.Results.Get(ids[0]); ok && res.Status == models.NodeSuccess {
			return res.Output, nil
		}
		return nil, nil
	default:
		collected := make(map[string]any, len(ids))
		for _, id := range ids {
			if res, ok := ectx.Scope.Results.Get(id); ok && res.Status == models.NodeSuccess {
				collected[id] = res.Output
			}
		}
		return collected, nil
	}
}
