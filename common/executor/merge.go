package executor

import (
	"context"
	"time"

	"github.com/flumeworks/flume/common/models"
)

// MergeExecutor collects the outputs of its contributing predecessors.
// A predecessor contributes when it finished successfully and the edge
// into the merge node carried a true (or absent) condition; pruned
// branches contribute nothing. Collection order is the edge definition
// order, so merge output is deterministic for a given workflow.
type MergeExecutor struct{}

type contribution struct {
	nodeID string
	output map[string]any
}

func (e *MergeExecutor) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) *models.NodeResult {
	started := time.Now()

	strategy := node.ConfigString("mergeStrategy", "all")
	excludeNulls := node.ConfigBool("excludeNulls", true)
	include := configStringSet(node, "includeNodeIds")

	var contributions []contribution
	for _, edge := range ectx.Graph.InEdges(node.ID) {
		if include != nil && !include[edge.SourceNodeID] {
			continue
		}
		res, ok := ectx.Scope.Results.Get(edge.SourceNodeID)
		if !ok || res.Status != models.NodeSuccess {
			continue
		}
		passed, err := ectx.Evaluator.EvalBool(edge.Condition, ectx.Scope)
		if err != nil {
			return models.FailureResult(node.ID, models.KindOf(err), err.Error(), started)
		}
		if !passed {
			continue
		}
		if excludeNulls && len(res.Output) == 0 {
			continue
		}
		contributions = append(contributions, contribution{nodeID: edge.SourceNodeID, output: res.Output})
	}

	if len(contributions) == 0 && node.ConfigBool("failIfEmpty", false) {
		return models.FailureResult(node.ID, models.ErrValidation,
			"merge node collected no predecessor outputs", started)
	}

	var output map[string]any
	switch strategy {
	case "all":
		merged := make(map[string]any, len(contributions))
		nodeIDs := make([]string, 0, len(contributions))
		for _, c := range contributions {
			merged[c.nodeID] = c.output
			nodeIDs = append(nodeIDs, c.nodeID)
		}
		output = map[string]any{
			"merged":  merged,
			"nodeIds": nodeIDs,
			"count":   len(contributions),
		}
	case "first", "last":
		output = map[string]any{
			"nodeId": "",
			"result": nil,
			"count":  len(contributions),
		}
		if len(contributions) > 0 {
			pick := contributions[0]
			if strategy == "last" {
				pick = contributions[len(contributions)-1]
			}
			output["nodeId"] = pick.nodeID
			output["result"] = pick.output
		}
	case "array":
		results := make([]any, 0, len(contributions))
		for _, c := range contributions {
			results = append(results, map[string]any{
				"nodeId": c.nodeID,
				"result": c.output,
			})
		}
		output = map[string]any{
			"results": results,
			"count":   len(contributions),
		}
	default:
		return models.FailureResult(node.ID, models.ErrValidation,
			"unknown merge strategy: "+strategy, started)
	}

	ectx.Logger.Debug("merge collected",
		"node_id", node.ID,
		"strategy", strategy,
		"count", len(contributions))

	return models.SuccessResult(node.ID, output, started)
}

// configStringSet reads a []string config value into a membership set.
// A missing or malformed value returns nil, meaning no filter.
func configStringSet(node *models.Node, key string) map[string]bool {
	raw, ok := node.Config[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			set[s] = true
		}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}
