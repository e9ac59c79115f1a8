package executor

import (
	"context"
	"time"

	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/sandbox"
)

// ScriptExecutor runs user JavaScript on a leased sandbox instance.
// Bindings expose the execution input directly, plus __global,
// __system, and the outputs of completed nodes under nodes.
type ScriptExecutor struct {
	defaults Defaults
}

func (e *ScriptExecutor) Execute(ctx context.Context, node *models.Node, ectx *ExecContext) *models.NodeResult {
	started := time.Now()

	code := node.ConfigString("code", "")
	if code == "" {
		return models.FailureResult(node.ID, models.ErrValidation, "script node requires non-empty code", started)
	}
	if lang := node.ConfigString("language", "javascript"); lang != "javascript" && lang != "js" {
		return models.FailureResult(node.ID, models.ErrValidation,
			"script node supports only javascript, got "+lang, started)
	}

	timeout := e.defaults.ScriptTimeout
	if ms := node.ConfigInt("timeout", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	res, err := ectx.Sandbox.Execute(ctx, &sandbox.ScriptRequest{
		Source:        code,
		Bindings:      e.bindings(ectx),
		Timeout:       timeout,
		MaxStatements: e.defaults.MaxStatements,
	})
	if err != nil {
		failure := models.FailureResult(node.ID, models.KindOf(err), err.Error(), started)
		ectx.Logger.Warn("script failed",
			"node_id", node.ID,
			"error_kind", failure.ErrorKind,
			"error", err)
		return failure
	}

	return models.SuccessResult(node.ID, map[string]any{
		"returnValue": res.ReturnValue,
		"output":      res.Output,
		"duration":    res.DurationMS,
	}, started)
}

// bindings assembles the __input object. Globals are copied so scripts
// observe them read-only; node outputs are exposed by node id.
func (e *ScriptExecutor) bindings(ectx *ExecContext) map[string]any {
	scope := ectx.Scope
	bindings := make(map[string]any, len(scope.Input)+3)
	for k, v := range scope.Input {
		bindings[k] = v
	}

	globals := make(map[string]any, len(scope.Globals))
	for k, v := range scope.Globals {
		globals[k] = v
	}
	bindings["__global"] = globals
	bindings["__system"] = scope.System

	nodes := make(map[string]any)
	if scope.Results != nil {
		for id, res := range scope.Results.Snapshot() {
			if res.Status == models.NodeSuccess {
				nodes[id] = res.Output
			}
		}
	}
	bindings["nodes"] = nodes
	return bindings
}
