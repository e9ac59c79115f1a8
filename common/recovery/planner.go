package recovery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/scheduler"
	"github.com/flumeworks/flume/common/store"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Plan is the reconstructed state of an interrupted execution: the
// workflow snapshot, the last checkpoint, and the nodes that would run
// next. Building a plan writes nothing.
type Plan struct {
	// ExecutionID identifies the original (interrupted) execution.
	ExecutionID string
	Execution   *models.Execution
	Workflow    *models.Workflow
	Checkpoint  *models.Checkpoint

	// Ready lists nodes at zero in-degree that have not completed and
	// carry no settled result: the resumption frontier.
	Ready []string
}

// Planner reconstructs interrupted executions from their checkpoints
// and relaunches them on an engine.
type Planner struct {
	store  store.Store
	cas    store.CAS
	logger Logger
}

// NewPlanner creates a planner.
func NewPlanner(st store.Store, cas store.CAS, logger Logger) *Planner {
	return &Planner{store: st, cas: cas, logger: logger}
}

// Plan loads the latest checkpoint of a non-terminal execution and
// computes the resumption frontier. Pure: idempotent, no writes, no
// CAS reads.
func (p *Planner) Plan(ctx context.Context, executionID string) (*Plan, error) {
	exec, err := p.store.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, fmt.Errorf("execution %s is %s; nothing to recover", executionID, exec.Status)
	}

	cp, err := p.store.LoadCheckpoint(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if cp.Workflow == nil {
		return nil, fmt.Errorf("checkpoint of execution %s carries no workflow snapshot", executionID)
	}

	plan := &Plan{
		ExecutionID: executionID,
		Execution:   exec,
		Workflow:    cp.Workflow,
		Checkpoint:  cp,
		Ready:       readyFrontier(cp),
	}

	p.logger.Debug("recovery plan built",
		"execution_id", executionID,
		"completed", len(cp.Completed),
		"ready", plan.Ready)
	return plan, nil
}

// Resume chains a fresh execution to the plan's original and launches
// it. Externalized outputs are rematerialized from CAS first; the
// original execution is marked superseded once the new one is durable,
// so the next sweep skips it. The run continues asynchronously; callers
// that need the outcome block on the engine.
func (p *Planner) Resume(ctx context.Context, eng *scheduler.Engine, plan *Plan) (*models.Execution, error) {
	if err := p.hydrate(ctx, plan.Checkpoint); err != nil {
		return nil, err
	}

	opts := scheduler.RunOpts{
		TenantID:      plan.Execution.TenantID,
		Seed:          plan.Checkpoint,
		RecoveredFrom: plan.ExecutionID,
		TriggerMeta: map[string]any{
			"triggerType":   "recovery",
			"recoveredFrom": plan.ExecutionID,
		},
	}
	exec, err := eng.Launch(ctx, plan.Workflow, plan.Execution.Input, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to launch recovered execution: %w", err)
	}

	if err := p.store.UpdateExecutionStatus(ctx, plan.ExecutionID, models.ExecutionCancelled,
		fmt.Sprintf("superseded by recovery %s", exec.ID)); err != nil {
		p.logger.Warn("failed to supersede recovered execution",
			"execution_id", plan.ExecutionID,
			"error", err)
	}

	p.logger.Info("execution recovered",
		"execution_id", exec.ID,
		"recovered_from", plan.ExecutionID,
		"ready_nodes", len(plan.Ready))
	return exec, nil
}

// ListRecoverable returns non-terminal executions. An empty tenantID
// spans all tenants.
func (p *Planner) ListRecoverable(ctx context.Context, tenantID string) ([]*models.Execution, error) {
	return p.store.ListRecoverable(ctx, tenantID)
}

// RecoverAll plans and relaunches every recoverable execution, each on
// its own goroutine. One corrupt execution must not block the rest, so
// failures are logged and skipped. Returns how many recoveries were
// started.
func (p *Planner) RecoverAll(ctx context.Context, eng *scheduler.Engine) int {
	execs, err := p.store.ListRecoverable(ctx, "")
	if err != nil {
		p.logger.Error("failed to list recoverable executions", "error", err)
		return 0
	}
	for _, exec := range execs {
		go func(id string) {
			plan, err := p.Plan(ctx, id)
			if err != nil {
				p.logger.Error("failed to plan recovery",
					"execution_id", id,
					"error", err)
				return
			}
			if _, err := p.Resume(ctx, eng, plan); err != nil {
				p.logger.Error("failed to resume recovery",
					"execution_id", id,
					"error", err)
			}
		}(exec.ID)
	}
	if len(execs) > 0 {
		p.logger.Info("recovery sweep started", "executions", len(execs))
	}
	return len(execs)
}

// hydrate rematerializes externalized outputs so the seeded engine can
// resolve references to recovered results without touching CAS again.
func (p *Planner) hydrate(ctx context.Context, cp *models.Checkpoint) error {
	for id, ref := range cp.Results {
		if ref.OutputCASID == "" || ref.Output != nil {
			continue
		}
		data, err := p.cas.Get(ctx, ref.OutputCASID)
		if err != nil {
			return fmt.Errorf("failed to rematerialize output of node %s: %w", id, err)
		}
		var output map[string]any
		if err := json.Unmarshal(data, &output); err != nil {
			return fmt.Errorf("failed to decode output of node %s: %w", id, err)
		}
		ref.Output = output
		cp.Results[id] = ref
	}
	return nil
}

// readyFrontier computes the nodes a seeded engine would submit first:
// zero in-degree, not in the completed set, no settled result.
func readyFrontier(cp *models.Checkpoint) []string {
	completed := make(map[string]bool, len(cp.Completed))
	for _, id := range cp.Completed {
		completed[id] = true
	}

	var ready []string
	for _, n := range cp.Workflow.Nodes {
		if completed[n.ID] {
			continue
		}
		if ref, ok := cp.Results[n.ID]; ok {
			if ref.Status == models.NodeSuccess || ref.Status == models.NodeSkipped {
				continue
			}
		}
		if cp.InDegrees[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	return ready
}
