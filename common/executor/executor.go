package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/flumeworks/flume/common/expr"
	"github.com/flumeworks/flume/common/graph"
	"github.com/flumeworks/flume/common/httpguard"
	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/resolver"
	"github.com/flumeworks/flume/common/sandbox"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ExecContext carries everything an executor may need for one node
// invocation. The scope shares the execution's live result map, so
// resolution sees every predecessor that has finished.
type ExecContext struct {
	Execution *models.Execution
	Graph     *graph.Graph
	Scope     *resolver.Scope
	Resolver  *resolver.Resolver
	Evaluator *expr.Evaluator
	Sandbox   *sandbox.Pool
	Logger    Logger

	// Attempt is the current retry count, stamped into the result.
	Attempt int

	// TriggerMeta carries kind-specific trigger metadata (webhook
	// headers/body, cron scheduled time, event payload).
	TriggerMeta map[string]any
}

// Executor runs one node kind. Failures are encoded in the returned
// NodeResult; only programmer errors escape out-of-band.
type Executor interface {
	Execute(ctx context.Context, node *models.Node, ectx *ExecContext) *models.NodeResult
}

// Defaults are the engine-level fallbacks a registry applies when a
// node does not override them.
type Defaults struct {
	NodeTimeout   time.Duration
	ScriptTimeout time.Duration
	WaitTimeout   time.Duration
	MaxStatements int64
}

// RegistryOpts configures a registry.
type RegistryOpts struct {
	Defaults Defaults
	Guard    *httpguard.URLValidator
	Logger   Logger
}

// Registry dispatches nodes to executors by kind and wraps every
// dispatch in a timeout supervisor.
type Registry struct {
	executors map[models.NodeKind]Executor
	defaults  Defaults
	logger    Logger
}

// NewRegistry creates a registry with every built-in executor
// registered. Adding a node kind is one variant plus one Register
// call.
func NewRegistry(opts RegistryOpts) *Registry {
	defaults := opts.Defaults
	if defaults.NodeTimeout <= 0 {
		defaults.NodeTimeout = 30 * time.Second
	}
	if defaults.ScriptTimeout <= 0 {
		defaults.ScriptTimeout = 5 * time.Second
	}
	if defaults.WaitTimeout <= 0 {
		defaults.WaitTimeout = time.Hour
	}

	r := &Registry{
		executors: make(map[models.NodeKind]Executor),
		defaults:  defaults,
		logger:    opts.Logger,
	}
	r.Register(models.NodeTrigger, &TriggerExecutor{})
	r.Register(models.NodeHTTP, NewHTTPExecutor(opts.Guard))
	r.Register(models.NodeLog, &LogExecutor{})
	r.Register(models.NodeScript, &ScriptExecutor{defaults: defaults})
	r.Register(models.NodeIf, &IfExecutor{})
	r.Register(models.NodeMerge, &MergeExecutor{})
	r.Register(models.NodeWait, &WaitExecutor{defaultTimeout: defaults.WaitTimeout})
	r.Register(models.NodeEnd, &EndExecutor{})
	return r
}

// Register installs an executor for a node kind.
func (r *Registry) Register(kind models.NodeKind, ex Executor) {
	r.executors[kind] = ex
}

// Defaults returns the engine-level fallbacks.
func (r *Registry) Defaults() Defaults {
	return r.defaults
}

// Dispatch runs the node under a timeout supervisor. The result is
// computed in a child goroutine; if the wall clock wins, the child
// context is cancelled and a timeout failure is returned. A missing
// executor for a declared kind is a programmer error and is returned
// out-of-band.
func (r *Registry) Dispatch(ctx context.Context, node *models.Node, ectx *ExecContext) (*models.NodeResult, error) {
	ex, ok := r.executors[node.Type]
	if !ok {
		return nil, models.NodeErrf(models.ErrInternal, node.ID, "no executor registered for node type %s", node.Type)
	}

	timeout := r.timeoutFor(node)
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now().UTC()
	done := make(chan *models.NodeResult, 1)
	go func() {
		defer func() {
			if caught := recover(); caught != nil {
				res := models.FailureResult(node.ID, models.ErrInternal,
					fmt.Sprintf("executor panic: %v", caught), started)
				res.StackTrace = string(debug.Stack())
				done <- res
			}
		}()
		done <- ex.Execute(childCtx, node, ectx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res != nil {
			res.RetryCount = ectx.Attempt
		}
		return res, nil
	case <-timer.C:
		cancel()
		r.logger.Warn("node execution timed out",
			"node_id", node.ID,
			"node_type", node.Type,
			"timeout", timeout)
		res := models.FailureResult(node.ID, models.ErrTimeout,
			fmt.Sprintf("node exceeded its %s timeout", timeout), started)
		res.RetryCount = ectx.Attempt
		return res, nil
	case <-ctx.Done():
		cancel()
		res := models.FailureResult(node.ID, models.ErrTimeout,
			"node cancelled: "+ctx.Err().Error(), started)
		res.RetryCount = ectx.Attempt
		return res, nil
	}
}

// timeoutFor resolves the supervisor deadline: node config timeout,
// then the node's explicit timeout field, then the engine default.
// For wait nodes the config timeout is the suspension deadline, not
// the dispatch bound, so it is skipped here.
func (r *Registry) timeoutFor(node *models.Node) time.Duration {
	if node.Type != models.NodeWait {
		if ms := node.ConfigInt("timeout", 0); ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if node.Timeout > 0 {
		return time.Duration(node.Timeout) * time.Millisecond
	}
	return r.defaults.NodeTimeout
}
