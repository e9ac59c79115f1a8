package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/flumeworks/flume/common/checkpoint"
	"github.com/flumeworks/flume/common/config"
	"github.com/flumeworks/flume/common/executor"
	"github.com/flumeworks/flume/common/expr"
	"github.com/flumeworks/flume/common/graph"
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

var (
	// ErrNotActive reports that the execution is not live in this
	// process: finished, never launched here, or recovered elsewhere.
	ErrNotActive = errors.New("execution is not active")

	// ErrShutdown reports that the engine no longer accepts work.
	ErrShutdown = errors.New("engine is shut down")
)

// Opts configures an Engine.
type Opts struct {
	Registry *executor.Registry
	Writer   checkpoint.Writer
	Sandbox  *sandbox.Pool
	Config   config.EngineConfig
	Logger   Logger

	// Marker adds durable resume idempotency; nil keeps it in-process.
	Marker TicketMarker
}

// Engine runs workflow executions: one goroutine per ready node,
// atomic in-degree scheduling, checkpoint-before-effect persistence,
// and suspension via wait tickets.
type Engine struct {
	registry *executor.Registry
	writer   checkpoint.Writer
	waits    *WaitRegistry
	resolver *resolver.Resolver
	eval     *expr.Evaluator
	sandbox  *sandbox.Pool
	cfg      config.EngineConfig
	logger   Logger

	// sem bounds concurrently running nodes across executions when
	// MaxParallelNodes is set.
	sem chan struct{}

	mu     sync.Mutex
	active map[string]*execState
	closed bool
}

// New creates an engine.
func New(opts Opts) *Engine {
	e := &Engine{
		registry: opts.Registry,
		writer:   opts.Writer,
		waits:    NewWaitRegistry(opts.Marker, opts.Logger),
		resolver: resolver.New(opts.Logger),
		eval:     expr.NewEvaluator(),
		sandbox:  opts.Sandbox,
		cfg:      opts.Config,
		logger:   opts.Logger,
		active:   make(map[string]*execState),
	}
	if opts.Config.MaxParallelNodes > 0 {
		e.sem = make(chan struct{}, opts.Config.MaxParallelNodes)
	}
	return e
}

// RunOpts carries per-launch options.
type RunOpts struct {
	// ExecutionID presets the identifier; empty mints a UUID.
	ExecutionID string

	// TenantID overrides the workflow's tenant.
	TenantID string

	// TriggerMeta is handed to the trigger executor (webhook headers,
	// cron schedule time, CLI arguments).
	TriggerMeta map[string]any

	// Seed restores scheduler state from a recovered checkpoint. Result
	// outputs must already be materialized (CAS refs hydrated).
	Seed *models.Checkpoint

	// RecoveredFrom chains this execution to the one it recovers.
	RecoveredFrom string
}

// Run executes the workflow and blocks until it settles: a terminal
// status, or quiescent suspension on wait tickets.
func (e *Engine) Run(ctx context.Context, wf *models.Workflow, input map[string]any, opts RunOpts) (*models.Execution, error) {
	st, err := e.start(ctx, wf, input, opts)
	if err != nil {
		return nil, err
	}
	select {
	case <-st.done:
	case <-st.suspended:
	case <-ctx.Done():
		return st.exec, ctx.Err()
	}
	return st.exec, nil
}

// Launch starts the workflow and returns as soon as the execution row
// and initial checkpoint are durable; the run continues in background
// goroutines. The REST layer uses this for 202 responses.
func (e *Engine) Launch(ctx context.Context, wf *models.Workflow, input map[string]any, opts RunOpts) (*models.Execution, error) {
	st, err := e.start(ctx, wf, input, opts)
	if err != nil {
		return nil, err
	}
	return st.exec, nil
}

// Wait blocks until the execution reaches a terminal status. Unknown
// executions return immediately: they already settled.
func (e *Engine) Wait(ctx context.Context, executionID string) error {
	e.mu.Lock()
	st, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-st.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitQuiescence blocks until the execution settles: terminal status
// or quiescent suspension. Executions not active in this process
// already settled and return immediately.
func (e *Engine) AwaitQuiescence(ctx context.Context, executionID string) error {
	e.mu.Lock()
	st, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-st.done:
	case <-st.suspended:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Cancel flags the execution cancelled and releases its workers.
// In-flight nodes wind down through their contexts; their completions
// persist for audit but schedule nothing new.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	st, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return ErrNotActive
	}
	st.cancelled.Store(true)
	st.cancelRun()
	e.logger.Info("execution cancel requested", "execution_id", executionID)
	e.maybeSettle(st)
	return nil
}

// Resume settles a suspended node with the caller's payload merged over
// the node's callback data, then continues the graph. The first resume
// of a ticket wins; duplicates are accepted no-ops.
func (e *Engine) Resume(ctx context.Context, executionID, ticket string, payload map[string]any) error {
	e.mu.Lock()
	st, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return ErrNotActive
	}

	entry, err := e.waits.Consume(ctx, executionID, ticket)
	if err != nil {
		return err
	}
	if entry == nil {
		e.logger.Info("duplicate resume ignored",
			"execution_id", executionID,
			"wait_ticket", ticket)
		return nil
	}

	st.settleMu.Lock()
	if st.settled {
		st.settleMu.Unlock()
		return ErrNotActive
	}
	st.inFlight.Add(1)
	st.waiting.Add(-1)
	st.settleMu.Unlock()

	node, ok := st.graph.Node(entry.NodeID)
	if !ok {
		e.failExecution(st, fmt.Sprintf("resume targets unknown node %s", entry.NodeID))
		if st.inFlight.Add(-1) == 0 {
			e.maybeSettle(st)
		}
		return nil
	}

	st.exec.Status = models.ExecutionRunning
	if err := e.writer.FinishExecution(st.persistCtx, executionID, models.ExecutionRunning, ""); err != nil {
		e.logger.Error("failed to persist resumed status",
			"execution_id", executionID,
			"error", err)
	}

	// The rewritten result spans the suspension, so durations reflect
	// how long the answer took.
	started := time.Now().UTC()
	if prev, found := st.exec.Results.Get(node.ID); found && prev.Status == models.NodeWaiting {
		started = prev.StartedAt
	}
	output := mergeResumeOutput(entry.CallbackData, payload)
	res := models.SuccessResult(node.ID, output, started)

	e.logger.Info("execution resumed",
		"execution_id", executionID,
		"node_id", node.ID,
		"wait_ticket", ticket)

	e.finishNode(st, node, res)
	if st.inFlight.Add(-1) == 0 {
		e.maybeSettle(st)
	}
	return nil
}

// ExpireWait fails a suspension whose deadline passed. The node result
// is a timeout failure and is final: wait deadlines do not retry.
func (e *Engine) ExpireWait(entry WaitEntry) {
	e.mu.Lock()
	st, ok := e.active[entry.ExecutionID]
	e.mu.Unlock()
	if !ok {
		return
	}

	st.settleMu.Lock()
	if st.settled {
		st.settleMu.Unlock()
		return
	}
	st.inFlight.Add(1)
	st.waiting.Add(-1)
	st.settleMu.Unlock()

	e.logger.Warn("wait deadline passed",
		"execution_id", entry.ExecutionID,
		"node_id", entry.NodeID,
		"wait_ticket", entry.Ticket)

	node, ok := st.graph.Node(entry.NodeID)
	if !ok {
		e.failExecution(st, fmt.Sprintf("expired wait targets unknown node %s", entry.NodeID))
	} else {
		res := models.FailureResult(entry.NodeID, models.ErrTimeout, "wait deadline passed", time.Now().UTC())
		e.finishNode(st, node, res)
	}
	if st.inFlight.Add(-1) == 0 {
		e.maybeSettle(st)
	}
}

// Shutdown stops accepting work and interrupts active executions
// without marking them terminal: their persisted status stays running
// or waiting, so a later boot recovers them from the last checkpoint.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	states := make([]*execState, 0, len(e.active))
	for _, st := range e.active {
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		st.interrupted.Store(true)
		st.cancelRun()
		e.maybeSettle(st)
	}
	for _, st := range states {
		select {
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ActiveCount reports the number of live executions in this process.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// start validates, persists, registers, and submits the ready set.
func (e *Engine) start(ctx context.Context, wf *models.Workflow, input map[string]any, opts RunOpts) (*execState, error) {
	g, err := graph.Build(wf)
	if err != nil {
		return nil, err
	}

	id := opts.ExecutionID
	if id == "" {
		id = uuid.New().String()
	}
	tenant := opts.TenantID
	if tenant == "" {
		tenant = wf.TenantID
	}
	if tenant == "" {
		tenant = "default"
	}

	exec := &models.Execution{
		ID:            id,
		WorkflowID:    wf.ID,
		TenantID:      tenant,
		Status:        models.ExecutionRunning,
		Input:         input,
		Globals:       copyMap(wf.GlobalVariables),
		RecoveredFrom: opts.RecoveredFrom,
		StartedAt:     time.Now().UTC(),
		Results:       models.NewResultMap(),
	}

	st := newExecState(ctx, exec, g)
	st.triggerMeta = opts.TriggerMeta

	var ready []string
	if opts.Seed != nil {
		ready = st.seedCheckpoint(opts.Seed)
		e.reviveEdges(st)
	} else {
		st.seedFresh()
		ready = g.EntryNodes()
	}

	st.cpMu.Lock()
	initial := st.checkpointLocked()
	st.cpMu.Unlock()
	if err := e.writer.StartExecution(ctx, exec, initial); err != nil {
		return nil, fmt.Errorf("failed to persist execution: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrShutdown
	}
	e.active[id] = st
	e.mu.Unlock()

	e.logger.Info("execution started",
		"execution_id", id,
		"workflow_id", wf.ID,
		"tenant_id", tenant,
		"graph", g.Describe(),
		"recovered_from", opts.RecoveredFrom)

	for _, nodeID := range ready {
		e.submitNext(st, nodeID)
	}
	// A recovered seed may carry no runnable work at all; settle so the
	// execution does not dangle.
	e.maybeSettle(st)
	return st, nil
}

// submitNext runs when a node's in-degree reaches zero. The node gets a
// worker goroutine if at least one incoming path survived; otherwise it
// settles as skipped and the prune cascades.
func (e *Engine) submitNext(st *execState, nodeID string) {
	if st.cancelled.Load() || st.failed.Load() || st.interrupted.Load() {
		return
	}
	node, ok := st.graph.Node(nodeID)
	if !ok {
		e.logger.Error("scheduler asked for unknown node",
			"execution_id", st.exec.ID,
			"node_id", nodeID)
		return
	}
	if !e.runnable(st, node) {
		e.finishNode(st, node, models.SkippedResult(nodeID, "every incoming path was pruned"))
		return
	}
	st.inFlight.Add(1)
	go e.runNode(st, node)
}

// runnable reports whether a zero-in-degree node should execute. Nodes
// with no incoming edges always run. Merge and end nodes always run:
// they collect whatever did arrive, including nothing. Everything else
// needs at least one passed incoming edge.
func (e *Engine) runnable(st *execState, node *models.Node) bool {
	if node.Type == models.NodeMerge || node.Type == models.NodeEnd {
		return true
	}
	in := st.graph.InEdges(node.ID)
	if len(in) == 0 {
		return true
	}
	st.edgeMu.RLock()
	defer st.edgeMu.RUnlock()
	for _, edge := range in {
		if st.passedEdges[edgeKey(edge)] {
			return true
		}
	}
	return false
}

// runNode executes one node under the retry policy and routes its
// final result through the completion path.
func (e *Engine) runNode(st *execState, node *models.Node) {
	defer func() {
		if st.inFlight.Add(-1) == 0 {
			e.maybeSettle(st)
		}
	}()

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-st.runCtx.Done():
			res := models.FailureResult(node.ID, models.ErrTimeout,
				"node cancelled: "+st.runCtx.Err().Error(), time.Now().UTC())
			e.finishNode(st, node, res)
			return
		}
	}

	if err := e.writer.NodeStart(st.persistCtx, st.exec.ID, node); err != nil {
		e.logger.Error("failed to record node start",
			"execution_id", st.exec.ID,
			"node_id", node.ID,
			"error", err)
		e.failExecution(st, fmt.Sprintf("failed to record node start: %v", err))
		return
	}

	policy := e.retryPolicy(node)
	ectx := e.execContext(st)

	var res *models.NodeResult
attempts:
	for attempt := 0; ; attempt++ {
		ectx.Attempt = attempt
		r, err := e.registry.Dispatch(st.runCtx, node, ectx)
		if err != nil {
			r = models.FailureResult(node.ID, models.KindOf(err), err.Error(), time.Now().UTC())
			r.RetryCount = attempt
		}
		res = r

		if res.Status != models.NodeFailed || !res.ErrorKind.Retryable() {
			break
		}
		if attempt+1 >= policy.MaxAttempts {
			e.logger.Warn("node retries exhausted",
				"execution_id", st.exec.ID,
				"node_id", node.ID,
				"attempts", attempt+1,
				"error", res.ErrorMessage)
			break
		}

		delay := backoffDelay(policy, attempt+1)
		e.logger.Warn("node failed; retrying",
			"execution_id", st.exec.ID,
			"node_id", node.ID,
			"attempt", attempt+1,
			"max_attempts", policy.MaxAttempts,
			"delay", delay,
			"error", res.ErrorMessage)
		select {
		case <-time.After(delay):
		case <-st.runCtx.Done():
			res = models.FailureResult(node.ID, models.ErrTimeout,
				"node cancelled: "+st.runCtx.Err().Error(), time.Now().UTC())
			res.RetryCount = attempt
			break attempts
		}
	}

	e.finishNode(st, node, res)
}

// finishNode is the completion routine: record the result, decide edge
// verdicts, persist node log and checkpoint with this node's decrements
// applied, and only then submit targets that reached zero. The snapshot
// is durable before any downstream effect.
func (e *Engine) finishNode(st *execState, node *models.Node, res *models.NodeResult) {
	st.exec.Results.Set(res)
	e.decideEdges(st, node, res)

	outs := st.graph.OutEdges(node.ID)
	applyDecrements := res.Status == models.NodeSuccess || res.Status == models.NodeSkipped

	var ready []string
	st.cpMu.Lock()
	ref, err := e.writer.NodeFinish(st.persistCtx, st.exec.ID, res)
	if err != nil {
		st.cpMu.Unlock()
		e.failExecution(st, fmt.Sprintf("failed to persist node result: %v", err))
		return
	}
	st.refs[node.ID] = ref
	if applyDecrements {
		st.completed = append(st.completed, node.ID)
		for _, edge := range outs {
			if st.inDeg[edge.TargetNodeID].Add(-1) == 0 {
				ready = append(ready, edge.TargetNodeID)
			}
		}
	}
	cp := st.checkpointLocked()
	if err := e.writer.SaveCheckpoint(st.persistCtx, cp); err != nil {
		st.cpMu.Unlock()
		e.failExecution(st, fmt.Sprintf("failed to save checkpoint: %v", err))
		return
	}
	st.cpMu.Unlock()

	e.logger.Debug("node finished",
		"execution_id", st.exec.ID,
		"node_id", node.ID,
		"status", res.Status,
		"duration_ms", res.DurationMS,
		"retry_count", res.RetryCount)

	switch res.Status {
	case models.NodeWaiting:
		e.registerWait(st, node, res)
	case models.NodeFailed:
		e.failExecution(st, fmt.Sprintf("node %s failed: %s", node.ID, res.ErrorMessage))
	default:
		for _, nextID := range ready {
			e.submitNext(st, nextID)
		}
	}
}

// decideEdges evaluates the finished node's out-edge conditions and
// records every verdict before the matching decrement can land. A
// non-success result prunes all outgoing edges; a condition that fails
// to evaluate prunes its edge rather than failing the execution.
func (e *Engine) decideEdges(st *execState, node *models.Node, res *models.NodeResult) {
	outs := st.graph.OutEdges(node.ID)
	if len(outs) == 0 {
		return
	}
	st.edgeMu.Lock()
	defer st.edgeMu.Unlock()
	for _, edge := range outs {
		pass := false
		if res.Status == models.NodeSuccess {
			ok, err := e.eval.EvalBool(edge.Condition, st.scope)
			switch {
			case err != nil:
				e.logger.Warn("edge condition error; pruning path",
					"execution_id", st.exec.ID,
					"source", edge.SourceNodeID,
					"target", edge.TargetNodeID,
					"error", err)
			case !ok:
				e.logger.Debug("edge pruned",
					"execution_id", st.exec.ID,
					"source", edge.SourceNodeID,
					"target", edge.TargetNodeID,
					"condition", edge.Condition)
			}
			pass = err == nil && ok
		}
		st.passedEdges[edgeKey(edge)] = pass
	}
}

// reviveEdges re-derives edge verdicts for recovered completed nodes.
// Conditions are pure over recorded outputs, so the verdicts match the
// pre-crash run.
func (e *Engine) reviveEdges(st *execState) {
	st.edgeMu.Lock()
	defer st.edgeMu.Unlock()
	for _, id := range st.completed {
		res, ok := st.exec.Results.Get(id)
		for _, edge := range st.graph.OutEdges(id) {
			pass := false
			if ok && res.Succeeded() {
				v, err := e.eval.EvalBool(edge.Condition, st.scope)
				pass = err == nil && v
			}
			st.passedEdges[edgeKey(edge)] = pass
		}
	}
}

// registerWait parks a suspended node in the wait registry.
func (e *Engine) registerWait(st *execState, node *models.Node, res *models.NodeResult) {
	ticket, _ := res.Output["waitTicket"].(string)
	if ticket == "" {
		e.failExecution(st, fmt.Sprintf("wait node %s produced no ticket", node.ID))
		return
	}

	deadline := time.Now().UTC().Add(e.cfg.WaitTimeout)
	if s, ok := res.Output["timeoutAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			deadline = t
		}
	}
	var callbackData map[string]any
	if m, ok := res.Output["callbackData"].(map[string]any); ok {
		callbackData = m
	}

	st.waiting.Add(1)
	e.waits.Register(WaitEntry{
		ExecutionID:  st.exec.ID,
		NodeID:       node.ID,
		Ticket:       ticket,
		Deadline:     deadline,
		CallbackData: callbackData,
	})
	e.logger.Info("execution path suspended",
		"execution_id", st.exec.ID,
		"node_id", node.ID,
		"wait_ticket", ticket,
		"deadline", deadline)
}

func (e *Engine) failExecution(st *execState, msg string) {
	if st.fail(msg) {
		e.logger.Error("execution failed",
			"execution_id", st.exec.ID,
			"error", msg)
	}
	e.maybeSettle(st)
}

// maybeSettle decides the execution outcome once no workers remain:
// cancelled, interrupted (left recoverable), failed, suspended, or
// completed. Safe to call optimistically; it no-ops while work is in
// flight or after settlement.
func (e *Engine) maybeSettle(st *execState) {
	st.settleMu.Lock()
	defer st.settleMu.Unlock()
	if st.settled || st.inFlight.Load() != 0 {
		return
	}
	switch {
	case st.cancelled.Load():
		e.finalizeLocked(st, models.ExecutionCancelled, "execution cancelled")
	case st.interrupted.Load():
		st.settled = true
		close(st.done)
		e.dropActive(st.exec.ID)
		e.logger.Info("execution interrupted; recoverable from last checkpoint",
			"execution_id", st.exec.ID)
	case st.failed.Load():
		e.finalizeLocked(st, models.ExecutionFailed, st.failMsg)
	case st.waiting.Load() > 0:
		e.suspendLocked(st)
	default:
		e.finalizeLocked(st, models.ExecutionCompleted, "")
	}
}

// suspendLocked persists the waiting status and signals quiescence.
// The execution stays active: resumes and the sweeper can still reach
// it. Caller holds settleMu.
func (e *Engine) suspendLocked(st *execState) {
	st.exec.Status = models.ExecutionWaiting
	if err := e.writer.FinishExecution(st.persistCtx, st.exec.ID, models.ExecutionWaiting, ""); err != nil {
		e.logger.Error("failed to persist waiting status",
			"execution_id", st.exec.ID,
			"error", err)
	}
	e.logger.Info("execution suspended",
		"execution_id", st.exec.ID,
		"waiting_nodes", st.waiting.Load())
	st.signalSuspended()
}

// finalizeLocked persists the terminal status and releases the
// execution. Caller holds settleMu.
func (e *Engine) finalizeLocked(st *execState, status models.ExecutionStatus, msg string) {
	st.settled = true
	st.exec.Status = status
	st.exec.ErrorMessage = msg
	now := time.Now().UTC()
	st.exec.EndedAt = &now

	if err := e.writer.FinishExecution(st.persistCtx, st.exec.ID, status, msg); err != nil {
		e.logger.Error("failed to persist execution status",
			"execution_id", st.exec.ID,
			"status", status,
			"error", err)
	}

	e.waits.CancelExecution(st.exec.ID)
	st.cancelRun()
	close(st.done)
	e.dropActive(st.exec.ID)

	e.logger.Info("execution finished",
		"execution_id", st.exec.ID,
		"status", status,
		"duration_ms", now.Sub(st.exec.StartedAt).Milliseconds())
}

func (e *Engine) dropActive(executionID string) {
	e.mu.Lock()
	delete(e.active, executionID)
	e.mu.Unlock()
}

func (e *Engine) execContext(st *execState) *executor.ExecContext {
	return &executor.ExecContext{
		Execution:   st.exec,
		Graph:       st.graph,
		Scope:       st.scope,
		Resolver:    e.resolver,
		Evaluator:   e.eval,
		Sandbox:     e.sandbox,
		Logger:      e.logger,
		TriggerMeta: st.triggerMeta,
	}
}

// retryPolicy resolves the node's policy over the engine defaults.
func (e *Engine) retryPolicy(node *models.Node) models.RetryPolicy {
	p := models.RetryPolicy{
		MaxAttempts:   e.cfg.RetryMaxAttempts,
		BackoffMS:     int(e.cfg.RetryBackoff.Milliseconds()),
		BackoffFactor: e.cfg.RetryBackoffFactor,
	}
	if node.Retry != nil {
		if node.Retry.MaxAttempts > 0 {
			p.MaxAttempts = node.Retry.MaxAttempts
		}
		if node.Retry.BackoffMS > 0 {
			p.BackoffMS = node.Retry.BackoffMS
		}
		if node.Retry.BackoffFactor > 0 {
			p.BackoffFactor = node.Retry.BackoffFactor
		}
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 1
	}
	return p
}

// backoffDelay computes the delay before retry n (1-based):
// backoff * factor^(n-1).
func backoffDelay(p models.RetryPolicy, retryN int) time.Duration {
	ms := float64(p.BackoffMS) * math.Pow(p.BackoffFactor, float64(retryN-1))
	return time.Duration(ms) * time.Millisecond
}

// mergeResumeOutput merges the resume payload over the node's callback
// data (RFC 7386 semantics: payload keys win, nulls delete).
func mergeResumeOutput(base, payload map[string]any) map[string]any {
	if len(base) == 0 {
		if payload == nil {
			return map[string]any{}
		}
		return payload
	}
	if len(payload) == 0 {
		return base
	}

	baseRaw, err := json.Marshal(base)
	if err != nil {
		return payload
	}
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	merged, err := jsonpatch.MergePatch(baseRaw, payloadRaw)
	if err != nil {
		return payload
	}
	var out map[string]any
	if err := json.Unmarshal(merged, &out); err != nil {
		return payload
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
