package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumeworks/flume/common/checkpoint"
	"github.com/flumeworks/flume/common/config"
	"github.com/flumeworks/flume/common/executor"
	"github.com/flumeworks/flume/common/httpguard"
	"github.com/flumeworks/flume/common/logger"
	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/sandbox"
	"github.com/flumeworks/flume/common/store"
)

// fixture wires an engine over in-memory persistence. Engine goroutines
// outlive test assertions, so logging goes to the real logger instead of
// testing.T.
type fixture struct {
	engine   *Engine
	registry *executor.Registry
	store    *store.MemoryStore
	cas      *store.MemoryCAS
	writer   checkpoint.Writer
	log      *logger.Logger
}

func fastConfig() config.EngineConfig {
	return config.EngineConfig{
		DefaultNodeTimeout: 5 * time.Second,
		ScriptTimeout:      2 * time.Second,
		RetryMaxAttempts:   3,
		RetryBackoff:       2 * time.Millisecond,
		RetryBackoffFactor: 2,
		WaitTimeout:        time.Minute,
	}
}

func newFixture(t *testing.T, cfg config.EngineConfig) *fixture {
	t.Helper()
	log := logger.New("error", "json")
	st := store.NewMemoryStore()
	cas := store.NewMemoryCAS()
	writer := checkpoint.NewStoreWriter(st, cas, cfg.InlineThreshold, log)
	registry := executor.NewRegistry(executor.RegistryOpts{
		Defaults: executor.Defaults{
			NodeTimeout:   cfg.DefaultNodeTimeout,
			ScriptTimeout: cfg.ScriptTimeout,
			WaitTimeout:   cfg.WaitTimeout,
		},
		Guard:  httpguard.NewURLValidator(httpguard.Opts{AllowPrivate: true}),
		Logger: log,
	})
	pool := sandbox.NewPool(sandbox.PoolOpts{
		Size:           1,
		DefaultTimeout: cfg.ScriptTimeout,
		Logger:         log,
	})
	return &fixture{
		engine: New(Opts{
			Registry: registry,
			Writer:   writer,
			Sandbox:  pool,
			Config:   cfg,
			Logger:   log,
		}),
		registry: registry,
		store:    st,
		cas:      cas,
		writer:   writer,
		log:      log,
	}
}

// emitExecutor completes immediately with the node's "emit" config
// object as output and records the order nodes ran in. Installed over
// the log kind when a test needs exact outputs or an execution trace.
type emitExecutor struct {
	mu  sync.Mutex
	ran []string
}

func (e *emitExecutor) Execute(ctx context.Context, node *models.Node, ectx *executor.ExecContext) *models.NodeResult {
	e.mu.Lock()
	e.ran = append(e.ran, node.ID)
	e.mu.Unlock()

	out := map[string]any{}
	if m, ok := node.Config["emit"].(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	return models.SuccessResult(node.ID, out, time.Now().UTC())
}

func (e *emitExecutor) runs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ran...)
}

// gateExecutor parks one node until released (or its context ends),
// letting tests hold an execution mid-flight deterministically. Other
// nodes pass straight through.
type gateExecutor struct {
	gateID  string
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu  sync.Mutex
	ran []string
}

func newGate(gateID string) *gateExecutor {
	return &gateExecutor{
		gateID:  gateID,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gateExecutor) Execute(ctx context.Context, node *models.Node, ectx *executor.ExecContext) *models.NodeResult {
	g.mu.Lock()
	g.ran = append(g.ran, node.ID)
	g.mu.Unlock()

	if node.ID == g.gateID {
		g.once.Do(func() { close(g.started) })
		select {
		case <-g.release:
		case <-ctx.Done():
			return models.FailureResult(node.ID, models.ErrTimeout,
				"parked node cancelled: "+ctx.Err().Error(), time.Now().UTC())
		}
	}
	return models.SuccessResult(node.ID, map[string]any{"step": node.ID}, time.Now().UTC())
}

func (g *gateExecutor) runs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.ran...)
}

func logNode(id string, cfg map[string]any) models.Node {
	return models.Node{ID: id, Type: models.NodeLog, Config: cfg}
}

func edge(source, target string) models.Edge {
	return models.Edge{SourceNodeID: source, TargetNodeID: target}
}

func condEdge(source, target, condition string) models.Edge {
	return models.Edge{SourceNodeID: source, TargetNodeID: target, Condition: condition}
}

func TestLinearChainCompletes(t *testing.T) {
	f := newFixture(t, fastConfig())
	wf := &models.Workflow{
		ID:   "wf-linear",
		Name: "two logs",
		Nodes: []models.Node{
			logNode("A", map[string]any{"message": "hello"}),
			logNode("B", map[string]any{"message": "{{A.output.message}}"}),
		},
		Edges: []models.Edge{edge("A", "B")},
	}

	exec, err := f.engine.Run(context.Background(), wf, nil, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, exec.Status)

	// A's output carries no message; B resolves the missing path to the
	// empty string and still succeeds.
	assert.Equal(t, 2, exec.Results.Len())
	assert.Equal(t, 2, exec.Results.CountByStatus(models.NodeSuccess))

	row, err := f.store.LoadExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, row.Status)

	cp, err := f.store.LoadCheckpoint(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, cp.Completed)
	assert.Equal(t, map[string]int64{"A": 0, "B": 0}, cp.InDegrees)
}

func TestConditionalBranchPrunesUntakenPath(t *testing.T) {
	f := newFixture(t, fastConfig())
	wf := &models.Workflow{
		ID:   "wf-branch",
		Name: "conditional branch",
		Nodes: []models.Node{
			{ID: "T", Type: models.NodeTrigger},
			{ID: "IF", Type: models.NodeIf, Config: map[string]any{
				"condition": `{{T.output.triggerType}} == "manual"`,
			}},
			logNode("A", map[string]any{"message": "taken"}),
			logNode("B", map[string]any{"message": "pruned"}),
			{ID: "E", Type: models.NodeEnd},
		},
		Edges: []models.Edge{
			edge("T", "IF"),
			condEdge("IF", "A", "IF.output.result"),
			condEdge("IF", "B", "!IF.output.result"),
			edge("A", "E"),
			edge("B", "E"),
		},
	}

	exec, err := f.engine.Run(context.Background(), wf, nil, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, exec.Status)

	a, ok := exec.Results.Get("A")
	require.True(t, ok)
	assert.Equal(t, models.NodeSuccess, a.Status)

	b, ok := exec.Results.Get("B")
	require.True(t, ok)
	assert.Equal(t, models.NodeSkipped, b.Status, "untaken branch settles as skipped")

	end, ok := exec.Results.Get("E")
	require.True(t, ok)
	meta, ok := end.Output["_metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 3, meta["successCount"], "T, IF, and A succeed; B is pruned")
}

func TestMergeJoinCollectsBothBranches(t *testing.T) {
	f := newFixture(t, fastConfig())
	f.registry.Register(models.NodeLog, &emitExecutor{})

	wf := &models.Workflow{
		ID:   "wf-join",
		Name: "merge join",
		Nodes: []models.Node{
			logNode("A", map[string]any{"emit": map[string]any{"x": 1}}),
			logNode("B", map[string]any{"emit": map[string]any{"y": 2}}),
			{ID: "M", Type: models.NodeMerge, Config: map[string]any{"mergeStrategy": "all"}},
		},
		Edges: []models.Edge{edge("A", "M"), edge("B", "M")},
	}

	exec, err := f.engine.Run(context.Background(), wf, nil, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, exec.Status)

	m, ok := exec.Results.Get("M")
	require.True(t, ok)
	require.Equal(t, models.NodeSuccess, m.Status)

	assert.Equal(t, []string{"A", "B"}, m.Output["nodeIds"])
	assert.Equal(t, 2, m.Output["count"])
	merged, ok := m.Output["merged"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"x": 1}, merged["A"])
	assert.Equal(t, map[string]any{"y": 2}, merged["B"])
}

func TestHTTPRetryRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream hiccup", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	f := newFixture(t, fastConfig())
	wf := &models.Workflow{
		ID:   "wf-retry",
		Name: "flaky upstream",
		Nodes: []models.Node{
			{
				ID:     "H",
				Type:   models.NodeHTTP,
				Config: map[string]any{"url": srv.URL},
				Retry:  &models.RetryPolicy{MaxAttempts: 2, BackoffMS: 1, BackoffFactor: 1},
			},
		},
	}

	exec, err := f.engine.Run(context.Background(), wf, nil, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, exec.Status)

	h, ok := exec.Results.Get("H")
	require.True(t, ok)
	assert.Equal(t, models.NodeSuccess, h.Status)
	assert.Equal(t, 1, h.RetryCount, "second attempt succeeded")
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, `{"ok":true}`, h.Output["body"])
}

func TestWaitSuspendsAndResumeContinues(t *testing.T) {
	f := newFixture(t, fastConfig())
	wf := &models.Workflow{
		ID:   "wf-wait",
		Name: "human in the loop",
		Nodes: []models.Node{
			logNode("A", map[string]any{"message": "before"}),
			{ID: "W", Type: models.NodeWait, Config: map[string]any{
				"timeout":      60000,
				"callbackData": map[string]any{"question": "meaning"},
			}},
			{ID: "B", Type: models.NodeIf, Config: map[string]any{
				"condition": "W.output.answer == 42",
			}},
		},
		Edges: []models.Edge{edge("A", "W"), edge("W", "B")},
	}

	ctx := context.Background()
	exec, err := f.engine.Run(ctx, wf, nil, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionWaiting, exec.Status)

	w, ok := exec.Results.Get("W")
	require.True(t, ok)
	require.Equal(t, models.NodeWaiting, w.Status)
	ticket, _ := w.Output["waitTicket"].(string)
	require.NotEmpty(t, ticket)

	row, err := f.store.LoadExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionWaiting, row.Status)

	require.NoError(t, f.engine.Resume(ctx, exec.ID, ticket, map[string]any{"answer": 42}))
	require.NoError(t, f.engine.Wait(ctx, exec.ID))
	require.Equal(t, models.ExecutionCompleted, exec.Status)

	w, _ = exec.Results.Get("W")
	require.Equal(t, models.NodeSuccess, w.Status)
	assert.EqualValues(t, 42, w.Output["answer"], "resume payload merged into the node output")
	assert.Equal(t, "meaning", w.Output["question"], "callback data survives the merge")

	b, ok := exec.Results.Get("B")
	require.True(t, ok)
	require.Equal(t, models.NodeSuccess, b.Status)
	assert.Equal(t, true, b.Output["result"], "downstream condition read the resumed answer")
}

func TestInterruptedExecutionRecoversFromCheckpoint(t *testing.T) {
	chain := &models.Workflow{
		ID:   "wf-chain",
		Name: "five step chain",
		Nodes: []models.Node{
			logNode("1", nil), logNode("2", nil), logNode("3", nil),
			logNode("4", nil), logNode("5", nil),
		},
		Edges: []models.Edge{
			edge("1", "2"), edge("2", "3"), edge("3", "4"), edge("4", "5"),
		},
	}

	ctx := context.Background()
	f := newFixture(t, fastConfig())
	gate := newGate("4")
	f.registry.Register(models.NodeLog, gate)

	exec1, err := f.engine.Launch(ctx, chain, map[string]any{"n": 1}, RunOpts{})
	require.NoError(t, err)

	// Node 4 executing means nodes 1-3 finished and their checkpoints
	// are durable: submission happens only after the snapshot lands.
	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("node 4 never started")
	}
	require.NoError(t, f.engine.Shutdown(ctx))

	// The process died mid-run: the persisted status is still running,
	// so a recovery sweep picks the execution up.
	row, err := f.store.LoadExecution(ctx, exec1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, row.Status)

	recoverable, err := f.store.ListRecoverable(ctx, "")
	require.NoError(t, err)
	require.Len(t, recoverable, 1)
	assert.Equal(t, exec1.ID, recoverable[0].ID)

	cp, err := f.store.LoadCheckpoint(ctx, exec1.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"1": 0, "2": 0, "3": 0, "4": 0, "5": 1}, cp.InDegrees)
	assert.Equal(t, []string{"1", "2", "3"}, cp.Completed)

	// Restart: a fresh engine over the same store.
	f2 := &fixture{store: f.store, cas: f.cas, log: f.log}
	f2.writer = checkpoint.NewStoreWriter(f2.store, f2.cas, 0, f2.log)
	f2.registry = executor.NewRegistry(executor.RegistryOpts{Logger: f2.log})
	recorder := &emitExecutor{}
	f2.registry.Register(models.NodeLog, recorder)
	f2.engine = New(Opts{
		Registry: f2.registry,
		Writer:   f2.writer,
		Config:   fastConfig(),
		Logger:   f2.log,
	})

	seed, err := f.store.LoadCheckpoint(ctx, exec1.ID)
	require.NoError(t, err)
	exec2, err := f2.engine.Launch(ctx, seed.Workflow, row.Input, RunOpts{
		Seed:          seed,
		RecoveredFrom: exec1.ID,
	})
	require.NoError(t, err)
	require.NoError(t, f2.engine.Wait(ctx, exec2.ID))

	assert.Equal(t, models.ExecutionCompleted, exec2.Status)
	assert.Equal(t, exec1.ID, exec2.RecoveredFrom)
	assert.Equal(t, []string{"4", "5"}, recorder.runs(), "only the frontier re-executes")
	assert.Equal(t, 5, exec2.Results.Len(), "carried results plus re-run nodes")
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		res, ok := exec2.Results.Get(id)
		require.True(t, ok, "missing result for node %s", id)
		assert.Equal(t, models.NodeSuccess, res.Status, "node %s", id)
	}
}

func TestDiamondRunsEveryNodeExactlyOnce(t *testing.T) {
	f := newFixture(t, fastConfig())
	recorder := &emitExecutor{}
	f.registry.Register(models.NodeLog, recorder)

	wf := &models.Workflow{
		ID:   "wf-diamond",
		Name: "diamond",
		Nodes: []models.Node{
			logNode("T", nil),
			logNode("A", map[string]any{"emit": map[string]any{"left": 1}}),
			logNode("B", map[string]any{"emit": map[string]any{"right": 2}}),
			{ID: "M", Type: models.NodeMerge},
		},
		Edges: []models.Edge{
			edge("T", "A"), edge("T", "B"), edge("A", "M"), edge("B", "M"),
		},
	}

	exec, err := f.engine.Run(context.Background(), wf, nil, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, exec.Status)

	counts := map[string]int{}
	for _, id := range recorder.runs() {
		counts[id]++
	}
	assert.Equal(t, map[string]int{"T": 1, "A": 1, "B": 1}, counts,
		"join target decrements land exactly once per edge")
	m, _ := exec.Results.Get("M")
	require.NotNil(t, m)
	assert.Equal(t, 2, m.Output["count"])
}

func TestPruneCascadesThroughDownstreamNodes(t *testing.T) {
	f := newFixture(t, fastConfig())
	wf := &models.Workflow{
		ID:   "wf-cascade",
		Name: "cascading prune",
		Nodes: []models.Node{
			{ID: "T", Type: models.NodeTrigger},
			{ID: "IF", Type: models.NodeIf, Config: map[string]any{"condition": "input.go"}},
			logNode("A", nil),
			logNode("D", nil),
			logNode("B", nil),
			{ID: "E", Type: models.NodeEnd},
		},
		Edges: []models.Edge{
			edge("T", "IF"),
			condEdge("IF", "A", "IF.output.result"),
			condEdge("IF", "B", "!IF.output.result"),
			edge("A", "D"),
			edge("D", "E"),
			edge("B", "E"),
		},
	}

	exec, err := f.engine.Run(context.Background(), wf, map[string]any{"go": false}, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, exec.Status)

	for _, id := range []string{"A", "D"} {
		res, ok := exec.Results.Get(id)
		require.True(t, ok)
		assert.Equal(t, models.NodeSkipped, res.Status, "node %s sits on the pruned path", id)
	}
	b, ok := exec.Results.Get("B")
	require.True(t, ok)
	assert.Equal(t, models.NodeSuccess, b.Status)
	end, ok := exec.Results.Get("E")
	require.True(t, ok)
	assert.Equal(t, models.NodeSuccess, end.Status, "end nodes run even with pruned feeders")
}

func TestNodeFailurePoisonsExecution(t *testing.T) {
	f := newFixture(t, fastConfig())
	wf := &models.Workflow{
		ID:   "wf-poison",
		Name: "malformed condition",
		Nodes: []models.Node{
			{ID: "T", Type: models.NodeTrigger},
			{ID: "X", Type: models.NodeIf, Config: map[string]any{"condition": "input.n >"}},
			logNode("Y", nil),
		},
		Edges: []models.Edge{edge("T", "X"), edge("X", "Y")},
	}

	exec, err := f.engine.Run(context.Background(), wf, nil, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "node X failed")

	x, _ := exec.Results.Get("X")
	require.NotNil(t, x)
	assert.Equal(t, models.NodeFailed, x.Status)
	assert.Equal(t, models.ErrExpressionParse, x.ErrorKind)
	assert.Equal(t, 0, x.RetryCount, "parse errors do not retry")

	_, ran := exec.Results.Get("Y")
	assert.False(t, ran, "downstream of a failed node never runs")

	row, err := f.store.LoadExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, row.Status)
	assert.NotNil(t, row.EndedAt)
}

func TestScriptNodeRunsThroughEngine(t *testing.T) {
	f := newFixture(t, fastConfig())
	wf := &models.Workflow{
		ID:   "wf-script",
		Name: "inline script",
		Nodes: []models.Node{
			{ID: "S", Type: models.NodeScript, Config: map[string]any{
				"code": "return {sum: __input.a + __input.b};",
			}},
		},
	}

	exec, err := f.engine.Run(context.Background(), wf, map[string]any{"a": 40, "b": 2}, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, exec.Status)

	s, _ := exec.Results.Get("S")
	require.NotNil(t, s)
	ret, ok := s.Output["returnValue"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, ret["sum"])
}

func TestCancelStopsScheduling(t *testing.T) {
	f := newFixture(t, fastConfig())
	gate := newGate("A")
	f.registry.Register(models.NodeLog, gate)

	wf := &models.Workflow{
		ID:    "wf-cancel",
		Name:  "cancel mid flight",
		Nodes: []models.Node{logNode("A", nil), logNode("B", nil)},
		Edges: []models.Edge{edge("A", "B")},
	}

	ctx := context.Background()
	exec, err := f.engine.Launch(ctx, wf, nil, RunOpts{})
	require.NoError(t, err)
	<-gate.started

	require.NoError(t, f.engine.Cancel(exec.ID))
	require.NoError(t, f.engine.Wait(ctx, exec.ID))

	assert.Equal(t, models.ExecutionCancelled, exec.Status)
	_, ran := exec.Results.Get("B")
	assert.False(t, ran, "nothing schedules after cancellation")

	assert.ErrorIs(t, f.engine.Cancel(exec.ID), ErrNotActive)
	assert.ErrorIs(t, f.engine.Cancel("never-launched"), ErrNotActive)
}

func TestResumeDuplicateIsAcceptedNoOp(t *testing.T) {
	f := newFixture(t, fastConfig())
	gate := newGate("G")
	f.registry.Register(models.NodeLog, gate)

	wf := &models.Workflow{
		ID:   "wf-dup-resume",
		Name: "duplicate resume",
		Nodes: []models.Node{
			{ID: "W", Type: models.NodeWait, Config: map[string]any{"timeout": 60000}},
			logNode("G", nil),
		},
		Edges: []models.Edge{edge("W", "G")},
	}

	ctx := context.Background()
	exec, err := f.engine.Run(ctx, wf, nil, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionWaiting, exec.Status)

	w, _ := exec.Results.Get("W")
	ticket, _ := w.Output["waitTicket"].(string)

	require.NoError(t, f.engine.Resume(ctx, exec.ID, ticket, map[string]any{"n": 1}))
	<-gate.started

	// While the successor is still in flight: duplicates no-op, unknown
	// tickets are rejected.
	require.NoError(t, f.engine.Resume(ctx, exec.ID, ticket, map[string]any{"n": 2}))
	assert.ErrorIs(t, f.engine.Resume(ctx, exec.ID, "no-such-ticket", nil), ErrUnknownTicket)

	w, _ = exec.Results.Get("W")
	assert.EqualValues(t, 1, w.Output["n"], "first resume wins; duplicate payload discarded")

	close(gate.release)
	require.NoError(t, f.engine.Wait(ctx, exec.ID))
	assert.Equal(t, models.ExecutionCompleted, exec.Status)
	assert.Equal(t, []string{"G"}, gate.runs())

	assert.ErrorIs(t, f.engine.Resume(ctx, exec.ID, ticket, nil), ErrNotActive,
		"settled executions reject resumes")
}

func TestExpiredWaitFailsExecution(t *testing.T) {
	f := newFixture(t, fastConfig())
	wf := &models.Workflow{
		ID:   "wf-expire",
		Name: "expiring wait",
		Nodes: []models.Node{
			{ID: "W", Type: models.NodeWait, Config: map[string]any{"timeout": 50}},
			logNode("B", nil),
		},
		Edges: []models.Edge{edge("W", "B")},
	}

	ctx := context.Background()
	exec, err := f.engine.Run(ctx, wf, nil, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionWaiting, exec.Status)

	sweeper := NewWaitSweeper(f.engine, time.Minute, f.log)
	settled := sweeper.Sweep(time.Now().UTC().Add(time.Hour))
	assert.Equal(t, 1, settled)
	assert.Equal(t, 0, sweeper.Sweep(time.Now().UTC().Add(time.Hour)), "expiry is one-shot")

	require.NoError(t, f.engine.Wait(ctx, exec.ID))
	assert.Equal(t, models.ExecutionFailed, exec.Status)

	w, _ := exec.Results.Get("W")
	require.NotNil(t, w)
	assert.Equal(t, models.NodeFailed, w.Status)
	assert.Equal(t, models.ErrTimeout, w.ErrorKind)
	_, ran := exec.Results.Get("B")
	assert.False(t, ran)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	f := newFixture(t, fastConfig())
	require.NoError(t, f.engine.Shutdown(context.Background()))

	wf := &models.Workflow{
		ID:    "wf-late",
		Name:  "after shutdown",
		Nodes: []models.Node{logNode("A", nil)},
	}
	_, err := f.engine.Run(context.Background(), wf, nil, RunOpts{})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestRunRejectsInvalidWorkflow(t *testing.T) {
	f := newFixture(t, fastConfig())
	wf := &models.Workflow{
		ID:    "wf-cycle",
		Name:  "cyclic",
		Nodes: []models.Node{logNode("A", nil), logNode("B", nil)},
		Edges: []models.Edge{edge("A", "B"), edge("B", "A")},
	}

	_, err := f.engine.Run(context.Background(), wf, nil, RunOpts{})
	require.Error(t, err)
	assert.Equal(t, models.ErrValidation, models.KindOf(err))
	assert.Equal(t, 0, f.engine.ActiveCount())
}

func TestMergeWithAllPredecessorsPrunedSucceedsEmpty(t *testing.T) {
	f := newFixture(t, fastConfig())
	wf := &models.Workflow{
		ID:   "wf-empty-merge",
		Name: "merge of nothing",
		Nodes: []models.Node{
			{ID: "T", Type: models.NodeTrigger},
			{ID: "IF", Type: models.NodeIf, Config: map[string]any{"condition": "input.go"}},
			logNode("A", nil),
			logNode("B", nil),
			{ID: "M", Type: models.NodeMerge},
		},
		Edges: []models.Edge{
			edge("T", "IF"),
			condEdge("IF", "A", "IF.output.result"),
			condEdge("IF", "B", "IF.output.result"),
			edge("A", "M"),
			edge("B", "M"),
		},
	}

	exec, err := f.engine.Run(context.Background(), wf, map[string]any{"go": false}, RunOpts{})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionCompleted, exec.Status)

	m, ok := exec.Results.Get("M")
	require.True(t, ok)
	require.Equal(t, models.NodeSuccess, m.Status, "merge tolerates an empty collection by default")
	assert.Equal(t, 0, m.Output["count"])
}
