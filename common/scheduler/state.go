package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flumeworks/flume/common/graph"
	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/resolver"
)

// execState is the live scheduler state of one execution. In-degrees
// are decremented atomically; checkpoint bookkeeping (refs, completed
// set) is serialized by cpMu so every persisted snapshot is internally
// consistent.
type execState struct {
	exec        *models.Execution
	graph       *graph.Graph
	scope       *resolver.Scope
	triggerMeta map[string]any

	// runCtx is cancelled on cancel/fail/shutdown and bounds node
	// execution. persistCtx never cancels: completions that arrive
	// after cancellation still persist for audit.
	runCtx     context.Context
	cancelRun  context.CancelFunc
	persistCtx context.Context

	inDeg    map[string]*atomic.Int64
	inFlight atomic.Int64
	waiting  atomic.Int64

	// cpMu guards refs, completed, and the decrement+snapshot sequence
	// so checkpoints never regress.
	cpMu      sync.Mutex
	refs      map[string]models.ResultRef
	completed []string

	// passedEdges records each edge's verdict (source succeeded and the
	// condition held) before the corresponding decrement lands, so a
	// target observing in-degree zero can tell live paths from pruned
	// ones.
	edgeMu      sync.RWMutex
	passedEdges map[string]bool

	settleMu    sync.Mutex
	settled     bool
	cancelled   atomic.Bool
	interrupted atomic.Bool
	failed      atomic.Bool
	failOnce    sync.Once
	failMsg     string

	// done closes on terminal settlement; suspended signals quiescence
	// with live wait tickets.
	done      chan struct{}
	suspended chan struct{}
}

func newExecState(ctx context.Context, exec *models.Execution, g *graph.Graph) *execState {
	persistCtx := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(persistCtx)
	return &execState{
		exec:        exec,
		graph:       g,
		scope:       resolver.ScopeFor(exec),
		runCtx:      runCtx,
		cancelRun:   cancel,
		persistCtx:  persistCtx,
		inDeg:       make(map[string]*atomic.Int64, g.NodeCount()),
		refs:        make(map[string]models.ResultRef, g.NodeCount()),
		passedEdges: make(map[string]bool),
		done:        make(chan struct{}),
		suspended:   make(chan struct{}, 4),
	}
}

// seedFresh initializes in-degrees from the graph for a first run.
func (st *execState) seedFresh() {
	for id, d := range st.graph.InDegrees() {
		counter := &atomic.Int64{}
		counter.Store(int64(d))
		st.inDeg[id] = counter
	}
}

// seedCheckpoint restores bookkeeping from a recovered snapshot and
// returns the ready set: zero in-degree, not completed, and no settled
// result carried over. Suspended and mid-failure nodes re-run.
func (st *execState) seedCheckpoint(seed *models.Checkpoint) []string {
	completedSet := make(map[string]bool, len(seed.Completed))
	for _, id := range seed.Completed {
		completedSet[id] = true
	}
	st.completed = append(st.completed, seed.Completed...)

	initial := st.graph.InDegrees()
	for id, d := range initial {
		counter := &atomic.Int64{}
		if v, ok := seed.InDegrees[id]; ok {
			counter.Store(v)
		} else {
			counter.Store(int64(d))
		}
		st.inDeg[id] = counter
	}

	for id, ref := range seed.Results {
		switch ref.Status {
		case models.NodeSuccess, models.NodeSkipped:
			st.refs[id] = ref
			st.exec.Results.Set(resultFromRef(id, ref))
		}
	}

	var ready []string
	for _, n := range st.graph.Workflow().Nodes {
		if completedSet[n.ID] {
			continue
		}
		if _, settled := st.refs[n.ID]; settled {
			continue
		}
		if counter, ok := st.inDeg[n.ID]; ok && counter.Load() == 0 {
			ready = append(ready, n.ID)
		}
	}
	return ready
}

// checkpointLocked snapshots the scheduler state. Caller holds cpMu.
func (st *execState) checkpointLocked() *models.Checkpoint {
	inDeg := make(map[string]int64, len(st.inDeg))
	for id, counter := range st.inDeg {
		inDeg[id] = counter.Load()
	}
	completed := append([]string(nil), st.completed...)
	refs := make(map[string]models.ResultRef, len(st.refs))
	for id, ref := range st.refs {
		refs[id] = ref
	}
	return &models.Checkpoint{
		ExecutionID: st.exec.ID,
		InDegrees:   inDeg,
		Completed:   completed,
		Results:     refs,
		Workflow:    st.graph.Workflow(),
		CreatedAt:   time.Now().UTC(),
	}
}

// fail flags the execution failed exactly once and releases in-flight
// workers; settlement persists the terminal status when they drain.
// Reports whether this call was the one that flagged it.
func (st *execState) fail(msg string) bool {
	first := false
	st.failOnce.Do(func() {
		first = true
		st.failMsg = msg
		st.failed.Store(true)
		st.cancelRun()
	})
	return first
}

func (st *execState) signalSuspended() {
	select {
	case st.suspended <- struct{}{}:
	default:
	}
}

// resultFromRef rebuilds a node result from its checkpoint reference.
// Wall-clock timings do not survive recovery; outputs do.
func resultFromRef(nodeID string, ref models.ResultRef) *models.NodeResult {
	return &models.NodeResult{
		NodeID:      nodeID,
		Status:      ref.Status,
		Output:      ref.Output,
		OutputCASID: ref.OutputCASID,
		ErrorKind:   ref.ErrorKind,
		RetryCount:  ref.RetryCount,
	}
}

func edgeKey(e models.Edge) string {
	return e.SourceNodeID + "\x00" + e.TargetNodeID
}
