package models

import (
	"sync"
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution is one running (or finished) instance of a workflow.
// Input is immutable after creation; Globals are copied from the
// workflow definition at start and are read-only to scripts.
type Execution struct {
	ID            string          `db:"execution_id" json:"execution_id"`
	WorkflowID    string          `db:"workflow_id" json:"workflow_id"`
	TenantID      string          `db:"tenant_id" json:"tenant_id"`
	Status        ExecutionStatus `db:"status" json:"status"`
	Input         map[string]any  `db:"input" json:"input,omitempty"`
	Globals       map[string]any  `db:"globals" json:"globals,omitempty"`
	RecoveredFrom string          `db:"recovered_from" json:"recovered_from,omitempty"`
	ErrorMessage  string          `db:"error_message" json:"error_message,omitempty"`
	StartedAt     time.Time       `db:"started_at" json:"started_at"`
	EndedAt       *time.Time      `db:"ended_at" json:"ended_at,omitempty"`

	// Results is populated as nodes finish. Not persisted inline;
	// the store keeps per-node logs and checkpoint references.
	Results *ResultMap `db:"-" json:"-"`
}

// ResultMap is the concurrent per-node result collection of one
// execution. Workers of the same execution read and write it from
// separate goroutines.
type ResultMap struct {
	mu sync.RWMutex
	m  map[string]*NodeResult
}

// NewResultMap returns an empty result collection.
func NewResultMap() *ResultMap {
	return &ResultMap{m: make(map[string]*NodeResult)}
}

// Get returns the result recorded for a node, if any.
func (r *ResultMap) Get(nodeID string) (*NodeResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.m[nodeID]
	return res, ok
}

// Set records (or overwrites) the result for a node.
func (r *ResultMap) Set(res *NodeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[res.NodeID] = res
}

// Len returns the number of recorded results.
func (r *ResultMap) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// CountByStatus returns how many recorded results carry the status.
func (r *ResultMap) CountByStatus(status NodeStatus) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, res := range r.m {
		if res.Status == status {
			n++
		}
	}
	return n
}

// CompletedIDs returns the identifiers of nodes whose result status is
// success, in no particular order.
func (r *ResultMap) CompletedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.m))
	for id, res := range r.m {
		if res.Status == NodeSuccess {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns a shallow copy of the collection, safe to iterate
// while workers continue to write.
func (r *ResultMap) Snapshot() map[string]*NodeResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*NodeResult, len(r.m))
	for id, res := range r.m {
		out[id] = res
	}
	return out
}
