package models

import "time"

// ResultRef is the lightweight per-node entry stored in a checkpoint:
// the status plus either the inline output or a content-addressed
// pointer to it when the serialized output exceeds the inline
// threshold.
type ResultRef struct {
	Status      NodeStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	OutputCASID string         `json:"output_cas_id,omitempty"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	RetryCount  int            `json:"retry_count,omitempty"`
}

// Checkpoint is a durable snapshot sufficient to reconstruct the
// scheduler state of an execution. For every node in Completed, all
// of its predecessors are also in Completed and its InDegrees entry
// was zero at the moment it completed.
type Checkpoint struct {
	ExecutionID string               `db:"execution_id" json:"execution_id"`
	InDegrees   map[string]int64     `db:"in_degrees" json:"in_degrees"`
	Completed   []string             `db:"completed" json:"completed"`
	Results     map[string]ResultRef `db:"results" json:"results"`
	Workflow    *Workflow            `db:"workflow" json:"workflow"`
	CreatedAt   time.Time            `db:"created_at" json:"created_at"`
}

// IsCompleted reports whether the node appears in the completed set.
func (c *Checkpoint) IsCompleted(nodeID string) bool {
	for _, id := range c.Completed {
		if id == nodeID {
			return true
		}
	}
	return false
}
