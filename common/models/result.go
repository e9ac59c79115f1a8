package models

import "time"

// NodeStatus represents the outcome of one node execution attempt.
// Running and skipped are scheduler bookkeeping states: running marks
// the durable start record, skipped marks a node whose every incoming
// path was pruned and which therefore never executed.
type NodeStatus string

const (
	NodeRunning NodeStatus = "running"
	NodeSuccess NodeStatus = "success"
	NodeFailed  NodeStatus = "failed"
	NodeWaiting NodeStatus = "waiting"
	NodeSkipped NodeStatus = "skipped"
)

// NodeResult is the record of a node execution. Once written for a
// node it is append-only, except RetryCount during active retries.
// OutputCASID is set instead of Output when the persisted form was
// externalized to the content-addressed store.
type NodeResult struct {
	NodeID       string         `db:"node_id" json:"node_id"`
	Status       NodeStatus     `db:"status" json:"status"`
	Output       map[string]any `db:"output" json:"output,omitempty"`
	OutputCASID  string         `db:"output_cas_id" json:"output_cas_id,omitempty"`
	ErrorMessage string         `db:"error_message" json:"error_message,omitempty"`
	ErrorKind    ErrorKind      `db:"error_kind" json:"error_kind,omitempty"`
	StackTrace   string         `db:"stack_trace" json:"stack_trace,omitempty"`
	StartedAt    time.Time      `db:"started_at" json:"started_at"`
	EndedAt      time.Time      `db:"ended_at" json:"ended_at"`
	DurationMS   int64          `db:"duration_ms" json:"duration_ms"`
	RetryCount   int            `db:"retry_count" json:"retry_count"`
}

// SkippedResult builds a skipped record for a node whose every incoming
// path was pruned.
func SkippedResult(nodeID, reason string) *NodeResult {
	now := time.Now().UTC()
	return &NodeResult{
		NodeID:       nodeID,
		Status:       NodeSkipped,
		Output:       map[string]any{},
		ErrorMessage: reason,
		StartedAt:    now,
		EndedAt:      now,
	}
}

// Succeeded reports whether the node finished with status success.
func (r *NodeResult) Succeeded() bool {
	return r != nil && r.Status == NodeSuccess
}

// SuccessResult builds a success record for a node with the given
// output and timing.
func SuccessResult(nodeID string, output map[string]any, started time.Time) *NodeResult {
	ended := time.Now().UTC()
	return &NodeResult{
		NodeID:     nodeID,
		Status:     NodeSuccess,
		Output:     output,
		StartedAt:  started,
		EndedAt:    ended,
		DurationMS: ended.Sub(started).Milliseconds(),
	}
}

// WaitingResult builds a waiting record for a node whose output carries
// the suspension details (ticket, deadline, callback hints).
func WaitingResult(nodeID string, output map[string]any, started time.Time) *NodeResult {
	ended := time.Now().UTC()
	return &NodeResult{
		NodeID:     nodeID,
		Status:     NodeWaiting,
		Output:     output,
		StartedAt:  started,
		EndedAt:    ended,
		DurationMS: ended.Sub(started).Milliseconds(),
	}
}

// FailureResult builds a failed record for a node carrying the error
// kind and message.
func FailureResult(nodeID string, kind ErrorKind, message string, started time.Time) *NodeResult {
	ended := time.Now().UTC()
	return &NodeResult{
		NodeID:       nodeID,
		Status:       NodeFailed,
		Output:       map[string]any{},
		ErrorMessage: message,
		ErrorKind:    kind,
		StartedAt:    started,
		EndedAt:      ended,
		DurationMS:   ended.Sub(started).Milliseconds(),
	}
}
