package models

// NodeKind identifies the executor responsible for a node.
type NodeKind string

const (
	NodeTrigger NodeKind = "trigger"
	NodeHTTP    NodeKind = "http"
	NodeLog     NodeKind = "log"
	NodeScript  NodeKind = "script"
	NodeIf      NodeKind = "if"
	NodeMerge   NodeKind = "merge"
	NodeWait    NodeKind = "wait"
	NodeEnd     NodeKind = "end"
)

// Valid reports whether k is one of the declared node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeTrigger, NodeHTTP, NodeLog, NodeScript, NodeIf, NodeMerge, NodeWait, NodeEnd:
		return true
	}
	return false
}

// RetryPolicy controls re-execution of a failed node.
// Delay for attempt n (1-based) is BackoffMS * BackoffFactor^(n-1).
type RetryPolicy struct {
	MaxAttempts   int     `json:"maxAttempts"`
	BackoffMS     int     `json:"backoffMs"`
	BackoffFactor float64 `json:"backoffFactor"`
}

// Node is a single unit of work in a workflow definition.
// Config keys are kind-specific; Timeout (ms) overrides the engine default.
type Node struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Type    NodeKind       `json:"type"`
	Config  map[string]any `json:"config"`
	Timeout int            `json:"timeout,omitempty"`
	Retry   *RetryPolicy   `json:"retry,omitempty"`
}

// ConfigString returns a string config value, or def when absent or
// not a string.
func (n *Node) ConfigString(key, def string) string {
	if v, ok := n.Config[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// ConfigBool returns a boolean config value, or def when absent.
func (n *Node) ConfigBool(key string, def bool) bool {
	if v, ok := n.Config[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// ConfigInt returns an integer config value, tolerating the float64
// type JSON decoding produces.
func (n *Node) ConfigInt(key string, def int) int {
	if v, ok := n.Config[key]; ok {
		switch t := v.(type) {
		case int:
			return t
		case int64:
			return int(t)
		case float64:
			return int(t)
		}
	}
	return def
}

// Edge is a directed dependency between two nodes. An empty Condition
// is unconditional; otherwise the expression gates the edge at runtime.
type Edge struct {
	SourceNodeID string `json:"sourceNodeId"`
	TargetNodeID string `json:"targetNodeId"`
	Condition    string `json:"condition,omitempty"`
}

// Workflow is the declarative definition submitted by callers.
// Node IDs are unique, every edge endpoint references a defined node,
// and (Nodes, Edges) forms a weakly connected DAG.
type Workflow struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Version         string         `json:"version,omitempty"`
	TenantID        string         `json:"tenantId,omitempty"`
	Nodes           []Node         `json:"nodes"`
	Edges           []Edge         `json:"edges,omitempty"`
	GlobalVariables map[string]any `json:"globalVariables,omitempty"`
}

// NodeByID returns the node with the given identifier, if defined.
func (w *Workflow) NodeByID(id string) (*Node, bool) {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}
