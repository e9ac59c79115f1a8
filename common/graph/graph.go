package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/flumeworks/flume/common/models"
)

// Parse decodes a workflow document. Structural defaults are applied
// (missing edges decode to an empty set); semantic checks happen in
// Validate.
func Parse(document []byte) (*models.Workflow, error) {
	var wf models.Workflow
	if err := json.Unmarshal(document, &wf); err != nil {
		return nil, models.WrapErr(models.ErrValidation, err, "invalid workflow document")
	}
	if wf.ID == "" {
		return nil, models.Errf(models.ErrValidation, "workflow id is required")
	}
	if wf.Name == "" {
		return nil, models.Errf(models.ErrValidation, "workflow name is required")
	}
	if len(wf.Nodes) == 0 {
		return nil, models.Errf(models.ErrValidation, "workflow has no nodes")
	}
	if wf.Edges == nil {
		wf.Edges = []models.Edge{}
	}
	return &wf, nil
}

// Validate applies the validation rules in order: node id uniqueness,
// edge endpoint resolution, duplicate edge rejection, acyclicity,
// connectivity, and kind-specific config checks.
func Validate(wf *models.Workflow) error {
	// 1. Node identifier uniqueness
	seen := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID == "" {
			return models.Errf(models.ErrValidation, "node with empty id")
		}
		if seen[n.ID] {
			return models.Errf(models.ErrValidation, "duplicate node id: %s", n.ID)
		}
		seen[n.ID] = true
		if !n.Type.Valid() {
			return models.NodeErrf(models.ErrValidation, n.ID, "unknown node type: %s", n.Type)
		}
	}

	// 2. Edge endpoints resolve to known nodes, 3. at most one edge per pair
	pairs := make(map[string]bool, len(wf.Edges))
	for _, e := range wf.Edges {
		if !seen[e.SourceNodeID] {
			return models.Errf(models.ErrValidation, "edge references non-existent node: %s", e.SourceNodeID)
		}
		if !seen[e.TargetNodeID] {
			return models.Errf(models.ErrValidation, "edge references non-existent node: %s", e.TargetNodeID)
		}
		key := e.SourceNodeID + "\x00" + e.TargetNodeID
		if pairs[key] {
			return models.Errf(models.ErrValidation, "duplicate edge: %s -> %s", e.SourceNodeID, e.TargetNodeID)
		}
		pairs[key] = true
	}

	// 4. Acyclicity via iterative Kahn reduction
	if cyclic := findCycleNodes(wf); len(cyclic) > 0 {
		sort.Strings(cyclic)
		return models.Errf(models.ErrValidation, "workflow contains a cycle through: %s", strings.Join(cyclic, ", "))
	}

	// 5. Connectivity: with two or more nodes, every node must touch an edge
	if len(wf.Nodes) >= 2 {
		touched := make(map[string]bool, len(wf.Nodes))
		for _, e := range wf.Edges {
			touched[e.SourceNodeID] = true
			touched[e.TargetNodeID] = true
		}
		for _, n := range wf.Nodes {
			if !touched[n.ID] {
				return models.NodeErrf(models.ErrValidation, n.ID, "node is not connected to any edge")
			}
		}
	}

	// 6. Kind-specific configuration checks
	for i := range wf.Nodes {
		if err := validateNodeConfig(&wf.Nodes[i]); err != nil {
			return err
		}
	}

	return nil
}

// findCycleNodes runs Kahn's reduction and returns the node ids left
// unreduced (all of them sit on or downstream of a directed cycle).
// An empty result means the graph is acyclic.
func findCycleNodes(wf *models.Workflow) []string {
	inDeg := make(map[string]int, len(wf.Nodes))
	out := make(map[string][]string, len(wf.Nodes))
	for _, n := range wf.Nodes {
		inDeg[n.ID] = 0
	}
	for _, e := range wf.Edges {
		inDeg[e.TargetNodeID]++
		out[e.SourceNodeID] = append(out[e.SourceNodeID], e.TargetNodeID)
	}

	queue := make([]string, 0, len(wf.Nodes))
	for id, d := range inDeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	reduced := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		reduced++
		for _, next := range out[id] {
			inDeg[next]--
			if inDeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if reduced == len(wf.Nodes) {
		return nil
	}
	var remaining []string
	for id, d := range inDeg {
		if d > 0 {
			remaining = append(remaining, id)
		}
	}
	return remaining
}

// validateNodeConfig enforces the per-kind required configuration.
func validateNodeConfig(n *models.Node) error {
	switch n.Type {
	case models.NodeHTTP:
		if n.ConfigString("url", "") == "" {
			return models.NodeErrf(models.ErrValidation, n.ID, "http node requires a non-empty url")
		}
	case models.NodeScript:
		if n.ConfigString("code", "") == "" {
			return models.NodeErrf(models.ErrValidation, n.ID, "script node requires non-empty code")
		}
	case models.NodeMerge:
		if s := n.ConfigString("mergeStrategy", "all"); s != "all" && s != "first" && s != "last" && s != "array" {
			return models.NodeErrf(models.ErrValidation, n.ID, "unknown merge strategy: %s", s)
		}
	}
	// An if node without a condition defaults to true; not an error.
	return nil
}

// Graph is the immutable execution view of a validated workflow:
// in-degrees, the ordered out-edge index, and the ordered predecessor
// index. Built once per execution and shared read-only by workers.
type Graph struct {
	wf        *models.Workflow
	nodes     map[string]*models.Node
	inDegrees map[string]int
	outEdges  map[string][]models.Edge
	inEdges   map[string][]models.Edge
}

// Build validates the workflow and computes the execution view.
func Build(wf *models.Workflow) (*Graph, error) {
	if err := Validate(wf); err != nil {
		return nil, err
	}

	g := &Graph{
		wf:        wf,
		nodes:     make(map[string]*models.Node, len(wf.Nodes)),
		inDegrees: make(map[string]int, len(wf.Nodes)),
		outEdges:  make(map[string][]models.Edge, len(wf.Nodes)),
		inEdges:   make(map[string][]models.Edge, len(wf.Nodes)),
	}
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		g.nodes[n.ID] = n
		g.inDegrees[n.ID] = 0
	}
	// Edge order in the definition is preserved; merge and end nodes
	// rely on it when collecting predecessor outputs.
	for _, e := range wf.Edges {
		g.inDegrees[e.TargetNodeID]++
		g.outEdges[e.SourceNodeID] = append(g.outEdges[e.SourceNodeID], e)
		g.inEdges[e.TargetNodeID] = append(g.inEdges[e.TargetNodeID], e)
	}
	return g, nil
}

// Workflow returns the underlying definition.
func (g *Graph) Workflow() *models.Workflow {
	return g.wf
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*models.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeCount returns the number of nodes in the workflow.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// InDegrees returns a fresh copy of the initial in-degree map.
func (g *Graph) InDegrees() map[string]int {
	out := make(map[string]int, len(g.inDegrees))
	for id, d := range g.inDegrees {
		out[id] = d
	}
	return out
}

// OutEdges returns the outgoing edges of a node in definition order.
func (g *Graph) OutEdges(nodeID string) []models.Edge {
	return g.outEdges[nodeID]
}

// InEdges returns the incoming edges of a node in definition order.
func (g *Graph) InEdges(nodeID string) []models.Edge {
	return g.inEdges[nodeID]
}

// Predecessors returns the ids of nodes with an edge into nodeID, in
// definition order.
func (g *Graph) Predecessors(nodeID string) []string {
	edges := g.inEdges[nodeID]
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.SourceNodeID)
	}
	return ids
}

// EntryNodes returns the ids of nodes with no incoming edges, in
// definition order.
func (g *Graph) EntryNodes() []string {
	var entries []string
	for _, n := range g.wf.Nodes {
		if g.inDegrees[n.ID] == 0 {
			entries = append(entries, n.ID)
		}
	}
	return entries
}

// Describe returns a one-line summary used in logs.
func (g *Graph) Describe() string {
	return fmt.Sprintf("%d nodes, %d edges, %d entry", len(g.nodes), len(g.wf.Edges), len(g.EntryNodes()))
}
