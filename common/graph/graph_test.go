package graph

import (
	"strings"
	"testing"

	"github.com/flumeworks/flume/common/models"
)

func logNode(id string) models.Node {
	return models.Node{ID: id, Name: id, Type: models.NodeLog, Config: map[string]any{"message": id}}
}

func edge(src, tgt string) models.Edge {
	return models.Edge{SourceNodeID: src, TargetNodeID: tgt}
}

// TestParse_MinimalDocument tests decoding with structural defaults
func TestParse_MinimalDocument(t *testing.T) {
	wf, err := Parse([]byte(`{
		"id": "wf-1",
		"name": "minimal",
		"nodes": [{"id": "A", "name": "A", "type": "log", "config": {"message": "hi"}}]
	}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if wf.ID != "wf-1" {
		t.Errorf("Expected id 'wf-1', got '%s'", wf.ID)
	}
	if wf.Edges == nil || len(wf.Edges) != 0 {
		t.Errorf("Missing edges should decode to an empty set, got %v", wf.Edges)
	}
}

// TestParse_FullDocument tests that node config, timeout and retry survive decoding
func TestParse_FullDocument(t *testing.T) {
	wf, err := Parse([]byte(`{
		"id": "wf-2",
		"name": "full",
		"version": "3",
		"tenantId": "acme",
		"globalVariables": {"region": "eu"},
		"nodes": [
			{"id": "T", "name": "start", "type": "trigger", "config": {}},
			{"id": "H", "name": "fetch", "type": "http",
			 "config": {"url": "https://api.example.com", "method": "POST"},
			 "timeout": 2500,
			 "retry": {"maxAttempts": 4, "backoffMs": 200, "backoffFactor": 1.5}}
		],
		"edges": [{"sourceNodeId": "T", "targetNodeId": "H", "condition": "T.output.ok == true"}]
	}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	h, ok := wf.NodeByID("H")
	if !ok {
		t.Fatalf("Node H not found")
	}
	if h.Timeout != 2500 {
		t.Errorf("Expected timeout 2500, got %d", h.Timeout)
	}
	if h.Retry == nil || h.Retry.MaxAttempts != 4 || h.Retry.BackoffMS != 200 {
		t.Errorf("Retry policy not decoded: %+v", h.Retry)
	}
	if h.ConfigString("method", "") != "POST" {
		t.Errorf("Expected method POST, got '%s'", h.ConfigString("method", ""))
	}
	if wf.Edges[0].Condition != "T.output.ok == true" {
		t.Errorf("Edge condition not decoded: %q", wf.Edges[0].Condition)
	}
	if wf.GlobalVariables["region"] != "eu" {
		t.Errorf("Global variables not decoded: %v", wf.GlobalVariables)
	}
}

// TestParse_RequiredFields tests the structural checks
func TestParse_RequiredFields(t *testing.T) {
	tests := []struct {
		name     string
		document string
	}{
		{"missing_id", `{"name": "x", "nodes": [{"id": "A", "name": "A", "type": "log"}]}`},
		{"missing_name", `{"id": "x", "nodes": [{"id": "A", "name": "A", "type": "log"}]}`},
		{"no_nodes", `{"id": "x", "name": "x", "nodes": []}`},
		{"not_json", `{"id": `},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.document)); err == nil {
				t.Errorf("Expected validation error, got nil")
			} else if models.KindOf(err) != models.ErrValidation {
				t.Errorf("Expected validation kind, got %s", models.KindOf(err))
			}
		})
	}
}

// TestValidate_Rules tests each validation rule in isolation
func TestValidate_Rules(t *testing.T) {
	tests := []struct {
		name     string
		wf       *models.Workflow
		errorMsg string
	}{
		{
			name: "duplicate_node_id",
			wf: &models.Workflow{
				ID: "w", Name: "w",
				Nodes: []models.Node{logNode("A"), logNode("A")},
			},
			errorMsg: "duplicate node id",
		},
		{
			name: "unknown_node_type",
			wf: &models.Workflow{
				ID: "w", Name: "w",
				Nodes: []models.Node{{ID: "A", Name: "A", Type: "teleport"}},
			},
			errorMsg: "unknown node type",
		},
		{
			name: "edge_to_missing_node",
			wf: &models.Workflow{
				ID: "w", Name: "w",
				Nodes: []models.Node{logNode("A")},
				Edges: []models.Edge{edge("A", "B")},
			},
			errorMsg: "non-existent node",
		},
		{
			name: "duplicate_edge",
			wf: &models.Workflow{
				ID: "w", Name: "w",
				Nodes: []models.Node{logNode("A"), logNode("B")},
				Edges: []models.Edge{edge("A", "B"), edge("A", "B")},
			},
			errorMsg: "duplicate edge",
		},
		{
			name: "disconnected_node",
			wf: &models.Workflow{
				ID: "w", Name: "w",
				Nodes: []models.Node{logNode("A"), logNode("B"), logNode("C")},
				Edges: []models.Edge{edge("A", "B")},
			},
			errorMsg: "not connected",
		},
		{
			name: "http_without_url",
			wf: &models.Workflow{
				ID: "w", Name: "w",
				Nodes: []models.Node{{ID: "A", Name: "A", Type: models.NodeHTTP, Config: map[string]any{}}},
			},
			errorMsg: "non-empty url",
		},
		{
			name: "script_without_code",
			wf: &models.Workflow{
				ID: "w", Name: "w",
				Nodes: []models.Node{{ID: "A", Name: "A", Type: models.NodeScript, Config: map[string]any{}}},
			},
			errorMsg: "non-empty code",
		},
		{
			name: "unknown_merge_strategy",
			wf: &models.Workflow{
				ID: "w", Name: "w",
				Nodes: []models.Node{{ID: "A", Name: "A", Type: models.NodeMerge, Config: map[string]any{"mergeStrategy": "vote"}}},
			},
			errorMsg: "unknown merge strategy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.wf)
			if err == nil {
				t.Fatalf("Expected error containing '%s', got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("Expected error containing '%s', got: %v", tt.errorMsg, err)
			}
			if models.KindOf(err) != models.ErrValidation {
				t.Errorf("Expected validation kind, got %s", models.KindOf(err))
			}
		})
	}
}

// TestValidate_CycleNamesParticipants tests that the cycle error names the
// unreducible nodes in sorted order, not the whole workflow
func TestValidate_CycleNamesParticipants(t *testing.T) {
	wf := &models.Workflow{
		ID: "w", Name: "w",
		Nodes: []models.Node{logNode("A"), logNode("C"), logNode("B")},
		Edges: []models.Edge{edge("A", "B"), edge("B", "C"), edge("C", "B")},
	}

	err := Validate(wf)
	if err == nil {
		t.Fatalf("Expected cycle error, got nil")
	}
	if !strings.Contains(err.Error(), "cycle through: B, C") {
		t.Errorf("Cycle error should name B and C sorted (and not entry node A), got: %v", err)
	}
}

// TestValidate_SingleNode tests that connectivity only applies from two nodes up
func TestValidate_SingleNode(t *testing.T) {
	wf := &models.Workflow{
		ID: "w", Name: "w",
		Nodes: []models.Node{logNode("only")},
	}
	if err := Validate(wf); err != nil {
		t.Fatalf("Single node workflow should validate, got: %v", err)
	}
}

// TestValidate_IfWithoutCondition tests that a bare if node is legal
func TestValidate_IfWithoutCondition(t *testing.T) {
	wf := &models.Workflow{
		ID: "w", Name: "w",
		Nodes: []models.Node{
			{ID: "IF", Name: "IF", Type: models.NodeIf, Config: map[string]any{}},
			logNode("A"),
		},
		Edges: []models.Edge{edge("IF", "A")},
	}
	if err := Validate(wf); err != nil {
		t.Fatalf("If node without condition should validate, got: %v", err)
	}
}

// TestBuild_DiamondIndexes tests the execution view of A->(B,C)->D
func TestBuild_DiamondIndexes(t *testing.T) {
	wf := &models.Workflow{
		ID: "w", Name: "w",
		Nodes: []models.Node{logNode("A"), logNode("B"), logNode("C"), logNode("D")},
		Edges: []models.Edge{edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")},
	}

	g, err := Build(wf)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if g.NodeCount() != 4 {
		t.Errorf("Expected 4 nodes, got %d", g.NodeCount())
	}

	deg := g.InDegrees()
	expected := map[string]int{"A": 0, "B": 1, "C": 1, "D": 2}
	for id, want := range expected {
		if deg[id] != want {
			t.Errorf("Node %s: expected in-degree %d, got %d", id, want, deg[id])
		}
	}

	// InDegrees returns a copy; mutating it must not touch the graph
	deg["D"] = 99
	if g.InDegrees()["D"] != 2 {
		t.Errorf("InDegrees must return a fresh copy")
	}

	outs := g.OutEdges("A")
	if len(outs) != 2 || outs[0].TargetNodeID != "B" || outs[1].TargetNodeID != "C" {
		t.Errorf("OutEdges(A) should preserve definition order, got %v", outs)
	}

	preds := g.Predecessors("D")
	if len(preds) != 2 || preds[0] != "B" || preds[1] != "C" {
		t.Errorf("Predecessors(D) should be [B C] in definition order, got %v", preds)
	}

	entries := g.EntryNodes()
	if len(entries) != 1 || entries[0] != "A" {
		t.Errorf("Expected entry nodes [A], got %v", entries)
	}
}

// TestBuild_RejectsInvalid tests that Build re-runs validation
func TestBuild_RejectsInvalid(t *testing.T) {
	wf := &models.Workflow{
		ID: "w", Name: "w",
		Nodes: []models.Node{logNode("A"), logNode("B")},
		Edges: []models.Edge{edge("A", "B"), edge("B", "A")},
	}
	if _, err := Build(wf); err == nil {
		t.Fatalf("Build should reject a cyclic workflow")
	}
}
