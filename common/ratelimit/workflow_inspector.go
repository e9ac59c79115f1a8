package ratelimit

import "github.com/flumeworks/flume/common/models"

// WorkflowTier buckets workflows by how much external work they do per run.
type WorkflowTier string

const (
	TierSimple   WorkflowTier = "simple"   // No script or http nodes
	TierStandard WorkflowTier = "standard" // 1-2 script/http nodes
	TierHeavy    WorkflowTier = "heavy"    // 3+ script/http nodes
)

// WorkflowProfile contains analysis of a workflow's runtime cost
type WorkflowProfile struct {
	Tier        WorkflowTier // Determined tier
	ScriptCount int          // Number of script nodes
	HTTPCount   int          // Number of http nodes
	TotalNodes  int          // Total node count
}

// InspectWorkflow classifies a workflow by the number of script and http
// nodes it contains. Script nodes occupy sandbox interpreter slots and http
// nodes make outbound calls, so they dominate the cost of a run; the other
// kinds are in-process and cheap.
func InspectWorkflow(wf *models.Workflow) WorkflowProfile {
	profile := WorkflowProfile{Tier: TierSimple}
	if wf == nil {
		return profile
	}

	profile.TotalNodes = len(wf.Nodes)
	for i := range wf.Nodes {
		switch wf.Nodes[i].Type {
		case models.NodeScript:
			profile.ScriptCount++
		case models.NodeHTTP:
			profile.HTTPCount++
		}
	}

	profile.Tier = determineTier(profile.ScriptCount + profile.HTTPCount)
	return profile
}

// determineTier returns the appropriate tier for a combined script+http count
func determineTier(costlyNodes int) WorkflowTier {
	switch {
	case costlyNodes == 0:
		return TierSimple
	case costlyNodes <= 2:
		return TierStandard
	default: // 3+
		return TierHeavy
	}
}

// String returns a human-readable description of the tier
func (t WorkflowTier) String() string {
	switch t {
	case TierSimple, TierStandard, TierHeavy:
		return string(t)
	default:
		return "unknown"
	}
}
