package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flumeworks/flume/common/models"
)

func workflowWith(kinds ...models.NodeKind) *models.Workflow {
	wf := &models.Workflow{ID: "wf-1", Name: "w"}
	for i, k := range kinds {
		wf.Nodes = append(wf.Nodes, models.Node{ID: string(rune('A' + i)), Type: k})
	}
	return wf
}

func TestInspectWorkflowTiers(t *testing.T) {
	tests := []struct {
		name    string
		wf      *models.Workflow
		tier    WorkflowTier
		scripts int
		https   int
	}{
		{
			name: "nil workflow is simple",
			wf:   nil,
			tier: TierSimple,
		},
		{
			name: "in-process kinds are simple",
			wf:   workflowWith(models.NodeTrigger, models.NodeLog, models.NodeIf, models.NodeMerge, models.NodeEnd),
			tier: TierSimple,
		},
		{
			name:  "one http is standard",
			wf:    workflowWith(models.NodeTrigger, models.NodeHTTP, models.NodeEnd),
			tier:  TierStandard,
			https: 1,
		},
		{
			name:    "two costly nodes stay standard",
			wf:      workflowWith(models.NodeTrigger, models.NodeScript, models.NodeHTTP),
			tier:    TierStandard,
			scripts: 1,
			https:   1,
		},
		{
			name:    "three costly nodes are heavy",
			wf:      workflowWith(models.NodeScript, models.NodeScript, models.NodeHTTP, models.NodeEnd),
			tier:    TierHeavy,
			scripts: 2,
			https:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profile := InspectWorkflow(tt.wf)
			assert.Equal(t, tt.tier, profile.Tier)
			assert.Equal(t, tt.scripts, profile.ScriptCount)
			assert.Equal(t, tt.https, profile.HTTPCount)
			if tt.wf != nil {
				assert.Equal(t, len(tt.wf.Nodes), profile.TotalNodes)
			}
		})
	}
}

func TestTierLimitsOrdering(t *testing.T) {
	// Heavier tiers must always get fewer runs per window.
	assert.Greater(t, GetLimitForTier(TierSimple), GetLimitForTier(TierStandard))
	assert.Greater(t, GetLimitForTier(TierStandard), GetLimitForTier(TierHeavy))

	// Unknown tiers fall back to the most restrictive limit.
	assert.Equal(t, GetLimitForTier(TierHeavy), GetLimitForTier(WorkflowTier("mystery")))
	assert.Equal(t, GetWindowForTier(TierHeavy), GetWindowForTier(WorkflowTier("mystery")))

	assert.Equal(t, "unknown", WorkflowTier("mystery").String())
	assert.Equal(t, "heavy", TierHeavy.String())

	assert.Len(t, GetAllTiers(), 3)
}
