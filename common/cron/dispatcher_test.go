package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumeworks/flume/common/logger"
	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/scheduler"
)

type launchRecord struct {
	workflowID string
	input      map[string]any
	meta       map[string]any
}

type fakeLauncher struct {
	mu       sync.Mutex
	err      error
	launches []launchRecord
}

func (f *fakeLauncher) Launch(ctx context.Context, wf *models.Workflow, input map[string]any, opts scheduler.RunOpts) (*models.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.launches = append(f.launches, launchRecord{
		workflowID: wf.ID,
		input:      input,
		meta:       opts.TriggerMeta,
	})
	return &models.Execution{ID: "ex-" + wf.ID, WorkflowID: wf.ID}, nil
}

func (f *fakeLauncher) recorded() []launchRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]launchRecord(nil), f.launches...)
}

func scheduledWorkflow(id, spec string) *models.Workflow {
	trigger := models.Node{ID: "T", Type: models.NodeTrigger}
	if spec != "" {
		trigger.Config = map[string]any{"schedule": spec}
	}
	return &models.Workflow{
		ID:   id,
		Name: "scheduled",
		Nodes: []models.Node{
			trigger,
			{ID: "L", Type: models.NodeLog},
		},
		Edges: []models.Edge{{SourceNodeID: "T", TargetNodeID: "L"}},
	}
}

func newDispatcher(launcher Launcher) *Dispatcher {
	return NewDispatcher(launcher, logger.New("error", "json"))
}

func TestRegisterIgnoresUnscheduledWorkflows(t *testing.T) {
	d := newDispatcher(&fakeLauncher{})

	ok, err := d.Register(scheduledWorkflow("wf-manual", ""))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, d.Entries())
}

func TestRegisterRejectsInvalidSpec(t *testing.T) {
	d := newDispatcher(&fakeLauncher{})

	ok, err := d.Register(scheduledWorkflow("wf-bad", "not a cron spec"))
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.ErrValidation, models.KindOf(err))
	assert.Equal(t, 0, d.Entries())
}

func TestRegisterReplacesExistingSchedule(t *testing.T) {
	d := newDispatcher(&fakeLauncher{})

	ok, err := d.Register(scheduledWorkflow("wf-1", "0 * * * *"))
	require.NoError(t, err)
	assert.True(t, ok)
	require.Equal(t, 1, d.Entries())

	// Same workflow id with a new spec replaces, never stacks.
	ok, err = d.Register(scheduledWorkflow("wf-1", "*/5 * * * *"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, d.Entries())

	ok, err = d.Register(scheduledWorkflow("wf-2", "@hourly"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, d.Entries())
}

func TestUnregisterReportsWhetherScheduled(t *testing.T) {
	d := newDispatcher(&fakeLauncher{})

	_, err := d.Register(scheduledWorkflow("wf-1", "@daily"))
	require.NoError(t, err)

	assert.True(t, d.Unregister("wf-1"))
	assert.Equal(t, 0, d.Entries())
	assert.False(t, d.Unregister("wf-1"))
	assert.False(t, d.Unregister("wf-never-registered"))
}

func TestFireLaunchesWithScheduleTrigger(t *testing.T) {
	launcher := &fakeLauncher{}
	d := newDispatcher(launcher)
	wf := scheduledWorkflow("wf-tick", "@hourly")

	d.fire(wf)

	launches := launcher.recorded()
	require.Len(t, launches, 1)
	assert.Equal(t, "wf-tick", launches[0].workflowID)
	assert.Equal(t, map[string]any{}, launches[0].input)
	assert.Equal(t, "schedule", launches[0].meta["triggerType"])

	ts, ok := launches[0].meta["scheduledTime"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, ts)
	assert.NoError(t, err)
}

func TestFireSurvivesLaunchFailure(t *testing.T) {
	launcher := &fakeLauncher{err: errors.New("engine shut down")}
	d := newDispatcher(launcher)

	// A failed launch is logged and dropped; the dispatcher keeps
	// serving other schedules.
	d.fire(scheduledWorkflow("wf-tick", "@hourly"))
	assert.Empty(t, launcher.recorded())
}

func TestDispatcherStartStop(t *testing.T) {
	d := newDispatcher(&fakeLauncher{})
	_, err := d.Register(scheduledWorkflow("wf-1", "@hourly"))
	require.NoError(t, err)

	d.Start()
	d.Stop()
	assert.Equal(t, 1, d.Entries())
}
