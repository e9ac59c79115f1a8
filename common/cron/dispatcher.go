package cron

import (
	"context"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"

	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/scheduler"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Launcher starts workflow executions; *scheduler.Engine satisfies it.
type Launcher interface {
	Launch(ctx context.Context, wf *models.Workflow, input map[string]any, opts scheduler.RunOpts) (*models.Execution, error)
}

// Dispatcher fires scheduled workflows. A workflow participates by
// carrying a cron expression in its trigger node's `schedule` config;
// registration is idempotent per workflow id.
type Dispatcher struct {
	cron     *cronv3.Cron
	launcher Launcher
	logger   Logger

	mu      sync.Mutex
	entries map[string]cronv3.EntryID
}

// NewDispatcher creates a dispatcher using standard 5-field cron
// expressions.
func NewDispatcher(launcher Launcher, logger Logger) *Dispatcher {
	return &Dispatcher{
		cron:     cronv3.New(),
		launcher: launcher,
		logger:   logger,
		entries:  make(map[string]cronv3.EntryID),
	}
}

// Register schedules the workflow when its trigger node carries a
// schedule. Returns false when it carries none. Re-registering a
// workflow id replaces its previous schedule.
func (d *Dispatcher) Register(wf *models.Workflow) (bool, error) {
	spec := scheduleOf(wf)
	if spec == "" {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.entries[wf.ID]; ok {
		d.cron.Remove(old)
		delete(d.entries, wf.ID)
	}

	id, err := d.cron.AddFunc(spec, func() { d.fire(wf) })
	if err != nil {
		return false, models.Errf(models.ErrValidation, "invalid cron schedule %q: %v", spec, err)
	}
	d.entries[wf.ID] = id

	d.logger.Info("workflow scheduled",
		"workflow_id", wf.ID,
		"schedule", spec)
	return true, nil
}

// Unregister removes the workflow's schedule, reporting whether one
// existed.
func (d *Dispatcher) Unregister(workflowID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.entries[workflowID]
	if !ok {
		return false
	}
	d.cron.Remove(id)
	delete(d.entries, workflowID)
	d.logger.Info("workflow unscheduled", "workflow_id", workflowID)
	return true
}

// Entries reports how many workflows are scheduled.
func (d *Dispatcher) Entries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Start begins firing schedules.
func (d *Dispatcher) Start() {
	d.cron.Start()
	d.logger.Info("cron dispatcher started")
}

// Stop halts scheduling and waits for in-progress launches to return.
func (d *Dispatcher) Stop() {
	<-d.cron.Stop().Done()
	d.logger.Info("cron dispatcher stopped")
}

func (d *Dispatcher) fire(wf *models.Workflow) {
	meta := map[string]any{
		"triggerType":   "schedule",
		"scheduledTime": time.Now().UTC().Format(time.RFC3339),
	}
	exec, err := d.launcher.Launch(context.Background(), wf, map[string]any{}, scheduler.RunOpts{
		TriggerMeta: meta,
	})
	if err != nil {
		d.logger.Error("scheduled launch failed",
			"workflow_id", wf.ID,
			"error", err)
		return
	}
	d.logger.Info("scheduled execution launched",
		"workflow_id", wf.ID,
		"execution_id", exec.ID)
}

// scheduleOf finds the cron expression on the workflow's trigger node.
func scheduleOf(wf *models.Workflow) string {
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if n.Type == models.NodeTrigger {
			if s := n.ConfigString("schedule", ""); s != "" {
				return s
			}
		}
	}
	return ""
}
