package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumeworks/flume/common/models"
)

func execRow(id, tenant string, status models.ExecutionStatus, started time.Time) *models.Execution {
	return &models.Execution{
		ID:         id,
		WorkflowID: "wf-1",
		TenantID:   tenant,
		Status:     status,
		StartedAt:  started,
		Results:    models.NewResultMap(),
	}
}

func TestMemoryStoreExecutionLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exec := execRow("ex-1", "tenant-1", models.ExecutionRunning, time.Now().UTC())

	require.NoError(t, s.InsertExecution(ctx, exec))
	assert.Error(t, s.InsertExecution(ctx, exec), "duplicate id must not overwrite")

	row, err := s.LoadExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, row.Status)
	assert.Nil(t, row.EndedAt)

	// Waiting is not terminal; no ended_at stamp.
	require.NoError(t, s.UpdateExecutionStatus(ctx, "ex-1", models.ExecutionWaiting, ""))
	row, err = s.LoadExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionWaiting, row.Status)
	assert.Nil(t, row.EndedAt)

	require.NoError(t, s.UpdateExecutionStatus(ctx, "ex-1", models.ExecutionFailed, "node X failed"))
	row, err = s.LoadExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, row.Status)
	assert.Equal(t, "node X failed", row.ErrorMessage)
	require.NotNil(t, row.EndedAt)

	err = s.UpdateExecutionStatus(ctx, "ex-missing", models.ExecutionCompleted, "")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.LoadExecution(ctx, "ex-missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStoreRowsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exec := execRow("ex-1", "tenant-1", models.ExecutionRunning, time.Now().UTC())
	require.NoError(t, s.InsertExecution(ctx, exec))

	// Mutating the caller's struct after insert must not rewrite the row.
	exec.Status = models.ExecutionCancelled
	row, err := s.LoadExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, row.Status)

	// Mutating a loaded row must not rewrite the stored one either.
	row.Status = models.ExecutionFailed
	again, err := s.LoadExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, again.Status)
}

func TestMemoryStoreListExecutionsNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.InsertExecution(ctx, execRow("ex-old", "tenant-1", models.ExecutionCompleted, base.Add(-3*time.Minute))))
	require.NoError(t, s.InsertExecution(ctx, execRow("ex-mid", "tenant-1", models.ExecutionRunning, base.Add(-2*time.Minute))))
	require.NoError(t, s.InsertExecution(ctx, execRow("ex-new", "tenant-1", models.ExecutionRunning, base.Add(-time.Minute))))
	require.NoError(t, s.InsertExecution(ctx, execRow("ex-other", "tenant-2", models.ExecutionRunning, base)))

	rows, err := s.ListExecutions(ctx, "tenant-1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ex-new", rows[0].ID)
	assert.Equal(t, "ex-mid", rows[1].ID)
	assert.Equal(t, "ex-old", rows[2].ID)

	rows, err = s.ListExecutions(ctx, "tenant-1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ex-new", rows[0].ID)
	assert.Equal(t, "ex-mid", rows[1].ID)
}

func TestMemoryStoreListRecoverable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, s.InsertExecution(ctx, execRow("ex-done", "tenant-1", models.ExecutionCompleted, base.Add(-4*time.Minute))))
	require.NoError(t, s.InsertExecution(ctx, execRow("ex-a", "tenant-1", models.ExecutionRunning, base.Add(-3*time.Minute))))
	require.NoError(t, s.InsertExecution(ctx, execRow("ex-b", "tenant-1", models.ExecutionWaiting, base.Add(-2*time.Minute))))
	require.NoError(t, s.InsertExecution(ctx, execRow("ex-c", "tenant-2", models.ExecutionRunning, base.Add(-time.Minute))))
	require.NoError(t, s.InsertExecution(ctx, execRow("ex-gone", "tenant-2", models.ExecutionCancelled, base)))

	// Tenant scoped: oldest first, terminal rows excluded.
	rows, err := s.ListRecoverable(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ex-a", rows[0].ID)
	assert.Equal(t, "ex-b", rows[1].ID)

	// Empty tenant spans all tenants; startup recovery uses this.
	rows, err = s.ListRecoverable(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "ex-a", rows[0].ID)
	assert.Equal(t, "ex-b", rows[1].ID)
	assert.Equal(t, "ex-c", rows[2].ID)
}

func TestMemoryStoreNodeLogUpsertReplaces(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	running := &models.NodeResult{NodeID: "A", Status: models.NodeRunning, StartedAt: base}
	require.NoError(t, s.UpsertNodeLog(ctx, "ex-1", running))

	finished := models.SuccessResult("A", map[string]any{"n": 1}, base)
	require.NoError(t, s.UpsertNodeLog(ctx, "ex-1", finished))
	require.NoError(t, s.UpsertNodeLog(ctx, "ex-1", &models.NodeResult{
		NodeID: "B", Status: models.NodeRunning, StartedAt: base.Add(time.Second),
	}))

	logs, err := s.ListNodeLogs(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "A", logs[0].NodeID)
	assert.Equal(t, models.NodeSuccess, logs[0].Status)
	assert.Equal(t, "B", logs[1].NodeID)

	// Unknown execution yields an empty list, not an error.
	logs, err = s.ListNodeLogs(ctx, "ex-unknown")
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestMemoryStoreCheckpointRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	cp := &models.Checkpoint{
		ExecutionID: "ex-1",
		InDegrees:   map[string]int64{"A": 0, "B": 1},
		Completed:   []string{"A"},
		Results: map[string]models.ResultRef{
			"A": {Status: models.NodeSuccess, Output: map[string]any{"n": 1}},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))

	loaded, err := s.LoadCheckpoint(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, cp.InDegrees, loaded.InDegrees)
	assert.Equal(t, cp.Completed, loaded.Completed)

	// Loaded maps are copies; scribbling on them must not corrupt the
	// stored snapshot.
	loaded.InDegrees["B"] = 99
	loaded.Completed[0] = "Z"
	delete(loaded.Results, "A")
	again, err := s.LoadCheckpoint(ctx, "ex-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, again.InDegrees["B"])
	assert.Equal(t, []string{"A"}, again.Completed)
	assert.Contains(t, again.Results, "A")

	// Saving again replaces the previous snapshot wholesale.
	cp.InDegrees = map[string]int64{"A": 0, "B": 0}
	cp.Completed = []string{"A", "B"}
	require.NoError(t, s.SaveCheckpoint(ctx, cp))
	again, err = s.LoadCheckpoint(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, again.Completed)

	_, err = s.LoadCheckpoint(ctx, "ex-unknown")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryCASPutGet(t *testing.T) {
	c := NewMemoryCAS()
	ctx := context.Background()

	id, err := c.Put(ctx, []byte(`{"k":"v"}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "sha256:"), "cas id %q", id)

	// Identical payloads dedupe to the same id.
	again, err := c.Put(ctx, []byte(`{"k":"v"}`))
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other, err := c.Put(ctx, []byte(`{"k":"w"}`))
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	data, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"k":"v"}`), data)

	_, err = c.Get(ctx, "sha256:deadbeef")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryCASReturnsCopies(t *testing.T) {
	c := NewMemoryCAS()
	ctx := context.Background()

	payload := []byte("immutable")
	id, err := c.Put(ctx, payload)
	require.NoError(t, err)

	payload[0] = 'X'
	data, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), data)

	data[0] = 'Y'
	again, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("immutable"), again)
}

func TestPutJSONStoresMarshaledValue(t *testing.T) {
	c := NewMemoryCAS()
	ctx := context.Background()

	id, err := PutJSON(ctx, c, map[string]any{"answer": 42})
	require.NoError(t, err)

	data, err := c.Get(ctx, id)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.EqualValues(t, 42, out["answer"])
}
