package checkpoint

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumeworks/flume/common/logger"
	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/store"
)

func newWriter(t *testing.T, threshold int) (*StoreWriter, *store.MemoryStore, *store.MemoryCAS) {
	t.Helper()
	st := store.NewMemoryStore()
	cas := store.NewMemoryCAS()
	return NewStoreWriter(st, cas, threshold, logger.New("error", "json")), st, cas
}

func sampleExecution(id string) *models.Execution {
	return &models.Execution{
		ID:         id,
		WorkflowID: "wf-1",
		TenantID:   "tenant-1",
		Status:     models.ExecutionRunning,
		Input:      map[string]any{"k": "v"},
		StartedAt:  time.Now().UTC(),
		Results:    models.NewResultMap(),
	}
}

func TestStartExecutionPersistsRowAndInitialCheckpoint(t *testing.T) {
	w, st, _ := newWriter(t, 0)
	ctx := context.Background()
	exec := sampleExecution("ex-1")
	initial := &models.Checkpoint{
		ExecutionID: "ex-1",
		InDegrees:   map[string]int64{"A": 0, "B": 1},
		Results:     map[string]models.ResultRef{},
		Workflow:    &models.Workflow{ID: "wf-1", Name: "w"},
		CreatedAt:   time.Now().UTC(),
	}

	require.NoError(t, w.StartExecution(ctx, exec, initial))

	row, err := st.LoadExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, row.Status)

	cp, err := st.LoadCheckpoint(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"A": 0, "B": 1}, cp.InDegrees)
	require.NotNil(t, cp.Workflow)
	assert.Equal(t, "wf-1", cp.Workflow.ID)

	// A second start of the same id is a hard error, not an overwrite.
	assert.Error(t, w.StartExecution(ctx, exec, nil))
}

func TestNodeFinishKeepsSmallOutputInline(t *testing.T) {
	w, st, _ := newWriter(t, 1024)
	ctx := context.Background()
	res := models.SuccessResult("A", map[string]any{"greeting": "hello"}, time.Now().UTC())

	ref, err := w.NodeFinish(ctx, "ex-1", res)
	require.NoError(t, err)

	assert.Equal(t, models.NodeSuccess, ref.Status)
	assert.Equal(t, map[string]any{"greeting": "hello"}, ref.Output)
	assert.Empty(t, ref.OutputCASID)

	logs, err := st.ListNodeLogs(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, map[string]any{"greeting": "hello"}, logs[0].Output)
	assert.Empty(t, logs[0].OutputCASID)
}

func TestNodeFinishExternalizesLargeOutput(t *testing.T) {
	w, st, cas := newWriter(t, 64)
	ctx := context.Background()
	big := map[string]any{"blob": strings.Repeat("x", 200)}
	res := models.SuccessResult("A", big, time.Now().UTC())

	ref, err := w.NodeFinish(ctx, "ex-1", res)
	require.NoError(t, err)

	assert.Nil(t, ref.Output)
	require.True(t, strings.HasPrefix(ref.OutputCASID, "sha256:"), "cas id %q", ref.OutputCASID)

	// The blob round-trips through the content store.
	data, err := cas.Get(ctx, ref.OutputCASID)
	require.NoError(t, err)
	var restored map[string]any
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, big, restored)

	// The persisted node log carries the pointer, not the payload.
	logs, err := st.ListNodeLogs(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].Output)
	assert.Equal(t, ref.OutputCASID, logs[0].OutputCASID)

	// The caller's in-memory result keeps the full output for scope
	// resolution by downstream nodes.
	assert.Equal(t, big, res.Output)
	assert.Empty(t, res.OutputCASID)
}

func TestNodeFinishCarriesFailureMetadata(t *testing.T) {
	w, st, _ := newWriter(t, 0)
	ctx := context.Background()
	res := models.FailureResult("A", models.ErrRemoteFailure, "upstream said 503", time.Now().UTC())
	res.RetryCount = 2

	ref, err := w.NodeFinish(ctx, "ex-1", res)
	require.NoError(t, err)
	assert.Equal(t, models.NodeFailed, ref.Status)
	assert.Equal(t, models.ErrRemoteFailure, ref.ErrorKind)
	assert.Equal(t, 2, ref.RetryCount)

	logs, err := st.ListNodeLogs(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "upstream said 503", logs[0].ErrorMessage)
}

func TestNodeStartRecordsRunningRow(t *testing.T) {
	w, st, _ := newWriter(t, 0)
	ctx := context.Background()

	node := &models.Node{ID: "A", Type: models.NodeLog}
	require.NoError(t, w.NodeStart(ctx, "ex-1", node))

	logs, err := st.ListNodeLogs(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.NodeRunning, logs[0].Status)

	// The finish record replaces the running row rather than adding one.
	res := models.SuccessResult("A", map[string]any{}, time.Now().UTC())
	_, err = w.NodeFinish(ctx, "ex-1", res)
	require.NoError(t, err)
	logs, err = st.ListNodeLogs(ctx, "ex-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.NodeSuccess, logs[0].Status)
}

func TestFinishExecutionUpdatesStatus(t *testing.T) {
	w, st, _ := newWriter(t, 0)
	ctx := context.Background()
	require.NoError(t, w.StartExecution(ctx, sampleExecution("ex-1"), nil))

	require.NoError(t, w.FinishExecution(ctx, "ex-1", models.ExecutionCompleted, ""))

	row, err := st.LoadExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, row.Status)
	assert.NotNil(t, row.EndedAt)

	assert.Error(t, w.FinishExecution(ctx, "no-such-exec", models.ExecutionFailed, "boom"))
}

func TestSaveCheckpointReplacesPrevious(t *testing.T) {
	w, st, _ := newWriter(t, 0)
	ctx := context.Background()

	first := &models.Checkpoint{
		ExecutionID: "ex-1",
		InDegrees:   map[string]int64{"A": 0, "B": 1},
		Results:     map[string]models.ResultRef{},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, w.SaveCheckpoint(ctx, first))

	second := &models.Checkpoint{
		ExecutionID: "ex-1",
		InDegrees:   map[string]int64{"A": 0, "B": 0},
		Completed:   []string{"A"},
		Results: map[string]models.ResultRef{
			"A": {Status: models.NodeSuccess, Output: map[string]any{"n": 1}},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, w.SaveCheckpoint(ctx, second))

	cp, err := st.LoadCheckpoint(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, cp.Completed)
	assert.EqualValues(t, 0, cp.InDegrees["B"])
}
