package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/store"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// DefaultInlineThreshold is the serialized-output size (bytes) above
// which node outputs move to CAS instead of being stored inline.
const DefaultInlineThreshold = 2 << 20

// Writer persists execution progress. Every method returns only after
// the underlying write returns, so a nil error is a durability gate:
// the scheduler applies downstream effects (decrements, submissions)
// only once the corresponding write has landed.
type Writer interface {
	// StartExecution persists the execution row and, when non-nil, its
	// initial checkpoint.
	StartExecution(ctx context.Context, exec *models.Execution, initial *models.Checkpoint) error

	// NodeStart records that a node began running. Written once per
	// node; retries rewrite the row on finish only.
	NodeStart(ctx context.Context, executionID string, node *models.Node) error

	// NodeFinish persists the node's final record and returns the
	// lightweight reference to store in checkpoints.
	NodeFinish(ctx context.Context, executionID string, result *models.NodeResult) (models.ResultRef, error)

	// SaveCheckpoint persists a scheduler snapshot, replacing any
	// previous checkpoint of the execution.
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error

	// FinishExecution records an execution status transition
	// (waiting or terminal).
	FinishExecution(ctx context.Context, executionID string, status models.ExecutionStatus, errMsg string) error
}

// StoreWriter writes through a store.Store and externalizes outputs
// larger than the inline threshold to CAS.
type StoreWriter struct {
	store           store.Store
	cas             store.CAS
	inlineThreshold int
	logger          Logger
}

// NewStoreWriter creates a writer over the given store and CAS.
// A non-positive threshold selects DefaultInlineThreshold.
func NewStoreWriter(st store.Store, cas store.CAS, inlineThreshold int, logger Logger) *StoreWriter {
	if inlineThreshold <= 0 {
		inlineThreshold = DefaultInlineThreshold
	}
	return &StoreWriter{
		store:           st,
		cas:             cas,
		inlineThreshold: inlineThreshold,
		logger:          logger,
	}
}

func (w *StoreWriter) StartExecution(ctx context.Context, exec *models.Execution, initial *models.Checkpoint) error {
	if err := w.store.InsertExecution(ctx, exec); err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	if initial != nil {
		if err := w.store.SaveCheckpoint(ctx, initial); err != nil {
			return fmt.Errorf("failed to save initial checkpoint: %w", err)
		}
	}
	w.logger.Debug("execution persisted",
		"execution_id", exec.ID,
		"workflow_id", exec.WorkflowID,
		"tenant_id", exec.TenantID)
	return nil
}

func (w *StoreWriter) NodeStart(ctx context.Context, executionID string, node *models.Node) error {
	res := &models.NodeResult{
		NodeID:    node.ID,
		Status:    models.NodeRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := w.store.UpsertNodeLog(ctx, executionID, res); err != nil {
		return fmt.Errorf("failed to record node start: %w", err)
	}
	return nil
}

func (w *StoreWriter) NodeFinish(ctx context.Context, executionID string, result *models.NodeResult) (models.ResultRef, error) {
	ref := models.ResultRef{
		Status:     result.Status,
		Output:     result.Output,
		ErrorKind:  result.ErrorKind,
		RetryCount: result.RetryCount,
	}

	// The persisted copy may swap its output for a CAS pointer; the
	// caller's in-memory result keeps the full output either way.
	row := *result

	if len(result.Output) > 0 {
		data, err := json.Marshal(result.Output)
		if err != nil {
			return models.ResultRef{}, fmt.Errorf("failed to serialize node output: %w", err)
		}
		if len(data) > w.inlineThreshold {
			casID, err := w.cas.Put(ctx, data)
			if err != nil {
				return models.ResultRef{}, fmt.Errorf("failed to externalize node output: %w", err)
			}
			ref.Output = nil
			ref.OutputCASID = casID
			row.Output = nil
			row.OutputCASID = casID
			w.logger.Debug("node output externalized",
				"execution_id", executionID,
				"node_id", result.NodeID,
				"cas_id", casID,
				"size", len(data))
		}
	}

	if err := w.store.UpsertNodeLog(ctx, executionID, &row); err != nil {
		return models.ResultRef{}, fmt.Errorf("failed to record node finish: %w", err)
	}
	return ref, nil
}

func (w *StoreWriter) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if err := w.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (w *StoreWriter) FinishExecution(ctx context.Context, executionID string, status models.ExecutionStatus, errMsg string) error {
	if err := w.store.UpdateExecutionStatus(ctx, executionID, status, errMsg); err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	w.logger.Info("execution status persisted",
		"execution_id", executionID,
		"status", status)
	return nil
}
