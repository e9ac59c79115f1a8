package store

import (
	"context"
	"errors"

	"github.com/flumeworks/flume/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store persists executions, per-node logs, and checkpoints. Every
// method returns only after the write is durable in the backing store.
type Store interface {
	InsertExecution(ctx context.Context, exec *models.Execution) error
	UpdateExecutionStatus(ctx context.Context, executionID string, status models.ExecutionStatus, errMsg string) error
	LoadExecution(ctx context.Context, executionID string) (*models.Execution, error)
	ListExecutions(ctx context.Context, tenantID string, limit int) ([]*models.Execution, error)
	ListRecoverable(ctx context.Context, tenantID string) ([]*models.Execution, error)

	UpsertNodeLog(ctx context.Context, executionID string, result *models.NodeResult) error
	ListNodeLogs(ctx context.Context, executionID string) ([]*models.NodeResult, error)

	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LoadCheckpoint(ctx context.Context, executionID string) (*models.Checkpoint, error)
}

// CAS stores content-addressed blobs. Put returns a stable identifier
// derived from the content; Get retrieves by that identifier.
type CAS interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, casID string) ([]byte, error)
}
