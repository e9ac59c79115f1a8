package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flumeworks/flume/common/models"
)

// MemoryStore is the in-process Store used by the CLI default and by
// tests. Rows are stored as copies, so later mutation of the caller's
// structs does not rewrite history.
type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]*models.Execution
	nodeLogs    map[string]map[string]*models.NodeResult
	checkpoints map[string]*models.Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string]*models.Execution),
		nodeLogs:    make(map[string]map[string]*models.NodeResult),
		checkpoints: make(map[string]*models.Checkpoint),
	}
}

// InsertExecution inserts a new execution row.
func (s *MemoryStore) InsertExecution(ctx context.Context, exec *models.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	row := *exec
	row.Results = nil
	s.executions[exec.ID] = &row
	return nil
}

// UpdateExecutionStatus updates an execution's status and error
// message. Terminal statuses stamp ended_at.
func (s *MemoryStore) UpdateExecutionStatus(ctx context.Context, executionID string, status models.ExecutionStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.executions[executionID]
	if !ok {
		return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	row.Status = status
	row.ErrorMessage = errMsg
	if status.Terminal() {
		now := time.Now().UTC()
		row.EndedAt = &now
	}
	return nil
}

// LoadExecution retrieves an execution by id.
func (s *MemoryStore) LoadExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	out := *row
	out.Results = models.NewResultMap()
	return &out, nil
}

// ListExecutions retrieves the most recent executions of a tenant.
func (s *MemoryStore) ListExecutions(ctx context.Context, tenantID string, limit int) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var execs []*models.Execution
	for _, row := range s.executions {
		if row.TenantID != tenantID {
			continue
		}
		out := *row
		out.Results = models.NewResultMap()
		execs = append(execs, &out)
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].StartedAt.After(execs[j].StartedAt)
	})
	if limit > 0 && len(execs) > limit {
		execs = execs[:limit]
	}
	return execs, nil
}

// ListRecoverable retrieves non-terminal executions, oldest first.
// An empty tenantID spans all tenants.
func (s *MemoryStore) ListRecoverable(ctx context.Context, tenantID string) ([]*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var execs []*models.Execution
	for _, row := range s.executions {
		if (tenantID != "" && row.TenantID != tenantID) || row.Status.Terminal() {
			continue
		}
		out := *row
		out.Results = models.NewResultMap()
		execs = append(execs, &out)
	}
	sort.Slice(execs, func(i, j int) bool {
		return execs[i].StartedAt.Before(execs[j].StartedAt)
	})
	return execs, nil
}

// UpsertNodeLog inserts or replaces the node's log row.
func (s *MemoryStore) UpsertNodeLog(ctx context.Context, executionID string, result *models.NodeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logs, ok := s.nodeLogs[executionID]
	if !ok {
		logs = make(map[string]*models.NodeResult)
		s.nodeLogs[executionID] = logs
	}
	row := *result
	logs[result.NodeID] = &row
	return nil
}

// ListNodeLogs retrieves the node logs of an execution ordered by
// start time.
func (s *MemoryStore) ListNodeLogs(ctx context.Context, executionID string) ([]*models.NodeResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := s.nodeLogs[executionID]
	results := make([]*models.NodeResult, 0, len(logs))
	for _, row := range logs {
		out := *row
		results = append(results, &out)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].StartedAt.Before(results[j].StartedAt)
	})
	return results, nil
}

// SaveCheckpoint replaces the execution's checkpoint.
func (s *MemoryStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := *cp
	row.InDegrees = copyInt64Map(cp.InDegrees)
	row.Completed = append([]string(nil), cp.Completed...)
	row.Results = copyRefMap(cp.Results)
	s.checkpoints[cp.ExecutionID] = &row
	return nil
}

// LoadCheckpoint retrieves the latest checkpoint of an execution.
func (s *MemoryStore) LoadCheckpoint(ctx context.Context, executionID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.checkpoints[executionID]
	if !ok {
		return nil, fmt.Errorf("checkpoint for execution %s: %w", executionID, ErrNotFound)
	}
	out := *row
	out.InDegrees = copyInt64Map(row.InDegrees)
	out.Completed = append([]string(nil), row.Completed...)
	out.Results = copyRefMap(row.Results)
	return &out, nil
}

func copyInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyRefMap(m map[string]models.ResultRef) map[string]models.ResultRef {
	out := make(map[string]models.ResultRef, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
