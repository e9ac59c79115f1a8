package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flumeworks/flume/common/db"
	"github.com/flumeworks/flume/common/models"
)

// PostgresStore persists engine state in three tables: executions,
// node_logs (one row per execution/node, upserted as the node
// progresses), and checkpoints (one latest-wins row per execution).
type PostgresStore struct {
	db  *db.DB
	log Logger
}

// NewPostgresStore creates a store backed by the shared pgx pool.
func NewPostgresStore(database *db.DB, log Logger) *PostgresStore {
	return &PostgresStore{db: database, log: log}
}

// Migrate creates the schema when it does not exist yet. Deployments
// with managed migrations can skip this.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS executions (
			execution_id   TEXT PRIMARY KEY,
			workflow_id    TEXT NOT NULL,
			tenant_id      TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			input          JSONB,
			globals        JSONB,
			recovered_from TEXT NOT NULL DEFAULT '',
			error_message  TEXT NOT NULL DEFAULT '',
			started_at     TIMESTAMPTZ NOT NULL,
			ended_at       TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS executions_tenant_idx ON executions (tenant_id, started_at DESC);
		CREATE INDEX IF NOT EXISTS executions_status_idx ON executions (status);

		CREATE TABLE IF NOT EXISTS node_logs (
			execution_id  TEXT NOT NULL,
			node_id       TEXT NOT NULL,
			status        TEXT NOT NULL,
			output        JSONB,
			output_cas_id TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			error_kind    TEXT NOT NULL DEFAULT '',
			stack_trace   TEXT NOT NULL DEFAULT '',
			started_at    TIMESTAMPTZ NOT NULL,
			ended_at      TIMESTAMPTZ NOT NULL,
			duration_ms   BIGINT NOT NULL DEFAULT 0,
			retry_count   INT NOT NULL DEFAULT 0,
			PRIMARY KEY (execution_id, node_id)
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			execution_id TEXT PRIMARY KEY,
			in_degrees   JSONB NOT NULL,
			completed    JSONB NOT NULL,
			results      JSONB NOT NULL,
			workflow     JSONB NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL
		);
	`
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// InsertExecution inserts a new execution row.
func (s *PostgresStore) InsertExecution(ctx context.Context, exec *models.Execution) error {
	query := `
		INSERT INTO executions (execution_id, workflow_id, tenant_id, status, input, globals, recovered_from, error_message, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	input, err := json.Marshal(exec.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal execution input: %w", err)
	}
	globals, err := json.Marshal(exec.Globals)
	if err != nil {
		return fmt.Errorf("failed to marshal execution globals: %w", err)
	}

	_, err = s.db.Exec(
		ctx,
		query,
		exec.ID,
		exec.WorkflowID,
		exec.TenantID,
		exec.Status,
		input,
		globals,
		exec.RecoveredFrom,
		exec.ErrorMessage,
		exec.StartedAt,
		exec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}

	return nil
}

// UpdateExecutionStatus updates an execution's status. Terminal
// statuses also stamp ended_at.
func (s *PostgresStore) UpdateExecutionStatus(ctx context.Context, executionID string, status models.ExecutionStatus, errMsg string) error {
	query := `
		UPDATE executions
		SET status = $2, error_message = $3, ended_at = $4
		WHERE execution_id = $1
	`

	var endedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		endedAt = &now
	}

	tag, err := s.db.Exec(ctx, query, executionID, status, errMsg, endedAt)
	if err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}

	return nil
}

// LoadExecution retrieves an execution by id.
func (s *PostgresStore) LoadExecution(ctx context.Context, executionID string) (*models.Execution, error) {
	query := `
		SELECT execution_id, workflow_id, tenant_id, status, input, globals, recovered_from, error_message, started_at, ended_at
		FROM executions
		WHERE execution_id = $1
	`

	exec, err := scanExecution(s.db.QueryRow(ctx, query, executionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	return exec, nil
}

// ListExecutions retrieves the most recent executions of a tenant.
func (s *PostgresStore) ListExecutions(ctx context.Context, tenantID string, limit int) ([]*models.Execution, error) {
	query := `
		SELECT execution_id, workflow_id, tenant_id, status, input, globals, recovered_from, error_message, started_at, ended_at
		FROM executions
		WHERE tenant_id = $1
		ORDER BY started_at DESC
		LIMIT NULLIF($2, 0)
	`

	if limit < 0 {
		limit = 0
	}
	rows, err := s.db.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// ListRecoverable retrieves non-terminal executions (running or
// waiting), oldest first. An empty tenantID spans all tenants; the
// boot-time recovery sweep uses that.
func (s *PostgresStore) ListRecoverable(ctx context.Context, tenantID string) ([]*models.Execution, error) {
	query := `
		SELECT execution_id, workflow_id, tenant_id, status, input, globals, recovered_from, error_message, started_at, ended_at
		FROM executions
		WHERE ($1 = '' OR tenant_id = $1) AND status IN ('running', 'waiting')
		ORDER BY started_at ASC
	`

	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recoverable executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// UpsertNodeLog inserts or replaces the node's log row.
func (s *PostgresStore) UpsertNodeLog(ctx context.Context, executionID string, result *models.NodeResult) error {
	query := `
		INSERT INTO node_logs (execution_id, node_id, status, output, output_cas_id, error_message, error_kind, stack_trace, started_at, ended_at, duration_ms, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (execution_id, node_id) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			output_cas_id = EXCLUDED.output_cas_id,
			error_message = EXCLUDED.error_message,
			error_kind = EXCLUDED.error_kind,
			stack_trace = EXCLUDED.stack_trace,
			ended_at = EXCLUDED.ended_at,
			duration_ms = EXCLUDED.duration_ms,
			retry_count = EXCLUDED.retry_count
	`

	var output []byte
	if result.Output != nil {
		var err error
		output, err = json.Marshal(result.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal node output: %w", err)
		}
	}

	_, err := s.db.Exec(
		ctx,
		query,
		executionID,
		result.NodeID,
		result.Status,
		output,
		result.OutputCASID,
		result.ErrorMessage,
		result.ErrorKind,
		result.StackTrace,
		result.StartedAt,
		result.EndedAt,
		result.DurationMS,
		result.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node log: %w", err)
	}

	return nil
}

// ListNodeLogs retrieves the node logs of an execution ordered by
// start time.
func (s *PostgresStore) ListNodeLogs(ctx context.Context, executionID string) ([]*models.NodeResult, error) {
	query := `
		SELECT node_id, status, output, output_cas_id, error_message, error_kind, stack_trace, started_at, ended_at, duration_ms, retry_count
		FROM node_logs
		WHERE execution_id = $1
		ORDER BY started_at ASC
	`

	rows, err := s.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node logs: %w", err)
	}
	defer rows.Close()

	var results []*models.NodeResult
	for rows.Next() {
		res := &models.NodeResult{}
		var output []byte
		err := rows.Scan(
			&res.NodeID,
			&res.Status,
			&output,
			&res.OutputCASID,
			&res.ErrorMessage,
			&res.ErrorKind,
			&res.StackTrace,
			&res.StartedAt,
			&res.EndedAt,
			&res.DurationMS,
			&res.RetryCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node log: %w", err)
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &res.Output); err != nil {
				return nil, fmt.Errorf("failed to decode node output: %w", err)
			}
		}
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node logs: %w", err)
	}

	return results, nil
}

// SaveCheckpoint replaces the execution's checkpoint row.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	query := `
		INSERT INTO checkpoints (execution_id, in_degrees, completed, results, workflow, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (execution_id) DO UPDATE SET
			in_degrees = EXCLUDED.in_degrees,
			completed = EXCLUDED.completed,
			results = EXCLUDED.results,
			workflow = EXCLUDED.workflow,
			created_at = EXCLUDED.created_at
	`

	inDegrees, err := json.Marshal(cp.InDegrees)
	if err != nil {
		return fmt.Errorf("failed to marshal in-degrees: %w", err)
	}
	completed, err := json.Marshal(cp.Completed)
	if err != nil {
		return fmt.Errorf("failed to marshal completed set: %w", err)
	}
	results, err := json.Marshal(cp.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal result refs: %w", err)
	}
	workflow, err := json.Marshal(cp.Workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow snapshot: %w", err)
	}

	_, err = s.db.Exec(ctx, query, cp.ExecutionID, inDegrees, completed, results, workflow, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// LoadCheckpoint retrieves the latest checkpoint of an execution.
func (s *PostgresStore) LoadCheckpoint(ctx context.Context, executionID string) (*models.Checkpoint, error) {
	query := `
		SELECT execution_id, in_degrees, completed, results, workflow, created_at
		FROM checkpoints
		WHERE execution_id = $1
	`

	cp := &models.Checkpoint{}
	var inDegrees, completed, results, workflow []byte
	err := s.db.QueryRow(ctx, query, executionID).Scan(
		&cp.ExecutionID,
		&inDegrees,
		&completed,
		&results,
		&workflow,
		&cp.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint for execution %s: %w", executionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := json.Unmarshal(inDegrees, &cp.InDegrees); err != nil {
		return nil, fmt.Errorf("failed to decode in-degrees: %w", err)
	}
	if err := json.Unmarshal(completed, &cp.Completed); err != nil {
		return nil, fmt.Errorf("failed to decode completed set: %w", err)
	}
	if err := json.Unmarshal(results, &cp.Results); err != nil {
		return nil, fmt.Errorf("failed to decode result refs: %w", err)
	}
	if err := json.Unmarshal(workflow, &cp.Workflow); err != nil {
		return nil, fmt.Errorf("failed to decode workflow snapshot: %w", err)
	}

	return cp, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.Execution, error) {
	exec := &models.Execution{}
	var input, globals []byte
	err := row.Scan(
		&exec.ID,
		&exec.WorkflowID,
		&exec.TenantID,
		&exec.Status,
		&input,
		&globals,
		&exec.RecoveredFrom,
		&exec.ErrorMessage,
		&exec.StartedAt,
		&exec.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &exec.Input); err != nil {
			return nil, fmt.Errorf("failed to decode execution input: %w", err)
		}
	}
	if len(globals) > 0 {
		if err := json.Unmarshal(globals, &exec.Globals); err != nil {
			return nil, fmt.Errorf("failed to decode execution globals: %w", err)
		}
	}
	exec.Results = models.NewResultMap()
	return exec, nil
}

func collectExecutions(rows pgx.Rows) ([]*models.Execution, error) {
	var execs []*models.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return execs, nil
}
