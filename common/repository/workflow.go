package repository

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

// ErrNotFound is returned when a workflow is not registered.
var ErrNotFound = errors.New("workflow not found")

// WorkflowCatalog is the catalog of registered workflows. Webhook and
// schedule triggers launch executions from it by workflow id.
type WorkflowCatalog interface {
	Put(ctx context.Context, wf *models.Workflow) error
	Get(ctx context.Context, tenantID, workflowID string) (*models.Workflow, error)
	Delete(ctx context.Context, tenantID, workflowID string) error
	// List returns the registered workflows of a tenant. An empty
	// tenantID spans all tenants; boot-time schedule registration uses
	// that.
	List(ctx context.Context, tenantID string) ([]*models.Workflow, error)
}

// WorkflowRepository handles database operations for registered workflows
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// Migrate creates the workflows table when it does not exist yet.
func (r *WorkflowRepository) Migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS workflows (
			workflow_id TEXT NOT NULL,
			tenant_id   TEXT NOT NULL DEFAULT '',
			name        TEXT NOT NULL,
			version     TEXT NOT NULL DEFAULT '',
			definition  JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, workflow_id)
		);
	`
	if _, err := r.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create workflows table: %w", err)
	}
	return nil
}

// Put inserts or replaces a registered workflow
func (r *WorkflowRepository) Put(ctx context.Context, wf *models.Workflow) error {
	query := `
		INSERT INTO workflows (workflow_id, tenant_id, name, version, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant_id, workflow_id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at
	`

	definition, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow definition: %w", err)
	}

	_, err = r.db.Exec(ctx, query,
		wf.ID,
		wf.TenantID,
		wf.Name,
		wf.Version,
		definition,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to put workflow: %w", err)
	}

	return nil
}

// Get retrieves a registered workflow by tenant and id
func (r *WorkflowRepository) Get(ctx context.Context, tenantID, workflowID string) (*models.Workflow, error) {
	query := `
		SELECT definition
		FROM workflows
		WHERE tenant_id = $1 AND workflow_id = $2
	`

	var definition []byte
	err := r.db.QueryRow(ctx, query, tenantID, workflowID).Scan(&definition)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s/%s: %w", tenantID, workflowID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	wf := &models.Workflow{}
	if err := json.Unmarshal(definition, wf); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}

	return wf, nil
}

// Delete removes a registered workflow
func (r *WorkflowRepository) Delete(ctx context.Context, tenantID, workflowID string) error {
	query := `DELETE FROM workflows WHERE tenant_id = $1 AND workflow_id = $2`

	result, err := r.db.Exec(ctx, query, tenantID, workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("workflow %s/%s: %w", tenantID, workflowID, ErrNotFound)
	}

	return nil
}

// List retrieves registered workflows ordered by tenant and id
func (r *WorkflowRepository) List(ctx context.Context, tenantID string) ([]*models.Workflow, error) {
	query := `
		SELECT definition
		FROM workflows
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY tenant_id, workflow_id ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*models.Workflow
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		wf := &models.Workflow{}
		if err := json.Unmarshal(definition, wf); err != nil {
			return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
		}
		workflows = append(workflows, wf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}
