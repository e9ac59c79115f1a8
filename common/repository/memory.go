package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/flumeworks/flume/common/models"
)

// MemoryWorkflowCatalog keeps registered workflows in memory for the CLI
// default and tests. Definitions are stored marshaled, mirroring the
// Postgres repository, so callers always get an independent copy back.
type MemoryWorkflowCatalog struct {
	mu        sync.RWMutex
	workflows map[string][]byte
}

// NewMemoryWorkflowCatalog creates an empty in-memory catalog
func NewMemoryWorkflowCatalog() *MemoryWorkflowCatalog {
	return &MemoryWorkflowCatalog{
		workflows: make(map[string][]byte),
	}
}

func catalogKey(tenantID, workflowID string) string {
	return tenantID + "\x00" + workflowID
}

// Put inserts or replaces a registered workflow
func (c *MemoryWorkflowCatalog) Put(ctx context.Context, wf *models.Workflow) error {
	definition, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow definition: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.workflows[catalogKey(wf.TenantID, wf.ID)] = definition
	return nil
}

// Get retrieves a registered workflow by tenant and id
func (c *MemoryWorkflowCatalog) Get(ctx context.Context, tenantID, workflowID string) (*models.Workflow, error) {
	c.mu.RLock()
	definition, ok := c.workflows[catalogKey(tenantID, workflowID)]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("workflow %s/%s: %w", tenantID, workflowID, ErrNotFound)
	}

	wf := &models.Workflow{}
	if err := json.Unmarshal(definition, wf); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}
	return wf, nil
}

// Delete removes a registered workflow
func (c *MemoryWorkflowCatalog) Delete(ctx context.Context, tenantID, workflowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := catalogKey(tenantID, workflowID)
	if _, ok := c.workflows[key]; !ok {
		return fmt.Errorf("workflow %s/%s: %w", tenantID, workflowID, ErrNotFound)
	}
	delete(c.workflows, key)
	return nil
}

// List retrieves registered workflows ordered by tenant and id
func (c *MemoryWorkflowCatalog) List(ctx context.Context, tenantID string) ([]*models.Workflow, error) {
	c.mu.RLock()
	keys := make([]string, 0, len(c.workflows))
	for key := range c.workflows {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var definitions [][]byte
	for _, key := range keys {
		definitions = append(definitions, c.workflows[key])
	}
	c.mu.RUnlock()

	var workflows []*models.Workflow
	for _, definition := range definitions {
		wf := &models.Workflow{}
		if err := json.Unmarshal(definition, wf); err != nil {
			return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
		}
		if tenantID != "" && wf.TenantID != tenantID {
			continue
		}
		workflows = append(workflows, wf)
	}

	return workflows, nil
}
