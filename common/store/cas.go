package store

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisCAS stores content-addressed blobs in Redis. Keys are derived
// from the blob's SHA256, so identical payloads dedupe to one entry.
// NO CACHING - always queries Redis for fresh data.
type RedisCAS struct {
	redis  *redis.Client
	logger Logger
}

// NewRedisCAS creates a Redis-backed CAS client.
func NewRedisCAS(redisClient *redis.Client, logger Logger) *RedisCAS {
	return &RedisCAS{
		redis:  redisClient,
		logger: logger,
	}
}

// Put stores data and returns the CAS ID (SHA256 hash).
func (c *RedisCAS) Put(ctx context.Context, data []byte) (string, error) {
	hash := fmt.Sprintf("sha256:%x", sha256.Sum256(data))
	casKey := fmt.Sprintf("cas:%s", hash)

	// Store with no expiry; recovery may need the blob long after the run.
	if err := c.redis.Set(ctx, casKey, data, 0).Err(); err != nil {
		c.logger.Error("failed to store in CAS", "cas_id", hash, "error", err)
		return "", fmt.Errorf("failed to store in CAS: %w", err)
	}

	c.logger.Debug("stored in CAS", "cas_id", hash, "size", len(data))
	return hash, nil
}

// Get retrieves data by CAS ID.
func (c *RedisCAS) Get(ctx context.Context, casID string) ([]byte, error) {
	casKey := fmt.Sprintf("cas:%s", casID)

	data, err := c.redis.Get(ctx, casKey).Bytes()
	if errors.Is(err, redis.Nil) {
		c.logger.Warn("CAS entry not found", "cas_id", casID)
		return nil, fmt.Errorf("cas entry %s: %w", casID, ErrNotFound)
	}
	if err != nil {
		c.logger.Error("failed to read from CAS", "cas_id", casID, "error", err)
		return nil, fmt.Errorf("failed to read from CAS: %w", err)
	}

	c.logger.Debug("retrieved from CAS", "cas_id", casID, "size", len(data))
	return data, nil
}

// MemoryCAS is the in-process CAS used by the CLI default and by tests.
type MemoryCAS struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryCAS creates an empty in-memory CAS.
func NewMemoryCAS() *MemoryCAS {
	return &MemoryCAS{blobs: make(map[string][]byte)}
}

// Put stores data and returns the CAS ID (SHA256 hash).
func (c *MemoryCAS) Put(ctx context.Context, data []byte) (string, error) {
	hash := fmt.Sprintf("sha256:%x", sha256.Sum256(data))

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.blobs[hash]; !exists {
		c.blobs[hash] = append([]byte(nil), data...)
	}
	return hash, nil
}

// Get retrieves data by CAS ID.
func (c *MemoryCAS) Get(ctx context.Context, casID string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, ok := c.blobs[casID]
	if !ok {
		return nil, fmt.Errorf("cas entry %s: %w", casID, ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// PutJSON marshals v and stores it, returning the content id.
func PutJSON(ctx context.Context, cas CAS, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal for CAS: %w", err)
	}
	return cas.Put(ctx, data)
}
