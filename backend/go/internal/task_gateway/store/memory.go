// Package store keeps finished task records for lookup by id.
package store

import (
	"context"
	"time"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/pkg/util"
)

// TaskStore records finished tasks and looks them up by id.
type TaskStore interface {
	Record(ctx context.Context, rec models.TaskRecord) error
	Get(ctx context.Context, id string) (models.TaskRecord, bool, error)
}

// Memory is a TaskStore on the in-process LRU cache.
type Memory struct {
	cache *util.LRUCache[string, models.TaskRecord]
}

// NewMemory keeps up to capacity records, each for ttl.
func NewMemory(capacity int, ttl time.Duration) (*Memory, error) {
	cache, err := util.NewWithConfig[string, models.TaskRecord](util.CacheConfig{
		Capacity: capacity,
		TTL:      ttl,
	})
	if err != nil {
		return nil, err
	}
	return &Memory{cache: cache}, nil
}

// Record stores rec.
func (m *Memory) Record(_ context.Context, rec models.TaskRecord) error {
	m.cache.Put(rec.ID, rec)
	return nil
}

// Get returns the record of id.
func (m *Memory) Get(_ context.Context, id string) (models.TaskRecord, bool, error) {
	rec, ok := m.cache.Get(id)
	return rec, ok, nil
}
