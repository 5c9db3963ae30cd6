package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mcp_gateway/backend/go/internal/models"

	"github.com/go-redis/redis/v8"
)

const envelopeKeyPrefix = "gateway:envelope:"

// DefaultEnvelopeTTL applies when the store is created with a zero TTL.
const DefaultEnvelopeTTL = 24 * time.Hour

// EnvelopeStore keeps the audit record of finished tasks in Redis, keyed by
// task id, each expiring after ttl.
type EnvelopeStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewEnvelopeStore creates a store on rdb.
func NewEnvelopeStore(rdb redis.Cmdable, ttl time.Duration) *EnvelopeStore {
	if ttl <= 0 {
		ttl = DefaultEnvelopeTTL
	}
	return &EnvelopeStore{rdb: rdb, ttl: ttl}
}

func envelopeKey(id string) string { return envelopeKeyPrefix + id }

// Record stores rec.
func (s *EnvelopeStore) Record(ctx context.Context, rec models.TaskRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}
	if err := s.rdb.Set(ctx, envelopeKey(rec.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store task record %s: %w", rec.ID, err)
	}
	return nil
}

// Get loads the record of task id. found is false when it does not exist or
// has expired.
func (s *EnvelopeStore) Get(ctx context.Context, id string) (rec models.TaskRecord, found bool, err error) {
	data, err := s.rdb.Get(ctx, envelopeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.TaskRecord{}, false, nil
	}
	if err != nil {
		return models.TaskRecord{}, false, fmt.Errorf("failed to load task record %s: %w", id, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.TaskRecord{}, false, fmt.Errorf("failed to decode task record %s: %w", id, err)
	}
	return rec, true, nil
}
