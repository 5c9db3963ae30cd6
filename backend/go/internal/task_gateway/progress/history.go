package progress

import (
	"context"
	"time"

	"mcp_gateway/backend/go/internal/models"
	"mcp_gateway/backend/go/pkg/util"
)

// maxEventsPerToken bounds the history kept for a single token.
const maxEventsPerToken = 64

// History is a Sink that keeps the recent events of recent tokens in memory.
type History struct {
	cache *util.LRUCache[models.ProgressToken, []models.ProgressEvent]
}

// NewHistory keeps up to capacity tokens, each for ttl after its last event.
func NewHistory(capacity int, ttl time.Duration) (*History, error) {
	cache, err := util.NewWithConfig[models.ProgressToken, []models.ProgressEvent](util.CacheConfig{
		Capacity: capacity,
		TTL:      ttl,
	})
	if err != nil {
		return nil, err
	}
	return &History{cache: cache}, nil
}

// Publish records ev.
func (h *History) Publish(_ context.Context, ev models.ProgressEvent) error {
	h.cache.Update(ev.Token, func(old []models.ProgressEvent, _ bool) []models.ProgressEvent {
		// copy so readers holding the previous slice never see it change
		next := make([]models.ProgressEvent, 0, len(old)+1)
		next = append(next, old...)
		next = append(next, ev)
		if len(next) > maxEventsPerToken {
			next = next[len(next)-maxEventsPerToken:]
		}
		return next
	})
	return nil
}

// Events returns the recorded events of token in sequence order.
func (h *History) Events(token models.ProgressToken) ([]models.ProgressEvent, bool) {
	return h.cache.Get(token)
}
