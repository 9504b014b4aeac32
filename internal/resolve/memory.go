package resolve

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sgrastar/authrim-sub004/internal/model"
)

// MemoryCache is the process-memory tier, an expirable LRU with a short TTL.
type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemoryCache builds the tier. size bounds entries, ttl bounds staleness.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (m *MemoryCache) Resolve(_ context.Context, key string) ([]byte, error) {
	if v, ok := m.lru.Get(key); ok {
		return v, nil
	}
	return nil, model.ErrNotFound
}

func (m *MemoryCache) set(_ context.Context, key string, val []byte) {
	m.lru.Add(key, val)
}

func (m *MemoryCache) invalidate(_ context.Context, key string) {
	m.lru.Remove(key)
}
