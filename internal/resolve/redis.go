package resolve

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sgrastar/authrim-sub004/internal/logger"
	"github.com/sgrastar/authrim-sub004/internal/model"
)

// RedisCache is the replicated cache tier shared by all edge nodes.
type RedisCache struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	log       *logger.Logger
}

// NewRedisCache wraps a pre-configured client. keyPrefix namespaces this
// deployment's entries.
func NewRedisCache(client redis.UniversalClient, keyPrefix string, ttl time.Duration, log *logger.Logger) *RedisCache {
	return &RedisCache{client: client, keyPrefix: keyPrefix, ttl: ttl, log: log}
}

func (r *RedisCache) Resolve(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// set is best-effort: a replicated-cache write failure only costs a later
// re-resolution.
func (r *RedisCache) set(ctx context.Context, key string, val []byte) {
	if err := r.client.Set(ctx, r.keyPrefix+key, val, r.ttl).Err(); err != nil {
		r.log.Warn("replicated cache set failed", "key", key, "error", err)
	}
}

func (r *RedisCache) invalidate(ctx context.Context, key string) {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		r.log.Warn("replicated cache invalidate failed", "key", key, "error", err)
	}
}
