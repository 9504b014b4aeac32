// Package resolve implements the layered read path used for configuration
// and read-mostly data: process memory, then the replicated cache, then a
// durable loader, then a static default.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/sgrastar/authrim-sub004/internal/logger"
	"github.com/sgrastar/authrim-sub004/internal/model"
)

// Resolver is one layer of the chain. Resolve returns model.ErrNotFound for
// a clean miss; any other error means the layer is unhealthy and the chain
// moves on to the next one.
type Resolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// ResolverFunc adapts a function to the Resolver interface. Used for the
// durable-loader layer.
type ResolverFunc func(ctx context.Context, key string) ([]byte, error)

func (f ResolverFunc) Resolve(ctx context.Context, key string) ([]byte, error) {
	return f(ctx, key)
}

// cacheLayer is a Resolver that can also be written through and
// invalidated. The memory and redis tiers implement it.
type cacheLayer interface {
	Resolver
	set(ctx context.Context, key string, val []byte)
	invalidate(ctx context.Context, key string)
}

// Chain composes the layers in fixed order. Values resolved from a lower
// layer are backfilled into the cache tiers above it. Reads may be stale up
// to each cache tier's TTL.
type Chain struct {
	caches []cacheLayer
	tail   []Resolver
	log    *logger.Logger
	group  singleflight.Group
}

// NewChain builds a chain from cache tiers (closest first) and tail
// resolvers (durable loader, then static default). Nil tiers are skipped so
// callers can run without redis.
func NewChain(log *logger.Logger, caches []cacheLayer, tail ...Resolver) *Chain {
	kept := make([]cacheLayer, 0, len(caches))
	for _, c := range caches {
		if c != nil {
			kept = append(kept, c)
		}
	}
	return &Chain{caches: kept, tail: tail, log: log}
}

// NewDefaultChain is the standard composition: memory, redis (optional),
// durable loader, static defaults.
func NewDefaultChain(log *logger.Logger, mem *MemoryCache, redis *RedisCache, loader Resolver, defaults *Static) *Chain {
	caches := []cacheLayer{}
	if mem != nil {
		caches = append(caches, mem)
	}
	if redis != nil {
		caches = append(caches, redis)
	}
	tail := []Resolver{}
	if loader != nil {
		tail = append(tail, loader)
	}
	if defaults != nil {
		tail = append(tail, defaults)
	}
	return NewChain(log, caches, tail...)
}

// Resolve walks the layers. Concurrent misses for one key collapse into a
// single walk.
func (c *Chain) Resolve(ctx context.Context, key string) ([]byte, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.resolve(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Chain) resolve(ctx context.Context, key string) ([]byte, error) {
	for i, layer := range c.caches {
		val, err := layer.Resolve(ctx, key)
		if err == nil {
			c.backfill(ctx, key, val, i)
			return val, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			c.log.Warn("cache tier unavailable, falling through", "key", key, "tier", i, "error", err)
		}
	}
	for _, layer := range c.tail {
		val, err := layer.Resolve(ctx, key)
		if err == nil {
			c.backfill(ctx, key, val, len(c.caches))
			return val, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			return nil, err
		}
	}
	return nil, model.ErrNotFound
}

// backfill writes a resolved value into the cache tiers above the layer
// that produced it.
func (c *Chain) backfill(ctx context.Context, key string, val []byte, below int) {
	for i := 0; i < below && i < len(c.caches); i++ {
		c.caches[i].set(ctx, key, val)
	}
}

// Invalidate drops key from every cache tier. Called after writes to the
// underlying record.
func (c *Chain) Invalidate(ctx context.Context, key string) {
	for _, layer := range c.caches {
		layer.invalidate(ctx, key)
	}
}

// ResolveJSON resolves key and decodes the value as JSON into T.
func ResolveJSON[T any](ctx context.Context, c *Chain, key string) (T, error) {
	var out T
	raw, err := c.Resolve(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

// Static is the last-resort layer holding fixed defaults.
type Static struct {
	values map[string][]byte
}

// NewStatic copies the given defaults.
func NewStatic(values map[string][]byte) *Static {
	cp := make(map[string][]byte, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &Static{values: cp}
}

func (s *Static) Resolve(_ context.Context, key string) ([]byte, error) {
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return nil, model.ErrNotFound
}
