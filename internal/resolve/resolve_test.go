package resolve

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim-sub004/internal/model"
	"github.com/sgrastar/authrim-sub004/internal/testutil"
)

func newRedisTier(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, "test:", ttl, testutil.MakeNoopLogger()), mr
}

func TestChain_ResolvesFromLoaderAndBackfills(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryCache(16, time.Minute)
	redisTier, mr := newRedisTier(t, time.Minute)

	var loads int64
	loader := ResolverFunc(func(_ context.Context, key string) ([]byte, error) {
		atomic.AddInt64(&loads, 1)
		if key == "cfg/a" {
			return []byte(`"durable"`), nil
		}
		return nil, model.ErrNotFound
	})

	chain := NewDefaultChain(testutil.MakeNoopLogger(), mem, redisTier, loader, nil)

	val, err := chain.Resolve(ctx, "cfg/a")
	require.NoError(t, err)
	assert.Equal(t, `"durable"`, string(val))
	assert.EqualValues(t, 1, atomic.LoadInt64(&loads))

	// Backfilled into both cache tiers: the loader is not consulted again.
	assert.True(t, mr.Exists("test:cfg/a"))
	val, err = chain.Resolve(ctx, "cfg/a")
	require.NoError(t, err)
	assert.Equal(t, `"durable"`, string(val))
	assert.EqualValues(t, 1, atomic.LoadInt64(&loads))
}

func TestChain_FallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	chain := NewDefaultChain(testutil.MakeNoopLogger(),
		NewMemoryCache(16, time.Minute), nil,
		ResolverFunc(func(context.Context, string) ([]byte, error) {
			return nil, model.ErrNotFound
		}),
		NewStatic(map[string][]byte{"cfg/missing": []byte("default")}),
	)

	val, err := chain.Resolve(ctx, "cfg/missing")
	require.NoError(t, err)
	assert.Equal(t, "default", string(val))

	_, err = chain.Resolve(ctx, "cfg/unknown")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestChain_UnhealthyRedisTierIsSkipped(t *testing.T) {
	ctx := context.Background()
	redisTier, mr := newRedisTier(t, time.Minute)
	mr.Close()

	chain := NewDefaultChain(testutil.MakeNoopLogger(),
		NewMemoryCache(16, time.Minute), redisTier,
		ResolverFunc(func(_ context.Context, key string) ([]byte, error) {
			return []byte("from-durable"), nil
		}), nil)

	val, err := chain.Resolve(ctx, "cfg/a")
	require.NoError(t, err)
	assert.Equal(t, "from-durable", string(val))
}

func TestChain_InvalidateDropsCacheTiers(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryCache(16, time.Minute)
	redisTier, mr := newRedisTier(t, time.Minute)

	version := atomic.Int64{}
	loader := ResolverFunc(func(context.Context, string) ([]byte, error) {
		if version.Load() == 0 {
			return []byte("v0"), nil
		}
		return []byte("v1"), nil
	})
	chain := NewDefaultChain(testutil.MakeNoopLogger(), mem, redisTier, loader, nil)

	val, err := chain.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v0", string(val))

	version.Store(1)
	// Still cached.
	val, err = chain.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v0", string(val))

	chain.Invalidate(ctx, "k")
	assert.False(t, mr.Exists("test:k"))
	val, err = chain.Resolve(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(val))
}

func TestResolveJSON(t *testing.T) {
	ctx := context.Background()
	type doc struct {
		Name string `json:"name"`
	}
	chain := NewDefaultChain(testutil.MakeNoopLogger(), nil, nil,
		ResolverFunc(func(context.Context, string) ([]byte, error) {
			return []byte(`{"name":"edge"}`), nil
		}), nil)

	got, err := ResolveJSON[doc](ctx, chain, "k")
	require.NoError(t, err)
	assert.Equal(t, "edge", got.Name)
}

func TestMux_RoutesByLongestPrefix(t *testing.T) {
	ctx := context.Background()
	mux := NewMux()
	mux.Register("version/", ResolverFunc(func(context.Context, string) ([]byte, error) {
		return []byte("version"), nil
	}))
	mux.Register("version/special", ResolverFunc(func(context.Context, string) ([]byte, error) {
		return []byte("special"), nil
	}))

	val, err := mux.Resolve(ctx, "version/api")
	require.NoError(t, err)
	assert.Equal(t, "version", string(val))

	val, err = mux.Resolve(ctx, "version/special")
	require.NoError(t, err)
	assert.Equal(t, "special", string(val))

	_, err = mux.Resolve(ctx, "unrouted")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
