package versiongate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim-sub004/internal/actor"
	"github.com/sgrastar/authrim-sub004/internal/model"
	"github.com/sgrastar/authrim-sub004/internal/resolve"
	"github.com/sgrastar/authrim-sub004/internal/testutil"
)

func newTestGate(t *testing.T, cfg Config) *Gate {
	t.Helper()
	if cfg.RetryAfter == 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	log := testutil.MakeNoopLogger()
	versions := NewRegistry(testutil.NewMemoryColdStore(), log, actor.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = versions.Close(ctx)
	})
	mux := resolve.NewMux()
	chain := resolve.NewDefaultChain(log, nil, nil, mux, nil)
	g := New(versions, chain, cfg, log)
	mux.Register(KeyPrefix, g.Loader())
	return g
}

func TestGate_CurrentVersionPasses(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, Config{})

	require.NoError(t, g.Register(ctx, "core", "v1.2.0"))
	assert.NoError(t, g.Check(ctx, "core", "v1.2.0"))
}

func TestGate_StaleVersionRejected(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, Config{RetryAfter: 7 * time.Second})

	require.NoError(t, g.Register(ctx, "core", "v1.2.0"))
	require.NoError(t, g.Register(ctx, "core", "v1.3.0"))

	err := g.Check(ctx, "core", "v1.2.0")
	require.ErrorIs(t, err, model.ErrStaleVersion)

	var stale *StaleVersionError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, "core", stale.Service)
	assert.Equal(t, "v1.3.0", stale.Registered)
	assert.Equal(t, "v1.2.0", stale.Bundle)
	assert.Equal(t, 7*time.Second, stale.RetryAfter)
}

func TestGate_UnknownServiceFailsOpen(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, Config{})

	assert.NoError(t, g.Check(ctx, "never-registered", "v0.0.1"))
}

func TestGate_LoaderErrorFailsOpen(t *testing.T) {
	ctx := context.Background()
	log := testutil.MakeNoopLogger()
	versions := NewRegistry(testutil.NewMemoryColdStore(), log, actor.Options{})
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = versions.Close(cctx)
	})
	mux := resolve.NewMux()
	chain := resolve.NewDefaultChain(log, nil, nil, mux, nil)
	g := New(versions, chain, Config{RetryAfter: time.Second}, log)
	mux.Register(KeyPrefix, resolve.ResolverFunc(func(ctx context.Context, key string) ([]byte, error) {
		return nil, errors.New("registry down")
	}))

	assert.NoError(t, g.Check(ctx, "core", "v1.0.0"))
}

func TestGate_RegisterHistoryAndIdempotence(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, Config{})

	require.NoError(t, g.Register(ctx, "core", "v1.0.0"))
	require.NoError(t, g.Register(ctx, "core", "v1.0.0"))
	require.NoError(t, g.Register(ctx, "core", "v1.1.0"))

	rec, err := g.versions.Get(ctx, key("core"))
	require.NoError(t, err)
	assert.Equal(t, "v1.1.0", rec.Current)
	require.Len(t, rec.History, 2)
	assert.Equal(t, "v1.0.0", rec.History[0].Version)
	assert.Equal(t, "v1.1.0", rec.History[1].Version)
}

func TestGate_RegisterInvalidatesCachedVersion(t *testing.T) {
	ctx := context.Background()
	log := testutil.MakeNoopLogger()
	versions := NewRegistry(testutil.NewMemoryColdStore(), log, actor.Options{})
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = versions.Close(cctx)
	})
	mux := resolve.NewMux()
	mem := resolve.NewMemoryCache(16, time.Hour)
	chain := resolve.NewDefaultChain(log, mem, nil, mux, nil)
	g := New(versions, chain, Config{RetryAfter: time.Second}, log)
	mux.Register(KeyPrefix, g.Loader())

	require.NoError(t, g.Register(ctx, "core", "v1.0.0"))
	require.NoError(t, g.Check(ctx, "core", "v1.0.0"))

	// The long-TTL cache entry must not mask the new registration.
	require.NoError(t, g.Register(ctx, "core", "v2.0.0"))
	err := g.Check(ctx, "core", "v1.0.0")
	assert.ErrorIs(t, err, model.ErrStaleVersion)
}

func TestGate_Wrap(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(t, Config{})
	require.NoError(t, g.Register(ctx, "core", "v2.0.0"))

	called := false
	handler := g.Wrap("core", "v2.0.0", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, handler(ctx))
	assert.True(t, called)

	blocked := g.Wrap("core", "v1.0.0", func(ctx context.Context) error {
		t.Fatal("handler must not run for a stale bundle")
		return nil
	})
	assert.ErrorIs(t, blocked(ctx), model.ErrStaleVersion)
}
