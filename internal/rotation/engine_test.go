package rotation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim-sub004/internal/actor"
	"github.com/sgrastar/authrim-sub004/internal/model"
	"github.com/sgrastar/authrim-sub004/internal/resolve"
	"github.com/sgrastar/authrim-sub004/internal/testutil"
	"github.com/sgrastar/authrim-sub004/internal/token"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *testutil.CaptureSink) {
	t.Helper()
	return newTestEngineOver(t, testutil.NewMemoryColdStore(), cfg)
}

func newTestEngineOver(t *testing.T, cold *testutil.MemoryColdStore, cfg Config) (*Engine, *testutil.CaptureSink) {
	t.Helper()
	if cfg.ShardCount == 0 {
		cfg.ShardCount = 4
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = time.Hour
	}
	log := testutil.MakeNoopLogger()
	shards, topology := NewRegistries(cold, log, actor.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shards.Close(ctx)
		_ = topology.Close(ctx)
	})

	sink := testutil.NewCaptureSink()
	tokens := token.NewManager("test-secret", "https://issuer.test", time.Minute)
	mux := resolve.NewMux()
	chain := resolve.NewDefaultChain(log, nil, nil, mux, nil)
	e := New(shards, topology, chain, tokens, sink, cfg, log)
	mux.Register(TopologyKey, e.TopologyLoader())
	require.NoError(t, e.EnsureTopology(context.Background()))
	return e, sink
}

func issueReq() model.IssueRequest {
	return model.IssueRequest{
		UserID:   uuid.New(),
		ClientID: "client-x",
		Scope:    "openid profile email",
	}
}

func TestEngine_IssueAndRotate(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{})

	pair, err := e.Issue(ctx, issueReq())
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)

	parsed, err := model.ParseRefreshToken(pair.RefreshToken)
	require.NoError(t, err)
	assert.EqualValues(t, 0, parsed.Version)
	assert.Equal(t, 1, parsed.JTI.Generation)

	// Each rotation advances version by exactly one and keeps the family's
	// birth generation and shard.
	current := pair.RefreshToken
	for want := 1; want <= 5; want++ {
		next, err := e.Rotate(ctx, current, "")
		require.NoError(t, err)
		np, err := model.ParseRefreshToken(next.RefreshToken)
		require.NoError(t, err)
		assert.EqualValues(t, want, np.Version)
		assert.Equal(t, parsed.FamilyID, np.FamilyID)
		assert.Equal(t, parsed.JTI.Generation, np.JTI.Generation)
		assert.Equal(t, parsed.JTI.Shard, np.JTI.Shard)
		current = next.RefreshToken
	}
}

func TestEngine_ReplayRevokesFamily(t *testing.T) {
	ctx := context.Background()
	e, sink := newTestEngine(t, Config{})

	pair0, err := e.Issue(ctx, issueReq())
	require.NoError(t, err)
	pair1, err := e.Rotate(ctx, pair0.RefreshToken, "")
	require.NoError(t, err)

	// Replaying the superseded token is the theft signal.
	_, err = e.Rotate(ctx, pair0.RefreshToken, "")
	require.ErrorIs(t, err, model.ErrTheftDetected)
	assert.Contains(t, sink.Kinds(), model.EventTheftDetected)
	assert.Contains(t, sink.Kinds(), model.EventFamilyRevoked)

	// The family is terminally dead: even the latest, otherwise valid
	// token is refused.
	_, err = e.Rotate(ctx, pair1.RefreshToken, "")
	assert.ErrorIs(t, err, model.ErrTheftDetected)
}

func TestEngine_RotateSurvivesStorageBlip(t *testing.T) {
	ctx := context.Background()
	cold := testutil.NewMemoryColdStore()
	e, sink := newTestEngineOver(t, cold, Config{})

	pair, err := e.Issue(ctx, issueReq())
	require.NoError(t, err)

	// A transient write failure must not advance the family. Retrying with
	// the same still-valid token is a legitimate rotation, not a replay.
	cold.FailWrites = 1
	_, err = e.Rotate(ctx, pair.RefreshToken, "")
	require.ErrorIs(t, err, model.ErrStorageUnavailable)
	assert.NotContains(t, sink.Kinds(), model.EventTheftDetected)

	next, err := e.Rotate(ctx, pair.RefreshToken, "")
	require.NoError(t, err)
	np, err := model.ParseRefreshToken(next.RefreshToken)
	require.NoError(t, err)
	assert.EqualValues(t, 1, np.Version)
	assert.NotContains(t, sink.Kinds(), model.EventTheftDetected)
}

func TestEngine_DisjointScopeRejected(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{})

	pair, err := e.Issue(ctx, issueReq())
	require.NoError(t, err)

	// Nothing requested is in the allowance: reject instead of silently
	// granting the full allowance.
	_, err = e.Rotate(ctx, pair.RefreshToken, "admin root")
	require.ErrorIs(t, err, model.ErrBindingMismatch)

	// The rejection happened before the version advanced, so the token is
	// still rotatable.
	next, err := e.Rotate(ctx, pair.RefreshToken, "")
	require.NoError(t, err)
	assert.Equal(t, "openid profile email", next.Scope)
}

func TestEngine_RotateUnknownToken(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{})

	fake := model.RefreshToken{
		FamilyID: uuid.New(),
		Version:  0,
		JTI:      model.JTI{Generation: 1, Shard: 0, Random: "abc"},
	}
	_, err := e.Rotate(ctx, fake.String(), "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = e.Rotate(ctx, "not-a-token", "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEngine_RotateUnknownGeneration(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{})

	fake := model.RefreshToken{
		FamilyID: uuid.New(),
		Version:  0,
		JTI:      model.JTI{Generation: 99, Shard: 0, Random: "abc"},
	}
	_, err := e.Rotate(ctx, fake.String(), "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEngine_ScopeNeverWidens(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{})

	pair, err := e.Issue(ctx, issueReq())
	require.NoError(t, err)

	// Requested scope outside the allowance is silently dropped.
	next, err := e.Rotate(ctx, pair.RefreshToken, "profile admin")
	require.NoError(t, err)
	assert.Equal(t, "profile", next.Scope)

	// Empty request keeps the full allowance.
	next2, err := e.Rotate(ctx, next.RefreshToken, "")
	require.NoError(t, err)
	assert.Equal(t, "openid profile email", next2.Scope)
}

func TestEngine_StrictScopeRejects(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{StrictScope: true})

	pair, err := e.Issue(ctx, issueReq())
	require.NoError(t, err)

	_, err = e.Rotate(ctx, pair.RefreshToken, "profile admin")
	assert.ErrorIs(t, err, model.ErrBindingMismatch)

	// An in-allowance request still works.
	next, err := e.Rotate(ctx, pair.RefreshToken, "profile")
	require.NoError(t, err)
	assert.Equal(t, "profile", next.Scope)
}

func TestEngine_ReshardKeepsOldGenerationValid(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{ShardCount: 4})

	pair, err := e.Issue(ctx, issueReq())
	require.NoError(t, err)

	topo, err := e.Reshard(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, topo.CurrentGeneration)
	assert.Equal(t, 8, topo.CurrentShardCount)
	require.Len(t, topo.PreviousGenerations, 1)

	// Families never migrate: the pre-reshard token still rotates on its
	// birth generation and shard.
	next, err := e.Rotate(ctx, pair.RefreshToken, "")
	require.NoError(t, err)
	np, err := model.ParseRefreshToken(next.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 1, np.JTI.Generation)

	// New issuance lands on the new generation.
	fresh, err := e.Issue(ctx, issueReq())
	require.NoError(t, err)
	fp, err := model.ParseRefreshToken(fresh.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, 2, fp.JTI.Generation)
}

func TestEngine_ReshardSameCountIsNoop(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{ShardCount: 4})

	topo, err := e.Reshard(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, topo.CurrentGeneration)
	assert.Empty(t, topo.PreviousGenerations)
}

func TestEngine_RevokeFamily(t *testing.T) {
	ctx := context.Background()
	e, sink := newTestEngine(t, Config{})

	pair, err := e.Issue(ctx, issueReq())
	require.NoError(t, err)
	parsed, err := model.ParseRefreshToken(pair.RefreshToken)
	require.NoError(t, err)

	require.NoError(t, e.RevokeFamily(ctx, parsed.FamilyID))
	assert.Contains(t, sink.Kinds(), model.EventFamilyRevoked)

	_, err = e.Rotate(ctx, pair.RefreshToken, "")
	assert.ErrorIs(t, err, model.ErrTheftDetected)

	// Revoking again is idempotent; an unknown family reports not found.
	assert.NoError(t, e.RevokeFamily(ctx, parsed.FamilyID))
	assert.ErrorIs(t, e.RevokeFamily(ctx, uuid.New()), model.ErrNotFound)
}

func TestEngine_RevokeFamilyAcrossGenerations(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t, Config{ShardCount: 4})

	pair, err := e.Issue(ctx, issueReq())
	require.NoError(t, err)
	parsed, err := model.ParseRefreshToken(pair.RefreshToken)
	require.NoError(t, err)

	_, err = e.Reshard(ctx, 8)
	require.NoError(t, err)

	// The family lives on generation 1; revocation must find it there.
	require.NoError(t, e.RevokeFamily(ctx, parsed.FamilyID))
}
