package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim-sub004/internal/actor"
	"github.com/sgrastar/authrim-sub004/internal/model"
	"github.com/sgrastar/authrim-sub004/internal/testutil"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *testutil.MemoryColdStore, *testutil.CaptureSink) {
	t.Helper()
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = time.Minute
	}
	if cfg.MirrorRetryMaxWait == 0 {
		cfg.MirrorRetryMaxWait = time.Second
	}
	log := testutil.MakeNoopLogger()
	cold := testutil.NewMemoryColdStore()
	sessions, watermarks := NewRegistries(cold, log, actor.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.Close(ctx)
		_ = watermarks.Close(ctx)
	})
	sink := testutil.NewCaptureSink()
	return New(sessions, watermarks, cold, sink, cfg, log), cold, sink
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Config{})
	userID := uuid.New()

	sess, err := s.Create(ctx, userID, model.SessionAttrs{IP: "203.0.113.7", UserAgent: "test"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, userID, got.UserID)
	assert.Equal(t, "203.0.113.7", got.Attrs.IP)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Config{TTL: time.Millisecond})

	sess, err := s.Create(ctx, uuid.New(), model.SessionAttrs{})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = s.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, model.ErrExpired)
	assert.ErrorIs(t, s.Touch(ctx, sess.ID), model.ErrExpired)
}

func TestStore_TouchFixedWindow(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Config{})

	sess, err := s.Create(ctx, uuid.New(), model.SessionAttrs{})
	require.NoError(t, err)

	require.NoError(t, s.Touch(ctx, sess.ID))
	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.LastSeenAt.After(sess.LastSeenAt) || got.LastSeenAt.Equal(sess.LastSeenAt))
	// Fixed-window policy: expiry does not move.
	assert.True(t, got.ExpiresAt.Equal(sess.ExpiresAt))

	assert.ErrorIs(t, s.Touch(ctx, "missing"), model.ErrNotFound)
}

func TestStore_TouchSliding(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, Config{Sliding: true})

	sess, err := s.Create(ctx, uuid.New(), model.SessionAttrs{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Touch(ctx, sess.ID))
	got, err := s.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.After(sess.ExpiresAt))
}

func TestStore_Revoke(t *testing.T) {
	ctx := context.Background()
	s, _, sink := newTestStore(t, Config{})

	sess, err := s.Create(ctx, uuid.New(), model.SessionAttrs{})
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, sess.ID))
	_, err = s.Get(ctx, sess.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, s.Touch(ctx, sess.ID), model.ErrNotFound)
	assert.Contains(t, sink.Kinds(), model.EventSessionRevoked)

	// Idempotent.
	assert.NoError(t, s.Revoke(ctx, sess.ID))
	assert.ErrorIs(t, s.Revoke(ctx, "missing"), model.ErrNotFound)
}

func TestStore_RevokeAllForUser(t *testing.T) {
	ctx := context.Background()
	s, _, sink := newTestStore(t, Config{})
	userID := uuid.New()

	a, err := s.Create(ctx, userID, model.SessionAttrs{})
	require.NoError(t, err)
	b, err := s.Create(ctx, userID, model.SessionAttrs{})
	require.NoError(t, err)
	other, err := s.Create(ctx, uuid.New(), model.SessionAttrs{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.RevokeAllForUser(ctx, userID))
	assert.Contains(t, sink.Kinds(), model.EventUserRevoked)

	_, err = s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.Get(ctx, b.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Another user's session is untouched.
	_, err = s.Get(ctx, other.ID)
	assert.NoError(t, err)

	// Sessions created after the mark are alive.
	time.Sleep(5 * time.Millisecond)
	fresh, err := s.Create(ctx, userID, model.SessionAttrs{})
	require.NoError(t, err)
	_, err = s.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestStore_MirrorWritesAuditCopy(t *testing.T) {
	ctx := context.Background()
	s, cold, _ := newTestStore(t, Config{})

	sess, err := s.Create(ctx, uuid.New(), model.SessionAttrs{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := cold.Read(ctx, mirrorTable, sess.ID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStore_ReconcileRepairsLostMirror(t *testing.T) {
	ctx := context.Background()
	s, cold, _ := newTestStore(t, Config{})

	sess, err := s.Create(ctx, uuid.New(), model.SessionAttrs{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := cold.Read(ctx, mirrorTable, sess.ID)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, cold.Delete(ctx, mirrorTable, sess.ID))
	s.reconcile(ctx)

	_, err = cold.Read(ctx, mirrorTable, sess.ID)
	assert.NoError(t, err)
}
