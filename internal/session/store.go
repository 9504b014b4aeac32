// Package session tracks authenticated user sessions with a hot/cold
// split: actor state is authoritative for reads, a relational copy is
// mirrored asynchronously for audit and crash recovery.
package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/sgrastar/authrim-sub004/internal/actor"
	"github.com/sgrastar/authrim-sub004/internal/logger"
	"github.com/sgrastar/authrim-sub004/internal/model"
)

var _ model.SessionStore = (*Store)(nil)

const mirrorTable = "sessions_audit"

// watermark is the actor state of a user-level revocation mark. Any session
// created at or before the mark is dead, no enumeration required.
type watermark struct {
	RevokedBefore time.Time `json:"revoked_before"`
}

// Config tunes the store.
type Config struct {
	TTL time.Duration
	// Sliding extends expiry on Touch instead of only recording last-seen.
	Sliding            bool
	ReconcileInterval  time.Duration
	MirrorRetryMaxWait time.Duration
}

// Store keeps one actor per session plus one per user revocation watermark.
type Store struct {
	sessions   *actor.Registry[model.Session]
	watermarks *actor.Registry[watermark]
	cold       model.ColdStore
	sink       model.EventSink
	cfg        Config
	log        *logger.Logger
}

// New creates the store.
func New(
	sessions *actor.Registry[model.Session],
	watermarks *actor.Registry[watermark],
	cold model.ColdStore,
	sink model.EventSink,
	cfg Config,
	log *logger.Logger,
) *Store {
	return &Store{
		sessions:   sessions,
		watermarks: watermarks,
		cold:       cold,
		sink:       sink,
		cfg:        cfg,
		log:        log,
	}
}

// NewRegistries builds the session and watermark registries persisted under
// the given cold store.
func NewRegistries(cold model.ColdStore, log *logger.Logger, opts actor.Options) (*actor.Registry[model.Session], *actor.Registry[watermark]) {
	sessions := actor.NewRegistry[model.Session](actor.JSONPersister[model.Session]{Cold: cold, Table: "sessions"}, log, opts)
	watermarks := actor.NewRegistry[watermark](actor.JSONPersister[watermark]{Cold: cold, Table: "session_watermarks"}, log, opts)
	return sessions, watermarks
}

func sessionKey(id string) string {
	return "session/" + id
}

func watermarkKey(userID uuid.UUID) string {
	return "session/watermark/" + userID.String()
}

// Create starts a new session for the user.
func (s *Store) Create(ctx context.Context, userID uuid.UUID, attrs model.SessionAttrs) (model.Session, error) {
	now := time.Now()
	sess := model.Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		Attrs:      attrs,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.TTL),
		LastSeenAt: now,
	}
	created, err := s.sessions.Mutate(ctx, sessionKey(sess.ID), func(_ model.Session, _ bool) (model.Session, error) {
		return sess, nil
	})
	if err != nil {
		return model.Session{}, err
	}
	s.mirror(created)
	return created, nil
}

// Get returns the session if it is alive: not expired, not revoked, and not
// older than the user's revocation watermark.
func (s *Store) Get(ctx context.Context, id string) (model.Session, error) {
	sess, err := s.sessions.Get(ctx, sessionKey(id))
	if err != nil {
		return model.Session{}, err
	}
	if sess.Revoked {
		return model.Session{}, model.ErrNotFound
	}
	if !time.Now().Before(sess.ExpiresAt) {
		return model.Session{}, model.ErrExpired
	}
	if s.revokedByWatermark(ctx, sess) {
		return model.Session{}, model.ErrNotFound
	}
	return sess, nil
}

// Touch records activity. With a sliding policy it also extends expiry;
// otherwise expiry stays fixed at creation.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.sessions.Mutate(ctx, sessionKey(id), func(sess model.Session, exists bool) (model.Session, error) {
		if !exists || sess.Revoked {
			return sess, model.ErrNotFound
		}
		now := time.Now()
		if !now.Before(sess.ExpiresAt) {
			return sess, model.ErrExpired
		}
		sess.LastSeenAt = now
		if s.cfg.Sliding {
			sess.ExpiresAt = now.Add(s.cfg.TTL)
		}
		return sess, nil
	})
	return err
}

// Revoke ends one session. Idempotent.
func (s *Store) Revoke(ctx context.Context, id string) error {
	revoked, err := s.sessions.Mutate(ctx, sessionKey(id), func(sess model.Session, exists bool) (model.Session, error) {
		if !exists {
			return sess, model.ErrNotFound
		}
		sess.Revoked = true
		return sess, nil
	})
	if err != nil {
		return err
	}
	s.sink.Emit(model.Event{Kind: model.EventSessionRevoked, Subject: id})
	s.mirror(revoked)
	return nil
}

// RevokeAllForUser marks a user-level revocation watermark instead of
// enumerating sessions. Every Get compares the session's creation time to
// the mark, so the effect is immediate and the operation idempotent.
func (s *Store) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	now := time.Now()
	_, err := s.watermarks.Mutate(ctx, watermarkKey(userID), func(w watermark, _ bool) (watermark, error) {
		if now.After(w.RevokedBefore) {
			w.RevokedBefore = now
		}
		return w, nil
	})
	if err != nil {
		return err
	}
	s.sink.Emit(model.Event{Kind: model.EventUserRevoked, Subject: userID.String()})
	return nil
}

func (s *Store) revokedByWatermark(ctx context.Context, sess model.Session) bool {
	w, err := s.watermarks.Get(ctx, watermarkKey(sess.UserID))
	if err != nil {
		// No watermark recorded for this user.
		return false
	}
	return !sess.CreatedAt.After(w.RevokedBefore)
}

// mirror pushes a cold copy for audit, off the hot path, retried with
// exponential backoff.
func (s *Store) mirror(sess model.Session) {
	go func() {
		row, err := json.Marshal(sess)
		if err != nil {
			s.log.Error("failed to encode session mirror", "session_id", sess.ID, "error", err)
			return
		}
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = s.cfg.MirrorRetryMaxWait
		err = backoff.Retry(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.cold.Write(ctx, mirrorTable, sess.ID, row)
		}, bo)
		if err != nil {
			s.log.Warn("session mirror write gave up", "session_id", sess.ID, "error", err)
		}
	}()
}

// Run drives the periodic reconciliation pass: every hot session is
// re-mirrored so the cold copy converges even if individual mirror writes
// were lost.
func (s *Store) Run(ctx context.Context) {
	tick := time.NewTicker(s.cfg.ReconcileInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			s.reconcile(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) reconcile(ctx context.Context) {
	for _, key := range s.sessions.Keys() {
		sess, err := s.sessions.Get(ctx, key)
		if err != nil {
			continue
		}
		row, err := json.Marshal(sess)
		if err != nil {
			continue
		}
		if err := s.cold.Write(ctx, mirrorTable, sess.ID, row); err != nil {
			s.log.Warn("session reconcile write failed", "session_id", sess.ID, "error", err)
		}
	}
}
