// Package asyncgrant manages polling-based out-of-band authorization
// records for the device-code and CIBA flows. Both share one store; only
// the user-code issuance differs.
package asyncgrant

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sgrastar/authrim-sub004/internal/actor"
	"github.com/sgrastar/authrim-sub004/internal/logger"
	"github.com/sgrastar/authrim-sub004/internal/model"
)

var _ model.AsyncGrantStore = (*Store)(nil)

// Config tunes the store.
type Config struct {
	TTL time.Duration
	// PollInterval is the minimum number of seconds between polls before
	// the client is told to slow down.
	PollInterval int
	// Retention is how long a terminal record is kept after its deadline
	// before it is deleted from storage.
	Retention time.Duration
}

const grantsTable = "async_grants"

const defaultRetention = 24 * time.Hour

// Store keeps one actor per grant record. Expiry is enforced by a scheduled
// wake-up tied to each record's deadline, so abandoned records are
// reclaimed without further client traffic.
type Store struct {
	grants    *actor.Registry[model.AsyncGrant]
	scheduler *actor.ExpiryScheduler
	cfg       Config
	log       *logger.Logger
}

// New creates the store and its expiry scheduler.
func New(grants *actor.Registry[model.AsyncGrant], cfg Config, log *logger.Logger) *Store {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	s := &Store{grants: grants, cfg: cfg, log: log}
	s.scheduler = actor.NewExpiryScheduler(s.expire)
	return s
}

// NewRegistry builds the grant registry persisted under the given cold store.
func NewRegistry(cold model.ColdStore, log *logger.Logger, opts actor.Options) *actor.Registry[model.AsyncGrant] {
	return actor.NewRegistry[model.AsyncGrant](actor.JSONPersister[model.AsyncGrant]{Cold: cold, Table: grantsTable}, log, opts)
}

// Seed re-arms expiry wake-ups from durable storage. The scheduler is
// process-local, so records created before a restart would otherwise sit
// without a wake-up until a client happens to poll them.
func (s *Store) Seed(ctx context.Context, cold model.ColdStore) error {
	rows, err := cold.List(ctx, grantsTable)
	if err != nil {
		return fmt.Errorf("list grants: %w", err)
	}
	for key, row := range rows {
		var g model.AsyncGrant
		if err := json.Unmarshal(row, &g); err != nil {
			s.log.Warn("skipping undecodable grant record", "key", key, "error", err)
			continue
		}
		if g.Status == model.GrantStatusPending {
			s.scheduler.Schedule(g.ID, g.ExpiresAt)
		} else {
			s.scheduler.Schedule(g.ID, g.ExpiresAt.Add(s.cfg.Retention))
		}
	}
	return nil
}

// Stop shuts down the expiry scheduler.
func (s *Store) Stop() {
	s.scheduler.Stop()
}

func grantKey(id string) string {
	return "grant/" + id
}

// Create starts a new pending grant and schedules its expiry wake-up.
// Device-code grants also get a short user-facing code.
func (s *Store) Create(ctx context.Context, req model.AsyncGrantRequest) (model.AsyncGrant, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	interval := req.Interval
	if interval <= 0 {
		interval = s.cfg.PollInterval
	}
	now := time.Now()
	grant := model.AsyncGrant{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		ClientID:  req.ClientID,
		Scope:     req.Scope,
		Status:    model.GrantStatusPending,
		Interval:  interval,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if req.Kind == model.GrantKindDeviceCode {
		code, err := userCode()
		if err != nil {
			return model.AsyncGrant{}, fmt.Errorf("generate user code: %w", err)
		}
		grant.UserCode = code
	}

	created, err := s.grants.Mutate(ctx, grantKey(grant.ID), func(_ model.AsyncGrant, _ bool) (model.AsyncGrant, error) {
		return grant, nil
	})
	if err != nil {
		return model.AsyncGrant{}, err
	}
	s.scheduler.Schedule(grant.ID, grant.ExpiresAt)
	return created, nil
}

// Poll reports the grant's status. Polling faster than the grant's interval
// yields ErrSlowDown; a pending grant yields ErrAuthorizationPending so
// callers can map both onto the protocol's distinct signals.
func (s *Store) Poll(ctx context.Context, id string) (model.GrantStatus, error) {
	var status model.GrantStatus
	_, err := s.grants.Mutate(ctx, grantKey(id), func(g model.AsyncGrant, exists bool) (model.AsyncGrant, error) {
		if !exists {
			return g, model.ErrNotFound
		}
		now := time.Now()
		if g.Status == model.GrantStatusPending && !now.Before(g.ExpiresAt) {
			g.Status = model.GrantStatusExpired
		}
		if g.Status == model.GrantStatusExpired {
			status = g.Status
			return g, model.ErrExpired
		}
		if g.LastPollAt != nil && now.Sub(*g.LastPollAt) < time.Duration(g.Interval)*time.Second {
			return g, model.ErrSlowDown
		}
		g.LastPollAt = &now
		g.PollCount++
		status = g.Status
		return g, nil
	})
	if err != nil {
		return status, err
	}
	switch status {
	case model.GrantStatusPending:
		return status, model.ErrAuthorizationPending
	case model.GrantStatusDenied:
		return status, model.ErrAccessDenied
	default:
		return status, nil
	}
}

// Resolve applies the user's decision. The transition is one-time and
// monotonic: only a pending grant can move to approved or denied.
func (s *Store) Resolve(ctx context.Context, id string, approved bool, userID uuid.UUID) error {
	_, err := s.grants.Mutate(ctx, grantKey(id), func(g model.AsyncGrant, exists bool) (model.AsyncGrant, error) {
		if !exists {
			return g, model.ErrNotFound
		}
		now := time.Now()
		if g.Status == model.GrantStatusPending && !now.Before(g.ExpiresAt) {
			g.Status = model.GrantStatusExpired
		}
		switch g.Status {
		case model.GrantStatusExpired:
			return g, model.ErrExpired
		case model.GrantStatusApproved, model.GrantStatusDenied:
			return g, model.ErrAlreadyUsed
		}
		if approved {
			g.Status = model.GrantStatusApproved
			g.UserID = userID
		} else {
			g.Status = model.GrantStatusDenied
		}
		return g, nil
	})
	return err
}

// ConsumeToken redeems an approved grant exactly once, mirroring the
// authorization-code at-most-once guarantee: the token_issued flip and the
// read are one actor mutation.
func (s *Store) ConsumeToken(ctx context.Context, id string) (model.AsyncGrant, error) {
	var out model.AsyncGrant
	_, err := s.grants.Mutate(ctx, grantKey(id), func(g model.AsyncGrant, exists bool) (model.AsyncGrant, error) {
		if !exists {
			return g, model.ErrNotFound
		}
		now := time.Now()
		if g.Status == model.GrantStatusPending && !now.Before(g.ExpiresAt) {
			g.Status = model.GrantStatusExpired
		}
		switch g.Status {
		case model.GrantStatusPending:
			return g, model.ErrAuthorizationPending
		case model.GrantStatusDenied:
			return g, model.ErrAccessDenied
		case model.GrantStatusExpired:
			return g, model.ErrExpired
		}
		if g.TokenIssued {
			return g, model.ErrAlreadyUsed
		}
		g.TokenIssued = true
		out = g
		return g, nil
	})
	if err != nil {
		return model.AsyncGrant{}, err
	}
	return out, nil
}

// expire is the scheduler callback. At the deadline it re-checks state and
// only flips pending records to expired; a grant resolved or consumed in
// the meantime keeps its status. Terminal records are deleted once they are
// Retention past their deadline, via a second wake-up.
func (s *Store) expire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, err := s.grants.Mutate(ctx, grantKey(id), func(g model.AsyncGrant, exists bool) (model.AsyncGrant, error) {
		if !exists {
			return g, model.ErrNotFound
		}
		if g.Status == model.GrantStatusPending && !time.Now().Before(g.ExpiresAt) {
			g.Status = model.GrantStatusExpired
		}
		return g, nil
	})
	if err != nil {
		if !isNotFound(err) {
			s.log.Warn("grant expiry wake-up failed", "grant_id", id, "error", err)
		}
		return
	}
	retireAt := g.ExpiresAt.Add(s.cfg.Retention)
	if time.Now().Before(retireAt) {
		s.scheduler.Schedule(id, retireAt)
		return
	}
	if err := s.grants.Delete(ctx, grantKey(id)); err != nil {
		s.log.Warn("grant age-out delete failed", "grant_id", id, "error", err)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}

// userCodeAlphabet avoids ambiguous characters.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// userCode produces the short XXXX-XXXX code a user types on a second
// device.
func userCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 9)
	for i, b := range buf {
		pos := i
		if i >= 4 {
			pos = i + 1
		}
		out[pos] = userCodeAlphabet[int(b)%len(userCodeAlphabet)]
	}
	out[4] = '-'
	return string(out), nil
}
