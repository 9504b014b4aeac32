// Package authcode issues and redeems one-time authorization codes,
// sharded by code hash for throughput.
package authcode

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/sgrastar/authrim-sub004/internal/actor"
	"github.com/sgrastar/authrim-sub004/internal/logger"
	"github.com/sgrastar/authrim-sub004/internal/model"
)

var _ model.AuthorizationCodeStore = (*Store)(nil)

// shardState is the actor state of one code shard: every code whose hash
// routes here, keyed by the code itself.
type shardState struct {
	Codes map[string]model.AuthorizationCode `json:"codes"`
}

// userQuota counts a user's outstanding unused codes.
type userQuota struct {
	Outstanding int `json:"outstanding"`
}

// Config tunes the store.
type Config struct {
	ShardCount    int
	TTL           time.Duration
	PerUserLimit  int
	SweepInterval time.Duration
}

// Store shards authorization codes across actors. Identical codes always
// route to the same shard, so redemption races collapse into one actor's
// FIFO queue.
type Store struct {
	shards *actor.Registry[shardState]
	quotas *actor.Registry[userQuota]
	cfg    Config
	log    *logger.Logger
}

// New creates the store on top of the given actor registries.
func New(shards *actor.Registry[shardState], quotas *actor.Registry[userQuota], cfg Config, log *logger.Logger) *Store {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	return &Store{shards: shards, quotas: quotas, cfg: cfg, log: log}
}

// NewRegistries builds the two registries the store needs, persisted under
// the given cold store.
func NewRegistries(cold model.ColdStore, log *logger.Logger, opts actor.Options) (*actor.Registry[shardState], *actor.Registry[userQuota]) {
	shards := actor.NewRegistry[shardState](actor.JSONPersister[shardState]{Cold: cold, Table: "authcode_shards"}, log, opts)
	quotas := actor.NewRegistry[userQuota](actor.JSONPersister[userQuota]{Cold: cold, Table: "authcode_quotas"}, log, opts)
	return shards, quotas
}

func (s *Store) shardKey(code string) string {
	h := fnv.New64a()
	h.Write([]byte(code))
	return fmt.Sprintf("authcode/shard/%d", h.Sum64()%uint64(s.cfg.ShardCount))
}

func quotaKey(userID uuid.UUID) string {
	return "authcode/user/" + userID.String()
}

// Issue generates a cryptographically random code bound to the grant and
// writes it via the owning shard's actor. A per-user ceiling on outstanding
// unused codes is enforced first.
func (s *Store) Issue(ctx context.Context, grant model.CodeGrant) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	_, err = s.quotas.Mutate(ctx, quotaKey(grant.UserID), func(q userQuota, _ bool) (userQuota, error) {
		if q.Outstanding >= s.cfg.PerUserLimit {
			return q, fmt.Errorf("%w: %d outstanding codes", model.ErrQuotaExceeded, q.Outstanding)
		}
		q.Outstanding++
		return q, nil
	})
	if err != nil {
		return "", err
	}

	ttl := grant.TTL
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	now := time.Now()
	rec := model.AuthorizationCode{
		Code:          code,
		ClientID:      grant.ClientID,
		RedirectURI:   grant.RedirectURI,
		UserID:        grant.UserID,
		Scope:         grant.Scope,
		PKCEChallenge: grant.PKCEChallenge,
		Nonce:         grant.Nonce,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	_, err = s.shards.Mutate(ctx, s.shardKey(code), func(st shardState, _ bool) (shardState, error) {
		if st.Codes == nil {
			st.Codes = map[string]model.AuthorizationCode{}
		}
		st.Codes[code] = rec
		return st, nil
	})
	if err != nil {
		s.releaseQuota(grant.UserID)
		return "", err
	}
	return code, nil
}

// Redeem atomically flips used=false to true and returns a copy of the
// record. The check and the flip are one actor mutation, so concurrent
// duplicate redemptions yield exactly one success.
func (s *Store) Redeem(ctx context.Context, code, clientID, redirectURI, pkceVerifier string) (model.AuthorizationCode, error) {
	var (
		out    model.AuthorizationCode
		userID uuid.UUID
	)
	_, err := s.shards.Mutate(ctx, s.shardKey(code), func(st shardState, _ bool) (shardState, error) {
		rec, ok := st.Codes[code]
		if !ok {
			return st, model.ErrNotFound
		}
		if rec.Used {
			return st, model.ErrAlreadyUsed
		}
		if !time.Now().Before(rec.ExpiresAt) {
			return st, model.ErrExpired
		}
		if rec.ClientID != clientID || rec.RedirectURI != redirectURI {
			return st, fmt.Errorf("%w: client or redirect uri", model.ErrBindingMismatch)
		}
		if rec.PKCEChallenge != "" && !verifyPKCE(rec.PKCEChallenge, pkceVerifier) {
			return st, fmt.Errorf("%w: pkce verifier", model.ErrBindingMismatch)
		}
		now := time.Now()
		rec.Used = true
		rec.UsedAt = &now
		st.Codes[code] = rec
		out = rec
		userID = rec.UserID
		return st, nil
	})
	if err != nil {
		return model.AuthorizationCode{}, err
	}
	s.releaseQuota(userID)
	return out, nil
}

// BindIssuedTokens records the JTIs minted from a redeemed code so a leaked
// code can be traced to the tokens it produced.
func (s *Store) BindIssuedTokens(ctx context.Context, code, accessJTI, refreshJTI string) error {
	_, err := s.shards.Mutate(ctx, s.shardKey(code), func(st shardState, _ bool) (shardState, error) {
		rec, ok := st.Codes[code]
		if !ok {
			return st, model.ErrNotFound
		}
		rec.IssuedAccessTokenJTI = accessJTI
		rec.IssuedRefreshTokenJTI = refreshJTI
		st.Codes[code] = rec
		return st, nil
	})
	return err
}

// Run drives the background sweep until ctx is cancelled. Each shard purges
// its own expired entries independently; no cross-shard coordination.
func (s *Store) Run(ctx context.Context) {
	tick := time.NewTicker(s.cfg.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			s.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) sweep(ctx context.Context) {
	now := time.Now()
	for i := 0; i < s.cfg.ShardCount; i++ {
		key := fmt.Sprintf("authcode/shard/%d", i)
		released := map[uuid.UUID]int{}
		_, err := s.shards.Mutate(ctx, key, func(st shardState, _ bool) (shardState, error) {
			for code, rec := range st.Codes {
				if rec.ExpiresAt.After(now) {
					continue
				}
				if !rec.Used {
					released[rec.UserID]++
				}
				delete(st.Codes, code)
			}
			return st, nil
		})
		if err != nil {
			s.log.Warn("code sweep failed", "shard", key, "error", err)
			continue
		}
		for userID, n := range released {
			for j := 0; j < n; j++ {
				s.releaseQuota(userID)
			}
		}
	}
}

// releaseQuota decrements a user's outstanding counter. Best effort: a
// missed decrement only makes the ceiling conservative until the next sweep
// releases the expired code.
func (s *Store) releaseQuota(userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.quotas.Mutate(ctx, quotaKey(userID), func(q userQuota, _ bool) (userQuota, error) {
		if q.Outstanding > 0 {
			q.Outstanding--
		}
		return q, nil
	})
	if err != nil {
		s.log.Warn("quota release failed", "user_id", userID, "error", err)
	}
}

func randomCode() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// verifyPKCE checks the S256 transform of the verifier against the stored
// challenge in constant time.
func verifyPKCE(challenge, verifier string) bool {
	if verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
