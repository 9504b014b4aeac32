// Package rotation implements the refresh-token rotation engine: one
// versioned family per (user, client) grant, monotonic rotation, and
// cryptographic theft detection on replay of superseded tokens.
package rotation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sgrastar/authrim-sub004/internal/actor"
	"github.com/sgrastar/authrim-sub004/internal/logger"
	"github.com/sgrastar/authrim-sub004/internal/model"
	"github.com/sgrastar/authrim-sub004/internal/resolve"
	"github.com/sgrastar/authrim-sub004/internal/token"
)

var _ model.RefreshTokenEngine = (*Engine)(nil)

// familyShard is the actor state of one (generation, shard) partition.
type familyShard struct {
	Families map[string]model.RefreshTokenFamily `json:"families"`
}

// Config tunes the engine.
type Config struct {
	// ShardCount seeds the topology on first boot. Later changes go
	// through Reshard, never through config edits.
	ShardCount int
	// MaxTTL is the absolute refresh-token family lifetime. It also bounds
	// how long a deprecated generation stays valid.
	MaxTTL time.Duration
	// StrictScope rejects rotation requests asking for scope outside the
	// family's allowance instead of silently narrowing.
	StrictScope bool
}

// Engine routes every family operation to the single-writer actor owning
// its (generation, shard) partition.
type Engine struct {
	shards   *actor.Registry[familyShard]
	topology *actor.Registry[model.ShardTopology]
	chain    *resolve.Chain
	tokens   *token.Manager
	sink     model.EventSink
	cfg      Config
	log      *logger.Logger
}

// New creates the engine. chain serves topology reads (wire TopologyLoader
// into its durable tier); the topology registry is the write path.
func New(
	shards *actor.Registry[familyShard],
	topology *actor.Registry[model.ShardTopology],
	chain *resolve.Chain,
	tokens *token.Manager,
	sink model.EventSink,
	cfg Config,
	log *logger.Logger,
) *Engine {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	return &Engine{
		shards:   shards,
		topology: topology,
		chain:    chain,
		tokens:   tokens,
		sink:     sink,
		cfg:      cfg,
		log:      log,
	}
}

// NewRegistries builds the family-shard and topology registries persisted
// under the given cold store.
func NewRegistries(cold model.ColdStore, log *logger.Logger, opts actor.Options) (*actor.Registry[familyShard], *actor.Registry[model.ShardTopology]) {
	shards := actor.NewRegistry[familyShard](actor.JSONPersister[familyShard]{Cold: cold, Table: "refresh_families"}, log, opts)
	topology := actor.NewRegistry[model.ShardTopology](actor.JSONPersister[model.ShardTopology]{Cold: cold, Table: "shard_topology"}, log, opts)
	return shards, topology
}

func shardKey(generation, shard int) string {
	return fmt.Sprintf("rotation/g%d/s%d", generation, shard)
}

func familyShardIndex(familyID uuid.UUID, shardCount int) int {
	h := fnv.New64a()
	h.Write([]byte(familyID.String()))
	return int(h.Sum64() % uint64(shardCount))
}

// Issue creates a brand-new family at version 0 under the current topology
// generation and returns the first token pair. Scope is the policy engine's
// upper bound; it is immutable for the family's lifetime.
func (e *Engine) Issue(ctx context.Context, req model.IssueRequest) (model.TokenPair, error) {
	topo, err := e.loadTopology(ctx)
	if err != nil {
		return model.TokenPair{}, err
	}

	now := time.Now()
	familyID := uuid.New()
	jti := model.JTI{
		Generation: topo.CurrentGeneration,
		Shard:      familyShardIndex(familyID, topo.CurrentShardCount),
		Random:     randomPart(),
	}
	fam := model.RefreshTokenFamily{
		ID:           familyID,
		UserID:       req.UserID,
		ClientID:     req.ClientID,
		AllowedScope: req.Scope,
		Version:      0,
		LastJTI:      jti.String(),
		LastUsedAt:   now,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.cfg.MaxTTL),
	}

	_, err = e.shards.Mutate(ctx, shardKey(jti.Generation, jti.Shard), func(st familyShard, _ bool) (familyShard, error) {
		if st.Families == nil {
			st.Families = map[string]model.RefreshTokenFamily{}
		}
		st.Families[familyID.String()] = fam
		return st, nil
	})
	if err != nil {
		return model.TokenPair{}, err
	}

	return e.mint(fam, model.RefreshToken{FamilyID: familyID, Version: 0, JTI: jti})
}

// Rotate validates a presented refresh token against its family and either
// advances the version by one or, on replay of a superseded token, revokes
// the whole family. The compare-and-advance is a single actor mutation.
func (e *Engine) Rotate(ctx context.Context, presented string, requestedScope string) (model.TokenPair, error) {
	parsed, err := model.ParseRefreshToken(presented)
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("%w: %w", model.ErrNotFound, err)
	}

	topo, err := e.loadTopology(ctx)
	if err != nil {
		return model.TokenPair{}, err
	}
	count, valid := topo.ShardCountFor(parsed.JTI.Generation, time.Now(), e.cfg.MaxTTL)
	if count == 0 {
		return model.TokenPair{}, model.ErrNotFound
	}
	if !valid {
		// Generation retired: every token issued under it is past max
		// lifetime by construction.
		return model.TokenPair{}, model.ErrExpired
	}
	if parsed.JTI.Shard < 0 || parsed.JTI.Shard >= count {
		return model.TokenPair{}, model.ErrNotFound
	}

	var (
		rotated model.RefreshTokenFamily
		newJTI  model.JTI
		scope   string
		theft   bool
	)
	_, err = e.shards.Mutate(ctx, shardKey(parsed.JTI.Generation, parsed.JTI.Shard), func(st familyShard, _ bool) (familyShard, error) {
		fam, ok := st.Families[parsed.FamilyID.String()]
		if !ok {
			return st, model.ErrNotFound
		}
		now := time.Now()
		switch {
		case fam.Revoked:
			// Terminal: once revoked, no token from this family is
			// ever honored again.
			theft = true
			return st, nil
		case !now.Before(fam.ExpiresAt):
			return st, model.ErrExpired
		case parsed.Version < fam.Version:
			// A superseded token is being replayed: theft signal.
			fam.Revoked = true
			fam.RevokedAt = &now
			st.Families[parsed.FamilyID.String()] = fam
			theft = true
			return st, nil
		case parsed.Version > fam.Version:
			return st, fmt.Errorf("%w: version ahead of family", model.ErrBindingMismatch)
		case parsed.JTI.String() != fam.LastJTI:
			return st, fmt.Errorf("%w: jti", model.ErrBindingMismatch)
		}

		// Scope is settled before the version advances, so a rejected
		// request leaves the presented token rotatable.
		var scopeErr error
		scope, scopeErr = e.grantScope(fam.AllowedScope, requestedScope)
		if scopeErr != nil {
			return st, scopeErr
		}

		newJTI = model.JTI{
			Generation: parsed.JTI.Generation,
			Shard:      parsed.JTI.Shard,
			Random:     randomPart(),
		}
		fam.Version++
		fam.LastJTI = newJTI.String()
		fam.LastUsedAt = now
		st.Families[parsed.FamilyID.String()] = fam
		rotated = fam
		return st, nil
	})
	if err != nil {
		return model.TokenPair{}, err
	}
	if theft {
		e.reportTheft(parsed.FamilyID)
		return model.TokenPair{}, model.ErrTheftDetected
	}

	rotated.AllowedScope = scope
	return e.mint(rotated, model.RefreshToken{FamilyID: rotated.ID, Version: rotated.Version, JTI: newJTI})
}

// RevokeFamily is the administrative kill switch. The family record is
// retained for forensic audit, only marked revoked.
func (e *Engine) RevokeFamily(ctx context.Context, familyID uuid.UUID) error {
	topo, err := e.loadTopology(ctx)
	if err != nil {
		return err
	}
	for _, gen := range topo.AllGenerations() {
		key := shardKey(gen.Generation, familyShardIndex(familyID, gen.ShardCount))
		found := false
		_, err := e.shards.Mutate(ctx, key, func(st familyShard, _ bool) (familyShard, error) {
			fam, ok := st.Families[familyID.String()]
			if !ok {
				return st, model.ErrNotFound
			}
			found = true
			if fam.Revoked {
				return st, nil
			}
			now := time.Now()
			fam.Revoked = true
			fam.RevokedAt = &now
			st.Families[familyID.String()] = fam
			return st, nil
		})
		if err == nil && found {
			e.sink.Emit(model.Event{
				Kind:    model.EventFamilyRevoked,
				Subject: familyID.String(),
			})
			return nil
		}
		if err != nil && !isNotFound(err) {
			return err
		}
	}
	return model.ErrNotFound
}

// mint builds the token pair: a JWT access token plus the opaque rotated
// refresh token. Scope on the access token never exceeds the family's
// allowance.
func (e *Engine) mint(fam model.RefreshTokenFamily, refresh model.RefreshToken) (model.TokenPair, error) {
	access, _, err := e.tokens.Mint(fam.UserID, fam.ClientID, fam.AllowedScope)
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("mint access token: %w", err)
	}
	return model.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh.String(),
		Scope:        fam.AllowedScope,
		ExpiresAt:    fam.ExpiresAt,
	}, nil
}

// grantScope intersects the requested scope with the family allowance.
// Scope never widens across rotations. Without StrictScope, out-of-allowance
// entries are dropped; a request with nothing left after the intersection is
// rejected rather than silently upgraded to the full allowance.
func (e *Engine) grantScope(allowed, requested string) (string, error) {
	if requested == "" {
		return allowed, nil
	}
	allowedSet := map[string]bool{}
	for _, s := range strings.Fields(allowed) {
		allowedSet[s] = true
	}
	granted := make([]string, 0, len(allowedSet))
	for _, s := range strings.Fields(requested) {
		if allowedSet[s] {
			granted = append(granted, s)
			continue
		}
		if e.cfg.StrictScope {
			return "", fmt.Errorf("%w: scope %q not in family allowance", model.ErrBindingMismatch, s)
		}
	}
	if len(granted) == 0 {
		return "", fmt.Errorf("%w: no requested scope in family allowance", model.ErrBindingMismatch)
	}
	return strings.Join(granted, " "), nil
}

// reportTheft fans the revocation out to the audit/notification sink before
// the caller sees the error.
func (e *Engine) reportTheft(familyID uuid.UUID) {
	e.log.Error("refresh token replay detected, family revoked", "family_id", familyID)
	e.sink.Emit(model.Event{
		Kind:    model.EventTheftDetected,
		Subject: familyID.String(),
	})
	e.sink.Emit(model.Event{
		Kind:    model.EventFamilyRevoked,
		Subject: familyID.String(),
		Detail:  map[string]string{"reason": "theft_detected"},
	})
}

func randomPart() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable for token issuance.
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
