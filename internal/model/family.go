package model

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RefreshTokenFamily is the chain of refresh tokens descending from one
// authorization grant. Version increases by exactly one per rotation; a
// presented token older than Version means the token leaked.
type RefreshTokenFamily struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	ClientID     string     `json:"client_id"`
	AllowedScope string     `json:"allowed_scope"`
	Version      int64      `json:"version"`
	LastJTI      string     `json:"last_jti"`
	LastUsedAt   time.Time  `json:"last_used_at"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Revoked      bool       `json:"revoked"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// JTI is the decoded form of a refresh token identifier. Generation and
// Shard pin the family to the shard topology it was issued under, so a
// later shard-count change cannot re-home or collide outstanding tokens.
type JTI struct {
	Generation int
	Shard      int
	Random     string
}

func (j JTI) String() string {
	return fmt.Sprintf("g%d_%d_%s", j.Generation, j.Shard, j.Random)
}

// ParseJTI decodes a "g{generation}_{shard}_{random}" identifier.
func ParseJTI(s string) (JTI, error) {
	rest, ok := strings.CutPrefix(s, "g")
	if !ok {
		return JTI{}, fmt.Errorf("jti %q: missing generation prefix", s)
	}
	parts := strings.SplitN(rest, "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return JTI{}, fmt.Errorf("jti %q: want g{gen}_{shard}_{random}", s)
	}
	gen, err := strconv.Atoi(parts[0])
	if err != nil {
		return JTI{}, fmt.Errorf("jti %q: bad generation: %w", s, err)
	}
	shard, err := strconv.Atoi(parts[1])
	if err != nil {
		return JTI{}, fmt.Errorf("jti %q: bad shard: %w", s, err)
	}
	return JTI{Generation: gen, Shard: shard, Random: parts[2]}, nil
}

// RefreshToken is the opaque wire form handed to clients:
// "{familyID}.{version}.{jti}". It is not a JWT; everything the engine
// needs for routing is embedded, everything else lives in the family record.
type RefreshToken struct {
	FamilyID uuid.UUID
	Version  int64
	JTI      JTI
}

func (t RefreshToken) String() string {
	return fmt.Sprintf("%s.%d.%s", t.FamilyID, t.Version, t.JTI)
}

// ParseRefreshToken decodes the opaque wire form.
func ParseRefreshToken(s string) (RefreshToken, error) {
	famPart, rest, ok := strings.Cut(s, ".")
	if !ok {
		return RefreshToken{}, fmt.Errorf("refresh token: missing version segment")
	}
	verPart, jtiPart, ok := strings.Cut(rest, ".")
	if !ok {
		return RefreshToken{}, fmt.Errorf("refresh token: missing jti segment")
	}
	famID, err := uuid.Parse(famPart)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("refresh token: bad family id: %w", err)
	}
	version, err := strconv.ParseInt(verPart, 10, 64)
	if err != nil || version < 0 {
		return RefreshToken{}, fmt.Errorf("refresh token: bad version %q", verPart)
	}
	jti, err := ParseJTI(jtiPart)
	if err != nil {
		return RefreshToken{}, err
	}
	return RefreshToken{FamilyID: famID, Version: version, JTI: jti}, nil
}

// ShardGeneration is one retired topology epoch kept for token validation.
type ShardGeneration struct {
	Generation   int       `json:"generation"`
	ShardCount   int       `json:"shard_count"`
	DeprecatedAt time.Time `json:"deprecated_at"`
}

// ShardTopology records the current shard count and the append-only history
// of previous generations. A previous generation stays in the lookup path
// until every token issued under it has passed its maximum lifetime.
type ShardTopology struct {
	CurrentGeneration   int               `json:"current_generation"`
	CurrentShardCount   int               `json:"current_shard_count"`
	PreviousGenerations []ShardGeneration `json:"previous_generations,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// ShardCountFor reports the shard count a generation was configured with,
// whether it is still within maxTTL of its deprecation, and whether it is
// known at all.
func (t ShardTopology) ShardCountFor(generation int, now time.Time, maxTTL time.Duration) (count int, valid bool) {
	if generation == t.CurrentGeneration {
		return t.CurrentShardCount, true
	}
	for _, g := range t.PreviousGenerations {
		if g.Generation == generation {
			return g.ShardCount, now.Before(g.DeprecatedAt.Add(maxTTL))
		}
	}
	return 0, false
}

// AllGenerations lists the current generation followed by the retained
// previous ones, newest first.
func (t ShardTopology) AllGenerations() []ShardGeneration {
	out := make([]ShardGeneration, 0, len(t.PreviousGenerations)+1)
	out = append(out, ShardGeneration{Generation: t.CurrentGeneration, ShardCount: t.CurrentShardCount})
	for i := len(t.PreviousGenerations) - 1; i >= 0; i-- {
		out = append(out, t.PreviousGenerations[i])
	}
	return out
}

// TokenPair is what code redemption and rotation hand back to the caller.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresAt    time.Time
}

// IssueRequest asks the rotation engine for a brand-new family. Scope is the
// upper bound supplied by the policy engine at issuance time.
type IssueRequest struct {
	UserID   uuid.UUID
	ClientID string
	Scope    string
}

// RefreshTokenEngine issues, rotates, and revokes refresh-token families.
type RefreshTokenEngine interface {
	Issue(ctx context.Context, req IssueRequest) (TokenPair, error)
	Rotate(ctx context.Context, presented string, requestedScope string) (TokenPair, error)
	RevokeFamily(ctx context.Context, familyID uuid.UUID) error
}
