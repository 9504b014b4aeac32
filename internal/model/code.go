package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CodeGrant carries everything the authorize endpoint binds into a code.
type CodeGrant struct {
	ClientID      string
	RedirectURI   string
	UserID        uuid.UUID
	Scope         string
	PKCEChallenge string
	Nonce         string
	TTL           time.Duration
}

// AuthorizationCode is a one-time-use artifact exchanged for tokens.
type AuthorizationCode struct {
	Code                  string     `json:"code"`
	ClientID              string     `json:"client_id"`
	RedirectURI           string     `json:"redirect_uri"`
	UserID                uuid.UUID  `json:"user_id"`
	Scope                 string     `json:"scope"`
	PKCEChallenge         string     `json:"pkce_challenge,omitempty"`
	Nonce                 string     `json:"nonce,omitempty"`
	Used                  bool       `json:"used"`
	CreatedAt             time.Time  `json:"created_at"`
	ExpiresAt             time.Time  `json:"expires_at"`
	IssuedAccessTokenJTI  string     `json:"issued_access_token_jti,omitempty"`
	IssuedRefreshTokenJTI string     `json:"issued_refresh_token_jti,omitempty"`
	UsedAt                *time.Time `json:"used_at,omitempty"`
}

// AuthorizationCodeStore issues and redeems one-time authorization codes.
type AuthorizationCodeStore interface {
	Issue(ctx context.Context, grant CodeGrant) (string, error)
	Redeem(ctx context.Context, code, clientID, redirectURI, pkceVerifier string) (AuthorizationCode, error)
	BindIssuedTokens(ctx context.Context, code, accessJTI, refreshJTI string) error
}
