// Package token mints and validates the access tokens handed out by code
// redemption and refresh rotation. Refresh tokens are opaque identifiers
// owned by the rotation engine, not JWTs.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims represents access-token JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	UserID    uuid.UUID `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scope     string    `json:"scope"`
	TokenType string    `json:"typ"`
}

// AccessClaims is the validated view returned by Parse.
type AccessClaims struct {
	UserID   uuid.UUID
	ClientID string
	Scope    string
	JTI      string
}

// Manager signs and parses access tokens with symmetric HMAC.
type Manager struct {
	secretKey string
	issuer    string
	accessTTL time.Duration
}

const typeAccess = "access"

// NewManager creates an access-token manager.
func NewManager(secretKey, issuer string, accessTTL time.Duration) *Manager {
	return &Manager{secretKey: secretKey, issuer: issuer, accessTTL: accessTTL}
}

// Mint creates a short-lived access token bound to user, client, and scope,
// returning the token string and its JTI.
func (m *Manager) Mint(userID uuid.UUID, clientID, scope string) (string, string, error) {
	now := time.Now()
	jti := uuid.NewString()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    m.issuer,
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
		},
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		TokenType: typeAccess,
	})

	tokenString, err := token.SignedString([]byte(m.secretKey))
	if err != nil {
		return "", "", fmt.Errorf("failed to sign access token: %w", err)
	}

	return tokenString, jti, nil
}

// Parse validates an access token and extracts its claims.
func (m *Manager) Parse(tokenString string) (AccessClaims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("wrong signing method %v", t.Header["alg"])
		}
		return []byte(m.secretKey), nil
	})
	if err != nil {
		return AccessClaims{}, fmt.Errorf("failed to parse access token: %w", err)
	}
	if !token.Valid {
		return AccessClaims{}, fmt.Errorf("access token is invalid")
	}
	if claims.TokenType != typeAccess {
		return AccessClaims{}, fmt.Errorf("token type mismatch: %s", claims.TokenType)
	}
	return AccessClaims{
		UserID:   claims.UserID,
		ClientID: claims.ClientID,
		Scope:    claims.Scope,
		JTI:      claims.ID,
	}, nil
}
