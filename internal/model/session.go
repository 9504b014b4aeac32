package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SessionAttrs are the optional attributes captured at login.
type SessionAttrs struct {
	AMR        []string `json:"amr,omitempty"`
	ACR        string   `json:"acr,omitempty"`
	DeviceName string   `json:"device_name,omitempty"`
	IP         string   `json:"ip,omitempty"`
	UserAgent  string   `json:"user_agent,omitempty"`
}

// Session is an authenticated user session. The hot copy lives in an actor;
// a cold copy is mirrored to relational storage for audit and recovery.
type Session struct {
	ID         string       `json:"id"`
	UserID     uuid.UUID    `json:"user_id"`
	Attrs      SessionAttrs `json:"attrs"`
	CreatedAt  time.Time    `json:"created_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
	LastSeenAt time.Time    `json:"last_seen_at"`
	Revoked    bool         `json:"revoked"`
}

// SessionStore tracks authenticated user sessions.
type SessionStore interface {
	Create(ctx context.Context, userID uuid.UUID, attrs SessionAttrs) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	Touch(ctx context.Context, id string) error
	Revoke(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
}
