package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// GrantKind distinguishes the two polling-based out-of-band flows.
type GrantKind string

const (
	GrantKindDeviceCode GrantKind = "device_code"
	GrantKindCIBA       GrantKind = "ciba"
)

// GrantStatus is the lifecycle state of an async grant. Transitions are
// monotonic: pending may move to approved or denied, anything moves to
// expired on timeout, and nothing ever moves back.
type GrantStatus string

const (
	GrantStatusPending  GrantStatus = "pending"
	GrantStatusApproved GrantStatus = "approved"
	GrantStatusDenied   GrantStatus = "denied"
	GrantStatusExpired  GrantStatus = "expired"
)

// AsyncGrant is a device-code or CIBA authorization record.
type AsyncGrant struct {
	ID          string      `json:"id"`
	Kind        GrantKind   `json:"kind"`
	UserCode    string      `json:"user_code,omitempty"`
	ClientID    string      `json:"client_id"`
	Scope       string      `json:"scope"`
	Status      GrantStatus `json:"status"`
	UserID      uuid.UUID   `json:"user_id,omitempty"`
	TokenIssued bool        `json:"token_issued"`
	Interval    int         `json:"interval"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	LastPollAt  *time.Time  `json:"last_poll_at,omitempty"`
	PollCount   int         `json:"poll_count"`
}

// AsyncGrantRequest starts a device-code or CIBA flow.
type AsyncGrantRequest struct {
	Kind     GrantKind
	ClientID string
	Scope    string
	TTL      time.Duration
	Interval int
}

// AsyncGrantStore manages polling-based out-of-band authorization records.
type AsyncGrantStore interface {
	Create(ctx context.Context, req AsyncGrantRequest) (AsyncGrant, error)
	Poll(ctx context.Context, id string) (GrantStatus, error)
	Resolve(ctx context.Context, id string, approved bool, userID uuid.UUID) error
	ConsumeToken(ctx context.Context, id string) (AsyncGrant, error)
}
