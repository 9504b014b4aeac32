package model

import (
	"context"
	"time"
)

// ColdStore is the relational cold-storage interface. The core only needs
// key/row semantics; the schema behind it is opaque.
type ColdStore interface {
	Read(ctx context.Context, table, key string) ([]byte, error)
	Write(ctx context.Context, table, key string, row []byte) error
	Delete(ctx context.Context, table, key string) error
	List(ctx context.Context, table string) (map[string][]byte, error)
}

// EventKind classifies audit events emitted by the core.
type EventKind string

const (
	EventTheftDetected  EventKind = "theft_detected"
	EventFamilyRevoked  EventKind = "family_revoked"
	EventSessionRevoked EventKind = "session_revoked"
	EventUserRevoked    EventKind = "user_revoked"
)

// Event is a fire-and-forget audit/notification message.
type Event struct {
	Kind       EventKind         `json:"kind"`
	Subject    string            `json:"subject"`
	OccurredAt time.Time         `json:"occurred_at"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// EventSink receives theft-detection and revocation events. Implementations
// must never block the caller; dropping under pressure is acceptable.
type EventSink interface {
	Emit(event Event)
}
