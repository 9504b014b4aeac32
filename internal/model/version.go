package model

import "time"

// ServiceVersion is the registered deployment version of one logical
// service. History is append-only so a rollback is recorded as a new entry
// rather than rewriting the past.
type ServiceVersion struct {
	Service   string          `json:"service"`
	Current   string          `json:"current"`
	UpdatedAt time.Time       `json:"updated_at"`
	History   []VersionChange `json:"history,omitempty"`
}

// VersionChange is one registration event in a service's history.
type VersionChange struct {
	Version      string    `json:"version"`
	RegisteredAt time.Time `json:"registered_at"`
}
