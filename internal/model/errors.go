package model

import "errors"

var (
	// ErrNotFound means the key never existed or was already purged.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyUsed means a one-time-use artifact was presented twice.
	ErrAlreadyUsed = errors.New("already used")
	// ErrExpired means the artifact's expires_at has passed.
	ErrExpired = errors.New("expired")
	// ErrQuotaExceeded means a per-user ceiling was hit.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrBindingMismatch means client, redirect URI, or PKCE verifier
	// did not match what the artifact was bound to at issuance.
	ErrBindingMismatch = errors.New("binding mismatch")
	// ErrTheftDetected means refresh-token reuse after rotation was observed
	// and the whole family has been revoked.
	ErrTheftDetected = errors.New("token theft detected")
	// ErrStaleVersion means the running bundle is older than the registered
	// deployment version; the caller should retry shortly.
	ErrStaleVersion = errors.New("stale bundle version")
	// ErrStorageUnavailable means a durable write failed and the mutation
	// was rolled back.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrSlowDown means the async grant was polled faster than its interval.
	ErrSlowDown = errors.New("slow down")
	// ErrAuthorizationPending means the async grant has not been resolved yet.
	ErrAuthorizationPending = errors.New("authorization pending")
	// ErrAccessDenied means the user denied the async grant.
	ErrAccessDenied = errors.New("access denied")
)

// ErrInvalidGrant is the caller-facing classification for the error kinds
// that must not be distinguishable by untrusted clients.
var ErrInvalidGrant = errors.New("invalid grant")

// GrantError collapses oracle-sensitive error kinds to ErrInvalidGrant for
// the external boundary. The original error stays server-side for audit.
func GrantError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyUsed),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrBindingMismatch):
		return ErrInvalidGrant
	default:
		return err
	}
}
