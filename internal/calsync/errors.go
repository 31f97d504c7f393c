package calsync

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrConcurrentModification means a conditional write or transaction lost
	// a race: the stored version no longer matches what the caller read.
	// Re-read current state and retry; this is not a hard failure.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrCursorExpired means the provider invalidated the incremental sync
	// cursor. The caller falls back to a full resynchronization.
	ErrCursorExpired = errors.New("sync cursor expired")

	// ErrUnknownWebhookIdentity means an inbound notification's channel or
	// subscription identifier has no routing entry.
	ErrUnknownWebhookIdentity = errors.New("unknown webhook identity")

	// ErrInvalidWebhookSecret means the caller-supplied verification value did
	// not match the stored secret (nor an unexpired previous secret).
	ErrInvalidWebhookSecret = errors.New("invalid webhook secret")

	// ErrNotFound means the requested item does not exist.
	ErrNotFound = errors.New("not found")
)

// NormalizationError reports that a provider payload could not be mapped into
// the canonical form. It is fatal for the one event, never for the batch.
type NormalizationError struct {
	Provider string
	EventID  string // provider event ID when known, else empty
	Field    string // the missing or unparseable field
	Reason   string
}

func (e *NormalizationError) Error() string {
	if e.EventID == "" {
		return fmt.Sprintf("normalize %s event: field %q: %s", e.Provider, e.Field, e.Reason)
	}
	return fmt.Sprintf("normalize %s event %s: field %q: %s", e.Provider, e.EventID, e.Field, e.Reason)
}

// RedirectLoopError signals a cycle in a redirect chain. This is a data
// corruption signal: the at-most-one-owner invariant was violated upstream.
type RedirectLoopError struct {
	TenantID string
	Key      string // the revisited key
}

func (e *RedirectLoopError) Error() string {
	return fmt.Sprintf("redirect loop for tenant %s at key %s", e.TenantID, e.Key)
}

// RedirectHopLimitError signals a redirect chain longer than the hop limit.
// Like RedirectLoopError it indicates corruption and is surfaced, never
// silently resolved.
type RedirectHopLimitError struct {
	TenantID string
	Key      string // the key where resolution stopped
	Limit    int
}

func (e *RedirectHopLimitError) Error() string {
	return fmt.Sprintf("redirect chain for tenant %s exceeds %d hops at key %s", e.TenantID, e.Limit, e.Key)
}
