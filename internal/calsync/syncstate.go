package calsync

import (
	"crypto/subtle"
	"time"

	"calsync-go/internal/model"
)

// VerifySecret checks a caller-supplied webhook verification value against the
// tenant's stored secret. The current secret is always accepted; the previous
// secret is accepted only strictly before its stated expiry, so notifications
// already in flight when a rotation happened still authenticate. Comparisons
// are constant-time.
func VerifySecret(state *model.SyncState, supplied string, now time.Time) error {
	if constantTimeEqual(state.Secret, supplied) {
		return nil
	}
	if state.PreviousSecret != "" && now.Before(state.PreviousSecretExpiry) {
		if constantTimeEqual(state.PreviousSecret, supplied) {
			return nil
		}
	}
	return ErrInvalidWebhookSecret
}

// constantTimeEqual compares two strings without leaking the position of the
// first mismatch. Length is checked after the comparison of equal-length
// buffers would have run, via subtle's contract on equal-length slices.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Burn a comparison anyway so length mismatches don't short-circuit
		// measurably faster than content mismatches.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RotateSecret installs newSecret on the state, demoting the current secret to
// the previous slot with an acceptance window ending at now+overlap. The
// mutation is in-memory; callers persist via SyncStateStore.PutSyncState.
func RotateSecret(state *model.SyncState, newSecret string, overlap time.Duration, now time.Time) {
	state.PreviousSecret = state.Secret
	state.PreviousSecretExpiry = now.Add(overlap)
	state.Secret = newSecret
}
