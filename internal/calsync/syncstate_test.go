package calsync_test

import (
	"errors"
	"testing"
	"time"

	"calsync-go/internal/calsync"
	"calsync-go/internal/model"
)

func TestVerifySecret(t *testing.T) {
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		state    model.SyncState
		supplied string
		at       time.Time
		wantErr  bool
	}{
		{
			name:     "current secret accepted",
			state:    model.SyncState{Secret: "current"},
			supplied: "current",
			at:       now,
		},
		{
			name:     "wrong secret rejected",
			state:    model.SyncState{Secret: "current"},
			supplied: "wrong",
			at:       now,
			wantErr:  true,
		},
		{
			name: "previous secret accepted before expiry",
			state: model.SyncState{
				Secret:               "current",
				PreviousSecret:       "old",
				PreviousSecretExpiry: now.Add(time.Minute),
			},
			supplied: "old",
			at:       now,
		},
		{
			name: "previous secret rejected at expiry instant",
			state: model.SyncState{
				Secret:               "current",
				PreviousSecret:       "old",
				PreviousSecretExpiry: now,
			},
			supplied: "old",
			at:       now,
			wantErr:  true,
		},
		{
			name: "previous secret rejected after expiry",
			state: model.SyncState{
				Secret:               "current",
				PreviousSecret:       "old",
				PreviousSecretExpiry: now.Add(-time.Minute),
			},
			supplied: "old",
			at:       now,
			wantErr:  true,
		},
		{
			name:     "empty previous secret never matches empty supplied",
			state:    model.SyncState{Secret: "current"},
			supplied: "",
			at:       now,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := calsync.VerifySecret(&tt.state, tt.supplied, tt.at)
			if tt.wantErr {
				if !errors.Is(err, calsync.ErrInvalidWebhookSecret) {
					t.Errorf("VerifySecret() error = %v, want ErrInvalidWebhookSecret", err)
				}
				return
			}
			if err != nil {
				t.Errorf("VerifySecret() unexpected error: %v", err)
			}
		})
	}
}

func TestRotateSecret(t *testing.T) {
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)
	overlap := 10 * time.Minute

	state := &model.SyncState{Secret: "first"}
	calsync.RotateSecret(state, "second", overlap, now)

	if state.Secret != "second" {
		t.Errorf("Secret = %q, want %q", state.Secret, "second")
	}
	if state.PreviousSecret != "first" {
		t.Errorf("PreviousSecret = %q, want %q", state.PreviousSecret, "first")
	}
	if !state.PreviousSecretExpiry.Equal(now.Add(overlap)) {
		t.Errorf("PreviousSecretExpiry = %v, want %v", state.PreviousSecretExpiry, now.Add(overlap))
	}

	// Both secrets authenticate during the overlap; only the new one after.
	if err := calsync.VerifySecret(state, "second", now.Add(time.Minute)); err != nil {
		t.Errorf("new secret rejected during overlap: %v", err)
	}
	if err := calsync.VerifySecret(state, "first", now.Add(time.Minute)); err != nil {
		t.Errorf("old secret rejected during overlap: %v", err)
	}
	if err := calsync.VerifySecret(state, "first", now.Add(overlap)); err == nil {
		t.Error("old secret still accepted at overlap expiry")
	}

	// A second rotation forgets the first secret entirely.
	calsync.RotateSecret(state, "third", overlap, now.Add(time.Minute))
	if err := calsync.VerifySecret(state, "first", now.Add(2*time.Minute)); err == nil {
		t.Error("twice-superseded secret still accepted")
	}
}
