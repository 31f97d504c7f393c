package calsync

import (
	"context"
	"time"

	"calsync-go/internal/model"
)

// RawEvent is one provider's raw payload plus the mapping into canonical form.
// Implementations live in internal/normalize; they are pure, no I/O.
type RawEvent interface {
	// Provider identifies the payload's source.
	Provider() model.Provider

	// Normalize maps the payload into a CanonicalEvent. loc is the tenant's
	// timezone, used only for the derived LocalDay. Fails with a
	// NormalizationError when a required field is absent or unparseable; the
	// error is fatal for this one event, never the batch.
	Normalize(tenantID string, loc *time.Location, ingestedAt time.Time) (*model.CanonicalEvent, error)
}

// ChangePage is one batch of provider changes. Deleted events arrive as bare
// identifiers because providers strip content from removal records.
type ChangePage struct {
	Events     []RawEvent
	DeletedIDs []string

	// NextCursor resumes after this page: a Google syncToken or a Microsoft
	// deltaLink. Empty only when the provider returned none.
	NextCursor string
}

// Subscription describes an active push channel.
type Subscription struct {
	ID         string
	ResourceID string // Google-specific; empty for Microsoft
	Expiry     time.Time
}

// ChangeFeed is the per-provider sync client. Implementations live in
// internal/provider.
type ChangeFeed interface {
	// Changes returns the changes since cursor. A stale or expired cursor
	// yields ErrCursorExpired; the caller falls back to FullSync.
	Changes(ctx context.Context, state *model.SyncState, cursor string) (*ChangePage, error)

	// FullSync rebuilds a baseline and returns a fresh cursor with it.
	FullSync(ctx context.Context, state *model.SyncState) (*ChangePage, error)

	// Subscribe opens a push channel delivering to the configured callback.
	// The secret is echoed back by the provider on each notification.
	Subscribe(ctx context.Context, state *model.SyncState, channelID, secret string) (*Subscription, error)

	// Renew extends the current subscription's expiry.
	Renew(ctx context.Context, state *model.SyncState) (*Subscription, error)

	// Unsubscribe tears down the current subscription. Already-gone
	// subscriptions are not an error.
	Unsubscribe(ctx context.Context, state *model.SyncState) error
}
