package calsync

import (
	"context"
	"time"

	"calsync-go/internal/model"
)

// EventStore provides the conditional-write and transactional primitives the
// redirect protocol is built on. Implementations must be safe for concurrent
// use; all consistency comes from these primitives, never from external locks.
type EventStore interface {
	// GetItem returns the item stored at (tenantID, sortKey), or nil if the
	// key is empty. Expired redirect tombstones count as absent.
	GetItem(ctx context.Context, tenantID, sortKey string) (*model.CanonicalEvent, error)

	// QueryByProviderID returns every live item carrying the given provider
	// identity, via the provider-id secondary index. Zero, one, or (under
	// corruption) multiple items may come back; callers resolve duplicates.
	QueryByProviderID(ctx context.Context, tenantID string, p model.Provider, providerEventID string) ([]*model.CanonicalEvent, error)

	// QueryByDay returns the items whose LocalDay matches, via the day index.
	// The result may include redirect tombstones; callers filter.
	QueryByDay(ctx context.Context, tenantID, localDay string) ([]*model.CanonicalEvent, error)

	// PutEvent writes the event at its derived sort key. The write succeeds
	// only if the key is empty or the stored ProviderVersion equals
	// expectedVersion; otherwise ErrConcurrentModification.
	PutEvent(ctx context.Context, event *model.CanonicalEvent, expectedVersion string) error

	// MoveEvent relocates an event whose start time changed, as one atomic
	// transaction: insert the event at its new key conditioned on that key
	// being empty, and rewrite oldSortKey from event to a redirect tombstone
	// (pointing at the new key, expiring at redirectExpiry) conditioned on it
	// still holding an event with expectedVersion. Either condition failing
	// aborts the whole transaction with ErrConcurrentModification.
	MoveEvent(ctx context.Context, event *model.CanonicalEvent, oldSortKey, expectedVersion string, redirectExpiry time.Time) error

	// DeleteEvent removes the item at (tenantID, sortKey). Deleting an empty
	// key is a no-op.
	DeleteEvent(ctx context.Context, tenantID, sortKey string) error

	// Close releases the underlying connection, if any.
	Close() error
}

// SyncStateStore persists per-tenant sync cursors and webhook identities, and
// the reverse routing rows that map a channel identifier back to its tenant.
type SyncStateStore interface {
	// GetSyncState returns the state for (tenantID, provider), or nil if the
	// tenant has no subscription for that provider.
	GetSyncState(ctx context.Context, tenantID string, p model.Provider) (*model.SyncState, error)

	// PutSyncState upserts the state row and, in the same transaction, its
	// reverse routing row keyed by state.SubscriptionID. If a prior state row
	// carried a different SubscriptionID, the stale routing row is removed in
	// that transaction too; a routing row never outlives or precedes its
	// owning state row.
	PutSyncState(ctx context.Context, state *model.SyncState) error

	// DeleteSyncState removes the state row and its routing row atomically.
	DeleteSyncState(ctx context.Context, tenantID string, p model.Provider) error

	// LookupRoute resolves a channel/subscription identifier to its owning
	// tenant in a single keyed read. Returns nil when unknown.
	LookupRoute(ctx context.Context, channelID string) (*model.RouteEntry, error)

	// UpdateCursor persists a new delta cursor for the tenant without
	// touching subscription identity or secrets.
	UpdateCursor(ctx context.Context, tenantID string, p model.Provider, cursor string, syncedAt time.Time) error

	// ListSyncStates returns every persisted state. Used by the renewal sweep;
	// not on any request path.
	ListSyncStates(ctx context.Context) ([]*model.SyncState, error)

	// Close releases the underlying connection, if any.
	Close() error
}
