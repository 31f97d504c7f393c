package calsync

import (
	"context"
	"fmt"
	"time"

	"calsync-go/internal/model"
)

// DefaultRedirectHopLimit bounds redirect resolution. Correct operation never
// produces chains longer than one hop; two leaves headroom for a reader racing
// a second move.
const DefaultRedirectHopLimit = 2

// RedirectGracePeriod is how long a tombstone stays resolvable after a move,
// long enough to catch in-flight readers holding the old key.
const RedirectGracePeriod = time.Hour

// EventService is the redirect-resolving read/write layer over an EventStore.
// It owns the identity invariant: at most one event item per
// (tenant, provider, provider_event_id) at any time.
type EventService struct {
	store    EventStore
	logger   Logger
	clock    Clock
	hopLimit int
}

// NewEventService creates an EventService with the default hop limit.
func NewEventService(store EventStore, logger Logger, clock Clock) *EventService {
	return &EventService{
		store:    store,
		logger:   logger,
		clock:    clock,
		hopLimit: DefaultRedirectHopLimit,
	}
}

// GetEvent reads the item at sortKey, following redirect tombstones to the
// event's current key. A revisited key fails with RedirectLoopError and a
// chain longer than the hop limit with RedirectHopLimitError; both mean the
// identity invariant was violated upstream and are surfaced, never swallowed.
func (s *EventService) GetEvent(ctx context.Context, tenantID, sortKey string) (*model.CanonicalEvent, error) {
	visited := map[string]bool{}
	key := sortKey

	for hop := 0; ; hop++ {
		if visited[key] {
			return nil, &RedirectLoopError{TenantID: tenantID, Key: key}
		}
		visited[key] = true

		item, err := s.store.GetItem(ctx, tenantID, key)
		if err != nil {
			return nil, fmt.Errorf("reading item: %w", err)
		}
		if item == nil {
			return nil, nil
		}
		if item.ItemType == model.ItemEvent {
			return item, nil
		}

		if hop >= s.hopLimit {
			return nil, &RedirectHopLimitError{TenantID: tenantID, Key: key, Limit: s.hopLimit}
		}
		key = item.RedirectToKey
	}
}

// GetByProviderID resolves a provider event identity through the secondary
// index. Event items win over redirects. Multiple event items for one identity
// means historical corruption; the newest ingest wins and a warning is logged,
// because the move protocol guarantees no new duplicates and old ones decay
// via tombstone TTL.
func (s *EventService) GetByProviderID(ctx context.Context, tenantID string, p model.Provider, providerEventID string) (*model.CanonicalEvent, error) {
	items, err := s.store.QueryByProviderID(ctx, tenantID, p, providerEventID)
	if err != nil {
		return nil, fmt.Errorf("querying provider-id index: %w", err)
	}

	var best *model.CanonicalEvent
	events := 0
	for _, item := range items {
		if item.ItemType != model.ItemEvent {
			continue
		}
		events++
		if best == nil || item.IngestedAt.After(best.IngestedAt) {
			best = item
		}
	}

	if events > 1 {
		s.logger.Warn("duplicate event items for provider id",
			"tenant", tenantID, "provider", string(p), "provider_event_id", providerEventID,
			"count", events)
	}
	if best != nil {
		return best, nil
	}

	// Only redirects (or nothing). Follow the newest redirect so in-flight
	// readers still land on the moved event.
	var newest *model.CanonicalEvent
	for _, item := range items {
		if item.ItemType != model.ItemRedirect {
			continue
		}
		if newest == nil || item.IngestedAt.After(newest.IngestedAt) {
			newest = item
		}
	}
	if newest != nil {
		return s.GetEvent(ctx, tenantID, newest.RedirectToKey)
	}
	return nil, nil
}

// ListDay returns the tenant's events for one local calendar day, oldest
// start first. Redirect tombstones never appear in listings; the day index is
// a derived view and is not authoritative for identity.
func (s *EventService) ListDay(ctx context.Context, tenantID, localDay string) ([]*model.CanonicalEvent, error) {
	items, err := s.store.QueryByDay(ctx, tenantID, localDay)
	if err != nil {
		return nil, fmt.Errorf("querying day index: %w", err)
	}

	out := make([]*model.CanonicalEvent, 0, len(items))
	for _, item := range items {
		if item.ItemType == model.ItemEvent {
			out = append(out, item)
		}
	}
	return out, nil
}

// Upsert writes a normalized event, choosing the write path by whether the
// start time (and therefore the storage key) changed:
//
//   - no prior item: plain conditional insert
//   - same start: version-guarded overwrite in place
//   - changed start: atomic move leaving a redirect tombstone at the old key
//
// A losing race surfaces as ErrConcurrentModification; the caller re-reads
// and retries, there are no locks to wait on.
func (s *EventService) Upsert(ctx context.Context, event *model.CanonicalEvent) error {
	event.ItemType = model.ItemEvent

	existing, err := s.GetByProviderID(ctx, event.TenantID, event.Provider, event.ProviderEventID)
	if err != nil {
		return fmt.Errorf("resolving current item: %w", err)
	}

	if existing == nil {
		if err := s.store.PutEvent(ctx, event, ""); err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}
		s.logger.Debug("event inserted", "tenant", event.TenantID, "key", event.SortKey())
		return nil
	}

	if existing.Start.Equal(event.Start) {
		if err := s.store.PutEvent(ctx, event, existing.ProviderVersion); err != nil {
			return fmt.Errorf("overwriting event: %w", err)
		}
		s.logger.Debug("event overwritten", "tenant", event.TenantID, "key", event.SortKey())
		return nil
	}

	expiry := s.clock.Now().Add(RedirectGracePeriod)
	if err := s.store.MoveEvent(ctx, event, existing.SortKey(), existing.ProviderVersion, expiry); err != nil {
		return fmt.Errorf("moving event: %w", err)
	}
	s.logger.Info("event moved",
		"tenant", event.TenantID,
		"from", existing.SortKey(),
		"to", event.SortKey())
	return nil
}

// Delete removes the event carrying the given provider identity, if present.
// Used when the provider reports a cancellation or a delta-feed removal.
func (s *EventService) Delete(ctx context.Context, tenantID string, p model.Provider, providerEventID string) error {
	existing, err := s.GetByProviderID(ctx, tenantID, p, providerEventID)
	if err != nil {
		return fmt.Errorf("resolving current item: %w", err)
	}
	if existing == nil {
		return nil
	}
	if err := s.store.DeleteEvent(ctx, tenantID, existing.SortKey()); err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}
	s.logger.Info("event deleted", "tenant", tenantID, "key", existing.SortKey())
	return nil
}
