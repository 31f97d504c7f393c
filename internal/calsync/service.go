package calsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync-go/internal/model"
)

// DefaultSecretOverlap is how long a superseded webhook secret stays valid
// after rotation when no overlap is configured.
const DefaultSecretOverlap = 10 * time.Minute

// SyncService drives the notification-to-storage pipeline: resolve the channel
// to a tenant, authenticate, pull the provider delta, normalize and apply it,
// then advance the cursor. It also owns the subscription lifecycle.
type SyncService struct {
	events  *EventService
	states  SyncStateStore
	feeds   map[model.Provider]ChangeFeed
	logger  Logger
	clock   Clock
	ids     IDGenerator
	overlap time.Duration
}

// NewSyncService creates a SyncService. overlap is the secret-rotation
// acceptance window; zero selects DefaultSecretOverlap.
func NewSyncService(events *EventService, states SyncStateStore, feeds map[model.Provider]ChangeFeed, logger Logger, clock Clock, ids IDGenerator, overlap time.Duration) *SyncService {
	if overlap <= 0 {
		overlap = DefaultSecretOverlap
	}
	return &SyncService{
		events:  events,
		states:  states,
		feeds:   feeds,
		logger:  logger,
		clock:   clock,
		ids:     ids,
		overlap: overlap,
	}
}

func (s *SyncService) feed(p model.Provider) (ChangeFeed, error) {
	feed, ok := s.feeds[p]
	if !ok {
		return nil, fmt.Errorf("no change feed registered for provider %s", p)
	}
	return feed, nil
}

// HandleNotification processes one inbound push notification: the channel
// identifier is resolved through the route index, the supplied secret checked
// against the tenant's stored secrets, and a sync run. Unknown channels and
// bad secrets both come back as errors the webhook layer maps to 401; the two
// cases are deliberately not distinguishable to the caller on the wire.
func (s *SyncService) HandleNotification(ctx context.Context, channelID, suppliedSecret string) error {
	route, err := s.states.LookupRoute(ctx, channelID)
	if err != nil {
		return fmt.Errorf("resolving channel: %w", err)
	}
	if route == nil {
		return ErrUnknownWebhookIdentity
	}

	state, err := s.states.GetSyncState(ctx, route.TenantID, route.Provider)
	if err != nil {
		return fmt.Errorf("loading sync state: %w", err)
	}
	if state == nil {
		// Route row outlived its state; treat as unknown rather than leak
		// that the channel once existed.
		return ErrUnknownWebhookIdentity
	}

	if err := VerifySecret(state, suppliedSecret, s.clock.Now()); err != nil {
		return err
	}
	return s.Sync(ctx, state)
}

// Sync pulls and applies the tenant's pending changes. An expired delta cursor
// falls back to a full baseline rebuild, which is routine maintenance, not an
// error. The cursor is advanced only after the batch's writes were attempted.
func (s *SyncService) Sync(ctx context.Context, state *model.SyncState) error {
	feed, err := s.feed(state.Provider)
	if err != nil {
		return err
	}

	var page *ChangePage
	if state.DeltaCursor == "" {
		page, err = feed.FullSync(ctx, state)
	} else {
		page, err = feed.Changes(ctx, state, state.DeltaCursor)
		if errors.Is(err, ErrCursorExpired) {
			s.logger.Info("delta cursor expired, rebuilding baseline",
				"tenant", state.TenantID, "provider", string(state.Provider))
			page, err = feed.FullSync(ctx, state)
		}
	}
	if err != nil {
		return fmt.Errorf("fetching changes: %w", err)
	}

	s.applyPage(ctx, state, page)

	if page.NextCursor != "" {
		if err := s.states.UpdateCursor(ctx, state.TenantID, state.Provider, page.NextCursor, s.clock.Now()); err != nil {
			return fmt.Errorf("advancing cursor: %w", err)
		}
	}
	return nil
}

// applyPage normalizes and writes one batch. Failures are isolated per event:
// a payload that won't normalize or a write that keeps losing races is logged
// and skipped so the rest of the batch still lands.
func (s *SyncService) applyPage(ctx context.Context, state *model.SyncState, page *ChangePage) {
	loc := time.UTC
	if state.Timezone != "" {
		l, err := time.LoadLocation(state.Timezone)
		if err != nil {
			s.logger.Warn("unknown tenant timezone, using UTC",
				"tenant", state.TenantID, "timezone", state.Timezone)
		} else {
			loc = l
		}
	}

	for _, raw := range page.Events {
		event, err := raw.Normalize(state.TenantID, loc, s.clock.Now())
		if err != nil {
			s.logger.Warn("skipping event that failed normalization",
				"tenant", state.TenantID, "provider", string(raw.Provider()), "error", err)
			continue
		}

		if event.Status == model.StatusCancelled {
			if err := s.events.Delete(ctx, event.TenantID, event.Provider, event.ProviderEventID); err != nil {
				s.logger.Error("deleting cancelled event",
					"tenant", state.TenantID, "provider_event_id", event.ProviderEventID, "error", err)
			}
			continue
		}

		err = s.events.Upsert(ctx, event)
		if errors.Is(err, ErrConcurrentModification) {
			// Upsert re-reads the current item on entry, so calling it again
			// is the re-read-and-retry.
			err = s.events.Upsert(ctx, event)
		}
		if err != nil {
			s.logger.Error("upserting event",
				"tenant", state.TenantID, "provider_event_id", event.ProviderEventID, "error", err)
		}
	}

	for _, id := range page.DeletedIDs {
		if err := s.events.Delete(ctx, state.TenantID, state.Provider, id); err != nil {
			s.logger.Error("deleting removed event",
				"tenant", state.TenantID, "provider_event_id", id, "error", err)
		}
	}
}

// Subscribe provisions a tenant/provider pairing: opens a push channel with a
// fresh secret, persists the sync state together with its route row, then runs
// the initial baseline sync.
func (s *SyncService) Subscribe(ctx context.Context, tenantID string, p model.Provider, calendarID, timezone string) error {
	feed, err := s.feed(p)
	if err != nil {
		return err
	}

	state := &model.SyncState{
		TenantID:   tenantID,
		Provider:   p,
		CalendarID: calendarID,
		Timezone:   timezone,
		Secret:     s.ids.New(),
	}

	sub, err := feed.Subscribe(ctx, state, s.ids.New(), state.Secret)
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}
	state.SubscriptionID = sub.ID
	state.ResourceID = sub.ResourceID
	state.SubscriptionExpiry = sub.Expiry

	if err := s.states.PutSyncState(ctx, state); err != nil {
		return fmt.Errorf("persisting sync state: %w", err)
	}
	s.logger.Info("subscription created",
		"tenant", tenantID, "provider", string(p), "subscription_id", sub.ID)

	return s.Sync(ctx, state)
}

// Unsubscribe tears down the push channel and removes the tenant's sync state
// and route row.
func (s *SyncService) Unsubscribe(ctx context.Context, tenantID string, p model.Provider) error {
	state, err := s.states.GetSyncState(ctx, tenantID, p)
	if err != nil {
		return fmt.Errorf("loading sync state: %w", err)
	}
	if state == nil {
		return nil
	}

	feed, err := s.feed(p)
	if err != nil {
		return err
	}
	if err := feed.Unsubscribe(ctx, state); err != nil {
		return fmt.Errorf("unsubscribing: %w", err)
	}
	if err := s.states.DeleteSyncState(ctx, tenantID, p); err != nil {
		return fmt.Errorf("deleting sync state: %w", err)
	}
	s.logger.Info("subscription removed", "tenant", tenantID, "provider", string(p))
	return nil
}

// RenewSubscription extends the tenant's push channel and rotates its secret.
// The old secret stays accepted for the overlap window so notifications signed
// with it that are already in flight still authenticate. Persisting the
// renewed identity retires any stale route row atomically.
func (s *SyncService) RenewSubscription(ctx context.Context, tenantID string, p model.Provider) error {
	state, err := s.states.GetSyncState(ctx, tenantID, p)
	if err != nil {
		return fmt.Errorf("loading sync state: %w", err)
	}
	if state == nil {
		return ErrNotFound
	}

	feed, err := s.feed(p)
	if err != nil {
		return err
	}

	RotateSecret(state, s.ids.New(), s.overlap, s.clock.Now())

	sub, err := feed.Renew(ctx, state)
	if err != nil {
		return fmt.Errorf("renewing subscription: %w", err)
	}
	state.SubscriptionID = sub.ID
	if sub.ResourceID != "" {
		state.ResourceID = sub.ResourceID
	}
	state.SubscriptionExpiry = sub.Expiry

	if err := s.states.PutSyncState(ctx, state); err != nil {
		return fmt.Errorf("persisting renewed state: %w", err)
	}
	s.logger.Info("subscription renewed",
		"tenant", tenantID, "provider", string(p),
		"subscription_id", sub.ID, "expiry", sub.Expiry.Format(time.RFC3339))
	return nil
}

// Resync discards the tenant's delta cursor and rebuilds the baseline.
func (s *SyncService) Resync(ctx context.Context, tenantID string, p model.Provider) error {
	state, err := s.states.GetSyncState(ctx, tenantID, p)
	if err != nil {
		return fmt.Errorf("loading sync state: %w", err)
	}
	if state == nil {
		return ErrNotFound
	}
	state.DeltaCursor = ""
	return s.Sync(ctx, state)
}

// ListStates returns every persisted sync state, for the renewal sweep and
// operator listings.
func (s *SyncService) ListStates(ctx context.Context) ([]*model.SyncState, error) {
	return s.states.ListSyncStates(ctx)
}
