package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calsync-go/internal/calsync"
	"calsync-go/internal/model"
	"calsync-go/internal/normalize"
)

// Baseline window for a full resync: far enough back to cover recent edits,
// far enough forward to cover planning horizons.
const (
	fullSyncPastDays   = 30
	fullSyncFutureDays = 90

	// Google caps web_hook channel lifetime; ask for a week and take what we
	// are given.
	googleChannelTTL = 7 * 24 * time.Hour
)

// GoogleFeed is the Google Calendar change feed, built on the calendar/v3
// client with incremental sync tokens and web_hook push channels.
type GoogleFeed struct {
	tokens          TokenProvider
	notificationURL string
	ids             calsync.IDGenerator
	clock           calsync.Clock

	// opts lets tests point the client at a stub server.
	opts []option.ClientOption
}

// NewGoogleFeed creates a Google change feed delivering push notifications to
// notificationURL.
func NewGoogleFeed(tokens TokenProvider, notificationURL string, ids calsync.IDGenerator, clock calsync.Clock, opts ...option.ClientOption) *GoogleFeed {
	return &GoogleFeed{
		tokens:          tokens,
		notificationURL: notificationURL,
		ids:             ids,
		clock:           clock,
		opts:            opts,
	}
}

func (g *GoogleFeed) service(ctx context.Context, tenantID string) (*calendar.Service, error) {
	ts, err := g.tokens.TokenSource(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, g.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return svc, nil
}

func googleCalendarID(state *model.SyncState) string {
	if state.CalendarID != "" {
		return state.CalendarID
	}
	return "primary"
}

func (g *GoogleFeed) Changes(ctx context.Context, state *model.SyncState, cursor string) (*calsync.ChangePage, error) {
	return g.list(ctx, state, cursor)
}

func (g *GoogleFeed) FullSync(ctx context.Context, state *model.SyncState) (*calsync.ChangePage, error) {
	return g.list(ctx, state, "")
}

// list walks the event collection to exhaustion, accumulating every page into
// one batch. An empty cursor requests a windowed baseline; Google hands back
// the next sync token only on the final page.
func (g *GoogleFeed) list(ctx context.Context, state *model.SyncState, cursor string) (*calsync.ChangePage, error) {
	svc, err := g.service(ctx, state.TenantID)
	if err != nil {
		return nil, err
	}

	page := &calsync.ChangePage{}
	pageToken := ""
	for {
		call := svc.Events.List(googleCalendarID(state)).SingleEvents(true).MaxResults(250)
		if cursor != "" {
			call = call.SyncToken(cursor)
		} else {
			now := g.clock.Now()
			call = call.
				TimeMin(now.AddDate(0, 0, -fullSyncPastDays).Format(time.RFC3339)).
				TimeMax(now.AddDate(0, 0, fullSyncFutureDays).Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Context(ctx).Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == http.StatusGone {
				return nil, calsync.ErrCursorExpired
			}
			return nil, fmt.Errorf("listing events: %w", err)
		}

		for _, item := range resp.Items {
			// Cancelled records in a delta are deletion stubs with no times.
			if item.Status == "cancelled" {
				page.DeletedIDs = append(page.DeletedIDs, item.Id)
				continue
			}
			page.Events = append(page.Events, normalize.GoogleEvent{Event: item})
		}

		if resp.NextPageToken == "" {
			page.NextCursor = resp.NextSyncToken
			return page, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (g *GoogleFeed) Subscribe(ctx context.Context, state *model.SyncState, channelID, secret string) (*calsync.Subscription, error) {
	svc, err := g.service(ctx, state.TenantID)
	if err != nil {
		return nil, err
	}

	ch := &calendar.Channel{
		Id:         channelID,
		Type:       "web_hook",
		Address:    g.notificationURL,
		Token:      secret,
		Expiration: g.clock.Now().Add(googleChannelTTL).UnixMilli(),
	}
	created, err := svc.Events.Watch(googleCalendarID(state), ch).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("opening watch channel: %w", err)
	}

	return &calsync.Subscription{
		ID:         created.Id,
		ResourceID: created.ResourceId,
		Expiry:     time.UnixMilli(created.Expiration),
	}, nil
}

// Renew replaces the channel: Google channels cannot be extended, so a fresh
// channel is opened under a new identifier and the old one stopped. The caller
// persists the returned identity, which retires the stale route row.
func (g *GoogleFeed) Renew(ctx context.Context, state *model.SyncState) (*calsync.Subscription, error) {
	sub, err := g.Subscribe(ctx, state, g.ids.New(), state.Secret)
	if err != nil {
		return nil, err
	}
	if err := g.Unsubscribe(ctx, state); err != nil {
		return sub, fmt.Errorf("stopping superseded channel: %w", err)
	}
	return sub, nil
}

func (g *GoogleFeed) Unsubscribe(ctx context.Context, state *model.SyncState) error {
	if state.SubscriptionID == "" {
		return nil
	}
	svc, err := g.service(ctx, state.TenantID)
	if err != nil {
		return err
	}

	err = svc.Channels.Stop(&calendar.Channel{
		Id:         state.SubscriptionID,
		ResourceId: state.ResourceID,
	}).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("stopping channel: %w", err)
	}
	return nil
}

var _ calsync.ChangeFeed = (*GoogleFeed)(nil)
