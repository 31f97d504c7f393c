package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"

	"calsync-go/internal/calsync"
	"calsync-go/internal/model"
	"calsync-go/internal/normalize"
)

const (
	msGraphBaseURL = "https://graph.microsoft.com/v1.0"

	// Graph caps calendar subscriptions at roughly three days.
	graphSubscriptionTTL = 3 * 24 * time.Hour
)

// GraphFeed is the Microsoft change feed, speaking Graph REST directly:
// /calendarView/delta for incremental sync and /subscriptions for push.
type GraphFeed struct {
	tokens          TokenProvider
	notificationURL string
	clock           calsync.Clock

	// baseURL is overridable so tests can point at a stub server.
	baseURL string
}

// NewGraphFeed creates a Microsoft Graph change feed delivering notifications
// to notificationURL.
func NewGraphFeed(tokens TokenProvider, notificationURL string, clock calsync.Clock) *GraphFeed {
	return &GraphFeed{
		tokens:          tokens,
		notificationURL: notificationURL,
		clock:           clock,
		baseURL:         msGraphBaseURL,
	}
}

func (g *GraphFeed) client(ctx context.Context, tenantID string) (*http.Client, error) {
	ts, err := g.tokens.TokenSource(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, ts), nil
}

// deltaResponse is one page of a calendarView delta walk. Exactly one of
// NextLink and DeltaLink is set: NextLink continues the current walk,
// DeltaLink closes it and becomes the cursor for the next one.
type deltaResponse struct {
	Value     []*normalize.GraphEvent `json:"value"`
	NextLink  string                  `json:"@odata.nextLink"`
	DeltaLink string                  `json:"@odata.deltaLink"`
}

func (g *GraphFeed) Changes(ctx context.Context, state *model.SyncState, cursor string) (*calsync.ChangePage, error) {
	return g.walkDelta(ctx, state, cursor)
}

func (g *GraphFeed) FullSync(ctx context.Context, state *model.SyncState) (*calsync.ChangePage, error) {
	now := g.clock.Now()
	params := url.Values{}
	params.Set("startDateTime", now.AddDate(0, 0, -fullSyncPastDays).Format(time.RFC3339))
	params.Set("endDateTime", now.AddDate(0, 0, fullSyncFutureDays).Format(time.RFC3339))

	endpoint := g.baseURL + "/me/calendarView/delta"
	if state.CalendarID != "" {
		endpoint = g.baseURL + "/me/calendars/" + state.CalendarID + "/calendarView/delta"
	}
	return g.walkDelta(ctx, state, endpoint+"?"+params.Encode())
}

// walkDelta follows a delta walk from the given link to its closing deltaLink,
// accumulating every page. The cursor is a full URL; Graph encodes all paging
// state inside it.
func (g *GraphFeed) walkDelta(ctx context.Context, state *model.SyncState, link string) (*calsync.ChangePage, error) {
	client, err := g.client(ctx, state.TenantID)
	if err != nil {
		return nil, err
	}

	page := &calsync.ChangePage{}
	for link != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
		if err != nil {
			return nil, fmt.Errorf("creating delta request: %w", err)
		}
		req.Header.Set("Prefer", `outlook.timezone="UTC"`)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching delta page: %w", err)
		}

		if resp.StatusCode == http.StatusGone {
			resp.Body.Close()
			return nil, calsync.ErrCursorExpired
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("delta request failed with status %d: %s", resp.StatusCode, body)
		}

		var delta deltaResponse
		err = json.NewDecoder(resp.Body).Decode(&delta)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding delta page: %w", err)
		}

		for _, ev := range delta.Value {
			if ev.Removed != nil {
				page.DeletedIDs = append(page.DeletedIDs, ev.ID)
				continue
			}
			page.Events = append(page.Events, normalize.MicrosoftEvent{Event: ev})
		}

		if delta.DeltaLink != "" {
			page.NextCursor = delta.DeltaLink
			return page, nil
		}
		link = delta.NextLink
	}
	return page, nil
}

// graphSubscription mirrors the Graph subscription resource for both create
// and renew round-trips.
type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState,omitempty"`
}

func (g *GraphFeed) eventsResource(state *model.SyncState) string {
	if state.CalendarID != "" {
		return "/me/calendars/" + state.CalendarID + "/events"
	}
	return "/me/events"
}

func (g *GraphFeed) Subscribe(ctx context.Context, state *model.SyncState, _, secret string) (*calsync.Subscription, error) {
	// Graph assigns the subscription ID itself; the caller-chosen channel ID
	// is unused and the secret rides in clientState.
	body := graphSubscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    g.notificationURL,
		Resource:           g.eventsResource(state),
		ExpirationDateTime: g.clock.Now().Add(graphSubscriptionTTL).Format(time.RFC3339),
		ClientState:        secret,
	}
	created, err := g.subscriptionCall(ctx, state.TenantID, http.MethodPost, g.baseURL+"/subscriptions", &body, http.StatusCreated)
	if err != nil {
		return nil, fmt.Errorf("creating subscription: %w", err)
	}
	return created, nil
}

func (g *GraphFeed) Renew(ctx context.Context, state *model.SyncState) (*calsync.Subscription, error) {
	// clientState rides along so a secret rotation takes effect on renewal.
	body := graphSubscription{
		ExpirationDateTime: g.clock.Now().Add(graphSubscriptionTTL).Format(time.RFC3339),
		ClientState:        state.Secret,
	}
	renewed, err := g.subscriptionCall(ctx, state.TenantID, http.MethodPatch,
		g.baseURL+"/subscriptions/"+state.SubscriptionID, &body, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("renewing subscription: %w", err)
	}
	return renewed, nil
}

func (g *GraphFeed) Unsubscribe(ctx context.Context, state *model.SyncState) error {
	if state.SubscriptionID == "" {
		return nil
	}
	client, err := g.client(ctx, state.TenantID)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.baseURL+"/subscriptions/"+state.SubscriptionID, nil)
	if err != nil {
		return fmt.Errorf("creating delete request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete subscription failed with status %d", resp.StatusCode)
	}
	return nil
}

func (g *GraphFeed) subscriptionCall(ctx context.Context, tenantID, method, endpoint string, body *graphSubscription, wantStatus int) (*calsync.Subscription, error) {
	client, err := g.client(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding subscription: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("subscription call failed with status %d: %s", resp.StatusCode, respBody)
	}

	var result graphSubscription
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding subscription: %w", err)
	}
	expiry, err := time.Parse(time.RFC3339, result.ExpirationDateTime)
	if err != nil {
		return nil, fmt.Errorf("parsing subscription expiry: %w", err)
	}

	return &calsync.Subscription{ID: result.ID, Expiry: expiry}, nil
}

var _ calsync.ChangeFeed = (*GraphFeed)(nil)
