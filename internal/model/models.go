package model

import (
	"fmt"
	"time"
)

// Provider identifies which calendar backend an event came from.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// EventStatus is the normalized lifecycle status of an event.
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusCancelled EventStatus = "cancelled"
	StatusTentative EventStatus = "tentative"
)

// ItemType distinguishes authoritative events from redirect tombstones.
type ItemType string

const (
	ItemEvent    ItemType = "event"
	ItemRedirect ItemType = "redirect"
)

// Attendee is a single event participant.
type Attendee struct {
	Email    string
	Name     string
	Response string // accepted, declined, tentative, needsAction
	Optional bool
}

// Conference carries join information for an online meeting.
type Conference struct {
	JoinURL      string
	Phone        string
	ConferenceID string
}

// Recurrence describes an event's relationship to a recurring series.
// Detection is presence-based: a series ID or an original start implies a
// recurring instance regardless of whether a rule string is available.
type Recurrence struct {
	SeriesID      string
	InstanceID    string
	IsException   bool
	OriginalStart *time.Time // set when an instance was moved from its slot
	Rule          string     // RRULE text, canonicalized when parseable
}

// CanonicalEvent is the single normalized form all providers map into.
// One item exists per provider event instance; superseded storage keys hold
// redirect tombstones instead of content.
type CanonicalEvent struct {
	// Identity
	TenantID         string
	Provider         Provider
	ProviderEventID  string
	ProviderSeriesID string

	// Optimistic-concurrency guard. Opaque provider etag/changeKey, or the
	// provider's last-modified timestamp when no etag exists. Empty means the
	// provider supplied neither; writers must not invent one.
	ProviderVersion string

	// Temporal
	Start    time.Time
	End      time.Time
	IsAllDay bool

	// LocalDay is the calendar day of Start in the tenant's timezone,
	// formatted as 2006-01-02. Recomputed on every write; feeds the day
	// listing index only, never identity resolution.
	LocalDay string

	// Content
	Title       string
	Description string
	Location    string
	Status      EventStatus
	Attendees   []Attendee
	Organizer   Attendee
	Conference  *Conference
	Recurrence  *Recurrence

	// Lifecycle
	ItemType      ItemType
	RedirectToKey string // set only on redirect items

	// Housekeeping
	IngestedAt     time.Time
	LastModifiedAt time.Time
	ExpiresAt      time.Time // physical TTL; the store purges past this
}

// SortKey derives the primary-table sort key for the event. The start instant
// is embedded first so a tenant partition stays time-ordered; this is also why
// a start-time edit forces the item to a new key.
func (e *CanonicalEvent) SortKey() string {
	return EventSortKey(e.Start, e.Provider, e.ProviderEventID)
}

// ProviderKey derives the secondary-index key used for provider-id lookup.
func (e *CanonicalEvent) ProviderKey() string {
	return ProviderIndexKey(e.Provider, e.ProviderEventID)
}

// EventSortKey builds the sort key for an event stored at the given start.
func EventSortKey(start time.Time, p Provider, providerEventID string) string {
	return fmt.Sprintf("evt#%s#%s#%s", start.UTC().Format(time.RFC3339), p, providerEventID)
}

// ProviderIndexKey builds the provider-id index key.
func ProviderIndexKey(p Provider, providerEventID string) string {
	return fmt.Sprintf("%s#%s", p, providerEventID)
}

// ComputeLocalDay formats the calendar day of start in the given location.
func ComputeLocalDay(start time.Time, loc *time.Location) string {
	return start.In(loc).Format("2006-01-02")
}

// SyncState holds a tenant's incremental-sync position and webhook identity
// for one provider.
type SyncState struct {
	TenantID string
	Provider Provider

	// Delta cursor: opaque provider token for changes-only resync. For Google
	// this is a syncToken; for Microsoft a deltaLink URL.
	DeltaCursor string

	// Push subscription identity. ResourceID is Google-specific: stopping a
	// channel requires both identifiers.
	SubscriptionID     string
	ResourceID         string
	SubscriptionExpiry time.Time

	// Webhook verification secret (channel token / clientState). During
	// rotation the previous secret stays valid until its expiry so in-flight
	// notifications signed with it still authenticate.
	Secret               string
	PreviousSecret       string
	PreviousSecretExpiry time.Time

	// Tenant context needed to run a sync: which calendar to read and which
	// zone day listings are computed in.
	CalendarID string
	Timezone   string

	LastSyncedAt time.Time
}

// RouteEntry is the reverse index row mapping a provider channel/subscription
// identifier back to its owning tenant. Its key carries no tenant prefix so an
// unauthenticated inbound notification resolves in one lookup.
type RouteEntry struct {
	ChannelID string
	TenantID  string
	Provider  Provider
}
