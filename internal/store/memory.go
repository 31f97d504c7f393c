package store

import (
	"context"
	"sync"
	"time"

	"calsync-go/internal/calsync"
	"calsync-go/internal/model"
)

// MemoryEventStore is an in-memory implementation of the EventStore
// interface. It is the reference backend for tests and local development.
// Safe for concurrent use; conditional semantics match the real backends.
type MemoryEventStore struct {
	mu    sync.RWMutex
	items map[string]map[string]*model.CanonicalEvent // tenant -> sortKey -> item
	clock calsync.Clock
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore(clock calsync.Clock) *MemoryEventStore {
	return &MemoryEventStore{
		items: make(map[string]map[string]*model.CanonicalEvent),
		clock: clock,
	}
}

// expired reports whether a tombstone's TTL has lapsed. Event items never
// expire on read; their retention TTL is a storage-housekeeping concern.
func (m *MemoryEventStore) expired(item *model.CanonicalEvent) bool {
	return item.ItemType == model.ItemRedirect &&
		!item.ExpiresAt.IsZero() &&
		!m.clock.Now().Before(item.ExpiresAt)
}

func (m *MemoryEventStore) GetItem(_ context.Context, tenantID, sortKey string) (*model.CanonicalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[tenantID][sortKey]
	if !ok || m.expired(item) {
		return nil, nil
	}
	return cloneEvent(item), nil
}

func (m *MemoryEventStore) QueryByProviderID(_ context.Context, tenantID string, p model.Provider, providerEventID string) ([]*model.CanonicalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := model.ProviderIndexKey(p, providerEventID)
	var out []*model.CanonicalEvent
	for _, item := range m.items[tenantID] {
		if m.expired(item) {
			continue
		}
		if item.ProviderKey() == want {
			out = append(out, cloneEvent(item))
		}
	}
	return out, nil
}

func (m *MemoryEventStore) QueryByDay(_ context.Context, tenantID, localDay string) ([]*model.CanonicalEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.CanonicalEvent
	for _, item := range m.items[tenantID] {
		if m.expired(item) {
			continue
		}
		if item.LocalDay == localDay {
			out = append(out, cloneEvent(item))
		}
	}
	sortByStart(out)
	return out, nil
}

func (m *MemoryEventStore) PutEvent(_ context.Context, event *model.CanonicalEvent, expectedVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := event.SortKey()
	existing, ok := m.items[event.TenantID][key]
	if ok && !m.expired(existing) && existing.ProviderVersion != expectedVersion {
		return calsync.ErrConcurrentModification
	}

	if m.items[event.TenantID] == nil {
		m.items[event.TenantID] = make(map[string]*model.CanonicalEvent)
	}
	m.items[event.TenantID][key] = cloneEvent(event)
	return nil
}

func (m *MemoryEventStore) MoveEvent(_ context.Context, event *model.CanonicalEvent, oldSortKey, expectedVersion string, redirectExpiry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newKey := event.SortKey()
	tenant := m.items[event.TenantID]

	// Both conditions are checked before either write so the transaction
	// commits all-or-nothing, like TransactWriteItems.
	if item, ok := tenant[newKey]; ok && !m.expired(item) {
		return calsync.ErrConcurrentModification
	}
	old, ok := tenant[oldSortKey]
	if !ok || m.expired(old) || old.ItemType != model.ItemEvent || old.ProviderVersion != expectedVersion {
		return calsync.ErrConcurrentModification
	}

	tenant[newKey] = cloneEvent(event)
	tenant[oldSortKey] = redirectItem(old, newKey, redirectExpiry)
	return nil
}

// redirectItem builds the tombstone left at a moved event's old key. Start,
// LocalDay, and IngestedAt carry over from the superseded event so the
// tombstone keeps its key derivation and index placement.
func redirectItem(old *model.CanonicalEvent, newKey string, expiry time.Time) *model.CanonicalEvent {
	return &model.CanonicalEvent{
		TenantID:        old.TenantID,
		Provider:        old.Provider,
		ProviderEventID: old.ProviderEventID,
		Start:           old.Start,
		LocalDay:        old.LocalDay,
		ItemType:        model.ItemRedirect,
		RedirectToKey:   newKey,
		IngestedAt:      old.IngestedAt,
		ExpiresAt:       expiry,
	}
}

func (m *MemoryEventStore) DeleteEvent(_ context.Context, tenantID, sortKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items[tenantID], sortKey)
	return nil
}

func (m *MemoryEventStore) Close() error { return nil }

// cloneEvent deep-copies an item so callers never alias store-owned memory.
func cloneEvent(e *model.CanonicalEvent) *model.CanonicalEvent {
	out := *e
	if e.Attendees != nil {
		out.Attendees = append([]model.Attendee(nil), e.Attendees...)
	}
	if e.Conference != nil {
		c := *e.Conference
		out.Conference = &c
	}
	if e.Recurrence != nil {
		r := *e.Recurrence
		if e.Recurrence.OriginalStart != nil {
			t := *e.Recurrence.OriginalStart
			r.OriginalStart = &t
		}
		out.Recurrence = &r
	}
	return &out
}

func sortByStart(items []*model.CanonicalEvent) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].Start.Before(items[j-1].Start); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

// MemorySyncStateStore is the in-memory SyncStateStore. State and routing
// rows mutate under one lock, mirroring the transactional pairing the real
// backends get from their stores.
type MemorySyncStateStore struct {
	mu     sync.RWMutex
	states map[string]*model.SyncState // tenant#provider -> state
	routes map[string]*model.RouteEntry
}

// NewMemorySyncStateStore creates an empty in-memory sync-state store.
func NewMemorySyncStateStore() *MemorySyncStateStore {
	return &MemorySyncStateStore{
		states: make(map[string]*model.SyncState),
		routes: make(map[string]*model.RouteEntry),
	}
}

func stateKey(tenantID string, p model.Provider) string {
	return tenantID + "#" + string(p)
}

func (m *MemorySyncStateStore) GetSyncState(_ context.Context, tenantID string, p model.Provider) (*model.SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[stateKey(tenantID, p)]
	if !ok {
		return nil, nil
	}
	s := *state
	return &s, nil
}

func (m *MemorySyncStateStore) PutSyncState(_ context.Context, state *model.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stateKey(state.TenantID, state.Provider)
	if prev, ok := m.states[key]; ok && prev.SubscriptionID != state.SubscriptionID {
		delete(m.routes, prev.SubscriptionID)
	}

	s := *state
	m.states[key] = &s
	if state.SubscriptionID != "" {
		m.routes[state.SubscriptionID] = &model.RouteEntry{
			ChannelID: state.SubscriptionID,
			TenantID:  state.TenantID,
			Provider:  state.Provider,
		}
	}
	return nil
}

func (m *MemorySyncStateStore) DeleteSyncState(_ context.Context, tenantID string, p model.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stateKey(tenantID, p)
	if prev, ok := m.states[key]; ok {
		delete(m.routes, prev.SubscriptionID)
		delete(m.states, key)
	}
	return nil
}

func (m *MemorySyncStateStore) LookupRoute(_ context.Context, channelID string) (*model.RouteEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	route, ok := m.routes[channelID]
	if !ok {
		return nil, nil
	}
	r := *route
	return &r, nil
}

func (m *MemorySyncStateStore) UpdateCursor(_ context.Context, tenantID string, p model.Provider, cursor string, syncedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[stateKey(tenantID, p)]
	if !ok {
		return calsync.ErrNotFound
	}
	state.DeltaCursor = cursor
	state.LastSyncedAt = syncedAt
	return nil
}

func (m *MemorySyncStateStore) ListSyncStates(_ context.Context) ([]*model.SyncState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.SyncState, 0, len(m.states))
	for _, state := range m.states {
		s := *state
		out = append(out, &s)
	}
	return out, nil
}

func (m *MemorySyncStateStore) Close() error { return nil }

// Compile-time checks that the memory backends implement the interfaces.
var (
	_ calsync.EventStore     = (*MemoryEventStore)(nil)
	_ calsync.SyncStateStore = (*MemorySyncStateStore)(nil)
)
