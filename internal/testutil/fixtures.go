package testutil

import (
	"time"

	"calsync-go/internal/model"
)

// Event builds a minimal confirmed event for tests. Fields that tests care
// about are parameters; everything else gets a plausible default.
func Event(tenantID string, p model.Provider, providerEventID string, start time.Time) *model.CanonicalEvent {
	return &model.CanonicalEvent{
		TenantID:        tenantID,
		Provider:        p,
		ProviderEventID: providerEventID,
		ProviderVersion: "v1",
		Start:           start,
		End:             start.Add(time.Hour),
		LocalDay:        model.ComputeLocalDay(start, time.UTC),
		Title:           "test event " + providerEventID,
		Status:          model.StatusConfirmed,
		ItemType:        model.ItemEvent,
		IngestedAt:      start,
		LastModifiedAt:  start,
	}
}

// SyncState builds a minimal sync state with an active subscription.
func SyncState(tenantID string, p model.Provider) *model.SyncState {
	return &model.SyncState{
		TenantID:           tenantID,
		Provider:           p,
		DeltaCursor:        "cursor-1",
		SubscriptionID:     "chan-" + tenantID,
		SubscriptionExpiry: time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
		Secret:             "secret-current",
		Timezone:           "UTC",
	}
}
