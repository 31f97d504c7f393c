package store

import (
	"context"
	"fmt"

	"calsync-go/internal/calsync"
	"calsync-go/internal/config"
)

// NewStoresFromConfig creates the event and sync-state stores based on the
// store config type. The sqlite and dynamodb backends serve both interfaces
// from one handle so paired writes share a connection.
func NewStoresFromConfig(ctx context.Context, cfg config.StoreConfig, clock calsync.Clock) (calsync.EventStore, calsync.SyncStateStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryEventStore(clock), NewMemorySyncStateStore(), nil
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, nil, fmt.Errorf("sqlite store requires sqlite_path to be set")
		}
		s, err := NewSQLiteStore(cfg.SQLitePath, clock)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "dynamodb":
		if cfg.DynamoEventsTable == "" || cfg.DynamoSyncTable == "" {
			return nil, nil, fmt.Errorf("dynamodb store requires dynamo_events_table and dynamo_sync_table to be set")
		}
		d, err := NewDynamoStore(ctx, cfg.DynamoRegion, cfg.DynamoEventsTable, cfg.DynamoSyncTable, clock)
		if err != nil {
			return nil, nil, err
		}
		return d, d, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}
