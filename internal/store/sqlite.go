package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"calsync-go/internal/calsync"
	"calsync-go/internal/model"
	"calsync-go/internal/store/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements both EventStore and SyncStateStore on a single
// SQLite database. Items are stored as JSON payloads with the key and filter
// columns broken out; conditional-write semantics come from running the check
// and the write inside one transaction.
type SQLiteStore struct {
	db    *sql.DB
	clock calsync.Clock
}

// NewSQLiteStore opens (or creates) a SQLite store at path and applies any
// pending schema migrations. path can be ":memory:" for tests.
func NewSQLiteStore(path string, clock calsync.Clock) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Serialize writers up front instead of surfacing SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &SQLiteStore{db: db, clock: clock}, nil
}

// liveFilter excludes expired redirect tombstones from reads.
const liveFilter = "(item_type = 'event' OR expires_at IS NULL OR expires_at > ?)"

func (s *SQLiteStore) GetItem(ctx context.Context, tenantID, sortKey string) (*model.CanonicalEvent, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT payload FROM events WHERE tenant_id = ? AND sort_key = ? AND "+liveFilter,
		tenantID, sortKey, s.clock.Now())

	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading item: %w", err)
	}
	return decodeEvent(payload)
}

func (s *SQLiteStore) QueryByProviderID(ctx context.Context, tenantID string, p model.Provider, providerEventID string) ([]*model.CanonicalEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM events WHERE tenant_id = ? AND provider_key = ? AND "+liveFilter,
		tenantID, model.ProviderIndexKey(p, providerEventID), s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("querying provider-id index: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *SQLiteStore) QueryByDay(ctx context.Context, tenantID, localDay string) ([]*model.CanonicalEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM events WHERE tenant_id = ? AND local_day = ? AND "+liveFilter+" ORDER BY sort_key",
		tenantID, localDay, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("querying day index: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *SQLiteStore) PutEvent(ctx context.Context, event *model.CanonicalEvent, expectedVersion string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	key := event.SortKey()
	var storedVersion string
	err = tx.QueryRowContext(ctx,
		"SELECT provider_version FROM events WHERE tenant_id = ? AND sort_key = ? AND "+liveFilter,
		event.TenantID, key, s.clock.Now()).Scan(&storedVersion)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Key is empty: unconditional insert.
	case err != nil:
		return fmt.Errorf("checking stored version: %w", err)
	case storedVersion != expectedVersion:
		return calsync.ErrConcurrentModification
	}

	if err := upsertRow(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MoveEvent(ctx context.Context, event *model.CanonicalEvent, oldSortKey, expectedVersion string, redirectExpiry time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now()
	newKey := event.SortKey()

	// Condition 1: the new key must be empty.
	var one int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM events WHERE tenant_id = ? AND sort_key = ? AND "+liveFilter,
		event.TenantID, newKey, now).Scan(&one)
	if err == nil {
		return calsync.ErrConcurrentModification
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking new key: %w", err)
	}

	// Condition 2: the old key must still hold an event with the expected
	// version.
	var itemType, storedVersion string
	var payload []byte
	err = tx.QueryRowContext(ctx,
		"SELECT item_type, provider_version, payload FROM events WHERE tenant_id = ? AND sort_key = ? AND "+liveFilter,
		event.TenantID, oldSortKey, now).Scan(&itemType, &storedVersion, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return calsync.ErrConcurrentModification
	}
	if err != nil {
		return fmt.Errorf("checking old key: %w", err)
	}
	if itemType != string(model.ItemEvent) || storedVersion != expectedVersion {
		return calsync.ErrConcurrentModification
	}

	old, err := decodeEvent(payload)
	if err != nil {
		return err
	}

	if err := upsertRow(ctx, tx, event); err != nil {
		return err
	}

	if err := upsertRow(ctx, tx, redirectItem(old, newKey, redirectExpiry)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteEvent(ctx context.Context, tenantID, sortKey string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE tenant_id = ? AND sort_key = ?", tenantID, sortKey)
	if err != nil {
		return fmt.Errorf("deleting event: %w", err)
	}
	return nil
}

// upsertRow writes an item and its broken-out index columns.
func upsertRow(ctx context.Context, tx *sql.Tx, event *model.CanonicalEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	var expires any
	if !event.ExpiresAt.IsZero() {
		expires = event.ExpiresAt
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (tenant_id, sort_key, provider_key, provider_version, item_type, local_day, expires_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, sort_key) DO UPDATE SET
		   provider_key = excluded.provider_key,
		   provider_version = excluded.provider_version,
		   item_type = excluded.item_type,
		   local_day = excluded.local_day,
		   expires_at = excluded.expires_at,
		   payload = excluded.payload`,
		event.TenantID, event.SortKey(), event.ProviderKey(), event.ProviderVersion,
		string(event.ItemType), event.LocalDay, expires, payload)
	if err != nil {
		return fmt.Errorf("writing event row: %w", err)
	}
	return nil
}

func collectEvents(rows *sql.Rows) ([]*model.CanonicalEvent, error) {
	var out []*model.CanonicalEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		event, err := decodeEvent(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

func decodeEvent(payload []byte) (*model.CanonicalEvent, error) {
	var event model.CanonicalEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	return &event, nil
}

// SyncStateStore implementation. State and route rows change inside one
// transaction so a routing row never outlives or precedes its state row.

func (s *SQLiteStore) GetSyncState(ctx context.Context, tenantID string, p model.Provider) (*model.SyncState, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM sync_states WHERE tenant_id = ? AND provider = ?",
		tenantID, string(p)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync state: %w", err)
	}

	var state model.SyncState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("decoding sync state: %w", err)
	}
	return &state, nil
}

func (s *SQLiteStore) PutSyncState(ctx context.Context, state *model.SyncState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding sync state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var prevSubscription string
	err = tx.QueryRowContext(ctx,
		"SELECT subscription_id FROM sync_states WHERE tenant_id = ? AND provider = ?",
		state.TenantID, string(state.Provider)).Scan(&prevSubscription)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading previous subscription: %w", err)
	}
	if prevSubscription != "" && prevSubscription != state.SubscriptionID {
		if _, err := tx.ExecContext(ctx, "DELETE FROM routes WHERE channel_id = ?", prevSubscription); err != nil {
			return fmt.Errorf("removing stale route: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_states (tenant_id, provider, subscription_id, payload)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id, provider) DO UPDATE SET
		   subscription_id = excluded.subscription_id,
		   payload = excluded.payload`,
		state.TenantID, string(state.Provider), state.SubscriptionID, payload)
	if err != nil {
		return fmt.Errorf("writing sync state: %w", err)
	}

	if state.SubscriptionID != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO routes (channel_id, tenant_id, provider) VALUES (?, ?, ?)
			 ON CONFLICT (channel_id) DO UPDATE SET tenant_id = excluded.tenant_id, provider = excluded.provider`,
			state.SubscriptionID, state.TenantID, string(state.Provider))
		if err != nil {
			return fmt.Errorf("writing route: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSyncState(ctx context.Context, tenantID string, p model.Provider) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var subscription string
	err = tx.QueryRowContext(ctx,
		"SELECT subscription_id FROM sync_states WHERE tenant_id = ? AND provider = ?",
		tenantID, string(p)).Scan(&subscription)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading sync state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM routes WHERE channel_id = ?", subscription); err != nil {
		return fmt.Errorf("removing route: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM sync_states WHERE tenant_id = ? AND provider = ?", tenantID, string(p)); err != nil {
		return fmt.Errorf("removing sync state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LookupRoute(ctx context.Context, channelID string) (*model.RouteEntry, error) {
	var route model.RouteEntry
	var provider string
	err := s.db.QueryRowContext(ctx,
		"SELECT channel_id, tenant_id, provider FROM routes WHERE channel_id = ?",
		channelID).Scan(&route.ChannelID, &route.TenantID, &provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up route: %w", err)
	}
	route.Provider = model.Provider(provider)
	return &route, nil
}

func (s *SQLiteStore) UpdateCursor(ctx context.Context, tenantID string, p model.Provider, cursor string, syncedAt time.Time) error {
	state, err := s.GetSyncState(ctx, tenantID, p)
	if err != nil {
		return err
	}
	if state == nil {
		return calsync.ErrNotFound
	}
	state.DeltaCursor = cursor
	state.LastSyncedAt = syncedAt
	return s.PutSyncState(ctx, state)
}

func (s *SQLiteStore) ListSyncStates(ctx context.Context) ([]*model.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM sync_states ORDER BY tenant_id, provider")
	if err != nil {
		return nil, fmt.Errorf("listing sync states: %w", err)
	}
	defer rows.Close()

	var out []*model.SyncState
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning sync state: %w", err)
		}
		var state model.SyncState
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, fmt.Errorf("decoding sync state: %w", err)
		}
		out = append(out, &state)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time checks that SQLiteStore implements both store interfaces.
var (
	_ calsync.EventStore     = (*SQLiteStore)(nil)
	_ calsync.SyncStateStore = (*SQLiteStore)(nil)
)
