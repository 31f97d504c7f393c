package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"calsync-go/internal/calsync"
	"calsync-go/internal/config"
	"calsync-go/internal/model"
	"calsync-go/internal/provider"
	"calsync-go/internal/store"
	"calsync-go/internal/webhook"
)

// App is the application layer between the CLI and the sync services. It
// constructs all dependencies from config and manages their lifecycle on
// Close.
type App struct {
	cfg     *config.Config
	eventDB calsync.EventStore
	stateDB calsync.SyncStateStore
	events  *calsync.EventService
	sync    *calsync.SyncService
	server  *webhook.Server
	renewal *RenewalJob
	logFile *os.File
}

// NewApp creates a fully wired App from the given config. operation identifies
// the CLI command being run (e.g. "Serve", "Subscribe"). The caller must call
// Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string) (*App, error) {
	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger.With("operation", operation)}

	clock := calsync.RealClock{}
	ids := calsync.UUIDGenerator{}

	eventDB, stateDB, err := store.NewStoresFromConfig(ctx, cfg.Store, clock)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating stores: %w", err)
	}

	events := calsync.NewEventService(eventDB, logger, clock)

	feeds, err := buildFeeds(ctx, cfg, ids, clock)
	if err != nil {
		eventDB.Close()
		logFile.Close()
		return nil, err
	}

	overlap := time.Duration(cfg.Webhook.SecretOverlapMinutes) * time.Minute
	sync := calsync.NewSyncService(events, stateDB, feeds, logger, clock, ids, overlap)
	server := webhook.NewServer(sync, logger)

	renewBefore := time.Duration(cfg.Renewal.RenewBeforeHours) * time.Hour
	renewal, err := NewRenewalJob(sync, logger, clock, cfg.Renewal.CronSpec, renewBefore)
	if err != nil {
		eventDB.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating renewal job: %w", err)
	}

	return &App{
		cfg:     cfg,
		eventDB: eventDB,
		stateDB: stateDB,
		events:  events,
		sync:    sync,
		server:  server,
		renewal: renewal,
		logFile: logFile,
	}, nil
}

// buildFeeds wires a change feed per configured provider. A provider with no
// credentials simply is not registered; subscribing to it fails cleanly.
func buildFeeds(ctx context.Context, cfg *config.Config, ids calsync.IDGenerator, clock calsync.Clock) (map[model.Provider]calsync.ChangeFeed, error) {
	feeds := make(map[model.Provider]calsync.ChangeFeed)

	if cfg.Google.CredentialsPath != "" {
		data, err := os.ReadFile(cfg.Google.CredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("reading google credentials: %w", err)
		}
		oauthCfg, err := google.ConfigFromJSON(data, calendar.CalendarEventsReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("parsing google credentials: %w", err)
		}
		tokens := &provider.FileTokenProvider{Config: oauthCfg, Dir: cfg.Google.TokenDir}
		feeds[model.ProviderGoogle] = provider.NewGoogleFeed(
			tokens, cfg.Webhook.PublicBaseURL+"/webhooks/google", ids, clock)
	}

	if cfg.Microsoft.ClientID != "" {
		tokens := provider.NewMicrosoftTokenProvider(ctx, cfg.Microsoft)
		feeds[model.ProviderMicrosoft] = provider.NewGraphFeed(
			tokens, cfg.Webhook.PublicBaseURL+"/webhooks/microsoft", clock)
	}

	return feeds, nil
}

// Serve starts the renewal schedule and blocks serving webhooks until the
// listener fails.
func (a *App) Serve() error {
	a.renewal.Start()
	defer a.renewal.Stop()
	return a.server.Run(a.cfg.Webhook.ListenAddr)
}

// Subscribe provisions a tenant/provider pairing and runs its initial sync.
func (a *App) Subscribe(ctx context.Context, tenantID string, p model.Provider, calendarID, timezone string) error {
	return a.sync.Subscribe(ctx, tenantID, p, calendarID, timezone)
}

// Unsubscribe tears down a tenant/provider pairing.
func (a *App) Unsubscribe(ctx context.Context, tenantID string, p model.Provider) error {
	return a.sync.Unsubscribe(ctx, tenantID, p)
}

// Resync forces a full baseline rebuild for a tenant/provider pairing.
func (a *App) Resync(ctx context.Context, tenantID string, p model.Provider) error {
	return a.sync.Resync(ctx, tenantID, p)
}

// ListStates returns every persisted sync state.
func (a *App) ListStates(ctx context.Context) ([]*model.SyncState, error) {
	return a.sync.ListStates(ctx)
}

// ListDay returns a tenant's events for one local calendar day (2006-01-02).
func (a *App) ListDay(ctx context.Context, tenantID, localDay string) ([]*model.CanonicalEvent, error) {
	return a.events.ListDay(ctx, tenantID, localDay)
}

// Close releases all resources.
func (a *App) Close() error {
	var firstErr error
	if err := a.eventDB.Close(); err != nil {
		firstErr = fmt.Errorf("closing event store: %w", err)
	}
	// The sqlite and dynamodb backends serve both interfaces from one handle;
	// only close the state store when it is a distinct object.
	if any(a.stateDB) != any(a.eventDB) {
		if err := a.stateDB.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing state store: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
