package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"calsync-go/internal/calsync"
)

// staleCursorAge is how old a tenant's last successful sync may get before the
// sweep forces a full resync. Push channels can die silently; the sweep is the
// backstop that notices.
const staleCursorAge = 7 * 24 * time.Hour

// RenewalJob runs the background subscription maintenance: renew channels
// before they lapse (rotating their secrets in the process) and resync tenants
// whose cursor has gone stale.
type RenewalJob struct {
	sync        *calsync.SyncService
	logger      calsync.Logger
	clock       calsync.Clock
	renewBefore time.Duration
	cron        *cron.Cron
}

// NewRenewalJob schedules the maintenance sweep on the given cron spec.
func NewRenewalJob(sync *calsync.SyncService, logger calsync.Logger, clock calsync.Clock, spec string, renewBefore time.Duration) (*RenewalJob, error) {
	j := &RenewalJob{
		sync:        sync,
		logger:      logger,
		clock:       clock,
		renewBefore: renewBefore,
		cron:        cron.New(),
	}
	if _, err := j.cron.AddFunc(spec, j.Run); err != nil {
		return nil, err
	}
	return j, nil
}

// Start begins the schedule in its own goroutine.
func (j *RenewalJob) Start() { j.cron.Start() }

// Stop halts the schedule; a sweep already running finishes.
func (j *RenewalJob) Stop() { j.cron.Stop() }

// Run executes one maintenance sweep over every persisted sync state. Each
// tenant is handled independently; one failure never stops the sweep.
func (j *RenewalJob) Run() {
	ctx := context.Background()
	now := j.clock.Now()

	states, err := j.sync.ListStates(ctx)
	if err != nil {
		j.logger.Error("listing sync states for renewal sweep", "error", err)
		return
	}

	for _, state := range states {
		if state.SubscriptionID != "" && now.After(state.SubscriptionExpiry.Add(-j.renewBefore)) {
			if err := j.sync.RenewSubscription(ctx, state.TenantID, state.Provider); err != nil {
				j.logger.Error("renewing subscription",
					"tenant", state.TenantID, "provider", string(state.Provider), "error", err)
			}
			continue
		}

		if !state.LastSyncedAt.IsZero() && now.Sub(state.LastSyncedAt) > staleCursorAge {
			j.logger.Warn("cursor stale, forcing resync",
				"tenant", state.TenantID, "provider", string(state.Provider),
				"last_synced", state.LastSyncedAt.Format(time.RFC3339))
			if err := j.sync.Resync(ctx, state.TenantID, state.Provider); err != nil {
				j.logger.Error("forced resync",
					"tenant", state.TenantID, "provider", string(state.Provider), "error", err)
			}
		}
	}
}
