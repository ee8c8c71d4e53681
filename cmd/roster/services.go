package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/migadu/roster/config"
	"github.com/migadu/roster/logger"
	"github.com/migadu/roster/membership"
	"github.com/migadu/roster/notify"
	"github.com/migadu/roster/pkg/health"
	"github.com/migadu/roster/pkg/resilient"
	"github.com/migadu/roster/server/cleaner"
	"github.com/migadu/roster/token"
	"github.com/migadu/roster/workflow"
)

// outboxBacklogLimit marks the notify outbox degraded.
const outboxBacklogLimit = 1000

// serviceDependencies holds the long-lived services shared by the servers.
type serviceDependencies struct {
	resilientDB *resilient.ResilientDatabase
	notify      *notify.Service
	workflow    *workflow.Service
	sweeper     *cleaner.Sweeper
	health      *health.Monitor

	closeOnce sync.Once
}

// initializeServices connects the database and builds the workflow engine,
// the notification pipeline, the sweeper and the health monitor. Background
// workers are started on ctx.
func initializeServices(ctx context.Context, cfg config.Config) (*serviceDependencies, error) {
	lifetime, err := cfg.Subscription.GetPendingRequestLifetime()
	if err != nil {
		return nil, fmt.Errorf("subscription.pending_request_lifetime: %w", err)
	}
	role, err := cfg.Subscription.GetDefaultRole()
	if err != nil {
		return nil, fmt.Errorf("subscription.default_role: %w", err)
	}
	mode, err := cfg.Subscription.GetDefaultDeliveryMode()
	if err != nil {
		return nil, fmt.Errorf("subscription.default_delivery_mode: %w", err)
	}
	wake, err := cfg.Cleanup.GetWakeInterval()
	if err != nil {
		return nil, fmt.Errorf("cleanup.wake_interval: %w", err)
	}
	tombstones, err := cfg.Cleanup.GetTombstoneRetention()
	if err != nil {
		return nil, fmt.Errorf("cleanup.tombstone_retention: %w", err)
	}

	deps := &serviceDependencies{health: health.NewMonitor()}

	logger.Info("Connecting to database", "auto_migrate", cfg.Database.AutoMigrate)
	deps.resilientDB, err = resilient.NewResilientDatabase(ctx, &cfg.Database, cfg.Database.AutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	deps.resilientDB.StartPoolMetrics(ctx)
	deps.health.Register(health.PingCheck("database", deps.resilientDB.Ping))

	stores := deps.resilientDB.Stores()
	pending := resilient.NewPendingStore(deps.resilientDB, token.NewCodec(), lifetime)

	var notifier workflow.Notifier
	var outbox cleaner.OutboxPurger
	if cfg.Notify.OutboxPath != "" {
		deps.notify, err = notify.NewService(cfg.Notify)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to initialize notifications: %w", err)
		}
		deps.notify.Start(ctx)
		notifier = deps.notify.Dispatcher
		outbox = deps.notify.Outbox

		if deps.notify.Relay != nil {
			deps.health.Register(health.BreakerCheck("smtp_relay", deps.notify.Relay.CircuitBreaker()))
		}
		deps.health.Register(health.BacklogCheck("outbox", outboxBacklogLimit, func(ctx context.Context) (int, error) {
			st, err := deps.notify.Outbox.Stats(ctx)
			return st.Pending, err
		}))
	} else {
		logger.Warn("Notify: outbox_path is empty, notifications are disabled")
	}

	deps.workflow, err = workflow.NewService(workflow.Dependencies{
		Lists:       stores,
		Identity:    stores,
		Pending:     pending,
		Bans:        stores,
		Committer:   membership.NewCommitter(stores, mode),
		Notifier:    notifier,
		Logger:      logger.Component("workflow"),
		PublicURL:   cfg.HTTPAPI.PublicURL,
		DefaultRole: role,
	})
	if err != nil {
		deps.Close()
		return nil, err
	}

	sweepOpts := cleaner.Options{Interval: wake, TombstoneRetention: tombstones}
	if outbox != nil {
		if sweepOpts.OutboxRetention, err = cfg.Notify.GetRetention(); err != nil {
			deps.Close()
			return nil, fmt.Errorf("notify.retention: %w", err)
		}
	}
	deps.sweeper = cleaner.New(deps.resilientDB, pending, outbox, sweepOpts)
	deps.sweeper.Start(ctx)

	deps.health.Start(ctx)
	return deps, nil
}

// Close stops the workers and releases the database. It is safe to call
// more than once.
func (d *serviceDependencies) Close() {
	d.closeOnce.Do(func() {
		if d.health != nil {
			d.health.Stop()
		}
		if d.sweeper != nil {
			d.sweeper.Stop()
		}
		if d.notify != nil {
			if err := d.notify.Close(); err != nil {
				logger.Warn("Notify: error closing outbox", "error", err)
			}
		}
		if d.resilientDB != nil {
			d.resilientDB.Close()
		}
	})
}
