// Package main is the entrypoint for the membership engine worker.
//
// The worker runs the periodic evaluation pipeline:
//   - Derive membership state from the attendance and subscription tables
//   - Decide which notifications are due (missed-class streaks, training
//     reminders, payment reminders)
//   - Dispatch them over Telegram, at most once per period
//   - Deactivate subscriptions whose end date has passed
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dojocrm/membership-engine/config"
	"github.com/dojocrm/membership-engine/internal/domain/membership"
	"github.com/dojocrm/membership-engine/internal/domain/notification"
	"github.com/dojocrm/membership-engine/internal/domain/shared"
	"github.com/dojocrm/membership-engine/internal/infrastructure/engine"
	"github.com/dojocrm/membership-engine/internal/infrastructure/external/telegram"
	"github.com/dojocrm/membership-engine/internal/infrastructure/messaging"
	"github.com/dojocrm/membership-engine/internal/infrastructure/persistence/postgres"
	"github.com/dojocrm/membership-engine/internal/infrastructure/persistence/redis"
	"github.com/dojocrm/membership-engine/internal/infrastructure/scheduler"
	"github.com/dojocrm/membership-engine/pkg/retry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting membership engine worker",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"tick_interval", cfg.Engine.TickInterval,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. DATABASE (PostgreSQL)
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to database...")
	dbConn, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		log.Info("closing database connection...")
		dbConn.Close()
	}()

	// The database may still be coming up alongside the worker; give it a few
	// attempts before declaring the start failed.
	if err := retry.DatabaseRetrier().Do(ctx, dbConn.Ping); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	log.Info("database connection established")

	// ─────────────────────────────────────────────────────────────────────────
	// 4. MIGRATIONS
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("checking database migrations...")
	migrator := postgres.NewMigrator(dbConn)
	if err := migrator.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("database schema is up to date")

	// ─────────────────────────────────────────────────────────────────────────
	// 5. DEDUP LEDGER (Postgres, with optional Redis read-through cache)
	// ─────────────────────────────────────────────────────────────────────────
	store := postgres.NewObservationStore(dbConn)

	var ledger notification.Ledger = postgres.NewLedgerRepository(dbConn)

	if !cfg.Redis.Disabled {
		log.Info("connecting to Redis...")
		redisCfg := redis.DefaultConfig()
		redisCfg.Host = cfg.Redis.Host
		redisCfg.Port = cfg.Redis.Port
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		redisCache, err := redis.NewCache(redisCfg)
		if err != nil {
			// The database carries the dedup guarantee on its own; the cache
			// only saves lookups.
			log.Warn("failed to connect to Redis, dedup cache disabled", "error", err)
		} else {
			defer func() {
				log.Info("closing Redis connection...")
				_ = redisCache.Close()
			}()
			ledger = redis.NewCachedLedger(ledger, redisCache, log)
			log.Info("Redis connection established")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. TELEGRAM CLIENT
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("initializing Telegram client...")
	tgConfig := telegram.DefaultClientConfig(cfg.Telegram.Token)
	tgConfig.BaseURL = cfg.Telegram.BaseURL
	tgConfig.Timeout = cfg.Telegram.RequestTimeout
	tgConfig.RetryAttempts = cfg.Telegram.RetryAttempts
	tgConfig.RetryDelay = cfg.Telegram.RetryDelay
	tgConfig.Logger = log
	tgConfig.Debug = cfg.App.Debug
	tgClient := telegram.NewClient(tgConfig)

	var me *telegram.User
	if err := retry.TelegramRetrier().Do(ctx, func(ctx context.Context) error {
		var err error
		me, err = tgClient.GetMe(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("telegram health check failed: %w", err)
	}
	log.Info("telegram bot connected", "username", me.Username, "bot_id", me.ID)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("initializing event bus...")
	busConfig := messaging.DefaultConfig()
	busConfig.Logger = log
	eventBus := messaging.NewInMemoryEventBus(busConfig)
	defer func() {
		log.Info("closing event bus...")
		_ = eventBus.Close()
	}()

	if err := subscribeAuditLog(eventBus, log); err != nil {
		return fmt.Errorf("failed to subscribe event handlers: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. PIPELINE ASSEMBLY
	// ─────────────────────────────────────────────────────────────────────────
	evaluator := membership.NewStateEvaluator(store, membership.EvaluatorConfig{
		AttendanceLookback: time.Duration(cfg.Engine.AttendanceLookbackDays) * 24 * time.Hour,
		ReminderWindow:     cfg.Engine.ReminderLead,
	})

	policy := notification.NewThresholdPolicy(notification.PolicyConfig{
		MissedClassThreshold: cfg.Engine.MissedClassThreshold,
		PaymentLeadDays:      cfg.Engine.PaymentLeadDays,
	})

	channel := engine.NewTelegramChannel(tgClient, log)
	dispatcher := engine.NewDispatcher(channel, store, log)

	eng, err := engine.New(evaluator, policy, ledger, dispatcher, eventBus,
		engine.Config{DispatchWorkers: cfg.Engine.DispatchWorkers}, log)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	sched, err := scheduler.New(
		func(ctx context.Context) error {
			_, err := eng.RunTick(ctx)
			return err
		},
		scheduler.Config{
			Interval:       cfg.Engine.TickInterval,
			BackoffInitial: cfg.Engine.BackoffInitial,
			BackoffMax:     cfg.Engine.BackoffMax,
			Logger:         log,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to build scheduler: %w", err)
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	log.Info("membership engine worker is running")

	// ─────────────────────────────────────────────────────────────────────────
	// 10. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig.String())
	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())

	// Stop waits for an in-flight tick; bound that wait so a hung dispatch
	// cannot block shutdown past the deadline.
	stopped := make(chan error, 1)
	go func() { stopped <- sched.Stop() }()

	select {
	case err := <-stopped:
		if err != nil {
			log.Warn("scheduler stop returned error", "error", err)
		}
	case <-time.After(cfg.App.ShutdownTimeout):
		log.Warn("shutdown timeout exceeded, aborting in-flight tick")
	}

	stats := eng.Stats()
	log.Info("shutdown completed",
		"total_ticks", stats.TotalTicks,
		"total_sent", stats.TotalSent,
		"total_failed", stats.TotalFail,
	)

	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger configures structured logging: JSON in production for log
// aggregators, text in development.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}

// subscribeAuditLog attaches the worker's event handlers: every dispatched
// notification and subscription expiry is logged as an audit trail.
func subscribeAuditLog(bus *messaging.InMemoryEventBus, log *slog.Logger) error {
	if err := bus.Subscribe(shared.EventNotificationDispatched, func(event shared.Event) error {
		log.Info("notification dispatched", "payload", event.Payload())
		return nil
	}); err != nil {
		return err
	}

	if err := bus.Subscribe(shared.EventSubscriptionExpired, func(event shared.Event) error {
		log.Info("subscription deactivated", "payload", event.Payload())
		return nil
	}); err != nil {
		return err
	}

	return bus.Subscribe(shared.EventNotificationFailed, func(event shared.Event) error {
		log.Warn("notification failed", "payload", event.Payload())
		return nil
	})
}
