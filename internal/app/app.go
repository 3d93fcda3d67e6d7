// Package app assembles the database, lock, notifier, store, reconciler and
// services from configuration. The server, the CLI and the healthcheck share it.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/localnerve/menusync/internal/config"
	"github.com/localnerve/menusync/internal/database"
	"github.com/localnerve/menusync/internal/lock"
	"github.com/localnerve/menusync/internal/logging"
	"github.com/localnerve/menusync/internal/metrics"
	"github.com/localnerve/menusync/internal/notify"
	"github.com/localnerve/menusync/internal/reconcile"
	"github.com/localnerve/menusync/internal/services"
	"github.com/localnerve/menusync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// App holds the wired components.
type App struct {
	Config     *config.Config
	Logger     *logrus.Logger
	DB         *gorm.DB
	Redis      *redis.Client
	Store      *store.GormStore
	Locker     lock.Locker
	Notifier   notify.Notifier
	Reconciler *reconcile.Reconciler
	Menus      *services.MenuService
	Branches   *services.BranchService

	closers []func() error
}

// New connects everything cfg describes. migrate runs the schema migration.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, migrate bool) (*App, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	a := &App{Config: cfg, Logger: logger}

	db, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, func() error { return database.Close(db) })

	if migrate {
		if err := database.AutoMigrate(db); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	if cfg.RedisAddress != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
		})
		a.closers = append(a.closers, a.Redis.Close)
		a.Locker = lock.NewRedisLocker(a.Redis, cfg.LockTTL(), cfg.LockWait())
	} else {
		a.Locker = lock.NewLocalLocker(cfg.LockWait())
	}

	a.Notifier = notify.Noop{}
	if cfg.PubSubTopic != "" {
		var creds []byte
		if cfg.PubSubCredentialsFile != "" {
			if creds, err = os.ReadFile(cfg.PubSubCredentialsFile); err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to read pubsub credentials: %w", err)
			}
		}
		pub, err := notify.NewPubSubPublisher(ctx, cfg.PubSubProjectID, cfg.PubSubTopic, string(creds))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Notifier = pub
		a.closers = append(a.closers, pub.Close)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		a.Close()
		return nil, err
	}

	pol, err := cfg.DefaultPolicy()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load default sync policy: %w", err)
	}
	for _, p := range pol.Validate() {
		logger.WithField("key", p.Key).Warn("default sync policy entry falls back to manual: " + p.String())
	}

	a.Store = store.NewGormStore(db, store.Options{
		SnapshotCadence: uint64(cfg.SnapshotCadence),
		CommitRetries:   cfg.CommitRetries,
	})
	a.Reconciler = reconcile.New(a.Store, a.Locker, a.Notifier, logger, reconcile.Options{
		DefaultPolicy:     pol,
		MaxReplayVersions: uint64(cfg.MaxReplayVersions),
		SweepParallelism:  cfg.SweepParallelism,
	})
	a.Menus = services.NewMenuService(a.Store, logger)
	a.Branches = services.NewBranchService(a.Store, a.Locker, logger)
	return a, nil
}

// Close releases connections in reverse order of creation
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.LogError(a.Logger, "app", "Close", "failed to close component", nil, err)
		}
	}
	a.closers = nil
}
