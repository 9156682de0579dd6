// Package app wires configuration into the services shared by the API
// server and paymentctl.
package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/lock"
	"payment-orchestration-backend/internal/notify"
	"payment-orchestration-backend/internal/providers"
	"payment-orchestration-backend/internal/repository"
	"payment-orchestration-backend/internal/services/analytics"
	"payment-orchestration-backend/internal/services/payments"
	"payment-orchestration-backend/internal/services/reconciliation"
)

type App struct {
	Config *config.Config
	Log    *logrus.Logger
	DB     *gorm.DB

	Ledger   *repository.TransactionRepository
	Reports  *repository.ReconciliationRepository
	Registry *providers.Registry

	Payments   *payments.Service
	Reconciler *reconciliation.ReconciliationService
	Runner     *reconciliation.Runner
	Analytics  *analytics.Service

	rdb    *redis.Client
	pubsub *notify.PubSub
}

// New connects to the database, redis and pubsub and builds every service.
// Redis and pubsub are optional; without them locks are in-process and
// events are only logged.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	db, err := config.InitDB(cfg.Database, log, 5)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a := &App{Config: cfg, Log: log, DB: db}

	var locker lock.Locker = lock.NewLocal()
	if a.rdb, err = config.ConnectRedis(ctx, cfg.Redis, log); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if a.rdb != nil {
		locker = lock.NewRedis(a.rdb, cfg.Redis.LockTTL, log)
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: log}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.Topic != "" {
		if a.pubsub, err = notify.NewPubSub(ctx, cfg.PubSub, log); err != nil {
			a.Close()
			return nil, err
		}
		notifier = a.pubsub
	}

	a.Registry, err = providers.BuildRegistry(cfg.Providers,
		providers.WithHTTPClient(&http.Client{Timeout: cfg.Payments.ProviderTimeout}),
		providers.WithLogger(log),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	log.WithField("providers", a.Registry.IDs()).Info("provider adapters ready")

	a.Ledger = repository.NewTransactionRepository(db, log)
	a.Reports = repository.NewReconciliationRepository(db)
	a.Payments = payments.NewService(payments.Deps{
		Ledger:    a.Ledger,
		Directory: repository.NewDirectoryRepository(db),
		Webhooks:  repository.NewWebhookRepository(db),
		Registry:  a.Registry,
		Locker:    locker,
		Notifier:  notifier,
		Config:    cfg.Payments,
		Logger:    log,
	})
	a.Reconciler = reconciliation.NewReconciliationService(a.Ledger, a.Reports, a.Registry, locker, cfg.Reconciliation, log)
	a.Runner = reconciliation.NewRunner(a.Reconciler, a.Reports, cfg.Reconciliation, log)
	a.Analytics = analytics.NewService(a.Ledger, log)
	return a, nil
}

// Ping reports whether the database answers.
func (a *App) Ping(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (a *App) Close() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.Log.WithError(err).Warn("closing pubsub")
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
