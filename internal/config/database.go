package config

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"payment-orchestration-backend/internal/models"
)

// GormConfig is shared by the server, the CLI and tests so that timestamps
// are UTC and driver errors are translated (gorm.ErrDuplicatedKey).
func GormConfig() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger:         logger.Default.LogMode(logger.Warn),
	}
}

// InitDB connects to postgres, retrying with backoff up to maxAttempts.
func InitDB(cfg DatabaseConfig, log *logrus.Logger, maxAttempts int) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	for attempt := 1; ; attempt++ {
		db, err = gorm.Open(postgres.Open(cfg.DSN()), GormConfig())
		if err == nil {
			break
		}
		if attempt >= maxAttempts {
			return nil, err
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		log.WithFields(logrus.Fields{"attempt": attempt, "retryIn": sleep.String()}).
			Warnf("failed to connect database: %v", err)
		time.Sleep(sleep)
	}

	if sqlDB, derr := db.DB(); derr == nil {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns >= 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		log.Warnf("db connected but failed to install otelgorm plugin: %v", err)
	}
	log.WithField("host", cfg.Host).Info("connected to database")
	return db, nil
}

// Migrate creates or updates every table owned by the payment core.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Transaction{},
		&models.TransactionAuditLog{},
		&models.WebhookEvent{},
		&models.ReconciliationJob{},
		&models.ReconciliationReport{},
		&models.ReconciliationProviderResult{},
		&models.ReconciliationDiscrepancy{},
	)
}
