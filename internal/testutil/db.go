// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"payment-orchestration-backend/internal/config"
)

// NewDB opens a private in-memory sqlite database with every payment table
// migrated. A single connection keeps the shared-cache database alive and
// serializes writers the way row locks would.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	cfg := config.GormConfig()
	cfg.Logger = logger.Discard
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, config.Migrate(db))
	require.NoError(t, db.Exec(`CREATE TABLE users (id TEXT PRIMARY KEY, phone TEXT, email TEXT)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE rides (id TEXT PRIMARY KEY, user_id TEXT, fare NUMERIC, status TEXT)`).Error)
	return db
}

func SeedUser(t testing.TB, db *gorm.DB, id, phone, email string) {
	t.Helper()
	require.NoError(t, db.Exec(`INSERT INTO users (id, phone, email) VALUES (?, ?, ?)`, id, phone, email).Error)
}

func SeedRide(t testing.TB, db *gorm.DB, id, userID string, fare decimal.Decimal, status string) {
	t.Helper()
	require.NoError(t, db.Exec(`INSERT INTO rides (id, user_id, fare, status) VALUES (?, ?, ?, ?)`, id, userID, fare.String(), status).Error)
}

// Logger returns a logger that records entries instead of printing them.
func Logger() (*logrus.Logger, *test.Hook) {
	return test.NewNullLogger()
}
