package testutil

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/meridianpress/entitlements/internal/models"
)

// SetupTestDB opens an in-memory SQLite database with all models migrated.
// TranslateError matches the production gorm config so unique violations
// surface as gorm.ErrDuplicatedKey in tests too.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to connect test database: %v", err)
	}

	err = db.AutoMigrate(
		&models.Entitlement{},
		&models.EntitlementLog{},
		&models.Notification{},
		&models.PaymentEventLog{},
		&models.SweepRun{},
	)
	if err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	// Same partial unique index the production migration creates; SQLite
	// supports the WHERE form too.
	err = db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS uniq_latest_entitlement ON entitlement (user_id, product_id) WHERE is_latest",
	).Error
	if err != nil {
		t.Fatalf("failed to create latest-entitlement index: %v", err)
	}

	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err != nil {
			return
		}
		_ = sqlDB.Close()
	})

	return db
}
