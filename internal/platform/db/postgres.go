package db

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/meridianpress/entitlements/internal/models"
	cfgpkg "github.com/meridianpress/entitlements/pkg/config"
	gormzap "github.com/meridianpress/entitlements/pkg/gormlog"
)

func NewDB(l *zap.SugaredLogger, cfg *cfgpkg.Config) (*gorm.DB, error) {
	if cfg.Database.DSN == "" {
		l.Error("database DSN is empty")
		return nil, gorm.ErrInvalidDB
	}
	// TranslateError so unique violations surface as gorm.ErrDuplicatedKey;
	// the notification dedup path depends on it.
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{Logger: gormzap.New(l), TranslateError: true})
	if err != nil {
		l.Errorf("failed to connect database: %v", err)
		return nil, err
	}
	l.Infow("connected to postgres via DSN")
	return db, nil
}

var Module = fx.Options(
	fx.Provide(NewDB),
	fx.Invoke(AutoMigrate),
	fx.Invoke(registerDBClose),
)

// AutoMigrate runs GORM migrations on startup
func AutoMigrate(l *zap.SugaredLogger, db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Entitlement{},
		&models.EntitlementLog{},
		&models.Notification{},
		&models.PaymentEventLog{},
		&models.SweepRun{},
	); err != nil {
		l.Errorf("automigrate failed: %v", err)
		return err
	}
	// Partial unique index backing the chain invariant: at most one latest
	// entitlement per (user, product). The loser of a concurrent install gets
	// a duplicate-key error and retries with fresh data.
	if err := db.Exec(
		"CREATE UNIQUE INDEX IF NOT EXISTS uniq_latest_entitlement ON entitlement (user_id, product_id) WHERE is_latest",
	).Error; err != nil {
		l.Errorf("failed to create latest-entitlement index: %v", err)
		return err
	}
	l.Infow("automigrate completed")
	return nil
}

// registerDBClose ensures the underlying *sql.DB is closed on shutdown
func registerDBClose(lc fx.Lifecycle, l *zap.SugaredLogger, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				l.Warnw("gorm: get sql.DB failed", "err", err)
				return nil
			}
			l.Infow("closing postgres connection pool")
			return sqlDB.Close()
		},
	})
}
