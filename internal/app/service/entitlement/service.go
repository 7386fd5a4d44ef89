package entitlement

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meridianpress/entitlements/internal/models"
	"github.com/meridianpress/entitlements/pkg/config"
	"github.com/meridianpress/entitlements/pkg/logctx"
	"github.com/meridianpress/entitlements/pkg/tool"
	"github.com/meridianpress/entitlements/pkg/types"
)

var (
	// ErrRaceLost means a concurrent purchase won the retire-then-install
	// race. Create retries internally; callers only see it when every
	// attempt lost.
	ErrRaceLost = errors.New("lost chain install race")

	ErrEntitlementNotFound = errors.New("entitlement not found")
)

type Service struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{cfg: cfg, db: db, log: log}
}

// logChange writes an entitlement change log asynchronously; errors are
// logged but never returned.
func (s *Service) logChange(ctx context.Context, reason models.EntitlementChangeReason, trigger types.TriggerSource, before, after *models.Entitlement, extra datatypes.JSONMap) {
	go func() {
		if after == nil {
			return
		}
		if extra == nil {
			extra = datatypes.JSONMap{}
		}
		entry := &models.EntitlementLog{
			ID:            tool.GenerateUUIDV7(),
			UserID:        after.UserID,
			EntitlementID: after.ID,
			Reason:        reason,
			Trigger:       trigger,
			Before:        datatypes.NewJSONType(before),
			After:         datatypes.NewJSONType(after),
			Extra:         extra,
		}
		if err := s.db.Save(entry).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save entitlement log: %v", err)
		}
	}()
}
