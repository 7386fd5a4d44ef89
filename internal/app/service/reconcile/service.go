package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meridianpress/entitlements/internal/app/service/notification"
	"github.com/meridianpress/entitlements/internal/models"
	"github.com/meridianpress/entitlements/pkg/config"
	"github.com/meridianpress/entitlements/pkg/logctx"
	"github.com/meridianpress/entitlements/pkg/metrics"
	"github.com/meridianpress/entitlements/pkg/tool"
	"github.com/meridianpress/entitlements/pkg/types"
)

type Service struct {
	cfg   *config.Config
	db    *gorm.DB
	log   *zap.SugaredLogger
	notif *notification.Service
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger, notif *notification.Service) *Service {
	return &Service{cfg: cfg, db: db, log: log, notif: notif}
}

func (s *Service) thresholds() Thresholds {
	return Thresholds{SoonThresholdDays: s.cfg.Reconcile.SoonThresholdDays}
}

// ReconcileOne recomputes an entitlement's status at now and, when it
// changed, persists the new status and emits the transition notification, in
// that order. A crash between the two writes at worst loses a notification,
// which the sweep's recovery pass recreates; the reverse order could notify
// for a status the entitlement never reached.
//
// The persist is conditional on the previously observed status, so two
// surfaces racing on the same transition apply it once; the loser still
// reports the fresh status but creates nothing.
func (s *Service) ReconcileOne(ctx context.Context, e *models.Entitlement, now time.Time, trigger types.TriggerSource) (types.EntitlementStatus, bool, error) {
	target, changed, err := Reconcile(e, now, s.thresholds())
	if err != nil {
		return "", false, err
	}
	if !changed {
		return target, false, nil
	}

	old := e.Status
	res := s.db.WithContext(ctx).Model(&models.Entitlement{}).
		Where("id = ? AND status = ?", e.ID, old).
		Updates(map[string]any{"status": target, "last_status_check": now})
	if res.Error != nil {
		return "", false, fmt.Errorf("failed to persist status: %w", res.Error)
	}
	e.Status = target
	e.LastStatusCheck = &now
	if res.RowsAffected == 0 {
		// Another surface already moved the status. It owns the
		// notification; the dedup guard covers the case where it crashed
		// first and we both emit.
		return target, false, nil
	}

	metrics.TransitionsObserved.WithLabelValues(string(old), string(target), string(trigger)).Inc()
	s.logTransition(ctx, e, old, trigger)
	if _, err := s.notif.EmitStatusChange(ctx, e, old, target, trigger); err != nil {
		// The status is already applied; a failed emit is recovered by the
		// next sweep, not rolled back.
		logctx.FromCtx(ctx, s.log).Errorw("status_change_emit_failed",
			"entitlement_id", e.ID, "old_status", old, "new_status", target, "err", err)
	}

	logctx.FromCtx(ctx, s.log).Infow("entitlement_reconciled",
		"entitlement_id", e.ID, "old_status", old, "new_status", target, "trigger", trigger)
	return target, true, nil
}

// logTransition writes the status change to the entitlement change log
// asynchronously; errors are logged, never returned.
func (s *Service) logTransition(ctx context.Context, e *models.Entitlement, old types.EntitlementStatus, trigger types.TriggerSource) {
	before := *e
	before.Status = old
	before.LastStatusCheck = nil
	after := *e
	go func() {
		entry := &models.EntitlementLog{
			ID:            tool.GenerateUUIDV7(),
			UserID:        e.UserID,
			EntitlementID: e.ID,
			Reason:        models.EntitlementChangeReasonStatusReconciled,
			Trigger:       trigger,
			Before:        datatypes.NewJSONType(&before),
			After:         datatypes.NewJSONType(&after),
			Extra:         datatypes.JSONMap{},
		}
		if err := s.db.Save(entry).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save entitlement log: %v", err)
		}
	}()
}

// ReconcileList refreshes a batch in place for read paths (the lazy
// per-request trigger). Per-item errors are logged and skipped so one bad
// record cannot blank a user's dashboard.
func (s *Service) ReconcileList(ctx context.Context, items []*models.Entitlement, trigger types.TriggerSource) {
	now := time.Now()
	for _, e := range items {
		if _, _, err := s.ReconcileOne(ctx, e, now, trigger); err != nil {
			logctx.FromCtx(ctx, s.log).Warnw("lazy_reconcile_skipped", "entitlement_id", e.ID, "err", err)
		}
	}
}
