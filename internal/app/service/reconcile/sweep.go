package reconcile

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/meridianpress/entitlements/internal/models"
	"github.com/meridianpress/entitlements/pkg/logctx"
	"github.com/meridianpress/entitlements/pkg/metrics"
	"github.com/meridianpress/entitlements/pkg/tool"
	"github.com/meridianpress/entitlements/pkg/types"
)

// recoveryLookback bounds how far back the sweep re-checks already-expired
// entitlements for a notification lost to a crash between the status write
// and the emit. Older rows have had many sweeps to recover already.
const recoveryLookback = 24 * time.Hour

// SweepResult is the batch outcome reported to the periodic trigger and the
// operator's manual run alike.
type SweepResult struct {
	Checked              int       `json:"checked"`
	ToExpired            int       `json:"to_expired"`
	ToExpireSoon         int       `json:"to_expiresoon"`
	Reactivated          int       `json:"reactivated"`
	NotificationsCreated int       `json:"notifications_created"`
	Errors               []string  `json:"errors"`
	RanAt                time.Time `json:"ran_at"`
}

// RunSweep reconciles every entitlement that could plausibly transition at
// now. One code path serves both the periodic trigger and the operator's
// manual run; only the recorded trigger differs. Per-item failures are
// isolated: a malformed record is reported in Errors and skipped, and the
// sweep's own success is not conditional on a clean batch.
func (s *Service) RunSweep(ctx context.Context, trigger types.TriggerSource) (*SweepResult, error) {
	start := time.Now()
	result := &SweepResult{RanAt: start}

	candidates, err := s.sweepCandidates(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("failed to load sweep candidates: %w", err)
	}

	for _, e := range candidates {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sweep aborted: %v", err))
			break
		}
		s.sweepOne(ctx, e, start, trigger, result)
	}

	s.recordRun(ctx, trigger, result, time.Since(start))
	logctx.FromCtx(ctx, s.log).Infow("sweep_completed",
		"trigger", trigger, "checked", result.Checked,
		"to_expired", result.ToExpired, "to_expiresoon", result.ToExpireSoon,
		"reactivated", result.Reactivated, "errors", len(result.Errors))
	return result, nil
}

// sweepCandidates selects the entitlements worth recomputing at now: rows
// past or near their end date, expiring-soon rows still inside their window
// (kept in scope so a notification lost between the status write and the
// emit is recovered before the row expires), rows whose payment state no
// longer matches the cached status, and expired rows within the recovery
/// look-back. The expired clause serves double duty: re-activation after an
// administrative extension and bounded notification recovery.
func (s *Service) sweepCandidates(ctx context.Context, now time.Time) ([]*models.Entitlement, error) {
	soonMax := s.thresholds().SoonWindow(nil)
	var items []*models.Entitlement
	err := s.db.WithContext(ctx).
		Where(
			s.db.Where("payment_status = ? AND status <> ? AND end_date <= ?", types.PaymentStatusCompleted, types.EntitlementStatusExpired, now).
				Or("payment_status = ? AND status = ? AND end_date <= ?", types.PaymentStatusCompleted, types.EntitlementStatusActive, now.Add(soonMax)).
				Or("payment_status = ? AND status = ? AND end_date > ?", types.PaymentStatusCompleted, types.EntitlementStatusExpireSoon, now).
				Or("payment_status = ? AND status IN ?", types.PaymentStatusCompleted, []types.EntitlementStatus{types.EntitlementStatusPending, types.EntitlementStatusFailed}).
				Or("payment_status = ? AND status = ? AND end_date > ?", types.PaymentStatusCompleted, types.EntitlementStatusExpired, now.Add(-recoveryLookback)).
				Or("payment_status <> ? AND status NOT IN ?", types.PaymentStatusCompleted, []types.EntitlementStatus{types.EntitlementStatusPending, types.EntitlementStatusFailed, types.EntitlementStatusExpired}),
		).
		Order("end_date asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) sweepOne(ctx context.Context, e *models.Entitlement, now time.Time, trigger types.TriggerSource, result *SweepResult) {
	itemCtx := ctx
	if timeout := s.cfg.Reconcile.ItemTimeout; timeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result.Checked++
	oldStatus := e.Status
	target, transitioned, err := s.ReconcileOne(itemCtx, e, now, trigger)
	if err != nil {
		metrics.SweepItemErrors.Inc()
		result.Errors = append(result.Errors, fmt.Sprintf("entitlement %s: %v", e.ID, err))
		return
	}

	if transitioned {
		result.NotificationsCreated++
		switch target {
		case types.EntitlementStatusExpired:
			result.ToExpired++
		case types.EntitlementStatusExpireSoon:
			result.ToExpireSoon++
		case types.EntitlementStatusActive:
			if oldStatus == types.EntitlementStatusExpired {
				result.Reactivated++
			}
		}
		return
	}

	// Already in a terminal-ish observed state: make sure the notification
	// for it survived (a crash between the status write and the emit loses
	// it; the record, not the transition, is what we recover).
	if created := s.recoverMissedNotification(itemCtx, e, trigger); created {
		result.NotificationsCreated++
	}
}

// recoverMissedNotification recreates a status-change record whose emit was
// lost after the status itself was persisted. The prior status is inferred
// from the forward order of the state machine so the dedup key stays stable
// across sweeps.
func (s *Service) recoverMissedNotification(ctx context.Context, e *models.Entitlement, trigger types.TriggerSource) bool {
	var inferredOld types.EntitlementStatus
	switch e.Status {
	case types.EntitlementStatusExpired:
		inferredOld = types.EntitlementStatusExpireSoon
	case types.EntitlementStatusExpireSoon:
		inferredOld = types.EntitlementStatusActive
	default:
		return false
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("kind = ? AND entitlement_id = ? AND new_status = ?",
			types.NotificationKindStatusChange, e.ID, e.Status).
		Count(&count).Error
	if err != nil || count > 0 {
		return false
	}

	created, err := s.notif.EmitStatusChange(ctx, e, inferredOld, e.Status, trigger)
	if err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("notification_recovery_failed", "entitlement_id", e.ID, "err", err)
		return false
	}
	if created {
		logctx.FromCtx(ctx, s.log).Infow("notification_recovered",
			"entitlement_id", e.ID, "new_status", e.Status)
	}
	return created
}

// recordRun persists the batch outcome; failures are logged, never surfaced.
func (s *Service) recordRun(ctx context.Context, trigger types.TriggerSource, result *SweepResult, elapsed time.Duration) {
	metrics.SweepDuration.WithLabelValues(string(trigger)).Observe(float64(elapsed.Milliseconds()))
	run := &models.SweepRun{
		ID:             tool.GenerateUUIDV7(),
		Trigger:        trigger,
		Checked:        result.Checked,
		ToExpired:      result.ToExpired,
		ToExpireSoon:   result.ToExpireSoon,
		Reactivated:    result.Reactivated,
		Errors:         datatypes.NewJSONSlice(result.Errors),
		RanAt:          result.RanAt,
		DurationMillis: elapsed.Milliseconds(),
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		logctx.FromCtx(ctx, s.log).Errorw("failed to record sweep run", "err", err)
	}
}
