package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/meridianpress/entitlements/internal/models"
	"github.com/meridianpress/entitlements/pkg/logctx"
	"github.com/meridianpress/entitlements/pkg/metrics"
	"github.com/meridianpress/entitlements/pkg/tool"
	"github.com/meridianpress/entitlements/pkg/types"
)

// EmitStatusChange records exactly one notification per
// (entitlement, oldStatus, newStatus) transition, no matter how many trigger
// surfaces detect it. The existence check is a fast path; the unique index on
// the notification table is the real guarantee, so a lost race between two
// concurrent emitters degrades to created=false, never to a duplicate row.
//
// trigger is provenance metadata only and never affects deduplication.
func (s *Service) EmitStatusChange(ctx context.Context, e *models.Entitlement, oldStatus, newStatus types.EntitlementStatus, trigger types.TriggerSource) (bool, error) {
	if e == nil || e.ID == "" {
		return false, fmt.Errorf("emit status change: missing entitlement")
	}
	if oldStatus == newStatus {
		return false, nil
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("kind = ? AND entitlement_id = ? AND old_status = ? AND new_status = ?",
			types.NotificationKindStatusChange, e.ID, oldStatus, newStatus).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check existing notification: %w", err)
	}
	if count > 0 {
		metrics.NotificationsDeduplicated.Inc()
		return false, nil
	}

	n := &models.Notification{
		ID:            tool.GenerateUUIDV7(),
		Kind:          types.NotificationKindStatusChange,
		UserID:        lo.ToPtr(e.UserID),
		EntitlementID: lo.ToPtr(e.ID),
		OldStatus:     lo.ToPtr(oldStatus),
		NewStatus:     lo.ToPtr(newStatus),
		Trigger:       trigger,
		Title:         statusChangeTitle(newStatus),
		Message:       statusChangeMessage(e, newStatus),
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Concurrent surface won the insert. Idempotent success.
			metrics.NotificationsDeduplicated.Inc()
			return false, nil
		}
		return false, fmt.Errorf("failed to create status change notification: %w", err)
	}

	metrics.NotificationsCreated.WithLabelValues(string(types.NotificationKindStatusChange)).Inc()
	logctx.FromCtx(ctx, s.log).Infow("status_change_notification_created",
		"entitlement_id", e.ID, "user_id", e.UserID,
		"old_status", oldStatus, "new_status", newStatus, "trigger", trigger)
	return true, nil
}

// EmitSystem records a one-shot system event (trial activation, operator
// grant and similar) addressed to one user.
func (s *Service) EmitSystem(ctx context.Context, userID, title, message string, trigger types.TriggerSource) (*models.Notification, error) {
	if userID == "" {
		return nil, fmt.Errorf("emit system: missing user id")
	}
	n := &models.Notification{
		ID:      tool.GenerateUUIDV7(),
		Kind:    types.NotificationKindSystem,
		UserID:  lo.ToPtr(userID),
		Trigger: trigger,
		Title:   title,
		Message: message,
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return nil, fmt.Errorf("failed to create system notification: %w", err)
	}
	metrics.NotificationsCreated.WithLabelValues(string(types.NotificationKindSystem)).Inc()
	return n, nil
}

func statusChangeTitle(newStatus types.EntitlementStatus) string {
	switch newStatus {
	case types.EntitlementStatusExpireSoon:
		return "Your subscription expires soon"
	case types.EntitlementStatusExpired:
		return "Your subscription has expired"
	case types.EntitlementStatusActive:
		return "Your subscription is active"
	case types.EntitlementStatusFailed:
		return "Payment failed"
	case types.EntitlementStatusPending:
		return "Payment pending"
	}
	return "Subscription update"
}

func statusChangeMessage(e *models.Entitlement, newStatus types.EntitlementStatus) string {
	switch newStatus {
	case types.EntitlementStatusExpireSoon:
		return fmt.Sprintf("Access to product %s ends on %s. Renew to keep your reading history.", e.ProductID, e.EndDate.Format("2006-01-02 15:04"))
	case types.EntitlementStatusExpired:
		return fmt.Sprintf("Access to product %s ended on %s.", e.ProductID, e.EndDate.Format("2006-01-02 15:04"))
	case types.EntitlementStatusActive:
		return fmt.Sprintf("Access to product %s runs until %s.", e.ProductID, e.EndDate.Format("2006-01-02 15:04"))
	default:
		return fmt.Sprintf("Subscription for product %s is now %s.", e.ProductID, newStatus)
	}
}
