package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meridianpress/entitlements/internal/models"
	"github.com/meridianpress/entitlements/pkg/logctx"
	"github.com/meridianpress/entitlements/pkg/metrics"
	"github.com/meridianpress/entitlements/pkg/tool"
	"github.com/meridianpress/entitlements/pkg/types"
)

type BroadcastRequest struct {
	Title    string                  `json:"title"`
	Message  string                  `json:"message"`
	Audience types.BroadcastAudience `json:"audience"`
	// ProductID is required when Audience is "product", ignored otherwise.
	ProductID string `json:"product_id"`
}

// Broadcast creates a single announcement record addressed to an audience
// segment. The audience is resolved against the entitlement store at send
// time and snapshotted onto the record; membership is never re-evaluated.
// Returns the number of recipients targeted.
func (s *Service) Broadcast(ctx context.Context, req *BroadcastRequest) (int, error) {
	if req == nil || req.Title == "" {
		return 0, fmt.Errorf("broadcast: missing title")
	}
	if !req.Audience.Valid() {
		return 0, ErrInvalidAudience
	}
	if req.Audience == types.BroadcastAudienceProduct && req.ProductID == "" {
		return 0, fmt.Errorf("broadcast: audience %q requires a product id", req.Audience)
	}

	recipients, err := s.resolveAudience(ctx, req.Audience, req.ProductID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve audience: %w", err)
	}

	n := &models.Notification{
		ID:         tool.GenerateUUIDV7(),
		Kind:       types.NotificationKindBroadcast,
		Trigger:    types.TriggerSourceAdmin,
		Title:      req.Title,
		Message:    req.Message,
		Audience:   lo.ToPtr(req.Audience),
		Recipients: datatypes.NewJSONType(recipients),
	}
	if req.ProductID != "" {
		n.ProductID = lo.ToPtr(req.ProductID)
	}
	if err := s.db.WithContext(ctx).Create(n).Error; err != nil {
		return 0, fmt.Errorf("failed to create broadcast: %w", err)
	}

	metrics.NotificationsCreated.WithLabelValues(string(types.NotificationKindBroadcast)).Inc()
	logctx.FromCtx(ctx, s.log).Infow("broadcast_created",
		"notification_id", n.ID, "audience", req.Audience, "targeted", len(recipients))
	return len(recipients), nil
}

// resolveAudience returns the distinct user ids matching an audience segment
// at this instant. Status-based segments only count entitlements whose
// payment completed; an unpaid window never puts a user in "active". The
// cached status column is cross-checked against the window: "active" and
// "expiresoon" require time left on the clock, "expired" accepts a closed
// window even when a sweep has not caught the row up yet.
func (s *Service) resolveAudience(ctx context.Context, audience types.BroadcastAudience, productID string) ([]string, error) {
	now := time.Now()
	q := s.db.WithContext(ctx).Model(&models.Entitlement{}).Distinct("user_id")
	switch audience {
	case types.BroadcastAudienceAll:
		// every user known to the entitlement store
	case types.BroadcastAudienceActive, types.BroadcastAudienceExpireSoon:
		q = q.Where("status = ? AND payment_status = ? AND end_date > ?",
			types.EntitlementStatus(audience), types.PaymentStatusCompleted, now)
	case types.BroadcastAudienceExpired:
		q = q.Where("payment_status = ? AND (status = ? OR end_date <= ?)",
			types.PaymentStatusCompleted, types.EntitlementStatusExpired, now)
	case types.BroadcastAudienceProduct:
		q = q.Where("product_id = ?", productID)
	default:
		return nil, ErrInvalidAudience
	}

	var userIDs []string
	if err := q.Pluck("user_id", &userIDs).Error; err != nil {
		return nil, err
	}
	return userIDs, nil
}

// MarkRead adds a timestamped read receipt for userID. Reading twice is a
// no-op, not an error; the first receipt's timestamp is kept.
func (s *Service) MarkRead(ctx context.Context, notificationID, userID string) error {
	return s.addReceipt(ctx, notificationID, userID, func(n *models.Notification, at time.Time) bool {
		m := n.ReadBy.Data()
		if m == nil {
			m = map[string]time.Time{}
		}
		if _, ok := m[userID]; ok {
			return false
		}
		m[userID] = at
		n.ReadBy = datatypes.NewJSONType(m)
		return true
	})
}

// Hide soft-dismisses the notification for userID. Idempotent.
func (s *Service) Hide(ctx context.Context, notificationID, userID string) error {
	return s.addReceipt(ctx, notificationID, userID, func(n *models.Notification, at time.Time) bool {
		m := n.HiddenFor.Data()
		if m == nil {
			m = map[string]time.Time{}
		}
		if _, ok := m[userID]; ok {
			return false
		}
		m[userID] = at
		n.HiddenFor = datatypes.NewJSONType(m)
		return true
	})
}

func (s *Service) addReceipt(ctx context.Context, notificationID, userID string, mutate func(*models.Notification, time.Time) bool) error {
	if notificationID == "" || userID == "" {
		return fmt.Errorf("receipt: missing notification or user id")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n models.Notification
		if err := tx.Where("id = ?", notificationID).First(&n).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotificationNotFound
			}
			return fmt.Errorf("failed to load notification: %w", err)
		}
		if !mutate(&n, time.Now()) {
			return nil
		}
		if err := tx.Save(&n).Error; err != nil {
			return fmt.Errorf("failed to save receipt: %w", err)
		}
		return nil
	})
}

// FeedItem is one entry of a user's notification feed.
type FeedItem struct {
	ID        string                   `json:"id"`
	Kind      types.NotificationKind   `json:"kind"`
	Title     string                   `json:"title"`
	Message   string                   `json:"message"`
	CreatedAt time.Time                `json:"created_at"`
	ReadAt    *time.Time               `json:"read_at"`
	OldStatus *types.EntitlementStatus `json:"old_status,omitempty"`
	NewStatus *types.EntitlementStatus `json:"new_status,omitempty"`
}

// ListForUser returns the user's visible feed: their own status-change and
// system notifications plus broadcasts whose audience snapshot includes them,
// minus anything they have hidden.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*FeedItem, error) {
	if userID == "" {
		return nil, fmt.Errorf("list notifications: missing user id")
	}
	if limit <= 0 {
		limit = 50
	}

	var own []*models.Notification
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").Limit(limit).
		Find(&own).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	var broadcasts []*models.Notification
	err = s.db.WithContext(ctx).
		Where("kind = ?", types.NotificationKindBroadcast).
		Order("created_at desc").Limit(limit).
		Find(&broadcasts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list broadcasts: %w", err)
	}

	items := make([]*models.Notification, 0, len(own)+len(broadcasts))
	items = append(items, own...)
	for _, b := range broadcasts {
		if b.TargetedAt(userID) {
			items = append(items, b)
		}
	}

	feed := make([]*FeedItem, 0, len(items))
	for _, n := range items {
		if n.HiddenAt(userID) != nil {
			continue
		}
		feed = append(feed, &FeedItem{
			ID:        n.ID,
			Kind:      n.Kind,
			Title:     n.Title,
			Message:   n.Message,
			CreatedAt: n.CreatedAt,
			ReadAt:    n.ReadAt(userID),
			OldStatus: n.OldStatus,
			NewStatus: n.NewStatus,
		})
	}
	return feed, nil
}
