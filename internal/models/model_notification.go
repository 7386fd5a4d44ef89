package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/meridianpress/entitlements/pkg/types"
)

// Notification is a single user-visible or broadcast event.
//
// For status-change notifications the unique index on
// (entitlement_id, old_status, new_status) is the actual exactly-once
// guarantee; the service-level existence check is only a fast path. Broadcast
// and system rows leave the indexed columns NULL and never collide.
type Notification struct {
	ID   string                 `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Kind types.NotificationKind `gorm:"column:kind;type:varchar(32);not null;index" json:"kind"`

	// Recipient for status_change and system kinds. NULL for broadcasts,
	// which address an audience instead of one user.
	UserID *string `gorm:"column:user_id;type:varchar(64);index;default:null" json:"user_id"`

	// Status-change identity. The trigger is provenance only and never part
	// of the dedup key.
	EntitlementID *string                  `gorm:"column:entitlement_id;type:uuid;default:null;uniqueIndex:uniq_status_transition,priority:1" json:"entitlement_id"`
	OldStatus     *types.EntitlementStatus `gorm:"column:old_status;type:varchar(32);default:null;uniqueIndex:uniq_status_transition,priority:2" json:"old_status"`
	NewStatus     *types.EntitlementStatus `gorm:"column:new_status;type:varchar(32);default:null;uniqueIndex:uniq_status_transition,priority:3" json:"new_status"`
	Trigger       types.TriggerSource      `gorm:"column:trigger_source;type:varchar(32)" json:"trigger"`

	Title   string `gorm:"column:title;type:varchar(256)" json:"title"`
	Message string `gorm:"column:message;type:text" json:"message"`

	// Broadcast targeting. Recipients is the point-in-time audience snapshot
	// taken at send time; it is never re-evaluated later.
	Audience   *types.BroadcastAudience     `gorm:"column:audience;type:varchar(32);default:null" json:"audience"`
	ProductID  *string                      `gorm:"column:product_id;type:varchar(64);default:null" json:"product_id"`
	Recipients datatypes.JSONType[[]string] `gorm:"column:recipients;type:jsonb" json:"recipients"`
	// Per-reader receipts, keyed by user id. Membership sets, not per-reader
	// row copies; re-adding a reader is a no-op.
	ReadBy    datatypes.JSONType[map[string]time.Time] `gorm:"column:read_by;type:jsonb" json:"read_by"`
	HiddenFor datatypes.JSONType[map[string]time.Time] `gorm:"column:hidden_for;type:jsonb" json:"hidden_for"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Notification) TableName() string {
	return "notification"
}

// TargetedAt reports whether userID was in the broadcast's audience snapshot.
func (n *Notification) TargetedAt(userID string) bool {
	if n == nil {
		return false
	}
	for _, id := range n.Recipients.Data() {
		if id == userID {
			return true
		}
	}
	return false
}

// ReadAt returns the read receipt timestamp for userID, if any.
func (n *Notification) ReadAt(userID string) *time.Time {
	if n == nil {
		return nil
	}
	if at, ok := n.ReadBy.Data()[userID]; ok {
		return &at
	}
	return nil
}

// HiddenAt returns the dismissal timestamp for userID, if any.
func (n *Notification) HiddenAt(userID string) *time.Time {
	if n == nil {
		return nil
	}
	if at, ok := n.HiddenFor.Data()[userID]; ok {
		return &at
	}
	return nil
}
