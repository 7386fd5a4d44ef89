package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/meridianpress/entitlements/pkg/types"
)

type EntitlementChangeReason string

const (
	EntitlementChangeReasonPurchase         EntitlementChangeReason = "purchase"
	EntitlementChangeReasonRenewal          EntitlementChangeReason = "renewal"
	EntitlementChangeReasonGrant            EntitlementChangeReason = "grant"
	EntitlementChangeReasonStatusReconciled EntitlementChangeReason = "statusReconciled"
	EntitlementChangeReasonPaymentUpdate    EntitlementChangeReason = "paymentUpdate"
	EntitlementChangeReasonWindowCorrection EntitlementChangeReason = "windowCorrection"
	EntitlementChangeReasonChainRetired     EntitlementChangeReason = "chainRetired"
)

// EntitlementLog records changes to entitlements.
// Use case: troubleshooting.
type EntitlementLog struct {
	ID            string `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID        string `gorm:"column:user_id;type:varchar(64);index:idx_user_id_id,priority:1;not null"`
	EntitlementID string `gorm:"column:entitlement_id;type:uuid;index;not null"`
	// Reason is the change reason.
	Reason EntitlementChangeReason `gorm:"column:reason;type:varchar(64);not null"`
	// Trigger records which surface caused the change.
	Trigger types.TriggerSource `gorm:"column:trigger_source;type:varchar(32)"`
	// Before stores entitlement data before the change in JSON format.
	Before datatypes.JSONType[*Entitlement] `gorm:"column:before;type:jsonb;default:'null'"`
	// After stores entitlement data after the change in JSON format.
	After datatypes.JSONType[*Entitlement] `gorm:"column:after;type:jsonb;default:'null'"`
	// Extra stores additional context such as operator id.
	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb;default:'{}'"`
	CreatedAt time.Time
}

func (EntitlementLog) TableName() string {
	return "entitlement_log"
}
