package models

import (
	"time"

	"gorm.io/datatypes"
)

type PaymentEventLogStatus string

const (
	PaymentEventLogStatusReceived     PaymentEventLogStatus = "received"
	PaymentEventLogStatusHandled      PaymentEventLogStatus = "handled"
	PaymentEventLogStatusHandleFailed PaymentEventLogStatus = "handle_failed"
)

// PaymentEventLog records every payment-status event received from the
// payment collaborator, before and after handling.
// Use case: troubleshooting webhook deliveries.
type PaymentEventLog struct {
	ID            string                `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID        *string               `gorm:"column:user_id;type:varchar(64)" json:"user_id"`
	TraceID       string                `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	PaymentRef    string                `gorm:"column:payment_ref;type:varchar(128)" json:"payment_ref"`
	EntitlementID *string               `gorm:"column:entitlement_id;type:uuid" json:"entitlement_id"`
	EventTime     time.Time             `gorm:"column:event_time" json:"event_time"`
	Data          datatypes.JSON        `gorm:"column:data;type:jsonb" json:"data"`
	Result        *datatypes.JSON       `gorm:"column:result;type:jsonb" json:"result"`
	Status        PaymentEventLogStatus `gorm:"column:status;type:varchar(64);not null" json:"status"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func (PaymentEventLog) TableName() string { return "payment_event_log" }
