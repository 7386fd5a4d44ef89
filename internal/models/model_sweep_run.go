package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/meridianpress/entitlements/pkg/types"
)

// SweepRun persists the outcome of one reconciliation sweep, periodic or
// operator-invoked. Per-item failures are carried in Errors; they never fail
// the run as a whole.
type SweepRun struct {
	ID             string                      `gorm:"column:id;type:uuid;primary_key" json:"id"`
	Trigger        types.TriggerSource         `gorm:"column:trigger_source;type:varchar(32);not null" json:"trigger"`
	Checked        int                         `gorm:"column:checked;not null" json:"checked"`
	ToExpired      int                         `gorm:"column:to_expired;not null" json:"to_expired"`
	ToExpireSoon   int                         `gorm:"column:to_expiresoon;not null" json:"to_expiresoon"`
	Reactivated    int                         `gorm:"column:reactivated;not null" json:"reactivated"`
	Errors         datatypes.JSONSlice[string] `gorm:"column:errors;type:jsonb" json:"errors"`
	RanAt          time.Time                   `gorm:"column:ran_at;not null;index" json:"ran_at"`
	DurationMillis int64                       `gorm:"column:duration_millis;not null" json:"duration_millis"`
	CreatedAt      time.Time                   `json:"created_at"`
}

func (SweepRun) TableName() string { return "sweep_run" }
