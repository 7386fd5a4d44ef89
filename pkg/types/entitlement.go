package types

import "time"

type EntitlementStatus string

const (
	// Payment-gated statuses. An entitlement whose payment has not completed
	// never enters the temporal state machine.
	EntitlementStatusPending EntitlementStatus = "pending"
	EntitlementStatusFailed  EntitlementStatus = "failed"

	// Temporal statuses, derived from (now, endDate).
	EntitlementStatusActive     EntitlementStatus = "active"
	EntitlementStatusExpireSoon EntitlementStatus = "expiresoon"
	EntitlementStatusExpired    EntitlementStatus = "expired"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

type DurationUnit string

const (
	DurationUnitMinute DurationUnit = "minute"
	DurationUnitHour   DurationUnit = "hour"
	DurationUnitDay    DurationUnit = "day"
	DurationUnitWeek   DurationUnit = "week"
	DurationUnitMonth  DurationUnit = "month"
	DurationUnitYear   DurationUnit = "year"
)

func (u DurationUnit) Valid() bool {
	switch u {
	case DurationUnitMinute, DurationUnitHour, DurationUnitDay, DurationUnitWeek, DurationUnitMonth, DurationUnitYear:
		return true
	}
	return false
}

// SubDay reports whether the unit is finer than a calendar day. Sub-day
// variants use a one-unit expiring-soon window instead of the day-granularity
// threshold.
func (u DurationUnit) SubDay() bool {
	return u == DurationUnitMinute || u == DurationUnitHour
}

// UnitDuration returns the length of a single unit. Month and year are
// approximations used only for threshold math, never for window arithmetic;
// entitlement windows are supplied explicitly by the payment collaborator.
func (u DurationUnit) UnitDuration() time.Duration {
	switch u {
	case DurationUnitMinute:
		return time.Minute
	case DurationUnitHour:
		return time.Hour
	case DurationUnitDay:
		return 24 * time.Hour
	case DurationUnitWeek:
		return 7 * 24 * time.Hour
	case DurationUnitMonth:
		return 30 * 24 * time.Hour
	case DurationUnitYear:
		return 365 * 24 * time.Hour
	}
	return 0
}

// Variant describes the purchased product variant. It is snapshotted onto the
// entitlement at creation time so later catalog edits cannot rewrite history.
type Variant struct {
	DurationAmount int          `json:"duration_amount" mapstructure:"duration_amount"`
	DurationUnit   DurationUnit `json:"duration_unit" mapstructure:"duration_unit"`
	PriceCents     int64        `json:"price_cents" mapstructure:"price_cents"`
	DiscountCents  int64        `json:"discount_cents" mapstructure:"discount_cents"`
	PaidCents      int64        `json:"paid_cents" mapstructure:"paid_cents"`
}

// TriggerSource records which surface detected a transition. Provenance only:
// it never participates in notification deduplication.
type TriggerSource string

const (
	TriggerSourceSystem      TriggerSource = "system"
	TriggerSourceAdmin       TriggerSource = "admin"
	TriggerSourcePayment     TriggerSource = "payment"
	TriggerSourceCron        TriggerSource = "cron"
	TriggerSourceAutoCheck   TriggerSource = "auto_check"
	TriggerSourceManualCheck TriggerSource = "manual_check"
)

type NotificationKind string

const (
	NotificationKindStatusChange NotificationKind = "status_change"
	NotificationKindBroadcast    NotificationKind = "broadcast"
	NotificationKindSystem       NotificationKind = "system"
)

type BroadcastAudience string

const (
	BroadcastAudienceAll        BroadcastAudience = "all"
	BroadcastAudienceActive     BroadcastAudience = "active"
	BroadcastAudienceExpired    BroadcastAudience = "expired"
	BroadcastAudienceExpireSoon BroadcastAudience = "expiresoon"
	BroadcastAudienceProduct    BroadcastAudience = "product"
)

func (a BroadcastAudience) Valid() bool {
	switch a {
	case BroadcastAudienceAll, BroadcastAudienceActive, BroadcastAudienceExpired, BroadcastAudienceExpireSoon, BroadcastAudienceProduct:
		return true
	}
	return false
}
