package reconcile

import (
	"errors"
	"time"

	"github.com/meridianpress/entitlements/internal/models"
	"github.com/meridianpress/entitlements/pkg/types"
)

// ErrMalformedEntitlement marks records the reconciler cannot evaluate. The
// sweep reports and skips them instead of failing the batch.
var ErrMalformedEntitlement = errors.New("malformed entitlement")

// Thresholds carries the expiring-soon window configuration. There is exactly
// one canonical day-granularity threshold; sub-day variants use a one-unit
// window instead.
type Thresholds struct {
	SoonThresholdDays int
}

// SoonWindow returns the expiring-soon window for a variant.
func (t Thresholds) SoonWindow(v *types.Variant) time.Duration {
	if v != nil && v.DurationUnit.SubDay() {
		return v.DurationUnit.UnitDuration()
	}
	days := t.SoonThresholdDays
	if days <= 0 {
		days = 1
	}
	return time.Duration(days) * 24 * time.Hour
}

// Reconcile computes the correct status of an entitlement at now and reports
// whether that differs from the stored status. It is pure: persistence and
// notification are the caller's concern, which lets the lazy per-request
// check, the periodic sweep and the operator-invoked run share one code path.
//
// Precedence:
//  1. payment not completed: status mirrors the payment state, no expiry
//     logic applies (refunded reads as expired, access is gone);
//  2. endDate <= now: expired;
//  3. endDate - now <= soon window: expiresoon;
//  4. otherwise: active.
//
// A stored "expired" with endDate back in the future (administrative date
// correction) falls through rules 3/4 and re-activates; expired is not sticky.
func Reconcile(e *models.Entitlement, now time.Time, t Thresholds) (types.EntitlementStatus, bool, error) {
	if e == nil {
		return "", false, ErrMalformedEntitlement
	}
	if e.EndDate.IsZero() || e.StartDate.IsZero() {
		return "", false, ErrMalformedEntitlement
	}

	var target types.EntitlementStatus
	switch e.PaymentStatus {
	case types.PaymentStatusCompleted:
		if !e.EndDate.After(now) {
			target = types.EntitlementStatusExpired
		} else if e.EndDate.Sub(now) <= t.SoonWindow(e.GetVariant()) {
			target = types.EntitlementStatusExpireSoon
		} else {
			target = types.EntitlementStatusActive
		}
	case types.PaymentStatusPending:
		target = types.EntitlementStatusPending
	case types.PaymentStatusFailed:
		target = types.EntitlementStatusFailed
	case types.PaymentStatusRefunded:
		target = types.EntitlementStatusExpired
	default:
		return "", false, ErrMalformedEntitlement
	}

	return target, target != e.Status, nil
}

// InitialStatus is the status assigned at entitlement creation time.
func InitialStatus(paymentStatus types.PaymentStatus) types.EntitlementStatus {
	switch paymentStatus {
	case types.PaymentStatusCompleted:
		return types.EntitlementStatusActive
	case types.PaymentStatusFailed:
		return types.EntitlementStatusFailed
	case types.PaymentStatusRefunded:
		return types.EntitlementStatusExpired
	default:
		return types.EntitlementStatusPending
	}
}
