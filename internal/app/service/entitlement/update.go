package entitlement

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"github.com/meridianpress/entitlements/internal/models"
	"github.com/meridianpress/entitlements/pkg/logctx"
	"github.com/meridianpress/entitlements/pkg/types"
)

type WindowCorrection struct {
	StartDate *time.Time `json:"start_date"`
	EndDate   *time.Time `json:"end_date"`
	// HistoricalArticleLimit replaces the grandfathered-content count when
	// set.
	HistoricalArticleLimit *int   `json:"historical_article_limit"`
	OperatorID             string `json:"operator_id"`
}

// CorrectWindow applies an administrative date/limit edit. An edit that would
// invert the window is corrected to the configured minimum window instead of
// being stored inverted; the correction is recorded in the change log. The
// stored status is deliberately left alone: the next reconciliation (lazy or
// swept) recomputes it, which is how an extended end date re-activates an
// expired entitlement.
func (s *Service) CorrectWindow(ctx context.Context, id string, corr *WindowCorrection) (*models.Entitlement, error) {
	if corr == nil || (corr.StartDate == nil && corr.EndDate == nil && corr.HistoricalArticleLimit == nil) {
		return nil, fmt.Errorf("window correction: nothing to change")
	}

	e, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *e

	if corr.StartDate != nil {
		e.StartDate = *corr.StartDate
	}
	if corr.EndDate != nil {
		e.EndDate = *corr.EndDate
	}
	if corr.HistoricalArticleLimit != nil {
		e.HistoricalArticleLimit = *corr.HistoricalArticleLimit
	}

	bumped := false
	if !e.EndDate.After(e.StartDate) {
		e.EndDate = e.StartDate.Add(s.minWindow())
		bumped = true
	}

	// Write only the edited columns so a reconciler landing between our
	// read and this persist keeps its status and last_status_check.
	err = s.db.WithContext(ctx).Model(&models.Entitlement{}).Where("id = ?", e.ID).
		Updates(map[string]any{
			"start_date":               e.StartDate,
			"end_date":                 e.EndDate,
			"historical_article_limit": e.HistoricalArticleLimit,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to save window correction: %w", err)
	}

	extra := datatypes.JSONMap{}
	if corr.OperatorID != "" {
		extra["operator_id"] = corr.OperatorID
	}
	if bumped {
		extra["min_window_correction"] = true
	}
	s.logChange(ctx, models.EntitlementChangeReasonWindowCorrection, types.TriggerSourceAdmin, &before, e, extra)

	logctx.FromCtx(ctx, s.log).Infow("entitlement_window_corrected",
		"entitlement_id", e.ID, "start_date", e.StartDate, "end_date", e.EndDate, "bumped", bumped)
	return e, nil
}

// UpdatePaymentStatus records a payment-status transition reported by the
// payment collaborator. Status reconciliation is the caller's next step; this
// only moves the payment linkage.
func (s *Service) UpdatePaymentStatus(ctx context.Context, id string, status types.PaymentStatus, paymentRef string, trigger types.TriggerSource) (*models.Entitlement, error) {
	switch status {
	case types.PaymentStatusPending, types.PaymentStatusCompleted, types.PaymentStatusFailed, types.PaymentStatusRefunded:
	default:
		return nil, fmt.Errorf("unknown payment status: %q", status)
	}

	e, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *e

	e.PaymentStatus = status
	updates := map[string]any{"payment_status": status}
	if paymentRef != "" {
		e.PaymentRef = paymentRef
		updates["payment_ref"] = paymentRef
	}
	err = s.db.WithContext(ctx).Model(&models.Entitlement{}).Where("id = ?", e.ID).
		Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to save payment status: %w", err)
	}

	s.logChange(ctx, models.EntitlementChangeReasonPaymentUpdate, trigger, &before, e, nil)
	return e, nil
}
