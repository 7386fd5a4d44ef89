package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meridianpress/entitlements/internal/app/service/reconcile"
	"github.com/meridianpress/entitlements/internal/models"
	"github.com/meridianpress/entitlements/pkg/logctx"
	"github.com/meridianpress/entitlements/pkg/tool"
	"github.com/meridianpress/entitlements/pkg/types"
)

// chainInstallRetries bounds how often Create re-reads and re-links after
// losing the retire-then-install race to a concurrent purchase.
const chainInstallRetries = 3

type CreateRequest struct {
	UserID    string         `json:"user_id"`
	ProductID string         `json:"product_id"`
	Variant   *types.Variant `json:"variant"`
	// Window supplied by the payment collaborator at purchase completion,
	// half-open [StartDate, EndDate).
	StartDate              time.Time           `json:"start_date"`
	EndDate                time.Time           `json:"end_date"`
	PaymentStatus          types.PaymentStatus `json:"payment_status"`
	PaymentRef             string              `json:"payment_ref"`
	HistoricalArticleLimit int                 `json:"historical_article_limit"`
	Trigger                types.TriggerSource `json:"trigger"`
	OperatorID             string              `json:"operator_id"`
}

func (r *CreateRequest) validate() error {
	if r == nil {
		return fmt.Errorf("nil request")
	}
	if r.UserID == "" || r.ProductID == "" {
		return fmt.Errorf("user_id and product_id are required")
	}
	if r.Variant == nil {
		return fmt.Errorf("variant is required")
	}
	if !r.Variant.DurationUnit.Valid() {
		return fmt.Errorf("unknown duration unit: %q", r.Variant.DurationUnit)
	}
	if r.Variant.DurationAmount <= 0 {
		return fmt.Errorf("duration amount must be positive")
	}
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		return fmt.Errorf("start_date and end_date are required")
	}
	switch r.PaymentStatus {
	case types.PaymentStatusPending, types.PaymentStatusCompleted, types.PaymentStatusFailed, types.PaymentStatusRefunded:
	default:
		return fmt.Errorf("unknown payment status: %q", r.PaymentStatus)
	}
	return nil
}

// Create is the renewal chain manager. It retires the current latest
// entitlement for (user, product), if any, and installs the new one as latest
// with its chain linkage populated, all inside one DB transaction. The retire
// is conditional on the predecessor still being latest under its observed id;
// a concurrent purchase that wins the race makes this attempt lose cleanly
// and retry with fresh data, so two purchases can never both install
// themselves over the same predecessor.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*models.Entitlement, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("invalid entitlement request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < chainInstallRetries; attempt++ {
		e, err := s.tryCreate(ctx, req)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrRaceLost) {
			return nil, err
		}
		lastErr = err
		logctx.FromCtx(ctx, s.log).Warnw("chain_install_race_lost",
			"user_id", req.UserID, "product_id", req.ProductID, "attempt", attempt+1)
	}
	return nil, lastErr
}

func (s *Service) tryCreate(ctx context.Context, req *CreateRequest) (*models.Entitlement, error) {
	prior, err := s.Latest(ctx, req.UserID, req.ProductID)
	if err != nil && !errors.Is(err, ErrEntitlementNotFound) {
		return nil, fmt.Errorf("failed to load prior latest entitlement: %w", err)
	}

	startDate := req.StartDate
	endDate := req.EndDate
	if !endDate.After(startDate) {
		// Inverted or empty window: corrected to the minimum window rather
		// than left inverted. Applies uniformly, and is logged below.
		endDate = startDate.Add(s.minWindow())
	}

	e := &models.Entitlement{
		ID:                     tool.GenerateUUIDV7(),
		UserID:                 req.UserID,
		ProductID:              req.ProductID,
		Variant:                datatypes.NewJSONType(req.Variant),
		StartDate:              startDate,
		EndDate:                endDate,
		OriginalStartDate:      startDate,
		Status:                 reconcile.InitialStatus(req.PaymentStatus),
		PaymentStatus:          req.PaymentStatus,
		PaymentRef:             req.PaymentRef,
		IsLatest:               true,
		HistoricalArticleLimit: req.HistoricalArticleLimit,
		ChainID:                tool.GenerateUUIDV7(),
	}
	if prior != nil {
		e.IsRenewal = true
		e.ReplacedEntitlementID = lo.ToPtr(prior.ID)
		e.ChainID = prior.ChainID
		// The chain's true start survives every renewal; it anchors the
		// historical-content look-back window.
		e.OriginalStartDate = prior.OriginalStartDate
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if prior != nil {
			res := tx.Model(&models.Entitlement{}).
				Where("id = ? AND is_latest = ?", prior.ID, true).
				Update("is_latest", false)
			if res.Error != nil {
				return fmt.Errorf("failed to retire prior entitlement: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				// Someone else already retired it.
				return ErrRaceLost
			}
		}
		if err := tx.Create(e).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				// No prior was visible but a concurrent create installed one
				// first; the partial unique index rejected this install.
				return ErrRaceLost
			}
			return fmt.Errorf("failed to create entitlement: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	reason := models.EntitlementChangeReasonPurchase
	if e.IsRenewal {
		reason = models.EntitlementChangeReasonRenewal
	}
	if req.Trigger == types.TriggerSourceAdmin {
		reason = models.EntitlementChangeReasonGrant
	}
	extra := datatypes.JSONMap{}
	if req.OperatorID != "" {
		extra["operator_id"] = req.OperatorID
	}
	if !endDate.Equal(req.EndDate) {
		extra["min_window_correction"] = true
	}
	s.logChange(ctx, reason, req.Trigger, nil, e, extra)
	if prior != nil {
		retired := *prior
		retired.IsLatest = false
		s.logChange(ctx, models.EntitlementChangeReasonChainRetired, req.Trigger, prior, &retired, datatypes.JSONMap{"replaced_by": e.ID})
	}

	logctx.FromCtx(ctx, s.log).Infow("entitlement_created",
		"entitlement_id", e.ID, "user_id", e.UserID, "product_id", e.ProductID,
		"chain_id", e.ChainID, "is_renewal", e.IsRenewal)
	return e, nil
}

func (s *Service) minWindow() time.Duration {
	if s.cfg != nil && s.cfg.Reconcile.MinWindow > 0 {
		return s.cfg.Reconcile.MinWindow
	}
	return time.Minute
}
