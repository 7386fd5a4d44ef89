package paymentevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/meridianpress/entitlements/internal/app/service/entitlement"
	"github.com/meridianpress/entitlements/internal/app/service/reconcile"
	"github.com/meridianpress/entitlements/internal/models"
	"github.com/meridianpress/entitlements/pkg/logctx"
	"github.com/meridianpress/entitlements/pkg/tool"
	"github.com/meridianpress/entitlements/pkg/types"
)

// Event is a payment-status transition reported by the payment collaborator.
// At purchase completion it also carries the entitlement window; this
// subsystem never talks to a payment gateway itself.
type Event struct {
	EntitlementID string              `json:"entitlement_id"`
	UserID        string              `json:"user_id"`
	ProductID     string              `json:"product_id"`
	PaymentRef    string              `json:"payment_ref"`
	Status        types.PaymentStatus `json:"status"`
	Variant       *types.Variant      `json:"variant"`
	StartDate     *time.Time          `json:"start_date"`
	EndDate       *time.Time          `json:"end_date"`
	// HistoricalArticleLimit is the number of pre-existing content items
	// grandfathered into the new entitlement at purchase completion.
	HistoricalArticleLimit int        `json:"historical_article_limit"`
	EventTime              *time.Time `json:"event_time"`
}

type Service struct {
	db     *gorm.DB
	log    *zap.SugaredLogger
	entSvc *entitlement.Service
	recSvc *reconcile.Service
}

func NewService(db *gorm.DB, log *zap.SugaredLogger, entSvc *entitlement.Service, recSvc *reconcile.Service) *Service {
	return &Service{db: db, log: log, entSvc: entSvc, recSvc: recSvc}
}

// Handle applies one payment event: resolve the entitlement (by id, by
// payment reference, or by creating one at purchase completion), move its
// payment status, and immediately reconcile so the cached status mirrors the
// new payment state. Every event is audit-logged before and after handling.
func (s *Service) Handle(ctx context.Context, ev *Event) (resErr error) {
	if ev == nil {
		return fmt.Errorf("nil payment event")
	}
	if ev.PaymentRef == "" && ev.EntitlementID == "" {
		return fmt.Errorf("payment event carries neither entitlement id nor payment ref")
	}

	eventTime := time.Now()
	if ev.EventTime != nil {
		eventTime = *ev.EventTime
	}
	dataBytes, _ := json.Marshal(ev)
	traceID, _ := ctx.Value("traceID").(string)

	s.saveLog(ctx, &models.PaymentEventLog{
		UserID:        optional(ev.UserID),
		TraceID:       traceID,
		PaymentRef:    ev.PaymentRef,
		EntitlementID: optional(ev.EntitlementID),
		EventTime:     eventTime,
		Data:          datatypes.JSON(dataBytes),
		Status:        models.PaymentEventLogStatusReceived,
	})

	var e *models.Entitlement
	defer func() {
		resMap := map[string]any{"entitlement": e}
		if resErr != nil {
			resMap["error"] = resErr.Error()
		}
		resBytes, _ := json.Marshal(resMap)
		status := models.PaymentEventLogStatusHandled
		if resErr != nil {
			status = models.PaymentEventLogStatusHandleFailed
		}
		s.saveLog(ctx, &models.PaymentEventLog{
			UserID:        optional(ev.UserID),
			TraceID:       traceID,
			PaymentRef:    ev.PaymentRef,
			EntitlementID: optional(ev.EntitlementID),
			EventTime:     time.Now(),
			Data:          datatypes.JSON(dataBytes),
			Result:        lo.ToPtr(datatypes.JSON(resBytes)),
			Status:        status,
		})
	}()

	e, resErr = s.resolve(ctx, ev)
	if resErr != nil {
		return resErr
	}
	if e == nil {
		// Purchase completion with no prior record: the event creates the
		// entitlement through the renewal chain manager.
		e, resErr = s.createFromEvent(ctx, ev)
		return resErr
	}

	e, resErr = s.entSvc.UpdatePaymentStatus(ctx, e.ID, ev.Status, ev.PaymentRef, types.TriggerSourcePayment)
	if resErr != nil {
		return fmt.Errorf("failed to update payment status: %w", resErr)
	}

	if _, _, err := s.recSvc.ReconcileOne(ctx, e, time.Now(), types.TriggerSourcePayment); err != nil {
		logctx.FromCtx(ctx, s.log).Warnw("post_payment_reconcile_failed", "entitlement_id", e.ID, "err", err)
	}
	return nil
}

// resolve finds the entitlement the event refers to. A missing record is only
// an error when the event cannot create one.
func (s *Service) resolve(ctx context.Context, ev *Event) (*models.Entitlement, error) {
	if ev.EntitlementID != "" {
		e, err := s.entSvc.GetByID(ctx, ev.EntitlementID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve entitlement %s: %w", ev.EntitlementID, err)
		}
		return e, nil
	}
	e, err := s.entSvc.GetByPaymentRef(ctx, ev.PaymentRef)
	if err != nil {
		if errors.Is(err, entitlement.ErrEntitlementNotFound) {
			if ev.Status == types.PaymentStatusCompleted {
				return nil, nil
			}
			return nil, fmt.Errorf("no entitlement for payment ref %s: %w", ev.PaymentRef, err)
		}
		return nil, err
	}
	return e, nil
}

func (s *Service) createFromEvent(ctx context.Context, ev *Event) (*models.Entitlement, error) {
	if ev.UserID == "" || ev.ProductID == "" || ev.StartDate == nil || ev.EndDate == nil {
		return nil, fmt.Errorf("purchase completion event missing user, product or window")
	}
	e, err := s.entSvc.Create(ctx, &entitlement.CreateRequest{
		UserID:                 ev.UserID,
		ProductID:              ev.ProductID,
		Variant:                ev.Variant,
		StartDate:              *ev.StartDate,
		EndDate:                *ev.EndDate,
		PaymentStatus:          types.PaymentStatusCompleted,
		PaymentRef:             ev.PaymentRef,
		HistoricalArticleLimit: ev.HistoricalArticleLimit,
		Trigger:                types.TriggerSourcePayment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create entitlement from payment event: %w", err)
	}
	return e, nil
}

// saveLog asynchronously persists a payment event log. Errors are logged but
// never fail the event.
func (s *Service) saveLog(ctx context.Context, entry *models.PaymentEventLog) {
	go func() {
		if entry == nil {
			return
		}
		if entry.ID == "" {
			entry.ID = tool.GenerateUUIDV7()
		}
		if err := s.db.Save(entry).Error; err != nil {
			logctx.FromCtx(ctx, s.log).Errorf("failed to save payment event log: %v", err)
		}
	}()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return lo.ToPtr(s)
}
