package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	entsvc "github.com/meridianpress/entitlements/internal/app/service/entitlement"
	notifsvc "github.com/meridianpress/entitlements/internal/app/service/notification"
	recsvc "github.com/meridianpress/entitlements/internal/app/service/reconcile"
	"github.com/meridianpress/entitlements/internal/app/service/statistics"
	"github.com/meridianpress/entitlements/pkg/response"
	"github.com/meridianpress/entitlements/pkg/types"
)

// ApiRunSweep handles POST /api/v1/admin/reconcile/run. Same code path as the
// periodic sweep; only the recorded trigger differs.
func ApiRunSweep(rec *recsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := rec.RunSweep(c.Request.Context(), types.TriggerSourceManualCheck)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(result))
	}
}

// ApiScanEntitlements handles POST /api/v1/admin/entitlements/scan with
// filters, pagination and sorting.
func ApiScanEntitlements(ent *entsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req entsvc.ScanEntitlementsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := ent.ScanEntitlements(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// ApiCorrectWindow handles POST /api/v1/admin/entitlements/:id/window. Date
// corrections take effect at the next reconciliation; extending an expired
// entitlement re-activates it there.
func ApiCorrectWindow(ent *entsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req entsvc.WindowCorrection
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		e, err := ent.CorrectWindow(c.Request.Context(), c.Param("id"), &req)
		if err != nil {
			code := response.APIResponseCodeError
			if errors.Is(err, entsvc.ErrEntitlementNotFound) {
				code = response.APIResponseCodeNotFound
			}
			c.JSON(http.StatusOK, response.ErrorT[any](code, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(e))
	}
}

// ApiBroadcast handles POST /api/v1/admin/broadcast and returns the targeted
// recipient count.
func ApiBroadcast(notif *notifsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req notifsvc.BroadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		targeted, err := notif.Broadcast(c.Request.Context(), &req)
		if err != nil {
			code := response.APIResponseCodeError
			if errors.Is(err, notifsvc.ErrInvalidAudience) {
				code = response.APIResponseCodeBadRequest
			}
			c.JSON(http.StatusOK, response.ErrorT[any](code, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(map[string]int{"total_targeted": targeted}))
	}
}

type GrantRequest struct {
	UserID                 string         `json:"user_id"`
	ProductID              string         `json:"product_id"`
	Variant                *types.Variant `json:"variant"`
	DurationDays           int            `json:"duration_days"`
	HistoricalArticleLimit int            `json:"historical_article_limit"`
	OperatorID             string         `json:"operator_id"`
}

// ApiGrant handles POST /api/v1/admin/grant: an operator-granted entitlement
// with no payment behind it. The grantee also gets a system notification.
func ApiGrant(ent *entsvc.Service, notif *notifsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GrantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.UserID == "" || req.ProductID == "" || req.OperatorID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id or product_id or operator_id"))
			return
		}
		days := req.DurationDays
		if days <= 0 {
			days = 30
		}
		variant := req.Variant
		if variant == nil {
			variant = &types.Variant{DurationAmount: days, DurationUnit: types.DurationUnitDay}
		}
		now := time.Now()
		e, err := ent.Create(c.Request.Context(), &entsvc.CreateRequest{
			UserID:                 req.UserID,
			ProductID:              req.ProductID,
			Variant:                variant,
			StartDate:              now,
			EndDate:                now.AddDate(0, 0, days),
			PaymentStatus:          types.PaymentStatusCompleted,
			HistoricalArticleLimit: req.HistoricalArticleLimit,
			Trigger:                types.TriggerSourceAdmin,
			OperatorID:             req.OperatorID,
		})
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		// Grant stands even when the courtesy note fails.
		_, _ = notif.EmitSystem(c.Request.Context(), req.UserID,
			"Subscription granted",
			"You have been granted access to product "+req.ProductID+".",
			types.TriggerSourceAdmin)
		c.JSON(http.StatusOK, response.OKT(e))
	}
}

// ApiStatisticsOverview handles GET /api/v1/admin/statistics/overview.
func ApiStatisticsOverview(stats *statistics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		o, err := stats.GetOverview(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(o))
	}
}

func RegisterAdminRoutes(r gin.IRouter, ent *entsvc.Service, rec *recsvc.Service, notif *notifsvc.Service, stats *statistics.Service) {
	r.POST("/reconcile/run", ApiRunSweep(rec))
	r.POST("/entitlements/scan", ApiScanEntitlements(ent))
	r.POST("/entitlements/:id/window", ApiCorrectWindow(ent))
	r.POST("/broadcast", ApiBroadcast(notif))
	r.POST("/grant", ApiGrant(ent, notif))
	r.GET("/statistics/overview", ApiStatisticsOverview(stats))
}
