package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	entsvc "github.com/meridianpress/entitlements/internal/app/service/entitlement"
	recsvc "github.com/meridianpress/entitlements/internal/app/service/reconcile"
	"github.com/meridianpress/entitlements/pkg/response"
	"github.com/meridianpress/entitlements/pkg/types"
)

// ApiListEntitlements handles GET /api/v1/entitlements. Listing is the lazy
// reconciliation trigger: every returned entitlement carries a freshly
// recomputed status, persisted (and notified) as a side effect when it moved.
func ApiListEntitlements(ent *entsvc.Service, rec *recsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id"))
			return
		}
		items, err := ent.ListForUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		rec.ReconcileList(c.Request.Context(), items, types.TriggerSourceAutoCheck)
		c.JSON(http.StatusOK, response.OKT(items))
	}
}

// ApiCreateEntitlement handles POST /api/v1/entitlements: purchase, renewal
// or grant. Chain linkage fields come back populated.
func ApiCreateEntitlement(ent *entsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req entsvc.CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.Trigger == "" {
			req.Trigger = types.TriggerSourceSystem
		}
		e, err := ent.Create(c.Request.Context(), &req)
		if err != nil {
			code := response.APIResponseCodeError
			if errors.Is(err, entsvc.ErrRaceLost) {
				code = response.APIResponseCodeConflict
			}
			c.JSON(http.StatusOK, response.ErrorT[any](code, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(e))
	}
}

// ApiGetAccessWindow handles GET /api/v1/entitlements/:id/access-window, the
// interface content-serving collaborators use for historical look-back.
func ApiGetAccessWindow(ent *entsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		w, err := ent.GetAccessWindow(c.Request.Context(), id)
		if err != nil {
			code := response.APIResponseCodeError
			if errors.Is(err, entsvc.ErrEntitlementNotFound) {
				code = response.APIResponseCodeNotFound
			}
			c.JSON(http.StatusOK, response.ErrorT[any](code, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(w))
	}
}

func RegisterEntitlementRoutes(r gin.IRouter, ent *entsvc.Service, rec *recsvc.Service) {
	r.GET("/entitlements", ApiListEntitlements(ent, rec))
	r.POST("/entitlements", ApiCreateEntitlement(ent))
	r.GET("/entitlements/:id/access-window", ApiGetAccessWindow(ent))
}
