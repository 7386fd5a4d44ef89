package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meridianpress/entitlements/internal/app/service/paymentevents"
	"github.com/meridianpress/entitlements/pkg/logctx"
	"github.com/meridianpress/entitlements/pkg/response"
)

// ApiPaymentWebhook handles POST /api/v1/payment/webhook. The payment
// collaborator reports status transitions here; at purchase completion the
// event also carries the entitlement window.
func ApiPaymentWebhook(svc *paymentevents.Service, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		logctx.FromGin(c, log).Infow("payment_webhook_received")

		var ev paymentevents.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if err := svc.Handle(c.Request.Context(), &ev); err != nil {
			logctx.FromGin(c, log).Errorw("payment_webhook_handle_error", "error", err.Error())
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		logctx.FromGin(c, log).Infow("payment_webhook_handled")
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

func RegisterPaymentWebhookRoutes(r gin.IRouter, svc *paymentevents.Service, log *zap.SugaredLogger) {
	r.POST("/webhook", ApiPaymentWebhook(svc, log))
}
