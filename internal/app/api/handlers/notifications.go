package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	notifsvc "github.com/meridianpress/entitlements/internal/app/service/notification"
	"github.com/meridianpress/entitlements/pkg/response"
)

// ApiListNotifications handles GET /api/v1/notifications: the user's feed of
// status-change and system notifications plus broadcasts addressed to them.
func ApiListNotifications(svc *notifsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Query("user_id")
		if userID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id"))
			return
		}
		limit := 50
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		feed, err := svc.ListForUser(c.Request.Context(), userID, limit)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(feed))
	}
}

func notificationReceipt(apply func(c *gin.Context, notificationID, userID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID string `json:"user_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing user_id"))
			return
		}
		if err := apply(c, c.Param("id"), req.UserID); err != nil {
			code := response.APIResponseCodeError
			if errors.Is(err, notifsvc.ErrNotificationNotFound) {
				code = response.APIResponseCodeNotFound
			}
			c.JSON(http.StatusOK, response.ErrorT[any](code, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

// ApiMarkNotificationRead handles POST /api/v1/notifications/:id/read.
// Reading twice is a no-op, not an error.
func ApiMarkNotificationRead(svc *notifsvc.Service) gin.HandlerFunc {
	return notificationReceipt(func(c *gin.Context, notificationID, userID string) error {
		return svc.MarkRead(c.Request.Context(), notificationID, userID)
	})
}

// ApiHideNotification handles POST /api/v1/notifications/:id/hide.
func ApiHideNotification(svc *notifsvc.Service) gin.HandlerFunc {
	return notificationReceipt(func(c *gin.Context, notificationID, userID string) error {
		return svc.Hide(c.Request.Context(), notificationID, userID)
	})
}

func RegisterNotificationRoutes(r gin.IRouter, svc *notifsvc.Service) {
	r.GET("/notifications", ApiListNotifications(svc))
	r.POST("/notifications/:id/read", ApiMarkNotificationRead(svc))
	r.POST("/notifications/:id/hide", ApiHideNotification(svc))
}
