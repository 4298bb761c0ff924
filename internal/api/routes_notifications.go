package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/workbeat/worker/internal/notify"
)

func registerNotificationRoutes(r *gin.Engine, dispatcher *notify.Dispatcher) {
	notifications := r.Group("/notifications")
	{
		notifications.GET("", listNotifications(dispatcher))
		notifications.DELETE("", clearNotifications(dispatcher))
		notifications.POST("/:tag/click", clickNotification(dispatcher))
	}
	r.POST("/push", receivePush(dispatcher))
}

func listNotifications(dispatcher *notify.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		active, err := dispatcher.Active(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "notifications": active})
	}
}

func clearNotifications(dispatcher *notify.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := dispatcher.ClearAll(c.Request.Context()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// receivePush accepts a raw push payload. Malformed bodies still produce a
// notification with fallback content, matching how pushes must never be
// dropped silently.
func receivePush(dispatcher *notify.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			raw = nil
		}

		notification, err := dispatcher.HandlePush(c.Request.Context(), raw)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "notification": notification})
	}
}

func clickNotification(dispatcher *notify.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag := c.Param("tag")
		action := c.Query("action")

		resolution, err := dispatcher.HandleClick(c.Request.Context(), tag, action)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "resolution": resolution})
	}
}
