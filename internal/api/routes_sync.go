package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/workbeat/worker/internal/syncer"
)

func registerSyncRoutes(r *gin.Engine, coordinator *syncer.Coordinator) {
	sync := r.Group("/sync")
	{
		sync.POST("/:tag", triggerSync(coordinator))
		sync.GET("/state", syncState(coordinator))
	}
}

// triggerSync delivers one background-sync tag and blocks until the cycle
// has settled, mirroring an extended sync event.
func triggerSync(coordinator *syncer.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tag := c.Param("tag")

		if err := coordinator.HandleSync(c.Request.Context(), tag); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   gin.H{"code": "SYNC_FAILED", "message": err.Error()},
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"tag":     tag,
			"counts":  coordinator.Counts(),
		})
	}
}

func syncState(coordinator *syncer.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"state":  coordinator.State(),
			"counts": coordinator.Counts(),
		})
	}
}
