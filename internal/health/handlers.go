package health

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/manlab/manlab/internal/common/logger"
)

// RegisterRoutes registers the liveness probe and the manual sweep trigger.
func RegisterRoutes(router *gin.Engine, monitor *Monitor, log *logger.Logger) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/api/v1/health/sweep", func(c *gin.Context) {
		monitor.CheckOnce(c.Request.Context())
		c.Status(http.StatusAccepted)
	})
}
