package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/common/logger"
)

// Handler exposes the audit trail over HTTP.
type Handler struct {
	recorder *Recorder
	logger   *logger.Logger
}

// NewHandler creates a new audit handler.
func NewHandler(recorder *Recorder, log *logger.Logger) *Handler {
	return &Handler{recorder: recorder, logger: log.WithFields(zap.String("component", "audit-handler"))}
}

// RegisterRoutes registers the audit HTTP routes.
func RegisterRoutes(router *gin.Engine, recorder *Recorder, log *logger.Logger) {
	h := NewHandler(recorder, log)
	api := router.Group("/api/v1")
	api.GET("/audit", h.list)
}

func (h *Handler) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	events, err := h.recorder.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list audit events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}
