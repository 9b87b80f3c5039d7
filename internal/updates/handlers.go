package updates

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/common/httpmw"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/node/store"
	"github.com/manlab/manlab/internal/updates/catalog"
)

// Handler exposes both update schedulers over HTTP.
type Handler struct {
	agents *AgentUpdater
	system *SystemUpdater
	logger *logger.Logger
}

// NewHandler creates a new updates handler.
func NewHandler(agents *AgentUpdater, system *SystemUpdater, log *logger.Logger) *Handler {
	return &Handler{agents: agents, system: system, logger: log.WithFields(zap.String("component", "updates-handler"))}
}

// RegisterRoutes registers the update HTTP routes.
func RegisterRoutes(router *gin.Engine, agents *AgentUpdater, system *SystemUpdater, log *logger.Logger) {
	h := NewHandler(agents, system, log)
	api := router.Group("/api/v1")
	api.POST("/nodes/:id/agent-update/apply", h.applyPending)
	api.POST("/agent-updates/check", h.triggerAgentCheck)
	api.POST("/system-updates/check", h.triggerCheck)
	api.GET("/nodes/:id/system-updates", h.listHistory)
	api.GET("/system-updates/:updateId", h.getHistory)
	api.POST("/system-updates/:updateId/approve", h.approve)
	api.POST("/system-updates/:updateId/cancel", h.cancel)
}

// applyPending applies a manually approved agent update.
func (h *Handler) applyPending(c *gin.Context) {
	err := h.agents.ApplyPending(c.Request.Context(), c.Param("id"), httpmw.Requester(c))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNodeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
		case errors.Is(err, catalog.ErrNoReleases):
			c.JSON(http.StatusConflict, gin.H{"error": "no pending agent update"})
		default:
			h.logger.Error("failed to apply pending update", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.Status(http.StatusAccepted)
}

// triggerAgentCheck runs one agent-update pass outside the regular cadence.
func (h *Handler) triggerAgentCheck(c *gin.Context) {
	actor := httpmw.Requester(c)
	go h.agents.RunOnce(context.WithoutCancel(c.Request.Context()), actor)
	c.Status(http.StatusAccepted)
}

// triggerCheck kicks a discovery pass outside the regular cadence. The pass
// queries agents and can take minutes, so it runs detached.
func (h *Handler) triggerCheck(c *gin.Context) {
	actor := httpmw.Requester(c)
	go h.system.RunOnce(context.WithoutCancel(c.Request.Context()), actor)
	c.Status(http.StatusAccepted)
}

func (h *Handler) listHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	entries, err := h.system.ListForNode(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.logger.Error("failed to list update history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) getHistory(c *gin.Context) {
	entry, err := h.system.Get(c.Request.Context(), c.Param("updateId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) approve(c *gin.Context) {
	if err := h.system.Approve(c.Request.Context(), c.Param("updateId"), httpmw.Requester(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) cancel(c *gin.Context) {
	if err := h.system.Cancel(c.Request.Context(), c.Param("updateId"), httpmw.Requester(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrHistoryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotApprovable), errors.Is(err, ErrNotCancelable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("update request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
