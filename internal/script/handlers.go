package script

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/audit"
	"github.com/manlab/manlab/internal/common/httpmw"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/script/models"
	"github.com/manlab/manlab/internal/script/store"
)

// Handler exposes the script library and run history over HTTP.
type Handler struct {
	service *Service
	audit   *audit.Recorder
	logger  *logger.Logger
}

// NewHandler creates a new script handler.
func NewHandler(svc *Service, auditor *audit.Recorder, log *logger.Logger) *Handler {
	return &Handler{service: svc, audit: auditor, logger: log.WithFields(zap.String("component", "script-handler"))}
}

// RegisterRoutes registers the script HTTP routes.
func RegisterRoutes(router *gin.Engine, svc *Service, auditor *audit.Recorder, log *logger.Logger) {
	h := NewHandler(svc, auditor, log)
	api := router.Group("/api/v1")
	api.POST("/scripts", h.create)
	api.GET("/scripts", h.list)
	api.GET("/scripts/:id", h.get)
	api.PUT("/scripts/:id", h.update)
	api.DELETE("/scripts/:id", h.remove)
	api.POST("/scripts/:id/run", h.run)
	api.GET("/script-runs/:runId", h.getRun)
	api.POST("/script-runs/:runId/cancel", h.cancelRun)
	api.GET("/nodes/:id/script-runs", h.listRuns)
}

func (h *Handler) create(c *gin.Context) {
	var script models.Script
	if err := c.ShouldBindJSON(&script); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	created, err := h.service.CreateScript(c.Request.Context(), &script)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.record(c, "script.create", "", map[string]string{"script_id": created.ID, "name": created.Name})
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) list(c *gin.Context) {
	scripts, err := h.service.ListScripts(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, scripts)
}

func (h *Handler) get(c *gin.Context) {
	script, err := h.service.GetScript(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, script)
}

func (h *Handler) update(c *gin.Context) {
	var script models.Script
	if err := c.ShouldBindJSON(&script); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	script.ID = c.Param("id")

	if err := h.service.UpdateScript(c.Request.Context(), &script); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, script)
}

func (h *Handler) remove(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.DeleteScript(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	h.record(c, "script.delete", "", map[string]string{"script_id": id})
	c.Status(http.StatusNoContent)
}

// RunScriptRequest targets one node with a library script.
type RunScriptRequest struct {
	NodeID string `json:"node_id" binding:"required"`
}

func (h *Handler) run(c *gin.Context) {
	var req RunScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	run, err := h.service.Run(c.Request.Context(), c.Param("id"), req.NodeID, httpmw.Requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.record(c, "script.run", req.NodeID, map[string]string{
		"script_id": c.Param("id"), "run_id": run.ID,
	})
	c.JSON(http.StatusAccepted, run)
}

func (h *Handler) getRun(c *gin.Context) {
	run, err := h.service.GetRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) cancelRun(c *gin.Context) {
	run, err := h.service.CancelRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.record(c, "script.run_cancel", run.NodeID, map[string]string{"run_id": run.ID})
	c.JSON(http.StatusOK, run)
}

func (h *Handler) listRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := h.service.ListRuns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *Handler) record(c *gin.Context, action, nodeID string, detail interface{}) {
	if h.audit == nil {
		return
	}
	h.audit.Record(action, httpmw.Requester(c), nodeID, detail)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrScriptNotFound), errors.Is(err, store.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNameRequired), errors.Is(err, ErrContentRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("script request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
