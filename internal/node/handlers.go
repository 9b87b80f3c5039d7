package node

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/audit"
	"github.com/manlab/manlab/internal/common/httpmw"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/node/models"
	"github.com/manlab/manlab/internal/node/service"
	"github.com/manlab/manlab/internal/node/store"
)

// Handler exposes the node fleet over HTTP.
type Handler struct {
	service *service.Service
	audit   *audit.Recorder
	logger  *logger.Logger
}

// NewHandler creates a new node handler.
func NewHandler(svc *service.Service, auditor *audit.Recorder, log *logger.Logger) *Handler {
	return &Handler{service: svc, audit: auditor, logger: log.WithFields(zap.String("component", "node-handler"))}
}

// RegisterRoutes registers the node HTTP routes.
func RegisterRoutes(router *gin.Engine, svc *service.Service, auditor *audit.Recorder, log *logger.Logger) {
	h := NewHandler(svc, auditor, log)
	api := router.Group("/api/v1")
	api.POST("/enrollments", h.createEnrollment)
	api.GET("/nodes", h.listNodes)
	api.GET("/nodes/:id", h.getNode)
	api.DELETE("/nodes/:id", h.removeNode)
	api.PUT("/nodes/:id/status", h.setStatus)
	api.GET("/nodes/:id/settings", h.getSettings)
	api.PUT("/nodes/:id/settings", h.updateSettings)
}

// CreateEnrollmentRequest names the machine being onboarded.
type CreateEnrollmentRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateEnrollmentResponse returns the one-time token exactly once.
type CreateEnrollmentResponse struct {
	Enrollment *models.Enrollment `json:"enrollment"`
	Token      string             `json:"token"`
}

func (h *Handler) createEnrollment(c *gin.Context) {
	var req CreateEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	enrollment, token, err := h.service.CreateEnrollment(c.Request.Context(), req.Name)
	if err != nil {
		h.logger.Error("failed to create enrollment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create enrollment"})
		return
	}
	h.record(c, "enrollment.create", "", map[string]string{"name": req.Name})
	c.JSON(http.StatusCreated, CreateEnrollmentResponse{Enrollment: enrollment, Token: token})
}

func (h *Handler) listNodes(c *gin.Context) {
	nodes, err := h.service.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list nodes", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list nodes"})
		return
	}
	c.JSON(http.StatusOK, nodes)
}

func (h *Handler) getNode(c *gin.Context) {
	node, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, node)
}

func (h *Handler) removeNode(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Remove(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
			return
		}
		h.logger.Error("failed to remove node", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.record(c, "node.remove", id, nil)
	c.Status(http.StatusNoContent)
}

// SetStatusRequest toggles a node in and out of maintenance.
type SetStatusRequest struct {
	Status models.NodeStatus `json:"status" binding:"required"`
}

func (h *Handler) setStatus(c *gin.Context) {
	id := c.Param("id")
	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	switch req.Status {
	case models.StatusOnline, models.StatusOffline, models.StatusMaintenance:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	if err := h.service.SetStatus(c.Request.Context(), id, req.Status); err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.record(c, "node.set_status", id, map[string]string{"status": string(req.Status)})
	c.Status(http.StatusNoContent)
}

func (h *Handler) getSettings(c *gin.Context) {
	settings, err := h.service.GetSettings(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *Handler) updateSettings(c *gin.Context) {
	id := c.Param("id")
	var settings models.NodeSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	settings.NodeID = id

	// The node must exist; settings rows are not minted for unknown IDs.
	if _, err := h.service.Get(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
		return
	}
	if err := h.service.UpdateSettings(c.Request.Context(), &settings); err != nil {
		h.logger.Error("failed to update settings", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.record(c, "node.settings_update", id, nil)
	c.JSON(http.StatusOK, settings)
}

func (h *Handler) record(c *gin.Context, action, nodeID string, detail interface{}) {
	if h.audit == nil {
		return
	}
	h.audit.Record(action, httpmw.Requester(c), nodeID, detail)
}
