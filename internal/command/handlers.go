package command

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/command/store"
	"github.com/manlab/manlab/internal/common/logger"
)

// Handler exposes the command queue over HTTP.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates a new command handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log.WithFields(zap.String("component", "command-handler"))}
}

// RegisterRoutes registers the command HTTP routes.
func RegisterRoutes(router *gin.Engine, svc *Service, log *logger.Logger) {
	h := NewHandler(svc, log)
	api := router.Group("/api/v1")
	api.POST("/nodes/:id/commands", h.submit)
	api.GET("/nodes/:id/commands/pending", h.listPending)
	api.POST("/nodes/:id/commands/:commandId/cancel", h.cancel)
	api.GET("/commands/:commandId", h.get)
}

// SubmitCommandRequest queues a command for a node. A zero wait enqueues and
// returns immediately; a positive wait blocks until the agent responds.
type SubmitCommandRequest struct {
	Type        string          `json:"type" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	WaitSeconds int             `json:"wait_seconds"`
}

func (h *Handler) submit(c *gin.Context) {
	nodeID := c.Param("id")
	var req SubmitCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ctx := c.Request.Context()
	if req.WaitSeconds <= 0 {
		cmd, err := h.service.Enqueue(ctx, nodeID, req.Type, req.Payload)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, cmd)
		return
	}

	cmd, err := h.service.Run(ctx, nodeID, req.Type, req.Payload,
		WaitOption{Explicit: time.Duration(req.WaitSeconds) * time.Second})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (h *Handler) get(c *gin.Context) {
	cmd, err := h.service.Get(c.Request.Context(), c.Param("commandId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func (h *Handler) listPending(c *gin.Context) {
	cmds, err := h.service.ListPending(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("failed to list pending commands", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cmds)
}

func (h *Handler) cancel(c *gin.Context) {
	cmd, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.Param("commandId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, cmd)
}

// writeError maps queue errors onto HTTP statuses. A failed command is the
// agent's verdict, not a server fault, so it comes back as 400 with the
// output tail in the message.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrCommandNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "command not found"})
	case errors.Is(err, store.ErrAlreadyTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrUnknownCommandType), errors.Is(err, ErrPayloadTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrWaitTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAgentFailed):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("command request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
