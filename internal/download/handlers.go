package download

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/common/httpmw"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/stream"
	"github.com/manlab/manlab/internal/tools"
)

// Handler exposes the download lifecycle over HTTP.
type Handler struct {
	coordinator *Coordinator
	logger      *logger.Logger
}

// NewHandler creates a new download handler.
func NewHandler(coordinator *Coordinator, log *logger.Logger) *Handler {
	return &Handler{coordinator: coordinator, logger: log.WithFields(zap.String("component", "download-handler"))}
}

// RegisterRoutes registers the download HTTP routes.
func RegisterRoutes(router *gin.Engine, coordinator *Coordinator, log *logger.Logger) {
	h := NewHandler(coordinator, log)
	api := router.Group("/api/v1")
	api.POST("/downloads", h.create)
	api.GET("/downloads/:id", h.status)
	api.GET("/downloads/:id/stream", h.streamFile)
	api.POST("/downloads/:id/cancel", h.cancel)
}

// CreateDownloadRequest starts a download through a file browser session.
type CreateDownloadRequest struct {
	NodeID    string   `json:"node_id" binding:"required"`
	SessionID string   `json:"session_id" binding:"required"`
	Paths     []string `json:"paths" binding:"required"`
	AsZip     *bool    `json:"as_zip"`
}

func (h *Handler) create(c *gin.Context) {
	var req CreateDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	snap, err := h.coordinator.Create(c.Request.Context(), req.NodeID, req.SessionID,
		req.Paths, req.AsZip, httpmw.Requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h *Handler) status(c *gin.Context) {
	snap, err := h.coordinator.Status(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) cancel(c *gin.Context) {
	if err := h.coordinator.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// streamFile is the single streaming consumer endpoint. Headers must be
// written before the first chunk, so all request validation happens in
// OpenStream; once Run starts, a failure can only abort the connection.
func (h *Handler) streamFile(c *gin.Context) {
	as, err := h.coordinator.OpenStream(c.Request.Context(), c.Param("id"), c.GetHeader("Range"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.Header("Content-Type", as.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", as.Filename))
	c.Header("Accept-Ranges", "bytes")
	if as.ContentLength >= 0 {
		c.Header("Content-Length", strconv.FormatInt(as.ContentLength, 10))
	}
	if as.ContentRange != "" {
		c.Header("Content-Range", as.ContentRange)
	}
	c.Status(as.StatusCode)

	if err := as.Run(c.Request.Context(), c.Writer); err != nil {
		// Headers are gone; all we can do is log and drop the connection.
		h.logger.Warn("download stream aborted",
			zap.String("download_id", c.Param("id")), zap.Error(err))
		c.Abort()
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDownloadNotFound), errors.Is(err, tools.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrStreamInProgress), errors.Is(err, ErrDownloadTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, ErrAgentDisconnected):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNoPaths):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrZipNeverReady):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, stream.ErrStreamCancelled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.logger.Error("download request failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
