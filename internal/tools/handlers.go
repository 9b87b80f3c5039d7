package tools

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/command"
	"github.com/manlab/manlab/internal/common/httpmw"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/node/store"
	"github.com/manlab/manlab/internal/session"
	"github.com/manlab/manlab/internal/session/models"
	"github.com/manlab/manlab/internal/vpath"
)

// Handler exposes the remote tools and their allow-list policies over HTTP.
type Handler struct {
	terminal *Terminal
	logs     *LogViewer
	files    *FileBrowser
	policies *session.PolicyStore
	logger   *logger.Logger
}

// NewHandler creates a new tools handler.
func NewHandler(terminal *Terminal, logs *LogViewer, files *FileBrowser, policies *session.PolicyStore, log *logger.Logger) *Handler {
	return &Handler{
		terminal: terminal,
		logs:     logs,
		files:    files,
		policies: policies,
		logger:   log.WithFields(zap.String("component", "tools-handler")),
	}
}

// RegisterRoutes registers the remote tools HTTP routes.
func RegisterRoutes(router *gin.Engine, terminal *Terminal, logs *LogViewer, files *FileBrowser, policies *session.PolicyStore, log *logger.Logger) {
	h := NewHandler(terminal, logs, files, policies, log)
	api := router.Group("/api/v1")

	api.POST("/nodes/:id/log-policies", h.createLogPolicy)
	api.GET("/nodes/:id/log-policies", h.listLogPolicies)
	api.DELETE("/log-policies/:policyId", h.deleteLogPolicy)
	api.POST("/nodes/:id/file-policies", h.createFilePolicy)
	api.GET("/nodes/:id/file-policies", h.listFilePolicies)
	api.DELETE("/file-policies/:policyId", h.deleteFilePolicy)

	api.POST("/nodes/:id/terminal", h.openTerminal)
	api.GET("/terminal/:sessionId", h.getTerminal)
	api.POST("/terminal/:sessionId/input", h.terminalInput)
	api.DELETE("/terminal/:sessionId", h.closeTerminal)

	api.POST("/nodes/:id/log-sessions", h.createLogSession)
	api.GET("/log-sessions/:sessionId/read", h.readLogs)
	api.GET("/log-sessions/:sessionId/tail", h.tailLogs)

	api.POST("/nodes/:id/file-sessions", h.createFileSession)
	api.GET("/file-sessions/:sessionId/list", h.listFiles)
	api.GET("/file-sessions/:sessionId/read", h.readFile)
}

// Policy CRUD

// CreateLogPolicyRequest allow-lists one log path.
type CreateLogPolicyRequest struct {
	Name string `json:"name" binding:"required"`
	Path string `json:"path" binding:"required"`
}

func (h *Handler) createLogPolicy(c *gin.Context) {
	var req CreateLogPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if _, err := vpath.Normalize(req.Path); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p := &models.LogViewerPolicy{
		ID:     uuid.New().String(),
		NodeID: c.Param("id"),
		Name:   req.Name,
		Path:   req.Path,
	}
	if err := h.policies.CreateLogViewerPolicy(c.Request.Context(), p); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) listLogPolicies(c *gin.Context) {
	items, err := h.policies.ListLogViewerPolicies(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) deleteLogPolicy(c *gin.Context) {
	if err := h.policies.DeleteLogViewerPolicy(c.Request.Context(), c.Param("policyId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateFilePolicyRequest allow-lists one filesystem root.
type CreateFilePolicyRequest struct {
	Name         string `json:"name" binding:"required"`
	RootPath     string `json:"root_path" binding:"required"`
	MaxReadBytes int64  `json:"max_read_bytes"`
}

func (h *Handler) createFilePolicy(c *gin.Context) {
	var req CreateFilePolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if _, err := vpath.Normalize(req.RootPath); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p := &models.FileBrowserPolicy{
		ID:           uuid.New().String(),
		NodeID:       c.Param("id"),
		Name:         req.Name,
		RootPath:     req.RootPath,
		MaxReadBytes: req.MaxReadBytes,
	}
	if err := h.policies.CreateFileBrowserPolicy(c.Request.Context(), p); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (h *Handler) listFilePolicies(c *gin.Context) {
	items, err := h.policies.ListFileBrowserPolicies(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) deleteFilePolicy(c *gin.Context) {
	if err := h.policies.DeleteFileBrowserPolicy(c.Request.Context(), c.Param("policyId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Terminal

// OpenTerminalRequest starts a terminal session on a node.
type OpenTerminalRequest struct {
	Shell      string `json:"shell"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (h *Handler) openTerminal(c *gin.Context) {
	var req OpenTerminalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	s, err := h.terminal.Open(c.Request.Context(), c.Param("id"), req.Shell,
		httpmw.Requester(c), ttl(req.TTLSeconds))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

// TerminalView is a terminal session plus its output buffer.
type TerminalView struct {
	Session *models.Session `json:"session"`
	Output  string          `json:"output"`
}

func (h *Handler) getTerminal(c *gin.Context) {
	s, output, err := h.terminal.Get(c.Param("sessionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TerminalView{Session: s, Output: output})
}

// TerminalInputRequest carries one line of input.
type TerminalInputRequest struct {
	Input string `json:"input" binding:"required"`
}

func (h *Handler) terminalInput(c *gin.Context) {
	var req TerminalInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	output, err := h.terminal.Input(c.Request.Context(), c.Param("sessionId"), req.Input)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": output})
}

func (h *Handler) closeTerminal(c *gin.Context) {
	if err := h.terminal.Close(c.Request.Context(), c.Param("sessionId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Log viewer

// CreateLogSessionRequest opens a log viewer session against a policy.
type CreateLogSessionRequest struct {
	PolicyID   string `json:"policy_id" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (h *Handler) createLogSession(c *gin.Context) {
	var req CreateLogSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	s, err := h.logs.CreateSession(c.Request.Context(), c.Param("id"), req.PolicyID,
		httpmw.Requester(c), ttl(req.TTLSeconds))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *Handler) readLogs(c *gin.Context) {
	result, err := h.logs.Read(c.Request.Context(), c.Param("sessionId"), intQuery(c, "max_lines"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) tailLogs(c *gin.Context) {
	result, err := h.logs.Tail(c.Request.Context(), c.Param("sessionId"), intQuery(c, "duration_seconds"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// File browser

// CreateFileSessionRequest opens a file browser session. Without a policy ID
// a system session rooted at / is minted.
type CreateFileSessionRequest struct {
	PolicyID   string `json:"policy_id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (h *Handler) createFileSession(c *gin.Context) {
	var req CreateFileSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	ctx := c.Request.Context()
	nodeID := c.Param("id")
	requester := httpmw.Requester(c)

	var s *models.Session
	var err error
	if req.PolicyID == "" {
		s, err = h.files.CreateSystemSession(ctx, nodeID, requester, ttl(req.TTLSeconds))
	} else {
		s, err = h.files.CreateSession(ctx, nodeID, req.PolicyID, requester, ttl(req.TTLSeconds))
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *Handler) listFiles(c *gin.Context) {
	result, err := h.files.List(c.Request.Context(), c.Param("sessionId"),
		c.Query("path"), intQuery(c, "max_entries"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) readFile(c *gin.Context) {
	result, err := h.files.Read(c.Request.Context(), c.Param("sessionId"),
		c.Query("path"), int64(intQuery(c, "max_bytes")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Helpers

func ttl(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// intQuery parses a numeric query parameter; malformed or missing values
// fall back to the service default.
func intQuery(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// writeError maps tool errors onto HTTP statuses. Path validation messages
// are returned verbatim so the dashboard can show them as-is.
func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRemoteToolsDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, session.ErrPolicyNotFound),
		errors.Is(err, store.ErrNodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrPolicyMismatch),
		errors.Is(err, ErrPathOutsideRoot),
		errors.Is(err, ErrMalformedResponse),
		errors.Is(err, vpath.ErrTraversal),
		errors.Is(err, vpath.ErrDriveColon),
		errors.Is(err, command.ErrAgentFailed):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, command.ErrWaitTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		h.logger.Error("tool request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
