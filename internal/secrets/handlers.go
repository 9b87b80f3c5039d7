package secrets

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/manlab/manlab/internal/audit"
	"github.com/manlab/manlab/internal/common/httpmw"
	"github.com/manlab/manlab/internal/common/logger"
)

// Handler provides HTTP handlers for secrets CRUD.
type Handler struct {
	service *Service
	audit   *audit.Recorder
	logger  *logger.Logger
}

// NewHandler creates a new secrets handler.
func NewHandler(svc *Service, auditor *audit.Recorder, log *logger.Logger) *Handler {
	return &Handler{service: svc, audit: auditor, logger: log}
}

// RegisterRoutes registers the secrets HTTP routes.
func RegisterRoutes(router *gin.Engine, svc *Service, auditor *audit.Recorder, log *logger.Logger) {
	h := NewHandler(svc, auditor, log)
	api := router.Group("/api/v1")
	api.POST("/secrets", h.create)
	api.GET("/secrets", h.list)
	api.PUT("/secrets/:id", h.update)
	api.DELETE("/secrets/:id", h.remove)
	api.POST("/secrets/:id/reveal", h.reveal)
}

// SecretRequest carries a secret's name and plaintext value.
type SecretRequest struct {
	Name  string `json:"name"`
	Value string `json:"value" binding:"required"`
}

// RevealResponse returns the decrypted value.
type RevealResponse struct {
	Value string `json:"value"`
}

func (h *Handler) create(c *gin.Context) {
	var req SecretRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	secret, err := h.service.Create(c.Request.Context(), req.Name, req.Value)
	if err != nil {
		h.logger.Error("failed to create secret", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.record(c, "secret.create", map[string]string{"name": req.Name})
	c.JSON(http.StatusCreated, secret)
}

func (h *Handler) list(c *gin.Context) {
	secrets, err := h.service.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list secrets", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list secrets"})
		return
	}
	c.JSON(http.StatusOK, secrets)
}

func (h *Handler) update(c *gin.Context) {
	var req SecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	if err := h.service.Update(c.Request.Context(), c.Param("id"), req.Value); err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.record(c, "secret.update", map[string]string{"secret_id": c.Param("id")})
	c.Status(http.StatusNoContent)
}

func (h *Handler) remove(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.record(c, "secret.delete", map[string]string{"secret_id": c.Param("id")})
	c.Status(http.StatusNoContent)
}

// reveal is a POST so it lands in access logs and the audit trail.
func (h *Handler) reveal(c *gin.Context) {
	value, err := h.service.Reveal(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("failed to reveal secret", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.record(c, "secret.reveal", map[string]string{"secret_id": c.Param("id")})
	c.JSON(http.StatusOK, RevealResponse{Value: value})
}

func (h *Handler) record(c *gin.Context, action string, detail interface{}) {
	if h.audit == nil {
		return
	}
	h.audit.Record(action, httpmw.Requester(c), "", detail)
}
