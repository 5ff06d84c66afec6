package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agent-registry/internal/audit"
	"go.uber.org/zap"
)

// AuditHandler exposes read-only views of the lifecycle audit log.
type AuditHandler struct {
	log    audit.Log
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(log audit.Log, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{log: log, logger: logger}
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit")
	{
		a.GET("", h.Overview)
		a.GET("/verify", h.Verify)
	}
}

// Overview handles GET /audit. It returns the chain length and its root hash.
func (h *AuditHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	n, err := h.log.Len(ctx)
	if err != nil {
		h.logger.Error("audit log length", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log unavailable"})
		return
	}
	root, err := h.log.Root(ctx)
	if err != nil {
		h.logger.Error("audit log root", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": n, "root": root})
}

// Verify handles GET /audit/verify. A broken chain is reported in the body
// with status 200; only a failure to read the log is an error response.
func (h *AuditHandler) Verify(c *gin.Context) {
	err := h.log.Verify(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"valid": true})
	case errors.Is(err, audit.ErrBrokenChain):
		h.logger.Warn("audit chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
	default:
		h.logger.Error("audit chain verification", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log unavailable"})
	}
}
