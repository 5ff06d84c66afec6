package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"github.com/jmerrifield20/agent-registry/internal/registry/service"
	"go.uber.org/zap"
)

// SDKHandler serves the lightweight endpoints used by agent SDKs: fuzzy
// capability matching and credential verification.
type SDKHandler struct {
	agents *service.AgentService
	search *service.SearchService
	logger *zap.Logger
}

// NewSDKHandler creates a new SDKHandler.
func NewSDKHandler(agents *service.AgentService, search *service.SearchService, logger *zap.Logger) *SDKHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SDKHandler{agents: agents, search: search, logger: logger}
}

// Register mounts the SDK routes under /sdk.
func (h *SDKHandler) Register(rg *gin.RouterGroup) {
	sdk := rg.Group("/sdk")
	sdk.GET("/match", h.Match)
	sdk.POST("/verify", h.Verify)
}

// Match handles GET /sdk/match?capabilities=a,b
//
// Runs the fuzzy scorer over all active agents.
func (h *SDKHandler) Match(c *gin.Context) {
	caps := queryTokens(c, "capabilities")
	if len(caps) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "capabilities query parameter is required"})
		return
	}
	limit, offset := pageParams(c, "20")

	res, err := h.search.Search(c.Request.Context(), model.SearchQuery{
		Capabilities: caps,
		Status:       model.AgentStatusActive,
		Mode:         model.SearchModeFuzzy,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		respondError(c, h.logger, "sdk match", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type verifyRequest struct {
	DID        string          `json:"did"        binding:"required"`
	Credential json.RawMessage `json:"credential" binding:"required"`
}

// Verify handles POST /sdk/verify with {"did": "...", "credential": {...}}.
func (h *SDKHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	valid, err := h.agents.VerifyCredential(c.Request.Context(), req.DID, req.Credential)
	if err != nil {
		respondError(c, h.logger, "verify credential", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"did": req.DID, "valid": valid})
}
