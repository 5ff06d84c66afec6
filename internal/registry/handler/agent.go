package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agent-registry/internal/auth"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"github.com/jmerrifield20/agent-registry/internal/registry/service"
	"go.uber.org/zap"
)

// AgentHandler handles HTTP requests for the agent registry.
type AgentHandler struct {
	provisioner *service.ProvisioningService
	agents      *service.AgentService
	search      *service.SearchService
	tokens      *auth.TokenIssuer
	logger      *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(
	provisioner *service.ProvisioningService,
	agents *service.AgentService,
	search *service.SearchService,
	tokens *auth.TokenIssuer,
	logger *zap.Logger,
) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{
		provisioner: provisioner,
		agents:      agents,
		search:      search,
		tokens:      tokens,
		logger:      logger,
	}
}

// Register registers all agent routes on the given router group.
func (h *AgentHandler) Register(rg *gin.RouterGroup) {
	requireOwner := auth.RequireOwner(h.tokens)
	optionalOwner := auth.OptionalOwner(h.tokens)

	agents := rg.Group("/agents")
	{
		agents.POST("", requireOwner, h.CreateAgent)
		agents.GET("", h.ListAgents)
		agents.GET("/search", h.SearchAgents)
		agents.POST("/mqtt", h.UpdateMQTT)
		agents.GET("/did/:did", optionalOwner, h.GetAgentByDID)
		agents.GET("/:id", optionalOwner, h.GetAgent)
		agents.PATCH("/:id", requireOwner, h.UpdateAgent)
		agents.DELETE("/:id", requireOwner, h.DeleteAgent)
		agents.GET("/:id/credentials", requireOwner, h.GetCredentials)
		agents.GET("/:id/history", requireOwner, h.GetHistory)
	}

	rg.GET("/users/me/agents", requireOwner, h.ListMyAgents)
}

// CreateAgent handles POST /agents. It runs the provisioning saga and
// responds 201, or 200 when a caller-supplied id already names one of the
// caller's agents.
func (h *AgentHandler) CreateAgent(c *gin.Context) {
	var req model.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, created, err := h.provisioner.Create(c.Request.Context(), auth.OwnerFromCtx(c), &req)
	if err != nil {
		respondError(c, h.logger, "create agent", err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, agent)
}

// ListAgents handles GET /agents?name=&status=&did=&capabilities=&owner=&limit=&offset=
func (h *AgentHandler) ListAgents(c *gin.Context) {
	var status model.AgentStatus
	if raw := c.Query("status"); raw != "" {
		s, err := model.ParseStatus(raw)
		if err != nil {
			respondError(c, h.logger, "list agents", err)
			return
		}
		status = s
	}

	limit, offset := pageParams(c, "50")
	agents, total, err := h.agents.List(c.Request.Context(), model.ListFilter{
		Name:         c.Query("name"),
		Status:       status,
		DID:          c.Query("did"),
		OwnerID:      c.Query("owner"),
		Capabilities: queryTokens(c, "capabilities"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		respondError(c, h.logger, "list agents", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents), "total": total})
}

// SearchAgents handles GET /agents/search?keyword=&capabilities=&status=&mode=&limit=&offset=
func (h *AgentHandler) SearchAgents(c *gin.Context) {
	q, err := searchQuery(c)
	if err != nil {
		respondError(c, h.logger, "search agents", err)
		return
	}

	res, err := h.search.Search(c.Request.Context(), q)
	if err != nil {
		respondError(c, h.logger, "search agents", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetAgent handles GET /agents/:id. The seed is included only for the owner.
func (h *AgentHandler) GetAgent(c *gin.Context) {
	agent, err := h.agents.Get(c.Request.Context(), c.Param("id"), auth.OwnerFromCtx(c))
	if err != nil {
		respondError(c, h.logger, "get agent", err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// GetAgentByDID handles GET /agents/did/:did.
func (h *AgentHandler) GetAgentByDID(c *gin.Context) {
	agent, err := h.agents.GetByDID(c.Request.Context(), c.Param("did"), auth.OwnerFromCtx(c))
	if err != nil {
		respondError(c, h.logger, "get agent by did", err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// UpdateAgent handles PATCH /agents/:id.
func (h *AgentHandler) UpdateAgent(c *gin.Context) {
	var req model.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := h.agents.Update(c.Request.Context(), c.Param("id"), auth.OwnerFromCtx(c), &req)
	if err != nil {
		respondError(c, h.logger, "update agent", err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// DeleteAgent handles DELETE /agents/:id.
func (h *AgentHandler) DeleteAgent(c *gin.Context) {
	if err := h.agents.Delete(c.Request.Context(), c.Param("id"), auth.OwnerFromCtx(c)); err != nil {
		respondError(c, h.logger, "delete agent", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetCredentials handles GET /agents/:id/credentials.
func (h *AgentHandler) GetCredentials(c *gin.Context) {
	creds, err := h.agents.Credentials(c.Request.Context(), c.Param("id"), auth.OwnerFromCtx(c))
	if err != nil {
		respondError(c, h.logger, "get credentials", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": creds})
}

// GetHistory handles GET /agents/:id/history.
func (h *AgentHandler) GetHistory(c *gin.Context) {
	entries, err := h.agents.History(c.Request.Context(), c.Param("id"), auth.OwnerFromCtx(c))
	if err != nil {
		respondError(c, h.logger, "get history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}

// UpdateMQTT handles POST /agents/mqtt with {"seed": "...", "mqtt_uri": "..."}.
// The seed authorizes the call; no owner token is needed.
func (h *AgentHandler) UpdateMQTT(c *gin.Context) {
	var req model.MQTTRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := h.agents.UpdateMQTT(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "update mqtt uri", err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// ListMyAgents handles GET /users/me/agents.
func (h *AgentHandler) ListMyAgents(c *gin.Context) {
	limit, offset := pageParams(c, "50")
	agents, total, err := h.agents.ListMine(c.Request.Context(), auth.OwnerFromCtx(c), limit, offset)
	if err != nil {
		respondError(c, h.logger, "list my agents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents), "total": total})
}

// ── Query helpers ─────────────────────────────────────────────────────────

func searchQuery(c *gin.Context) (model.SearchQuery, error) {
	mode, err := model.ParseSearchMode(c.Query("mode"))
	if err != nil {
		return model.SearchQuery{}, err
	}
	status, err := model.ParseStatus(c.Query("status"))
	if err != nil {
		return model.SearchQuery{}, err
	}
	limit, offset := pageParams(c, "20")
	return model.SearchQuery{
		Keyword:      strings.TrimSpace(c.Query("keyword")),
		Capabilities: queryTokens(c, "capabilities"),
		Status:       status,
		Mode:         mode,
		Limit:        limit,
		Offset:       offset,
	}, nil
}

// queryTokens accepts both ?key=a,b and repeated ?key=a&key=b.
func queryTokens(c *gin.Context, key string) []string {
	return model.SplitTokens(strings.Join(c.QueryArray(key), ","))
}

// pageParams reads limit/offset. Range clamping is left to the services.
func pageParams(c *gin.Context, defaultLimit string) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", defaultLimit))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}
