package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Capabilities is an agent's capability set.
type Capabilities struct {
	AI          []string `json:"ai"`
	Protocols   []string `json:"protocols"`
	Integration []string `json:"integration"`
}

// Agent is the agent record returned by the registry.
type Agent struct {
	ID               string            `json:"id"`
	DIDIdentifier    string            `json:"did_identifier"`
	DIDDocument      json.RawMessage   `json:"did_document"`
	Seed             string            `json:"seed,omitempty"` // only present for the owner
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	Capabilities     Capabilities      `json:"capabilities"`
	Status           string            `json:"status"`
	OwnerID          string            `json:"owner_id"`
	ConnectionString *string           `json:"connection_string,omitempty"`
	MQTTURI          *string           `json:"mqtt_uri,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	HasEmbedding     bool              `json:"has_embedding"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// CreateAgentRequest is the payload for CreateAgent. ID is optional; when
// set, repeating the call returns the existing agent.
type CreateAgentRequest struct {
	ID           string            `json:"id,omitempty"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Capabilities Capabilities      `json:"capabilities"`
	Status       string            `json:"status,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// UpdateAgentRequest is the payload for UpdateAgent. Nil fields are left unchanged.
type UpdateAgentRequest struct {
	Name         *string       `json:"name,omitempty"`
	Description  *string       `json:"description,omitempty"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	Status       *string       `json:"status,omitempty"`
}

// ListParams filters ListAgents.
type ListParams struct {
	Name         string
	Status       string
	DID          string
	Owner        string
	Capabilities []string
	Limit        int
	Offset       int
}

// SearchParams drives Search. Mode is one of "", "listing", "ranked",
// "lexical" or "fuzzy"; "" lets the registry choose.
type SearchParams struct {
	Keyword      string
	Capabilities []string
	Status       string
	Mode         string
	Limit        int
	Offset       int
}

// ScoredAgent is one search hit.
type ScoredAgent struct {
	Agent *Agent  `json:"agent"`
	Score float64 `json:"match_score"`
}

// SearchResult is one page of search output.
type SearchResult struct {
	Mode    string         `json:"mode"`
	Results []*ScoredAgent `json:"results"`
	Count   int            `json:"count"`
	Total   int            `json:"total"`
}

// AgentList is one page of a listing.
type AgentList struct {
	Agents []*Agent `json:"agents"`
	Count  int      `json:"count"`
	Total  int      `json:"total"`
}

// APIError is returned for any non-2xx registry response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the registry.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is the registry SDK entry point.
type Client struct {
	registryBase string
	httpClient   *http.Client
	bearerToken  string
	cache        *agentCache // nil = no caching
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("http client must not be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an owner token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// WithCacheTTL caches GetAgent results for ttl. Mutations made through the
// same Client evict the affected entry.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newAgentCache(ttl)
		return nil
	}
}

// New creates a Client for the registry at registryBase.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(token),
//	    client.WithCacheTTL(30*time.Second),
//	)
func New(registryBase string, opts ...Option) (*Client, error) {
	if registryBase == "" {
		return nil, errors.New("registry base URL is required")
	}
	c := &Client{
		registryBase: strings.TrimRight(registryBase, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(registryBase string, opts ...Option) *Client {
	c, err := New(registryBase, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ── Agents ────────────────────────────────────────────────────────────────

// CreateAgent registers a new agent. created is false when req.ID named an
// agent the caller already owns.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (agent *Agent, created bool, err error) {
	var out Agent
	status, err := c.doJSON(ctx, http.MethodPost, "/agents", nil, req, &out)
	if err != nil {
		return nil, false, err
	}
	return &out, status == http.StatusCreated, nil
}

// GetAgent fetches an agent by id.
func (c *Client) GetAgent(ctx context.Context, id string) (*Agent, error) {
	if c.cache != nil {
		if a, ok := c.cache.get(id); ok {
			return a, nil
		}
	}
	var out Agent
	if _, err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(id, &out)
	}
	return &out, nil
}

// GetAgentByDID fetches an agent by its DID.
func (c *Client) GetAgentByDID(ctx context.Context, did string) (*Agent, error) {
	var out Agent
	if _, err := c.doJSON(ctx, http.MethodGet, "/agents/did/"+url.PathEscape(did), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents returns a filtered page of agents.
func (c *Client) ListAgents(ctx context.Context, p ListParams) (*AgentList, error) {
	q := url.Values{}
	setIf(q, "name", p.Name)
	setIf(q, "status", p.Status)
	setIf(q, "did", p.DID)
	setIf(q, "owner", p.Owner)
	setIf(q, "capabilities", strings.Join(p.Capabilities, ","))
	setPage(q, p.Limit, p.Offset)

	var out AgentList
	if _, err := c.doJSON(ctx, http.MethodGet, "/agents", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MyAgents lists the agents owned by the token holder.
func (c *Client) MyAgents(ctx context.Context, limit, offset int) (*AgentList, error) {
	q := url.Values{}
	setPage(q, limit, offset)
	var out AgentList
	if _, err := c.doJSON(ctx, http.MethodGet, "/users/me/agents", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateAgent applies a partial update.
func (c *Client) UpdateAgent(ctx context.Context, id string, req UpdateAgentRequest) (*Agent, error) {
	var out Agent
	if _, err := c.doJSON(ctx, http.MethodPatch, "/agents/"+url.PathEscape(id), nil, req, &out); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.evict(id)
	}
	return &out, nil
}

// DeleteAgent removes an agent.
func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	if _, err := c.doJSON(ctx, http.MethodDelete, "/agents/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return err
	}
	if c.cache != nil {
		c.cache.evict(id)
	}
	return nil
}

// UpdateMQTT sets the broker URI of the agent whose seed is given. An empty
// uri clears it. The seed authenticates the call; no bearer token is needed.
func (c *Client) UpdateMQTT(ctx context.Context, seed, uri string) (*Agent, error) {
	body := map[string]string{"seed": seed, "mqtt_uri": uri}
	var out Agent
	if _, err := c.doJSON(ctx, http.MethodPost, "/agents/mqtt", nil, body, &out); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.evict(out.ID)
	}
	return &out, nil
}

// Credentials returns the issuer-side credentials held for an agent.
func (c *Client) Credentials(ctx context.Context, id string) (json.RawMessage, error) {
	var out struct {
		Credentials json.RawMessage `json:"credentials"`
	}
	if _, err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(id)+"/credentials", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Credentials, nil
}

// AuditEntry is one lifecycle event from an agent's audit history.
type AuditEntry struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	DataHash  string    `json:"data_hash"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// History returns the audited lifecycle events of an agent the token holder owns.
func (c *Client) History(ctx context.Context, id string) ([]AuditEntry, error) {
	var out struct {
		History []AuditEntry `json:"history"`
	}
	if _, err := c.doJSON(ctx, http.MethodGet, "/agents/"+url.PathEscape(id)+"/history", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// ── Discovery ─────────────────────────────────────────────────────────────

// Search runs a registry search.
func (c *Client) Search(ctx context.Context, p SearchParams) (*SearchResult, error) {
	q := url.Values{}
	setIf(q, "keyword", p.Keyword)
	setIf(q, "capabilities", strings.Join(p.Capabilities, ","))
	setIf(q, "status", p.Status)
	setIf(q, "mode", p.Mode)
	setPage(q, p.Limit, p.Offset)

	var out SearchResult
	if _, err := c.doJSON(ctx, http.MethodGet, "/agents/search", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Match finds active agents whose capabilities approximately match any of
// capabilities, tolerating typos.
func (c *Client) Match(ctx context.Context, capabilities ...string) (*SearchResult, error) {
	if len(capabilities) == 0 {
		return nil, errors.New("at least one capability is required")
	}
	q := url.Values{}
	q.Set("capabilities", strings.Join(capabilities, ","))

	var out SearchResult
	if _, err := c.doJSON(ctx, http.MethodGet, "/sdk/match", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyCredential asks the registry whether credential is one the issuer
// holds for the agent identified by did.
func (c *Client) VerifyCredential(ctx context.Context, did string, credential json.RawMessage) (bool, error) {
	body := map[string]any{"did": did, "credential": credential}
	var out struct {
		Valid bool `json:"valid"`
	}
	if _, err := c.doJSON(ctx, http.MethodPost, "/sdk/verify", nil, body, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// ── Transport ─────────────────────────────────────────────────────────────

// doJSON sends reqBody (when non-nil) as JSON to /api/v1+path and decodes a
// 2xx response into respBody (when non-nil). It returns the status code.
func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, reqBody, respBody any) (int, error) {
	endpoint := c.registryBase + "/api/v1" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if respBody != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, respBody); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func setPage(q url.Values, limit, offset int) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
}

// --- simple in-memory agent cache ---

type cacheEntry struct {
	agent     *Agent
	expiresAt time.Time
}

type agentCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newAgentCache(ttl time.Duration) *agentCache {
	return &agentCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (c *agentCache) get(id string) (*Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	cp := *e.agent
	return &cp, true
}

func (c *agentCache) set(id string, a *Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *a
	c.entries[id] = &cacheEntry{agent: &cp, expiresAt: time.Now().Add(c.ttl)}
}

func (c *agentCache) evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
