package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"github.com/jmerrifield20/agent-registry/internal/similarity"
)

// MemoryAgentRepository is an in-process AgentRepository. It is used for
// single-process deployments (store.driver = memory) and in tests.
// All methods are safe for concurrent use.
type MemoryAgentRepository struct {
	mu        sync.RWMutex
	rows      map[string]*memoryRow
	byDID     map[string]string
	now       func() time.Time
	lastStamp time.Time
}

type memoryRow struct {
	agent     model.Agent
	embedding []float32
}

// NewMemoryAgentRepository creates an empty in-process store.
func NewMemoryAgentRepository() *MemoryAgentRepository {
	return &MemoryAgentRepository{
		rows:  make(map[string]*memoryRow),
		byDID: make(map[string]string),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// stamp returns a strictly increasing timestamp so creation order is total.
func (m *MemoryAgentRepository) stamp() time.Time {
	t := m.now()
	if !t.After(m.lastStamp) {
		t = m.lastStamp.Add(time.Microsecond)
	}
	m.lastStamp = t
	return t
}

// CreateVerified inserts the agent and its embedding atomically.
func (m *MemoryAgentRepository) CreateVerified(_ context.Context, agent *model.Agent, embedding []float32) error {
	if len(embedding) != model.EmbeddingDimensions {
		return fmt.Errorf("%w: embedding has %d dimensions", model.ErrStorage, len(embedding))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rows[agent.ID]; exists {
		return fmt.Errorf("%w: agents_pkey", model.ErrConflict)
	}
	if _, exists := m.byDID[agent.DIDIdentifier]; exists {
		return fmt.Errorf("%w: agents_did_identifier_key", model.ErrConflict)
	}

	now := m.stamp()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	agent.HasEmbedding = true

	row := &memoryRow{agent: cloneAgent(agent), embedding: append([]float32(nil), embedding...)}
	m.rows[agent.ID] = row
	m.byDID[agent.DIDIdentifier] = agent.ID
	return nil
}

// StoreEmbedding replaces an agent's embedding.
func (m *MemoryAgentRepository) StoreEmbedding(_ context.Context, id string, embedding []float32) error {
	if len(embedding) != model.EmbeddingDimensions {
		return fmt.Errorf("%w: embedding has %d dimensions", model.ErrStorage, len(embedding))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return model.ErrNotFound
	}
	row.embedding = append([]float32(nil), embedding...)
	row.agent.HasEmbedding = true
	row.agent.UpdatedAt = m.stamp()
	return nil
}

// GetByID returns a copy of the agent with the given id.
func (m *MemoryAgentRepository) GetByID(_ context.Context, id string) (*model.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	a := cloneAgent(&row.agent)
	return &a, nil
}

// GetByDID returns a copy of the agent with the given DID.
func (m *MemoryAgentRepository) GetByDID(ctx context.Context, did string) (*model.Agent, error) {
	m.mu.RLock()
	id, ok := m.byDID[did]
	m.mu.RUnlock()
	if !ok {
		return nil, model.ErrNotFound
	}
	return m.GetByID(ctx, id)
}

// List returns a page of agents matching f, newest first.
func (m *MemoryAgentRepository) List(_ context.Context, f model.ListFilter) ([]*model.Agent, int, error) {
	name := strings.ToLower(f.Name)
	matched := m.collect(func(row *memoryRow) (float64, bool) {
		a := &row.agent
		if name != "" && !strings.Contains(strings.ToLower(a.Name), name) {
			return 0, false
		}
		if f.Status != "" && a.Status != f.Status {
			return 0, false
		}
		if f.DID != "" && a.DIDIdentifier != f.DID {
			return 0, false
		}
		if f.OwnerID != "" && a.OwnerID != f.OwnerID {
			return 0, false
		}
		return 1.0, a.Capabilities.MatchesAny(f.Capabilities)
	})
	sortNewest(matched)
	page, total := paginate(matched, f.Limit, f.Offset)

	agents := make([]*model.Agent, len(page))
	for i, s := range page {
		agents[i] = s.Agent
	}
	return agents, total, nil
}

// AllByStatus returns every agent with the given status, newest first.
func (m *MemoryAgentRepository) AllByStatus(ctx context.Context, status model.AgentStatus) ([]*model.Agent, error) {
	agents, _, err := m.List(ctx, model.ListFilter{Status: status, Limit: maxScan})
	return agents, err
}

// SemanticSearch ranks agents by cosine similarity in process.
func (m *MemoryAgentRepository) SemanticSearch(_ context.Context, q model.SemanticQuery) ([]*model.ScoredAgent, int, error) {
	if len(q.Embedding) != model.EmbeddingDimensions {
		return nil, 0, fmt.Errorf("%w: query embedding has %d dimensions", model.ErrStorage, len(q.Embedding))
	}
	matched := m.collect(func(row *memoryRow) (float64, bool) {
		if row.embedding == nil {
			return 0, false
		}
		if q.Status != "" && row.agent.Status != q.Status {
			return 0, false
		}
		score := similarity.Cosine(q.Embedding, row.embedding)
		if score <= q.Floor {
			return 0, false
		}
		return score, row.agent.Capabilities.MatchesAny(q.Capabilities)
	})
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Score != matched[j].Score {
			return matched[i].Score > matched[j].Score
		}
		return matched[i].Agent.CreatedAt.After(matched[j].Agent.CreatedAt)
	})
	page, total := paginate(matched, q.Limit, q.Offset)
	return page, total, nil
}

// LexicalSearch matches the keyword against name, description and metadata values.
func (m *MemoryAgentRepository) LexicalSearch(_ context.Context, q model.LexicalQuery) ([]*model.ScoredAgent, int, error) {
	kw := strings.ToLower(q.Keyword)
	matched := m.collect(func(row *memoryRow) (float64, bool) {
		a := &row.agent
		if q.Status != "" && a.Status != q.Status {
			return 0, false
		}
		if kw != "" && !lexicalHit(a, kw) {
			return 0, false
		}
		return 1.0, a.Capabilities.MatchesAny(q.Capabilities)
	})
	sortNewest(matched)
	page, total := paginate(matched, q.Limit, q.Offset)
	return page, total, nil
}

func lexicalHit(a *model.Agent, kw string) bool {
	if strings.Contains(strings.ToLower(a.Name), kw) || strings.Contains(strings.ToLower(a.Description), kw) {
		return true
	}
	for _, v := range a.Metadata {
		if strings.Contains(strings.ToLower(v), kw) {
			return true
		}
	}
	return false
}

// Update persists the mutable fields of agent.
func (m *MemoryAgentRepository) Update(_ context.Context, agent *model.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[agent.ID]
	if !ok {
		return model.ErrNotFound
	}
	agent.UpdatedAt = m.stamp()
	row.agent.Name = agent.Name
	row.agent.Description = agent.Description
	row.agent.Capabilities = agent.Capabilities
	row.agent.Status = agent.Status
	row.agent.UpdatedAt = agent.UpdatedAt
	return nil
}

// SetConnectionString records the issuer-side connection handle.
func (m *MemoryAgentRepository) SetConnectionString(_ context.Context, id, conn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return model.ErrNotFound
	}
	row.agent.ConnectionString = &conn
	row.agent.UpdatedAt = m.stamp()
	return nil
}

// SetMQTTURI records the broker URI the agent is reachable on. nil clears it.
func (m *MemoryAgentRepository) SetMQTTURI(_ context.Context, id string, uri *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return model.ErrNotFound
	}
	row.agent.MQTTURI = nil
	if uri != nil {
		u := *uri
		row.agent.MQTTURI = &u
	}
	row.agent.UpdatedAt = m.stamp()
	return nil
}

// Delete removes an agent.
func (m *MemoryAgentRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return model.ErrNotFound
	}
	delete(m.byDID, row.agent.DIDIdentifier)
	delete(m.rows, id)
	return nil
}

// CountByStatus returns the number of agents per status.
func (m *MemoryAgentRepository) CountByStatus(_ context.Context) (map[model.AgentStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[model.AgentStatus]int)
	for _, row := range m.rows {
		counts[row.agent.Status]++
	}
	return counts, nil
}

// Ping always succeeds.
func (m *MemoryAgentRepository) Ping(context.Context) error { return nil }

// Len returns the number of stored agents.
func (m *MemoryAgentRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// collect returns copies of every row accepted by keep, with its score.
func (m *MemoryAgentRepository) collect(keep func(*memoryRow) (float64, bool)) []*model.ScoredAgent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ScoredAgent
	for _, row := range m.rows {
		if score, ok := keep(row); ok {
			a := cloneAgent(&row.agent)
			out = append(out, &model.ScoredAgent{Agent: &a, Score: score})
		}
	}
	return out
}

func sortNewest(s []*model.ScoredAgent) {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Agent.CreatedAt.After(s[j].Agent.CreatedAt)
	})
}

func paginate(s []*model.ScoredAgent, limit, offset int) ([]*model.ScoredAgent, int) {
	total := len(s)
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*model.ScoredAgent{}, total
	}
	end := min(offset+limit, total)
	return s[offset:end], total
}

func cloneAgent(a *model.Agent) model.Agent {
	cp := *a
	cp.DIDDocument = append([]byte(nil), a.DIDDocument...)
	cp.Capabilities = model.Capabilities{
		AI:          append([]string(nil), a.Capabilities.AI...),
		Protocols:   append([]string(nil), a.Capabilities.Protocols...),
		Integration: append([]string(nil), a.Capabilities.Integration...),
	}
	if a.ConnectionString != nil {
		conn := *a.ConnectionString
		cp.ConnectionString = &conn
	}
	if a.MQTTURI != nil {
		uri := *a.MQTTURI
		cp.MQTTURI = &uri
	}
	if a.Metadata != nil {
		cp.Metadata = make(model.AgentMeta, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
