package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"github.com/pgvector/pgvector-go"
)

const (
	defaultLimit = 50
	// maxScan bounds full-table reads used by the fuzzy matcher.
	maxScan = 5000
)

// agentColumns is the projection shared by every agent query. The vector
// itself is never read back; only its presence.
const agentColumns = `
	a.id, a.did_identifier, a.did_document, a.seed, a.name, a.description,
	a.capabilities, a.status, a.owner_id, a.connection_string, a.mqtt_uri,
	a.embedding IS NOT NULL, a.created_at, a.updated_at`

// AgentRepository persists agents and their embeddings in PostgreSQL with
// the pgvector extension.
type AgentRepository struct {
	db *pgxpool.Pool
}

// NewAgentRepository creates a new AgentRepository.
func NewAgentRepository(db *pgxpool.Pool) *AgentRepository {
	return &AgentRepository{db: db}
}

// CreateVerified inserts the agent and its embedding in one transaction and
// reads the embedding back before committing. Nothing is visible unless all
// three steps succeed. No network calls other than the database happen
// while the transaction is open.
func (r *AgentRepository) CreateVerified(ctx context.Context, agent *model.Agent, embedding []float32) error {
	if len(embedding) != model.EmbeddingDimensions {
		return fmt.Errorf("%w: embedding has %d dimensions", model.ErrStorage, len(embedding))
	}
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return mapError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO agents (
			id, did_identifier, did_document, seed, name, description,
			capabilities, status, owner_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		agent.ID, agent.DIDIdentifier, []byte(agent.DIDDocument), agent.Seed,
		agent.Name, agent.Description, caps, agent.Status, agent.OwnerID,
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("insert agent: %w", err))
	}

	for k, v := range agent.Metadata {
		if _, err := tx.Exec(ctx, `
			INSERT INTO agent_metadata (agent_id, key, value, visibility)
			VALUES ($1, $2, $3, 'PUBLIC')`, agent.ID, k, v); err != nil {
			return mapError(fmt.Errorf("insert metadata: %w", err))
		}
	}

	if err := storeAndVerify(ctx, tx, agent.ID, embedding); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit agent: %w", err))
	}
	agent.HasEmbedding = true
	return nil
}

// StoreEmbedding replaces the embedding of an existing agent and verifies it.
func (r *AgentRepository) StoreEmbedding(ctx context.Context, id string, embedding []float32) error {
	if len(embedding) != model.EmbeddingDimensions {
		return fmt.Errorf("%w: embedding has %d dimensions", model.ErrStorage, len(embedding))
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return mapError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := storeAndVerify(ctx, tx, id, embedding); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("commit embedding: %w", err))
	}
	return nil
}

func storeAndVerify(ctx context.Context, tx pgx.Tx, id string, embedding []float32) error {
	tag, err := tx.Exec(ctx,
		`UPDATE agents SET embedding = $2, updated_at = NOW() WHERE id = $1`,
		id, pgvector.NewVector(embedding))
	if err != nil {
		return mapError(fmt.Errorf("store embedding: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}

	var stored bool
	if err := tx.QueryRow(ctx,
		`SELECT embedding IS NOT NULL FROM agents WHERE id = $1`, id,
	).Scan(&stored); err != nil {
		return mapError(fmt.Errorf("verify embedding: %w", err))
	}
	if !stored {
		return fmt.Errorf("%w: embedding not present after write for agent %s", model.ErrStorage, id)
	}
	return nil
}

// GetByID retrieves an agent and its public metadata.
func (r *AgentRepository) GetByID(ctx context.Context, id string) (*model.Agent, error) {
	a, err := r.scanOne(ctx, `SELECT `+agentColumns+` FROM agents a WHERE a.id = $1`, id)
	if err != nil {
		return nil, err
	}
	return a, r.loadMetadata(ctx, a)
}

// GetByDID retrieves an agent by its DID identifier.
func (r *AgentRepository) GetByDID(ctx context.Context, did string) (*model.Agent, error) {
	a, err := r.scanOne(ctx, `SELECT `+agentColumns+` FROM agents a WHERE a.did_identifier = $1`, did)
	if err != nil {
		return nil, err
	}
	return a, r.loadMetadata(ctx, a)
}

// List returns a page of agents matching f, newest first, and the total
// number of matches.
func (r *AgentRepository) List(ctx context.Context, f model.ListFilter) ([]*model.Agent, int, error) {
	w := &whereBuilder{}
	w.contains("a.name", f.Name)
	if f.Status != "" {
		w.add("a.status = " + w.arg(f.Status))
	}
	if f.DID != "" {
		w.add("a.did_identifier = " + w.arg(f.DID))
	}
	if f.OwnerID != "" {
		w.add("a.owner_id = " + w.arg(f.OwnerID))
	}
	w.capabilities(f.Capabilities)

	scored, total, err := r.page(ctx, w, "", "a.created_at DESC", f.Limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	agents := make([]*model.Agent, len(scored))
	for i, s := range scored {
		agents[i] = s.Agent
	}
	return agents, total, nil
}

// AllByStatus returns every agent with the given status, newest first,
// capped at a fixed scan size.
func (r *AgentRepository) AllByStatus(ctx context.Context, status model.AgentStatus) ([]*model.Agent, error) {
	agents, _, err := r.List(ctx, model.ListFilter{Status: status, Limit: maxScan})
	return agents, err
}

// SemanticSearch ranks agents by cosine similarity to q.Embedding. Only
// agents above q.Floor that pass the capability filter are returned.
func (r *AgentRepository) SemanticSearch(ctx context.Context, q model.SemanticQuery) ([]*model.ScoredAgent, int, error) {
	if len(q.Embedding) != model.EmbeddingDimensions {
		return nil, 0, fmt.Errorf("%w: query embedding has %d dimensions", model.ErrStorage, len(q.Embedding))
	}
	w := &whereBuilder{}
	vec := w.arg(pgvector.NewVector(q.Embedding))
	w.add("a.embedding IS NOT NULL")
	if q.Status != "" {
		w.add("a.status = " + w.arg(q.Status))
	}
	w.add(fmt.Sprintf("1 - (a.embedding <=> %s) > %s", vec, w.arg(q.Floor)))
	w.capabilities(q.Capabilities)

	score := fmt.Sprintf("1 - (a.embedding <=> %s)", vec)
	order := fmt.Sprintf("a.embedding <=> %s ASC, a.created_at DESC", vec)
	return r.page(ctx, w, score, order, q.Limit, q.Offset)
}

// LexicalSearch matches the keyword against name, description and public
// metadata values, newest first. Every result scores 1.0.
func (r *AgentRepository) LexicalSearch(ctx context.Context, q model.LexicalQuery) ([]*model.ScoredAgent, int, error) {
	w := &whereBuilder{}
	if q.Status != "" {
		w.add("a.status = " + w.arg(q.Status))
	}
	if q.Keyword != "" {
		p := w.arg(likePattern(q.Keyword))
		w.add(fmt.Sprintf(`(a.name ILIKE %[1]s OR a.description ILIKE %[1]s OR EXISTS (
			SELECT 1 FROM agent_metadata m
			WHERE m.agent_id = a.id AND m.visibility = 'PUBLIC' AND m.value ILIKE %[1]s))`, p))
	}
	w.capabilities(q.Capabilities)
	return r.page(ctx, w, "", "a.created_at DESC", q.Limit, q.Offset)
}

// page runs the count and page queries for w. score, when non-empty, is a
// SQL expression selected as the match score; otherwise every row scores 1.0.
func (r *AgentRepository) page(ctx context.Context, w *whereBuilder, score, orderBy string, limit, offset int) ([]*model.ScoredAgent, int, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	where := w.sql()
	countArgs := append([]any(nil), w.args...)
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM agents a`+where, countArgs...).Scan(&total); err != nil {
		return nil, 0, mapError(fmt.Errorf("count agents: %w", err))
	}

	if score == "" {
		score = "1.0::float8"
	}
	query := `SELECT ` + agentColumns + `, ` + score + ` FROM agents a` + where + w.page(orderBy, limit, offset)
	rows, err := r.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, 0, mapError(fmt.Errorf("query agents: %w", err))
	}
	defer rows.Close()

	results := []*model.ScoredAgent{}
	for rows.Next() {
		var s float64
		a, err := r.scan(rows, &s)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, &model.ScoredAgent{Agent: a, Score: s})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapError(err)
	}
	return results, total, nil
}

// Update persists the mutable fields of agent.
func (r *AgentRepository) Update(ctx context.Context, agent *model.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	agent.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `
		UPDATE agents
		SET name = $2, description = $3, capabilities = $4, status = $5, updated_at = $6
		WHERE id = $1`,
		agent.ID, agent.Name, agent.Description, caps, agent.Status, agent.UpdatedAt,
	)
	if err != nil {
		return mapError(fmt.Errorf("update agent: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// SetConnectionString records the issuer-side connection handle.
func (r *AgentRepository) SetConnectionString(ctx context.Context, id, conn string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE agents SET connection_string = $2, updated_at = NOW() WHERE id = $1`, id, conn)
	if err != nil {
		return mapError(fmt.Errorf("set connection string: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// SetMQTTURI records the broker URI the agent is reachable on. nil clears it.
func (r *AgentRepository) SetMQTTURI(ctx context.Context, id string, uri *string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE agents SET mqtt_uri = $2, updated_at = NOW() WHERE id = $1`, id, uri)
	if err != nil {
		return mapError(fmt.Errorf("set mqtt uri: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// Delete permanently removes an agent record. Metadata rows cascade.
func (r *AgentRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return mapError(fmt.Errorf("delete agent: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// CountByStatus returns the number of agents per status.
func (r *AgentRepository) CountByStatus(ctx context.Context) (map[model.AgentStatus]int, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, mapError(fmt.Errorf("count by status: %w", err))
	}
	defer rows.Close()

	counts := make(map[model.AgentStatus]int)
	for rows.Next() {
		var status model.AgentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, mapError(err)
		}
		counts[status] = n
	}
	return counts, mapError(rows.Err())
}

// Ping checks database connectivity.
func (r *AgentRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *AgentRepository) loadMetadata(ctx context.Context, a *model.Agent) error {
	rows, err := r.db.Query(ctx, `
		SELECT key, value FROM agent_metadata
		WHERE agent_id = $1 AND visibility = 'PUBLIC'
		ORDER BY key`, a.ID)
	if err != nil {
		return mapError(fmt.Errorf("load metadata: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return mapError(err)
		}
		if a.Metadata == nil {
			a.Metadata = model.AgentMeta{}
		}
		a.Metadata[k] = v
	}
	return mapError(rows.Err())
}

// scanOne executes a query returning a single agent row.
func (r *AgentRepository) scanOne(ctx context.Context, query string, args ...any) (*model.Agent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, mapError(err)
		}
		return nil, model.ErrNotFound
	}
	return r.scan(rows)
}

// scan reads one agent in agentColumns order followed by any extra columns.
func (r *AgentRepository) scan(rows pgx.Rows, extra ...any) (*model.Agent, error) {
	var a model.Agent
	var docRaw, capsRaw []byte

	dest := []any{
		&a.ID, &a.DIDIdentifier, &docRaw, &a.Seed, &a.Name, &a.Description,
		&capsRaw, &a.Status, &a.OwnerID, &a.ConnectionString, &a.MQTTURI,
		&a.HasEmbedding, &a.CreatedAt, &a.UpdatedAt,
	}
	if err := rows.Scan(append(dest, extra...)...); err != nil {
		return nil, mapError(fmt.Errorf("scan agent: %w", err))
	}
	a.DIDDocument = json.RawMessage(docRaw)
	if len(capsRaw) > 0 {
		if err := json.Unmarshal(capsRaw, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("%w: unmarshal capabilities: %v", model.ErrStorage, err)
		}
	}
	return &a, nil
}

// mapError translates driver errors into the registry's error kinds.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", model.ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%w: %w", model.ErrStorage, err)
}
