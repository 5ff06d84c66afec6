package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agent-registry/internal/audit"
	"github.com/jmerrifield20/agent-registry/internal/identity"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Provisioning steps, as reported in model.CreationError and metrics.
const (
	StepIdentity  = "identity"
	StepEmbedding = "embedding"
	StepCommit    = "commit"
)

// Enrichment branches run after commit.
const (
	BranchConnection = "connection"
	BranchCredential = "credential"
)

// agentRepo is the persistence interface shared by the registry services.
// *repository.AgentRepository and *repository.MemoryAgentRepository satisfy it.
type agentRepo interface {
	CreateVerified(ctx context.Context, agent *model.Agent, embedding []float32) error
	StoreEmbedding(ctx context.Context, id string, embedding []float32) error
	GetByID(ctx context.Context, id string) (*model.Agent, error)
	GetByDID(ctx context.Context, did string) (*model.Agent, error)
	List(ctx context.Context, f model.ListFilter) ([]*model.Agent, int, error)
	AllByStatus(ctx context.Context, status model.AgentStatus) ([]*model.Agent, error)
	SemanticSearch(ctx context.Context, q model.SemanticQuery) ([]*model.ScoredAgent, int, error)
	LexicalSearch(ctx context.Context, q model.LexicalQuery) ([]*model.ScoredAgent, int, error)
	Update(ctx context.Context, agent *model.Agent) error
	SetConnectionString(ctx context.Context, id, conn string) error
	SetMQTTURI(ctx context.Context, id string, uri *string) error
	Delete(ctx context.Context, id string) error
}

// Embedder produces agent and query embeddings. *embeddings.Provider satisfies it.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedAgent(ctx context.Context, name, description string, caps model.Capabilities) ([]float32, error)
}

// CredentialIssuer is the external credentialing service. *issuer.Client satisfies it.
type CredentialIssuer interface {
	CreateConnection(ctx context.Context, did string, document json.RawMessage) error
	ResolveConnection(ctx context.Context, did string) (string, error)
	IssueCredential(ctx context.Context, did string) error
	Credentials(ctx context.Context, did string) (json.RawMessage, error)
	VerifyCredential(ctx context.Context, presented json.RawMessage) (bool, error)
}

// MetricsRecorder receives saga and search observations.
// The handler package provides the Prometheus implementation.
type MetricsRecorder interface {
	RecordProvisioning(outcome, step string, d time.Duration)
	RecordCompensation(action string, success bool)
	RecordEnrichment(branch string, success bool)
	RecordSearch(mode model.SearchMode, results int, success bool, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordProvisioning(string, string, time.Duration) {}
func (nopMetrics) RecordCompensation(string, bool) {}
func (nopMetrics) RecordEnrichment(string, bool) {}
func (nopMetrics) RecordSearch(model.SearchMode, int, bool, time.Duration) {}

// ProvisioningConfig tunes the saga.
type ProvisioningConfig struct {
	SeedLength          int           // 0 = identity.DefaultSeedLength
	EnrichTimeout       time.Duration // bound on the post-commit issuer calls
	CompensationTimeout time.Duration // bound on undo actions
}

// DefaultProvisioningConfig returns the configuration used when none is set.
func DefaultProvisioningConfig() ProvisioningConfig {
	return ProvisioningConfig{
		SeedLength:          identity.DefaultSeedLength,
		EnrichTimeout:       20 * time.Second,
		CompensationTimeout: 5 * time.Second,
	}
}

// ProvisioningService creates agents. Creation is a saga: identity and
// embedding are produced first, both are committed in one transaction, and
// issuer enrichment runs only after the commit. Any pre-commit failure rolls
// back through the compensation stack and surfaces as a *model.CreationError.
type ProvisioningService struct {
	repo     agentRepo
	ids      identity.Provider
	embedder Embedder
	issuer   CredentialIssuer // nil = no post-commit enrichment
	audit    AuditLog         // nil = no lifecycle audit
	metrics  MetricsRecorder
	cfg      ProvisioningConfig
	logger   *zap.Logger
}

// NewProvisioningService creates a ProvisioningService.
func NewProvisioningService(repo agentRepo, ids identity.Provider, embedder Embedder, logger *zap.Logger) *ProvisioningService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProvisioningService{
		repo:     repo,
		ids:      ids,
		embedder: embedder,
		metrics:  nopMetrics{},
		cfg:      DefaultProvisioningConfig(),
		logger:   logger,
	}
}

// SetIssuer enables post-commit connection and credential enrichment.
func (s *ProvisioningService) SetIssuer(iss CredentialIssuer) {
	s.issuer = iss
}

// SetAudit records every committed agent in log.
func (s *ProvisioningService) SetAudit(log AuditLog) {
	s.audit = log
}

// SetMetrics configures the metrics recorder.
func (s *ProvisioningService) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = nopMetrics{}
	}
	s.metrics = m
}

// SetConfig replaces the saga configuration. Zero fields keep their defaults.
func (s *ProvisioningService) SetConfig(cfg ProvisioningConfig) {
	def := DefaultProvisioningConfig()
	if cfg.SeedLength <= 0 {
		cfg.SeedLength = def.SeedLength
	}
	if cfg.EnrichTimeout <= 0 {
		cfg.EnrichTimeout = def.EnrichTimeout
	}
	if cfg.CompensationTimeout <= 0 {
		cfg.CompensationTimeout = def.CompensationTimeout
	}
	s.cfg = cfg
}

// Create provisions a new agent owned by ownerID.
//
// When req.ID names an agent the caller already owns, that agent is returned
// unchanged and created is false. An id owned by someone else is a conflict.
func (s *ProvisioningService) Create(ctx context.Context, ownerID string, req *model.CreateRequest) (agent *model.Agent, created bool, err error) {
	if err := req.Normalize(); err != nil {
		return nil, false, err
	}
	if req.ID != "" {
		existing, err := s.repo.GetByID(ctx, req.ID)
		switch {
		case err == nil:
			if !existing.OwnedBy(ownerID) {
				return nil, false, fmt.Errorf("agent %s: %w", req.ID, model.ErrConflict)
			}
			return existing, false, nil
		case !errors.Is(err, model.ErrNotFound):
			return nil, false, fmt.Errorf("look up agent %s: %w", req.ID, err)
		}
	}

	start := time.Now()
	agent, err = s.provision(ctx, ownerID, req)
	if err != nil {
		var ce *model.CreationError
		step := "unknown"
		if errors.As(err, &ce) {
			step = ce.Step
		}
		s.metrics.RecordProvisioning("aborted", step, time.Since(start))
		return nil, false, err
	}
	s.metrics.RecordProvisioning("created", StepCommit, time.Since(start))
	recordAudit(ctx, s.audit, s.logger, agent.ID, audit.ActionCreated, ownerID, createdEvent{
		DID:          agent.DIDIdentifier,
		Name:         agent.Name,
		Capabilities: agent.Capabilities,
		Status:       agent.Status,
	})

	s.enrich(ctx, agent)
	return agent, true, nil
}

func (s *ProvisioningService) provision(ctx context.Context, ownerID string, req *model.CreateRequest) (*model.Agent, error) {
	sg := &saga{logger: s.logger, metrics: s.metrics}

	// ── Step 1: identity ────────────────────────────────────────────────────
	seed, err := s.ids.GenerateSeed(s.cfg.SeedLength)
	if err != nil {
		return nil, s.abort(ctx, sg, StepIdentity, asKind(err, model.ErrIdentity))
	}
	ident, err := s.ids.CreateIdentity(seed)
	if err != nil {
		return nil, s.abort(ctx, sg, StepIdentity, asKind(err, model.ErrIdentity))
	}

	// ── Step 2: embedding ───────────────────────────────────────────────────
	vec, err := s.embedder.EmbedAgent(ctx, req.Name, req.Description, req.Capabilities)
	if err != nil {
		return nil, s.abort(ctx, sg, StepEmbedding, asKind(err, model.ErrEmbedding))
	}
	if len(vec) != model.EmbeddingDimensions {
		return nil, s.abort(ctx, sg, StepEmbedding, fmt.Errorf("%w: invalid dimensions: got %d, want %d",
			model.ErrEmbedding, len(vec), model.EmbeddingDimensions))
	}

	// ── Step 3: atomic commit ───────────────────────────────────────────────
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	agent := &model.Agent{
		ID:            id,
		DIDIdentifier: ident.Identifier,
		DIDDocument:   ident.Document,
		Seed:          identity.EncodeSeed(seed),
		Name:          req.Name,
		Description:   req.Description,
		Capabilities:  req.Capabilities,
		Status:        req.Status,
		OwnerID:       ownerID,
		Metadata:      req.Metadata,
	}

	sg.push("delete agent row", func(ctx context.Context) error {
		if err := s.repo.Delete(ctx, agent.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		return nil
	})
	if err := s.repo.CreateVerified(ctx, agent, vec); err != nil {
		if errors.Is(err, model.ErrConflict) {
			// The existing row belongs to another request; leave it alone.
			sg.discard()
		}
		return nil, s.abort(ctx, sg, StepCommit, asKind(err, model.ErrStorage))
	}

	s.logger.Info("agent provisioned",
		zap.String("id", agent.ID),
		zap.String("did", agent.DIDIdentifier),
		zap.String("owner_id", ownerID),
	)
	return agent, nil
}

// abort runs the compensation stack and wraps cause as a CreationError.
func (s *ProvisioningService) abort(ctx context.Context, sg *saga, step string, cause error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CompensationTimeout)
	defer cancel()
	sg.compensate(cctx)

	s.logger.Warn("agent provisioning aborted",
		zap.String("step", step),
		zap.Error(cause),
	)
	return &model.CreationError{Step: step, Cause: cause}
}

// enrich runs the issuer branches concurrently. Failures are logged and never
// affect the committed agent.
func (s *ProvisioningService) enrich(ctx context.Context, agent *model.Agent) {
	if s.issuer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EnrichTimeout)
	defer cancel()

	var connID string
	var g errgroup.Group
	g.Go(func() error {
		id, err := s.connect(ctx, agent)
		s.recordBranch(agent, BranchConnection, err)
		connID = id
		return nil
	})
	g.Go(func() error {
		err := s.issuer.IssueCredential(ctx, agent.DIDIdentifier)
		s.recordBranch(agent, BranchCredential, err)
		return nil
	})
	_ = g.Wait()

	if connID != "" {
		agent.ConnectionString = &connID
	}
}

// connect registers the issuer connection and stores its id.
func (s *ProvisioningService) connect(ctx context.Context, agent *model.Agent) (string, error) {
	if err := s.issuer.CreateConnection(ctx, agent.DIDIdentifier, agent.DIDDocument); err != nil {
		return "", fmt.Errorf("create connection: %w", err)
	}
	connID, err := s.issuer.ResolveConnection(ctx, agent.DIDIdentifier)
	if err != nil {
		return "", fmt.Errorf("resolve connection: %w", err)
	}
	if err := s.repo.SetConnectionString(ctx, agent.ID, connID); err != nil {
		return "", fmt.Errorf("store connection string: %w", err)
	}
	return connID, nil
}

func (s *ProvisioningService) recordBranch(agent *model.Agent, branch string, err error) {
	s.metrics.RecordEnrichment(branch, err == nil)
	if err != nil {
		s.logger.Warn("issuer "+branch+" enrichment failed (non-fatal)",
			zap.String("id", agent.ID),
			zap.String("did", agent.DIDIdentifier),
			zap.Error(err),
		)
	}
}

// Refresh regenerates and stores the embedding of an existing agent after its
// describing fields changed. The metadata update it follows is not rolled back
// on failure; the caller decides how to report the error.
func (s *ProvisioningService) Refresh(ctx context.Context, agent *model.Agent) error {
	vec, err := s.embedder.EmbedAgent(ctx, agent.Name, agent.Description, agent.Capabilities)
	if err != nil {
		return fmt.Errorf("refresh embedding for %s: %w", agent.ID, asKind(err, model.ErrEmbedding))
	}
	if err := s.repo.StoreEmbedding(ctx, agent.ID, vec); err != nil {
		return fmt.Errorf("store embedding for %s: %w", agent.ID, err)
	}
	agent.HasEmbedding = true
	return nil
}

// asKind makes sure err matches kind under errors.Is.
func asKind(err, kind error) error {
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// ── Compensation stack ───────────────────────────────────────────────────

type compensation struct {
	action string
	undo   func(ctx context.Context) error
}

// saga records an undo action for every forward step that succeeded.
type saga struct {
	steps   []compensation
	logger  *zap.Logger
	metrics MetricsRecorder
}

func (sg *saga) push(action string, undo func(ctx context.Context) error) {
	sg.steps = append(sg.steps, compensation{action: action, undo: undo})
}

// discard forgets every recorded action.
func (sg *saga) discard() {
	sg.steps = nil
}

// compensate runs recorded actions in reverse order. Undo errors are logged
// and swallowed.
func (sg *saga) compensate(ctx context.Context) {
	for i := len(sg.steps) - 1; i >= 0; i-- {
		c := sg.steps[i]
		err := c.undo(ctx)
		sg.metrics.RecordCompensation(c.action, err == nil)
		if err != nil {
			sg.logger.Warn("compensation failed (non-fatal)",
				zap.String("action", c.action),
				zap.Error(err),
			)
		}
	}
	sg.steps = nil
}
