package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmerrifield20/agent-registry/internal/audit"
	"github.com/jmerrifield20/agent-registry/internal/identity"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"go.uber.org/zap"
)

// AgentService contains the read, update and delete side of the agent
// lifecycle. Creation lives in ProvisioningService.
type AgentService struct {
	repo        agentRepo
	provisioner *ProvisioningService // used for the embedding refresh on update
	issuer      CredentialIssuer     // nil = credential endpoints unavailable
	audit       AuditLog             // nil = no lifecycle audit
	ids         identity.Provider    // resolves a presented seed to its agent
	logger      *zap.Logger
}

// NewAgentService creates a new AgentService.
func NewAgentService(repo agentRepo, provisioner *ProvisioningService, logger *zap.Logger) *AgentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	var ids identity.Provider = identity.NewKeyProvider()
	if provisioner != nil && provisioner.ids != nil {
		ids = provisioner.ids
	}
	return &AgentService{repo: repo, provisioner: provisioner, ids: ids, logger: logger}
}

// SetIssuer configures the issuer client used for credential lookups.
func (s *AgentService) SetIssuer(iss CredentialIssuer) {
	s.issuer = iss
}

// SetAudit records updates and deletions in log and enables History.
func (s *AgentService) SetAudit(log AuditLog) {
	s.audit = log
}

// Get retrieves an agent by id. The seed is only kept for its owner.
func (s *AgentService) Get(ctx context.Context, id, viewer string) (*model.Agent, error) {
	agent, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return agent.ViewFor(viewer), nil
}

// GetByDID retrieves an agent by its decentralized identifier.
func (s *AgentService) GetByDID(ctx context.Context, did, viewer string) (*model.Agent, error) {
	agent, err := s.repo.GetByDID(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("get agent by did: %w", err)
	}
	return agent.ViewFor(viewer), nil
}

// List returns a filtered page of agents and the total match count.
func (s *AgentService) List(ctx context.Context, f model.ListFilter) ([]*model.Agent, int, error) {
	f.Limit, f.Offset = clampPage(f.Limit, f.Offset)
	agents, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list agents: %w", err)
	}
	return redact(agents, ""), total, nil
}

// ListMine returns the agents owned by owner, seeds included.
func (s *AgentService) ListMine(ctx context.Context, owner string, limit, offset int) ([]*model.Agent, int, error) {
	if owner == "" {
		return nil, 0, model.ErrForbidden
	}
	limit, offset = clampPage(limit, offset)
	agents, total, err := s.repo.List(ctx, model.ListFilter{OwnerID: owner, Limit: limit, Offset: offset})
	if err != nil {
		return nil, 0, fmt.Errorf("list agents for owner: %w", err)
	}
	return redact(agents, owner), total, nil
}

// Update applies a partial update. When a describing field changes the
// embedding is regenerated; a failed refresh is logged and the metadata
// update stands.
func (s *AgentService) Update(ctx context.Context, id, owner string, req *model.UpdateRequest) (*model.Agent, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	agent, err := s.owned(ctx, id, owner)
	if err != nil {
		return nil, err
	}

	req.Apply(agent)
	if err := s.repo.Update(ctx, agent); err != nil {
		return nil, fmt.Errorf("update agent %s: %w", id, err)
	}
	recordAudit(ctx, s.audit, s.logger, id, audit.ActionUpdated, owner, req)

	if req.TouchesEmbedding() && s.provisioner != nil {
		if err := s.provisioner.Refresh(ctx, agent); err != nil {
			s.logger.Warn("embedding refresh failed (non-fatal)",
				zap.String("id", id),
				zap.Error(err),
			)
		}
	}
	return agent.ViewFor(owner), nil
}

// Delete removes an agent owned by owner.
func (s *AgentService) Delete(ctx context.Context, id, owner string) error {
	if _, err := s.owned(ctx, id, owner); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	recordAudit(ctx, s.audit, s.logger, id, audit.ActionDeleted, owner, map[string]string{"id": id})
	s.logger.Info("agent deleted", zap.String("id", id), zap.String("owner_id", owner))
	return nil
}

// UpdateMQTT sets the broker URI of the agent whose seed is presented. The
// seed is the credential: the did:key it derives must name a registered
// agent, and that agent's stored seed must match. Any mismatch is
// ErrForbidden so callers cannot probe which agents exist.
func (s *AgentService) UpdateMQTT(ctx context.Context, req *model.MQTTRequest) (*model.Agent, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}
	seed, err := identity.DecodeSeed(req.Seed)
	if err != nil {
		return nil, &model.ErrValidation{Msg: "seed must be standard base64"}
	}
	ident, err := s.ids.CreateIdentity(seed)
	if err != nil {
		return nil, model.ErrForbidden
	}
	agent, err := s.repo.GetByDID(ctx, ident.Identifier)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("update mqtt uri: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(agent.Seed), []byte(identity.EncodeSeed(seed))) != 1 {
		return nil, model.ErrForbidden
	}

	var uri *string
	if req.MQTTURI != "" {
		uri = &req.MQTTURI
	}
	if err := s.repo.SetMQTTURI(ctx, agent.ID, uri); err != nil {
		return nil, fmt.Errorf("update mqtt uri for %s: %w", agent.ID, err)
	}
	agent.MQTTURI = uri
	recordAudit(ctx, s.audit, s.logger, agent.ID, audit.ActionUpdated, agent.DIDIdentifier,
		map[string]*string{"mqtt_uri": uri})

	s.logger.Info("agent mqtt uri updated",
		zap.String("id", agent.ID),
		zap.Bool("cleared", uri == nil),
	)
	return agent.ViewFor(""), nil
}

// History returns the audited lifecycle events of an agent owned by owner.
func (s *AgentService) History(ctx context.Context, id, owner string) ([]*audit.Entry, error) {
	if _, err := s.owned(ctx, id, owner); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return []*audit.Entry{}, nil
	}
	entries, err := s.audit.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: audit history for %s: %v", model.ErrStorage, id, err)
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	return entries, nil
}

// Credentials returns the issuer-side credentials held for an agent.
func (s *AgentService) Credentials(ctx context.Context, id, owner string) (json.RawMessage, error) {
	agent, err := s.owned(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if s.issuer == nil {
		return nil, fmt.Errorf("%w: issuer is not configured", model.ErrIssuer)
	}
	creds, err := s.issuer.Credentials(ctx, agent.DIDIdentifier)
	if err != nil {
		return nil, fmt.Errorf("fetch credentials for %s: %w", id, err)
	}
	return creds, nil
}

// VerifyCredential reports whether the issuer holds a credential for the
// agent identified by did that equals credential.
func (s *AgentService) VerifyCredential(ctx context.Context, did string, credential json.RawMessage) (bool, error) {
	if did == "" || len(credential) == 0 {
		return false, &model.ErrValidation{Msg: "did and credential are required"}
	}
	if _, err := s.repo.GetByDID(ctx, did); err != nil {
		return false, fmt.Errorf("verify credential: %w", err)
	}
	var doc struct {
		VC struct {
			CredentialSubject struct {
				ID string `json:"id"`
			} `json:"credentialSubject"`
		} `json:"vc"`
	}
	if err := json.Unmarshal(credential, &doc); err != nil {
		return false, &model.ErrValidation{Msg: "credential is not valid JSON"}
	}
	if subject := doc.VC.CredentialSubject.ID; subject != "" && subject != did {
		return false, nil
	}
	if s.issuer == nil {
		return false, fmt.Errorf("%w: issuer is not configured", model.ErrIssuer)
	}
	return s.issuer.VerifyCredential(ctx, credential)
}

// owned loads an agent and checks that owner may modify it.
func (s *AgentService) owned(ctx context.Context, id, owner string) (*model.Agent, error) {
	agent, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	if !agent.OwnedBy(owner) {
		return nil, model.ErrForbidden
	}
	return agent, nil
}

func redact(agents []*model.Agent, viewer string) []*model.Agent {
	out := make([]*model.Agent, len(agents))
	for i, a := range agents {
		out[i] = a.ViewFor(viewer)
	}
	return out
}
