package service

import (
	"context"

	"github.com/jmerrifield20/agent-registry/internal/audit"
	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"go.uber.org/zap"
)

// AuditLog records agent lifecycle events. *audit.MemoryLog and
// *audit.PostgresLog satisfy it.
type AuditLog interface {
	Append(ctx context.Context, agentID, action, actor string, payload any) (*audit.Entry, error)
	History(ctx context.Context, agentID string) ([]*audit.Entry, error)
}

// createdEvent is the audited payload of a new agent.
type createdEvent struct {
	DID          string             `json:"did"`
	Name         string             `json:"name"`
	Capabilities model.Capabilities `json:"capabilities"`
	Status       model.AgentStatus  `json:"status"`
}

// recordAudit appends an entry. The lifecycle change it describes has already
// happened, so a failed append is only logged.
func recordAudit(ctx context.Context, log AuditLog, logger *zap.Logger, agentID, action, actor string, payload any) {
	if log == nil {
		return
	}
	if _, err := log.Append(context.WithoutCancel(ctx), agentID, action, actor, payload); err != nil {
		logger.Warn("audit append failed (non-fatal)",
			zap.String("id", agentID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
