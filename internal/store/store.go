package store

import (
	"context"

	"github.com/hubenschmidt/prospector/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Automation configs
	CreateAutomationConfig(ctx context.Context, cfg *AutomationConfig) error
	GetAutomationConfig(ctx context.Context, id string) (*AutomationConfig, error)
	SaveAutomationConfig(ctx context.Context, cfg *AutomationConfig) error
	UpdateConfigScheduling(ctx context.Context, id string, update SchedulingUpdate) error
	ListAutomationConfigs(ctx context.Context, filter ConfigFilter) ([]*AutomationConfig, error)

	// Run logs
	CreateRunLog(ctx context.Context, run *AutomationRunLog) error
	GetRunLog(ctx context.Context, id string) (*AutomationRunLog, error)
	UpdateRunLog(ctx context.Context, id string, update RunLogUpdate) error
	ListRunLogs(ctx context.Context, filter RunFilter) ([]*AutomationRunLog, error)

	// Proposals
	CreateProposal(ctx context.Context, p *AgentProposal) error
	GetProposal(ctx context.Context, id string) (*AgentProposal, error)
	UpdateProposal(ctx context.Context, id string, update ProposalUpdate) error
	// TransitionProposal applies update only if the proposal is currently in
	// the `from` status. Returns an INVALID_TRANSITION error otherwise.
	TransitionProposal(ctx context.Context, id string, from schema.ProposalStatus, update ProposalUpdate) error
	ListProposals(ctx context.Context, filter ProposalFilter) ([]*AgentProposal, error)
	CountProposals(ctx context.Context, filter ProposalFilter) (int, error)

	// Approval policy
	UpsertApprovalConfig(ctx context.Context, ac *ApprovalConfig) error
	GetApprovalConfig(ctx context.Context, tenantID string, entityType schema.EntityType) (*ApprovalConfig, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
