package store

import (
	"encoding/json"
	"time"

	"github.com/hubenschmidt/prospector/pkg/schema"
)

// AutomationConfig is one configured prospecting crawler.
// The engine only ever mutates the scheduling fields (run_count,
// last_run_at, next_run_at, consecutive_zero_runs, enabled, last_digest_at);
// everything else is user-authored and owned by configuration management.
type AutomationConfig struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	OwnerID  string `json:"owner_id"`
	Name     string `json:"name,omitempty"`

	EntityType schema.EntityType `json:"entity_type"`
	Enabled    bool              `json:"enabled"`
	Interval   time.Duration     `json:"interval"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	RunCount  int        `json:"run_count"`

	ProspectsPerRun    int        `json:"prospects_per_run"`
	ConcurrentSearches int        `json:"concurrent_searches"`
	SearchSlots        [][]string `json:"search_slots"`

	CompilationTarget   int  `json:"compilation_target"`
	DisableOnCompiled   bool `json:"disable_on_compiled"`
	ConsecutiveZeroRuns int  `json:"consecutive_zero_runs"`
	EmptyProposalLimit  int  `json:"empty_proposal_limit"`

	ReviewEnabled   bool     `json:"review_enabled"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	SourceDocuments []string `json:"source_documents,omitempty"`
	TargetFilter    string   `json:"target_filter,omitempty"`

	Location   string `json:"location,omitempty"`
	TimeFilter string `json:"time_filter,omitempty"`
	TargetType string `json:"target_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
	Mode       string `json:"mode,omitempty"`

	DigestEnabled bool       `json:"digest_enabled"`
	DigestCron    string     `json:"digest_cron,omitempty"`
	LastDigestAt  *time.Time `json:"last_digest_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveSlots returns the non-empty search slots in configured order.
func (c *AutomationConfig) EffectiveSlots() [][]string {
	var slots [][]string
	for _, s := range c.SearchSlots {
		if len(s) > 0 {
			slots = append(slots, s)
		}
	}
	return slots
}

// AutomationRunLog is one execution attempt of a config. A row is created
// with status running at the start of execution and is always finalized.
type AutomationRunLog struct {
	ID       string `json:"id"`
	ConfigID string `json:"config_id"`

	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Status      schema.RunStatus `json:"status"`

	ProspectsFound   int `json:"prospects_found"`
	ProposalsCreated int `json:"proposals_created"`

	ExecutedQuery        string `json:"executed_query,omitempty"`
	QueryRewritten       bool   `json:"query_rewritten"`
	ExecutedSystemPrompt string `json:"executed_system_prompt,omitempty"`
	PromptRewritten      bool   `json:"prompt_rewritten"`

	Compiled     bool   `json:"compiled"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// AgentProposal is one proposed mutation to external business data.
type AgentProposal struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	ProposerID string `json:"proposer_id"`

	EntityType schema.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id,omitempty"`
	Operation  schema.Operation  `json:"operation"`
	Payload    json.RawMessage   `json:"payload"`

	Status           schema.ProposalStatus `json:"status"`
	ValidationErrors json.RawMessage       `json:"validation_errors,omitempty"`

	ReviewedBy   string     `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	Source   schema.ProposalSource `json:"source"`
	ConfigID string                `json:"config_id,omitempty"`
	RunID    string                `json:"run_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovalConfig records, per tenant and entity type, whether proposals
// require human approval before execution.
type ApprovalConfig struct {
	TenantID        string            `json:"tenant_id"`
	EntityType      schema.EntityType `json:"entity_type"`
	RequireApproval bool              `json:"require_approval"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// --- Filter and update types ---

// ConfigFilter specifies criteria for listing automation configs.
type ConfigFilter struct {
	TenantID  string     `json:"tenant_id,omitempty"`
	Enabled   *bool      `json:"enabled,omitempty"`
	DueBefore *time.Time `json:"due_before,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// SchedulingUpdate mutates only the scheduling dimension of a config.
type SchedulingUpdate struct {
	RunCount            *int       `json:"run_count,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	ConsecutiveZeroRuns *int       `json:"consecutive_zero_runs,omitempty"`
	Enabled             *bool      `json:"enabled,omitempty"`
	LastDigestAt        *time.Time `json:"last_digest_at,omitempty"`
}

// RunFilter specifies criteria for listing run logs.
type RunFilter struct {
	ConfigID string            `json:"config_id,omitempty"`
	Status   *schema.RunStatus `json:"status,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Offset   int               `json:"offset,omitempty"`
}

// RunLogUpdate specifies mutable fields of a run log.
type RunLogUpdate struct {
	Status               *schema.RunStatus `json:"status,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	ProspectsFound       *int              `json:"prospects_found,omitempty"`
	ProposalsCreated     *int              `json:"proposals_created,omitempty"`
	ExecutedQuery        *string           `json:"executed_query,omitempty"`
	QueryRewritten       *bool             `json:"query_rewritten,omitempty"`
	ExecutedSystemPrompt *string           `json:"executed_system_prompt,omitempty"`
	PromptRewritten      *bool             `json:"prompt_rewritten,omitempty"`
	Compiled             *bool             `json:"compiled,omitempty"`
	ErrorMessage         *string           `json:"error_message,omitempty"`
}

// ProposalFilter specifies criteria for listing/counting proposals.
type ProposalFilter struct {
	IDs        []string                `json:"ids,omitempty"`
	TenantID   string                  `json:"tenant_id,omitempty"`
	ConfigID   string                  `json:"config_id,omitempty"`
	RunID      string                  `json:"run_id,omitempty"`
	EntityType schema.EntityType       `json:"entity_type,omitempty"`
	Source     schema.ProposalSource   `json:"source,omitempty"`
	Statuses   []schema.ProposalStatus `json:"statuses,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ProposalUpdate specifies mutable fields of a proposal.
type ProposalUpdate struct {
	Status       *schema.ProposalStatus `json:"status,omitempty"`
	ReviewedBy   *string                `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time             `json:"reviewed_at,omitempty"`
	ExecutedAt   *time.Time             `json:"executed_at,omitempty"`
	ErrorMessage *string                `json:"error_message,omitempty"`
}
