// Package approval owns the proposal lifecycle: creation, review,
// bulk review, and execution against the external data store.
package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/prospector/internal/metrics"
	"github.com/hubenschmidt/prospector/internal/store"
	"github.com/hubenschmidt/prospector/internal/streaming"
	"github.com/hubenschmidt/prospector/pkg/schema"
)

// EntityStore applies an approved proposal's payload to the external
// business data store. Satisfied by the surrounding system's CRUD layer.
type EntityStore interface {
	Apply(ctx context.Context, p *store.AgentProposal) error
}

// PermissionChecker answers whether a proposer may perform an operation
// on an entity type. Checked at proposal time and again at execution time.
type PermissionChecker interface {
	CanPerform(ctx context.Context, proposerID string, entityType schema.EntityType, operation schema.Operation) (bool, error)
}

// Workflow implements the proposal approval state machine.
type Workflow struct {
	store     store.Store
	entities  EntityStore
	perms     PermissionChecker
	hub       streaming.Hub
	validator *PayloadValidator
	logger    *slog.Logger
}

// NewWorkflow creates a Workflow.
func NewWorkflow(s store.Store, entities EntityStore, perms PermissionChecker, hub streaming.Hub, validator *PayloadValidator, logger *slog.Logger) *Workflow {
	return &Workflow{
		store:     s,
		entities:  entities,
		perms:     perms,
		hub:       hub,
		validator: validator,
		logger:    logger,
	}
}

// ProposeRequest carries everything needed to create a proposal.
type ProposeRequest struct {
	TenantID   string
	ProposerID string
	EntityType schema.EntityType
	EntityID   string
	Operation  schema.Operation
	Payload    json.RawMessage
	Source     schema.ProposalSource
	ConfigID   string
	RunID      string
}

// Propose persists a new proposal in pending state. When the tenant's
// approval policy does not require human approval for the entity type and
// the payload validated cleanly, the proposal is executed immediately.
// Payloads that fail structural validation are still created, with
// validation_errors set, so a reviewer sees them instead of losing them.
func (w *Workflow) Propose(ctx context.Context, req ProposeRequest) (*store.AgentProposal, error) {
	if !req.EntityType.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown entity type %q", req.EntityType)
	}
	if !req.Operation.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown operation %q", req.Operation)
	}

	allowed, err := w.perms.CanPerform(ctx, req.ProposerID, req.EntityType, req.Operation)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "permission check failed").WithCause(err)
	}
	if !allowed {
		return nil, schema.NewErrorf(schema.ErrCodePermissionDenied,
			"%s may not %s %s", req.ProposerID, req.Operation, req.EntityType)
	}

	var validationErrs json.RawMessage
	violations := w.validator.Validate(req.EntityType, req.Operation, req.Payload)
	if len(violations) > 0 {
		validationErrs, _ = json.Marshal(violations)
	}

	p := &store.AgentProposal{
		ID:               uuid.New().String(),
		TenantID:         req.TenantID,
		ProposerID:       req.ProposerID,
		EntityType:       req.EntityType,
		EntityID:         req.EntityID,
		Operation:        req.Operation,
		Payload:          req.Payload,
		Status:           schema.ProposalStatusPending,
		ValidationErrors: validationErrs,
		Source:           req.Source,
		ConfigID:         req.ConfigID,
		RunID:            req.RunID,
		CreatedAt:        time.Now().UTC(),
	}
	if err := w.store.CreateProposal(ctx, p); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create proposal").WithCause(err)
	}

	metrics.ProposalsCreated.WithLabelValues(string(req.Source)).Inc()
	w.publish(ctx, p, schema.EventProposalCreated)
	w.logger.InfoContext(ctx, "proposal created",
		slog.String("proposal_id", p.ID),
		slog.String("entity_type", string(p.EntityType)),
		slog.String("operation", string(p.Operation)),
		slog.Int("validation_errors", len(violations)),
	)

	if len(violations) == 0 && !w.requiresApproval(ctx, req.TenantID, req.EntityType) {
		return w.autoExecute(ctx, p)
	}
	return p, nil
}

// Approve transitions a pending proposal to approved and executes it.
// Returns an INVALID_TRANSITION error if the proposal is not pending.
// An execution failure is not an error here: the returned proposal
// carries status failed with its error message.
func (w *Workflow) Approve(ctx context.Context, id, reviewer string) (*store.AgentProposal, error) {
	now := time.Now().UTC()
	approved := schema.ProposalStatusApproved
	err := w.store.TransitionProposal(ctx, id, schema.ProposalStatusPending, store.ProposalUpdate{
		Status:     &approved,
		ReviewedBy: &reviewer,
		ReviewedAt: &now,
	})
	if err != nil {
		return nil, err
	}

	p, err := w.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	w.publish(ctx, p, schema.EventProposalReviewed)
	return w.execute(ctx, p)
}

// Reject transitions a pending proposal to the terminal rejected state.
func (w *Workflow) Reject(ctx context.Context, id, reviewer string) (*store.AgentProposal, error) {
	now := time.Now().UTC()
	rejected := schema.ProposalStatusRejected
	err := w.store.TransitionProposal(ctx, id, schema.ProposalStatusPending, store.ProposalUpdate{
		Status:     &rejected,
		ReviewedBy: &reviewer,
		ReviewedAt: &now,
	})
	if err != nil {
		return nil, err
	}

	p, err := w.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	w.publish(ctx, p, schema.EventProposalReviewed)
	return p, nil
}

// BulkResult reports the outcome of one proposal within a bulk operation.
type BulkResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// BulkApprove applies Approve to each id independently. One bad row never
// aborts the batch; the caller gets a per-id outcome list.
func (w *Workflow) BulkApprove(ctx context.Context, ids []string, reviewer string) []BulkResult {
	return w.bulk(ctx, ids, reviewer, w.Approve)
}

// BulkReject applies Reject to each id independently.
func (w *Workflow) BulkReject(ctx context.Context, ids []string, reviewer string) []BulkResult {
	return w.bulk(ctx, ids, reviewer, w.Reject)
}

// ApproveAll approves every pending proposal matching the filter.
func (w *Workflow) ApproveAll(ctx context.Context, filter store.ProposalFilter, reviewer string) ([]BulkResult, error) {
	ids, err := w.pendingIDs(ctx, filter)
	if err != nil {
		return nil, err
	}
	return w.BulkApprove(ctx, ids, reviewer), nil
}

// RejectAll rejects every pending proposal matching the filter.
func (w *Workflow) RejectAll(ctx context.Context, filter store.ProposalFilter, reviewer string) ([]BulkResult, error) {
	ids, err := w.pendingIDs(ctx, filter)
	if err != nil {
		return nil, err
	}
	return w.BulkReject(ctx, ids, reviewer), nil
}

func (w *Workflow) pendingIDs(ctx context.Context, filter store.ProposalFilter) ([]string, error) {
	filter.Statuses = []schema.ProposalStatus{schema.ProposalStatusPending}
	proposals, err := w.store.ListProposals(ctx, filter)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list pending proposals").WithCause(err)
	}
	ids := make([]string, 0, len(proposals))
	for _, p := range proposals {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (w *Workflow) bulk(ctx context.Context, ids []string, reviewer string, op func(context.Context, string, string) (*store.AgentProposal, error)) []BulkResult {
	results := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		p, err := op(ctx, id, reviewer)
		switch {
		case err != nil:
			results = append(results, BulkResult{ID: id, Error: err.Error()})
		case p.Status == schema.ProposalStatusFailed:
			results = append(results, BulkResult{ID: id, Error: p.ErrorMessage})
		default:
			results = append(results, BulkResult{ID: id, OK: true})
		}
	}
	return results
}

// requiresApproval consults the tenant's approval policy. A missing policy
// row defaults to requiring approval.
func (w *Workflow) requiresApproval(ctx context.Context, tenantID string, entityType schema.EntityType) bool {
	ac, err := w.store.GetApprovalConfig(ctx, tenantID, entityType)
	if err != nil {
		return true
	}
	return ac.RequireApproval
}

// autoExecute takes the no-approval-required path: the proposal moves
// through approved so the status history stays honest, then executes.
func (w *Workflow) autoExecute(ctx context.Context, p *store.AgentProposal) (*store.AgentProposal, error) {
	now := time.Now().UTC()
	approved := schema.ProposalStatusApproved
	reviewer := p.ProposerID
	err := w.store.TransitionProposal(ctx, p.ID, schema.ProposalStatusPending, store.ProposalUpdate{
		Status:     &approved,
		ReviewedBy: &reviewer,
		ReviewedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	p, err = w.store.GetProposal(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return w.execute(ctx, p)
}

// execute applies an approved proposal to the external data store.
// Permission is re-checked here: a stale approval must not bypass a
// since-revoked permission. Any failure is terminal for the proposal.
func (w *Workflow) execute(ctx context.Context, p *store.AgentProposal) (*store.AgentProposal, error) {
	allowed, err := w.perms.CanPerform(ctx, p.ProposerID, p.EntityType, p.Operation)
	if err != nil {
		return w.markFailed(ctx, p, "permission check failed: "+err.Error())
	}
	if !allowed {
		return w.markFailed(ctx, p, "permission denied at execution time")
	}

	if err := w.entities.Apply(ctx, p); err != nil {
		return w.markFailed(ctx, p, err.Error())
	}

	now := time.Now().UTC()
	executed := schema.ProposalStatusExecuted
	err = w.store.TransitionProposal(ctx, p.ID, schema.ProposalStatusApproved, store.ProposalUpdate{
		Status:     &executed,
		ExecutedAt: &now,
	})
	if err != nil {
		return nil, err
	}

	p, err = w.store.GetProposal(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	w.publish(ctx, p, schema.EventProposalExecuted)
	w.logger.InfoContext(ctx, "proposal executed", slog.String("proposal_id", p.ID))
	return p, nil
}

func (w *Workflow) markFailed(ctx context.Context, p *store.AgentProposal, msg string) (*store.AgentProposal, error) {
	failed := schema.ProposalStatusFailed
	err := w.store.TransitionProposal(ctx, p.ID, schema.ProposalStatusApproved, store.ProposalUpdate{
		Status:       &failed,
		ErrorMessage: &msg,
	})
	if err != nil {
		return nil, err
	}
	p, err = w.store.GetProposal(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	w.publish(ctx, p, schema.EventProposalExecuted)
	w.logger.WarnContext(ctx, "proposal execution failed",
		slog.String("proposal_id", p.ID),
		slog.String("error", msg),
	)
	return p, nil
}

// publish emits a lifecycle event on the originating config's topic.
// Proposals without an automation back-reference have no topic.
func (w *Workflow) publish(ctx context.Context, p *store.AgentProposal, eventType string) {
	if p.ConfigID == "" {
		return
	}
	w.hub.Publish(ctx, p.ConfigID, streaming.Event{
		ConfigID:  p.ConfigID,
		EventType: eventType,
		Payload:   p,
	})
}
