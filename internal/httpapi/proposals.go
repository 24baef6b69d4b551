package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hubenschmidt/prospector/internal/approval"
	"github.com/hubenschmidt/prospector/internal/store"
	"github.com/hubenschmidt/prospector/pkg/schema"
)

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID   string            `json:"tenant_id"`
		ProposerID string            `json:"proposer_id"`
		EntityType schema.EntityType `json:"entity_type"`
		EntityID   string            `json:"entity_id"`
		Operation  schema.Operation  `json:"operation"`
		Payload    json.RawMessage   `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.TenantID == "" || body.ProposerID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and proposer_id are required")
		return
	}

	p, err := s.deps.Workflow.Propose(r.Context(), approval.ProposeRequest{
		TenantID:   body.TenantID,
		ProposerID: body.ProposerID,
		EntityType: body.EntityType,
		EntityID:   body.EntityID,
		Operation:  body.Operation,
		Payload:    body.Payload,
		Source:     schema.SourceManual,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// proposalFilterFromQuery builds the list/count filter from query params.
func proposalFilterFromQuery(r *http.Request) store.ProposalFilter {
	limit, offset := pageParams(r)
	filter := store.ProposalFilter{
		TenantID:   r.URL.Query().Get("tenant_id"),
		ConfigID:   r.URL.Query().Get("config_id"),
		RunID:      r.URL.Query().Get("run_id"),
		EntityType: schema.EntityType(r.URL.Query().Get("entity_type")),
		Source:     schema.ProposalSource(r.URL.Query().Get("source")),
		Limit:      limit,
		Offset:     offset,
	}
	for _, v := range r.URL.Query()["status"] {
		filter.Statuses = append(filter.Statuses, schema.ProposalStatus(v))
	}
	return filter
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	filter := proposalFilterFromQuery(r)

	proposals, err := s.deps.Store.ListProposals(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	total, err := s.deps.Store.CountProposals(r.Context(), store.ProposalFilter{
		TenantID:   filter.TenantID,
		ConfigID:   filter.ConfigID,
		RunID:      filter.RunID,
		EntityType: filter.EntityType,
		Source:     filter.Source,
		Statuses:   filter.Statuses,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"proposals": proposals,
		"total":     total,
		"limit":     filter.Limit,
		"offset":    filter.Offset,
	})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetProposal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// reviewerID identifies who is acting. Taken from a header so bulk
// bodies stay minimal; defaults keep local tooling usable.
func reviewerID(r *http.Request) string {
	if v := r.Header.Get("X-Reviewer-ID"); v != "" {
		return v
	}
	return "api"
}

func (s *Server) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Workflow.Approve(r.Context(), r.PathValue("id"), reviewerID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Workflow.Reject(r.Context(), r.PathValue("id"), reviewerID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type bulkBody struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	s.bulkReview(w, r, s.deps.Workflow.BulkApprove)
}

func (s *Server) handleBulkReject(w http.ResponseWriter, r *http.Request) {
	s.bulkReview(w, r, s.deps.Workflow.BulkReject)
}

func (s *Server) bulkReview(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, ids []string, reviewer string) []approval.BulkResult) {
	var body bulkBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}

	results := op(r.Context(), body.IDs, reviewerID(r))
	writeJSON(w, http.StatusOK, bulkResponse(results))
}

func (s *Server) handleApproveAll(w http.ResponseWriter, r *http.Request) {
	s.reviewAll(w, r, s.deps.Workflow.ApproveAll)
}

func (s *Server) handleRejectAll(w http.ResponseWriter, r *http.Request) {
	s.reviewAll(w, r, s.deps.Workflow.RejectAll)
}

func (s *Server) reviewAll(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, filter store.ProposalFilter, reviewer string) ([]approval.BulkResult, error)) {
	filter := proposalFilterFromQuery(r)
	filter.Limit = 0
	filter.Offset = 0
	if filter.TenantID == "" && filter.ConfigID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id or config_id is required")
		return
	}

	results, err := op(r.Context(), filter, reviewerID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bulkResponse(results))
}

func bulkResponse(results []approval.BulkResult) map[string]any {
	succeeded := 0
	for _, res := range results {
		if res.OK {
			succeeded++
		}
	}
	return map[string]any{
		"results":   results,
		"total":     len(results),
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
	}
}

func (s *Server) handleUpsertApprovalConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID        string            `json:"tenant_id"`
		EntityType      schema.EntityType `json:"entity_type"`
		RequireApproval bool              `json:"require_approval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	if !body.EntityType.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown entity type %q", body.EntityType))
		return
	}

	ac := &store.ApprovalConfig{
		TenantID:        body.TenantID,
		EntityType:      body.EntityType,
		RequireApproval: body.RequireApproval,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := s.deps.Store.UpsertApprovalConfig(r.Context(), ac); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ac)
}

func (s *Server) handleGetApprovalConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	entityType := schema.EntityType(r.URL.Query().Get("entity_type"))
	if tenantID == "" || !entityType.Valid() {
		writeError(w, http.StatusBadRequest, "tenant_id and a valid entity_type are required")
		return
	}

	ac, err := s.deps.Store.GetApprovalConfig(r.Context(), tenantID, entityType)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			// Missing policy row means the default: approval required.
			writeJSON(w, http.StatusOK, &store.ApprovalConfig{
				TenantID:        tenantID,
				EntityType:      entityType,
				RequireApproval: true,
			})
			return
		}
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ac)
}
