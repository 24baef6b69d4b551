// Package httpapi serves the management REST surface and live event
// streams for the automation engine.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/prospector/internal/approval"
	"github.com/hubenschmidt/prospector/internal/store"
	"github.com/hubenschmidt/prospector/internal/streaming"
)

// RunTrigger starts a manual run for one config. Satisfied by the
// scheduler so manual runs share the per-config lock.
type RunTrigger interface {
	TriggerRun(ctx context.Context, configID string) (*store.AutomationRunLog, error)
}

// ProposalReviewer is the slice of the approval workflow the API needs.
type ProposalReviewer interface {
	Propose(ctx context.Context, req approval.ProposeRequest) (*store.AgentProposal, error)
	Approve(ctx context.Context, id, reviewer string) (*store.AgentProposal, error)
	Reject(ctx context.Context, id, reviewer string) (*store.AgentProposal, error)
	BulkApprove(ctx context.Context, ids []string, reviewer string) []approval.BulkResult
	BulkReject(ctx context.Context, ids []string, reviewer string) []approval.BulkResult
	ApproveAll(ctx context.Context, filter store.ProposalFilter, reviewer string) ([]approval.BulkResult, error)
	RejectAll(ctx context.Context, filter store.ProposalFilter, reviewer string) ([]approval.BulkResult, error)
}

// Deps holds the dependencies for the API server.
type Deps struct {
	Store    store.Store
	Workflow ProposalReviewer
	Trigger  RunTrigger
	Hub      streaming.Hub
	Logger   *slog.Logger
}

// Server serves the management API.
type Server struct {
	deps Deps
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Automation configs.
	mux.HandleFunc("POST /api/configs", s.handleCreateConfig)
	mux.HandleFunc("GET /api/configs", s.handleListConfigs)
	mux.HandleFunc("GET /api/configs/{id}", s.handleGetConfig)
	mux.HandleFunc("PUT /api/configs/{id}", s.handleUpdateConfig)
	mux.HandleFunc("POST /api/configs/{id}/enable", s.handleEnableConfig)
	mux.HandleFunc("POST /api/configs/{id}/disable", s.handleDisableConfig)
	mux.HandleFunc("POST /api/configs/{id}/run", s.handleTriggerRun)

	// Run history.
	mux.HandleFunc("GET /api/configs/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)

	// Proposals and review.
	mux.HandleFunc("POST /api/proposals", s.handleCreateProposal)
	mux.HandleFunc("GET /api/proposals", s.handleListProposals)
	mux.HandleFunc("GET /api/proposals/{id}", s.handleGetProposal)
	mux.HandleFunc("POST /api/proposals/{id}/approve", s.handleApproveProposal)
	mux.HandleFunc("POST /api/proposals/{id}/reject", s.handleRejectProposal)
	mux.HandleFunc("POST /api/proposals/bulk/approve", s.handleBulkApprove)
	mux.HandleFunc("POST /api/proposals/bulk/reject", s.handleBulkReject)
	mux.HandleFunc("POST /api/proposals/approve-all", s.handleApproveAll)
	mux.HandleFunc("POST /api/proposals/reject-all", s.handleRejectAll)

	// Approval policy.
	mux.HandleFunc("PUT /api/approval-configs", s.handleUpsertApprovalConfig)
	mux.HandleFunc("GET /api/approval-configs", s.handleGetApprovalConfig)

	// Live events.
	mux.HandleFunc("GET /sse/configs/{id}", s.handleSSE)

	// Operational.
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
