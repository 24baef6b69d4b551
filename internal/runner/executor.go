// Package runner executes one automation run: parallel search fan-out,
// merge and dedup, optional review, proposal creation, and run log
// finalization.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"

	"github.com/hubenschmidt/prospector/internal/approval"
	"github.com/hubenschmidt/prospector/internal/logging"
	"github.com/hubenschmidt/prospector/internal/metrics"
	"github.com/hubenschmidt/prospector/internal/store"
	"github.com/hubenschmidt/prospector/internal/streaming"
	"github.com/hubenschmidt/prospector/pkg/schema"
)

// Candidate is one raw prospect surfaced by a search.
type Candidate struct {
	Title       string         `json:"title"`
	Company     string         `json:"company,omitempty"`
	Location    string         `json:"location,omitempty"`
	Description string         `json:"description,omitempty"`
	SourceURL   string         `json:"source_url"`
	PostedAt    string         `json:"posted_at,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Constraints are the shared search constraints of one configuration,
// passed to every slot's search task.
type Constraints struct {
	Location   string `json:"location,omitempty"`
	TimeFilter string `json:"time_filter,omitempty"`
	TargetType string `json:"target_type,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
	Mode       string `json:"mode,omitempty"`
}

// SearchProvider executes a single keyword search. External collaborator.
type SearchProvider interface {
	Search(ctx context.Context, keywords []string, c Constraints) ([]Candidate, error)
}

// ReviewContext carries configuration context into the review step.
type ReviewContext struct {
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	SourceDocuments []string `json:"source_documents,omitempty"`
	Query           string   `json:"query,omitempty"`
}

// ReviewResult is the review collaborator's verdict.
type ReviewResult struct {
	Accepted        []Candidate `json:"accepted"`
	RewrittenQuery  string      `json:"rewritten_query,omitempty"`
	RewrittenPrompt string      `json:"rewritten_prompt,omitempty"`
}

// Reviewer optionally filters and annotates merged candidates. External
// collaborator; failures degrade to accepting all candidates.
type Reviewer interface {
	Review(ctx context.Context, candidates []Candidate, rc ReviewContext) (ReviewResult, error)
}

// Proposer is the slice of the approval workflow the executor needs.
type Proposer interface {
	Propose(ctx context.Context, req approval.ProposeRequest) (*store.AgentProposal, error)
}

// Executor runs one automation configuration end to end.
type Executor struct {
	store         store.Store
	proposer      Proposer
	hub           streaming.Hub
	provider      SearchProvider
	reviewer      Reviewer // nil when no review collaborator is wired
	logger        *slog.Logger
	searchTimeout time.Duration
}

// NewExecutor creates an Executor. reviewer may be nil.
func NewExecutor(s store.Store, proposer Proposer, hub streaming.Hub, provider SearchProvider, reviewer Reviewer, searchTimeout time.Duration, logger *slog.Logger) *Executor {
	if searchTimeout <= 0 {
		searchTimeout = 30 * time.Second
	}
	return &Executor{
		store:         s,
		proposer:      proposer,
		hub:           hub,
		provider:      provider,
		reviewer:      reviewer,
		logger:        logger,
		searchTimeout: searchTimeout,
	}
}

// configSnapshot is the scheduling view of a config attached to
// run_completed events so observers see new counters without a fetch.
type configSnapshot struct {
	ID                  string     `json:"id"`
	Enabled             bool       `json:"enabled"`
	RunCount            int        `json:"run_count"`
	ConsecutiveZeroRuns int        `json:"consecutive_zero_runs"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
}

// RunOnce executes one run of cfg. A run log row is created before any
// work starts and is finalized on every exit path, including panics; no
// run is ever left in status running once RunOnce returns.
func (e *Executor) RunOnce(ctx context.Context, cfg *store.AutomationConfig) (run *store.AutomationRunLog, err error) {
	now := time.Now().UTC()
	run = &store.AutomationRunLog{
		ID:        uuid.New().String(),
		ConfigID:  cfg.ID,
		StartedAt: now,
		Status:    schema.RunStatusRunning,
	}
	if createErr := e.store.CreateRunLog(ctx, run); createErr != nil {
		return nil, schema.NewError(schema.ErrCodeRunFatal, "create run log").WithCause(createErr)
	}

	ctx = logging.WithConfigID(logging.WithRunID(ctx, run.ID), cfg.ID)
	ctx = logging.WithTenantID(ctx, cfg.TenantID)
	metrics.RunsStarted.Inc()
	e.hub.Publish(ctx, cfg.ID, streaming.Event{
		ConfigID:  cfg.ID,
		EventType: schema.EventRunStarted,
		Payload:   run,
	})
	e.logger.InfoContext(ctx, "run started", slog.Int("slots", len(cfg.EffectiveSlots())))

	finalized := false
	snapshot := &configSnapshot{ID: cfg.ID, Enabled: cfg.Enabled, RunCount: cfg.RunCount}

	// The run log must leave status running on every exit path. This
	// deferred block is the only place a failed or panicking run is
	// finalized.
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeRunFatal, "run panicked: %v", r)
		}
		if finalized {
			return
		}
		msg := "unexpected failure"
		if err != nil {
			msg = err.Error()
		}
		e.finalize(ctx, run, snapshot, store.RunLogUpdate{ErrorMessage: &msg}, schema.RunStatusError)
	}()

	// Fan out one search task per non-empty slot, capped at the
	// configured parallelism.
	slots := cfg.EffectiveSlots()
	constraints := Constraints{
		Location:   cfg.Location,
		TimeFilter: cfg.TimeFilter,
		TargetType: cfg.TargetType,
		TargetID:   cfg.TargetID,
		Mode:       cfg.Mode,
	}

	results := make([][]Candidate, len(slots))
	pool := NewWorkerPool(min(cfg.ConcurrentSearches, len(slots)))
	for i, slot := range slots {
		i, slot := i, slot
		submitErr := pool.Submit(ctx, func(ctx context.Context) {
			tctx, cancel := context.WithTimeout(ctx, e.searchTimeout)
			defer cancel()
			candidates, searchErr := e.provider.Search(tctx, slot, constraints)
			if searchErr != nil {
				// A failed or timed-out slot contributes zero results;
				// the run continues with the other slots.
				metrics.SearchTasks.WithLabelValues("error").Inc()
				e.logger.WarnContext(ctx, "search slot failed",
					slog.Int("slot", i),
					slog.String("error", searchErr.Error()),
				)
				return
			}
			metrics.SearchTasks.WithLabelValues("ok").Inc()
			results[i] = candidates
		})
		if submitErr != nil {
			e.logger.WarnContext(ctx, "search slot not submitted",
				slog.Int("slot", i),
				slog.String("error", submitErr.Error()),
			)
		}
	}
	pool.Wait()

	merged := e.merge(ctx, cfg, results)
	prospectsFound := len(merged)

	// Optional review step. Review failure is an enhancement failure,
	// not a run failure: fall back to accepting everything merged.
	accepted := merged
	executedQuery := defaultQuery(slots)
	executedPrompt := cfg.SystemPrompt
	queryRewritten, promptRewritten := false, false
	if cfg.ReviewEnabled && e.reviewer != nil {
		res, reviewErr := e.reviewer.Review(ctx, merged, ReviewContext{
			SystemPrompt:    cfg.SystemPrompt,
			SourceDocuments: cfg.SourceDocuments,
			Query:           executedQuery,
		})
		if reviewErr != nil {
			e.logger.WarnContext(ctx, "review failed, accepting all merged candidates",
				slog.String("error", reviewErr.Error()))
		} else {
			accepted = res.Accepted
			if res.RewrittenQuery != "" {
				executedQuery = res.RewrittenQuery
				queryRewritten = true
			}
			if res.RewrittenPrompt != "" {
				executedPrompt = res.RewrittenPrompt
				promptRewritten = true
			}
		}
	}
	if cfg.ProspectsPerRun > 0 && len(accepted) > cfg.ProspectsPerRun {
		accepted = accepted[:cfg.ProspectsPerRun]
	}

	proposalsCreated := 0
	for _, c := range accepted {
		_, proposeErr := e.proposer.Propose(ctx, approval.ProposeRequest{
			TenantID:   cfg.TenantID,
			ProposerID: cfg.OwnerID,
			EntityType: cfg.EntityType,
			Operation:  schema.OperationCreate,
			Payload:    buildPayload(cfg.EntityType, c),
			Source:     schema.SourceAutomation,
			ConfigID:   cfg.ID,
			RunID:      run.ID,
		})
		if proposeErr != nil {
			e.logger.WarnContext(ctx, "proposal creation failed",
				slog.String("source_url", c.SourceURL),
				slog.String("error", proposeErr.Error()),
			)
			continue
		}
		proposalsCreated++
	}

	compiled, updateErr := e.updateScheduling(ctx, cfg, snapshot, proposalsCreated)
	if updateErr != nil {
		err = updateErr
		return run, err
	}

	done := schema.RunStatusDone
	e.finalize(ctx, run, snapshot, store.RunLogUpdate{
		Status:               &done,
		ProspectsFound:       &prospectsFound,
		ProposalsCreated:     &proposalsCreated,
		ExecutedQuery:        &executedQuery,
		QueryRewritten:       &queryRewritten,
		ExecutedSystemPrompt: &executedPrompt,
		PromptRewritten:      &promptRewritten,
		Compiled:             &compiled,
	}, schema.RunStatusDone)
	finalized = true

	e.logger.InfoContext(ctx, "run completed",
		slog.Int("prospects_found", prospectsFound),
		slog.Int("proposals_created", proposalsCreated),
		slog.Bool("compiled", compiled),
	)
	return run, nil
}

// merge flattens per-slot results in slot order, drops duplicates by
// source URL, and applies the configured target filter.
func (e *Executor) merge(ctx context.Context, cfg *store.AutomationConfig, results [][]Candidate) []Candidate {
	var filter *vm.Program
	if cfg.TargetFilter != "" {
		program, compileErr := expr.Compile(cfg.TargetFilter, expr.AsBool())
		if compileErr != nil {
			e.logger.WarnContext(ctx, "target filter does not compile, keeping all candidates",
				slog.String("error", compileErr.Error()))
		} else {
			filter = program
		}
	}

	seen := make(map[string]struct{})
	var merged []Candidate
	for _, slotResults := range results {
		for _, c := range slotResults {
			if c.SourceURL == "" {
				continue
			}
			if _, dup := seen[c.SourceURL]; dup {
				continue
			}
			seen[c.SourceURL] = struct{}{}
			if filter != nil && !e.passesFilter(ctx, filter, c) {
				continue
			}
			merged = append(merged, c)
		}
	}
	return merged
}

// passesFilter evaluates the target filter against one candidate.
// Evaluation errors keep the candidate rather than silently losing it.
func (e *Executor) passesFilter(ctx context.Context, program *vm.Program, c Candidate) bool {
	env := map[string]any{
		"title":       c.Title,
		"company":     c.Company,
		"location":    c.Location,
		"description": c.Description,
		"source_url":  c.SourceURL,
	}
	out, evalErr := expr.Run(program, env)
	if evalErr != nil {
		e.logger.WarnContext(ctx, "target filter evaluation failed, keeping candidate",
			slog.String("source_url", c.SourceURL),
			slog.String("error", evalErr.Error()),
		)
		return true
	}
	pass, ok := out.(bool)
	return !ok || pass
}

// updateScheduling applies step-7 bookkeeping: counters, next run time,
// the zero-run circuit breaker, and compilation target detection.
func (e *Executor) updateScheduling(ctx context.Context, cfg *store.AutomationConfig, snapshot *configSnapshot, proposalsCreated int) (bool, error) {
	now := time.Now().UTC()
	next := now.Add(cfg.Interval)
	runCount := cfg.RunCount + 1

	zeroRuns := 0
	if proposalsCreated == 0 {
		zeroRuns = cfg.ConsecutiveZeroRuns + 1
	}

	enabled := cfg.Enabled
	if cfg.EmptyProposalLimit > 0 && zeroRuns >= cfg.EmptyProposalLimit {
		enabled = false
		e.logger.WarnContext(ctx, "circuit breaker tripped, disabling config",
			slog.Int("consecutive_zero_runs", zeroRuns))
	}

	compiled := false
	if cfg.CompilationTarget > 0 {
		active, countErr := e.store.CountProposals(ctx, store.ProposalFilter{
			ConfigID: cfg.ID,
			Statuses: []schema.ProposalStatus{
				schema.ProposalStatusPending,
				schema.ProposalStatusApproved,
				schema.ProposalStatusExecuted,
			},
		})
		if countErr != nil {
			return false, schema.NewError(schema.ErrCodeStore, "count active proposals").WithCause(countErr)
		}
		// compiled marks the run that crossed the target, not every run
		// past it.
		compiled = active >= cfg.CompilationTarget && active-proposalsCreated < cfg.CompilationTarget
		if compiled && cfg.DisableOnCompiled {
			enabled = false
			e.logger.InfoContext(ctx, "compilation target reached, disabling config",
				slog.Int("active_proposals", active))
		}
	}

	update := store.SchedulingUpdate{
		RunCount:            &runCount,
		LastRunAt:           &now,
		NextRunAt:           &next,
		ConsecutiveZeroRuns: &zeroRuns,
	}
	if enabled != cfg.Enabled {
		update.Enabled = &enabled
	}
	if updateErr := e.store.UpdateConfigScheduling(ctx, cfg.ID, update); updateErr != nil {
		return false, schema.NewError(schema.ErrCodeStore, "update config scheduling").WithCause(updateErr)
	}

	snapshot.Enabled = enabled
	snapshot.RunCount = runCount
	snapshot.ConsecutiveZeroRuns = zeroRuns
	snapshot.LastRunAt = &now
	snapshot.NextRunAt = &next
	return compiled, nil
}

// finalize moves the run log out of running and publishes run_completed.
// Called exactly once per run, from the happy path or the deferred guard.
func (e *Executor) finalize(ctx context.Context, run *store.AutomationRunLog, snapshot *configSnapshot, update store.RunLogUpdate, status schema.RunStatus) {
	// The terminal write must land even when the run's own context was
	// cancelled (shutdown, client disconnect). Otherwise the row is stuck
	// in status running forever.
	ctx = context.WithoutCancel(ctx)
	completed := time.Now().UTC()
	update.CompletedAt = &completed
	if update.Status == nil {
		update.Status = &status
	}
	if updateErr := e.store.UpdateRunLog(ctx, run.ID, update); updateErr != nil {
		e.logger.ErrorContext(ctx, "failed to finalize run log",
			slog.String("error", updateErr.Error()))
	}

	final, getErr := e.store.GetRunLog(ctx, run.ID)
	if getErr != nil {
		final = run
		final.Status = status
		final.CompletedAt = &completed
	}
	*run = *final

	metrics.RunsCompleted.WithLabelValues(string(status)).Inc()
	e.hub.Publish(ctx, run.ConfigID, streaming.Event{
		ConfigID:  run.ConfigID,
		EventType: schema.EventRunCompleted,
		Payload: map[string]any{
			"run":    final,
			"config": snapshot,
		},
	})
}

// defaultQuery renders the executed query text from the slot keywords.
func defaultQuery(slots [][]string) string {
	parts := make([]string, 0, len(slots))
	for _, slot := range slots {
		parts = append(parts, strings.Join(slot, " "))
	}
	return strings.Join(parts, "; ")
}

// buildPayload shapes a candidate into the payload expected for the
// config's entity type.
func buildPayload(entityType schema.EntityType, c Candidate) json.RawMessage {
	var payload map[string]any
	switch entityType {
	case schema.EntityJob:
		payload = map[string]any{
			"title":       c.Title,
			"company":     c.Company,
			"location":    c.Location,
			"description": c.Description,
			"source_url":  c.SourceURL,
		}
		if c.PostedAt != "" {
			payload["posted_at"] = c.PostedAt
		}
	case schema.EntityOpportunity:
		payload = map[string]any{
			"name":         c.Title,
			"organization": c.Company,
			"description":  c.Description,
			"source_url":   c.SourceURL,
		}
	case schema.EntityPartnership:
		org := c.Company
		if org == "" {
			org = c.Title
		}
		payload = map[string]any{
			"organization": org,
			"description":  c.Description,
			"source_url":   c.SourceURL,
		}
	case schema.EntityIndividual:
		payload = map[string]any{
			"name":       c.Title,
			"company":    c.Company,
			"location":   c.Location,
			"source_url": c.SourceURL,
		}
	case schema.EntityContact:
		payload = map[string]any{
			"name":       c.Title,
			"source_url": c.SourceURL,
		}
	default:
		payload = map[string]any{"source_url": c.SourceURL}
	}
	for k, v := range c.Extra {
		if _, exists := payload[k]; !exists {
			payload[k] = v
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"source_url":%q}`, c.SourceURL))
	}
	return data
}
