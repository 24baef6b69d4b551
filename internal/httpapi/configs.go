package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/prospector/internal/store"
	"github.com/hubenschmidt/prospector/internal/streaming"
	"github.com/hubenschmidt/prospector/pkg/schema"
)

// configBody is the wire shape for creating and updating configs. Only
// user-authored fields appear here; scheduling fields are engine-owned.
type configBody struct {
	TenantID string `json:"tenant_id"`
	OwnerID  string `json:"owner_id"`
	Name     string `json:"name"`

	EntityType      schema.EntityType `json:"entity_type"`
	Enabled         *bool             `json:"enabled"`
	IntervalSeconds int               `json:"interval_seconds"`

	ProspectsPerRun    int        `json:"prospects_per_run"`
	ConcurrentSearches int        `json:"concurrent_searches"`
	SearchSlots        [][]string `json:"search_slots"`

	CompilationTarget  int  `json:"compilation_target"`
	DisableOnCompiled  bool `json:"disable_on_compiled"`
	EmptyProposalLimit int  `json:"empty_proposal_limit"`

	ReviewEnabled   bool     `json:"review_enabled"`
	SystemPrompt    string   `json:"system_prompt"`
	SourceDocuments []string `json:"source_documents"`
	TargetFilter    string   `json:"target_filter"`

	Location   string `json:"location"`
	TimeFilter string `json:"time_filter"`
	TargetType string `json:"target_type"`
	TargetID   string `json:"target_id"`
	Mode       string `json:"mode"`

	DigestEnabled bool   `json:"digest_enabled"`
	DigestCron    string `json:"digest_cron"`
}

func (b *configBody) validate() error {
	if b.TenantID == "" {
		return schema.NewError(schema.ErrCodeValidation, "tenant_id is required")
	}
	if b.OwnerID == "" {
		return schema.NewError(schema.ErrCodeValidation, "owner_id is required")
	}
	if !b.EntityType.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown entity type %q", b.EntityType)
	}
	if b.IntervalSeconds <= 0 {
		return schema.NewError(schema.ErrCodeValidation, "interval_seconds must be positive")
	}
	if b.ConcurrentSearches < 0 {
		return schema.NewError(schema.ErrCodeValidation, "concurrent_searches must not be negative")
	}
	return nil
}

// apply copies user-authored fields onto cfg.
func (b *configBody) apply(cfg *store.AutomationConfig) {
	cfg.TenantID = b.TenantID
	cfg.OwnerID = b.OwnerID
	cfg.Name = b.Name
	cfg.EntityType = b.EntityType
	cfg.Interval = time.Duration(b.IntervalSeconds) * time.Second
	cfg.ProspectsPerRun = b.ProspectsPerRun
	cfg.ConcurrentSearches = b.ConcurrentSearches
	if cfg.ConcurrentSearches == 0 {
		cfg.ConcurrentSearches = 3
	}
	cfg.SearchSlots = b.SearchSlots
	cfg.CompilationTarget = b.CompilationTarget
	cfg.DisableOnCompiled = b.DisableOnCompiled
	cfg.EmptyProposalLimit = b.EmptyProposalLimit
	cfg.ReviewEnabled = b.ReviewEnabled
	cfg.SystemPrompt = b.SystemPrompt
	cfg.SourceDocuments = b.SourceDocuments
	cfg.TargetFilter = b.TargetFilter
	cfg.Location = b.Location
	cfg.TimeFilter = b.TimeFilter
	cfg.TargetType = b.TargetType
	cfg.TargetID = b.TargetID
	cfg.Mode = b.Mode
	cfg.DigestEnabled = b.DigestEnabled
	cfg.DigestCron = b.DigestCron
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body configBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := body.validate(); err != nil {
		writeEngineError(w, err)
		return
	}

	now := time.Now().UTC()
	cfg := &store.AutomationConfig{
		ID:        uuid.New().String(),
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if body.Enabled != nil {
		cfg.Enabled = *body.Enabled
	}
	body.apply(cfg)

	if err := s.deps.Store.CreateAutomationConfig(ctx, cfg); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, cfg)
}

func (s *Server) handleListConfigs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	filter := store.ConfigFilter{
		TenantID: r.URL.Query().Get("tenant_id"),
		Limit:    limit,
		Offset:   offset,
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}

	configs, err := s.deps.Store.ListAutomationConfigs(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configs": configs,
		"limit":   limit,
		"offset":  offset,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Store.GetAutomationConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cfg, err := s.deps.Store.GetAutomationConfig(ctx, r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var body configBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := body.validate(); err != nil {
		writeEngineError(w, err)
		return
	}

	// Scheduling fields (run_count, timestamps, breaker counter) are
	// not touched here; SaveAutomationConfig writes only the
	// user-authored columns.
	body.apply(cfg)
	cfg.UpdatedAt = time.Now().UTC()

	if err := s.deps.Store.SaveAutomationConfig(ctx, cfg); err != nil {
		writeEngineError(w, err)
		return
	}

	s.publishConfigUpdated(ctx, cfg)
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleEnableConfig(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleDisableConfig(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	ctx := r.Context()
	id := r.PathValue("id")

	cfg, err := s.deps.Store.GetAutomationConfig(ctx, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	update := store.SchedulingUpdate{Enabled: &enabled}
	if enabled {
		// Re-enabling resets the zero-run breaker so the config gets a
		// fresh window before tripping again.
		zero := 0
		update.ConsecutiveZeroRuns = &zero
	}
	if err := s.deps.Store.UpdateConfigScheduling(ctx, id, update); err != nil {
		writeEngineError(w, err)
		return
	}

	cfg.Enabled = enabled
	if enabled {
		cfg.ConsecutiveZeroRuns = 0
	}
	s.publishConfigUpdated(ctx, cfg)
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Trigger.TriggerRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	configID := r.PathValue("id")

	filter := store.RunFilter{
		ConfigID: configID,
		Limit:    limit,
		Offset:   offset,
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.RunStatus(v)
		filter.Status = &status
	}

	runs, err := s.deps.Store.ListRunLogs(r.Context(), filter)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   runs,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRunLog(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) publishConfigUpdated(ctx context.Context, cfg *store.AutomationConfig) {
	s.deps.Hub.Publish(ctx, cfg.ID, streaming.Event{
		ConfigID:  cfg.ID,
		EventType: schema.EventConfigUpdated,
		Payload:   cfg,
	})
}
