package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/hubenschmidt/prospector/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Automation configs ---

const configColumns = `id, tenant_id, owner_id, name, entity_type, enabled, interval_seconds,
	last_run_at, next_run_at, run_count, prospects_per_run, concurrent_searches, search_slots,
	compilation_target, disable_on_compiled, consecutive_zero_runs, empty_proposal_limit,
	review_enabled, system_prompt, source_documents, target_filter,
	location, time_filter, target_type, target_id, mode,
	digest_enabled, digest_cron, last_digest_at, created_at, updated_at`

func (s *LibSQLStore) CreateAutomationConfig(ctx context.Context, cfg *AutomationConfig) error {
	slots, err := json.Marshal(cfg.SearchSlots)
	if err != nil {
		return fmt.Errorf("marshal search_slots: %w", err)
	}
	docs, err := marshalSliceOrNil(cfg.SourceDocuments)
	if err != nil {
		return fmt.Errorf("marshal source_documents: %w", err)
	}
	now := timeOrNow(cfg.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO automation_configs (`+configColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.TenantID, cfg.OwnerID, nullStr(cfg.Name), string(cfg.EntityType), cfg.Enabled,
		int64(cfg.Interval/time.Second),
		nullTime(cfg.LastRunAt), nullTime(cfg.NextRunAt), cfg.RunCount,
		cfg.ProspectsPerRun, cfg.ConcurrentSearches, string(slots),
		cfg.CompilationTarget, cfg.DisableOnCompiled, cfg.ConsecutiveZeroRuns, cfg.EmptyProposalLimit,
		cfg.ReviewEnabled, nullStr(cfg.SystemPrompt), docs, nullStr(cfg.TargetFilter),
		nullStr(cfg.Location), nullStr(cfg.TimeFilter), nullStr(cfg.TargetType), nullStr(cfg.TargetID), nullStr(cfg.Mode),
		cfg.DigestEnabled, nullStr(cfg.DigestCron), nullTime(cfg.LastDigestAt), now, now,
	)
	return err
}

func (s *LibSQLStore) GetAutomationConfig(ctx context.Context, id string) (*AutomationConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM automation_configs WHERE id = ?`, id)
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("automation config", id)
	}
	return cfg, err
}

// SaveAutomationConfig replaces the user-authored fields of an existing config.
// Scheduling fields are deliberately left untouched; use UpdateConfigScheduling.
func (s *LibSQLStore) SaveAutomationConfig(ctx context.Context, cfg *AutomationConfig) error {
	slots, err := json.Marshal(cfg.SearchSlots)
	if err != nil {
		return fmt.Errorf("marshal search_slots: %w", err)
	}
	docs, err := marshalSliceOrNil(cfg.SourceDocuments)
	if err != nil {
		return fmt.Errorf("marshal source_documents: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_configs SET
			name = ?, entity_type = ?, enabled = ?, interval_seconds = ?,
			prospects_per_run = ?, concurrent_searches = ?, search_slots = ?,
			compilation_target = ?, disable_on_compiled = ?, empty_proposal_limit = ?,
			review_enabled = ?, system_prompt = ?, source_documents = ?, target_filter = ?,
			location = ?, time_filter = ?, target_type = ?, target_id = ?, mode = ?,
			digest_enabled = ?, digest_cron = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		nullStr(cfg.Name), string(cfg.EntityType), cfg.Enabled, int64(cfg.Interval/time.Second),
		cfg.ProspectsPerRun, cfg.ConcurrentSearches, string(slots),
		cfg.CompilationTarget, cfg.DisableOnCompiled, cfg.EmptyProposalLimit,
		cfg.ReviewEnabled, nullStr(cfg.SystemPrompt), docs, nullStr(cfg.TargetFilter),
		nullStr(cfg.Location), nullStr(cfg.TimeFilter), nullStr(cfg.TargetType), nullStr(cfg.TargetID), nullStr(cfg.Mode),
		cfg.DigestEnabled, nullStr(cfg.DigestCron),
		cfg.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "automation config", cfg.ID)
}

func (s *LibSQLStore) UpdateConfigScheduling(ctx context.Context, id string, update SchedulingUpdate) error {
	var sets []string
	var args []any

	if update.RunCount != nil {
		sets = append(sets, "run_count = ?")
		args = append(args, *update.RunCount)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.ConsecutiveZeroRuns != nil {
		sets = append(sets, "consecutive_zero_runs = ?")
		args = append(args, *update.ConsecutiveZeroRuns)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastDigestAt != nil {
		sets = append(sets, "last_digest_at = ?")
		args = append(args, *update.LastDigestAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE automation_configs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "automation config", id)
}

func (s *LibSQLStore) ListAutomationConfigs(ctx context.Context, filter ConfigFilter) ([]*AutomationConfig, error) {
	query := `SELECT ` + configColumns + ` FROM automation_configs`
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.DueBefore != nil {
		where = append(where, "(next_run_at IS NULL OR next_run_at <= ?)")
		args = append(args, *filter.DueBefore)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*AutomationConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(r rowScanner) (*AutomationConfig, error) {
	cfg := &AutomationConfig{}
	var name, systemPrompt, sourceDocs, targetFilter sql.NullString
	var location, timeFilter, targetType, targetID, mode, digestCron sql.NullString
	var slotsJSON, entityType string
	var intervalSeconds int64
	var lastRun, nextRun, lastDigest sql.NullTime

	err := r.Scan(
		&cfg.ID, &cfg.TenantID, &cfg.OwnerID, &name, &entityType, &cfg.Enabled, &intervalSeconds,
		&lastRun, &nextRun, &cfg.RunCount, &cfg.ProspectsPerRun, &cfg.ConcurrentSearches, &slotsJSON,
		&cfg.CompilationTarget, &cfg.DisableOnCompiled, &cfg.ConsecutiveZeroRuns, &cfg.EmptyProposalLimit,
		&cfg.ReviewEnabled, &systemPrompt, &sourceDocs, &targetFilter,
		&location, &timeFilter, &targetType, &targetID, &mode,
		&cfg.DigestEnabled, &digestCron, &lastDigest, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cfg.Name = name.String
	cfg.EntityType = schema.EntityType(entityType)
	cfg.Interval = time.Duration(intervalSeconds) * time.Second
	cfg.SystemPrompt = systemPrompt.String
	cfg.TargetFilter = targetFilter.String
	cfg.Location = location.String
	cfg.TimeFilter = timeFilter.String
	cfg.TargetType = targetType.String
	cfg.TargetID = targetID.String
	cfg.Mode = mode.String
	cfg.DigestCron = digestCron.String

	if err := json.Unmarshal([]byte(slotsJSON), &cfg.SearchSlots); err != nil {
		return nil, fmt.Errorf("unmarshal search_slots: %w", err)
	}
	if sourceDocs.Valid && sourceDocs.String != "" {
		if err := json.Unmarshal([]byte(sourceDocs.String), &cfg.SourceDocuments); err != nil {
			return nil, fmt.Errorf("unmarshal source_documents: %w", err)
		}
	}
	if lastRun.Valid {
		cfg.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		cfg.NextRunAt = &nextRun.Time
	}
	if lastDigest.Valid {
		cfg.LastDigestAt = &lastDigest.Time
	}
	return cfg, nil
}

// --- Run logs ---

const runColumns = `id, config_id, started_at, completed_at, status, prospects_found,
	proposals_created, executed_query, query_rewritten, executed_system_prompt,
	prompt_rewritten, compiled, error_message`

func (s *LibSQLStore) CreateRunLog(ctx context.Context, run *AutomationRunLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_run_logs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ConfigID, timeOrNow(run.StartedAt), nullTime(run.CompletedAt), string(run.Status),
		run.ProspectsFound, run.ProposalsCreated,
		nullStr(run.ExecutedQuery), run.QueryRewritten,
		nullStr(run.ExecutedSystemPrompt), run.PromptRewritten,
		run.Compiled, nullStr(run.ErrorMessage),
	)
	return err
}

func (s *LibSQLStore) GetRunLog(ctx context.Context, id string) (*AutomationRunLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM automation_run_logs WHERE id = ?`, id)
	run, err := scanRunLog(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run log", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRunLog(ctx context.Context, id string, update RunLogUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.ProspectsFound != nil {
		sets = append(sets, "prospects_found = ?")
		args = append(args, *update.ProspectsFound)
	}
	if update.ProposalsCreated != nil {
		sets = append(sets, "proposals_created = ?")
		args = append(args, *update.ProposalsCreated)
	}
	if update.ExecutedQuery != nil {
		sets = append(sets, "executed_query = ?")
		args = append(args, nullStr(*update.ExecutedQuery))
	}
	if update.QueryRewritten != nil {
		sets = append(sets, "query_rewritten = ?")
		args = append(args, *update.QueryRewritten)
	}
	if update.ExecutedSystemPrompt != nil {
		sets = append(sets, "executed_system_prompt = ?")
		args = append(args, nullStr(*update.ExecutedSystemPrompt))
	}
	if update.PromptRewritten != nil {
		sets = append(sets, "prompt_rewritten = ?")
		args = append(args, *update.PromptRewritten)
	}
	if update.Compiled != nil {
		sets = append(sets, "compiled = ?")
		args = append(args, *update.Compiled)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE automation_run_logs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run log", id)
}

func (s *LibSQLStore) ListRunLogs(ctx context.Context, filter RunFilter) ([]*AutomationRunLog, error) {
	query := `SELECT ` + runColumns + ` FROM automation_run_logs`
	var where []string
	var args []any

	if filter.ConfigID != "" {
		where = append(where, "config_id = ?")
		args = append(args, filter.ConfigID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*AutomationRunLog
	for rows.Next() {
		run, err := scanRunLog(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRunLog(r rowScanner) (*AutomationRunLog, error) {
	run := &AutomationRunLog{}
	var completed sql.NullTime
	var status string
	var execQuery, execPrompt, errMsg sql.NullString

	err := r.Scan(
		&run.ID, &run.ConfigID, &run.StartedAt, &completed, &status,
		&run.ProspectsFound, &run.ProposalsCreated,
		&execQuery, &run.QueryRewritten, &execPrompt, &run.PromptRewritten,
		&run.Compiled, &errMsg,
	)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.ExecutedQuery = execQuery.String
	run.ExecutedSystemPrompt = execPrompt.String
	run.ErrorMessage = errMsg.String
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	return run, nil
}

// --- Proposals ---

const proposalColumns = `id, tenant_id, proposer_id, entity_type, entity_id, operation, payload,
	status, validation_errors, reviewed_by, reviewed_at, executed_at, error_message,
	source, config_id, run_id, created_at, updated_at`

func (s *LibSQLStore) CreateProposal(ctx context.Context, p *AgentProposal) error {
	now := timeOrNow(p.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_proposals (`+proposalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.ProposerID, string(p.EntityType), nullStr(p.EntityID), string(p.Operation),
		string(p.Payload), string(p.Status), nullRaw(p.ValidationErrors),
		nullStr(p.ReviewedBy), nullTime(p.ReviewedAt), nullTime(p.ExecutedAt), nullStr(p.ErrorMessage),
		string(p.Source), nullStr(p.ConfigID), nullStr(p.RunID), now, now,
	)
	return err
}

func (s *LibSQLStore) GetProposal(ctx context.Context, id string) (*AgentProposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM agent_proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("proposal", id)
	}
	return p, err
}

func (s *LibSQLStore) UpdateProposal(ctx context.Context, id string, update ProposalUpdate) error {
	sets, args := proposalSets(update)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE agent_proposals SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "proposal", id)
}

// TransitionProposal applies the update only if the proposal is currently in
// the `from` status. The guard runs in the same UPDATE so concurrent reviewers
// cannot both win the transition.
func (s *LibSQLStore) TransitionProposal(ctx context.Context, id string, from schema.ProposalStatus, update ProposalUpdate) error {
	sets, args := proposalSets(update)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id, string(from))
	res, err := s.db.ExecContext(ctx,
		"UPDATE agent_proposals SET "+strings.Join(sets, ", ")+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a stale status.
		current, getErr := s.GetProposal(ctx, id)
		if getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"proposal %q is %s, expected %s", id, current.Status, from)
	}
	return nil
}

func proposalSets(update ProposalUpdate) ([]string, []any) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ReviewedBy != nil {
		sets = append(sets, "reviewed_by = ?")
		args = append(args, nullStr(*update.ReviewedBy))
	}
	if update.ReviewedAt != nil {
		sets = append(sets, "reviewed_at = ?")
		args = append(args, *update.ReviewedAt)
	}
	if update.ExecutedAt != nil {
		sets = append(sets, "executed_at = ?")
		args = append(args, *update.ExecutedAt)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	}
	return sets, args
}

func (s *LibSQLStore) ListProposals(ctx context.Context, filter ProposalFilter) ([]*AgentProposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM agent_proposals`
	where, args := proposalWhere(filter)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []*AgentProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}

func (s *LibSQLStore) CountProposals(ctx context.Context, filter ProposalFilter) (int, error) {
	query := `SELECT COUNT(*) FROM agent_proposals`
	where, args := proposalWhere(filter)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	var count int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

func proposalWhere(filter ProposalFilter) ([]string, []any) {
	var where []string
	var args []any

	if len(filter.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.IDs)), ", ")
		where = append(where, "id IN ("+placeholders+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ConfigID != "" {
		where = append(where, "config_id = ?")
		args = append(args, filter.ConfigID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(filter.Source))
	}
	if len(filter.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.Statuses)), ", ")
		where = append(where, "status IN ("+placeholders+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	return where, args
}

func scanProposal(r rowScanner) (*AgentProposal, error) {
	p := &AgentProposal{}
	var entityType, operation, status, source, payload string
	var entityID, validationErrs, reviewedBy, errMsg, configID, runID sql.NullString
	var reviewedAt, executedAt sql.NullTime

	err := r.Scan(
		&p.ID, &p.TenantID, &p.ProposerID, &entityType, &entityID, &operation, &payload,
		&status, &validationErrs, &reviewedBy, &reviewedAt, &executedAt, &errMsg,
		&source, &configID, &runID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.EntityType = schema.EntityType(entityType)
	p.EntityID = entityID.String
	p.Operation = schema.Operation(operation)
	p.Payload = json.RawMessage(payload)
	p.Status = schema.ProposalStatus(status)
	p.ValidationErrors = rawOrNil(validationErrs)
	p.ReviewedBy = reviewedBy.String
	p.ErrorMessage = errMsg.String
	p.Source = schema.ProposalSource(source)
	p.ConfigID = configID.String
	p.RunID = runID.String
	if reviewedAt.Valid {
		p.ReviewedAt = &reviewedAt.Time
	}
	if executedAt.Valid {
		p.ExecutedAt = &executedAt.Time
	}
	return p, nil
}

// --- Approval policy ---

func (s *LibSQLStore) UpsertApprovalConfig(ctx context.Context, ac *ApprovalConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_configs (tenant_id, entity_type, require_approval, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(tenant_id, entity_type) DO UPDATE SET
			require_approval = excluded.require_approval, updated_at = CURRENT_TIMESTAMP`,
		ac.TenantID, string(ac.EntityType), ac.RequireApproval,
	)
	return err
}

func (s *LibSQLStore) GetApprovalConfig(ctx context.Context, tenantID string, entityType schema.EntityType) (*ApprovalConfig, error) {
	ac := &ApprovalConfig{TenantID: tenantID, EntityType: entityType}
	err := s.db.QueryRowContext(ctx,
		`SELECT require_approval, updated_at FROM approval_configs WHERE tenant_id = ? AND entity_type = ?`,
		tenantID, string(entityType),
	).Scan(&ac.RequireApproval, &ac.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval config", tenantID+"/"+string(entityType))
	}
	if err != nil {
		return nil, err
	}
	return ac, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalSliceOrNil(s []string) (any, error) {
	if len(s) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
