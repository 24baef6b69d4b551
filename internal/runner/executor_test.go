package runner

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubenschmidt/prospector/internal/approval"
	"github.com/hubenschmidt/prospector/internal/store"
	"github.com/hubenschmidt/prospector/internal/streaming"
	"github.com/hubenschmidt/prospector/pkg/schema"
)

type mockStore struct {
	store.Store

	mu       sync.Mutex
	runs     map[string]*store.AutomationRunLog
	sched    map[string]store.SchedulingUpdate
	active   int // active proposal count, incremented by the fake proposer
	schedErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		runs:  make(map[string]*store.AutomationRunLog),
		sched: make(map[string]store.SchedulingUpdate),
	}
}

func (m *mockStore) CreateRunLog(_ context.Context, run *store.AutomationRunLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockStore) GetRunLog(ctx context.Context, id string) (*store.AutomationRunLog, error) {
	// Mirror database/sql, which refuses queries on a cancelled context.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "run log not found")
	}
	cp := *run
	return &cp, nil
}

func (m *mockStore) UpdateRunLog(ctx context.Context, id string, update store.RunLogUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "run log not found")
	}
	if update.Status != nil {
		run.Status = *update.Status
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	if update.ProspectsFound != nil {
		run.ProspectsFound = *update.ProspectsFound
	}
	if update.ProposalsCreated != nil {
		run.ProposalsCreated = *update.ProposalsCreated
	}
	if update.ExecutedQuery != nil {
		run.ExecutedQuery = *update.ExecutedQuery
	}
	if update.QueryRewritten != nil {
		run.QueryRewritten = *update.QueryRewritten
	}
	if update.ExecutedSystemPrompt != nil {
		run.ExecutedSystemPrompt = *update.ExecutedSystemPrompt
	}
	if update.PromptRewritten != nil {
		run.PromptRewritten = *update.PromptRewritten
	}
	if update.Compiled != nil {
		run.Compiled = *update.Compiled
	}
	if update.ErrorMessage != nil {
		run.ErrorMessage = *update.ErrorMessage
	}
	return nil
}

func (m *mockStore) UpdateConfigScheduling(ctx context.Context, id string, update store.SchedulingUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.schedErr != nil {
		return m.schedErr
	}
	m.sched[id] = update
	return nil
}

func (m *mockStore) CountProposals(_ context.Context, _ store.ProposalFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, nil
}

func (m *mockStore) lastSched(id string) store.SchedulingUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sched[id]
}

func (m *mockStore) finalRun(t *testing.T, id string) *store.AutomationRunLog {
	t.Helper()
	run, err := m.GetRunLog(context.Background(), id)
	require.NoError(t, err)
	return run
}

// fakeProvider serves candidates keyed by the space-joined slot keywords.
type fakeProvider struct {
	mu      sync.Mutex
	results map[string][]Candidate
	errs    map[string]error
	delay   time.Duration
	calls   []string
}

func (p *fakeProvider) Search(ctx context.Context, keywords []string, _ Constraints) ([]Candidate, error) {
	key := strings.Join(keywords, " ")
	p.mu.Lock()
	p.calls = append(p.calls, key)
	p.mu.Unlock()
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := p.errs[key]; err != nil {
		return nil, err
	}
	return p.results[key], nil
}

// fakeProposer records propose requests and bumps the store's active
// proposal count so compilation checks see the new rows.
type fakeProposer struct {
	mu       sync.Mutex
	store    *mockStore
	requests []approval.ProposeRequest
	err      error
}

func (f *fakeProposer) Propose(_ context.Context, req approval.ProposeRequest) (*store.AgentProposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	if f.store != nil {
		f.store.mu.Lock()
		f.store.active++
		f.store.mu.Unlock()
	}
	return &store.AgentProposal{ID: "p", Status: schema.ProposalStatusPending}, nil
}

type fakeReviewer struct {
	result ReviewResult
	err    error
	called bool
}

func (r *fakeReviewer) Review(_ context.Context, candidates []Candidate, _ ReviewContext) (ReviewResult, error) {
	r.called = true
	if r.err != nil {
		return ReviewResult{}, r.err
	}
	if r.result.Accepted == nil {
		return ReviewResult{Accepted: candidates}, nil
	}
	return r.result, nil
}

func candidates(prefix string, n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = Candidate{
			Title:     prefix + "-title",
			Company:   "acme",
			SourceURL: "https://example.com/" + prefix + "/" + string(rune('a'+i)),
		}
	}
	return out
}

func testConfig() *store.AutomationConfig {
	return &store.AutomationConfig{
		ID:                 "cfg-1",
		TenantID:           "tenant-1",
		OwnerID:            "owner-1",
		EntityType:         schema.EntityJob,
		Enabled:            true,
		Interval:           time.Hour,
		ConcurrentSearches: 3,
		SearchSlots:        [][]string{{"golang", "remote"}, {"rust", "berlin"}},
	}
}

func newTestExecutor(ms *mockStore, fp *fakeProposer, provider SearchProvider, reviewer Reviewer) (*Executor, *streaming.TopicHub) {
	logger := slog.New(slog.DiscardHandler)
	hub := streaming.NewTopicHub(logger)
	return NewExecutor(ms, fp, hub, provider, reviewer, time.Second, logger), hub
}

func TestRunOnceFansOutAndProposesAll(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": candidates("go", 5),
		"rust berlin":   candidates("rust", 7),
	}}
	exec, hub := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	sub := hub.Subscribe(cfg.ID)
	defer hub.Unsubscribe(cfg.ID, sub)

	run, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	final := ms.finalRun(t, run.ID)
	assert.Equal(t, schema.RunStatusDone, final.Status)
	assert.Equal(t, 12, final.ProspectsFound)
	assert.Equal(t, 12, final.ProposalsCreated)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, "golang remote; rust berlin", final.ExecutedQuery)
	assert.False(t, final.QueryRewritten)

	assert.Len(t, fp.requests, 12)
	for _, req := range fp.requests {
		assert.Equal(t, schema.SourceAutomation, req.Source)
		assert.Equal(t, schema.OperationCreate, req.Operation)
		assert.Equal(t, cfg.ID, req.ConfigID)
		assert.Equal(t, run.ID, req.RunID)
	}

	started := <-sub.Events()
	assert.Equal(t, schema.EventRunStarted, started.EventType)
	completed := <-sub.Events()
	assert.Equal(t, schema.EventRunCompleted, completed.EventType)

	sched := ms.lastSched(cfg.ID)
	require.NotNil(t, sched.RunCount)
	assert.Equal(t, 1, *sched.RunCount)
	require.NotNil(t, sched.ConsecutiveZeroRuns)
	assert.Equal(t, 0, *sched.ConsecutiveZeroRuns)
	require.NotNil(t, sched.NextRunAt)
	assert.Nil(t, sched.Enabled)
}

func TestRunOnceDeduplicatesBySourceURL(t *testing.T) {
	shared := Candidate{Title: "dup", SourceURL: "https://example.com/same"}
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": {shared, {Title: "a", SourceURL: "https://example.com/a"}},
		"rust berlin":   {shared, {Title: "b", SourceURL: "https://example.com/b"}},
	}}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	run, err := exec.RunOnce(context.Background(), testConfig())
	require.NoError(t, err)

	final := ms.finalRun(t, run.ID)
	assert.Equal(t, 3, final.ProspectsFound)
	assert.Len(t, fp.requests, 3)
}

func TestRunOnceSkipsCandidatesWithoutSourceURL(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": {{Title: "no-url"}, {Title: "ok", SourceURL: "https://example.com/ok"}},
	}}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	run, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, 1, ms.finalRun(t, run.ID).ProspectsFound)
}

func TestRunOnceSlotFailureIsIsolated(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{
		results: map[string][]Candidate{"rust berlin": candidates("rust", 4)},
		errs:    map[string]error{"golang remote": errors.New("upstream 503")},
	}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	run, err := exec.RunOnce(context.Background(), testConfig())
	require.NoError(t, err)

	final := ms.finalRun(t, run.ID)
	assert.Equal(t, schema.RunStatusDone, final.Status)
	assert.Equal(t, 4, final.ProspectsFound)
}

func TestRunOnceSlotTimeoutYieldsEmptySlot(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{
		results: map[string][]Candidate{
			"golang remote": candidates("go", 2),
			"rust berlin":   candidates("rust", 2),
		},
		delay: 200 * time.Millisecond,
	}
	logger := slog.New(slog.DiscardHandler)
	hub := streaming.NewTopicHub(logger)
	exec := NewExecutor(ms, fp, hub, provider, nil, 10*time.Millisecond, logger)

	run, err := exec.RunOnce(context.Background(), testConfig())
	require.NoError(t, err)

	final := ms.finalRun(t, run.ID)
	assert.Equal(t, schema.RunStatusDone, final.Status)
	assert.Equal(t, 0, final.ProspectsFound)
}

func TestRunOnceWithNoSlots(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{}, nil}
	run, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	final := ms.finalRun(t, run.ID)
	assert.Equal(t, schema.RunStatusDone, final.Status)
	assert.Equal(t, 0, final.ProspectsFound)
	assert.Empty(t, provider.calls)

	sched := ms.lastSched(cfg.ID)
	require.NotNil(t, sched.RunCount)
	assert.Equal(t, 1, *sched.RunCount)
}

func TestRunOnceCapsAtProspectsPerRun(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": candidates("go", 9),
	}}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	cfg.ProspectsPerRun = 5
	run, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	final := ms.finalRun(t, run.ID)
	assert.Equal(t, 9, final.ProspectsFound)
	assert.Equal(t, 5, final.ProposalsCreated)
}

func TestRunOnceCircuitBreakerDisablesConfig(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{} // every slot comes back empty
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.EmptyProposalLimit = 3
	cfg.ConsecutiveZeroRuns = 2
	_, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	sched := ms.lastSched(cfg.ID)
	require.NotNil(t, sched.ConsecutiveZeroRuns)
	assert.Equal(t, 3, *sched.ConsecutiveZeroRuns)
	require.NotNil(t, sched.Enabled)
	assert.False(t, *sched.Enabled)
}

func TestRunOnceCircuitBreakerDisabledWhenLimitZero(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.EmptyProposalLimit = 0
	cfg.ConsecutiveZeroRuns = 50
	_, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	sched := ms.lastSched(cfg.ID)
	require.NotNil(t, sched.ConsecutiveZeroRuns)
	assert.Equal(t, 51, *sched.ConsecutiveZeroRuns)
	assert.Nil(t, sched.Enabled)
}

func TestRunOnceZeroRunCounterResetsOnProposals(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": candidates("go", 1),
	}}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	cfg.ConsecutiveZeroRuns = 2
	cfg.EmptyProposalLimit = 3
	_, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	sched := ms.lastSched(cfg.ID)
	require.NotNil(t, sched.ConsecutiveZeroRuns)
	assert.Equal(t, 0, *sched.ConsecutiveZeroRuns)
	assert.Nil(t, sched.Enabled)
}

func TestRunOnceMarksCompilationCrossing(t *testing.T) {
	ms := newMockStore()
	ms.active = 8 // proposals from earlier runs
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": candidates("go", 5),
	}}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	cfg.CompilationTarget = 10
	cfg.DisableOnCompiled = true
	run, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	final := ms.finalRun(t, run.ID)
	assert.True(t, final.Compiled)

	sched := ms.lastSched(cfg.ID)
	require.NotNil(t, sched.Enabled)
	assert.False(t, *sched.Enabled)
}

func TestRunOncePastCompilationTargetNotMarkedAgain(t *testing.T) {
	ms := newMockStore()
	ms.active = 15 // already past target before this run
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": candidates("go", 2),
	}}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	cfg.CompilationTarget = 10
	run, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	assert.False(t, ms.finalRun(t, run.ID).Compiled)
}

func TestRunOnceCompiledWithoutDisableKeepsRunning(t *testing.T) {
	ms := newMockStore()
	ms.active = 9
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": candidates("go", 3),
	}}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	cfg.CompilationTarget = 10
	cfg.DisableOnCompiled = false
	run, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	assert.True(t, ms.finalRun(t, run.ID).Compiled)
	assert.Nil(t, ms.lastSched(cfg.ID).Enabled)
}

func TestRunOnceReviewFiltersAndRewrites(t *testing.T) {
	all := candidates("go", 4)
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{"golang remote": all}}
	reviewer := &fakeReviewer{result: ReviewResult{
		Accepted:        all[:2],
		RewrittenQuery:  "golang remote senior",
		RewrittenPrompt: "focus on senior roles",
	}}
	exec, _ := newTestExecutor(ms, fp, provider, reviewer)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	cfg.ReviewEnabled = true
	cfg.SystemPrompt = "original prompt"
	run, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	assert.True(t, reviewer.called)
	final := ms.finalRun(t, run.ID)
	assert.Equal(t, 4, final.ProspectsFound)
	assert.Equal(t, 2, final.ProposalsCreated)
	assert.Equal(t, "golang remote senior", final.ExecutedQuery)
	assert.True(t, final.QueryRewritten)
	assert.Equal(t, "focus on senior roles", final.ExecutedSystemPrompt)
	assert.True(t, final.PromptRewritten)
}

func TestRunOnceReviewFailureAcceptsAll(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": candidates("go", 3),
	}}
	reviewer := &fakeReviewer{err: errors.New("reviewer unavailable")}
	exec, _ := newTestExecutor(ms, fp, provider, reviewer)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	cfg.ReviewEnabled = true
	run, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	final := ms.finalRun(t, run.ID)
	assert.Equal(t, schema.RunStatusDone, final.Status)
	assert.Equal(t, 3, final.ProposalsCreated)
	assert.False(t, final.QueryRewritten)
}

func TestRunOnceReviewSkippedWhenDisabled(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": candidates("go", 1),
	}}
	reviewer := &fakeReviewer{}
	exec, _ := newTestExecutor(ms, fp, provider, reviewer)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	cfg.ReviewEnabled = false
	_, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	assert.False(t, reviewer.called)
}

func TestRunOnceTargetFilter(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": {
			{Title: "Senior Go Engineer", SourceURL: "https://example.com/1"},
			{Title: "Junior PHP Developer", SourceURL: "https://example.com/2"},
			{Title: "Go Platform Lead", SourceURL: "https://example.com/3"},
		},
	}}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	cfg.TargetFilter = `title contains "Go"`
	run, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	final := ms.finalRun(t, run.ID)
	assert.Equal(t, 2, final.ProspectsFound)
}

func TestRunOnceBrokenTargetFilterKeepsAll(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": candidates("go", 3),
	}}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	cfg.TargetFilter = `title ~~~ nonsense(`
	run, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	final := ms.finalRun(t, run.ID)
	assert.Equal(t, schema.RunStatusDone, final.Status)
	assert.Equal(t, 3, final.ProspectsFound)
}

func TestRunOnceProposalFailureSkipsCandidate(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms, err: errors.New("store unavailable")}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": candidates("go", 3),
	}}
	exec, _ := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	run, err := exec.RunOnce(context.Background(), cfg)
	require.NoError(t, err)

	final := ms.finalRun(t, run.ID)
	assert.Equal(t, schema.RunStatusDone, final.Status)
	assert.Equal(t, 3, final.ProspectsFound)
	assert.Equal(t, 0, final.ProposalsCreated)
}

func TestRunOnceSchedulingFailureFinalizesAsError(t *testing.T) {
	ms := newMockStore()
	ms.schedErr = errors.New("disk full")
	fp := &fakeProposer{store: ms}
	provider := &fakeProvider{results: map[string][]Candidate{
		"golang remote": candidates("go", 1),
	}}
	exec, hub := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	sub := hub.Subscribe(cfg.ID)
	defer hub.Unsubscribe(cfg.ID, sub)

	run, err := exec.RunOnce(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))

	final := ms.finalRun(t, run.ID)
	assert.Equal(t, schema.RunStatusError, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.NotEmpty(t, final.ErrorMessage)

	// run_completed is published even on failure.
	<-sub.Events()
	completed := <-sub.Events()
	assert.Equal(t, schema.EventRunCompleted, completed.EventType)
}

func TestRunOnceCancelledContextStillFinalizesRunLog(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	provider := &blockingProvider{started: make(chan struct{})}
	exec, hub := newTestExecutor(ms, fp, provider, nil)

	cfg := testConfig()
	cfg.SearchSlots = [][]string{{"golang", "remote"}}
	sub := hub.Subscribe(cfg.ID)
	defer hub.Unsubscribe(cfg.ID, sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-provider.started
		cancel()
	}()

	run, err := exec.RunOnce(ctx, cfg)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))

	// The terminal write lands despite the cancelled context: the row
	// must never stay running once RunOnce returns.
	final := ms.finalRun(t, run.ID)
	assert.Equal(t, schema.RunStatusError, final.Status)
	require.NotNil(t, final.CompletedAt)
	assert.NotEmpty(t, final.ErrorMessage)

	<-sub.Events()
	completed := <-sub.Events()
	assert.Equal(t, schema.EventRunCompleted, completed.EventType)
}

// blockingProvider parks until the caller's context is cancelled, signalling
// started on the first call.
type blockingProvider struct {
	once    sync.Once
	started chan struct{}
}

func (p *blockingProvider) Search(ctx context.Context, _ []string, _ Constraints) ([]Candidate, error) {
	p.once.Do(func() { close(p.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunOnceProviderPanicDoesNotKillRun(t *testing.T) {
	ms := newMockStore()
	fp := &fakeProposer{store: ms}
	exec, _ := newTestExecutor(ms, fp, panicProvider{}, nil)

	run, err := exec.RunOnce(context.Background(), testConfig())
	require.NoError(t, err)

	final := ms.finalRun(t, run.ID)
	assert.Equal(t, schema.RunStatusDone, final.Status)
	assert.Equal(t, 0, final.ProspectsFound)
}

type panicProvider struct{}

func (panicProvider) Search(context.Context, []string, Constraints) ([]Candidate, error) {
	panic("provider bug")
}

func TestBuildPayloadShapesByEntityType(t *testing.T) {
	c := Candidate{
		Title:     "Acme Partnership",
		Company:   "Acme Corp",
		Location:  "Berlin",
		SourceURL: "https://example.com/x",
		Extra:     map[string]any{"score": 0.9},
	}

	for _, et := range schema.EntityTypes {
		payload := buildPayload(et, c)
		assert.Contains(t, string(payload), "https://example.com/x", "entity type %s", et)
		assert.Contains(t, string(payload), "score", "entity type %s", et)
	}
}
