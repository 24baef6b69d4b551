// Package scheduler polls for due automation configs and launches runs,
// holding a per-config lock so a config never runs twice concurrently.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hubenschmidt/prospector/internal/logging"
	"github.com/hubenschmidt/prospector/internal/store"
	"github.com/hubenschmidt/prospector/pkg/schema"
)

// ConfigRunner is the interface the scheduler uses to execute runs.
// Satisfied by the run executor (avoids import cycle).
type ConfigRunner interface {
	RunOnce(ctx context.Context, cfg *store.AutomationConfig) (*store.AutomationRunLog, error)
}

// Scheduler polls the store for due automation configs and runs them.
type Scheduler struct {
	store        store.Store
	runner       ConfigRunner
	locker       Locker
	tickInterval time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup // in-flight runs
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner ConfigRunner, locker Locker, tickInterval time.Duration, logger *slog.Logger) *Scheduler {
	if tickInterval <= 0 {
		tickInterval = 60 * time.Second
	}
	if locker == nil {
		locker = NewKeyedLock()
	}
	return &Scheduler{
		store:        s,
		runner:       runner,
		locker:       locker,
		tickInterval: tickInterval,
		logger:       logger,
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick_interval", s.tickInterval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches a run for every enabled config whose next_run_at has
// passed. A config with no next_run_at yet (never ran) counts as due.
// Runs are launched asynchronously so one long run never delays the
// others or the next tick.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	now := time.Now().UTC()
	configs, err := s.store.ListAutomationConfigs(ctx, store.ConfigFilter{
		Enabled:   &enabled,
		DueBefore: &now,
	})
	if err != nil {
		s.logger.Error("failed to list due configs", slog.String("error", err.Error()))
		return
	}

	for _, cfg := range configs {
		s.launch(ctx, cfg)
	}
}

// launch runs cfg in its own goroutine under the per-config lock.
// A config already holding the lock is skipped, not queued.
func (s *Scheduler) launch(ctx context.Context, cfg *store.AutomationConfig) {
	if !s.locker.TryAcquire(cfg.ID) {
		s.logger.Debug("config already running, skipping",
			slog.String("config_id", cfg.ID))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.locker.Release(cfg.ID)

		runCtx := logging.WithTenantID(logging.WithConfigID(ctx, cfg.ID), cfg.TenantID)
		if _, err := s.runner.RunOnce(runCtx, cfg); err != nil {
			// Failure of one config never touches the others; the run
			// log already carries the error.
			s.logger.ErrorContext(runCtx, "scheduled run failed",
				slog.String("error", err.Error()))
		}
	}()
}

// TriggerRun starts a run for one config on demand, outside its
// schedule. The run goes through the same lock as scheduled runs, so a
// concurrent run yields a CONFLICT error instead of a second execution.
// The run executes synchronously; the caller gets the finalized run log.
func (s *Scheduler) TriggerRun(ctx context.Context, configID string) (*store.AutomationRunLog, error) {
	cfg, err := s.store.GetAutomationConfig(ctx, configID)
	if err != nil {
		return nil, err
	}

	if !s.locker.TryAcquire(cfg.ID) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "config %s is already running", cfg.ID)
	}
	defer s.locker.Release(cfg.ID)

	runCtx := logging.WithTenantID(logging.WithConfigID(ctx, cfg.ID), cfg.TenantID)
	s.logger.InfoContext(runCtx, "manual run triggered")
	return s.runner.RunOnce(runCtx, cfg)
}

// Stop shuts down the loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.wg.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
