// Package digest periodically summarizes pending proposals for configs
// that opted into digest delivery.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hubenschmidt/prospector/internal/logging"
	"github.com/hubenschmidt/prospector/internal/store"
	"github.com/hubenschmidt/prospector/pkg/schema"
)

// Summary is one digest delivery for one config.
type Summary struct {
	ConfigID     string                 `json:"config_id"`
	TenantID     string                 `json:"tenant_id"`
	OwnerID      string                 `json:"owner_id"`
	ConfigName   string                 `json:"config_name,omitempty"`
	PendingCount int                    `json:"pending_count"`
	Proposals    []*store.AgentProposal `json:"proposals"`
	Since        *time.Time             `json:"since,omitempty"`
	GeneratedAt  time.Time              `json:"generated_at"`
}

// Notifier delivers digest summaries. External collaborator.
type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// digestBatchLimit caps how many proposals ride in one summary.
const digestBatchLimit = 50

// Digester walks digest-enabled configs on a ticker and delivers a
// summary of pending proposals whenever a config's cron expression fires.
type Digester struct {
	store    store.Store
	notifier Notifier
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDigester creates a Digester. interval controls how often due
// configs are checked; zero means one minute.
func NewDigester(s store.Store, notifier Notifier, interval time.Duration, logger *slog.Logger) *Digester {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Digester{
		store:    s,
		notifier: notifier,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger,
	}
}

// Start launches the background digest loop.
func (d *Digester) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("digester already started")
	}

	digCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(digCtx)
	d.logger.Info("digester started", slog.Duration("check_interval", d.interval))
	return nil
}

func (d *Digester) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick sends a digest for every digest-enabled config whose cron
// schedule has fired since its last digest.
func (d *Digester) tick(ctx context.Context) {
	enabled := true
	configs, err := d.store.ListAutomationConfigs(ctx, store.ConfigFilter{Enabled: &enabled})
	if err != nil {
		d.logger.Error("failed to list configs for digest", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, cfg := range configs {
		if !cfg.DigestEnabled || cfg.DigestCron == "" {
			continue
		}
		due, err := d.isDue(cfg, now)
		if err != nil {
			d.logger.Warn("bad digest cron expression",
				slog.String("config_id", cfg.ID),
				slog.String("cron", cfg.DigestCron),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !due {
			continue
		}
		if err := d.deliver(ctx, cfg, now); err != nil {
			d.logger.Error("digest delivery failed",
				slog.String("config_id", cfg.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// isDue reports whether the cron schedule fired between the last digest
// and now. A config that never digested anchors on its creation time.
func (d *Digester) isDue(cfg *store.AutomationConfig, now time.Time) (bool, error) {
	schedule, err := d.parser.Parse(cfg.DigestCron)
	if err != nil {
		return false, err
	}
	anchor := cfg.CreatedAt
	if cfg.LastDigestAt != nil {
		anchor = *cfg.LastDigestAt
	}
	next := schedule.Next(anchor)
	return !next.After(now), nil
}

// deliver builds and sends one summary, then advances last_digest_at.
// last_digest_at only moves after a successful send, so a failed
// delivery is retried on the next firing.
func (d *Digester) deliver(ctx context.Context, cfg *store.AutomationConfig, now time.Time) error {
	ctx = logging.WithTenantID(logging.WithConfigID(ctx, cfg.ID), cfg.TenantID)

	pending, err := d.store.ListProposals(ctx, store.ProposalFilter{
		ConfigID: cfg.ID,
		Statuses: []schema.ProposalStatus{schema.ProposalStatusPending},
		Limit:    digestBatchLimit,
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "list pending proposals for digest").WithCause(err)
	}

	count, err := d.store.CountProposals(ctx, store.ProposalFilter{
		ConfigID: cfg.ID,
		Statuses: []schema.ProposalStatus{schema.ProposalStatusPending},
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "count pending proposals for digest").WithCause(err)
	}

	if count == 0 {
		// Nothing to report; still advance the marker so the next
		// digest window starts here.
		return d.advance(ctx, cfg.ID, now)
	}

	summary := Summary{
		ConfigID:     cfg.ID,
		TenantID:     cfg.TenantID,
		OwnerID:      cfg.OwnerID,
		ConfigName:   cfg.Name,
		PendingCount: count,
		Proposals:    pending,
		Since:        cfg.LastDigestAt,
		GeneratedAt:  now,
	}
	if err := d.notifier.Notify(ctx, summary); err != nil {
		return schema.NewError(schema.ErrCodeExecution, "notify digest").WithCause(err)
	}

	d.logger.InfoContext(ctx, "digest delivered", slog.Int("pending", count))
	return d.advance(ctx, cfg.ID, now)
}

func (d *Digester) advance(ctx context.Context, configID string, now time.Time) error {
	err := d.store.UpdateConfigScheduling(ctx, configID, store.SchedulingUpdate{
		LastDigestAt: &now,
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "advance last_digest_at").WithCause(err)
	}
	return nil
}

// Stop gracefully shuts down the digest loop.
func (d *Digester) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}

	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil

	d.logger.Info("digester stopped")
	return nil
}

// LogNotifier writes digest summaries to the log; the default sink when
// no delivery channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, s Summary) error {
	n.Logger.InfoContext(ctx, "pending proposal digest",
		slog.String("config_id", s.ConfigID),
		slog.String("owner_id", s.OwnerID),
		slog.Int("pending_count", s.PendingCount),
	)
	return nil
}

var _ Notifier = (*LogNotifier)(nil)
