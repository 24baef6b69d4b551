package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubenschmidt/prospector/internal/approval"
	"github.com/hubenschmidt/prospector/internal/digest"
	"github.com/hubenschmidt/prospector/internal/httpapi"
	"github.com/hubenschmidt/prospector/internal/logging"
	"github.com/hubenschmidt/prospector/internal/provider"
	"github.com/hubenschmidt/prospector/internal/runner"
	"github.com/hubenschmidt/prospector/internal/scheduler"
	"github.com/hubenschmidt/prospector/internal/store"
	"github.com/hubenschmidt/prospector/internal/streaming"
	"github.com/hubenschmidt/prospector/pkg/schema"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the prospector engine and management API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(prospectorDir(), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	hub := streaming.NewTopicHub(logger)

	validator, err := approval.NewPayloadValidator()
	if err != nil {
		return fmt.Errorf("compile payload schemas: %w", err)
	}

	var entities approval.EntityStore = &logEntityStore{logger: logger}
	if cfg.EntityWebhook != "" {
		entities = &webhookEntityStore{
			endpoint: cfg.EntityWebhook,
			client:   &http.Client{Timeout: 30 * time.Second},
		}
	}

	workflow := approval.NewWorkflow(st, entities, allowAllPermissions{}, hub, validator, logger)

	var searchProvider runner.SearchProvider
	if cfg.SearchEndpoint != "" {
		searchProvider, err = provider.NewHTTPSearchProvider(provider.HTTPConfig{
			Endpoint: cfg.SearchEndpoint,
			APIKey:   cfg.SearchAPIKey,
			Mapping:  cfg.SearchMapping,
			Timeout:  time.Duration(cfg.SearchTimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("configure search provider: %w", err)
		}
	} else {
		logger.Warn("no search endpoint configured, runs will find nothing")
		searchProvider = &provider.StaticProvider{}
	}

	executor := runner.NewExecutor(st, workflow, hub, searchProvider, nil,
		time.Duration(cfg.SearchTimeoutSeconds)*time.Second, logger)

	sched := scheduler.NewScheduler(st, executor, scheduler.NewKeyedLock(),
		time.Duration(cfg.TickSeconds)*time.Second, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	digester := digest.NewDigester(st, &digest.LogNotifier{Logger: logger},
		time.Duration(cfg.DigestCheckSeconds)*time.Second, logger)
	if err := digester.Start(ctx); err != nil {
		return fmt.Errorf("start digester: %w", err)
	}
	defer digester.Stop()

	api := httpapi.NewServer(httpapi.Deps{
		Store:    st,
		Workflow: workflow,
		Trigger:  sched,
		Hub:      hub,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// allowAllPermissions is the single-operator policy used when no
// external permission service is wired.
type allowAllPermissions struct{}

func (allowAllPermissions) CanPerform(context.Context, string, schema.EntityType, schema.Operation) (bool, error) {
	return true, nil
}

// logEntityStore records executed proposals in the log. Used until an
// entity webhook is configured.
type logEntityStore struct {
	logger *slog.Logger
}

func (s *logEntityStore) Apply(ctx context.Context, p *store.AgentProposal) error {
	s.logger.InfoContext(ctx, "proposal applied",
		slog.String("proposal_id", p.ID),
		slog.String("entity_type", string(p.EntityType)),
		slog.String("operation", string(p.Operation)),
	)
	return nil
}

// webhookEntityStore delivers executed proposals to an external system.
type webhookEntityStore struct {
	endpoint string
	client   *http.Client
}

func (s *webhookEntityStore) Apply(ctx context.Context, p *store.AgentProposal) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode proposal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
