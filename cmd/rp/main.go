package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bkyoung/review-pipeline/internal/adapter/cli"
	"github.com/bkyoung/review-pipeline/internal/adapter/llm"
	llmhttp "github.com/bkyoung/review-pipeline/internal/adapter/llm/http"
	"github.com/bkyoung/review-pipeline/internal/adapter/scm"
	"github.com/bkyoung/review-pipeline/internal/config"
	"github.com/bkyoung/review-pipeline/internal/filter"
	"github.com/bkyoung/review-pipeline/internal/gitworker"
	"github.com/bkyoung/review-pipeline/internal/llmworker"
	"github.com/bkyoung/review-pipeline/internal/orchestrator"
	"github.com/bkyoung/review-pipeline/internal/queue"
	"github.com/bkyoung/review-pipeline/internal/state"
	"github.com/bkyoung/review-pipeline/internal/version"
	"github.com/bkyoung/review-pipeline/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

func run() error {
	// Cancellable context with signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// A missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	scmFactory := func(provider string) (scm.Provider, error) {
		return scm.New(provider, cfg)
	}

	deps := cli.Dependencies{
		RunWebhook:      func(ctx context.Context) error { return runWebhook(ctx, cfg, logger) },
		RunOrchestrator: func(ctx context.Context) error { return runOrchestrator(ctx, cfg, logger, scmFactory) },
		RunLLMWorker:    func(ctx context.Context) error { return runLLMWorker(ctx, cfg, logger) },
		RunGitWorker:    func(ctx context.Context) error { return runGitWorker(ctx, cfg, logger, scmFactory) },
		Version:         version.Value(),
	}

	root := cli.NewRootCommand(deps)
	if err := root.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

// runWebhook serves the ingress endpoints until the context is canceled.
func runWebhook(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if !cfg.HasWebhookSecret() {
		return errors.New("at least one of GITHUB_WEBHOOK_SECRET or GITLAB_WEBHOOK_SECRET must be set")
	}

	qm := queue.NewManager(cfg.RabbitMQURL, logger)
	defer qm.Close()

	server := webhook.NewServer(cfg, qm, logger)
	httpServer := &http.Server{
		Addr:              cfg.WebhookAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook ingress listening", "addr", cfg.WebhookAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runOrchestrator consumes the orchestrator queue until canceled.
func runOrchestrator(ctx context.Context, cfg config.Config, logger *slog.Logger, scmFactory orchestrator.SCMFactory) error {
	store, err := state.NewStore(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()

	qm := queue.NewManager(cfg.RabbitMQURL, logger)
	defer qm.Close()

	workflow := orchestrator.NewWorkflow(orchestrator.Deps{
		State:     store,
		Publisher: qm,
		SCM:       scmFactory,
		Relevance: filter.NewRelevance(
			config.SplitList(cfg.IgnoredExtensions),
			config.SplitList(cfg.IgnoredFiles),
			config.SplitList(cfg.IgnoredDirectories),
		),
		OrchestratorQueue: cfg.OrchestratorQueue,
		LLMQueue:          cfg.LLMQueue,
		MaxHunkChanges:    cfg.MaxHunkChanges,
		Logger:            logger,
	})

	logger.Info("orchestrator worker started", "queue", cfg.OrchestratorQueue)
	return ignoreCanceled(qm.Consume(ctx, cfg.OrchestratorQueue, workflow.HandleMessage))
}

// runLLMWorker consumes the LLM queue until canceled.
func runLLMWorker(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	store, err := state.NewStore(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()

	qm := queue.NewManager(cfg.RabbitMQURL, logger)
	defer qm.Close()

	backend, err := llm.New(cfg, llmhttp.NewDefaultLogger(llmhttp.LogLevelInfo))
	if err != nil {
		return err
	}

	workflow := llmworker.NewWorkflow(llmworker.Deps{
		State:            store,
		Publisher:        qm,
		LLM:              backend,
		GitQueue:         cfg.GitQueue,
		SystemPromptName: cfg.SystemPromptName,
		Logger:           logger,
	})

	logger.Info("LLM worker started", "queue", cfg.LLMQueue, "provider", cfg.LLMProvider)
	return ignoreCanceled(qm.Consume(ctx, cfg.LLMQueue, workflow.HandleMessage))
}

// runGitWorker consumes the git queue until canceled.
func runGitWorker(ctx context.Context, cfg config.Config, logger *slog.Logger, scmFactory gitworker.SCMFactory) error {
	store, err := state.NewStore(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()

	qm := queue.NewManager(cfg.RabbitMQURL, logger)
	defer qm.Close()

	workflow := gitworker.NewWorkflow(gitworker.Deps{
		State:             store,
		Publisher:         qm,
		SCM:               scmFactory,
		OrchestratorQueue: cfg.OrchestratorQueue,
		Logger:            logger,
	})

	logger.Info("git worker started", "queue", cfg.GitQueue)
	return ignoreCanceled(qm.Consume(ctx, cfg.GitQueue, workflow.HandleMessage))
}

// ignoreCanceled maps a clean shutdown to a nil exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Compile-time interface compliance checks
var _ orchestrator.State = (*state.Store)(nil)
var _ llmworker.State = (*state.Store)(nil)
var _ gitworker.State = (*state.Store)(nil)
var _ orchestrator.Publisher = (*queue.Manager)(nil)
var _ webhook.Publisher = (*queue.Manager)(nil)
var _ scm.Provider = (*scm.GitHubClient)(nil)
var _ scm.Provider = (*scm.GitLabClient)(nil)
