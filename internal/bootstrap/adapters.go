package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/papervoice/papervoice/config"
	"github.com/papervoice/papervoice/internal/adapters/reaper"
	"github.com/papervoice/papervoice/internal/adapters/worker"
	"github.com/papervoice/papervoice/internal/core"
	"github.com/papervoice/papervoice/internal/observability/statsd"
	"github.com/papervoice/papervoice/internal/service/failurenotifier"
)

// WorkerConfig contains configuration for the conversion worker.
type WorkerConfig struct {
	DB              *sql.DB
	Logger          *slog.Logger
	Config          *config.AppConfig
	Cache           core.CacheRepository
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// RunWorker starts the conversion worker service.
func RunWorker(ctx context.Context, cfg WorkerConfig) error {
	appCfg := cfg.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
		appCfg.Sanitize()
	}

	runner, err := worker.NewRunner(worker.RunnerOptions{
		DB:              cfg.DB,
		Logger:          cfg.Logger,
		Lease:           appCfg.Worker.JobLease,
		Concurrency:     appCfg.Worker.Concurrency,
		AttemptDeadline: appCfg.Worker.AttemptDeadline,
		PollInterval:    appCfg.Worker.PollInterval,
		MaxAttempts:     appCfg.Worker.MaxAttempts,
		RetryBackoff:    appCfg.Worker.RetryBackoff,
		RetryBackoffMax: appCfg.Worker.RetryBackoffMax,
		Pipeline:        appCfg.Pipeline,
		OpenAI:          appCfg.OpenAI,
		OCR:             appCfg.OCR,
		Storage:         appCfg.Storage,
		Cache:           cfg.Cache,
		Metrics:         cfg.Metrics,
		FailureNotifier: cfg.FailureNotifier,
	})
	if err != nil {
		return fmt.Errorf("create worker runner: %w", err)
	}

	return runner.Run(ctx)
}

// ReaperConfig contains configuration for reaper.
type ReaperConfig struct {
	DB      *sql.DB
	Logger  *slog.Logger
	Config  config.ReaperConfig
	Metrics statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		DB:      cfg.DB,
		Config:  cfg.Config,
		Logger:  cfg.Logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
