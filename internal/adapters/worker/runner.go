// Package worker runs the conversion worker pool that drains the job queue.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/papervoice/papervoice/config"
	"github.com/papervoice/papervoice/internal/adapters/ocr"
	"github.com/papervoice/papervoice/internal/adapters/openai"
	"github.com/papervoice/papervoice/internal/adapters/storage"
	"github.com/papervoice/papervoice/internal/core"
	"github.com/papervoice/papervoice/internal/data"
	domainjob "github.com/papervoice/papervoice/internal/domain/job"
	"github.com/papervoice/papervoice/internal/domain/model"
	"github.com/papervoice/papervoice/internal/observability/statsd"
	"github.com/papervoice/papervoice/internal/pipeline"
	"github.com/papervoice/papervoice/internal/service"
	"github.com/papervoice/papervoice/internal/service/failurenotifier"
)

// RunnerOptions configures the conversion worker adapter.
type RunnerOptions struct {
	DB     *sql.DB
	Logger *slog.Logger

	// Job processing settings
	Lease           time.Duration // per-job lease duration; defaults to 30s
	Concurrency     int           // number of worker goroutines; defaults to 1
	AttemptDeadline time.Duration // per-attempt wall clock budget
	PollInterval    time.Duration // fallback poll interval; defaults to 15s

	// Retry settings
	MaxAttempts     int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	// Provider configuration used when no Pipeline is injected
	Pipeline config.PipelineConfig
	OpenAI   config.OpenAIConfig
	OCR      config.OCRConfig
	Storage  config.StorageConfig

	// Optional dependency injections (useful for tests/decoupling)
	JobsRepo        core.JobRepository
	Jobs            *service.JobService
	Store           core.ObjectStore
	Stages          *pipeline.Pipeline
	Cache           core.CacheRepository
	Metrics         statsd.Sink
	FailureNotifier *failurenotifier.Service
}

// Runner pulls conversion jobs and drives them through the pipeline.
type Runner struct {
	jobs         *service.JobService
	orchestrator *service.Orchestrator
	logger       *slog.Logger
	lease        time.Duration
	pollInterval time.Duration
	workers      int
}

// NewRunner wires repositories/services and constructs a conversion worker.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.DB == nil && opts.JobsRepo == nil && opts.Jobs == nil {
		return nil, errors.New("either DB, JobsRepo, or Jobs must be provided")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lease := opts.Lease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}

	jobSvc := opts.Jobs
	if jobSvc == nil {
		jobsRepo := opts.JobsRepo
		if jobsRepo == nil {
			jobsRepo = data.NewJobRepo(opts.DB, data.RepoConfig{Logger: logger})
		}
		var err error
		jobSvc, err = service.NewJobService(service.JobServiceOptions{
			Repo:            jobsRepo,
			DefaultLease:    lease,
			Cache:           opts.Cache,
			Logger:          logger,
			FailureNotifier: opts.FailureNotifier,
		})
		if err != nil {
			return nil, fmt.Errorf("create job service: %w", err)
		}
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = storage.NewLocalStore(opts.Storage.Root)
		if err != nil {
			return nil, fmt.Errorf("create object store: %w", err)
		}
	}

	stages := opts.Stages
	if stages == nil {
		var err error
		stages, err = buildPipeline(opts, logger)
		if err != nil {
			return nil, err
		}
	}

	retryPolicy, err := domainjob.NewRetryPolicy(opts.MaxAttempts, opts.RetryBackoff, opts.RetryBackoffMax)
	if err != nil {
		return nil, fmt.Errorf("create retry policy: %w", err)
	}

	orchestrator, err := service.NewOrchestrator(service.OrchestratorOptions{
		Jobs:             jobSvc,
		Store:            store,
		Pipeline:         stages,
		RetryPolicy:      retryPolicy,
		AttemptDeadline:  opts.AttemptDeadline,
		Lease:            lease,
		ValidateDocument: storage.ValidatePDF,
		Logger:           logger,
		Metrics:          opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	return &Runner{
		jobs:         jobSvc,
		orchestrator: orchestrator,
		logger:       logger.With("component", "worker_runner"),
		lease:        lease,
		pollInterval: pollInterval,
		workers:      workers,
	}, nil
}

// buildPipeline constructs the extraction, summarization, and synthesis stages
// from provider configuration.
func buildPipeline(opts RunnerOptions, logger *slog.Logger) (*pipeline.Pipeline, error) {
	extractor, err := ocr.NewClient(ocr.Config{
		BaseURL:  opts.OCR.BaseURL,
		APIKey:   opts.OCR.APIKey,
		TextExpr: opts.OCR.TextExpr,
		Timeout:  opts.OCR.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create ocr client: %w", err)
	}

	aiClient, err := openai.NewClient(openai.Config{
		APIKey:      opts.OpenAI.APIKey,
		ChatModel:   opts.OpenAI.ChatModel,
		SpeechModel: opts.OpenAI.SpeechModel,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}

	stages, err := pipeline.New(pipeline.Options{
		Extractor:     extractor,
		Summarizer:    aiClient,
		Synthesizer:   aiClient,
		CallTimeout:   opts.Pipeline.CallTimeout,
		MaxChunkChars: opts.Pipeline.MaxChunkChars,
	})
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return stages, nil
}

// Run starts worker goroutines and processes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting conversion worker",
		"workers", r.workers,
		"lease", r.lease,
		"poll_interval", r.pollInterval,
	)

	unsub, notify := r.jobs.Subscribe()
	defer unsub()

	g, ctx := errgroup.WithContext(ctx)
	for range r.workers {
		g.Go(func() error {
			return r.workerLoop(ctx, notify)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// workerLoop drains the queue, then blocks until a wakeup or the poll
// interval elapses.
func (r *Runner) workerLoop(ctx context.Context, notify <-chan struct{}) error {
	for ctx.Err() == nil {
		err := r.orchestrator.ProcessNext(ctx)
		switch {
		case err == nil:
			// Immediately try for the next job.
		case errors.Is(err, model.ErrNoJobsAvailable):
			if !r.waitForWork(ctx, notify) {
				return ctx.Err()
			}
		case errors.Is(err, context.Canceled):
			return ctx.Err()
		default:
			return fmt.Errorf("process next job: %w", err)
		}
	}
	return ctx.Err()
}

// waitForWork returns true once new work may be available.
func (r *Runner) waitForWork(ctx context.Context, notify <-chan struct{}) bool {
	timer := time.NewTimer(r.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-notify:
		return true
	case <-timer.C:
		// Fallback poll in case a notification was missed.
		return true
	}
}
