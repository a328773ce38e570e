package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/papervoice/papervoice/internal/core"
	domainjob "github.com/papervoice/papervoice/internal/domain/job"
	"github.com/papervoice/papervoice/internal/domain/model"
	obserrors "github.com/papervoice/papervoice/internal/observability/errors"
	"github.com/papervoice/papervoice/internal/observability/metrics"
	"github.com/papervoice/papervoice/internal/observability/statsd"
	"github.com/papervoice/papervoice/internal/pipeline"
)

// DefaultAttemptDeadline bounds one whole pipeline attempt. Generous enough
// for large documents; a hung attempt past this is treated as transient.
const DefaultAttemptDeadline = 10 * time.Minute

const cancelledReason = "cancelled by user request"

// OrchestratorOptions groups dependencies for Orchestrator.
type OrchestratorOptions struct {
	Jobs     *JobService        // Required: job record operations
	Store    core.ObjectStore   // Required: document and artifact store
	Pipeline *pipeline.Pipeline // Required: conversion stages

	RetryPolicy     *domainjob.RetryPolicy // Optional: defaults per domain policy
	AttemptDeadline time.Duration          // Optional: per-attempt wall clock budget
	Lease           time.Duration          // Optional: claim/heartbeat lease, 0 = service default

	// ValidateDocument, when set, pre-checks fetched document bytes before
	// the pipeline runs (e.g. PDF structure validation).
	ValidateDocument func(data []byte) (pages int, err error)

	Logger  *slog.Logger // Optional: structured logger
	Metrics statsd.Sink  // Optional: metrics sink
}

// Orchestrator turns a claimed job into exactly one pipeline attempt: it
// drives the stages, maps stage progress onto the job record, and is the
// single place that decides retry versus terminal failure.
type Orchestrator struct {
	jobs            *JobService
	store           core.ObjectStore
	pipeline        *pipeline.Pipeline
	retryPolicy     *domainjob.RetryPolicy
	attemptDeadline time.Duration
	lease           time.Duration
	validate        func([]byte) (int, error)
	logger          *slog.Logger
	metrics         statsd.Sink
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	if opts.Store == nil {
		return nil, errors.New("ObjectStore is required")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("Pipeline is required")
	}

	retryPolicy := opts.RetryPolicy
	if retryPolicy == nil {
		var err error
		retryPolicy, err = domainjob.NewRetryPolicy(0, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("create retry policy: %w", err)
		}
	}
	attemptDeadline := opts.AttemptDeadline
	if attemptDeadline <= 0 {
		attemptDeadline = DefaultAttemptDeadline
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		jobs:            opts.Jobs,
		store:           opts.Store,
		pipeline:        opts.Pipeline,
		retryPolicy:     retryPolicy,
		attemptDeadline: attemptDeadline,
		lease:           opts.Lease,
		validate:        opts.ValidateDocument,
		logger:          logger.With("component", "orchestrator"),
		metrics:         opts.Metrics,
	}, nil
}

// ProcessNext reserves the next due pending job and runs one attempt.
// Returns model.ErrNoJobsAvailable when the queue is empty.
func (o *Orchestrator) ProcessNext(ctx context.Context) error {
	job, err := o.jobs.ReserveNext(ctx, o.lease)
	if err != nil {
		return err
	}
	return o.run(ctx, job)
}

// ProcessJob claims a specific job by identifier and runs one attempt.
// A lost claim is a duplicate delivery and resolves as a no-op.
func (o *Orchestrator) ProcessJob(ctx context.Context, id string) error {
	job, err := o.jobs.Claim(ctx, id, o.lease)
	if err != nil {
		return err
	}
	if job == nil {
		metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{
			Transition: "claim",
			Result:     metrics.ResultNoop,
		})
		return nil
	}
	return o.run(ctx, job)
}

// run executes one attempt for a job already transitioned to processing.
func (o *Orchestrator) run(ctx context.Context, job *model.Job) error {
	logger := o.logger.With("job_id", job.ID, "attempt", job.AttemptCount)
	start := time.Now()

	attemptCtx, cancel := context.WithTimeout(ctx, o.attemptDeadline)
	resultRef, runErr := o.attempt(attemptCtx, job, logger)
	cancel()

	if runErr == nil {
		return o.finalizeSuccess(ctx, job, resultRef, start, logger)
	}
	return o.finalizeFailure(ctx, job, runErr, start, logger)
}

// attempt fetches the document, runs the pipeline, and stores the artifact.
func (o *Orchestrator) attempt(ctx context.Context, job *model.Job, logger *slog.Logger) (string, error) {
	reporter := pipeline.NewMonotonicReporter(pipeline.ReporterFunc(func(rctx context.Context, percent int) {
		// Progress writes are best effort: a transient persistence failure
		// must not fail an otherwise healthy attempt.
		if _, err := o.jobs.UpdateProgress(rctx, job.ID, percent, o.lease); err != nil {
			logger.WarnContext(rctx, "progress write failed", "progress", percent, "error", err)
		}
	}))

	abortCheck := func(actx context.Context) error {
		current, err := o.jobs.Get(actx, job.ID)
		if err != nil {
			logger.WarnContext(actx, "cancellation check failed", "error", err)
			return nil
		}
		if current.CancelRequested {
			return errAttemptAborted
		}
		return nil
	}

	document, err := o.store.Fetch(ctx, job.DocumentRef)
	if err != nil {
		return "", fmt.Errorf("fetch document %s: %w", job.DocumentRef, err)
	}

	if o.validate != nil {
		pages, err := o.validate(document)
		if err != nil {
			return "", fmt.Errorf("validate document: %w", err)
		}
		logger.DebugContext(ctx, "document validated", "pages", pages)
	}

	audio, err := o.pipeline.Run(ctx, pipeline.Request{
		Document:   document,
		Options:    job.Options,
		Reporter:   reporter,
		AbortCheck: abortCheck,
	})
	if err != nil {
		return "", err
	}

	resultRef := path.Join("results", job.ID+".mp3")
	ref, err := o.store.Store(ctx, resultRef, audio)
	if err != nil {
		return "", fmt.Errorf("store result artifact: %w", err)
	}
	return ref, nil
}

func (o *Orchestrator) finalizeSuccess(
	ctx context.Context,
	job *model.Job,
	resultRef string,
	start time.Time,
	logger *slog.Logger,
) error {
	if _, err := o.jobs.Complete(ctx, job.ID, resultRef); err != nil {
		return o.handleTransitionError(ctx, err, "complete", logger)
	}

	logger.InfoContext(ctx, "job processed",
		"result_ref", resultRef,
		"duration", time.Since(start),
	)
	metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{
		Transition: "complete",
		Result:     metrics.ResultSuccess,
		Attempt:    job.AttemptCount,
		Duration:   time.Since(start),
	})
	return nil
}

// finalizeFailure classifies the failed attempt and applies the matching
// state transition. Every outcome is logged with job identifier, attempt
// number, and the stage where the failure occurred.
func (o *Orchestrator) finalizeFailure(
	ctx context.Context,
	job *model.Job,
	runErr error,
	start time.Time,
	logger *slog.Logger,
) error {
	// A shutdown mid-attempt leaves the job processing; the lease reaper
	// returns it to pending once the lease lapses.
	if ctx.Err() != nil {
		logger.InfoContext(ctx, "attempt interrupted by shutdown, leaving job to lease recovery",
			"error", runErr)
		return ctx.Err()
	}

	kind := ClassifyFailure(runErr)
	stage := string(pipeline.FailedStage(runErr))
	logger = logger.With("stage", stage, "classification", kind.String())

	switch kind {
	case FailureCancelled:
		if _, err := o.jobs.MarkCancelled(ctx, job.ID, cancelledReason); err != nil {
			return o.handleTransitionError(ctx, err, "cancel", logger)
		}
		logger.InfoContext(ctx, "job attempt aborted by cancellation request")
		o.emitFailureMetric("cancel", job, runErr, start)
		return nil

	case FailureInput:
		if _, err := o.jobs.FailWithDetails(ctx, job.ID, runErr.Error(), JobFailureDetails{
			Stage:      stage,
			Attempt:    job.AttemptCount,
			ErrorClass: obserrors.Classify(runErr),
		}); err != nil {
			return o.handleTransitionError(ctx, err, "fail", logger)
		}
		logger.WarnContext(ctx, "job failed on input error", "error", runErr)
		o.emitFailureMetric("fail", job, runErr, start)
		return nil

	default: // FailureTransient
		// Both caps bind: the worker-wide retry policy and the job's own
		// max_attempts, whichever is reached first.
		if !job.AttemptsRemaining() || o.retryPolicy.Exhausted(job.AttemptCount) {
			message := fmt.Sprintf("processing failed after %d attempts", job.AttemptCount)
			if _, err := o.jobs.FailWithDetails(ctx, job.ID, message, JobFailureDetails{
				Stage:      stage,
				Attempt:    job.AttemptCount,
				ErrorClass: obserrors.Classify(runErr),
			}); err != nil {
				return o.handleTransitionError(ctx, err, "fail", logger)
			}
			logger.WarnContext(ctx, "job failed, attempts exhausted",
				"job_max_attempts", job.MaxAttempts,
				"policy_max_attempts", o.retryPolicy.MaxAttempts(),
				"error", runErr,
			)
			o.emitFailureMetric("fail", job, runErr, start)
			return nil
		}

		backoff := o.retryPolicy.Backoff(job.AttemptCount)
		retryAt := time.Now().Add(backoff)
		if _, err := o.jobs.Requeue(ctx, job.ID, runErr.Error(), retryAt); err != nil {
			return o.handleTransitionError(ctx, err, "requeue", logger)
		}
		logger.WarnContext(ctx, "job requeued after transient failure",
			"backoff", backoff,
			"retry_at", retryAt,
			"error", runErr,
		)
		o.emitFailureMetric("requeue", job, runErr, start)
		return nil
	}
}

// handleTransitionError tolerates losing a finalization race: if the job
// moved under us (lease reaped, cancelled elsewhere) the attempt resolves as
// a no-op rather than an error.
func (o *Orchestrator) handleTransitionError(ctx context.Context, err error, transition string, logger *slog.Logger) error {
	if errors.Is(err, ErrInvalidTransition) {
		logger.WarnContext(ctx, "job state moved during attempt, dropping transition",
			"transition", transition,
			"error", err,
		)
		metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{
			Transition: transition,
			Result:     metrics.ResultNoop,
		})
		return nil
	}
	return fmt.Errorf("%s transition: %w", transition, err)
}

func (o *Orchestrator) emitFailureMetric(transition string, job *model.Job, runErr error, start time.Time) {
	metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{
		Transition: transition,
		Stage:      string(pipeline.FailedStage(runErr)),
		Result:     metrics.ResultError,
		Attempt:    job.AttemptCount,
		Duration:   time.Since(start),
		Err:        runErr,
	})
}
