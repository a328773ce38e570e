package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/papervoice/papervoice/internal/core"
	domainjob "github.com/papervoice/papervoice/internal/domain/job"
	"github.com/papervoice/papervoice/internal/domain/model"
	"github.com/papervoice/papervoice/internal/observability/notify"
	"github.com/papervoice/papervoice/internal/service/failurenotifier"
)

// ErrInvalidTransition indicates a status mutation outside the job state machine.
var ErrInvalidTransition = errors.New("invalid job status transition")

// DefaultStatusCacheTTL bounds how stale a cached status read may be.
const DefaultStatusCacheTTL = 2 * time.Second

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo            core.JobRepository        // Required: job repository
	DefaultLease    time.Duration             // Required unless LeasePolicy is set
	Cache           core.CacheRepository      // Optional: status read cache
	StatusCacheTTL  time.Duration             // Optional: cache TTL for status reads
	Logger          *slog.Logger              // Optional: structured logger
	FailureNotifier *failurenotifier.Service  // Optional: failure notification fan-out
	LeasePolicy     *domainjob.LeasePolicy    // Optional: override default lease policy
	Notifier        domainjob.Notifier        // Optional: custom job availability notifier
	NotifierOptions domainjob.NotifierOptions // Optional: configure default notifier behaviour
}

// JobService provides business logic for job record operations.
//
// This service manages:
// - Job creation and the polling read surface (getStatus)
// - Claiming, lease management, and the status state machine transitions
// - The pub/sub notification fan-out for job availability
// - Failure notification delivery on terminal failures.
type JobService struct {
	repo            core.JobRepository
	cache           core.CacheRepository
	statusCacheTTL  time.Duration
	leasePolicy     *domainjob.LeasePolicy
	notifier        domainjob.Notifier
	logger          *slog.Logger
	failureNotifier *failurenotifier.Service
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	var leasePolicy *domainjob.LeasePolicy
	switch {
	case opts.LeasePolicy != nil:
		leasePolicy = opts.LeasePolicy
	case opts.DefaultLease > 0:
		var err error
		leasePolicy, err = domainjob.NewLeasePolicy(opts.DefaultLease)
		if err != nil {
			return nil, fmt.Errorf("create lease policy: %w", err)
		}
	default:
		return nil, errors.New("DefaultLease must be positive")
	}

	notifier := opts.Notifier
	if notifier == nil {
		options := opts.NotifierOptions
		if options.Waiter == nil {
			options.Waiter = opts.Repo
		}
		var err error
		notifier, err = domainjob.NewNotifier(options)
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
	}

	ttl := opts.StatusCacheTTL
	if ttl <= 0 {
		ttl = DefaultStatusCacheTTL
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized", "default_lease", leasePolicy.Default())
	}

	return &JobService{
		repo:            opts.Repo,
		cache:           opts.Cache,
		statusCacheTTL:  ttl,
		leasePolicy:     leasePolicy,
		notifier:        notifier,
		logger:          logger,
		failureNotifier: opts.FailureNotifier,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create submits a new conversion job in pending status.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job created",
			"id", job.ID,
			"owner_id", job.OwnerID,
			"voice", job.Options.Voice,
			"include_summary", job.Options.IncludeSummary,
		)
	}
	return job, nil
}

// Get retrieves a job by id.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.repo.GetByID(ctx, id)
}

// GetStatus returns the polling status shape for a job. Reads go through the
// short-TTL cache when one is configured, so hot polling loops mostly skip
// the database.
func (s *JobService) GetStatus(ctx context.Context, id string) (*model.JobStatusResponse, error) {
	cacheKey := statusCacheKey(id)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey); err == nil && cached != nil {
			var resp model.JobStatusResponse
			if jsonErr := json.Unmarshal(cached, &resp); jsonErr == nil {
				return &resp, nil
			}
		} else if err != nil && s.logger != nil {
			s.logger.DebugContext(ctx, "status cache read failed", "id", id, "error", err)
		}
	}

	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := model.StatusOf(job)

	if s.cache != nil {
		if encoded, err := json.Marshal(resp); err == nil {
			if cacheErr := s.cache.Set(ctx, cacheKey, encoded, s.statusCacheTTL); cacheErr != nil && s.logger != nil {
				s.logger.DebugContext(ctx, "status cache write failed", "id", id, "error", cacheErr)
			}
		}
	}
	return resp, nil
}

// ReserveNext reserves the next available job for processing.
func (s *JobService) ReserveNext(ctx context.Context, lease time.Duration) (*model.Job, error) {
	seconds := s.leasePolicy.Resolve(lease)

	job, err := s.repo.ReserveNext(ctx, seconds)
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, err
		}
		return nil, fmt.Errorf("reserve next job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job reserved",
			"id", job.ID,
			"attempt", job.AttemptCount,
			"lease_seconds", seconds,
		)
	}
	s.invalidateStatus(ctx, job.ID)
	return job, nil
}

// Claim attempts the pending -> processing transition for a specific job.
// A (nil, nil) return means the claim was lost: the delivery is a duplicate
// and must be dropped.
func (s *JobService) Claim(ctx context.Context, id string, lease time.Duration) (*model.Job, error) {
	seconds := s.leasePolicy.Resolve(lease)

	job, err := s.repo.Claim(ctx, id, seconds)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}
	if job == nil {
		if s.logger != nil {
			s.logger.DebugContext(ctx, "claim lost, dropping delivery", "id", id)
		}
		return nil, nil
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job claimed",
			"id", job.ID,
			"attempt", job.AttemptCount,
			"lease_seconds", seconds,
		)
	}
	s.invalidateStatus(ctx, id)
	return job, nil
}

// UpdateProgress persists a progress percentage and extends the lease.
// The write applies only while the job is processing.
func (s *JobService) UpdateProgress(ctx context.Context, id string, progress int, lease time.Duration) (bool, error) {
	seconds := s.leasePolicy.Resolve(lease)

	updated, err := s.repo.UpdateProgress(ctx, id, progress, seconds)
	if err != nil {
		return false, fmt.Errorf("update progress for job %s: %w", id, err)
	}
	if updated {
		s.invalidateStatus(ctx, id)
	}
	return updated, nil
}

// Complete marks a job as completed with its result artifact reference.
func (s *JobService) Complete(ctx context.Context, id, resultRef string) (bool, error) {
	if resultRef == "" {
		return false, errors.New("result ref required")
	}

	completed, err := s.repo.Complete(ctx, id, resultRef)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	if !completed {
		return false, s.transitionConflict(ctx, id, model.JobStatusCompleted)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job completed", "id", id, "result_ref", resultRef)
	}
	s.invalidateStatus(ctx, id)
	return true, nil
}

// Requeue returns a processing job to pending for a later retry attempt.
func (s *JobService) Requeue(ctx context.Context, id, errMsg string, retryAt time.Time) (bool, error) {
	requeued, err := s.repo.Requeue(ctx, id, errMsg, retryAt)
	if err != nil {
		return false, fmt.Errorf("requeue job %s: %w", id, err)
	}
	if !requeued {
		return false, s.transitionConflict(ctx, id, model.JobStatusPending)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job requeued for retry",
			"id", id,
			"retry_at", retryAt,
			"error", errMsg,
		)
	}
	s.invalidateStatus(ctx, id)
	return true, nil
}

// JobFailureDetails captures optional context for failure notifications.
type JobFailureDetails struct {
	Stage      string
	Attempt    int
	ErrorClass string
	Severity   string
	OccurredAt time.Time
}

// FailWithDetails marks a job as terminally failed and propagates context to
// the failure notifier.
func (s *JobService) FailWithDetails(ctx context.Context, id, errMsg string, details JobFailureDetails) (bool, error) {
	if errMsg == "" {
		return false, errors.New("error message required")
	}

	var job *model.Job
	if s.failureNotifier != nil && s.failureNotifier.Enabled() {
		var err error
		job, err = s.repo.GetByID(ctx, id)
		if err != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "failed to load job for failure notification", "id", id, "error", err)
		}
	}

	failed, err := s.repo.FailTerminal(ctx, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}
	if !failed {
		return false, s.transitionConflict(ctx, id, model.JobStatusFailed)
	}

	if s.logger != nil {
		s.logger.WarnContext(ctx, "job failed",
			"id", id,
			"stage", details.Stage,
			"attempt", details.Attempt,
			"error", errMsg,
		)
	}
	s.invalidateStatus(ctx, id)

	if s.failureNotifier != nil && s.failureNotifier.Enabled() {
		payload := notify.JobFailurePayload{
			JobID:      id,
			Stage:      details.Stage,
			Attempt:    details.Attempt,
			Error:      errMsg,
			ErrorClass: details.ErrorClass,
			Severity:   details.Severity,
			OccurredAt: details.OccurredAt,
		}
		if job != nil {
			payload.OwnerID = job.OwnerID
		}
		if payload.OccurredAt.IsZero() {
			payload.OccurredAt = time.Now()
		}
		s.failureNotifier.NotifyJobFailure(ctx, payload)
	}
	return true, nil
}

// MarkCancelled finalises a processing job as cancelled with the abort reason.
func (s *JobService) MarkCancelled(ctx context.Context, id, reason string) (bool, error) {
	if reason == "" {
		reason = "cancelled by user request"
	}

	cancelled, err := s.repo.MarkCancelled(ctx, id, reason)
	if err != nil {
		return false, fmt.Errorf("mark job %s cancelled: %w", id, err)
	}
	if !cancelled {
		return false, s.transitionConflict(ctx, id, model.JobStatusCancelled)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job cancelled", "id", id, "reason", reason)
	}
	s.invalidateStatus(ctx, id)
	return true, nil
}

// RequestCancel flags a non-terminal job for cancellation. Pending jobs
// finalise immediately; processing jobs are aborted by their worker at the
// next stage boundary.
func (s *JobService) RequestCancel(ctx context.Context, id string) (bool, error) {
	requested, err := s.repo.RequestCancel(ctx, id)
	if err != nil {
		return false, fmt.Errorf("request cancel for job %s: %w", id, err)
	}

	if s.logger != nil && requested {
		s.logger.InfoContext(ctx, "job cancellation requested", "id", id)
	}
	if requested {
		s.invalidateStatus(ctx, id)
	}
	return requested, nil
}

// Stats returns job counts per status.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// Subscribe creates a subscription for job availability notifications.
// Returns an unsubscribe function and a channel that receives wakeups.
func (s *JobService) Subscribe() (func(), <-chan struct{}) {
	if s.notifier == nil {
		ch := make(chan struct{})
		close(ch)
		return func() {}, ch
	}
	return s.notifier.Subscribe()
}

// StopListeners shuts the notification fan-out down.
func (s *JobService) StopListeners() {
	if s.notifier != nil {
		s.notifier.StopAll()
	}
}

// transitionConflict converts a lost conditional update into a descriptive
// error. The current status tells the two cases apart: an edge the state
// machine forbids outright, or a legal edge that lost to a concurrent update.
func (s *JobService) transitionConflict(ctx context.Context, id string, target model.JobStatus) error {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("job %s transition to %s rejected: %w", id, target, err)
	}
	if job.Status.CanTransitionTo(target) {
		return fmt.Errorf("%w: job %s lost a concurrent update while %s, transition to %s dropped",
			ErrInvalidTransition, id, job.Status, target)
	}
	return fmt.Errorf("%w: job %s is %s, cannot become %s",
		ErrInvalidTransition, id, job.Status, target)
}

func (s *JobService) invalidateStatus(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.Delete(ctx, statusCacheKey(id)); err != nil && s.logger != nil {
		s.logger.DebugContext(ctx, "status cache invalidation failed", "id", id, "error", err)
	}
}

func statusCacheKey(id string) string {
	return "job_status:" + id
}
