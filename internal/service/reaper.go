package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/papervoice/papervoice/config"
	"github.com/papervoice/papervoice/internal/core"
	obserrors "github.com/papervoice/papervoice/internal/observability/errors"
	"github.com/papervoice/papervoice/internal/observability/metrics"
	"github.com/papervoice/papervoice/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.ReaperRepository // Required: reaper repository
	Config  config.ReaperConfig   // Required: reaper configuration
	Logger  *slog.Logger          // Optional: structured logger
	Metrics statsd.Sink           // Optional: metrics sink
}

// ReaperService provides job cleanup operations.
//
// This service manages:
// - Returning lease-expired processing jobs (crashed workers) to pending.
// - Failing stale pending jobs that were never picked up.
// - Deleting terminal jobs past the retention window.
type ReaperService struct {
	repo    core.ReaperRepository
	config  config.ReaperConfig
	logger  *slog.Logger
	metrics statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"pending_max_age", opts.Config.PendingMaxAge,
			"retention_age", opts.Config.RetentionAge,
		)
	}

	return &ReaperService{
		repo:    opts.Repo,
		config:  opts.Config,
		logger:  logger,
		metrics: opts.Metrics,
	}, nil
}

// Run starts the reaper loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Jitter prevents a thundering herd when multiple instances start together.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if err := s.runCleanup(ctx); err != nil {
		s.logCleanupError(err, "initial cleanup")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case <-ticker.C:
			if err := s.runCleanup(ctx); err != nil {
				s.logCleanupError(err, "cleanup")
				// Keep running despite errors.
			}
		}
	}
}

// waitWithJitter sleeps a random delay up to 10% of the interval.
func (s *ReaperService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)))

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

// runCleanup performs all cleanup operations once.
func (s *ReaperService) runCleanup(ctx context.Context) error {
	start := time.Now()
	var errs []error

	steps := []struct {
		fn    func(context.Context) (int64, error)
		label string
	}{
		{s.requeueExpiredLeases, "requeue_expired_leases"},
		{s.failStalePendingJobs, "fail_stale_pending"},
		{s.deleteOldJobs, "delete_old_jobs"},
	}

	for _, step := range steps {
		count, err := step.fn(ctx)
		s.emitOperationMetric(step.label, count, suppressContextCancellation(err))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
			if isContextCancellation(err) {
				break
			}
		}
	}

	if s.metrics != nil {
		result := metrics.ResultSuccess
		if len(errs) > 0 {
			result = metrics.ResultError
		}
		s.metrics.Count("reaper.cleanup", 1, map[string]string{"result": result})
		s.metrics.Timing("reaper.cleanup_duration", time.Since(start), nil)
		if len(errs) == 0 {
			s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
		}
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("cleanup failed: %w", joined)
	}
	return nil
}

// requeueExpiredLeases returns crashed workers' jobs to the queue.
func (s *ReaperService) requeueExpiredLeases(ctx context.Context) (int64, error) {
	count, err := s.repo.RequeueExpiredLeases(ctx)
	if err != nil {
		return count, err
	}
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "requeued lease-expired processing jobs", "count", count)
	}
	return count, nil
}

// failStalePendingJobs fails pending jobs older than the configured max age,
// batching so large backlogs cannot hold locks for long.
func (s *ReaperService) failStalePendingJobs(ctx context.Context) (int64, error) {
	var totalCount int64
	for {
		count, err := s.repo.FailStalePendingJobs(ctx, s.config.PendingMaxAge, s.config.BatchSize)
		if err != nil {
			return totalCount, err
		}
		totalCount += count
		if count == 0 {
			break
		}
		if ctx.Err() != nil {
			return totalCount, ctx.Err()
		}
	}

	if totalCount > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "failed stale pending jobs",
			"count", totalCount,
			"max_age", s.config.PendingMaxAge,
		)
	}
	return totalCount, nil
}

// deleteOldJobs removes terminal jobs past the retention window.
func (s *ReaperService) deleteOldJobs(ctx context.Context) (int64, error) {
	count, err := s.repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
		MaxAge:    s.config.RetentionAge,
		BatchSize: s.config.BatchSize,
	})
	if err != nil {
		return count, err
	}
	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "deleted old terminal jobs",
			"count", count,
			"retention_age", s.config.RetentionAge,
		)
	}
	return count, nil
}

func (s *ReaperService) emitOperationMetric(operation string, count int64, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": operation,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("reaper.cleanup_operation", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("reaper.jobs_processed", count, metrics.CloneTags(tags))
	}
}

func (s *ReaperService) logCleanupError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
