// Package core defines the ports between the service layer and its adapters.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/papervoice/papervoice/internal/domain/model"
)

// ErrObjectNotFound indicates an object ref that does not resolve to stored
// bytes. A job whose source document is gone cannot succeed by retrying.
var ErrObjectNotFound = errors.New("object not found")

// This file contains repository interface definitions (ports in hexagonal architecture).
// Service implementations should depend on these interfaces, not concrete implementations.

// JobRepository defines the durable job record store and dispatch queue.
//
// Claim-shaped mutations (Claim, UpdateProgress, Complete, Requeue,
// FailTerminal, MarkCancelled) are conditional updates: they apply only when
// the row is still in the expected prior status and report whether they won.
type JobRepository interface {
	// Create inserts the job in pending status and notifies waiting workers.
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)

	// ReserveNext atomically claims the next due pending job
	// (pending -> processing, attempt count incremented, progress reset).
	// Returns model.ErrNoJobsAvailable when nothing is due.
	ReserveNext(ctx context.Context, leaseSeconds int) (*model.Job, error)

	// Claim attempts the same transition for a specific job identifier.
	// A (nil, nil) return means another worker holds the job or it is
	// already terminal: the delivery should be dropped as a no-op.
	Claim(ctx context.Context, id string, leaseSeconds int) (*model.Job, error)

	// UpdateProgress raises progress (never lowers it) and extends the lease.
	UpdateProgress(ctx context.Context, id string, progress, leaseSeconds int) (bool, error)

	Complete(ctx context.Context, id, resultRef string) (bool, error)
	Requeue(ctx context.Context, id, errMsg string, retryAt time.Time) (bool, error)
	FailTerminal(ctx context.Context, id, errMsg string) (bool, error)
	MarkCancelled(ctx context.Context, id, reason string) (bool, error)

	// RequestCancel sets the cancellation flag on a non-terminal job.
	RequestCancel(ctx context.Context, id string) (bool, error)

	// WaitForNotification blocks until new pending jobs may be available.
	WaitForNotification(ctx context.Context) error

	Stats(ctx context.Context) (*model.JobStats, error)
}

// ReaperRepository defines the cleanup operations run by the reaper service.
type ReaperRepository interface {
	// RequeueExpiredLeases resets processing jobs whose lease has lapsed
	// (crashed or wedged workers) back to pending.
	RequeueExpiredLeases(ctx context.Context) (int64, error)

	// FailStalePendingJobs fails pending jobs that were never picked up
	// within maxAge.
	FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// DeleteOldJobs removes terminal jobs older than the retention window.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}

// DeleteOldJobsParams groups parameters for ReaperRepository.DeleteOldJobs.
type DeleteOldJobsParams struct {
	Statuses  []model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// CacheRepository defines the short-TTL cache backing status polling reads.
type CacheRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}

// ObjectStore fetches source documents and persists result artifacts.
type ObjectStore interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
	Store(ctx context.Context, ref string, data []byte) (string, error)
}
