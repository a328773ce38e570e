package data

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/papervoice/papervoice/internal/core"
	"github.com/papervoice/papervoice/internal/data/pgxutil"
	"github.com/papervoice/papervoice/internal/domain/model"
)

// Advisory lock key ensuring only one reaper instance recovers leases at a time.
const reaperAdvisoryLockKey = 842_001_101

// RequeueExpiredLeases resets processing jobs whose lease has lapsed.
// Jobs that were on their final attempt are failed terminally instead of
// being handed a free extra attempt.
func (r *JobRepo) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	now := r.timeProvider.Now()
	var requeued int64

	err := pgxutil.WithPgxTx(ctx, r.db, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var locked bool
			if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, reaperAdvisoryLockKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire reaper lock: %w", err)
			}
			if !locked {
				// Another reaper instance is already on it.
				return nil
			}

			query := `
				UPDATE jobs SET
					status = CASE
						WHEN attempt_count >= max_attempts THEN 'failed'
						ELSE 'pending'
					END,
					last_error = CASE
						WHEN attempt_count >= max_attempts
							THEN 'worker lease expired; attempts exhausted'
						ELSE 'worker lease expired'
					END,
					completed_at = CASE
						WHEN attempt_count >= max_attempts THEN $1::timestamptz
						ELSE completed_at
					END,
					scheduled_at = $1,
					lease_expires_at = NULL,
					updated_at = $1
				WHERE status = 'processing'
					AND lease_expires_at IS NOT NULL
					AND lease_expires_at < $1`

			tag, err := tx.Exec(ctx, query, now)
			if err != nil {
				return fmt.Errorf("requeue expired leases: %w", err)
			}
			requeued = tag.RowsAffected()
			return nil
		},
	})
	if err != nil {
		return 0, err
	}

	if requeued > 0 {
		// Wake workers so reset jobs do not wait out a full poll interval.
		if _, err := r.db.ExecContext(ctx, `SELECT pg_notify($1, '')`, jobAddedChannel); err != nil {
			r.logger.WarnContext(ctx, "requeued expired leases but notify failed", "err", err)
		}
	}
	return requeued, nil
}

// FailStalePendingJobs fails pending jobs older than maxAge that no worker
// ever picked up, in batches to bound lock time.
func (r *JobRepo) FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	now := r.timeProvider.Now()
	cutoff := now.Add(-maxAge)

	query := `
		UPDATE jobs SET
			status = 'failed',
			last_error = 'job expired before processing',
			completed_at = $3,
			updated_at = $3
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND created_at < $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`

	res, err := r.db.ExecContext(ctx, query, cutoff, batchSize, now)
	if err != nil {
		return 0, fmt.Errorf("fail stale pending jobs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOldJobs removes terminal jobs past the retention window.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if len(params.Statuses) == 0 {
		params.Statuses = []model.JobStatus{
			model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled,
		}
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := r.timeProvider.Now().Add(-params.MaxAge)

	statuses := make([]string, 0, len(params.Statuses))
	for _, s := range params.Statuses {
		if !s.Terminal() {
			return 0, fmt.Errorf("refusing to delete non-terminal status %q", s)
		}
		statuses = append(statuses, string(s))
	}

	query := `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = ANY($1) AND updated_at < $2
			ORDER BY updated_at
			LIMIT $3
		)`

	var deleted int64
	for {
		res, err := r.db.ExecContext(ctx, query, statuses, cutoff, batchSize)
		if err != nil {
			return deleted, fmt.Errorf("delete old jobs: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("rows affected: %w", err)
		}
		deleted += n
		if n < int64(batchSize) {
			return deleted, nil
		}
	}
}
