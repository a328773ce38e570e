package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/papervoice/papervoice/internal/data/pgxutil"
	"github.com/papervoice/papervoice/internal/domain/model"
)

// Create inserts a pending job and wakes waiting workers via pg_notify.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	scheduledAt := r.timeProvider.Now()
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}

	query := `
		INSERT INTO jobs (owner_id, document_ref, voice, reading_speed, include_summary,
			max_attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + jobColumns

	row := r.db.QueryRowContext(ctx, query,
		req.OwnerID, req.DocumentRef,
		string(req.Options.Voice), req.Options.ReadingSpeed, req.Options.IncludeSummary,
		maxAttempts, scheduledAt,
	)
	job, err := scanJobFromRow(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, ErrDuplicateJob
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, jobAddedChannel, job.ID); err != nil {
		// The row is committed; worker polling picks it up without the wakeup.
		r.logger.WarnContext(ctx, "job created but notify failed", "job_id", job.ID, "err", err)
	}
	return job, nil
}

// GetByID retrieves a job by its identifier.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJobFromRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// reserveNextUpdateSQL claims the oldest due pending job. FOR UPDATE SKIP
// LOCKED keeps concurrent workers from blocking on the same row, and the
// conditional update is the claim itself: pending -> processing, attempt
// count up, progress back to zero.
const reserveNextUpdateSQL = `
	WITH next_job AS (
		SELECT id FROM jobs
		WHERE status = 'pending' AND scheduled_at <= $1
		ORDER BY scheduled_at, created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE jobs SET
		status = 'processing',
		attempt_count = attempt_count + 1,
		progress = 0,
		last_error = NULL,
		started_at = COALESCE(started_at, $1),
		lease_expires_at = $2,
		updated_at = $1
	FROM next_job
	WHERE jobs.id = next_job.id
	RETURNING ` + jobColumns

// ReserveNext claims the next due pending job for processing.
func (r *JobRepo) ReserveNext(ctx context.Context, leaseSeconds int) (*model.Job, error) {
	now := r.timeProvider.Now()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)

	job, err := scanJobFromRow(r.db.QueryRowContext(ctx, reserveNextUpdateSQL, now, lease))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("reserve next job: %w", err)
	}
	return job, nil
}

// Claim attempts the pending -> processing transition for a specific job.
// Returns (nil, nil) when the row exists but is no longer pending, which the
// caller treats as an already-handled delivery.
func (r *JobRepo) Claim(ctx context.Context, id string, leaseSeconds int) (*model.Job, error) {
	now := r.timeProvider.Now()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)

	query := `
		UPDATE jobs SET
			status = 'processing',
			attempt_count = attempt_count + 1,
			progress = 0,
			last_error = NULL,
			started_at = COALESCE(started_at, $2),
			lease_expires_at = $3,
			updated_at = $2
		WHERE id = $1 AND status = 'pending' AND scheduled_at <= $2
		RETURNING ` + jobColumns

	job, err := scanJobFromRow(r.db.QueryRowContext(ctx, query, id, now, lease))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}

	// Distinguish "lost the claim" from "no such job".
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, nil
}

// UpdateProgress raises the job's progress and extends its lease. GREATEST
// keeps delayed writers from moving the bar backwards. The update only
// applies while the job is still processing.
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, progress, leaseSeconds int) (bool, error) {
	now := r.timeProvider.Now()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)

	query := `
		UPDATE jobs SET
			progress = GREATEST(progress, $2),
			lease_expires_at = $3,
			updated_at = $4
		WHERE id = $1 AND status = 'processing'`

	res, err := r.db.ExecContext(ctx, query, id, progress, lease, now)
	if err != nil {
		return false, fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return rowsAffected(res)
}

// Complete transitions processing -> completed and records the result artifact.
func (r *JobRepo) Complete(ctx context.Context, id, resultRef string) (bool, error) {
	now := r.timeProvider.Now()
	query := `
		UPDATE jobs SET
			status = 'completed',
			progress = 100,
			result_ref = $2,
			last_error = NULL,
			completed_at = $3,
			lease_expires_at = NULL,
			updated_at = $3
		WHERE id = $1 AND status = 'processing'`

	res, err := r.db.ExecContext(ctx, query, id, resultRef, now)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	return rowsAffected(res)
}

// Requeue transitions processing -> pending for a later retry attempt.
func (r *JobRepo) Requeue(ctx context.Context, id, errMsg string, retryAt time.Time) (bool, error) {
	now := r.timeProvider.Now()
	query := `
		UPDATE jobs SET
			status = 'pending',
			last_error = $2,
			scheduled_at = $3,
			lease_expires_at = NULL,
			updated_at = $4
		WHERE id = $1 AND status = 'processing'`

	res, err := r.db.ExecContext(ctx, query, id, errMsg, retryAt, now)
	if err != nil {
		return false, fmt.Errorf("requeue job %s: %w", id, err)
	}
	return rowsAffected(res)
}

// FailTerminal transitions processing -> failed.
func (r *JobRepo) FailTerminal(ctx context.Context, id, errMsg string) (bool, error) {
	now := r.timeProvider.Now()
	query := `
		UPDATE jobs SET
			status = 'failed',
			last_error = $2,
			completed_at = $3,
			lease_expires_at = NULL,
			updated_at = $3
		WHERE id = $1 AND status = 'processing'`

	res, err := r.db.ExecContext(ctx, query, id, errMsg, now)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}
	return rowsAffected(res)
}

// MarkCancelled transitions processing -> cancelled with the abort reason.
func (r *JobRepo) MarkCancelled(ctx context.Context, id, reason string) (bool, error) {
	now := r.timeProvider.Now()
	query := `
		UPDATE jobs SET
			status = 'cancelled',
			last_error = $2,
			completed_at = $3,
			lease_expires_at = NULL,
			updated_at = $3
		WHERE id = $1 AND status = 'processing'`

	res, err := r.db.ExecContext(ctx, query, id, reason, now)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return rowsAffected(res)
}

// RequestCancel flags a non-terminal job for cancellation. A pending job is
// cancelled in place; a processing job keeps the flag for its worker to
// observe at the next stage boundary.
func (r *JobRepo) RequestCancel(ctx context.Context, id string) (bool, error) {
	now := r.timeProvider.Now()

	// Pending jobs have no worker to observe the flag, so finalise directly.
	pendingQuery := `
		UPDATE jobs SET
			status = 'cancelled',
			cancel_requested = TRUE,
			last_error = 'cancelled by user request',
			completed_at = $2,
			updated_at = $2
		WHERE id = $1 AND status = 'pending'`

	res, err := r.db.ExecContext(ctx, pendingQuery, id, now)
	if err != nil {
		return false, fmt.Errorf("cancel pending job %s: %w", id, err)
	}
	if ok, err := rowsAffected(res); err != nil || ok {
		return ok, err
	}

	processingQuery := `
		UPDATE jobs SET
			cancel_requested = TRUE,
			updated_at = $2
		WHERE id = $1 AND status = 'processing'`

	res, err = r.db.ExecContext(ctx, processingQuery, id, now)
	if err != nil {
		return false, fmt.Errorf("request cancel for job %s: %w", id, err)
	}
	return rowsAffected(res)
}

// Stats returns job counts per status.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled')
		FROM jobs`

	var stats model.JobStats
	err := r.db.QueryRowContext(ctx, query).Scan(
		&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed, &stats.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &stats, nil
}

// WaitForNotification blocks on the enqueue NOTIFY channel until a job is
// added or the context ends. The dedicated connection is returned to the pool
// when the wait finishes.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	return pgxutil.WithPgxConn(ctx, r.db, func(conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, `LISTEN `+jobAddedChannel); err != nil {
			return fmt.Errorf("listen on %s: %w", jobAddedChannel, err)
		}
		defer func() {
			// Unlisten with a fresh context so teardown survives ctx expiry.
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = conn.Exec(cleanupCtx, `UNLISTEN `+jobAddedChannel)
		}()

		_, err := conn.WaitForNotification(ctx)
		return err
	})
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
