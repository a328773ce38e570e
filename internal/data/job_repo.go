// Package data provides the PostgreSQL-backed repositories.
//
// The jobs table doubles as the dispatch queue: enqueue is an insert plus a
// pg_notify wakeup, delivery is a FOR UPDATE SKIP LOCKED reservation, and
// acknowledgement is a conditional update into a terminal status. Redelivery
// happens when a processing lease lapses and the reaper resets the row.
package data

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/papervoice/papervoice/internal/domain/model"
)

// Job repository sentinels.
var (
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob indicates the owner already has a live conversion for
	// the same document.
	ErrDuplicateJob = errors.New("an active job already exists for this document")
)

// jobAddedChannel is the Postgres NOTIFY channel signalled on enqueue.
const jobAddedChannel = "job_added_conversion"

// jobColumns is the canonical select list scanned by scanJobFromRow.
const jobColumns = `id, owner_id, status, progress, voice, reading_speed, include_summary,
	document_ref, result_ref, last_error, attempt_count, max_attempts, cancel_requested,
	scheduled_at, started_at, completed_at, lease_expires_at, created_at, updated_at`

// RepoConfig groups the dependencies shared by the data-layer repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo is the PostgreSQL implementation of core.JobRepository and
// core.ReaperRepository.
type JobRepo struct {
	db           *sql.DB
	logger       *slog.Logger
	timeProvider TimeProvider
}

// NewJobRepo creates a JobRepo backed by the given database handle.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeProvider := cfg.TimeProvider
	if timeProvider == nil {
		timeProvider = &RealTimeProvider{}
	}
	return &JobRepo{
		db:           db,
		logger:       logger.With("component", "job_repo"),
		timeProvider: timeProvider,
	}
}

// jobRowData is the scan target matching jobColumns.
type jobRowData struct {
	id              string
	ownerID         string
	status          string
	progress        int
	voice           string
	readingSpeed    float64
	includeSummary  bool
	documentRef     string
	resultRef       sql.NullString
	lastError       sql.NullString
	attemptCount    int
	maxAttempts     int
	cancelRequested bool
	scheduledAt     time.Time
	startedAt       sql.NullTime
	completedAt     sql.NullTime
	leaseExpiresAt  sql.NullTime
	createdAt       time.Time
	updatedAt       time.Time
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJobFromRow(row rowScanner) (*model.Job, error) {
	var d jobRowData
	err := row.Scan(
		&d.id, &d.ownerID, &d.status, &d.progress, &d.voice, &d.readingSpeed, &d.includeSummary,
		&d.documentRef, &d.resultRef, &d.lastError, &d.attemptCount, &d.maxAttempts, &d.cancelRequested,
		&d.scheduledAt, &d.startedAt, &d.completedAt, &d.leaseExpiresAt, &d.createdAt, &d.updatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d.toJob(), nil
}

func (d *jobRowData) toJob() *model.Job {
	return &model.Job{
		ID:      d.id,
		OwnerID: d.ownerID,
		Status:  model.JobStatus(d.status),
		Options: model.ProcessingOptions{
			Voice:          model.Voice(d.voice),
			ReadingSpeed:   d.readingSpeed,
			IncludeSummary: d.includeSummary,
		},
		Progress:        d.progress,
		DocumentRef:     d.documentRef,
		ResultRef:       nullableString(d.resultRef),
		LastError:       nullableString(d.lastError),
		AttemptCount:    d.attemptCount,
		MaxAttempts:     d.maxAttempts,
		CancelRequested: d.cancelRequested,
		ScheduledAt:     d.scheduledAt,
		StartedAt:       nullableTime(d.startedAt),
		CompletedAt:     nullableTime(d.completedAt),
		LeaseExpiresAt:  nullableTime(d.leaseExpiresAt),
		CreatedAt:       d.createdAt,
		UpdatedAt:       d.updatedAt,
	}
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
