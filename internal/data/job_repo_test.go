package data

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papervoice/papervoice/internal/core"
	"github.com/papervoice/papervoice/internal/domain/model"
	"github.com/papervoice/papervoice/internal/testutil"
)

func setupJobRepo(t *testing.T) (*JobRepo, *testutil.TestTimeProvider) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.TeardownTestDB(t, db) })

	tp := testutil.NewTestTimeProvider(time.Now().UTC().Truncate(time.Microsecond))
	repo := NewJobRepo(db, RepoConfig{TimeProvider: tp})
	return repo, tp
}

func TestJobRepo_Create(t *testing.T) {
	repo, tp := setupJobRepo(t)
	ctx := context.Background()

	job, err := repo.Create(ctx, testutil.NewJobRequest().
		WithVoice(model.VoiceFemale).
		WithReadingSpeed(1.25).
		WithSummary(true).
		Build())
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, model.VoiceFemale, job.Options.Voice)
	assert.Equal(t, 1.25, job.Options.ReadingSpeed)
	assert.True(t, job.Options.IncludeSummary)
	assert.Equal(t, 0, job.AttemptCount)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.False(t, job.CancelRequested)
	assert.WithinDuration(t, tp.Now(), job.ScheduledAt, time.Second)
	assert.Nil(t, job.StartedAt)
	assert.Nil(t, job.ResultRef)
	assert.Nil(t, job.LeaseExpiresAt)
}

func TestJobRepo_Create_DuplicateActiveJob(t *testing.T) {
	repo, _ := setupJobRepo(t)
	ctx := context.Background()

	req := testutil.NewJobRequest().WithDocumentRef("documents/dup.pdf").Build()
	_, err := repo.Create(ctx, req)
	require.NoError(t, err)

	_, err = repo.Create(ctx, testutil.NewJobRequest().WithDocumentRef("documents/dup.pdf").Build())
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestJobRepo_Create_SameDocumentAfterCompletion(t *testing.T) {
	repo, _ := setupJobRepo(t)
	ctx := context.Background()

	first, err := repo.Create(ctx, testutil.NewJobRequest().WithDocumentRef("documents/redo.pdf").Build())
	require.NoError(t, err)

	_, err = repo.ReserveNext(ctx, 60)
	require.NoError(t, err)
	ok, err := repo.Complete(ctx, first.ID, "results/redo.mp3")
	require.NoError(t, err)
	require.True(t, ok)

	// The uniqueness guard only covers live jobs.
	_, err = repo.Create(ctx, testutil.NewJobRequest().WithDocumentRef("documents/redo.pdf").Build())
	assert.NoError(t, err)
}

func TestJobRepo_GetByID_NotFound(t *testing.T) {
	repo, _ := setupJobRepo(t)

	_, err := repo.GetByID(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepo_ReserveNext(t *testing.T) {
	repo, tp := setupJobRepo(t)
	ctx := context.Background()

	_, err := repo.ReserveNext(ctx, 60)
	assert.ErrorIs(t, err, model.ErrNoJobsAvailable)

	created, err := repo.Create(ctx, testutil.DefaultJobRequest())
	require.NoError(t, err)

	job, err := repo.ReserveNext(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, created.ID, job.ID)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	assert.Equal(t, 0, job.Progress)
	require.NotNil(t, job.LeaseExpiresAt)
	assert.WithinDuration(t, tp.Now().Add(60*time.Second), *job.LeaseExpiresAt, time.Second)
	require.NotNil(t, job.StartedAt)

	// The queue is now empty.
	_, err = repo.ReserveNext(ctx, 60)
	assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
}

func TestJobRepo_ReserveNext_OrdersByScheduledAt(t *testing.T) {
	repo, tp := setupJobRepo(t)
	ctx := context.Background()

	later, err := repo.Create(ctx, testutil.NewJobRequest().
		WithDocumentRef("documents/later.pdf").
		WithScheduledAt(tp.Now().Add(-time.Minute)).
		Build())
	require.NoError(t, err)

	earlier, err := repo.Create(ctx, testutil.NewJobRequest().
		WithDocumentRef("documents/earlier.pdf").
		WithScheduledAt(tp.Now().Add(-time.Hour)).
		Build())
	require.NoError(t, err)

	first, err := repo.ReserveNext(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, earlier.ID, first.ID)

	second, err := repo.ReserveNext(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, later.ID, second.ID)
}

func TestJobRepo_ReserveNext_SkipsFutureJobs(t *testing.T) {
	repo, tp := setupJobRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, testutil.NewJobRequest().
		WithScheduledAt(tp.Now().Add(time.Hour)).
		Build())
	require.NoError(t, err)

	_, err = repo.ReserveNext(ctx, 60)
	assert.ErrorIs(t, err, model.ErrNoJobsAvailable)

	tp.AddTime(2 * time.Hour)

	job, err := repo.ReserveNext(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
}

func TestJobRepo_Claim(t *testing.T) {
	repo, _ := setupJobRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, testutil.DefaultJobRequest())
	require.NoError(t, err)

	job, err := repo.Claim(ctx, created.ID, 60)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, model.JobStatusProcessing, job.Status)
	assert.Equal(t, 1, job.AttemptCount)

	// A second delivery of the same job loses the claim.
	dup, err := repo.Claim(ctx, created.ID, 60)
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestJobRepo_Claim_UnknownJob(t *testing.T) {
	repo, _ := setupJobRepo(t)

	_, err := repo.Claim(context.Background(), uuid.NewString(), 60)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepo_UpdateProgress(t *testing.T) {
	repo, _ := setupJobRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, testutil.DefaultJobRequest())
	require.NoError(t, err)

	// Progress writes on a pending job are refused.
	ok, err := repo.UpdateProgress(ctx, created.ID, 20, 60)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.ReserveNext(ctx, 60)
	require.NoError(t, err)

	ok, err = repo.UpdateProgress(ctx, created.ID, 60, 60)
	require.NoError(t, err)
	assert.True(t, ok)

	// A late writer cannot move the bar backwards.
	ok, err = repo.UpdateProgress(ctx, created.ID, 40, 60)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, job.Progress)
}

func TestJobRepo_Complete(t *testing.T) {
	repo, _ := setupJobRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, testutil.DefaultJobRequest())
	require.NoError(t, err)
	_, err = repo.ReserveNext(ctx, 60)
	require.NoError(t, err)

	ok, err := repo.Complete(ctx, created.ID, "results/audio.mp3")
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.ResultRef)
	assert.Equal(t, "results/audio.mp3", *job.ResultRef)
	assert.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.LeaseExpiresAt)

	// Terminal jobs reject further transitions.
	ok, err = repo.Complete(ctx, created.ID, "results/other.mp3")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = repo.FailTerminal(ctx, created.ID, "late failure")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobRepo_Requeue(t *testing.T) {
	repo, tp := setupJobRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, testutil.DefaultJobRequest())
	require.NoError(t, err)
	_, err = repo.ReserveNext(ctx, 60)
	require.NoError(t, err)

	retryAt := tp.Now().Add(30 * time.Second)
	ok, err := repo.Requeue(ctx, created.ID, "transient extract error", retryAt)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "transient extract error", *job.LastError)
	assert.Nil(t, job.LeaseExpiresAt)

	// Not due yet.
	_, err = repo.ReserveNext(ctx, 60)
	assert.ErrorIs(t, err, model.ErrNoJobsAvailable)

	tp.AddTime(time.Minute)

	retried, err := repo.ReserveNext(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, created.ID, retried.ID)
	assert.Equal(t, 2, retried.AttemptCount)
	assert.Nil(t, retried.LastError)
}

func TestJobRepo_FailTerminalAndMarkCancelled(t *testing.T) {
	repo, _ := setupJobRepo(t)
	ctx := context.Background()

	failing, err := repo.Create(ctx, testutil.NewJobRequest().WithDocumentRef("documents/fail.pdf").Build())
	require.NoError(t, err)

	// Only processing jobs can be failed or cancelled by a worker.
	ok, err := repo.FailTerminal(ctx, failing.ID, "bad input")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Claim(ctx, failing.ID, 60)
	require.NoError(t, err)

	ok, err = repo.FailTerminal(ctx, failing.ID, "bad input")
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := repo.GetByID(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "bad input", *job.LastError)

	cancelling, err := repo.Create(ctx, testutil.NewJobRequest().WithDocumentRef("documents/cancel.pdf").Build())
	require.NoError(t, err)
	_, err = repo.Claim(ctx, cancelling.ID, 60)
	require.NoError(t, err)

	ok, err = repo.MarkCancelled(ctx, cancelling.ID, "cancelled by user request")
	require.NoError(t, err)
	assert.True(t, ok)

	job, err = repo.GetByID(ctx, cancelling.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, job.Status)
}

func TestJobRepo_RequestCancel(t *testing.T) {
	repo, _ := setupJobRepo(t)
	ctx := context.Background()

	t.Run("pending job is cancelled in place", func(t *testing.T) {
		created, err := repo.Create(ctx, testutil.NewJobRequest().WithDocumentRef("documents/p.pdf").Build())
		require.NoError(t, err)

		ok, err := repo.RequestCancel(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		job, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, job.Status)
		assert.True(t, job.CancelRequested)
		require.NotNil(t, job.LastError)
		assert.Equal(t, "cancelled by user request", *job.LastError)
	})

	t.Run("processing job keeps the flag for its worker", func(t *testing.T) {
		created, err := repo.Create(ctx, testutil.NewJobRequest().WithDocumentRef("documents/w.pdf").Build())
		require.NoError(t, err)
		_, err = repo.Claim(ctx, created.ID, 60)
		require.NoError(t, err)

		ok, err := repo.RequestCancel(ctx, created.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		job, err := repo.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusProcessing, job.Status)
		assert.True(t, job.CancelRequested)
	})

	t.Run("terminal job is not cancellable", func(t *testing.T) {
		created, err := repo.Create(ctx, testutil.NewJobRequest().WithDocumentRef("documents/t.pdf").Build())
		require.NoError(t, err)
		_, err = repo.Claim(ctx, created.ID, 60)
		require.NoError(t, err)
		_, err = repo.Complete(ctx, created.ID, "results/t.mp3")
		require.NoError(t, err)

		ok, err := repo.RequestCancel(ctx, created.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestJobRepo_Stats(t *testing.T) {
	repo, _ := setupJobRepo(t)
	ctx := context.Background()

	pending, err := repo.Create(ctx, testutil.NewJobRequest().WithDocumentRef("documents/a.pdf").Build())
	require.NoError(t, err)
	_ = pending

	completed, err := repo.Create(ctx, testutil.NewJobRequest().WithDocumentRef("documents/b.pdf").Build())
	require.NoError(t, err)
	_, err = repo.Claim(ctx, completed.ID, 60)
	require.NoError(t, err)
	_, err = repo.Complete(ctx, completed.ID, "results/b.mp3")
	require.NoError(t, err)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 0, stats.Processing)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 0, stats.Cancelled)
}

func TestJobRepo_RequeueExpiredLeases(t *testing.T) {
	repo, tp := setupJobRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, testutil.DefaultJobRequest())
	require.NoError(t, err)
	_, err = repo.ReserveNext(ctx, 60)
	require.NoError(t, err)

	// Lease still live, nothing to recover.
	n, err := repo.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	tp.AddTime(2 * time.Minute)

	n, err = repo.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Equal(t, 1, job.AttemptCount)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "worker lease expired", *job.LastError)
	assert.Nil(t, job.LeaseExpiresAt)
}

func TestJobRepo_RequeueExpiredLeases_ExhaustedAttemptsFail(t *testing.T) {
	repo, tp := setupJobRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, testutil.NewJobRequest().WithMaxAttempts(1).Build())
	require.NoError(t, err)
	_, err = repo.ReserveNext(ctx, 60)
	require.NoError(t, err)

	tp.AddTime(2 * time.Minute)

	n, err := repo.RequeueExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "worker lease expired; attempts exhausted", *job.LastError)
	assert.NotNil(t, job.CompletedAt)
}

func TestJobRepo_FailStalePendingJobs(t *testing.T) {
	repo, tp := setupJobRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, testutil.DefaultJobRequest())
	require.NoError(t, err)

	// Young pending jobs are left alone.
	n, err := repo.FailStalePendingJobs(ctx, 24*time.Hour, 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	tp.AddTime(25 * time.Hour)

	n, err = repo.FailStalePendingJobs(ctx, 24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "job expired before processing", *job.LastError)
}

func TestJobRepo_DeleteOldJobs(t *testing.T) {
	repo, tp := setupJobRepo(t)
	ctx := context.Background()

	created, err := repo.Create(ctx, testutil.DefaultJobRequest())
	require.NoError(t, err)
	_, err = repo.ReserveNext(ctx, 60)
	require.NoError(t, err)
	_, err = repo.Complete(ctx, created.ID, "results/old.mp3")
	require.NoError(t, err)

	// Inside the retention window.
	n, err := repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{MaxAge: 7 * 24 * time.Hour, BatchSize: 100})
	require.NoError(t, err)
	assert.Zero(t, n)

	tp.AddTime(8 * 24 * time.Hour)

	n, err = repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{MaxAge: 7 * 24 * time.Hour, BatchSize: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetByID(ctx, created.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepo_DeleteOldJobs_RefusesNonTerminalStatuses(t *testing.T) {
	repo, _ := setupJobRepo(t)

	_, err := repo.DeleteOldJobs(context.Background(), core.DeleteOldJobsParams{
		MaxAge:   time.Hour,
		Statuses: []model.JobStatus{model.JobStatusProcessing},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-terminal")
}

func TestJobRepo_WaitForNotification(t *testing.T) {
	repo, _ := setupJobRepo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- repo.WaitForNotification(ctx)
	}()

	// Give the listener a moment to establish before enqueueing.
	time.Sleep(200 * time.Millisecond)

	_, err := repo.Create(ctx, testutil.DefaultJobRequest())
	require.NoError(t, err)

	select {
	case waitErr := <-done:
		assert.NoError(t, waitErr)
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue notification never arrived")
	}
}
