package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/papervoice/papervoice/internal/core"
	"github.com/papervoice/papervoice/internal/domain/model"
)

var errFakeJobNotFound = errors.New("job not found")

// fakeJobRepo is an in-memory JobRepository with the same conditional-update
// semantics as the Postgres implementation.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.Job
	seq  int
	now  func() time.Time

	// progressWrites records every accepted progress value in write order.
	progressWrites map[string][]int
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{
		jobs:           make(map[string]*model.Job),
		now:            time.Now,
		progressWrites: make(map[string][]int),
	}
}

func copyJob(j *model.Job) *model.Job {
	c := *j
	return &c
}

func (r *fakeJobRepo) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	now := r.now()
	scheduledAt := now
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}

	r.seq++
	job := &model.Job{
		ID:          fmt.Sprintf("job-%d", r.seq),
		OwnerID:     req.OwnerID,
		Status:      model.JobStatusPending,
		Options:     req.Options,
		DocumentRef: req.DocumentRef,
		MaxAttempts: maxAttempts,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.jobs[job.ID] = job
	return copyJob(job), nil
}

func (r *fakeJobRepo) GetByID(_ context.Context, id string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, errFakeJobNotFound
	}
	return copyJob(job), nil
}

func (r *fakeJobRepo) ReserveNext(_ context.Context, leaseSeconds int) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var next *model.Job
	for _, job := range r.jobs {
		if job.Status != model.JobStatusPending || job.ScheduledAt.After(now) {
			continue
		}
		if next == nil || job.ScheduledAt.Before(next.ScheduledAt) {
			next = job
		}
	}
	if next == nil {
		return nil, model.ErrNoJobsAvailable
	}

	r.startProcessing(next, leaseSeconds)
	return copyJob(next), nil
}

func (r *fakeJobRepo) Claim(_ context.Context, id string, leaseSeconds int) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status != model.JobStatusPending || job.ScheduledAt.After(r.now()) {
		return nil, nil
	}

	r.startProcessing(job, leaseSeconds)
	return copyJob(job), nil
}

// startProcessing applies the pending -> processing transition. Caller holds the lock.
func (r *fakeJobRepo) startProcessing(job *model.Job, leaseSeconds int) {
	now := r.now()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)
	started := now

	job.Status = model.JobStatusProcessing
	job.AttemptCount++
	job.Progress = 0
	job.StartedAt = &started
	job.LeaseExpiresAt = &lease
	job.UpdatedAt = now
}

func (r *fakeJobRepo) UpdateProgress(_ context.Context, id string, progress, leaseSeconds int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status != model.JobStatusProcessing {
		return false, nil
	}

	if progress > job.Progress {
		job.Progress = progress
	}
	lease := r.now().Add(time.Duration(leaseSeconds) * time.Second)
	job.LeaseExpiresAt = &lease
	job.UpdatedAt = r.now()
	r.progressWrites[id] = append(r.progressWrites[id], job.Progress)
	return true, nil
}

func (r *fakeJobRepo) Complete(_ context.Context, id, resultRef string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status != model.JobStatusProcessing {
		return false, nil
	}

	now := r.now()
	job.Status = model.JobStatusCompleted
	job.Progress = 100
	job.ResultRef = &resultRef
	job.LastError = nil
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now
	return true, nil
}

func (r *fakeJobRepo) Requeue(_ context.Context, id, errMsg string, retryAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status != model.JobStatusProcessing {
		return false, nil
	}

	job.Status = model.JobStatusPending
	job.LastError = &errMsg
	job.ScheduledAt = retryAt
	job.LeaseExpiresAt = nil
	job.UpdatedAt = r.now()
	return true, nil
}

func (r *fakeJobRepo) FailTerminal(_ context.Context, id, errMsg string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status != model.JobStatusProcessing {
		return false, nil
	}

	now := r.now()
	job.Status = model.JobStatusFailed
	job.LastError = &errMsg
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now
	return true, nil
}

func (r *fakeJobRepo) MarkCancelled(_ context.Context, id, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status != model.JobStatusProcessing {
		return false, nil
	}

	now := r.now()
	job.Status = model.JobStatusCancelled
	job.LastError = &reason
	job.CompletedAt = &now
	job.LeaseExpiresAt = nil
	job.UpdatedAt = now
	return true, nil
}

func (r *fakeJobRepo) RequestCancel(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok || job.Status.Terminal() {
		return false, nil
	}

	now := r.now()
	job.CancelRequested = true
	if job.Status == model.JobStatusPending {
		// No worker will observe the flag, finalise directly.
		reason := "cancelled by user request"
		job.Status = model.JobStatusCancelled
		job.LastError = &reason
		job.CompletedAt = &now
	}
	job.UpdatedAt = now
	return true, nil
}

func (r *fakeJobRepo) WaitForNotification(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *fakeJobRepo) Stats(_ context.Context) (*model.JobStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &model.JobStats{}
	for _, job := range r.jobs {
		switch job.Status {
		case model.JobStatusPending:
			stats.Pending++
		case model.JobStatusProcessing:
			stats.Processing++
		case model.JobStatusCompleted:
			stats.Completed++
		case model.JobStatusFailed:
			stats.Failed++
		case model.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

// mutate applies fn to the stored job under the lock. Test-only backdoor for
// simulating time passing or concurrent state changes.
func (r *fakeJobRepo) mutate(id string, fn func(*model.Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		fn(job)
	}
}

func (r *fakeJobRepo) progressHistory(id string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.progressWrites[id]))
	copy(out, r.progressWrites[id])
	return out
}

var _ core.JobRepository = (*fakeJobRepo)(nil)

// fakeObjectStore is an in-memory ObjectStore.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (s *fakeObjectStore) Fetch(_ context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrObjectNotFound, ref)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *fakeObjectStore) Store(_ context.Context, ref string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[ref] = stored
	return ref, nil
}

var _ core.ObjectStore = (*fakeObjectStore)(nil)

// fakeCache is an in-memory CacheRepository ignoring TTLs.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

var _ core.CacheRepository = (*fakeCache)(nil)

// noopNotifier satisfies the notifier interface without background goroutines.
type noopNotifier struct{}

func (noopNotifier) Subscribe() (func(), <-chan struct{}) {
	ch := make(chan struct{}, 1)
	return func() {}, ch
}

func (noopNotifier) StopAll() {}
