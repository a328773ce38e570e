package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainjob "github.com/papervoice/papervoice/internal/domain/job"
	"github.com/papervoice/papervoice/internal/domain/model"
	"github.com/papervoice/papervoice/internal/pipeline"
	"github.com/papervoice/papervoice/internal/testutil"
)

// scriptedExtractor returns queued errors first, then succeeds.
type scriptedExtractor struct {
	mu        sync.Mutex
	errs      []error
	text      string
	calls     int
	onExtract func(ctx context.Context)
}

func (e *scriptedExtractor) Extract(ctx context.Context, _ []byte) (string, error) {
	e.mu.Lock()
	e.calls++
	var err error
	if len(e.errs) > 0 {
		err = e.errs[0]
		e.errs = e.errs[1:]
	}
	hook := e.onExtract
	text := e.text
	e.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return "", err
	}
	if text == "" {
		text = "Extracted text for narration."
	}
	return text, nil
}

func (e *scriptedExtractor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type scriptedSynthesizer struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedSynthesizer) Synthesize(_ context.Context, req pipeline.SynthesisRequest) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return []byte("audio:" + req.Text), nil
}

func (s *scriptedSynthesizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type orchestratorFixture struct {
	repo      *fakeJobRepo
	store     *fakeObjectStore
	jobs      *JobService
	orch      *Orchestrator
	extractor *scriptedExtractor
	synth     *scriptedSynthesizer
}

// fastRetryPolicy retries with no effective backoff so requeued jobs are due
// immediately.
func fastRetryPolicy(t *testing.T, maxAttempts int) *domainjob.RetryPolicy {
	t.Helper()
	policy, err := domainjob.NewRetryPolicy(maxAttempts, time.Nanosecond, time.Nanosecond)
	require.NoError(t, err)
	return policy
}

func newOrchestratorFixture(t *testing.T, opts OrchestratorOptions) *orchestratorFixture {
	t.Helper()

	f := &orchestratorFixture{
		repo:      newFakeJobRepo(),
		store:     newFakeObjectStore(),
		extractor: &scriptedExtractor{},
		synth:     &scriptedSynthesizer{},
	}
	f.jobs = newTestJobService(t, f.repo)

	_, err := f.store.Store(context.Background(), "documents/test.pdf", []byte("%PDF-1.4 content"))
	require.NoError(t, err)

	stages, err := pipeline.New(pipeline.Options{
		Extractor:   f.extractor,
		Synthesizer: f.synth,
	})
	require.NoError(t, err)

	opts.Jobs = f.jobs
	opts.Store = f.store
	opts.Pipeline = stages
	if opts.RetryPolicy == nil {
		opts.RetryPolicy = fastRetryPolicy(t, 3)
	}
	f.orch, err = NewOrchestrator(opts)
	require.NoError(t, err)
	return f
}

func (f *orchestratorFixture) createJob(t *testing.T) *model.Job {
	t.Helper()
	return createTestJob(t, f.jobs)
}

func (f *orchestratorFixture) jobState(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestNewOrchestrator_Validation(t *testing.T) {
	stages, err := pipeline.New(pipeline.Options{
		Extractor:   &scriptedExtractor{},
		Synthesizer: &scriptedSynthesizer{},
	})
	require.NoError(t, err)
	jobs := newTestJobService(t, newFakeJobRepo())
	store := newFakeObjectStore()

	_, err = NewOrchestrator(OrchestratorOptions{Store: store, Pipeline: stages})
	require.Error(t, err)

	_, err = NewOrchestrator(OrchestratorOptions{Jobs: jobs, Pipeline: stages})
	require.Error(t, err)

	_, err = NewOrchestrator(OrchestratorOptions{Jobs: jobs, Store: store})
	require.Error(t, err)
}

func TestOrchestrator_ProcessNext_EmptyQueue(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorOptions{})
	err := f.orch.ProcessNext(context.Background())
	assert.ErrorIs(t, err, model.ErrNoJobsAvailable)
}

func TestOrchestrator_HappyPath(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorOptions{})
	job := f.createJob(t)

	require.NoError(t, f.orch.ProcessNext(context.Background()))

	current := f.jobState(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, current.Status)
	assert.Equal(t, 100, current.Progress)
	assert.Equal(t, 1, current.AttemptCount)
	require.NotNil(t, current.ResultRef)
	assert.Equal(t, "results/"+job.ID+".mp3", *current.ResultRef)
	assert.Nil(t, current.LastError)

	// Artifact bytes landed in the store.
	audio, err := f.store.Fetch(context.Background(), *current.ResultRef)
	require.NoError(t, err)
	assert.NotEmpty(t, audio)

	assert.Equal(t, 1, f.extractor.callCount())
	assert.Equal(t, 1, f.synth.callCount())

	// Fixed checkpoints in stage order; summary not requested, so 40 is absent.
	assert.Equal(t, []int{
		pipeline.CheckpointExtracting,
		pipeline.CheckpointCleaned,
		pipeline.CheckpointSynthesisStart,
		pipeline.CheckpointSynthesisEnd,
	}, f.repo.progressHistory(job.ID))
}

func TestOrchestrator_TransientThenSuccess(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorOptions{})
	f.extractor.errs = []error{errors.New("upstream blip")}
	job := f.createJob(t)
	ctx := context.Background()

	// First attempt fails and requeues.
	require.NoError(t, f.orch.ProcessNext(ctx))
	mid := f.jobState(t, job.ID)
	assert.Equal(t, model.JobStatusPending, mid.Status)
	assert.Equal(t, 1, mid.AttemptCount)
	require.NotNil(t, mid.LastError)
	assert.Contains(t, *mid.LastError, "upstream blip")

	// Second attempt succeeds.
	require.NoError(t, f.orch.ProcessNext(ctx))
	final := f.jobState(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Equal(t, 2, final.AttemptCount)
	assert.Equal(t, 2, f.extractor.callCount())
}

func TestOrchestrator_RetryCapExactAttemptCount(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorOptions{
		RetryPolicy: fastRetryPolicy(t, 2),
	})
	f.extractor.errs = []error{
		errors.New("always failing"),
		errors.New("always failing"),
		errors.New("always failing"),
	}
	job := f.createJob(t)
	ctx := context.Background()

	require.NoError(t, f.orch.ProcessNext(ctx))
	assert.Equal(t, model.JobStatusPending, f.jobState(t, job.ID).Status)

	require.NoError(t, f.orch.ProcessNext(ctx))
	final := f.jobState(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Equal(t, 2, final.AttemptCount)
	require.NotNil(t, final.LastError)
	assert.Equal(t, "processing failed after 2 attempts", *final.LastError)

	// Exactly the cap, never one more.
	assert.Equal(t, 2, f.extractor.callCount())
	assert.ErrorIs(t, f.orch.ProcessNext(ctx), model.ErrNoJobsAvailable)
}

func TestOrchestrator_JobMaxAttemptsCapsRetries(t *testing.T) {
	// The per-job cap binds even when the worker-wide policy would allow
	// more attempts.
	f := newOrchestratorFixture(t, OrchestratorOptions{
		RetryPolicy: fastRetryPolicy(t, 3),
	})
	f.extractor.errs = []error{
		errors.New("always failing"),
		errors.New("always failing"),
	}
	req := testutil.NewJobRequest().WithMaxAttempts(1).Build()
	job, err := f.jobs.Create(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, f.orch.ProcessNext(context.Background()))

	final := f.jobState(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Equal(t, 1, final.AttemptCount)
	require.NotNil(t, final.LastError)
	assert.Equal(t, "processing failed after 1 attempts", *final.LastError)

	// No requeue happened.
	assert.Equal(t, 1, f.extractor.callCount())
	assert.ErrorIs(t, f.orch.ProcessNext(context.Background()), model.ErrNoJobsAvailable)
}

func TestOrchestrator_InputErrorFailsWithoutRetry(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorOptions{})
	f.extractor.errs = []error{fmt.Errorf("ocr: %w", pipeline.ErrDocumentRejected)}
	job := f.createJob(t)

	require.NoError(t, f.orch.ProcessNext(context.Background()))

	final := f.jobState(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Equal(t, 1, final.AttemptCount)
	require.NotNil(t, final.LastError)
	assert.Contains(t, *final.LastError, "rejected the document")

	// A single attempt, no requeue.
	assert.Equal(t, 1, f.extractor.callCount())
	assert.ErrorIs(t, f.orch.ProcessNext(context.Background()), model.ErrNoJobsAvailable)
}

func TestOrchestrator_MissingDocumentFailsAsInput(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorOptions{})
	req := testutil.NewJobRequest().WithDocumentRef("documents/gone.pdf").Build()
	job, err := f.jobs.Create(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, f.orch.ProcessNext(context.Background()))

	final := f.jobState(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Equal(t, 1, final.AttemptCount)
	assert.Equal(t, 0, f.extractor.callCount())
}

func TestOrchestrator_ValidateDocumentRejects(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorOptions{
		ValidateDocument: func(_ []byte) (int, error) {
			return 0, pipeline.ErrNotPDF
		},
	})
	job := f.createJob(t)

	require.NoError(t, f.orch.ProcessNext(context.Background()))

	final := f.jobState(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, final.Status)
	assert.Equal(t, 0, f.extractor.callCount())
}

func TestOrchestrator_RedeliveryIsNoop(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorOptions{})
	job := f.createJob(t)
	ctx := context.Background()

	require.NoError(t, f.orch.ProcessNext(ctx))
	require.Equal(t, model.JobStatusCompleted, f.jobState(t, job.ID).Status)
	callsBefore := f.extractor.callCount()

	// Delivering the same job again must not run another attempt.
	require.NoError(t, f.orch.ProcessJob(ctx, job.ID))
	assert.Equal(t, callsBefore, f.extractor.callCount())
	assert.Equal(t, model.JobStatusCompleted, f.jobState(t, job.ID).Status)
}

func TestOrchestrator_ProcessJob_ClaimsSpecificJob(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorOptions{})
	job := f.createJob(t)

	require.NoError(t, f.orch.ProcessJob(context.Background(), job.ID))
	assert.Equal(t, model.JobStatusCompleted, f.jobState(t, job.ID).Status)
}

func TestOrchestrator_CancellationAtStageBoundary(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorOptions{})
	job := f.createJob(t)
	ctx := context.Background()

	// Cancellation arrives while extraction is running; the next stage
	// boundary observes the flag and aborts.
	f.extractor.onExtract = func(hctx context.Context) {
		_, err := f.jobs.RequestCancel(hctx, job.ID)
		assert.NoError(t, err)
	}

	require.NoError(t, f.orch.ProcessNext(ctx))

	final := f.jobState(t, job.ID)
	assert.Equal(t, model.JobStatusCancelled, final.Status)
	require.NotNil(t, final.LastError)
	assert.Equal(t, cancelledReason, *final.LastError)

	// Synthesis never started.
	assert.Equal(t, 0, f.synth.callCount())
}

// blockingExtractor parks until the context ends, simulating a worker killed
// mid-attempt.
type blockingExtractor struct{}

func (blockingExtractor) Extract(ctx context.Context, _ []byte) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestOrchestrator_ShutdownLeavesJobToLeaseRecovery(t *testing.T) {
	repo := newFakeJobRepo()
	jobs := newTestJobService(t, repo)
	store := newFakeObjectStore()
	_, err := store.Store(context.Background(), "documents/test.pdf", []byte("%PDF-1.4"))
	require.NoError(t, err)

	stages, err := pipeline.New(pipeline.Options{
		Extractor:   blockingExtractor{},
		Synthesizer: &scriptedSynthesizer{},
	})
	require.NoError(t, err)

	orch, err := NewOrchestrator(OrchestratorOptions{
		Jobs:     jobs,
		Store:    store,
		Pipeline: stages,
	})
	require.NoError(t, err)

	job := createTestJob(t, jobs)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err = orch.ProcessNext(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// No terminal transition: the lease reaper will return it to pending.
	current, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, current.Status)
}

func TestOrchestrator_SummaryCheckpointReported(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorOptions{})

	// Rebuild the pipeline with a summarizer for this test.
	stages, err := pipeline.New(pipeline.Options{
		Extractor:   f.extractor,
		Summarizer:  fixedSummarizer("A brief summary."),
		Synthesizer: f.synth,
	})
	require.NoError(t, err)
	orch, err := NewOrchestrator(OrchestratorOptions{
		Jobs:        f.jobs,
		Store:       f.store,
		Pipeline:    stages,
		RetryPolicy: fastRetryPolicy(t, 3),
	})
	require.NoError(t, err)

	job, err := f.jobs.Create(context.Background(), testutil.SummaryJobRequest())
	require.NoError(t, err)

	require.NoError(t, orch.ProcessNext(context.Background()))

	assert.Equal(t, model.JobStatusCompleted, f.jobState(t, job.ID).Status)
	assert.Equal(t, []int{
		pipeline.CheckpointExtracting,
		pipeline.CheckpointCleaned,
		pipeline.CheckpointSummarized,
		pipeline.CheckpointSynthesisStart,
		pipeline.CheckpointSynthesisEnd,
	}, f.repo.progressHistory(job.ID))
}

type fixedSummarizer string

func (s fixedSummarizer) Summarize(_ context.Context, _ string) (string, error) {
	return string(s), nil
}

type scriptedSummarizer struct {
	mu      sync.Mutex
	errs    []error
	summary string
	calls   int
}

func (s *scriptedSummarizer) Summarize(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return "", err
	}
	return s.summary, nil
}

func (s *scriptedSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestOrchestrator_SummaryTimeoutRetriesThenCompletes(t *testing.T) {
	f := newOrchestratorFixture(t, OrchestratorOptions{})
	summarizer := &scriptedSummarizer{
		errs: []error{
			fmt.Errorf("summarize stage: %w", context.DeadlineExceeded),
			fmt.Errorf("summarize stage: %w", context.DeadlineExceeded),
		},
		summary: "A brief summary.",
	}

	stages, err := pipeline.New(pipeline.Options{
		Extractor:   f.extractor,
		Summarizer:  summarizer,
		Synthesizer: f.synth,
	})
	require.NoError(t, err)
	orch, err := NewOrchestrator(OrchestratorOptions{
		Jobs:        f.jobs,
		Store:       f.store,
		Pipeline:    stages,
		RetryPolicy: fastRetryPolicy(t, 3),
	})
	require.NoError(t, err)

	job, err := f.jobs.Create(context.Background(), testutil.SummaryJobRequest())
	require.NoError(t, err)
	ctx := context.Background()

	// Two timed-out attempts, each a full pending -> processing -> pending
	// cycle.
	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, orch.ProcessNext(ctx))
		mid := f.jobState(t, job.ID)
		assert.Equal(t, model.JobStatusPending, mid.Status)
		assert.Equal(t, attempt, mid.AttemptCount)
		require.NotNil(t, mid.LastError)
		assert.Contains(t, *mid.LastError, context.DeadlineExceeded.Error())
	}

	// Third attempt summarizes and completes.
	require.NoError(t, orch.ProcessNext(ctx))
	final := f.jobState(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Equal(t, 3, final.AttemptCount)
	require.NotNil(t, final.ResultRef)
	assert.Nil(t, final.LastError)
	assert.Equal(t, 3, summarizer.callCount())
}
