package testutil

import (
	"time"

	"github.com/papervoice/papervoice/internal/domain/model"
)

// JobRequestBuilder provides a fluent interface for building CreateJobRequest objects for testing.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest creates a new JobRequestBuilder with sensible defaults.
func NewJobRequest() *JobRequestBuilder {
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			OwnerID:     "00000000-0000-0000-0000-000000000001",
			DocumentRef: "documents/test.pdf",
			Options: model.ProcessingOptions{
				Voice:        model.VoiceDefault,
				ReadingSpeed: 1.0,
			},
			MaxAttempts: 3,
		},
	}
}

// WithOwnerID sets the owner ID.
func (b *JobRequestBuilder) WithOwnerID(ownerID string) *JobRequestBuilder {
	b.req.OwnerID = ownerID
	return b
}

// WithDocumentRef sets the document reference.
func (b *JobRequestBuilder) WithDocumentRef(ref string) *JobRequestBuilder {
	b.req.DocumentRef = ref
	return b
}

// WithVoice sets the narration voice.
func (b *JobRequestBuilder) WithVoice(voice model.Voice) *JobRequestBuilder {
	b.req.Options.Voice = voice
	return b
}

// WithReadingSpeed sets the reading speed.
func (b *JobRequestBuilder) WithReadingSpeed(speed float64) *JobRequestBuilder {
	b.req.Options.ReadingSpeed = speed
	return b
}

// WithSummary toggles summary generation.
func (b *JobRequestBuilder) WithSummary(include bool) *JobRequestBuilder {
	b.req.Options.IncludeSummary = include
	return b
}

// WithMaxAttempts sets the maximum number of processing attempts.
func (b *JobRequestBuilder) WithMaxAttempts(maxAttempts int) *JobRequestBuilder {
	b.req.MaxAttempts = maxAttempts
	return b
}

// WithScheduledAt sets the scheduled time.
func (b *JobRequestBuilder) WithScheduledAt(scheduledAt time.Time) *JobRequestBuilder {
	b.req.ScheduledAt = &scheduledAt
	return b
}

// Build returns the constructed CreateJobRequest.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// Common test job request presets

// DefaultJobRequest creates a conversion job request with default options.
func DefaultJobRequest() *model.CreateJobRequest {
	return NewJobRequest().Build()
}

// SummaryJobRequest creates a job request with summary generation enabled.
func SummaryJobRequest() *model.CreateJobRequest {
	return NewJobRequest().WithSummary(true).Build()
}

// ScheduledJobRequest creates a job request scheduled for the future.
func ScheduledJobRequest(scheduledAt time.Time) *model.CreateJobRequest {
	return NewJobRequest().WithScheduledAt(scheduledAt).Build()
}

// RetryableJobRequest creates a job request with custom retry settings.
func RetryableJobRequest(maxAttempts int) *model.CreateJobRequest {
	return NewJobRequest().WithMaxAttempts(maxAttempts).Build()
}
