// Package model defines the core data types and structures used throughout the papervoice job system.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current status of a conversion job.
type JobStatus string

// Voice identifies one of the supported narration voices.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type Voice string

const (
	// JobStatusPending indicates a job is waiting to be claimed by a worker.
	JobStatusPending JobStatus = "pending"
	// JobStatusProcessing indicates a worker holds the job and is running the pipeline.
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the audio artifact was produced successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job terminated with an error.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was aborted on user request before completion.
	JobStatusCancelled JobStatus = "cancelled"

	// VoiceDefault is the neutral narration voice.
	VoiceDefault Voice = "default"
	// VoiceFemale selects a female narration voice.
	VoiceFemale Voice = "female"
	// VoiceMale selects a male narration voice.
	VoiceMale Voice = "male"
	// VoiceChild selects a child narration voice.
	VoiceChild Voice = "child"
)

// Reading speed bounds accepted for a conversion job.
const (
	MinReadingSpeed = 0.5
	MaxReadingSpeed = 2.0
)

// ErrNoJobsAvailable is returned when no pending jobs are available for reservation.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Input validation errors. These are user errors and never retried.
var (
	ErrUnsupportedVoice   = errors.New("unsupported voice")
	ErrSpeedOutOfRange    = errors.New("reading speed out of range")
	ErrDocumentRefMissing = errors.New("document reference is required")
)

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further mutation.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransitionTo reports whether the status transition is part of the job state machine.
// Progress-only updates are modelled as processing -> processing.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusProcessing ||
			next == JobStatusCompleted ||
			next == JobStatusFailed ||
			next == JobStatusCancelled ||
			next == JobStatusPending // retry requeue
	default:
		return false
	}
}

// Valid returns true if the Voice is one of the supported narration voices.
func (v Voice) Valid() bool {
	return v == VoiceDefault || v == VoiceFemale || v == VoiceMale || v == VoiceChild
}

// UnmarshalText implements encoding.TextUnmarshaler for Voice to allow env parsing.
func (v *Voice) UnmarshalText(text []byte) error {
	parsed := Voice(strings.ToLower(strings.TrimSpace(string(text))))
	if !parsed.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedVoice, string(text))
	}
	*v = parsed
	return nil
}

// ProcessingOptions describe how a document should be narrated.
type ProcessingOptions struct {
	Voice          Voice   `json:"voice"           db:"voice"`
	ReadingSpeed   float64 `json:"reading_speed"   db:"reading_speed"`
	IncludeSummary bool    `json:"include_summary" db:"include_summary"`
}

// Validate checks the options against the supported voice set and speed range.
func (o ProcessingOptions) Validate() error {
	if !o.Voice.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedVoice, o.Voice)
	}
	if o.ReadingSpeed < MinReadingSpeed || o.ReadingSpeed > MaxReadingSpeed {
		return fmt.Errorf("%w: %.2f (want %.1f-%.1f)",
			ErrSpeedOutOfRange, o.ReadingSpeed, MinReadingSpeed, MaxReadingSpeed)
	}
	return nil
}

// Job represents a document-to-audio conversion job with all its metadata and status information.
type Job struct {
	ID              string            `json:"id"                         db:"id"`
	OwnerID         string            `json:"owner_id"                   db:"owner_id"`
	Status          JobStatus         `json:"status"                     db:"status"`
	Progress        int               `json:"progress"                   db:"progress"`
	Options         ProcessingOptions `json:"options"`
	DocumentRef     string            `json:"document_ref"               db:"document_ref"`
	ResultRef       *string           `json:"result_ref,omitempty"       db:"result_ref"`
	LastError       *string           `json:"last_error,omitempty"       db:"last_error"`
	AttemptCount    int               `json:"attempt_count"              db:"attempt_count"`
	MaxAttempts     int               `json:"max_attempts"               db:"max_attempts"`
	CancelRequested bool              `json:"cancel_requested"           db:"cancel_requested"`
	ScheduledAt     time.Time         `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"     db:"completed_at"`
	LeaseExpiresAt  *time.Time        `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt       time.Time         `json:"created_at"                 db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"                 db:"updated_at"`
}

// AttemptsRemaining reports whether the job may be requeued after a transient failure.
func (j *Job) AttemptsRemaining() bool {
	return j.AttemptCount < j.MaxAttempts
}

// CreateJobRequest represents a request to create a new conversion job.
type CreateJobRequest struct {
	OwnerID     string            `json:"owner_id"`
	DocumentRef string            `json:"document_ref"`
	Options     ProcessingOptions `json:"options"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if _, err := uuid.Parse(r.OwnerID); err != nil {
		return errors.New("owner id must be a valid UUID")
	}
	if strings.TrimSpace(r.DocumentRef) == "" {
		return ErrDocumentRefMissing
	}
	if r.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 0")
	}
	return r.Options.Validate()
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// JobStatusResponse is the read-only status shape exposed for polling.
type JobStatusResponse struct {
	Status    JobStatus `json:"status"`
	Progress  int       `json:"progress"`
	ResultRef *string   `json:"result_ref,omitempty"`
	Error     *string   `json:"error,omitempty"`
}

// StatusOf projects a Job onto the polling response shape.
func StatusOf(job *Job) *JobStatusResponse {
	return &JobStatusResponse{
		Status:    job.Status,
		Progress:  job.Progress,
		ResultRef: job.ResultRef,
		Error:     job.LastError,
	}
}
