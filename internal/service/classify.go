package service

import (
	"context"
	"errors"

	"github.com/papervoice/papervoice/internal/core"
	"github.com/papervoice/papervoice/internal/domain/model"
	"github.com/papervoice/papervoice/internal/pipeline"
)

// errAttemptAborted signals a cancellation observed at a stage boundary.
// It is internal to the orchestrator and never stored on the job.
var errAttemptAborted = errors.New("attempt aborted: cancellation requested")

// FailureKind is the orchestrator's verdict on a failed attempt.
type FailureKind int

const (
	// FailureTransient failures retry with backoff until the attempt cap.
	FailureTransient FailureKind = iota
	// FailureInput failures describe the submission itself and never retry.
	FailureInput
	// FailureCancelled aborts land in the cancelled terminal state.
	FailureCancelled
)

// String returns the lowercase kind name for logging and metric tags.
func (k FailureKind) String() string {
	switch k {
	case FailureInput:
		return "input"
	case FailureCancelled:
		return "cancelled"
	default:
		return "transient"
	}
}

// ClassifyFailure maps a failed attempt onto retry-or-terminal, in one
// place. Unknown failures classify as transient: a recurring fault becomes a
// visible failed job once the attempt cap runs out, never a lost one.
func ClassifyFailure(err error) FailureKind {
	switch {
	case err == nil:
		return FailureTransient
	case errors.Is(err, errAttemptAborted):
		return FailureCancelled
	case errors.Is(err, context.DeadlineExceeded):
		// Deadline exhaustion is load, not a property of the document.
		return FailureTransient
	case errors.Is(err, context.Canceled):
		return FailureTransient
	case pipeline.InputFailure(err):
		return FailureInput
	case errors.Is(err, model.ErrUnsupportedVoice) || errors.Is(err, model.ErrSpeedOutOfRange):
		return FailureInput
	case errors.Is(err, core.ErrObjectNotFound):
		// The source document is gone; no retry can bring it back.
		return FailureInput
	default:
		return FailureTransient
	}
}
