package pipeline

import (
	"errors"
	"fmt"
)

// Stage names a pipeline step for failure attribution and logging.
type Stage string

// Pipeline stages in execution order.
const (
	StageExtract    Stage = "extract"
	StageSummarize  Stage = "summarize"
	StageSynthesize Stage = "synthesize"
)

// Input errors. These describe the submitted document or request itself, so
// retrying the pipeline cannot fix them. Adapters wrap these sentinels so
// classification stays independent of any particular service client.
var (
	ErrNoExtractableText = errors.New("no text could be extracted from the document")
	ErrEmptyDocument     = errors.New("document is empty")
	ErrNotPDF            = errors.New("document is not a PDF")
	ErrUnreadablePDF     = errors.New("document is not a readable PDF")
	// ErrDocumentRejected indicates an external service refused the document
	// itself (corrupt, encrypted, wrong format).
	ErrDocumentRejected = errors.New("extraction service rejected the document")
	// ErrServiceRejectedInput indicates an external service rejected the
	// request payload (a 4xx other than rate limiting).
	ErrServiceRejectedInput = errors.New("service rejected the input")
)

// InputFailure reports whether err is caused by the submission itself.
func InputFailure(err error) bool {
	for _, sentinel := range []error{
		ErrNoExtractableText,
		ErrEmptyDocument,
		ErrNotPDF,
		ErrUnreadablePDF,
		ErrDocumentRejected,
		ErrServiceRejectedInput,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// StageError attributes a failure to the pipeline stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage extracts the stage name from an error chain, or "" if the
// failure happened outside a stage.
func FailedStage(err error) Stage {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}
