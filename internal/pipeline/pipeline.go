// Package pipeline implements the document-to-audio conversion stages.
//
// Stages are pure functions of their inputs plus injected external-service
// clients. They hold no job state: progress goes out through the Reporter the
// caller wires in, and failures come back as typed StageErrors.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/papervoice/papervoice/internal/domain/model"
)

// Default tuning for the stage driver.
const (
	DefaultCallTimeout   = 60 * time.Second
	DefaultMaxChunkChars = 4000
)

// TextExtractor extracts readable text from raw document bytes.
type TextExtractor interface {
	Extract(ctx context.Context, document []byte) (string, error)
}

// Summarizer produces a short summary of the given text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// SynthesisRequest carries one chunk of text to the speech service.
type SynthesisRequest struct {
	Text  string
	Voice model.Voice
	Speed float64
}

// SpeechSynthesizer renders text as audio bytes.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}

// Request describes one conversion attempt. It is owned by the invocation
// that builds it and discarded after the attempt.
type Request struct {
	Document []byte
	Options  model.ProcessingOptions
	Reporter Reporter

	// AbortCheck, when set, runs at each stage boundary. A non-nil return
	// stops the run and propagates unwrapped, letting the caller abort
	// between stages without the stages knowing why.
	AbortCheck func(ctx context.Context) error
}

// Options configure a Pipeline.
type Options struct {
	Extractor   TextExtractor
	Summarizer  Summarizer
	Synthesizer SpeechSynthesizer

	// CallTimeout bounds each individual external-service call so one hung
	// call cannot consume the whole attempt budget.
	CallTimeout time.Duration

	// MaxChunkChars caps the text length sent per synthesis call.
	MaxChunkChars int
}

// Pipeline drives the fixed stage order extract -> clean -> summarize
// (conditional) -> synthesize.
type Pipeline struct {
	extractor     TextExtractor
	summarizer    Summarizer
	synthesizer   SpeechSynthesizer
	callTimeout   time.Duration
	maxChunkChars int
}

// New constructs a Pipeline. Extractor and Synthesizer are required; the
// Summarizer is only needed when requests ask for summaries.
func New(opts Options) (*Pipeline, error) {
	if opts.Extractor == nil {
		return nil, errors.New("pipeline requires a text extractor")
	}
	if opts.Synthesizer == nil {
		return nil, errors.New("pipeline requires a speech synthesizer")
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	maxChunkChars := opts.MaxChunkChars
	if maxChunkChars <= 0 {
		maxChunkChars = DefaultMaxChunkChars
	}
	return &Pipeline{
		extractor:     opts.Extractor,
		summarizer:    opts.Summarizer,
		synthesizer:   opts.Synthesizer,
		callTimeout:   callTimeout,
		maxChunkChars: maxChunkChars,
	}, nil
}

// Run executes one conversion attempt and returns the audio artifact bytes.
func (p *Pipeline) Run(ctx context.Context, req Request) ([]byte, error) {
	reporter := req.Reporter
	if reporter == nil {
		reporter = NopReporter
	}
	if len(req.Document) == 0 {
		return nil, &StageError{Stage: StageExtract, Err: ErrEmptyDocument}
	}

	if err := p.abortCheck(ctx, req); err != nil {
		return nil, err
	}
	reporter.Report(ctx, CheckpointExtracting)

	text, err := p.extract(ctx, req.Document)
	if err != nil {
		return nil, err
	}

	text = CleanText(text)
	if strings.TrimSpace(text) == "" {
		return nil, &StageError{Stage: StageExtract, Err: ErrNoExtractableText}
	}
	reporter.Report(ctx, CheckpointCleaned)

	if req.Options.IncludeSummary {
		if err := p.abortCheck(ctx, req); err != nil {
			return nil, err
		}
		summary, err := p.summarize(ctx, text)
		if err != nil {
			return nil, err
		}
		text = composeWithSummary(summary, text)
		reporter.Report(ctx, CheckpointSummarized)
	}

	if err := p.abortCheck(ctx, req); err != nil {
		return nil, err
	}
	reporter.Report(ctx, CheckpointSynthesisStart)

	return p.synthesize(ctx, text, req.Options, reporter)
}

func (p *Pipeline) abortCheck(ctx context.Context, req Request) error {
	if req.AbortCheck == nil {
		return nil
	}
	return req.AbortCheck(ctx)
}

func (p *Pipeline) extract(ctx context.Context, document []byte) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	text, err := p.extractor.Extract(callCtx, document)
	if err != nil {
		return "", &StageError{Stage: StageExtract, Err: err}
	}
	return text, nil
}

func (p *Pipeline) summarize(ctx context.Context, text string) (string, error) {
	if p.summarizer == nil {
		return "", &StageError{Stage: StageSummarize, Err: errors.New("summarizer not configured")}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	summary, err := p.summarizer.Summarize(callCtx, text)
	if err != nil {
		return "", &StageError{Stage: StageSummarize, Err: err}
	}
	return summary, nil
}

// synthesize renders the text chunk by chunk, advancing progress
// proportionally between the synthesis start and end checkpoints.
func (p *Pipeline) synthesize(
	ctx context.Context,
	text string,
	opts model.ProcessingOptions,
	reporter Reporter,
) ([]byte, error) {
	chunks := splitIntoChunks(text, p.maxChunkChars)
	if len(chunks) == 0 {
		return nil, &StageError{Stage: StageSynthesize, Err: ErrNoExtractableText}
	}

	var audio []byte
	span := CheckpointSynthesisEnd - CheckpointSynthesisStart
	for i, chunk := range chunks {
		part, err := p.synthesizeChunk(ctx, chunk, opts)
		if err != nil {
			return nil, fmt.Errorf("chunk %d of %d: %w", i+1, len(chunks), err)
		}
		audio = append(audio, part...)
		reporter.Report(ctx, CheckpointSynthesisStart+span*(i+1)/len(chunks))
	}
	return audio, nil
}

func (p *Pipeline) synthesizeChunk(ctx context.Context, chunk string, opts model.ProcessingOptions) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	part, err := p.synthesizer.Synthesize(callCtx, SynthesisRequest{
		Text:  chunk,
		Voice: opts.Voice,
		Speed: opts.ReadingSpeed,
	})
	if err != nil {
		return nil, &StageError{Stage: StageSynthesize, Err: err}
	}
	return part, nil
}

func composeWithSummary(summary, text string) string {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return text
	}
	return "Summary: " + summary + "\n\n" + text
}

// splitIntoChunks breaks text into pieces of at most maxChars runes,
// preferring sentence ends and falling back to whitespace so chunks stay
// natural for narration.
func splitIntoChunks(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= maxChars {
			chunks = append(chunks, strings.TrimSpace(string(runes)))
			break
		}

		cut := maxChars
		if at := lastBoundary(runes[:maxChars]); at > 0 {
			cut = at
		}
		chunk := strings.TrimSpace(string(runes[:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		runes = runes[cut:]
	}
	return chunks
}

// lastBoundary finds the latest sentence end in the window, or the latest
// whitespace when no sentence end exists.
func lastBoundary(window []rune) int {
	lastSpace := -1
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case '.', '!', '?':
			// Cut after the terminator.
			return i + 1
		case ' ', '\n', '\t':
			if lastSpace < 0 {
				lastSpace = i + 1
			}
		}
	}
	if lastSpace > 0 {
		return lastSpace
	}
	return 0
}
