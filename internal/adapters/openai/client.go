// Package openai adapts the OpenAI API to the pipeline's summarizer and
// speech synthesizer contracts.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/papervoice/papervoice/internal/domain/model"
	"github.com/papervoice/papervoice/internal/pipeline"
)

// Defaults used when the config leaves model selection empty.
const (
	DefaultChatModel   = "gpt-4o-mini"
	DefaultSpeechModel = "tts-1"

	// summaryPrompt keeps summaries short enough to narrate before the
	// document itself.
	summaryPrompt = "Summarize the following document in at most three paragraphs, " +
		"written to be read aloud. Respond with the summary only.\n\n"

	// maxSummaryInputChars bounds the prompt so oversized documents do not
	// blow the model's context window.
	maxSummaryInputChars = 48_000
)

// ErrAPIKeyRequired indicates the client cannot be constructed without a key.
var ErrAPIKeyRequired = errors.New("openai api key is required")

// voiceNames maps narration voices onto OpenAI TTS voices.
var voiceNames = map[model.Voice]openai.AudioSpeechNewParamsVoice{
	model.VoiceDefault: openai.AudioSpeechNewParamsVoiceAlloy,
	model.VoiceFemale:  openai.AudioSpeechNewParamsVoice("nova"),
	model.VoiceMale:    openai.AudioSpeechNewParamsVoice("onyx"),
	model.VoiceChild:   openai.AudioSpeechNewParamsVoiceShimmer,
}

// Config holds the OpenAI adapter configuration.
type Config struct {
	APIKey      string
	ChatModel   string
	SpeechModel string
	Logger      *slog.Logger
}

// Client implements pipeline.Summarizer and pipeline.SpeechSynthesizer on
// the OpenAI API.
type Client struct {
	client      openai.Client
	chatModel   string
	speechModel string
	logger      *slog.Logger
}

var (
	_ pipeline.Summarizer        = (*Client)(nil)
	_ pipeline.SpeechSynthesizer = (*Client)(nil)
)

// NewClient constructs an OpenAI-backed summarizer and synthesizer.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrAPIKeyRequired
	}

	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = DefaultChatModel
	}
	speechModel := cfg.SpeechModel
	if speechModel == "" {
		speechModel = DefaultSpeechModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		client:      openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		chatModel:   chatModel,
		speechModel: speechModel,
		logger:      logger.With("component", "openai_client"),
	}, nil
}

// Summarize produces a narration-ready summary of the given text.
func (c *Client) Summarize(ctx context.Context, text string) (string, error) {
	input := text
	if len(input) > maxSummaryInputChars {
		input = input[:maxSummaryInputChars]
	}

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.chatModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(summaryPrompt + input),
		},
		Temperature: openai.Float(0.3),
	})
	if err != nil {
		return "", wrapAPIError("chat completion", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("no completion choices returned")
	}

	c.logger.DebugContext(ctx, "summary generated",
		"model", c.chatModel,
		"tokens_used", completion.Usage.TotalTokens,
	)
	return completion.Choices[0].Message.Content, nil
}

// Synthesize renders one text chunk as MP3 audio bytes.
func (c *Client) Synthesize(ctx context.Context, req pipeline.SynthesisRequest) ([]byte, error) {
	voice, ok := voiceNames[req.Voice]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnsupportedVoice, req.Voice)
	}

	resp, err := c.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(c.speechModel),
		Input:          req.Text,
		Voice:          voice,
		Speed:          openai.Float(req.Speed),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, wrapAPIError("speech synthesis", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("speech synthesis returned no audio")
	}
	return audio, nil
}

// wrapAPIError tags permanent request rejections with the input sentinel so
// the orchestrator does not burn retries on them. Rate limits and server
// errors stay as-is and classify as transient.
func wrapAPIError(op string, err error) error {
	if IsBadRequest(err) {
		return fmt.Errorf("%s: %w: %v", op, pipeline.ErrServiceRejectedInput, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRateLimited reports whether err is an OpenAI rate-limit rejection.
func IsRateLimited(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

// IsServerError reports whether err is an OpenAI-side (5xx) failure.
func IsServerError(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 500
}

// IsBadRequest reports whether err is an OpenAI rejection of the request
// itself (4xx other than rate limiting), which retrying cannot fix.
func IsBadRequest(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) &&
		apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429
}
