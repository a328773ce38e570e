package config

import (
	"strings"
	"time"
)

// PipelineConfig contains conversion pipeline configuration.
type PipelineConfig struct {
	// CallTimeout bounds each individual provider call (extraction,
	// summarization, one synthesis chunk).
	CallTimeout time.Duration `env:"PIPELINE_CALL_TIMEOUT" envDefault:"60s"`

	// MaxChunkChars is the maximum text chunk size handed to speech
	// synthesis in one call.
	MaxChunkChars int `env:"PIPELINE_MAX_CHUNK_CHARS" envDefault:"4000"`
}

// Sanitize applies guardrails to pipeline configuration values.
func (p *PipelineConfig) Sanitize() {
	if p.CallTimeout < 1*time.Second {
		p.CallTimeout = 1 * time.Second
	}
	if p.MaxChunkChars < 100 {
		p.MaxChunkChars = 100
	}
}

// OpenAIConfig contains OpenAI provider configuration for summarization
// and speech synthesis.
type OpenAIConfig struct {
	// APIKey authenticates against the OpenAI API. Required when the
	// worker service is enabled.
	APIKey string `env:"OPENAI_API_KEY"`

	// ChatModel is the model used for document summarization.
	ChatModel string `env:"OPENAI_CHAT_MODEL" envDefault:"gpt-4o-mini"`

	// SpeechModel is the model used for text-to-speech synthesis.
	SpeechModel string `env:"OPENAI_SPEECH_MODEL" envDefault:"tts-1"`
}

// OCRConfig contains text extraction service configuration.
type OCRConfig struct {
	// BaseURL is the OCR service endpoint. Required when the worker
	// service is enabled.
	BaseURL string `env:"OCR_BASE_URL"`

	// APIKey authenticates against the OCR service, sent as a bearer token.
	APIKey string `env:"OCR_API_KEY"`

	// TextExpr is the JMESPath expression that selects extracted text
	// from the OCR response body.
	TextExpr string `env:"OCR_TEXT_EXPR" envDefault:"text"`

	// Timeout bounds each extraction HTTP request.
	Timeout time.Duration `env:"OCR_TIMEOUT" envDefault:"60s"`
}

// Sanitize applies guardrails to OCR configuration values.
func (o *OCRConfig) Sanitize() {
	o.BaseURL = strings.TrimRight(strings.TrimSpace(o.BaseURL), "/")
	if o.TextExpr = strings.TrimSpace(o.TextExpr); o.TextExpr == "" {
		o.TextExpr = "text"
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
}

// StorageConfig contains object store configuration.
type StorageConfig struct {
	// Root is the directory holding submitted documents and result audio.
	Root string `env:"STORAGE_ROOT" envDefault:"./data/objects"`
}

// Sanitize applies guardrails to storage configuration values.
func (s *StorageConfig) Sanitize() {
	if s.Root = strings.TrimSpace(s.Root); s.Root == "" {
		s.Root = "./data/objects"
	}
}
