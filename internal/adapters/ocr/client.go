// Package ocr calls an external text-extraction service over HTTP.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/papervoice/papervoice/internal/pipeline"
)

// DefaultTextExpr selects the extracted text from the service response.
// Services that nest their payload can override it, e.g. "pages[].text".
const DefaultTextExpr = "text"

// Config holds the extraction client configuration.
type Config struct {
	BaseURL  string
	APIKey   string
	TextExpr string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

// Client implements pipeline.TextExtractor against an HTTP OCR service.
type Client struct {
	baseURL  string
	apiKey   string
	textExpr jmespath.JMESPath
	client   *http.Client
	logger   *slog.Logger
}

var _ pipeline.TextExtractor = (*Client)(nil)

// NewClient builds an extraction client. The text expression is compiled
// once at construction so a bad config fails at boot, not per job.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ocr base url is required")
	}

	expr := cfg.TextExpr
	if expr == "" {
		expr = DefaultTextExpr
	}
	compiled, err := jmespath.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile text expression %q: %w", expr, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:  baseURL,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		textExpr: compiled,
		client:   hc,
		logger:   logger.With("component", "ocr_client"),
	}, nil
}

// Extract posts the document to the extraction service and pulls the text
// out of its JSON response.
func (c *Client) Extract(ctx context.Context, document []byte) (string, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(document))
	if err != nil {
		return "", fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", mimetype.Detect(document).String())
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("extract request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read extract response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to parsing
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: %s", pipeline.ErrDocumentRejected, summarizeBody(body))
	default:
		return "", fmt.Errorf("extraction service returned %s: %s", resp.Status, summarizeBody(body))
	}

	return c.textFromResponse(body)
}

func (c *Client) textFromResponse(body []byte) (string, error) {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode extract response: %w", err)
	}

	result, err := c.textExpr.Search(payload)
	if err != nil {
		return "", fmt.Errorf("evaluate text expression: %w", err)
	}

	switch v := result.(type) {
	case string:
		return v, nil
	case []any:
		// Page-wise responses come back as a list of strings.
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("text expression matched non-string element %T", item)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, "\n"), nil
	case nil:
		return "", fmt.Errorf("%w: response carried no text", pipeline.ErrDocumentRejected)
	default:
		return "", fmt.Errorf("text expression matched unexpected type %T", result)
	}
}

func summarizeBody(body []byte) string {
	const maxLen = 512
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	if s == "" {
		return "(empty body)"
	}
	return s
}
