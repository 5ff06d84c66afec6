// Package embeddings turns agent metadata into fixed-length vectors using an
// OpenAI-compatible embeddings endpoint, with an optional result cache.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jmerrifield20/agent-registry/internal/registry/model"
	"go.uber.org/zap"
)

// DefaultModel is the embedding model requested when none is configured.
const DefaultModel = "text-embedding-3-small"

// Config configures the embeddings HTTP client.
type Config struct {
	BaseURL      string        // e.g. https://api.openai.com/v1
	APIKey       string
	Model        string
	Timeout      time.Duration // per attempt
	MaxRetries   int
	RetryBackoff time.Duration // base delay between attempts
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// Client calls the /embeddings endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates an embeddings client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

type embeddingRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Dimensions     int    `json:"dimensions"`
	EncodingFormat string `json:"encoding_format"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// retryableError marks a failure worth another attempt.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// EmbedText returns the embedding of text. The result always has exactly
// model.EmbeddingDimensions components; anything else is an ErrEmbedding.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty input", model.ErrEmbedding)
	}
	body, err := json.Marshal(embeddingRequest{
		Model:          c.cfg.Model,
		Input:          text,
		Dimensions:     model.EmbeddingDimensions,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", model.ErrEmbedding, err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", model.ErrEmbedding, ctx.Err())
			case <-time.After(delay):
			}
		}

		vec, err := c.do(ctx, body)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		var retry *retryableError
		if !errors.As(err, &retry) {
			break
		}
		c.logger.Warn("embedding request failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("%w: %v", model.ErrEmbedding, lastErr)
}

func (c *Client) do(ctx context.Context, body []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request embeddings: %w", err)
		}
		return nil, &retryableError{fmt.Errorf("request embeddings: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &retryableError{fmt.Errorf("read embeddings response: %w", err)}
	}

	var out embeddingResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		err := fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, msg)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &retryableError{err}
		}
		return nil, err
	}

	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embeddings response has no data")
	}
	vec := out.Data[0].Embedding
	if len(vec) != model.EmbeddingDimensions {
		return nil, fmt.Errorf("invalid dimensions: got %d, want %d", len(vec), model.EmbeddingDimensions)
	}
	return vec, nil
}
