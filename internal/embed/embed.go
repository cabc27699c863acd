// Package embed turns item text into unit-length vectors for the similarity
// classifier. Two Embedders are provided: Client, which calls an
// OpenAI-compatible /v1/embeddings endpoint, and Hasher, a local
// feature-hashing embedder used when no endpoint is configured.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Embedder produces an embedding vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the vector length, or 0 when not yet known.
	Dimensions() int
}

// ErrEmptyText is returned for blank input.
var ErrEmptyText = errors.New("embed: empty text")

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultRetryWait  = 500 * time.Millisecond
	maxErrorBody      = 512
)

// Config configures an HTTP embedding client.
type Config struct {
	Endpoint   string // full URL, e.g. http://localhost:11434/v1/embeddings
	Model      string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// RetryWait is the initial backoff interval between attempts.
	RetryWait time.Duration
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// HTTPError is a non-2xx response from the embedding service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("embed: service returned %d: %s", e.StatusCode, e.Body)
}

// retryable reports whether the status is worth another attempt.
func (e *HTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client calls an OpenAI-compatible embeddings endpoint.
type Client struct {
	cfg  Config
	http *http.Client
	dims atomic.Int64
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("embed: endpoint is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("embed: model is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, errors.New("embed: max retries cannot be negative")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Dimensions returns the length of the last vector received.
func (c *Client) Dimensions() int {
	return int(c.dims.Load())
}

// Embed returns the unit-length embedding of text. Transient failures
// (transport errors, 429 and 5xx) are retried with exponential backoff.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryWait
	bo.MaxInterval = 8 * c.cfg.RetryWait

	vec, err := backoff.Retry(ctx, func() ([]float32, error) {
		return c.attempt(ctx, text)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)+1),
	)
	if err != nil {
		return nil, err
	}

	unit := Normalize(vec)
	if unit == nil {
		return nil, errors.New("embed: service returned a zero vector")
	}
	c.dims.Store(int64(len(unit)))
	return unit, nil
}

func (c *Client) attempt(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: []string{text}})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("embed: marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("embed: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req) //nolint:gosec // endpoint is from trusted config
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("embed: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		herr := &HTTPError{StatusCode: resp.StatusCode, Body: string(msg)}
		if !herr.retryable() {
			return nil, backoff.Permanent(herr)
		}
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			return nil, errors.Join(herr, backoff.RetryAfter(secs))
		}
		return nil, herr
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("embed: decode response: %w", err))
	}
	if len(out.Data) != 1 || len(out.Data[0].Embedding) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("embed: expected 1 embedding, got %d", len(out.Data)))
	}
	return out.Data[0].Embedding, nil
}
