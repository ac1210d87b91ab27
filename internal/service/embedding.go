package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/timmy/webindex/internal/apperr"
	"github.com/timmy/webindex/internal/logger"
)

const (
	defaultEmbeddingEndpoint = "https://api.jina.ai/v1/embeddings"

	taskPassage = "retrieval.passage"
	taskQuery   = "retrieval.query"
)

// Embedder turns text into vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

// EmbeddingConfig holds configuration for the embedding client.
type EmbeddingConfig struct {
	Endpoint          string
	Model             string
	APIKey            string
	Dimensions        int
	BatchSize         int
	Timeout           time.Duration // per HTTP call
	MaxAttempts       int
	RetryBase         time.Duration // doubled after each failed attempt
	RequestsPerSecond float64       // 0 disables rate limiting
}

// EmbeddingClient calls a Jina-compatible embeddings endpoint.
type EmbeddingClient struct {
	client      *resty.Client
	endpoint    string
	model       string
	dimensions  int
	batchSize   int
	timeout     time.Duration
	maxAttempts int
	retryBase   time.Duration
	limiter     *rate.Limiter
}

// NewEmbeddingClient creates an embedding client. Zero config values fall
// back to batch 32, 30s timeout, 3 attempts and a 500ms backoff base.
func NewEmbeddingClient(cfg *EmbeddingConfig) *EmbeddingClient {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")

	c := &EmbeddingClient{
		client:      client,
		endpoint:    cfg.Endpoint,
		model:       cfg.Model,
		dimensions:  cfg.Dimensions,
		batchSize:   cfg.BatchSize,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
	}
	if c.endpoint == "" {
		c.endpoint = defaultEmbeddingEndpoint
	}
	if c.batchSize <= 0 {
		c.batchSize = 32
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.retryBase <= 0 {
		c.retryBase = 500 * time.Millisecond
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// ModelName returns the embedding model in use.
func (c *EmbeddingClient) ModelName() string {
	return c.model
}

type embeddingRequest struct {
	Model         string   `json:"model"`
	Task          string   `json:"task,omitempty"`
	Dimensions    int      `json:"dimensions,omitempty"`
	Input         []string `json:"input"`
	EmbeddingType string   `json:"embedding_type,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type embeddingErrorResponse struct {
	Detail string `json:"detail"`
}

// EmbedBatch embeds texts in order, splitting them into provider batches.
// Each batch is retried independently; the call fails with
// EmbeddingUnavailable once a batch runs out of attempts.
func (c *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := c.embedWithRetry(ctx, taskPassage, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// EmbedQuery embeds a single search query.
func (c *EmbeddingClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.embedWithRetry(ctx, taskQuery, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *EmbeddingClient) embedWithRetry(ctx context.Context, task string, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.retryBase << (attempt - 2)
			select {
			case <-ctx.Done():
				return nil, apperr.Classify(ctx.Err())
			case <-time.After(wait):
			}
		}

		vectors, err := c.call(ctx, task, batch)
		if err == nil {
			return vectors, nil
		}
		if ctx.Err() != nil {
			return nil, apperr.Classify(ctx.Err())
		}
		if apperr.KindOf(err) == apperr.KindPermanentInput {
			return nil, err
		}
		lastErr = err
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldAttempt: attempt,
			logger.FieldCount:   len(batch),
		}).WithError(err).Warn("Embedding call failed")
	}
	return nil, apperr.EmbeddingUnavailable("embedding.EmbedBatch",
		fmt.Errorf("%d attempts: %w", c.maxAttempts, lastErr))
}

// call performs one HTTP request. Transport errors, 429 and 5xx are
// transient; other non-200 statuses are permanent.
func (c *EmbeddingClient) call(ctx context.Context, task string, batch []string) ([][]float32, error) {
	const op = "embedding.call"

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, apperr.Classify(err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		resp    embeddingResponse
		errResp embeddingErrorResponse
	)
	httpResp, err := c.client.R().
		SetContext(callCtx).
		SetBody(embeddingRequest{
			Model:         c.model,
			Task:          task,
			Dimensions:    c.dimensions,
			Input:         batch,
			EmbeddingType: "float",
		}).
		SetResult(&resp).
		SetError(&errResp).
		Post(c.endpoint)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.E(apperr.KindTimeout, op, err)
		}
		return nil, apperr.Transient(op, err)
	}

	status := httpResp.StatusCode()
	if status != http.StatusOK {
		detail := errResp.Detail
		if detail == "" {
			detail = http.StatusText(status)
		}
		err := fmt.Errorf("status %d: %s", status, detail)
		if status == http.StatusTooManyRequests || status >= 500 {
			return nil, apperr.Transient(op, err)
		}
		return nil, apperr.Permanent(op, err)
	}

	if len(resp.Data) != len(batch) {
		return nil, apperr.Transient(op, fmt.Errorf("got %d embeddings for %d inputs", len(resp.Data), len(batch)))
	}
	vectors := make([][]float32, len(batch))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vectors) || vectors[item.Index] != nil {
			return nil, apperr.Transient(op, fmt.Errorf("bad embedding index %d", item.Index))
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}
