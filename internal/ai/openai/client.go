// Package openai talks to OpenAI-compatible HTTP servers such as vLLM.
package openai

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
	"unicode/utf8"

	"github.com/spigell/cv-screener/internal/ai"
	"github.com/spigell/cv-screener/internal/logger"
	"github.com/spigell/cv-screener/internal/utils"

	"go.uber.org/zap"
)

const (
	// Provider names this backend in configuration and logs.
	Provider = "openai"

	defaultTemperature  = 0.1
	defaultTimeout      = 75 * time.Second
	defaultBackoff      = 500 * time.Millisecond
	defaultMaxLogLength = 200
	maxErrorBody        = 300
)

// Options configures a Client.
type Options struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float32
	Timeout        time.Duration
	MaxAttempts    int
	Backoff        time.Duration
	MaxLogLength   int
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Client implements ai.Generator and ai.Embedder over /chat/completions and /embeddings.
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	embeddingModel string
	temperature    float32
	timeout        time.Duration
	retry          ai.RetryPolicy
	maxLogLen      int
	http           *http.Client
	logger         *zap.Logger
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openai-compatible server returned %d: %s", e.Code, e.Body)
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("openai base url is required")
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("openai model is required")
	}

	c := &Client{
		baseURL:        baseURL,
		apiKey:         strings.TrimSpace(opts.APIKey),
		model:          model,
		embeddingModel: strings.TrimSpace(opts.EmbeddingModel),
		temperature:    opts.Temperature,
		timeout:        opts.Timeout,
		maxLogLen:      opts.MaxLogLength,
		http:           opts.HTTPClient,
	}
	if c.embeddingModel == "" {
		c.embeddingModel = model
	}
	if c.temperature <= 0 {
		c.temperature = defaultTemperature
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxLogLen <= 0 {
		c.maxLogLen = defaultMaxLogLength
	}
	if c.http == nil {
		c.http = &http.Client{}
	}

	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	c.retry = ai.RetryPolicy{MaxAttempts: opts.MaxAttempts, Backoff: backoff, Retryable: isRetryable}
	c.logger = logger.ForBackend(opts.Logger, Provider, model)

	return c, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model               string         `json:"model"`
	Messages            []chatMessage  `json:"messages"`
	MaxTokens           int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens int            `json:"max_completion_tokens,omitempty"`
	Temperature         float32        `json:"temperature"`
	Stream              bool           `json:"stream"`
	N                   int            `json:"n"`
	ResponseFormat      map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate posts one chat completion and returns the first choice content.
func (c *Client) Generate(ctx context.Context, req ai.Request) (string, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}

	body := chatRequest{
		Model:               c.model,
		MaxTokens:           req.MaxOutputTokens,
		MaxCompletionTokens: req.MaxOutputTokens,
		Temperature:         c.temperature,
		N:                   1,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: system})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: prompt})
	if req.JSON {
		body.ResponseFormat = map[string]any{"type": "json_object"}
	}

	c.logger.Debug("chat completion request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.Int("max_output_tokens", req.MaxOutputTokens),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, c.maxLogLen)),
	)

	output, err := c.retry.Do(ctx, func(ctx context.Context) (string, error) {
		var resp chatResponse
		if err := c.post(ctx, "/chat/completions", body, &resp); err != nil {
			c.logger.Warn("chat completion failed", zap.Error(err))
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("no choices in chat completion response")
		}
		content := strings.TrimSpace(resp.Choices[0].Message.Content)
		if content == "" {
			return "", errors.New("chat completion returned empty content")
		}
		return content, nil
	})
	if err != nil {
		return "", err
	}

	c.logger.Debug("chat completion response",
		zap.Int("response_length", utf8.RuneCountInString(output)),
		zap.String("response_preview", utils.TruncateForLog(output, c.maxLogLen)),
	)

	return output, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed requests vectors for texts. The purpose is not part of the
// OpenAI embeddings contract and is ignored.
func (c *Client) Embed(ctx context.Context, texts []string, _ ai.Purpose) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp embeddingResponse
	if err := c.post(ctx, "/embeddings", embeddingRequest{Model: c.embeddingModel, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings endpoint returned %d vectors for %d texts", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) || len(item.Embedding) == 0 {
			return nil, fmt.Errorf("embeddings endpoint returned an invalid item at index %d", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("embeddings endpoint returned no vector for input %d", i)
		}
	}

	return vectors, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: utils.TruncateForLog(string(raw), maxErrorBody)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}

	return nil
}

func (c *Client) Provider() string {
	return Provider
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) EmbeddingModel() string {
	return c.embeddingModel
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= http.StatusInternalServerError || statusErr.Code == http.StatusTooManyRequests
	}
	return false
}
