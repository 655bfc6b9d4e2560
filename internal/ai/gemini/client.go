package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spigell/cv-screener/internal/ai"
	"github.com/spigell/cv-screener/internal/logger"
	"github.com/spigell/cv-screener/internal/utils"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	// Provider names this backend in configuration and logs.
	Provider = "gemini"

	defaultModel          = "gemini-2.5-flash"
	defaultEmbeddingModel = "gemini-embedding-001"
	defaultTemperature    = 0.1
	defaultTimeout        = 75 * time.Second
	defaultBackoff        = 500 * time.Millisecond
	defaultMaxLogLength   = 200
)

// modelsAPI is the part of genai.Models used here.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// Options configures a Generator. Zero values fall back to defaults.
type Options struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	// EmbeddingDim requests reduced output dimensionality when positive.
	EmbeddingDim int
	Temperature  float32
	// Timeout bounds every single attempt.
	Timeout      time.Duration
	MaxAttempts  int
	Backoff      time.Duration
	MaxLogLength int
	Logger       *zap.Logger
}

// Generator talks to the Gemini API for both text generation and embeddings.
type Generator struct {
	models         modelsAPI
	model          string
	embeddingModel string
	embeddingDim   int
	temperature    float32
	timeout        time.Duration
	retry          ai.RetryPolicy
	maxLogLen      int
	logger         *zap.Logger
}

// NewGenerator creates a Generator configured for the Gemini API backend.
func NewGenerator(ctx context.Context, opts Options) (*Generator, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newGenerator(client.Models, opts), nil
}

func newGenerator(models modelsAPI, opts Options) *Generator {
	g := &Generator{
		models:         models,
		model:          strings.TrimSpace(opts.Model),
		embeddingModel: strings.TrimSpace(opts.EmbeddingModel),
		embeddingDim:   opts.EmbeddingDim,
		temperature:    opts.Temperature,
		timeout:        opts.Timeout,
		maxLogLen:      opts.MaxLogLength,
	}

	if g.model == "" {
		g.model = defaultModel
	}
	if g.embeddingModel == "" {
		g.embeddingModel = defaultEmbeddingModel
	}
	if g.temperature <= 0 {
		g.temperature = defaultTemperature
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	if g.maxLogLen <= 0 {
		g.maxLogLen = defaultMaxLogLength
	}

	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	g.retry = ai.RetryPolicy{
		MaxAttempts: opts.MaxAttempts,
		Backoff:     backoff,
		Retryable:   isRetryable,
	}
	g.logger = logger.ForBackend(opts.Logger, Provider, g.model)

	return g
}

// Generate sends one request and returns the joined text of all candidate parts.
func (g *Generator) Generate(ctx context.Context, req ai.Request) (string, error) {
	if g == nil || g.models == nil {
		return "", errors.New("gemini generator is not initialized")
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("prompt must not be empty")
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(g.temperature),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	g.logger.Debug("gemini generate content request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.Int("max_output_tokens", req.MaxOutputTokens),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, g.maxLogLen)),
	)

	attempt := 0
	output, err := g.retry.Do(ctx, func(ctx context.Context) (string, error) {
		attempt++
		out, err := g.generateOnce(ctx, prompt, cfg)
		if err != nil {
			g.logger.Warn("gemini generate content failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return out, err
	})
	if err != nil {
		return "", err
	}

	g.logger.Debug("gemini generate content response",
		zap.Int("response_length", utf8.RuneCountInString(output)),
		zap.String("response_preview", utils.TruncateForLog(output, g.maxLogLen)),
	)

	return output, nil
}

func (g *Generator) generateOnce(ctx context.Context, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	output := joinCandidates(resp)
	if output == "" {
		return "", errors.New("gemini api returned empty response")
	}

	return output, nil
}

func joinCandidates(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	return strings.TrimSpace(builder.String())
}

// Embed returns one vector per text.
func (g *Generator) Embed(ctx context.Context, texts []string, purpose ai.Purpose) ([][]float32, error) {
	if g == nil || g.models == nil {
		return nil, errors.New("gemini generator is not initialized")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, &genai.Content{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: text}},
		})
	}

	cfg := &genai.EmbedContentConfig{TaskType: "RETRIEVAL_QUERY"}
	if purpose == ai.PurposeDocument {
		cfg.TaskType = "RETRIEVAL_DOCUMENT"
	}
	if g.embeddingDim > 0 {
		cfg.OutputDimensionality = genai.Ptr(int32(g.embeddingDim))
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := g.models.EmbedContent(ctx, g.embeddingModel, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini api returned %d embeddings for %d texts", embeddingCount(resp), len(texts))
	}

	vectors := make([][]float32, 0, len(resp.Embeddings))
	for i, embedding := range resp.Embeddings {
		if embedding == nil || len(embedding.Values) == 0 {
			return nil, fmt.Errorf("gemini api returned empty embedding at index %d", i)
		}
		vectors = append(vectors, embedding.Values)
	}

	return vectors, nil
}

func embeddingCount(resp *genai.EmbedContentResponse) int {
	if resp == nil {
		return 0
	}
	return len(resp.Embeddings)
}

func (g *Generator) Provider() string {
	return Provider
}

func (g *Generator) Model() string {
	if g == nil {
		return ""
	}
	return g.model
}

func (g *Generator) EmbeddingModel() string {
	if g == nil {
		return ""
	}
	return g.embeddingModel
}

// isRetryable accepts server side failures and per-attempt timeouts. Quota
// exhaustion is never retried since the advertised delay outlives a job.
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	switch {
	case apiErr.Code >= http.StatusInternalServerError:
		return true
	case apiErr.Code == http.StatusTooManyRequests:
		quota := strings.EqualFold(apiErr.Status, "RESOURCE_EXHAUSTED") ||
			strings.Contains(strings.ToLower(apiErr.Message), "quota")
		return !quota
	default:
		return false
	}
}
