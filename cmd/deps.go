package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spigell/cv-screener/internal/ai"
	"github.com/spigell/cv-screener/internal/ai/gemini"
	"github.com/spigell/cv-screener/internal/ai/openai"
	"github.com/spigell/cv-screener/internal/documents"
	"github.com/spigell/cv-screener/internal/jobs"
	"github.com/spigell/cv-screener/internal/logger"
	"github.com/spigell/cv-screener/internal/pipeline"
	"github.com/spigell/cv-screener/internal/retrieval"
	"github.com/spigell/cv-screener/internal/secrets"
	"github.com/spigell/cv-screener/internal/stages"
)

// backend is what a generation provider offers: text generation and embeddings.
type backend interface {
	ai.Generator
	ai.Embedder
}

// stack holds the wired components shared by the commands.
type stack struct {
	config    *Config
	logger    *zap.Logger
	backend   backend
	redis     *redis.Client
	index     *retrieval.Index
	store     jobs.Store
	documents *documents.FileStore
	runner    *pipeline.Runner

	closers []func()
}

func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildBackend(ctx context.Context, config *AIConfig, log *zap.Logger, embeddingDim int) (backend, error) {
	if config == nil {
		return nil, errors.New("ai configuration is required")
	}

	switch strings.ToLower(strings.TrimSpace(config.Provider)) {
	case "", gemini.Provider:
		if config.Gemini == nil {
			return nil, errors.New("ai.gemini configuration is required")
		}
		apiKey, err := secrets.Load(secrets.Source{
			Name:  "gemini api key",
			Value: config.Gemini.APIKey,
			File:  config.Gemini.APIKeyFile,
			Env:   "GOOGLE_API_KEY",
		})
		if err != nil {
			return nil, err
		}
		g, err := gemini.NewGenerator(ctx, gemini.Options{
			APIKey:         apiKey,
			Model:          config.Gemini.Model,
			EmbeddingModel: config.Gemini.EmbeddingModel,
			EmbeddingDim:   embeddingDim,
			Temperature:    config.Temperature,
			Timeout:        config.Timeout,
			MaxAttempts:    config.MaxAttempts,
			MaxLogLength:   config.MaxLogLength,
			Logger:         log,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	case openai.Provider:
		if config.OpenAI == nil {
			return nil, errors.New("ai.openai configuration is required")
		}
		apiKey, err := secrets.Optional(secrets.Source{
			Name:  "openai api key",
			Value: config.OpenAI.APIKey,
			File:  config.OpenAI.APIKeyFile,
			Env:   "OPENAI_API_KEY",
		})
		if err != nil {
			return nil, err
		}
		c, err := openai.New(openai.Options{
			BaseURL:        config.OpenAI.BaseURL,
			APIKey:         apiKey,
			Model:          config.OpenAI.Model,
			EmbeddingModel: config.OpenAI.EmbeddingModel,
			Temperature:    config.Temperature,
			Timeout:        config.Timeout,
			MaxAttempts:    config.MaxAttempts,
			MaxLogLength:   config.MaxLogLength,
			Logger:         log,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", config.Provider)
	}
}

func connectRedis(ctx context.Context, config *RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	// FT.* replies are decoded from RESP2.
	opts.Protocol = 2

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func buildStore(ctx context.Context, config *StorageConfig, log *zap.Logger) (jobs.Store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(config.Driver)) {
	case "", "memory":
		log.Info("using in-memory job store")
		return jobs.NewMemoryStore(), func() {}, nil
	case "postgres":
		databaseURL, err := secrets.Load(secrets.Source{
			Name:  "database url",
			Value: config.DatabaseURL,
			Env:   "DATABASE_URL",
		})
		if err != nil {
			return nil, nil, err
		}
		pool, err := jobs.Connect(ctx, databaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := jobs.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("using postgres job store")
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", config.Driver)
	}
}

// buildStack wires every component from config. withStore=false skips the
// job store and pipeline for commands that only touch the index.
func buildStack(ctx context.Context, config *Config, log *zap.Logger, withStore bool) (*stack, error) {
	for name, section := range map[string]bool{
		"server":   config.Server == nil,
		"ai":       config.AI == nil,
		"budget":   config.Budget == nil,
		"redis":    config.Redis == nil,
		"storage":  config.Storage == nil,
		"pipeline": config.Pipeline == nil,
	} {
		if section {
			return nil, fmt.Errorf("%s configuration is required", name)
		}
	}

	s := &stack{config: config, logger: log}

	b, err := buildBackend(ctx, config.AI, log, config.Redis.Dim)
	if err != nil {
		return nil, fmt.Errorf("build ai backend: %w", err)
	}
	s.backend = b
	log.Info("ai backend ready", logger.StringFields(
		logger.StringField{Key: logger.FieldProvider, Value: b.Provider()},
		logger.StringField{Key: logger.FieldModel, Value: b.Model()},
		logger.StringField{Key: "embedding_model", Value: b.EmbeddingModel()},
	)...)

	s.redis, err = connectRedis(ctx, config.Redis)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() { _ = s.redis.Close() })

	s.index = retrieval.NewIndex(s.redis, b, retrieval.IndexOptions{
		Name:   config.Redis.Index,
		Prefix: config.Redis.Prefix,
		Dim:    config.Redis.Dim,
	}, log)

	if !withStore {
		return s, nil
	}

	s.documents, err = documents.NewFileStore(config.Storage.UploadDir, documents.DefaultMaxSize, log)
	if err != nil {
		s.Close()
		return nil, err
	}

	store, closeStore, err := buildStore(ctx, config.Storage, log)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("build job store: %w", err)
	}
	s.closers = append(s.closers, closeStore)
	s.store = store

	s.runner = s.newRunner(store)
	return s, nil
}

// newRunner wires the orchestrator over store.
func (s *stack) newRunner(store jobs.Store) *pipeline.Runner {
	executor := stages.NewExecutor(s.backend, stages.Options{
		Budget: ai.Budget{
			ContextWindow: s.config.Budget.ContextWindow,
			SafetyBuffer:  s.config.Budget.SafetyBuffer,
			HardCap:       s.config.Budget.HardCap,
			Floor:         s.config.Budget.Floor,
		},
		Limits: stages.Limits{
			DocumentChars: s.config.Budget.DocumentChars,
			TemplateChars: s.config.Budget.TemplateChars,
			ContextChars:  s.config.Budget.ContextChars,
		},
		MaxLogLength: s.config.AI.MaxLogLength,
		Logger:       s.logger,
	})

	orchestrator := pipeline.NewOrchestrator(store, s.documents, retrieval.NewRetriever(s.index, s.logger), executor, pipeline.Options{
		MinChars: s.config.Pipeline.MinChars,
		Logger:   s.logger,
	})

	return pipeline.NewRunner(store, orchestrator, pipeline.RunnerOptions{
		JobTimeout:    s.config.Pipeline.JobTimeout,
		MaxConcurrent: s.config.Pipeline.MaxConcurrentJobs,
		Logger:        s.logger,
	})
}
