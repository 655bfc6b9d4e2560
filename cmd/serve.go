package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/cv-screener/internal/documents"
	"github.com/spigell/cv-screener/internal/logger"
	"github.com/spigell/cv-screener/internal/retrieval"
	"github.com/spigell/cv-screener/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the screening HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 0, "listen port (overrides server.port)")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer func() { _ = logger.Sync() }()

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the cv-screener", zap.String("version", version))

	s, err := buildStack(ctx, config, logger, true)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer s.Close()

	if config.Redis.SeedOnStart {
		seedReferenceDocuments(ctx, s, logger)
	}

	srv := server.New(server.Config{
		Host:            config.Server.Host,
		Port:            config.Server.Port,
		APIPrefix:       config.Server.APIPrefix,
		CORSOrigins:     config.Server.CORSOrigins,
		ShutdownTimeout: config.Server.ShutdownTimeout,
		MaxUploadBytes:  2*documents.DefaultMaxSize + 1<<20,
	}, server.Info{
		App:        config.Server.AppName,
		LLMModel:   s.backend.Model(),
		EmbedModel: s.backend.EmbeddingModel(),
		Index:      s.index.Name(),
	}, s.documents, s.store, s.runner, logger)

	serveErr := srv.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()
	if err := s.runner.Shutdown(drainCtx); err != nil {
		logger.Warn("running jobs did not finish in time", zap.Error(err))
	}

	if serveErr != nil {
		return serveErr
	}
	logger.Info("exiting", zap.String("reason", "shutdown requested"))
	return nil
}

// seedReferenceDocuments fills an empty index. A failure leaves retrieval
// empty, which fails jobs on context validation instead of stopping the service.
func seedReferenceDocuments(ctx context.Context, s *stack, logger *zap.Logger) {
	seeded, err := retrieval.SeedIfEmpty(ctx, s.index)
	if err != nil {
		logger.Warn("seeding reference documents failed", zap.String("index", s.index.Name()), zap.Error(err))
		return
	}
	if seeded {
		logger.Info("index was empty, reference documents seeded", zap.String("index", s.index.Name()))
	}
}
