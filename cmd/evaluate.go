package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/cv-screener/internal/logger"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a CV and a project report once and print the job",
	RunE: func(cmd *cobra.Command, _ []string) error {
		title, _ := cmd.Flags().GetString("title")
		cvPath, _ := cmd.Flags().GetString("cv")
		reportPath, _ := cmd.Flags().GetString("report")
		return evaluate(cmd.Context(), cmd, title, cvPath, reportPath)
	},
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().StringP("title", "t", "", "job title used to look up the job description")
	evaluateCmd.Flags().String("cv", "", "path to the candidate CV")
	evaluateCmd.Flags().String("report", "", "path to the project report")

	for _, name := range []string{"title", "cv", "report"} {
		if err := evaluateCmd.MarkFlagRequired(name); err != nil {
			log.Fatalf("marking %s flag as required: %v", name, err)
		}
	}
}

func evaluate(ctx context.Context, cmd *cobra.Command, title, cvPath, reportPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if strings.TrimSpace(title) == "" {
		return errors.New("title must not be blank")
	}

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer func() { _ = logger.Sync() }()

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}
	// A one-shot run has nothing to share the job with.
	if config.Storage != nil {
		config.Storage.Driver = "memory"
	}

	s, err := buildStack(ctx, config, logger, true)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	defer s.Close()

	if config.Redis.SeedOnStart {
		seedReferenceDocuments(ctx, s, logger)
	}

	cvID, err := storeFile(s, cvPath)
	if err != nil {
		return err
	}
	reportID, err := storeFile(s, reportPath)
	if err != nil {
		return err
	}

	job, handle, err := s.runner.Submit(ctx, strings.TrimSpace(title), cvID, reportID)
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}
	logger.Info("job submitted", zap.String("job_id", job.ID))

	if err := handle.Wait(ctx); err != nil {
		return fmt.Errorf("run job %s: %w", job.ID, err)
	}

	final, err := s.store.Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return err
	}

	pretty, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(pretty))

	if err := s.runner.Shutdown(ctx); err != nil {
		logger.Warn("runner shutdown", zap.Error(err))
	}
	return nil
}

func storeFile(s *stack, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	id, err := s.documents.Save(filepath.Base(path), f)
	if err != nil {
		return "", err
	}
	s.logger.Debug("document stored", zap.String("path", path), zap.String("document_id", id))
	return id, nil
}
