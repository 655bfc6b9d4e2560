package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/cv-screener/internal/logger"
	"github.com/spigell/cv-screener/internal/retrieval"
)

const (
	PromptYes = "Yes"
	PromptNo  = "No"

	recreateUsage = "drop and rebuild the index definition before loading; stored document hashes are kept and seed documents are overwritten"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Create the reference index and load the reference documents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		recreate, _ := cmd.Flags().GetBool("recreate")
		yes, _ := cmd.Flags().GetBool("yes")
		return ingest(cmd.Context(), recreate, yes)
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().Bool("recreate", false, recreateUsage)
	ingestCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation when recreating")
}

func recreateLabel(index string) string {
	return fmt.Sprintf("Drop and rebuild index %q? Stored documents are kept and re-indexed", index)
}

func ingest(ctx context.Context, recreate, yes bool) error {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer func() { _ = logger.Sync() }()

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	s, err := buildStack(ctx, config, logger, false)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	defer s.Close()

	if recreate && !yes {
		confirm := promptui.Select{
			Label: recreateLabel(s.index.Name()),
			Items: []string{PromptNo, PromptYes},
		}
		_, answer, err := confirm.Run()
		if err != nil {
			return fmt.Errorf("confirmation: %w", err)
		}
		if answer != PromptYes {
			logger.Info("exiting", zap.String("reason", "got no from prompt"))
			return nil
		}
	}

	created, err := s.index.Ensure(ctx, recreate)
	if err != nil {
		return err
	}
	logger.Info("index ready", zap.String("index", s.index.Name()), zap.Bool("created", created))

	if err := retrieval.Seed(ctx, s.index); err != nil {
		return err
	}

	count, err := s.index.Count(ctx)
	if err != nil {
		return err
	}
	logger.Info("ingest finished", zap.String("index", s.index.Name()), zap.Int("documents", count))
	return nil
}
