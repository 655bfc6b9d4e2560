package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app       = "cv-screener"
	envPrefix = "SCREENER"
)

type Config struct {
	Server   *ServerConfig   `mapstructure:"server"`
	AI       *AIConfig       `mapstructure:"ai"`
	Budget   *BudgetConfig   `mapstructure:"budget"`
	Redis    *RedisConfig    `mapstructure:"redis"`
	Storage  *StorageConfig  `mapstructure:"storage"`
	Pipeline *PipelineConfig `mapstructure:"pipeline"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	APIPrefix       string        `mapstructure:"api-prefix"`
	AppName         string        `mapstructure:"app-name"`
	CORSOrigins     []string      `mapstructure:"cors-origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

type AIConfig struct {
	Provider     string        `mapstructure:"provider"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max-attempts"`
	Temperature  float32       `mapstructure:"temperature"`
	MaxLogLength int           `mapstructure:"max-log-length"`
	Gemini       *GeminiConfig `mapstructure:"gemini"`
	OpenAI       *OpenAIConfig `mapstructure:"openai"`
}

type GeminiConfig struct {
	APIKey         string `mapstructure:"api-key"`
	APIKeyFile     string `mapstructure:"api-key-file"`
	Model          string `mapstructure:"model"`
	EmbeddingModel string `mapstructure:"embedding-model"`
}

type OpenAIConfig struct {
	BaseURL        string `mapstructure:"base-url"`
	APIKey         string `mapstructure:"api-key"`
	APIKeyFile     string `mapstructure:"api-key-file"`
	Model          string `mapstructure:"model"`
	EmbeddingModel string `mapstructure:"embedding-model"`
}

type BudgetConfig struct {
	ContextWindow int `mapstructure:"context-window"`
	SafetyBuffer  int `mapstructure:"safety-buffer"`
	HardCap       int `mapstructure:"hard-cap"`
	Floor         int `mapstructure:"floor"`
	DocumentChars int `mapstructure:"document-chars"`
	TemplateChars int `mapstructure:"template-chars"`
	ContextChars  int `mapstructure:"context-chars"`
}

type RedisConfig struct {
	URL         string `mapstructure:"url"`
	Index       string `mapstructure:"index"`
	Prefix      string `mapstructure:"prefix"`
	Dim         int    `mapstructure:"dim"`
	SeedOnStart bool   `mapstructure:"seed-on-start"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	DatabaseURL string `mapstructure:"database-url"`
	UploadDir   string `mapstructure:"upload-dir"`
}

type PipelineConfig struct {
	MinChars          int           `mapstructure:"min-chars"`
	JobTimeout        time.Duration `mapstructure:"job-timeout"`
	MaxConcurrentJobs int           `mapstructure:"max-concurrent-jobs"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:          app,
		Short:        "cv-screener evaluates a CV and a project report against reference material with an LLM",
		SilenceUsage: true,
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is cv-screener.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	setDefaults(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8004)
	v.SetDefault("server.api-prefix", "/api/v1")
	v.SetDefault("server.app-name", "AI Screening Service")
	v.SetDefault("server.cors-origins", []string{})
	v.SetDefault("server.shutdown-timeout", 15*time.Second)

	v.SetDefault("ai.provider", "gemini")
	v.SetDefault("ai.timeout", 75*time.Second)
	v.SetDefault("ai.max-attempts", 1)
	v.SetDefault("ai.temperature", 0.1)
	v.SetDefault("ai.max-log-length", 200)
	v.SetDefault("ai.gemini.api-key", "")
	v.SetDefault("ai.gemini.api-key-file", "")
	v.SetDefault("ai.gemini.model", "gemini-2.5-flash")
	v.SetDefault("ai.gemini.embedding-model", "gemini-embedding-001")
	v.SetDefault("ai.openai.base-url", "http://localhost:8000/v1")
	v.SetDefault("ai.openai.api-key", "")
	v.SetDefault("ai.openai.api-key-file", "")
	v.SetDefault("ai.openai.model", "")
	v.SetDefault("ai.openai.embedding-model", "")

	v.SetDefault("budget.context-window", 8192)
	v.SetDefault("budget.safety-buffer", 256)
	v.SetDefault("budget.hard-cap", 1024)
	v.SetDefault("budget.floor", 64)
	v.SetDefault("budget.document-chars", 3000)
	v.SetDefault("budget.template-chars", 2000)
	v.SetDefault("budget.context-chars", 4000)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.index", "gt_idx")
	v.SetDefault("redis.prefix", "gt:")
	v.SetDefault("redis.dim", 768)
	v.SetDefault("redis.seed-on-start", true)

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.database-url", "")
	v.SetDefault("storage.upload-dir", "./data/uploads")

	v.SetDefault("pipeline.min-chars", 20)
	v.SetDefault("pipeline.job-timeout", 10*time.Minute)
	v.SetDefault("pipeline.max-concurrent-jobs", 0)
}

func initConfig() {
	// A missing .env is the normal case outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading .env: %v\n", err)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Defaults and environment are enough without a file, unless one was asked for.
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
			os.Exit(1)
		}
	}
}

func getConfig() (*Config, error) {
	var config *Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	if config == nil {
		return nil, errors.New("empty configuration")
	}
	return config, nil
}
