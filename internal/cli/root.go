// Package cli implements the orchestrator command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/taskflow/orchestrator/internal/config"
	"github.com/taskflow/orchestrator/internal/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "taskflow build orchestrator scheduling engine",
	Long: `orchestrator schedules the tasks of autonomous build projects.
It resolves dependencies, hands out the next task by priority, tracks the
task lifecycle and requeues failed tasks with exponential backoff.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config/config.yaml)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.Named(cfg.App.Name), nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

func openStore(cfg config.StoreConfig, logger *zap.Logger) (storage.TaskStore, error) {
	switch cfg.Driver {
	case config.StoreDriverMemory:
		return storage.NewMemoryStore(), nil
	default:
		store, err := storage.NewSQLiteStore(logger, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open task store: %w", err)
		}
		return store, nil
	}
}
