package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/yegors/co-atc-positions/internal/config"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "positions",
		Short:         "Real-time aircraft position ingestion, storage and broadcast",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addConfigFlag(root.PersistentFlags())

	root.AddCommand(newServeCmd(), newPruneCmd())
	return root
}

func addConfigFlag(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (optional - will search in configs/ and root directory)")
}

// loadConfig loads and validates configuration, then builds the logger from it
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadWithFallback(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}
	return cfg, log, nil
}
