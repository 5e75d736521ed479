package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"aicall-gateway/internal/config"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "gateway",
		Short:   "AI call gateway with response caching, admission limits and batching",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (defaults are used when empty)")

	serveCmd := newServeCmd(&configPath)
	root.AddCommand(serveCmd, newStatsCmd(&configPath))

	// running the binary without a subcommand serves
	root.RunE = serveCmd.RunE

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file (if any), applies environment overrides
// and validates the result.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("apply env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
