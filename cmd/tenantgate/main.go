package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/tenantgate/internal/config"
	"github.com/oriys/tenantgate/internal/logging"
)

var version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     "tenantgate",
		Short:   "Tenant-aware admin API gateway",
		Long:    "Resolve tenants, route them to their private databases, rate limit and envelope responses",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	rootCmd.AddCommand(
		serveCmd(),
		databaseCmd(),
		subuserCmd(),
		keygenCmd(),
		tokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.Server.LogFormat, cfg.Server.LogLevel)
	return cfg, nil
}
