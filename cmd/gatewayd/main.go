// Command gatewayd runs a sharded gateway client.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rickgao/gateway-shards/internal/config"
	"github.com/rickgao/gateway-shards/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "gatewayd",
	Short:         "Sharded gateway client",
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/gatewayd.local.yaml", "path to config file")
	rootCmd.AddCommand(runCmd, lookupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the config and installs the default logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return nil, nil, err
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
