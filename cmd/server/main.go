package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"process-dispatcher/backend/internal/config"
	"process-dispatcher/backend/internal/logging"
)

var (
	configPath   string
	ownerPattern string

	rootCmd = &cobra.Command{
		Use:          "server",
		Short:        "Run the process dispatcher",
		Long:         "Serves the dispatch REST API and MCP tools, hot-reloads manifests and resolves experiments.",
		SilenceUsage: true,
		RunE:         runServer,
	}

	validateCmd = &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate a directory of manifests without starting the server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config.yaml)")
	validateCmd.Flags().StringVar(&ownerPattern, "owner-pattern", "", "owner naming convention (default from config)")
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging, os.Stdout)
	logger.Info("configuration loaded", "config_file", cfg.ConfigFile, "environment", cfg.Environment)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.close(shutdownCtx)
	}()
	return a.run(ctx)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	dir := cfg.Manifests.Dir
	if len(args) == 1 {
		dir = args[0]
	}
	pattern := cfg.Manifests.OwnerPattern
	if ownerPattern != "" {
		pattern = ownerPattern
	}
	return validateDir(cmd.Context(), dir, pattern, cfg.MetricsSource.Kind != "http", cmd.OutOrStdout())
}
