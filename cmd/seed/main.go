package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"process-dispatcher/backend/internal/config"
	"process-dispatcher/backend/internal/logging"
	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/internal/metrics"
	"process-dispatcher/backend/internal/repository"
)

var (
	configPath string
	dir        string

	rootCmd = &cobra.Command{
		Use:          "seed",
		Short:        "Load a directory of manifests into the database",
		Long:         "Validates every manifest in a directory and saves new or changed ones as the next version, recording history.",
		SilenceUsage: true,
		RunE:         runSeed,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (default ./config.yaml)")
	rootCmd.Flags().StringVar(&dir, "dir", "", "manifest directory (default manifests.dir from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSeed(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Logging, os.Stderr)
	if cfg.DB.Driver == "" {
		return errors.New("seed needs db.driver to be set")
	}
	if dir == "" {
		dir = cfg.Manifests.Dir
	}

	repo, err := repository.Open(ctx, cfg.DB, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer repo.Close()

	validator, err := manifest.NewValidator(cfg.Manifests.OwnerPattern, nil)
	if err != nil {
		return err
	}
	if cfg.MetricsSource.Kind != "http" {
		validator.WithMetricChecker(metrics.CheckMetric)
	}
	summary, err := seed(ctx, repo, validator, dir, logger)
	if err != nil {
		return err
	}
	printSummary(cmd.OutOrStdout(), summary)
	if len(summary.Failed) > 0 {
		return fmt.Errorf("%d manifest documents were not seeded", len(summary.Failed))
	}
	return nil
}

// Summary reports what a seed run did.
type Summary struct {
	Saved     map[string]int
	Unchanged []string
	Failed    map[string]error
}

// seed saves every valid manifest in dir whose content differs from the
// stored version. Failures are collected per document.
func seed(ctx context.Context, repo repository.ManifestStore, validator *manifest.Validator, dir string, logger *logging.Logger) (*Summary, error) {
	store := manifest.NewStore(repo, validator, logger)
	if _, err := store.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load stored manifests: %w", err)
	}
	docs, err := manifest.NewFileSource(dir).List(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Saved: map[string]int{}, Failed: map[string]error{}}
	for _, doc := range docs {
		if doc.Err != nil {
			summary.Failed[doc.Origin] = doc.Err
			continue
		}
		m := doc.Manifest
		if current, err := store.Load(ctx, m.ProcessName); err == nil && manifest.SameContent(current.Manifest, m) {
			summary.Unchanged = append(summary.Unchanged, m.ProcessName)
			continue
		}
		snap, err := store.Replace(ctx, m)
		if err != nil {
			summary.Failed[doc.Origin] = err
			logger.Warn("manifest not seeded", "origin", doc.Origin, "error", err)
			continue
		}
		summary.Saved[snap.Name()] = snap.Version()
		logger.Info("manifest seeded", "process", snap.Name(), "version", snap.Version())
	}
	return summary, nil
}

func printSummary(w io.Writer, s *Summary) {
	for name, version := range s.Saved {
		fmt.Fprintf(w, "saved      %s v%d\n", name, version)
	}
	for _, name := range s.Unchanged {
		fmt.Fprintf(w, "unchanged  %s\n", name)
	}
	for origin, err := range s.Failed {
		fmt.Fprintf(w, "failed     %s: %v\n", origin, err)
	}
}
