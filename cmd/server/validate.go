package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"process-dispatcher/backend/internal/logging"
	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/internal/metrics"
)

// validateDir loads every manifest in dir through a Store, exactly as the
// server would, and prints one line per document. checkMetrics enables the
// built-in success metric grammar.
func validateDir(ctx context.Context, dir, ownerPattern string, checkMetrics bool, w io.Writer) error {
	validator, err := manifest.NewValidator(ownerPattern, nil)
	if err != nil {
		return err
	}
	if checkMetrics {
		validator.WithMetricChecker(metrics.CheckMetric)
	}
	store := manifest.NewStore(manifest.NewFileSource(dir), validator, logging.Discard())
	report, err := store.Reload(ctx)
	if err != nil {
		return err
	}

	for _, snap := range store.List() {
		fmt.Fprintf(w, "ok    %s (%d variants, %s)\n", snap.Name(), len(snap.Manifest.Variants), snap.Manifest.Strategy.Kind)
	}
	origins := make([]string, 0, len(report.Rejected))
	for origin := range report.Rejected {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	for _, origin := range origins {
		fmt.Fprintf(w, "FAIL  %s: %v\n", origin, report.Rejected[origin])
	}

	if len(origins) > 0 {
		return fmt.Errorf("%d of %d manifest documents are invalid", len(origins), len(origins)+len(store.List()))
	}
	return nil
}
