package repository

import (
	"context"
	"errors"
	"time"

	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/pkg/models"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown database driver")

// HistoryEntry is one saved version of a manifest.
type HistoryEntry struct {
	ProcessName string
	Version     int
	Manifest    *models.ProcessManifest
	SavedAt     time.Time
}

// ManifestStore persists manifests. Every Save also appends to the history
// table.
type ManifestStore interface {
	manifest.Source
	manifest.Writer
	// History returns every saved version of a manifest, oldest first.
	History(ctx context.Context, processName string) ([]HistoryEntry, error)
}

// OutcomeStore is the dispatch outcome log.
type OutcomeStore interface {
	// RecordOutcome appends one dispatch outcome.
	RecordOutcome(ctx context.Context, outcome models.DispatchOutcome) error
	// VariantStats aggregates outcomes in [from, to) per variant, ordered by
	// variant id.
	VariantStats(ctx context.Context, processName string, from, to time.Time) ([]models.VariantStats, error)
}

// Repository is a database holding manifests and outcomes.
type Repository interface {
	ManifestStore
	OutcomeStore
	// Migrate creates missing tables.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close()
}
