package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"process-dispatcher/backend/internal/logging"
	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/pkg/models"
)

//go:embed schema_postgres.sql
var postgresSchema string

// PostgresStore is a PostgreSQL implementation of Repository.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *logging.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool, logger *logging.Logger) *PostgresStore {
	if logger == nil {
		logger = logging.Discard()
	}
	return &PostgresStore{db: db, logger: logger}
}

// ConnectPostgres opens and pings a pool.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *PostgresStore) Close() { s.db.Close() }

// Get retrieves a manifest by process name.
func (s *PostgresStore) Get(ctx context.Context, name string) (*models.ProcessManifest, error) {
	var (
		doc       []byte
		version   int
		updatedAt time.Time
	)
	err := s.db.QueryRow(ctx,
		"SELECT document, version, updated_at FROM process_manifests WHERE process_name = $1", name,
	).Scan(&doc, &version, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, manifest.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest %s: %w", name, err)
	}
	return decodeRow(doc, version, updatedAt)
}

// List returns every stored manifest. Rows that fail to decode are returned
// with Err set.
func (s *PostgresStore) List(ctx context.Context) ([]manifest.Document, error) {
	rows, err := s.db.Query(ctx,
		"SELECT process_name, document, version, updated_at FROM process_manifests ORDER BY process_name")
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()

	var docs []manifest.Document
	for rows.Next() {
		var (
			name      string
			doc       []byte
			version   int
			updatedAt time.Time
		)
		if err := rows.Scan(&name, &doc, &version, &updatedAt); err != nil {
			return nil, fmt.Errorf("list manifests: %w", err)
		}
		m, err := decodeRow(doc, version, updatedAt)
		docs = append(docs, manifest.Document{Origin: "postgres:" + name, Manifest: m, Err: err})
	}
	return docs, rows.Err()
}

// Save upserts the manifest and appends it to the history table in one
// transaction.
func (s *PostgresStore) Save(ctx context.Context, m *models.ProcessManifest) error {
	doc, err := encodeRow(m)
	if err != nil {
		return err
	}
	updatedAt := savedAt(m)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("save manifest %s: %w", m.ProcessName, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO process_manifests (process_name, owner, document, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (process_name) DO UPDATE
		SET owner = EXCLUDED.owner, document = EXCLUDED.document,
		    version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`,
		m.ProcessName, m.Owner, doc, m.Version, updatedAt)
	if err != nil {
		return fmt.Errorf("save manifest %s: %w", m.ProcessName, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO process_manifest_history (process_name, version, document, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (process_name, version) DO NOTHING`,
		m.ProcessName, m.Version, doc, updatedAt)
	if err != nil {
		return fmt.Errorf("save manifest history %s: %w", m.ProcessName, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("save manifest %s: %w", m.ProcessName, err)
	}
	s.logger.Debug("manifest saved", "process", m.ProcessName, "version", m.Version)
	return nil
}

func (s *PostgresStore) History(ctx context.Context, name string) ([]HistoryEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT version, document, saved_at FROM process_manifest_history
		WHERE process_name = $1 ORDER BY version`, name)
	if err != nil {
		return nil, fmt.Errorf("manifest history %s: %w", name, err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			version int
			doc     []byte
			saved   time.Time
		)
		if err := rows.Scan(&version, &doc, &saved); err != nil {
			return nil, fmt.Errorf("manifest history %s: %w", name, err)
		}
		m, err := decodeRow(doc, version, saved)
		if err != nil {
			return nil, err
		}
		entries = append(entries, HistoryEntry{ProcessName: name, Version: version, Manifest: m, SavedAt: saved.UTC()})
	}
	return entries, rows.Err()
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, o models.DispatchOutcome) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO dispatch_outcomes (trace_id, process_name, variant_id, success, error_kind, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.TraceID, o.ProcessName, o.VariantID, o.Success, string(o.ErrorKind), o.Duration.Milliseconds(), recordedAt(o))
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", o.TraceID, err)
	}
	return nil
}

func (s *PostgresStore) VariantStats(ctx context.Context, name string, from, to time.Time) ([]models.VariantStats, error) {
	rows, err := s.db.Query(ctx, `
		SELECT variant_id,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COALESCE(AVG(duration_ms), 0)::float8
		FROM dispatch_outcomes
		WHERE process_name = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY variant_id
		ORDER BY variant_id`, name, from, to)
	if err != nil {
		return nil, fmt.Errorf("variant stats %s: %w", name, err)
	}
	defer rows.Close()

	var stats []models.VariantStats
	for rows.Next() {
		var st models.VariantStats
		if err := rows.Scan(&st.VariantID, &st.Total, &st.Successes, &st.MeanMs); err != nil {
			return nil, fmt.Errorf("variant stats %s: %w", name, err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
