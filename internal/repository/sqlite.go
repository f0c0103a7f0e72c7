package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"process-dispatcher/backend/internal/logging"
	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/pkg/models"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// SQLiteStore is an embedded Repository for single-node deployments and
// tests. Times are stored as Unix milliseconds.
type SQLiteStore struct {
	db     *sql.DB
	logger *logging.Logger
}

// OpenSQLite opens the database at path; ":memory:" gives a private
// in-memory database. The pool is limited to one connection so every caller
// sees the same database and writes never contend.
func OpenSQLite(ctx context.Context, path string, logger *logging.Logger) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("failed to close sqlite", "error", err)
	}
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (*models.ProcessManifest, error) {
	var (
		doc       string
		version   int
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT document, version, updated_at FROM process_manifests WHERE process_name = ?", name,
	).Scan(&doc, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, manifest.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest %s: %w", name, err)
	}
	return decodeRow([]byte(doc), version, time.UnixMilli(updatedAt))
}

func (s *SQLiteStore) List(ctx context.Context) ([]manifest.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT process_name, document, version, updated_at FROM process_manifests ORDER BY process_name")
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()

	var docs []manifest.Document
	for rows.Next() {
		var (
			name, doc string
			version   int
			updatedAt int64
		)
		if err := rows.Scan(&name, &doc, &version, &updatedAt); err != nil {
			return nil, fmt.Errorf("list manifests: %w", err)
		}
		m, err := decodeRow([]byte(doc), version, time.UnixMilli(updatedAt))
		docs = append(docs, manifest.Document{Origin: "sqlite:" + name, Manifest: m, Err: err})
	}
	return docs, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, m *models.ProcessManifest) error {
	doc, err := encodeRow(m)
	if err != nil {
		return err
	}
	at := savedAt(m).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save manifest %s: %w", m.ProcessName, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO process_manifests (process_name, owner, document, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (process_name) DO UPDATE
		SET owner = excluded.owner, document = excluded.document,
		    version = excluded.version, updated_at = excluded.updated_at`,
		m.ProcessName, m.Owner, string(doc), m.Version, at)
	if err != nil {
		return fmt.Errorf("save manifest %s: %w", m.ProcessName, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO process_manifest_history (process_name, version, document, saved_at)
		VALUES (?, ?, ?, ?)`,
		m.ProcessName, m.Version, string(doc), at)
	if err != nil {
		return fmt.Errorf("save manifest history %s: %w", m.ProcessName, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save manifest %s: %w", m.ProcessName, err)
	}
	s.logger.Debug("manifest saved", "process", m.ProcessName, "version", m.Version)
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, name string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT version, document, saved_at FROM process_manifest_history
		WHERE process_name = ? ORDER BY version`, name)
	if err != nil {
		return nil, fmt.Errorf("manifest history %s: %w", name, err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var (
			version int
			doc     string
			saved   int64
		)
		if err := rows.Scan(&version, &doc, &saved); err != nil {
			return nil, fmt.Errorf("manifest history %s: %w", name, err)
		}
		at := time.UnixMilli(saved).UTC()
		m, err := decodeRow([]byte(doc), version, at)
		if err != nil {
			return nil, err
		}
		entries = append(entries, HistoryEntry{ProcessName: name, Version: version, Manifest: m, SavedAt: at})
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) RecordOutcome(ctx context.Context, o models.DispatchOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_outcomes (trace_id, process_name, variant_id, success, error_kind, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.TraceID, o.ProcessName, o.VariantID, o.Success, string(o.ErrorKind), o.Duration.Milliseconds(), recordedAt(o).UnixMilli())
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", o.TraceID, err)
	}
	return nil
}

func (s *SQLiteStore) VariantStats(ctx context.Context, name string, from, to time.Time) ([]models.VariantStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant_id,
		       COUNT(*),
		       COALESCE(SUM(success), 0),
		       COALESCE(AVG(duration_ms), 0.0)
		FROM dispatch_outcomes
		WHERE process_name = ? AND created_at >= ? AND created_at < ?
		GROUP BY variant_id
		ORDER BY variant_id`, name, from.UnixMilli(), to.UnixMilli())
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
