package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"process-dispatcher/backend/internal/config"
	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/pkg/models"
)

func sampleManifest(version int) *models.ProcessManifest {
	return &models.ProcessManifest{
		ProcessName: "resolve-ambiguous-provider-document",
		Description: "route ambiguous provider documents",
		Owner:       "team-contracts",
		InputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"document_id"},
			"properties": map[string]interface{}{
				"document_id": map[string]interface{}{"type": "string"},
			},
		},
		Strategy: models.StrategyDescriptor{
			Kind: models.StrategyPercentage,
			Path: "strategies/percentage",
			Args: map[string]interface{}{"bucketing_key": "document_id"},
		},
		Variants: []models.Variant{
			{ID: "playbook_v1_human_first", Path: "local:playbook", Weight: models.Float64(0.5)},
			{ID: "agent_v1_clarification_attempt", Path: "local:agent", Weight: models.Float64(0.5)},
		},
		Version:   version,
		UpdatedAt: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(version) * time.Hour),
	}
}

// exercise runs the Repository contract against repo.
func exercise(t *testing.T, repo Repository) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := repo.Get(ctx, "does-not-exist")
		assert.ErrorIs(t, err, manifest.ErrNotFound)
	})

	t.Run("save get list history", func(t *testing.T) {
		require.NoError(t, repo.Save(ctx, sampleManifest(1)))
		v2 := sampleManifest(2)
		v2.Variants[0].Weight = models.Float64(0.9)
		v2.Variants[1].Weight = models.Float64(0.1)
		require.NoError(t, repo.Save(ctx, v2))

		got, err := repo.Get(ctx, v2.ProcessName)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		assert.True(t, got.UpdatedAt.Equal(v2.UpdatedAt))
		assert.Equal(t, 0.9, got.Variants[0].WeightOrZero())
		assert.Equal(t, v2.InputSchema, got.InputSchema)
		assert.Equal(t, "document_id", got.Strategy.StringArg("bucketing_key"))

		docs, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		require.NoError(t, docs[0].Err)
		assert.Equal(t, 2, docs[0].Manifest.Version)

		history, err := repo.History(ctx, v2.ProcessName)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, 1, history[0].Version)
		assert.Equal(t, 0.5, history[0].Manifest.Variants[0].WeightOrZero())
		assert.Equal(t, 2, history[1].Version)
	})

	t.Run("outcome stats", func(t *testing.T) {
		base := time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC)
		record := func(variant string, success bool, at time.Time, d time.Duration) {
			require.NoError(t, repo.RecordOutcome(ctx, models.DispatchOutcome{
				TraceID:     uuid.NewString(),
				ProcessName: "p",
				VariantID:   variant,
				Success:     success,
				Duration:    d,
				CreatedAt:   at,
			}))
		}
		record("a", true, base, 10*time.Millisecond)
		record("a", true, base.Add(time.Hour), 20*time.Millisecond)
		record("a", false, base.Add(2*time.Hour), 30*time.Millisecond)
		record("b", true, base.Add(time.Hour), 40*time.Millisecond)
		record("b", true, base.Add(48*time.Hour), 0) // outside the window
		require.NoError(t, repo.RecordOutcome(ctx, models.DispatchOutcome{
			TraceID: uuid.NewString(), ProcessName: "other", VariantID: "a", CreatedAt: base,
		}))

		stats, err := repo.VariantStats(ctx, "p", base, base.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, stats, 2)
		assert.Equal(t, "a", stats[0].VariantID)
		assert.Equal(t, 3, stats[0].Total)
		assert.Equal(t, 2, stats[0].Successes)
		assert.InDelta(t, 20.0, stats[0].MeanMs, 1e-9)
		assert.Equal(t, models.VariantStats{VariantID: "b", Total: 1, Successes: 1, MeanMs: 40}, stats[1])

		empty, err := repo.VariantStats(ctx, "nobody", base, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("store writes through", func(t *testing.T) {
		v, err := manifest.NewValidator("", nil)
		require.NoError(t, err)
		store := manifest.NewStore(repo, v, nil)
		_, err = store.Reload(ctx)
		require.NoError(t, err)

		snap, err := store.Update(ctx, "resolve-ambiguous-provider-document", func(m *models.ProcessManifest) error {
			m.Description = "updated"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, snap.Version())

		got, err := repo.Get(ctx, "resolve-ambiguous-provider-document")
		require.NoError(t, err)
		assert.Equal(t, "updated", got.Description)
		assert.Equal(t, 3, got.Version)
	})
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrations are idempotent")

	exercise(t, store)
}

func TestSQLiteStore_CorruptRowIsReportedNotFatal(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, ":memory:", nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))

	require.NoError(t, store.Save(ctx, sampleManifest(1)))
	_, err = store.db.ExecContext(ctx,
		"INSERT INTO process_manifests (process_name, owner, document, version, updated_at) VALUES ('broken', 'team-x', '{\"process_name\": 7}', 1, 0)")
	require.NoError(t, err)

	docs, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Error(t, docs[0].Err)
	assert.Equal(t, "sqlite:broken", docs[0].Origin)
	assert.NoError(t, docs[1].Err)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	repo, err := Open(ctx, config.DBConfig{Driver: ""}, nil)
	require.NoError(t, err)
	assert.Nil(t, repo)

	repo, err = Open(ctx, config.DBConfig{Driver: "sqlite", SQLitePath: ":memory:"}, nil)
	require.NoError(t, err)
	defer repo.Close()
	assert.NoError(t, repo.Ping(ctx))

	_, err = Open(ctx, config.DBConfig{Driver: "mysql"}, nil)
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	pool, err := ConnectPostgres(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	store := NewPostgresStore(pool, nil)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx))

	exercise(t, store)
}
