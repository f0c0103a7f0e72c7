package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"process-dispatcher/backend/internal/logging"
	"process-dispatcher/backend/internal/manifest"
	"process-dispatcher/backend/internal/repository"
)

const greetV1 = `process_name: greet_customer
owner: team-support
input_schema:
  type: object
strategy:
  kind: fixed
  path: strategies/fixed
variants:
  - id: echo_v1
    path: local:echo
`

const greetV2 = `process_name: greet_customer
owner: team-support
input_schema:
  type: object
strategy:
  kind: fixed
  path: strategies/fixed
variants:
  - id: echo_v2
    path: local:echo
`

func TestSeed(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.OpenSQLite(ctx, ":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.Migrate(ctx))
	validator, err := manifest.NewValidator("", nil)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "greet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(greetV1), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("process_name: [\n"), 0o600))

	summary, err := seed(ctx, repo, validator, dir, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"greet_customer": 1}, summary.Saved)
	assert.Len(t, summary.Failed, 1)

	// a second run with the same content writes nothing
	summary, err = seed(ctx, repo, validator, dir, logging.Discard())
	require.NoError(t, err)
	assert.Empty(t, summary.Saved)
	assert.Equal(t, []string{"greet_customer"}, summary.Unchanged)

	require.NoError(t, os.WriteFile(path, []byte(greetV2), 0o600))
	summary, err = seed(ctx, repo, validator, dir, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"greet_customer": 2}, summary.Saved)

	history, err := repo.History(ctx, "greet_customer")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "echo_v2", history[1].Manifest.Variants[0].ID)
}

func TestSeed_MissingDir(t *testing.T) {
	ctx := context.Background()
	repo, err := repository.OpenSQLite(ctx, ":memory:", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(repo.Close)
	require.NoError(t, repo.Migrate(ctx))
	validator, err := manifest.NewValidator("", nil)
	require.NoError(t, err)

	_, err = seed(ctx, repo, validator, filepath.Join(t.TempDir(), "nope"), logging.Discard())
	assert.Error(t, err)
}
