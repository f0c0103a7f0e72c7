package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, NewFileSource(dir))

	w, err := NewWatcher(dir, s, nil, 20*time.Millisecond)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "confirm.yaml"), []byte(confirmActivationYAML), 0o600))

	assert.Eventually(t, func() bool {
		_, ok := s.lookup("confirm_activation")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	reloads := make(chan struct{}, 10)
	w, err := NewWatcher(dir, reloaderFunc(func(context.Context) (*ReloadReport, error) {
		reloads <- struct{}{}
		return &ReloadReport{}, nil
	}), nil, 10*time.Millisecond)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o600))
	select {
	case <-reloads:
		t.Fatal("unexpected reload for a non-manifest file")
	case <-time.After(200 * time.Millisecond):
	}
	w.Stop()
}

type reloaderFunc func(ctx context.Context) (*ReloadReport, error)

func (f reloaderFunc) Reload(ctx context.Context) (*ReloadReport, error) { return f(ctx) }
