package watcher

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phoebewiki/phoebe/internal/config"
)

func TestSignalOnlyReload(t *testing.T) {
	reloaded := make(chan *config.Config, 1)
	w, err := NewWatcher("", func(cfg *config.Config) { reloaded <- cfg })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	// Without a config file, SIGHUP must still trigger a reload so a
	// flag-only deployment survives logrotate.
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))

	select {
	case cfg := <-reloaded:
		assert.Nil(t, cfg)
	case <-time.After(5 * time.Second):
		t.Fatal("SIGHUP did not trigger a reload")
	}
}

func TestFileChangeReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("wiki-dir: /tmp/a\n"), 0o644))

	reloaded := make(chan *config.Config, 1)
	w, err := NewWatcher(path, func(cfg *config.Config) { reloaded <- cfg })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("wiki-dir: /tmp/b\n"), 0o644))

	select {
	case cfg := <-reloaded:
		require.NotNil(t, cfg)
		assert.Equal(t, "/tmp/b", cfg.DataDir)
	case <-time.After(5 * time.Second):
		t.Fatal("file change did not trigger a reload")
	}
}

func TestSignalReloadLoadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("wiki-dir: /tmp/c\n"), 0o644))

	reloaded := make(chan *config.Config, 1)
	w, err := NewWatcher(path, func(cfg *config.Config) { reloaded <- cfg })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))

	select {
	case cfg := <-reloaded:
		require.NotNil(t, cfg)
		assert.Equal(t, "/tmp/c", cfg.DataDir)
	case <-time.After(5 * time.Second):
		t.Fatal("SIGHUP did not trigger a reload")
	}
}
