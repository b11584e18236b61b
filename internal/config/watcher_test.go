package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReloadConfigAppliesRuntimeSettings(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{DataDir: dir, LogLevel: "info", SudoTimeout: time.Minute}

	cw, err := NewConfigWatcher(cfg)
	require.NoError(t, err)
	defer cw.Stop()

	var got []RuntimeSettings
	cw.OnChange(func(s RuntimeSettings) { got = append(got, s) })

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("LOG_LEVEL=debug\nHOSTDECK_SUDO_TIMEOUT=2m\nHOSTDECK_PORT=1\n"), 0o600))
	cw.ReloadConfig()

	require.Len(t, got, 1)
	assert.Equal(t, RuntimeSettings{LogLevel: "debug", SudoTimeout: 2 * time.Minute}, got[0])
	assert.Equal(t, "debug", cfg.CurrentLogLevel())
	assert.Equal(t, 2*time.Minute, cfg.CurrentSudoTimeout())
	assert.Zero(t, cfg.Port)

	// Unchanged file produces no callback.
	cw.ReloadConfig()
	assert.Len(t, got, 1)
}

func TestReloadConfigIgnoresInvalidSudoTimeout(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{DataDir: dir, LogLevel: "info", SudoTimeout: time.Minute}
	cw, err := NewConfigWatcher(cfg)
	require.NoError(t, err)
	defer cw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HOSTDECK_SUDO_TIMEOUT=soon\n"), 0o600))
	cw.ReloadConfig()
	assert.Equal(t, time.Minute, cfg.CurrentSudoTimeout())
}

func TestWatcherPicksUpFileWrites(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{DataDir: dir, LogLevel: "info", SudoTimeout: time.Minute}
	cw, err := NewConfigWatcher(cfg)
	require.NoError(t, err)
	cw.debounce = 10 * time.Millisecond

	changed := make(chan RuntimeSettings, 4)
	cw.OnChange(func(s RuntimeSettings) { changed <- s })
	require.NoError(t, cw.Start())
	defer cw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LOG_LEVEL=warn\n"), 0o600))

	select {
	case s := <-changed:
		assert.Equal(t, "warn", s.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}
