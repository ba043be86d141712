package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	esnats "github.com/codewandler/estore/adapters/nats"
	pebblestore "github.com/codewandler/estore/adapters/pebble"
	"github.com/codewandler/estore/adapters/sqlite"
	"github.com/codewandler/estore/core/es"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, "interval", cfg.PebbleFsync)
	assert.Equal(t, 5*time.Second, cfg.SQLiteBusyTimeout)
	assert.Equal(t, time.Second, cfg.DispatchInterval)
	assert.False(t, cfg.ForkDispatching)
	assert.Zero(t, cfg.SnapshotCacheSize)
}

func TestLoadFrom_Values(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"ESTORE_BACKEND":             "sqlite",
		"ESTORE_SQLITE_PATH":         "/tmp/es.db",
		"ESTORE_FORK_DISPATCHING":    "true",
		"ESTORE_SNAPSHOT_CACHE_SIZE": "128",
		"ESTORE_SNAPSHOT_CACHE_TTL":  "30s",
		"ESTORE_LOG_LEVEL":           "debug",
	})
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "/tmp/es.db", cfg.SQLitePath)
	assert.True(t, cfg.ForkDispatching)
	assert.Equal(t, 128, cfg.SnapshotCacheSize)
	assert.Equal(t, 30*time.Second, cfg.SnapshotCacheTTL)

	level, err := cfg.logLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadFrom_Errors(t *testing.T) {
	for name, environ := range map[string]map[string]string{
		"unknown backend": {"ESTORE_BACKEND": "mongo"},
		"bad fsync":       {"ESTORE_PEBBLE_FSYNC": "sometimes"},
		"bad storage":     {"ESTORE_NATS_STORAGE": "tape"},
		"bad level":       {"ESTORE_LOG_LEVEL": "loud"},
		"negative cache":  {"ESTORE_SNAPSHOT_CACHE_SIZE": "-1"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(environ)
			require.ErrorIs(t, err, es.ErrConfiguration)
		})
	}

	t.Run("unparsable value", func(t *testing.T) {
		_, err := LoadFrom(map[string]string{"ESTORE_FORK_DISPATCHING": "maybe"})
		require.ErrorContains(t, err, "parse env:")
	})
}

func TestLoad_ProcessEnvironment(t *testing.T) {
	t.Setenv("ESTORE_BACKEND", "pebble")
	t.Setenv("ESTORE_PEBBLE_FSYNC", "always")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPebble, cfg.Backend)
	assert.Equal(t, "always", cfg.PebbleFsync)
}

func TestConfig_NewBackend(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		environ map[string]string
		want    any
	}{
		{map[string]string{}, &es.InMemoryBackend{}},
		{map[string]string{"ESTORE_BACKEND": "pebble", "ESTORE_PEBBLE_DIR": dir}, &pebblestore.Backend{}},
		{map[string]string{"ESTORE_BACKEND": "sqlite"}, &sqlite.Backend{}},
		{map[string]string{"ESTORE_BACKEND": "nats", "ESTORE_NATS_STORAGE": "memory"}, &esnats.Backend{}},
	} {
		cfg, err := LoadFrom(tc.environ)
		require.NoError(t, err)
		b, err := cfg.NewBackend(slog.Default())
		require.NoError(t, err)
		assert.IsType(t, tc.want, b)
	}
}

func TestOpen(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"ESTORE_BACKEND":             "sqlite",
		"ESTORE_SQLITE_PATH":         filepath.Join(t.TempDir(), "es.db"),
		"ESTORE_SNAPSHOT_CACHE_SIZE": "8",
		"ESTORE_LOG_LEVEL":           "warn",
	})
	require.NoError(t, err)

	s, err := Open(t.Context(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	es.CommitEvents(t, s, es.StreamID("a"), "a0")
	events, err := s.GetEvents(t.Context(), es.StreamID("a"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Nil(t, s.Dispatcher())
}
