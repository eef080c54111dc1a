package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tailspin.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9000"
storage:
  path: /tmp/spans.duckdb
  read_acquire_timeout: 2s
sessions:
  active_timeout: 10m
insights:
  top_edges: 5
ingest:
  wait_durable: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "/tmp/spans.duckdb", cfg.Storage.Path)
	assert.Equal(t, 2*time.Second, cfg.Storage.ReadAcquireTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.ActiveTimeout)
	assert.Equal(t, 5, cfg.Insights.TopEdges)
	assert.False(t, cfg.Ingest.WaitDurable)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 8, cfg.Storage.MaxReadConns)
	assert.Equal(t, 10_000, cfg.Buffer.Capacity)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, `
storage:
  path: from-file.duckdb
buffer:
  capacity: 50
`)
	t.Setenv("TAILSPIN_STORAGE_DB_PATH", "from-env.duckdb")
	t.Setenv("TRACE_MAX", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.duckdb", cfg.Storage.Path)
	assert.Equal(t, 42, cfg.Traces.MaxTraces)
	assert.Equal(t, 50, cfg.Buffer.Capacity)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"bad yaml", "server: [", "failed to parse config file"},
		{"zero buffer", "buffer:\n  capacity: 0\n", "buffer.capacity"},
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"retention without dir", "archive:\n  dir: \"\"\n  retention_hours: 24\n", "archive.dir"},
		{"bootstrap key without auth db", "server:\n  auth:\n    bootstrap_key: tsp_0123456789\n", "server.auth.db_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv("TAILSPIN_STREAM_STREAM_CAPACITY", "lots")
	_, err := Load("")
	require.Error(t, err)
}

func TestAuthConfig(t *testing.T) {
	path := writeFile(t, `
server:
  auth:
    db_path: keys.db
    pepper: from-file
`)
	t.Setenv("AUTH_PEPPER", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Server.Auth.Enabled())
	assert.Equal(t, "keys.db", cfg.Server.Auth.DBPath)
	assert.Equal(t, "from-env", cfg.Server.Auth.Pepper)

	def, err := Load("")
	require.NoError(t, err)
	assert.False(t, def.Server.Auth.Enabled())
}
