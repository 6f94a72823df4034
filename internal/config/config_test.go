package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sherrors "github.com/blueberrycongee/shardmux/pkg/errors"
)

const validYAML = `
server:
  port: 9090
backends:
  - id: db-east
    region: primary
  - id: db-west
    region: secondary
    weight: 0.5
breaker:
  failure_threshold: 7
cache:
  ttl: 2m
logging:
  level: debug
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFromFile(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "db-east", cfg.Backends[0].ID)
	assert.Equal(t, 0.5, cfg.Backends[1].Weight)

	// Unset fields keep their defaults.
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 100, cfg.Ring.VirtualNodes)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("SHARDMUX_TEST_BACKEND", "db-env")
	cfg, err := LoadFromFile(writeConfig(t, `
backends:
  - id: ${SHARDMUX_TEST_BACKEND}
    region: primary
`))
	require.NoError(t, err)
	assert.Equal(t, "db-env", cfg.Backends[0].ID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := LoadFromFile(writeConfig(t, "backends: [unterminated"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{"no backends", "server:\n  port: 8080\n", "backends"},
		{"missing id", "backends:\n  - region: primary\n", "backends[0].id"},
		{"duplicate id", "backends:\n  - id: a\n  - id: a\n", "backends[1].id"},
		{"bad region", "backends:\n  - id: a\n    region: mars\n", "backends[0].region"},
		{"bad port", "server:\n  port: 99999\nbackends:\n  - id: a\n", "server.port"},
		{"rings above vnodes", "backends:\n  - id: a\nring:\n  virtual_nodes: 2\n  rings: 3\n", "ring.virtual_nodes"},
		{"zero threshold", "backends:\n  - id: a\nbreaker:\n  failure_threshold: -1\n", "breaker.failure_threshold"},
		{"batch inversion", "backends:\n  - id: a\nbatch:\n  base_size: 500\n  max_size: 100\n", "batch.base_size"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, tc.yaml))
			var cfgErr *sherrors.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestManagerHotReload(t *testing.T) {
	path := writeConfig(t, validYAML)
	m, err := NewManager(path, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	assert.Equal(t, 9090, m.Get().Server.Port)

	reloaded := make(chan *Config, 1)
	m.OnChange(func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, m.Watch(t.Context()))

	updated := "server:\n  port: 9091\nbackends:\n  - id: db-east\n    region: primary\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9091, cfg.Server.Port)
		assert.Equal(t, 9091, m.Get().Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestManagerKeepsCurrentOnBadReload(t *testing.T) {
	path := writeConfig(t, validYAML)
	m, err := NewManager(path, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Watch(t.Context()))

	// An invalid rewrite must not replace the running config.
	require.NoError(t, os.WriteFile(path, []byte("backends: []\n"), 0o644))

	time.Sleep(time.Second)
	assert.Equal(t, 9090, m.Get().Server.Port)
	assert.Len(t, m.Get().Backends, 2)
}
