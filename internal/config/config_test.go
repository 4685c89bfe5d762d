package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, defaultFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDiscoverFromEnvVar(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "limit: 5\n")
	t.Setenv(envVar, path)

	got, err := Discover()
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestDiscoverEnvVarMissing(t *testing.T) {
	t.Setenv(envVar, "/nonexistent/path/config.yaml")

	_, err := Discover()
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDiscoverWalksParents(t *testing.T) {
	t.Setenv(envVar, "")
	root := t.TempDir()
	path := writeConfig(t, root, "limit: 5\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	t.Chdir(nested)

	got, err := Discover()
	require.NoError(t, err)

	// TempDir may sit behind a symlink (macOS /var -> /private/var).
	want, _ := filepath.EvalSymlinks(path)
	gotReal, _ := filepath.EvalSymlinks(got)
	assert.Equal(t, want, gotReal)
}

func TestLoadDefaultsWhenNotFound(t *testing.T) {
	t.Setenv(envVar, "")
	t.Chdir(t.TempDir())

	cfg, path, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
backend: http://watch.internal:9000/api/v1
refresh: 500ms
limit: 50
metrics_addr: ":9464"
policies:
  budget_limit: 100000
  restricted_tickers: [GME, AMC]
`)

	cfg, got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, "http://watch.internal:9000/api/v1", cfg.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Refresh)
	assert.Equal(t, 50, cfg.Limit)
	assert.Equal(t, ":9464", cfg.MetricsAddr)

	// Untouched fields keep defaults.
	assert.Equal(t, Default().PushURL, cfg.PushURL)
	assert.Equal(t, 3*time.Second, cfg.GraphRefresh)

	require.Len(t, cfg.Policies, 2)
	assert.Equal(t, 100000, cfg.Policies["budget_limit"])
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "limit: [unterminated\n"},
		{"bad duration", "refresh: soon\n"},
		{"zero limit", "limit: 0\n"},
		{"negative refresh", "refresh: -1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, _, err := Load(path)
			assert.Error(t, err)
		})
	}

	_, _, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
