// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion, sizes and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "localstore.yaml", `
database:
  path: "/var/lib/coven/local.db"

cache:
  dir: "/var/cache/coven"
  max_size: "1 GiB"

pipeline:
  max_concurrent: 8
  timeout: "45s"
  asset_service_url: "https://assets.example.com"
  max_asset_size: "10MB"

ingest:
  batch_size: 50
  dedupe_window: "2m"
  dedupe_size: 500

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  addr: ":9464"
  path: "/metrics"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/coven/local.db", cfg.Database.Path)
	assert.Equal(t, "/var/cache/coven", cfg.Cache.Dir)
	assert.Equal(t, uint64(1<<30), cfg.Cache.MaxSize)
	assert.Equal(t, int64(8), cfg.Pipeline.MaxConcurrent)
	assert.Equal(t, 45*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, "https://assets.example.com", cfg.Pipeline.AssetServiceURL)
	assert.Equal(t, uint64(10_000_000), cfg.Pipeline.MaxAssetSize)
	assert.Equal(t, 50, cfg.Ingest.BatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Ingest.DedupeWindow)
	assert.Equal(t, 500, cfg.Ingest.DedupeSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "localstore.toml", `
[database]
path = "local.db"

[pipeline]
max_concurrent = 2
timeout = "5s"

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "local.db", cfg.Database.Path)
	assert.Equal(t, int64(2), cfg.Pipeline.MaxConcurrent)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, "warn", cfg.Logging.Level)
	// Untouched sections keep their defaults
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 100, cfg.Ingest.BatchSize)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", "database:\n  path: other.db\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	def := Default()
	require.NoError(t, def.resolve())
	assert.Equal(t, "other.db", cfg.Database.Path)
	assert.Equal(t, def.Cache, cfg.Cache)
	assert.Equal(t, def.Pipeline, cfg.Pipeline)
	assert.Equal(t, uint64(512<<20), cfg.Cache.MaxSize)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Ingest.DedupeWindow)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_ASSET_URL", "https://cdn.example.org")
	t.Setenv("TEST_DB_DIR", "/data")
	path := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_DB_DIR}/local.db"
pipeline:
  asset_service_url: "${TEST_ASSET_URL}"
cache:
  dir: "${TEST_UNSET_VARIABLE}assets"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/local.db", cfg.Database.Path)
	assert.Equal(t, "https://cdn.example.org", cfg.Pipeline.AssetServiceURL)
	assert.Equal(t, "assets", cfg.Cache.Dir, "unset variables expand to empty")
}

func TestLoad_UnboundedCache(t *testing.T) {
	path := writeConfig(t, "config.yaml", "cache:\n  max_size: \"0\"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Cache.MaxSize)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"bad duration", "c.yaml", "pipeline:\n  timeout: \"soon\"\n", "parsing timeout"},
		{"bad window", "c.yaml", "ingest:\n  dedupe_window: \"10 minutes\"\n", "parsing dedupe_window"},
		{"bad size", "c.yaml", "cache:\n  max_size: \"lots\"\n", "parsing max_size"},
		{"bad asset size", "c.yaml", "pipeline:\n  max_asset_size: \"-1\"\n", "parsing max_asset_size"},
		{"bad yaml", "c.yaml", "database: [\n", "parsing config file"},
		{"bad toml", "c.toml", "[database\n", "parsing config file"},
		{"empty db path", "c.yaml", "database:\n  path: \"\"\n", "database.path is required"},
		{"no concurrency", "c.yaml", "pipeline:\n  max_concurrent: 0\n", "pipeline.max_concurrent"},
		{"zero timeout", "c.yaml", "pipeline:\n  timeout: \"0s\"\n", "pipeline.timeout must be positive"},
		{"bad url scheme", "c.yaml", "pipeline:\n  asset_service_url: \"ftp://x\"\n", "http or https"},
		{"zero batch", "c.yaml", "ingest:\n  batch_size: 0\n", "ingest.batch_size"},
		{"bad level", "c.yaml", "logging:\n  level: \"loud\"\n", "logging.level"},
		{"bad format", "c.yaml", "logging:\n  format: \"xml\"\n", "logging.format"},
		{"metrics path", "c.yaml", "metrics:\n  enabled: true\n  path: \"metrics\"\n", "metrics.path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadOrDefault(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvConfigPath, "")

	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, "localstore.db", cfg.Database.Path)
	assert.Equal(t, int64(4), cfg.Pipeline.MaxConcurrent)

	path := writeConfig(t, "custom.yaml", "database:\n  path: custom.db\n")
	t.Setenv(EnvConfigPath, path)
	assert.Equal(t, path, Locate())

	cfg, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, "custom.db", cfg.Database.Path)
}

func TestLocate_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvConfigPath, "")

	assert.Empty(t, Locate())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "localstore.toml"), []byte("[logging]\nlevel = \"error\"\n"), 0o644))
	assert.Equal(t, "localstore.toml", Locate())

	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("A_VAR", "alpha")

	assert.Equal(t, "x-alpha-y", expandEnvVars("x-${A_VAR}-y"))
	assert.Equal(t, "alpha alpha", expandEnvVars("${A_VAR} ${A_VAR}"))
	assert.Equal(t, "$A_VAR", expandEnvVars("$A_VAR"))
}
