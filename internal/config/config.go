// ABOUTME: Configuration loading and parsing for coven-localstore
// ABOUTME: YAML or TOML files with environment variable expansion, duration and byte size parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config
// file location.
const EnvConfigPath = "COVEN_LOCALSTORE_CONFIG"

// Config represents the complete coven-localstore configuration
type Config struct {
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache"`
	Pipeline PipelineConfig `yaml:"pipeline" toml:"pipeline"`
	Ingest   IngestConfig   `yaml:"ingest" toml:"ingest"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// DatabaseConfig holds the store location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// CacheConfig holds the asset cache location and size bound
type CacheConfig struct {
	Dir     string `yaml:"dir" toml:"dir"`
	MaxSize uint64 `yaml:"-" toml:"-"` // 0 means unbounded

	MaxSizeRaw string `yaml:"max_size" toml:"max_size"`
}

// PipelineConfig holds attachment pipeline limits and the asset service
type PipelineConfig struct {
	MaxConcurrent   int64         `yaml:"max_concurrent" toml:"max_concurrent"`
	AssetServiceURL string        `yaml:"asset_service_url" toml:"asset_service_url"`
	Timeout         time.Duration `yaml:"-" toml:"-"`
	MaxAssetSize    uint64        `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
	MaxAssetSizeRaw string `yaml:"max_asset_size" toml:"max_asset_size"`
}

// IngestConfig holds update event ingestion settings
type IngestConfig struct {
	BatchSize    int           `yaml:"batch_size" toml:"batch_size"`
	DedupeSize   int           `yaml:"dedupe_size" toml:"dedupe_size"`
	DedupeWindow time.Duration `yaml:"-" toml:"-"`

	DedupeWindowRaw string `yaml:"dedupe_window" toml:"dedupe_window"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "localstore.db"},
		Cache:    CacheConfig{Dir: "assets", MaxSizeRaw: "512 MiB"},
		Pipeline: PipelineConfig{
			MaxConcurrent:   4,
			TimeoutRaw:      "30s",
			MaxAssetSizeRaw: "25 MiB",
		},
		Ingest: IngestConfig{
			BatchSize:       100,
			DedupeSize:      10000,
			DedupeWindowRaw: "10m",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464", Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Files ending in .toml are read as TOML, everything else as YAML.
// Values missing from the file keep their defaults. Environment variables in
// the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, or the located config file when path is empty,
// or the defaults when no file exists.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = Locate()
	}
	if path != "" {
		return Load(path)
	}
	cfg := Default()
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Locate returns the first config file found in the usual places: the path
// in COVEN_LOCALSTORE_CONFIG, ./localstore.yaml, ./localstore.toml, then
// ~/.config/coven/localstore.yaml. Returns "" if none exists.
func Locate() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	candidates := []string{"localstore.yaml", "localstore.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "coven", "localstore.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func (c *Config) resolve() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	if err := parseSizes(c); err != nil {
		return fmt.Errorf("parsing sizes: %w", err)
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}

	if c.Pipeline.MaxConcurrent < 1 {
		return fmt.Errorf("pipeline.max_concurrent must be at least 1")
	}
	if c.Pipeline.Timeout <= 0 {
		return fmt.Errorf("pipeline.timeout must be positive")
	}
	if c.Pipeline.AssetServiceURL != "" {
		u, err := url.Parse(c.Pipeline.AssetServiceURL)
		if err != nil {
			return fmt.Errorf("pipeline.asset_service_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("pipeline.asset_service_url must use http or https scheme")
		}
	}

	if c.Ingest.BatchSize < 1 {
		return fmt.Errorf("ingest.batch_size must be at least 1")
	}
	if c.Ingest.DedupeSize < 1 {
		return fmt.Errorf("ingest.dedupe_size must be at least 1")
	}
	if c.Ingest.DedupeWindow <= 0 {
		return fmt.Errorf("ingest.dedupe_window must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return fmt.Errorf("metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /")
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Pipeline.TimeoutRaw != "" {
		cfg.Pipeline.Timeout, err = time.ParseDuration(cfg.Pipeline.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing timeout %q: %w", cfg.Pipeline.TimeoutRaw, err)
		}
	}

	if cfg.Ingest.DedupeWindowRaw != "" {
		cfg.Ingest.DedupeWindow, err = time.ParseDuration(cfg.Ingest.DedupeWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_window %q: %w", cfg.Ingest.DedupeWindowRaw, err)
		}
	}

	return nil
}

// parseSizes converts human readable sizes such as "512 MiB" into bytes.
// An empty or "0" size means unbounded.
func parseSizes(cfg *Config) error {
	var err error

	if cfg.Cache.MaxSizeRaw != "" {
		cfg.Cache.MaxSize, err = humanize.ParseBytes(cfg.Cache.MaxSizeRaw)
		if err != nil {
			return fmt.Errorf("parsing max_size %q: %w", cfg.Cache.MaxSizeRaw, err)
		}
	}

	if cfg.Pipeline.MaxAssetSizeRaw != "" {
		cfg.Pipeline.MaxAssetSize, err = humanize.ParseBytes(cfg.Pipeline.MaxAssetSizeRaw)
		if err != nil {
			return fmt.Errorf("parsing max_asset_size %q: %w", cfg.Pipeline.MaxAssetSizeRaw, err)
		}
	}

	return nil
}
