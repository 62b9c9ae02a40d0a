// Package config handles configuration loading for coven-localstore.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every value has a default, so a file only needs the settings
// that differ.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_LOCALSTORE_CONFIG environment variable
//  2. ./localstore.yaml or ./localstore.toml (current directory)
//  3. ~/.config/coven/localstore.yaml
//
// Files ending in .toml are parsed as TOML, all others as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	pipeline:
//	  asset_service_url: "${COVEN_ASSET_URL}"
//
// Syntax: ${VAR_NAME}
//
// # Durations and Sizes
//
// Durations use Go's time.ParseDuration syntax ("30s", "10m"). Sizes are
// human readable byte counts ("512 MiB", "25MB"); "0" means unbounded.
//
// # Configuration Sections
//
//	database:
//	  path: "localstore.db"
//
//	cache:
//	  dir: "assets"
//	  max_size: "512 MiB"        # pruned oldest first beyond this
//
//	pipeline:
//	  max_concurrent: 4          # simultaneous network operations
//	  timeout: "30s"             # per network operation
//	  asset_service_url: "https://assets.example.com"
//	  max_asset_size: "25 MiB"
//
//	ingest:
//	  batch_size: 100            # events saved per transaction
//	  dedupe_window: "10m"
//	  dedupe_size: 10000
//
//	logging:
//	  level: "info"              # debug, info, warn, error
//	  format: "text"             # text, json
//
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
//	  path: "/metrics"
//
// # Usage
//
//	cfg, err := config.LoadOrDefault("")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
