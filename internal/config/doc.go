// Package config provides configuration management for cortexmem.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. The file lives at ~/.cortexmem/config.yaml and is
// created with defaults on first use.
//
// # Environment Variables
//
// Every value can be overridden with the CORTEXMEM_ prefix. Nested fields
// are separated by underscores:
//   - CORTEXMEM_STORAGE_DATA_DIR=/srv/cortexmem
//   - CORTEXMEM_RANKING_ML_AT=500
//   - CORTEXMEM_GRAPH_ENABLED=false
//   - CORTEXMEM_LOGGING_LEVEL=debug
//
// # Configuration Sections
//
//   - Storage: data directory and write queue limits
//   - Trust: agent trust priors, deny threshold and rate limits
//   - Graph: similarity edges and clustering
//   - Ranking: phase thresholds, baseline weights, pattern and model training
//   - Archive: tier ages and protected importance
//   - Scheduler: cron specs for background jobs
//   - Logging: log level and output file
//   - Metrics: Prometheus endpoint
//
// Each component section converts to the component's own config type
// (StorageConfig.Options, TrustConfig.ToTrust, and so on) so packages never
// import config themselves.
package config
