package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortexmem/internal/data"
	"github.com/normanking/cortexmem/internal/graph"
	"github.com/normanking/cortexmem/internal/logging"
	"github.com/normanking/cortexmem/internal/metrics"
	"github.com/normanking/cortexmem/internal/ranking"
	"github.com/normanking/cortexmem/internal/trust"
)

// Config holds all configuration for the memory engine.
// It is loaded from ~/.cortexmem/config.yaml and can be overridden by environment variables.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Trust     TrustConfig     `mapstructure:"trust" yaml:"trust"`
	Graph     GraphConfig     `mapstructure:"graph" yaml:"graph"`
	Ranking   RankingConfig   `mapstructure:"ranking" yaml:"ranking"`
	Archive   ArchiveConfig   `mapstructure:"archive" yaml:"archive"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// StorageConfig controls where profile databases live and how their write
// queues behave.
type StorageConfig struct {
	// DataDir holds the profile registry, the system store and profiles/
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// BusyTimeout is how long SQLite waits on a lock held by another process
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
	// ReadConns is the size of the read-only connection pool per profile
	ReadConns int `mapstructure:"read_conns" yaml:"read_conns"`
	// QueueSize is the number of writes that may wait for the writer
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	// MaxRetries bounds retries of transient write failures before dead-lettering
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// RetryInitial is the first backoff interval
	RetryInitial time.Duration `mapstructure:"retry_initial" yaml:"retry_initial"`
	// RetryMax caps the backoff interval
	RetryMax time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
}

// Options converts the section to store options.
func (c StorageConfig) Options(m *metrics.Metrics) data.Options {
	return data.Options{
		BusyTimeout: c.BusyTimeout,
		ReadConns:   c.ReadConns,
		QueueSize:   c.QueueSize,
		Retry: data.RetryPolicy{
			MaxRetries:      c.MaxRetries,
			InitialInterval: c.RetryInitial,
			MaxInterval:     c.RetryMax,
		},
		Metrics: m,
	}
}

// TrustConfig is the agent trust policy.
type TrustConfig struct {
	// PriorAlpha and PriorBeta are the Beta prior pseudo-counts for a new agent
	PriorAlpha float64 `mapstructure:"prior_alpha" yaml:"prior_alpha"`
	PriorBeta  float64 `mapstructure:"prior_beta" yaml:"prior_beta"`
	// DenyBelow is the score under which writes and deletes are refused
	DenyBelow float64 `mapstructure:"deny_below" yaml:"deny_below"`
	// WriteRate is the sustained writes per second allowed per agent
	WriteRate float64 `mapstructure:"write_rate" yaml:"write_rate"`
	// WriteBurst is the token bucket capacity
	WriteBurst int `mapstructure:"write_burst" yaml:"write_burst"`
	// BurstWindow and BurstThreshold define a write_burst signal
	BurstWindow    time.Duration `mapstructure:"burst_window" yaml:"burst_window"`
	BurstThreshold int           `mapstructure:"burst_threshold" yaml:"burst_threshold"`
	// QuickDeleteWindow is the age under which deleting your own memory is penalized
	QuickDeleteWindow time.Duration `mapstructure:"quick_delete_window" yaml:"quick_delete_window"`
}

// ToTrust converts the section to the gate policy.
func (c TrustConfig) ToTrust() trust.Config {
	return trust.Config{
		PriorAlpha:        c.PriorAlpha,
		PriorBeta:         c.PriorBeta,
		DenyBelow:         c.DenyBelow,
		WriteRate:         c.WriteRate,
		WriteBurst:        c.WriteBurst,
		BurstWindow:       c.BurstWindow,
		BurstThreshold:    c.BurstThreshold,
		QuickDeleteWindow: c.QuickDeleteWindow,
		Weights:           trust.DefaultWeights(),
	}
}

// GraphConfig controls knowledge graph construction.
type GraphConfig struct {
	// Enabled turns the graph engine on; when off, related lookups return nothing
	Enabled             bool    `mapstructure:"enabled" yaml:"enabled"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	MaxDegree           int     `mapstructure:"max_degree" yaml:"max_degree"`
	MaxClusterSize      int     `mapstructure:"max_cluster_size" yaml:"max_cluster_size"`
	MaxDepth            int     `mapstructure:"max_depth" yaml:"max_depth"`
	Resolution          float64 `mapstructure:"resolution" yaml:"resolution"`
	// ExactBelow is the node count under which similarity search skips the ANN index
	ExactBelow int `mapstructure:"exact_below" yaml:"exact_below"`
}

// ToGraph converts the section to build parameters.
func (c GraphConfig) ToGraph() graph.Config {
	g := graph.DefaultConfig()
	g.SimilarityThreshold = c.SimilarityThreshold
	g.MaxDegree = c.MaxDegree
	g.MaxClusterSize = c.MaxClusterSize
	g.MaxDepth = c.MaxDepth
	g.Resolution = c.Resolution
	g.ExactBelow = c.ExactBelow
	return g
}

// RankingConfig controls the adaptive ranker.
type RankingConfig struct {
	// Enabled selects the adaptive ranker; when off, results use the baseline formula only
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// RuleBasedAt and MLAt are the feedback counts that unlock each phase
	RuleBasedAt  int `mapstructure:"rule_based_at" yaml:"rule_based_at"`
	MLAt         int `mapstructure:"ml_at" yaml:"ml_at"`
	MaxSynthetic int `mapstructure:"max_synthetic" yaml:"max_synthetic"`
	// Baseline weights
	LexicalWeight    float64       `mapstructure:"lexical_weight" yaml:"lexical_weight"`
	RecencyWeight    float64       `mapstructure:"recency_weight" yaml:"recency_weight"`
	ImportanceWeight float64       `mapstructure:"importance_weight" yaml:"importance_weight"`
	RecencyScale     time.Duration `mapstructure:"recency_scale" yaml:"recency_scale"`
	// Pattern learning
	MinConfidence float64 `mapstructure:"min_confidence" yaml:"min_confidence"`
	MinEvidence   int     `mapstructure:"min_evidence" yaml:"min_evidence"`
	MinProjects   int     `mapstructure:"min_projects" yaml:"min_projects"`
	// Model training
	Trees    int `mapstructure:"trees" yaml:"trees"`
	MinPairs int `mapstructure:"min_pairs" yaml:"min_pairs"`
}

// ToRanking converts the section to ranker parameters. Values the section
// does not carry keep their defaults.
func (c RankingConfig) ToRanking() ranking.Config {
	r := ranking.DefaultConfig()
	r.RuleBasedAt = c.RuleBasedAt
	r.MLAt = c.MLAt
	r.MaxSynthetic = c.MaxSynthetic
	r.LexicalWeight = c.LexicalWeight
	r.RecencyWeight = c.RecencyWeight
	r.ImportanceWeight = c.ImportanceWeight
	r.RecencyScale = c.RecencyScale
	r.MinConfidence = c.MinConfidence
	r.MinEvidence = c.MinEvidence
	r.MinProjects = c.MinProjects
	r.Train.Trees = c.Trees
	r.Train.MinPairs = c.MinPairs
	return r
}

// ArchiveConfig is the tier policy.
type ArchiveConfig struct {
	WarmAfter         time.Duration `mapstructure:"warm_after" yaml:"warm_after"`
	ColdAfter         time.Duration `mapstructure:"cold_after" yaml:"cold_after"`
	SummaryChars      int           `mapstructure:"summary_chars" yaml:"summary_chars"`
	ProtectImportance int           `mapstructure:"protect_importance" yaml:"protect_importance"`
}

// ToPolicy converts the section to an archive policy.
func (c ArchiveConfig) ToPolicy() data.ArchivePolicy {
	p := data.DefaultArchivePolicy()
	p.WarmAfter = c.WarmAfter
	p.ColdAfter = c.ColdAfter
	p.SummaryChars = c.SummaryChars
	p.ProtectImportance = c.ProtectImportance
	return p
}

// SchedulerConfig holds the cron specs of the background jobs run by
// `cortexmem serve`. An empty spec disables the job.
type SchedulerConfig struct {
	Archive string `mapstructure:"archive" yaml:"archive"`
	Graph   string `mapstructure:"graph" yaml:"graph"`
	Retrain string `mapstructure:"retrain" yaml:"retrain"`
	// Concurrency bounds how many profiles a job processes at once
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error")
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the JSON log file; empty disables file output
	File string `mapstructure:"file" yaml:"file"`
}

// ToLogging converts the section to logger settings. Verbose forces debug
// output with caller information.
func (c LoggingConfig) ToLogging(verbose bool) logging.Config {
	l := logging.DefaultConfig()
	if verbose {
		l = logging.VerboseConfig()
	} else if c.Level != "" {
		l.Level = c.Level
	}
	l.FilePath = c.File
	return l
}

// MetricsConfig controls the Prometheus endpoint served by `cortexmem serve`.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".cortexmem")

	store := data.DefaultOptions()
	tr := trust.DefaultConfig()
	gr := graph.DefaultConfig()
	rk := ranking.DefaultConfig()
	ar := data.DefaultArchivePolicy()

	return &Config{
		Storage: StorageConfig{
			DataDir:      dataDir,
			BusyTimeout:  store.BusyTimeout,
			ReadConns:    store.ReadConns,
			QueueSize:    store.QueueSize,
			MaxRetries:   store.Retry.MaxRetries,
			RetryInitial: store.Retry.InitialInterval,
			RetryMax:     store.Retry.MaxInterval,
		},
		Trust: TrustConfig{
			PriorAlpha:        tr.PriorAlpha,
			PriorBeta:         tr.PriorBeta,
			DenyBelow:         tr.DenyBelow,
			WriteRate:         tr.WriteRate,
			WriteBurst:        tr.WriteBurst,
			BurstWindow:       tr.BurstWindow,
			BurstThreshold:    tr.BurstThreshold,
			QuickDeleteWindow: tr.QuickDeleteWindow,
		},
		Graph: GraphConfig{
			Enabled:             true,
			SimilarityThreshold: gr.SimilarityThreshold,
			MaxDegree:           gr.MaxDegree,
			MaxClusterSize:      gr.MaxClusterSize,
			MaxDepth:            gr.MaxDepth,
			Resolution:          gr.Resolution,
			ExactBelow:          gr.ExactBelow,
		},
		Ranking: RankingConfig{
			Enabled:          true,
			RuleBasedAt:      rk.RuleBasedAt,
			MLAt:             rk.MLAt,
			MaxSynthetic:     rk.MaxSynthetic,
			LexicalWeight:    rk.LexicalWeight,
			RecencyWeight:    rk.RecencyWeight,
			ImportanceWeight: rk.ImportanceWeight,
			RecencyScale:     rk.RecencyScale,
			MinConfidence:    rk.MinConfidence,
			MinEvidence:      rk.MinEvidence,
			MinProjects:      rk.MinProjects,
			Trees:            rk.Train.Trees,
			MinPairs:         rk.Train.MinPairs,
		},
		Archive: ArchiveConfig{
			WarmAfter:         ar.WarmAfter,
			ColdAfter:         ar.ColdAfter,
			SummaryChars:      ar.SummaryChars,
			ProtectImportance: ar.ProtectImportance,
		},
		Scheduler: SchedulerConfig{
			Archive:     "@daily",
			Graph:       "0 */6 * * *", // Every six hours
			Retrain:     "30 3 * * *",  // Nightly, after the archive pass
			Concurrency: 2,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "logs", "cortexmem.log"),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
	}
}

// DefaultPath returns ~/.cortexmem/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".cortexmem", "config.yaml"), nil
}

// Load reads configuration from the default location (~/.cortexmem/config.yaml)
// and merges with environment variables. If no config file exists, it creates
// one with default values.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. If the file doesn't exist, it creates one with default values.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: CORTEXMEM_RANKING_ML_AT=500
	v.SetEnvPrefix("CORTEXMEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Older files may lack newer sections; start from defaults so missing
	// keys keep their default values.
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Storage.DataDir = expandPath(cfg.Storage.DataDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	return cfg, nil
}

// SaveToPath writes the current configuration to a specific file path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// YAML returns the configuration as it would be written to disk.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// EnsureDirectories creates the data, profiles and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		filepath.Join(c.Storage.DataDir, "profiles"),
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir cannot be empty")
	}
	if c.Storage.MaxRetries < 0 {
		return fmt.Errorf("storage.max_retries cannot be negative")
	}

	if c.Trust.PriorAlpha <= 0 || c.Trust.PriorBeta <= 0 {
		return fmt.Errorf("trust priors must be positive")
	}
	if c.Trust.DenyBelow < 0 || c.Trust.DenyBelow > 1 {
		return fmt.Errorf("trust.deny_below must be between 0 and 1")
	}
	if c.Trust.WriteRate <= 0 || c.Trust.WriteBurst <= 0 {
		return fmt.Errorf("trust.write_rate and trust.write_burst must be positive")
	}

	if c.Graph.SimilarityThreshold < 0 || c.Graph.SimilarityThreshold > 1 {
		return fmt.Errorf("graph.similarity_threshold must be between 0 and 1")
	}
	if c.Graph.MaxDepth < 1 {
		return fmt.Errorf("graph.max_depth must be at least 1")
	}
	if c.Graph.MaxClusterSize < 2 {
		return fmt.Errorf("graph.max_cluster_size must be at least 2")
	}

	if c.Ranking.RuleBasedAt <= 0 || c.Ranking.MLAt <= c.Ranking.RuleBasedAt {
		return fmt.Errorf("ranking thresholds must satisfy 0 < rule_based_at < ml_at")
	}
	if c.Ranking.MaxSynthetic < 0 {
		return fmt.Errorf("ranking.max_synthetic cannot be negative")
	}
	if w := c.Ranking.LexicalWeight + c.Ranking.RecencyWeight + c.Ranking.ImportanceWeight; w <= 0 {
		return fmt.Errorf("ranking weights must sum to a positive value")
	}

	if c.Archive.WarmAfter <= 0 || c.Archive.ColdAfter <= c.Archive.WarmAfter {
		return fmt.Errorf("archive ages must satisfy 0 < warm_after < cold_after")
	}
	if c.Archive.ProtectImportance < 1 || c.Archive.ProtectImportance > 11 {
		return fmt.Errorf("archive.protect_importance must be between 1 and 11")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"archive": c.Scheduler.Archive,
		"graph":   c.Scheduler.Graph,
		"retrain": c.Scheduler.Retrain,
	} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("invalid scheduler.%s spec %q: %w", name, spec, err)
		}
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("scheduler.concurrency must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr cannot be empty when metrics are enabled")
	}
	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
