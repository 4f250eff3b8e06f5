package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if !cfg.Graph.Enabled {
		t.Error("expected graph to be enabled by default")
	}
	if !cfg.Ranking.Enabled {
		t.Error("expected ranking to be enabled by default")
	}
	if cfg.Ranking.RuleBasedAt != 20 || cfg.Ranking.MLAt != 200 {
		t.Errorf("expected phase thresholds 20/200, got %d/%d", cfg.Ranking.RuleBasedAt, cfg.Ranking.MLAt)
	}
	if cfg.Trust.DenyBelow != 0.3 {
		t.Errorf("expected deny_below 0.3, got %v", cfg.Trust.DenyBelow)
	}
	if cfg.Metrics.Enabled {
		t.Error("expected metrics to be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, ".cortexmem", "config.yaml")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}
	if cfg.Archive.WarmAfter != 30*24*time.Hour {
		t.Errorf("expected warm_after 720h, got %v", cfg.Archive.WarmAfter)
	}

	cfg2, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load existing config: %v", err)
	}
	if cfg2.Scheduler != cfg.Scheduler {
		t.Error("config values changed on reload")
	}
}

func TestSaveToPath(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Graph.Enabled = false
	cfg.Ranking.MLAt = 500
	cfg.Trust.QuickDeleteWindow = 10 * time.Minute

	if err := cfg.SaveToPath(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Graph.Enabled {
		t.Error("expected graph to be disabled")
	}
	if loaded.Ranking.MLAt != 500 {
		t.Errorf("expected ml_at 500, got %d", loaded.Ranking.MLAt)
	}
	if loaded.Trust.QuickDeleteWindow != 10*time.Minute {
		t.Errorf("expected quick_delete_window 10m, got %v", loaded.Trust.QuickDeleteWindow)
	}
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("ranking:\n  ml_at: 300\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Ranking.MLAt != 300 {
		t.Errorf("expected ml_at 300, got %d", cfg.Ranking.MLAt)
	}
	if cfg.Ranking.RuleBasedAt != 20 {
		t.Errorf("expected default rule_based_at 20, got %d", cfg.Ranking.RuleBasedAt)
	}
	if cfg.Scheduler.Archive != "@daily" {
		t.Errorf("expected default archive spec, got %q", cfg.Scheduler.Archive)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := LoadFromPath(configPath); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CORTEXMEM_LOGGING_LEVEL", "debug")
	t.Setenv("CORTEXMEM_GRAPH_ENABLED", "false")
	t.Setenv("CORTEXMEM_TRUST_DENY_BELOW", "0.5")

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Graph.Enabled {
		t.Error("expected graph to be disabled by environment")
	}
	if cfg.Trust.DenyBelow != 0.5 {
		t.Errorf("expected deny_below 0.5, got %v", cfg.Trust.DenyBelow)
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }, "data_dir"},
		{"deny above one", func(c *Config) { c.Trust.DenyBelow = 1.5 }, "deny_below"},
		{"thresholds inverted", func(c *Config) { c.Ranking.MLAt = 10 }, "rule_based_at < ml_at"},
		{"cold before warm", func(c *Config) { c.Archive.ColdAfter = time.Hour }, "warm_after < cold_after"},
		{"bad cron spec", func(c *Config) { c.Scheduler.Graph = "every tuesday" }, "scheduler.graph"},
		{"disabled job", func(c *Config) { c.Scheduler.Retrain = "" }, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "log level"},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }, "metrics.addr"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Ranking.Trees = 10
	cfg.Graph.MaxDepth = 2

	if got := cfg.Ranking.ToRanking(); got.Train.Trees != 10 || got.MLAt != 200 {
		t.Errorf("unexpected ranking config: trees=%d ml_at=%d", got.Train.Trees, got.MLAt)
	}
	if got := cfg.Graph.ToGraph(); got.MaxDepth != 2 || got.VectorDims == 0 {
		t.Errorf("unexpected graph config: %+v", got)
	}
	if got := cfg.Trust.ToTrust(); len(got.Weights) == 0 {
		t.Error("expected default signal weights")
	}
	if got := cfg.Archive.ToPolicy(); got.BatchSize == 0 {
		t.Error("expected default batch size")
	}
	if got := cfg.Storage.Options(nil); got.Retry.MaxRetries != cfg.Storage.MaxRetries {
		t.Errorf("expected max retries %d, got %d", cfg.Storage.MaxRetries, got.Retry.MaxRetries)
	}
	if got := cfg.Logging.ToLogging(true); got.Level != "debug" {
		t.Errorf("verbose should force debug, got %s", got.Level)
	}
}
