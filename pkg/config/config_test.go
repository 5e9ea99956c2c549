package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8090" {
		t.Errorf("addr = %s, want :8090", cfg.Addr)
	}
	if cfg.Cache.TTLSeconds != 30 || cfg.Cache.StaleWindowSeconds != 60 {
		t.Errorf("cache defaults = %+v", cfg.Cache)
	}
	if cfg.Reconcile.MatchWindowSeconds != 300 {
		t.Errorf("match window = %d, want 300", cfg.Reconcile.MatchWindowSeconds)
	}
	if cfg.EV.MarginalMinPct != 0 || cfg.EV.GoodMinPct != 2 || cfg.EV.StrongMinPct != 5 {
		t.Errorf("ev thresholds = %+v, want 0/2/5", cfg.EV)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("ODDSFORGE_ADDR", ":9999")
	t.Setenv("ODDSFORGE_WORKER_COUNT", "3")
	t.Setenv("ODDSFORGE_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9999" {
		t.Errorf("addr = %s, want :9999", cfg.Addr)
	}
	if cfg.WorkerCount != 3 {
		t.Errorf("worker_count = %d, want 3", cfg.WorkerCount)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %s, want debug", cfg.LogLevel)
	}
}

func TestLoadYAMLFileThenEnvWins(t *testing.T) {
	yamlContent := `
addr: ":7070"
fetch_interval_seconds: 15
providers:
  - id: oddsapi
    base_url: https://api.example.com/v4
    quota_header: X-Requests-Remaining
`
	path := filepath.Join(t.TempDir(), "oddsforge.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ODDSFORGE_CONFIG", path)
	t.Setenv("ODDSFORGE_ADDR", ":7171") // env beats file

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":7171" {
		t.Errorf("addr = %s, want env override :7171", cfg.Addr)
	}
	if cfg.FetchIntervalSeconds != 15 {
		t.Errorf("fetch_interval_seconds = %d, want 15 from file", cfg.FetchIntervalSeconds)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "oddsapi" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Providers[0].QuotaHeader != "X-Requests-Remaining" {
		t.Errorf("quota_header = %s", cfg.Providers[0].QuotaHeader)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Addr = "" }},
		{"zero interval", func(c *Config) { c.FetchIntervalSeconds = 0 }},
		{"zero workers", func(c *Config) { c.WorkerCount = 0 }},
		{"zero ttl", func(c *Config) { c.Cache.TTLSeconds = 0 }},
		{"unordered ev thresholds", func(c *Config) { c.EV.GoodMinPct = 10 }},
		{"provider missing id", func(c *Config) { c.Providers = []Provider{{BaseURL: "https://x"}} }},
		{"provider missing base url", func(c *Config) { c.Providers = []Provider{{ID: "p"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
