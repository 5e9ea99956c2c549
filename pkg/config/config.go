// Package config defines process configuration and its layered loading.
//
// Precedence (low -> high): built-in defaults, optional YAML file named by
// ODDSFORGE_CONFIG, then ODDSFORGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Provider configures one upstream odds source.
type Provider struct {
	ID      string `koanf:"id"`
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`

	// AuthHeader is the header the provider reads the key from.
	AuthHeader string `koanf:"auth_header"`

	// RateLimit is the steady-state request budget in requests per second.
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`

	// QuotaHeader and QuotaResetHeader name the provider's quota-signal
	// response headers; they differ between providers.
	QuotaHeader      string `koanf:"quota_header"`
	QuotaResetHeader string `koanf:"quota_reset_header"`

	TimeoutMS int `koanf:"timeout_ms"`
}

// Retry configures the fetch retry policy shared by all providers.
type Retry struct {
	MaxAttempts int     `koanf:"max_attempts"`
	BaseDelayMS int     `koanf:"base_delay_ms"`
	Multiplier  float64 `koanf:"multiplier"`
	MaxDelayMS  int     `koanf:"max_delay_ms"`
	Jitter      float64 `koanf:"jitter"`
}

// Cache configures the odds cache.
type Cache struct {
	TTLSeconds         int `koanf:"ttl_seconds"`
	StaleWindowSeconds int `koanf:"stale_window_seconds"`
	Capacity           int `koanf:"capacity"`
	Shards             int `koanf:"shards"`
}

// Reconcile configures event matching.
type Reconcile struct {
	MatchWindowSeconds int `koanf:"match_window_seconds"`
	GracePeriodMinutes int `koanf:"grace_period_minutes"`
	Shards             int `koanf:"shards"`
}

// EV configures the expected-value engine.
type EV struct {
	ModelBaseURL   string  `koanf:"model_base_url"`
	ModelTimeoutMS int     `koanf:"model_timeout_ms"`
	MarginalMinPct float64 `koanf:"marginal_min_pct"`
	GoodMinPct     float64 `koanf:"good_min_pct"`
	StrongMinPct   float64 `koanf:"strong_min_pct"`
}

// Arb configures the arbitrage detector.
type Arb struct {
	SuspiciousProfitPct float64 `koanf:"suspicious_profit_pct"`
}

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8090".
	Addr string `koanf:"addr"`

	// Sports lists the sport keys to poll.
	Sports []string `koanf:"sports"`

	// FetchIntervalSeconds paces the pipeline cycle.
	FetchIntervalSeconds int `koanf:"fetch_interval_seconds"`

	// WorkerCount sets the size of the EV/arbitrage compute pool.
	WorkerCount int `koanf:"worker_count"`

	// TeamsFile points to a YAML canonicalization table; empty uses the
	// built-in one.
	TeamsFile string `koanf:"teams_file"`

	Providers []Provider `koanf:"providers"`
	Retry     Retry      `koanf:"retry"`
	Cache     Cache      `koanf:"cache"`
	Reconcile Reconcile  `koanf:"reconcile"`
	EV        EV         `koanf:"ev"`
	Arb       Arb        `koanf:"arb"`

	// RedisAddr enables the stream publisher when set.
	RedisAddr string `koanf:"redis_addr"`

	// PostgresDSN enables the arbitrage audit writer when set.
	PostgresDSN string `koanf:"postgres_dsn"`

	// PushURL enables the WebSocket invalidation listener when set.
	PushURL string `koanf:"push_url"`
}

// New returns a Config holding the built-in defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		Addr:                 ":8090",
		Sports:               []string{"basketball_nba"},
		FetchIntervalSeconds: 30,
		WorkerCount:          runtime.NumCPU(),
		Retry: Retry{
			MaxAttempts: 4,
			BaseDelayMS: 250,
			Multiplier:  2.0,
			MaxDelayMS:  5000,
			Jitter:      0.2,
		},
		Cache: Cache{
			TTLSeconds:         30,
			StaleWindowSeconds: 60,
			Capacity:           4096,
			Shards:             16,
		},
		Reconcile: Reconcile{
			MatchWindowSeconds: 300,
			GracePeriodMinutes: 180,
			Shards:             8,
		},
		EV: EV{
			ModelTimeoutMS: 2000,
			MarginalMinPct: 0,
			GoodMinPct:     2,
			StrongMinPct:   5,
		},
		Arb: Arb{
			SuspiciousProfitPct: 15,
		},
	}
}

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if ODDSFORGE_CONFIG is set
//  3. env (prefix ODDSFORGE_)
func Load() (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv("ODDSFORGE_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	// Environment variables: ODDSFORGE_ADDR, ODDSFORGE_WORKER_COUNT, ...
	// Preserve underscores to match the koanf tags on the struct.
	envProvider := env.Provider("ODDSFORGE_", ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "oddsforge_")
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.FetchIntervalSeconds <= 0 {
		return errors.New("fetch_interval_seconds must be positive")
	}
	if c.WorkerCount <= 0 {
		return errors.New("worker_count must be positive")
	}
	if c.Cache.TTLSeconds <= 0 {
		return errors.New("cache.ttl_seconds must be positive")
	}
	if c.Reconcile.MatchWindowSeconds <= 0 {
		return errors.New("reconcile.match_window_seconds must be positive")
	}
	if !(c.EV.MarginalMinPct <= c.EV.GoodMinPct && c.EV.GoodMinPct <= c.EV.StrongMinPct) {
		return errors.New("ev thresholds must be ordered marginal <= good <= strong")
	}
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d].id must not be empty", i)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url must not be empty", p.ID)
		}
	}
	return nil
}

// FetchInterval returns the cycle pace as a duration.
func (c *Config) FetchInterval() time.Duration {
	return time.Duration(c.FetchIntervalSeconds) * time.Second
}
