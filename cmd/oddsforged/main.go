// oddsforged is the odds aggregation daemon. It polls configured providers,
// reconciles their feeds into canonical events, computes expected value
// against a model probability service, and detects cross-bookmaker arbitrage.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oddsforge/oddsforge/core"
	"github.com/oddsforge/oddsforge/pkg/arb"
	"github.com/oddsforge/oddsforge/pkg/cache"
	"github.com/oddsforge/oddsforge/pkg/config"
	"github.com/oddsforge/oddsforge/pkg/engine"
	"github.com/oddsforge/oddsforge/pkg/ev"
	"github.com/oddsforge/oddsforge/pkg/metrics"
	"github.com/oddsforge/oddsforge/pkg/provider"
	"github.com/oddsforge/oddsforge/pkg/push"
	"github.com/oddsforge/oddsforge/pkg/reconcile"
	"github.com/oddsforge/oddsforge/pkg/store"
)

var (
	httpAddr = flag.String("http", "", "HTTP listen address (overrides config)")
	verbose  = flag.Bool("verbose", false, "Force debug logging")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.Addr = *httpAddr
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting oddsforged",
		zap.Strings("sports", cfg.Sports),
		zap.Int("providers", len(cfg.Providers)),
		zap.String("addr", cfg.Addr))

	app, err := newApp(cfg, log)
	if err != nil {
		log.Fatal("initialization failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	srv := &http.Server{Addr: cfg.Addr, Handler: app.routes()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	go func() {
		filters := app.filters(cfg.Sports)
		if err := app.engine.Run(ctx, cfg.FetchInterval(), filters); err != nil && err != context.Canceled {
			log.Error("engine stopped", zap.Error(err))
		}
	}()

	if app.listener != nil {
		if err := app.listener.Connect(ctx); err != nil {
			// Push is an optimization over TTL expiry, not a requirement.
			log.Warn("push listener unavailable", zap.Error(err))
		}
	}

	<-sigCh
	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	if app.listener != nil {
		app.listener.Close()
	}
	if app.audit != nil {
		app.audit.Close()
	}
	log.Info("goodbye")
}

type app struct {
	cfg      *config.Config
	log      *zap.Logger
	engine   *engine.Engine
	metrics  *metrics.PipelineMetrics
	listener *push.Listener
	audit    *store.AuditWriter
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.NewPipelineMetrics()}

	retry := provider.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMS) * time.Millisecond,
		Multiplier:  cfg.Retry.Multiplier,
		MaxDelay:    time.Duration(cfg.Retry.MaxDelayMS) * time.Millisecond,
		Jitter:      cfg.Retry.Jitter,
	}
	var providers []*provider.Client
	for _, p := range cfg.Providers {
		providers = append(providers, provider.NewClient(provider.Config{
			ID:               p.ID,
			BaseURL:          p.BaseURL,
			APIKey:           p.APIKey,
			AuthHeader:       p.AuthHeader,
			RateLimit:        p.RateLimit,
			Burst:            p.Burst,
			QuotaHeader:      p.QuotaHeader,
			QuotaResetHeader: p.QuotaResetHeader,
			Retry:            retry,
			Timeout:          time.Duration(p.TimeoutMS) * time.Millisecond,
		}, log))
	}

	quoteCache := cache.New[[]core.Quote](cache.Options{
		Shards:      cfg.Cache.Shards,
		Capacity:    cfg.Cache.Capacity,
		StaleWindow: time.Duration(cfg.Cache.StaleWindowSeconds) * time.Second,
		Logger:      log,
	})

	teams := reconcile.DefaultTeams()
	if cfg.TeamsFile != "" {
		loaded, err := reconcile.LoadTeams(cfg.TeamsFile)
		if err != nil {
			return nil, fmt.Errorf("teams table: %w", err)
		}
		teams = loaded
	}
	registry := reconcile.NewRegistry(reconcile.NewNormalizer(teams), reconcile.RegistryOptions{
		MatchWindow: time.Duration(cfg.Reconcile.MatchWindowSeconds) * time.Second,
		GracePeriod: time.Duration(cfg.Reconcile.GracePeriodMinutes) * time.Minute,
		Shards:      cfg.Reconcile.Shards,
		Logger:      log,
	})

	evEngine := ev.NewEngine(ev.WithThresholds(ev.LabelThresholds{
		MarginalMin: decimal.NewFromFloat(cfg.EV.MarginalMinPct),
		GoodMin:     decimal.NewFromFloat(cfg.EV.GoodMinPct),
		StrongMin:   decimal.NewFromFloat(cfg.EV.StrongMinPct),
	}))
	modelClient := ev.NewModelClient(cfg.EV.ModelBaseURL,
		time.Duration(cfg.EV.ModelTimeoutMS)*time.Millisecond, log)

	detector := arb.NewDetector(arb.Options{
		SuspiciousProfitPercent: decimal.NewFromFloat(cfg.Arb.SuspiciousProfitPct),
	})

	var extra []engine.Option
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		extra = append(extra, engine.WithStreamSink(store.NewStreamPublisher(rdb, log)))
		log.Info("stream publisher enabled", zap.String("redis", cfg.RedisAddr))
	}
	if cfg.PostgresDSN != "" {
		audit, err := store.OpenAuditWriter(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("audit writer: %w", err)
		}
		a.audit = audit
		extra = append(extra, engine.WithAuditSink(audit))
		log.Info("audit writer enabled")
	}

	a.engine = engine.New(providers, quoteCache, registry, evEngine, modelClient, detector,
		engine.Options{
			QuoteTTL:    time.Duration(cfg.Cache.TTLSeconds) * time.Second,
			WorkerCount: cfg.WorkerCount,
			Logger:      log,
			Metrics:     a.metrics,
		}, extra...)

	if cfg.PushURL != "" {
		a.listener = push.NewListener(push.DefaultConfig(cfg.PushURL), a.engine, log)
	}

	return a, nil
}

func (a *app) filters(sports []string) []provider.MarketFilter {
	out := make([]provider.MarketFilter, 0, len(sports))
	for _, s := range sports {
		out = append(out, provider.MarketFilter{Sport: s})
	}
	return out
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		h := a.engine.Health()
		w.Header().Set("Content-Type", "application/json")
		if h.LastCycle.IsZero() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		sport := r.URL.Query().Get("sport")
		events := a.engine.CanonicalEvents(sport, time.Time{}, time.Time{})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	})

	mux.HandleFunc("/events/ev", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("event_id")
		if id == "" {
			http.Error(w, "event_id required", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(a.engine.EVResults(id))
	})

	mux.HandleFunc("/arbitrage", func(w http.ResponseWriter, r *http.Request) {
		sport := r.URL.Query().Get("sport")
		minProfit := decimal.Zero
		if raw := r.URL.Query().Get("min_profit"); raw != "" {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				http.Error(w, "min_profit must be a number", http.StatusBadRequest)
				return
			}
			minProfit = decimal.NewFromFloat(f)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(a.engine.ArbitrageOpportunities(sport, minProfit))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics.Registry(), promhttp.HandlerOpts{}))

	return mux
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
