// Package metrics provides Prometheus metrics for the odds pipeline.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// PipelineMetrics collects and exposes pipeline-related Prometheus metrics.
type PipelineMetrics struct {
	registry *prometheus.Registry

	// Provider metrics
	FetchesTotal     *prometheus.CounterVec
	FetchLatency     *prometheus.HistogramVec
	FetchRetries     *prometheus.CounterVec
	QuotaRemaining   *prometheus.GaugeVec
	LastFetchSuccess *prometheus.GaugeVec
	BreakerOpen      *prometheus.GaugeVec

	// Cache metrics
	CacheHits      *prometheus.CounterVec
	CacheStaleHits *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec
	CacheRefreshes *prometheus.CounterVec

	// Reconciliation metrics
	QuotesApplied    *prometheus.CounterVec
	QuotesDiscarded  *prometheus.CounterVec
	AmbiguousMatches *prometheus.CounterVec
	ActiveEvents     *prometheus.GaugeVec
	ArchivedEvents   *prometheus.CounterVec

	// EV metrics
	EVComputed     *prometheus.CounterVec
	EVSkipped      *prometheus.CounterVec
	EVPercent      *prometheus.HistogramVec
	EVDisagreement *prometheus.HistogramVec

	// Arbitrage metrics
	ArbDetected      *prometheus.CounterVec
	ArbProfitPercent *prometheus.HistogramVec

	// Pipeline metrics
	CycleRuns    *prometheus.CounterVec
	StageLatency *prometheus.HistogramVec
}

// NewPipelineMetrics creates a new pipeline metrics collector.
func NewPipelineMetrics() *PipelineMetrics {
	registry := prometheus.NewRegistry()

	pm := &PipelineMetrics{
		registry: registry,

		// Provider metrics
		FetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_fetches_total",
				Help: "Total number of provider fetches",
			},
			[]string{"provider", "status"},
		),
		FetchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oddsforge_fetch_latency_seconds",
				Help:    "Provider fetch latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"provider"},
		),
		FetchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_fetch_retries_total",
				Help: "Total number of fetch retry attempts",
			},
			[]string{"provider"},
		),
		QuotaRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oddsforge_quota_remaining",
				Help: "Requests remaining per provider, -1 if unknown",
			},
			[]string{"provider"},
		),
		LastFetchSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oddsforge_last_fetch_success_timestamp_seconds",
				Help: "Unix timestamp of the last successful fetch per provider",
			},
			[]string{"provider"},
		),
		BreakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oddsforge_breaker_open",
				Help: "Whether the provider circuit breaker is open (1=yes, 0=no)",
			},
			[]string{"provider"},
		),

		// Cache metrics
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_cache_hits_total",
				Help: "Total number of fresh cache hits",
			},
			[]string{},
		),
		CacheStaleHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_cache_stale_hits_total",
				Help: "Total number of stale-while-revalidate hits",
			},
			[]string{},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{},
		),
		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_cache_evictions_total",
				Help: "Total number of LRU evictions",
			},
			[]string{},
		),
		CacheRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_cache_refreshes_total",
				Help: "Total number of background refreshes",
			},
			[]string{},
		),

		// Reconciliation metrics
		QuotesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_quotes_applied_total",
				Help: "Total number of quotes applied to canonical events",
			},
			[]string{"provider"},
		),
		QuotesDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_quotes_discarded_total",
				Help: "Total number of out-of-order quotes discarded",
			},
			[]string{"provider"},
		),
		AmbiguousMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_ambiguous_matches_total",
				Help: "Total number of ambiguous event matches resolved by tie-break",
			},
			[]string{},
		),
		ActiveEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oddsforge_active_events",
				Help: "Number of live canonical events being tracked",
			},
			[]string{"sport"},
		),
		ArchivedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_archived_events_total",
				Help: "Total number of canonical events archived",
			},
			[]string{},
		),

		// EV metrics
		EVComputed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_ev_computed_total",
				Help: "Total number of EV results computed",
			},
			[]string{"label"},
		),
		EVSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_ev_skipped_total",
				Help: "Quotes skipped because no model probability was available",
			},
			[]string{},
		),
		EVPercent: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oddsforge_ev_percent",
				Help:    "Computed EV percent distribution",
				Buckets: []float64{-20, -10, -5, -2, 0, 2, 5, 10, 20, 50},
			},
			[]string{},
		),
		EVDisagreement: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oddsforge_ev_disagreement",
				Help:    "Ensemble probability disagreement (std dev)",
				Buckets: prometheus.LinearBuckets(0, 0.05, 11), // 0 to 0.5
			},
			[]string{},
		),

		// Arbitrage metrics
		ArbDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_arbitrage_detected_total",
				Help: "Total number of arbitrage opportunities detected",
			},
			[]string{"sport"},
		),
		ArbProfitPercent: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oddsforge_arbitrage_profit_percent",
				Help:    "Detected arbitrage profit percent distribution",
				Buckets: []float64{0, 0.5, 1, 2, 3, 5, 8, 12, 20, 50},
			},
			[]string{},
		),

		// Pipeline metrics
		CycleRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oddsforge_cycle_runs_total",
				Help: "Total number of pipeline cycles",
			},
			[]string{"status"},
		),
		StageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oddsforge_stage_latency_seconds",
				Help:    "Individual pipeline stage latency",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
			[]string{"stage"},
		),
	}

	pm.registerAll()

	return pm
}

func (pm *PipelineMetrics) registerAll() {
	pm.registry.MustRegister(
		pm.FetchesTotal,
		pm.FetchLatency,
		pm.FetchRetries,
		pm.QuotaRemaining,
		pm.LastFetchSuccess,
		pm.BreakerOpen,
		pm.CacheHits,
		pm.CacheStaleHits,
		pm.CacheMisses,
		pm.CacheEvictions,
		pm.CacheRefreshes,
		pm.QuotesApplied,
		pm.QuotesDiscarded,
		pm.AmbiguousMatches,
		pm.ActiveEvents,
		pm.ArchivedEvents,
		pm.EVComputed,
		pm.EVSkipped,
		pm.EVPercent,
		pm.EVDisagreement,
		pm.ArbDetected,
		pm.ArbProfitPercent,
		pm.CycleRuns,
		pm.StageLatency,
	)
}

// Registry returns the prometheus registry.
func (pm *PipelineMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// --- Helper methods for recording metrics ---

// RecordFetch records one provider fetch outcome.
func (pm *PipelineMetrics) RecordFetch(provider, status string, latencySec float64) {
	pm.FetchesTotal.WithLabelValues(provider, status).Inc()
	if latencySec > 0 {
		pm.FetchLatency.WithLabelValues(provider).Observe(latencySec)
	}
}

// RecordFetchRetries adds backoff retries observed since the last call.
func (pm *PipelineMetrics) RecordFetchRetries(provider string, retries int) {
	if retries > 0 {
		pm.FetchRetries.WithLabelValues(provider).Add(float64(retries))
	}
}

// UpdateProviderHealth updates per-provider gauges.
func (pm *PipelineMetrics) UpdateProviderHealth(provider string, quotaRemaining int, lastSuccessUnix float64, breakerOpen bool) {
	pm.QuotaRemaining.WithLabelValues(provider).Set(float64(quotaRemaining))
	if lastSuccessUnix > 0 {
		pm.LastFetchSuccess.WithLabelValues(provider).Set(lastSuccessUnix)
	}
	if breakerOpen {
		pm.BreakerOpen.WithLabelValues(provider).Set(1)
	} else {
		pm.BreakerOpen.WithLabelValues(provider).Set(0)
	}
}

// RecordCache applies a delta of cache counters.
func (pm *PipelineMetrics) RecordCache(hits, staleHits, misses, evictions, refreshes uint64) {
	pm.CacheHits.WithLabelValues().Add(float64(hits))
	pm.CacheStaleHits.WithLabelValues().Add(float64(staleHits))
	pm.CacheMisses.WithLabelValues().Add(float64(misses))
	pm.CacheEvictions.WithLabelValues().Add(float64(evictions))
	pm.CacheRefreshes.WithLabelValues().Add(float64(refreshes))
}

// RecordReconcile records one reconciliation batch outcome.
func (pm *PipelineMetrics) RecordReconcile(provider string, applied, discarded, ambiguous int) {
	pm.QuotesApplied.WithLabelValues(provider).Add(float64(applied))
	pm.QuotesDiscarded.WithLabelValues(provider).Add(float64(discarded))
	if ambiguous > 0 {
		pm.AmbiguousMatches.WithLabelValues().Add(float64(ambiguous))
	}
}

// UpdateActiveEvents updates the live event count for one sport.
func (pm *PipelineMetrics) UpdateActiveEvents(sport string, count int) {
	pm.ActiveEvents.WithLabelValues(sport).Set(float64(count))
}

// RecordArchived records archived events.
func (pm *PipelineMetrics) RecordArchived(count int) {
	pm.ArchivedEvents.WithLabelValues().Add(float64(count))
}

// RecordEV records one computed EV result.
func (pm *PipelineMetrics) RecordEV(label string, evPercent, disagreement float64) {
	pm.EVComputed.WithLabelValues(label).Inc()
	pm.EVPercent.WithLabelValues().Observe(evPercent)
	if disagreement > 0 {
		pm.EVDisagreement.WithLabelValues().Observe(disagreement)
	}
}

// RecordEVSkipped records quotes skipped for lack of a model probability.
func (pm *PipelineMetrics) RecordEVSkipped(count int) {
	if count > 0 {
		pm.EVSkipped.WithLabelValues().Add(float64(count))
	}
}

// RecordArbitrage records one detected opportunity.
func (pm *PipelineMetrics) RecordArbitrage(sport string, profitPercent float64) {
	pm.ArbDetected.WithLabelValues(sport).Inc()
	pm.ArbProfitPercent.WithLabelValues().Observe(profitPercent)
}

// RecordCycle records one pipeline cycle.
func (pm *PipelineMetrics) RecordCycle(status string) {
	pm.CycleRuns.WithLabelValues(status).Inc()
}

// RecordStage records a stage execution.
func (pm *PipelineMetrics) RecordStage(stage string, durationSec float64) {
	pm.StageLatency.WithLabelValues(stage).Observe(durationSec)
}

// --- Decimal helpers ---

// DecimalToFloat64 safely converts decimal.Decimal to float64 for metrics.
func DecimalToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Global instance for convenience
var defaultMetrics *PipelineMetrics
var once sync.Once

// Default returns the default global metrics instance.
func Default() *PipelineMetrics {
	once.Do(func() {
		defaultMetrics = NewPipelineMetrics()
	})
	return defaultMetrics
}
