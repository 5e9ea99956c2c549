// Package engine orchestrates the pipeline: provider fetches flow through
// the dedup cache into the reconciliation registry, then a worker pool
// computes EV and arbitrage per market. It also exposes the read API the
// rest of the platform consumes.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oddsforge/oddsforge/core"
	"github.com/oddsforge/oddsforge/pkg/arb"
	"github.com/oddsforge/oddsforge/pkg/cache"
	"github.com/oddsforge/oddsforge/pkg/ev"
	"github.com/oddsforge/oddsforge/pkg/metrics"
	"github.com/oddsforge/oddsforge/pkg/provider"
	"github.com/oddsforge/oddsforge/pkg/reconcile"
)

// StreamSink receives applied quotes and computed EV results. Implemented by
// the Redis stream publisher; optional.
type StreamSink interface {
	PublishQuote(ctx context.Context, canonicalID, marketKey string, q core.Quote) error
	PublishEVResults(ctx context.Context, sport string, results []core.EVResult) error
}

// AuditSink receives detected arbitrage opportunities. Implemented by the
// Postgres audit writer; optional.
type AuditSink interface {
	WriteOpportunity(ctx context.Context, opp *core.ArbitrageOpportunity) error
}

// Options configures the engine.
type Options struct {
	// QuoteTTL is the cache TTL for provider fetch results.
	QuoteTTL time.Duration

	// WorkerCount sizes the EV/arbitrage compute pool.
	WorkerCount int

	Logger  *zap.Logger
	Metrics *metrics.PipelineMetrics
	Now     func() time.Time
}

func (o *Options) defaults() {
	if o.QuoteTTL <= 0 {
		o.QuoteTTL = 30 * time.Second
	}
	if o.WorkerCount <= 0 {
		o.WorkerCount = 4
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewPipelineMetrics()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine wires the pipeline stages together.
type Engine struct {
	providers []*provider.Client
	cache     *cache.Cache[[]core.Quote]
	registry  *reconcile.Registry
	evEngine  *ev.Engine
	getter    ev.ProbabilityGetter
	detector  *arb.Detector
	opts      Options

	stream StreamSink
	audit  AuditSink

	mu        sync.RWMutex
	evResults map[string][]core.EVResult // canonical event ID -> results
	arbOpps   []*core.ArbitrageOpportunity
	lastCycle time.Time
	prevStats cache.Stats

	prevRetries map[string]int64 // last seen cumulative retries per provider
}

// Option mutates the engine during construction.
type Option func(*Engine)

// WithStreamSink attaches the append-only stream publisher.
func WithStreamSink(s StreamSink) Option {
	return func(e *Engine) { e.stream = s }
}

// WithAuditSink attaches the arbitrage audit writer.
func WithAuditSink(a AuditSink) Option {
	return func(e *Engine) { e.audit = a }
}

// New builds an engine over the given stages.
func New(
	providers []*provider.Client,
	qc *cache.Cache[[]core.Quote],
	registry *reconcile.Registry,
	evEngine *ev.Engine,
	getter ev.ProbabilityGetter,
	detector *arb.Detector,
	opts Options,
	extra ...Option,
) *Engine {
	opts.defaults()
	e := &Engine{
		providers:   providers,
		cache:       qc,
		registry:    registry,
		evEngine:    evEngine,
		getter:      getter,
		detector:    detector,
		opts:        opts,
		evResults:   make(map[string][]core.EVResult),
		prevRetries: make(map[string]int64),
	}
	for _, o := range extra {
		o(e)
	}
	return e
}

// Run executes cycles at the given interval until the context is canceled.
func (e *Engine) Run(ctx context.Context, interval time.Duration, filters []provider.MarketFilter) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First cycle immediately; the ticker paces the rest.
	e.RunCycle(ctx, filters)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.RunCycle(ctx, filters)
		}
	}
}

// RunCycle performs one full fetch/reconcile/compute pass. Provider failures
// degrade the cycle (stale or partial data) rather than aborting it.
func (e *Engine) RunCycle(ctx context.Context, filters []provider.MarketFilter) {
	start := e.opts.Now()

	quotes := e.fetchAll(ctx, filters)
	e.opts.Metrics.RecordStage("fetch", e.opts.Now().Sub(start).Seconds())

	reconcileStart := e.opts.Now()
	e.reconcile(ctx, quotes)
	e.opts.Metrics.RecordStage("reconcile", e.opts.Now().Sub(reconcileStart).Seconds())

	computeStart := e.opts.Now()
	e.compute(ctx, filters)
	e.opts.Metrics.RecordStage("compute", e.opts.Now().Sub(computeStart).Seconds())

	archived := e.registry.ArchiveExpired()
	if archived > 0 {
		e.opts.Metrics.RecordArchived(archived)
	}

	e.mu.Lock()
	e.lastCycle = e.opts.Now()
	e.mu.Unlock()

	e.publishCacheStats()
	e.opts.Metrics.RecordCycle("ok")
	e.opts.Logger.Debug("cycle complete",
		zap.Int("quotes", len(quotes)),
		zap.Int("archived", archived),
		zap.Duration("elapsed", e.opts.Now().Sub(start)))
}

// fetchAll runs one goroutine per (provider, filter) pair, each going through
// the cache so concurrent cycles and providers sharing a filter dedup to one
// upstream request.
func (e *Engine) fetchAll(ctx context.Context, filters []provider.MarketFilter) []core.Quote {
	type fetchOut struct {
		provider string
		quotes   []core.Quote
		stale    bool
		err      error
	}

	var wg sync.WaitGroup
	outCh := make(chan fetchOut, len(e.providers)*len(filters))
	for _, p := range e.providers {
		for _, f := range filters {
			wg.Add(1)
			go func(p *provider.Client, f provider.MarketFilter) {
				defer wg.Done()
				started := e.opts.Now()
				key := f.CacheKey(p.ID())
				tags := []string{"provider:" + p.ID(), "sport:" + f.Sport}
				res, err := e.cache.GetOrFetch(ctx, key, e.opts.QuoteTTL, tags, func(fctx context.Context) ([]core.Quote, error) {
					return p.Fetch(fctx, f)
				})
				latency := e.opts.Now().Sub(started).Seconds()
				if err != nil {
					e.opts.Metrics.RecordFetch(p.ID(), "error", latency)
					outCh <- fetchOut{provider: p.ID(), err: err}
					return
				}
				status := "ok"
				if res.IsStale {
					status = "stale"
				}
				e.opts.Metrics.RecordFetch(p.ID(), status, latency)
				outCh <- fetchOut{provider: p.ID(), quotes: res.Value, stale: res.IsStale}
			}(p, f)
		}
	}
	wg.Wait()
	close(outCh)

	var all []core.Quote
	for out := range outCh {
		if out.err != nil {
			e.opts.Logger.Warn("provider fetch failed",
				zap.String("provider", out.provider),
				zap.Error(out.err))
			continue
		}
		for _, q := range out.quotes {
			q.Stale = q.Stale || out.stale
			all = append(all, q)
		}
	}
	for _, p := range e.providers {
		h := p.Snapshot()
		e.opts.Metrics.UpdateProviderHealth(p.ID(), int(h.QuotaRemaining),
			float64(h.LastSuccess.Unix()), h.Breaker == provider.BreakerOpen)
		// Retries are cumulative on the client; the counter gets the delta.
		e.mu.Lock()
		prev := e.prevRetries[p.ID()]
		e.prevRetries[p.ID()] = h.Retries
		e.mu.Unlock()
		e.opts.Metrics.RecordFetchRetries(p.ID(), int(h.Retries-prev))
	}
	return all
}

func (e *Engine) reconcile(ctx context.Context, quotes []core.Quote) {
	byProvider := make(map[string][]core.Quote)
	for _, q := range quotes {
		byProvider[q.ProviderID] = append(byProvider[q.ProviderID], q)
	}
	for providerID, batch := range byProvider {
		res := e.registry.Apply(batch)
		e.opts.Metrics.RecordReconcile(providerID, res.Applied, res.Discarded, res.Ambiguous)

		// Only applied quotes reach the stream, under the canonical ID the
		// registry resolved them to. Discarded quotes never existed as far
		// as downstream consumers are concerned.
		if e.stream != nil {
			for _, pl := range res.Placements {
				if err := e.stream.PublishQuote(ctx, pl.CanonicalID, pl.MarketKey, pl.Quote); err != nil {
					e.opts.Logger.Warn("quote publish failed", zap.Error(err))
					break
				}
			}
		}
	}
}

// compute fans reconciled events out to a fixed-size worker pool. Markets are
// independent units of work, so each worker handles whole events without
// coordination.
func (e *Engine) compute(ctx context.Context, filters []provider.MarketFilter) {
	sports := make(map[string]struct{})
	for _, f := range filters {
		sports[f.Sport] = struct{}{}
	}

	var events []core.CanonicalEvent
	for sport := range sports {
		snap := e.registry.Snapshot(sport, time.Time{}, time.Time{})
		e.opts.Metrics.UpdateActiveEvents(sport, len(snap))
		events = append(events, snap...)
	}
	if len(events) == 0 {
		return
	}

	type evOut struct {
		eventID string
		sport   string
		results []core.EVResult
		opps    []*core.ArbitrageOpportunity
	}

	jobs := make(chan core.CanonicalEvent)
	outCh := make(chan evOut, len(events))
	var wg sync.WaitGroup
	for i := 0; i < e.opts.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range jobs {
				out := evOut{eventID: event.CanonicalID, sport: event.Sport}
				for _, m := range event.Markets {
					mr := e.evEngine.ComputeForMarket(ctx, event, m, e.getter)
					out.results = append(out.results, mr.Results...)
					e.opts.Metrics.RecordEVSkipped(mr.Skipped)
					for _, err := range mr.Errors {
						e.opts.Logger.Warn("ev computation failed",
							zap.String("event", event.CanonicalID),
							zap.Error(err))
					}

					opp, err := e.detector.Detect(m)
					if err != nil {
						continue
					}
					out.opps = append(out.opps, opp)
				}
				outCh <- out
			}
		}()
	}
	for _, event := range events {
		select {
		case jobs <- event:
		case <-ctx.Done():
		}
	}
	close(jobs)
	wg.Wait()
	close(outCh)

	results := make(map[string][]core.EVResult, len(events))
	var opps []*core.ArbitrageOpportunity
	bySport := make(map[string][]core.EVResult)
	for out := range outCh {
		if len(out.results) > 0 {
			results[out.eventID] = out.results
			bySport[out.sport] = append(bySport[out.sport], out.results...)
			for _, r := range out.results {
				e.opts.Metrics.RecordEV(r.EVLabel,
					metrics.DecimalToFloat64(r.EVPercent),
					metrics.DecimalToFloat64(r.Disagreement))
			}
		}
		for _, opp := range out.opps {
			opps = append(opps, opp)
			if opp.HasArbitrage {
				e.opts.Metrics.RecordArbitrage(opp.Sport,
					metrics.DecimalToFloat64(opp.ProfitPercent))
				if e.audit != nil {
					if err := e.audit.WriteOpportunity(ctx, opp); err != nil {
						e.opts.Logger.Warn("audit write failed",
							zap.String("opportunity", opp.ID),
							zap.Error(err))
					}
				}
			}
		}
	}

	if e.stream != nil {
		for sport, rs := range bySport {
			if err := e.stream.PublishEVResults(ctx, sport, rs); err != nil {
				e.opts.Logger.Warn("ev publish failed", zap.Error(err))
			}
		}
	}

	e.mu.Lock()
	e.evResults = results
	e.arbOpps = opps
	e.mu.Unlock()
}

func (e *Engine) publishCacheStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.cache.Stats()
	prev := e.prevStats
	e.prevStats = st
	e.opts.Metrics.RecordCache(
		uint64(st.Hits-prev.Hits),
		uint64(st.StaleHits-prev.StaleHits),
		uint64(st.Misses-prev.Misses),
		uint64(st.Evictions-prev.Evictions),
		uint64(st.Refreshes-prev.Refreshes),
	)
}

// --- Read API ---

// CanonicalEvents returns a read-only snapshot of live events for a sport,
// optionally bounded by scheduled start.
func (e *Engine) CanonicalEvents(sport string, from, to time.Time) []core.CanonicalEvent {
	return e.registry.Snapshot(sport, from, to)
}

// EVResults returns the last cycle's EV results for one event.
func (e *Engine) EVResults(eventID string) []core.EVResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs := e.evResults[eventID]
	out := make([]core.EVResult, len(rs))
	copy(out, rs)
	return out
}

// ArbitrageOpportunities returns the last cycle's opportunities for a sport,
// best first. minProfit applies only to markets with an actual edge;
// spread-only records pass through unfiltered since line and odds spreads are
// signals in their own right. Edged records sort before spread-only ones.
func (e *Engine) ArbitrageOpportunities(sport string, minProfit decimal.Decimal) []*core.ArbitrageOpportunity {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*core.ArbitrageOpportunity
	for _, opp := range e.arbOpps {
		if sport != "" && opp.Sport != sport {
			continue
		}
		if opp.HasArbitrage && opp.ProfitPercent.LessThan(minProfit) {
			continue
		}
		out = append(out, opp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.HasArbitrage != b.HasArbitrage {
			return a.HasArbitrage
		}
		if a.HasArbitrage {
			return a.ProfitPercent.GreaterThan(b.ProfitPercent)
		}
		return a.OddsSpread.GreaterThan(b.OddsSpread)
	})
	return out
}

// Invalidate drops cache entries carrying the tag. Wired to upstream push
// notifications.
func (e *Engine) Invalidate(tag string) int {
	n := e.cache.Invalidate(tag)
	e.opts.Logger.Info("cache invalidated", zap.String("tag", tag), zap.Int("entries", n))
	return n
}

// Health is the engine's readiness view.
type Health struct {
	Providers   []provider.Health `json:"providers"`
	Cache       cache.Stats       `json:"cache"`
	LastCycle   time.Time         `json:"last_cycle"`
	Ambiguities int               `json:"ambiguities"`
}

// Health reports per-provider quota and breaker state, cache counters, and
// the last completed cycle.
func (e *Engine) Health() Health {
	e.mu.RLock()
	last := e.lastCycle
	e.mu.RUnlock()

	h := Health{
		Cache:       e.cache.Stats(),
		LastCycle:   last,
		Ambiguities: len(e.registry.Ambiguities()),
	}
	for _, p := range e.providers {
		h.Providers = append(h.Providers, p.Snapshot())
	}
	return h
}
