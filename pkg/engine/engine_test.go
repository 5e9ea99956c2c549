package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsforge/oddsforge/core"
	"github.com/oddsforge/oddsforge/pkg/arb"
	"github.com/oddsforge/oddsforge/pkg/cache"
	"github.com/oddsforge/oddsforge/pkg/ev"
	"github.com/oddsforge/oddsforge/pkg/provider"
	"github.com/oddsforge/oddsforge/pkg/reconcile"
)

func providerServer(t *testing.T, sport string, prices map[string]map[string]float64) *httptest.Server {
	t.Helper()
	start := time.Now().Add(2 * time.Hour)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[`)
		first := true
		for book, outcomes := range prices {
			for outcome, price := range outcomes {
				if !first {
					fmt.Fprint(w, `,`)
				}
				first = false
				fmt.Fprintf(w, `{
					"event_id": "ext-1",
					"sport": %q,
					"home_team": "Los Angeles Lakers",
					"away_team": "Boston Celtics",
					"commence_time": %q,
					"market": "moneyline",
					"outcome": %q,
					"price": %v,
					"bookmaker": %q,
					"last_update": %q
				}`, sport, start.Format(time.RFC3339), outcome, price, book, time.Now().Format(time.RFC3339))
			}
		}
		fmt.Fprint(w, `]`)
	}))
}

type fixedGetter struct {
	prob decimal.Decimal
}

func (g *fixedGetter) GetModelProbability(_ context.Context, _ string, _ core.MarketType, _ string) (ev.ProbabilitySource, error) {
	return ev.Single(g.prob), nil
}

func nbaTable() []reconcile.TeamEntry {
	return []reconcile.TeamEntry{
		{Canonical: "los angeles lakers", Abbreviation: "lal", Aliases: []string{"la lakers"}},
		{Canonical: "boston celtics", Abbreviation: "bos", Aliases: []string{"celtics"}},
	}
}

func newTestEngine(t *testing.T, baseURL string, extra ...Option) *Engine {
	t.Helper()
	p := provider.NewClient(provider.Config{
		ID:      "oddsapi",
		BaseURL: baseURL,
		Retry:   provider.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond},
	}, nil)
	qc := cache.New[[]core.Quote](cache.Options{})
	registry := reconcile.NewRegistry(reconcile.NewNormalizer(nbaTable()), reconcile.RegistryOptions{})
	detector := arb.NewDetector(arb.Options{})
	return New(
		[]*provider.Client{p}, qc, registry,
		ev.NewEngine(), &fixedGetter{prob: decimal.NewFromFloat(0.5)}, detector,
		Options{WorkerCount: 2},
		extra...,
	)
}

func testFilters() []provider.MarketFilter {
	return []provider.MarketFilter{{Sport: "basketball_nba"}}
}

func TestRunCycleEndToEnd(t *testing.T) {
	srv := providerServer(t, "basketball_nba", map[string]map[string]float64{
		"pinnacle":   {"Los Angeles Lakers": 2.10, "Boston Celtics": 1.95},
		"draftkings": {"Los Angeles Lakers": 1.95, "Boston Celtics": 2.15},
	})
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	e.RunCycle(context.Background(), testFilters())

	events := e.CanonicalEvents("basketball_nba", time.Time{}, time.Time{})
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	event := events[0]
	if len(event.Markets) != 1 {
		t.Fatalf("markets = %d, want 1", len(event.Markets))
	}

	results := e.EVResults(event.CanonicalID)
	if len(results) != 4 {
		t.Fatalf("ev results = %d, want 4 (two books, two outcomes)", len(results))
	}
	for _, r := range results {
		if r.Quality != core.QualityFresh {
			t.Errorf("quality = %s, want fresh", r.Quality)
		}
	}

	// Best prices 2.10 / 2.15 sum below 1: the cross-book arbitrage from the
	// two sharp sides must surface.
	opps := e.ArbitrageOpportunities("basketball_nba", decimal.Zero)
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	if !opps[0].HasArbitrage {
		t.Fatal("expected arbitrage across best prices 2.10/2.15")
	}
	profit, _ := opps[0].ProfitPercent.Float64()
	if profit < 6.23 || profit > 6.25 {
		t.Errorf("profit = %v%%, want ≈ 6.24%%", profit)
	}

	h := e.Health()
	if len(h.Providers) != 1 || h.Providers[0].ProviderID != "oddsapi" {
		t.Errorf("health providers = %+v", h.Providers)
	}
	if h.LastCycle.IsZero() {
		t.Error("last cycle timestamp not set")
	}
	if h.Cache.Misses == 0 {
		t.Error("first cycle should record a cache miss")
	}
}

func TestMinProfitFloorFiltersOpportunities(t *testing.T) {
	srv := providerServer(t, "basketball_nba", map[string]map[string]float64{
		"pinnacle":   {"Los Angeles Lakers": 2.10, "Boston Celtics": 1.95},
		"draftkings": {"Los Angeles Lakers": 1.95, "Boston Celtics": 2.15},
	})
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	e.RunCycle(context.Background(), testFilters())

	if got := len(e.ArbitrageOpportunities("basketball_nba", decimal.NewFromInt(10))); got != 0 {
		t.Errorf("opportunities above 10%% floor = %d, want 0", got)
	}
	if got := len(e.ArbitrageOpportunities("soccer_epl", decimal.Zero)); got != 0 {
		t.Errorf("opportunities for other sport = %d, want 0", got)
	}
}

func TestSpreadOnlyRecordsBypassProfitFloor(t *testing.T) {
	// Best prices 1.90/1.95 imply a sum above 1: no edge, but the odds
	// spread is still a signal and must survive any profit floor.
	srv := providerServer(t, "basketball_nba", map[string]map[string]float64{
		"pinnacle":   {"Los Angeles Lakers": 1.90, "Boston Celtics": 1.85},
		"draftkings": {"Los Angeles Lakers": 1.80, "Boston Celtics": 1.95},
	})
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	e.RunCycle(context.Background(), testFilters())

	opps := e.ArbitrageOpportunities("basketball_nba", decimal.NewFromInt(10))
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1 spread-only record", len(opps))
	}
	opp := opps[0]
	if opp.HasArbitrage {
		t.Fatalf("has_arbitrage = true for sum %s, want false", opp.ImpliedProbabilitySum)
	}
	spread, _ := opp.OddsSpread.Float64()
	if spread < 0.149 || spread > 0.151 {
		t.Errorf("odds spread = %v, want 0.15", spread)
	}
}

func TestSecondCycleHitsCache(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	e.RunCycle(context.Background(), testFilters())
	e.RunCycle(context.Background(), testFilters())

	mu.Lock()
	defer mu.Unlock()
	if requests != 1 {
		t.Errorf("upstream requests = %d, want 1 (second cycle within TTL)", requests)
	}
}

func TestInvalidateDropsProviderEntries(t *testing.T) {
	srv := providerServer(t, "basketball_nba", map[string]map[string]float64{
		"pinnacle": {"Los Angeles Lakers": 2.10},
	})
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	e.RunCycle(context.Background(), testFilters())

	if n := e.Invalidate("provider:oddsapi"); n != 1 {
		t.Errorf("invalidated = %d, want 1", n)
	}
	if n := e.Invalidate("provider:oddsapi"); n != 0 {
		t.Errorf("second invalidate = %d, want 0", n)
	}
}

type captureSink struct {
	mu       sync.Mutex
	quoteIDs []string // canonical_id field of each published quote
	results  int
	opps     []*core.ArbitrageOpportunity
}

func (s *captureSink) PublishQuote(_ context.Context, canonicalID, _ string, _ core.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteIDs = append(s.quoteIDs, canonicalID)
	return nil
}

func (s *captureSink) PublishEVResults(_ context.Context, _ string, rs []core.EVResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results += len(rs)
	return nil
}

func (s *captureSink) WriteOpportunity(_ context.Context, opp *core.ArbitrageOpportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps = append(s.opps, opp)
	return nil
}

func TestSinksReceiveCycleOutput(t *testing.T) {
	srv := providerServer(t, "basketball_nba", map[string]map[string]float64{
		"pinnacle":   {"Los Angeles Lakers": 2.10, "Boston Celtics": 1.95},
		"draftkings": {"Los Angeles Lakers": 1.95, "Boston Celtics": 2.15},
	})
	defer srv.Close()

	sink := &captureSink{}
	e := newTestEngine(t, srv.URL, WithStreamSink(sink), WithAuditSink(sink))
	e.RunCycle(context.Background(), testFilters())

	events := e.CanonicalEvents("basketball_nba", time.Time{}, time.Time{})
	if len(events) != 1 {
		t.Fatalf("canonical events = %d, want 1", len(events))
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.quoteIDs) != 4 {
		t.Errorf("published quotes = %d, want 4", len(sink.quoteIDs))
	}
	// The stream is keyed by the canonical event, never the provider's
	// external ID.
	for _, id := range sink.quoteIDs {
		if id != events[0].CanonicalID {
			t.Errorf("published canonical_id = %q, want %q", id, events[0].CanonicalID)
		}
	}
	if sink.results != 4 {
		t.Errorf("published ev results = %d, want 4", sink.results)
	}
	if len(sink.opps) != 1 {
		t.Errorf("audited opportunities = %d, want 1", len(sink.opps))
	}
}
