package arb

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsforge/oddsforge/core"
)

func marketOf(quotes ...core.Quote) *core.Market {
	m := &core.Market{
		EventID: "ev1",
		Sport:   "basketball_nba",
		Type:    core.MarketMoneyline,
		Quotes:  make(map[string]core.Quote),
	}
	for _, q := range quotes {
		m.Quotes[core.QuoteKey(q.BookmakerID, q.OutcomeLabel)] = q
	}
	return m
}

func q(book, outcome string, price float64, observed time.Time) core.Quote {
	return core.Quote{
		BookmakerID:  book,
		OutcomeLabel: outcome,
		Price:        decimal.NewFromFloat(price),
		ObservedAt:   observed,
	}
}

func TestDetectTwoWayArbitrage(t *testing.T) {
	// Home best 2.10, Away best 2.15: 1/2.10 + 1/2.15 ≈ 0.9413 < 1,
	// profit ≈ 6.24%.
	now := time.Now()
	m := marketOf(
		q("b1", "Home", 2.05, now), q("b1", "Away", 2.05, now),
		q("b2", "Home", 1.95, now), q("b2", "Away", 2.15, now),
		q("b3", "Home", 2.10, now), q("b3", "Away", 1.90, now),
	)

	opp, err := NewDetector(Options{}).Detect(m)
	if err != nil {
		t.Fatal(err)
	}
	if !opp.HasArbitrage {
		t.Fatalf("has_arbitrage = false, sum = %s", opp.ImpliedProbabilitySum)
	}
	if opp.BestQuotePerOutcome["Home"].BookmakerID != "b3" {
		t.Errorf("best Home book = %s, want b3", opp.BestQuotePerOutcome["Home"].BookmakerID)
	}
	if opp.BestQuotePerOutcome["Away"].BookmakerID != "b2" {
		t.Errorf("best Away book = %s, want b2", opp.BestQuotePerOutcome["Away"].BookmakerID)
	}

	sum, _ := opp.ImpliedProbabilitySum.Float64()
	if sum < 0.9412 || sum > 0.9414 {
		t.Errorf("implied sum = %v, want ≈ 0.9413", sum)
	}
	profit, _ := opp.ProfitPercent.Float64()
	if profit < 6.23 || profit > 6.25 {
		t.Errorf("profit = %v%%, want ≈ 6.24%%", profit)
	}

	stakeSum := decimal.Zero
	for _, s := range opp.StakeSplit {
		stakeSum = stakeSum.Add(s)
	}
	if diff, _ := stakeSum.Sub(decimal.NewFromInt(1)).Abs().Float64(); diff > 1e-9 {
		t.Errorf("stake split sums to %s, want 1", stakeSum)
	}
	// Equalized payout: stake_i * price_i identical across legs.
	home := opp.StakeSplit["Home"].Mul(opp.BestQuotePerOutcome["Home"].Price)
	away := opp.StakeSplit["Away"].Mul(opp.BestQuotePerOutcome["Away"].Price)
	if diff, _ := home.Sub(away).Abs().Float64(); diff > 1e-9 {
		t.Errorf("payouts differ: Home %s vs Away %s", home, away)
	}
	if !opp.Confidence.Equal(decimal.NewFromInt(1)) {
		t.Errorf("confidence = %s, want 1 for a plausible edge", opp.Confidence)
	}
}

func TestDetectEqualitySumIsNotArbitrage(t *testing.T) {
	// Fair two-way book: 1/2.00 + 1/2.00 = 1.0 exactly.
	now := time.Now()
	m := marketOf(q("b1", "Home", 2.00, now), q("b1", "Away", 2.00, now))

	opp, err := NewDetector(Options{}).Detect(m)
	if err != nil {
		t.Fatal(err)
	}
	if opp.HasArbitrage {
		t.Fatal("sum == 1.0 must not be reported as arbitrage")
	}
	if !opp.ImpliedProbabilitySum.Equal(decimal.NewFromInt(1)) {
		t.Errorf("sum = %s, want exactly 1", opp.ImpliedProbabilitySum)
	}
	if len(opp.StakeSplit) != 0 {
		t.Errorf("stake split = %v, want empty without an edge", opp.StakeSplit)
	}
}

func TestDetectFairThreeWayNotArbitrage(t *testing.T) {
	// 1/3 has no finite decimal expansion, so a naive 1/3+1/3+1/3 sum
	// truncates just below 1 and a fair book would show a phantom edge.
	now := time.Now()
	m := marketOf(
		q("b1", "Home", 3.00, now),
		q("b1", "Draw", 3.00, now),
		q("b1", "Away", 3.00, now),
	)

	opp, err := NewDetector(Options{}).Detect(m)
	if err != nil {
		t.Fatal(err)
	}
	if opp.HasArbitrage {
		t.Fatalf("fair three-way book reported as arbitrage, sum = %s, profit = %s",
			opp.ImpliedProbabilitySum, opp.ProfitPercent)
	}
	if len(opp.StakeSplit) != 0 {
		t.Errorf("stake split = %v, want empty without an edge", opp.StakeSplit)
	}
}

func TestDetectPriceTieBrokenByObservedAt(t *testing.T) {
	now := time.Now()
	m := marketOf(
		q("older", "Home", 2.10, now.Add(-time.Minute)),
		q("newer", "Home", 2.10, now),
		q("b3", "Away", 1.80, now),
	)

	opp, err := NewDetector(Options{}).Detect(m)
	if err != nil {
		t.Fatal(err)
	}
	if got := opp.BestQuotePerOutcome["Home"].BookmakerID; got != "newer" {
		t.Errorf("tie went to %s, want the fresher quote", got)
	}
}

func TestDetectSpreadsAlwaysReported(t *testing.T) {
	now := time.Now()
	l1, l2 := decimal.NewFromFloat(-3.5), decimal.NewFromFloat(-2.5)
	a := q("b1", "Home", 1.91, now)
	a.Line = &l1
	b := q("b2", "Home", 1.87, now)
	b.Line = &l2

	m := marketOf(a, b)
	m.Type = core.MarketSpread
	m.Line = &l1

	opp, err := NewDetector(Options{}).Detect(m)
	if err != nil {
		t.Fatal(err)
	}
	if opp.HasArbitrage {
		t.Fatal("one-sided market cannot be an arbitrage")
	}
	if !opp.LineSpread.Equal(decimal.NewFromInt(1)) {
		t.Errorf("line spread = %s, want 1", opp.LineSpread)
	}
	if !opp.OddsSpread.Equal(decimal.NewFromFloat(0.04)) {
		t.Errorf("odds spread = %s, want 0.04", opp.OddsSpread)
	}
}

func TestDetectImplausibleProfitDiscounted(t *testing.T) {
	// 1/3.0 + 1/3.0 ≈ 0.667 → profit 50%, far past the suspicious
	// threshold.
	now := time.Now()
	m := marketOf(q("b1", "Home", 3.00, now), q("b2", "Away", 3.00, now))

	opp, err := NewDetector(Options{}).Detect(m)
	if err != nil {
		t.Fatal(err)
	}
	if !opp.HasArbitrage {
		t.Fatal("expected arbitrage")
	}
	if !opp.Confidence.LessThan(decimal.NewFromInt(1)) {
		t.Errorf("confidence = %s, want discounted below 1", opp.Confidence)
	}
	if opp.Confidence.LessThan(decimal.NewFromFloat(0.1)) {
		t.Errorf("confidence = %s, below the floor", opp.Confidence)
	}
}

func TestDetectStaleQuotesDegradeQualityAndConfidence(t *testing.T) {
	now := time.Now()
	stale := q("b1", "Home", 2.10, now)
	stale.Stale = true
	m := marketOf(stale, q("b2", "Away", 2.15, now))

	opp, err := NewDetector(Options{}).Detect(m)
	if err != nil {
		t.Fatal(err)
	}
	if opp.Quality != core.QualityStale {
		t.Errorf("quality = %s, want stale", opp.Quality)
	}
	if !opp.Confidence.Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("confidence = %s, want halved for stale input", opp.Confidence)
	}
}

func TestDetectInvalidQuotesIgnored(t *testing.T) {
	now := time.Now()
	bad := q("b1", "Home", 0.90, now) // impossible decimal price
	m := marketOf(bad, q("b2", "Home", 2.05, now), q("b3", "Away", 2.20, now))

	opp, err := NewDetector(Options{}).Detect(m)
	if err != nil {
		t.Fatal(err)
	}
	if got := opp.BestQuotePerOutcome["Home"].BookmakerID; got != "b2" {
		t.Errorf("best Home book = %s, want b2 (invalid quote ignored)", got)
	}
}

func TestDetectEmptyMarketRejected(t *testing.T) {
	if _, err := NewDetector(Options{}).Detect(&core.Market{}); !core.IsValidation(err) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}
