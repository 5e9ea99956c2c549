// Package arb detects cross-bookmaker arbitrage within a single market. The
// math is pure and deterministic; everything here operates on a snapshot of
// the market and never mutates it.
package arb

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oddsforge/oddsforge/core"
)

var one = decimal.NewFromInt(1)

// Options tune the detector. The zero value is usable.
type Options struct {
	// MinOutcomes is the minimum number of distinct quoted outcomes a
	// market needs before detection runs. Below it the market is one-sided
	// and the implied sum is meaningless. Defaults to 2.
	MinOutcomes int

	// SuspiciousProfitPercent is the profit level above which confidence
	// starts discounting. Very large edges almost always mean one book
	// posted a bad line that will be pulled before it can be hit.
	// Defaults to 15.
	SuspiciousProfitPercent decimal.Decimal

	Now func() time.Time
}

// Detector computes arbitrage opportunities from market snapshots.
type Detector struct {
	opts Options
}

func NewDetector(opts Options) *Detector {
	if opts.MinOutcomes <= 0 {
		opts.MinOutcomes = 2
	}
	if opts.SuspiciousProfitPercent.IsZero() {
		opts.SuspiciousProfitPercent = decimal.NewFromInt(15)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Detector{opts: opts}
}

// Detect evaluates one market. It always returns an opportunity record —
// spreads are useful signals even without an edge — but HasArbitrage is true
// only when the best implied probabilities sum strictly below 1. Equality is
// not an exploitable edge.
//
// Quotes that fail validation are ignored rather than aborting the market.
func (d *Detector) Detect(m *core.Market) (*core.ArbitrageOpportunity, error) {
	if m == nil || len(m.Quotes) == 0 {
		return nil, &core.ValidationError{Field: "market", Reason: "no quotes"}
	}

	best := make(map[string]core.Quote)
	var (
		minPrice, maxPrice decimal.Decimal
		minLine, maxLine   *decimal.Decimal
		anyStale           bool
		anyValid           bool
	)
	for _, q := range m.Quotes {
		if q.Validate() != nil {
			continue
		}
		if !anyValid {
			minPrice, maxPrice = q.Price, q.Price
			anyValid = true
		} else {
			if q.Price.LessThan(minPrice) {
				minPrice = q.Price
			}
			if q.Price.GreaterThan(maxPrice) {
				maxPrice = q.Price
			}
		}
		if q.Line != nil {
			if minLine == nil || q.Line.LessThan(*minLine) {
				l := *q.Line
				minLine = &l
			}
			if maxLine == nil || q.Line.GreaterThan(*maxLine) {
				l := *q.Line
				maxLine = &l
			}
		}
		if q.Stale {
			anyStale = true
		}
		cur, ok := best[q.OutcomeLabel]
		if !ok || betterQuote(q, cur) {
			best[q.OutcomeLabel] = q
		}
	}
	if !anyValid {
		return nil, &core.ValidationError{Field: "market", Reason: "no valid quotes"}
	}

	opp := &core.ArbitrageOpportunity{
		ID:                  uuid.NewString(),
		EventID:             m.EventID,
		Sport:               m.Sport,
		MarketKey:           m.Key(),
		BestQuotePerOutcome: best,
		OddsSpread:          maxPrice.Sub(minPrice),
		Confidence:          one,
		Quality:             core.QualityFresh,
		DetectedAt:          d.opts.Now(),
	}
	if anyStale {
		opp.Quality = core.QualityStale
	}
	if minLine != nil && maxLine != nil {
		opp.LineSpread = maxLine.Sub(*minLine)
	}

	if len(best) < d.opts.MinOutcomes {
		return opp, nil
	}

	// Σ 1/pᵢ < 1 is decided over a common denominator: Mul is exact where
	// Div truncates, and a truncated sum would report a fair book (say
	// three-way 3.00/3.00/3.00) as a vanishing arbitrage.
	labels := make([]string, 0, len(best))
	for label := range best {
		labels = append(labels, label)
	}
	den := one
	for _, label := range labels {
		den = den.Mul(best[label].Price)
	}
	cofactor := make(map[string]decimal.Decimal, len(labels))
	num := decimal.Zero
	for _, label := range labels {
		p := one
		for _, other := range labels {
			if other != label {
				p = p.Mul(best[other].Price)
			}
		}
		cofactor[label] = p
		num = num.Add(p)
	}
	opp.ImpliedProbabilitySum = num.Div(den)

	if !num.LessThan(den) {
		return opp, nil
	}
	opp.HasArbitrage = true
	opp.ProfitPercent = den.Div(num).Sub(one).Mul(decimal.NewFromInt(100))

	// Normalized so stakes sum to 1 and the payout is equal on every leg.
	// (1/pᵢ)/Σ over the common denominator is cofactorᵢ/num.
	opp.StakeSplit = make(map[string]decimal.Decimal, len(best))
	for _, label := range labels {
		opp.StakeSplit[label] = cofactor[label].Div(num)
	}
	opp.Confidence = d.confidence(opp.ProfitPercent, anyStale)
	return opp, nil
}

// betterQuote reports whether a should replace b as the best price for an
// outcome: strictly higher price wins, equal prices go to the fresher
// observation.
func betterQuote(a, b core.Quote) bool {
	if !a.Price.Equal(b.Price) {
		return a.Price.GreaterThan(b.Price)
	}
	return a.ObservedAt.After(b.ObservedAt)
}

// confidence discounts implausible edges. Profit up to the suspicious
// threshold keeps full confidence; beyond it confidence decays linearly to a
// floor of 0.1 at twice the threshold. Stale inputs halve the result.
func (d *Detector) confidence(profitPercent decimal.Decimal, stale bool) decimal.Decimal {
	c := one
	thr := d.opts.SuspiciousProfitPercent
	if profitPercent.GreaterThan(thr) {
		excess := profitPercent.Sub(thr).Div(thr)
		c = one.Sub(excess.Mul(decimal.NewFromFloat(0.9)))
		floor := decimal.NewFromFloat(0.1)
		if c.LessThan(floor) {
			c = floor
		}
	}
	if stale {
		c = c.Div(decimal.NewFromInt(2))
	}
	return c
}
