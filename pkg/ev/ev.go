// Package ev computes expected value for quotes against model-estimated
// true probabilities. All math is pure and deterministic; the only I/O is
// the model probability client, whose failures are isolated so they can
// never block the pipeline.
package ev

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oddsforge/oddsforge/core"
	"github.com/oddsforge/oddsforge/pkg/odds"
)

// LabelThresholds are the ev_percent boundaries for the categorical label.
// They are configuration, not constants, but must default to 0 / 2 / 5.
type LabelThresholds struct {
	MarginalMin decimal.Decimal // below: "negative"
	GoodMin     decimal.Decimal
	StrongMin   decimal.Decimal
}

// DefaultThresholds returns the stated policy boundaries.
func DefaultThresholds() LabelThresholds {
	return LabelThresholds{
		MarginalMin: decimal.Zero,
		GoodMin:     decimal.NewFromInt(2),
		StrongMin:   decimal.NewFromInt(5),
	}
}

// Label maps an ev_percent to its category. Boundaries are inclusive on the
// upper tier: exactly 5.0 is "strong", exactly 2.0 is "good".
func (t LabelThresholds) Label(evPercent decimal.Decimal) string {
	switch {
	case evPercent.GreaterThanOrEqual(t.StrongMin):
		return "strong"
	case evPercent.GreaterThanOrEqual(t.GoodMin):
		return "good"
	case evPercent.GreaterThanOrEqual(t.MarginalMin):
		return "marginal"
	default:
		return "negative"
	}
}

// Engine computes EVResults.
type Engine struct {
	thresholds LabelThresholds
	now        func() time.Time
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithThresholds overrides the label boundaries.
func WithThresholds(t LabelThresholds) EngineOption {
	return func(e *Engine) { e.thresholds = t }
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an EV engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{thresholds: DefaultThresholds(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ComputeEV produces an EVResult for one quote and one probability source.
//
//	implied = 1 / price
//	ev_fraction = q*price - 1    (per unit stake)
//
// A price at or below 1.0 or a probability outside [0,1] fails fast with a
// ValidationError; nothing is clamped. The returned result is immutable; a
// recomputation allocates a new one.
func (e *Engine) ComputeEV(eventID, marketKey string, q core.Quote, src ProbabilitySource) (*core.EVResult, error) {
	implied, err := odds.Implied(q.Price)
	if err != nil {
		return nil, err
	}

	modelProb, method, disagreement, err := src.Resolve()
	if err != nil {
		return nil, err
	}

	one := decimal.NewFromInt(1)
	evFraction := modelProb.Mul(q.Price).Sub(one)
	evPercent := evFraction.Mul(decimal.NewFromInt(100))

	quality := core.QualityFresh
	if q.Stale {
		quality = core.QualityStale
	}

	return &core.EVResult{
		EventID:            eventID,
		MarketKey:          marketKey,
		BookmakerID:        q.BookmakerID,
		OutcomeLabel:       q.OutcomeLabel,
		Price:              q.Price,
		ImpliedProbability: implied,
		ModelProbability:   modelProb,
		EVFraction:         evFraction,
		EVPercent:          evPercent,
		EVLabel:            e.thresholds.Label(evPercent),
		Method:             method,
		Disagreement:       disagreement,
		Quality:            quality,
		ComputedAt:         e.now(),
	}, nil
}

// ProbabilityGetter supplies the model's probability for one outcome. It is
// an external collaborator: implementations must carry their own timeout and
// surface core.ErrProbabilityUnavailable on failure.
type ProbabilityGetter interface {
	GetModelProbability(ctx context.Context, eventID string, marketType core.MarketType, outcome string) (ProbabilitySource, error)
}

// MarketResult is the partial-failure outcome of computing EV across one
// market: up to one result or error per quote, never all-or-nothing.
type MarketResult struct {
	Results []core.EVResult
	Skipped int // quotes skipped because the model had no probability
	Errors  []error
}

// ComputeForMarket computes EV for every quote in a market. A quote whose
// model probability is unavailable is skipped — not defaulted to a guess —
// and a bad quote contributes an error without aborting the rest.
func (e *Engine) ComputeForMarket(ctx context.Context, ev core.CanonicalEvent, m *core.Market, getter ProbabilityGetter) MarketResult {
	var out MarketResult
	for _, q := range m.Quotes {
		src, err := getter.GetModelProbability(ctx, ev.CanonicalID, m.Type, q.OutcomeLabel)
		if err != nil {
			if errors.Is(err, core.ErrProbabilityUnavailable) {
				out.Skipped++
			} else {
				out.Errors = append(out.Errors, err)
			}
			continue
		}
		res, err := e.ComputeEV(ev.CanonicalID, m.Key(), q, src)
		if err != nil {
			out.Errors = append(out.Errors, err)
			continue
		}
		out.Results = append(out.Results, *res)
	}
	return out
}
