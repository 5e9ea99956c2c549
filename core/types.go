// Package core provides the shared domain types for the odds pipeline:
// raw quotes as emitted by provider clients, canonical events and markets as
// built by reconciliation, and the derived EV and arbitrage results.
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MarketType identifies the bettable question a quote belongs to.
type MarketType string

const (
	MarketMoneyline  MarketType = "moneyline"
	MarketSpread     MarketType = "spread"
	MarketTotal      MarketType = "total"
	MarketPlayerProp MarketType = "player_prop"
)

// DataQuality indicates whether a derived result was computed from fully
// fresh inputs, served-stale cache entries, or a partially missing set of
// providers.
type DataQuality string

const (
	QualityFresh   DataQuality = "fresh"
	QualityStale   DataQuality = "stale"
	QualityPartial DataQuality = "partial"
)

// Quote is one bookmaker's price for one outcome of one market at one point
// in time. Price is always decimal odds; American and fractional forms are
// input formats only and must be converted before a Quote is constructed.
type Quote struct {
	ProviderID      string           `json:"provider_id"`
	EventExternalID string           `json:"event_external_id"`
	Sport           string           `json:"sport"`
	Participants    []string         `json:"participants"` // provider's raw names, [home, away]
	ScheduledStart  time.Time        `json:"scheduled_start"`
	MarketType      MarketType       `json:"market_type"`
	OutcomeLabel    string           `json:"outcome_label"`
	Line            *decimal.Decimal `json:"line,omitempty"`
	Price           decimal.Decimal  `json:"price"`
	ObservedAt      time.Time        `json:"observed_at"`
	BookmakerID     string           `json:"bookmaker_id"`
	Stale           bool             `json:"stale,omitempty"` // served from an expired cache entry
}

// Validate checks the decimal-odds invariant. A price at or below 1.0 has no
// meaning as a payout multiplier and is rejected outright, never clamped.
func (q *Quote) Validate() error {
	if !q.Price.GreaterThan(decimal.NewFromInt(1)) {
		return &ValidationError{Field: "price", Value: q.Price.String(), Reason: "decimal odds must be > 1.0"}
	}
	if q.BookmakerID == "" {
		return &ValidationError{Field: "bookmaker_id", Reason: "must not be empty"}
	}
	if q.ObservedAt.IsZero() {
		return &ValidationError{Field: "observed_at", Reason: "must be set"}
	}
	return nil
}

// MarketKey identifies one market within a canonical event. Markets with
// different lines (main vs. alternate) are distinct markets and never
// collide.
func MarketKey(mt MarketType, line *decimal.Decimal) string {
	if line == nil {
		return string(mt)
	}
	return fmt.Sprintf("%s@%s", mt, line.String())
}

// Market groups quotes under one canonical event that answer the same
// bettable question. It holds at most one quote per (bookmaker, outcome); a
// newer quote for the same pair replaces the previous one.
type Market struct {
	EventID string           `json:"event_id"`
	Sport   string           `json:"sport"`
	Type    MarketType       `json:"market_type"`
	Line    *decimal.Decimal `json:"line,omitempty"`

	// Quotes maps QuoteKey(bookmaker, outcome) to the most recent quote
	// that bookmaker posted for that outcome.
	Quotes map[string]Quote `json:"quotes"`
}

// Key returns the market's key within its event.
func (m *Market) Key() string { return MarketKey(m.Type, m.Line) }

// QuoteKey identifies one bookmaker's price for one outcome within a market.
func QuoteKey(bookmakerID, outcomeLabel string) string {
	return bookmakerID + "/" + outcomeLabel
}

// Upsert applies a quote last-write-wins by ObservedAt. A quote older than
// the one already held for its (bookmaker, outcome) slot is discarded,
// regardless of arrival order. Returns true if the quote was applied.
func (m *Market) Upsert(q Quote) bool {
	key := QuoteKey(q.BookmakerID, q.OutcomeLabel)
	prev, ok := m.Quotes[key]
	if ok && !q.ObservedAt.After(prev.ObservedAt) {
		return false
	}
	if m.Quotes == nil {
		m.Quotes = make(map[string]Quote)
	}
	m.Quotes[key] = q
	return true
}

// Outcomes returns the distinct outcome labels quoted in this market.
func (m *Market) Outcomes() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, q := range m.Quotes {
		if _, ok := seen[q.OutcomeLabel]; !ok {
			seen[q.OutcomeLabel] = struct{}{}
			out = append(out, q.OutcomeLabel)
		}
	}
	return out
}

// CanonicalEvent is the single reconciled representation of one real-world
// contest, independent of how many providers report it.
type CanonicalEvent struct {
	CanonicalID    string    `json:"canonical_id"`
	Sport          string    `json:"sport"`
	Participants   []string  `json:"participants"` // normalized, [home, away]
	ScheduledStart time.Time `json:"scheduled_start"`

	// ProviderLinks maps provider ID to that provider's external event ID.
	// Providers never hold a back-reference; the link is one-directional.
	ProviderLinks map[string]string `json:"provider_links"`

	// Markets maps market key to market.
	Markets map[string]*Market `json:"markets"`

	FirstSeen time.Time `json:"first_seen"`
	UpdatedAt time.Time `json:"updated_at"`
	Archived  bool      `json:"archived"`
}

// EVResult is the immutable output of one EV computation for one quote.
// Recomputation produces a new EVResult; nothing mutates an existing one.
type EVResult struct {
	EventID      string          `json:"event_id"`
	MarketKey    string          `json:"market_key"`
	BookmakerID  string          `json:"bookmaker_id"`
	OutcomeLabel string          `json:"outcome_label"`
	Price        decimal.Decimal `json:"price"`

	ImpliedProbability decimal.Decimal `json:"implied_probability"`
	ModelProbability   decimal.Decimal `json:"model_probability"`
	EVFraction         decimal.Decimal `json:"ev_fraction"`
	EVPercent          decimal.Decimal `json:"ev_percent"`
	EVLabel            string          `json:"ev_label"`

	// Method records how the model probability was resolved (single model or
	// an ensemble reduction) so historical results can be audited.
	Method       string          `json:"method"`
	Disagreement decimal.Decimal `json:"disagreement,omitempty"`

	Quality    DataQuality `json:"data_quality"`
	ComputedAt time.Time   `json:"computed_at"`
}

// ArbitrageOpportunity is the output of the arbitrage detector for one
// market. Spreads are reported even when no arbitrage exists.
type ArbitrageOpportunity struct {
	ID        string `json:"id"`
	EventID   string `json:"event_id"`
	Sport     string `json:"sport"`
	MarketKey string `json:"market_key"`

	// BestQuotePerOutcome maps outcome label to the best-priced quote for it.
	BestQuotePerOutcome map[string]Quote `json:"best_quote_per_outcome"`

	ImpliedProbabilitySum decimal.Decimal `json:"implied_probability_sum"`
	HasArbitrage          bool            `json:"has_arbitrage"`

	// ProfitPercent and StakeSplit are meaningful only when HasArbitrage.
	ProfitPercent decimal.Decimal            `json:"profit_percent,omitempty"`
	StakeSplit    map[string]decimal.Decimal `json:"stake_split,omitempty"`

	LineSpread decimal.Decimal `json:"line_spread"`
	OddsSpread decimal.Decimal `json:"odds_spread"`

	// Confidence discounts implausibly large profits, which usually mean a
	// book posted a bad line that will be pulled before it can be hit.
	Confidence decimal.Decimal `json:"confidence"`

	Quality    DataQuality `json:"data_quality"`
	DetectedAt time.Time   `json:"detected_at"`
}
