package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/oddsforge/oddsforge/core"
)

// AuditWriter writes detected arbitrage opportunities to Postgres. The
// opportunity row and all of its legs land in one transaction so the audit
// table never shows a half-written opportunity.
type AuditWriter struct {
	db *sql.DB
}

// OpenAuditWriter connects to Postgres with the lib/pq driver.
func OpenAuditWriter(dsn string) (*AuditWriter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return &AuditWriter{db: db}, nil
}

// NewAuditWriter wraps an existing database handle.
func NewAuditWriter(db *sql.DB) *AuditWriter {
	return &AuditWriter{db: db}
}

// WriteOpportunity inserts an opportunity and its per-outcome legs.
func (w *AuditWriter) WriteOpportunity(ctx context.Context, opp *core.ArbitrageOpportunity) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	opportunityQuery := `
		INSERT INTO arbitrage_opportunities (
			id, event_id, sport, market_key,
			implied_probability_sum, has_arbitrage, profit_pct,
			line_spread, odds_spread, confidence, data_quality, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	var profit interface{}
	if opp.HasArbitrage {
		profit = opp.ProfitPercent.String()
	}
	_, err = tx.ExecContext(
		ctx,
		opportunityQuery,
		opp.ID,
		opp.EventID,
		opp.Sport,
		opp.MarketKey,
		opp.ImpliedProbabilitySum.String(),
		opp.HasArbitrage,
		profit,
		opp.LineSpread.String(),
		opp.OddsSpread.String(),
		opp.Confidence.String(),
		string(opp.Quality),
		opp.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert opportunity: %w", err)
	}

	legQuery := `
		INSERT INTO arbitrage_legs (
			opportunity_id, outcome_label, bookmaker_id, price, line, stake_fraction, observed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for label, q := range opp.BestQuotePerOutcome {
		var line interface{}
		if q.Line != nil {
			line = q.Line.String()
		}
		var stake interface{}
		if s, ok := opp.StakeSplit[label]; ok {
			stake = s.String()
		}
		_, err = tx.ExecContext(
			ctx,
			legQuery,
			opp.ID,
			label,
			q.BookmakerID,
			q.Price.String(),
			line,
			stake,
			q.ObservedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert opportunity leg: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// WriteOpportunities writes a batch, stopping at the first failure.
func (w *AuditWriter) WriteOpportunities(ctx context.Context, opps []*core.ArbitrageOpportunity) error {
	for _, opp := range opps {
		if err := w.WriteOpportunity(ctx, opp); err != nil {
			return fmt.Errorf("failed to write opportunity %s: %w", opp.ID, err)
		}
	}
	return nil
}

// Ping verifies connectivity for the readiness probe.
func (w *AuditWriter) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (w *AuditWriter) Close() error {
	return w.db.Close()
}
