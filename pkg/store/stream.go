// Package store holds the optional persistence sinks: an append-only Redis
// Streams publisher for quotes and EV results, and a Postgres audit writer
// for arbitrage opportunities. The engine runs fine with neither configured.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oddsforge/oddsforge/core"
)

// StreamPublisher appends quotes and EV results to Redis Streams. Entries are
// append-only and timestamp-keyed so downstream consumers can replay and
// audit a full cycle.
type StreamPublisher struct {
	client *redis.Client
	log    *zap.Logger
}

// NewStreamPublisher creates a publisher over an existing Redis client.
func NewStreamPublisher(client *redis.Client, log *zap.Logger) *StreamPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamPublisher{client: client, log: log}
}

// PublishQuote appends one applied quote to the quotes.observed.<sport>
// stream, keyed by (canonical_id, market_key, observed_at).
func (p *StreamPublisher) PublishQuote(ctx context.Context, canonicalID, marketKey string, q core.Quote) error {
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to marshal quote: %w", err)
	}

	streamKey := fmt.Sprintf("quotes.observed.%s", q.Sport)
	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"canonical_id": canonicalID,
			"market_key":   marketKey,
			"observed_at":  q.ObservedAt.UnixMilli(),
			"quote":        string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", streamKey, err)
	}
	return nil
}

// PublishEVResult appends one EV result to the ev.computed.<sport> stream.
func (p *StreamPublisher) PublishEVResult(ctx context.Context, sport string, res core.EVResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal ev result: %w", err)
	}

	streamKey := fmt.Sprintf("ev.computed.%s", sport)
	_, err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"canonical_id": res.EventID,
			"market_key":   res.MarketKey,
			"computed_at":  res.ComputedAt.UnixMilli(),
			"result":       string(payload),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", streamKey, err)
	}
	return nil
}

// PublishEVResults appends a batch, stopping at the first failure.
func (p *StreamPublisher) PublishEVResults(ctx context.Context, sport string, results []core.EVResult) error {
	for _, res := range results {
		if err := p.PublishEVResult(ctx, sport, res); err != nil {
			return err
		}
	}
	return nil
}

// Ping verifies connectivity for the readiness probe.
func (p *StreamPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
