// Package provider implements HTTP clients for upstream odds providers.
// Each client owns its provider's rate budget: a token-bucket limiter paces
// requests, quota hint headers shrink the rate proactively, transient
// failures are retried with exponential backoff, and a circuit breaker skips
// a provider that keeps failing.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/oddsforge/oddsforge/core"
	"github.com/oddsforge/oddsforge/pkg/odds"
)

// MarketFilter selects which quotes to fetch from a provider.
type MarketFilter struct {
	Sport       string
	MarketTypes []core.MarketType
	From        time.Time
	To          time.Time
}

// CacheKey returns a stable key for this filter against one provider,
// suitable for the dedup cache.
func (f MarketFilter) CacheKey(providerID string) string {
	types := make([]string, len(f.MarketTypes))
	for i, mt := range f.MarketTypes {
		types[i] = string(mt)
	}
	return fmt.Sprintf("quotes:%s:%s:%s:%d:%d",
		providerID, f.Sport, strings.Join(types, ","), f.From.Unix(), f.To.Unix())
}

// Config holds per-provider settings. Quota header names differ between
// providers, so they are configuration rather than constants.
type Config struct {
	ID      string
	BaseURL string

	// Auth
	APIKey     string
	AuthHeader string // defaults to "X-Api-Key"

	// Request pacing
	RateLimit float64 // requests per second
	Burst     int

	// Quota hints. When QuotaHeader is present in a response the client
	// shrinks its request rate before the provider ever answers 429.
	QuotaHeader      string // e.g. "X-Requests-Remaining"
	QuotaResetHeader string // e.g. "X-Requests-Reset" (seconds), optional

	Retry   RetryPolicy
	Timeout time.Duration
}

// Client fetches quotes from one upstream provider.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *Breaker
	clock      Clock
	rnd        *rand.Rand
	log        *zap.Logger

	mu             sync.Mutex
	quotaRemaining int64 // -1 until the provider reports it
	lastSuccess    time.Time
	retries        int64 // cumulative backoff retries across all fetches
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock injects a clock, used by tests to drive backoff.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		c.clock = clock
		c.breaker.clock = clock
	}
}

// WithBreaker sets a custom circuit breaker.
func WithBreaker(b *Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// NewClient creates a provider client.
func NewClient(cfg Config, log *zap.Logger, opts ...Option) *Client {
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "X-Api-Key"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	clock := SystemClock()
	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:        rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		breaker:        NewBreaker(5, 30*time.Second, clock),
		clock:          clock,
		rnd:            rand.New(rand.NewSource(time.Now().UnixNano())),
		log:            log.With(zap.String("provider", cfg.ID)),
		quotaRemaining: -1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the provider ID.
func (c *Client) ID() string { return c.cfg.ID }

// Health is a point-in-time view of the client, consumed by the readiness
// surface.
type Health struct {
	ProviderID     string       `json:"provider_id"`
	QuotaRemaining int64        `json:"quota_remaining"` // -1 when unknown
	LastSuccess    time.Time    `json:"last_success"`
	Retries        int64        `json:"retries_total"`
	Breaker        BreakerState `json:"-"`
	BreakerState   string       `json:"breaker_state"`
}

// Snapshot returns the client's health view.
func (c *Client) Snapshot() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.breaker.State()
	return Health{
		ProviderID:     c.cfg.ID,
		QuotaRemaining: c.quotaRemaining,
		LastSuccess:    c.lastSuccess,
		Retries:        c.retries,
		Breaker:        st,
		BreakerState:   st.String(),
	}
}

// quotePayload is the provider wire shape for one quoted outcome. Prices may
// arrive in any of the three formats; exactly one of the price fields is
// read, selected by Format.
type quotePayload struct {
	EventID      string          `json:"event_id"`
	Sport        string          `json:"sport"`
	HomeTeam     string          `json:"home_team"`
	AwayTeam     string          `json:"away_team"`
	CommenceTime time.Time       `json:"commence_time"`
	Market       string          `json:"market"`
	Outcome      string          `json:"outcome"`
	Line         *float64        `json:"line,omitempty"`
	Format       string          `json:"price_format"` // "decimal" (default), "american", "fractional"
	Price        decimal.Decimal `json:"price"`
	American     int64           `json:"american,omitempty"`
	FracNum      int64           `json:"frac_num,omitempty"`
	FracDen      int64           `json:"frac_den,omitempty"`
	Bookmaker    string          `json:"bookmaker"`
	LastUpdate   time.Time       `json:"last_update"`
}

// Fetch retrieves quotes matching the filter. Transport errors are absorbed
// here: after retries are exhausted the caller sees a typed
// UpstreamUnavailableError, never a raw network error. Individual malformed
// quotes are dropped and logged; one bad quote does not fail the batch.
func (c *Client) Fetch(ctx context.Context, filter MarketFilter) ([]core.Quote, error) {
	if !c.breaker.Allow() {
		return nil, &core.UpstreamUnavailableError{
			Provider: c.cfg.ID,
			Err:      fmt.Errorf("circuit breaker open"),
		}
	}

	state := StatePending
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= c.cfg.Retry.MaxAttempts; attempt++ {
		attempts = attempt
		payloads, retryable, err := c.doFetch(ctx, filter)
		if err == nil {
			state = StateSucceeded
			c.breaker.Success()
			c.mu.Lock()
			c.lastSuccess = c.clock.Now()
			c.mu.Unlock()
			return c.convert(payloads), nil
		}

		lastErr = err
		if !retryable || attempt == c.cfg.Retry.MaxAttempts {
			break
		}

		state = StateRetrying
		c.mu.Lock()
		c.retries++
		c.mu.Unlock()
		delay := c.cfg.Retry.Backoff(attempt, c.rnd)
		c.log.Warn("fetch failed, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("state", state.String()),
			zap.Error(err))
		if serr := c.clock.Sleep(ctx, delay); serr != nil {
			lastErr = serr
			break
		}
	}

	c.breaker.Failure()
	return nil, &core.UpstreamUnavailableError{Provider: c.cfg.ID, Attempts: attempts, Err: lastErr}
}

// doFetch performs one HTTP attempt. The second return value reports whether
// the failure is transient (429, 5xx, transport) and worth retrying.
func (c *Client) doFetch(ctx context.Context, filter MarketFilter) ([]quotePayload, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, fmt.Errorf("rate limiter: %w", err)
	}

	params := url.Values{}
	params.Set("sport", filter.Sport)
	if len(filter.MarketTypes) > 0 {
		types := make([]string, len(filter.MarketTypes))
		for i, mt := range filter.MarketTypes {
			types[i] = string(mt)
		}
		params.Set("markets", strings.Join(types, ","))
	}
	if !filter.From.IsZero() {
		params.Set("commence_time_from", filter.From.UTC().Format(time.RFC3339))
	}
	if !filter.To.IsZero() {
		params.Set("commence_time_to", filter.To.UTC().Format(time.RFC3339))
	}

	u := c.cfg.BaseURL + "/odds?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.AuthHeader, c.cfg.APIKey)
	}

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	latency := c.clock.Now().Sub(start)
	c.observeQuota(resp.Header)

	c.log.Debug("fetch",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", latency),
		zap.Int64("quota_remaining", c.QuotaRemaining()))

	switch {
	case resp.StatusCode == http.StatusOK:
		var payloads []quotePayload
		if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
			return nil, false, fmt.Errorf("decode response: %w", err)
		}
		return payloads, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("api status %d", resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, false, fmt.Errorf("api status %d: %s", resp.StatusCode, string(body))
	}
}

// observeQuota reads the provider's remaining-quota hint and shrinks the
// request rate before the provider starts answering 429.
func (c *Client) observeQuota(h http.Header) {
	if c.cfg.QuotaHeader == "" {
		return
	}
	raw := h.Get(c.cfg.QuotaHeader)
	if raw == "" {
		return
	}
	remaining, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.quotaRemaining = remaining
	c.mu.Unlock()

	limit := rate.Limit(c.cfg.RateLimit)
	if reset := h.Get(c.cfg.QuotaResetHeader); reset != "" {
		if secs, err := strconv.ParseFloat(reset, 64); err == nil && secs > 0 {
			// Spread the remaining budget over the reset window.
			budget := rate.Limit(float64(remaining) / secs)
			if budget < limit {
				limit = budget
			}
		}
	} else if remaining < int64(c.cfg.RateLimit*10) {
		// No reset hint: degrade proportionally as the budget runs down.
		scaled := rate.Limit(c.cfg.RateLimit * float64(remaining) / (c.cfg.RateLimit * 10))
		if scaled < limit {
			limit = scaled
		}
	}
	if limit < 0.1 {
		limit = 0.1
	}
	if limit != c.limiter.Limit() {
		c.log.Info("adjusting rate from quota hint",
			zap.Int64("remaining", remaining),
			zap.Float64("rps", float64(limit)))
		c.limiter.SetLimit(limit)
	}
}

// QuotaRemaining returns the provider's last reported quota, -1 if unknown.
func (c *Client) QuotaRemaining() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quotaRemaining
}

// convert maps wire payloads to domain quotes, normalizing every price to
// decimal odds and dropping quotes that fail validation.
func (c *Client) convert(payloads []quotePayload) []core.Quote {
	quotes := make([]core.Quote, 0, len(payloads))
	for _, p := range payloads {
		price, err := c.normalizePrice(p)
		if err != nil {
			c.log.Warn("dropping quote with bad price",
				zap.String("event", p.EventID),
				zap.String("bookmaker", p.Bookmaker),
				zap.Error(err))
			continue
		}

		var line *decimal.Decimal
		if p.Line != nil {
			l := decimal.NewFromFloat(*p.Line)
			line = &l
		}
		observed := p.LastUpdate
		if observed.IsZero() {
			observed = c.clock.Now()
		}

		q := core.Quote{
			ProviderID:      c.cfg.ID,
			EventExternalID: p.EventID,
			Sport:           p.Sport,
			Participants:    []string{p.HomeTeam, p.AwayTeam},
			ScheduledStart:  p.CommenceTime,
			MarketType:      core.MarketType(p.Market),
			OutcomeLabel:    p.Outcome,
			Line:            line,
			Price:           price,
			ObservedAt:      observed,
			BookmakerID:     p.Bookmaker,
		}
		if err := q.Validate(); err != nil {
			c.log.Warn("dropping invalid quote",
				zap.String("event", p.EventID),
				zap.String("bookmaker", p.Bookmaker),
				zap.Error(err))
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes
}

func (c *Client) normalizePrice(p quotePayload) (decimal.Decimal, error) {
	switch p.Format {
	case "american":
		return odds.FromAmerican(p.American)
	case "fractional":
		return odds.FromFractional(p.FracNum, p.FracDen)
	case "", "decimal":
		if !p.Price.GreaterThan(decimal.NewFromInt(1)) {
			return decimal.Zero, &core.ValidationError{Field: "price", Value: p.Price.String(), Reason: "decimal odds must be > 1.0"}
		}
		return p.Price, nil
	default:
		return decimal.Zero, &core.ValidationError{Field: "price_format", Value: p.Format, Reason: "unknown format"}
	}
}
