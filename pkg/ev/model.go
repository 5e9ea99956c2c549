package ev

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oddsforge/oddsforge/core"
)

// ModelClient fetches model probabilities over HTTP. The model service is a
// black box: the pipeline only consumes the probabilities it returns. Every
// call carries its own short deadline so a slow model cannot stall quote
// processing — a timed-out call reads as ProbabilityUnavailable and the
// quote is simply skipped.
type ModelClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	log        *zap.Logger
}

// NewModelClient creates a model probability client.
func NewModelClient(baseURL string, timeout time.Duration, log *zap.Logger) *ModelClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ModelClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		log:        log,
	}
}

// probabilityResponse is the model service wire shape. A single-model
// response fills Probability; an ensemble response fills Models.
type probabilityResponse struct {
	Probability *float64 `json:"probability,omitempty"`
	Confidence  float64  `json:"confidence,omitempty"`
	Method      string   `json:"method,omitempty"` // optional override: weighted_ensemble, median_ensemble, max_confidence
	Models      []struct {
		Model       string  `json:"model"`
		Probability float64 `json:"probability"`
		Confidence  float64 `json:"confidence"`
		Weight      float64 `json:"weight"`
	} `json:"models,omitempty"`
}

// GetModelProbability implements ProbabilityGetter.
func (c *ModelClient) GetModelProbability(ctx context.Context, eventID string, marketType core.MarketType, outcome string) (ProbabilitySource, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("event_id", eventID)
	params.Set("market_type", string(marketType))
	params.Set("outcome", outcome)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/probability?"+params.Encode(), nil)
	if err != nil {
		return ProbabilitySource{}, fmt.Errorf("%w: create request: %v", core.ErrProbabilityUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("model probability fetch failed", zap.String("event", eventID), zap.Error(err))
		return ProbabilitySource{}, fmt.Errorf("%w: %v", core.ErrProbabilityUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProbabilitySource{}, fmt.Errorf("%w: model service status %d", core.ErrProbabilityUnavailable, resp.StatusCode)
	}

	var pr probabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return ProbabilitySource{}, fmt.Errorf("%w: decode: %v", core.ErrProbabilityUnavailable, err)
	}
	return pr.toSource()
}

func (pr *probabilityResponse) toSource() (ProbabilitySource, error) {
	if len(pr.Models) > 0 {
		kind := SourceWeightedEnsemble
		switch pr.Method {
		case string(SourceMedianEnsemble):
			kind = SourceMedianEnsemble
		case string(SourceMaxConfidence):
			kind = SourceMaxConfidence
		}
		src := ProbabilitySource{Kind: kind}
		for _, m := range pr.Models {
			src.Values = append(src.Values, ModelProbability{
				Model:       m.Model,
				Probability: decimalFrom(m.Probability),
				Confidence:  decimalFrom(m.Confidence),
				Weight:      decimalFrom(m.Weight),
			})
		}
		return src, nil
	}
	if pr.Probability == nil {
		return ProbabilitySource{}, fmt.Errorf("%w: empty response", core.ErrProbabilityUnavailable)
	}
	return Single(decimalFrom(*pr.Probability)), nil
}

func decimalFrom(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }
