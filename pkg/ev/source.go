package ev

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/oddsforge/oddsforge/core"
	"github.com/oddsforge/oddsforge/pkg/odds"
)

// SourceKind selects how an ensemble of model probabilities is reduced to
// one number. Resolution is an explicit switch, never reflection.
type SourceKind string

const (
	SourceSingle           SourceKind = "single"
	SourceWeightedEnsemble SourceKind = "weighted_ensemble"
	SourceMedianEnsemble   SourceKind = "median_ensemble"
	SourceMaxConfidence    SourceKind = "max_confidence"
)

// ModelProbability is one model's estimate.
type ModelProbability struct {
	Model       string          `json:"model"`
	Probability decimal.Decimal `json:"probability"`
	Confidence  decimal.Decimal `json:"confidence,omitempty"`
	Weight      decimal.Decimal `json:"weight,omitempty"` // defaults to 1
}

// ProbabilitySource is a tagged variant holding either a single model
// probability or an ensemble plus the reduction method.
type ProbabilitySource struct {
	Kind   SourceKind         `json:"kind"`
	Values []ModelProbability `json:"values"`
}

// Single wraps one probability as a source.
func Single(p decimal.Decimal) ProbabilitySource {
	return ProbabilitySource{Kind: SourceSingle, Values: []ModelProbability{{Probability: p}}}
}

// Resolve reduces the source to one probability. It returns the method used
// (recorded on the EVResult for audit) and the ensemble disagreement
// (population standard deviation; zero for a single model).
func (s ProbabilitySource) Resolve() (prob decimal.Decimal, method string, disagreement decimal.Decimal, err error) {
	if len(s.Values) == 0 {
		return decimal.Zero, "", decimal.Zero, &core.ValidationError{Field: "probability_source", Reason: "no model values"}
	}
	for _, v := range s.Values {
		if verr := odds.ValidateProbability(v.Probability); verr != nil {
			return decimal.Zero, "", decimal.Zero, verr
		}
	}

	switch s.Kind {
	case SourceSingle:
		if len(s.Values) != 1 {
			return decimal.Zero, "", decimal.Zero, &core.ValidationError{Field: "probability_source", Reason: "single source must carry exactly one value"}
		}
		return s.Values[0].Probability, string(SourceSingle), decimal.Zero, nil

	case SourceWeightedEnsemble, "":
		// Weighted mean is the default reduction for ensembles.
		sum := decimal.Zero
		weights := decimal.Zero
		for _, v := range s.Values {
			w := v.Weight
			if w.IsZero() {
				w = decimal.NewFromInt(1)
			}
			sum = sum.Add(v.Probability.Mul(w))
			weights = weights.Add(w)
		}
		return sum.Div(weights), string(SourceWeightedEnsemble), s.stddev(), nil

	case SourceMedianEnsemble:
		probs := make([]decimal.Decimal, len(s.Values))
		for i, v := range s.Values {
			probs[i] = v.Probability
		}
		sort.Slice(probs, func(i, j int) bool { return probs[i].LessThan(probs[j]) })
		n := len(probs)
		var med decimal.Decimal
		if n%2 == 1 {
			med = probs[n/2]
		} else {
			med = probs[n/2-1].Add(probs[n/2]).Div(decimal.NewFromInt(2))
		}
		return med, string(SourceMedianEnsemble), s.stddev(), nil

	case SourceMaxConfidence:
		best := s.Values[0]
		for _, v := range s.Values[1:] {
			if v.Confidence.GreaterThan(best.Confidence) {
				best = v
			}
		}
		return best.Probability, string(SourceMaxConfidence), s.stddev(), nil
	}

	return decimal.Zero, "", decimal.Zero, &core.ValidationError{Field: "probability_source", Value: string(s.Kind), Reason: "unknown kind"}
}

// stddev is the population standard deviation of the member probabilities,
// a cheap audit signal for how much the ensemble disagrees.
func (s ProbabilitySource) stddev() decimal.Decimal {
	n := decimal.NewFromInt(int64(len(s.Values)))
	if len(s.Values) < 2 {
		return decimal.Zero
	}
	mean := decimal.Zero
	for _, v := range s.Values {
		mean = mean.Add(v.Probability)
	}
	mean = mean.Div(n)

	variance := decimal.Zero
	for _, v := range s.Values {
		d := v.Probability.Sub(mean)
		variance = variance.Add(d.Mul(d))
	}
	variance = variance.Div(n)

	f, _ := variance.Float64()
	return decimal.NewFromFloat(math.Sqrt(f))
}
