// Package odds converts between odds formats and implied probability.
// Decimal odds are the internal representation everywhere in the pipeline;
// American and fractional forms exist only at the provider boundary.
package odds

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/oddsforge/oddsforge/core"
)

var one = decimal.NewFromInt(1)

// FromAmerican converts American odds to decimal odds.
// +150 -> 2.50, -150 -> 1.6667.
func FromAmerican(american int64) (decimal.Decimal, error) {
	if american == 0 {
		return decimal.Zero, &core.ValidationError{Field: "american_odds", Value: "0", Reason: "cannot be zero"}
	}
	a := decimal.NewFromInt(american)
	hundred := decimal.NewFromInt(100)
	if american > 0 {
		return a.Div(hundred).Add(one), nil
	}
	return hundred.Div(a.Neg()).Add(one), nil
}

// ToAmerican converts decimal odds to the nearest American odds.
// 2.50 -> +150, 1.6667 -> -150.
func ToAmerican(price decimal.Decimal) (int64, error) {
	if !price.GreaterThan(one) {
		return 0, &core.ValidationError{Field: "price", Value: price.String(), Reason: "decimal odds must be > 1.0"}
	}
	hundred := decimal.NewFromInt(100)
	if price.GreaterThanOrEqual(decimal.NewFromInt(2)) {
		return price.Sub(one).Mul(hundred).Round(0).IntPart(), nil
	}
	return hundred.Neg().Div(price.Sub(one)).Round(0).IntPart(), nil
}

// FromFractional converts fractional odds a/b to decimal odds: a/b + 1.
func FromFractional(num, den int64) (decimal.Decimal, error) {
	if num <= 0 || den <= 0 {
		return decimal.Zero, &core.ValidationError{Field: "fractional_odds", Reason: "numerator and denominator must be positive"}
	}
	return decimal.NewFromInt(num).Div(decimal.NewFromInt(den)).Add(one), nil
}

// ToFractional converts decimal odds to the closest fraction a/b with b
// bounded, using a continued-fraction expansion of price-1.
func ToFractional(price decimal.Decimal) (num, den int64, err error) {
	if !price.GreaterThan(one) {
		return 0, 0, &core.ValidationError{Field: "price", Value: price.String(), Reason: "decimal odds must be > 1.0"}
	}
	target := price.Sub(one).InexactFloat64()
	num, den = approximate(target, 1000)
	return num, den, nil
}

// approximate finds the best rational p/q for x with q <= maxDen via
// continued fractions.
func approximate(x float64, maxDen int64) (int64, int64) {
	var p0, q0, p1, q1 int64 = 0, 1, 1, 0
	r := x
	for {
		a := int64(math.Floor(r))
		p2 := a*p1 + p0
		q2 := a*q1 + q0
		if q2 > maxDen {
			break
		}
		p0, q0, p1, q1 = p1, q1, p2, q2
		frac := r - float64(a)
		if frac < 1e-12 {
			break
		}
		r = 1 / frac
	}
	if q1 == 0 {
		return int64(math.Round(x)), 1
	}
	return p1, q1
}

// Implied returns the probability implied by decimal odds: 1/price.
// For any valid price > 1 the result lies strictly in (0, 1).
func Implied(price decimal.Decimal) (decimal.Decimal, error) {
	if !price.GreaterThan(one) {
		return decimal.Zero, &core.ValidationError{Field: "price", Value: price.String(), Reason: "decimal odds must be > 1.0"}
	}
	return one.Div(price), nil
}

// FromImplied returns the fair decimal odds for a probability: 1/p.
func FromImplied(p decimal.Decimal) (decimal.Decimal, error) {
	if !p.GreaterThan(decimal.Zero) || !p.LessThan(one) {
		return decimal.Zero, &core.ValidationError{Field: "probability", Value: p.String(), Reason: "must be in (0, 1)"}
	}
	return one.Div(p), nil
}

// ValidateProbability checks that p lies in the closed interval [0, 1].
func ValidateProbability(p decimal.Decimal) error {
	if p.LessThan(decimal.Zero) || p.GreaterThan(one) {
		return &core.ValidationError{Field: "probability", Value: p.String(), Reason: "must be in [0, 1]"}
	}
	return nil
}
