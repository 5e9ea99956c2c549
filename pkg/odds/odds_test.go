package odds

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/oddsforge/oddsforge/core"
)

func TestFromAmerican(t *testing.T) {
	tests := []struct {
		name     string
		american int64
		want     float64
		wantErr  bool
	}{
		{name: "positive favorite notation", american: 150, want: 2.50},
		{name: "negative favorite notation", american: -150, want: 1.0 + 100.0/150.0},
		{name: "even money", american: 100, want: 2.00},
		{name: "heavy favorite", american: -500, want: 1.20},
		{name: "big underdog", american: 900, want: 10.00},
		{name: "zero is invalid", american: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromAmerican(tt.american)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !core.IsValidation(err) {
					t.Errorf("expected ValidationError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := math.Abs(got.InexactFloat64() - tt.want); diff > 1e-9 {
				t.Errorf("FromAmerican(%d) = %s, want %.6f", tt.american, got, tt.want)
			}
		})
	}
}

func TestAmericanRoundTrip(t *testing.T) {
	for _, american := range []int64{100, 110, 150, 250, 900, -110, -150, -250, -500} {
		dec, err := FromAmerican(american)
		if err != nil {
			t.Fatalf("FromAmerican(%d): %v", american, err)
		}
		back, err := ToAmerican(dec)
		if err != nil {
			t.Fatalf("ToAmerican(%s): %v", dec, err)
		}
		if back != american {
			t.Errorf("round trip %d -> %s -> %d", american, dec, back)
		}
	}
}

func TestFractionalRoundTrip(t *testing.T) {
	tests := []struct {
		num, den int64
	}{
		{1, 2}, {1, 1}, {3, 2}, {5, 2}, {9, 4}, {11, 10}, {100, 30},
	}

	for _, tt := range tests {
		dec, err := FromFractional(tt.num, tt.den)
		if err != nil {
			t.Fatalf("FromFractional(%d/%d): %v", tt.num, tt.den, err)
		}
		num, den, err := ToFractional(dec)
		if err != nil {
			t.Fatalf("ToFractional(%s): %v", dec, err)
		}
		got := float64(num) / float64(den)
		want := float64(tt.num) / float64(tt.den)
		if math.Abs(got-want) > 1e-6 {
			t.Errorf("round trip %d/%d -> %s -> %d/%d", tt.num, tt.den, dec, num, den)
		}
	}
}

func TestImpliedInUnitInterval(t *testing.T) {
	for _, price := range []float64{1.01, 1.5, 2.0, 2.1, 10.0, 1000.0} {
		p, err := Implied(decimal.NewFromFloat(price))
		if err != nil {
			t.Fatalf("Implied(%v): %v", price, err)
		}
		f := p.InexactFloat64()
		if f <= 0 || f >= 1 {
			t.Errorf("Implied(%v) = %v, want in (0,1)", price, f)
		}
	}
}

func TestImpliedRejectsInvalidPrice(t *testing.T) {
	for _, price := range []float64{1.0, 0.99, 0, -2.5} {
		if _, err := Implied(decimal.NewFromFloat(price)); err == nil {
			t.Errorf("Implied(%v) succeeded, want validation error", price)
		}
	}
}

func TestValidateProbability(t *testing.T) {
	if err := ValidateProbability(decimal.NewFromFloat(0.5)); err != nil {
		t.Errorf("0.5 should be valid: %v", err)
	}
	if err := ValidateProbability(decimal.Zero); err != nil {
		t.Errorf("0 should be valid (boundary): %v", err)
	}
	if err := ValidateProbability(decimal.NewFromInt(1)); err != nil {
		t.Errorf("1 should be valid (boundary): %v", err)
	}
	if err := ValidateProbability(decimal.NewFromFloat(1.01)); err == nil {
		t.Error("1.01 should be rejected")
	}
	if err := ValidateProbability(decimal.NewFromFloat(-0.01)); err == nil {
		t.Error("-0.01 should be rejected")
	}
}
