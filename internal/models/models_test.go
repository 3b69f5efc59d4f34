package models_test

import (
	"math"
	"testing"

	"github.com/fanbase/market-engine/internal/models"
)

func TestNormalWinProbability(t *testing.T) {
	m := models.NormalWinProbability{}

	if got := m.Evaluate(0, 0, 64, 1); math.Abs(got-64) > 0.5 {
		t.Errorf("tip-off prob = %v, want pregame 64", got)
	}
	if got := m.Evaluate(24, 10, 50, 2); got <= 50 {
		t.Errorf("leading at half prob = %v, want > 50", got)
	}
	if got := m.Evaluate(24, -10, 50, 2); got >= 50 {
		t.Errorf("trailing at half prob = %v, want < 50", got)
	}
	if m.Evaluate(46, 10, 50, 4) <= m.Evaluate(12, 10, 50, 1) {
		t.Error("a late lead should be worth more than an early one")
	}

	cases := []struct {
		margin float64
		want   float64
	}{{3, 100}, {-3, 0}, {0, 50}}
	for _, tc := range cases {
		if got := m.Evaluate(48, tc.margin, 70, 4); got != tc.want {
			t.Errorf("final margin %v: got %v, want %v", tc.margin, got, tc.want)
		}
	}
}

func TestEloMarginMultiplier(t *testing.T) {
	m := models.EloMarginMultiplier{}

	if m.Evaluate(1500, 1500, 20) <= m.Evaluate(1500, 1500, 5) {
		t.Error("multiplier should grow with margin")
	}
	// A favourite winning big moves less than an underdog winning big.
	if m.Evaluate(1700, 1400, 15) >= m.Evaluate(1400, 1700, 15) {
		t.Error("favourite blowout should be damped")
	}
	if got := m.Evaluate(1500, 1500, -7); math.Abs(got-m.Evaluate(1500, 1500, 7)) > 1e-9 {
		t.Errorf("symmetric teams should get symmetric multipliers, got %v", got)
	}
}
