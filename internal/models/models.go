// Package models holds baseline outcome models for the pricing engine. Both
// are plain functions of the game state and can be swapped for fitted models
// through the pricing.WinProbabilityModel and pricing.MarginMultiplierModel
// interfaces.
package models

import "math"

const (
	regulationMinutes = 48.0
	overtimeMinutes   = 5.0

	// finalMarginStdDev is the spread of full-game final margins in points.
	finalMarginStdDev = 13.5
)

// NormalWinProbability models the remaining scoring as a normal random walk
// whose drift comes from the pregame win probability.
type NormalWinProbability struct {
	StdDev float64
}

// Evaluate returns the home win probability in percent.
func (m NormalWinProbability) Evaluate(elapsed, margin, pregamePct float64, period int) float64 {
	sigma := m.StdDev
	if sigma <= 0 {
		sigma = finalMarginStdDev
	}

	total := regulationMinutes
	if period > 4 {
		total += float64(period-4) * overtimeMinutes
	}
	remaining := total - elapsed
	if remaining <= 0 {
		switch {
		case margin > 0:
			return 100
		case margin < 0:
			return 0
		default:
			return 50
		}
	}

	p := math.Min(math.Max(pregamePct/100, 0.001), 0.999)
	pregameEdge := sigma * math.Sqrt2 * math.Erfinv(2*p-1)

	frac := remaining / regulationMinutes
	z := (margin + pregameEdge*frac) / (sigma * math.Sqrt(frac))
	return 100 * 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// EloMarginMultiplier damps rating changes for blowouts between mismatched
// teams: ((|mov|+3)^0.8) / (7.5 + 0.006 × winner's rating edge).
type EloMarginMultiplier struct{}

func (EloMarginMultiplier) Evaluate(home, away, projectedMOV float64) float64 {
	edge := home - away
	if projectedMOV < 0 {
		edge = away - home
	}
	denom := math.Max(7.5+0.006*edge, 1)
	return math.Pow(math.Abs(projectedMOV)+3, 0.8) / denom
}
