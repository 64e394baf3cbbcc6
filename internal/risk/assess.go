// Package risk scores bird-strike encounters from distance, closing speed
// and time-to-collision, and stabilizes the resulting level over time.
package risk

import (
	"math"

	"github.com/setevik/bdslink/internal/wire"
)

// Component weights for the blended score.
const (
	distanceWeight = 0.4
	speedWeight    = 0.3
	ttcWeight      = 0.3
	scoreScale     = 2.0
)

// Floor scores assigned when a hard proximity/TTC limit is crossed.
const (
	criticalFloorScore = 180.0
	warningFloorScore  = 120.0
)

// Level thresholds over the 0–200 scaled score.
var levelThresholds = []struct {
	min   float64
	level wire.RiskLevel
}{
	{160, wire.LevelCritical},
	{120, wire.LevelWarning},
	{80, wire.LevelHigh},
	{60, wire.LevelCaution},
	{30, wire.LevelLow},
}

// Assess computes a risk score and level for one encounter sample.
//
// distance is meters between aircraft and flock. relativeSpeed is the
// signed range rate in m/s, negative while closing (the wire convention).
// ttc is seconds to projected contact, +Inf when not closing.
//
// Hard floors override the blended score: inside 50 m or under 5 s TTC
// the encounter is CRITICAL regardless of the components; inside 100 m
// or under 12 s it is at least WARNING.
func Assess(distance, relativeSpeed, ttc float64) (float64, wire.RiskLevel) {
	if distance < 50 {
		return criticalFloorScore, wire.LevelCritical
	}
	if ttc < 5 {
		return criticalFloorScore, wire.LevelCritical
	}
	if distance < 100 {
		return warningFloorScore, wire.LevelWarning
	}
	if ttc < 12 {
		return warningFloorScore, wire.LevelWarning
	}

	score := scoreScale * (distanceScore(distance)*distanceWeight +
		speedScore(relativeSpeed)*speedWeight +
		ttcScore(ttc)*ttcWeight)

	return score, LevelForScore(score)
}

// LevelForScore maps a scaled score onto the ordered level tiers.
func LevelForScore(score float64) wire.RiskLevel {
	for _, t := range levelThresholds {
		if score >= t.min {
			return t.level
		}
	}
	return wire.LevelNormal
}

// distanceScore: closer is riskier, 0–100.
func distanceScore(d float64) float64 {
	switch {
	case d <= 50:
		return 100
	case d <= 100:
		return 80 - (d-50)*0.6
	case d <= 200:
		return 50 - (d-100)*0.3
	default:
		return math.Max(0, 20-(d-200)*0.05)
	}
}

// speedScore: faster closure is riskier, 0–100. relativeSpeed is the
// signed range rate; a non-negative rate means the flock is holding or
// opening and contributes nothing.
func speedScore(relativeSpeed float64) float64 {
	closing := -relativeSpeed
	switch {
	case closing <= 0:
		return 0
	case closing <= 10:
		return closing * 3
	case closing <= 30:
		return 30 + (closing-10)*2.5
	default:
		return math.Min(100, 80+(closing-30))
	}
}

// ttcScore: shorter projected contact is riskier, 0–100.
func ttcScore(ttc float64) float64 {
	switch {
	case math.IsInf(ttc, 1):
		return 0
	case ttc <= 5:
		return 100
	case ttc <= 15:
		return 100 - (ttc-5)*5
	case ttc <= 30:
		return 50 - (ttc-15)*2
	default:
		return math.Max(0, 20-(ttc-30)*0.5)
	}
}
