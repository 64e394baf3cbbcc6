package risk

import (
	"log/slog"

	"github.com/setevik/bdslink/internal/wire"
)

// Stabilizer applies hysteresis to a stream of assessments so the
// reported level does not flap at a threshold boundary. Escalations take
// effect immediately; a de-escalation is held back until the lower level
// has been observed for holdDown consecutive samples.
type Stabilizer struct {
	current  wire.RiskLevel
	score    float64
	holdDown int
	pending  int
}

// NewStabilizer creates a stabilizer starting at NORMAL. holdDown is the
// number of consecutive lower assessments required before de-escalating;
// values below 1 disable the hold (every sample passes through).
func NewStabilizer(holdDown int) *Stabilizer {
	return &Stabilizer{holdDown: holdDown}
}

// Apply folds one assessment into the stabilized state and returns the
// score and level to report.
func (s *Stabilizer) Apply(score float64, level wire.RiskLevel) (float64, wire.RiskLevel) {
	switch {
	case level > s.current:
		slog.Debug("risk level escalated", "from", s.current, "to", level)
		s.current = level
		s.score = score
		s.pending = 0

	case level < s.current:
		s.pending++
		if s.pending >= s.holdDown {
			slog.Debug("risk level de-escalated", "from", s.current, "to", level, "held_samples", s.pending)
			s.current = level
			s.score = score
			s.pending = 0
		}
		// Otherwise keep reporting the previous level/score until the
		// downgrade has been held long enough.

	default:
		s.score = score
		s.pending = 0
	}

	return s.score, s.current
}

// Level returns the current stabilized level.
func (s *Stabilizer) Level() wire.RiskLevel {
	return s.current
}
