package risk

import (
	"testing"

	"github.com/setevik/bdslink/internal/wire"
)

func TestStabilizerEscalatesImmediately(t *testing.T) {
	s := NewStabilizer(3)

	score, level := s.Apply(170, wire.LevelCritical)
	if level != wire.LevelCritical {
		t.Errorf("level = %v, want CRITICAL", level)
	}
	if score != 170 {
		t.Errorf("score = %v, want 170", score)
	}
}

func TestStabilizerHoldsDowngrade(t *testing.T) {
	s := NewStabilizer(3)
	s.Apply(130, wire.LevelWarning)

	// Two lower samples: still held at WARNING.
	for i := 0; i < 2; i++ {
		score, level := s.Apply(40, wire.LevelLow)
		if level != wire.LevelWarning {
			t.Fatalf("sample %d: level = %v, want WARNING held", i+1, level)
		}
		if score != 130 {
			t.Fatalf("sample %d: score = %v, want previous 130", i+1, score)
		}
	}

	// Third consecutive lower sample releases the downgrade.
	score, level := s.Apply(40, wire.LevelLow)
	if level != wire.LevelLow {
		t.Errorf("level = %v, want LOW after hold", level)
	}
	if score != 40 {
		t.Errorf("score = %v, want 40", score)
	}
}

func TestStabilizerEscalationResetsHold(t *testing.T) {
	s := NewStabilizer(2)
	s.Apply(130, wire.LevelWarning)
	s.Apply(40, wire.LevelLow) // pending downgrade

	// An escalation cancels the pending downgrade.
	if _, level := s.Apply(170, wire.LevelCritical); level != wire.LevelCritical {
		t.Fatalf("level = %v, want CRITICAL", level)
	}

	if _, level := s.Apply(40, wire.LevelLow); level != wire.LevelCritical {
		t.Errorf("level = %v, want CRITICAL still held", level)
	}
}

func TestStabilizerSameLevelResetsHold(t *testing.T) {
	s := NewStabilizer(2)
	s.Apply(130, wire.LevelWarning)
	s.Apply(40, wire.LevelLow)     // pending 1
	s.Apply(125, wire.LevelWarning) // same level again, hold resets

	if _, level := s.Apply(40, wire.LevelLow); level != wire.LevelWarning {
		t.Errorf("level = %v, want WARNING: hold should have reset", level)
	}
}

func TestStabilizerSameLevelUpdatesScore(t *testing.T) {
	s := NewStabilizer(3)
	s.Apply(100, wire.LevelHigh)
	score, _ := s.Apply(110, wire.LevelHigh)
	if score != 110 {
		t.Errorf("score = %v, want 110", score)
	}
}
