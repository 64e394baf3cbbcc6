package risk

import (
	"math"
	"testing"
)

func TestRangeRateClosing(t *testing.T) {
	airplane := Track{X: -1000, Z: 0, VX: 80, VZ: 0}
	flock := Track{X: 0, Z: 0, VX: 0, VZ: 0}

	rate := RangeRate(airplane, flock)
	if math.Abs(rate+80) > 1e-9 {
		t.Errorf("rate = %v, want -80 (closing head-on)", rate)
	}
}

func TestRangeRateOpening(t *testing.T) {
	airplane := Track{X: 0, Z: 0, VX: -80, VZ: 0}
	flock := Track{X: 1000, Z: 0, VX: 0, VZ: 0}

	rate := RangeRate(airplane, flock)
	if rate <= 0 {
		t.Errorf("rate = %v, want > 0 (opening)", rate)
	}
}

func TestRangeRateCoLocated(t *testing.T) {
	a := Track{X: 5, Z: 5, VX: 10, VZ: 0}
	if rate := RangeRate(a, a); rate != 0 {
		t.Errorf("rate = %v, want 0 for co-located tracks", rate)
	}
}

func TestTimeToCollision(t *testing.T) {
	airplane := Track{X: -800, Z: 0, VX: 80, VZ: 0}
	flock := Track{X: 0, Z: 0}

	ttc := TimeToCollision(airplane, flock)
	if math.Abs(ttc-10) > 1e-9 {
		t.Errorf("ttc = %v, want 10s", ttc)
	}
}

func TestTimeToCollisionNotClosing(t *testing.T) {
	airplane := Track{X: 0, Z: 0, VX: -80, VZ: 0}
	flock := Track{X: 1000, Z: 0}

	if ttc := TimeToCollision(airplane, flock); !math.IsInf(ttc, 1) {
		t.Errorf("ttc = %v, want +Inf while opening", ttc)
	}
}

func TestTimeToCollisionClamped(t *testing.T) {
	// Barely closing from far away: clamp at the horizon.
	airplane := Track{X: -100000, Z: 0, VX: 1, VZ: 0}
	flock := Track{X: 0, Z: 0}

	if ttc := TimeToCollision(airplane, flock); ttc != maxTTC {
		t.Errorf("ttc = %v, want clamped to %v", ttc, maxTTC)
	}

	// Closing extremely fast from point-blank range: clamp at the floor.
	airplane = Track{X: -1, Z: 0, VX: 500, VZ: 0}
	if ttc := TimeToCollision(airplane, flock); ttc != minTTC {
		t.Errorf("ttc = %v, want clamped to %v", ttc, minTTC)
	}
}

func TestDistanceIncludesAltitude(t *testing.T) {
	a := Track{X: 0, Z: 0}
	b := Track{X: 0, Z: 0}

	if d := Distance(a, b); math.Abs(d-altitudeOffset) > 1e-9 {
		t.Errorf("distance = %v, want altitude offset %v", d, altitudeOffset)
	}

	b = Track{X: 120, Z: 0}
	want := math.Hypot(120, altitudeOffset)
	if d := Distance(a, b); math.Abs(d-want) > 1e-9 {
		t.Errorf("distance = %v, want %v", d, want)
	}
}
