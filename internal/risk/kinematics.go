package risk

import "math"

// Track is a planar position/velocity sample for one tracked object.
// Coordinates are meters in the ground plane, velocities m/s.
type Track struct {
	X, Z   float64
	VX, VZ float64
}

// TTC clamp bounds, seconds. Projections outside this range are either
// numerically meaningless or irrelevant to the encounter horizon.
const (
	minTTC = 0.1
	maxTTC = 300.0
)

// altitudeOffset approximates the vertical separation between a flock and
// an aircraft on approach when only planar tracks are available.
const altitudeOffset = 50.0

// Distance returns the separation between two tracks including the
// assumed altitude offset.
func Distance(a, b Track) float64 {
	dx := a.X - b.X
	dz := a.Z - b.Z
	planar := math.Hypot(dx, dz)
	return math.Hypot(planar, altitudeOffset)
}

// RangeRate returns the signed rate of change of separation between two
// tracks in m/s: negative while closing, positive while opening, zero when
// the tracks are co-located.
func RangeRate(a, b Track) float64 {
	dx := b.X - a.X
	dz := b.Z - a.Z
	dist := math.Hypot(dx, dz)
	if dist < 1e-6 {
		return 0
	}
	// Project the relative velocity onto the line of sight.
	relVX := b.VX - a.VX
	relVZ := b.VZ - a.VZ
	return (relVX*dx + relVZ*dz) / dist
}

// TimeToCollision projects seconds until contact given the current range
// rate. Returns +Inf when the tracks are not closing; otherwise the value
// is clamped to [0.1, 300] seconds.
func TimeToCollision(a, b Track) float64 {
	dx := b.X - a.X
	dz := b.Z - a.Z
	dist := math.Hypot(dx, dz)
	rate := RangeRate(a, b)
	if dist < 1e-6 || rate >= -1e-6 {
		return math.Inf(1)
	}
	ttc := dist / -rate
	return math.Max(minTTC, math.Min(maxTTC, ttc))
}
