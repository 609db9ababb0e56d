package solver

import (
	"math"

	"hydronet/pkg/hydro"
)

// MinEnergySlope is the floor applied to the energy slope so that adverse
// gradients still produce a small positive conveyance instead of reversing.
const MinEnergySlope = 1e-4

// SectionFlow computes the discharge through a trapezoidal canal section by
// Manning's equation at the given flow depth and water-surface elevations.
//
// The energy slope is S_f = (h_up − h_down)/L − S_bed, clipped to
// MinEnergySlope. A non-positive depth carries no flow.
func SectionFlow(s *hydro.CanalSection, depth, hUp, hDown float64) float64 {
	if depth <= 0 || s.Length <= 0 || s.ManningN <= 0 {
		return 0
	}

	sf := (hUp-hDown)/s.Length - s.BedSlope
	if sf < MinEnergySlope {
		sf = MinEnergySlope
	}

	area := s.Area(depth)
	r := s.HydraulicRadius(depth)
	if area <= hydro.Epsilon || r <= hydro.Epsilon {
		return 0
	}

	v := math.Pow(r, 2.0/3.0) * math.Sqrt(sf) / s.ManningN
	return v * area
}

// SectionVelocity returns the mean velocity for a discharge at the given depth.
func SectionVelocity(s *hydro.CanalSection, q, depth float64) float64 {
	area := s.Area(depth)
	if area <= hydro.Epsilon {
		return 0
	}
	return q / area
}

// NormalDepth solves Manning's equation for the depth carrying discharge q,
// using Newton iteration with a numerical derivative. Returns 0 when q is
// non-positive; the result is clamped to be non-negative.
func NormalDepth(s *hydro.CanalSection, q float64) float64 {
	if q <= 0 || s.BedSlope <= 0 || s.ManningN <= 0 {
		return 0
	}

	slope := math.Sqrt(s.BedSlope)
	conveyance := func(y float64) float64 {
		if y <= 0 {
			return 0
		}
		return s.Area(y) * math.Pow(s.HydraulicRadius(y), 2.0/3.0) * slope / s.ManningN
	}

	y := 1.0
	const h = 1e-6
	for i := 0; i < 50; i++ {
		f := conveyance(y) - q
		if math.Abs(f) < 1e-6 {
			break
		}
		df := (conveyance(y+h) - conveyance(y-h)) / (2 * h)
		if math.Abs(df) < hydro.Epsilon {
			break
		}
		next := y - f/df
		if next <= 0 {
			next = y / 2
		}
		if math.Abs(next-y) < 1e-6 {
			y = next
			break
		}
		y = next
	}

	if y < 0 {
		return 0
	}
	return y
}

// CriticalDepth solves Q²·T/(g·A³) = 1 for the trapezoidal section by
// bisection. Returns 0 when q is non-positive.
func CriticalDepth(s *hydro.CanalSection, q float64) float64 {
	if q <= 0 {
		return 0
	}

	// Критерий: f(y) = Q²·T − g·A³; корень — критическая глубина
	f := func(y float64) float64 {
		a := s.Area(y)
		return q*q*s.TopWidth(y) - hydro.Gravity*a*a*a
	}

	lo, hi := 1e-6, 0.1
	for f(hi) > 0 && hi < 1e4 {
		hi *= 2
	}

	for i := 0; i < 100; i++ {
		mid := (lo + hi) / 2
		if f(mid) > 0 {
			lo = mid
		} else {
			hi = mid
		}
		if hi-lo < 1e-6 {
			break
		}
	}
	return (lo + hi) / 2
}
