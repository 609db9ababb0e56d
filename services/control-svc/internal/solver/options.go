// Package solver computes steady-state hydraulic conditions of a gravity-fed
// irrigation network by pseudo-time relaxation.
//
// # Model
//
// The network is a directed acyclic graph of nodes connected by calibrated
// gates and trapezoidal canal sections. Gates discharge per the hydraulics
// package; sections carry flow per Manning's equation. Non-reservoir nodes
// accumulate the continuity residual r = ΣQin − ΣQout − demand, and their
// water levels are relaxed toward balance with an adaptive under-relaxation
// factor. Reservoirs are fixed-level boundary conditions.
//
// # Thread Safety
//
// A solve mutates the network snapshot it is given. Callers must pass a
// private snapshot (Network.Snapshot()); the Pool does this for batch runs.
//
// # Failure Semantics
//
// The solver never aborts on hydraulic oddities. Non-convergence, adverse
// heads and regime warnings are reported on the Result; the returned state
// is the best iterate.
package solver

import (
	"time"

	"hydronet/pkg/config"
)

// Options configures a steady-state solve.
//
// Zero values are safe to use; DefaultOptions() values are applied for any
// field left unset. Options chain in the builder style:
//
//	opts := DefaultOptions().
//	    WithMaxIterations(50).
//	    WithOmega(0.5)
type Options struct {
	// ToleranceM is the per-node level-change convergence tolerance in m.
	// Default: 1e-3 (1 mm).
	ToleranceM float64

	// MassTolerance is the allowed network imbalance as a fraction of total
	// source inflow. Default: 0.01.
	MassTolerance float64

	// MaxIterations caps the relaxation loop. Default: 100.
	MaxIterations int

	// Omega is the base under-relaxation factor in (0, 1]. Default: 0.7.
	Omega float64

	// TimeStepS is the pseudo-time step in seconds. Default: 60.
	TimeStepS float64

	// MinTransitionStepS is the smallest interpolation step used by
	// SimulateGateChange, in seconds. Default: 10.
	MinTransitionStepS float64

	// MaxVelocity is the erosion velocity limit consulted for warnings, m/s.
	// Default: 2.0.
	MaxVelocity float64

	// Timeout bounds the wall-clock duration of a solve. Zero relies on the
	// caller's context. Default: 30 s.
	Timeout time.Duration
}

// DefaultOptions returns solver options with the standard defaults.
func DefaultOptions() *Options {
	return &Options{
		ToleranceM:         1e-3,
		MassTolerance:      0.01,
		MaxIterations:      100,
		Omega:              0.7,
		TimeStepS:          60,
		MinTransitionStepS: 10,
		MaxVelocity:        2.0,
		Timeout:            30 * time.Second,
	}
}

// OptionsFromConfig builds solver options from the service configuration.
func OptionsFromConfig(cfg *config.Config) *Options {
	o := DefaultOptions()
	if cfg == nil {
		return o
	}
	if cfg.Solver.ToleranceM > 0 {
		o.ToleranceM = cfg.Solver.ToleranceM
	}
	if cfg.Solver.MassBalanceTolerance > 0 {
		o.MassTolerance = cfg.Solver.MassBalanceTolerance
	}
	if cfg.Solver.MaxIterations > 0 {
		o.MaxIterations = cfg.Solver.MaxIterations
	}
	if cfg.Solver.Omega > 0 {
		o.Omega = cfg.Solver.Omega
	}
	if cfg.Solver.TimeStepS > 0 {
		o.TimeStepS = cfg.Solver.TimeStepS
	}
	if cfg.Solver.MinTransitionStepS > 0 {
		o.MinTransitionStepS = cfg.Solver.MinTransitionStepS
	}
	if cfg.Hydraulic.MaxFlowVelocity > 0 {
		o.MaxVelocity = cfg.Hydraulic.MaxFlowVelocity
	}
	if cfg.Solver.Timeout > 0 {
		o.Timeout = cfg.Solver.Timeout
	}
	return o
}

// WithTolerance sets the level tolerance and returns the options for chaining.
func (o *Options) WithTolerance(tol float64) *Options {
	o.ToleranceM = tol
	return o
}

// WithMassTolerance sets the mass-balance tolerance and returns the options for chaining.
func (o *Options) WithMassTolerance(tol float64) *Options {
	o.MassTolerance = tol
	return o
}

// WithMaxIterations sets the iteration cap and returns the options for chaining.
func (o *Options) WithMaxIterations(n int) *Options {
	o.MaxIterations = n
	return o
}

// WithOmega sets the base relaxation factor and returns the options for chaining.
func (o *Options) WithOmega(omega float64) *Options {
	o.Omega = omega
	return o
}

// WithTimeStep sets the pseudo-time step and returns the options for chaining.
func (o *Options) WithTimeStep(seconds float64) *Options {
	o.TimeStepS = seconds
	return o
}

// WithTimeout sets the solve timeout and returns the options for chaining.
func (o *Options) WithTimeout(d time.Duration) *Options {
	o.Timeout = d
	return o
}

// normalized returns a copy with defaults substituted for unset fields.
func (o *Options) normalized() Options {
	def := DefaultOptions()
	n := *o
	if n.ToleranceM <= 0 {
		n.ToleranceM = def.ToleranceM
	}
	if n.MassTolerance <= 0 {
		n.MassTolerance = def.MassTolerance
	}
	if n.MaxIterations <= 0 {
		n.MaxIterations = def.MaxIterations
	}
	if n.Omega <= 0 || n.Omega > 1 {
		n.Omega = def.Omega
	}
	if n.TimeStepS <= 0 {
		n.TimeStepS = def.TimeStepS
	}
	if n.MinTransitionStepS <= 0 {
		n.MinTransitionStepS = def.MinTransitionStepS
	}
	if n.MaxVelocity <= 0 {
		n.MaxVelocity = def.MaxVelocity
	}
	return n
}
