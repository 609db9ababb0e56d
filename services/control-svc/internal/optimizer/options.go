// Package optimizer plans gravity-fed water deliveries: it checks that each
// zone can physically receive water from the head intake, splits the source
// inflow across gate openings, sequences deliveries into non-overlapping
// windows and screens the resulting gate moves for hydraulic safety.
//
// # Model
//
// The network is a directed acyclic graph of canal sections and gates.
// Elevation feasibility walks the head budget from the source down to every
// zone. The flow split treats automated gate openings as decision variables
// and solves a penalized bound-constrained program with a projected-gradient
// descent and backtracking line search. Manual gates are held at their
// current opening and act as fixed boundaries.
//
// # Failure Semantics
//
// Optimization never raises on non-convergence: the best feasible iterate is
// returned together with a warning. Infeasible zones are excluded from the
// split and reported with a typed reason. Hard errors are reserved for
// invalid input (nil network, no source, empty demand set).
package optimizer

import (
	"time"

	"hydronet/pkg/config"
	"hydronet/pkg/hydro"
)

// Objective selects the flow-split objective function.
type Objective string

const (
	ObjectiveMinTravelTime Objective = "minimize_travel_time"
	ObjectiveMaxEfficiency Objective = "maximize_efficiency"
	ObjectiveMinEnergyLoss Objective = "minimize_energy_loss"
	ObjectiveBalanced      Objective = "balanced"
)

// Valid reports whether the objective is one of the supported values.
func (o Objective) Valid() bool {
	switch o {
	case ObjectiveMinTravelTime, ObjectiveMaxEfficiency, ObjectiveMinEnergyLoss, ObjectiveBalanced:
		return true
	}
	return false
}

// Options controls the optimization run.
type Options struct {
	// MaxIterations bounds the flow-split descent.
	MaxIterations int

	// StepTolerance stops the descent when both the step and the objective
	// improvement fall below it.
	StepTolerance float64

	// DemandRelaxation is the allowed relative deviation from a zone demand.
	DemandRelaxation float64

	// SmoothnessLimit caps |x_i - x_j| across gates sharing a node.
	SmoothnessLimit float64

	// SafetyFactor multiplies the minimum flow depth in the head budget.
	SafetyFactor float64

	// MaxVelocity is the erosion limit, m/s.
	MaxVelocity float64

	// MinVelocity is the sediment-transport limit, m/s.
	MinVelocity float64

	// Timeout bounds the whole optimization run.
	Timeout time.Duration

	// TimeWeight, EffWeight and EnergyWeight blend the balanced objective.
	TimeWeight   float64
	EffWeight    float64
	EnergyWeight float64

	// SeepageRates are fractional losses per kilometre by lining class.
	SeepageRates SeepageRates

	// Energy holds the optional economics inputs. Zero values skip the
	// economics block of the energy-recovery analysis.
	Energy config.EnergyConfig
}

// SeepageRates are per-kilometre fractional transit losses by lining.
type SeepageRates struct {
	Earthen  float64
	Lined    float64
	Concrete float64
	Pipe     float64
}

// DefaultOptions returns the production defaults.
func DefaultOptions() *Options {
	return &Options{
		MaxIterations:    200,
		StepTolerance:    1e-4,
		DemandRelaxation: 0.2,
		SmoothnessLimit:  0.5,
		SafetyFactor:     1.2,
		MaxVelocity:      2.0,
		MinVelocity:      0.3,
		Timeout:          60 * time.Second,
		TimeWeight:       0.3,
		EffWeight:        0.5,
		EnergyWeight:     0.2,
		SeepageRates: SeepageRates{
			Earthen:  0.025,
			Lined:    0.010,
			Concrete: 0.005,
			Pipe:     0.002,
		},
	}
}

// OptionsFromConfig builds options from the service configuration.
func OptionsFromConfig(cfg *config.Config) *Options {
	if cfg == nil {
		return DefaultOptions()
	}
	o := DefaultOptions()
	if cfg.Optimizer.MaxIterations > 0 {
		o.MaxIterations = cfg.Optimizer.MaxIterations
	}
	if cfg.Optimizer.StepTolerance > 0 {
		o.StepTolerance = cfg.Optimizer.StepTolerance
	}
	if cfg.Optimizer.DemandRelaxation > 0 {
		o.DemandRelaxation = cfg.Optimizer.DemandRelaxation
	}
	if cfg.Optimizer.SmoothnessLimit > 0 {
		o.SmoothnessLimit = cfg.Optimizer.SmoothnessLimit
	}
	if cfg.Optimizer.Timeout > 0 {
		o.Timeout = cfg.Optimizer.Timeout
	}
	if cfg.Optimizer.TimeWeight > 0 {
		o.TimeWeight = cfg.Optimizer.TimeWeight
	}
	if cfg.Optimizer.EffWeight > 0 {
		o.EffWeight = cfg.Optimizer.EffWeight
	}
	if cfg.Optimizer.EnergyWeight > 0 {
		o.EnergyWeight = cfg.Optimizer.EnergyWeight
	}
	if cfg.Hydraulic.DepthSafetyFactor > 0 {
		o.SafetyFactor = cfg.Hydraulic.DepthSafetyFactor
	}
	if cfg.Hydraulic.MaxFlowVelocity > 0 {
		o.MaxVelocity = cfg.Hydraulic.MaxFlowVelocity
	}
	if cfg.Hydraulic.MinFlowVelocity > 0 {
		o.MinVelocity = cfg.Hydraulic.MinFlowVelocity
	}
	if cfg.Accounting.RateEarthen > 0 {
		o.SeepageRates.Earthen = cfg.Accounting.RateEarthen
	}
	if cfg.Accounting.RateLined > 0 {
		o.SeepageRates.Lined = cfg.Accounting.RateLined
	}
	if cfg.Accounting.RateConcrete > 0 {
		o.SeepageRates.Concrete = cfg.Accounting.RateConcrete
	}
	if cfg.Accounting.RatePipe > 0 {
		o.SeepageRates.Pipe = cfg.Accounting.RatePipe
	}
	o.Energy = cfg.Energy
	return o
}

// normalized fills zero fields with defaults.
func (o *Options) normalized() *Options {
	if o == nil {
		return DefaultOptions()
	}
	c := *o
	d := DefaultOptions()
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.StepTolerance <= 0 {
		c.StepTolerance = d.StepTolerance
	}
	if c.DemandRelaxation <= 0 {
		c.DemandRelaxation = d.DemandRelaxation
	}
	if c.SmoothnessLimit <= 0 {
		c.SmoothnessLimit = d.SmoothnessLimit
	}
	if c.SafetyFactor <= 0 {
		c.SafetyFactor = d.SafetyFactor
	}
	if c.MaxVelocity <= 0 {
		c.MaxVelocity = d.MaxVelocity
	}
	if c.MinVelocity <= 0 {
		c.MinVelocity = d.MinVelocity
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.TimeWeight <= 0 && c.EffWeight <= 0 && c.EnergyWeight <= 0 {
		c.TimeWeight, c.EffWeight, c.EnergyWeight = d.TimeWeight, d.EffWeight, d.EnergyWeight
	}
	if c.SeepageRates == (SeepageRates{}) {
		c.SeepageRates = d.SeepageRates
	}
	return &c
}

// rateFor returns the per-kilometre loss rate for a lining class.
func (r SeepageRates) rateFor(l hydro.LiningType) float64 {
	switch l {
	case hydro.LiningLined:
		return r.Lined
	case hydro.LiningConcrete:
		return r.Concrete
	case hydro.LiningPipe:
		return r.Pipe
	default:
		return r.Earthen
	}
}
