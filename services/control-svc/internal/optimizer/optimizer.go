package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hydronet/pkg/apperror"
	"hydronet/pkg/hydro"
	"hydronet/pkg/metrics"

	"hydronet/services/control-svc/internal/solver"
)

// Request describes one optimization run.
type Request struct {
	Demands []hydro.ZoneDemand

	// SourceLevel is the head intake water level; zero takes the level of
	// the source node.
	SourceLevel float64

	// SourceInflow is the available supply, m³/s; zero takes the sum of
	// feasible demands.
	SourceInflow float64

	// Objective defaults to balanced.
	Objective Objective

	// At is the plan epoch for sequencing; zero means now.
	At time.Time

	// WithEnergy and WithContingencies enable the optional analyses.
	WithEnergy        bool
	WithContingencies bool
}

// Plan is the full optimization outcome.
type Plan struct {
	Objective Objective `json:"objective"`

	Zones      []ZoneFeasibility `json:"zones"`
	Infeasible []string          `json:"infeasible,omitempty"`

	Settings  []hydro.GateSetting `json:"settings"`
	Delivered map[string]float64  `json:"delivered"`
	Satisfied map[string]float64  `json:"satisfied"`

	Sequence  []DeliveryWindow `json:"sequence"`
	Envelopes []DepthEnvelope  `json:"envelopes"`
	Jumps     []JumpRisk       `json:"jumps,omitempty"`

	Energy        []EnergySite      `json:"energy,omitempty"`
	Contingencies []ContingencyPlan `json:"contingencies,omitempty"`

	Violations []SafetyViolation `json:"violations,omitempty"`

	Efficiency    float64       `json:"efficiency"` // доля заявок, доставленных в зоны
	TotalDuration time.Duration `json:"total_duration"`
	Converged     bool          `json:"converged"`
	Iterations    int           `json:"iterations"`
	Warnings      []string      `json:"warnings,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Optimizer plans deliveries over a network using the hydraulic solver for
// safety screening.
type Optimizer struct {
	opts       *Options
	solverOpts *solver.Options
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// New creates an optimizer. Nil options take defaults.
func New(opts *Options, solverOpts *solver.Options, log *slog.Logger, m *metrics.Metrics) *Optimizer {
	if log == nil {
		log = slog.Default()
	}
	if solverOpts == nil {
		solverOpts = solver.DefaultOptions()
	}
	return &Optimizer{opts: opts.normalized(), solverOpts: solverOpts, log: log, metrics: m}
}

// Optimize produces a delivery plan for the requested demands.
//
// The pipeline is: elevation feasibility per zone, flow split over automated
// gate openings, safety simulation of every proposed move (one retry with
// the offending gates pinned), delivery sequencing, depth envelopes, then
// the optional energy and contingency analyses.
func (op *Optimizer) Optimize(ctx context.Context, net *hydro.Network, req Request) (*Plan, error) {
	if net == nil {
		return nil, apperror.ErrNilNetwork
	}
	if len(req.Demands) == 0 {
		return nil, apperror.New(apperror.CodeInvalidInput, "no zone demands given")
	}
	src, ok := net.GetNode(net.SourceID)
	if !ok {
		return nil, apperror.New(apperror.CodeInvalidNetwork, "network has no source reservoir")
	}

	objective := req.Objective
	if objective == "" {
		objective = ObjectiveBalanced
	}
	if !objective.Valid() {
		return nil, apperror.New(apperror.CodeInvalidInput, fmt.Sprintf("unknown objective %q", objective))
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, op.opts.Timeout)
	defer cancel()

	sourceLevel := req.SourceLevel
	if sourceLevel <= 0 {
		sourceLevel = src.Level
	}

	plan := &Plan{Objective: objective}

	// Высотная осуществимость по зонам
	feasibleDemand := 0.0
	for _, d := range req.Demands {
		zf := CheckZone(net, d, sourceLevel, op.opts)
		plan.Zones = append(plan.Zones, zf)
		if zf.Feasible {
			feasibleDemand += zf.RecommendedFlow
		} else {
			plan.Infeasible = append(plan.Infeasible, zf.Zone)
			plan.Warnings = append(plan.Warnings, describeInfeasible(zf))
		}
	}
	if feasibleDemand <= hydro.Epsilon {
		plan.Duration = time.Since(started)
		return plan, apperror.New(apperror.CodeElevationInfeasible, "no zone is reachable at the current source level")
	}

	inflow := req.SourceInflow
	if inflow <= 0 {
		inflow = feasibleDemand
	}

	// Распределение расхода по затворам
	split, err := SplitFlows(ctx, net, plan.Zones, req.Demands, objective, inflow, nil, op.opts)
	if err != nil {
		return nil, err
	}

	// Проверка безопасности перестановок; один повтор с закреплением
	violations := safetyCheck(ctx, net, split.Settings, req.Demands, op.solverOpts)
	if len(violations) > 0 {
		pinned := map[string]float64{}
		for _, v := range violations {
			if g, ok := net.GetGate(v.GateID); ok {
				pinned[v.GateID] = g.Opening
			}
		}
		op.log.Warn("safety pre-check failed, retrying with gates pinned",
			"violations", len(violations), "pinned", len(pinned))

		retry, rerr := SplitFlows(ctx, net, plan.Zones, req.Demands, objective, inflow, pinned, op.opts)
		if rerr == nil {
			if rv := safetyCheck(ctx, net, retry.Settings, req.Demands, op.solverOpts); len(rv) == 0 {
				split = retry
				violations = nil
			} else {
				violations = rv
			}
		}
	}
	plan.Violations = violations
	for _, v := range violations {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("safety: gate %s %s: %s", v.GateID, v.Kind, v.Detail))
	}

	plan.Settings = split.Settings
	plan.Delivered = split.Delivered
	plan.Satisfied = split.Satisfied
	plan.Converged = split.Converged
	plan.Iterations = split.Iterations
	plan.Warnings = append(plan.Warnings, split.Warnings...)

	// Очерёдность подачи
	epoch := req.At
	if epoch.IsZero() {
		epoch = time.Now()
	}
	plan.Sequence = Sequence(net, plan.Zones, req.Demands, plan.Delivered, epoch)
	for _, w := range plan.Sequence {
		if end := w.End.Sub(epoch); end > plan.TotalDuration {
			plan.TotalDuration = end
		}
	}

	// Конверты глубин по нагруженным участкам
	plan.Envelopes, plan.Jumps = NetworkEnvelopes(net, op.sectionFlows(plan), op.opts)

	// Общий КПД плана
	totalDemand, totalDelivered := 0.0, 0.0
	for _, d := range req.Demands {
		totalDemand += d.Flow
	}
	for _, q := range plan.Delivered {
		totalDelivered += q
	}
	if totalDemand > hydro.Epsilon {
		plan.Efficiency = totalDelivered / totalDemand
	}

	if req.WithEnergy {
		plan.Energy = EnergySurvey(net, op.opts)
	}
	if req.WithContingencies {
		plan.Contingencies = Contingencies(ctx, net, plan.Zones, req.Demands, inflow, op.opts)
	}

	plan.Duration = time.Since(started)
	if op.metrics != nil {
		op.metrics.RecordPlan(len(plan.Infeasible) == 0, plan.Duration)
	}
	op.log.Info("delivery plan computed",
		"objective", string(objective),
		"zones", len(plan.Zones),
		"infeasible", len(plan.Infeasible),
		"converged", plan.Converged,
		"iterations", plan.Iterations,
		"efficiency", fmt.Sprintf("%.2f", plan.Efficiency),
		"duration", plan.Duration.String())

	return plan, nil
}

// sectionFlows attributes zone deliveries to the canal sections on their
// paths for the envelope analysis.
func (op *Optimizer) sectionFlows(plan *Plan) map[string]float64 {
	flows := map[string]float64{}
	for _, zf := range plan.Zones {
		if !zf.Feasible {
			continue
		}
		q := plan.Delivered[zf.Zone]
		for _, id := range zf.Path.Sections {
			flows[id] += q
		}
	}
	return flows
}
