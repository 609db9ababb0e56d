package solver

import (
	"context"
	"fmt"
	"math"
	"time"

	"hydronet/pkg/apperror"
	"hydronet/pkg/hydro"
	"hydronet/services/control-svc/internal/hydraulics"
)

// Result is the outcome of a steady-state solve.
//
// Check Converged before trusting the state for dispatch decisions: a
// non-converged state is the best iterate reached and carries a warning,
// not an error (downstream consumers lower their confidence instead).
type Result struct {
	// State holds per-node levels and per-edge flows of the final iterate.
	State *hydro.HydraulicState

	// Converged reports whether both the level and mass criteria were met.
	Converged bool

	// Iterations is the number of relaxation sweeps performed.
	Iterations int

	// MaxLevelDelta is the largest per-node level change of the last sweep, m.
	MaxLevelDelta float64

	// MassResidual is the summed continuity residual magnitude, m³/s.
	MassResidual float64

	// TotalInflow is the discharge leaving the source reservoir, m³/s.
	TotalInflow float64

	// Warnings accumulates hydraulic warnings from the final sweep plus
	// convergence and depth diagnostics.
	Warnings []string

	// Duration is the wall-clock time of the solve.
	Duration time.Duration
}

// SteadyState iterates the network to hydraulic equilibrium.
//
// The network must be a private snapshot: gate openings are overwritten by
// settings and node levels are mutated in place. Demands override the
// snapshot's node demands by node id. A nil opts uses DefaultOptions.
func SteadyState(ctx context.Context, net *hydro.Network, settings []hydro.GateSetting, demands []hydro.ZoneDemand, opts *Options) (*Result, error) {
	start := time.Now()

	if net == nil {
		return nil, apperror.ErrNilNetwork
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	o := opts.normalized()

	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	src, ok := net.Nodes[net.SourceID]
	if !ok {
		return nil, apperror.New(apperror.CodeInvalidNetwork, "network has no source reservoir")
	}

	res := &Result{State: hydro.NewHydraulicState()}

	// Уставки применяются к снимку
	for _, st := range settings {
		g, found := net.Gates[st.GateID]
		if !found {
			res.Warnings = append(res.Warnings, fmt.Sprintf("setting for unknown gate %s ignored", st.GateID))
			continue
		}
		g.SetOpening(st.Opening)
	}

	// Заявки перекрывают плановые отборы узлов
	demand := make(map[string]float64, len(net.Nodes))
	for id, n := range net.Nodes {
		demand[id] = n.Demand
	}
	for _, d := range demands {
		if _, found := net.Nodes[d.NodeID]; !found {
			res.Warnings = append(res.Warnings, fmt.Sprintf("demand for unknown node %s ignored", d.NodeID))
			continue
		}
		demand[d.NodeID] = d.Flow
	}

	// Начальные уровни: текущий, если задан, иначе минимальная рабочая глубина
	levels := make(map[string]float64, len(net.Nodes))
	for id, n := range net.Nodes {
		if n.Level > n.GroundElev {
			levels[id] = n.Level
		} else {
			levels[id] = n.GroundElev + n.MinDepth
		}
	}
	if src.Level <= src.GroundElev {
		return nil, apperror.New(apperror.CodeInvalidNetwork, "source reservoir has no water level set")
	}

	gateFlows := make(map[string]float64, len(net.Gates))
	sectionFlows := make(map[string]float64, len(net.Sections))
	prevResidual := make(map[string]float64, len(net.Nodes))
	limits := hydraulics.Limits{MaxVelocity: o.MaxVelocity}

	var sweepWarnings []string
	converged := false

	for iter := 1; iter <= o.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			res.Iterations = iter - 1
			res.Duration = time.Since(start)
			fillState(res, levels, gateFlows, sectionFlows)
			res.Warnings = append(res.Warnings, sweepWarnings...)
			return res, apperror.Wrap(err, apperror.CodeTimeout, "steady-state solve interrupted")
		}
		res.Iterations = iter
		sweepWarnings = sweepWarnings[:0]

		// Расходы через затворы
		for id, g := range net.Gates {
			fr := hydraulics.GateFlow(g, hydraulics.Conditions{
				HUp:     levels[g.FromNode],
				HDown:   levels[g.ToNode],
				Opening: -1,
			}, limits)
			gateFlows[id] = fr.Q
			sweepWarnings = append(sweepWarnings, fr.Warnings...)
		}

		// Расходы по участкам каналов (Маннинг по глубине верхнего узла)
		for id, s := range net.Sections {
			up := net.Nodes[s.FromNode]
			depth := levels[s.FromNode] - up.GroundElev
			sectionFlows[id] = SectionFlow(s, depth, levels[s.FromNode], levels[s.ToNode])
		}

		// Невязки и релаксация уровней
		res.MaxLevelDelta = 0
		res.MassResidual = 0
		for id, n := range net.Nodes {
			if n.Kind == hydro.NodeKindReservoir {
				continue
			}

			r := 0.0
			for _, ref := range net.Incoming(id) {
				r += flowOf(ref, gateFlows, sectionFlows)
			}
			for _, ref := range net.Outgoing(id) {
				r -= flowOf(ref, gateFlows, sectionFlows)
			}
			r -= demand[id]

			omega := o.Omega
			if prev, seen := prevResidual[id]; seen && prev*r < 0 {
				omega /= 2
			}
			prevResidual[id] = r

			area := n.SurfaceArea
			if area <= hydro.Epsilon {
				area = 1.0
			}

			next := hydro.Clip(levels[id]+omega*r*o.TimeStepS/area, n.MinLevel(), n.MaxLevel())
			if delta := math.Abs(next - levels[id]); delta > res.MaxLevelDelta {
				res.MaxLevelDelta = delta
			}
			levels[id] = next

			res.MassResidual += math.Abs(r)
		}

		res.TotalInflow = 0
		for _, ref := range net.Outgoing(net.SourceID) {
			res.TotalInflow += flowOf(ref, gateFlows, sectionFlows)
		}

		massOK := res.TotalInflow <= hydro.Epsilon ||
			res.MassResidual < o.MassTolerance*res.TotalInflow
		if res.MaxLevelDelta < o.ToleranceM && massOK {
			converged = true
			break
		}
	}

	res.Converged = converged
	res.Warnings = append(res.Warnings, sweepWarnings...)
	if !converged {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"no convergence after %d iterations: max level delta %.4g m, mass residual %.4g m³/s",
			res.Iterations, res.MaxLevelDelta, res.MassResidual))
	}

	// Диагностика критически низких уровней
	for id, n := range net.Nodes {
		if n.Kind == hydro.NodeKindReservoir {
			continue
		}
		if levels[id] < n.GroundElev+1.5*n.MinDepth && n.MinDepth > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("node %s critically low: level %.3f m", id, levels[id]))
		}
	}

	fillState(res, levels, gateFlows, sectionFlows)
	res.Duration = time.Since(start)
	return res, nil
}

func flowOf(ref hydro.EdgeRef, gateFlows, sectionFlows map[string]float64) float64 {
	if ref.Kind == hydro.EdgeGate {
		return gateFlows[ref.ID]
	}
	return sectionFlows[ref.ID]
}

func fillState(res *Result, levels, gateFlows, sectionFlows map[string]float64) {
	st := res.State
	for k, v := range levels {
		st.Levels[k] = v
	}
	for k, v := range gateFlows {
		st.GateFlows[k] = v
	}
	for k, v := range sectionFlows {
		st.SectionFlows[k] = v
	}
	st.Converged = res.Converged
	st.Iterations = res.Iterations
	st.MaxLevelDelta = res.MaxLevelDelta
	st.MassResidual = res.MassResidual
	st.TotalInflow = res.TotalInflow
	st.Warnings = append(st.Warnings, res.Warnings...)
	st.ComputedAt = time.Now()
}
