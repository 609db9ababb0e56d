package optimizer

import (
	"context"
	"fmt"
	"math"
	"strings"

	"hydronet/pkg/hydro"

	"hydronet/services/control-svc/internal/solver"
)

// Safety violation kinds.
const (
	ViolationVelocity   = "velocity"
	ViolationOverfill   = "overfill"
	ViolationDrawdown   = "drawdown"
	ViolationStarvation = "starvation" // закрытый затвор при ненулевой заявке ниже
	ViolationSurge      = "surge"
)

// SafetyViolation is one finding of the pre-dispatch simulation.
type SafetyViolation struct {
	GateID string `json:"gate_id"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// safetyCheck simulates every proposed gate move on a network snapshot and
// collects violations. It never mutates the supplied network.
func safetyCheck(ctx context.Context, net *hydro.Network, settings []hydro.GateSetting,
	demands []hydro.ZoneDemand, so *solver.Options) []SafetyViolation {

	var out []SafetyViolation

	zoneDemand := map[string]float64{}
	for _, d := range demands {
		zoneDemand[d.Zone] += d.Flow
	}

	for _, set := range settings {
		g, ok := net.GetGate(set.GateID)
		if !ok {
			continue
		}
		if math.Abs(g.Opening-set.Opening) < 1e-3 {
			continue
		}

		// Затвор закрывается при живой заявке ниже по течению
		if set.Opening < 0.1 {
			if d := downstreamDemand(net, g, zoneDemand); d > hydro.Epsilon {
				out = append(out, SafetyViolation{
					GateID: set.GateID,
					Kind:   ViolationStarvation,
					Detail: fmt.Sprintf("opening %.2f starves %.2f m³/s of downstream demand", set.Opening, d),
				})
			}
		}

		// Моделируем перестановку при плановых отборах зон
		snap := net.Snapshot()
		for _, n := range snap.Nodes {
			if d, ok := zoneDemand[n.Zone]; ok && n.Zone != "" {
				n.Demand = d
			}
		}
		sim, err := solver.SimulateGateChange(ctx, snap, set.GateID, set.Opening, 0, so)
		if err != nil || sim == nil || sim.Final == nil {
			continue
		}

		for _, w := range sim.Warnings {
			if strings.Contains(w, "surge") {
				out = append(out, SafetyViolation{GateID: set.GateID, Kind: ViolationSurge, Detail: w})
			}
		}
		for _, w := range sim.Final.Warnings {
			if strings.Contains(w, "velocity") {
				out = append(out, SafetyViolation{GateID: set.GateID, Kind: ViolationVelocity, Detail: w})
			}
		}
		if sim.Final.State == nil {
			continue
		}
		for id, level := range sim.Final.State.Levels {
			n, ok := snap.GetNode(id)
			if !ok || n.Kind == hydro.NodeKindReservoir {
				continue
			}
			depth := level - n.GroundElev
			if n.MaxDepth > 0 && depth > 0.9*n.MaxDepth {
				out = append(out, SafetyViolation{
					GateID: set.GateID,
					Kind:   ViolationOverfill,
					Detail: fmt.Sprintf("node %s depth %.2f m exceeds 90%% of max %.2f m", id, depth, n.MaxDepth),
				})
			}
			if n.MinDepth > 0 && depth < 1.5*n.MinDepth && zoneDemand[n.Zone] > hydro.Epsilon {
				out = append(out, SafetyViolation{
					GateID: set.GateID,
					Kind:   ViolationDrawdown,
					Detail: fmt.Sprintf("node %s depth %.2f m is below 1.5x min depth %.2f m", id, depth, n.MinDepth),
				})
			}
		}
	}
	return out
}

// downstreamDemand sums the demand of zones reachable from the gate outlet.
func downstreamDemand(net *hydro.Network, g *hydro.Gate, zoneDemand map[string]float64) float64 {
	total := 0.0
	visited := map[string]bool{g.ToNode: true}
	queue := []string{g.ToNode}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if n, ok := net.GetNode(cur); ok && n.Zone != "" {
			total += zoneDemand[n.Zone]
		}
		for _, ref := range net.Outgoing(cur) {
			if !visited[ref.To] {
				visited[ref.To] = true
				queue = append(queue, ref.To)
			}
		}
	}
	return total
}
