package optimizer

import (
	"context"
	"fmt"
	"sort"

	"hydronet/pkg/hydro"
)

// ContingencyKind names the standard what-if scenarios.
type ContingencyKind string

const (
	ContingencyBlockage    ContingencyKind = "main_canal_blockage"
	ContingencyStuckClosed ContingencyKind = "gate_stuck_closed"
	ContingencyLowSource   ContingencyKind = "low_source"
)

// viableSatisfaction is the satisfaction ratio below which a contingency
// plan is flagged non-viable for the affected zones.
const viableSatisfaction = 0.5

// ContingencyPlan is a pre-computed response to a failure scenario.
type ContingencyPlan struct {
	Kind   ContingencyKind `json:"kind"`
	Name   string          `json:"name"`
	GateID string          `json:"gate_id,omitempty"` // для сценария заклинивания

	Settings  []hydro.GateSetting `json:"settings"`
	Satisfied map[string]float64  `json:"satisfied"`
	Curtailed []string            `json:"curtailed,omitempty"`
	Viable    bool                `json:"viable"`
	Warnings  []string            `json:"warnings,omitempty"`
}

// Contingencies generates the standard failure scenarios for an optimized
// plan: a 50% main-canal blockage, each critical gate stuck closed, and a
// 30% source shortfall serving only priority 1-2 zones.
func Contingencies(ctx context.Context, net *hydro.Network, zones []ZoneFeasibility,
	demands []hydro.ZoneDemand, totalInflow float64, opts *Options) []ContingencyPlan {

	o := opts.normalized()
	var plans []ContingencyPlan

	// Завал магистрального канала: половина пропускной способности
	blocked := net.Snapshot()
	for _, s := range blocked.Sections {
		if s.Main {
			s.Capacity /= 2
		}
	}
	if res, err := SplitFlows(ctx, blocked, zones, demands, ObjectiveMaxEfficiency, totalInflow/2, nil, o); err == nil {
		plans = append(plans, contingencyFrom(ContingencyBlockage, "main canal at 50% capacity", "", res, zones, nil))
	}

	// Заклинивание критичных затворов в закрытом положении
	for _, gid := range criticalGates(net, zones) {
		pinned := map[string]float64{gid: 0}
		curtailed := zonesThrough(zones, gid)
		res, err := SplitFlows(ctx, net, withoutZones(zones, curtailed), demands, ObjectiveMaxEfficiency, totalInflow, pinned, o)
		if err != nil {
			continue
		}
		plans = append(plans, contingencyFrom(ContingencyStuckClosed,
			fmt.Sprintf("gate %s stuck closed", gid), gid, res, zones, curtailed))
	}

	// Маловодье: подача 70%, только приоритеты 1-2
	var priorityDemands []hydro.ZoneDemand
	var curtailed []string
	for _, d := range demands {
		if d.Priority <= 2 {
			priorityDemands = append(priorityDemands, d)
		} else {
			curtailed = append(curtailed, d.Zone)
		}
	}
	sort.Strings(curtailed)
	if res, err := SplitFlows(ctx, net, withoutZones(zones, curtailed), priorityDemands,
		ObjectiveMaxEfficiency, totalInflow*0.7, nil, o); err == nil {
		plans = append(plans, contingencyFrom(ContingencyLowSource, "source inflow at 70%", "", res, zones, curtailed))
	}

	return plans
}

// criticalGates returns gates whose failure affects more than one zone or
// that sit on the main canal.
func criticalGates(net *hydro.Network, zones []ZoneFeasibility) []string {
	count := map[string]int{}
	for _, zf := range zones {
		if !zf.Feasible {
			continue
		}
		for _, gid := range zf.Path.GateIDs {
			count[gid]++
		}
	}

	var ids []string
	for gid, n := range count {
		g, ok := net.GetGate(gid)
		if !ok {
			continue
		}
		onMain := false
		if s, ok := net.GetSection(g.SectionID); ok {
			onMain = s.Main
		}
		if n > 1 || onMain {
			ids = append(ids, gid)
		}
	}
	sort.Strings(ids)
	return ids
}

// zonesThrough lists zones whose only path crosses the gate.
func zonesThrough(zones []ZoneFeasibility, gateID string) []string {
	var out []string
	for _, zf := range zones {
		if !zf.Feasible {
			continue
		}
		for _, gid := range zf.Path.GateIDs {
			if gid == gateID {
				out = append(out, zf.Zone)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// withoutZones filters the feasibility list down to zones not in the
// curtailed set.
func withoutZones(zones []ZoneFeasibility, curtailed []string) []ZoneFeasibility {
	skip := make(map[string]bool, len(curtailed))
	for _, z := range curtailed {
		skip[z] = true
	}
	out := make([]ZoneFeasibility, 0, len(zones))
	for _, zf := range zones {
		if !skip[zf.Zone] {
			out = append(out, zf)
		}
	}
	return out
}

// contingencyFrom assembles a plan and judges its viability by the worst
// remaining zone satisfaction.
func contingencyFrom(kind ContingencyKind, name, gateID string, res *SplitResult,
	zones []ZoneFeasibility, curtailed []string) ContingencyPlan {

	p := ContingencyPlan{
		Kind:      kind,
		Name:      name,
		GateID:    gateID,
		Settings:  res.Settings,
		Satisfied: res.Satisfied,
		Curtailed: curtailed,
		Warnings:  res.Warnings,
		Viable:    true,
	}
	skip := make(map[string]bool, len(curtailed))
	for _, z := range curtailed {
		skip[z] = true
	}
	for _, zf := range zones {
		if !zf.Feasible || skip[zf.Zone] {
			continue
		}
		if res.Satisfied[zf.Zone] < viableSatisfaction {
			p.Viable = false
			p.Warnings = append(p.Warnings,
				fmt.Sprintf("zone %s drops to %.0f%% of demand", zf.Zone, res.Satisfied[zf.Zone]*100))
		}
	}
	return p
}
