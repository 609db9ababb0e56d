package optimizer

import (
	"context"
	"fmt"
	"math"
	"sort"

	"hydronet/pkg/apperror"
	"hydronet/pkg/hydro"

	"hydronet/services/control-svc/internal/hydraulics"
)

// Penalty weights of the constraint terms. The hard constraints carry
// weights orders of magnitude above the objective scale.
const (
	penaltyConservation = 50.0
	penaltyCapacity     = 100.0
	penaltyDemand       = 10.0
	penaltySmoothness   = 5.0
)

// SplitResult is the outcome of the flow-split optimization.
type SplitResult struct {
	Settings   []hydro.GateSetting `json:"settings"`
	Delivered  map[string]float64  `json:"delivered"`    // м³/с по зонам, с учётом КПД
	Satisfied  map[string]float64  `json:"satisfied"`    // доля заявки
	Objective  float64             `json:"objective"`    // значение целевой функции
	Converged  bool                `json:"converged"`
	Iterations int                 `json:"iterations"`
	Warnings   []string            `json:"warnings,omitempty"`
}

// splitProblem carries the fixed data of one split evaluation.
type splitProblem struct {
	net         *hydro.Network
	gates       []*hydro.Gate // решаемые затворы, в порядке ID
	zones       []ZoneFeasibility
	demand      map[string]float64 // заявка по зонам, м³/с
	priority    map[string]int
	efficiency  map[string]float64 // КПД маршрута по зонам
	pathGates   map[string][]string
	downstream  map[string]float64 // суммарная заявка ниже затвора
	gateCap     map[string]float64 // предел расхода затвора, м³/с
	sourceGates map[string]bool
	totalInflow float64
	objective   Objective
	opts        *Options

	// Нормировочные константы сбалансированной цели
	timeScale   float64
	energyScale float64
}

// SplitFlows distributes the source inflow across automated gate openings so
// that feasible zone demands are met within the relaxation band. Manual
// gates and gates listed in pinned are held fixed. On non-convergence the
// best iterate found is returned with a warning.
func SplitFlows(ctx context.Context, net *hydro.Network, zones []ZoneFeasibility, demands []hydro.ZoneDemand,
	objective Objective, totalInflow float64, pinned map[string]float64, opts *Options) (*SplitResult, error) {

	if net == nil {
		return nil, apperror.ErrNilNetwork
	}
	if !objective.Valid() {
		return nil, apperror.New(apperror.CodeInvalidInput, fmt.Sprintf("unknown objective %q", objective))
	}
	o := opts.normalized()

	p, fixedSettings := buildProblem(net, zones, demands, objective, totalInflow, pinned, o)
	if len(p.gates) == 0 {
		// Нечего оптимизировать: все затворы ручные или закреплены
		res := &SplitResult{Converged: true, Delivered: map[string]float64{}, Satisfied: map[string]float64{}}
		res.Settings = fixedSettings
		x := make([]float64, 0)
		p.fillDeliveries(x, res)
		return res, nil
	}

	// Стартовая точка: текущие открытия
	x := make([]float64, len(p.gates))
	for i, g := range p.gates {
		x[i] = g.Opening
	}
	p.calibrateScales(x)

	best := append([]float64(nil), x...)
	bestF := p.evaluate(x)
	f := bestF

	converged := false
	iter := 0
	for ; iter < o.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			break
		}

		grad := p.gradient(x)

		// Линейный поиск с откатом вдоль проекции антиградиента
		alpha := 0.25
		var next []float64
		var nextF float64
		improved := false
		for t := 0; t < 20; t++ {
			cand := make([]float64, len(x))
			for i := range x {
				cand[i] = hydro.Clip(x[i]-alpha*grad[i], 0, 1)
			}
			cf := p.evaluate(cand)
			if cf < f-1e-12 {
				next, nextF = cand, cf
				improved = true
				break
			}
			alpha /= 2
		}
		if !improved {
			converged = true
			break
		}

		step := 0.0
		for i := range x {
			step = math.Max(step, math.Abs(next[i]-x[i]))
		}
		df := f - nextF
		x, f = next, nextF
		if f < bestF {
			bestF = f
			copy(best, x)
		}
		if step < o.StepTolerance && df < o.StepTolerance {
			converged = true
			iter++
			break
		}
	}

	res := &SplitResult{
		Converged:  converged,
		Iterations: iter,
		Objective:  bestF,
		Delivered:  map[string]float64{},
		Satisfied:  map[string]float64{},
	}
	if !converged {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("flow split did not converge after %d iterations, returning best iterate", iter))
	}

	for i, g := range p.gates {
		q := p.gateFlow(g, best[i])
		res.Settings = append(res.Settings, hydro.GateSetting{GateID: g.ID, Opening: best[i], Flow: q})
	}
	res.Settings = append(res.Settings, fixedSettings...)
	sort.Slice(res.Settings, func(i, j int) bool { return res.Settings[i].GateID < res.Settings[j].GateID })

	p.fillDeliveries(best, res)
	return res, nil
}

// buildProblem assembles the immutable problem data and the settings of the
// gates excluded from the decision vector.
func buildProblem(net *hydro.Network, zones []ZoneFeasibility, demands []hydro.ZoneDemand,
	objective Objective, totalInflow float64, pinned map[string]float64, o *Options) (*splitProblem, []hydro.GateSetting) {

	p := &splitProblem{
		net:         net,
		demand:      map[string]float64{},
		priority:    map[string]int{},
		efficiency:  map[string]float64{},
		pathGates:   map[string][]string{},
		downstream:  map[string]float64{},
		gateCap:     map[string]float64{},
		sourceGates: map[string]bool{},
		totalInflow: totalInflow,
		objective:   objective,
		opts:        o,
	}

	for _, d := range demands {
		p.demand[d.Zone] = d.Flow
		p.priority[d.Zone] = d.Priority
	}
	for _, zf := range zones {
		if !zf.Feasible {
			continue
		}
		p.zones = append(p.zones, zf)
		p.pathGates[zf.Zone] = zf.Path.GateIDs
		p.efficiency[zf.Zone] = pathEfficiency(net, zf.Path, o.SeepageRates)
		if zf.RecommendedFlow < p.demand[zf.Zone] {
			p.demand[zf.Zone] = zf.RecommendedFlow
		}
		for _, gid := range zf.Path.GateIDs {
			p.downstream[gid] += p.demand[zf.Zone]
		}
	}

	var fixed []hydro.GateSetting
	ids := make([]string, 0, len(net.Gates))
	for id := range net.Gates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		g := net.Gates[id]
		p.gateCap[id] = p.capacityFor(g)
		if g.FromNode == net.SourceID {
			p.sourceGates[id] = true
		}

		if pin, ok := pinned[id]; ok {
			fixed = append(fixed, hydro.GateSetting{GateID: id, Opening: pin, Flow: p.gateFlow(g, pin)})
			continue
		}
		// Ручные затворы и отказавшие остаются граничным условием
		if !g.IsAutomated() || g.Mode == hydro.ModeFailed || g.Mode == hydro.ModeMaintenance {
			fixed = append(fixed, hydro.GateSetting{GateID: id, Opening: g.Opening, Flow: p.gateFlow(g, g.Opening)})
			continue
		}
		p.gates = append(p.gates, g)
	}

	return p, fixed
}

// capacityFor bounds a gate's flow by the design capacity of the adjacent
// sections and its own section.
func (p *splitProblem) capacityFor(g *hydro.Gate) float64 {
	limit := math.Inf(1)
	consider := func(id string) {
		if s, ok := p.net.GetSection(id); ok && s.Capacity > 0 && s.Capacity < limit {
			limit = s.Capacity
		}
	}
	consider(g.SectionID)
	for _, ref := range p.net.Incoming(g.FromNode) {
		if ref.Kind == hydro.EdgeSection {
			consider(ref.ID)
		}
	}
	for _, ref := range p.net.Outgoing(g.ToNode) {
		if ref.Kind == hydro.EdgeSection {
			consider(ref.ID)
		}
	}
	return limit
}

// gateFlow evaluates the calibrated discharge at an opening fraction using
// the node levels currently on the network as boundary conditions.
func (p *splitProblem) gateFlow(g *hydro.Gate, x float64) float64 {
	from, _ := p.net.GetNode(g.FromNode)
	to, _ := p.net.GetNode(g.ToNode)
	if from == nil || to == nil {
		return 0
	}
	hUp := from.Level
	if hUp <= from.GroundElev {
		hUp = from.MaxLevel()
	}
	hDown := to.Level
	if hDown <= to.GroundElev {
		hDown = to.MinLevel()
	}
	res := hydraulics.GateFlow(g, hydraulics.Conditions{HUp: hUp, HDown: hDown, Opening: x},
		hydraulics.Limits{MaxVelocity: p.opts.MaxVelocity})
	return res.Q
}

// flowsAt returns the gate discharges for a decision vector, including the
// fixed gates at their held openings.
func (p *splitProblem) flowsAt(x []float64) map[string]float64 {
	flows := make(map[string]float64, len(p.net.Gates))
	for i, g := range p.gates {
		flows[g.ID] = p.gateFlow(g, x[i])
	}
	for id, g := range p.net.Gates {
		if _, ok := flows[id]; !ok {
			flows[id] = p.gateFlow(g, g.Opening)
		}
	}
	return flows
}

// deliveredAt estimates per-zone delivered flow: the tightest gate on the
// zone's path shared proportionally to demand, degraded by path efficiency.
func (p *splitProblem) deliveredAt(flows map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(p.zones))
	for _, zf := range p.zones {
		d := p.demand[zf.Zone]
		supply := d
		for _, gid := range p.pathGates[zf.Zone] {
			share := 1.0
			if p.downstream[gid] > hydro.Epsilon {
				share = d / p.downstream[gid]
			}
			if q := flows[gid] * share; q < supply {
				supply = q
			}
		}
		if supply < 0 {
			supply = 0
		}
		out[zf.Zone] = supply * p.efficiency[zf.Zone]
	}
	return out
}

// evaluate computes the penalized objective at x.
func (p *splitProblem) evaluate(x []float64) float64 {
	flows := p.flowsAt(x)
	delivered := p.deliveredAt(flows)

	obj := p.objectiveValue(x, flows, delivered)

	// Баланс расхода на головных затворах
	if len(p.sourceGates) > 0 && p.totalInflow > 0 {
		sum := 0.0
		for id := range p.sourceGates {
			sum += flows[id]
		}
		dev := (sum - p.totalInflow) / p.totalInflow
		obj += penaltyConservation * dev * dev
	}

	// Заявки зон: штраф за выход из полосы допуска
	for _, zf := range p.zones {
		d := p.demand[zf.Zone]
		if d <= hydro.Epsilon {
			continue
		}
		dev := math.Abs(delivered[zf.Zone]-d) - p.opts.DemandRelaxation*d
		if dev > 0 {
			w := 1.0 / float64(maxInt(p.priority[zf.Zone], 1))
			obj += penaltyDemand * w * (dev / d) * (dev / d)
		}
	}

	// Пропускная способность
	for id, q := range flows {
		limit := p.gateCap[id]
		if math.IsInf(limit, 1) || limit <= 0 {
			continue
		}
		if over := (q - limit) / limit; over > 0 {
			obj += penaltyCapacity * over * over
		}
	}

	// Плавность по смежным затворам одного узла
	obj += p.smoothnessPenalty(x)

	return obj
}

// smoothnessPenalty penalizes opening spreads above the limit between gates
// sharing an upstream node.
func (p *splitProblem) smoothnessPenalty(x []float64) float64 {
	byNode := map[string][]float64{}
	for i, g := range p.gates {
		byNode[g.FromNode] = append(byNode[g.FromNode], x[i])
	}
	pen := 0.0
	for _, xs := range byNode {
		if len(xs) < 2 {
			continue
		}
		lo, hi := xs[0], xs[0]
		for _, v := range xs[1:] {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if over := (hi - lo) - p.opts.SmoothnessLimit; over > 0 {
			pen += penaltySmoothness * over * over
		}
	}
	return pen
}

// objectiveValue computes the raw (unpenalized) objective term.
func (p *splitProblem) objectiveValue(x []float64, flows, delivered map[string]float64) float64 {
	switch p.objective {
	case ObjectiveMinTravelTime:
		return p.travelTimeTerm(delivered)
	case ObjectiveMaxEfficiency:
		return p.efficiencyTerm(delivered)
	case ObjectiveMinEnergyLoss:
		return p.energyTerm(x, flows)
	default:
		t := p.travelTimeTerm(delivered)
		e := p.energyTerm(x, flows)
		if p.timeScale > 0 {
			t /= p.timeScale
		}
		if p.energyScale > 0 {
			e /= p.energyScale
		}
		return p.opts.TimeWeight*t + p.opts.EffWeight*p.efficiencyTerm(delivered) + p.opts.EnergyWeight*e
	}
}

// travelTimeTerm sums priority-weighted travel times over zones.
func (p *splitProblem) travelTimeTerm(delivered map[string]float64) float64 {
	total := 0.0
	for _, zf := range p.zones {
		v := p.travelVelocity(zf, delivered[zf.Zone])
		w := 1.0 / float64(maxInt(p.priority[zf.Zone], 1))
		total += zf.Path.LengthM / v * w
	}
	return total
}

// efficiencyTerm is the negated priority-weighted demand satisfaction.
func (p *splitProblem) efficiencyTerm(delivered map[string]float64) float64 {
	num, den := 0.0, 0.0
	for _, zf := range p.zones {
		d := p.demand[zf.Zone]
		w := 1.0 / float64(maxInt(p.priority[zf.Zone], 1))
		num += math.Min(delivered[zf.Zone], d) * w
		den += d * w
	}
	if den <= hydro.Epsilon {
		return 0
	}
	return -num / den
}

// energyTerm charges throttling losses on partially open gates.
func (p *splitProblem) energyTerm(x []float64, flows map[string]float64) float64 {
	total := 0.0
	for i, g := range p.gates {
		if x[i] >= 0.95 {
			continue
		}
		t := 1 - x[i]
		total += t * t * flows[g.ID] * hydro.Gravity * 0.5
	}
	return total
}

// travelVelocity estimates the wave travel velocity along a zone's path.
func (p *splitProblem) travelVelocity(zf ZoneFeasibility, q float64) float64 {
	area := 0.0
	n := 0
	for _, id := range zf.Path.Sections {
		s, ok := p.net.GetSection(id)
		if !ok {
			continue
		}
		// Опорное сечение при глубине, близкой к рабочей
		y := s.MaxDepth * 0.6
		if y <= 0 {
			y = 1.0
		}
		area += s.Area(y)
		n++
	}
	if n == 0 || area <= hydro.Epsilon {
		return 1.0
	}
	v := q / (area / float64(n))
	return hydro.Clip(v, 0.3, 2.0)
}

// calibrateScales fixes the normalization constants of the balanced
// objective at the starting point.
func (p *splitProblem) calibrateScales(x0 []float64) {
	flows := p.flowsAt(x0)
	delivered := p.deliveredAt(flows)
	p.timeScale = math.Abs(p.travelTimeTerm(delivered))
	p.energyScale = math.Abs(p.energyTerm(x0, flows))
	if p.timeScale < 1 {
		p.timeScale = 1
	}
	if p.energyScale < 1 {
		p.energyScale = 1
	}
}

// gradient computes a central-difference gradient of the penalized
// objective.
func (p *splitProblem) gradient(x []float64) []float64 {
	const h = 1e-4
	grad := make([]float64, len(x))
	work := append([]float64(nil), x...)
	for i := range x {
		up := hydro.Clip(x[i]+h, 0, 1)
		dn := hydro.Clip(x[i]-h, 0, 1)
		work[i] = up
		fUp := p.evaluate(work)
		work[i] = dn
		fDn := p.evaluate(work)
		work[i] = x[i]
		if up > dn {
			grad[i] = (fUp - fDn) / (up - dn)
		}
	}
	return grad
}

// fillDeliveries records per-zone delivered flow and satisfaction ratios.
func (p *splitProblem) fillDeliveries(x []float64, res *SplitResult) {
	flows := p.flowsAt(x)
	delivered := p.deliveredAt(flows)
	for _, zf := range p.zones {
		res.Delivered[zf.Zone] = delivered[zf.Zone]
		if d := p.demand[zf.Zone]; d > hydro.Epsilon {
			res.Satisfied[zf.Zone] = delivered[zf.Zone] / d
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
