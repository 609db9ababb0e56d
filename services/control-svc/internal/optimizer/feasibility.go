package optimizer

import (
	"fmt"
	"math"

	"hydronet/pkg/hydro"

	"hydronet/services/control-svc/internal/solver"
)

// Feasibility reasons reported for excluded zones.
const (
	ReasonNoPath           = "no_path"
	ReasonInsufficientHead = "insufficient_head"
	ReasonUnknownZone      = "unknown_zone"
)

// minorLossShare is the fraction of friction losses added for bends,
// transitions and minor structures.
const minorLossShare = 0.10

// ZoneFeasibility is the head-budget verdict for one zone.
type ZoneFeasibility struct {
	Zone   string `json:"zone"`
	NodeID string `json:"node_id"`

	Feasible bool   `json:"feasible"`
	Reason   string `json:"reason,omitempty"`

	RequestedFlow   float64 `json:"requested_flow"`   // м³/с
	RecommendedFlow float64 `json:"recommended_flow"` // м³/с, ограничен v_max
	TotalHeadLoss   float64 `json:"total_head_loss"`  // м
	ResidualHead    float64 `json:"residual_head"`    // м над дном узла выдачи
	RequiredHead    float64 `json:"required_head"`    // м, min_depth · запас
	MinSourceLevel  float64 `json:"min_source_level"` // м БС

	CriticalSections []string           `json:"critical_sections,omitempty"`
	Path             hydro.DeliveryPath `json:"path"`
}

// CheckZone walks the head budget from the source to the zone's delivery
// node: friction plus 10% minor losses per section, local losses at gates.
// The zone is feasible when the residual head at the node covers the minimum
// flow depth with the safety factor applied.
func CheckZone(net *hydro.Network, d hydro.ZoneDemand, sourceLevel float64, opts *Options) ZoneFeasibility {
	o := opts.normalized()

	zf := ZoneFeasibility{Zone: d.Zone, NodeID: d.NodeID, RequestedFlow: d.Flow}

	node, ok := net.GetNode(d.NodeID)
	if !ok && d.Zone != "" {
		if node, ok = net.NodeByZone(d.Zone); ok {
			zf.NodeID = node.ID
		}
	}
	if !ok {
		zf.Reason = ReasonUnknownZone
		return zf
	}

	edges := net.DownstreamPath(net.SourceID, node.ID)
	if edges == nil {
		zf.Reason = ReasonNoPath
		return zf
	}
	zf.Path = hydro.PathFromEdges(d.Zone, node.ID, edges, net)

	// Спуск по маршруту: уровень за вычетом потерь на каждом ребре
	level := sourceLevel
	required := node.MinDepth * o.SafetyFactor
	recommended := math.Inf(1)

	for _, ref := range edges {
		switch ref.Kind {
		case hydro.EdgeSection:
			s, _ := net.GetSection(ref.ID)
			if s == nil {
				continue
			}
			loss := sectionHeadLoss(s, d.Flow)
			level -= loss * (1 + minorLossShare)
			zf.TotalHeadLoss += loss * (1 + minorLossShare)

			if to, ok := net.GetNode(s.ToNode); ok && level-to.GroundElev < required {
				zf.CriticalSections = append(zf.CriticalSections, s.ID)
			}
			if qcap := sectionVelocityCap(s, o.MaxVelocity); qcap < recommended {
				recommended = qcap
			}

		case hydro.EdgeGate:
			g, _ := net.GetGate(ref.ID)
			if g == nil {
				continue
			}
			loss := gateHeadLoss(g, d.Flow)
			level -= loss
			zf.TotalHeadLoss += loss
		}
	}

	zf.ResidualHead = level - node.GroundElev
	zf.RequiredHead = required
	zf.Feasible = zf.ResidualHead >= required-hydro.Epsilon
	// Минимально необходимый уровень источника при той же раскладке потерь
	zf.MinSourceLevel = sourceLevel + (required - zf.ResidualHead)
	if !zf.Feasible {
		zf.Reason = ReasonInsufficientHead
	}

	if math.IsInf(recommended, 1) {
		recommended = d.Flow
	}
	zf.RecommendedFlow = math.Min(d.Flow, recommended)

	return zf
}

// sectionHeadLoss estimates the friction loss over a section conveying q.
func sectionHeadLoss(s *hydro.CanalSection, q float64) float64 {
	if q <= hydro.Epsilon {
		return 0
	}
	y := solver.NormalDepth(s, q)
	if y <= hydro.Epsilon {
		// Маннинг не сходится на вырожденном участке: считаем по уклону дна
		return s.BedSlope * s.Length
	}
	a := s.Area(y)
	r := s.HydraulicRadius(y)
	if a <= hydro.Epsilon || r <= hydro.Epsilon {
		return s.BedSlope * s.Length
	}
	sf := math.Pow(q*s.ManningN/(a*math.Pow(r, 2.0/3.0)), 2)
	return sf * s.Length
}

// gateHeadLoss estimates the local loss through a gate structure at flow q.
func gateHeadLoss(g *hydro.Gate, q float64) float64 {
	if q <= hydro.Epsilon {
		return 0
	}
	hs := g.OpeningHeight()
	if hs <= hydro.Epsilon {
		hs = g.MaxOpening
	}
	area := g.Width * hs
	if area <= hydro.Epsilon {
		return 0
	}
	v := q / area
	return 0.5 * v * v / (2 * hydro.Gravity)
}

// sectionVelocityCap returns the largest flow the section can convey at
// normal depth without exceeding vmax. The search brackets on the design
// capacity and bisects on velocity.
func sectionVelocityCap(s *hydro.CanalSection, vmax float64) float64 {
	hi := s.Capacity
	if hi <= 0 {
		hi = 100
	}
	velocityAt := func(q float64) float64 {
		y := solver.NormalDepth(s, q)
		return solver.SectionVelocity(s, q, y)
	}
	if velocityAt(hi) <= vmax {
		return hi
	}
	lo := 0.0
	for i := 0; i < 60; i++ {
		mid := (lo + hi) / 2
		if velocityAt(mid) > vmax {
			hi = mid
		} else {
			lo = mid
		}
	}
	return lo
}

// pathEfficiency estimates the conveyance efficiency of a delivery path from
// per-kilometre seepage rates by lining class.
func pathEfficiency(net *hydro.Network, p hydro.DeliveryPath, rates SeepageRates) float64 {
	eff := 1.0
	for _, id := range p.Sections {
		s, ok := net.GetSection(id)
		if !ok {
			continue
		}
		loss := rates.rateFor(s.Lining) * s.Length / 1000.0
		if loss > 0.9 {
			loss = 0.9
		}
		eff *= 1 - loss
	}
	return eff
}

// describeInfeasible renders a one-line reason for logs and warnings.
func describeInfeasible(zf ZoneFeasibility) string {
	switch zf.Reason {
	case ReasonNoPath:
		return fmt.Sprintf("zone %s has no downstream path from the source", zf.Zone)
	case ReasonUnknownZone:
		return fmt.Sprintf("zone %s has no delivery node in the network", zf.Zone)
	default:
		return fmt.Sprintf("zone %s: residual head %.2f m is below the required %.2f m (min source level %.2f m)",
			zf.Zone, zf.ResidualHead, zf.RequiredHead, zf.MinSourceLevel)
	}
}
