package optimizer

import (
	"math"
	"sort"

	"hydronet/pkg/hydro"

	"hydronet/services/control-svc/internal/solver"
)

// FlowRegime classifies a section by Froude number.
type FlowRegime string

const (
	RegimeSubcritical   FlowRegime = "subcritical"
	RegimeCritical      FlowRegime = "critical"
	RegimeSupercritical FlowRegime = "supercritical"
)

// classifyFroude maps a Froude number onto the regime bands.
func classifyFroude(fr float64) FlowRegime {
	switch {
	case fr < hydro.FroudeSubcritical:
		return RegimeSubcritical
	case fr > hydro.FroudeSupercritical:
		return RegimeSupercritical
	default:
		return RegimeCritical
	}
}

// DepthEnvelope is the minimum-depth analysis of one section at a flow.
type DepthEnvelope struct {
	SectionID string  `json:"section_id"`
	Flow      float64 `json:"flow"` // м³/с

	NormalDepth    float64 `json:"normal_depth"`    // м
	CriticalDepth  float64 `json:"critical_depth"`  // м
	SedimentMin    float64 `json:"sediment_min"`    // м, глубина при v_min
	OperationalMin float64 `json:"operational_min"` // м
	Recommended    float64 `json:"recommended"`     // м

	Velocity float64    `json:"velocity"` // м/с при нормальной глубине
	Froude   float64    `json:"froude"`
	Regime   FlowRegime `json:"regime"`
}

// JumpRisk flags a possible hydraulic jump where a supercritical section
// discharges into a subcritical one.
type JumpRisk struct {
	SectionID    string  `json:"section_id"`
	DownstreamID string  `json:"downstream_id"`
	InitialDepth float64 `json:"initial_depth"`   // м, глубина перед прыжком
	Conjugate    float64 `json:"conjugate_depth"` // м
	Froude       float64 `json:"froude"`
}

// SectionEnvelope computes the depth envelope of a section conveying q.
// opMin is the operational minimum depth floor.
func SectionEnvelope(s *hydro.CanalSection, q, opMin float64, opts *Options) DepthEnvelope {
	o := opts.normalized()

	env := DepthEnvelope{SectionID: s.ID, Flow: q, OperationalMin: opMin}
	if q <= hydro.Epsilon {
		env.Recommended = opMin
		env.Regime = RegimeSubcritical
		return env
	}

	env.NormalDepth = solver.NormalDepth(s, q)
	env.CriticalDepth = solver.CriticalDepth(s, q)
	env.SedimentMin = sedimentDepth(s, q, o.MinVelocity)

	// Рекомендуемая глубина: гидравлический минимум с запасом,
	// но не меньше порогов по заилению и эксплуатации
	hydraulicMin := math.Max(env.NormalDepth, 1.1*env.CriticalDepth) * o.SafetyFactor
	env.Recommended = math.Max(math.Max(hydraulicMin, env.SedimentMin), opMin)

	env.Velocity = solver.SectionVelocity(s, q, env.NormalDepth)
	env.Froude = froudeAt(s, q, env.NormalDepth)
	env.Regime = classifyFroude(env.Froude)

	return env
}

// NetworkEnvelopes computes envelopes for every section carrying flow and
// flags hydraulic-jump risks on supercritical-to-subcritical transitions.
// Flows are section discharges keyed by section ID.
func NetworkEnvelopes(net *hydro.Network, flows map[string]float64, opts *Options) ([]DepthEnvelope, []JumpRisk) {
	envByID := make(map[string]DepthEnvelope, len(flows))

	ids := make([]string, 0, len(flows))
	for id := range flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var envs []DepthEnvelope
	for _, id := range ids {
		s, ok := net.GetSection(id)
		if !ok {
			continue
		}
		opMin := 0.0
		if to, ok := net.GetNode(s.ToNode); ok {
			opMin = to.MinDepth
		}
		env := SectionEnvelope(s, flows[id], opMin, opts)
		envs = append(envs, env)
		envByID[id] = env
	}

	// Прыжок возможен на стыке бурного и спокойного участков
	var jumps []JumpRisk
	for _, id := range ids {
		up, ok := envByID[id]
		if !ok || up.Regime != RegimeSupercritical {
			continue
		}
		s, _ := net.GetSection(id)
		if s == nil {
			continue
		}
		for _, ref := range net.Outgoing(s.ToNode) {
			if ref.Kind != hydro.EdgeSection {
				continue
			}
			down, ok := envByID[ref.ID]
			if !ok || down.Regime != RegimeSubcritical {
				continue
			}
			y1 := up.NormalDepth
			fr := up.Froude
			jumps = append(jumps, JumpRisk{
				SectionID:    id,
				DownstreamID: ref.ID,
				InitialDepth: y1,
				Froude:       fr,
				Conjugate:    y1 / 2 * (math.Sqrt(1+8*fr*fr) - 1),
			})
		}
	}

	return envs, jumps
}

// sedimentDepth returns the depth at which the mean velocity equals vmin.
// For a trapezoid A(y) = (b + z·y)·y the quadratic solves in closed form.
func sedimentDepth(s *hydro.CanalSection, q, vmin float64) float64 {
	if vmin <= hydro.Epsilon {
		return 0
	}
	area := q / vmin
	if s.SideSlope <= hydro.Epsilon {
		return area / s.BottomWidth
	}
	b := s.BottomWidth
	z := s.SideSlope
	return (-b + math.Sqrt(b*b+4*z*area)) / (2 * z)
}

// froudeAt computes the Froude number at depth y using the hydraulic depth.
func froudeAt(s *hydro.CanalSection, q, y float64) float64 {
	a := s.Area(y)
	t := s.TopWidth(y)
	if a <= hydro.Epsilon || t <= hydro.Epsilon {
		return 0
	}
	d := a / t
	return (q / a) / math.Sqrt(hydro.Gravity*d)
}
