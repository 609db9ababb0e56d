package hydro

import "time"

// HydraulicState установившееся гидравлическое состояние сети
type HydraulicState struct {
	Levels       map[string]float64 `json:"levels"`        // узел -> уровень воды, м БС
	GateFlows    map[string]float64 `json:"gate_flows"`    // затвор -> расход, м³/с
	SectionFlows map[string]float64 `json:"section_flows"` // участок -> расход, м³/с

	Converged     bool      `json:"converged"`
	Iterations    int       `json:"iterations"`
	MaxLevelDelta float64   `json:"max_level_delta"` // максимальное изменение уровня на последней итерации, м
	MassResidual  float64   `json:"mass_residual"`   // суммарный небаланс, м³/с
	TotalInflow   float64   `json:"total_inflow"`    // суммарная подача из источника, м³/с
	Warnings      []string  `json:"warnings,omitempty"`
	ComputedAt    time.Time `json:"computed_at"`
}

// NewHydraulicState создаёт пустое состояние
func NewHydraulicState() *HydraulicState {
	return &HydraulicState{
		Levels:       make(map[string]float64),
		GateFlows:    make(map[string]float64),
		SectionFlows: make(map[string]float64),
	}
}

// Clone создаёт глубокую копию состояния
func (s *HydraulicState) Clone() *HydraulicState {
	if s == nil {
		return nil
	}
	c := &HydraulicState{
		Converged:     s.Converged,
		Iterations:    s.Iterations,
		MaxLevelDelta: s.MaxLevelDelta,
		MassResidual:  s.MassResidual,
		TotalInflow:   s.TotalInflow,
		ComputedAt:    s.ComputedAt,
		Levels:        make(map[string]float64, len(s.Levels)),
		GateFlows:     make(map[string]float64, len(s.GateFlows)),
		SectionFlows:  make(map[string]float64, len(s.SectionFlows)),
	}
	for k, v := range s.Levels {
		c.Levels[k] = v
	}
	for k, v := range s.GateFlows {
		c.GateFlows[k] = v
	}
	for k, v := range s.SectionFlows {
		c.SectionFlows[k] = v
	}
	c.Warnings = append(c.Warnings, s.Warnings...)
	return c
}

// FlowAt возвращает расход через ребро сети
func (s *HydraulicState) FlowAt(ref EdgeRef) float64 {
	if ref.Kind == EdgeGate {
		return s.GateFlows[ref.ID]
	}
	return s.SectionFlows[ref.ID]
}
