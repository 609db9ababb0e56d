package hydro

import "time"

// ZoneDemand заявка зоны обслуживания на подачу воды
type ZoneDemand struct {
	Zone     string  `json:"zone"`
	NodeID   string  `json:"node_id"`  // узел выдачи
	Flow     float64 `json:"flow"`     // запрошенный расход, м³/с
	Volume   float64 `json:"volume"`   // запрошенный объём, м³
	Priority int     `json:"priority"` // 1 — высший
	Duration time.Duration `json:"duration"`
}

// GateSetting плановая уставка затвора
type GateSetting struct {
	GateID  string  `json:"gate_id"`
	Opening float64 `json:"opening"` // доля открытия [0..1]
	Flow    float64 `json:"flow"`    // ожидаемый расход, м³/с
}

// DeliveryPath маршрут подачи воды от источника до зоны
type DeliveryPath struct {
	Zone     string    `json:"zone"`
	NodeID   string    `json:"node_id"`
	Edges    []EdgeRef `json:"edges"`
	GateIDs  []string  `json:"gate_ids"`
	Sections []string  `json:"sections"`
	LengthM  float64   `json:"length_m"`
}

// PathFromEdges собирает маршрут из последовательности рёбер
func PathFromEdges(zone, nodeID string, edges []EdgeRef, net *Network) DeliveryPath {
	p := DeliveryPath{Zone: zone, NodeID: nodeID, Edges: edges}
	for _, ref := range edges {
		if ref.Kind == EdgeGate {
			p.GateIDs = append(p.GateIDs, ref.ID)
			continue
		}
		p.Sections = append(p.Sections, ref.ID)
		if s, ok := net.GetSection(ref.ID); ok {
			p.LengthM += s.Length
		}
	}
	return p
}
