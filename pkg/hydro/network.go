package hydro

import (
	"fmt"
	"math"
	"sync"
)

// NodeKind тип узла сети
type NodeKind int

const (
	NodeKindUnspecified NodeKind = iota
	NodeKindReservoir
	NodeKindJunction
	NodeKindDelivery
	NodeKindTerminal
)

// String возвращает строковое представление типа узла
func (k NodeKind) String() string {
	switch k {
	case NodeKindReservoir:
		return "reservoir"
	case NodeKindJunction:
		return "junction"
	case NodeKindDelivery:
		return "delivery"
	case NodeKindTerminal:
		return "terminal"
	default:
		return "unspecified"
	}
}

// LiningType тип облицовки канала
type LiningType int

const (
	LiningUnspecified LiningType = iota
	LiningEarthen
	LiningLined
	LiningConcrete
	LiningPipe
)

// String возвращает строковое представление типа облицовки
func (l LiningType) String() string {
	switch l {
	case LiningEarthen:
		return "earthen"
	case LiningLined:
		return "lined"
	case LiningConcrete:
		return "concrete"
	case LiningPipe:
		return "pipe"
	default:
		return "unspecified"
	}
}

// ParseLining разбирает тип облицовки из строки
func ParseLining(s string) LiningType {
	switch s {
	case "earthen":
		return LiningEarthen
	case "lined":
		return LiningLined
	case "concrete":
		return LiningConcrete
	case "pipe":
		return LiningPipe
	default:
		return LiningUnspecified
	}
}

// Node представляет узел оросительной сети
type Node struct {
	ID          string
	Name        string
	Kind        NodeKind
	GroundElev  float64 // отметка дна, м БС
	SurfaceArea float64 // площадь зеркала, м²
	MinDepth    float64 // минимальная рабочая глубина, м
	MaxDepth    float64 // максимальная глубина до бровки, м
	Demand      float64 // плановый отбор, м³/с
	Level       float64 // текущий уровень воды, м БС
	Zone        string  // зона обслуживания (для узлов выдачи)
}

// Clone создаёт копию узла
func (n *Node) Clone() *Node {
	c := *n
	return &c
}

// MinLevel возвращает минимально допустимый уровень воды
func (n *Node) MinLevel() float64 {
	return n.GroundElev + n.MinDepth
}

// MaxLevel возвращает максимально допустимый уровень воды
func (n *Node) MaxLevel() float64 {
	return n.GroundElev + n.MaxDepth
}

// Depth возвращает текущую глубину воды в узле
func (n *Node) Depth() float64 {
	d := n.Level - n.GroundElev
	if d < 0 {
		return 0
	}
	return d
}

// CanalSection представляет участок канала между двумя узлами.
// Сечение трапецеидальное: ширина по дну b и заложение откосов z (гор:верт).
type CanalSection struct {
	ID          string
	Name        string
	FromNode    string
	ToNode      string
	Length      float64 // м
	BedSlope    float64 // уклон дна
	ManningN    float64 // коэффициент шероховатости
	BottomWidth float64 // ширина по дну, м
	SideSlope   float64 // заложение откосов z
	Lining      LiningType
	MaxDepth    float64 // глубина до бровки, м
	Capacity    float64 // проектный расход, м³/с
	Main        bool    // участок магистрального канала
}

// Clone создаёт копию участка
func (s *CanalSection) Clone() *CanalSection {
	c := *s
	return &c
}

// Area возвращает площадь живого сечения при глубине y
func (s *CanalSection) Area(y float64) float64 {
	if y <= 0 {
		return 0
	}
	return (s.BottomWidth + s.SideSlope*y) * y
}

// WettedPerimeter возвращает смоченный периметр при глубине y
func (s *CanalSection) WettedPerimeter(y float64) float64 {
	if y <= 0 {
		return s.BottomWidth
	}
	return s.BottomWidth + 2*y*sqrtOnePlusSq(s.SideSlope)
}

// TopWidth возвращает ширину по зеркалу при глубине y
func (s *CanalSection) TopWidth(y float64) float64 {
	if y <= 0 {
		return s.BottomWidth
	}
	return s.BottomWidth + 2*s.SideSlope*y
}

// HydraulicRadius возвращает гидравлический радиус при глубине y
func (s *CanalSection) HydraulicRadius(y float64) float64 {
	p := s.WettedPerimeter(y)
	if p <= Epsilon {
		return 0
	}
	return s.Area(y) / p
}

// EdgeKind тип ребра сети
type EdgeKind int

const (
	EdgeSection EdgeKind = iota
	EdgeGate
)

// EdgeRef ссылка на ребро сети (участок канала или затвор)
type EdgeRef struct {
	Kind EdgeKind
	ID   string
	From string
	To   string
}

// String возвращает строковое представление ребра
func (e EdgeRef) String() string {
	if e.Kind == EdgeGate {
		return fmt.Sprintf("gate:%s(%s->%s)", e.ID, e.From, e.To)
	}
	return fmt.Sprintf("section:%s(%s->%s)", e.ID, e.From, e.To)
}

// Network представляет оросительную сеть: узлы, участки каналов и затворы.
// Запись выполняется одним владельцем, чтение — через снимки (Snapshot).
type Network struct {
	Nodes    map[string]*Node
	Sections map[string]*CanalSection
	Gates    map[string]*Gate
	SourceID string // головной водозабор (узел-резервуар)
	Name     string

	// Индексы для быстрого доступа
	outgoing map[string][]EdgeRef
	incoming map[string][]EdgeRef

	mu sync.RWMutex
}

// NewNetwork создаёт пустую сеть
func NewNetwork() *Network {
	return &Network{
		Nodes:    make(map[string]*Node),
		Sections: make(map[string]*CanalSection),
		Gates:    make(map[string]*Gate),
		outgoing: make(map[string][]EdgeRef),
		incoming: make(map[string][]EdgeRef),
	}
}

// AddNode добавляет узел в сеть
func (n *Network) AddNode(node *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.Nodes[node.ID] = node
	if node.Kind == NodeKindReservoir && n.SourceID == "" {
		n.SourceID = node.ID
	}
}

// AddSection добавляет участок канала
func (n *Network) AddSection(s *CanalSection) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.Sections[s.ID] = s
	ref := EdgeRef{Kind: EdgeSection, ID: s.ID, From: s.FromNode, To: s.ToNode}
	n.outgoing[s.FromNode] = append(n.outgoing[s.FromNode], ref)
	n.incoming[s.ToNode] = append(n.incoming[s.ToNode], ref)
}

// AddGate добавляет затвор
func (n *Network) AddGate(g *Gate) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.Gates[g.ID] = g
	ref := EdgeRef{Kind: EdgeGate, ID: g.ID, From: g.FromNode, To: g.ToNode}
	n.outgoing[g.FromNode] = append(n.outgoing[g.FromNode], ref)
	n.incoming[g.ToNode] = append(n.incoming[g.ToNode], ref)
}

// GetNode возвращает узел по ID
func (n *Network) GetNode(id string) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	node, ok := n.Nodes[id]
	return node, ok
}

// GetSection возвращает участок по ID
func (n *Network) GetSection(id string) (*CanalSection, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	s, ok := n.Sections[id]
	return s, ok
}

// GetGate возвращает затвор по ID
func (n *Network) GetGate(id string) (*Gate, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	g, ok := n.Gates[id]
	return g, ok
}

// Outgoing возвращает исходящие рёбра узла
func (n *Network) Outgoing(nodeID string) []EdgeRef {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.outgoing[nodeID]
}

// Incoming возвращает входящие рёбра узла
func (n *Network) Incoming(nodeID string) []EdgeRef {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.incoming[nodeID]
}

// NodeCount возвращает количество узлов
func (n *Network) NodeCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return len(n.Nodes)
}

// GateCount возвращает количество затворов
func (n *Network) GateCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return len(n.Gates)
}

// DeliveryNodes возвращает узлы выдачи воды
func (n *Network) DeliveryNodes() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var result []*Node
	for _, node := range n.Nodes {
		if node.Kind == NodeKindDelivery {
			result = append(result, node)
		}
	}
	return result
}

// NodeByZone возвращает узел выдачи для зоны обслуживания
func (n *Network) NodeByZone(zone string) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, node := range n.Nodes {
		if node.Kind == NodeKindDelivery && node.Zone == zone {
			return node, true
		}
	}
	return nil, false
}

// Snapshot создаёт глубокую копию сети для расчётов
func (n *Network) Snapshot() *Network {
	n.mu.RLock()
	defer n.mu.RUnlock()

	clone := NewNetwork()
	clone.SourceID = n.SourceID
	clone.Name = n.Name

	for id, node := range n.Nodes {
		clone.Nodes[id] = node.Clone()
	}
	for id, s := range n.Sections {
		clone.Sections[id] = s.Clone()
		ref := EdgeRef{Kind: EdgeSection, ID: s.ID, From: s.FromNode, To: s.ToNode}
		clone.outgoing[s.FromNode] = append(clone.outgoing[s.FromNode], ref)
		clone.incoming[s.ToNode] = append(clone.incoming[s.ToNode], ref)
	}
	for id, g := range n.Gates {
		clone.Gates[id] = g.Clone()
		ref := EdgeRef{Kind: EdgeGate, ID: g.ID, From: g.FromNode, To: g.ToNode}
		clone.outgoing[g.FromNode] = append(clone.outgoing[g.FromNode], ref)
		clone.incoming[g.ToNode] = append(clone.incoming[g.ToNode], ref)
	}

	return clone
}

// Validate проверяет корректность сети
func (n *Network) Validate() []error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var errs []error

	if n.SourceID == "" {
		errs = append(errs, fmt.Errorf("network has no source reservoir"))
	} else if src, ok := n.Nodes[n.SourceID]; !ok {
		errs = append(errs, fmt.Errorf("source node %s not found", n.SourceID))
	} else if src.Kind != NodeKindReservoir {
		errs = append(errs, fmt.Errorf("source node %s is not a reservoir", n.SourceID))
	}

	for id, node := range n.Nodes {
		if node.SurfaceArea < 0 {
			errs = append(errs, fmt.Errorf("node %s has negative surface area", id))
		}
		if node.MinDepth < 0 || node.MaxDepth < node.MinDepth {
			errs = append(errs, fmt.Errorf("node %s has invalid depth bounds [%.2f, %.2f]", id, node.MinDepth, node.MaxDepth))
		}
	}

	for id, s := range n.Sections {
		if _, ok := n.Nodes[s.FromNode]; !ok {
			errs = append(errs, fmt.Errorf("section %s references non-existent node %s", id, s.FromNode))
		}
		if _, ok := n.Nodes[s.ToNode]; !ok {
			errs = append(errs, fmt.Errorf("section %s references non-existent node %s", id, s.ToNode))
		}
		if s.FromNode == s.ToNode {
			errs = append(errs, fmt.Errorf("section %s is a self-loop at node %s", id, s.FromNode))
		}
		if s.Length <= 0 {
			errs = append(errs, fmt.Errorf("section %s has non-positive length", id))
		}
		if s.ManningN <= 0 {
			errs = append(errs, fmt.Errorf("section %s has non-positive Manning n", id))
		}
		if s.BottomWidth <= 0 {
			errs = append(errs, fmt.Errorf("section %s has non-positive bottom width", id))
		}
	}

	for id, g := range n.Gates {
		if _, ok := n.Nodes[g.FromNode]; !ok {
			errs = append(errs, fmt.Errorf("gate %s references non-existent node %s", id, g.FromNode))
		}
		if _, ok := n.Nodes[g.ToNode]; !ok {
			errs = append(errs, fmt.Errorf("gate %s references non-existent node %s", id, g.ToNode))
		}
		errs = append(errs, g.Validate()...)
	}

	if cycle := n.findCycle(); len(cycle) > 0 {
		errs = append(errs, fmt.Errorf("network contains a cycle through %v", cycle))
	}

	return errs
}

// findCycle ищет цикл в направленной сети (самотёчная сеть должна быть ацикличной)
func (n *Network) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(n.Nodes))

	var cycle []string
	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		color[id] = gray
		path = append(path, id)
		for _, ref := range n.outgoing[id] {
			switch color[ref.To] {
			case gray:
				cycle = append(path, ref.To)
				return true
			case white:
				if visit(ref.To, path) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for id := range n.Nodes {
		if color[id] == white {
			if visit(id, nil) {
				return cycle
			}
		}
	}
	return nil
}

// DownstreamPath ищет путь от узла from до узла to (BFS по направлению течения).
// Возвращает последовательность рёбер или nil, если путь не существует.
func (n *Network) DownstreamPath(from, to string) []EdgeRef {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if from == to {
		return []EdgeRef{}
	}

	prev := make(map[string]EdgeRef)
	visited := map[string]bool{from: true}
	queue := []string{from}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, ref := range n.outgoing[cur] {
			if visited[ref.To] {
				continue
			}
			visited[ref.To] = true
			prev[ref.To] = ref
			if ref.To == to {
				// Восстанавливаем путь
				var path []EdgeRef
				for at := to; at != from; {
					ref := prev[at]
					path = append([]EdgeRef{ref}, path...)
					at = ref.From
				}
				return path
			}
			queue = append(queue, ref.To)
		}
	}
	return nil
}

func sqrtOnePlusSq(z float64) float64 {
	return math.Sqrt(1 + z*z)
}
