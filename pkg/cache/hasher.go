package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"hydronet/pkg/hydro"
)

// NetworkHash вычисляет хеш сети для использования как ключ кэша.
// Учитывается топология, геометрия и текущие открытия затворов:
// два одинаковых запроса на расчёт дают одинаковый ключ.
func NetworkHash(net *hydro.Network) string {
	if net == nil {
		return ""
	}

	data := networkToCanonical(net)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:16])
}

// networkToCanonical создаёт детерминированное представление сети
func networkToCanonical(net *hydro.Network) []byte {
	var result []byte

	result = append(result, []byte(fmt.Sprintf("src:%s;", net.SourceID))...)

	// Узлы по ID
	nodeIDs := make([]string, 0, len(net.Nodes))
	for id := range net.Nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	for _, id := range nodeIDs {
		n := net.Nodes[id]
		result = append(result, []byte(fmt.Sprintf("n:%s:%d:%.4f:%.2f:%.6f;",
			id, n.Kind, n.GroundElev, n.SurfaceArea, n.Demand))...)
	}

	// Участки по ID
	sectionIDs := make([]string, 0, len(net.Sections))
	for id := range net.Sections {
		sectionIDs = append(sectionIDs, id)
	}
	sort.Strings(sectionIDs)
	for _, id := range sectionIDs {
		s := net.Sections[id]
		result = append(result, []byte(fmt.Sprintf("c:%s:%s:%s:%.2f:%.6f:%.4f:%.3f:%.3f;",
			id, s.FromNode, s.ToNode, s.Length, s.BedSlope, s.ManningN, s.BottomWidth, s.SideSlope))...)
	}

	// Затворы по ID: геометрия, калибровка и текущее открытие
	gateIDs := make([]string, 0, len(net.Gates))
	for id := range net.Gates {
		gateIDs = append(gateIDs, id)
	}
	sort.Strings(gateIDs)
	for _, id := range gateIDs {
		g := net.Gates[id]
		drop := 0.0
		if g.Drop != nil {
			drop = g.Drop.Height
		}
		result = append(result, []byte(fmt.Sprintf("g:%s:%s:%s:%.3f:%.3f:%.3f:%.4f:%.4f:%.6f:%.3f:%s;",
			id, g.FromNode, g.ToNode, g.Width, g.MaxOpening, g.SillElev,
			g.Calibration.K1, g.Calibration.K2, g.Opening, drop, g.Mode))...)
	}

	return result
}

// DemandsHash вычисляет хеш набора заявок зон
func DemandsHash(demands []hydro.ZoneDemand) string {
	if len(demands) == 0 {
		return ""
	}

	sorted := make([]hydro.ZoneDemand, len(demands))
	copy(sorted, demands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Zone < sorted[j].Zone })

	var data []byte
	for _, d := range sorted {
		data = append(data, []byte(fmt.Sprintf("z:%s:%s:%.6f:%.2f:%d;",
			d.Zone, d.NodeID, d.Flow, d.Volume, d.Priority))...)
	}

	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}

// BuildSolveKey строит ключ кэша для результата расчёта установившегося режима
func BuildSolveKey(networkHash string) string {
	return fmt.Sprintf("solve:%s", networkHash)
}

// BuildSolveKeyWithDemands строит ключ с учётом заявок
func BuildSolveKeyWithDemands(networkHash, demandsHash string) string {
	if demandsHash == "" {
		return BuildSolveKey(networkHash)
	}
	return fmt.Sprintf("solve:%s:%s", networkHash, demandsHash)
}

// QuickHash быстрый хеш для произвольных данных
func QuickHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ShortHash короткий хеш (16 символов)
func ShortHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}
