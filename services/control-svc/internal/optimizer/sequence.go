package optimizer

import (
	"sort"
	"time"

	"hydronet/pkg/hydro"
)

// DeliveryWindow is one scheduled delivery in the plan sequence.
type DeliveryWindow struct {
	Zone     string `json:"zone"`
	NodeID   string `json:"node_id"`
	GateID   string `json:"gate_id"` // затвор выдачи (последний на маршруте)
	Priority int    `json:"priority"`

	Flow   float64 `json:"flow"`   // м³/с
	Volume float64 `json:"volume"` // м³

	TravelTime time.Duration `json:"travel_time"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
}

// Sequence orders feasible zones by priority (ascending, 1 is highest) and
// elevation (descending within a band) and assigns start times so that
// deliveries sharing a canal section do not overlap. from is the plan epoch.
func Sequence(net *hydro.Network, zones []ZoneFeasibility, demands []hydro.ZoneDemand, delivered map[string]float64, from time.Time) []DeliveryWindow {
	byZone := make(map[string]hydro.ZoneDemand, len(demands))
	for _, d := range demands {
		byZone[d.Zone] = d
	}

	ordered := make([]ZoneFeasibility, 0, len(zones))
	for _, zf := range zones {
		if zf.Feasible {
			ordered = append(ordered, zf)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		pi := byZone[ordered[i].Zone].Priority
		pj := byZone[ordered[j].Zone].Priority
		if pi != pj {
			return pi < pj
		}
		ei := nodeElevation(net, ordered[i].NodeID)
		ej := nodeElevation(net, ordered[j].NodeID)
		if ei != ej {
			return ei > ej
		}
		return ordered[i].Zone < ordered[j].Zone
	})

	var windows []DeliveryWindow
	for _, zf := range ordered {
		d := byZone[zf.Zone]
		q := delivered[zf.Zone]
		if q <= hydro.Epsilon {
			q = d.Flow
		}

		travel := travelTime(net, zf, q)
		dur := deliveryDuration(d)

		// Старт после освобождения всех общих участков
		start := from
		for _, w := range windows {
			if sharesSection(zf, windowPath(zones, w.Zone)) && w.End.After(start) {
				start = w.End
			}
		}

		gateID := ""
		if n := len(zf.Path.GateIDs); n > 0 {
			gateID = zf.Path.GateIDs[n-1]
		}

		windows = append(windows, DeliveryWindow{
			Zone:       zf.Zone,
			NodeID:     zf.NodeID,
			GateID:     gateID,
			Priority:   d.Priority,
			Flow:       q,
			Volume:     d.Volume,
			TravelTime: travel,
			Start:      start,
			End:        start.Add(travel + dur),
		})
	}
	return windows
}

// travelTime estimates the water travel time along a zone's path.
func travelTime(net *hydro.Network, zf ZoneFeasibility, q float64) time.Duration {
	area := 0.0
	n := 0
	for _, id := range zf.Path.Sections {
		s, ok := net.GetSection(id)
		if !ok {
			continue
		}
		y := s.MaxDepth * 0.6
		if y <= 0 {
			y = 1.0
		}
		area += s.Area(y)
		n++
	}
	v := 1.0
	if n > 0 && area > hydro.Epsilon {
		v = hydro.Clip(q/(area/float64(n)), 0.3, 2.0)
	}
	return time.Duration(zf.Path.LengthM / v * float64(time.Second))
}

// deliveryDuration derives the window length from the demand.
func deliveryDuration(d hydro.ZoneDemand) time.Duration {
	if d.Duration > 0 {
		return d.Duration
	}
	if d.Volume > 0 && d.Flow > hydro.Epsilon {
		return time.Duration(d.Volume / d.Flow * float64(time.Second))
	}
	return time.Hour
}

// sharesSection reports whether two paths use a common canal section.
func sharesSection(zf ZoneFeasibility, other []string) bool {
	seen := make(map[string]bool, len(zf.Path.Sections))
	for _, id := range zf.Path.Sections {
		seen[id] = true
	}
	for _, id := range other {
		if seen[id] {
			return true
		}
	}
	return false
}

// windowPath finds the section list of a scheduled zone.
func windowPath(zones []ZoneFeasibility, zone string) []string {
	for _, zf := range zones {
		if zf.Zone == zone {
			return zf.Path.Sections
		}
	}
	return nil
}

func nodeElevation(net *hydro.Network, id string) float64 {
	if n, ok := net.GetNode(id); ok {
		return n.GroundElev
	}
	return 0
}
