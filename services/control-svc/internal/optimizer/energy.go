package optimizer

import (
	"sort"

	"hydronet/pkg/hydro"
)

// Annual operating assumption for recovery sites.
const (
	operatingDaysPerYear = 180
	operatingHoursPerDay = 24
	wattsPerKilowatt     = 1000.0
)

// EnergyClass bands a site by recoverable power.
type EnergyClass string

const (
	EnergyClassMicro EnergyClass = "micro" // < 100 кВт
	EnergyClassMini  EnergyClass = "mini"  // < 1 МВт
	EnergyClassSmall EnergyClass = "small"
)

// EnergySite is a drop suitable for a recovery turbine.
type EnergySite struct {
	SectionID string  `json:"section_id,omitempty"`
	GateID    string  `json:"gate_id,omitempty"`
	DropM     float64 `json:"drop_m"`
	DesignQ   float64 `json:"design_q"`  // м³/с, 70% пропускной способности
	PowerKW   float64 `json:"power_kw"`
	AnnualKWh float64 `json:"annual_kwh"`

	Class EnergyClass `json:"class"`

	// Экономика считается только при заданных ценах
	AnnualRevenue float64 `json:"annual_revenue,omitempty"`
	CapitalCost   float64 `json:"capital_cost,omitempty"`
	PaybackYears  float64 `json:"payback_years,omitempty"`
}

// EnergySurvey scans the network for elevation drops worth a small turbine.
// Drops below the viability thresholds are discarded.
func EnergySurvey(net *hydro.Network, opts *Options) []EnergySite {
	o := opts.normalized()

	var sites []EnergySite

	ids := make([]string, 0, len(net.Sections))
	for id := range net.Sections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := net.Sections[id]
		from, okF := net.GetNode(s.FromNode)
		to, okT := net.GetNode(s.ToNode)
		if !okF || !okT {
			continue
		}
		// Перепад сверх уклона дна приходится на перепадное сооружение
		drop := (from.GroundElev - to.GroundElev) - s.BedSlope*s.Length
		if drop <= hydro.MinTurbineDropM {
			continue
		}
		if site, ok := assessSite(drop, s.Capacity, o); ok {
			site.SectionID = id
			sites = append(sites, site)
		}
	}

	gids := make([]string, 0, len(net.Gates))
	for id := range net.Gates {
		gids = append(gids, id)
	}
	sort.Strings(gids)
	for _, id := range gids {
		g := net.Gates[id]
		if g.Drop == nil || g.Drop.Height <= hydro.MinTurbineDropM {
			continue
		}
		q := 0.0
		if s, ok := net.GetSection(g.SectionID); ok {
			q = s.Capacity
		}
		if site, ok := assessSite(g.Drop.Height, q, o); ok {
			site.GateID = id
			sites = append(sites, site)
		}
	}

	sort.Slice(sites, func(i, j int) bool { return sites[i].PowerKW > sites[j].PowerKW })
	return sites
}

// assessSite computes power, annual energy and optional economics for a
// drop with the given channel capacity.
func assessSite(drop, capacity float64, o *Options) (EnergySite, bool) {
	if capacity <= hydro.Epsilon {
		return EnergySite{}, false
	}
	q := capacity * hydro.TurbineDesignShare
	powerKW := hydro.WaterDensity * hydro.Gravity * q * drop * hydro.TurbineEfficiency / wattsPerKilowatt
	if powerKW <= hydro.MinViablePowerKW {
		return EnergySite{}, false
	}

	site := EnergySite{
		DropM:     drop,
		DesignQ:   q,
		PowerKW:   powerKW,
		AnnualKWh: powerKW * operatingDaysPerYear * operatingHoursPerDay,
		Class:     classifyPower(powerKW),
	}

	if o.Energy.PricePerKWh > 0 && o.Energy.CostPerKW > 0 {
		site.AnnualRevenue = site.AnnualKWh * o.Energy.PricePerKWh
		site.CapitalCost = powerKW * o.Energy.CostPerKW
		if site.AnnualRevenue > 0 {
			site.PaybackYears = site.CapitalCost / site.AnnualRevenue
		}
	}
	return site, true
}

func classifyPower(kw float64) EnergyClass {
	switch {
	case kw < 100:
		return EnergyClassMicro
	case kw < 1000:
		return EnergyClassMini
	default:
		return EnergyClassSmall
	}
}
