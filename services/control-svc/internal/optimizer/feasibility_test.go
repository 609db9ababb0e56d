package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronet/pkg/hydro"
)

// Сеть с головным затвором и двухкилометровым каналом до зоны выдачи.
func feasibilityNetwork() *hydro.Network {
	n := hydro.NewNetwork()
	n.AddNode(&hydro.Node{ID: "RES", Kind: hydro.NodeKindReservoir, GroundElev: 215, Level: 221})
	n.AddNode(&hydro.Node{
		ID: "N1", Kind: hydro.NodeKindJunction, GroundElev: 219,
		SurfaceArea: 1000, MinDepth: 0.3, MaxDepth: 2.0, Level: 220.5,
	})
	n.AddNode(&hydro.Node{
		ID: "E1", Kind: hydro.NodeKindDelivery, GroundElev: 217,
		SurfaceArea: 500, MinDepth: 0.3, MaxDepth: 2.0, Level: 217.6, Zone: "Z-EAST",
	})
	n.AddNode(&hydro.Node{
		ID: "ISLAND", Kind: hydro.NodeKindDelivery, GroundElev: 218,
		SurfaceArea: 100, MinDepth: 0.3, MaxDepth: 1.0, Zone: "Z-ISLAND",
	})
	n.AddGate(&hydro.Gate{
		ID: "G-HEAD", Type: hydro.GateTypeRadial, SectionID: "C-EAST",
		FromNode: "RES", ToNode: "N1",
		Width: 5, MaxOpening: 1.0, SillElev: 219, Opening: 0.5,
		Calibration: hydro.Calibration{K1: 0.70, K2: 0.05, Confidence: 0.9, Source: hydro.CalibrationMeasured},
		Automated:   &hydro.AutomatedControl{ScadaTag: "HEAD-01", ActuatorRate: 0.5},
		Mode:        hydro.ModeAuto,
		Status:      hydro.StatusOperational,
	})
	n.AddSection(&hydro.CanalSection{
		ID: "C-EAST", FromNode: "N1", ToNode: "E1",
		Length: 2000, BedSlope: 0.001, ManningN: 0.025,
		BottomWidth: 3, SideSlope: 1.5, MaxDepth: 2.0, Capacity: 8,
		Lining: hydro.LiningConcrete, Main: true,
	})
	return n
}

func TestCheckZone_Feasible(t *testing.T) {
	net := feasibilityNetwork()
	d := hydro.ZoneDemand{Zone: "Z-EAST", NodeID: "E1", Flow: 1.5, Priority: 1}

	zf := CheckZone(net, d, 221, DefaultOptions())

	require.True(t, zf.Feasible)
	assert.Empty(t, zf.Reason)
	assert.Empty(t, zf.CriticalSections)

	// Потери: трение по нормальной глубине с 10% на местные плюс затвор
	assert.InDelta(t, 2.21, zf.TotalHeadLoss, 0.05)
	assert.InDelta(t, 1.79, zf.ResidualHead, 0.05)
	assert.InDelta(t, 0.36, zf.RequiredHead, 1e-9)
	assert.InDelta(t, 219.57, zf.MinSourceLevel, 0.06)

	// Канал пропускает проектный расход без превышения скорости
	assert.InDelta(t, 1.5, zf.RecommendedFlow, 1e-9)
	assert.Equal(t, []string{"G-HEAD"}, zf.Path.GateIDs)
	assert.Equal(t, []string{"C-EAST"}, zf.Path.Sections)
}

func TestCheckZone_InsufficientHead(t *testing.T) {
	net := feasibilityNetwork()
	d := hydro.ZoneDemand{Zone: "Z-EAST", NodeID: "E1", Flow: 1.5, Priority: 1}

	// При просевшем источнике остаточный напор ниже нормы
	zf := CheckZone(net, d, 219.5, DefaultOptions())

	require.False(t, zf.Feasible)
	assert.Equal(t, ReasonInsufficientHead, zf.Reason)
	assert.Less(t, zf.ResidualHead, zf.RequiredHead)
	assert.InDelta(t, 219.57, zf.MinSourceLevel, 0.06)
	assert.Contains(t, zf.CriticalSections, "C-EAST")
}

func TestCheckZone_NoPath(t *testing.T) {
	net := feasibilityNetwork()
	d := hydro.ZoneDemand{Zone: "Z-ISLAND", NodeID: "ISLAND", Flow: 0.5, Priority: 3}

	zf := CheckZone(net, d, 221, DefaultOptions())

	assert.False(t, zf.Feasible)
	assert.Equal(t, ReasonNoPath, zf.Reason)
}

func TestCheckZone_UnknownZone(t *testing.T) {
	net := feasibilityNetwork()
	d := hydro.ZoneDemand{Zone: "Z-NOPE", NodeID: "N-404", Flow: 0.5}

	zf := CheckZone(net, d, 221, DefaultOptions())

	assert.False(t, zf.Feasible)
	assert.Equal(t, ReasonUnknownZone, zf.Reason)
}

func TestPathEfficiency(t *testing.T) {
	net := feasibilityNetwork()
	p := hydro.DeliveryPath{Sections: []string{"C-EAST"}}

	// Бетонная облицовка: 0.005 на км, 2 км
	eff := pathEfficiency(net, p, DefaultOptions().SeepageRates)
	assert.InDelta(t, 0.99, eff, 1e-9)
}
