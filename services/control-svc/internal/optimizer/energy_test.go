package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronet/pkg/config"
	"hydronet/pkg/hydro"
)

func energyNetwork() *hydro.Network {
	n := hydro.NewNetwork()
	n.AddNode(&hydro.Node{ID: "RES", Kind: hydro.NodeKindReservoir, GroundElev: 230, Level: 232})
	n.AddNode(&hydro.Node{ID: "A", Kind: hydro.NodeKindJunction, GroundElev: 230, MinDepth: 0.3, MaxDepth: 2})
	n.AddNode(&hydro.Node{ID: "B", Kind: hydro.NodeKindJunction, GroundElev: 224, MinDepth: 0.3, MaxDepth: 2})
	n.AddNode(&hydro.Node{ID: "E", Kind: hydro.NodeKindJunction, GroundElev: 223, MinDepth: 0.3, MaxDepth: 2})
	n.AddNode(&hydro.Node{ID: "F", Kind: hydro.NodeKindDelivery, GroundElev: 220, MinDepth: 0.3, MaxDepth: 2, Zone: "Z-F"})

	// Перепад 5 м сверх уклона дна, пропускная способность 10 м³/с
	n.AddSection(&hydro.CanalSection{
		ID: "S-DROP", FromNode: "A", ToNode: "B",
		Length: 1000, BedSlope: 0.001, ManningN: 0.014,
		BottomWidth: 3, SideSlope: 0, MaxDepth: 2, Capacity: 10,
		Lining: hydro.LiningConcrete,
	})
	// Перепад 2.5 м, но канал слишком мал для рентабельной турбины
	n.AddSection(&hydro.CanalSection{
		ID: "S-SMALL", FromNode: "E", ToNode: "F",
		Length: 500, BedSlope: 0.001, ManningN: 0.025,
		BottomWidth: 1, SideSlope: 1, MaxDepth: 1.2, Capacity: 2,
		Lining: hydro.LiningEarthen,
	})
	// Перепадное сооружение на затворе
	n.AddGate(&hydro.Gate{
		ID: "G-DROP", Type: hydro.GateTypeSlide, SectionID: "S-DROP",
		FromNode: "RES", ToNode: "A",
		Width: 3, MaxOpening: 1.5, SillElev: 230,
		Calibration: hydro.DefaultCalibration(hydro.GateTypeSlide),
		Drop:        &hydro.DropStructure{Height: 3},
		Manual:      &hydro.ManualControl{OperatorContact: "бригада-2"},
		Mode:        hydro.ModeManual,
		Status:      hydro.StatusOperational,
	})
	return n
}

func TestEnergySurvey_SitesAndClasses(t *testing.T) {
	sites := EnergySurvey(energyNetwork(), DefaultOptions())

	require.Len(t, sites, 2)

	// Сортировка по мощности: перепад участка впереди затворного
	assert.Equal(t, "S-DROP", sites[0].SectionID)
	assert.InDelta(t, 5.0, sites[0].DropM, 1e-9)
	assert.InDelta(t, 7.0, sites[0].DesignQ, 1e-9)
	assert.InDelta(t, 291.8, sites[0].PowerKW, 0.5)
	assert.Equal(t, EnergyClassMini, sites[0].Class)
	assert.InDelta(t, sites[0].PowerKW*4320, sites[0].AnnualKWh, 1.0)

	assert.Equal(t, "G-DROP", sites[1].GateID)
	assert.InDelta(t, 175.1, sites[1].PowerKW, 0.5)

	// Экономика без цен не считается
	assert.Zero(t, sites[0].AnnualRevenue)
	assert.Zero(t, sites[0].PaybackYears)
}

func TestEnergySurvey_Economics(t *testing.T) {
	opts := DefaultOptions()
	opts.Energy = config.EnergyConfig{PricePerKWh: 0.05, CostPerKW: 2000}

	sites := EnergySurvey(energyNetwork(), opts)
	require.NotEmpty(t, sites)

	s := sites[0]
	assert.InDelta(t, s.AnnualKWh*0.05, s.AnnualRevenue, 1.0)
	assert.InDelta(t, s.PowerKW*2000, s.CapitalCost, 1.0)
	assert.InDelta(t, 9.26, s.PaybackYears, 0.05)
}
