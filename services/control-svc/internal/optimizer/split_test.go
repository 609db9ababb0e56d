package optimizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronet/pkg/hydro"
)

// Развилка: головной затвор питает два автоматизированных отвода.
func splitNetwork() *hydro.Network {
	n := hydro.NewNetwork()
	n.AddNode(&hydro.Node{ID: "RES", Kind: hydro.NodeKindReservoir, GroundElev: 215, Level: 221})
	n.AddNode(&hydro.Node{
		ID: "N1", Kind: hydro.NodeKindJunction, GroundElev: 219,
		SurfaceArea: 1000, MinDepth: 0.3, MaxDepth: 2.5, Level: 220.5,
	})
	n.AddNode(&hydro.Node{
		ID: "E1", Kind: hydro.NodeKindDelivery, GroundElev: 217,
		SurfaceArea: 500, MinDepth: 0.3, MaxDepth: 2.0, Level: 217.6, Zone: "Z-EAST",
	})
	n.AddNode(&hydro.Node{
		ID: "W1", Kind: hydro.NodeKindDelivery, GroundElev: 216.5,
		SurfaceArea: 500, MinDepth: 0.3, MaxDepth: 2.0, Level: 217.1, Zone: "Z-WEST",
	})

	auto := func(id, from, to string, width float64) *hydro.Gate {
		return &hydro.Gate{
			ID: id, Type: hydro.GateTypeRadial,
			FromNode: from, ToNode: to,
			Width: width, MaxOpening: 1.0, SillElev: 219,
			Calibration: hydro.Calibration{K1: 0.70, K2: 0.05, Confidence: 0.9, Source: hydro.CalibrationMeasured},
			Automated:   &hydro.AutomatedControl{ScadaTag: id, ActuatorRate: 0.5},
			Mode:        hydro.ModeAuto,
			Status:      hydro.StatusOperational,
		}
	}
	head := auto("G-HEAD", "RES", "N1", 5)
	head.Opening = 0.5
	east := auto("G-EAST", "N1", "E1", 3)
	east.Opening = 0.2
	west := auto("G-WEST", "N1", "W1", 3)
	west.Opening = 0.2
	n.AddGate(head)
	n.AddGate(east)
	n.AddGate(west)
	return n
}

func splitDemands() []hydro.ZoneDemand {
	return []hydro.ZoneDemand{
		{Zone: "Z-EAST", NodeID: "E1", Flow: 2.0, Priority: 1},
		{Zone: "Z-WEST", NodeID: "W1", Flow: 1.5, Priority: 2},
	}
}

func splitZones(t *testing.T, net *hydro.Network, demands []hydro.ZoneDemand) []ZoneFeasibility {
	t.Helper()

	var zones []ZoneFeasibility
	for _, d := range demands {
		zf := CheckZone(net, d, 221, DefaultOptions())
		require.True(t, zf.Feasible, "zone %s must be feasible", d.Zone)
		zones = append(zones, zf)
	}
	return zones
}

func TestSplitFlows_MeetsDemands(t *testing.T) {
	net := splitNetwork()
	demands := splitDemands()
	zones := splitZones(t, net, demands)

	res, err := SplitFlows(context.Background(), net, zones, demands, ObjectiveMaxEfficiency, 3.5, nil, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Settings, 3)

	for _, s := range res.Settings {
		assert.GreaterOrEqual(t, s.Opening, 0.0)
		assert.LessOrEqual(t, s.Opening, 1.0)
	}

	// Головной затвор прижат к балансу подачи
	var headFlow float64
	for _, s := range res.Settings {
		if s.GateID == "G-HEAD" {
			headFlow = s.Flow
		}
	}
	assert.InDelta(t, 3.5, headFlow, 0.5)

	// Обе зоны в полосе допуска заявки
	assert.InDelta(t, 1.0, res.Satisfied["Z-EAST"], 0.25)
	assert.InDelta(t, 1.0, res.Satisfied["Z-WEST"], 0.25)
	assert.LessOrEqual(t, res.Iterations, DefaultOptions().MaxIterations)
}

func TestSplitFlows_ManualGateIsFixed(t *testing.T) {
	net := splitNetwork()
	g := net.Gates["G-WEST"]
	g.Automated = nil
	g.Manual = &hydro.ManualControl{OperatorContact: "бригада-3", TurnsPerMeter: 40}
	g.Mode = hydro.ModeManual

	demands := splitDemands()
	zones := splitZones(t, net, demands)

	res, err := SplitFlows(context.Background(), net, zones, demands, ObjectiveMaxEfficiency, 3.5, nil, DefaultOptions())
	require.NoError(t, err)

	// Ручной затвор остаётся на текущем открытии
	for _, s := range res.Settings {
		if s.GateID == "G-WEST" {
			assert.InDelta(t, 0.2, s.Opening, 1e-9)
		}
	}
}

func TestSplitFlows_PinnedGate(t *testing.T) {
	net := splitNetwork()
	demands := splitDemands()
	zones := splitZones(t, net, demands)

	pinned := map[string]float64{"G-EAST": 0}
	res, err := SplitFlows(context.Background(), net, zones, demands, ObjectiveMaxEfficiency, 3.5, pinned, DefaultOptions())
	require.NoError(t, err)

	for _, s := range res.Settings {
		if s.GateID == "G-EAST" {
			assert.Zero(t, s.Opening)
			assert.Zero(t, s.Flow)
		}
	}
}

func TestSplitFlows_InvalidInput(t *testing.T) {
	_, err := SplitFlows(context.Background(), nil, nil, nil, ObjectiveBalanced, 1, nil, nil)
	assert.Error(t, err)

	_, err = SplitFlows(context.Background(), splitNetwork(), nil, nil, Objective("bogus"), 1, nil, nil)
	assert.Error(t, err)
}

func TestSplitFlows_AllGatesFixed(t *testing.T) {
	net := splitNetwork()
	for _, g := range net.Gates {
		g.Automated = nil
		g.Manual = &hydro.ManualControl{OperatorContact: "бригада-1"}
		g.Mode = hydro.ModeManual
	}
	demands := splitDemands()
	zones := splitZones(t, net, demands)

	res, err := SplitFlows(context.Background(), net, zones, demands, ObjectiveBalanced, 3.5, nil, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Len(t, res.Settings, 3)
}
