package optimizer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronet/pkg/apperror"
	"hydronet/pkg/hydro"

	"hydronet/services/control-svc/internal/solver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Сеть в установившемся режиме: подтопленный головной затвор подаёт
// около 1 м³/с в единственную зону.
func steadyNetwork() *hydro.Network {
	n := hydro.NewNetwork()
	n.AddNode(&hydro.Node{ID: "RES", Kind: hydro.NodeKindReservoir, GroundElev: 215, Level: 221})
	n.AddNode(&hydro.Node{
		ID: "N1", Kind: hydro.NodeKindDelivery, GroundElev: 219,
		SurfaceArea: 1000, MinDepth: 0.3, MaxDepth: 2.5, Level: 220.8, Zone: "Z-EAST",
	})
	n.AddGate(&hydro.Gate{
		ID: "G-HEAD", Type: hydro.GateTypeRadial,
		FromNode: "RES", ToNode: "N1",
		Width: 5, MaxOpening: 1.0, SillElev: 219, Opening: 0.5,
		Calibration: hydro.Calibration{K1: 0.70, K2: 0.05, Confidence: 0.9, Source: hydro.CalibrationMeasured},
		Automated:   &hydro.AutomatedControl{ScadaTag: "HEAD-01", ActuatorRate: 0.5},
		Mode:        hydro.ModeAuto,
		Status:      hydro.StatusOperational,
	})
	return n
}

func newTestOptimizer() *Optimizer {
	return New(DefaultOptions(), solver.DefaultOptions(), testLogger(), nil)
}

func TestOptimize_SteadySingleZone(t *testing.T) {
	op := newTestOptimizer()
	req := Request{
		Demands: []hydro.ZoneDemand{
			{Zone: "Z-EAST", NodeID: "N1", Flow: 1.0, Priority: 1, Duration: 2 * time.Hour},
		},
	}

	plan, err := op.Optimize(context.Background(), steadyNetwork(), req)
	require.NoError(t, err)
	require.NotNil(t, plan)

	assert.Empty(t, plan.Infeasible)
	assert.Empty(t, plan.Violations)
	require.Len(t, plan.Settings, 1)

	// Сеть уже в равновесии: уставка остаётся у текущего открытия
	assert.Equal(t, "G-HEAD", plan.Settings[0].GateID)
	assert.InDelta(t, 0.5, plan.Settings[0].Opening, 0.05)
	assert.InDelta(t, 1.0, plan.Settings[0].Flow, 0.15)

	assert.InDelta(t, 1.0, plan.Satisfied["Z-EAST"], 0.05)
	assert.InDelta(t, 1.0, plan.Efficiency, 0.05)

	require.Len(t, plan.Sequence, 1)
	assert.Equal(t, "Z-EAST", plan.Sequence[0].Zone)
	assert.Equal(t, 2*time.Hour, plan.TotalDuration)
}

func TestOptimize_InfeasibleZoneReported(t *testing.T) {
	op := newTestOptimizer()
	req := Request{
		Demands: []hydro.ZoneDemand{
			{Zone: "Z-EAST", NodeID: "N1", Flow: 1.0, Priority: 1, Duration: time.Hour},
			{Zone: "Z-GHOST", NodeID: "N-404", Flow: 0.5, Priority: 2},
		},
	}

	plan, err := op.Optimize(context.Background(), steadyNetwork(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{"Z-GHOST"}, plan.Infeasible)
	assert.NotEmpty(t, plan.Warnings)
	assert.Len(t, plan.Sequence, 1)
}

func TestOptimize_AllZonesInfeasible(t *testing.T) {
	op := newTestOptimizer()
	req := Request{
		Demands: []hydro.ZoneDemand{{Zone: "Z-GHOST", NodeID: "N-404", Flow: 0.5}},
	}

	plan, err := op.Optimize(context.Background(), steadyNetwork(), req)
	require.Error(t, err)
	assert.Equal(t, apperror.CodeElevationInfeasible, apperror.Code(err))
	require.NotNil(t, plan)
	assert.Equal(t, []string{"Z-GHOST"}, plan.Infeasible)
}

func TestOptimize_InvalidInput(t *testing.T) {
	op := newTestOptimizer()

	_, err := op.Optimize(context.Background(), nil, Request{})
	assert.Error(t, err)

	_, err = op.Optimize(context.Background(), steadyNetwork(), Request{})
	assert.Error(t, err)

	_, err = op.Optimize(context.Background(), steadyNetwork(), Request{
		Demands:   []hydro.ZoneDemand{{Zone: "Z-EAST", NodeID: "N1", Flow: 1}},
		Objective: Objective("bogus"),
	})
	assert.Error(t, err)
}

func TestOptimize_EnergyAndContingencies(t *testing.T) {
	op := newTestOptimizer()
	req := Request{
		Demands: []hydro.ZoneDemand{
			{Zone: "Z-EAST", NodeID: "N1", Flow: 1.0, Priority: 1, Duration: time.Hour},
		},
		WithEnergy:        true,
		WithContingencies: true,
	}

	plan, err := op.Optimize(context.Background(), steadyNetwork(), req)
	require.NoError(t, err)

	// Перепадов под турбину в этой сети нет
	assert.Empty(t, plan.Energy)
	assert.NotEmpty(t, plan.Contingencies)
}

func TestContingencies_StandardScenarios(t *testing.T) {
	net := splitNetwork()
	demands := splitDemands()
	zones := splitZones(t, net, demands)

	plans := Contingencies(context.Background(), net, zones, demands, 3.5, DefaultOptions())
	require.NotEmpty(t, plans)

	kinds := map[ContingencyKind]bool{}
	var stuck *ContingencyPlan
	for i := range plans {
		kinds[plans[i].Kind] = true
		if plans[i].Kind == ContingencyStuckClosed && plans[i].GateID == "G-HEAD" {
			stuck = &plans[i]
		}
	}
	assert.True(t, kinds[ContingencyBlockage])
	assert.True(t, kinds[ContingencyStuckClosed])
	assert.True(t, kinds[ContingencyLowSource])

	// Заклинивший головной затвор отрезает обе зоны
	require.NotNil(t, stuck)
	assert.ElementsMatch(t, []string{"Z-EAST", "Z-WEST"}, stuck.Curtailed)
	for _, s := range stuck.Settings {
		if s.GateID == "G-HEAD" {
			assert.Zero(t, s.Opening)
		}
	}

	// Маловодье обслуживает только приоритеты 1-2: здесь это обе зоны
	for _, p := range plans {
		if p.Kind == ContingencyLowSource {
			assert.Empty(t, p.Curtailed)
		}
	}
}

func TestSafetyCheck_Starvation(t *testing.T) {
	net := splitNetwork()
	demands := splitDemands()

	// Почти закрытый отвод при живой заявке ниже по течению
	settings := []hydro.GateSetting{{GateID: "G-EAST", Opening: 0.05}}
	violations := safetyCheck(context.Background(), net, settings, demands, solver.DefaultOptions())

	found := false
	for _, v := range violations {
		if v.GateID == "G-EAST" && v.Kind == ViolationStarvation {
			found = true
		}
	}
	assert.True(t, found, "expected a starvation violation, got %v", violations)
}

func TestSafetyCheck_UnchangedSettingsPass(t *testing.T) {
	net := splitNetwork()

	settings := []hydro.GateSetting{
		{GateID: "G-HEAD", Opening: 0.5},
		{GateID: "G-EAST", Opening: 0.2},
	}
	violations := safetyCheck(context.Background(), net, settings, splitDemands(), solver.DefaultOptions())
	assert.Empty(t, violations)
}
