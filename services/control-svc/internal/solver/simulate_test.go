package solver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronet/pkg/hydro"
)

// settledSingleGateNetwork возвращает сеть с отбором 2 м³/с, доведённую
// до установившегося режима, чтобы переходный расчёт стартовал с равновесия.
func settledSingleGateNetwork(t *testing.T, opts *Options) *hydro.Network {
	t.Helper()

	net := singleGateNetwork()
	net.Nodes["N1"].Demand = 2.0

	res, err := SteadyState(context.Background(), net.Snapshot(), nil, nil, opts)
	require.NoError(t, err)
	require.True(t, res.Converged, "warnings: %v", res.Warnings)

	for id, lvl := range res.State.Levels {
		net.Nodes[id].Level = lvl
	}
	return net
}

func TestSimulateGateChange_FastClosureIsSurge(t *testing.T) {
	opts := DefaultOptions().WithTolerance(1e-5)
	net := settledSingleGateNetwork(t, opts)

	res, err := SimulateGateChange(context.Background(), net, "G-1", 0.3, time.Minute, opts)
	require.NoError(t, err)

	// 60 с / 10 с минимального шага
	require.Len(t, res.Steps, 6)
	assert.InDelta(t, 0.3, res.Steps[len(res.Steps)-1].Opening, 1e-9)
	for i := 1; i < len(res.Steps); i++ {
		assert.Less(t, res.Steps[i].Opening, res.Steps[i-1].Opening)
	}

	// Прикрытие на 0.2 за минуту роняет подпор слишком быстро
	assert.False(t, res.Safe)
	assert.Greater(t, res.MaxLevelRate, MaxLevelRateMH)

	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "surge") {
			found = true
		}
	}
	assert.True(t, found, "expected surge warning, got %v", res.Warnings)
}

func TestSimulateGateChange_SlowAdjustmentIsSafe(t *testing.T) {
	opts := DefaultOptions().WithTolerance(1e-5)
	net := settledSingleGateNetwork(t, opts)

	res, err := SimulateGateChange(context.Background(), net, "G-1", 0.48, 30*time.Minute, opts)
	require.NoError(t, err)

	assert.Len(t, res.Steps, 180)
	assert.True(t, res.Safe, "rate %.3f m/h, warnings: %v", res.MaxLevelRate, res.Warnings)
	assert.Less(t, res.MaxLevelRate, MaxLevelRateMH)

	require.NotNil(t, res.Final)
	assert.True(t, res.Final.Converged)
	assert.InDelta(t, 2.0, res.Final.State.GateFlows["G-1"], 0.05)
}

func TestSimulateGateChange_DurationFromActuator(t *testing.T) {
	opts := DefaultOptions().WithTolerance(1e-5)
	net := settledSingleGateNetwork(t, opts)

	// 0.1 доли в минуту: ход 0.5→0.4 занимает минуту, шесть шагов по 10 с
	net.Gates["G-1"].Automated = &hydro.AutomatedControl{ScadaTag: "G1", ActuatorRate: 0.1}

	res, err := SimulateGateChange(context.Background(), net, "G-1", 0.4, 0, opts)
	require.NoError(t, err)
	assert.Len(t, res.Steps, 6)
}

func TestSimulateGateChange_Validation(t *testing.T) {
	net := singleGateNetwork()

	_, err := SimulateGateChange(context.Background(), nil, "G-1", 0.5, time.Minute, nil)
	assert.Error(t, err)

	_, err = SimulateGateChange(context.Background(), net, "G-404", 0.5, time.Minute, nil)
	assert.Error(t, err)

	_, err = SimulateGateChange(context.Background(), net, "G-1", 1.5, time.Minute, nil)
	assert.Error(t, err)
}
