package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronet/pkg/hydro"
)

type fakeProber struct {
	mu      sync.Mutex
	results map[string]ProbeResult
	fail    map[string]bool
	probes  int
}

func (f *fakeProber) ProbeGate(_ context.Context, tag string) (ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.probes++
	if f.fail[tag] {
		return ProbeResult{}, errors.New("scada timeout")
	}
	return f.results[tag], nil
}

func TestHealthMonitor_SweepUpdatesTelemetry(t *testing.T) {
	r := newTestRegistry(t)
	prober := &fakeProber{
		results: map[string]ProbeResult{
			"EAST-01": {Position: 0.42, Status: hydro.StatusOperational},
		},
	}
	mon := NewHealthMonitor(r, prober, nil, testLogger(), time.Second, time.Second)

	r.UpdateOpening("G-A", 0.42, true)
	mon.Sweep(context.Background())

	g, ok := r.Get("G-A")
	require.True(t, ok)
	assert.Equal(t, hydro.ModeAuto, g.Mode)
	assert.Zero(t, g.CommFailures)
	assert.InDelta(t, 0.42, g.Automated.ReportedPos, 1e-9)
	assert.False(t, g.Automated.LastContactAt.IsZero())

	// Ручной затвор без тега SCADA не опрашивается
	assert.Equal(t, 1, prober.probes)
}

func TestHealthMonitor_RepeatedFailuresFallBackToManual(t *testing.T) {
	r := newTestRegistry(t)
	prober := &fakeProber{fail: map[string]bool{"EAST-01": true}}
	mon := NewHealthMonitor(r, prober, nil, testLogger(), time.Second, time.Second)

	ctx := context.Background()
	for range 3 {
		mon.Sweep(ctx)
	}

	mode, _ := r.Mode("G-A")
	assert.Equal(t, hydro.ModeManual, mode)

	// Восстановление связи обнуляет счётчик, но режим не возвращается сам
	prober.mu.Lock()
	prober.fail["EAST-01"] = false
	prober.results = map[string]ProbeResult{"EAST-01": {Position: 0, Status: hydro.StatusOperational}}
	prober.mu.Unlock()

	mon.Sweep(ctx)

	g, _ := r.Get("G-A")
	assert.Equal(t, hydro.ModeManual, g.Mode, "recovery requires the operator approval path")
	assert.Zero(t, g.CommFailures)
}

func TestHealthMonitor_FaultStatusForcesFailed(t *testing.T) {
	r := newTestRegistry(t)
	prober := &fakeProber{
		results: map[string]ProbeResult{
			"EAST-01": {Position: 0, Status: hydro.StatusFault},
		},
	}
	mon := NewHealthMonitor(r, prober, nil, testLogger(), time.Second, time.Second)

	mon.Sweep(context.Background())

	mode, _ := r.Mode("G-A")
	assert.Equal(t, hydro.ModeFailed, mode)
}

func TestHealthMonitor_RunStopsOnCancel(t *testing.T) {
	r := newTestRegistry(t)
	prober := &fakeProber{results: map[string]ProbeResult{"EAST-01": {}}}
	mon := NewHealthMonitor(r, prober, nil, testLogger(), 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := mon.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
