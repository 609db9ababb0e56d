package cache

import (
	"context"
	"testing"
	"time"

	"hydronet/pkg/hydro"
)

func newTestSolveCache(t *testing.T) *SolveCache {
	t.Helper()
	mem := NewMemoryCache(DefaultOptions())
	t.Cleanup(func() { _ = mem.Close() })
	return NewSolveCache(mem, time.Minute)
}

func convergedState() *hydro.HydraulicState {
	st := hydro.NewHydraulicState()
	st.Levels["n1"] = 215.8
	st.GateFlows["g1"] = 2.0
	st.SectionFlows["c1"] = 2.0
	st.Converged = true
	st.Iterations = 12
	return st
}

func TestSolveCache_SetGet(t *testing.T) {
	sc := newTestSolveCache(t)
	ctx := context.Background()
	net := buildTestNetwork()

	state := convergedState()
	if err := sc.Set(ctx, net, nil, state, 0); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	got, ok, err := sc.Get(ctx, net, nil)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Iterations != 12 || !got.Converged {
		t.Errorf("unexpected cached result: %+v", got)
	}
	if got.State.Levels["n1"] != 215.8 {
		t.Errorf("expected cached level 215.8, got %g", got.State.Levels["n1"])
	}
}

func TestSolveCache_Miss(t *testing.T) {
	sc := newTestSolveCache(t)

	_, ok, err := sc.Get(context.Background(), buildTestNetwork(), nil)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if ok {
		t.Error("expected cache miss on empty cache")
	}
}

func TestSolveCache_SkipsNonConverged(t *testing.T) {
	sc := newTestSolveCache(t)
	ctx := context.Background()
	net := buildTestNetwork()

	state := convergedState()
	state.Converged = false

	if err := sc.Set(ctx, net, nil, state, 0); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	if _, ok, _ := sc.Get(ctx, net, nil); ok {
		t.Error("non-converged state must not be cached")
	}
}

func TestSolveCache_DemandsDistinguishKeys(t *testing.T) {
	sc := newTestSolveCache(t)
	ctx := context.Background()
	net := buildTestNetwork()

	demandsA := []hydro.ZoneDemand{{Zone: "Z1", NodeID: "n1", Flow: 2, Priority: 1}}
	demandsB := []hydro.ZoneDemand{{Zone: "Z1", NodeID: "n1", Flow: 3, Priority: 1}}

	if err := sc.Set(ctx, net, demandsA, convergedState(), 0); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	if _, ok, _ := sc.Get(ctx, net, demandsB); ok {
		t.Error("different demands must not share a cache entry")
	}
	if _, ok, _ := sc.Get(ctx, net, demandsA); !ok {
		t.Error("expected hit for the original demands")
	}
}

func TestSolveCache_Invalidate(t *testing.T) {
	sc := newTestSolveCache(t)
	ctx := context.Background()
	net := buildTestNetwork()

	if err := sc.Set(ctx, net, nil, convergedState(), 0); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	if err := sc.Invalidate(ctx, net); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}

	if _, ok, _ := sc.Get(ctx, net, nil); ok {
		t.Error("expected miss after invalidation")
	}
}

func TestSolveCache_InvalidateAll(t *testing.T) {
	sc := newTestSolveCache(t)
	ctx := context.Background()
	net := buildTestNetwork()

	_ = sc.Set(ctx, net, nil, convergedState(), 0)

	deleted, err := sc.InvalidateAll(ctx)
	if err != nil {
		t.Fatalf("InvalidateAll() error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted entry, got %d", deleted)
	}
}
