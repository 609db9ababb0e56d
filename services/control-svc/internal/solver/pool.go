package solver

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"hydronet/pkg/apperror"
	"hydronet/pkg/cache"
	"hydronet/pkg/hydro"
)

// Pool bounds concurrent solves and deduplicates repeated ones through the
// shared solve cache. Each solve works on a private network snapshot, so a
// single Pool is safe for concurrent use.
type Pool struct {
	sem    chan struct{}
	solves *cache.SolveCache
}

// Scenario is one entry of a batch solve.
type Scenario struct {
	Name     string
	Settings []hydro.GateSetting
	Demands  []hydro.ZoneDemand
}

// NewPool creates a solve pool. Zero or negative workers means one worker
// per CPU. The solve cache is optional.
func NewPool(workers int, solves *cache.SolveCache) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pool{
		sem:    make(chan struct{}, workers),
		solves: solves,
	}
}

// Workers returns the concurrency limit.
func (p *Pool) Workers() int { return cap(p.sem) }

func (p *Pool) acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperror.Wrap(ctx.Err(), apperror.CodeTimeout, "waiting for solver worker")
	}
}

func (p *Pool) release() { <-p.sem }

// Solve runs a steady-state solve on a snapshot of net with the given gate
// settings and demand overrides. The second return reports a cache hit.
//
// Only converged results are cached; the cache key covers topology, gate
// openings and demands, so a stale hit cannot occur without a network change.
func (p *Pool) Solve(ctx context.Context, net *hydro.Network, settings []hydro.GateSetting, demands []hydro.ZoneDemand, opts *Options) (*Result, bool, error) {
	if net == nil {
		return nil, false, apperror.ErrNilNetwork
	}
	if err := p.acquire(ctx); err != nil {
		return nil, false, err
	}
	defer p.release()

	snap := net.Snapshot()
	for _, st := range settings {
		if g, ok := snap.Gates[st.GateID]; ok {
			g.SetOpening(st.Opening)
		}
	}

	if p.solves != nil {
		if hit, ok, err := p.solves.Get(ctx, snap, demands); err == nil && ok {
			return resultFromState(hit.State), true, nil
		}
	}

	res, err := SteadyState(ctx, snap, nil, demands, opts)
	if err != nil {
		return res, false, err
	}

	if p.solves != nil && res.Converged {
		// Ошибка записи в кэш не влияет на результат расчёта
		_ = p.solves.Set(ctx, snap, demands, res.State, 0)
	}
	return res, false, nil
}

// BatchSolve evaluates scenarios concurrently, each on its own snapshot.
// Results are index-aligned with scenarios. The first solve error cancels
// the remaining work.
func (p *Pool) BatchSolve(ctx context.Context, net *hydro.Network, scenarios []Scenario, opts *Options) ([]*Result, error) {
	if net == nil {
		return nil, apperror.ErrNilNetwork
	}

	results := make([]*Result, len(scenarios))
	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range scenarios {
		g.Go(func() error {
			res, _, err := p.Solve(gctx, net, sc.Settings, sc.Demands, opts)
			if err != nil {
				return fmt.Errorf("failed to solve scenario %q: %w", sc.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// SimulateChange runs a gate-transition simulation under the pool's
// concurrency limit, on a private snapshot.
func (p *Pool) SimulateChange(ctx context.Context, net *hydro.Network, gateID string, target float64, transition time.Duration, opts *Options) (*SimulationResult, error) {
	if net == nil {
		return nil, apperror.ErrNilNetwork
	}
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	return SimulateGateChange(ctx, net.Snapshot(), gateID, target, transition, opts)
}

// resultFromState rebuilds a Result from a cached state.
func resultFromState(st *hydro.HydraulicState) *Result {
	return &Result{
		State:         st,
		Converged:     st.Converged,
		Iterations:    st.Iterations,
		MaxLevelDelta: st.MaxLevelDelta,
		MassResidual:  st.MassResidual,
		TotalInflow:   st.TotalInflow,
		Warnings:      st.Warnings,
	}
}
