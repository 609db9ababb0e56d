package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hydronet/pkg/hydro"
)

// SolveCache специализированный кэш для результатов гидравлического решателя
type SolveCache struct {
	cache      Cache
	defaultTTL time.Duration
}

// CachedSolveResult кэшированный результат расчёта установившегося режима
type CachedSolveResult struct {
	State      *hydro.HydraulicState `json:"state"`
	Converged  bool                  `json:"converged"`
	Iterations int                   `json:"iterations"`
	ComputedAt time.Time             `json:"computed_at"`
}

// NewSolveCache создаёт кэш для результатов решателя
func NewSolveCache(cache Cache, defaultTTL time.Duration) *SolveCache {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &SolveCache{
		cache:      cache,
		defaultTTL: defaultTTL,
	}
}

// Get получает кэшированный результат
func (sc *SolveCache) Get(ctx context.Context, net *hydro.Network, demands []hydro.ZoneDemand) (*CachedSolveResult, bool, error) {
	key := sc.key(net, demands)

	data, err := sc.cache.Get(ctx, key)
	if err != nil {
		if err == ErrKeyNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}

	var result CachedSolveResult
	if err := json.Unmarshal(data, &result); err != nil {
		// Повреждённый кэш — удаляем, ошибку удаления игнорируем намеренно
		_ = sc.cache.Delete(ctx, key) //nolint:errcheck // best effort cleanup
		return nil, false, nil
	}

	return &result, true, nil
}

// Set сохраняет результат в кэш.
// Несошедшиеся результаты не кэшируются: повторный запрос должен пересчитываться.
func (sc *SolveCache) Set(ctx context.Context, net *hydro.Network, demands []hydro.ZoneDemand, state *hydro.HydraulicState, ttl time.Duration) error {
	if state == nil || !state.Converged {
		return nil
	}
	if ttl <= 0 {
		ttl = sc.defaultTTL
	}

	result := &CachedSolveResult{
		State:      state,
		Converged:  state.Converged,
		Iterations: state.Iterations,
		ComputedAt: time.Now(),
	}

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	return sc.cache.Set(ctx, sc.key(net, demands), data, ttl)
}

// Invalidate удаляет кэш для сети (все наборы заявок)
func (sc *SolveCache) Invalidate(ctx context.Context, net *hydro.Network) error {
	pattern := fmt.Sprintf("solve:%s*", NetworkHash(net))
	_, err := sc.cache.DeleteByPattern(ctx, pattern)
	return err
}

// InvalidateAll удаляет весь кэш результатов решателя
func (sc *SolveCache) InvalidateAll(ctx context.Context) (int64, error) {
	return sc.cache.DeleteByPattern(ctx, "solve:*")
}

func (sc *SolveCache) key(net *hydro.Network, demands []hydro.ZoneDemand) string {
	return BuildSolveKeyWithDemands(NetworkHash(net), DemandsHash(demands))
}
