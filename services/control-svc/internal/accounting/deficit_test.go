package accounting

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"hydronet/pkg/hydro"
)

func week26(w int) hydro.Week {
	return hydro.Week{Year: 2026, Week: w}
}

func TestNewDeficitRecord_Boundaries(t *testing.T) {
	// Граница относится к нижнему классу
	cases := []struct {
		delivered float64
		stress    hydro.StressLevel
	}{
		{1000, hydro.StressNone},
		{900, hydro.StressMild},     // ровно 10%
		{800, hydro.StressModerate}, // ровно 20%
		{799.9, hydro.StressSevere}, // 20.01%
	}
	for _, tc := range cases {
		rec := NewDeficitRecord("Z-EAST", week26(20), 1000, tc.delivered, nil)
		assert.Equal(t, tc.stress, rec.Stress, "delivered %.1f", tc.delivered)
	}

	// Нулевой дефицит не даёт ни стресса, ни урона урожайности
	rec := NewDeficitRecord("Z-EAST", week26(20), 1000, 1200, nil)
	assert.Zero(t, rec.Deficit)
	assert.Equal(t, hydro.StressNone, rec.Stress)
	assert.Zero(t, rec.YieldImpact)
}

func TestNewDeficitRecord_YieldImpact(t *testing.T) {
	// 20% дефицит, умеренный стресс: 0.2 · 0.5 · 1.2
	rec := NewDeficitRecord("Z-EAST", week26(20), 1000, 800, nil)
	assert.InDelta(t, 0.12, rec.YieldImpact, 1e-9)

	// Критическая неделя вегетации добавляет множитель 1.3
	rec = NewDeficitRecord("Z-EAST", week26(20), 1000, 800, []int{20})
	assert.InDelta(t, 0.156, rec.YieldImpact, 1e-9)

	// Урон ограничен половиной урожая
	rec = NewDeficitRecord("Z-EAST", week26(20), 1000, 100, []int{20})
	assert.InDelta(t, 0.5, rec.YieldImpact, 1e-9)
}

// Четыре недели: подано 800, 900, 1000, 700 из плановой тысячи.
func TestCarryForward_FourWeekWindow(t *testing.T) {
	cf := &hydro.CarryForward{Zone: "Z-EAST"}
	delivered := []float64{800, 900, 1000, 700}

	for i, v := range delivered {
		rec := NewDeficitRecord("Z-EAST", week26(20+i), 1000, v, nil)
		AdvanceCarryForward(cf, rec, 4)
	}

	// Бездефицитная неделя в окно не попадает
	assert.Len(t, cf.Entries, 3)
	assert.InDelta(t, 600, cf.Total, 1e-9)
	assert.Equal(t, 3, cf.MaxAgeWeeks)

	// Возрастные веса: 200·1.75 + 100·1.5 + 300·1
	assert.InDelta(t, 800, cf.Weighted, 1e-9)
	assert.Equal(t, hydro.StressModerate, cf.Stress)

	// 0.4·0.6 + 30·(3/4) + 20
	assert.InDelta(t, 42.74, cf.Priority, 0.01)
	assert.GreaterOrEqual(t, cf.Priority, 32.5)
}

func TestCarryForward_AgesOut(t *testing.T) {
	cf := &hydro.CarryForward{Zone: "Z-EAST"}
	for i, v := range []float64{800, 900, 1000, 700} {
		AdvanceCarryForward(cf, NewDeficitRecord("Z-EAST", week26(20+i), 1000, v, nil), 4)
	}

	// Пятая неделя без дефицита: первая запись стареет и выпадает
	dropped := AdvanceCarryForward(cf, NewDeficitRecord("Z-EAST", week26(24), 1000, 1000, nil), 4)
	assert.Len(t, dropped, 1)
	assert.Equal(t, week26(20), dropped[0].Week)
	assert.InDelta(t, 400, cf.Total, 1e-9)

	// Всякая оставшаяся запись не старше окна
	for _, e := range cf.Entries {
		assert.LessOrEqual(t, cf.AsOf.Sub(e.Week), 4)
	}
}

func TestRecovery(t *testing.T) {
	cf := &hydro.CarryForward{Zone: "Z-EAST", Total: 600}

	// Пропускной способности не хватает на горизонт
	plan := Recovery(cf, 100, 4)
	assert.InDelta(t, 100, plan.WeeklyVolume, 1e-9)
	assert.Equal(t, 6, plan.WeeksNeeded)
	assert.False(t, plan.FullRecovery)
	assert.InDelta(t, 200, plan.Remaining, 1e-9)

	// Достаточный резерв закрывает перенос в горизонте
	plan = Recovery(cf, 200, 4)
	assert.InDelta(t, 150, plan.WeeklyVolume, 1e-9)
	assert.Equal(t, 4, plan.WeeksNeeded)
	assert.True(t, plan.FullRecovery)

	// Пустой перенос не требует плана
	plan = Recovery(&hydro.CarryForward{Zone: "Z-EAST"}, 100, 4)
	assert.True(t, plan.FullRecovery)
	assert.Zero(t, plan.WeeklyVolume)
}
