package accounting

import (
	"math"
	"time"

	"github.com/google/uuid"

	"hydronet/pkg/hydro"
)

// Yield impact parameters.
const (
	yieldBaseShare = 0.5 // доля урона на единицу недоподачи
	yieldImpactCap = 0.5
	timingCritical = 1.3 // множитель в критические недели вегетации
)

// Carry-forward priority weights.
const (
	priorityVolumeWeight = 0.4
	priorityVolumeScale  = 1000.0 // м³ на балл объёмной составляющей
	priorityAgeWeight    = 30.0
	priorityCap          = 100.0
)

func stressMultiplier(s hydro.StressLevel) float64 {
	switch s {
	case hydro.StressMild:
		return 0.8
	case hydro.StressModerate:
		return 1.2
	case hydro.StressSevere:
		return 1.5
	default:
		return 0
	}
}

// NewDeficitRecord builds the weekly deficit record of a zone.
//
// A zero deficit always yields stress "none" and zero yield impact. The
// timing multiplier applies when the ISO week is listed as critical for the
// crop calendar.
func NewDeficitRecord(zone string, week hydro.Week, target, delivered float64, criticalWeeks []int) hydro.DeficitRecord {
	rec := hydro.DeficitRecord{
		ID:        uuid.NewString(),
		Zone:      zone,
		Week:      week,
		Target:    target,
		Delivered: delivered,
		CreatedAt: time.Now().UTC(),
	}

	rec.Deficit = math.Max(target-delivered, 0)
	if target > 0 {
		rec.DeficitPct = rec.Deficit / target
	}
	rec.Stress = hydro.ClassifyDeficit(rec.DeficitPct)
	if rec.Stress == hydro.StressNone {
		return rec
	}

	timing := 1.0
	for _, w := range criticalWeeks {
		if w == week.Week {
			timing = timingCritical
			break
		}
	}
	rec.YieldImpact = math.Min(rec.DeficitPct*yieldBaseShare*stressMultiplier(rec.Stress)*timing, yieldImpactCap)
	return rec
}

// AdvanceCarryForward rolls a zone's carry-forward window to the record's
// week: entries that aged out of the window are dropped (and returned for
// logging), the new record is appended when it carries a deficit, and the
// totals, the age-weighted stress aggregate and the priority score are
// recomputed.
func AdvanceCarryForward(cf *hydro.CarryForward, rec hydro.DeficitRecord, windowWeeks int) []hydro.DeficitRecord {
	if windowWeeks <= 0 {
		windowWeeks = 4
	}
	cf.AsOf = rec.Week
	cf.UpdatedAt = time.Now().UTC()

	var dropped []hydro.DeficitRecord
	kept := cf.Entries[:0]
	for _, e := range cf.Entries {
		if rec.Week.Sub(e.Week) >= windowWeeks {
			dropped = append(dropped, e)
			continue
		}
		kept = append(kept, e)
	}
	cf.Entries = kept

	if rec.Deficit > hydro.Epsilon {
		cf.Entries = append(cf.Entries, rec)
	}

	cf.Total, cf.Weighted = 0, 0
	cf.MaxAgeWeeks = 0
	var ordSum, weightSum float64
	for _, e := range cf.Entries {
		age := rec.Week.Sub(e.Week)
		if age > cf.MaxAgeWeeks {
			cf.MaxAgeWeeks = age
		}
		w := 1 + float64(age)/float64(windowWeeks)
		cf.Total += e.Deficit
		cf.Weighted += e.Deficit * w
		ordSum += e.Stress.Ordinal() * w * e.Deficit
		weightSum += w * e.Deficit
	}

	if weightSum > 0 {
		cf.Stress = hydro.StressFromOrdinal(ordSum / weightSum)
	} else {
		cf.Stress = hydro.StressNone
	}

	cf.Priority = math.Min(
		priorityVolumeWeight*math.Min(cf.Total/priorityVolumeScale, 100)+
			priorityAgeWeight*float64(cf.MaxAgeWeeks)/float64(windowWeeks)+
			cf.Stress.Score(),
		priorityCap)
	return dropped
}

// RecoveryPlan schedules makeup water for a zone's accumulated deficit.
type RecoveryPlan struct {
	Zone         string  `json:"zone"`
	WeeklyVolume float64 `json:"weekly_volume"` // м³ в неделю
	WeeksNeeded  int     `json:"weeks_needed"`
	Horizon      int     `json:"horizon"` // плановый горизонт, недель
	FullRecovery bool    `json:"full_recovery"`
	Remaining    float64 `json:"remaining"` // м³ сверх горизонта
}

// Recovery distributes min(total/horizon, capacity) per week until the
// carried deficit is exhausted and reports whether full recovery fits the
// horizon.
func Recovery(cf *hydro.CarryForward, capacityM3 float64, horizonWeeks int) RecoveryPlan {
	plan := RecoveryPlan{Zone: cf.Zone, Horizon: horizonWeeks, FullRecovery: true}
	if cf.Total <= hydro.Epsilon || horizonWeeks <= 0 {
		return plan
	}

	plan.WeeklyVolume = math.Min(cf.Total/float64(horizonWeeks), capacityM3)
	if plan.WeeklyVolume <= 0 {
		plan.FullRecovery = false
		plan.Remaining = cf.Total
		return plan
	}

	plan.WeeksNeeded = int(math.Ceil(cf.Total / plan.WeeklyVolume))
	if plan.WeeksNeeded > horizonWeeks {
		plan.FullRecovery = false
		plan.Remaining = cf.Total - plan.WeeklyVolume*float64(horizonWeeks)
	}
	return plan
}
