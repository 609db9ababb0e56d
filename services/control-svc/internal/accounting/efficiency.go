package accounting

import (
	"math"

	"hydronet/pkg/hydro"
)

// Performance score weights.
const (
	perfConveyanceWeight  = 0.4
	perfApplicationWeight = 0.4
	perfUniformityWeight  = 0.2
)

// Uniformity is the distribution uniformity coefficient 1 − σ/μ over the
// inflow volumes of a zone's deliveries, bounded to [0, 1].
func Uniformity(volumes []float64) float64 {
	if len(volumes) == 0 {
		return 0
	}
	if len(volumes) == 1 {
		return 1
	}

	var sum float64
	for _, v := range volumes {
		sum += v
	}
	mean := sum / float64(len(volumes))
	if mean <= 0 {
		return 0
	}

	var sq float64
	for _, v := range volumes {
		sq += (v - mean) * (v - mean)
	}
	sigma := math.Sqrt(sq / float64(len(volumes)))
	return hydro.Clip(1-sigma/mean, 0, 1)
}

// Timeliness scores how close the actual start was to the scheduled window:
// 1 for an on-time start, degrading linearly with lateness relative to the
// window length.
func Timeliness(d *hydro.Delivery) float64 {
	if d == nil || d.ActualStart.IsZero() || d.ScheduledStart.IsZero() {
		return 1
	}
	window := d.ScheduledEnd.Sub(d.ScheduledStart)
	if window <= 0 {
		return 1
	}
	late := d.ActualStart.Sub(d.ScheduledStart)
	if late <= 0 {
		return 1
	}
	return hydro.Clip(1-late.Seconds()/window.Seconds(), 0, 1)
}

// BuildEfficiency assembles the efficiency record of a completed delivery.
//
// Conveyance is section inflow over gate outflow. Application is consumed
// over applied and is reported only when field data is present; without it
// the overall efficiency equals the conveyance. The limiting factor is the
// smaller of the two terms.
func BuildEfficiency(d *hydro.Delivery, outflow, inflow, applied, consumed, uniformity float64) *hydro.EfficiencyRecord {
	rec := &hydro.EfficiencyRecord{
		DeliveryID: d.ID,
		Zone:       d.Zone,
		Week:       d.Week,
		Uniformity: uniformity,
		Timeliness: Timeliness(d),
	}

	if outflow > 0 {
		rec.Conveyance = hydro.Clip(inflow/outflow, 0, 1)
	}
	if applied > 0 {
		rec.Application = hydro.Clip(consumed/applied, 0, 1)
	}

	appTerm := rec.Conveyance
	if rec.Application > 0 {
		appTerm = rec.Application
		rec.Overall = rec.Conveyance * rec.Application
		if rec.Application < rec.Conveyance {
			rec.Limiting = "application"
		} else {
			rec.Limiting = "conveyance"
		}
	} else {
		rec.Overall = rec.Conveyance
		rec.Limiting = "conveyance"
	}

	rec.Performance = perfConveyanceWeight*rec.Conveyance +
		perfApplicationWeight*appTerm +
		perfUniformityWeight*rec.Uniformity
	rec.Class = hydro.ClassifyEfficiency(rec.Conveyance)
	return rec
}
