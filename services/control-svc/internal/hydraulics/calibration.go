package hydraulics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"hydronet/pkg/hydro"
)

// Observation pairs measured hydraulic conditions with a measured discharge.
type Observation struct {
	Conditions Conditions
	QMeasured  float64 // m³/s
	MeasuredAt time.Time
}

// ValidationReport summarizes how well a gate's calibration predicts
// measured discharges.
type ValidationReport struct {
	Samples       int
	MeanRelError  float64 // mean |Q_pred − Q_meas| / Q_meas
	MaxRelError   float64
	RMSE          float64 // m³/s
	WithinPercent float64 // fraction of samples with relative error ≤ 5%
}

// Acceptable reports whether the calibration predicts within tolerance:
// mean relative error ≤ 10% and at least half the samples within 5%.
func (r ValidationReport) Acceptable() bool {
	return r.Samples > 0 && r.MeanRelError <= 0.10 && r.WithinPercent >= 0.5
}

// ValidateCalibration compares predicted against measured discharge over a
// set of observations. Observations with non-positive measured discharge are
// skipped.
func ValidateCalibration(g *hydro.Gate, obs []Observation) (ValidationReport, error) {
	if g == nil {
		return ValidationReport{}, fmt.Errorf("failed to validate calibration: gate is nil")
	}

	var report ValidationReport
	var sumRel, sumSq float64
	within := 0

	for _, o := range obs {
		if o.QMeasured <= 0 {
			continue
		}
		pred := GateFlow(g, o.Conditions, Limits{})
		rel := math.Abs(pred.Q-o.QMeasured) / o.QMeasured
		sumRel += rel
		sumSq += (pred.Q - o.QMeasured) * (pred.Q - o.QMeasured)
		if rel > report.MaxRelError {
			report.MaxRelError = rel
		}
		if rel <= 0.05 {
			within++
		}
		report.Samples++
	}

	if report.Samples == 0 {
		return report, fmt.Errorf("failed to validate calibration for gate %s: no usable observations", g.ID)
	}

	report.MeanRelError = sumRel / float64(report.Samples)
	report.RMSE = math.Sqrt(sumSq / float64(report.Samples))
	report.WithinPercent = float64(within) / float64(report.Samples)
	return report, nil
}

// SuggestCalibration fits K1 and K2 to the observations by linear least
// squares in log space and returns a bounded calibration.
//
// The discharge model Q = K1·(Hs/Go)^K2 · L·Hs·√(2g·ΔH) is linear in
// ln K1 and K2 after dividing out the geometric factor, so the fit reduces
// to a simple regression of ln(Q/geom) on ln(Hs/Go). Only free-flow
// observations with positive head differential contribute.
func SuggestCalibration(g *hydro.Gate, obs []Observation) (hydro.Calibration, error) {
	if g == nil {
		return hydro.Calibration{}, fmt.Errorf("failed to suggest calibration: gate is nil")
	}

	var xs, ys []float64
	for _, o := range obs {
		if o.QMeasured <= 0 {
			continue
		}
		opening := o.Conditions.Opening
		if opening < 0 {
			opening = g.Opening
		}
		hs := hydro.Clip(opening, 0, 1) * g.MaxOpening
		hu := o.Conditions.HUp - g.SillElev
		dh := hu - hs/2
		if hs <= hydro.Epsilon || dh <= 0 {
			continue
		}
		geom := g.Width * hs * math.Sqrt(2*hydro.Gravity*dh)
		if geom <= hydro.Epsilon {
			continue
		}
		xs = append(xs, math.Log(hs/g.MaxOpening))
		ys = append(ys, math.Log(o.QMeasured/geom))
	}

	if len(xs) < 2 {
		return hydro.Calibration{}, fmt.Errorf("failed to suggest calibration for gate %s: need at least 2 usable observations, have %d", g.ID, len(xs))
	}

	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}

	denom := n*sxx - sx*sx
	var k2, lnK1 float64
	if math.Abs(denom) < hydro.Epsilon {
		// Все наблюдения при одном открытии: K2 не определяется, оставляем текущий
		k2 = g.Calibration.K2
		lnK1 = sy/n - k2*(sx/n)
	} else {
		k2 = (n*sxy - sx*sy) / denom
		lnK1 = (sy - k2*sx) / n
	}

	cal := hydro.Calibration{
		K1:           hydro.Clip(math.Exp(lnK1), hydro.CalibrationK1Min, hydro.CalibrationK1Max),
		K2:           hydro.Clip(k2, hydro.CalibrationK2Min, hydro.CalibrationK2Max),
		Source:       hydro.CalibrationMeasured,
		CalibratedAt: time.Now(),
	}

	// Достоверность по качеству подгонки
	fitted := g.Clone()
	fitted.Calibration = cal
	if report, err := ValidateCalibration(fitted, obs); err == nil {
		cal.Confidence = hydro.Clip(1-report.MeanRelError, 0, 1)
	} else {
		cal.Confidence = 0.5
	}

	return cal, nil
}

// InheritCalibration picks the most similar calibrated gate of the same type
// and returns its calibration with confidence reduced to 70% and source set
// to inherited. Similarity is scored by relative differences in span width
// and maximum opening.
func InheritCalibration(target *hydro.Gate, candidates []*hydro.Gate) (hydro.Calibration, error) {
	if target == nil {
		return hydro.Calibration{}, fmt.Errorf("failed to inherit calibration: gate is nil")
	}

	type scored struct {
		gate    *hydro.Gate
		penalty float64
	}
	var pool []scored
	for _, c := range candidates {
		if c == nil || c.ID == target.ID || c.Type != target.Type {
			continue
		}
		if c.Calibration.Source == hydro.CalibrationDefault || c.Calibration.Confidence <= 0 {
			continue
		}
		penalty := math.Abs(c.Width-target.Width)/math.Max(target.Width, hydro.Epsilon) +
			math.Abs(c.MaxOpening-target.MaxOpening)/math.Max(target.MaxOpening, hydro.Epsilon)
		pool = append(pool, scored{gate: c, penalty: penalty})
	}

	if len(pool) == 0 {
		return hydro.Calibration{}, fmt.Errorf("failed to inherit calibration for gate %s: no similar calibrated gate", target.ID)
	}

	sort.Slice(pool, func(i, j int) bool { return pool[i].penalty < pool[j].penalty })
	best := pool[0].gate

	cal := best.Calibration
	cal.Confidence *= 0.7
	cal.Source = hydro.CalibrationInherited
	cal.CalibratedAt = time.Now()
	return cal, nil
}
