package accounting

import (
	"fmt"
	"math"
	"sort"
	"time"

	"hydronet/pkg/apperror"
	"hydronet/pkg/hydro"
)

// Method selects the numerical scheme used to turn a flow trace into a
// volume.
type Method string

const (
	// MethodTrapezoid is the default scheme and is exact for piecewise
	// linear hydrographs.
	MethodTrapezoid Method = "trapezoid"

	// MethodSimpson requires an odd sample count on a uniform grid.
	// When either precondition fails the integration falls back to the
	// trapezoid rule over the full series; the last point is never
	// dropped to force an odd count.
	MethodSimpson Method = "simpson"

	// MethodRectangular is the left rectangle rule, kept for
	// cross-checking against legacy meter totals.
	MethodRectangular Method = "rectangular"
)

// Trace validation deductions.
const (
	structuralDeduction = 0.2 // за каждый структурный дефект ряда
	outlierFactor       = 0.9 // множитель при наличии выбросов по IQR
	gapMedianFactor     = 3.0 // разрыв длиннее 3 медианных шагов
)

// TraceCheck is the data-quality verdict for a flow trace.
type TraceCheck struct {
	Quality      float64       // [0..1]
	Issues       []string      // человекочитаемые дефекты ряда
	Samples      int
	Duration     time.Duration
	MeanInterval time.Duration
}

// CumulativePoint is a point of the cumulative volume curve.
type CumulativePoint struct {
	Offset time.Duration `json:"offset"`
	Volume float64       `json:"volume"` // м³ с начала гидрографа
}

// Integration is the volume computed from a flow trace together with the
// scheme actually applied and the trace quality verdict.
type Integration struct {
	Volume     float64 // м³
	Method     Method  // фактически применённая схема
	Duration   time.Duration
	MeanFlow   float64 // м³/с
	Cumulative []CumulativePoint
	Check      TraceCheck
}

// ValidateTrace scores a flow trace in [0, 1].
//
// Each structural issue (insufficient samples, negative flows, gaps longer
// than three median intervals) deducts 0.2; IQR outliers multiply the
// remainder by 0.9. The score never goes below zero.
func ValidateTrace(points []hydro.TracePoint) TraceCheck {
	pts := sortedPoints(points)
	check := TraceCheck{Quality: 1.0, Samples: len(pts)}

	if len(pts) < 2 {
		check.Quality -= structuralDeduction
		check.Issues = append(check.Issues, "insufficient samples")
		if check.Quality < 0 {
			check.Quality = 0
		}
		return check
	}

	check.Duration = pts[len(pts)-1].T.Sub(pts[0].T)
	check.MeanInterval = check.Duration / time.Duration(len(pts)-1)

	negative := false
	for _, p := range pts {
		if p.Q < 0 {
			negative = true
			break
		}
	}
	if negative {
		check.Quality -= structuralDeduction
		check.Issues = append(check.Issues, "negative flow values")
	}

	if hasLongGap(pts) {
		check.Quality -= structuralDeduction
		check.Issues = append(check.Issues, "gaps exceed 3x median interval")
	}

	if hasIQROutliers(pts) {
		check.Quality *= outlierFactor
		check.Issues = append(check.Issues, "flow outliers outside 1.5 IQR")
	}

	if check.Quality < 0 {
		check.Quality = 0
	}
	return check
}

// Integrate computes the delivered volume of a flow trace.
//
// Points are stably sorted by time first, so series that differ only in the
// order of identical timestamps integrate to the same volume. The cumulative
// curve is sampled every `every` (default one hour) plus a closing point at
// the trace end.
func Integrate(points []hydro.TracePoint, method Method, every time.Duration) (*Integration, error) {
	pts := sortedPoints(points)
	if len(pts) < 2 {
		return nil, apperror.New(apperror.CodeTraceInvalid, "flow trace needs at least two samples")
	}

	check := ValidateTrace(pts)
	applied := method

	var volume float64
	switch method {
	case MethodSimpson:
		if v, ok := simpson(pts); ok {
			volume = v
		} else {
			volume = trapezoid(pts)
			applied = MethodTrapezoid
		}
	case MethodRectangular:
		volume = rectangular(pts)
	case MethodTrapezoid, "":
		volume = trapezoid(pts)
		applied = MethodTrapezoid
	default:
		return nil, apperror.New(apperror.CodeInvalidInput, fmt.Sprintf("unknown integration method %q", method))
	}

	dur := pts[len(pts)-1].T.Sub(pts[0].T)
	res := &Integration{
		Volume:     volume,
		Method:     applied,
		Duration:   dur,
		Cumulative: cumulative(pts, every),
		Check:      check,
	}
	if dur > 0 {
		res.MeanFlow = volume / dur.Seconds()
	}
	return res, nil
}

func sortedPoints(points []hydro.TracePoint) []hydro.TracePoint {
	pts := make([]hydro.TracePoint, len(points))
	copy(pts, points)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].T.Before(pts[j].T) })
	return pts
}

func trapezoid(pts []hydro.TracePoint) float64 {
	var v float64
	for i := 1; i < len(pts); i++ {
		dt := pts[i].T.Sub(pts[i-1].T).Seconds()
		v += (pts[i-1].Q + pts[i].Q) / 2 * dt
	}
	return v
}

func rectangular(pts []hydro.TracePoint) float64 {
	var v float64
	for i := 1; i < len(pts); i++ {
		dt := pts[i].T.Sub(pts[i-1].T).Seconds()
		v += pts[i-1].Q * dt
	}
	return v
}

// simpson applies the composite Simpson rule. It reports false when the
// sample count is even or the grid is not uniform within 1%.
func simpson(pts []hydro.TracePoint) (float64, bool) {
	n := len(pts)
	if n < 3 || n%2 == 0 {
		return 0, false
	}

	h := pts[1].T.Sub(pts[0].T).Seconds()
	if h <= 0 {
		return 0, false
	}
	for i := 1; i < n; i++ {
		dt := pts[i].T.Sub(pts[i-1].T).Seconds()
		if math.Abs(dt-h) > 0.01*h {
			return 0, false
		}
	}

	sum := pts[0].Q + pts[n-1].Q
	for i := 1; i < n-1; i++ {
		if i%2 == 1 {
			sum += 4 * pts[i].Q
		} else {
			sum += 2 * pts[i].Q
		}
	}
	return h / 3 * sum, true
}

// cumulative samples the running trapezoid volume every `every`, closing
// with a point at the trace end.
func cumulative(pts []hydro.TracePoint, every time.Duration) []CumulativePoint {
	if every <= 0 {
		every = time.Hour
	}
	dur := pts[len(pts)-1].T.Sub(pts[0].T)

	var curve []CumulativePoint
	for off := time.Duration(0); off < dur; off += every {
		curve = append(curve, CumulativePoint{Offset: off, Volume: volumeUpTo(pts, off)})
	}
	curve = append(curve, CumulativePoint{Offset: dur, Volume: trapezoid(pts)})
	return curve
}

// volumeUpTo integrates the trace from its start to the given offset,
// linearly interpolating the flow inside the straddling interval.
func volumeUpTo(pts []hydro.TracePoint, off time.Duration) float64 {
	cutoff := pts[0].T.Add(off)

	var v float64
	for i := 1; i < len(pts); i++ {
		if !pts[i].T.After(cutoff) {
			dt := pts[i].T.Sub(pts[i-1].T).Seconds()
			v += (pts[i-1].Q + pts[i].Q) / 2 * dt
			continue
		}
		full := pts[i].T.Sub(pts[i-1].T).Seconds()
		part := cutoff.Sub(pts[i-1].T).Seconds()
		if full <= 0 || part <= 0 {
			break
		}
		qCut := pts[i-1].Q + (pts[i].Q-pts[i-1].Q)*part/full
		v += (pts[i-1].Q + qCut) / 2 * part
		break
	}
	return v
}

func hasLongGap(pts []hydro.TracePoint) bool {
	if len(pts) < 3 {
		return false
	}
	intervals := make([]float64, 0, len(pts)-1)
	for i := 1; i < len(pts); i++ {
		intervals = append(intervals, pts[i].T.Sub(pts[i-1].T).Seconds())
	}
	med := median(intervals)
	if med <= 0 {
		return false
	}
	for _, dt := range intervals {
		if dt > gapMedianFactor*med {
			return true
		}
	}
	return false
}

func hasIQROutliers(pts []hydro.TracePoint) bool {
	if len(pts) < 4 {
		return false
	}
	qs := make([]float64, len(pts))
	for i, p := range pts {
		qs[i] = p.Q
	}
	sort.Float64s(qs)

	q1 := percentile(qs, 0.25)
	q3 := percentile(qs, 0.75)
	iqr := q3 - q1
	if iqr <= 0 {
		return false
	}
	lo, hi := q1-1.5*iqr, q3+1.5*iqr
	for _, q := range qs {
		if q < lo || q > hi {
			return true
		}
	}
	return false
}

func median(vals []float64) float64 {
	s := make([]float64, len(vals))
	copy(s, vals)
	sort.Float64s(s)
	n := len(s)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// percentile interpolates linearly between order statistics.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
