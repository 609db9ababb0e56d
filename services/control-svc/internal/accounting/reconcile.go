package accounting

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"hydronet/pkg/apperror"
	"hydronet/pkg/audit"
	"hydronet/pkg/hydro"
)

// Reconciliation parameters.
const (
	autoConfidence           = 0.95
	manualConfidence         = 0.70
	manualEstimateConfidence = 0.75
	manualEstimateRelSigma   = 0.25

	// Доля корректировки, относимая к потерям; остальное правит выдачу.
	adjustmentLossShare = 0.2

	defaultDiscrepancyThreshold = 0.05
	defaultDisputeThreshold     = 0.25

	orificeCd = 0.6
)

// Recommendation triggers.
const (
	automateManualGatesPct  = 0.10
	manualEfficiencyFloor   = 0.70
	measurementFrequencyPct = 0.15
)

// reconcileState keeps reconciliation single-flight per accounting week.
type reconcileState struct {
	mu       sync.Mutex
	inFlight map[hydro.Week]bool
}

func newReconcileState() *reconcileState {
	return &reconcileState{inFlight: make(map[hydro.Week]bool)}
}

func (s *reconcileState) begin(week hydro.Week) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[week] {
		return false
	}
	s.inFlight[week] = true
	return true
}

func (s *reconcileState) end(week hydro.Week) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, week)
}

// ManualEstimate is the orifice-relation volume estimate for a manual gate
// without a meter trace.
type ManualEstimate struct {
	Q           float64 // м³/с
	Volume      float64 // м³
	Hours       float64
	Confidence  float64
	Uncertainty float64 // относительная, ±
}

// EstimateManualDelivery estimates the volume passed by a manual gate over
// the delivery window from Q = Cd·A·sqrt(2g·Δh) with Cd = 0.6 and the
// opening expressed as a percentage of the gate width.
func EstimateManualDelivery(net *hydro.Network, g *hydro.Gate, d *hydro.Delivery) ManualEstimate {
	est := ManualEstimate{Confidence: manualEstimateConfidence, Uncertainty: manualEstimateRelSigma}

	openingPct := 0.0
	if g.MaxOpening > 0 {
		openingPct = g.Opening / g.MaxOpening * 100
	}
	area := g.Width * (openingPct / 100) * g.Width

	dh := 0.1
	if from, ok := net.GetNode(g.FromNode); ok {
		if to, ok := net.GetNode(g.ToNode); ok {
			dh = math.Max(from.Level-to.Level, dh)
		}
	}

	est.Q = orificeCd * area * math.Sqrt(2*hydro.Gravity*dh)

	switch {
	case !d.ActualEnd.IsZero() && !d.ActualStart.IsZero():
		est.Hours = d.ActualEnd.Sub(d.ActualStart).Hours()
	case !d.ScheduledEnd.IsZero() && !d.ScheduledStart.IsZero():
		est.Hours = d.ScheduledEnd.Sub(d.ScheduledStart).Hours()
	}
	if est.Hours < 0 {
		est.Hours = 0
	}
	est.Volume = est.Q * est.Hours * 3600
	return est
}

// deliveryFigures are the per-delivery balance figures the reconciliation
// works with.
type deliveryFigures struct {
	d         *hydro.Delivery
	loss      *hydro.TransitLoss
	out       float64 // м³ через затвор
	in        float64 // м³ на участке
	lossTotal float64
	manual    bool
	estimated bool
}

// ReconcileWeek closes the water balance of an accounting week.
//
// High-confidence automated-gate volumes anchor the balance; when the system
// discrepancy exceeds the adjustment threshold, manual-gate outflows are
// corrected proportionally to their share of the manual total, with 20% of
// each correction booked as extra losses. Above the dispute threshold no
// automatic adjustment happens: the week is marked disputed, a review
// workbook is exported and operator action is required.
//
// The call is single-flight per week: a concurrent invocation observes
// status in_progress and returns immediately. Re-running a completed week
// without force is a no-op returning the stored log.
func (a *Accountant) ReconcileWeek(ctx context.Context, net *hydro.Network, week hydro.Week, force bool) (*hydro.ReconciliationLog, error) {
	if week.Week < 1 || week.Week > 53 || week.Year < 2000 {
		return nil, apperror.New(apperror.CodeInvalidWeek, fmt.Sprintf("invalid accounting week %s", week))
	}

	if !a.recon.begin(week) {
		return &hydro.ReconciliationLog{Week: week, Status: hydro.ReconciliationInProgress}, nil
	}
	defer a.recon.end(week)

	existing, err := a.store.Reconciliation(ctx, week)
	if err != nil {
		return nil, fmt.Errorf("failed to load reconciliation for %s: %w", week, err)
	}
	if existing != nil && !force && existing.Status != hydro.ReconciliationInProgress {
		return existing, nil
	}

	figures, err := a.gatherFigures(ctx, net, week)
	if err != nil {
		return nil, err
	}

	lg := &hydro.ReconciliationLog{
		ID:        uuid.NewString(),
		Week:      week,
		StartedAt: time.Now().UTC(),
	}

	var autoOut, autoIn, manOut, manIn float64
	for _, f := range figures {
		lg.OutflowTotal += f.out
		lg.InflowTotal += f.in
		lg.ReportedLosses += f.lossTotal
		if f.manual {
			manOut += f.out
			manIn += f.in
		} else {
			autoOut += f.out
			autoIn += f.in
		}
	}

	lg.Discrepancy = (lg.OutflowTotal - lg.InflowTotal) - lg.ReportedLosses
	if lg.OutflowTotal > 0 {
		lg.DiscrepancyPct = lg.Discrepancy / lg.OutflowTotal
	}

	adjustT := a.cfg.DiscrepancyThreshold
	if adjustT <= 0 {
		adjustT = defaultDiscrepancyThreshold
	}
	disputeT := a.cfg.DisputeThreshold
	if disputeT <= 0 {
		disputeT = defaultDisputeThreshold
	}

	switch {
	case math.Abs(lg.DiscrepancyPct) <= adjustT:
		lg.Status = hydro.ReconciliationBalanced
		if err := a.markReconciled(ctx, figures); err != nil {
			return nil, err
		}

	case math.Abs(lg.DiscrepancyPct) > disputeT:
		lg.Status = hydro.ReconciliationDisputed
		if err := a.markDisputed(ctx, figures); err != nil {
			return nil, err
		}
		if a.cfg.ExportDir != "" {
			path, err := a.exportDisputedWeek(lg, figures)
			if err != nil {
				a.log.Error("failed to export disputed week", "week", week.String(), "error", err)
			} else {
				lg.ExportPath = path
			}
		}
		a.log.Error("week disputed: discrepancy beyond dispute threshold",
			"week", week.String(),
			"discrepancy_m3", lg.Discrepancy,
			"discrepancy_pct", lg.DiscrepancyPct*100,
		)

	default:
		lg.Status = hydro.ReconciliationAdjusted
		if err := a.adjustManual(ctx, lg, figures, manOut); err != nil {
			return nil, err
		}
		if err := a.markReconciled(ctx, figures); err != nil {
			return nil, err
		}
	}

	lg.QualityScore = reconciliationQuality(autoOut, autoIn, lg.DiscrepancyPct)
	lg.Recommendations = a.recommend(lg, figures, manOut, manIn)
	lg.CompletedAt = time.Now().UTC()

	if err := a.store.SaveReconciliation(ctx, lg); err != nil {
		return nil, fmt.Errorf("failed to save reconciliation for %s: %w", week, err)
	}

	if a.metrics != nil {
		a.metrics.RecordReconciliation(string(lg.Status), "all", lg.DiscrepancyPct)
	}

	entry := audit.NewEntry().
		Service("control-svc").
		Method("ReconcileWeek").
		Action(audit.ActionReconcile).
		Outcome(audit.OutcomeSuccess).
		Resource("week", week.String()).
		Meta("status", string(lg.Status)).
		Meta("discrepancy_m3", lg.Discrepancy).
		Meta("adjustments", len(lg.Adjustments)).
		Build()
	if err := a.audit.Log(ctx, entry); err != nil {
		a.log.Warn("audit log failed", "week", week.String(), "error", err)
	}

	a.log.Info("week reconciled",
		"week", week.String(),
		"status", string(lg.Status),
		"outflow_m3", lg.OutflowTotal,
		"discrepancy_pct", lg.DiscrepancyPct*100,
		"adjustments", len(lg.Adjustments),
	)
	return lg, nil
}

// gatherFigures loads the week's accountable deliveries with their losses,
// estimating volumes for manual gates without a meter.
func (a *Accountant) gatherFigures(ctx context.Context, net *hydro.Network, week hydro.Week) ([]*deliveryFigures, error) {
	deliveries, err := a.store.DeliveriesForWeek(ctx, week)
	if err != nil {
		return nil, fmt.Errorf("failed to load deliveries for %s: %w", week, err)
	}

	var figures []*deliveryFigures
	for _, d := range deliveries {
		switch d.Status {
		case hydro.DeliveryComplete, hydro.DeliveryReconciled, hydro.DeliveryDisputed:
		default:
			continue
		}

		f := &deliveryFigures{d: d, manual: d.Mode != hydro.ModeAuto}

		f.loss, err = a.store.LossForDelivery(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load loss for %s: %w", d.ID, err)
		}
		if f.loss != nil {
			f.lossTotal = f.loss.Total
		}

		f.out = d.MeasuredVolume
		if f.out <= 0 && f.manual && net != nil {
			if g, ok := net.GetGate(d.GateID); ok {
				est := EstimateManualDelivery(net, g, d)
				f.out = est.Volume
				f.estimated = true
			}
		}

		// Исторические строки потерь могут превышать учтённый сброс
		// (оценка ручного затвора появляется позже); срезаем до баланса
		if f.lossTotal > f.out {
			f.lossTotal = f.out
		}

		f.in = d.DeliveredVolume
		if f.in <= 0 {
			f.in = math.Max(f.out-f.lossTotal, 0)
		}
		figures = append(figures, f)
	}
	return figures, nil
}

// adjustManual distributes the system discrepancy across manual deliveries
// proportionally to their outflow shares. The signed adjustments sum to the
// discrepancy exactly.
func (a *Accountant) adjustManual(ctx context.Context, lg *hydro.ReconciliationLog, figures []*deliveryFigures, manOut float64) error {
	if manOut <= 0 {
		return nil
	}

	for _, f := range figures {
		if !f.manual || f.out <= 0 {
			continue
		}
		share := f.out / manOut
		adj := lg.Discrepancy * share
		lossShare := adjustmentLossShare * adj

		before := f.out
		f.out -= adj - lossShare
		f.lossTotal += lossShare
		f.in = math.Max(f.out-f.lossTotal, 0)

		f.d.MeasuredVolume = f.out
		f.d.DeliveredVolume = f.in
		f.d.Adjusted = true

		if f.loss != nil {
			f.loss.Operational += lossShare
			f.loss.Total += lossShare
			if err := a.store.SaveTransitLoss(ctx, f.loss); err != nil {
				return fmt.Errorf("failed to save adjusted loss for %s: %w", f.d.ID, err)
			}
		}

		lg.Adjustments = append(lg.Adjustments, hydro.Adjustment{
			ID:         uuid.NewString(),
			DeliveryID: f.d.ID,
			Week:       lg.Week,
			Before:     before,
			After:      f.out,
			LossShare:  lossShare,
			Reason:     hydro.AdjustmentReconciliation,
			Confidence: manualConfidence,
			CreatedAt:  time.Now().UTC(),
		})
	}

	if len(lg.Adjustments) > 0 {
		if err := a.store.SaveAdjustments(ctx, lg.Adjustments); err != nil {
			return fmt.Errorf("failed to save adjustments for %s: %w", lg.Week, err)
		}
	}
	return nil
}

func (a *Accountant) markReconciled(ctx context.Context, figures []*deliveryFigures) error {
	for _, f := range figures {
		f.d.Status = hydro.DeliveryReconciled
		if err := a.store.SaveDelivery(ctx, f.d); err != nil {
			return fmt.Errorf("failed to save delivery %s: %w", f.d.ID, err)
		}
	}
	return nil
}

func (a *Accountant) markDisputed(ctx context.Context, figures []*deliveryFigures) error {
	for _, f := range figures {
		f.d.Status = hydro.DeliveryDisputed
		if err := a.store.SaveDelivery(ctx, f.d); err != nil {
			return fmt.Errorf("failed to save delivery %s: %w", f.d.ID, err)
		}
	}
	return nil
}

// reconciliationQuality is the aggregate data-quality score of the week:
// the automated share is weighted by how close the automated conveyance is
// to the 80% reference, the manual share by the residual discrepancy.
func reconciliationQuality(autoOut, autoIn, discPct float64) float64 {
	autoEff := 1.0
	if autoOut > 0 {
		autoEff = autoIn / autoOut
	}
	return 0.7*autoConfidence*math.Min(autoEff/0.8, 1) +
		0.3*manualConfidence*math.Max(1-math.Abs(discPct), 0)
}

func (a *Accountant) recommend(lg *hydro.ReconciliationLog, figures []*deliveryFigures, manOut, manIn float64) []string {
	var recs []string

	if math.Abs(lg.DiscrepancyPct) > automateManualGatesPct && manOut > 0 {
		var topGate string
		var topVol float64
		for _, f := range figures {
			if f.manual && f.out > topVol {
				topGate, topVol = f.d.GateID, f.out
			}
		}
		if topGate != "" {
			recs = append(recs, fmt.Sprintf(
				"automate high-volume manual gate %s (%.0f m3 this week)", topGate, topVol))
		}
	}

	if manOut > 0 && manIn/manOut < manualEfficiencyFloor {
		recs = append(recs, fmt.Sprintf(
			"manual delivery efficiency %.0f%%, schedule a maintenance review", manIn/manOut*100))
	}

	if len(lg.Adjustments) > 0 {
		var sum float64
		for _, adj := range lg.Adjustments {
			if adj.Before > 0 {
				sum += math.Abs((adj.Before-adj.After)+adj.LossShare) / adj.Before
			}
		}
		if sum/float64(len(lg.Adjustments)) > measurementFrequencyPct {
			recs = append(recs, "mean adjustment above 15%, increase measurement frequency on manual gates")
		}
	}
	return recs
}
