// Package accounting closes the water balance of the delivery network:
// it turns flow traces into volumes, estimates transit losses, scores
// delivery efficiency, tracks per-zone deficits with carry-forward, and
// reconciles each accounting week against high-confidence automated
// measurements.
//
// # Model
//
// A completed delivery is accounted once: trace integration gives the gate
// outflow, the loss model gives the transit losses along the delivery path,
// and the section inflow is their difference. Weekly deficit records and the
// zone carry-forward window derive from the accounted inflows. The weekly
// reconciliation then audits the closed week as a whole and may adjust
// low-confidence manual-gate figures (see reconcile.go).
//
// # Failure Semantics
//
// Accounting never silently corrects: every adjustment is persisted with its
// before/after figures and shows up in the reconciliation log. Store errors
// abort the operation and propagate; partial trace quality degrades the
// recorded confidence instead of failing the completion.
package accounting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hydronet/pkg/apperror"
	"hydronet/pkg/audit"
	"hydronet/pkg/config"
	"hydronet/pkg/hydro"
	"hydronet/pkg/metrics"
)

// Store is the persistence surface the accountant needs. Implementations
// upsert weekly rows (deficits by zone+week, reconciliation logs by week)
// and return nil, nil for singular lookups with no row.
type Store interface {
	SaveDelivery(ctx context.Context, d *hydro.Delivery) error
	DeliveriesForWeek(ctx context.Context, week hydro.Week) ([]*hydro.Delivery, error)
	DeliveriesForZone(ctx context.Context, zone string, from, to hydro.Week) ([]*hydro.Delivery, error)

	SaveTrace(ctx context.Context, tr *hydro.FlowTrace) error
	TraceForDelivery(ctx context.Context, deliveryID string) (*hydro.FlowTrace, error)

	SaveTransitLoss(ctx context.Context, l *hydro.TransitLoss) error
	LossForDelivery(ctx context.Context, deliveryID string) (*hydro.TransitLoss, error)

	SaveEfficiency(ctx context.Context, rec *hydro.EfficiencyRecord) error
	EfficienciesForZone(ctx context.Context, zone string, from, to hydro.Week) ([]*hydro.EfficiencyRecord, error)

	SaveDeficit(ctx context.Context, rec *hydro.DeficitRecord) error
	DeficitsForZone(ctx context.Context, zone string, from, to hydro.Week) ([]*hydro.DeficitRecord, error)

	CarryForward(ctx context.Context, zone string) (*hydro.CarryForward, error)
	SaveCarryForward(ctx context.Context, cf *hydro.CarryForward) error

	Reconciliation(ctx context.Context, week hydro.Week) (*hydro.ReconciliationLog, error)
	SaveReconciliation(ctx context.Context, lg *hydro.ReconciliationLog) error
	SaveAdjustments(ctx context.Context, adjs []hydro.Adjustment) error
}

// Accountant implements volumetric accounting and weekly reconciliation.
type Accountant struct {
	store   Store
	losses  *LossModel
	cfg     config.AccountingConfig
	log     *slog.Logger
	metrics *metrics.Metrics
	audit   audit.Logger

	recon *reconcileState
}

// New builds an accountant over the given store. A nil audit logger is
// replaced with a noop one.
func New(store Store, cfg config.AccountingConfig, log *slog.Logger, m *metrics.Metrics, aud audit.Logger) *Accountant {
	if aud == nil {
		aud = &audit.NoopLogger{}
	}
	return &Accountant{
		store:   store,
		losses:  NewLossModel(cfg),
		cfg:     cfg,
		log:     log,
		metrics: m,
		audit:   aud,
		recon:   newReconcileState(),
	}
}

// CompletionInput carries everything needed to account a finished delivery.
type CompletionInput struct {
	Delivery   *hydro.Delivery
	Trace      *hydro.FlowTrace
	Conditions Conditions

	// Полевые данные полива, опциональны
	AppliedM3  float64
	ConsumedM3 float64
}

// CompletionResult is the accounted outcome of a delivery.
type CompletionResult struct {
	Delivery     *hydro.Delivery
	Integration  *Integration
	Loss         *hydro.TransitLoss
	Efficiency   *hydro.EfficiencyRecord
	Deficit      *hydro.DeficitRecord
	CarryForward *hydro.CarryForward
}

// CompleteDelivery accounts a finished delivery: integrates its flow trace
// (or falls back to the orifice estimate for manual gates without a meter),
// computes transit losses along the path, records efficiency, and advances
// the zone's weekly deficit and carry-forward.
func (a *Accountant) CompleteDelivery(ctx context.Context, net *hydro.Network, in CompletionInput) (*CompletionResult, error) {
	if in.Delivery == nil {
		return nil, apperror.New(apperror.CodeNilInput, "delivery is nil")
	}
	if net == nil {
		return nil, apperror.New(apperror.CodeNilInput, "network is nil")
	}
	d := in.Delivery
	if d.Zone == "" || d.ID == "" {
		return nil, apperror.New(apperror.CodeInvalidInput, fmt.Sprintf("delivery %q misses id or zone", d.ID))
	}

	week := d.Week
	if week == (hydro.Week{}) {
		week = deliveryWeek(d)
		d.Week = week
	}

	outflow, integ, trace, err := a.measureOutflow(net, d, in.Trace)
	if err != nil {
		return nil, err
	}

	transit := transitDuration(d, integ)
	flow := d.TargetFlow
	if integ != nil && integ.MeanFlow > 0 {
		flow = integ.MeanFlow
	}

	loss := a.losses.Compute(net, d.Path, outflow, flow, transit, in.Conditions)
	loss.DeliveryID = d.ID
	inflow := outflow - loss.Total
	if inflow < 0 {
		inflow = 0
	}

	d.Status = hydro.DeliveryComplete
	d.MeasuredVolume = outflow
	d.DeliveredVolume = inflow
	d.Confidence = deliveryConfidence(trace, integ)

	if err := a.store.SaveDelivery(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to save delivery %s: %w", d.ID, err)
	}
	if trace != nil {
		if err := a.store.SaveTrace(ctx, trace); err != nil {
			return nil, fmt.Errorf("failed to save trace for %s: %w", d.ID, err)
		}
	}
	if err := a.store.SaveTransitLoss(ctx, loss); err != nil {
		return nil, fmt.Errorf("failed to save transit loss for %s: %w", d.ID, err)
	}

	eff, err := a.recordEfficiency(ctx, d, outflow, inflow, in)
	if err != nil {
		return nil, err
	}

	deficit, cf, err := a.advanceDeficit(ctx, d.Zone, week)
	if err != nil {
		return nil, err
	}

	entry := audit.NewEntry().
		Service("control-svc").
		Method("CompleteDelivery").
		Action(audit.ActionUpdate).
		Outcome(audit.OutcomeSuccess).
		Resource("delivery", d.ID).
		Meta("zone", d.Zone).
		Meta("outflow_m3", outflow).
		Meta("inflow_m3", inflow).
		Meta("loss_m3", loss.Total).
		Build()
	if err := a.audit.Log(ctx, entry); err != nil {
		a.log.Warn("audit log failed", "delivery", d.ID, "error", err)
	}

	a.log.Info("delivery accounted",
		"delivery", d.ID,
		"zone", d.Zone,
		"week", week.String(),
		"outflow_m3", outflow,
		"loss_m3", loss.Total,
		"conveyance", eff.Conveyance,
	)

	return &CompletionResult{
		Delivery:     d,
		Integration:  integ,
		Loss:         loss,
		Efficiency:   eff,
		Deficit:      deficit,
		CarryForward: cf,
	}, nil
}

// measureOutflow integrates the trace when one is usable; for manual gates
// without a meter it falls back to the orifice estimate.
func (a *Accountant) measureOutflow(net *hydro.Network, d *hydro.Delivery, trace *hydro.FlowTrace) (float64, *Integration, *hydro.FlowTrace, error) {
	if trace != nil && len(trace.Points) >= 2 {
		method := MethodTrapezoid
		if a.cfg.SimpsonEnabled {
			method = MethodSimpson
		}
		integ, err := Integrate(trace.Points, method, time.Duration(a.cfg.CumulativeIntervalMin)*time.Minute)
		if err != nil {
			return 0, nil, nil, err
		}
		trace.DeliveryID = d.ID
		trace.Quality = integ.Check.Quality
		return integ.Volume, integ, trace, nil
	}

	if d.Mode != hydro.ModeManual {
		return 0, nil, nil, apperror.New(apperror.CodeTraceInvalid,
			fmt.Sprintf("delivery %s has no usable flow trace", d.ID))
	}

	g, ok := net.GetGate(d.GateID)
	if !ok {
		return 0, nil, nil, apperror.New(apperror.CodeUnknownGate, fmt.Sprintf("gate %q not in network", d.GateID))
	}
	est := EstimateManualDelivery(net, g, d)
	return est.Volume, nil, nil, nil
}

func (a *Accountant) recordEfficiency(ctx context.Context, d *hydro.Delivery, outflow, inflow float64, in CompletionInput) (*hydro.EfficiencyRecord, error) {
	window := a.cfg.WindowWeeks
	if window <= 0 {
		window = 4
	}
	recent, err := a.store.DeliveriesForZone(ctx, d.Zone, addWeeks(d.Week, -(window-1)), d.Week)
	if err != nil {
		return nil, fmt.Errorf("failed to load zone deliveries for %s: %w", d.Zone, err)
	}

	var volumes []float64
	for _, r := range recent {
		if r.DeliveredVolume > 0 {
			volumes = append(volumes, r.DeliveredVolume)
		}
	}
	if len(volumes) == 0 {
		volumes = []float64{inflow}
	}

	eff := BuildEfficiency(d, outflow, inflow, in.AppliedM3, in.ConsumedM3, Uniformity(volumes))
	if err := a.store.SaveEfficiency(ctx, eff); err != nil {
		return nil, fmt.Errorf("failed to save efficiency for %s: %w", d.ID, err)
	}
	return eff, nil
}

// advanceDeficit recomputes the zone's weekly deficit from all accounted
// deliveries of that week and rolls the carry-forward window.
func (a *Accountant) advanceDeficit(ctx context.Context, zone string, week hydro.Week) (*hydro.DeficitRecord, *hydro.CarryForward, error) {
	weekly, err := a.store.DeliveriesForZone(ctx, zone, week, week)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load week deliveries for %s: %w", zone, err)
	}

	var target, delivered float64
	for _, r := range weekly {
		target += r.TargetVolume
		delivered += r.DeliveredVolume
	}

	rec := NewDeficitRecord(zone, week, target, delivered, a.cfg.CriticalWeeks)
	if err := a.store.SaveDeficit(ctx, &rec); err != nil {
		return nil, nil, fmt.Errorf("failed to save deficit for %s: %w", zone, err)
	}

	cf, err := a.store.CarryForward(ctx, zone)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load carry-forward for %s: %w", zone, err)
	}
	if cf == nil {
		cf = &hydro.CarryForward{Zone: zone}
	}
	dropped := AdvanceCarryForward(cf, rec, a.cfg.WindowWeeks)
	for _, e := range dropped {
		a.log.Info("deficit aged out of carry-forward window",
			"zone", zone, "week", e.Week.String(), "deficit_m3", e.Deficit)
	}
	if err := a.store.SaveCarryForward(ctx, cf); err != nil {
		return nil, nil, fmt.Errorf("failed to save carry-forward for %s: %w", zone, err)
	}
	return &rec, cf, nil
}

// ZoneSummary is the accounting state of one section/zone over a window of
// recent weeks.
type ZoneSummary struct {
	Zone           string                    `json:"zone"`
	From           hydro.Week                `json:"from"`
	To             hydro.Week                `json:"to"`
	Deliveries     []*hydro.Delivery         `json:"deliveries"`
	TotalTarget    float64                   `json:"total_target"`    // м³
	TotalDelivered float64                   `json:"total_delivered"` // м³
	TotalLosses    float64                   `json:"total_losses"`    // м³
	MeanConveyance float64                   `json:"mean_conveyance"`
	Class          string                    `json:"class"`
	Deficits       []*hydro.DeficitRecord    `json:"deficits"`
	Efficiency     []*hydro.EfficiencyRecord `json:"efficiency"`
	CarryForward   *hydro.CarryForward       `json:"carry_forward,omitempty"`
}

// SectionAccounting aggregates deliveries, losses, efficiency and deficit
// state of a zone over the last `weeks` accounting weeks (the configured
// carry-forward window when zero).
func (a *Accountant) SectionAccounting(ctx context.Context, zone string, asOf hydro.Week, weeks int) (*ZoneSummary, error) {
	if zone == "" {
		return nil, apperror.New(apperror.CodeInvalidInput, "zone is empty")
	}
	if weeks <= 0 {
		weeks = a.cfg.WindowWeeks
	}
	if weeks <= 0 {
		weeks = 4
	}
	if asOf == (hydro.Week{}) {
		asOf = hydro.WeekOf(time.Now().UTC())
	}
	from := addWeeks(asOf, -(weeks - 1))

	sum := &ZoneSummary{Zone: zone, From: from, To: asOf}

	deliveries, err := a.store.DeliveriesForZone(ctx, zone, from, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load deliveries for %s: %w", zone, err)
	}
	sum.Deliveries = deliveries
	for _, d := range deliveries {
		sum.TotalTarget += d.TargetVolume
		sum.TotalDelivered += d.DeliveredVolume

		loss, err := a.store.LossForDelivery(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load loss for %s: %w", d.ID, err)
		}
		if loss != nil {
			sum.TotalLosses += loss.Total
		}
	}

	sum.Efficiency, err = a.store.EfficienciesForZone(ctx, zone, from, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load efficiency for %s: %w", zone, err)
	}
	if len(sum.Efficiency) > 0 {
		var total float64
		for _, e := range sum.Efficiency {
			total += e.Conveyance
		}
		sum.MeanConveyance = total / float64(len(sum.Efficiency))
		sum.Class = hydro.ClassifyEfficiency(sum.MeanConveyance)
	}

	sum.Deficits, err = a.store.DeficitsForZone(ctx, zone, from, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to load deficits for %s: %w", zone, err)
	}

	sum.CarryForward, err = a.store.CarryForward(ctx, zone)
	if err != nil {
		return nil, fmt.Errorf("failed to load carry-forward for %s: %w", zone, err)
	}
	return sum, nil
}

func deliveryWeek(d *hydro.Delivery) hydro.Week {
	switch {
	case !d.ActualEnd.IsZero():
		return hydro.WeekOf(d.ActualEnd)
	case !d.ScheduledEnd.IsZero():
		return hydro.WeekOf(d.ScheduledEnd)
	default:
		return hydro.WeekOf(time.Now().UTC())
	}
}

func transitDuration(d *hydro.Delivery, integ *Integration) time.Duration {
	if integ != nil && integ.Duration > 0 {
		return integ.Duration
	}
	if !d.ActualEnd.IsZero() && !d.ActualStart.IsZero() {
		return d.ActualEnd.Sub(d.ActualStart)
	}
	return d.ScheduledEnd.Sub(d.ScheduledStart)
}

// deliveryConfidence maps the trace origin and quality to the recorded
// accounting confidence.
func deliveryConfidence(trace *hydro.FlowTrace, integ *Integration) float64 {
	if trace == nil || integ == nil {
		return manualEstimateConfidence
	}
	base := 0.95
	switch trace.Source {
	case hydro.TraceSourceSensor:
		base = 0.85
	case hydro.TraceSourceEstimate:
		base = manualEstimateConfidence
	}
	return hydro.Clip(base*integ.Check.Quality, 0.3, base)
}

// addWeeks shifts an accounting week, wrapping years on the 52-week
// approximation used by Week.Sub.
func addWeeks(w hydro.Week, n int) hydro.Week {
	wk := w.Week + n
	yr := w.Year
	for wk < 1 {
		wk += 52
		yr--
	}
	for wk > 52 {
		wk -= 52
		yr++
	}
	return hydro.Week{Year: yr, Week: wk}
}
