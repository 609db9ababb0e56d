package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hydronet/pkg/apperror"
	"hydronet/pkg/hydro"
	"hydronet/pkg/telemetry"

	"hydronet/services/control-svc/internal/accounting"
	"hydronet/services/control-svc/internal/dispatch"
	"hydronet/services/control-svc/internal/optimizer"
)

// OptimizeRequest asks for a delivery plan over the current network state.
type OptimizeRequest struct {
	Demands      []hydro.ZoneDemand
	SourceLevel  float64
	SourceInflow float64
	Objective    optimizer.Objective
	At           time.Time

	WithEnergy        bool
	WithContingencies bool

	// Schedule persists the sequenced windows as scheduled deliveries.
	Schedule bool
}

// OptimizeResult is the plan plus any deliveries scheduled from it.
type OptimizeResult struct {
	Plan       *optimizer.Plan
	Deliveries []*hydro.Delivery
}

// OptimizeDelivery plans the requested demands against the live network
// snapshot and, when asked, turns the plan's delivery windows into
// scheduled deliveries for the accounting week of their start.
func (s *ControlService) OptimizeDelivery(ctx context.Context, req OptimizeRequest) (*OptimizeResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "ControlService.OptimizeDelivery")
	defer span.End()

	if err := s.allow(ctx, "optimize"); err != nil {
		return nil, err
	}
	if len(req.Demands) == 0 {
		return nil, apperror.New(apperror.CodeInvalidInput, "no zone demands")
	}

	net := s.reg.Network()
	plan, err := s.opt.Optimize(ctx, net, optimizer.Request{
		Demands:           req.Demands,
		SourceLevel:       req.SourceLevel,
		SourceInflow:      req.SourceInflow,
		Objective:         req.Objective,
		At:                req.At,
		WithEnergy:        req.WithEnergy,
		WithContingencies: req.WithContingencies,
	})
	if err != nil {
		telemetry.SetError(ctx, err)
		return nil, err
	}

	res := &OptimizeResult{Plan: plan}
	if !req.Schedule {
		return res, nil
	}

	paths := make(map[string]hydro.DeliveryPath, len(plan.Zones))
	for _, z := range plan.Zones {
		paths[z.Zone] = z.Path
	}
	for _, w := range plan.Sequence {
		d := &hydro.Delivery{
			ID:             uuid.NewString(),
			Zone:           w.Zone,
			NodeID:         w.NodeID,
			GateID:         w.GateID,
			Path:           paths[w.Zone],
			Status:         hydro.DeliveryScheduled,
			Priority:       w.Priority,
			ScheduledStart: w.Start,
			ScheduledEnd:   w.End,
			TargetVolume:   w.Volume,
			TargetFlow:     w.Flow,
			Week:           hydro.WeekOf(w.Start),
		}
		if mode, ok := s.reg.Mode(w.GateID); ok {
			d.Mode = mode
		}
		if err := s.repos.Accounting.SaveDelivery(ctx, d); err != nil {
			telemetry.SetError(ctx, err)
			return nil, apperror.Wrap(err, apperror.CodeStoreUnavailable, "failed to schedule delivery")
		}
		res.Deliveries = append(res.Deliveries, d)
	}

	s.log.Info("delivery plan scheduled",
		"zones", len(plan.Zones),
		"windows", len(plan.Sequence),
		"infeasible", len(plan.Infeasible))
	return res, nil
}

// CompleteRequest closes out a delivery with field data.
type CompleteRequest struct {
	DeliveryID  string
	ActualStart time.Time
	ActualEnd   time.Time

	// AppliedM3 and ConsumedM3 come from the field report; zero means the
	// application efficiency stays estimated.
	AppliedM3  float64
	ConsumedM3 float64
}

// CompleteDelivery accounts a finished delivery. The gate's measured
// hydrograph is fetched from the sensor store when one exists; otherwise
// the accountant falls back to the rating-curve estimate. Sensor or
// weather outages lower confidence, they never block the close-out.
func (s *ControlService) CompleteDelivery(ctx context.Context, req CompleteRequest) (*accounting.CompletionResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "ControlService.CompleteDelivery")
	defer span.End()

	if req.DeliveryID == "" {
		return nil, apperror.New(apperror.CodeInvalidInput, "delivery id is empty")
	}

	d, err := s.repos.Accounting.Delivery(ctx, req.DeliveryID)
	if err != nil {
		telemetry.SetError(ctx, err)
		return nil, apperror.Wrap(err, apperror.CodeStoreUnavailable, "failed to load delivery")
	}
	if d == nil {
		return nil, apperror.New(apperror.CodeNotFound, fmt.Sprintf("delivery %s not found", req.DeliveryID))
	}
	switch d.Status {
	case hydro.DeliveryScheduled, hydro.DeliveryActive:
	default:
		return nil, apperror.New(apperror.CodeStateConflict,
			fmt.Sprintf("delivery %s is %s, cannot complete", d.ID, d.Status))
	}

	if !req.ActualStart.IsZero() {
		d.ActualStart = req.ActualStart
	}
	if !req.ActualEnd.IsZero() {
		d.ActualEnd = req.ActualEnd
	}

	trace := s.fetchTrace(ctx, d)

	out, err := s.acct.CompleteDelivery(ctx, s.reg.Network(), accounting.CompletionInput{
		Delivery:   d,
		Trace:      trace,
		Conditions: s.conditions(ctx),
		AppliedM3:  req.AppliedM3,
		ConsumedM3: req.ConsumedM3,
	})
	if err != nil {
		telemetry.SetError(ctx, err)
		return nil, err
	}
	return out, nil
}

// fetchTrace pulls the gate hydrograph for the delivery window, best effort.
func (s *ControlService) fetchTrace(ctx context.Context, d *hydro.Delivery) *hydro.FlowTrace {
	if s.sensors == nil {
		return nil
	}
	from, to := d.ActualStart, d.ActualEnd
	if from.IsZero() {
		from = d.ScheduledStart
	}
	if to.IsZero() {
		to = d.ScheduledEnd
	}
	if from.IsZero() || to.IsZero() || !to.After(from) {
		return nil
	}
	trace, err := s.sensors.FlowTrace(ctx, d.GateID, from, to)
	if err != nil {
		s.log.Warn("flow trace unavailable, falling back to rating-curve estimate",
			"delivery", d.ID, "gate", d.GateID, "error", err)
		return nil
	}
	return trace
}

// ReconcileWeek runs the weekly water balance over the network. With force
// set, a week already reconciled is recomputed.
func (s *ControlService) ReconcileWeek(ctx context.Context, week hydro.Week, force bool) (*hydro.ReconciliationLog, error) {
	ctx, span := telemetry.StartSpan(ctx, "ControlService.ReconcileWeek")
	defer span.End()

	if week.Week < 1 || week.Week > 53 || week.Year < 2000 {
		return nil, apperror.New(apperror.CodeInvalidWeek, fmt.Sprintf("invalid week %s", week))
	}

	log, err := s.acct.ReconcileWeek(ctx, s.reg.Network(), week, force)
	if err != nil {
		telemetry.SetError(ctx, err)
		return nil, err
	}
	return log, nil
}

// ControlRequest asks for a gate movement.
type ControlRequest struct {
	GateID     string
	Target     float64 // opening fraction [0..1]
	Transition time.Duration
	Priority   int
	Reason     string
	Operator   string
	Precheck   bool

	// Wait blocks until a queued command settles or the context expires.
	Wait bool
}

// ControlResult is the dispatch outcome. Result is set only for waited,
// queued commands.
type ControlResult struct {
	Ack    *dispatch.Ack
	Result *dispatch.Result
}

// ControlGate routes one gate command through the dispatcher: automated
// gates get a queued SCADA command, manual gates a field work order. The
// ack's warnings carry any safety-simulation advisories.
func (s *ControlService) ControlGate(ctx context.Context, req ControlRequest) (*ControlResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "ControlService.ControlGate")
	defer span.End()

	if err := s.allow(ctx, "control"); err != nil {
		return nil, err
	}
	if req.GateID == "" {
		return nil, apperror.New(apperror.CodeInvalidInput, "gate id is empty")
	}
	if req.Target < 0 || req.Target > 1 {
		return nil, apperror.New(apperror.CodeOutOfRange,
			fmt.Sprintf("target opening %.3f outside [0, 1]", req.Target))
	}

	ack, err := s.disp.Submit(ctx, dispatch.Command{
		GateID:     req.GateID,
		Target:     req.Target,
		Transition: req.Transition,
		Priority:   req.Priority,
		Reason:     req.Reason,
		Operator:   req.Operator,
		Precheck:   req.Precheck,
	})
	if err != nil {
		telemetry.SetError(ctx, err)
		return &ControlResult{Ack: ack}, err
	}

	out := &ControlResult{Ack: ack}
	if !req.Wait || ack.Done == nil {
		return out, nil
	}

	select {
	case <-ctx.Done():
		return out, apperror.Wrap(ctx.Err(), apperror.CodeCommTimeout, "command still in flight")
	case res := <-ack.Done:
		out.Result = &res
		if res.Err != nil {
			telemetry.SetError(ctx, res.Err)
			return out, res.Err
		}
		if res.State == dispatch.StateDone {
			if err := s.repos.Gates.UpdatePosition(ctx, req.GateID, req.Target); err != nil {
				telemetry.RecordError(ctx, err)
				s.log.Warn("failed to persist gate position", "gate", req.GateID, "error", err)
			}
		}
		return out, nil
	}
}

// EmergencyStop closes gates in the given scope. Automated gates are
// commanded directly with queues frozen; manual gates get urgent work
// orders. The per-gate outcomes are returned even when some gates fail.
func (s *ControlService) EmergencyStop(ctx context.Context, scope dispatch.StopScope, ids []string, reason, operator string) ([]dispatch.StopResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "ControlService.EmergencyStop")
	defer span.End()

	if reason == "" {
		return nil, apperror.New(apperror.CodeInvalidInput, "stop reason is required")
	}
	results, err := s.disp.EmergencyStop(ctx, scope, ids, reason, operator)
	if err != nil {
		telemetry.SetError(ctx, err)
	}
	return results, err
}

// ResumeGate lifts the emergency freeze from one gate's command queue.
func (s *ControlService) ResumeGate(gateID string) {
	s.disp.Resume(gateID)
}

// SectionAccounting summarizes a zone's deliveries, losses, efficiency and
// deficit position over a trailing window of weeks.
func (s *ControlService) SectionAccounting(ctx context.Context, zone string, asOf hydro.Week, weeks int) (*accounting.ZoneSummary, error) {
	ctx, span := telemetry.StartSpan(ctx, "ControlService.SectionAccounting")
	defer span.End()

	summary, err := s.acct.SectionAccounting(ctx, zone, asOf, weeks)
	if err != nil {
		telemetry.SetError(ctx, err)
		return nil, err
	}
	return summary, nil
}
