package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hydronet/pkg/apperror"
	"hydronet/pkg/audit"
	"hydronet/pkg/hydro"
)

// StopScope selects which gates an emergency stop covers.
type StopScope string

const (
	StopScopeSingle StopScope = "single" // ids перечисляют затворы
	StopScopeZone   StopScope = "zone"   // ids перечисляют зоны
	StopScopeAll    StopScope = "all"
)

// StopResult is the per-gate outcome of an emergency stop.
type StopResult struct {
	GateID    string
	Mode      hydro.ControlMode
	OK        bool
	WorkOrder *hydro.WorkOrderReceipt // заполнен, когда закрытие поручено бригаде
	Err       error
}

// Incident is one gate's emergency stop record for operator review.
type Incident struct {
	ID       string
	GateID   string
	Scope    StopScope
	Reason   string
	Operator string
	OK       bool
	Error    string
	At       time.Time
}

// IncidentStore persists emergency stop outcomes.
type IncidentStore interface {
	SaveIncident(ctx context.Context, inc Incident) error
}

// EmergencyStop closes every gate in scope. Automated gates in auto mode get
// a SCADA stop; everything else gets an urgent work order. Affected queues
// are paused and their pending commands superseded; the queues stay paused
// until Resume. Per-gate failures land in the result set, not in the error
// return.
func (d *Dispatcher) EmergencyStop(ctx context.Context, scope StopScope, ids []string, reason, operator string) ([]StopResult, error) {
	gates, missing, err := d.resolveScope(scope, ids)
	if err != nil {
		return nil, err
	}

	d.log.Warn("emergency stop initiated",
		"scope", string(scope), "gates", len(gates), "reason", reason, "operator", operator)

	// Сначала гасим очереди, чтобы остановку не обогнала отложенная команда
	d.mu.Lock()
	for _, g := range gates {
		if q := d.queues[g.ID]; q != nil {
			d.pause(q)
		} else {
			q = newGateQueue(g.ID)
			q.paused = true
			d.queues[g.ID] = q
			d.wg.Add(1)
			go d.worker(q)
		}
	}
	d.mu.Unlock()

	results := make([]StopResult, len(gates))
	var grp errgroup.Group
	for i, g := range gates {
		grp.Go(func() error {
			results[i] = d.stopGate(ctx, g, scope, reason, operator)
			return nil
		})
	}
	_ = grp.Wait()

	return append(missing, results...), nil
}

// resolveScope expands the scope into concrete gates, sorted by id for a
// deterministic result order.
func (d *Dispatcher) resolveScope(scope StopScope, ids []string) ([]*hydro.Gate, []StopResult, error) {
	var gates []*hydro.Gate
	var missing []StopResult

	switch scope {
	case StopScopeSingle:
		if len(ids) == 0 {
			return nil, nil, apperror.New(apperror.CodeNilInput, "emergency stop with no gate ids")
		}
		for _, id := range ids {
			g, ok := d.reg.Get(id)
			if !ok {
				missing = append(missing, StopResult{
					GateID: id,
					Err: apperror.New(apperror.CodeUnknownGate,
						fmt.Sprintf("gate %q is not registered", id)),
				})
				continue
			}
			gates = append(gates, g)
		}

	case StopScopeZone:
		if len(ids) == 0 {
			return nil, nil, apperror.New(apperror.CodeNilInput, "emergency stop with no zones")
		}
		for _, zone := range ids {
			gates = append(gates, d.reg.ListByZone(zone)...)
		}

	case StopScopeAll:
		for _, g := range d.reg.Network().Gates {
			gates = append(gates, g)
		}

	default:
		return nil, nil, apperror.New(apperror.CodeInvalidInput,
			fmt.Sprintf("unknown emergency stop scope %q", scope))
	}

	sort.Slice(gates, func(i, j int) bool { return gates[i].ID < gates[j].ID })
	return gates, missing, nil
}

func (d *Dispatcher) stopGate(ctx context.Context, g *hydro.Gate, scope StopScope, reason, operator string) StopResult {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.StopTimeout)
	defer cancel()

	res := StopResult{GateID: g.ID, Mode: g.Mode}

	if g.IsAutomated() && g.Mode != hydro.ModeManual {
		err := d.scada.EmergencyStop(sctx, g.Automated.ScadaTag)
		if err != nil {
			d.reg.RecordCommunication(d.baseCtx, g.ID, false)
			res.Err = apperror.Wrap(err, apperror.CodeScadaUnavailable,
				fmt.Sprintf("emergency stop of gate %q failed", g.ID)).
				WithSeverity(apperror.SeverityCritical)
		} else {
			d.reg.UpdateOpening(g.ID, 0, true)
			d.reg.RecordCommunication(d.baseCtx, g.ID, true)
			res.OK = true
		}
	} else {
		cmd := Command{
			ID:       uuid.NewString(),
			GateID:   g.ID,
			Target:   0,
			Priority: 1,
			Reason:   reason,
			Operator: operator,
		}
		wo := buildWorkOrder(g, cmd, []string{"аварийная остановка: закрыть затвор полностью"}, true)
		receipt, err := d.field.CreateWorkOrder(sctx, wo)
		if err != nil {
			res.Err = apperror.Wrap(err, apperror.CodeFieldOpsUnavailable,
				fmt.Sprintf("emergency work order for gate %q failed", g.ID)).
				WithSeverity(apperror.SeverityCritical)
		} else {
			d.reg.MarkWorkOrder(g.ID, true)
			res.WorkOrder = &receipt
			res.OK = true
		}
	}

	d.recordStop(g, scope, reason, operator, res)
	return res
}

func (d *Dispatcher) recordStop(g *hydro.Gate, scope StopScope, reason, operator string, res StopResult) {
	outcome := audit.OutcomeSuccess
	if !res.OK {
		outcome = audit.OutcomeFailure
		d.log.Error("emergency stop failed for gate",
			"gate_id", g.ID, "mode", string(g.Mode), "error", res.Err)
	}

	b := audit.NewEntry().
		Service("control-svc").
		Method("dispatch.EmergencyStop").
		Action(audit.ActionEmergencyStop).
		Outcome(outcome).
		User(operator, operator).
		Resource("gate", g.ID).
		Meta("scope", string(scope)).
		Meta("mode", string(g.Mode)).
		Meta("reason", reason)
	if res.Err != nil {
		b = b.Error(string(apperror.Code(res.Err)), res.Err.Error())
	}
	if err := d.audit.Log(d.baseCtx, b.Build()); err != nil {
		d.log.Warn("failed to write emergency stop audit entry", "gate_id", g.ID, "error", err)
	}

	if d.incidents == nil {
		return
	}
	inc := Incident{
		ID:       uuid.NewString(),
		GateID:   g.ID,
		Scope:    scope,
		Reason:   reason,
		Operator: operator,
		OK:       res.OK,
		At:       time.Now().UTC(),
	}
	if res.Err != nil {
		inc.Error = res.Err.Error()
	}
	if err := d.incidents.SaveIncident(d.baseCtx, inc); err != nil {
		d.log.Warn("failed to persist emergency stop incident", "gate_id", g.ID, "error", err)
	}
}
