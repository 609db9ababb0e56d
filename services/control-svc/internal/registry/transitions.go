package registry

import (
	"context"
	"fmt"
	"sort"

	"hydronet/pkg/apperror"
	"hydronet/pkg/audit"
	"hydronet/pkg/hydro"
)

// Reason identifies why a mode transition happened. Reasons are recorded on
// audit entries and metric labels.
type Reason string

const (
	ReasonCommTimeout         Reason = "communication_timeout"
	ReasonPositionFault       Reason = "position_fault"
	ReasonOperatorRequest     Reason = "operator_request"
	ReasonMaintenanceWindow   Reason = "maintenance_window"
	ReasonMaintenanceComplete Reason = "maintenance_complete"
	ReasonEquipmentFault      Reason = "equipment_fault"
	ReasonSafetyInterlock     Reason = "safety_interlock"
	ReasonRecoveryApproved    Reason = "recovery_approved"
)

// Trigger names an event class that can fire transition rules.
type Trigger string

const (
	TriggerCommTimeout     Trigger = "comm_timeout"
	TriggerPositionFault   Trigger = "position_fault"
	TriggerEquipmentFault  Trigger = "equipment_fault"
	TriggerSafetyInterlock Trigger = "safety_interlock"
)

// Rule is one edge of the automatic part of the state machine. Rules
// matching (trigger, current mode) are evaluated in priority order; the
// first whose condition holds applies. A zero From matches any mode.
type Rule struct {
	Trigger   Trigger
	From      hydro.ControlMode
	To        hydro.ControlMode
	Reason    Reason
	Priority  int
	Condition func(g *hydro.Gate) bool
}

// defaultRules encodes the automatic fallback edges.
func defaultRules() []Rule {
	return []Rule{
		{Trigger: TriggerEquipmentFault, To: hydro.ModeFailed, Reason: ReasonEquipmentFault, Priority: 0},
		{Trigger: TriggerSafetyInterlock, To: hydro.ModeFailed, Reason: ReasonSafetyInterlock, Priority: 0},
		{
			Trigger: TriggerCommTimeout, From: hydro.ModeAuto, To: hydro.ModeManual,
			Reason: ReasonCommTimeout, Priority: 10,
		},
		{
			Trigger: TriggerPositionFault, From: hydro.ModeAuto, To: hydro.ModeManual,
			Reason: ReasonPositionFault, Priority: 20,
			Condition: func(g *hydro.Gate) bool {
				return g.Automated != nil && g.Automated.PositionFault
			},
		},
	}
}

// fire evaluates the rules matching the trigger against the gate's current
// mode and applies the first satisfied one. An unsatisfied rule set is a
// no-op, not a failure.
func (r *Registry) fire(ctx context.Context, gateID string, trigger Trigger, actor string) {
	r.mu.RLock()
	g, ok := r.net.Gates[gateID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	mode := g.Mode

	matched := make([]Rule, 0, 2)
	for _, rule := range r.rules {
		if rule.Trigger != trigger {
			continue
		}
		if rule.From != "" && rule.From != mode {
			continue
		}
		if rule.Condition != nil && !rule.Condition(g) {
			continue
		}
		matched = append(matched, rule)
	}
	r.mu.RUnlock()

	if len(matched) == 0 {
		return
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Priority < matched[j].Priority })

	rule := matched[0]
	if mode == rule.To {
		return
	}
	if err := r.Transition(ctx, gateID, rule.To, rule.Reason, actor); err != nil {
		r.log.Warn("rule transition rejected",
			"gate_id", gateID, "trigger", string(trigger), "error", err)
	}
}

// CompleteMaintenance returns a gate from maintenance to the mode it entered
// maintenance from (manual when unknown).
func (r *Registry) CompleteMaintenance(ctx context.Context, gateID, actor string) error {
	r.mu.RLock()
	target, ok := r.prevMode[gateID]
	r.mu.RUnlock()
	if !ok {
		target = hydro.ModeManual
	}
	return r.Transition(ctx, gateID, target, ReasonMaintenanceComplete, actor)
}

// Transition moves a gate to the target mode. It is the only mutation path
// for control modes. The preservation hook runs while the gate is marked
// transitioning; a hook failure rolls the mode back.
func (r *Registry) Transition(ctx context.Context, gateID string, target hydro.ControlMode, reason Reason, actor string) error {
	if !target.Valid() || target == hydro.ModeTransitioning {
		return apperror.New(apperror.CodeInvalidInput, fmt.Sprintf("invalid target mode %q", target))
	}

	r.mu.Lock()
	g, ok := r.net.Gates[gateID]
	if !ok {
		r.mu.Unlock()
		return apperror.New(apperror.CodeUnknownGate, fmt.Sprintf("gate %s is not registered", gateID))
	}

	from := g.Mode
	if from == target {
		r.mu.Unlock()
		return nil
	}
	if from == hydro.ModeTransitioning {
		r.mu.Unlock()
		return apperror.New(apperror.CodeStateConflict, fmt.Sprintf("gate %s has a transition in flight", gateID))
	}
	if err := r.checkEdgeLocked(g, target, reason); err != nil {
		r.mu.Unlock()
		return err
	}

	if target == hydro.ModeMaintenance {
		r.prevMode[gateID] = from
	}
	g.Mode = hydro.ModeTransitioning
	snapshot := g.Clone()
	r.mu.Unlock()

	if r.hook != nil {
		if err := r.hook.PreserveGate(ctx, snapshot, from, target, reason); err != nil {
			r.mu.Lock()
			g.Mode = from
			r.mu.Unlock()
			return apperror.Wrap(err, apperror.CodeStateConflict, "failed to preserve gate state before transition")
		}
	}

	r.mu.Lock()
	g.Mode = target
	if target == hydro.ModeAuto {
		delete(r.approvals, gateID)
		g.CommFailures = 0
		if g.Automated != nil {
			g.Automated.PositionFault = false
		}
	}
	if from == hydro.ModeMaintenance {
		delete(r.prevMode, gateID)
	}
	r.updateModeGaugeLocked()
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordModeTransition(string(from), string(target), string(reason))
	}
	r.log.Info("gate mode transition",
		"gate_id", gateID, "from", string(from), "to", string(target),
		"reason", string(reason), "actor", actor)

	entry := audit.NewEntry().
		Service("control-svc").
		Method("registry.Transition").
		Action(audit.ActionTransition).
		Outcome(audit.OutcomeSuccess).
		User(actor, actor).
		Resource("gate", gateID).
		Meta("from", string(from)).
		Meta("to", string(target)).
		Meta("reason", string(reason)).
		Build()
	if err := r.audit.Log(ctx, entry); err != nil {
		r.log.Warn("failed to write transition audit entry", "gate_id", gateID, "error", err)
	}
	return nil
}

// checkEdgeLocked validates the requested edge against the state machine.
func (r *Registry) checkEdgeLocked(g *hydro.Gate, target hydro.ControlMode, reason Reason) error {
	if g.Automated == nil && target != hydro.ModeManual && target != hydro.ModeMaintenance {
		return apperror.New(apperror.CodeModeConflict,
			fmt.Sprintf("gate %s is manual-only and cannot enter %s", g.ID, target))
	}

	from := g.Mode
	switch target {
	case hydro.ModeFailed:
		// Отказ принимается из любого режима
		return nil

	case hydro.ModeManual:
		switch from {
		case hydro.ModeAuto:
			return nil
		case hydro.ModeFailed, hydro.ModeMaintenance:
			if g.Status == hydro.StatusFault {
				return apperror.New(apperror.CodeModeConflict,
					fmt.Sprintf("gate %s still reports an equipment fault", g.ID))
			}
			return nil
		}

	case hydro.ModeMaintenance:
		if from == hydro.ModeAuto || from == hydro.ModeManual {
			return nil
		}

	case hydro.ModeAuto:
		if from != hydro.ModeManual && from != hydro.ModeFailed && from != hydro.ModeMaintenance {
			break
		}
		// Возврат из обслуживания в прежний режим не требует одобрения
		if from == hydro.ModeMaintenance && reason == ReasonMaintenanceComplete {
			return nil
		}
		return r.recoveryChecksLocked(g)
	}

	return apperror.New(apperror.CodeModeConflict,
		fmt.Sprintf("transition %s → %s is not permitted for gate %s", from, target, g.ID))
}

// recoveryChecksLocked gates the return to auto: communication restored,
// position agreement, no equipment fault, no active work order, and an
// operator approval on record.
func (r *Registry) recoveryChecksLocked(g *hydro.Gate) error {
	if g.Status == hydro.StatusFault {
		return apperror.New(apperror.CodeModeConflict,
			fmt.Sprintf("gate %s still reports an equipment fault", g.ID))
	}
	if g.CommFailures > 0 {
		return apperror.New(apperror.CodeModeConflict,
			fmt.Sprintf("gate %s communication is not restored (%d consecutive failures)", g.ID, g.CommFailures))
	}
	if g.Automated != nil && g.Automated.PositionFault {
		return apperror.New(apperror.CodeModeConflict,
			fmt.Sprintf("gate %s reported position diverges from the last command", g.ID))
	}
	if r.workOrders[g.ID] {
		return apperror.New(apperror.CodeModeConflict,
			fmt.Sprintf("gate %s has an active field work order", g.ID))
	}
	if _, ok := r.approvals[g.ID]; !ok {
		return apperror.New(apperror.CodePermissionDenied,
			fmt.Sprintf("returning gate %s to auto requires operator approval", g.ID))
	}
	return nil
}
