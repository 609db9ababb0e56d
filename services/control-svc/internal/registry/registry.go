// Package registry is the single source of truth for gate identity, control
// mode and equipment health.
//
// # Ownership
//
// The registry exclusively owns gate control records. Every control-mode
// change in the system flows through Transition; no other package mutates
// modes. Read paths receive deep copies, so callers can hold results across
// lock boundaries.
//
// # State Machine
//
// Automated gates traverse auto → manual (communication timeout, position
// fault, operator request), auto/manual → maintenance, any → failed
// (equipment fault, safety interlock) and maintenance → the mode they
// entered from. Returning from manual or failed to auto requires the
// automatic checks to pass and an explicit operator approval recorded via
// ApproveRecovery. Manual-only gates are pinned to manual. The transitioning
// mode is an in-flight marker while state preservation runs.
//
// # Failure Semantics
//
// Queries on unknown gate ids report absence. Telemetry-driven writes
// (RecordCommunication, RecordPosition, UpdateEquipmentStatus) log and
// ignore unknown ids; operator-facing Transition returns a coded error.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hydronet/pkg/apperror"
	"hydronet/pkg/audit"
	"hydronet/pkg/hydro"
	"hydronet/pkg/metrics"
)

// PreserveHook captures gate state before a mode switch and restores it when
// the switch is rolled back.
type PreserveHook interface {
	PreserveGate(ctx context.Context, g *hydro.Gate, from, to hydro.ControlMode, reason Reason) error
}

// Options carries the registry thresholds.
type Options struct {
	// CommFailureThreshold is the number of consecutive failed SCADA polls
	// after which an automated gate falls back to manual. Default: 3.
	CommFailureThreshold int

	// PositionTolerance is the allowed |commanded − reported| opening
	// divergence before a position fault fires. Default: 0.05.
	PositionTolerance float64
}

// DefaultOptions returns the standard registry thresholds.
func DefaultOptions() Options {
	return Options{CommFailureThreshold: 3, PositionTolerance: 0.05}
}

func (o Options) normalized() Options {
	if o.CommFailureThreshold <= 0 {
		o.CommFailureThreshold = 3
	}
	if o.PositionTolerance <= 0 {
		o.PositionTolerance = 0.05
	}
	return o
}

// Registry keeps the canonical in-memory network and its indices.
type Registry struct {
	mu sync.RWMutex

	net       *hydro.Network
	byScada   map[string]string   // SCADA tag → gate id
	bySection map[string][]string // section id → gate ids

	approvals  map[string]string // gate id → approving operator
	workOrders map[string]bool   // gate id → active field work order
	prevMode   map[string]hydro.ControlMode

	rules []Rule
	opts  Options

	log     *slog.Logger
	metrics *metrics.Metrics
	audit   audit.Logger
	hook    PreserveHook
}

// New creates a registry over an empty network. The metrics, audit and
// preservation collaborators are optional.
func New(log *slog.Logger, m *metrics.Metrics, aud audit.Logger, hook PreserveHook, opts Options) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if aud == nil {
		aud = &audit.NoopLogger{}
	}
	return &Registry{
		net:        hydro.NewNetwork(),
		byScada:    make(map[string]string),
		bySection:  make(map[string][]string),
		approvals:  make(map[string]string),
		workOrders: make(map[string]bool),
		prevMode:   make(map[string]hydro.ControlMode),
		rules:      defaultRules(),
		opts:       opts.normalized(),
		log:        log,
		metrics:    m,
		audit:      aud,
		hook:       hook,
	}
}

// Load replaces the registry's network and rebuilds the indices.
func (r *Registry) Load(net *hydro.Network) error {
	if net == nil {
		return apperror.ErrNilNetwork
	}
	if errs := net.Validate(); len(errs) > 0 {
		return apperror.Wrap(errs[0], apperror.CodeInvalidNetwork, "network failed validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.net = net.Snapshot()
	r.byScada = make(map[string]string, len(r.net.Gates))
	r.bySection = make(map[string][]string)
	for id, g := range r.net.Gates {
		if g.Automated != nil && g.Automated.ScadaTag != "" {
			r.byScada[g.Automated.ScadaTag] = id
		}
		if g.SectionID != "" {
			r.bySection[g.SectionID] = append(r.bySection[g.SectionID], id)
		}
	}
	r.updateModeGaugeLocked()

	r.log.Info("registry loaded",
		"nodes", len(r.net.Nodes),
		"sections", len(r.net.Sections),
		"gates", len(r.net.Gates))
	return nil
}

// Register inserts a gate. Registration is idempotent: re-registering an
// existing id refreshes static attributes but keeps the live control state.
func (r *Registry) Register(g *hydro.Gate) error {
	if g == nil {
		return apperror.New(apperror.CodeNilInput, "gate is nil")
	}
	if errs := g.Validate(); len(errs) > 0 {
		return apperror.Wrap(errs[0], apperror.CodeInvalidInput, "gate failed validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c := g.Clone()
	if prev, ok := r.net.Gates[g.ID]; ok {
		// Живое состояние управления сохраняется
		c.Mode = prev.Mode
		c.Status = prev.Status
		c.Opening = prev.Opening
		c.CommFailures = prev.CommFailures
		if prev.Automated != nil && c.Automated != nil {
			c.Automated.LastCommandAt = prev.Automated.LastCommandAt
			c.Automated.LastCommandPos = prev.Automated.LastCommandPos
			c.Automated.LastContactAt = prev.Automated.LastContactAt
			c.Automated.ReportedPos = prev.Automated.ReportedPos
			c.Automated.PositionFault = prev.Automated.PositionFault
		}
		r.net.Gates[g.ID] = c
	} else {
		if c.Mode == "" {
			c.Mode = hydro.ModeManual
			if c.IsAutomated() {
				c.Mode = hydro.ModeAuto
			}
		}
		r.net.AddGate(c)
	}

	if c.Automated != nil && c.Automated.ScadaTag != "" {
		r.byScada[c.Automated.ScadaTag] = c.ID
	}
	if c.SectionID != "" {
		found := false
		for _, id := range r.bySection[c.SectionID] {
			if id == c.ID {
				found = true
			}
		}
		if !found {
			r.bySection[c.SectionID] = append(r.bySection[c.SectionID], c.ID)
		}
	}
	r.updateModeGaugeLocked()
	return nil
}

// Get returns a deep copy of the gate.
func (r *Registry) Get(id string) (*hydro.Gate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.net.Gates[id]
	if !ok {
		return nil, false
	}
	return g.Clone(), true
}

// Mode returns the current control mode of the gate.
func (r *Registry) Mode(id string) (hydro.ControlMode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.net.Gates[id]
	if !ok {
		return "", false
	}
	return g.Mode, true
}

// ByScadaTag resolves a gate by its SCADA tag.
func (r *Registry) ByScadaTag(tag string) (*hydro.Gate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byScada[tag]
	if !ok {
		return nil, false
	}
	return r.net.Gates[id].Clone(), true
}

// BySection returns the gates installed on a canal section.
func (r *Registry) BySection(sectionID string) []*hydro.Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.bySection[sectionID]
	out := make([]*hydro.Gate, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.net.Gates[id].Clone())
	}
	return out
}

// ListByMode returns the gates currently in the given mode.
func (r *Registry) ListByMode(mode hydro.ControlMode) []*hydro.Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*hydro.Gate
	for _, g := range r.net.Gates {
		if g.Mode == mode {
			out = append(out, g.Clone())
		}
	}
	return out
}

// ListByZone returns the gates whose downstream node serves the given zone.
func (r *Registry) ListByZone(zone string) []*hydro.Gate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*hydro.Gate
	for _, g := range r.net.Gates {
		if n, ok := r.net.Nodes[g.ToNode]; ok && n.Zone == zone {
			out = append(out, g.Clone())
		}
	}
	return out
}

// Network returns a deep snapshot of the canonical network for solver runs.
func (r *Registry) Network() *hydro.Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.net.Snapshot()
}

// GateCount returns the number of registered gates.
func (r *Registry) GateCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.net.Gates)
}

// ApproveRecovery records operator approval for returning a gate to auto.
func (r *Registry) ApproveRecovery(gateID, operator string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.net.Gates[gateID]; !ok {
		r.log.Warn("recovery approval for unknown gate ignored", "gate_id", gateID)
		return
	}
	r.approvals[gateID] = operator
}

// MarkWorkOrder flags an active field work order on the gate; an active
// order blocks the return to auto.
func (r *Registry) MarkWorkOrder(gateID string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.net.Gates[gateID]; !ok {
		r.log.Warn("work-order flag for unknown gate ignored", "gate_id", gateID)
		return
	}
	if active {
		r.workOrders[gateID] = true
	} else {
		delete(r.workOrders, gateID)
	}
}

// UpdateOpening records a new gate opening. When commanded is true the
// automated control record remembers the command for position-fault checks.
func (r *Registry) UpdateOpening(gateID string, fraction float64, commanded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.net.Gates[gateID]
	if !ok {
		r.log.Warn("opening update for unknown gate ignored", "gate_id", gateID)
		return
	}
	g.SetOpening(fraction)
	if commanded && g.Automated != nil {
		g.Automated.LastCommandPos = g.Opening
		g.Automated.LastCommandAt = time.Now()
	}
}

// RecordCommunication maintains the consecutive SCADA failure counter. On
// reaching the threshold the communication_timeout rule fires.
func (r *Registry) RecordCommunication(ctx context.Context, gateID string, success bool) {
	r.mu.Lock()
	g, ok := r.net.Gates[gateID]
	if !ok {
		r.mu.Unlock()
		r.log.Warn("communication record for unknown gate ignored", "gate_id", gateID)
		return
	}

	fire := false
	if success {
		g.CommFailures = 0
		if g.Automated != nil {
			g.Automated.LastContactAt = time.Now()
		}
	} else {
		g.CommFailures++
		fire = g.CommFailures >= r.opts.CommFailureThreshold
	}
	r.mu.Unlock()

	if fire {
		r.fire(ctx, gateID, TriggerCommTimeout, "health-monitor")
	}
}

// RecordPosition stores the telemetry position and fires the position_fault
// rule when it diverges from the last command beyond the tolerance.
func (r *Registry) RecordPosition(ctx context.Context, gateID string, reported float64) {
	r.mu.Lock()
	g, ok := r.net.Gates[gateID]
	if !ok || g.Automated == nil {
		r.mu.Unlock()
		r.log.Warn("position record ignored", "gate_id", gateID)
		return
	}

	g.Automated.ReportedPos = reported
	diverged := reported-g.Automated.LastCommandPos > r.opts.PositionTolerance ||
		g.Automated.LastCommandPos-reported > r.opts.PositionTolerance
	g.Automated.PositionFault = diverged
	r.mu.Unlock()

	if diverged {
		r.fire(ctx, gateID, TriggerPositionFault, "health-monitor")
	}
}

// UpdateEquipmentStatus records the equipment status; a fault forces the
// gate into failed mode.
func (r *Registry) UpdateEquipmentStatus(ctx context.Context, gateID string, status hydro.EquipmentStatus) {
	r.mu.Lock()
	g, ok := r.net.Gates[gateID]
	if !ok {
		r.mu.Unlock()
		r.log.Warn("equipment status for unknown gate ignored", "gate_id", gateID)
		return
	}
	g.Status = status
	r.mu.Unlock()

	if status == hydro.StatusFault {
		r.fire(ctx, gateID, TriggerEquipmentFault, "health-monitor")
	}
}

// updateModeGaugeLocked recomputes the per-mode gate gauge.
func (r *Registry) updateModeGaugeLocked() {
	if r.metrics == nil {
		return
	}
	counts := map[hydro.ControlMode]int{
		hydro.ModeAuto: 0, hydro.ModeManual: 0, hydro.ModeMaintenance: 0,
		hydro.ModeFailed: 0, hydro.ModeTransitioning: 0,
	}
	for _, g := range r.net.Gates {
		counts[g.Mode]++
	}
	for mode, n := range counts {
		r.metrics.GatesByMode.WithLabelValues(string(mode)).Set(float64(n))
	}
}
