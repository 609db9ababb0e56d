// Package dispatch routes gate commands to field equipment.
//
// # Queueing
//
// Commands for one gate are serialized through a bounded queue with a
// dedicated worker goroutine, so a new command for a busy gate waits instead
// of racing the one in flight. Queues for different gates are independent.
// On overflow the lowest-priority pending command is rejected to make room;
// when the new command itself ranks lowest, it is the one rejected.
//
// # Routing
//
// The gate's control mode picks the path. Auto goes to SCADA with bounded
// retry, manual becomes a field work order, and maintenance, failed or
// transitioning gates reject the command outright. Emergency stops bypass
// the queues, supersede anything pending and fan out with a per-gate
// timeout.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hydronet/pkg/apperror"
	"hydronet/pkg/audit"
	"hydronet/pkg/config"
	"hydronet/pkg/hydro"
	"hydronet/pkg/metrics"
	"hydronet/services/control-svc/internal/registry"
)

// Scada is the slice of the SCADA adapter the dispatcher drives.
type Scada interface {
	// SetGatePosition commands an opening in meters for the tagged gate.
	SetGatePosition(ctx context.Context, tag string, meters float64, transition time.Duration, priority int) error
	// EmergencyStop closes the tagged gate immediately.
	EmergencyStop(ctx context.Context, tag string) error
}

// FieldOps hands work orders to field crews.
type FieldOps interface {
	CreateWorkOrder(ctx context.Context, wo hydro.WorkOrder) (hydro.WorkOrderReceipt, error)
}

// SafetyCheck simulates a candidate opening before dispatch. Advisory
// warnings come back as strings; a blocking violation comes back as a
// safety-kind error and the command is rejected.
type SafetyCheck func(ctx context.Context, gateID string, target float64) ([]string, error)

// State is the lifecycle phase of a submitted command.
type State string

const (
	StatePending    State = "pending"
	StateExecuting  State = "executing"
	StateDone       State = "done"
	StateFailed     State = "failed"
	StateSuperseded State = "superseded"
)

// defaultPriority applies when a command arrives without one. 1 is the
// highest priority.
const defaultPriority = 5

// fallbackTransition estimates actuator travel when neither the command nor
// the gate record carries timing.
const fallbackTransition = 5 * time.Minute

// Command asks for a gate opening change.
type Command struct {
	ID         string  // присваивается диспетчером, если пуст
	GateID     string
	Target     float64 // доля открытия [0..1]
	Transition time.Duration
	Priority   int // 1 - наивысший
	Reason     string
	Operator   string
	Precheck   bool // прогнать проверку безопасности перед постановкой
}

// Result reports how a queued command ended.
type Result struct {
	CommandID   string
	GateID      string
	State       State
	Attempts    int
	Err         error
	CompletedAt time.Time
}

// Ack is the synchronous answer to Submit.
type Ack struct {
	CommandID          string
	Accepted           bool
	Queued             bool                    // false, когда вместо SCADA выписан наряд
	WorkOrder          *hydro.WorkOrderReceipt // заполнен для ручного затвора
	ExpectedCompletion time.Time
	Warnings           []string

	// Done delivers exactly one Result for queued commands and is nil for
	// work-order dispatches.
	Done <-chan Result
}

// Dispatcher owns the per-gate command queues.
type Dispatcher struct {
	reg   *registry.Registry
	scada Scada
	field FieldOps
	check SafetyCheck
	cfg   config.DispatchConfig

	log       *slog.Logger
	metrics   *metrics.Metrics
	audit     audit.Logger
	incidents IncidentStore

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*gateQueue
	closed bool
}

// New creates a dispatcher. The safety check, metrics, audit and incident
// collaborators are optional.
func New(reg *registry.Registry, sc Scada, field FieldOps, check SafetyCheck,
	cfg config.DispatchConfig, log *slog.Logger, m *metrics.Metrics,
	aud audit.Logger, incidents IncidentStore) *Dispatcher {

	if log == nil {
		log = slog.Default()
	}
	if aud == nil {
		aud = &audit.NoopLogger{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		reg:       reg,
		scada:     sc,
		field:     field,
		check:     check,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		audit:     aud,
		incidents: incidents,
		baseCtx:   ctx,
		cancel:    cancel,
		queues:    make(map[string]*gateQueue),
	}
}

// Submit routes a command by the gate's current control mode. Automated
// gates get the command queued; manual gates get a field work order created
// synchronously. Gates in maintenance, failed or transitioning modes reject
// the command.
func (d *Dispatcher) Submit(ctx context.Context, cmd Command) (*Ack, error) {
	if cmd.GateID == "" {
		return nil, apperror.New(apperror.CodeNilInput, "command gate id is empty")
	}
	if cmd.Target < 0 || cmd.Target > 1 {
		return nil, apperror.New(apperror.CodeOutOfRange,
			fmt.Sprintf("target opening %.3f is outside [0, 1]", cmd.Target))
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Priority <= 0 {
		cmd.Priority = defaultPriority
	}

	g, ok := d.reg.Get(cmd.GateID)
	if !ok {
		return nil, apperror.New(apperror.CodeUnknownGate,
			fmt.Sprintf("gate %q is not registered", cmd.GateID))
	}

	var warnings []string
	if cmd.Precheck && d.check != nil {
		ws, err := d.check(ctx, cmd.GateID, cmd.Target)
		warnings = ws
		if err != nil {
			d.reject("safety")
			d.auditCommand(ctx, cmd, audit.OutcomeFailure, err)
			return &Ack{CommandID: cmd.ID, Warnings: warnings}, err
		}
	}

	switch g.Mode {
	case hydro.ModeAuto:
		return d.submitAuto(g, cmd, warnings)
	case hydro.ModeManual:
		return d.submitManual(ctx, g, cmd, warnings)
	default:
		d.reject("mode_conflict")
		return nil, apperror.New(apperror.CodeModeConflict,
			fmt.Sprintf("gate %q is in %s mode and does not accept commands", cmd.GateID, g.Mode))
	}
}

func (d *Dispatcher) submitAuto(g *hydro.Gate, cmd Command, warnings []string) (*Ack, error) {
	pc, ahead, err := d.enqueue(cmd)
	if err != nil {
		return nil, err
	}

	est := transitionEstimate(g, cmd)
	return &Ack{
		CommandID:          cmd.ID,
		Accepted:           true,
		Queued:             true,
		ExpectedCompletion: time.Now().UTC().Add(time.Duration(ahead+1) * est),
		Warnings:           warnings,
		Done:               pc.done,
	}, nil
}

func (d *Dispatcher) submitManual(ctx context.Context, g *hydro.Gate, cmd Command, warnings []string) (*Ack, error) {
	wo := buildWorkOrder(g, cmd, warnings, false)

	cctx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
	defer cancel()

	receipt, err := d.field.CreateWorkOrder(cctx, wo)
	if err != nil {
		d.command("work_order_failed")
		d.auditCommand(ctx, cmd, audit.OutcomeFailure, err)
		return nil, apperror.Wrap(err, apperror.CodeFieldOpsUnavailable,
			fmt.Sprintf("failed to create work order for gate %q", cmd.GateID))
	}

	d.reg.MarkWorkOrder(cmd.GateID, true)
	d.command("work_order")
	d.auditCommand(ctx, cmd, audit.OutcomeSuccess, nil)
	d.log.Info("work order created for manual gate",
		"gate_id", cmd.GateID, "work_order_id", receipt.ID,
		"target", cmd.Target, "priority", cmd.Priority)

	return &Ack{
		CommandID: cmd.ID,
		Accepted:  true,
		WorkOrder: &receipt,
		Warnings:  warnings,
	}, nil
}

// Resume reopens a gate queue paused by an emergency stop.
func (d *Dispatcher) Resume(gateID string) {
	d.mu.Lock()
	q := d.queues[gateID]
	d.mu.Unlock()
	if q != nil {
		q.resume()
		d.log.Info("gate queue resumed", "gate_id", gateID)
	}
}

// Close stops all workers. Pending commands are superseded.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// enqueue places the command on its gate queue, starting the queue worker on
// first use. It returns the number of commands ahead of the new one.
func (d *Dispatcher) enqueue(cmd Command) (*pendingCommand, int, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, 0, apperror.New(apperror.CodeStateConflict, "dispatcher is closed")
	}
	q := d.queues[cmd.GateID]
	if q == nil {
		q = newGateQueue(cmd.GateID)
		d.queues[cmd.GateID] = q
		d.wg.Add(1)
		go d.worker(q)
	}
	d.mu.Unlock()

	return d.push(q, cmd)
}

func transitionEstimate(g *hydro.Gate, cmd Command) time.Duration {
	if cmd.Transition > 0 {
		return cmd.Transition
	}
	if g.Automated != nil && g.Automated.ActuatorRate > 0 {
		minutes := hydro.Clip(cmd.Target-g.Opening, -1, 1) / g.Automated.ActuatorRate
		if minutes < 0 {
			minutes = -minutes
		}
		if minutes > 0 {
			return time.Duration(minutes * float64(time.Minute))
		}
	}
	return fallbackTransition
}

func buildWorkOrder(g *hydro.Gate, cmd Command, notes []string, urgent bool) hydro.WorkOrder {
	targetMeters := hydro.Clip(cmd.Target, 0, 1) * g.MaxOpening

	var turns float64
	var contact string
	if g.Manual != nil {
		contact = g.Manual.OperatorContact
		if g.Manual.TurnsPerMeter > 0 {
			delta := (cmd.Target - g.Opening) * g.MaxOpening
			if delta < 0 {
				delta = -delta
			}
			turns = delta * g.Manual.TurnsPerMeter
		}
	}

	return hydro.WorkOrder{
		ID:            cmd.ID,
		GateID:        g.ID,
		GateName:      g.Name,
		Location:      fmt.Sprintf("%s: %s -> %s", g.SectionID, g.FromNode, g.ToNode),
		TargetOpening: hydro.Clip(cmd.Target, 0, 1),
		TargetMeters:  targetMeters,
		Turns:         turns,
		Priority:      cmd.Priority,
		Urgent:        urgent,
		Scheduled:     time.Now().UTC(),
		Contact:       contact,
		Reason:        cmd.Reason,
		Operator:      cmd.Operator,
		SafetyNotes:   notes,
	}
}

func (d *Dispatcher) auditCommand(ctx context.Context, cmd Command, outcome audit.Outcome, cause error) {
	b := audit.NewEntry().
		Service("control-svc").
		Method("dispatch.Submit").
		Action(audit.ActionCommand).
		Outcome(outcome).
		User(cmd.Operator, cmd.Operator).
		Resource("gate", cmd.GateID).
		Meta("command_id", cmd.ID).
		Meta("target", cmd.Target).
		Meta("priority", cmd.Priority).
		Meta("reason", cmd.Reason)
	if cause != nil {
		b = b.Error(string(apperror.Code(cause)), cause.Error())
	}
	if err := d.audit.Log(ctx, b.Build()); err != nil {
		d.log.Warn("failed to write command audit entry", "gate_id", cmd.GateID, "error", err)
	}
}

func (d *Dispatcher) reject(reason string) {
	if d.metrics != nil {
		d.metrics.DispatchRejectsTotal.WithLabelValues(reason).Inc()
	}
}

func (d *Dispatcher) command(status string) {
	if d.metrics != nil {
		d.metrics.GateCommandsTotal.WithLabelValues(status).Inc()
	}
}

func (d *Dispatcher) gauge(gateID string, depth int) {
	if d.metrics != nil {
		d.metrics.DispatchQueueDepth.WithLabelValues(gateID).Set(float64(depth))
	}
}
