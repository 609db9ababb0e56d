package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hydronet/pkg/apperror"
	"hydronet/pkg/audit"
	"hydronet/pkg/hydro"
)

// pendingCommand tracks one queued command through its lifecycle. The done
// channel is buffered, so delivering the result never blocks a worker.
type pendingCommand struct {
	cmd        Command
	state      State
	done       chan Result
	enqueuedAt time.Time
}

// gateQueue serializes commands for one gate. A paused queue rejects new
// submissions until Resume; pausing supersedes everything pending and
// cancels the command currently in flight.
type gateQueue struct {
	gateID string

	mu       sync.Mutex
	pending  []*pendingCommand
	wake     chan struct{}
	paused   bool
	inflight context.CancelFunc
}

func newGateQueue(gateID string) *gateQueue {
	return &gateQueue{
		gateID: gateID,
		wake:   make(chan struct{}, 1),
	}
}

// push appends the command, evicting the lowest-priority pending one when
// the queue is full. It returns the number of commands ahead of the new one.
func (d *Dispatcher) push(q *gateQueue, cmd Command) (*pendingCommand, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		d.reject("paused")
		return nil, 0, apperror.New(apperror.CodeEmergencyActive,
			fmt.Sprintf("gate %q queue is paused after an emergency stop", q.gateID))
	}

	if len(q.pending) >= d.cfg.QueueSize {
		victim := lowestPriority(q.pending)
		if q.pending[victim].cmd.Priority <= cmd.Priority {
			// Новая команда не важнее худшей из ожидающих
			d.reject("queue_full")
			return nil, 0, apperror.New(apperror.CodeQueueFull,
				fmt.Sprintf("gate %q queue is full (%d pending)", q.gateID, len(q.pending)))
		}

		evicted := q.pending[victim]
		q.pending = append(q.pending[:victim], q.pending[victim+1:]...)
		evicted.state = StateFailed
		evicted.done <- Result{
			CommandID: evicted.cmd.ID,
			GateID:    q.gateID,
			State:     StateFailed,
			Err: apperror.New(apperror.CodeQueueFull,
				fmt.Sprintf("command %q evicted by higher-priority command %q", evicted.cmd.ID, cmd.ID)),
			CompletedAt: time.Now().UTC(),
		}
		d.reject("queue_full")
		d.log.Warn("pending command evicted on queue overflow",
			"gate_id", q.gateID, "evicted", evicted.cmd.ID, "replacement", cmd.ID)
	}

	pc := &pendingCommand{
		cmd:        cmd,
		state:      StatePending,
		done:       make(chan Result, 1),
		enqueuedAt: time.Now().UTC(),
	}
	ahead := len(q.pending)
	q.pending = append(q.pending, pc)
	d.gauge(q.gateID, len(q.pending))

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return pc, ahead, nil
}

// lowestPriority returns the index of the worst pending command, preferring
// the most recently enqueued among equals.
func lowestPriority(pending []*pendingCommand) int {
	worst := 0
	for i := 1; i < len(pending); i++ {
		if pending[i].cmd.Priority >= pending[worst].cmd.Priority {
			worst = i
		}
	}
	return worst
}

func (d *Dispatcher) pop(q *gateQueue) *pendingCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	pc := q.pending[0]
	q.pending = q.pending[1:]
	d.gauge(q.gateID, len(q.pending))
	return pc
}

// pause supersedes everything pending, preempts the in-flight command and
// blocks new submissions.
func (d *Dispatcher) pause(q *gateQueue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	if q.inflight != nil {
		q.inflight()
	}
	for _, pc := range q.pending {
		pc.state = StateSuperseded
		pc.done <- Result{
			CommandID:   pc.cmd.ID,
			GateID:      q.gateID,
			State:       StateSuperseded,
			CompletedAt: time.Now().UTC(),
		}
		d.command("superseded")
	}
	q.pending = nil
	d.gauge(q.gateID, 0)
}

func (q *gateQueue) resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

func (q *gateQueue) setInflight(cancel context.CancelFunc) {
	q.mu.Lock()
	q.inflight = cancel
	q.mu.Unlock()
}

func (q *gateQueue) clearInflight() {
	q.mu.Lock()
	q.inflight = nil
	q.mu.Unlock()
}

func (q *gateQueue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// worker drains one gate queue until the dispatcher closes.
func (d *Dispatcher) worker(q *gateQueue) {
	defer d.wg.Done()
	for {
		if d.baseCtx.Err() != nil {
			d.pause(q)
			return
		}
		pc := d.pop(q)
		if pc == nil {
			select {
			case <-q.wake:
			case <-d.baseCtx.Done():
				d.pause(q)
				return
			}
			continue
		}
		d.execute(q, pc)
	}
}

// execute drives one command to SCADA with bounded retry. Only transient
// external failures are retried; the final outcome feeds the gate's
// communication record either way, so repeated timeouts trip the registry's
// fallback to manual. An emergency stop cancels the command mid-flight.
func (d *Dispatcher) execute(q *gateQueue, pc *pendingCommand) {
	pc.state = StateExecuting
	cmd := pc.cmd

	ctx, cancel := context.WithTimeout(d.baseCtx, d.cfg.CommandTimeout)
	q.setInflight(cancel)
	defer func() {
		q.clearInflight()
		cancel()
	}()

	g, ok := d.reg.Get(cmd.GateID)
	if !ok {
		d.finish(pc, 0, apperror.New(apperror.CodeUnknownGate,
			fmt.Sprintf("gate %q disappeared from the registry", cmd.GateID)))
		return
	}
	if g.Mode != hydro.ModeAuto {
		d.finish(pc, 0, apperror.New(apperror.CodeModeConflict,
			fmt.Sprintf("gate %q left auto mode while the command was queued", cmd.GateID)))
		return
	}
	if g.Automated == nil || g.Automated.ScadaTag == "" {
		d.finish(pc, 0, apperror.New(apperror.CodeInvalidInput,
			fmt.Sprintf("gate %q has no SCADA tag", cmd.GateID)))
		return
	}

	meters := hydro.Clip(cmd.Target, 0, 1) * g.MaxOpening

	var err error
	attempts := 0
attempt:
	for attempts < d.cfg.RetryAttempts {
		if attempts > 0 {
			select {
			case <-time.After(d.cfg.RetryBase << (attempts - 1)):
			case <-ctx.Done():
				err = apperror.Wrap(ctx.Err(), apperror.CodeCommTimeout,
					fmt.Sprintf("command %q timed out waiting to retry", cmd.ID))
				break attempt
			}
		}
		attempts++
		err = d.scada.SetGatePosition(ctx, g.Automated.ScadaTag, meters, cmd.Transition, cmd.Priority)
		if err == nil || !apperror.IsRetryable(err) {
			break
		}
	}

	if err != nil {
		// Остановка сняла команду на лету: это не сбой связи с затвором
		if errors.Is(ctx.Err(), context.Canceled) && q.isPaused() {
			pc.state = StateSuperseded
			pc.done <- Result{
				CommandID:   cmd.ID,
				GateID:      cmd.GateID,
				State:       StateSuperseded,
				Attempts:    attempts,
				CompletedAt: time.Now().UTC(),
			}
			d.command("superseded")
			d.log.Warn("in-flight command preempted by emergency stop",
				"gate_id", cmd.GateID, "command_id", cmd.ID)
			return
		}
		d.reg.RecordCommunication(d.baseCtx, cmd.GateID, false)
		d.command("failed")
		d.auditExecuted(cmd, attempts, err)
		d.log.Error("gate command failed",
			"gate_id", cmd.GateID, "command_id", cmd.ID, "attempts", attempts, "error", err)
		d.finish(pc, attempts, err)
		return
	}

	d.reg.UpdateOpening(cmd.GateID, cmd.Target, true)
	d.reg.RecordCommunication(d.baseCtx, cmd.GateID, true)
	d.command("ok")
	d.auditExecuted(cmd, attempts, nil)
	d.log.Info("gate command executed",
		"gate_id", cmd.GateID, "command_id", cmd.ID, "target", cmd.Target, "attempts", attempts)
	d.finish(pc, attempts, nil)
}

func (d *Dispatcher) finish(pc *pendingCommand, attempts int, err error) {
	state := StateDone
	if err != nil {
		state = StateFailed
	}
	pc.state = state
	pc.done <- Result{
		CommandID:   pc.cmd.ID,
		GateID:      pc.cmd.GateID,
		State:       state,
		Attempts:    attempts,
		Err:         err,
		CompletedAt: time.Now().UTC(),
	}
}

func (d *Dispatcher) auditExecuted(cmd Command, attempts int, cause error) {
	outcome := audit.OutcomeSuccess
	if cause != nil {
		outcome = audit.OutcomeFailure
	}
	b := audit.NewEntry().
		Service("control-svc").
		Method("dispatch.execute").
		Action(audit.ActionCommand).
		Outcome(outcome).
		User(cmd.Operator, cmd.Operator).
		Resource("gate", cmd.GateID).
		Meta("command_id", cmd.ID).
		Meta("target", cmd.Target).
		Meta("attempts", attempts)
	if cause != nil {
		b = b.Error(string(apperror.Code(cause)), cause.Error())
	}
	if err := d.audit.Log(d.baseCtx, b.Build()); err != nil {
		d.log.Warn("failed to write command audit entry", "gate_id", cmd.GateID, "error", err)
	}
}
