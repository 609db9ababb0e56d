package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronet/pkg/apperror"
	"hydronet/pkg/config"
	"hydronet/pkg/hydro"
	"hydronet/services/control-svc/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type scadaCall struct {
	tag    string
	meters float64
}

// fakeScada записывает команды; может падать, блокироваться и сигналить о входе
type fakeScada struct {
	mu       sync.Mutex
	calls    []scadaCall
	failures int   // сколько первых вызовов завершить ошибкой
	failWith error
	block    chan struct{} // если задан, SetGatePosition ждёт закрытия
	started  chan struct{} // сигнал о входе в вызов
	stopped  []string
	stopErr  map[string]error
}

func (f *fakeScada) SetGatePosition(ctx context.Context, tag string, meters float64, _ time.Duration, _ int) error {
	f.mu.Lock()
	f.calls = append(f.calls, scadaCall{tag: tag, meters: meters})
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	block := f.block
	started := f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return apperror.Wrap(ctx.Err(), apperror.CodeCommTimeout, "scada call aborted")
		}
	}
	if fail {
		return f.failWith
	}
	return nil
}

func (f *fakeScada) EmergencyStop(_ context.Context, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, tag)
	if f.stopErr != nil {
		return f.stopErr[tag]
	}
	return nil
}

func (f *fakeScada) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeField struct {
	mu     sync.Mutex
	orders []hydro.WorkOrder
	err    error
}

func (f *fakeField) CreateWorkOrder(_ context.Context, wo hydro.WorkOrder) (hydro.WorkOrderReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return hydro.WorkOrderReceipt{}, f.err
	}
	f.orders = append(f.orders, wo)
	return hydro.WorkOrderReceipt{
		ID:           fmt.Sprintf("wo-%d", len(f.orders)),
		AssignedTeam: "бригада-7",
	}, nil
}

func (f *fakeField) lastOrder(t *testing.T) hydro.WorkOrder {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.orders)
	return f.orders[len(f.orders)-1]
}

func dispatchNetwork() *hydro.Network {
	n := hydro.NewNetwork()
	n.AddNode(&hydro.Node{ID: "RES", Kind: hydro.NodeKindReservoir, GroundElev: 215, Level: 221})
	n.AddNode(&hydro.Node{
		ID: "N1", Kind: hydro.NodeKindDelivery, GroundElev: 219,
		SurfaceArea: 800, MinDepth: 0.3, MaxDepth: 2.0, Zone: "Z-EAST",
	})
	n.AddNode(&hydro.Node{
		ID: "N2", Kind: hydro.NodeKindDelivery, GroundElev: 218,
		SurfaceArea: 600, MinDepth: 0.3, MaxDepth: 2.0, Zone: "Z-WEST",
	})
	n.AddGate(&hydro.Gate{
		ID: "G-A", Name: "Головной восточный", Type: hydro.GateTypeRadial,
		SectionID: "C-1", FromNode: "RES", ToNode: "N1",
		Width: 4, MaxOpening: 1.2, SillElev: 219,
		Calibration: hydro.Calibration{K1: 0.70, K2: 0.05, Confidence: 0.9, Source: hydro.CalibrationMeasured},
		Automated:   &hydro.AutomatedControl{ScadaTag: "EAST-01", ActuatorRate: 0.1},
		Mode:        hydro.ModeAuto,
		Status:      hydro.StatusOperational,
	})
	n.AddGate(&hydro.Gate{
		ID: "G-B", Name: "Головной западный", Type: hydro.GateTypeRadial,
		SectionID: "C-2", FromNode: "RES", ToNode: "N2",
		Width: 3, MaxOpening: 1.0, SillElev: 219,
		Calibration: hydro.Calibration{K1: 0.68, K2: 0.05, Confidence: 0.9, Source: hydro.CalibrationMeasured},
		Automated:   &hydro.AutomatedControl{ScadaTag: "WEST-01", ActuatorRate: 0.1},
		Mode:        hydro.ModeAuto,
		Status:      hydro.StatusOperational,
	})
	n.AddGate(&hydro.Gate{
		ID: "G-M", Type: hydro.GateTypeSlide,
		SectionID: "C-1", FromNode: "RES", ToNode: "N1",
		Width: 2, MaxOpening: 1.0, SillElev: 219,
		Calibration: hydro.DefaultCalibration(hydro.GateTypeSlide),
		Manual:      &hydro.ManualControl{OperatorContact: "бригада-3", TurnsPerMeter: 40},
		Mode:        hydro.ModeManual,
		Status:      hydro.StatusOperational,
	})
	return n
}

func dispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		QueueSize:      4,
		CommandTimeout: 2 * time.Second,
		StopTimeout:    2 * time.Second,
		RetryAttempts:  3,
		RetryBase:      time.Millisecond,
	}
}

func newTestDispatcher(t *testing.T, sc Scada, field FieldOps, check SafetyCheck, cfg config.DispatchConfig) (*Dispatcher, *registry.Registry) {
	t.Helper()

	r := registry.New(testLogger(), nil, nil, nil, registry.DefaultOptions())
	require.NoError(t, r.Load(dispatchNetwork()))

	d := New(r, sc, field, check, cfg, testLogger(), nil, nil, nil)
	t.Cleanup(d.Close)
	return d, r
}

func await(t *testing.T, done <-chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("command did not finish in time")
		return Result{}
	}
}

func TestSubmit_AutoCommandGoesToScada(t *testing.T) {
	sc := &fakeScada{}
	d, reg := newTestDispatcher(t, sc, &fakeField{}, nil, dispatchConfig())

	ack, err := d.Submit(context.Background(), Command{
		GateID: "G-A", Target: 0.5, Priority: 2, Reason: "plan", Operator: "disp-1",
	})
	require.NoError(t, err)
	require.True(t, ack.Accepted)
	assert.True(t, ack.Queued)
	assert.NotEmpty(t, ack.CommandID)
	assert.False(t, ack.ExpectedCompletion.IsZero())

	res := await(t, ack.Done)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 1, res.Attempts)
	require.NoError(t, res.Err)

	// Команда ушла в метрах открытия: 0.5 × 1.2
	sc.mu.Lock()
	require.Len(t, sc.calls, 1)
	assert.Equal(t, "EAST-01", sc.calls[0].tag)
	assert.InDelta(t, 0.6, sc.calls[0].meters, 1e-9)
	sc.mu.Unlock()

	// Командная позиция записана в реестр
	g, ok := reg.Get("G-A")
	require.True(t, ok)
	assert.InDelta(t, 0.5, g.Opening, 1e-9)
}

func TestSubmit_RetriesTransientFailures(t *testing.T) {
	sc := &fakeScada{
		failures: 2,
		failWith: apperror.New(apperror.CodeScadaUnavailable, "bridge restarting"),
	}
	d, _ := newTestDispatcher(t, sc, &fakeField{}, nil, dispatchConfig())

	ack, err := d.Submit(context.Background(), Command{GateID: "G-A", Target: 0.3})
	require.NoError(t, err)

	res := await(t, ack.Done)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, sc.callCount())
}

func TestSubmit_NonRetryableFailsFast(t *testing.T) {
	sc := &fakeScada{
		failures: 5,
		failWith: apperror.New(apperror.CodeSafetyInterlock, "interlock engaged"),
	}
	d, _ := newTestDispatcher(t, sc, &fakeField{}, nil, dispatchConfig())

	ack, err := d.Submit(context.Background(), Command{GateID: "G-A", Target: 0.3})
	require.NoError(t, err)

	res := await(t, ack.Done)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, apperror.CodeSafetyInterlock, apperror.Code(res.Err))
}

func TestSubmit_ManualGateCreatesWorkOrder(t *testing.T) {
	field := &fakeField{}
	d, _ := newTestDispatcher(t, &fakeScada{}, field, nil, dispatchConfig())

	ack, err := d.Submit(context.Background(), Command{
		GateID: "G-M", Target: 0.7, Priority: 3, Reason: "weekly plan", Operator: "disp-1",
	})
	require.NoError(t, err)
	require.True(t, ack.Accepted)
	assert.False(t, ack.Queued)
	assert.Nil(t, ack.Done)
	require.NotNil(t, ack.WorkOrder)
	assert.Equal(t, "бригада-7", ack.WorkOrder.AssignedTeam)

	wo := field.lastOrder(t)
	assert.Equal(t, "G-M", wo.GateID)
	assert.InDelta(t, 0.7, wo.TargetOpening, 1e-9)
	assert.InDelta(t, 0.7, wo.TargetMeters, 1e-9)
	// 0.7 м хода × 40 оборотов на метр
	assert.InDelta(t, 28, wo.Turns, 1e-9)
	assert.Equal(t, 3, wo.Priority)
	assert.False(t, wo.Urgent)
	assert.Equal(t, "бригада-3", wo.Contact)
}

func TestSubmit_ManualPathWrapsFieldOpsFailure(t *testing.T) {
	field := &fakeField{err: apperror.New(apperror.CodeFieldOpsUnavailable, "crew api down")}
	d, _ := newTestDispatcher(t, &fakeScada{}, field, nil, dispatchConfig())

	_, err := d.Submit(context.Background(), Command{GateID: "G-M", Target: 0.4})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeFieldOpsUnavailable, apperror.Code(err))
}

func TestSubmit_RejectsBlockedModes(t *testing.T) {
	d, reg := newTestDispatcher(t, &fakeScada{}, &fakeField{}, nil, dispatchConfig())
	ctx := context.Background()

	require.NoError(t, reg.Transition(ctx, "G-A", hydro.ModeMaintenance,
		registry.ReasonMaintenanceWindow, "disp-1"))

	_, err := d.Submit(ctx, Command{GateID: "G-A", Target: 0.5})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeModeConflict, apperror.Code(err))
}

func TestSubmit_ValidatesInput(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeScada{}, &fakeField{}, nil, dispatchConfig())
	ctx := context.Background()

	_, err := d.Submit(ctx, Command{GateID: "", Target: 0.5})
	assert.Equal(t, apperror.CodeNilInput, apperror.Code(err))

	_, err = d.Submit(ctx, Command{GateID: "G-A", Target: 1.5})
	assert.Equal(t, apperror.CodeOutOfRange, apperror.Code(err))

	_, err = d.Submit(ctx, Command{GateID: "G-X", Target: 0.5})
	assert.Equal(t, apperror.CodeUnknownGate, apperror.Code(err))
}

func TestSubmit_QueueOverflowEvictsLowestPriority(t *testing.T) {
	sc := &fakeScada{
		block:   make(chan struct{}),
		started: make(chan struct{}, 8),
	}
	cfg := dispatchConfig()
	cfg.QueueSize = 2
	d, _ := newTestDispatcher(t, sc, &fakeField{}, nil, cfg)
	ctx := context.Background()

	// Первая команда занимает воркер и блокируется в SCADA
	first, err := d.Submit(ctx, Command{GateID: "G-A", Target: 0.1, Priority: 1})
	require.NoError(t, err)
	<-sc.started

	second, err := d.Submit(ctx, Command{GateID: "G-A", Target: 0.2, Priority: 5})
	require.NoError(t, err)
	third, err := d.Submit(ctx, Command{GateID: "G-A", Target: 0.3, Priority: 7})
	require.NoError(t, err)

	// Очередь полна: более важная команда вытесняет худшую из ожидающих
	fourth, err := d.Submit(ctx, Command{GateID: "G-A", Target: 0.4, Priority: 2})
	require.NoError(t, err)

	evicted := await(t, third.Done)
	assert.Equal(t, StateFailed, evicted.State)
	assert.Equal(t, apperror.CodeQueueFull, apperror.Code(evicted.Err))

	// Команда не важнее худшей из ожидающих отклоняется сама
	_, err = d.Submit(ctx, Command{GateID: "G-A", Target: 0.5, Priority: 9})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeQueueFull, apperror.Code(err))

	close(sc.block)

	// Оставшиеся выполняются по порядку поступления
	for _, ack := range []*Ack{first, second, fourth} {
		res := await(t, ack.Done)
		assert.Equal(t, StateDone, res.State)
	}
}

func TestSubmit_SafetyPrecheck(t *testing.T) {
	blocked := apperror.New(apperror.CodeVelocityExceeded, "predicted velocity 2.4 m/s")

	var target float64
	check := func(_ context.Context, _ string, tgt float64) ([]string, error) {
		target = tgt
		if tgt > 0.8 {
			return []string{"скорость выше предельной"}, blocked
		}
		return []string{"глубина близка к минимуму"}, nil
	}
	d, _ := newTestDispatcher(t, &fakeScada{}, &fakeField{}, check, dispatchConfig())
	ctx := context.Background()

	// Блокирующее нарушение отклоняет команду до постановки в очередь
	ack, err := d.Submit(ctx, Command{GateID: "G-A", Target: 0.9, Precheck: true})
	require.Error(t, err)
	assert.Equal(t, apperror.CodeVelocityExceeded, apperror.Code(err))
	require.NotNil(t, ack)
	assert.False(t, ack.Accepted)
	assert.NotEmpty(t, ack.Warnings)
	assert.InDelta(t, 0.9, target, 1e-9)

	// Предупреждения без блокировки попадают в ответ, команда идёт дальше
	ack, err = d.Submit(ctx, Command{GateID: "G-A", Target: 0.4, Precheck: true})
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, []string{"глубина близка к минимуму"}, ack.Warnings)
	res := await(t, ack.Done)
	assert.Equal(t, StateDone, res.State)
}

func TestSubmit_CommFallbackAfterRepeatedTimeouts(t *testing.T) {
	sc := &fakeScada{
		failures: 100,
		failWith: apperror.New(apperror.CodeCommTimeout, "scada timeout"),
	}
	field := &fakeField{}
	cfg := dispatchConfig()
	cfg.RetryAttempts = 1
	d, reg := newTestDispatcher(t, sc, field, nil, cfg)
	ctx := context.Background()

	// Три подряд неудачных команды переводят затвор в ручной режим
	for i := 0; i < 3; i++ {
		ack, err := d.Submit(ctx, Command{GateID: "G-A", Target: 0.5})
		require.NoError(t, err)
		res := await(t, ack.Done)
		require.Equal(t, StateFailed, res.State)
	}

	mode, ok := reg.Mode("G-A")
	require.True(t, ok)
	require.Equal(t, hydro.ModeManual, mode)

	// Следующая команда выписывает наряд вместо SCADA
	ack, err := d.Submit(ctx, Command{GateID: "G-A", Target: 0.5})
	require.NoError(t, err)
	require.NotNil(t, ack.WorkOrder)
	assert.False(t, ack.Queued)
	assert.Equal(t, "G-A", field.lastOrder(t).GateID)
}
