package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronet/pkg/apperror"
	"hydronet/pkg/hydro"
	"hydronet/pkg/ratelimit"

	"hydronet/services/control-svc/internal/accounting"
	"hydronet/services/control-svc/internal/clients"
	"hydronet/services/control-svc/internal/registry"
	"hydronet/services/control-svc/internal/solver"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ============================================================
// Фейки
// ============================================================

type fakeDB struct {
	pingErr error
}

func (f *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (f *fakeDB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error)  { return nil, nil }
func (f *fakeDB) Close()                                                  {}
func (f *fakeDB) Ping(context.Context) error                              { return f.pingErr }

type fakeBreaker struct{ state string }

func (f *fakeBreaker) BreakerState() string { return f.state }

type fakeLimiter struct {
	allow bool
	err   error
}

func (f *fakeLimiter) Allow(context.Context, string) (bool, error)       { return f.allow, f.err }
func (f *fakeLimiter) AllowN(context.Context, string, int) (bool, error) { return f.allow, f.err }
func (f *fakeLimiter) Wait(context.Context, string) error                { return f.err }
func (f *fakeLimiter) Reset(context.Context, string) error               { return nil }
func (f *fakeLimiter) GetInfo(context.Context, string) (*ratelimit.LimitInfo, error) {
	return nil, nil
}
func (f *fakeLimiter) Close() error { return nil }

type fakeStatusReader struct {
	status *clients.GateStatus
	err    error
}

func (f *fakeStatusReader) GetGateStatus(context.Context, string) (*clients.GateStatus, error) {
	return f.status, f.err
}

type fakeWeather struct {
	obs *clients.Observation
	err error
}

func (f *fakeWeather) Current(context.Context, string) (*clients.Observation, error) {
	return f.obs, f.err
}

func testNetwork() *hydro.Network {
	n := hydro.NewNetwork()
	n.AddNode(&hydro.Node{ID: "RES", Kind: hydro.NodeKindReservoir, GroundElev: 215, Level: 221})
	n.AddNode(&hydro.Node{
		ID: "N1", Kind: hydro.NodeKindDelivery, GroundElev: 219,
		SurfaceArea: 1000, MinDepth: 0.3, MaxDepth: 2.0, Zone: "Z-EAST",
	})
	n.AddGate(&hydro.Gate{
		ID: "G-1", Type: hydro.GateTypeRadial, FromNode: "RES", ToNode: "N1",
		Width: 5, MaxOpening: 1.2, SillElev: 219,
		Calibration: hydro.Calibration{K1: 0.70, K2: 0.05, Confidence: 0.8, Source: hydro.CalibrationMeasured},
		Automated:   &hydro.AutomatedControl{ScadaTag: "EAST-01", ActuatorRate: 0.1},
		Mode:        hydro.ModeAuto,
		Status:      hydro.StatusOperational,
		Opening:     0.5,
	})
	return n
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	r := registry.New(testLogger(), nil, nil, nil, registry.DefaultOptions())
	require.NoError(t, r.Load(testNetwork()))
	return r
}

// ============================================================
// Валидация входов
// ============================================================

func TestOptimizeDelivery_NoDemands(t *testing.T) {
	s := New(Deps{Log: testLogger()})
	_, err := s.OptimizeDelivery(context.Background(), OptimizeRequest{})
	assert.True(t, apperror.Is(err, apperror.CodeInvalidInput))
}

func TestCompleteDelivery_EmptyID(t *testing.T) {
	s := New(Deps{Log: testLogger()})
	_, err := s.CompleteDelivery(context.Background(), CompleteRequest{})
	assert.True(t, apperror.Is(err, apperror.CodeInvalidInput))
}

func TestControlGate_Validation(t *testing.T) {
	s := New(Deps{Log: testLogger()})

	_, err := s.ControlGate(context.Background(), ControlRequest{Target: 0.5})
	assert.True(t, apperror.Is(err, apperror.CodeInvalidInput))

	_, err = s.ControlGate(context.Background(), ControlRequest{GateID: "G-1", Target: 1.5})
	assert.True(t, apperror.Is(err, apperror.CodeOutOfRange))

	_, err = s.ControlGate(context.Background(), ControlRequest{GateID: "G-1", Target: -0.1})
	assert.True(t, apperror.Is(err, apperror.CodeOutOfRange))
}

func TestReconcileWeek_InvalidWeek(t *testing.T) {
	s := New(Deps{Log: testLogger()})

	_, err := s.ReconcileWeek(context.Background(), hydro.Week{Year: 2026, Week: 0}, false)
	assert.True(t, apperror.Is(err, apperror.CodeInvalidWeek))

	_, err = s.ReconcileWeek(context.Background(), hydro.Week{Year: 1999, Week: 10}, false)
	assert.True(t, apperror.Is(err, apperror.CodeInvalidWeek))
}

func TestEmergencyStop_RequiresReason(t *testing.T) {
	s := New(Deps{Log: testLogger()})
	_, err := s.EmergencyStop(context.Background(), "all", nil, "", "op-1")
	assert.True(t, apperror.Is(err, apperror.CodeInvalidInput))
}

// ============================================================
// Ограничение частоты
// ============================================================

func TestRateLimit_Exceeded(t *testing.T) {
	s := New(Deps{Log: testLogger(), Limiter: &fakeLimiter{allow: false}})

	_, err := s.OptimizeDelivery(context.Background(), OptimizeRequest{
		Demands: []hydro.ZoneDemand{{Zone: "Z-EAST", NodeID: "N1", Flow: 1}},
	})
	assert.True(t, apperror.Is(err, apperror.CodeRateLimited))

	_, err = s.ControlGate(context.Background(), ControlRequest{GateID: "G-1", Target: 0.5})
	assert.True(t, apperror.Is(err, apperror.CodeRateLimited))
}

func TestRateLimit_LimiterFailureAllows(t *testing.T) {
	// Отказ лимитера не должен ронять операцию: запрос пропускается,
	// а валидация ниже отдаёт свою ошибку
	s := New(Deps{Log: testLogger(), Limiter: &fakeLimiter{err: errors.New("redis down")}})

	_, err := s.OptimizeDelivery(context.Background(), OptimizeRequest{})
	assert.True(t, apperror.Is(err, apperror.CodeInvalidInput))
}

// ============================================================
// Готовность
// ============================================================

func TestReadiness(t *testing.T) {
	ctx := context.Background()

	s := New(Deps{Log: testLogger(), DB: &fakeDB{}, Scada: &fakeBreaker{state: "closed"}})
	assert.NoError(t, s.Readiness(ctx))

	s = New(Deps{Log: testLogger(), DB: &fakeDB{pingErr: errors.New("refused")}})
	assert.True(t, apperror.Is(s.Readiness(ctx), apperror.CodeStoreUnavailable))

	s = New(Deps{Log: testLogger(), DB: &fakeDB{}, Scada: &fakeBreaker{state: "open"}})
	assert.True(t, apperror.Is(s.Readiness(ctx), apperror.CodeBreakerOpen))
}

// ============================================================
// Адаптер пробника SCADA
// ============================================================

func TestProber_ConvertsMetersToFraction(t *testing.T) {
	reg := testRegistry(t)
	p := NewProber(&fakeStatusReader{status: &clients.GateStatus{
		Tag: "EAST-01", OpeningM: 0.6, Status: "ok",
	}}, reg)

	res, err := p.ProbeGate(context.Background(), "EAST-01")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Position, 1e-9) // 0.6 м при максимуме 1.2 м
	assert.Equal(t, hydro.StatusOperational, res.Status)
}

func TestProber_StatusMapping(t *testing.T) {
	reg := testRegistry(t)

	for status, want := range map[string]hydro.EquipmentStatus{
		"degraded": hydro.StatusDegraded,
		"fault":    hydro.StatusFault,
		"failed":   hydro.StatusFault,
	} {
		p := NewProber(&fakeStatusReader{status: &clients.GateStatus{
			Tag: "EAST-01", OpeningM: 0.3, Status: status,
		}}, reg)
		res, err := p.ProbeGate(context.Background(), "EAST-01")
		require.NoError(t, err)
		assert.Equal(t, want, res.Status, status)
	}
}

func TestProber_ReaderError(t *testing.T) {
	p := NewProber(&fakeStatusReader{err: errors.New("bridge down")}, testRegistry(t))
	_, err := p.ProbeGate(context.Background(), "EAST-01")
	assert.Error(t, err)
}

// ============================================================
// Погодные условия
// ============================================================

func TestConditions_FallsBackToStandard(t *testing.T) {
	s := New(Deps{Log: testLogger()})
	assert.Equal(t, accounting.StandardConditions(), s.conditions(context.Background()))

	s = New(Deps{
		Log:            testLogger(),
		Weather:        &fakeWeather{err: errors.New("station offline")},
		WeatherStation: "WS-1",
	})
	assert.Equal(t, accounting.StandardConditions(), s.conditions(context.Background()))
}

func TestConditions_MapsObservation(t *testing.T) {
	s := New(Deps{
		Log: testLogger(),
		Weather: &fakeWeather{obs: &clients.Observation{
			Station: "WS-1", TempC: 31, HumidityPct: 22, WindMS: 4.5, SolarWM2: 780,
		}},
		WeatherStation: "WS-1",
	})

	c := s.conditions(context.Background())
	assert.InDelta(t, 31, c.TempC, 1e-9)
	assert.InDelta(t, 22, c.HumidityPct, 1e-9)
	assert.InDelta(t, 4.5, c.WindMS, 1e-9)
	assert.InDelta(t, 780, c.SolarWM2, 1e-9)
}

// ============================================================
// Проверка безопасности перед командой
// ============================================================

func TestSafetyCheck_SafeTransitionPasses(t *testing.T) {
	reg := testRegistry(t)
	pool := solver.NewPool(2, nil)

	check := NewSafetyCheck(pool, reg, nil)
	_, err := check(context.Background(), "G-1", 0.45)
	assert.NoError(t, err)
}

func TestSafetyCheck_SolverFailureDegradesToWarning(t *testing.T) {
	reg := testRegistry(t)
	pool := solver.NewPool(1, nil)

	check := NewSafetyCheck(pool, reg, nil)
	warnings, err := check(context.Background(), "NO-SUCH-GATE", 0.5)
	assert.NoError(t, err, "solver failure must not block the command")
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "safety simulation unavailable")
}
