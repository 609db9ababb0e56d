// Package service is the inbound façade of the control core. It wires the
// registry, optimizer, accountant, dispatcher and preserver behind the six
// operations the office systems call, and owns the cross-cutting concerns
// those operations share: rate limiting, input validation and tracing.
//
// # Failure Semantics
//
// Operations return apperror-coded errors; the caller maps them to its own
// transport. Rate-limited calls fail fast with a retryable code. External
// degradation (stale weather, missing sensor trace) downgrades the result
// instead of failing the operation.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"hydronet/pkg/apperror"
	"hydronet/pkg/database"
	"hydronet/pkg/hydro"
	"hydronet/pkg/ratelimit"

	"hydronet/services/control-svc/internal/accounting"
	"hydronet/services/control-svc/internal/clients"
	"hydronet/services/control-svc/internal/dispatch"
	"hydronet/services/control-svc/internal/optimizer"
	"hydronet/services/control-svc/internal/registry"
	"hydronet/services/control-svc/internal/repository"
	"hydronet/services/control-svc/internal/solver"
)

// TraceReader pulls a measured hydrograph from the sensor store.
type TraceReader interface {
	FlowTrace(ctx context.Context, gateID string, from, to time.Time) (*hydro.FlowTrace, error)
}

// WeatherReader supplies the ambient conditions for the loss model.
type WeatherReader interface {
	Current(ctx context.Context, station string) (*clients.Observation, error)
}

// BreakerProbe reports an external client's circuit state for readiness.
type BreakerProbe interface {
	BreakerState() string
}

// ControlService bundles the control core behind its inbound operations.
type ControlService struct {
	reg   *registry.Registry
	opt   *optimizer.Optimizer
	pool  *solver.Pool
	acct  *accounting.Accountant
	disp  *dispatch.Dispatcher
	repos *repository.Repositories
	db    database.DB

	sensors TraceReader
	weather WeatherReader
	scada   BreakerProbe

	limiter    ratelimit.Limiter
	solverOpts *solver.Options

	weatherStation string

	log *slog.Logger
}

// Deps carries the service collaborators. The sensor, weather and limiter
// entries are optional; the rest are required.
type Deps struct {
	Registry     *registry.Registry
	Optimizer    *optimizer.Optimizer
	SolverPool   *solver.Pool
	SolverOpts   *solver.Options
	Accountant   *accounting.Accountant
	Dispatcher   *dispatch.Dispatcher
	Repositories *repository.Repositories
	DB           database.DB

	Sensors TraceReader
	Weather WeatherReader
	Scada   BreakerProbe
	Limiter ratelimit.Limiter

	WeatherStation string

	Log *slog.Logger
}

// New creates the control service.
func New(d Deps) *ControlService {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &ControlService{
		reg:            d.Registry,
		opt:            d.Optimizer,
		pool:           d.SolverPool,
		solverOpts:     d.SolverOpts,
		acct:           d.Accountant,
		disp:           d.Dispatcher,
		repos:          d.Repositories,
		db:             d.DB,
		sensors:        d.Sensors,
		weather:        d.Weather,
		scada:          d.Scada,
		limiter:        d.Limiter,
		weatherStation: d.WeatherStation,
		log:            log,
	}
}

// Readiness reports whether the service can do useful work: the store must
// answer a ping and the SCADA circuit must not be open. Used by /readyz.
func (s *ControlService) Readiness(ctx context.Context) error {
	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			return apperror.Wrap(err, apperror.CodeStoreUnavailable, "database ping failed")
		}
	}
	if s.scada != nil && s.scada.BreakerState() == "open" {
		return apperror.New(apperror.CodeBreakerOpen, "scada circuit breaker is open")
	}
	return nil
}

// allow enforces the per-operation rate limit. A limiter failure is logged
// and waved through: throttling must not take the service down with it.
func (s *ControlService) allow(ctx context.Context, op string) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, ratelimit.OperationKey("control-svc", op))
	if err != nil {
		s.log.Warn("rate limiter failed, allowing request", "operation", op, "error", err)
		return nil
	}
	if !ok {
		return apperror.New(apperror.CodeRateLimited, fmt.Sprintf("%s rate limit exceeded", op))
	}
	return nil
}

// conditions fetches the current weather for the loss model, falling back
// to the standard climate when the provider is down or unconfigured.
func (s *ControlService) conditions(ctx context.Context) accounting.Conditions {
	if s.weather == nil || s.weatherStation == "" {
		return accounting.StandardConditions()
	}
	obs, err := s.weather.Current(ctx, s.weatherStation)
	if err != nil {
		s.log.Warn("weather unavailable, using standard conditions", "error", err)
		return accounting.StandardConditions()
	}
	if obs.Stale {
		s.log.Warn("weather observation is stale", "station", s.weatherStation)
	}
	return accounting.Conditions{
		TempC:       obs.TempC,
		HumidityPct: obs.HumidityPct,
		WindMS:      obs.WindMS,
		SolarWM2:    obs.SolarWM2,
	}
}

// GateStatusReader polls one gate's field telemetry. Implemented by the
// SCADA client.
type GateStatusReader interface {
	GetGateStatus(ctx context.Context, tag string) (*clients.GateStatus, error)
}

// Prober adapts SCADA status polls to the registry's health-probe surface,
// converting the reported opening in meters to the gate's fraction.
type Prober struct {
	reader GateStatusReader
	reg    *registry.Registry
}

// NewProber creates the health-monitor probe adapter.
func NewProber(reader GateStatusReader, reg *registry.Registry) *Prober {
	return &Prober{reader: reader, reg: reg}
}

// ProbeGate polls one gate by SCADA tag.
func (p *Prober) ProbeGate(ctx context.Context, scadaTag string) (registry.ProbeResult, error) {
	st, err := p.reader.GetGateStatus(ctx, scadaTag)
	if err != nil {
		return registry.ProbeResult{}, err
	}

	res := registry.ProbeResult{Position: st.OpeningM}
	if g, ok := p.reg.ByScadaTag(scadaTag); ok && g.MaxOpening > 0 {
		res.Position = st.OpeningM / g.MaxOpening
	}

	switch strings.ToLower(st.Status) {
	case "operational", "ok":
		res.Status = hydro.StatusOperational
	case "degraded":
		res.Status = hydro.StatusDegraded
	case "fault", "failed":
		res.Status = hydro.StatusFault
	}
	return res, nil
}

// NewSafetyCheck builds the dispatcher precheck from the solver pool: the
// candidate opening is simulated quasi-steadily and an unsafe trajectory
// blocks the command with a safety-kind error. A solver failure degrades to
// an advisory warning so equipment stays controllable when the model
// cannot keep up.
func NewSafetyCheck(pool *solver.Pool, reg *registry.Registry, opts *solver.Options) dispatch.SafetyCheck {
	return func(ctx context.Context, gateID string, target float64) ([]string, error) {
		net := reg.Network()
		sim, err := pool.SimulateChange(ctx, net, gateID, target, 0, opts)
		if err != nil {
			return []string{fmt.Sprintf("safety simulation unavailable: %v", err)}, nil
		}
		if !sim.Safe {
			return sim.Warnings, apperror.New(apperror.CodeDepthViolation,
				fmt.Sprintf("opening %.2f on gate %s fails the safety simulation", target, gateID))
		}
		return sim.Warnings, nil
	}
}
