package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hydronet/migrations"
	"hydronet/pkg/audit"
	"hydronet/pkg/cache"
	"hydronet/pkg/config"
	"hydronet/pkg/database"
	"hydronet/pkg/hydro"
	"hydronet/pkg/logger"
	"hydronet/pkg/metrics"
	"hydronet/pkg/ratelimit"
	"hydronet/pkg/telemetry"

	"hydronet/services/control-svc/internal/accounting"
	"hydronet/services/control-svc/internal/clients"
	"hydronet/services/control-svc/internal/dispatch"
	"hydronet/services/control-svc/internal/optimizer"
	"hydronet/services/control-svc/internal/preserve"
	"hydronet/services/control-svc/internal/registry"
	"hydronet/services/control-svc/internal/repository"
	"hydronet/services/control-svc/internal/server"
	"hydronet/services/control-svc/internal/service"
	"hydronet/services/control-svc/internal/solver"
)

func main() {
	if err := run(); err != nil {
		slog.Error("control-svc exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.Init(ctx, telemetry.Config{
			Enabled:     true,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			Version:     cfg.App.Version,
			Environment: cfg.App.Environment,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		if err != nil {
			log.Warn("failed to init telemetry, continuing without traces", "error", err)
		} else {
			defer func() {
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutCtx); err != nil {
					log.Warn("telemetry shutdown failed", "error", err)
				}
			}()
		}
	}

	m := metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
	m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)

	// База и миграции — фатально при недоступности
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(ctx, db.Pool(), &cfg.Database, migrations.FS, migrations.Dir); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("migrations applied")
	}

	var aud audit.Logger = &audit.NoopLogger{}
	if cfg.Audit.Enabled {
		a, err := audit.New(&audit.Config{
			Enabled:     true,
			Backend:     cfg.Audit.Backend,
			FilePath:    cfg.Audit.FilePath,
			BufferSize:  cfg.Audit.BufferSize,
			FlushPeriod: cfg.Audit.FlushPeriod,
		})
		if err != nil {
			log.Warn("failed to create audit logger, control actions go unaudited", "error", err)
		} else {
			aud = a
			defer func() {
				if err := a.Close(); err != nil {
					log.Warn("audit logger close failed", "error", err)
				}
			}()
		}
	}

	repos := repository.New(db)

	// Внешние адаптеры; реестр сервисов при включении уточняет адреса
	disc := clients.NewDiscovery(cfg.Discovery, log, m)
	defer disc.Close()
	resolveBase(ctx, disc, "scada", &cfg.Scada.BaseURL, log)
	resolveBase(ctx, disc, "fieldops", &cfg.FieldOps.BaseURL, log)
	resolveBase(ctx, disc, "sensors", &cfg.Sensors.BaseURL, log)
	resolveBase(ctx, disc, "gis", &cfg.GIS.BaseURL, log)
	resolveBase(ctx, disc, "weather", &cfg.Weather.BaseURL, log)
	if cfg.Discovery.Enabled {
		disc.StartHeartbeat(ctx, cfg.App.Name, fmt.Sprintf(":%d", cfg.Server.Port))
	}

	scada, err := clients.NewScada(cfg.Scada, log, m)
	if err != nil {
		return fmt.Errorf("failed to create scada client: %w", err)
	}
	defer func() {
		if err := scada.Close(); err != nil {
			log.Warn("scada client close failed", "error", err)
		}
	}()
	fieldOps := clients.NewFieldOps(cfg.FieldOps, log, m)
	sensors := clients.NewSensors(cfg.Sensors, log, m)
	weather := clients.NewWeather(cfg.Weather, log, m)

	// Снимки состояния: память → redis → БД, файловый резерв внутри
	preserver := preserve.New(repos.Snapshots, snapshotTiers(cfg, log), cfg.Preserve, log, m)
	go preserver.RunSweeper(ctx)

	reg := registry.New(log, m, aud, preserver, registry.Options{
		CommFailureThreshold: cfg.Scada.CommFailureThreshold,
		PositionTolerance:    cfg.Scada.PositionTolerance,
	})

	net, err := repos.Network.LoadNetwork(ctx)
	if err != nil {
		return fmt.Errorf("failed to load network: %w", err)
	}
	if cfg.GIS.BaseURL != "" {
		enrichGeometry(ctx, clients.NewGIS(cfg.GIS, log, m), net, log)
	}
	if err := reg.Load(net); err != nil {
		return fmt.Errorf("failed to load gate registry: %w", err)
	}
	log.Info("gate registry loaded", "gates", reg.GateCount())

	solverOpts := solver.OptionsFromConfig(cfg)
	pool := solver.NewPool(cfg.Solver.Workers, solveCache(cfg, log))

	opt := optimizer.New(optimizer.OptionsFromConfig(cfg), solverOpts, log, m)
	acct := accounting.New(repos.Accounting, cfg.Accounting, log, m, aud)

	disp := dispatch.New(reg, scada, fieldOps,
		service.NewSafetyCheck(pool, reg, solverOpts),
		cfg.Dispatch, log, m, aud, repos.Snapshots)
	defer disp.Close()

	monitor := registry.NewHealthMonitor(reg, service.NewProber(scada, reg), m, log,
		time.Duration(cfg.Scada.HealthIntervalS)*time.Second, cfg.Scada.ProbeTimeout)
	go monitor.Run(ctx)

	if cfg.Sensors.AnomalyChannel != "" {
		listener, err := clients.NewAnomalyListener(cfg.Database.DSN(), cfg.Sensors, log, m)
		if err != nil {
			log.Warn("anomaly listener unavailable", "error", err)
		} else {
			defer func() {
				if err := listener.Close(); err != nil {
					log.Warn("anomaly listener close failed", "error", err)
				}
			}()
			go consumeAnomalies(ctx, listener.Subscribe(ctx), reg, log)
		}
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(&ratelimit.Config{
			Requests:        cfg.RateLimit.Requests,
			Window:          cfg.RateLimit.Window,
			Strategy:        cfg.RateLimit.Strategy,
			Backend:         cfg.RateLimit.Backend,
			BurstSize:       cfg.RateLimit.BurstSize,
			CleanupInterval: cfg.RateLimit.CleanupInterval,
			RedisAddr:       cfg.RateLimit.RedisAddr,
		})
		if err != nil {
			log.Warn("failed to create rate limiter, continuing without it", "error", err)
		} else {
			defer func() {
				if err := limiter.Close(); err != nil {
					log.Warn("rate limiter close failed", "error", err)
				}
			}()
		}
	}

	svc := service.New(service.Deps{
		Registry:       reg,
		Optimizer:      opt,
		SolverPool:     pool,
		SolverOpts:     solverOpts,
		Accountant:     acct,
		Dispatcher:     disp,
		Repositories:   repos,
		DB:             db,
		Sensors:        sensors,
		Weather:        weather,
		Scada:          scada,
		Limiter:        limiter,
		WeatherStation: cfg.Weather.Station,
		Log:            log,
	})

	ops := server.New(cfg.Server, svc.Readiness, log)
	errCh := make(chan error, 1)
	go func() { errCh <- ops.Run() }()

	log.Info("control-svc started",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"port", cfg.Server.Port)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := ops.Shutdown(shutCtx); err != nil {
		log.Warn("ops server shutdown failed", "error", err)
	}
	log.Info("control-svc stopped")
	return nil
}

// resolveBase overrides a configured base URL with the registry's answer
// when the registry knows the service.
func resolveBase(ctx context.Context, disc *clients.Discovery, name string, base *string, log *slog.Logger) {
	addr, err := disc.Resolve(ctx, name)
	if err != nil || addr == "" {
		return
	}
	if addr != *base {
		log.Info("resolved service address", "service", name, "address", addr)
		*base = addr
	}
}

// snapshotTiers builds the snapshot cache chain: always a memory tier,
// plus redis when the cache backend is configured for it.
func snapshotTiers(cfg *config.Config, log *slog.Logger) []preserve.Tier {
	tiers := []preserve.Tier{{
		Name: "memory",
		Cache: cache.NewMemoryCache(&cache.Options{
			DefaultTTL: cfg.Preserve.MemoryTTL,
			MaxEntries: 4096,
		}),
	}}

	if cfg.Cache.Enabled && cfg.Cache.Driver == "redis" {
		redis, err := cache.NewRedisCache(&cache.Options{
			DefaultTTL:    cfg.Preserve.MemoryTTL,
			RedisAddr:     cfg.Cache.Address(),
			RedisPassword: cfg.Cache.Password,
			RedisDB:       cfg.Cache.DB,
		})
		if err != nil {
			log.Warn("redis snapshot tier unavailable", "error", err)
		} else {
			tiers = append(tiers, preserve.Tier{Name: "redis", Cache: redis})
		}
	}
	return tiers
}

// solveCache builds the steady-state result cache from config, nil when
// caching is disabled.
func solveCache(cfg *config.Config, log *slog.Logger) *cache.SolveCache {
	if !cfg.Cache.Enabled {
		return nil
	}
	c, err := cache.New(&cache.Options{
		Backend:       cfg.Cache.Driver,
		DefaultTTL:    cfg.Cache.DefaultTTL,
		MaxEntries:    cfg.Cache.MaxEntries,
		RedisAddr:     cfg.Cache.Address(),
		RedisPassword: cfg.Cache.Password,
		RedisDB:       cfg.Cache.DB,
	})
	if err != nil {
		log.Warn("solve cache unavailable, solving without it", "error", err)
		return nil
	}
	return cache.NewSolveCache(c, cfg.Solver.CacheTTL)
}

// enrichGeometry fills surveyed geometry for sections the database has no
// record for. GIS being down is not fatal, the solver falls back to the
// stored geometry.
func enrichGeometry(ctx context.Context, gis *clients.GISClient, net *hydro.Network, log *slog.Logger) {
	for _, s := range net.Sections {
		if s.BottomWidth > 0 && s.Length > 0 {
			continue
		}
		geo, err := gis.SectionGeometry(ctx, s.ID)
		if err != nil {
			log.Warn("section geometry lookup failed", "section", s.ID, "error", err)
			continue
		}
		if s.Length <= 0 {
			s.Length = geo.LengthM
		}
		if s.BottomWidth <= 0 {
			s.BottomWidth = geo.BedWidthM
		}
		if s.SideSlope <= 0 {
			s.SideSlope = geo.SideSlope
		}
		if s.Lining == hydro.LiningUnspecified && geo.Lining != "" {
			s.Lining = hydro.ParseLining(geo.Lining)
		}
		log.Info("section geometry filled from GIS", "section", s.ID)
	}
}

// consumeAnomalies degrades gate equipment status on critical sensor
// anomalies and logs the rest.
func consumeAnomalies(ctx context.Context, events <-chan clients.AnomalyEvent, reg *registry.Registry, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.Warn("sensor anomaly",
				"sensor", ev.SensorID, "gate", ev.GateID,
				"kind", ev.Kind, "severity", ev.Severity, "message", ev.Message)
			if ev.GateID != "" && ev.Severity == "critical" {
				reg.UpdateEquipmentStatus(ctx, ev.GateID, hydro.StatusDegraded)
			}
		}
	}
}
