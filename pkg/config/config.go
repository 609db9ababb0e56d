// pkg/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config - главная структура конфигурации
type Config struct {
	App        AppConfig        `koanf:"app"`
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Tracing    TracingConfig    `koanf:"tracing"`
	Database   DatabaseConfig   `koanf:"database"`
	Cache      CacheConfig      `koanf:"cache"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Audit      AuditConfig      `koanf:"audit"`
	Retry      RetryConfig      `koanf:"retry"`
	Hydraulic  HydraulicConfig  `koanf:"hydraulic"`
	Solver     SolverConfig     `koanf:"solver"`
	Optimizer  OptimizerConfig  `koanf:"optimizer"`
	Accounting AccountingConfig `koanf:"accounting"`
	Scada      ScadaConfig      `koanf:"scada"`
	FieldOps   FieldOpsConfig   `koanf:"fieldops"`
	Sensors    SensorsConfig    `koanf:"sensors"`
	GIS        GISConfig        `koanf:"gis"`
	Weather    WeatherConfig    `koanf:"weather"`
	Discovery  DiscoveryConfig  `koanf:"discovery"`
	Preserve   PreserveConfig   `koanf:"preserve"`
	Dispatch   DispatchConfig   `koanf:"dispatch"`
	Energy     EnergyConfig     `koanf:"energy"`
}

// AppConfig - общие настройки приложения
type AppConfig struct {
	Name        string `koanf:"name"`
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"` // development, staging, production
	Debug       bool   `koanf:"debug"`
}

// ServerConfig - настройки служебного HTTP сервера (health, readiness, metrics, pprof)
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	EnablePprof     bool          `koanf:"enable_pprof"`
}

// LogConfig - настройки логирования
type LogConfig struct {
	Level      string `koanf:"level"`       // debug, info, warn, error
	Format     string `koanf:"format"`      // json, text
	Output     string `koanf:"output"`      // stdout, stderr, file
	FilePath   string `koanf:"file_path"`   // путь к файлу логов
	MaxSize    int    `koanf:"max_size"`    // MB
	MaxBackups int    `koanf:"max_backups"` // количество бэкапов
	MaxAge     int    `koanf:"max_age"`     // дней
	Compress   bool   `koanf:"compress"`
}

// MetricsConfig - настройки Prometheus метрик
type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Path      string `koanf:"path"`
	Namespace string `koanf:"namespace"`
	Subsystem string `koanf:"subsystem"`
}

// TracingConfig - настройки OpenTelemetry
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// DatabaseConfig - настройки базы данных
type DatabaseConfig struct {
	Driver          string        `koanf:"driver"` // postgres
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	Database        string        `koanf:"database"`
	Username        string        `koanf:"username"`
	Password        string        `koanf:"password"`
	SSLMode         string        `koanf:"ssl_mode"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
	MigrationsPath  string        `koanf:"migrations_path"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// DSN возвращает строку подключения
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
	)
}

// CacheConfig - настройки кэширования
type CacheConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Driver     string        `koanf:"driver"` // redis, memory
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	MaxEntries int           `koanf:"max_entries"` // для in-memory
}

// Address возвращает адрес кэша
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RateLimitConfig конфигурация rate limiting
type RateLimitConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Requests        int           `koanf:"requests"`
	Window          time.Duration `koanf:"window"`
	Strategy        string        `koanf:"strategy"`
	Backend         string        `koanf:"backend"`
	BurstSize       int           `koanf:"burst_size"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
	RedisAddr       string        `koanf:"redis_addr"`
}

// AuditConfig конфигурация аудит лога
type AuditConfig struct {
	Enabled     bool          `koanf:"enabled"`
	Backend     string        `koanf:"backend"` // stdout, file, noop
	FilePath    string        `koanf:"file_path"`
	BufferSize  int           `koanf:"buffer_size"`
	FlushPeriod time.Duration `koanf:"flush_period"`
}

// RetryConfig конфигурация retry для внешних вызовов.
// Повторяются только транзиентные ошибки (5xx, таймауты); 4xx не повторяются.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// HydraulicConfig - глобальные гидравлические параметры сети
type HydraulicConfig struct {
	SourceElevation   float64 `koanf:"source_elevation"`    // отметка головного водозабора, м БС
	MinFlowDepth      float64 `koanf:"min_flow_depth"`      // минимальная рабочая глубина, м
	MaxFlowVelocity   float64 `koanf:"max_flow_velocity"`   // предел по размыву, м/с
	MinFlowVelocity   float64 `koanf:"min_flow_velocity"`   // предел по заилению, м/с
	DepthSafetyFactor float64 `koanf:"depth_safety_factor"` // запас по глубине
}

// SolverConfig - настройки гидравлического решателя
type SolverConfig struct {
	MaxIterations        int           `koanf:"max_iterations"`
	ToleranceM           float64       `koanf:"tolerance_m"`            // допуск изменения уровня, м
	MassBalanceTolerance float64       `koanf:"mass_balance_tolerance"` // допуск небаланса, доля подачи
	Omega                float64       `koanf:"omega"`                  // коэффициент релаксации
	TimeStepS            float64       `koanf:"time_step_s"`            // псевдо-шаг времени, с
	MinTransitionStepS   float64       `koanf:"min_transition_step_s"`  // минимальный шаг сценария перестановки, с
	Timeout              time.Duration `koanf:"timeout"`
	CacheTTL             time.Duration `koanf:"cache_ttl"` // TTL кэша результатов
	Workers              int           `koanf:"workers"`   // 0 — по числу ядер
}

// OptimizerConfig - настройки оптимизатора водоподачи
type OptimizerConfig struct {
	MaxIterations    int           `koanf:"max_iterations"`
	StepTolerance    float64       `koanf:"step_tolerance"`
	DemandRelaxation float64       `koanf:"demand_relaxation"` // допустимое отклонение от заявки, доля
	SmoothnessLimit  float64       `koanf:"smoothness_limit"`  // max |x_i - x_j| на смежных затворах
	Timeout          time.Duration `koanf:"timeout"`
	TimeWeight       float64       `koanf:"time_weight"` // веса сбалансированной цели
	EffWeight        float64       `koanf:"eff_weight"`
	EnergyWeight     float64       `koanf:"energy_weight"`
}

// AccountingConfig - настройки водоучёта и сверки
type AccountingConfig struct {
	CumulativeIntervalMin int     `koanf:"cumulative_interval_min"` // шаг накопительной кривой, мин
	SimpsonEnabled        bool    `koanf:"simpson_enabled"`
	WindowWeeks           int     `koanf:"window_weeks"` // окно переноса дефицита
	CriticalWeeks         []int   `koanf:"critical_weeks"`
	DiscrepancyThreshold  float64 `koanf:"discrepancy_threshold"` // порог корректировки
	DisputeThreshold      float64 `koanf:"dispute_threshold"`     // порог спорной недели
	ExportDir             string  `koanf:"export_dir"`            // каталог книг для ручного разбора
	RateEarthen           float64 `koanf:"rate_earthen"`          // фильтрация, доля на км
	RateLined             float64 `koanf:"rate_lined"`
	RateConcrete          float64 `koanf:"rate_concrete"`
	RatePipe              float64 `koanf:"rate_pipe"`
}

// SeepageRate возвращает норму фильтрации для типа облицовки
func (a AccountingConfig) SeepageRate(lining string) float64 {
	switch lining {
	case "lined":
		return a.RateLined
	case "concrete":
		return a.RateConcrete
	case "pipe":
		return a.RatePipe
	default:
		return a.RateEarthen
	}
}

// ScadaConfig - настройки SCADA адаптера
type ScadaConfig struct {
	BaseURL              string        `koanf:"base_url"`
	UseH2C               bool          `koanf:"use_h2c"` // cleartext HTTP/2 до локального моста
	BridgeHealthAddr     string        `koanf:"bridge_health_addr"`
	Timeout              time.Duration `koanf:"timeout"`
	CommandTimeout       time.Duration `koanf:"command_timeout"`
	ProbeTimeout         time.Duration `koanf:"probe_timeout"`
	HealthIntervalS      int           `koanf:"health_interval_s"`
	CommFailureThreshold int           `koanf:"comm_failure_threshold"` // порог перевода в ручной режим
	PositionTolerance    float64       `koanf:"position_tolerance"`     // допуск расхождения позиции, доля
	BreakerMaxFailures   uint32        `koanf:"breaker_max_failures"`
	BreakerOpenTimeout   time.Duration `koanf:"breaker_open_timeout"`
}

// FieldOpsConfig - настройки адаптера полевых бригад
type FieldOpsConfig struct {
	BaseURL            string        `koanf:"base_url"`
	Timeout            time.Duration `koanf:"timeout"`
	TicketSpoolDir     string        `koanf:"ticket_spool_dir"` // каталог печатных нарядов, пусто — не печатать
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout"`
}

// SensorsConfig - настройки хранилища датчиков
type SensorsConfig struct {
	BaseURL            string        `koanf:"base_url"`
	Timeout            time.Duration `koanf:"timeout"`
	AnomalyChannel     string        `koanf:"anomaly_channel"` // канал LISTEN/NOTIFY
	AnomalyBuffer      int           `koanf:"anomaly_buffer"`
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout"`
}

// GISConfig - настройки ГИС провайдера
type GISConfig struct {
	BaseURL         string        `koanf:"base_url"`
	Timeout         time.Duration `koanf:"timeout"`
	SampleIntervalM float64       `koanf:"sample_interval_m"` // шаг профиля отметок, м
}

// WeatherConfig - настройки метео провайдера
type WeatherConfig struct {
	BaseURL  string        `koanf:"base_url"`
	Timeout  time.Duration `koanf:"timeout"`
	Station  string        `koanf:"station"`   // метеостанция района
	StaleAge time.Duration `koanf:"stale_age"` // возраст данных, после которого — предупреждение
}

// DiscoveryConfig - реестр сервисов с резервной статической таблицей
type DiscoveryConfig struct {
	Enabled   bool              `koanf:"enabled"`
	URL       string            `koanf:"url"`
	Timeout   time.Duration     `koanf:"timeout"`
	Heartbeat time.Duration     `koanf:"heartbeat"`
	Static    map[string]string `koanf:"static"` // имя сервиса -> URL
}

// PreserveConfig - настройки сохранения состояния при смене режима
type PreserveConfig struct {
	MemoryTTL     time.Duration `koanf:"memory_ttl"`     // TTL быстрого уровня
	DBRetention   time.Duration `koanf:"db_retention"`   // хранение в БД
	FallbackDir   string        `koanf:"fallback_dir"`   // файловый резерв при недоступной БД
	SweepInterval time.Duration `koanf:"sweep_interval"` // период чистки устаревших снимков
}

// DispatchConfig - настройки диспетчера команд затворов
type DispatchConfig struct {
	QueueSize      int           `koanf:"queue_size"` // глубина очереди на затвор
	CommandTimeout time.Duration `koanf:"command_timeout"`
	StopTimeout    time.Duration `koanf:"stop_timeout"`   // таймаут на затвор при аварийной остановке
	RetryAttempts  int           `koanf:"retry_attempts"` // попыток команды SCADA
	RetryBase      time.Duration `koanf:"retry_base"`     // базовая задержка, растёт как 2^n
}

// EnergyConfig - экономика энергоутилизации перепадов.
// Нулевые значения означают «экономику не считать»; умолчаний намеренно нет.
type EnergyConfig struct {
	PricePerKWh float64 `koanf:"price_per_kwh"`
	CostPerKW   float64 `koanf:"cost_per_kw"`
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	var errs []string

	if c.App.Name == "" {
		errs = append(errs, "app.name is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of: debug, info, warn, error, got %s", c.Log.Level))
	}

	if c.Solver.Omega <= 0 || c.Solver.Omega > 1 {
		errs = append(errs, fmt.Sprintf("solver.omega must be in (0, 1], got %g", c.Solver.Omega))
	}
	if c.Solver.ToleranceM <= 0 {
		errs = append(errs, fmt.Sprintf("solver.tolerance_m must be positive, got %g", c.Solver.ToleranceM))
	}
	if c.Solver.MassBalanceTolerance <= 0 {
		errs = append(errs, fmt.Sprintf("solver.mass_balance_tolerance must be positive, got %g", c.Solver.MassBalanceTolerance))
	}
	if c.Solver.MaxIterations <= 0 {
		errs = append(errs, fmt.Sprintf("solver.max_iterations must be positive, got %d", c.Solver.MaxIterations))
	}

	if c.Hydraulic.MinFlowDepth <= 0 {
		errs = append(errs, fmt.Sprintf("hydraulic.min_flow_depth must be positive, got %g", c.Hydraulic.MinFlowDepth))
	}
	if c.Hydraulic.MaxFlowVelocity <= c.Hydraulic.MinFlowVelocity {
		errs = append(errs, "hydraulic.max_flow_velocity must exceed hydraulic.min_flow_velocity")
	}
	if c.Hydraulic.DepthSafetyFactor < 1 {
		errs = append(errs, fmt.Sprintf("hydraulic.depth_safety_factor must be >= 1, got %g", c.Hydraulic.DepthSafetyFactor))
	}

	if c.Accounting.WindowWeeks <= 0 {
		errs = append(errs, fmt.Sprintf("accounting.window_weeks must be positive, got %d", c.Accounting.WindowWeeks))
	}
	if c.Accounting.DiscrepancyThreshold <= 0 || c.Accounting.DiscrepancyThreshold >= 1 {
		errs = append(errs, fmt.Sprintf("accounting.discrepancy_threshold must be in (0, 1), got %g", c.Accounting.DiscrepancyThreshold))
	}
	if c.Accounting.DisputeThreshold <= c.Accounting.DiscrepancyThreshold {
		errs = append(errs, "accounting.dispute_threshold must exceed accounting.discrepancy_threshold")
	}
	for _, w := range c.Accounting.CriticalWeeks {
		if w < 1 || w > 53 {
			errs = append(errs, fmt.Sprintf("accounting.critical_weeks contains invalid ISO week %d", w))
		}
	}

	if c.Scada.CommFailureThreshold <= 0 {
		errs = append(errs, fmt.Sprintf("scada.comm_failure_threshold must be positive, got %d", c.Scada.CommFailureThreshold))
	}
	if c.Scada.HealthIntervalS <= 0 {
		errs = append(errs, fmt.Sprintf("scada.health_interval_s must be positive, got %d", c.Scada.HealthIntervalS))
	}

	if c.Dispatch.QueueSize <= 0 {
		errs = append(errs, fmt.Sprintf("dispatch.queue_size must be positive, got %d", c.Dispatch.QueueSize))
	}

	if c.Database.Driver != "" && !strings.EqualFold(c.Database.Driver, "postgres") && !strings.EqualFold(c.Database.Driver, "postgresql") {
		errs = append(errs, fmt.Sprintf("database.driver must be postgres, got %s", c.Database.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsDevelopment проверяет режим разработки
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development" || c.App.Environment == "dev"
}

// IsProduction проверяет продакшн режим
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production" || c.App.Environment == "prod"
}
