package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix    = "HYDRONET_"
	configEnvVar = "CONFIG_PATH"
)

// Loader загружает конфигурацию из разных источников
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// NewLoader создаёт новый загрузчик конфигурации
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/hydronet/config.yaml",
		},
		envPrefix: envPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoaderOption - опция для конфигурации загрузчика
type LoaderOption func(*Loader)

// WithConfigPaths устанавливает пути поиска конфигурации
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.configPaths = paths
	}
}

// WithEnvPrefix устанавливает префикс переменных окружения
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		l.envPrefix = prefix
	}
}

// Load загружает конфигурацию с приоритетом:
// 1. Defaults (самый низкий)
// 2. Config file (yaml)
// 3. Environment variables (самый высокий)
func (l *Loader) Load() (*Config, error) {
	// 1. Загружаем значения по умолчанию
	if err := l.loadDefaults(); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Загружаем из файла конфигурации
	if err := l.loadConfigFile(); err != nil {
		// Файл не обязателен, логируем warning
		fmt.Printf("Warning: %v\n", err)
	}

	// 3. Загружаем из переменных окружения (перезаписывают файл)
	if err := l.loadEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}

	// 4. Распаковываем в структуру
	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 5. Валидируем
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDefaults загружает значения по умолчанию
func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		// App
		"app.name":        "control-svc",
		"app.version":     "1.0.0",
		"app.environment": "development",
		"app.debug":       false,

		// Server (служебный HTTP)
		"server.port":             8080,
		"server.read_timeout":     10 * time.Second,
		"server.write_timeout":    30 * time.Second,
		"server.shutdown_timeout": 15 * time.Second,
		"server.enable_pprof":     false,

		// Log
		"log.level":       "info",
		"log.format":      "json",
		"log.output":      "stdout",
		"log.max_size":    100,
		"log.max_backups": 5,
		"log.max_age":     30,
		"log.compress":    true,

		// Metrics
		"metrics.enabled":   true,
		"metrics.path":      "/metrics",
		"metrics.namespace": "hydronet",
		"metrics.subsystem": "control",

		// Tracing
		"tracing.enabled":      false,
		"tracing.endpoint":     "localhost:4317",
		"tracing.service_name": "control-svc",
		"tracing.sample_rate":  0.1,

		// Database
		"database.driver":             "postgres",
		"database.host":               "localhost",
		"database.port":               5432,
		"database.database":           "hydronet",
		"database.username":           "postgres",
		"database.password":           "",
		"database.ssl_mode":           "disable",
		"database.max_open_conns":     25,
		"database.max_idle_conns":     5,
		"database.conn_max_lifetime":  5 * time.Minute,
		"database.conn_max_idle_time": 5 * time.Minute,
		"database.auto_migrate":       true,

		// Cache
		"cache.enabled":     true,
		"cache.driver":      "memory",
		"cache.host":        "localhost",
		"cache.port":        6379,
		"cache.db":          0,
		"cache.default_ttl": 5 * time.Minute,
		"cache.max_entries": 10000,

		// Rate Limit
		"rate_limit.enabled":          true,
		"rate_limit.requests":         100,
		"rate_limit.window":           time.Minute,
		"rate_limit.strategy":         "sliding_window",
		"rate_limit.backend":          "memory",
		"rate_limit.burst_size":       10,
		"rate_limit.cleanup_interval": 5 * time.Minute,

		// Audit
		"audit.enabled":      true,
		"audit.backend":      "stdout",
		"audit.buffer_size":  1000,
		"audit.flush_period": 5 * time.Second,

		// Retry
		"retry.max_attempts":       3,
		"retry.initial_backoff":    100 * time.Millisecond,
		"retry.max_backoff":        10 * time.Second,
		"retry.backoff_multiplier": 2.0,

		// Hydraulic
		"hydraulic.source_elevation":    221.0,
		"hydraulic.min_flow_depth":      0.3,
		"hydraulic.max_flow_velocity":   2.0,
		"hydraulic.min_flow_velocity":   0.3,
		"hydraulic.depth_safety_factor": 1.2,

		// Solver
		"solver.max_iterations":         100,
		"solver.tolerance_m":            1e-3,
		"solver.mass_balance_tolerance": 0.01,
		"solver.omega":                  0.7,
		"solver.time_step_s":            60.0,
		"solver.min_transition_step_s":  10.0,
		"solver.timeout":                30 * time.Second,
		"solver.cache_ttl":              10 * time.Minute,
		"solver.workers":                0,

		// Optimizer
		"optimizer.max_iterations":    200,
		"optimizer.step_tolerance":    1e-4,
		"optimizer.demand_relaxation": 0.2,
		"optimizer.smoothness_limit":  0.5,
		"optimizer.timeout":           60 * time.Second,
		"optimizer.time_weight":       0.3,
		"optimizer.eff_weight":        0.5,
		"optimizer.energy_weight":     0.2,

		// Accounting
		"accounting.cumulative_interval_min": 60,
		"accounting.simpson_enabled":         true,
		"accounting.window_weeks":            4,
		"accounting.discrepancy_threshold":   0.05,
		"accounting.dispute_threshold":       0.25,
		"accounting.export_dir":              "exports",
		"accounting.rate_earthen":            0.025,
		"accounting.rate_lined":              0.010,
		"accounting.rate_concrete":           0.005,
		"accounting.rate_pipe":               0.002,

		// SCADA
		"scada.base_url":               "http://localhost:8090",
		"scada.use_h2c":                false,
		"scada.bridge_health_addr":     "localhost:8091",
		"scada.timeout":                30 * time.Second,
		"scada.command_timeout":        10 * time.Second,
		"scada.probe_timeout":          5 * time.Second,
		"scada.health_interval_s":      30,
		"scada.comm_failure_threshold": 3,
		"scada.position_tolerance":     0.05,
		"scada.breaker_max_failures":   5,
		"scada.breaker_open_timeout":   30 * time.Second,

		// Field ops
		"fieldops.base_url":             "http://localhost:8092",
		"fieldops.timeout":              30 * time.Second,
		"fieldops.ticket_spool_dir":     "",
		"fieldops.breaker_max_failures": 5,
		"fieldops.breaker_open_timeout": 30 * time.Second,

		// Sensors
		"sensors.base_url":             "http://localhost:8093",
		"sensors.timeout":              30 * time.Second,
		"sensors.anomaly_channel":      "sensor_anomalies",
		"sensors.anomaly_buffer":       64,
		"sensors.breaker_max_failures": 5,
		"sensors.breaker_open_timeout": 30 * time.Second,

		// GIS
		"gis.base_url":          "http://localhost:8094",
		"gis.timeout":           30 * time.Second,
		"gis.sample_interval_m": 100.0,

		// Weather
		"weather.base_url":  "http://localhost:8095",
		"weather.timeout":   30 * time.Second,
		"weather.station":   "district-main",
		"weather.stale_age": time.Hour,

		// Discovery
		"discovery.enabled":   false,
		"discovery.url":       "",
		"discovery.timeout":   5 * time.Second,
		"discovery.heartbeat": 30 * time.Second,

		// Preserve
		"preserve.memory_ttl":     24 * time.Hour,
		"preserve.db_retention":   7 * 24 * time.Hour,
		"preserve.fallback_dir":   "snapshots",
		"preserve.sweep_interval": 24 * time.Hour,

		// Dispatch
		"dispatch.queue_size":      16,
		"dispatch.command_timeout": 10 * time.Second,
		"dispatch.stop_timeout":    10 * time.Second,
		"dispatch.retry_attempts":  3,
		"dispatch.retry_base":      200 * time.Millisecond,

		// Energy (экономика намеренно не задана)
		"energy.price_per_kwh": 0.0,
		"energy.cost_per_kw":   0.0,
	}

	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

// loadConfigFile загружает конфигурацию из файла
func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return l.k.Load(file.Provider(configPath), yaml.Parser())
		}
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	return fmt.Errorf("config file not found in paths: %v", l.configPaths)
}

// loadEnv загружает конфигурацию из переменных окружения
// Использует умную трансформацию ключей для полей с подчёркиванием
func (l *Loader) loadEnv() error {
	return l.k.Load(env.ProviderWithValue(l.envPrefix, ".", func(envKey string, value string) (string, interface{}) {
		// Убираем префикс и приводим к нижнему регистру
		key := strings.ToLower(strings.TrimPrefix(envKey, l.envPrefix))

		// Маппинг для полей с подчёркиванием в именах
		if mappedKey, ok := envKeyMappings[key]; ok {
			key = mappedKey
		} else {
			// По умолчанию заменяем все подчёркивания на точки
			key = strings.ReplaceAll(key, "_", ".")
		}

		// Для slice-полей разбиваем по запятой
		if isSliceField(key) {
			return key, splitAndTrim(value)
		}

		return key, value
	}), nil)
}

// envKeyMappings - маппинг переменных окружения на ключи конфига
// Необходим для полей, содержащих подчёркивания в именах
var envKeyMappings = map[string]string{
	// Server
	"server_port":             "server.port",
	"server_read_timeout":     "server.read_timeout",
	"server_write_timeout":    "server.write_timeout",
	"server_shutdown_timeout": "server.shutdown_timeout",
	"server_enable_pprof":     "server.enable_pprof",

	// Database
	"database_driver":             "database.driver",
	"database_host":               "database.host",
	"database_port":               "database.port",
	"database_database":           "database.database",
	"database_username":           "database.username",
	"database_password":           "database.password",
	"database_ssl_mode":           "database.ssl_mode",
	"database_max_open_conns":     "database.max_open_conns",
	"database_max_idle_conns":     "database.max_idle_conns",
	"database_conn_max_lifetime":  "database.conn_max_lifetime",
	"database_conn_max_idle_time": "database.conn_max_idle_time",
	"database_migrations_path":    "database.migrations_path",
	"database_auto_migrate":       "database.auto_migrate",

	// Cache
	"cache_enabled":     "cache.enabled",
	"cache_driver":      "cache.driver",
	"cache_host":        "cache.host",
	"cache_port":        "cache.port",
	"cache_password":    "cache.password",
	"cache_db":          "cache.db",
	"cache_default_ttl": "cache.default_ttl",
	"cache_max_entries": "cache.max_entries",

	// Rate limit
	"rate_limit_enabled":          "rate_limit.enabled",
	"rate_limit_requests":         "rate_limit.requests",
	"rate_limit_window":           "rate_limit.window",
	"rate_limit_strategy":         "rate_limit.strategy",
	"rate_limit_backend":          "rate_limit.backend",
	"rate_limit_burst_size":       "rate_limit.burst_size",
	"rate_limit_cleanup_interval": "rate_limit.cleanup_interval",
	"rate_limit_redis_addr":       "rate_limit.redis_addr",

	// Audit
	"audit_enabled":      "audit.enabled",
	"audit_backend":      "audit.backend",
	"audit_file_path":    "audit.file_path",
	"audit_buffer_size":  "audit.buffer_size",
	"audit_flush_period": "audit.flush_period",

	// Log
	"log_level":       "log.level",
	"log_format":      "log.format",
	"log_output":      "log.output",
	"log_file_path":   "log.file_path",
	"log_max_size":    "log.max_size",
	"log_max_backups": "log.max_backups",
	"log_max_age":     "log.max_age",
	"log_compress":    "log.compress",

	// Hydraulic
	"hydraulic_source_elevation":    "hydraulic.source_elevation",
	"hydraulic_min_flow_depth":      "hydraulic.min_flow_depth",
	"hydraulic_max_flow_velocity":   "hydraulic.max_flow_velocity",
	"hydraulic_min_flow_velocity":   "hydraulic.min_flow_velocity",
	"hydraulic_depth_safety_factor": "hydraulic.depth_safety_factor",

	// Solver
	"solver_max_iterations":         "solver.max_iterations",
	"solver_tolerance_m":            "solver.tolerance_m",
	"solver_mass_balance_tolerance": "solver.mass_balance_tolerance",
	"solver_omega":                  "solver.omega",
	"solver_time_step_s":            "solver.time_step_s",
	"solver_min_transition_step_s":  "solver.min_transition_step_s",
	"solver_timeout":                "solver.timeout",
	"solver_cache_ttl":              "solver.cache_ttl",
	"solver_workers":                "solver.workers",

	// Optimizer
	"optimizer_max_iterations":    "optimizer.max_iterations",
	"optimizer_step_tolerance":    "optimizer.step_tolerance",
	"optimizer_demand_relaxation": "optimizer.demand_relaxation",
	"optimizer_smoothness_limit":  "optimizer.smoothness_limit",
	"optimizer_timeout":           "optimizer.timeout",
	"optimizer_time_weight":       "optimizer.time_weight",
	"optimizer_eff_weight":        "optimizer.eff_weight",
	"optimizer_energy_weight":     "optimizer.energy_weight",

	// Accounting
	"accounting_cumulative_interval_min": "accounting.cumulative_interval_min",
	"accounting_simpson_enabled":         "accounting.simpson_enabled",
	"accounting_window_weeks":            "accounting.window_weeks",
	"accounting_critical_weeks":          "accounting.critical_weeks",
	"accounting_discrepancy_threshold":   "accounting.discrepancy_threshold",
	"accounting_dispute_threshold":       "accounting.dispute_threshold",
	"accounting_export_dir":              "accounting.export_dir",
	"accounting_rate_earthen":            "accounting.rate_earthen",
	"accounting_rate_lined":              "accounting.rate_lined",
	"accounting_rate_concrete":           "accounting.rate_concrete",
	"accounting_rate_pipe":               "accounting.rate_pipe",

	// SCADA
	"scada_base_url":               "scada.base_url",
	"scada_use_h2c":                "scada.use_h2c",
	"scada_bridge_health_addr":     "scada.bridge_health_addr",
	"scada_timeout":                "scada.timeout",
	"scada_command_timeout":        "scada.command_timeout",
	"scada_probe_timeout":          "scada.probe_timeout",
	"scada_health_interval_s":      "scada.health_interval_s",
	"scada_comm_failure_threshold": "scada.comm_failure_threshold",
	"scada_position_tolerance":     "scada.position_tolerance",
	"scada_breaker_max_failures":   "scada.breaker_max_failures",
	"scada_breaker_open_timeout":   "scada.breaker_open_timeout",

	// Field ops
	"fieldops_base_url":             "fieldops.base_url",
	"fieldops_timeout":              "fieldops.timeout",
	"fieldops_ticket_spool_dir":     "fieldops.ticket_spool_dir",
	"fieldops_breaker_max_failures": "fieldops.breaker_max_failures",
	"fieldops_breaker_open_timeout": "fieldops.breaker_open_timeout",

	// Sensors
	"sensors_base_url":             "sensors.base_url",
	"sensors_timeout":              "sensors.timeout",
	"sensors_anomaly_channel":      "sensors.anomaly_channel",
	"sensors_anomaly_buffer":       "sensors.anomaly_buffer",
	"sensors_breaker_max_failures": "sensors.breaker_max_failures",
	"sensors_breaker_open_timeout": "sensors.breaker_open_timeout",

	// GIS / Weather / Discovery
	"gis_base_url":          "gis.base_url",
	"gis_timeout":           "gis.timeout",
	"gis_sample_interval_m": "gis.sample_interval_m",
	"weather_base_url":      "weather.base_url",
	"weather_timeout":       "weather.timeout",
	"weather_station":       "weather.station",
	"weather_stale_age":     "weather.stale_age",
	"discovery_enabled":     "discovery.enabled",
	"discovery_url":         "discovery.url",
	"discovery_timeout":     "discovery.timeout",
	"discovery_heartbeat":   "discovery.heartbeat",

	// Preserve
	"preserve_memory_ttl":     "preserve.memory_ttl",
	"preserve_db_retention":   "preserve.db_retention",
	"preserve_fallback_dir":   "preserve.fallback_dir",
	"preserve_sweep_interval": "preserve.sweep_interval",

	// Dispatch
	"dispatch_queue_size":      "dispatch.queue_size",
	"dispatch_command_timeout": "dispatch.command_timeout",
	"dispatch_stop_timeout":    "dispatch.stop_timeout",
	"dispatch_retry_attempts":  "dispatch.retry_attempts",
	"dispatch_retry_base":      "dispatch.retry_base",

	// Energy
	"energy_price_per_kwh": "energy.price_per_kwh",
	"energy_cost_per_kw":   "energy.cost_per_kw",
}

// sliceFields - поля, которые должны парситься как слайсы
var sliceFields = map[string]bool{
	"accounting.critical_weeks": true,
}

func isSliceField(key string) bool {
	return sliceFields[key]
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// MustLoad загружает конфигурацию или паникует
func MustLoad(opts ...LoaderOption) *Config {
	cfg, err := NewLoader(opts...).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Load - удобная функция для загрузки с дефолтными настройками
func Load() (*Config, error) {
	return NewLoader().Load()
}
