package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics глобальный контейнер метрик
type Metrics struct {
	// HTTP метрики
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Метрики решателя
	SolveOperationsTotal *prometheus.CounterVec
	SolveDuration        *prometheus.HistogramVec
	SolveIterations      *prometheus.HistogramVec
	MassResidual         prometheus.Gauge
	NetworkNodesTotal    *prometheus.HistogramVec
	NetworkGatesTotal    *prometheus.HistogramVec

	// Метрики оптимизатора
	PlanOperationsTotal *prometheus.CounterVec
	PlanDuration        *prometheus.HistogramVec
	DemandShortfall     *prometheus.GaugeVec

	// Метрики диспетчеризации и SCADA
	DispatchQueueDepth   *prometheus.GaugeVec
	DispatchRejectsTotal *prometheus.CounterVec
	GateCommandsTotal    *prometheus.CounterVec
	ScadaProbeFailures   *prometheus.CounterVec
	GatesByMode          *prometheus.GaugeVec
	ModeTransitionsTotal *prometheus.CounterVec
	AnomalyEventsTotal   *prometheus.CounterVec

	// Метрики учёта
	ReconciliationsTotal      *prometheus.CounterVec
	ReconciliationDiscrepancy *prometheus.GaugeVec
	DeficitCarryForward       *prometheus.GaugeVec

	// Кэш
	CacheOperationsTotal *prometheus.CounterVec

	// Информация о сервисе
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics инициализирует метрики
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		// HTTP метрики
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"handler", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"handler"},
		),

		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		// Метрики решателя
		SolveOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "solve_operations_total",
				Help:      "Total number of steady-state solves",
			},
			[]string{"status"},
		),

		SolveDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "solve_duration_seconds",
				Help:      "Duration of steady-state solves",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"status"},
		),

		SolveIterations: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "solve_iterations",
				Help:      "Relaxation iterations until convergence",
				Buckets:   []float64{1, 2, 5, 10, 20, 40, 60, 80, 100},
			},
			[]string{"status"},
		),

		MassResidual: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "mass_residual_ratio",
				Help:      "Mass balance residual of the last solve relative to total inflow",
			},
		),

		NetworkNodesTotal: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "network_nodes_total",
				Help:      "Number of nodes in solved networks",
				Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"operation"},
		),

		NetworkGatesTotal: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "network_gates_total",
				Help:      "Number of gates in solved networks",
				Buckets:   []float64{5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"operation"},
		),

		// Метрики оптимизатора
		PlanOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "plan_operations_total",
				Help:      "Total number of delivery planning runs",
			},
			[]string{"status"},
		),

		PlanDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "plan_duration_seconds",
				Help:      "Duration of delivery planning runs",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"status"},
		),

		DemandShortfall: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "demand_shortfall_m3s",
				Help:      "Unmet demand flow per zone in the last plan",
			},
			[]string{"zone"},
		),

		// Метрики диспетчеризации и SCADA
		DispatchQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_queue_depth",
				Help:      "Pending commands per gate queue",
			},
			[]string{"gate_id"},
		),

		DispatchRejectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "dispatch_rejects_total",
				Help:      "Commands rejected by the dispatcher",
			},
			[]string{"reason"},
		),

		GateCommandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "gate_commands_total",
				Help:      "Gate commands issued to SCADA",
			},
			[]string{"status"},
		),

		ScadaProbeFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "scada_probe_failures_total",
				Help:      "Failed SCADA health probes per gate",
			},
			[]string{"gate_id"},
		),

		GatesByMode: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "gates_by_mode",
				Help:      "Registered gates per control mode",
			},
			[]string{"mode"},
		),

		ModeTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "mode_transitions_total",
				Help:      "Gate control-mode transitions",
			},
			[]string{"from", "to", "reason"},
		),

		AnomalyEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "anomaly_events_total",
				Help:      "Sensor anomaly notifications by outcome",
			},
			[]string{"outcome"},
		),

		// Метрики учёта
		ReconciliationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconciliations_total",
				Help:      "Weekly reconciliation outcomes",
			},
			[]string{"status"},
		),

		ReconciliationDiscrepancy: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reconciliation_discrepancy_ratio",
				Help:      "Relative delivered/received discrepancy of the last reconciliation per zone",
			},
			[]string{"zone"},
		),

		DeficitCarryForward: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "deficit_carry_forward_m3",
				Help:      "Volume owed to a zone after the last reconciliation",
			},
			[]string{"zone"},
		),

		// Кэш
		CacheOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cache_operations_total",
				Help:      "Solve cache operations",
			},
			[]string{"operation", "result"},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get возвращает глобальные метрики
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("hydronet", "")
	}
	return defaultMetrics
}

// RecordHTTPRequest записывает метрики HTTP запроса
func (m *Metrics) RecordHTTPRequest(handler string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(handler, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(handler).Observe(duration.Seconds())
}

// RecordSolve записывает метрики расчёта установившегося режима
func (m *Metrics) RecordSolve(converged bool, iterations int, duration time.Duration, massResidualRatio float64) {
	status := "converged"
	if !converged {
		status = "diverged"
	}

	m.SolveOperationsTotal.WithLabelValues(status).Inc()
	m.SolveDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.SolveIterations.WithLabelValues(status).Observe(float64(iterations))
	m.MassResidual.Set(massResidualRatio)
}

// RecordNetworkSize записывает размер расчётной сети
func (m *Metrics) RecordNetworkSize(operation string, nodes, gates int) {
	m.NetworkNodesTotal.WithLabelValues(operation).Observe(float64(nodes))
	m.NetworkGatesTotal.WithLabelValues(operation).Observe(float64(gates))
}

// RecordPlan записывает метрики прогона планировщика подачи
func (m *Metrics) RecordPlan(feasible bool, duration time.Duration) {
	status := "feasible"
	if !feasible {
		status = "infeasible"
	}

	m.PlanOperationsTotal.WithLabelValues(status).Inc()
	m.PlanDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordReconciliation записывает результат недельной сверки
func (m *Metrics) RecordReconciliation(status string, zone string, discrepancy float64) {
	m.ReconciliationsTotal.WithLabelValues(status).Inc()
	m.ReconciliationDiscrepancy.WithLabelValues(zone).Set(discrepancy)
}

// RecordModeTransition записывает переход режима управления затвором
func (m *Metrics) RecordModeTransition(from, to, reason string) {
	m.ModeTransitionsTotal.WithLabelValues(from, to, reason).Inc()
}

// RecordCacheOp записывает операцию кэша
func (m *Metrics) RecordCacheOp(operation string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	m.CacheOperationsTotal.WithLabelValues(operation, result).Inc()
}

// SetServiceInfo устанавливает информацию о сервисе
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler возвращает HTTP handler для /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer запускает HTTP сервер для метрик
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		// Игнорируем ошибку записи - response уже отправлен
		_, _ = w.Write([]byte("OK")) //nolint:errcheck // health endpoint, ошибка записи не критична
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
