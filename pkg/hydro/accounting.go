package hydro

import "time"

// StressLevel уровень водного стресса зоны
type StressLevel string

const (
	StressNone     StressLevel = "none"
	StressMild     StressLevel = "mild"
	StressModerate StressLevel = "moderate"
	StressSevere   StressLevel = "severe"
)

// Score возвращает балльную оценку стресса для приоритизации
func (s StressLevel) Score() float64 {
	switch s {
	case StressMild:
		return 10
	case StressModerate:
		return 20
	case StressSevere:
		return 30
	default:
		return 0
	}
}

// Ordinal возвращает порядковый номер уровня для взвешивания
func (s StressLevel) Ordinal() float64 {
	switch s {
	case StressMild:
		return 1
	case StressModerate:
		return 2
	case StressSevere:
		return 3
	default:
		return 0
	}
}

// StressFromOrdinal возвращает уровень стресса по взвешенному порядковому значению
func StressFromOrdinal(v float64) StressLevel {
	switch {
	case v >= 2.5:
		return StressSevere
	case v >= 1.5:
		return StressModerate
	case v >= 0.5:
		return StressMild
	default:
		return StressNone
	}
}

// ClassifyDeficit возвращает уровень стресса по доле недоподачи.
// Граничное значение относится к нижнему классу: ровно 10% — mild, ровно 20% — moderate.
func ClassifyDeficit(deficitPct float64) StressLevel {
	switch {
	case deficitPct <= Epsilon:
		return StressNone
	case deficitPct <= DeficitMildThreshold+Epsilon:
		return StressMild
	case deficitPct <= DeficitModerateThreshold+Epsilon:
		return StressModerate
	default:
		return StressSevere
	}
}

// DeficitRecord недоподача воды зоне за неделю
type DeficitRecord struct {
	ID         string      `json:"id"`
	Zone       string      `json:"zone"`
	Week       Week        `json:"week"`
	Target     float64     `json:"target"`    // плановый объём, м³
	Delivered  float64     `json:"delivered"` // фактический объём, м³
	Deficit    float64     `json:"deficit"`   // м³
	DeficitPct float64     `json:"deficit_pct"`
	Stress     StressLevel `json:"stress"`
	YieldImpact float64    `json:"yield_impact"` // оценка потерь урожайности [0..0.5]
	CreatedAt  time.Time   `json:"created_at"`
}

// CarryForward накопленный перенос недоподачи по зоне
type CarryForward struct {
	Zone        string          `json:"zone"`
	AsOf        Week            `json:"as_of"`
	Entries     []DeficitRecord `json:"entries"`
	Total       float64         `json:"total"`     // суммарный перенос, м³
	Weighted    float64         `json:"weighted"`  // с возрастными весами, м³
	MaxAgeWeeks int             `json:"max_age_weeks"`
	Stress      StressLevel     `json:"stress"`   // агрегированный уровень
	Priority    float64         `json:"priority"` // балл приоритета восполнения [0..100]
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AdjustmentReason причина корректировки учёта
type AdjustmentReason string

const (
	AdjustmentReconciliation AdjustmentReason = "weekly_reconciliation"
	AdjustmentManualReview   AdjustmentReason = "manual_review"
	AdjustmentCalibration    AdjustmentReason = "loss_calibration"
)

// Adjustment корректировка объёма водоподачи по итогам сверки
type Adjustment struct {
	ID         string           `json:"id"`
	DeliveryID string           `json:"delivery_id"`
	Week       Week             `json:"week"`
	Before     float64          `json:"before"` // м³
	After      float64          `json:"after"`  // м³
	LossShare  float64          `json:"loss_share"` // часть корректировки, отнесённая к потерям, м³
	Reason     AdjustmentReason `json:"reason"`
	Confidence float64          `json:"confidence"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ReconciliationStatus статус недельной сверки.
//
// Сверка создаётся уже в работе, отдельного «pending» нет. Для внешних
// систем balanced и adjusted — два исхода завершённой недели: баланс сошёлся
// в допуске либо закрыт корректировками. Спорная неделя (disputed) ждёт
// решения оператора; его утверждение фиксируется повторной сверкой с force.
type ReconciliationStatus string

const (
	ReconciliationBalanced   ReconciliationStatus = "balanced"
	ReconciliationAdjusted   ReconciliationStatus = "adjusted"
	ReconciliationDisputed   ReconciliationStatus = "disputed"
	ReconciliationInProgress ReconciliationStatus = "in_progress"
)

// ReconciliationLog итог недельной сверки водного баланса
type ReconciliationLog struct {
	ID             string               `json:"id"`
	Week           Week                 `json:"week"`
	Status         ReconciliationStatus `json:"status"`
	InflowTotal    float64              `json:"inflow_total"`  // м³
	OutflowTotal   float64              `json:"outflow_total"` // м³
	ReportedLosses float64              `json:"reported_losses"`
	Discrepancy    float64              `json:"discrepancy"`     // (out − in) − losses, м³
	DiscrepancyPct float64              `json:"discrepancy_pct"` // от суммарной выдачи
	Adjustments    []Adjustment         `json:"adjustments,omitempty"`
	QualityScore   float64              `json:"quality_score"`
	Recommendations []string            `json:"recommendations,omitempty"`
	ExportPath     string               `json:"export_path,omitempty"` // книга для ручного разбора
	StartedAt      time.Time            `json:"started_at"`
	CompletedAt    time.Time            `json:"completed_at"`
}
