package hydro

import (
	"fmt"
	"time"
)

// DeliveryStatus статус водоподачи
type DeliveryStatus string

const (
	DeliveryScheduled  DeliveryStatus = "scheduled"
	DeliveryActive     DeliveryStatus = "active"
	DeliveryComplete   DeliveryStatus = "complete"
	DeliveryReconciled DeliveryStatus = "reconciled"
	DeliveryDisputed   DeliveryStatus = "disputed"
	DeliveryCancelled  DeliveryStatus = "cancelled"
)

// TraceSource происхождение гидрографа подачи
type TraceSource string

const (
	TraceSourceScada    TraceSource = "scada"
	TraceSourceSensor   TraceSource = "sensor"
	TraceSourceEstimate TraceSource = "estimate"
)

// TracePoint точка гидрографа: момент времени и расход
type TracePoint struct {
	T time.Time `json:"t"`
	Q float64   `json:"q"` // м³/с
}

// FlowTrace гидрограф подачи воды через створ
type FlowTrace struct {
	DeliveryID string       `json:"delivery_id"`
	GateID     string       `json:"gate_id"`
	Points     []TracePoint `json:"points"`
	Source     TraceSource  `json:"source"`
	Quality    float64      `json:"quality"` // оценка качества ряда [0..1]
}

// Duration возвращает длительность гидрографа
func (t *FlowTrace) Duration() time.Duration {
	if len(t.Points) < 2 {
		return 0
	}
	return t.Points[len(t.Points)-1].T.Sub(t.Points[0].T)
}

// Delivery водоподача: плановое и фактическое исполнение заявки зоны
type Delivery struct {
	ID        string         `json:"id"`
	Zone      string         `json:"zone"`
	NodeID    string         `json:"node_id"`
	GateID    string         `json:"gate_id"` // затвор выдачи
	Path      DeliveryPath   `json:"path"`
	Status    DeliveryStatus `json:"status"`
	Mode      ControlMode    `json:"mode"` // режим затвора на момент исполнения
	Priority  int            `json:"priority"`

	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
	ActualStart    time.Time `json:"actual_start,omitempty"`
	ActualEnd      time.Time `json:"actual_end,omitempty"`

	TargetVolume    float64 `json:"target_volume"`    // м³
	MeasuredVolume  float64 `json:"measured_volume"`  // м³ через затвор, по гидрографу
	DeliveredVolume float64 `json:"delivered_volume"` // м³ на участке, за вычетом транзитных потерь
	TargetFlow      float64 `json:"target_flow"`      // м³/с
	Confidence      float64 `json:"confidence"`       // достоверность учёта [0..1]
	Adjusted        bool    `json:"adjusted"`         // объём скорректирован сверкой

	Week Week `json:"week"`
}

// Week календарная неделя учёта (ISO)
type Week struct {
	Year int `json:"year"`
	Week int `json:"week"`
}

// WeekOf возвращает неделю учёта для момента времени
func WeekOf(t time.Time) Week {
	y, w := t.ISOWeek()
	return Week{Year: y, Week: w}
}

// String возвращает строковое представление недели
func (w Week) String() string {
	return fmt.Sprintf("%04d-W%02d", w.Year, w.Week)
}

// Before проверяет, предшествует ли неделя другой
func (w Week) Before(other Week) bool {
	if w.Year != other.Year {
		return w.Year < other.Year
	}
	return w.Week < other.Week
}

// Sub возвращает разницу недель (приблизительно, для окна переноса)
func (w Week) Sub(other Week) int {
	return (w.Year-other.Year)*52 + (w.Week - other.Week)
}

// TransitLoss транзитные потери водоподачи
type TransitLoss struct {
	DeliveryID  string  `json:"delivery_id"`
	Seepage     float64 `json:"seepage"`     // фильтрация, м³
	Evaporation float64 `json:"evaporation"` // испарение, м³
	Operational float64 `json:"operational"` // эксплуатационные, м³
	Total       float64 `json:"total"`       // м³
	Sigma       float64 `json:"sigma"`       // суммарная неопределённость, м³
	CILow       float64 `json:"ci_low"`      // 95% доверительный интервал
	CIHigh      float64 `json:"ci_high"`
	Confidence  float64 `json:"confidence"` // 1/(1+σ/V)
}

// EfficiencyRecord показатели эффективности водоподачи
type EfficiencyRecord struct {
	DeliveryID  string  `json:"delivery_id"`
	Zone        string  `json:"zone"`
	Week        Week    `json:"week"`
	Conveyance  float64 `json:"conveyance"`  // КПД транспортировки
	Application float64 `json:"application"` // КПД полива (при наличии полевых данных)
	Overall     float64 `json:"overall"`
	Uniformity  float64 `json:"uniformity"` // равномерность распределения
	Timeliness  float64 `json:"timeliness"` // своевременность [0..1]
	Performance float64 `json:"performance"`
	Limiting    string  `json:"limiting,omitempty"` // лимитирующее звено: conveyance / application
	Class       string  `json:"class"`              // excellent / good / fair / poor / very_poor
}

// ClassifyEfficiency возвращает класс эффективности по КПД
func ClassifyEfficiency(eff float64) string {
	switch {
	case eff >= EfficiencyExcellent:
		return "excellent"
	case eff >= EfficiencyGood:
		return "good"
	case eff >= EfficiencyFair:
		return "fair"
	case eff >= EfficiencyPoor:
		return "poor"
	default:
		return "very_poor"
	}
}
