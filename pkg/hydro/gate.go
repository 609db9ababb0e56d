package hydro

import (
	"fmt"
	"time"
)

// GateType конструктивный тип затвора
type GateType int

const (
	GateTypeUnspecified GateType = iota
	GateTypeRadial
	GateTypeSlide
	GateTypeLift
)

// String возвращает строковое представление типа затвора
func (t GateType) String() string {
	switch t {
	case GateTypeRadial:
		return "radial"
	case GateTypeSlide:
		return "slide"
	case GateTypeLift:
		return "lift"
	default:
		return "unspecified"
	}
}

// ParseGateType разбирает тип затвора из строки
func ParseGateType(s string) GateType {
	switch s {
	case "radial":
		return GateTypeRadial
	case "slide":
		return GateTypeSlide
	case "lift":
		return GateTypeLift
	default:
		return GateTypeUnspecified
	}
}

// ControlMode режим управления затвором
type ControlMode string

const (
	ModeAuto          ControlMode = "auto"
	ModeManual        ControlMode = "manual"
	ModeMaintenance   ControlMode = "maintenance"
	ModeFailed        ControlMode = "failed"
	ModeTransitioning ControlMode = "transitioning"
)

// Valid проверяет, что режим известен
func (m ControlMode) Valid() bool {
	switch m {
	case ModeAuto, ModeManual, ModeMaintenance, ModeFailed, ModeTransitioning:
		return true
	}
	return false
}

// EquipmentStatus состояние оборудования затвора
type EquipmentStatus string

const (
	StatusOperational EquipmentStatus = "operational"
	StatusDegraded    EquipmentStatus = "degraded"
	StatusFault       EquipmentStatus = "fault"
	StatusUnknown     EquipmentStatus = "unknown"
)

// CalibrationSource происхождение калибровки
type CalibrationSource string

const (
	CalibrationMeasured  CalibrationSource = "measured"
	CalibrationInherited CalibrationSource = "inherited"
	CalibrationDefault   CalibrationSource = "default"
)

// Границы допустимых калибровочных коэффициентов
const (
	CalibrationK1Min = 0.3
	CalibrationK1Max = 1.2
	CalibrationK2Min = -0.5
	CalibrationK2Max = 0.5
)

// Calibration калибровочные коэффициенты затвора.
// Коэффициент расхода: Cs = clip(K1·(Hs/Go)^K2, 0.3, 0.85).
type Calibration struct {
	K1           float64
	K2           float64
	Confidence   float64 // достоверность [0..1]
	Source       CalibrationSource
	CalibratedAt time.Time
}

// Validate проверяет диапазоны калибровочных коэффициентов
func (c Calibration) Validate() error {
	if c.K1 < CalibrationK1Min || c.K1 > CalibrationK1Max {
		return fmt.Errorf("K1 %.3f outside [%.1f, %.1f]", c.K1, CalibrationK1Min, CalibrationK1Max)
	}
	if c.K2 < CalibrationK2Min || c.K2 > CalibrationK2Max {
		return fmt.Errorf("K2 %.3f outside [%.1f, %.1f]", c.K2, CalibrationK2Min, CalibrationK2Max)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("confidence %.3f outside [0, 1]", c.Confidence)
	}
	return nil
}

// DefaultCalibration возвращает типовую калибровку по конструктивному типу
func DefaultCalibration(t GateType) Calibration {
	c := Calibration{Confidence: 0.5, Source: CalibrationDefault}
	switch t {
	case GateTypeRadial:
		c.K1, c.K2 = 0.70, 0.05
	case GateTypeLift:
		c.K1, c.K2 = 0.65, 0.06
	default:
		c.K1, c.K2 = 0.61, 0.08
	}
	return c
}

// DropStructure перепадное сооружение на выходе затвора
type DropStructure struct {
	Height float64 // высота перепада, м
}

// AutomatedControl параметры автоматизированного затвора
type AutomatedControl struct {
	ScadaTag       string  // тег в SCADA
	ActuatorRate   float64 // скорость привода, доля открытия в минуту
	MinStep        float64 // минимальный шаг позиционирования, доля
	LastCommandAt  time.Time
	LastCommandPos float64 // последняя командная позиция, доля
	LastContactAt  time.Time
	ReportedPos    float64 // позиция по телеметрии, доля
	PositionFault  bool    // расхождение команда/телеметрия за пределами допуска
}

// Clone создаёт копию записи управления
func (a *AutomatedControl) Clone() *AutomatedControl {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// ManualControl параметры затвора с ручным управлением
type ManualControl struct {
	OperatorContact string
	TurnsPerMeter   float64 // оборотов штурвала на метр открытия
	LastOperator    string
	LastAdjustedAt  time.Time
}

// Clone создаёт копию записи управления
func (m *ManualControl) Clone() *ManualControl {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Gate представляет затвор оросительной сети.
// Ровно одна из записей Automated/Manual должна быть заполнена.
type Gate struct {
	ID        string
	Name      string
	Type      GateType
	SectionID string // участок, на котором установлен затвор
	FromNode  string
	ToNode    string

	Width      float64 // ширина пролёта L, м
	MaxOpening float64 // максимальное открытие Go, м
	SillElev   float64 // отметка порога, м БС

	Calibration Calibration
	Drop        *DropStructure

	Automated *AutomatedControl
	Manual    *ManualControl

	Mode         ControlMode
	Status       EquipmentStatus
	Opening      float64 // доля открытия [0..1]
	CommFailures int     // подряд неудачных опросов SCADA
	UpdatedAt    time.Time
}

// Clone создаёт глубокую копию затвора
func (g *Gate) Clone() *Gate {
	c := *g
	if g.Drop != nil {
		d := *g.Drop
		c.Drop = &d
	}
	c.Automated = g.Automated.Clone()
	c.Manual = g.Manual.Clone()
	return &c
}

// IsAutomated проверяет, автоматизирован ли затвор
func (g *Gate) IsAutomated() bool {
	return g.Automated != nil
}

// OpeningHeight возвращает высоту открытия Hs = opening·Go, м
func (g *Gate) OpeningHeight() float64 {
	return Clip(g.Opening, 0, 1) * g.MaxOpening
}

// SetOpening устанавливает долю открытия с ограничением [0..1]
func (g *Gate) SetOpening(fraction float64) {
	g.Opening = Clip(fraction, 0, 1)
	g.UpdatedAt = time.Now()
}

// Operable проверяет, принимает ли затвор команды в текущем режиме
func (g *Gate) Operable() bool {
	return g.Mode == ModeAuto || g.Mode == ModeManual
}

// Validate проверяет корректность затвора
func (g *Gate) Validate() []error {
	var errs []error

	if g.Width <= 0 {
		errs = append(errs, fmt.Errorf("gate %s has non-positive width", g.ID))
	}
	if g.MaxOpening <= 0 {
		errs = append(errs, fmt.Errorf("gate %s has non-positive max opening", g.ID))
	}
	if g.Opening < 0 || g.Opening > 1 {
		errs = append(errs, fmt.Errorf("gate %s opening %.3f outside [0, 1]", g.ID, g.Opening))
	}
	if err := g.Calibration.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("gate %s calibration: %w", g.ID, err))
	}
	if g.Drop != nil && g.Drop.Height <= 0 {
		errs = append(errs, fmt.Errorf("gate %s drop structure has non-positive height", g.ID))
	}

	// Ровно одна запись управления
	switch {
	case g.Automated == nil && g.Manual == nil:
		errs = append(errs, fmt.Errorf("gate %s has no control record", g.ID))
	case g.Automated != nil && g.Manual != nil:
		errs = append(errs, fmt.Errorf("gate %s has both automated and manual control records", g.ID))
	}

	if !g.Mode.Valid() {
		errs = append(errs, fmt.Errorf("gate %s has unknown mode %q", g.ID, g.Mode))
	}

	return errs
}
