package hydro

import "math"

// Физические константы
const (
	Gravity      = 9.81   // ускорение свободного падения, м/с²
	WaterDensity = 1000.0 // плотность воды, кг/м³
)

// Математические константы
const (
	Epsilon  = 1e-9
	Infinity = math.MaxFloat64
)

// Границы коэффициента расхода затвора
const (
	DischargeCoeffMin = 0.30
	DischargeCoeffMax = 0.85
)

// Параметры подтопленного режима
const (
	SubmergenceRatio        = 0.8 // h_down/h_up, выше — режим подтопленный
	SubmergedReductionFloor = 0.3 // нижняя граница коэффициента снижения
)

// Число Фруда: границы классификации режима течения
const (
	FroudeSubcritical   = 0.9
	FroudeSupercritical = 1.1
)

// Пороги классов эффективности доставки
const (
	EfficiencyExcellent = 0.85
	EfficiencyGood      = 0.75
	EfficiencyFair      = 0.65
	EfficiencyPoor      = 0.55
)

// Пороги уровней дефицита (доля от целевого объёма).
// Граничное значение относится к нижнему классу.
const (
	DeficitMildThreshold     = 0.10
	DeficitModerateThreshold = 0.20
)

// Параметры оценки энергетического потенциала перепадов
const (
	MinTurbineDropM    = 2.0  // минимальный перепад для установки турбины, м
	TurbineEfficiency  = 0.85 // КПД малой турбины
	MinViablePowerKW   = 50.0 // минимальная мощность для целесообразности
	TurbineDesignShare = 0.70 // доля пропускной способности канала в расчётном расходе
)

// FloatEquals сравнивает два float64 с учётом Epsilon
func FloatEquals(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// FloatLess проверяет a < b с учётом Epsilon
func FloatLess(a, b float64) bool {
	return a < b-Epsilon
}

// FloatGreater проверяет a > b с учётом Epsilon
func FloatGreater(a, b float64) bool {
	return a > b+Epsilon
}

// IsZero проверяет, равно ли значение нулю
func IsZero(v float64) bool {
	return math.Abs(v) < Epsilon
}

// IsPositive проверяет, положительно ли значение
func IsPositive(v float64) bool {
	return v > Epsilon
}

// Clip ограничивает значение диапазоном [lo, hi]
func Clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
