package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Стандартные ключи атрибутов
const (
	// Сеть
	AttrNetworkNodes    = "network.nodes"
	AttrNetworkSections = "network.sections"
	AttrNetworkGates    = "network.gates"
	AttrNetworkSource   = "network.source_id"

	// Решатель
	AttrSolverIterations   = "solver.iterations"
	AttrSolverConverged    = "solver.converged"
	AttrSolverMaxDelta     = "solver.max_level_delta_m"
	AttrSolverMassResidual = "solver.mass_residual_m3s"

	// Планировщик
	AttrPlanZones     = "plan.zones"
	AttrPlanFeasible  = "plan.feasible"
	AttrPlanShortfall = "plan.shortfall_m3s"

	// Затвор
	AttrGateID      = "gate.id"
	AttrGateMode    = "gate.mode"
	AttrGateOpening = "gate.opening_fraction"

	// Учёт
	AttrWeek          = "accounting.week"
	AttrZone          = "accounting.zone"
	AttrDiscrepancy   = "accounting.discrepancy"
	AttrReconStatus   = "accounting.status"
	AttrDeliveriesCnt = "accounting.deliveries"
)

// NetworkAttributes возвращает атрибуты расчётной сети
func NetworkAttributes(nodes, sections, gates int, sourceID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrNetworkNodes, nodes),
		attribute.Int(AttrNetworkSections, sections),
		attribute.Int(AttrNetworkGates, gates),
		attribute.String(AttrNetworkSource, sourceID),
	}
}

// SolverAttributes возвращает атрибуты расчёта установившегося режима
func SolverAttributes(iterations int, converged bool, maxDelta, massResidual float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrSolverIterations, iterations),
		attribute.Bool(AttrSolverConverged, converged),
		attribute.Float64(AttrSolverMaxDelta, maxDelta),
		attribute.Float64(AttrSolverMassResidual, massResidual),
	}
}

// GateAttributes возвращает атрибуты затвора
func GateAttributes(gateID, mode string, opening float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrGateID, gateID),
		attribute.String(AttrGateMode, mode),
		attribute.Float64(AttrGateOpening, opening),
	}
}

// ReconciliationAttributes возвращает атрибуты недельной сверки
func ReconciliationAttributes(week, zone, status string, discrepancy float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrWeek, week),
		attribute.String(AttrZone, zone),
		attribute.String(AttrReconStatus, status),
		attribute.Float64(AttrDiscrepancy, discrepancy),
	}
}
