package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hydronet/pkg/database"
	"hydronet/pkg/hydro"
	"hydronet/pkg/telemetry"
)

// GateRepo persists gate state and the control-mode change trail.
type GateRepo struct {
	db database.DB
}

// GateControlRecord is one persisted control-mode change.
type GateControlRecord struct {
	GateID      string
	FromMode    hydro.ControlMode
	ToMode      hydro.ControlMode
	Reason      string
	InitiatedBy string
	OccurredAt  time.Time
}

// SaveGate upserts the full gate row and its calibration.
func (r *GateRepo) SaveGate(ctx context.Context, g *hydro.Gate) error {
	ctx, span := telemetry.StartSpan(ctx, "GateRepo.SaveGate")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			telemetry.RecordError(ctx, err)
		}
	}()

	if err := upsertGate(ctx, tx, g); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit gate save: %w", err)
	}
	return nil
}

// Gate returns a single gate with its latest calibration, (nil, nil) when
// the id is unknown.
func (r *GateRepo) Gate(ctx context.Context, id string) (*hydro.Gate, error) {
	ctx, span := telemetry.StartSpan(ctx, "GateRepo.Gate")
	defer span.End()

	rows, err := r.db.Query(ctx, `
		SELECT g.id, g.name, g.gate_type, g.from_node, g.to_node, g.section_id,
		       g.width_m, g.max_opening_m, g.sill_elev, g.opening,
		       g.mode, g.status, g.drop_height,
		       g.scada_tag, g.actuator_rate, g.min_step, g.reported_pos, g.position_fault,
		       g.operator_contact, g.turns_per_meter, g.last_operator,
		       g.comm_failures, g.last_contact_at, g.updated_at,
		       c.k1, c.k2, c.confidence, c.source, c.calibrated_at
		FROM gates g
		LEFT JOIN LATERAL (
			SELECT k1, k2, confidence, source, calibrated_at
			FROM gate_calibrations
			WHERE gate_id = g.id
			ORDER BY calibrated_at DESC
			LIMIT 1
		) c ON true
		WHERE g.id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query gate: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read gate: %w", err)
		}
		return nil, nil
	}
	return scanGate(rows)
}

// UpdatePosition stores a new opening after a confirmed actuation.
func (r *GateRepo) UpdatePosition(ctx context.Context, gateID string, opening float64) error {
	ctx, span := telemetry.StartSpan(ctx, "GateRepo.UpdatePosition")
	defer span.End()

	_, err := r.db.Exec(ctx, `
		UPDATE gates SET opening = $2, updated_at = now() WHERE id = $1
	`, gateID, opening)
	if err != nil {
		return fmt.Errorf("failed to update gate position: %w", err)
	}
	return nil
}

// UpdateMode records a mode and status change plus the control record, in
// one transaction so the trail never diverges from the state.
func (r *GateRepo) UpdateMode(ctx context.Context, gateID string, mode hydro.ControlMode, status hydro.EquipmentStatus, rec GateControlRecord) error {
	ctx, span := telemetry.StartSpan(ctx, "GateRepo.UpdateMode")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			telemetry.RecordError(ctx, err)
		}
	}()

	if _, err := tx.Exec(ctx, `
		UPDATE gates SET mode = $2, status = $3, updated_at = now() WHERE id = $1
	`, gateID, string(mode), string(status)); err != nil {
		return fmt.Errorf("failed to update gate mode: %w", err)
	}

	occurred := rec.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO gate_control_records (gate_id, from_mode, to_mode, reason, initiated_by, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, gateID, string(rec.FromMode), string(rec.ToMode), rec.Reason, rec.InitiatedBy, occurred); err != nil {
		return fmt.Errorf("failed to insert control record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit mode update: %w", err)
	}
	return nil
}

// UpdateCommState stores the communication counters from the health monitor.
func (r *GateRepo) UpdateCommState(ctx context.Context, gateID string, failures int, lastContact time.Time) error {
	ctx, span := telemetry.StartSpan(ctx, "GateRepo.UpdateCommState")
	defer span.End()

	var contact any
	if !lastContact.IsZero() {
		contact = lastContact
	}
	_, err := r.db.Exec(ctx, `
		UPDATE gates SET comm_failures = $2, last_contact_at = COALESCE($3, last_contact_at),
		                 updated_at = now()
		WHERE id = $1
	`, gateID, failures, contact)
	if err != nil {
		return fmt.Errorf("failed to update communication state: %w", err)
	}
	return nil
}

// SaveCalibration appends a calibration row for the gate.
func (r *GateRepo) SaveCalibration(ctx context.Context, gateID string, cal hydro.Calibration) error {
	ctx, span := telemetry.StartSpan(ctx, "GateRepo.SaveCalibration")
	defer span.End()

	at := cal.CalibratedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO gate_calibrations (gate_id, k1, k2, confidence, source, calibrated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, gateID, cal.K1, cal.K2, cal.Confidence, string(cal.Source), at)
	if err != nil {
		return fmt.Errorf("failed to save calibration: %w", err)
	}
	return nil
}

// ControlHistory returns the most recent control-mode changes for a gate,
// newest first.
func (r *GateRepo) ControlHistory(ctx context.Context, gateID string, limit int) ([]GateControlRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "GateRepo.ControlHistory")
	defer span.End()

	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := r.db.Query(ctx, `
		SELECT gate_id, from_mode, to_mode, reason, initiated_by, occurred_at
		FROM gate_control_records
		WHERE gate_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, gateID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query control history: %w", err)
	}
	defer rows.Close()

	var out []GateControlRecord
	for rows.Next() {
		var (
			rec      GateControlRecord
			from, to string
		)
		if err := rows.Scan(&rec.GateID, &from, &to, &rec.Reason, &rec.InitiatedBy, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan control record: %w", err)
		}
		rec.FromMode = hydro.ControlMode(from)
		rec.ToMode = hydro.ControlMode(to)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListBySection returns the gates installed on a canal section.
func (r *GateRepo) ListBySection(ctx context.Context, sectionID string) ([]*hydro.Gate, error) {
	ctx, span := telemetry.StartSpan(ctx, "GateRepo.ListBySection")
	defer span.End()

	rows, err := r.db.Query(ctx, `
		SELECT g.id, g.name, g.gate_type, g.from_node, g.to_node, g.section_id,
		       g.width_m, g.max_opening_m, g.sill_elev, g.opening,
		       g.mode, g.status, g.drop_height,
		       g.scada_tag, g.actuator_rate, g.min_step, g.reported_pos, g.position_fault,
		       g.operator_contact, g.turns_per_meter, g.last_operator,
		       g.comm_failures, g.last_contact_at, g.updated_at,
		       c.k1, c.k2, c.confidence, c.source, c.calibrated_at
		FROM gates g
		LEFT JOIN LATERAL (
			SELECT k1, k2, confidence, source, calibrated_at
			FROM gate_calibrations
			WHERE gate_id = g.id
			ORDER BY calibrated_at DESC
			LIMIT 1
		) c ON true
		WHERE g.section_id = $1
		ORDER BY g.id
	`, sectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query gates by section: %w", err)
	}
	defer rows.Close()

	var out []*hydro.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
