package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"hydronet/pkg/database"
	"hydronet/pkg/hydro"
	"hydronet/pkg/telemetry"
)

// Measurement is one flow/level sample in the measurement series. The table
// becomes a TimescaleDB hypertable when the extension is installed.
type Measurement struct {
	MeasuredAt time.Time
	DeliveryID string
	GateID     string
	SectionID  string
	FlowM3s    float64
	LevelM     float64
	Source     string
}

// TimeseriesRepo appends and aggregates raw flow measurements.
type TimeseriesRepo struct {
	db database.DB
}

// Append stores a batch of measurements.
func (r *TimeseriesRepo) Append(ctx context.Context, ms []Measurement) error {
	ctx, span := telemetry.StartSpan(ctx, "TimeseriesRepo.Append")
	defer span.End()

	for _, m := range ms {
		source := m.Source
		if source == "" {
			source = string(hydro.TraceSourceScada)
		}
		_, err := r.db.Exec(ctx, `
			INSERT INTO flow_measurements (measured_at, delivery_id, gate_id,
			                               section_id, flow_m3s, level_m, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, m.MeasuredAt, nullText(m.DeliveryID), nullText(m.GateID),
			nullText(m.SectionID), m.FlowM3s, m.LevelM, source)
		if err != nil {
			return fmt.Errorf("failed to append measurement: %w", err)
		}
	}
	return nil
}

// GateWindow returns the gate's samples in a time window, oldest first.
func (r *TimeseriesRepo) GateWindow(ctx context.Context, gateID string, from, to time.Time) ([]Measurement, error) {
	ctx, span := telemetry.StartSpan(ctx, "TimeseriesRepo.GateWindow")
	defer span.End()

	rows, err := r.db.Query(ctx, `
		SELECT measured_at, delivery_id, gate_id, section_id, flow_m3s, level_m, source
		FROM flow_measurements
		WHERE gate_id = $1 AND measured_at >= $2 AND measured_at < $3
		ORDER BY measured_at
	`, gateID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query gate window: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var (
			m                  Measurement
			deliveryID, gID    pgtype.Text
			sectionID          pgtype.Text
			level              pgtype.Float8
		)
		err := rows.Scan(&m.MeasuredAt, &deliveryID, &gID, &sectionID,
			&m.FlowM3s, &level, &m.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		m.DeliveryID = deliveryID.String
		m.GateID = gID.String
		m.SectionID = sectionID.String
		m.LevelM = level.Float64
		out = append(out, m)
	}
	return out, rows.Err()
}

// GateVolume integrates a gate's measured flow over a window with the
// trapezoid rule on the database side and returns cubic meters.
func (r *TimeseriesRepo) GateVolume(ctx context.Context, gateID string, from, to time.Time) (float64, error) {
	ctx, span := telemetry.StartSpan(ctx, "TimeseriesRepo.GateVolume")
	defer span.End()

	// Трапеции между соседними отсчётами
	var volume pgtype.Float8
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			(flow_m3s + next_flow) / 2 *
			EXTRACT(EPOCH FROM (next_at - measured_at))
		), 0)
		FROM (
			SELECT measured_at, flow_m3s,
			       LEAD(measured_at) OVER w AS next_at,
			       LEAD(flow_m3s) OVER w AS next_flow
			FROM flow_measurements
			WHERE gate_id = $1 AND measured_at >= $2 AND measured_at < $3
			WINDOW w AS (ORDER BY measured_at)
		) s
		WHERE next_at IS NOT NULL
	`, gateID, from, to).Scan(&volume)
	if err != nil {
		return 0, fmt.Errorf("failed to integrate gate volume: %w", err)
	}
	return volume.Float64, nil
}

// DeleteBefore drops samples older than the retention boundary.
func (r *TimeseriesRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "TimeseriesRepo.DeleteBefore")
	defer span.End()

	tag, err := r.db.Exec(ctx, `
		DELETE FROM flow_measurements WHERE measured_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old measurements: %w", err)
	}
	return tag.RowsAffected(), nil
}
