package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"hydronet/pkg/database"
	"hydronet/pkg/hydro"
	"hydronet/pkg/telemetry"
)

// AccountingRepo is the persistence backend of the volumetric accountant:
// deliveries, hydrographs, transit losses, efficiency, deficits and the
// weekly reconciliation trail.
type AccountingRepo struct {
	db database.DB
}

// SaveDelivery upserts a delivery row.
func (r *AccountingRepo) SaveDelivery(ctx context.Context, d *hydro.Delivery) error {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.SaveDelivery")
	defer span.End()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO deliveries (id, zone, node_id, gate_id, status, mode, priority,
		                        week_year, week_num, scheduled_start, scheduled_end,
		                        actual_start, actual_end, target_volume, measured_volume,
		                        delivered_volume, target_flow, confidence, adjusted,
		                        path_sections, path_gates, path_length_m, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, mode = EXCLUDED.mode, priority = EXCLUDED.priority,
			actual_start = EXCLUDED.actual_start, actual_end = EXCLUDED.actual_end,
			target_volume = EXCLUDED.target_volume,
			measured_volume = EXCLUDED.measured_volume,
			delivered_volume = EXCLUDED.delivered_volume,
			target_flow = EXCLUDED.target_flow,
			confidence = EXCLUDED.confidence, adjusted = EXCLUDED.adjusted,
			path_sections = EXCLUDED.path_sections, path_gates = EXCLUDED.path_gates,
			path_length_m = EXCLUDED.path_length_m, updated_at = now()
	`, d.ID, d.Zone, d.NodeID, nullText(d.GateID), string(d.Status), string(d.Mode),
		d.Priority, int16(d.Week.Year), int16(d.Week.Week),
		d.ScheduledStart, d.ScheduledEnd, nullTime(d.ActualStart), nullTime(d.ActualEnd),
		d.TargetVolume, d.MeasuredVolume, d.DeliveredVolume, d.TargetFlow,
		d.Confidence, d.Adjusted,
		d.Path.Sections, d.Path.GateIDs, d.Path.LengthM)
	if err != nil {
		return fmt.Errorf("failed to save delivery %s: %w", d.ID, err)
	}
	return nil
}

// Delivery returns a single delivery, (nil, nil) when the id is unknown.
func (r *AccountingRepo) Delivery(ctx context.Context, id string) (*hydro.Delivery, error) {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.Delivery")
	defer span.End()

	rows, err := r.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery: %w", err)
	}
	defer rows.Close()

	ds, err := collectDeliveries(rows)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return nil, nil
	}
	return ds[0], nil
}

const deliveryColumns = `
	id, zone, node_id, gate_id, status, mode, priority, week_year, week_num,
	scheduled_start, scheduled_end, actual_start, actual_end,
	target_volume, measured_volume, delivered_volume, target_flow,
	confidence, adjusted, path_sections, path_gates, path_length_m`

// DeliveriesForWeek returns every delivery accounted in the given ISO week.
func (r *AccountingRepo) DeliveriesForWeek(ctx context.Context, week hydro.Week) ([]*hydro.Delivery, error) {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.DeliveriesForWeek")
	defer span.End()

	rows, err := r.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE week_year = $1 AND week_num = $2
		ORDER BY scheduled_start
		LIMIT $3
	`, int16(week.Year), int16(week.Week), maxListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries for week: %w", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// DeliveriesForZone returns the zone's deliveries over an inclusive week range.
func (r *AccountingRepo) DeliveriesForZone(ctx context.Context, zone string, from, to hydro.Week) ([]*hydro.Delivery, error) {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.DeliveriesForZone")
	defer span.End()

	rows, err := r.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM deliveries
		WHERE zone = $1
		  AND (week_year, week_num) >= ($2, $3)
		  AND (week_year, week_num) <= ($4, $5)
		ORDER BY week_year, week_num, scheduled_start
		LIMIT $6
	`, zone, int16(from.Year), int16(from.Week), int16(to.Year), int16(to.Week), maxListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries for zone: %w", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

func collectDeliveries(rows pgx.Rows) ([]*hydro.Delivery, error) {
	var out []*hydro.Delivery
	for rows.Next() {
		d := &hydro.Delivery{}
		var (
			gateID                 pgtype.Text
			status, mode           string
			weekYear, weekNum      int16
			actualStart, actualEnd pgtype.Timestamptz
		)
		err := rows.Scan(&d.ID, &d.Zone, &d.NodeID, &gateID, &status, &mode, &d.Priority,
			&weekYear, &weekNum, &d.ScheduledStart, &d.ScheduledEnd,
			&actualStart, &actualEnd,
			&d.TargetVolume, &d.MeasuredVolume, &d.DeliveredVolume, &d.TargetFlow,
			&d.Confidence, &d.Adjusted,
			&d.Path.Sections, &d.Path.GateIDs, &d.Path.LengthM)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.GateID = gateID.String
		d.Status = hydro.DeliveryStatus(status)
		d.Mode = hydro.ControlMode(mode)
		d.Week = hydro.Week{Year: int(weekYear), Week: int(weekNum)}
		d.ActualStart = actualStart.Time
		d.ActualEnd = actualEnd.Time
		d.Path.Zone = d.Zone
		d.Path.NodeID = d.NodeID
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveTrace stores a hydrograph: the trace header plus its points in the
// measurement series, replacing any previous points for the delivery.
func (r *AccountingRepo) SaveTrace(ctx context.Context, tr *hydro.FlowTrace) error {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.SaveTrace")
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
		INSERT INTO flow_traces (delivery_id, gate_id, source, quality, recorded_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (delivery_id) DO UPDATE SET
			gate_id = EXCLUDED.gate_id, source = EXCLUDED.source,
			quality = EXCLUDED.quality, recorded_at = now()
	`, tr.DeliveryID, tr.GateID, string(tr.Source), tr.Quality); err != nil {
		return fmt.Errorf("failed to save flow trace: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM flow_measurements WHERE delivery_id = $1
	`, tr.DeliveryID); err != nil {
		return fmt.Errorf("failed to clear trace points: %w", err)
	}

	for _, p := range tr.Points {
		if _, err := tx.Exec(ctx, `
			INSERT INTO flow_measurements (measured_at, delivery_id, gate_id, flow_m3s, source)
			VALUES ($1, $2, $3, $4, $5)
		`, p.T, tr.DeliveryID, tr.GateID, p.Q, string(tr.Source)); err != nil {
			return fmt.Errorf("failed to insert trace point: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit trace save: %w", err)
	}
	return nil
}

// TraceForDelivery loads the hydrograph of a delivery, (nil, nil) when none
// was recorded.
func (r *AccountingRepo) TraceForDelivery(ctx context.Context, deliveryID string) (*hydro.FlowTrace, error) {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.TraceForDelivery")
	defer span.End()

	tr := &hydro.FlowTrace{DeliveryID: deliveryID}
	var source string
	err := r.db.QueryRow(ctx, `
		SELECT gate_id, source, quality FROM flow_traces WHERE delivery_id = $1
	`, deliveryID).Scan(&tr.GateID, &source, &tr.Quality)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query flow trace: %w", err)
	}
	tr.Source = hydro.TraceSource(source)

	rows, err := r.db.Query(ctx, `
		SELECT measured_at, flow_m3s
		FROM flow_measurements
		WHERE delivery_id = $1
		ORDER BY measured_at
	`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trace points: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p hydro.TracePoint
		if err := rows.Scan(&p.T, &p.Q); err != nil {
			return nil, fmt.Errorf("failed to scan trace point: %w", err)
		}
		tr.Points = append(tr.Points, p)
	}
	return tr, rows.Err()
}

// SaveTransitLoss upserts the transit-loss breakdown of a delivery.
func (r *AccountingRepo) SaveTransitLoss(ctx context.Context, l *hydro.TransitLoss) error {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.SaveTransitLoss")
	defer span.End()

	_, err := r.db.Exec(ctx, `
		INSERT INTO transit_losses (delivery_id, seepage_m3, evaporation_m3,
		                            operational_m3, total_m3, sigma_m3,
		                            ci_low_m3, ci_high_m3, confidence, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (delivery_id) DO UPDATE SET
			seepage_m3 = EXCLUDED.seepage_m3, evaporation_m3 = EXCLUDED.evaporation_m3,
			operational_m3 = EXCLUDED.operational_m3, total_m3 = EXCLUDED.total_m3,
			sigma_m3 = EXCLUDED.sigma_m3, ci_low_m3 = EXCLUDED.ci_low_m3,
			ci_high_m3 = EXCLUDED.ci_high_m3, confidence = EXCLUDED.confidence,
			recorded_at = now()
	`, l.DeliveryID, l.Seepage, l.Evaporation, l.Operational, l.Total,
		l.Sigma, l.CILow, l.CIHigh, l.Confidence)
	if err != nil {
		return fmt.Errorf("failed to save transit loss: %w", err)
	}
	return nil
}

// LossForDelivery returns the transit loss of a delivery, (nil, nil) when
// none was recorded.
func (r *AccountingRepo) LossForDelivery(ctx context.Context, deliveryID string) (*hydro.TransitLoss, error) {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.LossForDelivery")
	defer span.End()

	l := &hydro.TransitLoss{DeliveryID: deliveryID}
	err := r.db.QueryRow(ctx, `
		SELECT seepage_m3, evaporation_m3, operational_m3, total_m3,
		       sigma_m3, ci_low_m3, ci_high_m3, confidence
		FROM transit_losses
		WHERE delivery_id = $1
	`, deliveryID).Scan(&l.Seepage, &l.Evaporation, &l.Operational, &l.Total,
		&l.Sigma, &l.CILow, &l.CIHigh, &l.Confidence)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transit loss: %w", err)
	}
	return l, nil
}

// SaveEfficiency appends an efficiency record for a delivery.
func (r *AccountingRepo) SaveEfficiency(ctx context.Context, rec *hydro.EfficiencyRecord) error {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.SaveEfficiency")
	defer span.End()

	_, err := r.db.Exec(ctx, `
		INSERT INTO efficiency_records (delivery_id, zone, week_year, week_num,
		                                conveyance, application, overall, uniformity,
		                                timeliness, performance, limiting, class)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.DeliveryID, rec.Zone, int16(rec.Week.Year), int16(rec.Week.Week),
		rec.Conveyance, rec.Application, rec.Overall, rec.Uniformity,
		rec.Timeliness, rec.Performance, rec.Limiting, rec.Class)
	if err != nil {
		return fmt.Errorf("failed to save efficiency record: %w", err)
	}
	return nil
}

// EfficienciesForZone returns the zone's efficiency records over an
// inclusive week range.
func (r *AccountingRepo) EfficienciesForZone(ctx context.Context, zone string, from, to hydro.Week) ([]*hydro.EfficiencyRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.EfficienciesForZone")
	defer span.End()

	rows, err := r.db.Query(ctx, `
		SELECT delivery_id, zone, week_year, week_num, conveyance, application,
		       overall, uniformity, timeliness, performance, limiting, class
		FROM efficiency_records
		WHERE zone = $1
		  AND (week_year, week_num) >= ($2, $3)
		  AND (week_year, week_num) <= ($4, $5)
		ORDER BY week_year, week_num, delivery_id
		LIMIT $6
	`, zone, int16(from.Year), int16(from.Week), int16(to.Year), int16(to.Week), maxListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query efficiency records: %w", err)
	}
	defer rows.Close()

	var out []*hydro.EfficiencyRecord
	for rows.Next() {
		rec := &hydro.EfficiencyRecord{}
		var weekYear, weekNum int16
		err := rows.Scan(&rec.DeliveryID, &rec.Zone, &weekYear, &weekNum,
			&rec.Conveyance, &rec.Application, &rec.Overall, &rec.Uniformity,
			&rec.Timeliness, &rec.Performance, &rec.Limiting, &rec.Class)
		if err != nil {
			return nil, fmt.Errorf("failed to scan efficiency record: %w", err)
		}
		rec.Week = hydro.Week{Year: int(weekYear), Week: int(weekNum)}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
