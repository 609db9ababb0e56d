package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"hydronet/pkg/hydro"
	"hydronet/pkg/telemetry"
)

// SaveDeficit upserts the zone's weekly deficit row.
func (r *AccountingRepo) SaveDeficit(ctx context.Context, rec *hydro.DeficitRecord) error {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.SaveDeficit")
	defer span.End()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO deficit_records (id, zone, week_year, week_num, target_m3,
		                             delivered_m3, deficit_m3, deficit_pct,
		                             stress, yield_impact, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (zone, week_year, week_num) DO UPDATE SET
			target_m3 = EXCLUDED.target_m3, delivered_m3 = EXCLUDED.delivered_m3,
			deficit_m3 = EXCLUDED.deficit_m3, deficit_pct = EXCLUDED.deficit_pct,
			stress = EXCLUDED.stress, yield_impact = EXCLUDED.yield_impact
	`, rec.ID, rec.Zone, int16(rec.Week.Year), int16(rec.Week.Week),
		rec.Target, rec.Delivered, rec.Deficit, rec.DeficitPct,
		string(rec.Stress), rec.YieldImpact, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save deficit record: %w", err)
	}
	return nil
}

// DeficitsForZone returns the zone's deficit records over an inclusive week
// range, oldest first.
func (r *AccountingRepo) DeficitsForZone(ctx context.Context, zone string, from, to hydro.Week) ([]*hydro.DeficitRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.DeficitsForZone")
	defer span.End()

	rows, err := r.db.Query(ctx, `
		SELECT id, zone, week_year, week_num, target_m3, delivered_m3,
		       deficit_m3, deficit_pct, stress, yield_impact, created_at
		FROM deficit_records
		WHERE zone = $1
		  AND (week_year, week_num) >= ($2, $3)
		  AND (week_year, week_num) <= ($4, $5)
		ORDER BY week_year, week_num
		LIMIT $6
	`, zone, int16(from.Year), int16(from.Week), int16(to.Year), int16(to.Week), maxListLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deficit records: %w", err)
	}
	defer rows.Close()

	var out []*hydro.DeficitRecord
	for rows.Next() {
		rec := &hydro.DeficitRecord{}
		var (
			weekYear, weekNum int16
			stress            string
		)
		err := rows.Scan(&rec.ID, &rec.Zone, &weekYear, &weekNum,
			&rec.Target, &rec.Delivered, &rec.Deficit, &rec.DeficitPct,
			&stress, &rec.YieldImpact, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deficit record: %w", err)
		}
		rec.Week = hydro.Week{Year: int(weekYear), Week: int(weekNum)}
		rec.Stress = hydro.StressLevel(stress)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CarryForward returns the zone's accumulated carry-forward, (nil, nil)
// when the zone has none.
func (r *AccountingRepo) CarryForward(ctx context.Context, zone string) (*hydro.CarryForward, error) {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.CarryForward")
	defer span.End()

	cf := &hydro.CarryForward{Zone: zone}
	var (
		asOfYear, asOfWeek int16
		entries            []byte
		stress             string
	)
	err := r.db.QueryRow(ctx, `
		SELECT as_of_year, as_of_week, entries, total_m3, weighted_m3,
		       max_age_weeks, stress, priority, updated_at
		FROM carry_forwards
		WHERE zone = $1
	`, zone).Scan(&asOfYear, &asOfWeek, &entries, &cf.Total, &cf.Weighted,
		&cf.MaxAgeWeeks, &stress, &cf.Priority, &cf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query carry-forward: %w", err)
	}

	cf.AsOf = hydro.Week{Year: int(asOfYear), Week: int(asOfWeek)}
	cf.Stress = hydro.StressLevel(stress)
	if err := json.Unmarshal(entries, &cf.Entries); err != nil {
		return nil, fmt.Errorf("failed to decode carry-forward entries: %w", err)
	}
	return cf, nil
}

// SaveCarryForward upserts the zone's carry-forward state.
func (r *AccountingRepo) SaveCarryForward(ctx context.Context, cf *hydro.CarryForward) error {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.SaveCarryForward")
	defer span.End()

	entries, err := json.Marshal(cf.Entries)
	if err != nil {
		return fmt.Errorf("failed to encode carry-forward entries: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO carry_forwards (zone, as_of_year, as_of_week, entries,
		                            total_m3, weighted_m3, max_age_weeks,
		                            stress, priority, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (zone) DO UPDATE SET
			as_of_year = EXCLUDED.as_of_year, as_of_week = EXCLUDED.as_of_week,
			entries = EXCLUDED.entries, total_m3 = EXCLUDED.total_m3,
			weighted_m3 = EXCLUDED.weighted_m3, max_age_weeks = EXCLUDED.max_age_weeks,
			stress = EXCLUDED.stress, priority = EXCLUDED.priority, updated_at = now()
	`, cf.Zone, int16(cf.AsOf.Year), int16(cf.AsOf.Week), entries,
		cf.Total, cf.Weighted, cf.MaxAgeWeeks, string(cf.Stress), cf.Priority)
	if err != nil {
		return fmt.Errorf("failed to save carry-forward: %w", err)
	}
	return nil
}

// Reconciliation returns the reconciliation log of a week with its
// adjustments, (nil, nil) when the week was never reconciled.
func (r *AccountingRepo) Reconciliation(ctx context.Context, week hydro.Week) (*hydro.ReconciliationLog, error) {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.Reconciliation")
	defer span.End()

	lg := &hydro.ReconciliationLog{Week: week}
	var status string
	err := r.db.QueryRow(ctx, `
		SELECT id, status, inflow_m3, outflow_m3, losses_m3, discrepancy_m3,
		       discrepancy_pct, quality_score, recommendations, export_path,
		       started_at, completed_at
		FROM reconciliation_logs
		WHERE week_year = $1 AND week_num = $2
	`, int16(week.Year), int16(week.Week)).Scan(&lg.ID, &status,
		&lg.InflowTotal, &lg.OutflowTotal, &lg.ReportedLosses, &lg.Discrepancy,
		&lg.DiscrepancyPct, &lg.QualityScore, &lg.Recommendations, &lg.ExportPath,
		&lg.StartedAt, &lg.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation log: %w", err)
	}
	lg.Status = hydro.ReconciliationStatus(status)

	adjs, err := r.adjustmentsForWeek(ctx, week)
	if err != nil {
		return nil, err
	}
	lg.Adjustments = adjs
	return lg, nil
}

func (r *AccountingRepo) adjustmentsForWeek(ctx context.Context, week hydro.Week) ([]hydro.Adjustment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, delivery_id, week_year, week_num, before_m3, after_m3,
		       loss_share, reason, confidence, created_at
		FROM adjustments
		WHERE week_year = $1 AND week_num = $2
		ORDER BY created_at
	`, int16(week.Year), int16(week.Week))
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	var out []hydro.Adjustment
	for rows.Next() {
		var (
			a                 hydro.Adjustment
			weekYear, weekNum int16
			reason            string
		)
		err := rows.Scan(&a.ID, &a.DeliveryID, &weekYear, &weekNum,
			&a.Before, &a.After, &a.LossShare, &reason, &a.Confidence, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		a.Week = hydro.Week{Year: int(weekYear), Week: int(weekNum)}
		a.Reason = hydro.AdjustmentReason(reason)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveReconciliation upserts the weekly reconciliation log and its
// adjustments in one transaction.
func (r *AccountingRepo) SaveReconciliation(ctx context.Context, lg *hydro.ReconciliationLog) error {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.SaveReconciliation")
	defer span.End()

	if lg.ID == "" {
		lg.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			telemetry.RecordError(ctx, err)
		}
	}()

	recs := lg.Recommendations
	if recs == nil {
		recs = []string{}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO reconciliation_logs (id, week_year, week_num, status,
		                                 inflow_m3, outflow_m3, losses_m3,
		                                 discrepancy_m3, discrepancy_pct,
		                                 quality_score, recommendations,
		                                 export_path, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (week_year, week_num) DO UPDATE SET
			status = EXCLUDED.status, inflow_m3 = EXCLUDED.inflow_m3,
			outflow_m3 = EXCLUDED.outflow_m3, losses_m3 = EXCLUDED.losses_m3,
			discrepancy_m3 = EXCLUDED.discrepancy_m3,
			discrepancy_pct = EXCLUDED.discrepancy_pct,
			quality_score = EXCLUDED.quality_score,
			recommendations = EXCLUDED.recommendations,
			export_path = EXCLUDED.export_path,
			started_at = EXCLUDED.started_at, completed_at = EXCLUDED.completed_at
	`, lg.ID, int16(lg.Week.Year), int16(lg.Week.Week), string(lg.Status),
		lg.InflowTotal, lg.OutflowTotal, lg.ReportedLosses,
		lg.Discrepancy, lg.DiscrepancyPct, lg.QualityScore, recs,
		lg.ExportPath, lg.StartedAt, lg.CompletedAt); err != nil {
		return fmt.Errorf("failed to save reconciliation log: %w", err)
	}

	for i := range lg.Adjustments {
		if err := insertAdjustment(ctx, tx, &lg.Adjustments[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return nil
}

// SaveAdjustments appends reconciliation adjustments outside a weekly log,
// used by manual reviews.
func (r *AccountingRepo) SaveAdjustments(ctx context.Context, adjs []hydro.Adjustment) error {
	ctx, span := telemetry.StartSpan(ctx, "AccountingRepo.SaveAdjustments")
	defer span.End()

	if len(adjs) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			telemetry.RecordError(ctx, err)
		}
	}()

	for i := range adjs {
		if err := insertAdjustment(ctx, tx, &adjs[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit adjustments: %w", err)
	}
	return nil
}

func insertAdjustment(ctx context.Context, tx pgx.Tx, a *hydro.Adjustment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO adjustments (id, delivery_id, week_year, week_num,
		                         before_m3, after_m3, loss_share, reason,
		                         confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.DeliveryID, int16(a.Week.Year), int16(a.Week.Week),
		a.Before, a.After, a.LossShare, string(a.Reason), a.Confidence, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert adjustment: %w", err)
	}
	return nil
}
