package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronet/pkg/hydro"
	"hydronet/services/control-svc/internal/dispatch"
	"hydronet/services/control-svc/internal/preserve"
)

// ============================================================
// MOCK DB ADAPTER
// ============================================================

type pgxMockAdapter struct {
	mock pgxmock.PgxPoolIface
}

func (a *pgxMockAdapter) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return a.mock.Exec(ctx, sql, args...)
}

func (a *pgxMockAdapter) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return a.mock.Query(ctx, sql, args...)
}

func (a *pgxMockAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return a.mock.QueryRow(ctx, sql, args...)
}

func (a *pgxMockAdapter) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return a.mock.BeginTx(ctx, txOptions)
}

func (a *pgxMockAdapter) Close() {
	a.mock.Close()
}

func (a *pgxMockAdapter) Ping(ctx context.Context) error {
	return a.mock.Ping(ctx)
}

// anyArgs returns n pgxmock.AnyArg matchers, for expectations that do not
// care about argument values (pgxmock requires the argument count to match).
func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func setupMockDB(t *testing.T) (pgxmock.PgxPoolIface, *Repositories) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)

	repos := New(&pgxMockAdapter{mock: mock})
	return mock, repos
}

// ============================================================
// GATE TESTS
// ============================================================

func TestGateRepo_UpdatePosition(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	mock.ExpectExec(`UPDATE gates SET opening`).
		WithArgs("G-1", 0.45).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repos.Gates.UpdatePosition(context.Background(), "G-1", 0.45)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateRepo_UpdateMode_WritesControlRecord(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	occurred := time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC)
	rec := GateControlRecord{
		GateID:      "G-1",
		FromMode:    hydro.ModeAuto,
		ToMode:      hydro.ModeManual,
		Reason:      "communication_timeout",
		InitiatedBy: "health-monitor",
		OccurredAt:  occurred,
	}

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec(`UPDATE gates SET mode`).
		WithArgs("G-1", "manual", "operational").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO gate_control_records`).
		WithArgs("G-1", "auto", "manual", "communication_timeout", "health-monitor", occurred).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repos.Gates.UpdateMode(context.Background(), "G-1",
		hydro.ModeManual, hydro.StatusOperational, rec)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateRepo_UpdateMode_RollsBackOnRecordError(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec(`UPDATE gates SET mode`).
		WithArgs("G-1", "manual", "operational").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO gate_control_records`).
		WithArgs(anyArgs(6)...).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repos.Gates.UpdateMode(context.Background(), "G-1",
		hydro.ModeManual, hydro.StatusOperational, GateControlRecord{
			GateID: "G-1", FromMode: hydro.ModeAuto, ToMode: hydro.ModeManual,
			OccurredAt: time.Now(),
		})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert control record")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateRepo_ControlHistory(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	now := time.Now()
	rows := pgxmock.NewRows([]string{"gate_id", "from_mode", "to_mode", "reason", "initiated_by", "occurred_at"}).
		AddRow("G-1", "auto", "manual", "position_fault", "health-monitor", now).
		AddRow("G-1", "manual", "auto", "operator_request", "ivanov", now.Add(-time.Hour))

	mock.ExpectQuery(`SELECT gate_id, from_mode, to_mode, reason, initiated_by, occurred_at`).
		WithArgs("G-1", 10).
		WillReturnRows(rows)

	recs, err := repos.Gates.ControlHistory(context.Background(), "G-1", 10)

	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, hydro.ModeAuto, recs[0].FromMode)
	assert.Equal(t, hydro.ModeManual, recs[0].ToMode)
	assert.Equal(t, "position_fault", recs[0].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateRepo_ControlHistory_LimitClamped(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"gate_id", "from_mode", "to_mode", "reason", "initiated_by", "occurred_at"})
	mock.ExpectQuery(`SELECT gate_id, from_mode, to_mode, reason, initiated_by, occurred_at`).
		WithArgs("G-1", maxListLimit).
		WillReturnRows(rows)

	_, err := repos.Gates.ControlHistory(context.Background(), "G-1", 50000)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGateRepo_SaveCalibration(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO gate_calibrations`).
		WithArgs("G-1", 0.61, 0.5, 0.9, "measured", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repos.Gates.SaveCalibration(context.Background(), "G-1", hydro.Calibration{
		K1: 0.61, K2: 0.5, Confidence: 0.9,
		Source: hydro.CalibrationMeasured, CalibratedAt: at,
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================
// DELIVERY TESTS
// ============================================================

func TestAccountingRepo_SaveDelivery_GeneratesID(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	d := &hydro.Delivery{
		Zone:           "north",
		NodeID:         "N-7",
		GateID:         "G-1",
		Status:         hydro.DeliveryComplete,
		Mode:           hydro.ModeAuto,
		Priority:       5,
		Week:           hydro.Week{Year: 2026, Week: 29},
		ScheduledStart: time.Now(),
		ScheduledEnd:   time.Now().Add(6 * time.Hour),
		TargetVolume:   12000,
	}

	mock.ExpectExec(`INSERT INTO deliveries`).
		WithArgs(anyArgs(22)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repos.Accounting.SaveDelivery(context.Background(), d)

	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountingRepo_DeliveriesForWeek(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	now := time.Now()
	gateID := pgtype.Text{String: "G-1", Valid: true}
	rows := pgxmock.NewRows([]string{
		"id", "zone", "node_id", "gate_id", "status", "mode", "priority",
		"week_year", "week_num", "scheduled_start", "scheduled_end",
		"actual_start", "actual_end",
		"target_volume", "measured_volume", "delivered_volume", "target_flow",
		"confidence", "adjusted", "path_sections", "path_gates", "path_length_m",
	}).AddRow(
		"d-1", "north", "N-7", gateID, "complete", "auto", 5,
		int16(2026), int16(29), now, now.Add(6*time.Hour),
		pgtype.Timestamptz{Time: now, Valid: true},
		pgtype.Timestamptz{Time: now.Add(5 * time.Hour), Valid: true},
		12000.0, 11800.0, 11200.0, 0.55,
		0.87, false, []string{"S-1", "S-2"}, []string{"G-0", "G-1"}, 5400.0,
	)

	mock.ExpectQuery(`SELECT .* FROM deliveries`).
		WithArgs(int16(2026), int16(29), maxListLimit).
		WillReturnRows(rows)

	ds, err := repos.Accounting.DeliveriesForWeek(context.Background(), hydro.Week{Year: 2026, Week: 29})

	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "d-1", ds[0].ID)
	assert.Equal(t, "G-1", ds[0].GateID)
	assert.Equal(t, hydro.DeliveryComplete, ds[0].Status)
	assert.Equal(t, hydro.Week{Year: 2026, Week: 29}, ds[0].Week)
	assert.Equal(t, []string{"S-1", "S-2"}, ds[0].Path.Sections)
	assert.Equal(t, "north", ds[0].Path.Zone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountingRepo_SaveTrace_ReplacesPoints(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	t0 := time.Date(2026, 7, 14, 8, 0, 0, 0, time.UTC)
	tr := &hydro.FlowTrace{
		DeliveryID: "d-1",
		GateID:     "G-1",
		Source:     hydro.TraceSourceScada,
		Quality:    0.95,
		Points: []hydro.TracePoint{
			{T: t0, Q: 0.5},
			{T: t0.Add(15 * time.Minute), Q: 0.52},
		},
	}

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec(`INSERT INTO flow_traces`).
		WithArgs("d-1", "G-1", "scada", 0.95).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM flow_measurements`).
		WithArgs("d-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`INSERT INTO flow_measurements`).
		WithArgs(t0, "d-1", "G-1", 0.5, "scada").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO flow_measurements`).
		WithArgs(t0.Add(15*time.Minute), "d-1", "G-1", 0.52, "scada").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repos.Accounting.SaveTrace(context.Background(), tr)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountingRepo_TraceForDelivery_NotFound(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT gate_id, source, quality FROM flow_traces`).
		WithArgs("unknown").
		WillReturnError(pgx.ErrNoRows)

	tr, err := repos.Accounting.TraceForDelivery(context.Background(), "unknown")

	require.NoError(t, err)
	assert.Nil(t, tr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountingRepo_LossForDelivery(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{
		"seepage_m3", "evaporation_m3", "operational_m3", "total_m3",
		"sigma_m3", "ci_low_m3", "ci_high_m3", "confidence",
	}).AddRow(420.0, 65.0, 90.0, 575.0, 80.0, 418.2, 731.8, 0.93)

	mock.ExpectQuery(`SELECT seepage_m3`).
		WithArgs("d-1").
		WillReturnRows(rows)

	l, err := repos.Accounting.LossForDelivery(context.Background(), "d-1")

	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, 575.0, l.Total)
	assert.Equal(t, 420.0, l.Seepage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================
// ACCOUNTING TESTS
// ============================================================

func TestAccountingRepo_CarryForward_NotFound(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT as_of_year, as_of_week, entries`).
		WithArgs("south").
		WillReturnError(pgx.ErrNoRows)

	cf, err := repos.Accounting.CarryForward(context.Background(), "south")

	require.NoError(t, err)
	assert.Nil(t, cf)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountingRepo_CarryForward_DecodesEntries(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	entries := []byte(`[{"id":"def-1","zone":"south","week":{"year":2026,"week":28},"target":10000,"delivered":8000,"deficit":2000,"deficit_pct":0.2,"stress":"moderate","yield_impact":0.05,"created_at":"2026-07-12T00:00:00Z"}]`)
	rows := pgxmock.NewRows([]string{
		"as_of_year", "as_of_week", "entries", "total_m3", "weighted_m3",
		"max_age_weeks", "stress", "priority", "updated_at",
	}).AddRow(int16(2026), int16(29), entries, 2000.0, 1800.0, 1, "moderate", 42.0, time.Now())

	mock.ExpectQuery(`SELECT as_of_year, as_of_week, entries`).
		WithArgs("south").
		WillReturnRows(rows)

	cf, err := repos.Accounting.CarryForward(context.Background(), "south")

	require.NoError(t, err)
	require.NotNil(t, cf)
	assert.Equal(t, hydro.Week{Year: 2026, Week: 29}, cf.AsOf)
	require.Len(t, cf.Entries, 1)
	assert.Equal(t, "def-1", cf.Entries[0].ID)
	assert.Equal(t, hydro.StressModerate, cf.Entries[0].Stress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountingRepo_SaveDeficit_Upserts(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	rec := &hydro.DeficitRecord{
		Zone: "south", Week: hydro.Week{Year: 2026, Week: 29},
		Target: 10000, Delivered: 8400, Deficit: 1600, DeficitPct: 0.16,
		Stress: hydro.StressMild, YieldImpact: 0.03,
	}

	mock.ExpectExec(`INSERT INTO deficit_records`).
		WithArgs(anyArgs(11)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repos.Accounting.SaveDeficit(context.Background(), rec)

	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountingRepo_SaveReconciliation_WithAdjustments(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	lg := &hydro.ReconciliationLog{
		Week:           hydro.Week{Year: 2026, Week: 29},
		Status:         hydro.ReconciliationAdjusted,
		InflowTotal:    85000,
		OutflowTotal:   80000,
		ReportedLosses: 4200,
		Discrepancy:    800,
		DiscrepancyPct: 0.01,
		QualityScore:   0.9,
		StartedAt:      time.Now(),
		CompletedAt:    time.Now(),
		Adjustments: []hydro.Adjustment{
			{DeliveryID: "d-1", Week: hydro.Week{Year: 2026, Week: 29},
				Before: 11800, After: 11500, Reason: hydro.AdjustmentReconciliation},
		},
	}

	mock.ExpectBeginTx(pgx.TxOptions{})
	mock.ExpectExec(`INSERT INTO reconciliation_logs`).
		WithArgs(anyArgs(14)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO adjustments`).
		WithArgs(anyArgs(10)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repos.Accounting.SaveReconciliation(context.Background(), lg)

	require.NoError(t, err)
	assert.NotEmpty(t, lg.ID)
	assert.NotEmpty(t, lg.Adjustments[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountingRepo_Reconciliation_NotFound(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, status, inflow_m3`).
		WithArgs(int16(2026), int16(30)).
		WillReturnError(pgx.ErrNoRows)

	lg, err := repos.Accounting.Reconciliation(context.Background(), hydro.Week{Year: 2026, Week: 30})

	require.NoError(t, err)
	assert.Nil(t, lg)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================
// SNAPSHOT TESTS
// ============================================================

func TestSnapshotRepo_Snapshot_NotFound(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT gate_id, from_mode, to_mode`).
		WithArgs("t-404").
		WillReturnError(pgx.ErrNoRows)

	snap, err := repos.Snapshots.Snapshot(context.Background(), "t-404")

	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_Snapshot_Roundtrip(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	now := time.Now().Truncate(time.Second)
	rows := pgxmock.NewRows([]string{
		"gate_id", "from_mode", "to_mode", "reason", "components", "meta",
		"checksum", "created_at", "expires_at",
	}).AddRow("G-1", "auto", "manual", "position_fault",
		[]byte(`{"opening":0.45,"reported_pos":0.61}`), []byte(`{"operator":"ivanov"}`),
		"abc123", now, now.Add(7*24*time.Hour))

	mock.ExpectQuery(`SELECT gate_id, from_mode, to_mode`).
		WithArgs("t-1").
		WillReturnRows(rows)

	snap, err := repos.Snapshots.Snapshot(context.Background(), "t-1")

	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "G-1", snap.GateID)
	assert.Equal(t, 0.45, snap.Components["opening"])
	assert.Equal(t, "ivanov", snap.Meta["operator"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_SaveSnapshot(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO state_snapshots`).
		WithArgs(anyArgs(10)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repos.Snapshots.SaveSnapshot(context.Background(), &preserve.Snapshot{
		TransitionID: "t-1", GateID: "G-1", FromMode: "auto", ToMode: "manual",
		Components: map[string]float64{"opening": 0.45},
		Checksum:   "abc123",
		CreatedAt:  time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_DeleteExpired(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	before := time.Now()
	mock.ExpectExec(`DELETE FROM state_snapshots`).
		WithArgs(before).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := repos.Snapshots.DeleteExpired(context.Background(), before)

	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshotRepo_SaveIncident_GeneratesID(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO incidents`).
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inc := dispatch.Incident{
		GateID: "G-1", Scope: dispatch.StopScopeZone,
		Reason: "канал переполняется", Operator: "dispatcher-2", OK: true,
	}
	err := repos.Snapshots.SaveIncident(context.Background(), inc)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ============================================================
// TIMESERIES TESTS
// ============================================================

func TestTimeseriesRepo_GateVolume(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	from := time.Date(2026, 7, 14, 8, 0, 0, 0, time.UTC)
	to := from.Add(6 * time.Hour)

	rows := pgxmock.NewRows([]string{"coalesce"}).
		AddRow(pgtype.Float8{Float64: 10800.0, Valid: true})
	mock.ExpectQuery(`SELECT COALESCE\(SUM`).
		WithArgs("G-1", from, to).
		WillReturnRows(rows)

	v, err := repos.Timeseries.GateVolume(context.Background(), "G-1", from, to)

	require.NoError(t, err)
	assert.Equal(t, 10800.0, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimeseriesRepo_Append_DefaultsSource(t *testing.T) {
	mock, repos := setupMockDB(t)
	defer mock.Close()

	at := time.Now()
	mock.ExpectExec(`INSERT INTO flow_measurements`).
		WithArgs(at, "d-1", "G-1", nil, 0.5, 1.2, "scada").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repos.Timeseries.Append(context.Background(), []Measurement{
		{MeasuredAt: at, DeliveryID: "d-1", GateID: "G-1", FlowM3s: 0.5, LevelM: 1.2},
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
