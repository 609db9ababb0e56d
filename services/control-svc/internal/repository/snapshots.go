package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"hydronet/pkg/database"
	"hydronet/pkg/telemetry"
	"hydronet/services/control-svc/internal/dispatch"
	"hydronet/services/control-svc/internal/preserve"
)

// SnapshotRepo is the durable level of the state preserver plus the
// emergency-stop incident trail.
type SnapshotRepo struct {
	db database.DB
}

// SaveSnapshot upserts the preserved state of a transition.
func (r *SnapshotRepo) SaveSnapshot(ctx context.Context, snap *preserve.Snapshot) error {
	ctx, span := telemetry.StartSpan(ctx, "SnapshotRepo.SaveSnapshot")
	defer span.End()

	components, err := json.Marshal(snap.Components)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot components: %w", err)
	}
	meta, err := json.Marshal(snap.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot meta: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO state_snapshots (transition_id, gate_id, from_mode, to_mode,
		                             reason, components, meta, checksum,
		                             created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (transition_id) DO UPDATE SET
			components = EXCLUDED.components, meta = EXCLUDED.meta,
			checksum = EXCLUDED.checksum, expires_at = EXCLUDED.expires_at
	`, snap.TransitionID, snap.GateID, snap.FromMode, snap.ToMode,
		snap.Reason, components, meta, snap.Checksum,
		snap.CreatedAt, snap.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Snapshot loads a preserved transition state, (nil, nil) when the id is
// unknown.
func (r *SnapshotRepo) Snapshot(ctx context.Context, transitionID string) (*preserve.Snapshot, error) {
	ctx, span := telemetry.StartSpan(ctx, "SnapshotRepo.Snapshot")
	defer span.End()

	snap := &preserve.Snapshot{TransitionID: transitionID}
	var components, meta []byte
	err := r.db.QueryRow(ctx, `
		SELECT gate_id, from_mode, to_mode, reason, components, meta,
		       checksum, created_at, expires_at
		FROM state_snapshots
		WHERE transition_id = $1
	`, transitionID).Scan(&snap.GateID, &snap.FromMode, &snap.ToMode,
		&snap.Reason, &components, &meta, &snap.Checksum,
		&snap.CreatedAt, &snap.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	if err := json.Unmarshal(components, &snap.Components); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot components: %w", err)
	}
	if err := json.Unmarshal(meta, &snap.Meta); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot meta: %w", err)
	}
	return snap, nil
}

// DeleteExpired removes snapshots past their retention boundary and returns
// the number deleted.
func (r *SnapshotRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "SnapshotRepo.DeleteExpired")
	defer span.End()

	tag, err := r.db.Exec(ctx, `
		DELETE FROM state_snapshots WHERE expires_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveRestoreEvent appends one restore attempt to the audit trail.
func (r *SnapshotRepo) SaveRestoreEvent(ctx context.Context, ev preserve.RestoreEvent) error {
	ctx, span := telemetry.StartSpan(ctx, "SnapshotRepo.SaveRestoreEvent")
	defer span.End()

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO restore_events (transition_id, gate_id, source, verified, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.TransitionID, ev.GateID, ev.Source, ev.Verified, at)
	if err != nil {
		return fmt.Errorf("failed to save restore event: %w", err)
	}
	return nil
}

// SaveIncident persists one emergency-stop outcome.
func (r *SnapshotRepo) SaveIncident(ctx context.Context, inc dispatch.Incident) error {
	ctx, span := telemetry.StartSpan(ctx, "SnapshotRepo.SaveIncident")
	defer span.End()

	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	at := inc.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO incidents (id, gate_id, scope, reason, operator, ok, error, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, inc.ID, inc.GateID, string(inc.Scope), inc.Reason, inc.Operator,
		inc.OK, inc.Error, at)
	if err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

// Incidents returns the most recent emergency-stop records, newest first.
func (r *SnapshotRepo) Incidents(ctx context.Context, limit int) ([]dispatch.Incident, error) {
	ctx, span := telemetry.StartSpan(ctx, "SnapshotRepo.Incidents")
	defer span.End()

	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, gate_id, scope, reason, operator, ok, error, occurred_at
		FROM incidents
		ORDER BY occurred_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Incident
	for rows.Next() {
		var (
			inc   dispatch.Incident
			scope string
		)
		err := rows.Scan(&inc.ID, &inc.GateID, &scope, &inc.Reason,
			&inc.Operator, &inc.OK, &inc.Error, &inc.At)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		inc.Scope = dispatch.StopScope(scope)
		out = append(out, inc)
	}
	return out, rows.Err()
}
