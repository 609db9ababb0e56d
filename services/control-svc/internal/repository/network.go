package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"hydronet/pkg/database"
	"hydronet/pkg/hydro"
	"hydronet/pkg/telemetry"
)

// NetworkRepo loads and saves the canal network topology.
type NetworkRepo struct {
	db database.DB
}

// LoadNetwork reads the whole topology: nodes, sections and gates with
// their latest calibration. Used once at boot to seed the gate registry.
func (r *NetworkRepo) LoadNetwork(ctx context.Context) (*hydro.Network, error) {
	ctx, span := telemetry.StartSpan(ctx, "NetworkRepo.LoadNetwork")
	defer span.End()

	net := hydro.NewNetwork()

	if err := r.loadNodes(ctx, net); err != nil {
		return nil, err
	}
	if err := r.loadSections(ctx, net); err != nil {
		return nil, err
	}
	if err := r.loadGates(ctx, net); err != nil {
		return nil, err
	}
	return net, nil
}

func (r *NetworkRepo) loadNodes(ctx context.Context, net *hydro.Network) error {
	rows, err := r.db.Query(ctx, `
		SELECT id, kind, name, zone, ground_elev, surface_area,
		       min_depth, max_depth, demand, level
		FROM nodes
		ORDER BY id
	`)
	if err != nil {
		return fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		n := &hydro.Node{}
		var kind int16
		if err := rows.Scan(&n.ID, &kind, &n.Name, &n.Zone, &n.GroundElev,
			&n.SurfaceArea, &n.MinDepth, &n.MaxDepth, &n.Demand, &n.Level); err != nil {
			return fmt.Errorf("failed to scan node: %w", err)
		}
		n.Kind = hydro.NodeKind(kind)
		net.AddNode(n)
	}
	return rows.Err()
}

func (r *NetworkRepo) loadSections(ctx context.Context, net *hydro.Network) error {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, from_node, to_node, length_m, bed_slope, manning_n,
		       bottom_width, side_slope, max_depth, capacity, lining, main
		FROM canal_sections
		ORDER BY id
	`)
	if err != nil {
		return fmt.Errorf("failed to query canal sections: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s := &hydro.CanalSection{}
		var lining string
		if err := rows.Scan(&s.ID, &s.Name, &s.FromNode, &s.ToNode, &s.Length,
			&s.BedSlope, &s.ManningN, &s.BottomWidth, &s.SideSlope,
			&s.MaxDepth, &s.Capacity, &lining, &s.Main); err != nil {
			return fmt.Errorf("failed to scan canal section: %w", err)
		}
		s.Lining = hydro.ParseLining(lining)
		net.AddSection(s)
	}
	return rows.Err()
}

func (r *NetworkRepo) loadGates(ctx context.Context, net *hydro.Network) error {
	// Берём последнюю калибровку каждого затвора
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
		ORDER BY g.id
	`)
	if err != nil {
		return fmt.Errorf("failed to query gates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return err
		}
		net.AddGate(g)
	}
	return rows.Err()
}

func scanGate(rows pgx.Rows) (*hydro.Gate, error) {
	g := &hydro.Gate{}
	var (
		gateType, mode, status           string
		sectionID, scadaTag, opContact   pgtype.Text
		dropHeight                       pgtype.Float8
		actuatorRate, minStep            float64
		reportedPos                      float64
		positionFault                    bool
		turnsPerMeter                    float64
		lastOperator                     string
		lastContactAt                    pgtype.Timestamptz
		k1, k2, calConfidence            pgtype.Float8
		calSource                        pgtype.Text
		calibratedAt                     pgtype.Timestamptz
	)

	err := rows.Scan(&g.ID, &g.Name, &gateType, &g.FromNode, &g.ToNode, &sectionID,
		&g.Width, &g.MaxOpening, &g.SillElev, &g.Opening,
		&mode, &status, &dropHeight,
		&scadaTag, &actuatorRate, &minStep, &reportedPos, &positionFault,
		&opContact, &turnsPerMeter, &lastOperator,
		&g.CommFailures, &lastContactAt, &g.UpdatedAt,
		&k1, &k2, &calConfidence, &calSource, &calibratedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan gate: %w", err)
	}

	g.Type = hydro.ParseGateType(gateType)
	g.SectionID = sectionID.String
	g.Mode = hydro.ControlMode(mode)
	g.Status = hydro.EquipmentStatus(status)

	if dropHeight.Valid && dropHeight.Float64 > 0 {
		g.Drop = &hydro.DropStructure{Height: dropHeight.Float64}
	}

	if scadaTag.Valid && scadaTag.String != "" {
		g.Automated = &hydro.AutomatedControl{
			ScadaTag:      scadaTag.String,
			ActuatorRate:  actuatorRate,
			MinStep:       minStep,
			ReportedPos:   reportedPos,
			PositionFault: positionFault,
			LastContactAt: lastContactAt.Time,
		}
	} else {
		g.Manual = &hydro.ManualControl{
			OperatorContact: opContact.String,
			TurnsPerMeter:   turnsPerMeter,
			LastOperator:    lastOperator,
		}
	}

	if k1.Valid {
		g.Calibration = hydro.Calibration{
			K1:           k1.Float64,
			K2:           k2.Float64,
			Confidence:   calConfidence.Float64,
			Source:       hydro.CalibrationSource(calSource.String),
			CalibratedAt: calibratedAt.Time,
		}
	} else {
		g.Calibration = hydro.DefaultCalibration(g.Type)
	}
	return g, nil
}

// SaveNetwork upserts the whole topology in one transaction.
func (r *NetworkRepo) SaveNetwork(ctx context.Context, net *hydro.Network) error {
	ctx, span := telemetry.StartSpan(ctx, "NetworkRepo.SaveNetwork")
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

	snap := net.Snapshot()
	for _, n := range snap.Nodes {
		if err := upsertNode(ctx, tx, n); err != nil {
			return err
		}
	}
	for _, s := range snap.Sections {
		if err := upsertSection(ctx, tx, s); err != nil {
			return err
		}
	}
	for _, g := range snap.Gates {
		if err := upsertGate(ctx, tx, g); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit network save: %w", err)
	}
	return nil
}

func upsertNode(ctx context.Context, tx pgx.Tx, n *hydro.Node) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO nodes (id, kind, name, zone, ground_elev, surface_area,
		                   min_depth, max_depth, demand, level, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind, name = EXCLUDED.name, zone = EXCLUDED.zone,
			ground_elev = EXCLUDED.ground_elev, surface_area = EXCLUDED.surface_area,
			min_depth = EXCLUDED.min_depth, max_depth = EXCLUDED.max_depth,
			demand = EXCLUDED.demand, level = EXCLUDED.level, updated_at = now()
	`, n.ID, int16(n.Kind), n.Name, n.Zone, n.GroundElev, n.SurfaceArea,
		n.MinDepth, n.MaxDepth, n.Demand, n.Level)
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", n.ID, err)
	}
	return nil
}

func upsertSection(ctx context.Context, tx pgx.Tx, s *hydro.CanalSection) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO canal_sections (id, name, from_node, to_node, length_m, bed_slope,
		                            manning_n, bottom_width, side_slope, max_depth,
		                            capacity, lining, main, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, from_node = EXCLUDED.from_node, to_node = EXCLUDED.to_node,
			length_m = EXCLUDED.length_m, bed_slope = EXCLUDED.bed_slope,
			manning_n = EXCLUDED.manning_n, bottom_width = EXCLUDED.bottom_width,
			side_slope = EXCLUDED.side_slope, max_depth = EXCLUDED.max_depth,
			capacity = EXCLUDED.capacity, lining = EXCLUDED.lining,
			main = EXCLUDED.main, updated_at = now()
	`, s.ID, s.Name, s.FromNode, s.ToNode, s.Length, s.BedSlope,
		s.ManningN, s.BottomWidth, s.SideSlope, s.MaxDepth,
		s.Capacity, s.Lining.String(), s.Main)
	if err != nil {
		return fmt.Errorf("failed to upsert section %s: %w", s.ID, err)
	}
	return nil
}

func upsertGate(ctx context.Context, tx pgx.Tx, g *hydro.Gate) error {
	var (
		scadaTag, opContact          any
		actuatorRate, minStep        float64
		reportedPos, turnsPerMeter   float64
		positionFault                bool
		lastOperator                 string
		lastContactAt                any
		dropHeight                   any
	)
	if g.Automated != nil {
		scadaTag = g.Automated.ScadaTag
		actuatorRate = g.Automated.ActuatorRate
		minStep = g.Automated.MinStep
		reportedPos = g.Automated.ReportedPos
		positionFault = g.Automated.PositionFault
		if !g.Automated.LastContactAt.IsZero() {
			lastContactAt = g.Automated.LastContactAt
		}
	}
	if g.Manual != nil {
		opContact = nullText(g.Manual.OperatorContact)
		turnsPerMeter = g.Manual.TurnsPerMeter
		lastOperator = g.Manual.LastOperator
	}
	if g.Drop != nil {
		dropHeight = g.Drop.Height
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO gates (id, name, gate_type, from_node, to_node, section_id,
		                   width_m, max_opening_m, sill_elev, opening, mode, status,
		                   drop_height, scada_tag, actuator_rate, min_step,
		                   reported_pos, position_fault, operator_contact,
		                   turns_per_meter, last_operator, comm_failures,
		                   last_contact_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, gate_type = EXCLUDED.gate_type,
			from_node = EXCLUDED.from_node, to_node = EXCLUDED.to_node,
			section_id = EXCLUDED.section_id, width_m = EXCLUDED.width_m,
			max_opening_m = EXCLUDED.max_opening_m, sill_elev = EXCLUDED.sill_elev,
			opening = EXCLUDED.opening, mode = EXCLUDED.mode, status = EXCLUDED.status,
			drop_height = EXCLUDED.drop_height, scada_tag = EXCLUDED.scada_tag,
			actuator_rate = EXCLUDED.actuator_rate, min_step = EXCLUDED.min_step,
			reported_pos = EXCLUDED.reported_pos, position_fault = EXCLUDED.position_fault,
			operator_contact = EXCLUDED.operator_contact,
			turns_per_meter = EXCLUDED.turns_per_meter,
			last_operator = EXCLUDED.last_operator,
			comm_failures = EXCLUDED.comm_failures,
			last_contact_at = EXCLUDED.last_contact_at,
			updated_at = now()
	`, g.ID, g.Name, g.Type.String(), g.FromNode, g.ToNode, nullText(g.SectionID),
		g.Width, g.MaxOpening, g.SillElev, g.Opening, string(g.Mode), string(g.Status),
		dropHeight, scadaTag, actuatorRate, minStep,
		reportedPos, positionFault, opContact,
		turnsPerMeter, lastOperator, g.CommFailures, lastContactAt)
	if err != nil {
		return fmt.Errorf("failed to upsert gate %s: %w", g.ID, err)
	}

	if g.Calibration.Source != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO gate_calibrations (gate_id, k1, k2, confidence, source, calibrated_at)
			SELECT $1, $2, $3, $4, $5, $6
			WHERE NOT EXISTS (
				SELECT 1 FROM gate_calibrations
				WHERE gate_id = $1 AND calibrated_at = $6
			)
		`, g.ID, g.Calibration.K1, g.Calibration.K2, g.Calibration.Confidence,
			string(g.Calibration.Source), calibrationTime(g))
		if err != nil {
			return fmt.Errorf("failed to insert calibration for gate %s: %w", g.ID, err)
		}
	}
	return nil
}

func calibrationTime(g *hydro.Gate) any {
	if g.Calibration.CalibratedAt.IsZero() {
		return g.UpdatedAt
	}
	return g.Calibration.CalibratedAt
}

func nullText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
