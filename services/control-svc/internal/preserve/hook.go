package preserve

import (
	"context"

	"hydronet/pkg/hydro"
	"hydronet/services/control-svc/internal/registry"
)

// PreserveGate implements registry.PreserveHook: it snapshots the gate's
// control components right before the registry switches its mode.
func (p *Preserver) PreserveGate(ctx context.Context, g *hydro.Gate,
	from, to hydro.ControlMode, reason registry.Reason) error {

	components := map[string]float64{
		"opening":       g.Opening,
		"comm_failures": float64(g.CommFailures),
	}
	if g.Automated != nil {
		components["commanded_pos"] = g.Automated.LastCommandPos
		components["reported_pos"] = g.Automated.ReportedPos
	}

	meta := map[string]string{
		"gate_name":        g.Name,
		"equipment_status": string(g.Status),
	}
	if g.Automated != nil && g.Automated.ScadaTag != "" {
		meta["scada_tag"] = g.Automated.ScadaTag
	}

	_, err := p.Capture(ctx, g.ID, string(from), string(to), string(reason), components, meta)
	return err
}
