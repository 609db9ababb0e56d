package clients

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"hydronet/pkg/apperror"
	"hydronet/pkg/config"
	"hydronet/pkg/hydro"
	"hydronet/pkg/metrics"
)

// Reading is one flow or level sample from the sensor store.
type Reading struct {
	GateID    string    `json:"gate_id"`
	SectionID string    `json:"section_id,omitempty"`
	Kind      string    `json:"kind"` // flow, level, moisture
	Value     float64   `json:"value"`
	Quality   float64   `json:"quality"` // доля валидных отсчётов [0..1]
	At        time.Time `json:"ts"`
}

// SensorsClient reads the independent flow and level sensor store. It backs
// up volume accounting when SCADA telemetry for a gate is absent.
type SensorsClient struct {
	rem *remote
	cfg config.SensorsConfig
	log *slog.Logger
}

func NewSensors(cfg config.SensorsConfig, log *slog.Logger, m *metrics.Metrics) *SensorsClient {
	if log == nil {
		log = slog.Default()
	}
	return &SensorsClient{
		rem: newRemote("sensors", cfg.BaseURL, cfg.Timeout,
			cfg.BreakerMaxFailures, cfg.BreakerOpenTimeout,
			apperror.CodeSensorUnavailable, log, m, nil),
		cfg: cfg,
		log: log,
	}
}

type flowTraceResponse struct {
	Points  []hydro.TracePoint `json:"points"`
	Quality float64            `json:"quality"`
}

// FlowTrace returns the sensor-side hydrograph for a gate over a window.
// The result carries source "sensor" so accounting can weight its confidence.
func (c *SensorsClient) FlowTrace(ctx context.Context, gateID string, from, to time.Time) (*hydro.FlowTrace, error) {
	if gateID == "" {
		return nil, apperror.New(apperror.CodeNilInput, "gate id is empty")
	}
	if !to.After(from) {
		return nil, apperror.New(apperror.CodeOutOfRange, "trace window is empty")
	}

	path := fmt.Sprintf("/gates/%s/flow?from=%s&to=%s",
		url.PathEscape(gateID),
		url.QueryEscape(from.UTC().Format(time.RFC3339)),
		url.QueryEscape(to.UTC().Format(time.RFC3339)))

	var resp flowTraceResponse
	if err := c.rem.call(ctx, "flow_trace", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &hydro.FlowTrace{
		GateID:  gateID,
		Points:  resp.Points,
		Source:  hydro.TraceSourceSensor,
		Quality: resp.Quality,
	}, nil
}

// LatestLevel returns the freshest water level reading at a gate.
func (c *SensorsClient) LatestLevel(ctx context.Context, gateID string) (*Reading, error) {
	if gateID == "" {
		return nil, apperror.New(apperror.CodeNilInput, "gate id is empty")
	}
	var r Reading
	err := c.rem.call(ctx, "latest_level", http.MethodGet,
		"/gates/"+url.PathEscape(gateID)+"/level/latest", nil, &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SectionMoisture passes through the soil moisture reading for a section.
// The value is opaque to the control core; zone agronomy interprets it.
func (c *SensorsClient) SectionMoisture(ctx context.Context, sectionID string) (*Reading, error) {
	if sectionID == "" {
		return nil, apperror.New(apperror.CodeNilInput, "section id is empty")
	}
	var r Reading
	err := c.rem.call(ctx, "section_moisture", http.MethodGet,
		"/sections/"+url.PathEscape(sectionID)+"/moisture", nil, &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// BreakerState exposes the breaker state for readiness reporting.
func (c *SensorsClient) BreakerState() string {
	return c.rem.State()
}
