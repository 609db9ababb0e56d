package clients

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"hydronet/pkg/apperror"
	"hydronet/pkg/config"
	"hydronet/pkg/metrics"
)

// SectionGeometry is the surveyed geometry of one canal section.
type SectionGeometry struct {
	SectionID  string  `json:"section_id"`
	LengthM    float64 `json:"length_m"`
	BedWidthM  float64 `json:"bed_width_m"`
	SideSlope  float64 `json:"side_slope"` // заложение откоса, м/м
	Lining     string  `json:"lining"`
	WettedPerM float64 `json:"wetted_perimeter_m"` // при нормальной глубине
}

// ProfilePoint is one elevation sample along a section.
type ProfilePoint struct {
	StationM float64 `json:"station_m"` // пикетаж от головы участка
	ElevM    float64 `json:"elev_m"`    // отметка дна, м БС
}

// GISClient queries the irrigation district GIS. It backs up the registry
// topology when a section lacks surveyed geometry.
type GISClient struct {
	rem *remote
	cfg config.GISConfig
}

const defaultSampleIntervalM = 100

func NewGIS(cfg config.GISConfig, log *slog.Logger, m *metrics.Metrics) *GISClient {
	if log == nil {
		log = slog.Default()
	}
	// У ГИС нет своего предохранителя в конфиге, берём умолчания newRemote
	return &GISClient{
		rem: newRemote("gis", cfg.BaseURL, cfg.Timeout, 0, 0,
			apperror.CodeGISUnavailable, log, m, nil),
		cfg: cfg,
	}
}

// SectionGeometry returns the surveyed geometry of a section.
func (c *GISClient) SectionGeometry(ctx context.Context, sectionID string) (*SectionGeometry, error) {
	if sectionID == "" {
		return nil, apperror.New(apperror.CodeNilInput, "section id is empty")
	}
	var geo SectionGeometry
	err := c.rem.call(ctx, "section_geometry", http.MethodGet,
		"/sections/"+url.PathEscape(sectionID)+"/geometry", nil, &geo)
	if err != nil {
		return nil, err
	}
	return &geo, nil
}

// ElevationProfile samples bed elevations along a section at the configured
// interval.
func (c *GISClient) ElevationProfile(ctx context.Context, sectionID string) ([]ProfilePoint, error) {
	if sectionID == "" {
		return nil, apperror.New(apperror.CodeNilInput, "section id is empty")
	}
	interval := c.cfg.SampleIntervalM
	if interval <= 0 {
		interval = defaultSampleIntervalM
	}

	path := fmt.Sprintf("/sections/%s/profile?interval_m=%g",
		url.PathEscape(sectionID), interval)

	var points []ProfilePoint
	if err := c.rem.call(ctx, "elevation_profile", http.MethodGet, path, nil, &points); err != nil {
		return nil, err
	}
	return points, nil
}

// DownstreamPath lists the section ids between a gate and a delivery node,
// in flow order.
func (c *GISClient) DownstreamPath(ctx context.Context, gateID, nodeID string) ([]string, error) {
	if gateID == "" || nodeID == "" {
		return nil, apperror.New(apperror.CodeNilInput, "gate id or node id is empty")
	}

	path := fmt.Sprintf("/paths?from_gate=%s&to_node=%s",
		url.QueryEscape(gateID), url.QueryEscape(nodeID))

	var sections []string
	if err := c.rem.call(ctx, "downstream_path", http.MethodGet, path, nil, &sections); err != nil {
		return nil, err
	}
	return sections, nil
}
