package clients

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"hydronet/pkg/apperror"
	"hydronet/pkg/config"
	"hydronet/pkg/metrics"
)

// Observation holds the meteorological inputs for evaporation estimates.
type Observation struct {
	Station     string    `json:"station"`
	TempC       float64   `json:"temp_c"`
	HumidityPct float64   `json:"humidity_pct"`
	WindMS      float64   `json:"wind_ms"`
	SolarWM2    float64   `json:"solar_wm2"`
	RefET       float64   `json:"ref_et"` // эталонная эвапотранспирация, мм/сут
	At          time.Time `json:"ts"`

	// Stale is set client-side when the observation is older than the
	// configured age. Loss estimates still use it, with a warning.
	Stale bool `json:"-"`
}

// WeatherClient reads the district weather provider.
type WeatherClient struct {
	rem *remote
	cfg config.WeatherConfig
	log *slog.Logger
	now func() time.Time
}

const defaultStaleAge = 3 * time.Hour

func NewWeather(cfg config.WeatherConfig, log *slog.Logger, m *metrics.Metrics) *WeatherClient {
	if log == nil {
		log = slog.Default()
	}
	return &WeatherClient{
		rem: newRemote("weather", cfg.BaseURL, cfg.Timeout, 0, 0,
			apperror.CodeWeatherUnavailable, log, m, nil),
		cfg: cfg,
		log: log,
		now: time.Now,
	}
}

// Current returns the latest observation for a station. Old data is flagged
// stale rather than rejected: an outdated evaporation estimate beats none.
func (c *WeatherClient) Current(ctx context.Context, station string) (*Observation, error) {
	if station == "" {
		return nil, apperror.New(apperror.CodeNilInput, "weather station is empty")
	}

	var obs Observation
	err := c.rem.call(ctx, "current", http.MethodGet,
		"/stations/"+url.PathEscape(station)+"/current", nil, &obs)
	if err != nil {
		return nil, err
	}

	staleAge := c.cfg.StaleAge
	if staleAge <= 0 {
		staleAge = defaultStaleAge
	}
	if age := c.now().Sub(obs.At); age > staleAge {
		obs.Stale = true
		c.log.Warn("weather observation is stale",
			"station", station, "age", age.Round(time.Minute))
	}
	return &obs, nil
}

// BreakerState exposes the breaker state for readiness reporting.
func (c *WeatherClient) BreakerState() string {
	return c.rem.State()
}
