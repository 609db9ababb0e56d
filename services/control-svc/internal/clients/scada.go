package clients

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	healthv1 "google.golang.org/grpc/health/grpc_health_v1"

	"hydronet/pkg/apperror"
	"hydronet/pkg/config"
	"hydronet/pkg/metrics"
)

// GateStatus is the SCADA bridge's view of one gate.
type GateStatus struct {
	Tag             string    `json:"tag"`
	OpeningM        float64   `json:"opening_m"`
	Status          string    `json:"status"`
	UpstreamLevel   float64   `json:"upstream_level"`
	DownstreamLevel float64   `json:"downstream_level"`
	Flow            float64   `json:"flow"`
	Timestamp       time.Time `json:"ts"`
}

// ScadaClient talks to the on-prem SCADA bridge. Commands go over JSON/HTTP
// (optionally h2c straight to the bridge); the OPC-UA server state probe
// goes over the bridge's gRPC health endpoint.
type ScadaClient struct {
	rem  *remote
	cfg  config.ScadaConfig
	conn *grpc.ClientConn
	hc   healthv1.HealthClient
}

// NewScada builds the SCADA adapter. The gRPC health probe is optional and
// only dialed when bridge_health_addr is configured.
func NewScada(cfg config.ScadaConfig, log *slog.Logger, m *metrics.Metrics) (*ScadaClient, error) {
	var transport http.RoundTripper
	if cfg.UseH2C {
		// Мост работает по HTTP/2 без TLS внутри периметра
		transport = &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		}
	}

	c := &ScadaClient{
		rem: newRemote("scada", cfg.BaseURL, cfg.Timeout,
			cfg.BreakerMaxFailures, cfg.BreakerOpenTimeout,
			apperror.CodeScadaUnavailable, log, m, transport),
		cfg: cfg,
	}

	if cfg.BridgeHealthAddr != "" {
		conn, err := dialLocal(cfg.BridgeHealthAddr, 3, 200*time.Millisecond)
		if err != nil {
			return nil, apperror.Wrap(err, apperror.CodeScadaUnavailable,
				"failed to dial scada bridge health endpoint")
		}
		c.conn = conn
		c.hc = healthv1.NewHealthClient(conn)
	}
	return c, nil
}

type setPositionRequest struct {
	OpeningM    float64 `json:"opening_m"`
	TransitionS float64 `json:"transition_s"`
	Priority    int     `json:"priority"`
}

// SetGatePosition commands an opening in meters for the tagged gate.
func (c *ScadaClient) SetGatePosition(ctx context.Context, tag string, meters float64, transition time.Duration, priority int) error {
	if tag == "" {
		return apperror.New(apperror.CodeNilInput, "scada tag is empty")
	}
	cctx, cancel := c.commandContext(ctx)
	defer cancel()

	return c.rem.call(cctx, "set_position", http.MethodPost,
		"/gates/"+url.PathEscape(tag)+"/position",
		setPositionRequest{
			OpeningM:    meters,
			TransitionS: transition.Seconds(),
			Priority:    priority,
		}, nil)
}

// EmergencyStop closes the tagged gate immediately.
func (c *ScadaClient) EmergencyStop(ctx context.Context, tag string) error {
	if tag == "" {
		return apperror.New(apperror.CodeNilInput, "scada tag is empty")
	}
	cctx, cancel := c.commandContext(ctx)
	defer cancel()

	return c.rem.call(cctx, "emergency_stop", http.MethodPost,
		"/gates/"+url.PathEscape(tag)+"/emergency-stop", nil, nil)
}

// GetGateStatus reads current telemetry for one gate.
func (c *ScadaClient) GetGateStatus(ctx context.Context, tag string) (*GateStatus, error) {
	var st GateStatus
	err := c.rem.call(ctx, "get_status", http.MethodGet,
		"/gates/"+url.PathEscape(tag)+"/status", nil, &st)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// BatchGetStatus reads telemetry for every bridged gate in one round trip.
func (c *ScadaClient) BatchGetStatus(ctx context.Context) ([]GateStatus, error) {
	var out []GateStatus
	if err := c.rem.call(ctx, "batch_status", http.MethodGet, "/gates/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping probes the bridge's HTTP liveness endpoint.
func (c *ScadaClient) Ping(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, c.probeTimeout())
	defer cancel()
	return c.rem.call(pctx, "ping", http.MethodGet, "/healthz", nil, nil)
}

// BridgeHealth reports the OPC-UA server state via the gRPC health service.
func (c *ScadaClient) BridgeHealth(ctx context.Context) (string, error) {
	if c.hc == nil {
		return "", apperror.New(apperror.CodeScadaUnavailable,
			"scada bridge health endpoint is not configured")
	}
	pctx, cancel := context.WithTimeout(ctx, c.probeTimeout())
	defer cancel()

	resp, err := c.hc.Check(pctx, &healthv1.HealthCheckRequest{Service: "opcua"})
	if err != nil {
		return "", apperror.Wrap(err, apperror.CodeScadaUnavailable,
			"scada bridge health check failed")
	}
	return resp.GetStatus().String(), nil
}

// BreakerState exposes the command breaker state for readiness reporting.
func (c *ScadaClient) BreakerState() string {
	return c.rem.State()
}

// Close releases the health probe connection.
func (c *ScadaClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close scada bridge connection: %w", err)
	}
	return nil
}

func (c *ScadaClient) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *ScadaClient) probeTimeout() time.Duration {
	if c.cfg.ProbeTimeout > 0 {
		return c.cfg.ProbeTimeout
	}
	return 5 * time.Second
}
