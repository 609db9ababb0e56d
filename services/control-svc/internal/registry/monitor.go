package registry

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"hydronet/pkg/hydro"
	"hydronet/pkg/metrics"
)

// ProbeResult is the telemetry returned by a SCADA status probe.
type ProbeResult struct {
	Position float64 // reported opening fraction
	Status   hydro.EquipmentStatus
}

// Prober polls field equipment status. Implemented by the SCADA client.
type Prober interface {
	ProbeGate(ctx context.Context, scadaTag string) (ProbeResult, error)
}

// HealthMonitor periodically probes every automated gate and feeds the
// results into the registry, which drives the fallback rules.
type HealthMonitor struct {
	reg     *Registry
	prober  Prober
	log     *slog.Logger
	metrics *metrics.Metrics

	interval     time.Duration
	probeTimeout time.Duration
	concurrency  int
}

// NewHealthMonitor creates a monitor. Non-positive interval defaults to
// 30 s, probe timeout to 5 s.
func NewHealthMonitor(reg *Registry, prober Prober, m *metrics.Metrics, log *slog.Logger, interval, probeTimeout time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &HealthMonitor{
		reg:          reg,
		prober:       prober,
		log:          log,
		metrics:      m,
		interval:     interval,
		probeTimeout: probeTimeout,
		concurrency:  8,
	}
}

// Run sweeps on the configured interval until the context is canceled.
func (h *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", "interval", h.interval.String())
	for {
		select {
		case <-ctx.Done():
			h.log.Info("health monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep probes all automated gates once, bounded by the probe concurrency.
func (h *HealthMonitor) Sweep(ctx context.Context) {
	var targets []*hydro.Gate
	for _, g := range h.reg.ListByMode(hydro.ModeAuto) {
		targets = append(targets, g)
	}
	// Ручной резерв тоже опрашивается: восстановление связи обнуляет счётчик
	for _, g := range h.reg.ListByMode(hydro.ModeManual) {
		if g.IsAutomated() {
			targets = append(targets, g)
		}
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(h.concurrency)
	for _, g := range targets {
		eg.Go(func() error {
			h.probeOne(gctx, g)
			return nil
		})
	}
	_ = eg.Wait()
}

func (h *HealthMonitor) probeOne(ctx context.Context, g *hydro.Gate) {
	if g.Automated == nil || g.Automated.ScadaTag == "" {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	res, err := h.prober.ProbeGate(pctx, g.Automated.ScadaTag)
	if err != nil {
		if h.metrics != nil {
			h.metrics.ScadaProbeFailures.WithLabelValues(g.ID).Inc()
		}
		h.log.Warn("gate probe failed", "gate_id", g.ID, "scada_tag", g.Automated.ScadaTag, "error", err)
		h.reg.RecordCommunication(ctx, g.ID, false)
		return
	}

	h.reg.RecordCommunication(ctx, g.ID, true)
	h.reg.RecordPosition(ctx, g.ID, res.Position)
	if res.Status != "" {
		h.reg.UpdateEquipmentStatus(ctx, g.ID, res.Status)
	}
}
