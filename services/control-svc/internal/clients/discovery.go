package clients

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"hydronet/pkg/apperror"
	"hydronet/pkg/config"
	"hydronet/pkg/metrics"
)

// Discovery resolves collaborator base URLs from the district service
// registry, falling back to the static table from config when the registry
// is down or disabled.
type Discovery struct {
	rem *remote
	cfg config.DiscoveryConfig
	log *slog.Logger

	mu       sync.RWMutex
	resolved map[string]string // последние удачные ответы реестра

	cancel context.CancelFunc
	done   chan struct{}
}

const defaultHeartbeat = 30 * time.Second

func NewDiscovery(cfg config.DiscoveryConfig, log *slog.Logger, m *metrics.Metrics) *Discovery {
	if log == nil {
		log = slog.Default()
	}
	d := &Discovery{
		cfg:      cfg,
		log:      log,
		resolved: make(map[string]string),
	}
	if cfg.Enabled && cfg.URL != "" {
		d.rem = newRemote("discovery", cfg.URL, cfg.Timeout, 0, 0,
			apperror.CodeDiscoveryFailed, log, m, nil)
	}
	return d
}

type resolveResponse struct {
	URL string `json:"url"`
}

// Resolve returns the base URL for a named service. Resolution order:
// live registry, last known registry answer, static table.
func (d *Discovery) Resolve(ctx context.Context, service string) (string, error) {
	if service == "" {
		return "", apperror.New(apperror.CodeNilInput, "service name is empty")
	}

	if d.rem != nil {
		var resp resolveResponse
		err := d.rem.call(ctx, "resolve", http.MethodGet,
			"/services/"+url.PathEscape(service), nil, &resp)
		if err == nil && resp.URL != "" {
			d.mu.Lock()
			d.resolved[service] = resp.URL
			d.mu.Unlock()
			return resp.URL, nil
		}
		if err != nil {
			d.log.Warn("service registry lookup failed, using fallback",
				"service", service, "error", err)
		}

		d.mu.RLock()
		cached, ok := d.resolved[service]
		d.mu.RUnlock()
		if ok {
			return cached, nil
		}
	}

	if addr, ok := d.cfg.Static[service]; ok && addr != "" {
		return addr, nil
	}
	return "", apperror.New(apperror.CodeDiscoveryFailed,
		fmt.Sprintf("no address known for service %q", service))
}

// StartHeartbeat periodically re-registers this instance with the registry.
// No-op when the registry is disabled.
func (d *Discovery) StartHeartbeat(ctx context.Context, self string, addr string) {
	if d.rem == nil || self == "" {
		return
	}
	interval := d.cfg.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}

	hctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	go func() {
		defer close(d.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		d.register(hctx, self, addr)
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				d.register(hctx, self, addr)
			}
		}
	}()
}

type registerRequest struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (d *Discovery) register(ctx context.Context, self, addr string) {
	err := d.rem.call(ctx, "register", http.MethodPut,
		"/services/"+url.PathEscape(self),
		registerRequest{Name: self, URL: addr}, nil)
	if err != nil {
		d.log.Warn("failed to register with service registry",
			"service", self, "error", err)
	}
}

// Close stops the heartbeat loop.
func (d *Discovery) Close() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}
