// Package server runs the operational HTTP endpoint of the control core:
// liveness, readiness, prometheus metrics and optional pprof. It is not a
// product API surface; the district BFF talks to the service layer through
// its own transport.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"

	"hydronet/pkg/config"
	"hydronet/pkg/metrics"
)

// ReadinessFunc answers whether the service can take traffic.
type ReadinessFunc func(ctx context.Context) error

// Ops is the operational HTTP server.
type Ops struct {
	cfg   config.ServerConfig
	ready ReadinessFunc
	log   *slog.Logger

	srv *http.Server
}

// New creates the ops server. The readiness func is optional; without one
// /readyz always answers ok.
func New(cfg config.ServerConfig, ready ReadinessFunc, log *slog.Logger) *Ops {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}

	o := &Ops{cfg: cfg, ready: ready, log: log}
	o.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      o.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return o
}

func (o *Ops) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", o.handleHealthz)
	mux.HandleFunc("/readyz", o.handleReadyz)
	mux.Handle("/metrics", metrics.Handler())

	if o.cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func (o *Ops) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (o *Ops) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if o.ready == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	if err := o.ready(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// Run serves until the listener fails. http.ErrServerClosed after Shutdown
// is not an error.
func (o *Ops) Run() error {
	o.log.Info("ops server listening", "port", o.cfg.Port, "pprof", o.cfg.EnablePprof)
	if err := o.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (o *Ops) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownTimeout)
	defer cancel()
	return o.srv.Shutdown(ctx)
}
