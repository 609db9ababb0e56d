package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydronet/pkg/config"
)

func testOps(ready ReadinessFunc, pprofOn bool) *Ops {
	return New(config.ServerConfig{EnablePprof: pprofOn}, ready,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHealthz(t *testing.T) {
	ts := httptest.NewServer(testOps(nil, false).routes())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name     string
		ready    ReadinessFunc
		wantCode int
	}{
		{"no readiness func", nil, http.StatusOK},
		{"ready", func(context.Context) error { return nil }, http.StatusOK},
		{"not ready", func(context.Context) error { return errors.New("db down") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(testOps(tt.ready, false).routes())
			defer ts.Close()

			resp, err := ts.Client().Get(ts.URL + "/readyz")
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantCode, resp.StatusCode)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := httptest.NewServer(testOps(nil, false).routes())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPprofGated(t *testing.T) {
	off := httptest.NewServer(testOps(nil, false).routes())
	defer off.Close()
	resp, err := off.Client().Get(off.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	on := httptest.NewServer(testOps(nil, true).routes())
	defer on.Close()
	resp, err = on.Client().Get(on.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
