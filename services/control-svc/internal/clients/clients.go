// Package clients holds the outbound adapters to the collaborator systems:
// the SCADA bridge, field operations, the sensor store, GIS, weather and
// the service registry.
//
// # Plumbing
//
// Every adapter shares the same transport discipline: JSON over HTTP with a
// per-call timeout, a circuit breaker per remote that trips on consecutive
// failures, an otel span per call and apperror wrapping so callers can
// classify retries. 5xx and transport failures map to the remote's
// "unavailable" code (retryable); 4xx map to validation codes and are never
// retried.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"hydronet/pkg/apperror"
	"hydronet/pkg/metrics"
	"hydronet/pkg/telemetry"
)

// remote is one collaborator endpoint behind a circuit breaker.
type remote struct {
	name    string
	baseURL string
	code    apperror.ErrorCode // код «сервис недоступен» этого удалённого
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
	metrics *metrics.Metrics
}

func newRemote(name, baseURL string, timeout time.Duration,
	maxFailures uint32, openTimeout time.Duration,
	code apperror.ErrorCode, log *slog.Logger, m *metrics.Metrics,
	transport http.RoundTripper) *remote {

	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxFailures == 0 {
		maxFailures = 5
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				"remote", name, "from", from.String(), "to", to.String())
		},
	})

	return &remote{
		name:    name,
		baseURL: baseURL,
		code:    code,
		http:    &http.Client{Timeout: timeout, Transport: transport},
		breaker: cb,
		log:     log,
		metrics: m,
	}
}

// State exposes the breaker state for readiness reporting.
func (r *remote) State() string {
	return r.breaker.State().String()
}

// callResult separates breaker-visible failures (transport, 5xx) from
// client-side rejections (4xx), which must not trip the breaker.
type callResult struct {
	data []byte
	err  error
}

// call performs one JSON request through the breaker. A nil in sends no
// body; a nil out discards the response body.
func (r *remote) call(ctx context.Context, op, method, path string, in, out any) error {
	ctx, span := telemetry.StartSpan(ctx, "clients."+r.name+"."+op)
	defer span.End()

	err := r.do(ctx, method, path, in, out)
	if err != nil {
		telemetry.RecordError(ctx, err)
	}
	return err
}

func (r *remote) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return apperror.Wrap(err, apperror.CodeInternal,
				fmt.Sprintf("failed to encode %s request", r.name))
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return apperror.Wrap(err, apperror.CodeInternal,
			fmt.Sprintf("failed to build %s request", r.name))
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.InjectHTTP(req)

	raw, err := r.breaker.Execute(func() (any, error) {
		resp, err := r.http.Do(req)
		if err != nil {
			return nil, apperror.Wrap(err, r.code,
				fmt.Sprintf("%s request failed", r.name))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, apperror.Wrap(err, r.code,
				fmt.Sprintf("failed to read %s response", r.name))
		}
		if resp.StatusCode >= 500 {
			return callResult{}, apperror.New(r.code,
				fmt.Sprintf("%s returned %d: %s", r.name, resp.StatusCode, truncate(data)))
		}
		if resp.StatusCode == http.StatusNotFound {
			// Клиентские ошибки не валят предохранитель
			return callResult{err: apperror.New(apperror.CodeNotFound,
				fmt.Sprintf("%s: %s not found", r.name, path))}, nil
		}
		if resp.StatusCode >= 400 {
			return callResult{err: apperror.New(apperror.CodeInvalidInput,
				fmt.Sprintf("%s rejected the request (%d): %s", r.name, resp.StatusCode, truncate(data)))}, nil
		}
		return callResult{data: data}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return apperror.New(apperror.CodeBreakerOpen,
				fmt.Sprintf("%s circuit breaker is open", r.name))
		}
		return err
	}
	res := raw.(callResult)
	if res.err != nil {
		return res.err
	}

	if out == nil {
		return nil
	}
	data := res.data
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperror.Wrap(err, r.code,
			fmt.Sprintf("failed to decode %s response", r.name))
	}
	return nil
}

func truncate(data []byte) string {
	const limit = 200
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
