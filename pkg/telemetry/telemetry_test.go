package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestConfig(t *testing.T) {
	cfg := Config{
		Enabled:     true,
		Endpoint:    "localhost:4317",
		ServiceName: "test-service",
		Version:     "1.0.0",
		Environment: "test",
		SampleRate:  0.5,
	}

	if cfg.ServiceName != "test-service" {
		t.Errorf("ServiceName = %s, want test-service", cfg.ServiceName)
	}
}

func TestInit_Disabled(t *testing.T) {
	cfg := Config{
		Enabled:     false,
		ServiceName: "test",
	}

	provider, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	if provider == nil {
		t.Fatal("provider should not be nil")
	}

	if provider.tracer == nil {
		t.Error("tracer should not be nil even when disabled")
	}
}

func TestGet_Uninitialized(t *testing.T) {
	// Reset global
	globalProvider = nil

	provider := Get()
	if provider == nil {
		t.Fatal("Get() should return provider even when uninitialized")
	}

	if provider.tracer == nil {
		t.Error("tracer should not be nil")
	}
}

func TestStartSpan(t *testing.T) {
	globalProvider = nil

	ctx := context.Background()
	newCtx, span := StartSpan(ctx, "test-span")

	if span == nil {
		t.Error("span should not be nil")
	}

	// Проверяем, что контекст изменился (содержит span)
	_ = newCtx

	span.End()
}

func TestSpanFromContext(t *testing.T) {
	ctx := context.Background()
	span := SpanFromContext(ctx)

	// Should return noop span for context without span
	if span == nil {
		t.Error("SpanFromContext should return span (noop)")
	}
}

func TestAddEvent(t *testing.T) {
	ctx := context.Background()
	newCtx, span := StartSpan(ctx, "test-span")
	defer span.End()

	// Should not panic
	AddEvent(newCtx, "test-event",
		attribute.String("key", "value"),
		attribute.Int("count", 42),
	)
}

func TestSetError(t *testing.T) {
	ctx := context.Background()
	newCtx, span := StartSpan(ctx, "test-span")
	defer span.End()

	// Should not panic
	SetError(newCtx, context.DeadlineExceeded)
}

func TestSetAttributes(t *testing.T) {
	ctx := context.Background()
	newCtx, span := StartSpan(ctx, "test-span")
	defer span.End()

	// Should not panic
	SetAttributes(newCtx,
		attribute.String("key1", "value1"),
		attribute.Int("key2", 42),
	)
}

func TestWithAttributes(t *testing.T) {
	opt := WithAttributes(
		attribute.String("key", "value"),
	)

	if opt == nil {
		t.Error("WithAttributes should return option")
	}
}

func TestProvider_Tracer(t *testing.T) {
	provider := &Provider{
		tracer: noop.NewTracerProvider().Tracer("test"),
	}

	tracer := provider.Tracer()
	if tracer == nil {
		t.Error("Tracer() should not return nil")
	}
}

func TestProvider_Shutdown(t *testing.T) {
	provider := &Provider{
		tp:     nil,
		tracer: noop.NewTracerProvider().Tracer("test"),
	}

	err := provider.Shutdown(context.Background())
	if err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNetworkAttributes(t *testing.T) {
	attrs := NetworkAttributes(48, 52, 23, "RES-MAIN")

	if len(attrs) != 4 {
		t.Errorf("expected 4 attributes, got %d", len(attrs))
	}

	expected := map[string]bool{
		AttrNetworkNodes:    true,
		AttrNetworkSections: true,
		AttrNetworkGates:    true,
		AttrNetworkSource:   true,
	}

	for _, attr := range attrs {
		key := string(attr.Key)
		if !expected[key] {
			t.Errorf("unexpected attribute key: %s", key)
		}
	}
}

func TestSolverAttributes(t *testing.T) {
	attrs := SolverAttributes(23, true, 0.0008, 0.004)

	if len(attrs) != 4 {
		t.Errorf("expected 4 attributes, got %d", len(attrs))
	}
}

func TestGateAttributes(t *testing.T) {
	attrs := GateAttributes("G-12", "auto", 0.45)

	if len(attrs) != 3 {
		t.Errorf("expected 3 attributes, got %d", len(attrs))
	}
}

func TestReconciliationAttributes(t *testing.T) {
	attrs := ReconciliationAttributes("2026-W30", "Z-EAST", "adjusted", 0.07)

	if len(attrs) != 4 {
		t.Errorf("expected 4 attributes, got %d", len(attrs))
	}
}

func TestHTTPMiddleware(t *testing.T) {
	globalProvider = nil

	called := false
	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/solve", nil))

	if !called {
		t.Error("wrapped handler was not called")
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestInjectHTTP(t *testing.T) {
	globalProvider = nil

	ctx, span := StartSpan(context.Background(), "outbound")
	defer span.End()

	req := httptest.NewRequest(http.MethodGet, "http://scada.local/gates", nil).WithContext(ctx)

	// Should not panic; headers stay untouched for a noop span
	InjectHTTP(req)
}
