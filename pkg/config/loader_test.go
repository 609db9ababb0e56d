package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader(WithConfigPaths()).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Check defaults
	if cfg.App.Name != "control-svc" {
		t.Errorf("expected app name 'control-svc', got %s", cfg.App.Name)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected server port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Log.Level)
	}
	if cfg.Hydraulic.SourceElevation != 221.0 {
		t.Errorf("expected source elevation 221.0, got %g", cfg.Hydraulic.SourceElevation)
	}
	if cfg.Solver.Omega != 0.7 {
		t.Errorf("expected solver omega 0.7, got %g", cfg.Solver.Omega)
	}
	if cfg.Solver.MaxIterations != 100 {
		t.Errorf("expected solver max iterations 100, got %d", cfg.Solver.MaxIterations)
	}
	if cfg.Accounting.WindowWeeks != 4 {
		t.Errorf("expected deficit window 4 weeks, got %d", cfg.Accounting.WindowWeeks)
	}
	if cfg.Accounting.RateEarthen != 0.025 {
		t.Errorf("expected earthen seepage rate 0.025, got %g", cfg.Accounting.RateEarthen)
	}
	if cfg.Scada.CommFailureThreshold != 3 {
		t.Errorf("expected comm failure threshold 3, got %d", cfg.Scada.CommFailureThreshold)
	}
	if cfg.Scada.HealthIntervalS != 30 {
		t.Errorf("expected health interval 30s, got %d", cfg.Scada.HealthIntervalS)
	}
	if cfg.Dispatch.QueueSize != 16 {
		t.Errorf("expected dispatch queue size 16, got %d", cfg.Dispatch.QueueSize)
	}
	if cfg.Energy.PricePerKWh != 0 || cfg.Energy.CostPerKW != 0 {
		t.Error("energy economics must default to zero (not configured)")
	}
}

func TestLoader_LoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
app:
  name: custom-control
  version: 2.0.0
  environment: staging
server:
  port: 8181
log:
  level: debug
solver:
  omega: 0.5
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	loader := NewLoader(WithConfigPaths(configPath))
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "custom-control" {
		t.Errorf("expected app name 'custom-control', got %s", cfg.App.Name)
	}
	if cfg.App.Version != "2.0.0" {
		t.Errorf("expected version '2.0.0', got %s", cfg.App.Version)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("expected port 8181, got %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.Log.Level)
	}
	if cfg.Solver.Omega != 0.5 {
		t.Errorf("expected omega 0.5, got %g", cfg.Solver.Omega)
	}
	// Незатронутые файлом значения остаются дефолтными
	if cfg.Solver.MaxIterations != 100 {
		t.Errorf("expected default max iterations 100, got %d", cfg.Solver.MaxIterations)
	}
}

func TestLoader_LoadFromEnv(t *testing.T) {
	os.Setenv("HYDRONET_APP_NAME", "env-control")
	os.Setenv("HYDRONET_SERVER_PORT", "8282")
	os.Setenv("HYDRONET_SOLVER_TOLERANCE_M", "0.002")
	defer func() {
		os.Unsetenv("HYDRONET_APP_NAME")
		os.Unsetenv("HYDRONET_SERVER_PORT")
		os.Unsetenv("HYDRONET_SOLVER_TOLERANCE_M")
	}()

	cfg, err := NewLoader(WithConfigPaths()).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "env-control" {
		t.Errorf("expected app name 'env-control', got %s", cfg.App.Name)
	}
	if cfg.Server.Port != 8282 {
		t.Errorf("expected port 8282, got %d", cfg.Server.Port)
	}
	if cfg.Solver.ToleranceM != 0.002 {
		t.Errorf("expected tolerance 0.002, got %g", cfg.Solver.ToleranceM)
	}
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
app:
  name: file-control
server:
  port: 8383
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	os.Setenv("HYDRONET_APP_NAME", "env-wins")
	defer os.Unsetenv("HYDRONET_APP_NAME")

	cfg, err := NewLoader(WithConfigPaths(configPath)).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.App.Name != "env-wins" {
		t.Errorf("expected env to override file, got %s", cfg.App.Name)
	}
	if cfg.Server.Port != 8383 {
		t.Errorf("expected file port 8383, got %d", cfg.Server.Port)
	}
}

func TestLoader_CriticalWeeksSlice(t *testing.T) {
	os.Setenv("HYDRONET_ACCOUNTING_CRITICAL_WEEKS", "24, 25, 26")
	defer os.Unsetenv("HYDRONET_ACCOUNTING_CRITICAL_WEEKS")

	cfg, err := NewLoader(WithConfigPaths()).Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if len(cfg.Accounting.CriticalWeeks) != 3 {
		t.Fatalf("expected 3 critical weeks, got %v", cfg.Accounting.CriticalWeeks)
	}
	if cfg.Accounting.CriticalWeeks[0] != 24 || cfg.Accounting.CriticalWeeks[2] != 26 {
		t.Errorf("unexpected critical weeks: %v", cfg.Accounting.CriticalWeeks)
	}
}
