package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/qtos-io/tradegate/internal/config"
)

// --- No-op path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

// --- Metrics ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m.Registry == nil {
		t.Fatal("registry not created")
	}
	// Exercise each metric once; MustRegister already panicked on duplicates.
	m.DecisionsTotal.WithLabelValues("get_quote", "executed").Inc()
	m.DenialsTotal.WithLabelValues("execute_trade", "SAFETY_LIMIT_EXCEEDED").Inc()
	m.ToolExecutionsTotal.WithLabelValues("get_quote", "success").Inc()
	m.ToolExecutionDuration.WithLabelValues("get_quote").Observe(0.05)
	m.RetrievalsTotal.WithLabelValues("hit").Inc()
	m.RetrievalDuration.WithLabelValues("hit").Observe(0.2)
	m.LogWriteFailures.Inc()
	m.ActiveRequests.Inc()
	m.ActiveRequests.Dec()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families gathered")
	}
}

// --- Health ---

func TestHealthChecker_ReadyNoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if got := h.CheckReady(context.Background()); got.Status != "ok" {
		t.Errorf("status = %q", got.Status)
	}
}

func TestHealthChecker_Degraded(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("policy_store", func(context.Context) error { return errors.New("connection refused") })
	h.AddCheck("data_service", func(context.Context) error { return nil })

	got := h.CheckReady(context.Background())
	if got.Status != "degraded" {
		t.Errorf("status = %q, want degraded", got.Status)
	}
	if got.Checks["policy_store"].Status != "fail" {
		t.Errorf("policy_store = %+v", got.Checks["policy_store"])
	}
	if got.Checks["data_service"].Status != "ok" {
		t.Errorf("data_service = %+v", got.Checks["data_service"])
	}
}

// --- Tracing ---

func TestTracerSetup_DisabledIsNil(t *testing.T) {
	ts, err := NewTracerSetup(nil)
	if err != nil || ts != nil {
		t.Fatalf("NewTracerSetup(nil) = %v, %v", ts, err)
	}
	ts, err = NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Fatalf("disabled tracing = %v, %v", ts, err)
	}
	// Nil setup still hands out a usable noop tracer.
	var nilSetup *TracerSetup
	if nilSetup.Tracer() == nil {
		t.Error("nil setup must return a noop tracer")
	}
	if err := nilSetup.Shutdown(context.Background()); err != nil {
		t.Errorf("nil shutdown: %v", err)
	}
}
