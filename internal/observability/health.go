package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const readinessTimeout = 3 * time.Second

// HealthChecker aggregates readiness across the gate's dependencies (policy
// store, upstream services). Checks may be registered at any point after
// construction; registration and probing are safe to interleave.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]func(ctx context.Context) error
	logger *slog.Logger
}

// HealthStatus is the JSON response for the readiness endpoint.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of probing one dependency.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]func(ctx context.Context) error),
		logger: logger,
	}
}

// AddCheck registers a named dependency probe. Re-registering a name
// replaces the previous probe.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// CheckReady probes every registered dependency under a shared deadline.
// A single failing probe degrades the aggregate status. Degraded readiness
// is informational: the gate keeps serving, with retrieval and exposure
// falling back to their degraded modes.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	probes := make(map[string]func(ctx context.Context) error, len(h.checks))
	for name, check := range h.checks {
		probes[name] = check
	}
	h.mu.RUnlock()

	status := HealthStatus{Status: "ok"}
	if len(probes) == 0 {
		return status
	}

	probeCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()

	status.Checks = make(map[string]CheckResult, len(probes))
	for name, check := range probes {
		if err := check(probeCtx); err != nil {
			status.Status = "degraded"
			status.Checks[name] = CheckResult{Status: "fail", Message: err.Error()}
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", name),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		status.Checks[name] = CheckResult{Status: "ok"}
	}
	return status
}
