package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tair/cart-sync/pkg/logger"
)

// Check probes one dependency
type Check func(ctx context.Context) error

// DependencyHealth is the status of one dependency
type DependencyHealth struct {
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	Latency   time.Duration `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ServiceHealth is the overall status reported by /health
type ServiceHealth struct {
	Service      string                      `json:"service"`
	Status       string                      `json:"status"`
	Dependencies map[string]DependencyHealth `json:"dependencies,omitempty"`
	Uptime       float64                     `json:"uptime_seconds"`
}

// HealthChecker runs the dependency checks concurrently
type HealthChecker struct {
	service   string
	checks    map[string]Check
	timeout   time.Duration
	startTime time.Time
}

// NewHealthChecker creates a checker; checks may be empty
func NewHealthChecker(service string, checks map[string]Check) *HealthChecker {
	return &HealthChecker{
		service:   service,
		checks:    checks,
		timeout:   2 * time.Second,
		startTime: time.Now(),
	}
}

// CheckAll probes every dependency
func (h *HealthChecker) CheckAll(ctx context.Context) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	deps := make(map[string]DependencyHealth, len(h.checks))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, check := range h.checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			start := time.Now()
			result := DependencyHealth{Name: name, Status: "healthy", Timestamp: start}
			if err := check(ctx); err != nil {
				result.Status = "unhealthy"
				result.Error = err.Error()
				logger.Logger.Warn().Str("dependency", name).Err(err).Msg("Dependency health check failed")
			}
			result.Latency = time.Since(start)

			mu.Lock()
			deps[name] = result
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	return ServiceHealth{
		Service:      h.service,
		Status:       overallStatus(deps),
		Dependencies: deps,
		Uptime:       time.Since(h.startTime).Seconds(),
	}
}

// ServeHTTP answers 200 unless every dependency is down
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	health := h.CheckAll(r.Context())
	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}

func overallStatus(deps map[string]DependencyHealth) string {
	healthy := 0
	for _, d := range deps {
		if d.Status == "healthy" {
			healthy++
		}
	}
	switch {
	case healthy == len(deps):
		return "healthy"
	case healthy > 0:
		return "degraded"
	default:
		return "unhealthy"
	}
}
