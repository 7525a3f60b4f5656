package web

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/netresearch/jobbroker/core"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck represents a single health check
type HealthCheck struct {
	Name        string        `json:"name"`
	Status      HealthStatus  `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    float64                `json:"uptime_seconds"`
	Version   string                 `json:"version"`
	Checks    map[string]HealthCheck `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"goroutines"`
	NumCPU       int    `json:"cpus"`
	MemoryAlloc  uint64 `json:"memory_alloc_bytes"`
	MemoryTotal  uint64 `json:"memory_total_bytes"`
	GCRuns       uint32 `json:"gc_runs"`
}

// HealthChecker performs periodic health checks against the job store and
// the configured destination set, using a polling-goroutine/checks-map
// shape generalized from a single daemon ping to the job broker's own
// collaborators: the JobStore
// (can it round-trip a job record?) and the configured destinations (are
// they present and named, the full reachability probe being the `doctor`
// CLI command's job, not an HTTP endpoint's).
type HealthChecker struct {
	startTime     time.Time
	store         core.JobStore
	destinations  *core.DestinationSet
	version       string
	checks        map[string]HealthCheck
	mu            sync.RWMutex
	checkInterval time.Duration
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker(store core.JobStore, destinations *core.DestinationSet, version string) *HealthChecker {
	hc := &HealthChecker{
		startTime:     time.Now(),
		store:         store,
		destinations:  destinations,
		version:       version,
		checks:        make(map[string]HealthCheck),
		checkInterval: 30 * time.Second,
	}

	go hc.runPeriodicChecks()

	return hc
}

func (hc *HealthChecker) runPeriodicChecks() {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	hc.performAllChecks()

	for range ticker.C {
		hc.performAllChecks()
	}
}

func (hc *HealthChecker) performAllChecks() {
	hc.checkStore()
	hc.checkDestinations()
	hc.checkSystemResources()
}

// checkStore verifies the job store can answer a read.
func (hc *HealthChecker) checkStore() {
	start := time.Now()
	check := HealthCheck{Name: "store", LastChecked: start}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if hc.store == nil {
		check.Status = HealthStatusUnhealthy
		check.Message = "job store not initialized"
	} else if _, err := hc.store.ListNonTerminal(ctx); err != nil {
		check.Status = HealthStatusUnhealthy
		check.Message = "job store unreachable: " + err.Error()
	} else {
		check.Status = HealthStatusHealthy
		check.Message = "job store reachable"
	}

	check.Duration = time.Since(start)

	hc.mu.Lock()
	hc.checks["store"] = check
	hc.mu.Unlock()
}

// checkDestinations verifies at least one destination is configured.
// Deeper reachability (can the scheduler actually submit, can the
// filesystem actually transfer) is the `doctor` CLI command's job; probing
// that here on every health poll would submit real work against live
// schedulers just to answer a liveness check.
func (hc *HealthChecker) checkDestinations() {
	start := time.Now()
	check := HealthCheck{Name: "destinations", LastChecked: start}

	names := hc.destinations.Names()
	switch {
	case hc.destinations == nil || len(names) == 0:
		check.Status = HealthStatusUnhealthy
		check.Message = "no destinations configured"
	default:
		check.Status = HealthStatusHealthy
		check.Message = "configured: " + joinNames(names)
	}

	check.Duration = time.Since(start)

	hc.mu.Lock()
	hc.checks["destinations"] = check
	hc.mu.Unlock()
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}

func (hc *HealthChecker) checkSystemResources() {
	start := time.Now()
	check := HealthCheck{Name: "system", LastChecked: start}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memoryUsagePercent := float64(m.Alloc) / float64(m.Sys) * 100

	switch {
	case memoryUsagePercent > 90:
		check.Status = HealthStatusUnhealthy
		check.Message = "Memory usage critical"
	case memoryUsagePercent > 75:
		check.Status = HealthStatusDegraded
		check.Message = "Memory usage high"
	default:
		check.Status = HealthStatusHealthy
		check.Message = "System resources normal"
	}

	check.Duration = time.Since(start)

	hc.mu.Lock()
	hc.checks["system"] = check
	hc.mu.Unlock()
}

// GetHealth returns the current health status.
func (hc *HealthChecker) GetHealth() HealthResponse {
	hc.mu.RLock()
	checks := make(map[string]HealthCheck)
	for k, v := range hc.checks {
		checks[k] = v
	}
	hc.mu.RUnlock()

	status := HealthStatusHealthy
	for _, check := range checks {
		if check.Status == HealthStatusUnhealthy {
			status = HealthStatusUnhealthy
			break
		} else if check.Status == HealthStatusDegraded && status == HealthStatusHealthy {
			status = HealthStatusDegraded
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hc.startTime).Seconds(),
		Version:   hc.version,
		Checks:    checks,
		System: SystemInfo{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			NumCPU:       runtime.NumCPU(),
			MemoryAlloc:  m.Alloc,
			MemoryTotal:  m.Sys,
			GCRuns:       m.NumGC,
		},
	}
}

// LivenessHandler returns a simple liveness check.
func (hc *HealthChecker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

// ReadinessHandler returns readiness status.
func (hc *HealthChecker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		health := hc.GetHealth()

		statusCode := http.StatusOK
		if health.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	}
}

// HealthHandler returns detailed health information.
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		health := hc.GetHealth()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(health)
	}
}
